package ops

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/telaris/telaris/internal/event"
	"github.com/telaris/telaris/internal/metrics"
	"github.com/telaris/telaris/internal/registry"
	"github.com/telaris/telaris/internal/session"
	"github.com/telaris/telaris/internal/trunk"
	"github.com/telaris/telaris/internal/voicemail"
)

type fakeCalls struct {
	snaps []session.Snapshot
}

func (f *fakeCalls) Count() int                    { return len(f.snaps) }
func (f *fakeCalls) Snapshots() []session.Snapshot { return f.snaps }

type okProber struct{}

func (okProber) Probe(context.Context, trunk.Config, trunk.Target) error { return nil }

func newTestServer(t *testing.T, calls *fakeCalls) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := registry.New(event.Discard, logger)
	dir.UpsertExtension(registry.Extension{Number: "1001"})
	if _, err := dir.Register(registry.Contact{
		Extension: "1001",
		URI:       "sip:1001@192.0.2.10:5060",
		Transport: "udp",
		CallID:    "reg-1",
		CSeq:      1,
	}, 3600); err != nil {
		t.Fatalf("register: %v", err)
	}

	trunks, err := trunk.NewManager([]trunk.Config{
		{Name: "carrier-a", Priority: 10, Host: "a.example.com", RoutingClasses: []string{"external"}},
	}, okProber{}, nil, trunk.Options{}, event.Discard, logger)
	if err != nil {
		t.Fatalf("trunk manager: %v", err)
	}

	vm := voicemail.NewStore(0, 0, nil, logger)

	reg := prometheus.NewRegistry()
	start := time.Now().Add(-time.Minute)
	reg.MustRegister(metrics.NewCollector(calls, dir, trunks, nil, nil, vm, start))

	return NewServer(calls, dir, trunks, vm, reg, start, logger)
}

func get(t *testing.T, srv *Server, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var env envelope
	if strings.Contains(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decoding %s response: %v", path, err)
		}
	}
	return w, env
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeCalls{snaps: []session.Snapshot{{ID: "a", State: "ANSWERED"}}})

	w, env := get(t, srv, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want map", env.Data)
	}
	if data["status"] != "ok" {
		t.Errorf("status field = %v, want ok", data["status"])
	}
	if data["active_calls"] != float64(1) {
		t.Errorf("active_calls = %v, want 1", data["active_calls"])
	}
	if data["registrations"] != float64(1) {
		t.Errorf("registrations = %v, want 1", data["registrations"])
	}
}

func TestCallsListsSnapshots(t *testing.T) {
	srv := newTestServer(t, &fakeCalls{snaps: []session.Snapshot{
		{ID: "a", CallID: "call-1", State: "RINGING", CallerNum: "1001", CalledNum: "1002"},
		{ID: "b", CallID: "call-2", State: "ON_HOLD", Parked: true},
	}})

	w, env := get(t, srv, "/calls")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	items, ok := env.Data.([]any)
	if !ok {
		t.Fatalf("data is %T, want array", env.Data)
	}
	if len(items) != 2 {
		t.Fatalf("calls = %d, want 2", len(items))
	}
	first := items[0].(map[string]any)
	if first["call_id"] != "call-1" || first["state"] != "RINGING" {
		t.Errorf("unexpected first call: %v", first)
	}
	second := items[1].(map[string]any)
	if second["parked"] != true {
		t.Errorf("parked call not flagged: %v", second)
	}
}

func TestCallsEmptyIsArray(t *testing.T) {
	srv := newTestServer(t, &fakeCalls{})

	w, _ := get(t, srv, "/calls")
	if !strings.Contains(w.Body.String(), `"data":[]`) {
		t.Errorf("empty call list should serialize as [], got %s", w.Body.String())
	}
}

func TestRegistrations(t *testing.T) {
	srv := newTestServer(t, &fakeCalls{})

	w, env := get(t, srv, "/registrations")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	items, ok := env.Data.([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("registrations = %v, want one entry", env.Data)
	}
	entry := items[0].(map[string]any)
	if entry["extension"] != "1001" {
		t.Errorf("extension = %v, want 1001", entry["extension"])
	}
	if entry["uri"] != "sip:1001@192.0.2.10:5060" {
		t.Errorf("uri = %v", entry["uri"])
	}
}

func TestTrunks(t *testing.T) {
	srv := newTestServer(t, &fakeCalls{})

	w, env := get(t, srv, "/trunks")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	items, ok := env.Data.([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("trunks = %v, want one entry", env.Data)
	}
	entry := items[0].(map[string]any)
	if entry["name"] != "carrier-a" {
		t.Errorf("name = %v, want carrier-a", entry["name"])
	}
	if entry["status"] != string(trunk.StatusHealthy) {
		t.Errorf("status = %v, want healthy", entry["status"])
	}
}

func TestVoicemailMessages(t *testing.T) {
	srv := newTestServer(t, &fakeCalls{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := srv.voicemail.Deposit(ctx, "1001", "1002"); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	w, env := get(t, srv, "/voicemail/1001/messages")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	items, ok := env.Data.([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("messages = %v, want one entry", env.Data)
	}
	msg := items[0].(map[string]any)
	if msg["caller_id"] != "1002" {
		t.Errorf("caller_id = %v, want 1002", msg["caller_id"])
	}
}

func TestMetricsExposition(t *testing.T) {
	srv := newTestServer(t, &fakeCalls{snaps: []session.Snapshot{
		{ID: "a", State: "ANSWERED"},
		{ID: "b", State: "ANSWERED"},
		{ID: "c", State: "RINGING"},
	}})

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()

	for _, want := range []string{
		"telaris_active_calls 3",
		`telaris_calls_by_state{state="ANSWERED"} 2`,
		`telaris_calls_by_state{state="RINGING"} 1`,
		"telaris_registered_contacts 1",
		`telaris_trunk_status{status="healthy",trunk="carrier-a"} 1`,
		"telaris_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
