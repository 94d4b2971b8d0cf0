package router

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/telaris/telaris/internal/event"
	"github.com/telaris/telaris/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T) (*Router, *registry.Registry) {
	t.Helper()
	reg := registry.New(event.Discard, testLogger())
	r := New(reg, Config{
		RingTimeout:     20 * time.Second,
		ForwardHopLimit: 3,
		AccessPrefixes:  []string{"*"},
	}, testLogger())
	return r, reg
}

func register(t *testing.T, reg *registry.Registry, ext, uri string) {
	t.Helper()
	if _, err := reg.Register(registry.Contact{Extension: ext, URI: uri, CallID: uri, CSeq: 1}, 3600); err != nil {
		t.Fatalf("Register %s: %v", ext, err)
	}
}

func TestRouteInboundRingsAllContacts(t *testing.T) {
	r, reg := newTestRouter(t)
	reg.UpsertExtension(registry.Extension{Number: "1001", MaxRegistrations: 5})
	register(t, reg, "1001", "sip:1001@10.0.0.1")
	register(t, reg, "1001", "sip:1001@10.0.0.2")

	route, err := r.RouteInbound(registry.Extension{Number: "1002"}, "1001")
	if err != nil {
		t.Fatalf("RouteInbound: %v", err)
	}
	if route.Kind != KindExtension {
		t.Fatalf("kind = %d, want KindExtension", route.Kind)
	}
	if len(route.Contacts) != 2 {
		t.Errorf("contacts = %d, want 2 (parallel fork)", len(route.Contacts))
	}
	if route.RingTimeout != 20*time.Second {
		t.Errorf("ring timeout = %s, want 20s", route.RingTimeout)
	}
}

func TestRouteInboundDND(t *testing.T) {
	r, reg := newTestRouter(t)
	reg.UpsertExtension(registry.Extension{Number: "1001", DNDEnabled: true})
	register(t, reg, "1001", "sip:1001@10.0.0.1")

	_, err := r.RouteInbound(registry.Extension{Number: "1002"}, "1001")
	if !errors.Is(err, ErrDND) {
		t.Errorf("err = %v, want ErrDND", err)
	}
}

func TestRouteInboundNoRegistrations(t *testing.T) {
	r, reg := newTestRouter(t)
	reg.UpsertExtension(registry.Extension{Number: "1001"})

	_, err := r.RouteInbound(registry.Extension{Number: "1002"}, "1001")
	if !errors.Is(err, ErrNoRegistrations) {
		t.Errorf("err = %v, want ErrNoRegistrations", err)
	}
}

func TestRouteInboundFollowsForwardChain(t *testing.T) {
	r, reg := newTestRouter(t)
	reg.UpsertExtension(registry.Extension{Number: "1001", ForwardEnabled: true, ForwardDest: "1002"})
	reg.UpsertExtension(registry.Extension{Number: "1002", ForwardEnabled: true, ForwardDest: "1003"})
	reg.UpsertExtension(registry.Extension{Number: "1003"})
	register(t, reg, "1003", "sip:1003@10.0.0.3")

	route, err := r.RouteInbound(registry.Extension{Number: "2000"}, "1001")
	if err != nil {
		t.Fatalf("RouteInbound: %v", err)
	}
	if route.Extension.Number != "1003" {
		t.Errorf("final extension = %s, want 1003", route.Extension.Number)
	}
	if len(route.ForwardChain) != 2 || route.ForwardChain[0] != "1001" || route.ForwardChain[1] != "1002" {
		t.Errorf("forward chain = %v, want [1001 1002]", route.ForwardChain)
	}
}

func TestRouteInboundForwardLoop(t *testing.T) {
	r, reg := newTestRouter(t)
	reg.UpsertExtension(registry.Extension{Number: "1001", ForwardEnabled: true, ForwardDest: "1002"})
	reg.UpsertExtension(registry.Extension{Number: "1002", ForwardEnabled: true, ForwardDest: "1001"})

	_, err := r.RouteInbound(registry.Extension{Number: "2000"}, "1001")
	if !errors.Is(err, ErrForwardLoop) {
		t.Errorf("err = %v, want ErrForwardLoop", err)
	}
}

func TestRouteInboundForwardHopLimit(t *testing.T) {
	r, reg := newTestRouter(t)
	// Chain longer than the hop limit of 3 without revisiting anyone.
	for i, dest := range []string{"1002", "1003", "1004", "1005"} {
		reg.UpsertExtension(registry.Extension{
			Number:         fmt.Sprintf("100%d", i+1),
			ForwardEnabled: true,
			ForwardDest:    dest,
		})
	}
	reg.UpsertExtension(registry.Extension{Number: "1005"})
	register(t, reg, "1005", "sip:1005@10.0.0.5")

	_, err := r.RouteInbound(registry.Extension{Number: "2000"}, "1001")
	if !errors.Is(err, ErrForwardLoop) {
		t.Errorf("err = %v, want ErrForwardLoop", err)
	}
}

func TestRouteInboundForwardToExternalNumber(t *testing.T) {
	r, reg := newTestRouter(t)
	reg.UpsertExtension(registry.Extension{Number: "1001", ForwardEnabled: true, ForwardDest: "15551230000"})

	route, err := r.RouteInbound(registry.Extension{Number: "2000"}, "1001")
	if err != nil {
		t.Fatalf("RouteInbound: %v", err)
	}
	if route.Kind != KindExternal || route.Number != "15551230000" {
		t.Errorf("route = %+v, want external 15551230000", route)
	}
	if len(route.ForwardChain) != 1 || route.ForwardChain[0] != "1001" {
		t.Errorf("forward chain = %v, want [1001]", route.ForwardChain)
	}
}

func TestRouteInboundExternalRequiresPermission(t *testing.T) {
	r, _ := newTestRouter(t)

	_, err := r.RouteInbound(registry.Extension{Number: "1001", AllowExternal: false}, "15551230000")
	if !errors.Is(err, ErrExternalNotAllowed) {
		t.Fatalf("err = %v, want ErrExternalNotAllowed", err)
	}

	route, err := r.RouteInbound(registry.Extension{Number: "1001", AllowExternal: true}, "15551230000")
	if err != nil {
		t.Fatalf("RouteInbound: %v", err)
	}
	if route.Kind != KindExternal || route.RoutingClass != "external" {
		t.Errorf("route = %+v, want external via class external", route)
	}
}

func TestRouteInboundVoicemailAccessPrefix(t *testing.T) {
	r, reg := newTestRouter(t)
	reg.UpsertExtension(registry.Extension{Number: "1001", VoicemailEnabled: true})

	route, err := r.RouteInbound(registry.Extension{Number: "1001"}, "*1001")
	if err != nil {
		t.Fatalf("RouteInbound: %v", err)
	}
	if route.Kind != KindVoicemailAccess {
		t.Fatalf("kind = %d, want KindVoicemailAccess", route.Kind)
	}
	if route.Number != "1001" {
		t.Errorf("mailbox = %q, want bare extension 1001", route.Number)
	}
}

func TestStripAccessPrefix(t *testing.T) {
	reg := registry.New(event.Discard, testLogger())
	tests := []struct {
		name     string
		prefixes []string
		dialed   string
		want     string
	}{
		{"star prefix stripped", []string{"*"}, "*1001", "1001"},
		{"no prefix untouched", []string{"*"}, "1001", "1001"},
		{"multi-character prefix", []string{"*98"}, "*981001", "1001"},
		{"first matching prefix wins", []string{"*98", "*"}, "*981001", "1001"},
		{"fallback to shorter prefix", []string{"*98", "*"}, "*1001", "1001"},
		{"empty prefix ignored", []string{""}, "1001", "1001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(reg, Config{AccessPrefixes: tt.prefixes}, testLogger())
			if got := r.StripAccessPrefix(tt.dialed); got != tt.want {
				t.Errorf("StripAccessPrefix(%q) = %q, want %q", tt.dialed, got, tt.want)
			}
		})
	}
}

func TestOnNoAnswerVoicemail(t *testing.T) {
	r, reg := newTestRouter(t)
	reg.UpsertExtension(registry.Extension{Number: "1001", VoicemailEnabled: true})

	d := r.OnNoAnswer("1001")
	if d.Action != ActionVoicemail || d.Mailbox != "1001" {
		t.Errorf("decision = %+v, want voicemail into 1001", d)
	}

	// Dialed with the access prefix, the mailbox is still the bare
	// extension.
	d = r.OnNoAnswer("*1001")
	if d.Action != ActionVoicemail || d.Mailbox != "1001" {
		t.Errorf("decision = %+v, want voicemail into 1001 (prefix stripped)", d)
	}
}

func TestOnNoAnswerForward(t *testing.T) {
	r, reg := newTestRouter(t)
	reg.UpsertExtension(registry.Extension{Number: "1001", ForwardEnabled: true, ForwardDest: "1002"})

	d := r.OnNoAnswer("1001")
	if d.Action != ActionForward || d.Number != "1002" {
		t.Errorf("decision = %+v, want forward to 1002", d)
	}
}

func TestOnNoAnswerFail(t *testing.T) {
	r, reg := newTestRouter(t)
	reg.UpsertExtension(registry.Extension{Number: "1001"})

	if d := r.OnNoAnswer("1001"); d.Action != ActionFail {
		t.Errorf("decision = %+v, want fail", d)
	}
	if d := r.OnNoAnswer("9999"); d.Action != ActionFail {
		t.Errorf("decision for unknown = %+v, want fail", d)
	}
}
