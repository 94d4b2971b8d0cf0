package trunk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/telaris/telaris/internal/event"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *recordingSink) Record(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) statuses(trunkName string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		if ev.Type == event.TypeTrunkHealth && ev.TrunkName == trunkName {
			out = append(out, ev.TrunkStatus)
		}
	}
	return out
}

func twoTrunkConfigs() []Config {
	return []Config{
		{Name: "t1", Priority: 1, Host: "carrier-a.example.com", Port: 5060, Transport: "udp"},
		{Name: "t2", Priority: 2, Host: "carrier-b.example.com", Port: 5060, Transport: "udp"},
	}
}

func alwaysUp(context.Context, Config, Target) error   { return nil }
func alwaysDown(context.Context, Config, Target) error { return errors.New("unreachable") }

func newTestManager(t *testing.T, configs []Config, probe ProbeFunc) (*Manager, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	m, err := NewManager(configs, probe, nil, Options{
		FailureThreshold:  3,
		RecoveryThreshold: 2,
		ProbeTimeout:      time.Second,
	}, sink, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, sink
}

func TestSelectPrefersLowestPriority(t *testing.T) {
	m, _ := newTestManager(t, twoTrunkConfigs(), alwaysUp)

	sel, err := m.Select("external")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Name != "t1" {
		t.Errorf("selected %s, want t1", sel.Name)
	}
}

func TestFailoverAfterConsecutiveProbeFailures(t *testing.T) {
	// t1 fails every probe, t2 stays healthy.
	probe := ProbeFunc(func(_ context.Context, cfg Config, _ Target) error {
		if cfg.Name == "t1" {
			return errors.New("timeout")
		}
		return nil
	})
	m, _ := newTestManager(t, twoTrunkConfigs(), probe)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m.HealthCheck(ctx)
	}

	t1, _ := m.Get("t1")
	if got := t1.Status(); got != StatusFailed {
		t.Fatalf("t1 status = %s, want failed", got)
	}

	sel, err := m.Select("external")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Name != "t2" {
		t.Errorf("selected %s, want t2", sel.Name)
	}
}

func TestHealthHysteresis(t *testing.T) {
	m, sink := newTestManager(t, twoTrunkConfigs()[:1], alwaysUp)
	t1, _ := m.Get("t1")

	m.recordFailure(t1, "probe timeout")
	if got := t1.Status(); got != StatusDegraded {
		t.Fatalf("after 1 failure status = %s, want degraded", got)
	}

	m.recordFailure(t1, "probe timeout")
	if got := t1.Status(); got != StatusDegraded {
		t.Fatalf("after 2 failures status = %s, want degraded", got)
	}

	m.recordFailure(t1, "probe timeout")
	if got := t1.Status(); got != StatusFailed {
		t.Fatalf("after 3 failures status = %s, want failed", got)
	}

	// One good probe is not enough to recover.
	m.recordSuccess(t1, true)
	if got := t1.Status(); got != StatusFailed {
		t.Fatalf("after 1 recovery probe status = %s, want failed", got)
	}

	m.recordSuccess(t1, true)
	if got := t1.Status(); got != StatusHealthy {
		t.Fatalf("after 2 recovery probes status = %s, want healthy", got)
	}

	want := []string{"degraded", "failed", "healthy"}
	got := sink.statuses("t1")
	if len(got) != len(want) {
		t.Fatalf("status events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("status event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDegradedRecoversOnSingleSuccess(t *testing.T) {
	m, _ := newTestManager(t, twoTrunkConfigs()[:1], alwaysUp)
	t1, _ := m.Get("t1")

	m.recordFailure(t1, "blip")
	m.recordSuccess(t1, true)
	if got := t1.Status(); got != StatusHealthy {
		t.Errorf("status = %s, want healthy", got)
	}
}

func TestCallSetupFailuresCountTowardFailed(t *testing.T) {
	m, _ := newTestManager(t, twoTrunkConfigs(), alwaysUp)
	t1, _ := m.Get("t1")

	for i := 0; i < 3; i++ {
		m.ReportOutcome(t1, false)
	}
	if got := t1.Status(); got != StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestNextAfterSkipsFailedTrunks(t *testing.T) {
	configs := append(twoTrunkConfigs(), Config{
		Name: "t3", Priority: 3, Host: "carrier-c.example.com", Transport: "udp",
	})
	m, _ := newTestManager(t, configs, alwaysUp)

	t1, _ := m.Get("t1")
	t2, _ := m.Get("t2")
	for i := 0; i < 3; i++ {
		m.recordFailure(t2, "down")
	}

	next, err := m.NextAfter(t1, "external")
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}
	if next.Name != "t3" {
		t.Errorf("next = %s, want t3", next.Name)
	}
}

func TestNextAfterExhausted(t *testing.T) {
	m, _ := newTestManager(t, twoTrunkConfigs(), alwaysUp)
	t2, _ := m.Get("t2")

	_, err := m.NextAfter(t2, "external")
	if !errors.Is(err, ErrNoTrunkAvailable) {
		t.Errorf("err = %v, want ErrNoTrunkAvailable", err)
	}
}

func TestSelectHonorsRoutingClass(t *testing.T) {
	configs := []Config{
		{Name: "domestic", Priority: 1, Host: "a.example.com", RoutingClasses: []string{"national"}},
		{Name: "intl", Priority: 2, Host: "b.example.com", RoutingClasses: []string{"international"}},
	}
	m, _ := newTestManager(t, configs, alwaysUp)

	sel, err := m.Select("international")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Name != "intl" {
		t.Errorf("selected %s, want intl", sel.Name)
	}
}

func TestSelectNoTrunkAvailable(t *testing.T) {
	m, _ := newTestManager(t, twoTrunkConfigs(), alwaysDown)
	for _, tr := range m.Trunks() {
		for i := 0; i < 3; i++ {
			m.recordFailure(tr, "down")
		}
	}

	_, err := m.Select("external")
	if !errors.Is(err, ErrNoTrunkAvailable) {
		t.Errorf("err = %v, want ErrNoTrunkAvailable", err)
	}
}

func TestTargetFallthroughWithinCycle(t *testing.T) {
	resolver := &fakeResolver{records: []*net.SRV{
		{Target: "sip1.carrier.example.com.", Port: 5060, Priority: 10, Weight: 0},
		{Target: "sip2.carrier.example.com.", Port: 5060, Priority: 20, Weight: 0},
	}}
	sink := &recordingSink{}
	probe := ProbeFunc(func(_ context.Context, _ Config, target Target) error {
		if target.Host == "sip1.carrier.example.com" {
			return errors.New("unreachable")
		}
		return nil
	})
	m, err := NewManager([]Config{
		{Name: "srv", Priority: 1, SRVDomain: "carrier.example.com", Transport: "udp"},
	}, probe, resolver, Options{FailureThreshold: 3, RecoveryThreshold: 2}, sink, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	m.HealthCheck(context.Background())

	tr, _ := m.Get("srv")
	if got := tr.Status(); got != StatusHealthy {
		t.Errorf("status = %s, want healthy (second target answered)", got)
	}
	target, ok := tr.CurrentTarget()
	if !ok || target.Host != "sip2.carrier.example.com" {
		t.Errorf("current target = %+v, want sip2", target)
	}
}

type fakeResolver struct {
	records []*net.SRV
	err     error
	calls   int
}

func (r *fakeResolver) LookupSRV(_ context.Context, _, _, _ string) (string, []*net.SRV, error) {
	r.calls++
	if r.err != nil {
		return "", nil, r.err
	}
	return "", r.records, nil
}

func TestSRVReresolveAfterFailure(t *testing.T) {
	resolver := &fakeResolver{records: []*net.SRV{
		{Target: "sip1.carrier.example.com.", Port: 5060, Priority: 10, Weight: 10},
	}}
	m, _ := func() (*Manager, *recordingSink) {
		sink := &recordingSink{}
		m, err := NewManager([]Config{
			{Name: "srv", Priority: 1, SRVDomain: "carrier.example.com", Transport: "udp"},
		}, ProbeFunc(alwaysUp), resolver, Options{}, sink, testLogger())
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}
		return m, sink
	}()

	ctx := context.Background()
	m.HealthCheck(ctx)
	if resolver.calls != 1 {
		t.Fatalf("resolver calls = %d, want 1", resolver.calls)
	}

	// Within the TTL nothing re-resolves.
	m.HealthCheck(ctx)
	if resolver.calls != 1 {
		t.Fatalf("resolver calls after fresh check = %d, want 1", resolver.calls)
	}

	// A call-setup failure marks the cache stale.
	tr, _ := m.Get("srv")
	m.ReportOutcome(tr, false)
	m.HealthCheck(ctx)
	if resolver.calls != 2 {
		t.Errorf("resolver calls after failure = %d, want 2", resolver.calls)
	}
}

func TestOrderSRVPriorityGroups(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	records := []*net.SRV{
		{Target: "c.", Priority: 20, Weight: 5},
		{Target: "a.", Priority: 10, Weight: 100},
		{Target: "b.", Priority: 10, Weight: 1},
		{Target: "d.", Priority: 30, Weight: 0},
	}

	ordered := orderSRV(records, rnd)
	if len(ordered) != 4 {
		t.Fatalf("ordered %d records, want 4", len(ordered))
	}
	// Priority groups must stay in ascending order regardless of the
	// weighted shuffle inside each group.
	if ordered[2].Target != "c." {
		t.Errorf("third record = %s, want c. (priority 20)", ordered[2].Target)
	}
	if ordered[3].Target != "d." {
		t.Errorf("fourth record = %s, want d. (priority 30)", ordered[3].Target)
	}
	for _, rec := range ordered[:2] {
		if rec.Priority != 10 {
			t.Errorf("first group contains priority %d record", rec.Priority)
		}
	}
}

func TestOrderSRVWeightBias(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	records := []*net.SRV{
		{Target: "heavy.", Priority: 10, Weight: 95},
		{Target: "light.", Priority: 10, Weight: 5},
	}

	heavyFirst := 0
	for i := 0; i < 200; i++ {
		if orderSRV(records, rnd)[0].Target == "heavy." {
			heavyFirst++
		}
	}
	if heavyFirst < 150 {
		t.Errorf("heavy target first %d/200 times, want a strong majority", heavyFirst)
	}
}
