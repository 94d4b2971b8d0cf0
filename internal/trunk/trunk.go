// Package trunk tracks the health and resolved targets of outbound
// carrier trunks and picks a trunk plus target for each outbound call.
// Health state only ever moves here; call state belongs to the session
// engine, so the probe loop can never deadlock with a call.
package trunk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/telaris/telaris/internal/event"
)

// Status is the health state of a trunk.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// ErrNoTrunkAvailable is returned when every eligible trunk for a
// routing class is failed. Callers surface it as 503.
var ErrNoTrunkAvailable = errors.New("no trunk available")

// Target is one resolved destination for a trunk, either static or
// from DNS SRV.
type Target struct {
	Host      string
	Port      int
	Transport string
	Priority  uint16
	Weight    uint16
}

func (t Target) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// Config is the static definition of a trunk. Lower Priority is
// preferred. Either Host/Port or SRVDomain must be set; with SRVDomain
// the target list is re-resolved on the configured interval and on
// every failure of the selected target.
type Config struct {
	Name           string
	Priority       int
	Transport      string
	Host           string
	Port           int
	SRVDomain      string
	SRVReresolve   time.Duration
	RoutingClasses []string
	Username       string
	Password       string
}

func (c Config) validate() error {
	if c.Name == "" {
		return errors.New("trunk name required")
	}
	if c.Host == "" && c.SRVDomain == "" {
		return fmt.Errorf("trunk %s: either host or srv domain required", c.Name)
	}
	return nil
}

// Trunk is the runtime state of one configured trunk. All fields past
// Config are guarded by mu.
type Trunk struct {
	Config

	mu            sync.Mutex
	status        Status
	consecFails   int
	consecProbeOK int
	lastChecked   time.Time
	lastError     string
	targets       []Target
	targetIdx     int
	resolvedAt    time.Time
}

// Status returns the trunk's current health state.
func (t *Trunk) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// CurrentTarget returns the target the trunk would use right now.
func (t *Trunk) CurrentTarget() (Target, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.targets) == 0 {
		return Target{}, false
	}
	return t.targets[t.targetIdx], true
}

// AdvanceTarget moves to the next resolved target, wrapping to the
// first. It reports false once every target has been tried this cycle.
func (t *Trunk) AdvanceTarget() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.targets) < 2 {
		return false
	}
	t.targetIdx++
	if t.targetIdx >= len(t.targets) {
		t.targetIdx = 0
		return false
	}
	return true
}

func (t *Trunk) servesClass(class string) bool {
	if len(t.RoutingClasses) == 0 {
		return true
	}
	for _, c := range t.RoutingClasses {
		if c == class {
			return true
		}
	}
	return false
}

// State is a read-only snapshot for the ops endpoint and metrics.
type State struct {
	Name        string
	Priority    int
	Status      Status
	Targets     []Target
	LastChecked time.Time
	LastError   string
}

// Prober sends one liveness probe to a trunk target, typically a SIP
// OPTIONS ping. Implementations must honor the context deadline.
type Prober interface {
	Probe(ctx context.Context, trunk Config, target Target) error
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context, trunk Config, target Target) error

func (f ProbeFunc) Probe(ctx context.Context, trunk Config, target Target) error {
	return f(ctx, trunk, target)
}

// Options tune the health state machine and probe loop.
type Options struct {
	// FailureThreshold is how many consecutive failures move a
	// degraded trunk to failed.
	FailureThreshold int
	// RecoveryThreshold is how many consecutive successful probes move
	// a failed trunk back to healthy.
	RecoveryThreshold int
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	DNSTimeout        time.Duration
}

func (o *Options) applyDefaults() {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.RecoveryThreshold <= 0 {
		o.RecoveryThreshold = 2
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 30 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.DNSTimeout <= 0 {
		o.DNSTimeout = 5 * time.Second
	}
}

// Manager owns every configured trunk. Selection walks trunks in
// priority order; the probe loop runs on its own timer.
type Manager struct {
	trunks   []*Trunk
	byName   map[string]*Trunk
	prober   Prober
	resolver SRVResolver
	opts     Options
	sink     event.Sink
	logger   *slog.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// NewManager builds a manager over the configured trunks. Static
// trunks get their single target immediately; SRV trunks resolve on
// first use and in the probe loop.
func NewManager(configs []Config, prober Prober, resolver SRVResolver, opts Options, sink event.Sink, logger *slog.Logger) (*Manager, error) {
	opts.applyDefaults()
	if resolver == nil {
		resolver = defaultResolver()
	}

	m := &Manager{
		byName:   make(map[string]*Trunk, len(configs)),
		prober:   prober,
		resolver: resolver,
		opts:     opts,
		sink:     sink,
		logger:   logger.With("subsystem", "trunks"),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, cfg := range configs {
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		if _, dup := m.byName[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate trunk name %q", cfg.Name)
		}
		if cfg.SRVReresolve <= 0 {
			cfg.SRVReresolve = 5 * time.Minute
		}
		t := &Trunk{Config: cfg, status: StatusHealthy}
		if cfg.Host != "" {
			port := cfg.Port
			if port == 0 {
				port = 5060
			}
			t.targets = []Target{{Host: cfg.Host, Port: port, Transport: cfg.Transport}}
		}
		m.trunks = append(m.trunks, t)
		m.byName[cfg.Name] = t
	}
	sort.SliceStable(m.trunks, func(i, j int) bool {
		return m.trunks[i].Priority < m.trunks[j].Priority
	})
	return m, nil
}

// Select returns the highest-priority non-failed trunk serving the
// routing class.
func (m *Manager) Select(class string) (*Trunk, error) {
	for _, t := range m.trunks {
		if !t.servesClass(class) {
			continue
		}
		if t.Status() == StatusFailed {
			continue
		}
		return t, nil
	}
	return nil, fmt.Errorf("routing class %q: %w", class, ErrNoTrunkAvailable)
}

// NextAfter returns the next eligible trunk strictly after the given
// one in priority order, for the single automatic retry on call-setup
// failure.
func (m *Manager) NextAfter(failed *Trunk, class string) (*Trunk, error) {
	seen := false
	for _, t := range m.trunks {
		if t == failed {
			seen = true
			continue
		}
		if !seen {
			continue
		}
		if !t.servesClass(class) || t.Status() == StatusFailed {
			continue
		}
		return t, nil
	}
	return nil, fmt.Errorf("routing class %q after %s: %w", class, failed.Name, ErrNoTrunkAvailable)
}

// Get returns a trunk by name.
func (m *Manager) Get(name string) (*Trunk, bool) {
	t, ok := m.byName[name]
	return t, ok
}

// Trunks returns all trunks in priority order.
func (m *Manager) Trunks() []*Trunk {
	return m.trunks
}

// ReportOutcome feeds a call-setup result into the trunk's health
// state. Call-setup failures count exactly like probe failures; a
// failure also rotates to the next target and marks SRV results stale
// so the next use re-resolves.
func (m *Manager) ReportOutcome(t *Trunk, success bool) {
	if success {
		m.recordSuccess(t, false)
		return
	}
	m.recordFailure(t, "call setup failed")
	t.AdvanceTarget()
	t.mu.Lock()
	if t.SRVDomain != "" {
		t.resolvedAt = time.Time{}
	}
	t.mu.Unlock()
}

// Snapshot returns the current state of every trunk.
func (m *Manager) Snapshot() []State {
	out := make([]State, 0, len(m.trunks))
	for _, t := range m.trunks {
		t.mu.Lock()
		out = append(out, State{
			Name:        t.Name,
			Priority:    t.Priority,
			Status:      t.status,
			Targets:     append([]Target(nil), t.targets...),
			LastChecked: t.lastChecked,
			LastError:   t.lastError,
		})
		t.mu.Unlock()
	}
	return out
}

// HealthCheck runs one probe pass over every trunk. Targets are tried
// in resolved order, falling through to the next target within the
// same cycle before the whole trunk counts as failed.
func (m *Manager) HealthCheck(ctx context.Context) {
	for _, t := range m.trunks {
		if ctx.Err() != nil {
			return
		}
		m.checkTrunk(ctx, t)
	}
}

func (m *Manager) checkTrunk(ctx context.Context, t *Trunk) {
	if err := m.ensureResolved(ctx, t); err != nil {
		m.logger.Warn("trunk target resolution failed", "trunk", t.Name, "error", err)
		m.recordFailure(t, err.Error())
		return
	}

	t.mu.Lock()
	targets := append([]Target(nil), t.targets...)
	start := t.targetIdx
	t.mu.Unlock()

	var lastErr error
	for i := range targets {
		idx := (start + i) % len(targets)
		target := targets[idx]

		probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
		err := m.prober.Probe(probeCtx, t.Config, target)
		cancel()

		if err == nil {
			t.mu.Lock()
			t.targetIdx = idx
			t.lastChecked = time.Now()
			t.mu.Unlock()
			m.recordSuccess(t, true)
			return
		}
		lastErr = err
		m.logger.Warn("trunk probe failed",
			"trunk", t.Name,
			"target", target.Addr(),
			"error", err,
		)
	}

	t.mu.Lock()
	t.lastChecked = time.Now()
	t.mu.Unlock()
	if lastErr != nil {
		m.recordFailure(t, lastErr.Error())
	}
}

// Run probes every trunk on a fixed interval until ctx is cancelled.
// The first pass runs immediately so selection has fresh state at
// startup.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("trunk health checks started",
		"interval", m.opts.ProbeInterval.String(),
		"trunks", len(m.trunks),
	)
	m.HealthCheck(ctx)

	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("trunk health checks stopped")
			return
		case <-ticker.C:
			m.HealthCheck(ctx)
		}
	}
}

// recordSuccess applies the recovery side of the hysteresis. A failed
// trunk needs RecoveryThreshold consecutive probe successes before it
// is healthy again; call-setup successes alone do not resurrect it.
func (m *Manager) recordSuccess(t *Trunk, probe bool) {
	t.mu.Lock()
	prev := t.status
	t.consecFails = 0
	t.lastError = ""
	if probe {
		t.consecProbeOK++
	}
	switch t.status {
	case StatusDegraded:
		t.status = StatusHealthy
	case StatusFailed:
		if probe && t.consecProbeOK >= m.opts.RecoveryThreshold {
			t.status = StatusHealthy
		}
	}
	now := t.status
	t.mu.Unlock()

	if prev != now {
		m.statusChanged(t, prev, now)
	}
}

func (m *Manager) recordFailure(t *Trunk, reason string) {
	t.mu.Lock()
	prev := t.status
	t.consecProbeOK = 0
	t.consecFails++
	t.lastError = reason
	switch t.status {
	case StatusHealthy:
		t.status = StatusDegraded
	case StatusDegraded:
		if t.consecFails >= m.opts.FailureThreshold {
			t.status = StatusFailed
		}
	}
	now := t.status
	t.mu.Unlock()

	if prev != now {
		m.statusChanged(t, prev, now)
	}
}

func (m *Manager) statusChanged(t *Trunk, from, to Status) {
	m.logger.Info("trunk status changed",
		"trunk", t.Name,
		"from", string(from),
		"to", string(to),
	)
	m.sink.Record(event.Event{
		Type:        event.TypeTrunkHealth,
		Timestamp:   time.Now(),
		TrunkName:   t.Name,
		TrunkStatus: string(to),
	})
}
