package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/telaris/telaris/internal/session"
	"github.com/telaris/telaris/internal/trunk"
)

// CallProvider exposes live call sessions.
type CallProvider interface {
	Count() int
	Snapshots() []session.Snapshot
}

// RegistrationCounter returns the number of active contact bindings.
type RegistrationCounter interface {
	Count() int
}

// TrunkStateProvider exposes trunk health.
type TrunkStateProvider interface {
	Snapshot() []trunk.State
}

// CDRDirectionCounter returns finished-call counts grouped by direction.
type CDRDirectionCounter interface {
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// DropCounter reports how many events the fan-out has discarded.
type DropCounter interface {
	Dropped() uint64
}

// VoicemailCounter returns the total stored message count.
type VoicemailCounter interface {
	Count() int
}

// Collector is a prometheus.Collector that gathers engine state at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	calls         CallProvider
	registrations RegistrationCounter
	trunks        TrunkStateProvider
	cdrs          CDRDirectionCounter
	drops         DropCounter
	voicemail     VoicemailCounter
	startTime     time.Time

	activeCallsDesc   *prometheus.Desc
	callsByStateDesc  *prometheus.Desc
	registrationsDesc *prometheus.Desc
	trunkStatusDesc   *prometheus.Desc
	callsTotalDesc    *prometheus.Desc
	eventsDroppedDesc *prometheus.Desc
	voicemailDesc     *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates the scrape-time collector.
func NewCollector(
	calls CallProvider,
	registrations RegistrationCounter,
	trunks TrunkStateProvider,
	cdrs CDRDirectionCounter,
	drops DropCounter,
	voicemail VoicemailCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:         calls,
		registrations: registrations,
		trunks:        trunks,
		cdrs:          cdrs,
		drops:         drops,
		voicemail:     voicemail,
		startTime:     startTime,

		activeCallsDesc: prometheus.NewDesc(
			"telaris_active_calls",
			"Number of live call sessions",
			nil, nil,
		),
		callsByStateDesc: prometheus.NewDesc(
			"telaris_calls_by_state",
			"Live call sessions broken down by state",
			[]string{"state"}, nil,
		),
		registrationsDesc: prometheus.NewDesc(
			"telaris_registered_contacts",
			"Number of active SIP contact bindings",
			nil, nil,
		),
		trunkStatusDesc: prometheus.NewDesc(
			"telaris_trunk_status",
			"Trunk health (1=healthy, 0=degraded or failed)",
			[]string{"trunk", "status"}, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"telaris_calls_total",
			"Total finished calls by direction (from CDR)",
			[]string{"direction"}, nil,
		),
		eventsDroppedDesc: prometheus.NewDesc(
			"telaris_events_dropped_total",
			"Events discarded because the fan-out queue was full",
			nil, nil,
		),
		voicemailDesc: prometheus.NewDesc(
			"telaris_voicemail_messages",
			"Stored voicemail messages across all mailboxes",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"telaris_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.callsByStateDesc
	ch <- c.registrationsDesc
	ch <- c.trunkStatusDesc
	ch <- c.callsTotalDesc
	ch <- c.eventsDroppedDesc
	ch <- c.voicemailDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries the providers at
// scrape time rather than maintaining registered metric state.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.Count()),
		)
		byState := make(map[string]int)
		for _, snap := range c.calls.Snapshots() {
			byState[snap.State]++
		}
		for state, n := range byState {
			ch <- prometheus.MustNewConstMetric(
				c.callsByStateDesc, prometheus.GaugeValue,
				float64(n), state,
			)
		}
	}

	if c.registrations != nil {
		ch <- prometheus.MustNewConstMetric(
			c.registrationsDesc, prometheus.GaugeValue,
			float64(c.registrations.Count()),
		)
	}

	if c.trunks != nil {
		for _, st := range c.trunks.Snapshot() {
			val := 0.0
			if st.Status == trunk.StatusHealthy {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.trunkStatusDesc, prometheus.GaugeValue, val,
				st.Name, string(st.Status),
			)
		}
	}

	if c.cdrs != nil {
		counts, err := c.cdrs.CountByDirection(ctx)
		if err != nil {
			slog.Error("metrics: failed to count cdrs by direction", "error", err)
		} else {
			for _, dir := range []string{"inbound", "outbound", "internal"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[dir]), dir,
				)
			}
		}
	}

	if c.drops != nil {
		ch <- prometheus.MustNewConstMetric(
			c.eventsDroppedDesc, prometheus.CounterValue,
			float64(c.drops.Dropped()),
		)
	}

	if c.voicemail != nil {
		ch <- prometheus.MustNewConstMetric(
			c.voicemailDesc, prometheus.GaugeValue,
			float64(c.voicemail.Count()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
