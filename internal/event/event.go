// Package event carries call-engine state transitions out to interested
// consumers (CDR storage, webhooks, metrics) without the engine depending on
// any of their implementations. Delivery is best-effort: a slow or failed
// consumer never blocks or fails an in-progress call.
package event

import (
	"time"
)

// Type identifies what happened to a call or registration.
type Type string

const (
	TypeCallStarted    Type = "call.started"
	TypeCallRinging    Type = "call.ringing"
	TypeCallAnswered   Type = "call.answered"
	TypeCallHeld       Type = "call.held"
	TypeCallResumed    Type = "call.resumed"
	TypeCallTransfer   Type = "call.transferred"
	TypeCallConference Type = "call.conferenced"
	TypeCallParked     Type = "call.parked"
	TypeCallEnded      Type = "call.ended"
	TypeCallFailed     Type = "call.failed"

	TypeVoicemailDeposited Type = "voicemail.deposited"

	TypeRegistered   Type = "extension.registered"
	TypeUnregistered Type = "extension.unregistered"

	TypeTrunkHealth Type = "trunk.health"
)

// Event is the structured record emitted after every transition of interest.
type Event struct {
	Type      Type
	Timestamp time.Time

	// Call fields (set for call.* events).
	SessionID   string
	CallID      string
	Direction   string
	CallerName  string
	CallerNum   string
	CalledNum   string
	TrunkName   string
	Disposition string
	StartTime   time.Time
	AnswerTime  time.Time
	EndTime     time.Time
	Duration    time.Duration // start to end
	BillableDur time.Duration // answer to end

	// Registration fields (set for extension.* events).
	Extension  string
	ContactURI string

	// Trunk fields (set for trunk.* events).
	TrunkStatus string
}

// Sink consumes events. Record must not block for unbounded time; the fan-out
// already serialises delivery per worker, but a sink that hangs stalls its
// worker until the call's events are dropped.
type Sink interface {
	Record(ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event)

// Record implements Sink.
func (f SinkFunc) Record(ev Event) { f(ev) }

// Discard is a Sink that drops every event. Useful as a default and in tests.
var Discard Sink = SinkFunc(func(Event) {})
