package event

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// blockingSink blocks Record until released, so tests can fill the queue.
type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Record(Event) {
	<-s.release
}

// collectSink records events under a lock.
type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectSink) Record(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestFanoutDeliversToAllSinks(t *testing.T) {
	a := &collectSink{}
	b := &collectSink{}
	f := NewFanout([]Sink{a, b}, 16, 2, discardLogger())
	f.Start()

	f.Record(Event{Type: TypeCallStarted, CallID: "c1"})
	f.Record(Event{Type: TypeCallEnded, CallID: "c1"})
	f.Stop()

	if a.count() != 2 || b.count() != 2 {
		t.Errorf("sink counts = %d, %d; want 2, 2", a.count(), b.count())
	}
}

func TestFanoutDropsWhenQueueFull(t *testing.T) {
	blocker := &blockingSink{release: make(chan struct{})}
	f := NewFanout([]Sink{blocker}, 1, 1, discardLogger())
	f.Start()

	// First event occupies the worker, second fills the queue; wait for the
	// worker to pick up the first so the queue slot is actually free for the
	// second before the rest overflow.
	f.Record(Event{CallID: "occupy"})
	deadline := time.Now().Add(time.Second)
	for f.Dropped() == 0 && time.Now().Before(deadline) {
		f.Record(Event{CallID: "overflow"})
		time.Sleep(time.Millisecond)
	}

	if f.Dropped() == 0 {
		t.Error("expected events to be dropped when queue is full")
	}

	close(blocker.release)
	f.Stop()
}

func TestFanoutRecordAfterStopDoesNotPanic(t *testing.T) {
	f := NewFanout([]Sink{Discard}, 4, 1, discardLogger())
	f.Start()
	f.Stop()

	// Must not panic on a closed queue.
	f.Record(Event{CallID: "late"})

	if f.Dropped() == 0 {
		t.Error("event recorded after stop should count as dropped")
	}
}

func TestCDRWriterIgnoresNonTerminalEvents(t *testing.T) {
	w, err := NewCDRWriter(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewCDRWriter: %v", err)
	}
	defer w.Close()

	w.Record(Event{Type: TypeCallStarted, CallID: "c1", Direction: "internal", StartTime: time.Now()})
	w.Record(Event{Type: TypeCallRinging, CallID: "c1", Direction: "internal", StartTime: time.Now()})

	counts, err := w.CountByDirection(t.Context())
	if err != nil {
		t.Fatalf("CountByDirection: %v", err)
	}
	if counts["internal"] != 0 {
		t.Errorf("non-terminal events wrote %d rows, want 0", counts["internal"])
	}
}

func TestCDRWriterWritesTerminalEvents(t *testing.T) {
	w, err := NewCDRWriter(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewCDRWriter: %v", err)
	}
	defer w.Close()

	now := time.Now()
	w.Record(Event{
		Type:        TypeCallEnded,
		CallID:      "c1",
		SessionID:   "s1",
		Direction:   "inbound",
		CallerNum:   "1001",
		CalledNum:   "1002",
		StartTime:   now.Add(-time.Minute),
		AnswerTime:  now.Add(-50 * time.Second),
		EndTime:     now,
		Duration:    time.Minute,
		BillableDur: 50 * time.Second,
		Disposition: "answered",
	})
	w.Record(Event{
		Type:        TypeCallFailed,
		CallID:      "c2",
		SessionID:   "s2",
		Direction:   "outbound",
		StartTime:   now,
		EndTime:     now,
		Disposition: "failed",
	})

	counts, err := w.CountByDirection(t.Context())
	if err != nil {
		t.Fatalf("CountByDirection: %v", err)
	}
	if counts["inbound"] != 1 || counts["outbound"] != 1 {
		t.Errorf("counts = %v, want inbound:1 outbound:1", counts)
	}
}
