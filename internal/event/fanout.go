package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Fanout distributes events to multiple sinks through a bounded queue and a
// fixed worker pool. When the queue is full the event is dropped and a warning
// logged; the engine never blocks on event delivery.
type Fanout struct {
	sinks   []Sink
	queue   chan Event
	workers int
	logger  *slog.Logger

	dropped atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewFanout creates a fan-out over the given sinks with a bounded queue of
// queueSize events serviced by workerCount workers.
func NewFanout(sinks []Sink, queueSize, workerCount int, logger *slog.Logger) *Fanout {
	if queueSize < 1 {
		queueSize = 1
	}
	if workerCount < 1 {
		workerCount = 1
	}
	return &Fanout{
		sinks:   sinks,
		queue:   make(chan Event, queueSize),
		workers: workerCount,
		logger:  logger.With("subsystem", "events"),
		done:    make(chan struct{}),
	}
}

// Start launches the delivery workers.
func (f *Fanout) Start() {
	f.startOnce.Do(func() {
		for i := 0; i < f.workers; i++ {
			f.wg.Add(1)
			go f.worker()
		}
		f.logger.Debug("event fan-out started",
			"workers", f.workers,
			"queue_size", cap(f.queue),
		)
	})
}

// Stop drains the queue and waits for workers to finish. Events recorded
// after Stop are dropped.
func (f *Fanout) Stop() {
	f.stopOnce.Do(func() {
		close(f.done)
		f.wg.Wait()
		f.logger.Debug("event fan-out stopped", "dropped_total", f.dropped.Load())
	})
}

// Record implements Sink. It enqueues the event for asynchronous delivery,
// dropping it with a warning if the queue is full or the fan-out is stopped.
func (f *Fanout) Record(ev Event) {
	select {
	case <-f.done:
		f.dropped.Add(1)
		return
	default:
	}

	select {
	case f.queue <- ev:
	default:
		f.dropped.Add(1)
		f.logger.Warn("event queue full, dropping event",
			"type", ev.Type,
			"call_id", ev.CallID,
			"dropped_total", f.dropped.Load(),
		)
	}
}

// Dropped returns the total number of events dropped since startup.
func (f *Fanout) Dropped() uint64 {
	return f.dropped.Load()
}

func (f *Fanout) worker() {
	defer f.wg.Done()
	for {
		select {
		case ev := <-f.queue:
			f.deliver(ev)
		case <-f.done:
			// Drain anything still queued before exiting.
			for {
				select {
				case ev := <-f.queue:
					f.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (f *Fanout) deliver(ev Event) {
	for _, s := range f.sinks {
		s.Record(ev)
	}
}

// LogSink writes every event to the logger at debug level. It is always
// registered so operators can trace call lifecycles without extra tooling.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("subsystem", "events")}
}

// Record implements Sink.
func (s *LogSink) Record(ev Event) {
	s.logger.Debug("event",
		"type", ev.Type,
		"call_id", ev.CallID,
		"session_id", ev.SessionID,
		"direction", ev.Direction,
		"caller", ev.CallerNum,
		"called", ev.CalledNum,
		"disposition", ev.Disposition,
		"extension", ev.Extension,
	)
}
