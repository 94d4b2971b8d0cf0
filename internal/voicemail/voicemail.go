// Package voicemail tracks message deposits per mailbox. It records who
// called and when, caps mailbox size, and expires old messages on a
// retention schedule. Audio capture and playback happen in the media
// layer; this package owns only the mailbox state.
package voicemail

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telaris/telaris/internal/event"
)

const (
	// DefaultMaxPerBox caps how many messages a mailbox holds before
	// new deposits are refused.
	DefaultMaxPerBox = 50

	// DefaultRetention is how long messages are kept before the
	// sweeper removes them.
	DefaultRetention = 30 * 24 * time.Hour

	// maxMessageDuration bounds a single deposit. A caller who never
	// hangs up gets cut off here.
	maxMessageDuration = 3 * time.Minute
)

// ErrMailboxFull is returned when a deposit would exceed the per-box cap.
var ErrMailboxFull = errors.New("mailbox full")

// Message is one deposited voicemail.
type Message struct {
	ID       string    `json:"id"`
	Mailbox  string    `json:"mailbox"`
	CallerID string    `json:"caller_id"`
	Received time.Time `json:"received"`
	Duration int       `json:"duration_secs"`
	Read     bool      `json:"read"`
}

// Store holds mailbox contents in memory. It implements the session
// layer's depositor interface: Deposit blocks for the life of the
// caller's recording and files the message when the caller hangs up.
type Store struct {
	maxPerBox int
	retention time.Duration
	sink      event.Sink
	logger    *slog.Logger

	mu    sync.Mutex
	boxes map[string][]*Message

	nowFunc func() time.Time
}

// NewStore creates a mailbox store. Zero values for maxPerBox and
// retention select the defaults.
func NewStore(maxPerBox int, retention time.Duration, sink event.Sink, logger *slog.Logger) *Store {
	if maxPerBox <= 0 {
		maxPerBox = DefaultMaxPerBox
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if sink == nil {
		sink = event.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		maxPerBox: maxPerBox,
		retention: retention,
		sink:      sink,
		logger:    logger.With("subsystem", "voicemail"),
		boxes:     make(map[string][]*Message),
		nowFunc:   time.Now,
	}
}

// Deposit records a message into mailbox from callerID. It blocks until
// the caller hangs up (ctx cancelled) or the maximum message duration
// elapses, then files the message metadata. An early hangup is the
// normal completion path, not an error.
func (s *Store) Deposit(ctx context.Context, mailbox, callerID string) error {
	s.mu.Lock()
	if len(s.boxes[mailbox]) >= s.maxPerBox {
		s.mu.Unlock()
		s.logger.Warn("deposit refused: mailbox full", "mailbox", mailbox, "caller", callerID)
		return ErrMailboxFull
	}
	s.mu.Unlock()

	start := s.nowFunc()
	timer := time.NewTimer(maxMessageDuration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
		s.logger.Info("deposit cut off at max duration", "mailbox", mailbox)
	}

	msg := &Message{
		ID:       uuid.NewString(),
		Mailbox:  mailbox,
		CallerID: callerID,
		Received: start,
		Duration: int(s.nowFunc().Sub(start) / time.Second),
	}

	s.mu.Lock()
	s.boxes[mailbox] = append(s.boxes[mailbox], msg)
	total := len(s.boxes[mailbox])
	s.mu.Unlock()

	s.logger.Info("voicemail deposited",
		"mailbox", mailbox,
		"caller", callerID,
		"duration_secs", msg.Duration,
		"box_total", total,
	)
	s.sink.Record(event.Event{
		Type:      event.TypeVoicemailDeposited,
		Timestamp: s.nowFunc(),
		Extension: mailbox,
		CallerNum: callerID,
	})
	return nil
}

// Messages returns a mailbox's contents, newest first.
func (s *Store) Messages(mailbox string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0, len(s.boxes[mailbox]))
	for _, m := range s.boxes[mailbox] {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Received.After(out[j].Received) })
	return out
}

// Unread counts messages in mailbox not yet marked read.
func (s *Store) Unread(mailbox string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.boxes[mailbox] {
		if !m.Read {
			n++
		}
	}
	return n
}

// MarkRead flags a message as read. It reports whether the message
// existed.
func (s *Store) MarkRead(mailbox, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.boxes[mailbox] {
		if m.ID == id {
			m.Read = true
			return true
		}
	}
	return false
}

// Delete removes a message from a mailbox.
func (s *Store) Delete(mailbox, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.boxes[mailbox]
	for i, m := range msgs {
		if m.ID == id {
			s.boxes[mailbox] = append(msgs[:i], msgs[i+1:]...)
			return true
		}
	}
	return false
}

// Count returns the total number of stored messages across all boxes.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, msgs := range s.boxes {
		n += len(msgs)
	}
	return n
}

// Sweep removes messages older than the retention window and returns
// how many were dropped.
func (s *Store) Sweep() int {
	cutoff := s.nowFunc().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for mailbox, msgs := range s.boxes {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.Received.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			delete(s.boxes, mailbox)
			continue
		}
		s.boxes[mailbox] = kept
	}
	return removed
}

// RunSweeper expires old messages on a fixed interval until ctx is
// cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info("voicemail retention sweep", "removed", n)
			}
		}
	}
}
