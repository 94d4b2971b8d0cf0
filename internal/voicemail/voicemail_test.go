package voicemail

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/telaris/telaris/internal/event"
)

type recordingSink struct {
	mu  sync.Mutex
	evs []event.Event
}

func (r *recordingSink) Record(ev event.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evs)
}

func deposit(t *testing.T, s *Store, mailbox, caller string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // caller hangs up immediately
	if err := s.Deposit(ctx, mailbox, caller); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestDepositFilesMessageOnHangup(t *testing.T) {
	sink := &recordingSink{}
	s := NewStore(0, 0, sink, slog.Default())

	deposit(t, s, "1001", "1002")

	msgs := s.Messages("1001")
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].CallerID != "1002" {
		t.Errorf("caller = %q, want 1002", msgs[0].CallerID)
	}
	if msgs[0].Read {
		t.Error("new message should be unread")
	}
	if s.Unread("1001") != 1 {
		t.Errorf("unread = %d, want 1", s.Unread("1001"))
	}
	if sink.count() != 1 {
		t.Errorf("events = %d, want 1", sink.count())
	}
}

func TestDepositRefusedWhenBoxFull(t *testing.T) {
	s := NewStore(2, 0, nil, slog.Default())
	deposit(t, s, "1001", "100")
	deposit(t, s, "1001", "101")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Deposit(ctx, "1001", "102"); err != ErrMailboxFull {
		t.Fatalf("err = %v, want ErrMailboxFull", err)
	}
	if s.Count() != 2 {
		t.Errorf("count = %d, want 2", s.Count())
	}
}

func TestMarkReadAndDelete(t *testing.T) {
	s := NewStore(0, 0, nil, slog.Default())
	deposit(t, s, "1001", "1002")
	id := s.Messages("1001")[0].ID

	if !s.MarkRead("1001", id) {
		t.Fatal("MarkRead returned false for existing message")
	}
	if s.Unread("1001") != 0 {
		t.Errorf("unread after MarkRead = %d, want 0", s.Unread("1001"))
	}
	if s.MarkRead("1001", "nope") {
		t.Error("MarkRead returned true for unknown id")
	}

	if !s.Delete("1001", id) {
		t.Fatal("Delete returned false for existing message")
	}
	if s.Count() != 0 {
		t.Errorf("count after delete = %d, want 0", s.Count())
	}
	if s.Delete("1001", id) {
		t.Error("Delete returned true for already removed message")
	}
}

func TestMessagesNewestFirst(t *testing.T) {
	s := NewStore(0, 0, nil, slog.Default())

	base := time.Now()
	for _, offset := range []time.Duration{0, 2 * time.Minute, time.Minute} {
		at := base.Add(offset)
		s.nowFunc = func() time.Time { return at }
		deposit(t, s, "1001", "caller")
	}
	s.nowFunc = time.Now

	msgs := s.Messages("1001")
	for j := 1; j < len(msgs); j++ {
		if msgs[j].Received.After(msgs[j-1].Received) {
			t.Fatalf("messages not sorted newest first: %v then %v",
				msgs[j-1].Received, msgs[j].Received)
		}
	}
}

func TestSweepExpiresOldMessages(t *testing.T) {
	s := NewStore(0, time.Hour, nil, slog.Default())
	deposit(t, s, "1001", "old")
	deposit(t, s, "1002", "old")

	s.nowFunc = func() time.Time { return time.Now().Add(2 * time.Hour) }
	deposit(t, s, "1001", "fresh")

	if n := s.Sweep(); n != 2 {
		t.Fatalf("swept = %d, want 2", n)
	}
	if got := len(s.Messages("1001")); got != 1 {
		t.Errorf("box 1001 = %d messages, want 1", got)
	}
	if got := len(s.Messages("1002")); got != 0 {
		t.Errorf("box 1002 = %d messages, want 0", got)
	}
}
