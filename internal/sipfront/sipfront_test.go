package sipfront

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestParseInfoDTMFRelay(t *testing.T) {
	body := "Signal=5\r\nDuration=160\r\n"
	info, err := parseInfoDTMF("application/dtmf-relay", []byte(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Signal != "5" {
		t.Errorf("signal = %q, want 5", info.Signal)
	}
	if info.Duration != 160 {
		t.Errorf("duration = %d, want 160", info.Duration)
	}
}

func TestParseInfoDTMFBare(t *testing.T) {
	info, err := parseInfoDTMF("application/dtmf", []byte("#\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Signal != "#" {
		t.Errorf("signal = %q, want #", info.Signal)
	}
	if info.Duration != 250 {
		t.Errorf("default duration = %d, want 250", info.Duration)
	}
}

func TestParseInfoDTMFRejectsGarbage(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		body        string
	}{
		{"wrong content type", "application/sdp", "v=0"},
		{"multi char signal", "application/dtmf", "55"},
		{"invalid signal", "application/dtmf-relay", "Signal=Z\r\nDuration=100"},
		{"empty body", "application/dtmf-relay", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseInfoDTMF(tc.contentType, []byte(tc.body)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestParseInfoDTMFContentTypeParams(t *testing.T) {
	info, err := parseInfoDTMF("Application/DTMF-Relay; charset=utf-8", []byte("Signal=*\nDuration=90"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Signal != "*" || info.Duration != 90 {
		t.Errorf("got %+v, want signal * duration 90", info)
	}
}

func TestParseReferTo(t *testing.T) {
	cases := []struct {
		value    string
		target   string
		attended bool
	}{
		{"<sip:1003@pbx.example.com>", "1003", false},
		{"sip:1003@pbx.example.com", "1003", false},
		{"<sip:1003@pbx.example.com?Replaces=abc%3Bto-tag%3D1%3Bfrom-tag%3D2>", "1003", true},
		{"<sip:+14155550100@pbx.example.com>", "+14155550100", false},
	}
	for _, tc := range cases {
		target, attended := parseReferTo(tc.value)
		if target != tc.target || attended != tc.attended {
			t.Errorf("parseReferTo(%q) = (%q, %v), want (%q, %v)",
				tc.value, target, attended, tc.target, tc.attended)
		}
	}
}

func TestRateGuardThrottles(t *testing.T) {
	g := NewRateGuard(rate.Limit(1), 2)

	if !g.Allow("192.0.2.1") || !g.Allow("192.0.2.1") {
		t.Fatal("burst requests should pass")
	}
	if g.Allow("192.0.2.1") {
		t.Fatal("third immediate request should be throttled")
	}
	// A different source has its own bucket.
	if !g.Allow("192.0.2.2") {
		t.Fatal("unrelated source throttled")
	}
}

func TestRateGuardSweepDropsIdleEntries(t *testing.T) {
	g := NewRateGuard(0, 0)
	g.Allow("192.0.2.1")
	g.Allow("192.0.2.2")
	if g.Tracked() != 2 {
		t.Fatalf("tracked = %d, want 2", g.Tracked())
	}

	g.nowFunc = func() time.Time { return time.Now().Add(guardIdleExpiry + time.Minute) }
	g.Sweep()
	if g.Tracked() != 0 {
		t.Fatalf("tracked after sweep = %d, want 0", g.Tracked())
	}
}

func TestBackoffGrowsAndResets(t *testing.T) {
	b := newBackoff()

	prev := time.Duration(0)
	for i := 0; i < 5; i++ {
		d := b.next()
		// Jitter is ±20%, so each step still clearly exceeds the last.
		if d <= prev*11/10 && i > 0 {
			t.Fatalf("attempt %d delay %v did not grow beyond %v", i, d, prev)
		}
		prev = d
	}

	// Capped at the max plus jitter.
	for i := 0; i < 10; i++ {
		b.next()
	}
	if d := b.current(); d > b.maxDelay*12/10 {
		t.Fatalf("delay %v exceeds cap %v with jitter", d, b.maxDelay)
	}

	b.reset()
	if d := b.current(); d > b.baseDelay*12/10 {
		t.Fatalf("delay after reset %v, want about %v", d, b.baseDelay)
	}
}

func TestParseExpiresValue(t *testing.T) {
	if v := parseExpiresValue(" 300 "); v != 300 {
		t.Errorf("parseExpiresValue(300) = %d", v)
	}
	if v := parseExpiresValue("bogus"); v != 0 {
		t.Errorf("parseExpiresValue(bogus) = %d, want 0", v)
	}
}
