// Package registry tracks which SIP endpoints are currently reachable.
// It owns the contact bindings created by REGISTER and exposes the
// extension directory (DND, forwarding, voicemail flags) read by the
// call router. Extension profiles are written by the admin layer and
// read-only here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/telaris/telaris/internal/event"
)

const (
	// DefaultExpiry is applied when a REGISTER carries no Expires value.
	DefaultExpiry = 3600
	// MinExpiry and MaxExpiry clamp client-requested registration lifetimes.
	MinExpiry = 60
	MaxExpiry = 86400

	sweepPeriod = 30 * time.Second
	shardCount  = 16
)

var (
	// ErrUnknownExtension is returned when registering against an extension
	// that does not exist in the directory.
	ErrUnknownExtension = errors.New("unknown extension")
	// ErrMaxContacts is returned when an extension already has its maximum
	// number of simultaneous contact bindings.
	ErrMaxContacts = errors.New("maximum registrations reached")
)

// Extension is the administrative profile of a dialable endpoint. The
// registry keeps a snapshot; updates from the admin layer replace the
// whole record.
type Extension struct {
	Number           string
	DisplayName      string
	SIPPassword      string // digest auth secret; empty disables auth for this extension
	Admin            bool
	AllowExternal    bool
	DNDEnabled       bool
	ForwardEnabled   bool
	ForwardDest      string
	VoicemailEnabled bool
	MaxRegistrations int
}

// Contact is one reachable binding for an extension. An extension may
// hold several at once (multi-device); all of them ring in parallel.
type Contact struct {
	Extension  string
	URI        string
	Transport  string
	SourceIP   string
	SourcePort int
	UserAgent  string
	CallID     string
	CSeq       uint32
	Expires    time.Time
}

// Registry is the in-memory contact store. Lookups vastly outnumber
// writes, so contacts are sharded by extension hash with per-shard
// RWMutexes.
type Registry struct {
	shards [shardCount]*shard

	dirMu     sync.RWMutex
	directory map[string]Extension

	sink   event.Sink
	logger *slog.Logger
}

type shard struct {
	mu       sync.RWMutex
	contacts map[string][]Contact
}

// New creates an empty registry. Registration events are reported
// through sink.
func New(sink event.Sink, logger *slog.Logger) *Registry {
	r := &Registry{
		directory: make(map[string]Extension),
		sink:      sink,
		logger:    logger.With("subsystem", "registry"),
	}
	for i := range r.shards {
		r.shards[i] = &shard{contacts: make(map[string][]Contact)}
	}
	return r
}

func (r *Registry) shardFor(extension string) *shard {
	h := fnv.New32a()
	h.Write([]byte(extension))
	return r.shards[h.Sum32()%shardCount]
}

// UpsertExtension installs or replaces an extension profile.
func (r *Registry) UpsertExtension(ext Extension) {
	if ext.MaxRegistrations <= 0 {
		ext.MaxRegistrations = 5
	}
	r.dirMu.Lock()
	r.directory[ext.Number] = ext
	r.dirMu.Unlock()
}

// RemoveExtension deletes an extension profile and all its contacts.
func (r *Registry) RemoveExtension(number string) {
	r.dirMu.Lock()
	delete(r.directory, number)
	r.dirMu.Unlock()
	r.UnregisterAll(number)
}

// GetExtension returns the profile for the given number.
func (r *Registry) GetExtension(number string) (Extension, bool) {
	r.dirMu.RLock()
	defer r.dirMu.RUnlock()
	ext, ok := r.directory[number]
	return ext, ok
}

// ClampExpiry normalizes a client-requested expiry in seconds. Zero is
// preserved because it means un-register.
func ClampExpiry(requested int) int {
	switch {
	case requested == 0:
		return 0
	case requested < 0:
		return DefaultExpiry
	case requested < MinExpiry:
		return MinExpiry
	case requested > MaxExpiry:
		return MaxExpiry
	}
	return requested
}

// Register stores or refreshes a contact binding with the given expiry
// in seconds and returns the effective (clamped) expiry. A re-REGISTER
// from the same dialog (matching Call-ID and CSeq) or from the same
// contact URI refreshes the existing binding instead of adding a
// duplicate.
func (r *Registry) Register(c Contact, ttlSeconds int) (int, error) {
	ext, ok := r.GetExtension(c.Extension)
	if !ok {
		return 0, fmt.Errorf("register %s: %w", c.Extension, ErrUnknownExtension)
	}

	ttl := ClampExpiry(ttlSeconds)
	if ttl == 0 {
		ttl = DefaultExpiry
	}
	c.Expires = time.Now().Add(time.Duration(ttl) * time.Second)

	s := r.shardFor(c.Extension)
	s.mu.Lock()
	existing := s.contacts[c.Extension]
	refreshed := false
	for i := range existing {
		if existing[i].URI == c.URI ||
			(existing[i].CallID == c.CallID && existing[i].CSeq == c.CSeq) {
			existing[i] = c
			refreshed = true
			break
		}
	}
	if !refreshed {
		live := 0
		now := time.Now()
		for i := range existing {
			if existing[i].Expires.After(now) {
				live++
			}
		}
		if live >= ext.MaxRegistrations {
			s.mu.Unlock()
			return 0, fmt.Errorf("register %s: %w", c.Extension, ErrMaxContacts)
		}
		existing = append(existing, c)
	}
	s.contacts[c.Extension] = existing
	s.mu.Unlock()

	r.logger.Info("extension registered",
		"extension", c.Extension,
		"contact", c.URI,
		"transport", c.Transport,
		"expires", ttl,
		"refreshed", refreshed,
	)
	if !refreshed {
		r.sink.Record(event.Event{
			Type:       event.TypeRegistered,
			Timestamp:  time.Now(),
			Extension:  c.Extension,
			ContactURI: c.URI,
		})
	}
	return ttl, nil
}

// Unregister removes one contact binding. An empty contactURI removes
// all bindings for the extension (Contact: * semantics).
func (r *Registry) Unregister(extension, contactURI string) {
	if contactURI == "" {
		r.UnregisterAll(extension)
		return
	}
	s := r.shardFor(extension)
	s.mu.Lock()
	existing := s.contacts[extension]
	kept := existing[:0]
	removed := 0
	for _, c := range existing {
		if c.URI == contactURI {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		delete(s.contacts, extension)
	} else {
		s.contacts[extension] = kept
	}
	s.mu.Unlock()

	if removed > 0 {
		r.logger.Info("registration removed", "extension", extension, "contact", contactURI)
		r.sink.Record(event.Event{
			Type:       event.TypeUnregistered,
			Timestamp:  time.Now(),
			Extension:  extension,
			ContactURI: contactURI,
		})
	}
}

// UnregisterAll removes every binding for an extension.
func (r *Registry) UnregisterAll(extension string) {
	s := r.shardFor(extension)
	s.mu.Lock()
	existing := s.contacts[extension]
	delete(s.contacts, extension)
	s.mu.Unlock()

	if len(existing) > 0 {
		r.logger.Info("all registrations removed", "extension", extension, "count", len(existing))
		r.sink.Record(event.Event{
			Type:      event.TypeUnregistered,
			Timestamp: time.Now(),
			Extension: extension,
		})
	}
}

// Lookup returns the live contact bindings for an extension, in
// registration order. The returned slice is a copy.
func (r *Registry) Lookup(extension string) []Contact {
	s := r.shardFor(extension)
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := s.contacts[extension]
	if len(existing) == 0 {
		return nil
	}
	now := time.Now()
	out := make([]Contact, 0, len(existing))
	for _, c := range existing {
		if c.Expires.After(now) {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the total number of live contact bindings.
func (r *Registry) Count() int {
	now := time.Now()
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, contacts := range s.contacts {
			for _, c := range contacts {
				if c.Expires.After(now) {
					total++
				}
			}
		}
		s.mu.RUnlock()
	}
	return total
}

// Contacts returns every live contact binding across all extensions.
func (r *Registry) Contacts() []Contact {
	now := time.Now()
	var out []Contact
	for _, s := range r.shards {
		s.mu.RLock()
		for _, contacts := range s.contacts {
			for _, c := range contacts {
				if c.Expires.After(now) {
					out = append(out, c)
				}
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Sweep removes expired bindings and returns how many were removed.
func (r *Registry) Sweep() int {
	now := time.Now()
	removed := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for ext, contacts := range s.contacts {
			kept := contacts[:0]
			for _, c := range contacts {
				if c.Expires.After(now) {
					kept = append(kept, c)
					continue
				}
				removed++
				r.sink.Record(event.Event{
					Type:       event.TypeUnregistered,
					Timestamp:  now,
					Extension:  c.Extension,
					ContactURI: c.URI,
				})
			}
			if len(kept) == 0 {
				delete(s.contacts, ext)
			} else {
				s.contacts[ext] = kept
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// RunSweeper removes expired bindings on a fixed interval until ctx is
// cancelled.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepPeriod)
	defer ticker.Stop()

	r.logger.Info("registration sweeper started", "interval", sweepPeriod.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registration sweeper stopped")
			return
		case <-ticker.C:
			if removed := r.Sweep(); removed > 0 {
				r.logger.Info("expired registrations swept", "count", removed)
			}
		}
	}
}
