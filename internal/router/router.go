// Package router decides which targets to ring for a dialed number:
// which extension contacts, in what order, through which forwarding
// chain, and what happens when nobody answers.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/telaris/telaris/internal/registry"
)

var (
	// ErrExtensionNotFound means the dialed number maps to no extension.
	ErrExtensionNotFound = errors.New("extension not found")
	// ErrDND is returned when the target extension has do-not-disturb
	// enabled. Callers answer with a busy-equivalent.
	ErrDND = errors.New("do not disturb")
	// ErrNoRegistrations means the extension exists but has no
	// reachable contacts right now.
	ErrNoRegistrations = errors.New("no registered contacts")
	// ErrForwardLoop means the forwarding chain exceeded the hop limit.
	ErrForwardLoop = errors.New("forwarding loop")
	// ErrExternalNotAllowed means the calling extension may not place
	// external calls.
	ErrExternalNotAllowed = errors.New("external calls not allowed")
)

// RouteKind says what class of destination a dialed number resolved to.
type RouteKind int

const (
	// KindExtension rings registered contacts of a local extension.
	KindExtension RouteKind = iota
	// KindExternal leaves through a carrier trunk.
	KindExternal
	// KindVoicemailAccess is a direct dial into a mailbox using the
	// voicemail access prefix, e.g. *1001.
	KindVoicemailAccess
)

// Route is the resolved ring plan for a dialed number.
type Route struct {
	Kind RouteKind

	// Extension and Contacts are set for KindExtension. All contacts
	// ring in parallel; first answer wins.
	Extension registry.Extension
	Contacts  []registry.Contact

	// Number is the dial string for KindExternal, or the mailbox for
	// KindVoicemailAccess.
	Number string
	// RoutingClass selects eligible trunks for KindExternal.
	RoutingClass string

	// ForwardChain lists the extensions traversed to reach the final
	// target, oldest first. Empty for direct calls.
	ForwardChain []string

	RingTimeout time.Duration
}

// NoAnswerAction is what to do when ringing ends without an answer.
type NoAnswerAction int

const (
	ActionFail NoAnswerAction = iota
	ActionVoicemail
	ActionForward
)

// Decision is the no-answer outcome for a dialed number.
type Decision struct {
	Action  NoAnswerAction
	Mailbox string
	Number  string
}

// Config carries the static routing knobs, snapshotted at startup.
type Config struct {
	RingTimeout     time.Duration
	ForwardHopLimit int
	// AccessPrefixes are the strings stripped from a dialed number
	// before it is used as a mailbox identifier. Order matters; the
	// first matching prefix wins.
	AccessPrefixes []string
	// ExternalClass is the trunk routing class for plain external
	// numbers.
	ExternalClass string
}

// Router resolves inbound dial strings against the extension registry.
type Router struct {
	registry *registry.Registry
	cfg      Config
	logger   *slog.Logger
}

// New creates a router over the given registry.
func New(reg *registry.Registry, cfg Config, logger *slog.Logger) *Router {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 20 * time.Second
	}
	if cfg.ForwardHopLimit <= 0 {
		cfg.ForwardHopLimit = 5
	}
	if cfg.ExternalClass == "" {
		cfg.ExternalClass = "external"
	}
	return &Router{registry: reg, cfg: cfg, logger: logger.With("subsystem", "router")}
}

// StripAccessPrefix removes the first matching voicemail access prefix
// from a dialed string. SIP Contact and To headers must carry the bare
// extension, never the prefix, so every mailbox reference goes through
// here.
func (r *Router) StripAccessPrefix(dialed string) string {
	for _, prefix := range r.cfg.AccessPrefixes {
		if prefix != "" && strings.HasPrefix(dialed, prefix) {
			return dialed[len(prefix):]
		}
	}
	return dialed
}

// hasAccessPrefix reports whether the dialed string starts with a
// configured voicemail access prefix.
func (r *Router) hasAccessPrefix(dialed string) bool {
	return r.StripAccessPrefix(dialed) != dialed
}

// RouteInbound resolves the dialed number to a ring plan. DND fails
// immediately; enabled forwards are followed through a hop-limited
// chain; otherwise all registered contacts of the final extension ring
// in parallel.
func (r *Router) RouteInbound(caller registry.Extension, dialed string) (*Route, error) {
	if r.hasAccessPrefix(dialed) {
		mailbox := r.StripAccessPrefix(dialed)
		if _, ok := r.registry.GetExtension(mailbox); !ok {
			return nil, fmt.Errorf("mailbox %q: %w", mailbox, ErrExtensionNotFound)
		}
		return &Route{Kind: KindVoicemailAccess, Number: mailbox, RingTimeout: r.cfg.RingTimeout}, nil
	}

	ext, ok := r.registry.GetExtension(dialed)
	if !ok {
		// Not a local extension: route out through a trunk.
		if !caller.AllowExternal {
			return nil, fmt.Errorf("caller %s dialing %s: %w", caller.Number, dialed, ErrExternalNotAllowed)
		}
		return &Route{
			Kind:         KindExternal,
			Number:       dialed,
			RoutingClass: r.cfg.ExternalClass,
			RingTimeout:  r.cfg.RingTimeout,
		}, nil
	}

	var chain []string
	visited := map[string]bool{ext.Number: true}
	for hops := 0; ext.ForwardEnabled && ext.ForwardDest != ""; hops++ {
		if hops >= r.cfg.ForwardHopLimit {
			return nil, fmt.Errorf("forwarding from %s: %w", dialed, ErrForwardLoop)
		}
		dest := ext.ForwardDest
		chain = append(chain, ext.Number)

		next, ok := r.registry.GetExtension(dest)
		if !ok {
			// Forward to an external number.
			return &Route{
				Kind:         KindExternal,
				Number:       dest,
				RoutingClass: r.cfg.ExternalClass,
				ForwardChain: chain,
				RingTimeout:  r.cfg.RingTimeout,
			}, nil
		}
		if visited[next.Number] {
			return nil, fmt.Errorf("forwarding from %s to %s: %w", dialed, next.Number, ErrForwardLoop)
		}
		visited[next.Number] = true
		ext = next
	}

	if ext.DNDEnabled {
		return nil, fmt.Errorf("extension %s: %w", ext.Number, ErrDND)
	}

	contacts := r.registry.Lookup(ext.Number)
	if len(contacts) == 0 {
		return nil, fmt.Errorf("extension %s: %w", ext.Number, ErrNoRegistrations)
	}

	return &Route{
		Kind:         KindExtension,
		Extension:    ext,
		Contacts:     contacts,
		ForwardChain: chain,
		RingTimeout:  r.cfg.RingTimeout,
	}, nil
}

// OnNoAnswer decides the fallback after ringing timed out or every
// contact was busy or unreachable. The mailbox identifier is always
// the bare extension with any access prefix stripped.
func (r *Router) OnNoAnswer(dialed string) Decision {
	number := r.StripAccessPrefix(dialed)
	ext, ok := r.registry.GetExtension(number)
	if !ok {
		return Decision{Action: ActionFail}
	}
	if ext.VoicemailEnabled {
		return Decision{Action: ActionVoicemail, Mailbox: number}
	}
	if ext.ForwardEnabled && ext.ForwardDest != "" {
		return Decision{Action: ActionForward, Number: ext.ForwardDest}
	}
	return Decision{Action: ActionFail}
}

// TargetsFor returns the live contacts for a number without applying
// routing policy. Transfer and conference targets resolve through here;
// an empty slice means the number is not a reachable local extension.
func (r *Router) TargetsFor(number string) []registry.Contact {
	return r.registry.Lookup(number)
}
