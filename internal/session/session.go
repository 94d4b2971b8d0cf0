// Package session implements the call session state machine. A session
// owns one or more SIP dialogs (legs), drives state transitions from
// SIP events and user commands, and consults the router, trunk manager
// and media negotiator as the call progresses. Exactly one goroutine
// mutates a given session; everything reaches it through the inbox.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/telaris/telaris/internal/event"
	"github.com/telaris/telaris/internal/registry"
	"github.com/telaris/telaris/internal/router"
	"github.com/telaris/telaris/internal/sdp"
	"github.com/telaris/telaris/internal/trunk"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle         State = "IDLE"
	StateTrying       State = "TRYING"
	StateRinging      State = "RINGING"
	StateAnswered     State = "ANSWERED"
	StateOnHold       State = "ON_HOLD"
	StateTransferring State = "TRANSFERRING"
	StateConferenced  State = "CONFERENCED"
	StateTerminated   State = "TERMINATED"
)

// Direction classifies who originated the call relative to this PBX.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionInternal Direction = "internal"
)

// FSM event names.
const (
	evTrying       = "trying"
	evRinging      = "ringing"
	evAnswer       = "answer"
	evHold         = "hold"
	evResume       = "resume"
	evTransfer     = "transfer"
	evTransferDone = "transfer_done"
	evConference   = "conference"
	evConfEnd      = "conference_end"
	evTerminate    = "terminate"
)

// Transport executes signaling on behalf of sessions. Implementations
// send the wire messages and post responses back through the manager's
// Dispatch; none of these calls may block unboundedly.
type Transport interface {
	// Respond answers the pending transaction on an inbound leg.
	Respond(leg Leg, status int, reason string, body []byte) error
	// Ack confirms a 2xx on an outbound leg.
	Ack(leg Leg) error
	// Bye hangs up an answered leg.
	Bye(leg Leg) error
	// Cancel aborts a not-yet-answered outbound leg.
	Cancel(leg Leg) error
	// Reinvite sends an in-dialog offer on an answered leg.
	Reinvite(leg Leg, body []byte) error
	// DialContact places an INVITE to a registered contact. Responses
	// arrive as Provisional/Final inputs carrying the leg id.
	DialContact(sessionCallID string, leg Leg, offer []byte) error
	// DialTrunk places an INVITE through a carrier trunk.
	DialTrunk(sessionCallID string, leg Leg, tr *trunk.Trunk, number string, offer []byte) error
}

// VoicemailDepositor records a message into a mailbox. The call blocks
// for the duration of the recording; cancel the context to stop it.
type VoicemailDepositor interface {
	Deposit(ctx context.Context, mailbox, callerID string) error
}

// Deps bundles everything sessions need. Configuration values are
// snapshots; changes apply to new calls only.
type Deps struct {
	Transport       Transport
	Router          *router.Router
	Trunks          *trunk.Manager
	Caps            sdp.Capabilities
	Profile         sdp.Profile
	Voicemail       VoicemailDepositor
	Sink            event.Sink
	Logger          *slog.Logger
	RingTimeout     time.Duration
	MaxCallDuration time.Duration
	MediaIP         string
	MediaPort       int
}

// StartParams describes the initial INVITE that creates a session.
type StartParams struct {
	CallID        string
	Direction     Direction
	CallerName    string
	CallerNum     string
	CalledNum     string
	CallerExt     registry.Extension
	RemoteTag     string
	RemoteContact string
	Offer         []byte
}

// Session is one active call. All mutation happens on the session's
// own goroutine; mu guards the fields Snapshot reads, including every
// leg's State (written via setLegState).
type Session struct {
	ID         string
	CallID     string
	Direction  Direction
	CallerName string
	CallerNum  string
	CalledNum  string

	callerExt registry.Extension
	deps      *Deps
	manager   *Manager
	logger    *slog.Logger
	machine   *fsm.FSM

	mu          sync.Mutex
	legs        []Leg
	failed      bool
	disposition string
	startTime   time.Time
	answerTime  time.Time
	endTime     time.Time
	negotiated  *sdp.Answer
	parked      bool

	offer *sdp.Offer

	inbox chan Input
	done  chan struct{}

	ringTimer *time.Timer
	maxTimer  *time.Timer

	trunkInUse   *trunk.Trunk
	trunkRetried bool
	forwardHops  int

	transferPending bool
	transferLeg     LegID
	transferVictim  LegID
	transferBlind   bool

	vmActive bool
	vmCancel context.CancelFunc
}

func newMachine() *fsm.FSM {
	nonTerminal := []string{
		string(StateIdle), string(StateTrying), string(StateRinging),
		string(StateAnswered), string(StateOnHold), string(StateTransferring),
		string(StateConferenced),
	}
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evTrying, Src: []string{string(StateIdle)}, Dst: string(StateTrying)},
			{Name: evRinging, Src: []string{string(StateTrying)}, Dst: string(StateRinging)},
			{Name: evAnswer, Src: []string{string(StateTrying), string(StateRinging)}, Dst: string(StateAnswered)},
			{Name: evHold, Src: []string{string(StateAnswered)}, Dst: string(StateOnHold)},
			{Name: evResume, Src: []string{string(StateOnHold)}, Dst: string(StateAnswered)},
			{Name: evTransfer, Src: []string{string(StateAnswered)}, Dst: string(StateTransferring)},
			{Name: evTransferDone, Src: []string{string(StateTransferring)}, Dst: string(StateAnswered)},
			{Name: evConference, Src: []string{string(StateAnswered), string(StateConferenced)}, Dst: string(StateConferenced)},
			{Name: evConfEnd, Src: []string{string(StateConferenced)}, Dst: string(StateAnswered)},
			{Name: evTerminate, Src: nonTerminal, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{},
	)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.machine.Current())
}

// Failed reports whether the session ended in the failed sub-state.
func (s *Session) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Done is closed when the session has fully terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) terminated() bool {
	return s.State() == StateTerminated
}

// Deliver posts an input to the session's inbox, preserving arrival
// order for this Call-ID. It reports false once the session has
// terminated.
func (s *Session) Deliver(in Input) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- in:
		return true
	case <-s.done:
		return false
	}
}

// transition fires an FSM event. The returned error means the event is
// not legal from the current state; callers decide whether that is a
// benign race with the network or a programming error.
func (s *Session) transition(ev string) error {
	return s.machine.Event(context.Background(), ev)
}

// invariantViolation handles a transition that should have been
// impossible. The full session state is logged for postmortem and the
// session is forced down as failed; the violation never propagates to
// the caller as anything but a failed call.
func (s *Session) invariantViolation(msg string, err error) {
	s.logger.Error("session invariant violated",
		"violation", msg,
		"error", err,
		"state", string(s.State()),
		"direction", string(s.Direction),
		"caller", s.CallerNum,
		"called", s.CalledNum,
		"legs", s.legSummary(),
	)
	s.finish(true, "internal_error")
}

func (s *Session) run() {
	defer s.manager.remove(s)
	s.handleStart()
	for !s.terminated() {
		select {
		case in := <-s.inbox:
			s.handle(in)
		case <-timerC(s.ringTimer):
			s.ringTimer = nil
			s.onRingTimeout()
		case <-timerC(s.maxTimer):
			s.maxTimer = nil
			s.logger.Info("maximum call duration reached", "max", s.deps.MaxCallDuration.String())
			s.finish(false, "max_duration")
		}
		s.checkLegInvariant()
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *Session) stopTimers() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if s.maxTimer != nil {
		s.maxTimer.Stop()
		s.maxTimer = nil
	}
}

// checkLegInvariant enforces that any session past IDLE and short of
// TERMINATED owns at least one live leg.
func (s *Session) checkLegInvariant() {
	st := s.State()
	if st == StateIdle || st == StateTerminated {
		return
	}
	if len(s.liveLegs()) == 0 {
		s.invariantViolation("no live legs in non-terminal state", nil)
	}
}

func (s *Session) handle(in Input) {
	switch v := in.(type) {
	case Provisional:
		s.onProvisional(v)
	case Final:
		s.onFinal(v)
	case DialFailed:
		s.onDialFailed(v)
	case RemoteBye:
		s.onRemoteBye(v)
	case RemoteCancel:
		s.onRemoteCancel(v)
	case RemoteReinvite:
		s.onRemoteReinvite(v)
	case RemoteRefer:
		s.onRemoteRefer(v)
	case RemoteInfo:
		s.logger.Debug("dtmf digit via info", "leg", v.LegID, "digit", v.Digit)
	case depositDone:
		s.onDepositDone(v)
	case Command:
		s.onCommand(v)
	default:
		s.logger.Warn("unhandled session input", "input", fmt.Sprintf("%T", in))
	}
}

// handleStart processes the initial INVITE: negotiate media, route the
// dialed number and ring the targets.
func (s *Session) handleStart() {
	if err := s.transition(evTrying); err != nil {
		s.invariantViolation("initial transition", err)
		return
	}
	s.emit(event.TypeCallStarted, "")

	offer, err := sdp.ParseOffer(s.leg(0).RemoteSDP)
	if err != nil {
		s.logger.Warn("malformed sdp offer", "error", err)
		s.respondCaller(400, "Bad Request")
		s.finish(true, "bad_sdp")
		return
	}
	s.offer = offer

	answer, err := sdp.Negotiate(offer, s.deps.Caps, s.deps.Profile)
	if err != nil {
		s.logger.Warn("media negotiation failed", "error", err)
		s.respondCaller(488, "Not Acceptable Here")
		s.finish(true, "no_codec")
		return
	}
	s.mu.Lock()
	s.negotiated = answer
	s.mu.Unlock()

	route, err := s.deps.Router.RouteInbound(s.callerExt, s.CalledNum)
	if err != nil {
		s.onRouteError(err)
		return
	}

	switch route.Kind {
	case router.KindVoicemailAccess:
		s.answerCaller()
		s.startDeposit(route.Number)
	case router.KindExternal:
		s.dialExternal(route.Number, route.RoutingClass, RoleCallee)
		s.armRingTimer(route.RingTimeout)
	case router.KindExtension:
		for _, contact := range route.Contacts {
			s.dialContact(contact, RoleCallee)
		}
		s.armRingTimer(route.RingTimeout)
	}
}

func (s *Session) onRouteError(err error) {
	switch {
	case errors.Is(err, router.ErrDND):
		s.respondCaller(486, "Busy Here")
		s.finish(true, "dnd")
	case errors.Is(err, router.ErrExtensionNotFound):
		s.respondCaller(404, "Not Found")
		s.finish(true, "not_found")
	case errors.Is(err, router.ErrNoRegistrations):
		// Straight to the no-answer decision: voicemail or forward.
		s.onNoAnswer()
	case errors.Is(err, router.ErrForwardLoop):
		s.respondCaller(482, "Loop Detected")
		s.finish(true, "forward_loop")
	case errors.Is(err, router.ErrExternalNotAllowed):
		s.respondCaller(403, "Forbidden")
		s.finish(true, "forbidden")
	default:
		s.logger.Error("routing failed", "error", err)
		s.respondCaller(500, "Server Internal Error")
		s.finish(true, "routing_error")
	}
}

func (s *Session) armRingTimer(d time.Duration) {
	if d <= 0 {
		d = s.deps.RingTimeout
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.ringTimer = time.NewTimer(d)
}

// dialContact creates a leg to one registered contact and places the
// INVITE. All contacts of an extension fork in parallel; first answer
// wins and the rest are cancelled.
func (s *Session) dialContact(contact registry.Contact, role LegRole) LegID {
	id := s.newLeg(role, contact.Extension)
	leg := s.leg(id)
	leg.RemoteURI = contact.URI

	localOffer, err := sdp.BuildOffer(s.deps.Caps, s.deps.MediaIP, s.deps.MediaPort, sdp.SendRecv)
	if err != nil {
		s.logger.Error("building outbound offer", "error", err)
		s.setLegState(leg.ID, LegTerminated)
		return id
	}
	leg.LocalSDP = localOffer

	if err := s.deps.Transport.DialContact(s.CallID, *leg, localOffer); err != nil {
		s.logger.Warn("dialing contact failed",
			"contact", contact.URI,
			"error", err,
		)
		s.setLegState(leg.ID, LegTerminated)
	}
	return id
}

// dialExternal selects a trunk for the routing class and places the
// call through it.
func (s *Session) dialExternal(number, class string, role LegRole) {
	tr, err := s.deps.Trunks.Select(class)
	if err != nil {
		s.logger.Warn("no trunk for outbound call", "class", class, "error", err)
		s.respondCaller(503, "Service Unavailable")
		s.finish(true, "no_trunk")
		return
	}
	s.dialViaTrunk(tr, number, class, role)
}

func (s *Session) dialViaTrunk(tr *trunk.Trunk, number, class string, role LegRole) {
	id := s.newLeg(role, number)
	leg := s.leg(id)
	leg.TrunkName = tr.Name
	s.trunkInUse = tr

	localOffer, err := sdp.BuildOffer(s.deps.Caps, s.deps.MediaIP, s.deps.MediaPort, sdp.SendRecv)
	if err != nil {
		s.logger.Error("building outbound offer", "error", err)
		s.setLegState(leg.ID, LegTerminated)
		s.respondCaller(500, "Server Internal Error")
		s.finish(true, "internal_error")
		return
	}
	leg.LocalSDP = localOffer

	if err := s.deps.Transport.DialTrunk(s.CallID, *leg, tr, number, localOffer); err != nil {
		s.logger.Warn("trunk dial failed", "trunk", tr.Name, "error", err)
		s.setLegState(leg.ID, LegTerminated)
		s.failoverOrFail(id, 503, class)
	}
}

func (s *Session) onProvisional(in Provisional) {
	leg := s.leg(in.LegID)
	if leg == nil || !leg.live() {
		return
	}
	if in.Status != 180 && in.Status != 183 {
		return
	}
	s.setLegState(leg.ID, LegRinging)
	if s.State() == StateTrying {
		if err := s.transition(evRinging); err != nil {
			s.invariantViolation("provisional response", err)
			return
		}
		s.respondCaller(180, "Ringing")
		s.emit(event.TypeCallRinging, "")
	}
}

func (s *Session) onFinal(in Final) {
	leg := s.leg(in.LegID)
	if leg == nil {
		return
	}

	// A 2xx is handed down even on a terminated leg: a cancelled fork
	// loser whose 200 raced our CANCEL still opened a dialog that has
	// to be closed.
	if in.Status >= 200 && in.Status < 300 {
		s.onLegAnswered(in)
		return
	}
	if !leg.live() {
		return
	}
	s.onLegFailed(in)
}

// onLegAnswered commits an answered outbound leg: first answer wins,
// forked siblings are cancelled, media is committed and the caller gets
// its 200.
func (s *Session) onLegAnswered(in Final) {
	leg := s.leg(in.LegID)
	if leg == nil {
		return
	}
	if !leg.live() {
		// 200 from a leg we already cancelled: close the stray dialog.
		stray := *leg
		stray.RemoteTag = in.RemoteTag
		stray.RemoteContact = in.RemoteContact
		s.deps.Transport.Ack(stray)
		s.deps.Transport.Bye(stray)
		return
	}
	leg.RemoteTag = in.RemoteTag
	leg.RemoteContact = in.RemoteContact
	leg.RemoteSDP = in.Body
	s.setLegState(leg.ID, LegAnswered)
	if err := s.deps.Transport.Ack(*leg); err != nil {
		s.logger.Warn("ack failed", "leg", leg.ID, "error", err)
	}
	if leg.TrunkName != "" && s.trunkInUse != nil {
		s.deps.Trunks.ReportOutcome(s.trunkInUse, true)
	}

	if s.transferPending && in.LegID == s.transferLeg {
		s.completeTransfer(in.LegID)
		return
	}
	if s.State() == StateConferenced || (s.State() == StateAnswered && leg.Role == RoleConference) {
		s.onConferenceLegAnswered(in.LegID)
		return
	}

	// Cancel the forked legs that lost the race.
	for _, id := range s.liveLegsExcept(in.LegID) {
		other := s.leg(id)
		if other.Role == RoleCaller {
			continue
		}
		if other.State == LegTrying || other.State == LegRinging {
			if err := s.deps.Transport.Cancel(*other); err != nil {
				s.logger.Debug("cancelling fork loser", "leg", other.ID, "error", err)
			}
			s.setLegState(other.ID, LegTerminated)
		}
	}

	if s.negotiated == nil {
		s.invariantViolation("answer without negotiated media", nil)
		return
	}
	if err := s.transition(evAnswer); err != nil {
		// A late 200 after cancel or timeout: close the stray dialog.
		s.logger.Debug("late answer discarded", "leg", leg.ID, "state", string(s.State()))
		s.deps.Transport.Bye(*leg)
		s.setLegState(leg.ID, LegTerminated)
		return
	}

	s.stopRingTimer()
	s.answerCaller()
	s.emit(event.TypeCallAnswered, "")
	if s.deps.MaxCallDuration > 0 {
		s.maxTimer = time.NewTimer(s.deps.MaxCallDuration)
	}
}

// answerCaller responds 200 with the negotiated media and marks the
// caller leg answered.
func (s *Session) answerCaller() {
	caller := s.leg(0)
	body, err := s.negotiated.Marshal(s.deps.MediaIP, s.deps.MediaPort)
	if err != nil {
		s.invariantViolation("marshalling negotiated answer", err)
		return
	}
	caller.LocalSDP = body
	if err := s.deps.Transport.Respond(*caller, 200, "OK", body); err != nil {
		s.logger.Warn("answering caller failed", "error", err)
	}
	s.setLegState(caller.ID, LegAnswered)
	s.mu.Lock()
	if s.answerTime.IsZero() {
		s.answerTime = time.Now()
	}
	s.mu.Unlock()
	if s.State() != StateAnswered {
		if err := s.transition(evAnswer); err != nil {
			s.invariantViolation("answering caller", err)
		}
	}
}

// onLegFailed handles a non-2xx final on an outbound leg.
func (s *Session) onLegFailed(in Final) {
	leg := s.leg(in.LegID)
	if leg == nil || !leg.live() {
		return
	}
	s.setLegState(leg.ID, LegTerminated)
	s.logger.Debug("leg failed",
		"leg", leg.ID,
		"status", in.Status,
		"reason", in.Reason,
	)

	if s.transferPending && in.LegID == s.transferLeg {
		s.abortTransfer(in.Status)
		return
	}
	if leg.Role == RoleConference {
		s.logger.Info("conference leg failed", "leg", leg.ID, "status", in.Status)
		s.maybeCollapseConference()
		return
	}

	if leg.TrunkName != "" {
		if s.trunkInUse != nil && !calleeFailure(in.Status) {
			s.deps.Trunks.ReportOutcome(s.trunkInUse, false)
		}
		s.failoverOrFail(in.LegID, in.Status, s.routingClass())
		return
	}

	// Forked extension leg: wait for siblings, then fall back.
	if s.anyForkStillRinging() {
		return
	}
	if in.Status == 486 || in.Status == 600 || in.Status == 603 {
		s.onBusy()
		return
	}
	s.onNoAnswer()
}

func (s *Session) onDialFailed(in DialFailed) {
	leg := s.leg(in.LegID)
	if leg == nil || !leg.live() {
		return
	}
	s.logger.Warn("dial failed", "leg", leg.ID, "error", in.Err)
	s.setLegState(leg.ID, LegTerminated)

	if s.transferPending && in.LegID == s.transferLeg {
		s.abortTransfer(503)
		return
	}
	if leg.TrunkName != "" {
		if s.trunkInUse != nil {
			s.deps.Trunks.ReportOutcome(s.trunkInUse, false)
		}
		s.failoverOrFail(in.LegID, 503, s.routingClass())
		return
	}
	if !s.anyForkStillRinging() {
		s.onNoAnswer()
	}
}

// failoverOrFail applies the single automatic trunk retry before
// surfacing the failure to the caller.
func (s *Session) failoverOrFail(failedLeg LegID, status int, class string) {
	if s.trunkInUse != nil && !s.trunkRetried && !calleeFailure(status) {
		next, err := s.deps.Trunks.NextAfter(s.trunkInUse, class)
		if err == nil {
			s.trunkRetried = true
			s.logger.Info("retrying outbound call on next trunk",
				"failed_trunk", s.trunkInUse.Name,
				"next_trunk", next.Name,
			)
			role := s.leg(failedLeg).Role
			s.dialViaTrunk(next, s.leg(failedLeg).Number, class, role)
			return
		}
	}
	code, reason := mapTrunkFailure(status)
	s.respondCaller(code, reason)
	s.finish(true, "trunk_failed")
}

func (s *Session) routingClass() string {
	if s.trunkInUse != nil && len(s.trunkInUse.RoutingClasses) > 0 {
		return s.trunkInUse.RoutingClasses[0]
	}
	return "external"
}

func (s *Session) anyForkStillRinging() bool {
	for _, id := range s.liveLegs() {
		leg := s.leg(id)
		if leg.Role != RoleCaller && (leg.State == LegTrying || leg.State == LegRinging) {
			return true
		}
	}
	return false
}

func (s *Session) onBusy() {
	d := s.deps.Router.OnNoAnswer(s.CalledNum)
	if d.Action == router.ActionVoicemail {
		s.stopRingTimer()
		s.answerCaller()
		s.startDeposit(d.Mailbox)
		return
	}
	s.respondCaller(486, "Busy Here")
	s.finish(true, "busy")
}

// onRingTimeout fires when nobody answered inside the ring window.
func (s *Session) onRingTimeout() {
	st := s.State()
	if st != StateTrying && st != StateRinging {
		return
	}
	s.logger.Info("ring timeout", "called", s.CalledNum)
	s.cancelRingingLegs()
	s.onNoAnswer()
}

func (s *Session) cancelRingingLegs() {
	for _, id := range s.liveLegs() {
		leg := s.leg(id)
		if leg.Role == RoleCaller {
			continue
		}
		if leg.State == LegTrying || leg.State == LegRinging {
			if err := s.deps.Transport.Cancel(*leg); err != nil {
				s.logger.Debug("cancel failed", "leg", leg.ID, "error", err)
			}
			s.setLegState(leg.ID, LegTerminated)
		}
	}
}

// onNoAnswer applies the router's fallback decision after ringing came
// up empty.
func (s *Session) onNoAnswer() {
	d := s.deps.Router.OnNoAnswer(s.CalledNum)
	switch d.Action {
	case router.ActionVoicemail:
		s.stopRingTimer()
		s.answerCaller()
		s.startDeposit(d.Mailbox)
	case router.ActionForward:
		if s.forwardHops >= 1 {
			// The engine falls back at most once before giving up.
			s.respondCaller(480, "Temporarily Unavailable")
			s.finish(true, "no_answer")
			return
		}
		s.forwardHops++
		s.redial(d.Number)
	default:
		s.respondCaller(480, "Temporarily Unavailable")
		s.finish(true, "no_answer")
	}
}

// redial replaces the ring set with a new target after a no-answer
// forward.
func (s *Session) redial(number string) {
	route, err := s.deps.Router.RouteInbound(s.callerExt, number)
	if err != nil {
		s.onRouteError(err)
		return
	}
	switch route.Kind {
	case router.KindExternal:
		s.dialExternal(route.Number, route.RoutingClass, RoleCallee)
	case router.KindExtension:
		for _, contact := range route.Contacts {
			s.dialContact(contact, RoleCallee)
		}
	default:
		s.respondCaller(480, "Temporarily Unavailable")
		s.finish(true, "no_answer")
		return
	}
	s.armRingTimer(route.RingTimeout)
}

func (s *Session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// startDeposit connects the caller to a mailbox. Recording happens on
// the other side of the voicemail interface; the session just tracks
// the deposit until it ends.
func (s *Session) startDeposit(mailbox string) {
	if s.deps.Voicemail == nil {
		s.logger.Warn("voicemail requested but no depositor wired", "mailbox", mailbox)
		s.finish(true, "no_answer")
		return
	}
	s.vmActive = true
	s.mu.Lock()
	s.disposition = "voicemail"
	s.mu.Unlock()
	s.logger.Info("depositing to voicemail", "mailbox", mailbox, "caller", s.CallerNum)

	ctx, cancel := context.WithCancel(context.Background())
	s.vmCancel = cancel
	go func() {
		err := s.deps.Voicemail.Deposit(ctx, mailbox, s.CallerNum)
		s.Deliver(depositDone{err: err})
	}()
}

func (s *Session) onDepositDone(in depositDone) {
	if !s.vmActive {
		return
	}
	s.vmActive = false
	if in.err != nil && in.err != context.Canceled {
		s.logger.Warn("voicemail deposit ended with error", "error", in.err)
	}
	s.finish(false, "voicemail")
}

func (s *Session) onRemoteBye(in RemoteBye) {
	leg := s.leg(in.LegID)
	if leg == nil || !leg.live() {
		// A cancelled fork loser whose 200 raced our CANCEL sends a
		// BYE on its dead dialog; it must not touch the live call.
		return
	}
	s.setLegState(leg.ID, LegTerminated)

	if s.State() == StateConferenced && leg.Role == RoleConference {
		s.maybeCollapseConference()
		return
	}
	s.finish(false, s.endDisposition())
}

func (s *Session) onRemoteCancel(in RemoteCancel) {
	st := s.State()
	if st != StateTrying && st != StateRinging {
		return
	}
	s.logger.Info("caller cancelled", "call_id", s.CallID)
	s.cancelRingingLegs()
	s.respondCaller(487, "Request Terminated")
	s.setLegState(0, LegTerminated)
	s.finish(false, "cancelled")
}

// onRemoteReinvite handles an in-dialog offer: hold when the new
// direction stops sending to us, resume when it restores sendrecv.
func (s *Session) onRemoteReinvite(in RemoteReinvite) {
	leg := s.leg(in.LegID)
	if leg == nil || !leg.live() {
		return
	}
	offer, err := sdp.ParseOffer(in.Body)
	if err != nil {
		s.logger.Warn("malformed reinvite sdp", "leg", leg.ID, "error", err)
		s.deps.Transport.Respond(*leg, 488, "Not Acceptable Here", nil)
		return
	}
	answer, err := sdp.Negotiate(offer, s.deps.Caps, s.deps.Profile)
	if err != nil {
		s.deps.Transport.Respond(*leg, 488, "Not Acceptable Here", nil)
		return
	}
	body, err := answer.Marshal(s.deps.MediaIP, s.deps.MediaPort)
	if err != nil {
		s.invariantViolation("marshalling reinvite answer", err)
		return
	}
	if err := s.deps.Transport.Respond(*leg, 200, "OK", body); err != nil {
		s.logger.Warn("answering reinvite failed", "leg", leg.ID, "error", err)
		return
	}
	leg.RemoteSDP = in.Body

	switch offer.Direction {
	case sdp.SendOnly, sdp.Inactive:
		if s.State() == StateAnswered {
			if err := s.transition(evHold); err != nil {
				s.invariantViolation("hold", err)
				return
			}
			s.setLegState(leg.ID, LegHeld)
			s.emit(event.TypeCallHeld, "")
		}
	case sdp.SendRecv:
		if s.State() == StateOnHold {
			if err := s.transition(evResume); err != nil {
				s.invariantViolation("resume", err)
				return
			}
			s.setLegState(leg.ID, LegAnswered)
			s.setParked(false)
			s.emit(event.TypeCallResumed, "")
		}
	}
}

func (s *Session) onRemoteRefer(in RemoteRefer) {
	st := s.State()
	if st != StateAnswered && st != StateOnHold {
		s.logger.Warn("refer in invalid state", "state", string(st))
		return
	}
	s.startTransfer(in.LegID, in.Target, !in.Attended)
}

// startTransfer dials the transfer target while the remaining legs are
// held. victim is the leg that leaves the call once the target answers.
func (s *Session) startTransfer(victim LegID, target string, blind bool) {
	if s.State() == StateOnHold {
		if err := s.transition(evResume); err != nil {
			s.invariantViolation("transfer from hold", err)
			return
		}
	}
	if err := s.transition(evTransfer); err != nil {
		s.invariantViolation("transfer", err)
		return
	}

	s.transferPending = true
	s.transferVictim = victim
	s.transferBlind = blind
	s.emit(event.TypeCallTransfer, "")

	// Hold the survivors while the target rings.
	for _, id := range s.liveLegsExcept(victim) {
		leg := s.leg(id)
		if leg.State != LegAnswered {
			continue
		}
		hold, err := sdp.BuildOffer(s.deps.Caps, s.deps.MediaIP, s.deps.MediaPort, sdp.SendOnly)
		if err == nil {
			if err := s.deps.Transport.Reinvite(*leg, hold); err != nil {
				s.logger.Debug("holding leg for transfer", "leg", leg.ID, "error", err)
			}
			s.setLegState(leg.ID, LegHeld)
		}
	}

	// A transfer target can be a local extension or an external number.
	contacts := s.deps.Router.TargetsFor(target)
	if len(contacts) > 0 {
		s.transferLeg = s.dialContact(contacts[0], RoleTransfer)
	} else {
		tr, err := s.deps.Trunks.Select("external")
		if err != nil {
			s.abortTransfer(503)
			return
		}
		id := s.newLeg(RoleTransfer, target)
		leg := s.leg(id)
		leg.TrunkName = tr.Name
		s.trunkInUse = tr
		localOffer, err := sdp.BuildOffer(s.deps.Caps, s.deps.MediaIP, s.deps.MediaPort, sdp.SendRecv)
		if err != nil {
			s.abortTransfer(500)
			return
		}
		leg.LocalSDP = localOffer
		if err := s.deps.Transport.DialTrunk(s.CallID, *leg, tr, target, localOffer); err != nil {
			s.setLegState(leg.ID, LegTerminated)
			s.abortTransfer(503)
			return
		}
		s.transferLeg = id
	}

	if s.transferBlind {
		// Blind transfer: the transferor leaves as soon as the target
		// is ringing; the transferee hears the new leg directly.
		victimLeg := s.leg(victim)
		if victimLeg.live() {
			if err := s.deps.Transport.Bye(*victimLeg); err != nil {
				s.logger.Debug("releasing transferor", "leg", victim, "error", err)
			}
			s.setLegState(victimLeg.ID, LegTerminated)
		}
	}
}

// completeTransfer swaps the leg set: the victim is released and the
// answered target takes its place.
func (s *Session) completeTransfer(target LegID) {
	victim := s.leg(s.transferVictim)
	if victim != nil && victim.live() {
		if err := s.deps.Transport.Bye(*victim); err != nil {
			s.logger.Debug("releasing transferred leg", "leg", victim.ID, "error", err)
		}
		s.setLegState(victim.ID, LegTerminated)
	}

	// Resume the held survivors toward the new leg.
	for _, id := range s.liveLegsExcept(target) {
		leg := s.leg(id)
		if leg.State != LegHeld {
			continue
		}
		resume, err := sdp.BuildOffer(s.deps.Caps, s.deps.MediaIP, s.deps.MediaPort, sdp.SendRecv)
		if err == nil {
			if err := s.deps.Transport.Reinvite(*leg, resume); err != nil {
				s.logger.Debug("resuming leg after transfer", "leg", leg.ID, "error", err)
			}
			s.setLegState(leg.ID, LegAnswered)
		}
	}

	s.transferPending = false
	if err := s.transition(evTransferDone); err != nil {
		s.invariantViolation("transfer completion", err)
		return
	}
	s.logger.Info("transfer completed",
		"released_leg", s.transferVictim,
		"new_leg", target,
	)
}

// abortTransfer returns the session to ANSWERED after a failed
// transfer attempt, resuming held legs. When the transferor already
// left (blind transfer) there is nothing to return to.
func (s *Session) abortTransfer(status int) {
	s.transferPending = false
	s.logger.Warn("transfer failed", "status", status)

	survivors := 0
	for _, id := range s.liveLegs() {
		leg := s.leg(id)
		if leg.State == LegHeld {
			resume, err := sdp.BuildOffer(s.deps.Caps, s.deps.MediaIP, s.deps.MediaPort, sdp.SendRecv)
			if err == nil {
				s.deps.Transport.Reinvite(*leg, resume)
				s.setLegState(leg.ID, LegAnswered)
			}
		}
		survivors++
	}

	if survivors < 2 {
		s.finish(true, "transfer_failed")
		return
	}
	if err := s.transition(evTransferDone); err != nil {
		s.invariantViolation("transfer abort", err)
	}
}

func (s *Session) onConferenceLegAnswered(id LegID) {
	if s.State() != StateConferenced {
		if err := s.transition(evConference); err != nil {
			s.invariantViolation("conference join", err)
			return
		}
	}
	s.emit(event.TypeCallConference, "")
	s.logger.Info("conference leg joined", "leg", id, "members", len(s.liveLegs()))
}

// maybeCollapseConference drops back to a plain two-party call when
// membership shrinks to two legs.
func (s *Session) maybeCollapseConference() {
	if s.State() != StateConferenced {
		return
	}
	live := s.liveLegs()
	if len(live) > 2 {
		return
	}
	if len(live) < 2 {
		s.finish(false, s.endDisposition())
		return
	}
	if err := s.transition(evConfEnd); err != nil {
		s.invariantViolation("conference collapse", err)
	}
}

func (s *Session) onCommand(cmd Command) {
	s.logger.Debug("command", "op", cmd.Op.String(), "target", cmd.Target)
	switch cmd.Op {
	case OpHangup:
		s.hangup()
	case OpHold:
		s.holdAll()
	case OpResume:
		s.resumeAll()
	case OpBlindTransfer:
		s.commandTransfer(cmd.Target, true)
	case OpAttendedTransfer:
		s.commandTransfer(cmd.Target, false)
	case OpConferenceAdd:
		s.conferenceAdd(cmd.Target)
	case OpPark:
		s.park()
	}
}

func (s *Session) hangup() {
	st := s.State()
	if st == StateTrying || st == StateRinging {
		s.cancelRingingLegs()
		s.respondCaller(487, "Request Terminated")
		s.setLegState(0, LegTerminated)
		s.finish(false, "cancelled")
		return
	}
	s.finish(false, s.endDisposition())
}

func (s *Session) holdAll() {
	if s.State() != StateAnswered {
		return
	}
	if err := s.transition(evHold); err != nil {
		s.invariantViolation("hold command", err)
		return
	}
	for _, id := range s.liveLegs() {
		leg := s.leg(id)
		if leg.State != LegAnswered {
			continue
		}
		hold, err := sdp.BuildOffer(s.deps.Caps, s.deps.MediaIP, s.deps.MediaPort, sdp.SendOnly)
		if err == nil {
			if err := s.deps.Transport.Reinvite(*leg, hold); err != nil {
				s.logger.Debug("hold reinvite", "leg", leg.ID, "error", err)
			}
			s.setLegState(leg.ID, LegHeld)
		}
	}
	s.emit(event.TypeCallHeld, "")
}

func (s *Session) resumeAll() {
	if s.State() != StateOnHold {
		return
	}
	if err := s.transition(evResume); err != nil {
		s.invariantViolation("resume command", err)
		return
	}
	for _, id := range s.liveLegs() {
		leg := s.leg(id)
		if leg.State != LegHeld {
			continue
		}
		resume, err := sdp.BuildOffer(s.deps.Caps, s.deps.MediaIP, s.deps.MediaPort, sdp.SendRecv)
		if err == nil {
			if err := s.deps.Transport.Reinvite(*leg, resume); err != nil {
				s.logger.Debug("resume reinvite", "leg", leg.ID, "error", err)
			}
			s.setLegState(leg.ID, LegAnswered)
		}
	}
	s.setParked(false)
	s.emit(event.TypeCallResumed, "")
}

// commandTransfer transfers the remote party: the caller leg survives,
// the answered callee leg is replaced by the target.
func (s *Session) commandTransfer(target string, blind bool) {
	st := s.State()
	if st != StateAnswered && st != StateOnHold {
		s.logger.Warn("transfer command in invalid state", "state", string(st))
		return
	}
	var victim LegID = -1
	for _, id := range s.liveLegsExcept(0) {
		victim = id
		break
	}
	if victim < 0 {
		s.logger.Warn("transfer command with no transferable leg")
		return
	}
	s.startTransfer(victim, target, blind)
}

func (s *Session) conferenceAdd(target string) {
	st := s.State()
	if st != StateAnswered && st != StateConferenced {
		s.logger.Warn("conference command in invalid state", "state", string(st))
		return
	}
	contacts := s.deps.Router.TargetsFor(target)
	if len(contacts) == 0 {
		s.logger.Warn("conference target unreachable", "target", target)
		return
	}
	s.dialContact(contacts[0], RoleConference)
}

// park holds every leg and flags the session as parked; a resume
// command retrieves it.
func (s *Session) park() {
	if s.State() != StateAnswered {
		return
	}
	s.holdAll()
	s.setParked(true)
	s.emit(event.TypeCallParked, "")
}

// setParked flags the session as parked under mu so Snapshot can tell
// parked calls apart from ordinary holds.
func (s *Session) setParked(parked bool) {
	s.mu.Lock()
	s.parked = parked
	s.mu.Unlock()
}

func (s *Session) respondCaller(status int, reason string) {
	caller := s.leg(0)
	if caller == nil || caller.State == LegAnswered || caller.State == LegTerminated {
		return
	}
	if err := s.deps.Transport.Respond(*caller, status, reason, nil); err != nil {
		s.logger.Warn("responding to caller failed",
			"status", status,
			"error", err,
		)
	}
	if status >= 300 {
		s.setLegState(caller.ID, LegTerminated)
	}
}

func (s *Session) endDisposition() string {
	if !s.answerTimeZero() {
		return "answered"
	}
	return "no_answer"
}

func (s *Session) answerTimeZero() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answerTime.IsZero()
}

// finish tears the session down: timers stopped, live legs hung up or
// cancelled, terminal state entered, final event emitted.
func (s *Session) finish(failed bool, disposition string) {
	if s.terminated() {
		return
	}
	s.stopTimers()
	if s.vmCancel != nil {
		s.vmCancel()
		s.vmCancel = nil
	}

	for _, id := range s.liveLegs() {
		leg := s.leg(id)
		switch leg.State {
		case LegAnswered, LegHeld:
			if err := s.deps.Transport.Bye(*leg); err != nil {
				s.logger.Debug("bye on teardown", "leg", leg.ID, "error", err)
			}
		case LegTrying, LegRinging:
			if leg.Role == RoleCaller {
				code, reason := terminalStatus(disposition)
				s.deps.Transport.Respond(*leg, code, reason, nil)
			} else {
				if err := s.deps.Transport.Cancel(*leg); err != nil {
					s.logger.Debug("cancel on teardown", "leg", leg.ID, "error", err)
				}
			}
		}
		s.setLegState(leg.ID, LegTerminated)
	}

	s.mu.Lock()
	s.failed = failed
	s.disposition = disposition
	s.endTime = time.Now()
	s.mu.Unlock()

	if err := s.transition(evTerminate); err != nil {
		// Only possible from TERMINATED itself, which the guard above
		// already excluded.
		s.logger.Error("terminate transition", "error", err)
	}

	evType := event.TypeCallEnded
	if failed {
		evType = event.TypeCallFailed
	}
	s.emit(evType, disposition)
	s.logger.Info("session ended",
		"disposition", disposition,
		"failed", failed,
		"duration", s.Duration().String(),
	)
	close(s.done)
}

// Duration is wall time from session start to end (or now).
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.endTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.startTime)
}

// BillableDuration is time from answer to end; zero for unanswered
// calls.
func (s *Session) BillableDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answerTime.IsZero() {
		return 0
	}
	end := s.endTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.answerTime)
}

func (s *Session) emit(t event.Type, disposition string) {
	s.mu.Lock()
	ev := event.Event{
		Type:        t,
		Timestamp:   time.Now(),
		SessionID:   s.ID,
		CallID:      s.CallID,
		Direction:   string(s.Direction),
		CallerName:  s.CallerName,
		CallerNum:   s.CallerNum,
		CalledNum:   s.CalledNum,
		Disposition: disposition,
		StartTime:   s.startTime,
		AnswerTime:  s.answerTime,
		EndTime:     s.endTime,
	}
	if s.trunkInUse != nil {
		ev.TrunkName = s.trunkInUse.Name
	}
	s.mu.Unlock()
	ev.Duration = s.Duration()
	ev.BillableDur = s.BillableDuration()
	s.deps.Sink.Record(ev)
}

// Snapshot is a read-only view for the ops surface.
type Snapshot struct {
	ID          string    `json:"id"`
	CallID      string    `json:"call_id"`
	State       string    `json:"state"`
	Direction   string    `json:"direction"`
	CallerNum   string    `json:"caller"`
	CalledNum   string    `json:"called"`
	Legs        int       `json:"legs"`
	Parked      bool      `json:"parked,omitempty"`
	StartTime   time.Time `json:"start_time"`
	Codec       string    `json:"codec,omitempty"`
	Disposition string    `json:"disposition,omitempty"`
}

// Snapshot returns the session's current observable state. Safe to
// call from any goroutine.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := 0
	for i := range s.legs {
		if s.legs[i].live() {
			live++
		}
	}
	snap := Snapshot{
		ID:          s.ID,
		CallID:      s.CallID,
		State:       s.machine.Current(),
		Direction:   string(s.Direction),
		CallerNum:   s.CallerNum,
		CalledNum:   s.CalledNum,
		Legs:        live,
		Parked:      s.parked,
		StartTime:   s.startTime,
		Disposition: s.disposition,
	}
	if s.negotiated != nil {
		snap.Codec = s.negotiated.Codec.Name
	}
	return snap
}

// calleeFailure reports whether a status means the far end itself
// declined, in which case trying another trunk cannot help.
func calleeFailure(status int) bool {
	switch status {
	case 486, 600, 603:
		return true
	}
	return false
}

// mapTrunkFailure converts a carrier-side failure into the status the
// caller should see.
func mapTrunkFailure(status int) (int, string) {
	switch {
	case status == 403:
		return 403, "Forbidden"
	case status == 404:
		return 404, "Not Found"
	case status == 480:
		return 480, "Temporarily Unavailable"
	case status == 486 || status == 600:
		return 486, "Busy Here"
	case status == 487:
		return 487, "Request Terminated"
	case status == 488:
		return 488, "Not Acceptable Here"
	case status == 503:
		return 503, "Service Unavailable"
	case status >= 400 && status < 500:
		return 503, "Service Unavailable"
	case status >= 500:
		return 502, "Bad Gateway"
	default:
		return 503, "Service Unavailable"
	}
}

// terminalStatus picks the final response for an unanswered caller leg
// at teardown.
func terminalStatus(disposition string) (int, string) {
	switch disposition {
	case "busy", "dnd":
		return 486, "Busy Here"
	case "cancelled":
		return 487, "Request Terminated"
	case "no_codec":
		return 488, "Not Acceptable Here"
	case "not_found":
		return 404, "Not Found"
	case "forward_loop":
		return 482, "Loop Detected"
	case "forbidden":
		return 403, "Forbidden"
	case "no_trunk", "trunk_failed":
		return 503, "Service Unavailable"
	case "no_answer", "max_duration":
		return 480, "Temporarily Unavailable"
	default:
		return 500, "Server Internal Error"
	}
}

func newSession(m *Manager, p StartParams) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		CallID:     p.CallID,
		Direction:  p.Direction,
		CallerName: p.CallerName,
		CallerNum:  p.CallerNum,
		CalledNum:  p.CalledNum,
		callerExt:  p.CallerExt,
		deps:       &m.deps,
		manager:    m,
		machine:    newMachine(),
		inbox:      make(chan Input, 32),
		done:       make(chan struct{}),
		startTime:  time.Now(),
	}
	s.logger = m.deps.Logger.With(
		"subsystem", "session",
		"session_id", s.ID,
		"call_id", s.CallID,
	)
	// Leg 0 is always the originating caller.
	id := s.newLeg(RoleCaller, p.CallerNum)
	leg := s.leg(id)
	leg.RemoteTag = p.RemoteTag
	leg.RemoteContact = p.RemoteContact
	leg.RemoteSDP = p.Offer
	return s
}
