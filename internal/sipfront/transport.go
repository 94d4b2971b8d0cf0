package sipfront

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/telaris/telaris/internal/session"
	"github.com/telaris/telaris/internal/trunk"
)

const (
	inviteTimeout   = 90 * time.Second
	reinviteTimeout = 10 * time.Second
)

// Dispatcher routes session inputs by session Call-ID. Satisfied by
// session.Manager.
type Dispatcher interface {
	Dispatch(callID string, in session.Input) bool
}

type legKey struct {
	callID string
	leg    session.LegID
}

// inboundLeg is a dialog where the remote party sent us the INVITE.
type inboundLeg struct {
	req *sip.Request
	tx  sip.ServerTransaction
}

// outboundLeg is a dialog we originated. Each outbound leg gets its own
// wire Call-ID; byWire maps it back to the owning session.
type outboundLeg struct {
	req        *sip.Request
	res        *sip.Response // 2xx once answered
	tx         sip.ClientTransaction
	wireCallID string
	cancelWait context.CancelFunc
}

// Wire executes session signaling over a sipgo client and tracks the
// per-leg transaction state the session layer deliberately does not
// hold.
type Wire struct {
	client     *sipgo.Client
	externalIP string
	sipPort    int
	logger     *slog.Logger
	dispatcher Dispatcher

	mu        sync.Mutex
	inbound   map[legKey]*inboundLeg
	outbound  map[legKey]*outboundLeg
	pendingTx map[legKey]*inboundLeg
	byWire    map[string]legKey
}

// NewWire creates the transport. The dispatcher is attached later with
// SetDispatcher because the session manager needs the transport first.
func NewWire(client *sipgo.Client, externalIP string, sipPort int, logger *slog.Logger) *Wire {
	return &Wire{
		client:     client,
		externalIP: externalIP,
		sipPort:    sipPort,
		logger:     logger.With("subsystem", "wire"),
		inbound:    make(map[legKey]*inboundLeg),
		outbound:   make(map[legKey]*outboundLeg),
		pendingTx:  make(map[legKey]*inboundLeg),
		byWire:     make(map[string]legKey),
	}
}

func (w *Wire) SetDispatcher(d Dispatcher) { w.dispatcher = d }

// BindCaller records the originating INVITE so the session can respond
// on it later. The caller leg is always leg 0.
func (w *Wire) BindCaller(sessionCallID string, req *sip.Request, tx sip.ServerTransaction) {
	key := legKey{callID: sessionCallID, leg: 0}
	w.mu.Lock()
	w.inbound[key] = &inboundLeg{req: req, tx: tx}
	w.byWire[sessionCallID] = key
	w.mu.Unlock()
}

// BindPending stores an in-dialog server transaction (re-INVITE) that
// the session will answer through Respond.
func (w *Wire) BindPending(sessionCallID string, leg session.LegID, req *sip.Request, tx sip.ServerTransaction) {
	w.mu.Lock()
	w.pendingTx[legKey{callID: sessionCallID, leg: leg}] = &inboundLeg{req: req, tx: tx}
	w.mu.Unlock()
}

// Lookup resolves a wire Call-ID to the owning session leg.
func (w *Wire) Lookup(wireCallID string) (string, session.LegID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key, ok := w.byWire[wireCallID]
	return key.callID, key.leg, ok
}

// Release drops all transaction state for a session once it has
// terminated.
func (w *Wire) Release(sessionCallID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key := range w.inbound {
		if key.callID == sessionCallID {
			delete(w.inbound, key)
		}
	}
	for key, out := range w.outbound {
		if key.callID == sessionCallID {
			delete(w.byWire, out.wireCallID)
			delete(w.outbound, key)
		}
	}
	for key := range w.pendingTx {
		if key.callID == sessionCallID {
			delete(w.pendingTx, key)
		}
	}
	delete(w.byWire, sessionCallID)
}

// Respond answers the pending transaction on a leg: an in-dialog
// request if one is waiting, otherwise the original INVITE.
func (w *Wire) Respond(leg session.Leg, status int, reason string, body []byte) error {
	key := legKey{callID: leg.CallID, leg: leg.ID}

	w.mu.Lock()
	if pending, ok := w.pendingTx[key]; ok {
		delete(w.pendingTx, key)
		w.mu.Unlock()
		return respondTx(pending, status, reason, body)
	}
	in, ok := w.inbound[key]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("no transaction for leg %d of %s", leg.ID, leg.CallID)
	}
	return respondTx(in, status, reason, body)
}

func respondTx(in *inboundLeg, status int, reason string, body []byte) error {
	res := sip.NewResponseFromRequest(in.req, status, reason, body)
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	return in.tx.Respond(res)
}

// Ack confirms a 2xx on an outbound leg.
func (w *Wire) Ack(leg session.Leg) error {
	out, err := w.outboundFor(leg)
	if err != nil {
		return err
	}
	if out.res == nil {
		return fmt.Errorf("ack before final response on leg %d", leg.ID)
	}
	ack := buildACKFor2xx(out.req, out.res)
	return w.client.WriteRequest(ack)
}

// Bye hangs up an answered leg, whichever side originated it.
func (w *Wire) Bye(leg session.Leg) error {
	key := legKey{callID: leg.CallID, leg: leg.ID}

	w.mu.Lock()
	out, isOut := w.outbound[key]
	in, isIn := w.inbound[key]
	w.mu.Unlock()

	var bye *sip.Request
	switch {
	case isOut:
		bye = buildInDialogRequest(sip.BYE, out.req, out.res, nil)
	case isIn:
		bye = buildReverseRequest(sip.BYE, in.req, nil)
	default:
		return fmt.Errorf("no dialog state for leg %d of %s", leg.ID, leg.CallID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := w.client.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()
	if _, err := getResponse(ctx, tx); err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	return nil
}

// Cancel aborts a ringing outbound leg.
func (w *Wire) Cancel(leg session.Leg) error {
	out, err := w.outboundFor(leg)
	if err != nil {
		return err
	}
	if out.cancelWait != nil {
		out.cancelWait()
	}

	cancelReq := sip.NewRequest(sip.CANCEL, out.req.Recipient)
	cancelReq.SetTransport(out.req.Transport())
	if cid := out.req.CallID(); cid != nil {
		cancelReq.AppendHeader(sip.NewHeader("Call-ID", cid.Value()))
	}
	tx, err := w.client.TransactionRequest(context.Background(), cancelReq, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending cancel: %w", err)
	}
	tx.Terminate()
	return nil
}

// Reinvite sends an in-dialog offer and waits briefly for the answer.
func (w *Wire) Reinvite(leg session.Leg, body []byte) error {
	key := legKey{callID: leg.CallID, leg: leg.ID}

	w.mu.Lock()
	out, isOut := w.outbound[key]
	in, isIn := w.inbound[key]
	w.mu.Unlock()

	var req *sip.Request
	switch {
	case isOut:
		req = buildInDialogRequest(sip.INVITE, out.req, out.res, body)
	case isIn:
		req = buildReverseRequest(sip.INVITE, in.req, body)
	default:
		return fmt.Errorf("no dialog state for leg %d of %s", leg.ID, leg.CallID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), reinviteTimeout)
	defer cancel()
	tx, err := w.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending reinvite: %w", err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for reinvite response: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("reinvite rejected with %d %s", res.StatusCode, res.Reason)
	}
	if res.StatusCode >= 200 {
		ack := buildACKFor2xx(req, res)
		if err := w.client.WriteRequest(ack); err != nil {
			return fmt.Errorf("acking reinvite: %w", err)
		}
	}
	return nil
}

// DialContact places an INVITE to a registered contact and pumps its
// responses into the session inbox.
func (w *Wire) DialContact(sessionCallID string, leg session.Leg, offer []byte) error {
	var recipient sip.Uri
	if err := sip.ParseUri(strings.Trim(leg.RemoteURI, "<>"), &recipient); err != nil {
		return fmt.Errorf("parsing contact uri %q: %w", leg.RemoteURI, err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetBody(offer)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	wireCallID := uuid.NewString()
	req.AppendHeader(sip.NewHeader("Call-ID", wireCallID))

	return w.sendInvite(sessionCallID, leg, req, wireCallID, nil)
}

// DialTrunk places an INVITE through a carrier trunk, handling digest
// challenges with the trunk's credentials.
func (w *Wire) DialTrunk(sessionCallID string, leg session.Leg, tr *trunk.Trunk, number string, offer []byte) error {
	target, ok := tr.CurrentTarget()
	if !ok {
		return fmt.Errorf("trunk %s has no resolved target", tr.Name)
	}

	recipientStr := fmt.Sprintf("sip:%s@%s", number, target.Addr())
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing trunk uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(target.Transport))
	req.SetBody(offer)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	wireCallID := uuid.NewString()
	req.AppendHeader(sip.NewHeader("Call-ID", wireCallID))

	creds := &trunkCreds{
		username: tr.Username,
		password: tr.Password,
		host:     target.Addr(),
	}
	return w.sendInvite(sessionCallID, leg, req, wireCallID, creds)
}

type trunkCreds struct {
	username string
	password string
	host     string
}

// sendInvite registers the leg, fires the INVITE, and runs the response
// pump on its own goroutine.
func (w *Wire) sendInvite(sessionCallID string, leg session.Leg, req *sip.Request, wireCallID string, creds *trunkCreds) error {
	ctx, cancel := context.WithTimeout(context.Background(), inviteTimeout)

	tx, err := w.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		cancel()
		return fmt.Errorf("sending invite: %w", err)
	}

	key := legKey{callID: sessionCallID, leg: leg.ID}
	out := &outboundLeg{req: req, tx: tx, wireCallID: wireCallID, cancelWait: cancel}
	w.mu.Lock()
	w.outbound[key] = out
	w.byWire[wireCallID] = key
	w.mu.Unlock()

	go w.pumpResponses(ctx, cancel, sessionCallID, leg.ID, out, creds)
	return nil
}

// pumpResponses forwards trunk/extension responses into the session
// inbox until a final response arrives.
func (w *Wire) pumpResponses(ctx context.Context, cancel context.CancelFunc, sessionCallID string, legID session.LegID, out *outboundLeg, creds *trunkCreds) {
	defer cancel()
	authRetried := false

	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			out.tx.Terminate()
			return
		case <-out.tx.Done():
			out.tx.Terminate()
			err := out.tx.Err()
			if err == nil {
				err = fmt.Errorf("transaction ended without final response")
			}
			w.dispatcher.Dispatch(sessionCallID, session.DialFailed{LegID: legID, Err: err})
			return
		case res = <-out.tx.Responses():
		}

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode < 200:
			w.dispatcher.Dispatch(sessionCallID, session.Provisional{
				LegID:  legID,
				Status: int(res.StatusCode),
			})

		case res.StatusCode == 401 || res.StatusCode == 407:
			if creds == nil || authRetried {
				w.dispatcher.Dispatch(sessionCallID, session.Final{
					LegID:  legID,
					Status: int(res.StatusCode),
					Reason: res.Reason,
				})
				return
			}
			authRetried = true
			out.tx.Terminate()
			authReq, authTx, err := w.resendWithAuth(ctx, out.req, res, creds)
			if err != nil {
				w.dispatcher.Dispatch(sessionCallID, session.DialFailed{LegID: legID, Err: err})
				return
			}
			w.mu.Lock()
			out.req = authReq
			out.tx = authTx
			w.mu.Unlock()

		case res.StatusCode < 300:
			w.mu.Lock()
			out.res = res
			w.mu.Unlock()
			remoteTag := ""
			if to := res.To(); to != nil {
				if tag, ok := to.Params.Get("tag"); ok {
					remoteTag = tag
				}
			}
			remoteContact := ""
			if c := res.Contact(); c != nil {
				remoteContact = c.Address.String()
			}
			w.dispatcher.Dispatch(sessionCallID, session.Final{
				LegID:         legID,
				Status:        int(res.StatusCode),
				Reason:        res.Reason,
				Body:          res.Body(),
				RemoteTag:     remoteTag,
				RemoteContact: remoteContact,
			})
			return

		default:
			out.tx.Terminate()
			w.dispatcher.Dispatch(sessionCallID, session.Final{
				LegID:  legID,
				Status: int(res.StatusCode),
				Reason: res.Reason,
			})
			return
		}
	}
}

// resendWithAuth answers a digest challenge with the trunk credentials
// and re-sends the INVITE.
func (w *Wire) resendWithAuth(ctx context.Context, origReq *sip.Request, challenge *sip.Response, creds *trunkCreds) (*sip.Request, sip.ClientTransaction, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, nil, fmt.Errorf("challenge %d without %s header", challenge.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	uri := fmt.Sprintf("sip:%s@%s", origReq.Recipient.User, creds.host)
	cred, err := digest.Digest(chal, digest.Options{
		Method:   origReq.Method.String(),
		URI:      uri,
		Username: creds.username,
		Password: creds.password,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := origReq.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	authTx, err := w.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("re-sending authenticated invite: %w", err)
	}
	return authReq, authTx, nil
}

func (w *Wire) outboundFor(leg session.Leg) (*outboundLeg, error) {
	key := legKey{callID: leg.CallID, leg: leg.ID}
	w.mu.Lock()
	defer w.mu.Unlock()
	out, ok := w.outbound[key]
	if !ok {
		return nil, fmt.Errorf("no outbound dialog for leg %d of %s", leg.ID, leg.CallID)
	}
	return out, nil
}

// buildInDialogRequest constructs a follow-up request on a dialog we
// originated, reusing the INVITE's identity headers and bumping CSeq.
func buildInDialogRequest(method sip.RequestMethod, inviteReq *sip.Request, inviteRes *sip.Response, body []byte) *sip.Request {
	recipient := inviteReq.Recipient
	if inviteRes != nil {
		if contact := inviteRes.Contact(); contact != nil {
			recipient = contact.Address
		}
	}

	req := sip.NewRequest(method, *recipient.Clone())
	req.SetTransport(inviteReq.Transport())

	if h := inviteReq.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if inviteRes != nil {
		if h := inviteRes.To(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
	} else if h := inviteReq.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if cs := inviteReq.CSeq(); cs != nil {
		next := sip.CSeqHeader{SeqNo: cs.SeqNo + 1, MethodName: method}
		req.AppendHeader(&next)
	}
	if len(body) > 0 {
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	return req
}

// buildReverseRequest constructs a request toward the party that sent
// us the INVITE, swapping From and To.
func buildReverseRequest(method sip.RequestMethod, inviteReq *sip.Request, body []byte) *sip.Request {
	recipient := inviteReq.Recipient
	if contact := inviteReq.Contact(); contact != nil {
		recipient = contact.Address
	}

	req := sip.NewRequest(method, *recipient.Clone())
	req.SetTransport(inviteReq.Transport())

	// Our side was the To of the original INVITE, theirs the From.
	if to := inviteReq.To(); to != nil {
		from := sip.FromHeader{
			DisplayName: to.DisplayName,
			Address:     *to.Address.Clone(),
			Params:      sip.HeaderParams{},
		}
		if tag, ok := to.Params.Get("tag"); ok {
			from.Params.Add("tag", tag)
		}
		req.AppendHeader(&from)
	}
	if from := inviteReq.From(); from != nil {
		to := sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     *from.Address.Clone(),
			Params:      sip.HeaderParams{},
		}
		if tag, ok := from.Params.Get("tag"); ok {
			to.Params.Add("tag", tag)
		}
		req.AppendHeader(&to)
	}
	if h := inviteReq.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	next := sip.CSeqHeader{SeqNo: 1, MethodName: method}
	req.AppendHeader(&next)

	if len(body) > 0 {
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	return req
}

// buildACKFor2xx constructs the ACK confirming a 2xx response on a
// dialog we originated.
func buildACKFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	return ack
}

// getResponse waits for the first response on a client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}
