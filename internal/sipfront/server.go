// Package sipfront adapts the sipgo SIP stack to the call engine: it
// authenticates and registers endpoints, turns INVITEs into sessions,
// and feeds in-dialog traffic to the owning session's inbox. All
// method dispatch is fixed at startup.
package sipfront

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/telaris/telaris/internal/registry"
	"github.com/telaris/telaris/internal/session"
	"github.com/telaris/telaris/internal/trunk"
)

// Options configures the SIP listeners.
type Options struct {
	SIPPort    int
	SIPTLSPort int
	TLSCert    string
	TLSKey     string
	ExternalIP string
	UserAgent  string
}

// Server wraps the sipgo stack with the Telaris handlers.
type Server struct {
	opts      Options
	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	client    *sipgo.Client
	wire      *Wire
	registrar *Registrar
	auth      *Authenticator
	directory *registry.Registry
	trunks    *trunk.Manager
	sessions  *session.Manager
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewServer builds the SIP front end. The trunk manager and session
// manager are attached afterwards with SetTrunks and SetSessions: the
// trunk prober needs this server's client, and the session manager
// needs its Wire as transport.
func NewServer(opts Options, directory *registry.Registry, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "sip")

	if opts.UserAgent == "" {
		opts.UserAgent = "Telaris"
	}
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(opts.UserAgent),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger.With("subsystem", "client")),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	guard := NewRateGuard(0, 0)
	auth := NewAuthenticator(directory, guard, logger)
	registrar := NewRegistrar(directory, auth, logger)
	wire := NewWire(client, opts.ExternalIP, opts.SIPPort, logger)

	s := &Server{
		opts:      opts,
		ua:        ua,
		srv:       srv,
		client:    client,
		wire:      wire,
		registrar: registrar,
		auth:      auth,
		directory: directory,
		logger:    logger,
	}

	srv.OnInvite(s.handleInvite)
	srv.OnRegister(registrar.HandleRegister)
	srv.OnBye(s.handleBye)
	srv.OnCancel(s.handleCancel)
	srv.OnAck(s.handleAck)
	srv.OnOptions(s.handleOptions)
	srv.OnInfo(s.handleInfo)
	srv.OnRefer(s.handleRefer)

	return s, nil
}

// Wire returns the transport for wiring into session.Deps.
func (s *Server) Wire() *Wire { return s.wire }

// Client exposes the sipgo client for the trunk prober and registrar.
func (s *Server) Client() *sipgo.Client { return s.client }

// SetTrunks attaches the trunk manager used to classify inbound calls.
func (s *Server) SetTrunks(trunks *trunk.Manager) { s.trunks = trunks }

// SetSessions attaches the session manager and completes the dispatch
// loop.
func (s *Server) SetSessions(mgr *session.Manager) {
	s.sessions = mgr
	s.wire.SetDispatcher(mgr)
}

// Start brings up the UDP and TCP listeners, plus TLS when configured,
// and the registration sweeper.
func (s *Server) Start(ctx context.Context) error {
	if s.sessions == nil {
		return fmt.Errorf("session manager not attached")
	}
	if s.trunks == nil {
		return fmt.Errorf("trunk manager not attached")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", s.opts.SIPPort)
	for _, transport := range []string{"udp", "tcp"} {
		transport := transport
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip listener starting", "transport", transport, "addr", addr)
			if err := s.srv.ListenAndServe(ctx, transport, addr); err != nil {
				s.logger.Error("sip listener stopped", "transport", transport, "error", err)
			}
		}()
	}

	if s.opts.TLSCert != "" && s.opts.TLSKey != "" {
		tlsAddr := fmt.Sprintf("0.0.0.0:%d", s.opts.SIPTLSPort)
		cert, err := tls.LoadX509KeyPair(s.opts.TLSCert, s.opts.TLSKey)
		if err != nil {
			s.cancel()
			return fmt.Errorf("loading tls certificate: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip tls listener starting", "addr", tlsAddr)
			if err := s.srv.ListenAndServeTLS(ctx, "tls", tlsAddr, tlsCfg); err != nil {
				s.logger.Error("sip tls listener stopped", "error", err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registrar.RunSweeper(ctx)
	}()

	return nil
}

// Stop shuts down the listeners and releases the SIP stack.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.client.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// handleInvite turns an initial INVITE into a session, or routes an
// in-dialog re-INVITE to its session.
func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	if callID == "" {
		s.respondError(req, tx, 400, "Bad Request")
		return
	}

	// A To tag means in-dialog.
	if to := req.To(); to != nil {
		if _, hasTag := to.Params.Get("tag"); hasTag {
			s.handleReinvite(callID, req, tx)
			return
		}
	}

	var (
		direction session.Direction
		callerExt registry.Extension
		callerNum string
		callerNam string
	)
	if trunkName, fromTrunk := s.trunkSource(req); fromTrunk {
		direction = session.DirectionInbound
		callerNum = req.From().Address.User
		callerNam = req.From().DisplayName
		s.logger.Info("inbound trunk call",
			"trunk", trunkName,
			"caller", callerNum,
			"called", req.Recipient.User,
		)
	} else {
		ext, ok := s.auth.Authenticate(req, tx)
		if !ok {
			return
		}
		direction = session.DirectionInternal
		callerExt = ext
		callerNum = ext.Number
		callerNam = ext.DisplayName
	}

	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		s.logger.Error("failed to send 100 trying", "call_id", callID, "error", err)
		return
	}

	remoteTag := ""
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			remoteTag = tag
		}
	}
	remoteContact := ""
	if c := req.Contact(); c != nil {
		remoteContact = c.Address.String()
	}

	s.wire.BindCaller(callID, req, tx)

	sess, err := s.sessions.Start(session.StartParams{
		CallID:        callID,
		Direction:     direction,
		CallerName:    callerNam,
		CallerNum:     callerNum,
		CalledNum:     req.Recipient.User,
		CallerExt:     callerExt,
		RemoteTag:     remoteTag,
		RemoteContact: remoteContact,
		Offer:         req.Body(),
	})
	if err != nil {
		s.wire.Release(callID)
		switch err {
		case session.ErrSessionExists:
			s.respondError(req, tx, 482, "Loop Detected")
		case session.ErrAtCapacity:
			s.respondError(req, tx, 503, "Service Unavailable")
		default:
			s.respondError(req, tx, 500, "Server Internal Error")
		}
		return
	}

	// Drop the transaction state once the session is gone.
	go func() {
		<-sess.Done()
		s.wire.Release(callID)
	}()
}

func (s *Server) handleReinvite(wireCallID string, req *sip.Request, tx sip.ServerTransaction) {
	sessionID, legID, ok := s.wire.Lookup(wireCallID)
	if !ok {
		s.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.wire.BindPending(sessionID, legID, req, tx)
	if !s.sessions.Dispatch(sessionID, session.RemoteReinvite{LegID: legID, Body: req.Body()}) {
		s.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
	}
}

func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	wireCallID := ""
	if cid := req.CallID(); cid != nil {
		wireCallID = cid.Value()
	}
	sessionID, legID, ok := s.wire.Lookup(wireCallID)
	if !ok {
		s.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to bye", "error", err)
	}
	s.sessions.Dispatch(sessionID, session.RemoteBye{LegID: legID})
}

func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	wireCallID := ""
	if cid := req.CallID(); cid != nil {
		wireCallID = cid.Value()
	}
	sessionID, legID, ok := s.wire.Lookup(wireCallID)
	if !ok {
		s.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to cancel", "error", err)
	}
	s.sessions.Dispatch(sessionID, session.RemoteCancel{LegID: legID})
}

// handleAck absorbs the ACK confirming our 200 to the caller. Dialogs
// are tracked by the session layer; nothing more to do here.
func (s *Server) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip ack received",
		"call_id", headerValue(req.CallID()),
		"source", req.Source(),
	)
}

// handleOptions answers keepalive pings from phones and trunks.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, REGISTER, OPTIONS, INFO, REFER"))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo detects out-of-band DTMF and forwards the digit to the
// session.
func (s *Server) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	defer func() {
		if err := tx.Respond(res); err != nil {
			s.logger.Error("failed to respond to info", "error", err)
		}
	}()

	ct := req.ContentType()
	if ct == nil {
		return
	}
	info, err := parseInfoDTMF(ct.Value(), req.Body())
	if err != nil {
		s.logger.Debug("sip info without dtmf payload",
			"content_type", ct.Value(),
			"error", err,
		)
		return
	}

	wireCallID := headerValue(req.CallID())
	if sessionID, legID, ok := s.wire.Lookup(wireCallID); ok {
		s.sessions.Dispatch(sessionID, session.RemoteInfo{LegID: legID, Digit: info.Signal})
	}
	s.logger.Debug("sip info dtmf received",
		"signal", info.Signal,
		"duration", info.Duration,
		"call_id", wireCallID,
	)
}

// handleRefer starts a transfer on behalf of the referring party.
func (s *Server) handleRefer(req *sip.Request, tx sip.ServerTransaction) {
	wireCallID := headerValue(req.CallID())
	sessionID, legID, ok := s.wire.Lookup(wireCallID)
	if !ok {
		s.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	referTo := req.GetHeader("Refer-To")
	if referTo == nil {
		s.respondError(req, tx, 400, "Bad Request")
		return
	}
	target, attended := parseReferTo(referTo.Value())
	if target == "" {
		s.respondError(req, tx, 400, "Bad Request")
		return
	}

	res := sip.NewResponseFromRequest(req, 202, "Accepted", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to refer", "error", err)
		return
	}
	s.sessions.Dispatch(sessionID, session.RemoteRefer{
		LegID:    legID,
		Target:   target,
		Attended: attended,
	})
}

// parseReferTo extracts the transfer target user from a Refer-To value.
// A Replaces parameter marks the transfer attended.
func parseReferTo(value string) (target string, attended bool) {
	attended = strings.Contains(value, "Replaces=") || strings.Contains(value, "?Replaces")

	v := strings.TrimSpace(value)
	v = strings.Trim(v, "<>")
	if i := strings.Index(v, "?"); i >= 0 {
		v = v[:i]
	}
	var uri sip.Uri
	if err := sip.ParseUri(v, &uri); err != nil {
		return "", attended
	}
	return uri.User, attended
}

// trunkSource reports whether a request originates from a configured
// trunk's signaling address.
func (s *Server) trunkSource(req *sip.Request) (string, bool) {
	host := req.Source()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	for _, st := range s.trunks.Snapshot() {
		for _, target := range st.Targets {
			if target.Host == host {
				return st.Name, true
			}
		}
	}
	return "", false
}

func headerValue(h *sip.CallIDHeader) string {
	if h == nil {
		return ""
	}
	return h.Value()
}

func (s *Server) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}
