package sipfront

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/telaris/telaris/internal/registry"
)

// Registrar handles SIP REGISTER requests: authenticate, store the
// contact binding in the extension registry, answer with the granted
// expiry.
type Registrar struct {
	directory *registry.Registry
	auth      *Authenticator
	logger    *slog.Logger
}

func NewRegistrar(directory *registry.Registry, auth *Authenticator, logger *slog.Logger) *Registrar {
	return &Registrar{
		directory: directory,
		auth:      auth,
		logger:    logger.With("subsystem", "registrar"),
	}
}

// HandleRegister processes an incoming REGISTER.
func (r *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	r.logger.Debug("register request received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	ext, ok := r.auth.Authenticate(req, tx)
	if !ok {
		return
	}

	contact := req.Contact()
	if contact == nil {
		r.logger.Warn("register missing contact header",
			"extension", ext.Number,
			"source", req.Source(),
		)
		r.respondError(req, tx, 400, "Bad Request")
		return
	}

	requested := parseExpiry(req)

	// Un-register: Expires 0 or Contact: *.
	if requested == 0 || contact.Address.Wildcard {
		if contact.Address.Wildcard {
			r.directory.UnregisterAll(ext.Number)
			r.logger.Info("all registrations removed", "extension", ext.Number)
		} else {
			r.directory.Unregister(ext.Number, contact.Address.String())
			r.logger.Info("registration removed",
				"extension", ext.Number,
				"contact", contact.Address.String(),
			)
		}
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		if err := tx.Respond(res); err != nil {
			r.logger.Error("failed to send unregister response", "error", err)
		}
		return
	}

	sourceIP, sourcePort := parseSource(req)
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	var cseq uint32
	if cs := req.CSeq(); cs != nil {
		cseq = cs.SeqNo
	}
	userAgent := ""
	if ua := req.GetHeader("User-Agent"); ua != nil {
		userAgent = ua.Value()
	}

	binding := registry.Contact{
		Extension:  ext.Number,
		URI:        contact.Address.String(),
		Transport:  parseTransport(req),
		SourceIP:   sourceIP,
		SourcePort: sourcePort,
		UserAgent:  userAgent,
		CallID:     callID,
		CSeq:       cseq,
	}

	granted, err := r.directory.Register(binding, requested)
	if err != nil {
		if errors.Is(err, registry.ErrMaxContacts) {
			r.logger.Warn("max registrations exceeded",
				"extension", ext.Number,
				"max", ext.MaxRegistrations,
			)
			r.respondError(req, tx, 403, "Forbidden")
			return
		}
		r.logger.Error("failed to store registration",
			"extension", ext.Number,
			"error", err,
		)
		r.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	r.logger.Info("extension registered",
		"extension", ext.Number,
		"contact", binding.URI,
		"transport", binding.Transport,
		"expires", granted,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{Address: contact.Address})
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(granted)))
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send register response", "error", err)
	}
}

// RunSweeper drives the registry expiry sweep and housekeeping for the
// authenticator's nonce and rate-guard state.
func (r *Registrar) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	r.logger.Info("registration sweeper started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registration sweeper stopped")
			return
		case <-ticker.C:
			if removed := r.directory.Sweep(); removed > 0 {
				r.logger.Info("expired registrations swept", "count", removed)
			}
			r.auth.CleanExpiredNonces()
		}
	}
}

// parseExpiry extracts the requested registration lifetime: the Contact
// expires parameter wins, then the Expires header, then the default.
func parseExpiry(req *sip.Request) int {
	if contact := req.Contact(); contact != nil {
		if val, ok := contact.Params.Get("expires"); ok {
			if exp, err := strconv.Atoi(val); err == nil {
				return exp
			}
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if exp, err := strconv.Atoi(h.Value()); err == nil {
			return exp
		}
	}
	return registry.DefaultExpiry
}

func parseSource(req *sip.Request) (string, int) {
	source := req.Source()
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return source, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func parseTransport(req *sip.Request) string {
	if via := req.Via(); via != nil {
		if t := strings.ToLower(via.Transport); t != "" {
			return t
		}
	}
	return "udp"
}

func (r *Registrar) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}
