package sipfront

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/telaris/telaris/internal/registry"
)

const (
	authRealm   = "telaris"
	nonceExpiry = 5 * time.Minute
	authAlgoMD5 = "MD5"
)

// Authenticator performs SIP digest authentication against the extension
// directory. Source IPs that hammer the registrar are throttled by the
// RateGuard before any credential work happens.
type Authenticator struct {
	directory *registry.Registry
	guard     *RateGuard
	logger    *slog.Logger
	nonces    sync.Map // nonce -> time.Time issued
}

// NewAuthenticator creates a digest authenticator with per-IP rate
// limiting enabled.
func NewAuthenticator(directory *registry.Registry, guard *RateGuard, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		directory: directory,
		guard:     guard,
		logger:    logger.With("subsystem", "auth"),
	}
}

// Challenge sends a 401 with a fresh nonce.
func (a *Authenticator) Challenge(req *sip.Request, tx sip.ServerTransaction) {
	nonce := a.generateNonce()
	a.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{
		Realm:     authRealm,
		Nonce:     nonce,
		Opaque:    "telaris",
		Algorithm: authAlgoMD5,
	}

	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))

	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth challenge", "error", err)
	}
}

// Authenticate validates the Authorization header against the extension
// directory. It returns the matched extension, or ok=false after having
// sent the appropriate response (challenge or rejection) itself.
func (a *Authenticator) Authenticate(req *sip.Request, tx sip.ServerTransaction) (registry.Extension, bool) {
	source := req.Source()
	if host, _, err := net.SplitHostPort(source); err == nil {
		source = host
	}

	if !a.guard.Allow(source) {
		a.logger.Warn("sip request throttled", "source", source)
		a.respondError(req, tx, 503, "Service Unavailable")
		return registry.Extension{}, false
	}

	h := req.GetHeader("Authorization")
	if h == nil {
		a.Challenge(req, tx)
		return registry.Extension{}, false
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		a.logger.Warn("failed to parse authorization header",
			"error", err,
			"source", source,
		)
		a.respondError(req, tx, 400, "Bad Request")
		return registry.Extension{}, false
	}

	// Nonce must be one we issued, and recently.
	issued, ok := a.nonces.Load(cred.Nonce)
	if !ok {
		a.Challenge(req, tx)
		return registry.Extension{}, false
	}
	if time.Since(issued.(time.Time)) > nonceExpiry {
		a.nonces.Delete(cred.Nonce)
		a.Challenge(req, tx)
		return registry.Extension{}, false
	}

	ext, found := a.directory.GetExtension(cred.Username)
	if !found {
		a.logger.Warn("unknown sip username",
			"username", cred.Username,
			"source", source,
		)
		a.respondError(req, tx, 403, "Forbidden")
		return registry.Extension{}, false
	}

	chal := digest.Challenge{
		Realm:     authRealm,
		Nonce:     cred.Nonce,
		Opaque:    "telaris",
		Algorithm: authAlgoMD5,
	}
	expected, err := digest.Digest(&chal, digest.Options{
		Method:   string(req.Method),
		URI:      cred.URI,
		Username: cred.Username,
		Password: ext.SIPPassword,
	})
	if err != nil {
		a.logger.Error("failed to compute digest",
			"username", cred.Username,
			"error", err,
		)
		a.respondError(req, tx, 500, "Internal Server Error")
		return registry.Extension{}, false
	}

	if cred.Response != expected.Response {
		a.logger.Warn("digest auth failed",
			"username", cred.Username,
			"source", source,
		)
		a.Challenge(req, tx)
		return registry.Extension{}, false
	}

	// One use per nonce.
	a.nonces.Delete(cred.Nonce)

	a.logger.Debug("digest auth successful", "extension", ext.Number)
	return ext, true
}

// CleanExpiredNonces drops nonces past the expiry window. Called from
// the registrar's sweep loop.
func (a *Authenticator) CleanExpiredNonces() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
	a.guard.Sweep()
}

func (a *Authenticator) generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (a *Authenticator) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}
