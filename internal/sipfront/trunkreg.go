package sipfront

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/telaris/telaris/internal/trunk"
)

const (
	trunkRegisterExpiry  = 300
	trunkRegisterTimeout = 10 * time.Second
)

// TrunkRegistrar keeps outbound REGISTER bindings alive on trunks whose
// provider requires registration. Each trunk gets its own loop with
// exponential backoff on failure.
type TrunkRegistrar struct {
	client *sipgo.Client
	logger *slog.Logger

	mu     sync.Mutex
	status map[string]string // trunk name -> registered / failed / registering
}

func NewTrunkRegistrar(client *sipgo.Client, logger *slog.Logger) *TrunkRegistrar {
	return &TrunkRegistrar{
		client: client,
		logger: logger.With("subsystem", "trunk-registrar"),
		status: make(map[string]string),
	}
}

// Run maintains registrations for every credentialed trunk until the
// context ends.
func (tr *TrunkRegistrar) Run(ctx context.Context, trunks []*trunk.Trunk) {
	var wg sync.WaitGroup
	for _, t := range trunks {
		if t.Username == "" || t.Password == "" {
			continue
		}
		wg.Add(1)
		go func(t *trunk.Trunk) {
			defer wg.Done()
			tr.registerLoop(ctx, t)
		}(t)
	}
	wg.Wait()
}

// Status returns the last known registration state per trunk.
func (tr *TrunkRegistrar) Status() map[string]string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make(map[string]string, len(tr.status))
	for k, v := range tr.status {
		out[k] = v
	}
	return out
}

func (tr *TrunkRegistrar) setStatus(name, status string) {
	tr.mu.Lock()
	tr.status[name] = status
	tr.mu.Unlock()
}

func (tr *TrunkRegistrar) registerLoop(ctx context.Context, t *trunk.Trunk) {
	bo := newBackoff()
	logger := tr.logger.With("trunk", t.Name)
	logger.Info("trunk registration loop started")

	for {
		tr.setStatus(t.Name, "registering")
		granted, err := tr.sendRegister(ctx, t)
		var wait time.Duration
		if err != nil {
			tr.setStatus(t.Name, "failed")
			wait = bo.next()
			logger.Warn("trunk registration failed",
				"error", err,
				"retry_in", wait.String(),
			)
		} else {
			tr.setStatus(t.Name, "registered")
			bo.reset()
			// Refresh at half the granted lifetime.
			wait = time.Duration(granted) * time.Second / 2
			logger.Info("trunk registered",
				"expires", granted,
				"refresh_in", wait.String(),
			)
		}

		select {
		case <-ctx.Done():
			logger.Info("trunk registration loop stopped")
			return
		case <-time.After(wait):
		}
	}
}

// sendRegister performs one REGISTER exchange, following a single
// digest challenge. It returns the granted expiry in seconds.
func (tr *TrunkRegistrar) sendRegister(ctx context.Context, t *trunk.Trunk) (int, error) {
	target, ok := t.CurrentTarget()
	if !ok {
		return 0, fmt.Errorf("no resolved target")
	}

	recipientStr := fmt.Sprintf("sip:%s", target.Addr())
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(target.Transport))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", trunkRegisterExpiry)))

	regCtx, cancel := context.WithTimeout(ctx, trunkRegisterTimeout)
	defer cancel()

	tx, err := tr.client.TransactionRequest(regCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}
	res, err := getResponse(regCtx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = tr.answerChallenge(regCtx, req, res, t, target)
		if err != nil {
			return 0, err
		}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return 0, fmt.Errorf("register rejected with %d %s", res.StatusCode, res.Reason)
	}

	granted := trunkRegisterExpiry
	if h := res.GetHeader("Expires"); h != nil {
		if v := parseExpiresValue(h.Value()); v > 0 {
			granted = v
		}
	}
	return granted, nil
}

func (tr *TrunkRegistrar) answerChallenge(ctx context.Context, origReq *sip.Request, challenge *sip.Response, t *trunk.Trunk, target trunk.Target) (*sip.Response, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, fmt.Errorf("challenge %d without %s header", challenge.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing register challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   origReq.Method.String(),
		URI:      fmt.Sprintf("sip:%s", target.Addr()),
		Username: t.Username,
		Password: t.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing register digest: %w", err)
	}

	authReq := origReq.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := tr.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("re-sending authenticated register: %w", err)
	}
	defer tx.Terminate()
	return getResponse(ctx, tx)
}

func parseExpiresValue(value string) int {
	var v int
	if _, err := fmt.Sscanf(strings.TrimSpace(value), "%d", &v); err != nil {
		return 0
	}
	return v
}

// backoff implements exponential backoff with jitter for registration
// retries. Jitter keeps simultaneously failing trunks from retrying in
// lockstep.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
