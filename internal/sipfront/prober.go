package sipfront

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/telaris/telaris/internal/trunk"
)

// OptionsProber implements trunk.Prober with a SIP OPTIONS ping,
// answering a digest challenge with the trunk's credentials when the
// provider demands one.
type OptionsProber struct {
	client *sipgo.Client
	logger *slog.Logger
}

func NewOptionsProber(client *sipgo.Client, logger *slog.Logger) *OptionsProber {
	return &OptionsProber{
		client: client,
		logger: logger.With("subsystem", "prober"),
	}
}

// Probe sends one OPTIONS to the target and treats any 2xx as alive.
func (p *OptionsProber) Probe(ctx context.Context, cfg trunk.Config, target trunk.Target) error {
	recipientStr := fmt.Sprintf("sip:%s", target.Addr())
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing target uri: %w", err)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport(strings.ToUpper(target.Transport))

	tx, err := p.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for options response: %w", err)
	}

	if (res.StatusCode == 401 || res.StatusCode == 407) && cfg.Username != "" {
		res, err = p.retryWithAuth(ctx, req, res, cfg, target)
		if err != nil {
			return err
		}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("options ping returned status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

func (p *OptionsProber) retryWithAuth(ctx context.Context, origReq *sip.Request, challenge *sip.Response, cfg trunk.Config, target trunk.Target) (*sip.Response, error) {
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
		return nil, fmt.Errorf("parsing probe auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   origReq.Method.String(),
		URI:      fmt.Sprintf("sip:%s", target.Addr()),
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing probe digest: %w", err)
	}

	authReq := origReq.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := p.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("re-sending authenticated options: %w", err)
	}
	defer tx.Terminate()
	return getResponse(ctx, tx)
}
