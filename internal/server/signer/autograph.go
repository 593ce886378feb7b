package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/netx"
)

const autographContentType = "application/json"

// Autograph calls a remote Autograph service.
type Autograph struct {
	serverURL  string
	hawkID     string
	hawkSecret string
	signerID   string
	client     *http.Client
	retry      netx.RetryPolicy
	expire     ExpirePolicy
	now        func() time.Time
}

type autographInput struct {
	Input string `json:"input"`
	KeyID string `json:"keyid,omitempty"`
}

// AutographOption customises an Autograph client.
type AutographOption func(*Autograph)

// WithHTTPClient replaces the HTTP client (tests, custom transports).
func WithHTTPClient(c *http.Client) AutographOption {
	return func(a *Autograph) { a.client = c }
}

// WithClock replaces time.Now for certificate checks and Hawk timestamps.
func WithClock(now func() time.Time) AutographOption {
	return func(a *Autograph) { a.now = now }
}

func NewAutograph(opts Options, options ...AutographOption) (*Autograph, error) {
	if opts.ServerURL == "" || opts.HawkID == "" || opts.HawkSecret == "" {
		return nil, common.ErrBadRequest.WithMessage("autograph signer requires server_url, hawk_id and hawk_secret")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retry := netx.DefaultRetryPolicy
	retry.Retries = opts.Retries
	expire := opts.Expire
	if expire == (ExpirePolicy{}) {
		expire = DefaultExpirePolicy
	}

	a := &Autograph{
		serverURL:  strings.TrimRight(opts.ServerURL, "/"),
		hawkID:     opts.HawkID,
		hawkSecret: opts.HawkSecret,
		signerID:   opts.SignerID,
		client:     &http.Client{Timeout: timeout},
		retry:      retry,
		expire:     expire,
		now:        time.Now,
	}
	for _, o := range options {
		o(a)
	}
	return a, nil
}

func (a *Autograph) Sign(ctx context.Context, payload []byte) (*Signature, error) {
	body, err := json.Marshal([]autographInput{{
		Input: base64.StdEncoding.EncodeToString(payload),
		KeyID: a.signerID,
	}})
	if err != nil {
		return nil, err
	}

	raw, err := netx.Do(ctx, a.client, a.retry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.serverURL+"/sign/data", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		nonce, err := common.MakeRandHexString(6)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", autographContentType)
		req.Header.Set("Authorization", hawkHeader(req, a.hawkID, a.hawkSecret, autographContentType, body, a.now(), nonce))
		return req, nil
	})
	if err != nil {
		return nil, common.ErrSignerUnavailable.WithMessagef("autograph %s: %v", a.serverURL, err)
	}

	var bundles []Signature
	if err := json.Unmarshal(raw, &bundles); err != nil {
		return nil, common.ErrSignerMalformedResponse.WithMessagef("decoding autograph response: %v", err)
	}
	if len(bundles) == 0 {
		return nil, common.ErrSignerMalformedResponse.WithMessage("empty autograph response")
	}
	sig := bundles[0]
	if sig.Signature == "" || sig.X5U == "" {
		return nil, common.ErrSignerMalformedResponse.WithMessage("autograph response lacks signature or x5u")
	}
	return &sig, nil
}

// HealthCheck signs a probe, then inspects the certificate at x5u.
func (a *Autograph) HealthCheck(ctx context.Context) error {
	sig, err := a.Sign(ctx, []byte("remote-settings healthcheck"))
	if err != nil {
		return err
	}
	chain, err := netx.Get(ctx, a.client, a.retry, sig.X5U)
	if err != nil {
		return common.ErrSignerUnavailable.WithMessagef("fetching %s: %v", sig.X5U, err)
	}
	cert, err := parseLeafCertificate(chain)
	if err != nil {
		return common.ErrSignerMalformedResponse.WithMessagef("parsing %s: %v", sig.X5U, err)
	}
	if err := a.expire.Check(cert, a.now()); err != nil {
		var e *common.Error
		if errors.As(err, &e) {
			return e.WithDetails(map[string]any{"x5u": sig.X5U})
		}
		return fmt.Errorf("%s: %w", sig.X5U, err)
	}
	return nil
}
