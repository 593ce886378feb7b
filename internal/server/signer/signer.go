// Package signer produces content signatures over canonical JSON payloads.
// Two backends are available: a local ECDSA key and a remote Autograph
// service. Both return the same Signature bundle.
package signer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
)

// Backend identifiers. Settings may also use the dotted module names
// ending with these identifiers.
const (
	BackendLocalECDSA = "local_ecdsa"
	BackendAutograph  = "autograph"
)

// Signature is the bundle stored under "signature" in destination and
// preview metadata.
type Signature struct {
	Signature string `json:"signature"`
	X5U       string `json:"x5u,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Ref       string `json:"ref,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	Type      string `json:"type,omitempty"`
	SignerID  string `json:"signer_id,omitempty"`
}

// Object renders the bundle as stored metadata.
func (s *Signature) Object() models.Object {
	o := models.Object{"signature": s.Signature}
	for k, v := range map[string]string{
		"x5u":        s.X5U,
		"mode":       s.Mode,
		"ref":        s.Ref,
		"public_key": s.PublicKey,
		"type":       s.Type,
		"signer_id":  s.SignerID,
	} {
		if v != "" {
			o[k] = v
		}
	}
	return o
}

// SignatureFromObject reads back a stored bundle.
func SignatureFromObject(o models.Object) *Signature {
	if o == nil {
		return nil
	}
	return &Signature{
		Signature: o.String("signature"),
		X5U:       o.String("x5u"),
		Mode:      o.String("mode"),
		Ref:       o.String("ref"),
		PublicKey: o.String("public_key"),
		Type:      o.String("type"),
		SignerID:  o.String("signer_id"),
	}
}

// Signer signs payloads. HealthCheck returns nil when healthy, an error
// matching common.ErrCertificateExpiringSoon as a warning, and any other
// error on failure.
type Signer interface {
	Sign(ctx context.Context, payload []byte) (*Signature, error)
	HealthCheck(ctx context.Context) error
}

// ExpirePolicy decides when a certificate is about to expire.
type ExpirePolicy struct {
	Percent int
	MinDays int
	MaxDays int
}

var DefaultExpirePolicy = ExpirePolicy{Percent: 5, MinDays: 10, MaxDays: 30}

// Options configure one signer instance.
type Options struct {
	Backend string

	// local_ecdsa
	PrivateKey string
	PublicKey  string
	X5U        string

	// autograph
	ServerURL  string
	HawkID     string
	HawkSecret string
	SignerID   string
	Timeout    time.Duration
	Retries    int

	Expire ExpirePolicy
}

// BackendName normalises a configured backend to one of the Backend*
// constants.
func BackendName(s string) string {
	switch {
	case s == "", strings.HasSuffix(s, BackendLocalECDSA):
		return BackendLocalECDSA
	case strings.HasSuffix(s, BackendAutograph):
		return BackendAutograph
	default:
		return s
	}
}

// New builds the signer selected by opts.Backend.
func New(opts Options) (Signer, error) {
	switch BackendName(opts.Backend) {
	case BackendLocalECDSA:
		return NewLocalECDSA(opts)
	case BackendAutograph:
		return NewAutograph(opts)
	default:
		return nil, common.ErrBadRequest.WithMessagef("unknown signer backend %q", opts.Backend)
	}
}

// Key identifies a signer configuration, so resources sharing the same
// settings share one instance.
func (o Options) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s", BackendName(o.Backend), o.PrivateKey, o.X5U, o.ServerURL, o.HawkID, o.SignerID)
}
