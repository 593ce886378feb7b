package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/cryptox"
)

// LocalECDSA signs with a P-384 key read from disk.
type LocalECDSA struct {
	key       *ecdsa.PrivateKey
	pub       *ecdsa.PublicKey
	publicPEM string
	x5u       string
}

// NewLocalECDSA loads opts.PrivateKey and, when set, the sibling
// opts.PublicKey. The public key is derived from the private key otherwise.
func NewLocalECDSA(opts Options) (*LocalECDSA, error) {
	if opts.PrivateKey == "" {
		return nil, common.ErrBadRequest.WithMessage("local_ecdsa signer requires ecdsa.private_key")
	}
	key, err := cryptox.LoadPrivateKey(opts.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("loading private key %s: %w", opts.PrivateKey, err)
	}

	pub := &key.PublicKey
	if opts.PublicKey != "" {
		pub, err = cryptox.LoadPublicKey(opts.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("loading public key %s: %w", opts.PublicKey, err)
		}
	}
	return NewLocalECDSAFromKey(key, pub, opts.X5U)
}

// NewLocalECDSAFromKey wraps an in-memory key pair.
func NewLocalECDSAFromKey(key *ecdsa.PrivateKey, pub *ecdsa.PublicKey, x5u string) (*LocalECDSA, error) {
	if pub == nil {
		pub = &key.PublicKey
	}
	publicPEM, err := cryptox.MarshalPublicKeyPEM(pub)
	if err != nil {
		return nil, err
	}
	return &LocalECDSA{key: key, pub: pub, publicPEM: string(publicPEM), x5u: x5u}, nil
}

func (s *LocalECDSA) Sign(ctx context.Context, payload []byte) (*Signature, error) {
	sig, err := cryptox.SignContent(s.key, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrSignerUnavailable, err)
	}
	ref, err := common.MakeRandHexString(16)
	if err != nil {
		return nil, err
	}
	return &Signature{
		Signature: sig,
		X5U:       s.x5u,
		Mode:      cryptox.Mode,
		Ref:       ref,
		PublicKey: s.publicPEM,
	}, nil
}

// Verify checks a signature with the configured public key.
func (s *LocalECDSA) Verify(payload []byte, sig *Signature) error {
	return cryptox.VerifyContent(s.pub, payload, sig.Signature)
}

// HealthCheck signs a probe and verifies it with the public key, which
// catches a mismatched key pair.
func (s *LocalECDSA) HealthCheck(ctx context.Context) error {
	probe := []byte("remote-settings healthcheck")
	sig, err := s.Sign(ctx, probe)
	if err != nil {
		return err
	}
	if err := s.Verify(probe, sig); err != nil {
		if errors.Is(err, cryptox.ErrInvalidSignature) {
			return common.ErrSignerUnavailable.WithMessage("public key does not match private key")
		}
		return err
	}
	return nil
}
