// Package cryptox holds the content-signature primitives: P-384 keys, PEM
// encoding and the raw r||s ECDSA signatures verified by clients.
package cryptox

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
)

// ContentSignaturePrefix is prepended to every payload before hashing.
const ContentSignaturePrefix = "Content-Signature:\x00"

// Mode is the signature mode advertised in signature bundles.
const Mode = "p384ecdsa"

const coordSize = 48

var ErrInvalidSignature = errors.New("invalid signature")

// GenerateKey creates a P-384 private key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
}

// MarshalPrivateKeyPEM encodes key as a PKCS#8 "PRIVATE KEY" block.
func MarshalPrivateKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// MarshalPublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" block.
func MarshalPublicKeyPEM(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM accepts PKCS#8 ("PRIVATE KEY") and SEC1
// ("EC PRIVATE KEY") blocks. Only P-384 keys are accepted.
func ParsePrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key = k
	default:
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		ec, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", k)
		}
		key = ec
	}

	if key.Curve != elliptic.P384() {
		return nil, fmt.Errorf("unsupported curve %s", key.Curve.Params().Name)
	}
	return key, nil
}

func ParsePublicKeyPEM(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := k.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %T", k)
	}
	return pub, nil
}

// LoadPrivateKey reads and parses a PEM private key from path.
func LoadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKeyPEM(data)
}

// LoadPublicKey reads and parses a PEM public key from path.
func LoadPublicKey(path string) (*ecdsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePublicKeyPEM(data)
}

// ContentDigest is SHA-384 over the prefixed payload.
func ContentDigest(payload []byte) []byte {
	h := sha512.New384()
	h.Write([]byte(ContentSignaturePrefix))
	h.Write(payload)
	return h.Sum(nil)
}

// SignContent signs payload and returns the URL-safe base64 encoding of
// the fixed-size r||s concatenation.
//
// Parameters:
//   - key: a P-384 private key.
//   - payload: the canonical JSON bytes, without prefix.
//
// Returns:
//   - the encoded signature, 128 characters long.
//   - err: non-nil if the random source fails.
func SignContent(key *ecdsa.PrivateKey, payload []byte) (string, error) {
	r, s, err := ecdsa.Sign(rand.Reader, key, ContentDigest(payload))
	if err != nil {
		return "", err
	}
	raw := make([]byte, 2*coordSize)
	r.FillBytes(raw[:coordSize])
	s.FillBytes(raw[coordSize:])
	return base64.URLEncoding.EncodeToString(raw), nil
}

// VerifyContent checks an encoded r||s signature over payload. Both padded
// and unpadded URL-safe base64 are accepted.
func VerifyContent(pub *ecdsa.PublicKey, payload []byte, signature string) error {
	raw, err := base64.URLEncoding.DecodeString(signature)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(signature)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	}
	if len(raw) != 2*coordSize {
		return fmt.Errorf("%w: length %d", ErrInvalidSignature, len(raw))
	}
	r := new(big.Int).SetBytes(raw[:coordSize])
	s := new(big.Int).SetBytes(raw[coordSize:])
	if !ecdsa.Verify(pub, ContentDigest(payload), r, s) {
		return ErrInvalidSignature
	}
	return nil
}
