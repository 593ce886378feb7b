package signer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/cryptox"
)

func writeKeys(t *testing.T) (privPath, pubPath string) {
	t.Helper()
	key, err := cryptox.GenerateKey()
	require.NoError(t, err)
	priv, err := cryptox.MarshalPrivateKeyPEM(key)
	require.NoError(t, err)
	pub, err := cryptox.MarshalPublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath = filepath.Join(dir, "ecdsa.private.pem")
	pubPath = filepath.Join(dir, "ecdsa.public.pem")
	require.NoError(t, os.WriteFile(privPath, priv, 0o600))
	require.NoError(t, os.WriteFile(pubPath, pub, 0o600))
	return privPath, pubPath
}

func TestLocalECDSA_SignVerify(t *testing.T) {
	priv, pub := writeKeys(t)

	s, err := New(Options{Backend: "kinto_remote_settings.signer.backends.local_ecdsa", PrivateKey: priv, PublicKey: pub, X5U: "https://cdn/x5u"})
	require.NoError(t, err)
	local := s.(*LocalECDSA)

	payload := []byte(`{"data":[],"last_modified":"42"}`)
	sig, err := s.Sign(context.Background(), payload)
	require.NoError(t, err)

	assert.Equal(t, cryptox.Mode, sig.Mode)
	assert.Equal(t, "https://cdn/x5u", sig.X5U)
	assert.Len(t, sig.Ref, 32)
	assert.Contains(t, sig.PublicKey, "BEGIN PUBLIC KEY")
	require.NoError(t, local.Verify(payload, sig))

	other, err := s.Sign(context.Background(), payload)
	require.NoError(t, err)
	assert.NotEqual(t, sig.Ref, other.Ref)

	require.NoError(t, s.HealthCheck(context.Background()))
}

func TestLocalECDSA_MismatchedPublicKey(t *testing.T) {
	priv, _ := writeKeys(t)
	_, otherPub := writeKeys(t)

	s, err := NewLocalECDSA(Options{PrivateKey: priv, PublicKey: otherPub})
	require.NoError(t, err)

	err = s.HealthCheck(context.Background())
	assert.ErrorIs(t, err, common.ErrSignerUnavailable)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Options{Backend: "hsm"})
	assert.ErrorIs(t, err, common.ErrBadRequest)

	_, err = New(Options{Backend: BackendLocalECDSA})
	assert.ErrorIs(t, err, common.ErrBadRequest)

	_, err = New(Options{Backend: BackendLocalECDSA, PrivateKey: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)

	_, err = New(Options{Backend: BackendAutograph, ServerURL: "http://autograph"})
	assert.ErrorIs(t, err, common.ErrBadRequest)
}

func TestSignature_ObjectRoundTrip(t *testing.T) {
	sig := &Signature{Signature: "abc", X5U: "https://x5u", Mode: "p384ecdsa", Ref: "r1"}
	o := sig.Object()

	assert.Equal(t, "abc", o["signature"])
	assert.NotContains(t, o, "public_key")
	assert.Equal(t, sig, SignatureFromObject(o))
	assert.Nil(t, SignatureFromObject(nil))
}

func TestOptions_Key(t *testing.T) {
	a := Options{Backend: "", PrivateKey: "/k.pem"}
	b := Options{Backend: "kinto_remote_settings.signer.backends.local_ecdsa", PrivateKey: "/k.pem"}
	c := Options{Backend: BackendLocalECDSA, PrivateKey: "/other.pem"}

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}
