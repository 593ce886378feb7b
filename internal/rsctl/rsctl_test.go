package rsctl

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrijs2005/remotesettings/internal/cryptox"
	"github.com/dmitrijs2005/remotesettings/internal/server/auth"
	"github.com/dmitrijs2005/remotesettings/internal/server/signer"
)

const records = `[{"id":"b","x":1},{"id":"a"},{"id":"c","deleted":true}]`

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"keygen", "canonical", "sign", "verify", "token", "hash-password"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestCanonical(t *testing.T) {
	out, err := execute(t, records, "canonical", "-", "--timestamp", "42")
	require.NoError(t, err)
	assert.Equal(t, `{"data":[{"id":"a"},{"id":"b","x":1}],"last_modified":"42"}`, out)
}

func TestCanonical_Changeset(t *testing.T) {
	changeset := `{"metadata":{},"timestamp":7,"changes":[{"id":"z","last_modified":7}]}`
	out, err := execute(t, changeset, "canonical", "-")
	require.NoError(t, err)
	assert.Equal(t, `{"data":[{"id":"z","last_modified":7}],"last_modified":"7"}`, out)
}

func TestCanonical_Errors(t *testing.T) {
	_, err := execute(t, records, "canonical", "-")
	assert.ErrorIs(t, err, errNoTimestamp)

	_, err = execute(t, `[{"id":"a","f":1.5}]`, "canonical", "-", "--timestamp", "1")
	assert.Error(t, err)

	_, err = execute(t, `"nope"`, "canonical", "-", "--timestamp", "1")
	assert.Error(t, err)

	_, err = execute(t, `{"other":[]}`, "canonical", "-", "--timestamp", "1")
	assert.Error(t, err)
}

func TestKeygenSignVerify(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "", "keygen", "--out", dir)
	require.NoError(t, err)
	key := filepath.Join(dir, PrivateKeyFile)
	pub := filepath.Join(dir, PublicKeyFile)
	info, err := os.Stat(key)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = execute(t, "", "keygen", "--out", dir)
	assert.Error(t, err, "existing keys are kept without --force")
	_, err = execute(t, "", "keygen", "--out", dir, "--force")
	require.NoError(t, err)

	out, err := execute(t, records, "sign", "-", "--key", key, "--timestamp", "42", "--x5u", "https://example.com/chain")
	require.NoError(t, err)
	var bundle signer.Signature
	require.NoError(t, json.Unmarshal([]byte(out), &bundle))
	assert.Equal(t, "https://example.com/chain", bundle.X5U)
	assert.Equal(t, cryptox.Mode, bundle.Mode)
	assert.Contains(t, bundle.PublicKey, "PUBLIC KEY")
	sig := bundle.Signature
	require.NotEmpty(t, sig)

	out, err = execute(t, records, "verify", "-", "--pubkey", pub, "--signature", sig, "--timestamp", "42")
	require.NoError(t, err)
	assert.Equal(t, "OK", out)

	_, err = execute(t, records, "verify", "-", "--pubkey", pub, "--signature", sig, "--timestamp", "43")
	assert.Error(t, err)

	changeset := `{"metadata":{"signature":{"signature":"` + sig + `"}},"timestamp":42,"changes":` + records + `}`
	out, err = execute(t, changeset, "verify", "-", "--pubkey", pub)
	require.NoError(t, err)
	assert.Equal(t, "OK", out)

	_, err = execute(t, records, "verify", "-", "--pubkey", pub, "--timestamp", "42")
	assert.ErrorIs(t, err, errNoSignature)
}

func TestToken(t *testing.T) {
	out, err := execute(t, "", "token", "--user", "alice", "--secret", "s3cret")
	require.NoError(t, err)

	user, err := auth.ParseToken(out, []byte("s3cret"))
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	t.Setenv(secretKeyEnv, "")
	_, err = execute(t, "", "token", "--user", "alice")
	assert.Error(t, err, "empty prompt")

	out, err = execute(t, "prompted\n", "token", "--user", "bob")
	require.NoError(t, err)
	user, err = auth.ParseToken(out, []byte("prompted"))
	require.NoError(t, err)
	assert.Equal(t, "bob", user)
	_, err = execute(t, "", "token", "--secret", "x")
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	orig := readPassword
	readPassword = func(io.Reader) ([]byte, error) { return []byte("hunter2"), nil }
	t.Cleanup(func() { readPassword = orig })

	out, err := execute(t, "", "hash-password")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(out), []byte("hunter2")))
}

func TestReadPassword_FromPipe(t *testing.T) {
	pw, err := readPassword(strings.NewReader("pw\n"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pw"), pw)

	pw, err = readPassword(strings.NewReader("tail"))
	require.NoError(t, err)
	assert.Equal(t, []byte("tail"), pw)
}
