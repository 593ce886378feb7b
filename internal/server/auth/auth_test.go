package auth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/remotesettings/internal/common"
)

func basic(user, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}

func TestAuthenticate(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	a := New("key", time.Hour, map[string]string{"alice": hash})

	tok, err := a.IssueToken("bob")
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"anonymous", "", "", false},
		{"bearer", "Bearer " + tok, "account:bob", false},
		{"bearer lowercase", "bearer " + tok, "account:bob", false},
		{"bad bearer", "Bearer nope", "", true},
		{"basic", basic("alice", "s3cret"), "account:alice", false},
		{"basic wrong password", basic("alice", "nope"), "", true},
		{"basic unknown user", basic("mallory", "s3cret"), "", true},
		{"basic garbage", "Basic !!!", "", true},
		{"unknown scheme", "Digest x", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Authenticate(tt.header)
			if tt.wantErr {
				assert.ErrorIs(t, err, common.ErrUnauthorized)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
