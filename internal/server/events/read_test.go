package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage/memory"
)

func TestRead_DoesNotWaitForWriters(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	_, err := backend.Create(ctx, models.ResourceRecord, records, models.Object{"id": "r1"})
	require.NoError(t, err)

	tx, err := backend.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	done := make(chan error, 1)
	go func() {
		done <- Read(ctx, backend, "account:alice", nil, func(ctx context.Context, req *Request) error {
			_, err := req.Tx().Get(ctx, models.ResourceRecord, records, "r1")
			return err
		})
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("read blocked behind an open transaction")
	}
}

func TestRead_RefusesWrites(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()

	err := Read(ctx, backend, "account:alice", nil, func(ctx context.Context, req *Request) error {
		_, err := req.Store().Create(ctx, models.ResourceRecord, records, models.Object{"id": "r1"})
		return err
	})
	assert.ErrorIs(t, err, errWriteInRead)

	_, err = backend.Get(ctx, models.ResourceRecord, records, "r1")
	assert.Error(t, err)
}
