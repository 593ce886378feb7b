package guards

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/cryptox"
	"github.com/dmitrijs2005/remotesettings/internal/server/config"
	"github.com/dmitrijs2005/remotesettings/internal/server/events"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/resources"
	"github.com/dmitrijs2005/remotesettings/internal/server/signer"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage/memory"
)

const alice = "account:alice"

var (
	source = models.Coord{Bucket: "stage", Collection: "c"}
	dest   = models.Coord{Bucket: "prod", Collection: "c"}
)

func decode(t *testing.T, s string) models.Object {
	t.Helper()
	var o models.Object
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&o))
	return o
}

func TestCheckFloats(t *testing.T) {
	tests := []struct {
		name string
		body string
		path string
	}{
		{"integers", `{"a": 1, "b": [2, {"c": -3}], "d": "1.5"}`, ""},
		{"nested", `{"a": {"b": 1.5}}`, "a.b"},
		{"array", `{"a": {"b": [1, {"c": 2.0}]}}`, "a.b.1.c"},
		{"exponent", `{"x": 1e3}`, "x"},
		{"first in key order", `{"z": 0.1, "a": 0.2}`, "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckFloats(decode(t, tt.body))
			if tt.path == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, common.ErrFloatRejected)
			assert.Contains(t, err.Error(), `"`+tt.path+`"`)
		})
	}
}

func TestCheckTrackingFields(t *testing.T) {
	old := models.Object{"id": "c", models.FieldLastEditBy: alice}

	assert.NoError(t, CheckTrackingFields(old, models.Object{"id": "c", "x": 1, models.FieldLastEditBy: alice}))
	assert.ErrorIs(t, CheckTrackingFields(old, models.Object{"id": "c", models.FieldLastEditBy: "account:eve"}), common.ErrTrackingFieldTamper)
	assert.ErrorIs(t, CheckTrackingFields(old, models.Object{"id": "c"}), common.ErrTrackingFieldTamper)
	assert.ErrorIs(t, CheckTrackingFields(nil, models.Object{"id": "c", models.FieldLastReviewBy: alice}), common.ErrTrackingFieldTamper)
}

type fixture struct {
	backend *memory.Store
	bus     *events.Bus
}

func newFixture(t *testing.T, settings config.Settings) *fixture {
	t.Helper()
	key, err := cryptox.GenerateKey()
	require.NoError(t, err)
	s, err := signer.NewLocalECDSAFromKey(key, nil, "")
	require.NoError(t, err)

	settings["signer.resources"] = "stage -> prod"
	reg, err := resources.New(settings, func(signer.Options) (signer.Signer, error) { return s, nil })
	require.NoError(t, err)

	f := &fixture{backend: memory.New(), bus: events.NewBus()}
	New(reg, settings, nil, func() time.Time { return time.Unix(0, 0) }).Register(f.bus)

	ctx := context.Background()
	for _, c := range []models.Coord{source, dest} {
		_, err := f.backend.Create(ctx, models.ResourceCollection, models.BucketURI(c.Bucket), models.Object{"id": c.Collection})
		require.NoError(t, err)
		_, err = f.backend.Create(ctx, models.ResourceRecord, c.URI(), models.Object{"id": "r1"})
		require.NoError(t, err)
	}
	for _, g := range []string{"c-editors", "c-reviewers"} {
		_, err := f.backend.Create(ctx, models.ResourceGroup, models.BucketURI("stage"), models.Object{"id": g})
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) as(user string, fn func(ctx context.Context, s storage.Store) error) error {
	return events.Run(context.Background(), f.backend, f.bus, user, nil, func(ctx context.Context, req *events.Request) error {
		return fn(ctx, req.Store())
	})
}

func TestFloatRejectedOnConfiguredRecords(t *testing.T) {
	f := newFixture(t, config.Settings{})

	err := f.as(alice, func(ctx context.Context, s storage.Store) error {
		_, err := s.Create(ctx, models.ResourceRecord, source.URI(), decode(t, `{"id": "r2", "a": {"b": 1.5}}`))
		return err
	})
	require.ErrorIs(t, err, common.ErrFloatRejected)
	assert.Contains(t, err.Error(), "a.b")

	_, err = f.backend.Get(context.Background(), models.ResourceRecord, source.URI(), "r2")
	assert.ErrorIs(t, err, common.ErrNotFound)

	// outside of any resource
	err = f.as(alice, func(ctx context.Context, s storage.Store) error {
		_, err := s.Create(ctx, models.ResourceRecord, "/buckets/other/collections/c", decode(t, `{"id": "r2", "a": 1.5}`))
		return err
	})
	assert.NoError(t, err)
}

func TestFloatAllowed(t *testing.T) {
	f := newFixture(t, config.Settings{SettingAllowFloats: "true"})
	err := f.as(alice, func(ctx context.Context, s storage.Store) error {
		_, err := s.Create(ctx, models.ResourceRecord, source.URI(), decode(t, `{"id": "r2", "a": 1.5}`))
		return err
	})
	assert.NoError(t, err)
}

func TestDeleteDestinationInUse(t *testing.T) {
	f := newFixture(t, config.Settings{})
	err := f.as(alice, func(ctx context.Context, s storage.Store) error {
		_, err := s.Delete(ctx, models.ResourceCollection, models.BucketURI("prod"), "c")
		return err
	})
	assert.ErrorIs(t, err, common.ErrCollectionInUse)

	// once the source is gone the destination may go
	_, err = f.backend.Delete(context.Background(), models.ResourceCollection, models.BucketURI("stage"), "c")
	require.NoError(t, err)
	err = f.as(alice, func(ctx context.Context, s storage.Store) error {
		_, err := s.Delete(ctx, models.ResourceCollection, models.BucketURI("prod"), "c")
		return err
	})
	assert.NoError(t, err)
}

func TestDeleteSourceCascades(t *testing.T) {
	f := newFixture(t, config.Settings{})
	ctx := context.Background()

	err := f.as(alice, func(ctx context.Context, s storage.Store) error {
		_, err := s.Delete(ctx, models.ResourceCollection, models.BucketURI("stage"), "c")
		return err
	})
	require.NoError(t, err)

	live, err := f.backend.List(ctx, models.ResourceRecord, dest.URI(), storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, live)

	meta, err := f.backend.Get(ctx, models.ResourceCollection, models.BucketURI("prod"), "c")
	require.NoError(t, err)
	assert.Contains(t, meta, models.FieldSignature)

	_, err = f.backend.Get(ctx, models.ResourceGroup, models.BucketURI("stage"), "c-editors")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDeleteSourceHardDeletesDestination(t *testing.T) {
	f := newFixture(t, config.Settings{SettingHardDelete: "true"})
	ctx := context.Background()

	err := f.as(alice, func(ctx context.Context, s storage.Store) error {
		_, err := s.Delete(ctx, models.ResourceCollection, models.BucketURI("stage"), "c")
		return err
	})
	require.NoError(t, err)

	_, err = f.backend.Get(ctx, models.ResourceCollection, models.BucketURI("prod"), "c")
	assert.ErrorIs(t, err, common.ErrNotFound)
	list, err := f.backend.List(ctx, models.ResourceRecord, dest.URI(), storage.Filter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, list)
}
