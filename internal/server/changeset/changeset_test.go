package changeset

import (
	"context"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/server/config"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/monitor"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage/memory"
	"github.com/dmitrijs2005/remotesettings/internal/timex"
)

var anonymous = Caller{Principals: []string{models.Everyone}, Host: "http://localhost:8888"}

type counter struct {
	served    map[string]int
	conflicts int
}

func (c *counter) ChangesetServed(kind string) { c.served[kind]++ }
func (c *counter) IntegrityConflict()          { c.conflicts++ }

type fixture struct {
	svc   *Service
	store *memory.Store
	now   time.Time
	obs   *counter
}

func newFixture(t *testing.T, settings config.Settings) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), obs: &counter{served: map[string]int{}}}
	f.store = memory.New(memory.WithClock(func() time.Time {
		f.now = f.now.Add(time.Second)
		return f.now
	}))

	_, err := f.store.Create(ctx, models.ResourceBucket, "", models.Object{"id": "main"})
	require.NoError(t, err)
	require.NoError(t, f.store.SetACL(ctx, models.BucketURI("main"), models.ACL{models.PermRead: {models.Everyone}}))
	_, err = f.store.Create(ctx, models.ResourceCollection, models.BucketURI("main"), models.Object{"id": "cfr", "signature": map[string]any{"signature": "abc"}})
	require.NoError(t, err)

	_, err = f.store.Create(ctx, models.ResourceBucket, "", models.Object{"id": "private"})
	require.NoError(t, err)
	_, err = f.store.Create(ctx, models.ResourceCollection, models.BucketURI("private"), models.Object{"id": "secret"})
	require.NoError(t, err)

	m, err := monitor.New(settings, anonymous.Host, []string{"/buckets/main"}, func() time.Time { return f.now })
	require.NoError(t, err)
	f.svc = New(f.store, m, settings, nil, WithObserver(f.obs), WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) put(t *testing.T, id string, fields models.Object) models.Object {
	t.Helper()
	obj := fields.Clone()
	if obj == nil {
		obj = models.Object{}
	}
	obj["id"] = id
	rec, err := f.store.Update(context.Background(), models.ResourceRecord, models.CollectionURI("main", "cfr"), id, obj)
	require.NoError(t, err)
	return rec
}

func query(t *testing.T, bid, cid, raw string) Query {
	t.Helper()
	values, err := url.ParseQuery(raw)
	require.NoError(t, err)
	q, err := ParseQuery(bid, cid, values, true)
	require.NoError(t, err)
	return q
}

func TestGet_FullChangeset(t *testing.T) {
	f := newFixture(t, config.Settings{})
	f.put(t, "a", models.Object{"v": "1"})
	last := f.put(t, "b", models.Object{"v": "2"})

	resp, redirect, err := f.svc.Get(context.Background(), anonymous, query(t, "main", "cfr", "_expected=0"))
	require.NoError(t, err)
	require.Nil(t, redirect)

	assert.Equal(t, last.LastModified(), resp.Timestamp)
	assert.Equal(t, "cfr", resp.Metadata.ID())
	assert.Equal(t, resp.Metadata.LastModified(), resp.LastModified)
	require.Len(t, resp.Changes, 2)
	assert.Equal(t, "b", resp.Changes[0].ID())
	assert.Equal(t, "a", resp.Changes[1].ID())
	assert.Nil(t, resp.MaxAge)
	assert.Equal(t, 1, f.obs.served[KindCollection])
}

func TestGet_SinceIncludesTombstones(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.Settings{})
	f.put(t, "a", nil)
	keep := f.put(t, "b", nil)
	_, err := f.store.Delete(ctx, models.ResourceRecord, models.CollectionURI("main", "cfr"), "a")
	require.NoError(t, err)

	since := keep.LastModified()
	resp, _, err := f.svc.Get(ctx, anonymous, query(t, "main", "cfr", "_expected=1&_since=\""+strconv.FormatInt(since, 10)+"\""))
	require.NoError(t, err)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "a", resp.Changes[0].ID())
	assert.True(t, resp.Changes[0].Deleted())

	full, _, err := f.svc.Get(ctx, anonymous, query(t, "main", "cfr", "_expected=1"))
	require.NoError(t, err)
	require.Len(t, full.Changes, 1)
	assert.Equal(t, "b", full.Changes[0].ID())
}

func TestGet_Limit(t *testing.T) {
	f := newFixture(t, config.Settings{SettingPaginateBy: "2"})
	for _, id := range []string{"a", "b", "c"} {
		f.put(t, id, nil)
	}

	resp, _, err := f.svc.Get(context.Background(), anonymous, query(t, "main", "cfr", "_expected=1"))
	require.NoError(t, err)
	assert.Len(t, resp.Changes, 2)

	resp, _, err = f.svc.Get(context.Background(), anonymous, query(t, "main", "cfr", "_expected=1&_limit=1"))
	require.NoError(t, err)
	assert.Len(t, resp.Changes, 1)
}

func TestGet_Errors(t *testing.T) {
	f := newFixture(t, config.Settings{})
	ctx := context.Background()

	_, _, err := f.svc.Get(ctx, anonymous, query(t, "private", "secret", "_expected=1"))
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	bob := Caller{UserID: "account:bob", Principals: []string{models.Everyone, models.Authenticated, "account:bob"}}
	_, _, err = f.svc.Get(ctx, bob, query(t, "private", "secret", "_expected=1"))
	assert.ErrorIs(t, err, common.ErrForbidden)

	_, _, err = f.svc.Get(ctx, anonymous, query(t, "main", "unknown", "_expected=1"))
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestGet_ReadOnlyUnknownCollection(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.WithReadOnly())
	m, err := monitor.New(config.Settings{}, "h", nil, nil)
	require.NoError(t, err)
	svc := New(store, m, config.Settings{}, nil)

	caller := Caller{Principals: []string{models.Everyone}}
	_, _, err = svc.Get(ctx, caller, query(t, "main", "cfr", "_expected=1"))
	// no ACL in an empty store
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	_, err = svc.snapshot(ctx, query(t, "main", "cfr", "_expected=1"))
	assert.ErrorIs(t, err, common.ErrNotFound)
}

// racingStore bumps the records timestamp between the two reads of the
// first snapshots.
type racingStore struct {
	storage.Store
	races int
	calls int
}

func (r *racingStore) Timestamp(ctx context.Context, resource, parent string) (int64, error) {
	ts, err := r.Store.Timestamp(ctx, resource, parent)
	r.calls++
	if r.calls%2 == 0 && r.races > 0 {
		r.races--
		ts++
	}
	return ts, err
}

func TestGet_IntegrityRetry(t *testing.T) {
	f := newFixture(t, config.Settings{})
	f.put(t, "a", nil)

	racing := &racingStore{Store: f.store, races: 1}
	f.svc.store = racing
	resp, _, err := f.svc.Get(context.Background(), anonymous, query(t, "main", "cfr", "_expected=1"))
	require.NoError(t, err)
	assert.Len(t, resp.Changes, 1)
	assert.Equal(t, 1, f.obs.conflicts)

	racing.races = integrityAttempts
	_, _, err = f.svc.Get(context.Background(), anonymous, query(t, "main", "cfr", "_expected=1"))
	assert.ErrorIs(t, err, common.ErrIntegrityConflict)
	assert.Equal(t, 1+integrityAttempts, f.obs.conflicts)
}

func TestMaxAge(t *testing.T) {
	tests := []struct {
		name     string
		settings config.Settings
		raw      string
		want     *int
	}{
		{name: "unset", settings: config.Settings{}, raw: "", want: nil},
		{name: "global", settings: config.Settings{"record_cache_expires_seconds": "10"}, raw: "", want: intp(10)},
		{name: "bucket", settings: config.Settings{"record_cache_expires_seconds": "10", "main.record_cache_expires_seconds": "20"}, raw: "", want: intp(20)},
		{name: "maximum ignored without _expected", settings: config.Settings{"main.cfr.record_cache_maximum_expires_seconds": "3600", "main.record_cache_expires_seconds": "20"}, raw: "", want: intp(20)},
		{name: "maximum with _expected", settings: config.Settings{"main.cfr.record_cache_maximum_expires_seconds": "3600", "main.record_cache_expires_seconds": "20"}, raw: "_expected=5", want: intp(3600)},
		{name: "collection wins", settings: config.Settings{"main.cfr.record_cache_expires_seconds": "30", "main.cfr.record_cache_maximum_expires_seconds": "3600"}, raw: "_expected=5", want: intp(30)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &Service{settings: tt.settings}
			values, _ := url.ParseQuery(tt.raw)
			q, err := ParseQuery("main", "cfr", values, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, svc.maxAge(q))
		})
	}
}

func TestMonitor_Changeset(t *testing.T) {
	f := newFixture(t, config.Settings{})
	rec := f.put(t, "a", nil)

	resp, redirect, err := f.svc.Get(context.Background(), anonymous, query(t, monitor.Bucket, monitor.Collection, "_expected=0"))
	require.NoError(t, err)
	require.Nil(t, redirect)

	assert.Equal(t, models.Object{"id": "changes", "bucket": "monitor"}, resp.Metadata)
	assert.Equal(t, rec.LastModified(), resp.Timestamp)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "main", resp.Changes[0]["bucket"])
	assert.Equal(t, "cfr", resp.Changes[0]["collection"])
	assert.Equal(t, 1, f.obs.served[KindMonitor])

	resp, _, err = f.svc.Get(context.Background(), anonymous, query(t, monitor.Bucket, monitor.Collection, "_expected=0&_since="+strconv.FormatInt(rec.LastModified(), 10)))
	require.NoError(t, err)
	assert.Empty(t, resp.Changes)

	resp, _, err = f.svc.Get(context.Background(), anonymous, query(t, monitor.Bucket, monitor.Collection, "_expected=0&bucket=other"))
	require.NoError(t, err)
	assert.Empty(t, resp.Changes)
}

func TestMonitor_OldSinceRedirect(t *testing.T) {
	f := newFixture(t, config.Settings{SettingSinceMaxAgeDays: "1"})
	old := timex.Millis(f.now.Add(-48 * time.Hour))

	_, redirect, err := f.svc.Get(context.Background(), anonymous, query(t, monitor.Bucket, monitor.Collection, "_expected=0&_since="+strconv.FormatInt(old, 10)))
	require.NoError(t, err)
	require.NotNil(t, redirect)
	assert.Equal(t, "http://localhost:8888/buckets/monitor/collections/changes/changeset?_expected=0", redirect.Location)
	require.NotNil(t, redirect.MaxAge)
	assert.Equal(t, 86400, *redirect.MaxAge)

	recent := timex.Millis(f.now.Add(-time.Hour))
	_, redirect, err = f.svc.Get(context.Background(), anonymous, query(t, monitor.Bucket, monitor.Collection, "_expected=0&_since="+strconv.FormatInt(recent, 10)))
	require.NoError(t, err)
	assert.Nil(t, redirect)
}

func TestMonitor_RedirectHostSetting(t *testing.T) {
	f := newFixture(t, config.Settings{
		SettingSinceMaxAgeDays:   "1",
		SettingSinceRedirectHost: "https://cdn.example.com/v1",
		SettingSinceRedirectTTL:  "0",
	})
	_, redirect, err := f.svc.Get(context.Background(), anonymous, query(t, monitor.Bucket, monitor.Collection, "_expected=0&_since=1"))
	require.NoError(t, err)
	require.NotNil(t, redirect)
	assert.Equal(t, "https://cdn.example.com/v1/buckets/monitor/collections/changes/changeset?_expected=0", redirect.Location)
	assert.Nil(t, redirect.MaxAge)
}

func TestLegacyRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.Settings{})
	f.put(t, "a", nil)

	values := url.Values{}
	q, err := ParseQuery(monitor.Bucket, monitor.Collection, values, false)
	require.NoError(t, err)

	entries, ts, notModified, redirect, err := f.svc.LegacyRecords(ctx, anonymous, q, nil)
	require.NoError(t, err)
	require.Nil(t, redirect)
	assert.False(t, notModified)
	require.Len(t, entries, 1)

	_, _, notModified, _, err = f.svc.LegacyRecords(ctx, anonymous, q, &ts)
	require.NoError(t, err)
	assert.True(t, notModified)
	assert.True(t, f.svc.LegacyNotModifiedAsEmptyList())
	assert.Equal(t, 2, f.obs.served[KindLegacy])
}

func intp(n int) *int { return &n }
