// Package changeset serves consistent snapshots of a collection: its
// metadata, records timestamp and records, optionally only the changes
// since a given timestamp. It also serves the virtual monitor/changes
// collection, including the legacy records listing.
package changeset

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/logging"
	"github.com/dmitrijs2005/remotesettings/internal/server/config"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/monitor"
	"github.com/dmitrijs2005/remotesettings/internal/server/permissions"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
	"github.com/dmitrijs2005/remotesettings/internal/timex"
)

const (
	SettingSinceMaxAgeDays     = "changes.since_max_age_days"
	SettingSinceRedirectTTL    = "changes.since_max_age_redirect_ttl_seconds"
	SettingSinceRedirectHost   = "changes.since_redirect_host"
	SettingLegacyNotModified   = "changes.legacy_not_modified_as_empty_list"
	SettingPaginateBy          = "paginate_by"
	SettingStorageMaxFetchSize = "storage_max_fetch_size"

	KindMonitor    = "monitor"
	KindCollection = "collection"
	KindLegacy     = "legacy"

	integrityAttempts = 3
)

// Observer is told about served changesets and consistency retries.
type Observer interface {
	ChangesetServed(kind string)
	IntegrityConflict()
}

type nopObserver struct{}

func (nopObserver) ChangesetServed(string) {}
func (nopObserver) IntegrityConflict()     {}

// Response is a served changeset with its caching information.
type Response struct {
	models.Changeset
	// LastModified is the metadata timestamp, so that a signature refresh
	// revalidates caches even when records did not change.
	LastModified int64
	// MaxAge is the Cache-Control max-age in seconds, when configured.
	MaxAge *int
}

// Redirect asks old clients to fetch the full monitor list.
type Redirect struct {
	Location string
	MaxAge   *int
}

type Service struct {
	store    storage.Store
	monitor  *monitor.Monitor
	settings config.Settings
	observer Observer
	log      logging.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(store storage.Store, m *monitor.Monitor, settings config.Settings, log logging.Logger, opts ...Option) *Service {
	if log == nil {
		log = logging.Nop()
	}
	s := &Service{
		store:    store,
		monitor:  m,
		settings: settings,
		observer: nopObserver{},
		log:      log.With("module", "changeset"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Caller identifies who reads.
type Caller struct {
	UserID     string
	Principals []string
	// Host is the scheme and host the request was addressed to.
	Host string
}

// Get serves the changeset of q's collection. For monitor/changes it may
// return a redirect instead.
func (s *Service) Get(ctx context.Context, caller Caller, q Query) (*Response, *Redirect, error) {
	if monitor.IsMonitor(q.Bucket, q.Collection) {
		if r := s.oldSinceRedirect(caller, q); r != nil {
			return nil, r, nil
		}
		resp, err := s.monitorChangeset(ctx, q)
		if err == nil {
			s.observer.ChangesetServed(KindMonitor)
		}
		return resp, nil, err
	}

	uri := models.CollectionURI(q.Bucket, q.Collection)
	ok, err := permissions.Allowed(ctx, s.store, caller.Principals, permissions.Read, uri)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		if caller.UserID == "" {
			return nil, nil, common.ErrUnauthorized.WithMessage("please authenticate yourself")
		}
		return nil, nil, common.ErrForbidden.WithMessage("unauthorized")
	}

	resp, err := s.collectionChangeset(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	s.observer.ChangesetServed(KindCollection)
	return resp, nil, nil
}

func (s *Service) limit(q Query) int {
	max := s.settings.Int(SettingStorageMaxFetchSize, 10000)
	if p := s.settings.Int(SettingPaginateBy, 0); p > 0 && p < max {
		max = p
	}
	if q.Limit > 0 && q.Limit < max {
		return q.Limit
	}
	return max
}

func (s *Service) collectionChangeset(ctx context.Context, q Query) (*Response, error) {
	var resp *Response
	op := func() error {
		var err error
		resp, err = s.snapshot(ctx, q)
		if errors.Is(err, common.ErrIntegrityConflict) {
			s.observer.IntegrityConflict()
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), integrityAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	resp.MaxAge = s.maxAge(q)
	return resp, nil
}

// snapshot reads the records timestamp before and after the metadata and
// the records; a difference means a concurrent write.
func (s *Service) snapshot(ctx context.Context, q Query) (*Response, error) {
	parent := models.CollectionURI(q.Bucket, q.Collection)

	before, err := s.store.Timestamp(ctx, models.ResourceRecord, parent)
	if errors.Is(err, common.ErrReadOnly) {
		return nil, common.ErrNotFound.WithMessagef("collection %s not found", parent)
	}
	if err != nil {
		return nil, err
	}

	meta, err := s.store.Get(ctx, models.ResourceCollection, models.BucketURI(q.Bucket), q.Collection)
	if err != nil {
		return nil, err
	}

	filter := storage.Filter{Since: q.Since, IncludeDeleted: q.Since != nil, Limit: s.limit(q)}
	records, err := s.store.List(ctx, models.ResourceRecord, parent, filter)
	if err != nil {
		return nil, err
	}

	after, err := s.store.Timestamp(ctx, models.ResourceRecord, parent)
	if err != nil {
		return nil, err
	}
	if before != after {
		return nil, common.ErrIntegrityConflict.WithMessagef("records of %s changed while reading (%d != %d)", parent, before, after)
	}

	if records == nil {
		records = []models.Object{}
	}
	return &Response{
		Changeset: models.Changeset{
			Metadata:  meta,
			Timestamp: before,
			Changes:   records,
		},
		LastModified: meta.LastModified(),
	}, nil
}

func (s *Service) monitorChangeset(ctx context.Context, q Query) (*Response, error) {
	entries, ts, err := s.Entries(ctx, q)
	if err != nil {
		return nil, err
	}
	changes := make([]models.Object, len(entries))
	for i, e := range entries {
		changes[i] = e.Object()
	}
	return &Response{
		Changeset: models.Changeset{
			Metadata:  models.Object{models.FieldID: monitor.Collection, "bucket": monitor.Bucket},
			Timestamp: ts,
			Changes:   changes,
		},
		LastModified: ts,
		MaxAge:       s.maxAge(q),
	}, nil
}

// Entries returns the monitor entries matching q's filters.
func (s *Service) Entries(ctx context.Context, q Query) ([]models.MonitorEntry, int64, error) {
	all, ts, err := s.monitor.Entries(ctx, s.store)
	if err != nil {
		return nil, 0, fmt.Errorf("monitor entries: %w", err)
	}
	out := make([]models.MonitorEntry, 0, len(all))
	for _, e := range all {
		if q.FilterBucket != "" && e.Bucket != q.FilterBucket {
			continue
		}
		if q.FilterCollection != "" && e.Collection != q.FilterCollection {
			continue
		}
		if q.Since != nil && e.LastModified <= *q.Since {
			continue
		}
		out = append(out, e)
	}
	if l := s.limit(q); len(out) > l {
		out = out[:l]
	}
	return out, ts, nil
}

// maxAge resolves the Cache-Control max-age of q's collection.
func (s *Service) maxAge(q Query) *int {
	keys := []string{fmt.Sprintf("%s.%s.record_cache_expires_seconds", q.Bucket, q.Collection)}
	if q.HasExpected {
		keys = append(keys, fmt.Sprintf("%s.%s.record_cache_maximum_expires_seconds", q.Bucket, q.Collection))
	}
	keys = append(keys,
		fmt.Sprintf("%s.record_cache_expires_seconds", q.Bucket),
		"record_cache_expires_seconds",
	)
	for _, k := range keys {
		if n, ok := s.settings.IntOK(k); ok {
			return &n
		}
	}
	return nil
}

// oldSinceRedirect sends clients polling with a very old _since to the
// full list, which CDNs can cache once for everyone.
func (s *Service) oldSinceRedirect(caller Caller, q Query) *Redirect {
	if q.Since == nil {
		return nil
	}
	days := s.settings.Int(SettingSinceMaxAgeDays, 21)
	if days <= 0 {
		return nil
	}
	maxAge := time.Duration(days) * 24 * time.Hour
	oldest := timex.Millis(s.now().Add(-maxAge))
	if *q.Since >= oldest {
		return nil
	}

	params := withoutSince(q.Raw)
	host := s.settings.String(SettingSinceRedirectHost, caller.Host)
	path := models.CollectionURI(q.Bucket, q.Collection) + "/changeset"
	location := host + path
	if len(params) > 0 {
		location += "?" + params.Encode()
	}

	r := &Redirect{Location: location}
	ttl := s.settings.Int(SettingSinceRedirectTTL, int(maxAge/time.Second))
	if ttl > 0 {
		r.MaxAge = &ttl
	}
	return r
}

// LegacyRecords serves the monitor entries as a plain records list. When
// ifNoneMatch equals the current timestamp, notModified is set; callers
// answer with an empty list instead of 304 unless configured otherwise.
func (s *Service) LegacyRecords(ctx context.Context, caller Caller, q Query, ifNoneMatch *int64) (entries []models.MonitorEntry, ts int64, notModified bool, redirect *Redirect, err error) {
	if r := s.oldSinceRedirect(caller, q); r != nil {
		r.Location = caller.Host + models.CollectionURI(q.Bucket, q.Collection) + "/records"
		if params := withoutSince(q.Raw); len(params) > 0 {
			r.Location += "?" + params.Encode()
		}
		return nil, 0, false, r, nil
	}
	entries, ts, err = s.Entries(ctx, q)
	if err != nil {
		return nil, 0, false, nil, err
	}
	s.observer.ChangesetServed(KindLegacy)
	if ifNoneMatch != nil && *ifNoneMatch == ts {
		return nil, ts, true, nil, nil
	}
	return entries, ts, false, nil, nil
}

// LegacyNotModifiedAsEmptyList reports whether a not-modified legacy
// listing is answered 200 with an empty list.
func (s *Service) LegacyNotModifiedAsEmptyList() bool {
	return s.settings.Bool(SettingLegacyNotModified, true)
}

func withoutSince(values url.Values) url.Values {
	out := url.Values{}
	for k, v := range values {
		if k != "_since" {
			out[k] = v
		}
	}
	return out
}
