// Package broadcast publishes the global change timestamp consumed by the
// push service. Publication is debounced so that a burst of approvals does
// not wake every client several times.
package broadcast

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dmitrijs2005/remotesettings/internal/logging"
	"github.com/dmitrijs2005/remotesettings/internal/server/cache"
	"github.com/dmitrijs2005/remotesettings/internal/server/config"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/monitor"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
	"github.com/dmitrijs2005/remotesettings/internal/timex"
)

const (
	SettingMinInterval = "push_broadcast_min_debounce_interval_seconds"
	SettingMaxInterval = "push_broadcast_max_debounce_interval_seconds"

	// Channel is the broadcast id advertised to the push service.
	Channel = "remote-settings/monitor_changes"

	cacheKey = "remote-settings/broadcast/" + "monitor_changes"
	cacheTTL = 24 * time.Hour
)

// Response is the body of the broadcasts endpoint.
type Response struct {
	Broadcasts map[string]string `json:"broadcasts"`
	Code       int               `json:"code"`
}

type Publisher struct {
	monitor  *monitor.Monitor
	cache    cache.Cache
	previews []models.Coord
	min      time.Duration
	max      time.Duration
	now      func() time.Time
	log      logging.Logger
}

func New(m *monitor.Monitor, c cache.Cache, previews []models.Coord, settings config.Settings, log logging.Logger, now func() time.Time) *Publisher {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Publisher{
		monitor:  m,
		cache:    c,
		previews: previews,
		min:      time.Duration(settings.Int(SettingMinInterval, 300)) * time.Second,
		max:      time.Duration(settings.Int(SettingMaxInterval, 1200)) * time.Second,
		now:      now,
		log:      log.With("module", "broadcast"),
	}
}

func (p *Publisher) isPreview(e models.MonitorEntry) bool {
	for _, c := range p.previews {
		if c.Bucket == e.Bucket && (c.PerBucket() || c.Collection == e.Collection) {
			return true
		}
	}
	return false
}

// Current returns the highest timestamp among watched collections,
// previews excluded.
func (p *Publisher) Current(ctx context.Context, store storage.Store) (int64, error) {
	entries, _, err := p.monitor.Entries(ctx, store)
	if err != nil {
		return 0, err
	}
	var max int64
	for _, e := range entries {
		if p.isPreview(e) {
			continue
		}
		if e.LastModified > max {
			max = e.LastModified
		}
	}
	return max, nil
}

// Timestamp returns the value to publish. A new timestamp is held back
// while it is younger than the minimum interval, unless the published
// one is already older than the maximum interval.
func (p *Publisher) Timestamp(ctx context.Context, store storage.Store) (int64, error) {
	current, err := p.Current(ctx, store)
	if err != nil {
		return 0, err
	}

	raw, ok, err := p.cache.Get(ctx, cacheKey)
	if err != nil {
		p.log.Warn(ctx, "broadcast cache unavailable", "error", err)
		return current, nil
	}
	cached, perr := strconv.ParseInt(raw, 10, 64)
	if ok && perr == nil {
		now := timex.Millis(p.now())
		ageCurrent := time.Duration(now-current) * time.Millisecond
		ageCached := time.Duration(now-cached) * time.Millisecond
		if ageCurrent < p.min && ageCached < p.max {
			return cached, nil
		}
		if cached == current {
			return current, nil
		}
	}

	if err := p.cache.Set(ctx, cacheKey, strconv.FormatInt(current, 10), cacheTTL); err != nil {
		p.log.Warn(ctx, "broadcast cache write failed", "error", err)
	}
	return current, nil
}

// Broadcasts builds the endpoint response.
func (p *Publisher) Broadcasts(ctx context.Context, store storage.Store) (*Response, error) {
	ts, err := p.Timestamp(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("broadcast timestamp: %w", err)
	}
	return &Response{
		Broadcasts: map[string]string{Channel: strconv.Quote(strconv.FormatInt(ts, 10))},
		Code:       200,
	}, nil
}
