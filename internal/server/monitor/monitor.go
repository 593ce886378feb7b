// Package monitor computes the virtual monitor/changes collection: one
// entry per watched collection carrying its records timestamp.
package monitor

import (
	"context"
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/dmitrijs2005/remotesettings/internal/server/config"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
	"github.com/dmitrijs2005/remotesettings/internal/timex"
)

const (
	Bucket     = "monitor"
	Collection = "changes"

	SettingResources = "changes.resources"
	SettingExcluded  = "changes.excluded_collections"
	SettingHTTPHost  = "changes.http_host"

	idCacheSize = 4096
)

// IsMonitor reports whether (bid, cid) is the virtual collection.
func IsMonitor(bid, cid string) bool {
	return bid == Bucket && cid == Collection
}

// EntryID derives the stable id of the entry of (bid, cid) served by host:
// the MD5 digest of the collection URI prefixed with host, read as a UUID.
func EntryID(host, bid, cid string) string {
	sum := md5.Sum([]byte(host + models.CollectionURI(bid, cid)))
	return uuid.UUID(sum).String()
}

type Monitor struct {
	host     string
	included []string
	excluded []string
	ids      *lru.ARCCache
	flight   singleflight.Group
	now      func() time.Time
}

// New builds the monitor. defaults are the URIs watched when
// changes.resources is not set, usually the destinations and previews of
// signed resources.
func New(settings config.Settings, host string, defaults []string, now func() time.Time) (*Monitor, error) {
	ids, err := lru.NewARC(idCacheSize)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		host:     settings.String(SettingHTTPHost, host),
		included: settings.List(SettingResources, defaults),
		excluded: settings.List(SettingExcluded, nil),
		ids:      ids,
		now:      now,
	}, nil
}

func (m *Monitor) Host() string {
	return m.host
}

// Resources lists the watched URI prefixes.
func (m *Monitor) Resources() []string {
	return append([]string(nil), m.included...)
}

func (m *Monitor) entryID(bid, cid string) string {
	key := [3]string{m.host, bid, cid}
	if v, ok := m.ids.Get(key); ok {
		return v.(string)
	}
	id := EntryID(m.host, bid, cid)
	m.ids.Add(key, id)
	return id
}

// Watched reports whether the collection URI uri is part of the monitor.
func (m *Monitor) Watched(uri string) bool {
	return matchAny(m.included, uri) && !matchAny(m.excluded, uri)
}

func matchAny(prefixes []string, uri string) bool {
	for _, p := range prefixes {
		p = strings.TrimSuffix(p, "/")
		if uri == p || strings.HasPrefix(uri, p+"/") {
			return true
		}
	}
	return false
}

// Entries lists the watched collections sorted by last_modified
// descending, with the timestamp of the virtual collection. Concurrent
// callers share one computation.
func (m *Monitor) Entries(ctx context.Context, store storage.Store) ([]models.MonitorEntry, int64, error) {
	type result struct {
		entries []models.MonitorEntry
		ts      int64
	}
	v, err, _ := m.flight.Do("entries", func() (any, error) {
		entries, ts, err := m.entries(ctx, store)
		return result{entries, ts}, err
	})
	if err != nil {
		return nil, 0, err
	}
	r := v.(result)
	return append([]models.MonitorEntry(nil), r.entries...), r.ts, nil
}

func (m *Monitor) entries(ctx context.Context, store storage.Store) ([]models.MonitorEntry, int64, error) {
	stamps, err := store.Timestamps(ctx, models.ResourceRecord)
	if err != nil {
		return nil, 0, fmt.Errorf("collection timestamps: %w", err)
	}

	live := map[string]map[string]bool{}
	exists := func(bid, cid string) (bool, error) {
		ids, ok := live[bid]
		if !ok {
			list, err := store.List(ctx, models.ResourceCollection, models.BucketURI(bid), storage.Filter{})
			if err != nil {
				return false, err
			}
			ids = make(map[string]bool, len(list))
			for _, c := range list {
				ids[c.ID()] = true
			}
			live[bid] = ids
		}
		return ids[cid], nil
	}

	var out []models.MonitorEntry
	var max int64
	for uri, ts := range stamps {
		bid, cid, ok := models.ParseCollectionURI(uri)
		if !ok || !m.Watched(uri) {
			continue
		}
		// deleted collections keep the timestamp of their tombstones
		found, err := exists(bid, cid)
		if err != nil {
			return nil, 0, err
		}
		if !found {
			continue
		}
		out = append(out, models.MonitorEntry{
			ID:           m.entryID(bid, cid),
			Bucket:       bid,
			Collection:   cid,
			Host:         m.host,
			LastModified: ts,
		})
		if ts > max {
			max = ts
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastModified != out[j].LastModified {
			return out[i].LastModified > out[j].LastModified
		}
		return out[i].ID < out[j].ID
	})
	if len(out) == 0 {
		max = timex.Millis(m.now())
	}
	return out, max, nil
}
