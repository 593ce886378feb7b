// Package bootstrap creates what signed resources need around them: review
// groups when a source collection is created, and optionally every bucket
// and collection of the configured resources at startup.
package bootstrap

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/logging"
	"github.com/dmitrijs2005/remotesettings/internal/server/config"
	"github.com/dmitrijs2005/remotesettings/internal/server/events"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/permissions"
	"github.com/dmitrijs2005/remotesettings/internal/server/resources"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
	"github.com/dmitrijs2005/remotesettings/internal/server/updater"
)

const (
	SettingAutoCreate           = "signer.auto_create_resources"
	SettingAutoCreatePrincipals = "signer.auto_create_resources_principals"
)

type Bootstrap struct {
	registry *resources.Registry
	settings config.Settings
	log      logging.Logger
	now      func() time.Time
}

func New(registry *resources.Registry, settings config.Settings, log logging.Logger, now func() time.Time) *Bootstrap {
	if log == nil {
		log = logging.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Bootstrap{registry: registry, settings: settings, log: log.With("module", "bootstrap"), now: now}
}

func (b *Bootstrap) Register(bus *events.Bus) {
	bus.OnResourceChanged(b.onResourceChanged)
}

func (b *Bootstrap) onResourceChanged(ctx context.Context, req *events.Request, ev events.ResourceChanged) error {
	if ev.FromPlugin() || ev.Resource != models.ResourceCollection || ev.Action != events.ActionCreate {
		return nil
	}
	b.registry.Expand(ev.Bucket, ev.Collection)
	res, ok := b.registry.Resolve(ev.Bucket, ev.Collection)
	if !ok {
		return nil
	}
	allowed, err := permissions.Allowed(ctx, req.Tx(), req.Principals, permissions.GroupCreate, models.BucketURI(ev.Bucket))
	if err != nil {
		return err
	}
	if !allowed {
		return nil
	}
	return CreateGroups(ctx, req, res)
}

// CreateGroups creates the editors group with the caller as only member and
// an empty reviewers group, then lets both write to the source collection.
// Existing groups are left untouched.
func CreateGroups(ctx context.Context, req *events.Request, res *resources.Resource) error {
	store := req.PluginStore()
	parent := models.BucketURI(res.Source.Bucket)

	groups := []struct {
		id      string
		members []any
	}{
		{res.EditorsGroup(), []any{req.UserID}},
		{res.ReviewersGroup(), []any{}},
	}
	var uris []string
	for _, g := range groups {
		uri := models.GroupURI(res.Source.Bucket, g.id)
		uris = append(uris, uri)

		_, err := store.Get(ctx, models.ResourceGroup, parent, g.id)
		if err == nil {
			continue
		}
		if !errors.Is(err, common.ErrNotFound) {
			return err
		}
		if _, err := store.Create(ctx, models.ResourceGroup, parent, models.Object{
			models.FieldID:      g.id,
			models.FieldMembers: g.members,
		}); err != nil {
			return err
		}
		if err := store.SetACL(ctx, uri, models.ACL{permissions.Write: {req.UserID}}); err != nil {
			return err
		}
	}

	collURI := res.Source.URI()
	acl, err := store.GetACL(ctx, collURI)
	if err != nil {
		return err
	}
	acl.Add(permissions.Write, uris...)
	return store.SetACL(ctx, collURI, acl)
}

// AutoCreate creates the buckets and collections of every configured
// resource when signer.auto_create_resources is set. Newly created sources
// get their destinations signed like on a regular collection creation.
func (b *Bootstrap) AutoCreate(ctx context.Context, backend storage.Backend, bus *events.Bus) error {
	if !b.settings.Bool(SettingAutoCreate, false) {
		return nil
	}
	principals := b.settings.List(SettingAutoCreatePrincipals, []string{models.Authenticated})

	return events.Run(ctx, backend, bus, models.PluginUserID, nil, func(ctx context.Context, req *events.Request) error {
		store := req.PluginStore()

		for _, t := range b.registry.BucketResources() {
			for _, c := range []*models.Coord{&t.Source, t.Preview, &t.Destination} {
				if c == nil {
					continue
				}
				if _, err := ensureBucket(ctx, store, c.Bucket, principals, c.Bucket == t.Source.Bucket); err != nil {
					return err
				}
			}
		}

		for _, res := range b.registry.Resources() {
			if _, err := ensureBucket(ctx, store, res.Source.Bucket, principals, true); err != nil {
				return err
			}
			created, err := ensureCollection(ctx, store, res.Source)
			if err != nil {
				return err
			}
			if !created {
				continue
			}
			sg, err := b.registry.Signer(res)
			if err != nil {
				return common.ErrSignerUnavailable.WithMessage(err.Error())
			}
			meta, err := req.Tx().Get(ctx, models.ResourceCollection, models.BucketURI(res.Source.Bucket), res.Source.Collection)
			if err != nil {
				return err
			}
			u := updater.New(res, sg, b.log, b.now)
			if _, err := u.SignAndUpdateDestination(ctx, req, updater.SignOptions{
				Source:         meta,
				NextStatus:     models.StatusSigned,
				PreviousStatus: models.StatusSigned,
			}); err != nil {
				return err
			}
			if res.Preview != nil {
				p := *res.Preview
				if _, err := u.SignAndUpdateDestination(ctx, req, updater.SignOptions{Source: meta, Target: &p}); err != nil {
					return err
				}
			}
			b.log.Info(ctx, "resource created", "resource", res.String())
		}
		return nil
	})
}

func ensureBucket(ctx context.Context, store storage.Store, bid string, principals []string, writable bool) (bool, error) {
	_, err := store.Get(ctx, models.ResourceBucket, "", bid)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return false, err
	}
	if _, err := store.Create(ctx, models.ResourceBucket, "", models.Object{models.FieldID: bid}); err != nil {
		return false, err
	}
	acl := models.ACL{}
	if writable {
		acl.Add(permissions.Write, principals...)
	} else {
		acl.Add(permissions.Read, models.Everyone)
	}
	return true, store.SetACL(ctx, models.BucketURI(bid), acl)
}

func ensureCollection(ctx context.Context, store storage.Store, c models.Coord) (bool, error) {
	parent := models.BucketURI(c.Bucket)
	_, err := store.Get(ctx, models.ResourceCollection, parent, c.Collection)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return false, err
	}
	_, err = store.Create(ctx, models.ResourceCollection, parent, models.Object{models.FieldID: c.Collection})
	return err == nil, err
}
