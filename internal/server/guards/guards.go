// Package guards rejects writes that would break signed content: floats in
// records, edits of engine-maintained metadata and deletion of collections
// that still receive published content. It also cascades the deletion of a
// source collection onto its preview and destination.
package guards

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/logging"
	"github.com/dmitrijs2005/remotesettings/internal/server/config"
	"github.com/dmitrijs2005/remotesettings/internal/server/events"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/resources"
	"github.com/dmitrijs2005/remotesettings/internal/server/updater"
)

const (
	SettingAllowFloats = "signer.allow_floats"
	SettingHardDelete  = "signer.hard_delete_destination_on_source_deletion"
)

type Guards struct {
	registry    *resources.Registry
	allowFloats bool
	hardDelete  bool
	log         logging.Logger
	now         func() time.Time
}

func New(registry *resources.Registry, settings config.Settings, log logging.Logger, now func() time.Time) *Guards {
	if log == nil {
		log = logging.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Guards{
		registry:    registry,
		allowFloats: settings.Bool(SettingAllowFloats, false),
		hardDelete:  settings.Bool(SettingHardDelete, false),
		log:         log.With("module", "guards"),
		now:         now,
	}
}

// Register subscribes the guards to bus. They must be registered before
// the signoff workflow so that a rejected write never reaches it.
func (g *Guards) Register(bus *events.Bus) {
	bus.OnResourceChanged(g.onResourceChanged)
}

func (g *Guards) onResourceChanged(ctx context.Context, req *events.Request, ev events.ResourceChanged) error {
	if ev.FromPlugin() {
		return nil
	}
	switch ev.Resource {
	case models.ResourceRecord:
		if ev.Action == events.ActionDelete || g.allowFloats {
			return nil
		}
		if _, _, ok := g.registry.Locate(models.Coord{Bucket: ev.Bucket, Collection: ev.Collection}); !ok {
			return nil
		}
		return CheckFloats(ev.New)
	case models.ResourceCollection:
		switch ev.Action {
		case events.ActionCreate, events.ActionUpdate:
			if _, ok := g.registry.Resolve(ev.Bucket, ev.Collection); !ok {
				return nil
			}
			return CheckTrackingFields(ev.Old, ev.New)
		case events.ActionDelete:
			return g.onCollectionDeleted(ctx, req, ev)
		}
	}
	return nil
}

// CheckFloats returns common.ErrFloatRejected naming the dotted path of the
// first non-integer number in obj.
func CheckFloats(obj models.Object) error {
	if path, ok := findFloat(map[string]any(obj), ""); ok {
		return common.ErrFloatRejected.
			WithMessagef("float value found at %q", path).
			WithDetails(map[string]any{"field": path})
	}
	return nil
}

func findFloat(v any, path string) (string, bool) {
	switch val := v.(type) {
	case json.Number:
		if strings.ContainsAny(string(val), ".eE") {
			return path, true
		}
	case float64:
		if val != math.Trunc(val) {
			return path, true
		}
	case float32:
		return path, true
	case []any:
		for i, elem := range val {
			if p, ok := findFloat(elem, join(path, strconv.Itoa(i))); ok {
				return p, true
			}
		}
	case models.Object:
		return findFloat(map[string]any(val), path)
	case map[string]any:
		for _, k := range sortedKeys(val) {
			if p, ok := findFloat(val[k], join(path, k)); ok {
				return p, true
			}
		}
	}
	return "", false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func join(path, elem string) string {
	if path == "" {
		return elem
	}
	return path + "." + elem
}

// CheckTrackingFields rejects a caller write that adds, changes or removes
// one of models.TrackingFields.
func CheckTrackingFields(old, new models.Object) error {
	for _, f := range models.TrackingFields {
		before, had := old[f]
		after, has := new[f]
		if had != has || !cmp.Equal(before, after) {
			return common.ErrTrackingFieldTamper.
				WithMessagef("cannot change %s", f).
				WithDetails(map[string]any{"field": f})
		}
	}
	return nil
}

func (g *Guards) onCollectionDeleted(ctx context.Context, req *events.Request, ev events.ResourceChanged) error {
	c := models.Coord{Bucket: ev.Bucket, Collection: ev.Collection}
	res, role, ok := g.registry.Locate(c)
	if !ok {
		return nil
	}
	if role != resources.RoleSource {
		_, err := req.Tx().Get(ctx, models.ResourceCollection, models.BucketURI(res.Source.Bucket), res.Source.Collection)
		switch {
		case err == nil:
			return common.ErrCollectionInUse.
				WithMessagef("collection is the %s of %s", role, res.Source).
				WithDetails(map[string]any{"source": res.Source.URI()})
		case errors.Is(err, common.ErrNotFound):
			return nil
		default:
			return err
		}
	}
	return g.cascade(ctx, req, res)
}

// cascade empties (or drops) the preview and destination of a deleted
// source and removes its review groups.
func (g *Guards) cascade(ctx context.Context, req *events.Request, res *resources.Resource) error {
	store := req.PluginStore()
	for _, target := range res.Targets() {
		parent := models.BucketURI(target.Bucket)
		_, err := req.Tx().Get(ctx, models.ResourceCollection, parent, target.Collection)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		if g.hardDelete {
			if _, err := store.DeleteAll(ctx, models.ResourceRecord, target.URI()); err != nil {
				return err
			}
			if _, err := store.Delete(ctx, models.ResourceCollection, parent, target.Collection); err != nil {
				return err
			}
			if err := req.Tx().DropParent(ctx, models.ResourceRecord, target.URI()); err != nil {
				return err
			}
			if err := req.Tx().DeleteACL(ctx, target.URI()); err != nil {
				return err
			}
			g.log.Info(ctx, "target deleted with its source", "target", target.String(), "source", res.Source.String())
			continue
		}

		if _, err := store.DeleteAll(ctx, models.ResourceRecord, target.URI()); err != nil {
			return err
		}
		sg, err := g.registry.Signer(res)
		if err != nil {
			return common.ErrSignerUnavailable.WithMessage(err.Error())
		}
		if err := updater.New(res, sg, g.log, g.now).RefreshSignature(ctx, req, target, ""); err != nil {
			return fmt.Errorf("refresh %s: %w", target, err)
		}
		g.log.Info(ctx, "target emptied with its source", "target", target.String(), "source", res.Source.String())
	}

	for _, group := range []string{res.EditorsGroup(), res.ReviewersGroup()} {
		_, err := store.Delete(ctx, models.ResourceGroup, models.BucketURI(res.Source.Bucket), group)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
		if err := req.Tx().DeleteACL(ctx, models.GroupURI(res.Source.Bucket, group)); err != nil {
			return err
		}
	}
	return nil
}
