// Package updater moves records between the collections of a resource and
// maintains the signature and tracking metadata that go with them.
//
// Every write goes through the plugin-attributed store of the request, so
// the effects join the caller's transaction and listeners can tell them
// apart from user writes.
package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/logging"
	"github.com/dmitrijs2005/remotesettings/internal/server/canonical"
	"github.com/dmitrijs2005/remotesettings/internal/server/events"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/resources"
	"github.com/dmitrijs2005/remotesettings/internal/server/signer"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
	"github.com/dmitrijs2005/remotesettings/internal/timex"
)

// Updater operates on one resource.
type Updater struct {
	res    *resources.Resource
	signer signer.Signer
	now    func() time.Time
	log    logging.Logger
}

func New(res *resources.Resource, s signer.Signer, log logging.Logger, now func() time.Time) *Updater {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Updater{res: res, signer: s, now: now, log: log.With("resource", res.String())}
}

func (u *Updater) Resource() *resources.Resource {
	return u.res
}

// SignOptions drive SignAndUpdateDestination.
type SignOptions struct {
	// Source is the current source metadata; its passthrough fields are
	// merged into the destination metadata.
	Source models.Object
	// NextStatus, when set, is written on the source with the matching
	// tracking fields.
	NextStatus string
	// PreviousStatus is the source status before the transition.
	PreviousStatus string
	// Target defaults to the destination; the to-review step signs the
	// preview instead.
	Target *models.Coord
}

// CreateDestination makes sure the preview and destination buckets and
// collections exist. New buckets are writable by the caller, new
// collections are readable by everyone.
func (u *Updater) CreateDestination(ctx context.Context, req *events.Request) error {
	store := req.PluginStore()
	for _, c := range u.res.Targets() {
		if err := ensureBucket(ctx, store, c.Bucket, req.UserID); err != nil {
			return err
		}
		if err := ensureCollection(ctx, store, c); err != nil {
			return err
		}
	}
	return nil
}

func ensureBucket(ctx context.Context, store storage.Store, bid, owner string) error {
	_, err := store.Get(ctx, models.ResourceBucket, "", bid)
	if err == nil {
		return nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return err
	}
	if _, err := store.Create(ctx, models.ResourceBucket, "", models.Object{models.FieldID: bid}); err != nil {
		return err
	}
	acl, err := store.GetACL(ctx, models.BucketURI(bid))
	if err != nil {
		return err
	}
	acl.Add(models.PermWrite, owner)
	return store.SetACL(ctx, models.BucketURI(bid), acl)
}

func ensureCollection(ctx context.Context, store storage.Store, c models.Coord) error {
	parent := models.Parent(models.ResourceCollection, c)
	_, err := store.Get(ctx, models.ResourceCollection, parent, c.Collection)
	if err == nil {
		return nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return err
	}
	if _, err := store.Create(ctx, models.ResourceCollection, parent, models.Object{models.FieldID: c.Collection}); err != nil {
		return err
	}
	acl, err := store.GetACL(ctx, c.URI())
	if err != nil {
		return err
	}
	acl.Add(models.PermRead, models.Everyone)
	return store.SetACL(ctx, c.URI(), acl)
}

// PushRecords makes to's records match the source and returns the number
// of records created, updated or deleted.
func (u *Updater) PushRecords(ctx context.Context, req *events.Request, to models.Coord) (int, error) {
	return syncRecords(ctx, req.PluginStore(), u.res.Source, to)
}

// syncRecords makes the records of to equal to the live records of from.
// Records are compared without last_modified and schema; copies drop
// last_modified so the target assigns a fresh one.
func syncRecords(ctx context.Context, store storage.Store, from, to models.Coord) (int, error) {
	fromParent := models.Parent(models.ResourceRecord, from)
	toParent := models.Parent(models.ResourceRecord, to)

	src, err := store.List(ctx, models.ResourceRecord, fromParent, storage.Filter{IncludeDeleted: true})
	if err != nil {
		return 0, err
	}
	dst, err := store.List(ctx, models.ResourceRecord, toParent, storage.Filter{IncludeDeleted: true})
	if err != nil {
		return 0, err
	}

	srcByID := make(map[string]models.Object, len(src))
	for _, r := range src {
		srcByID[r.ID()] = r
	}
	dstByID := make(map[string]models.Object, len(dst))
	for _, r := range dst {
		dstByID[r.ID()] = r
	}

	changes := 0
	for _, r := range src {
		id := r.ID()
		existing, ok := dstByID[id]
		live := ok && !existing.Deleted()

		if r.Deleted() {
			if !live {
				continue
			}
			if _, err := store.Delete(ctx, models.ResourceRecord, toParent, id); err != nil {
				return 0, err
			}
			changes++
			continue
		}

		if live && SameRecord(r, existing) {
			continue
		}
		if _, err := store.Update(ctx, models.ResourceRecord, toParent, id, r.Without(models.FieldLastModified)); err != nil {
			return 0, err
		}
		changes++
	}

	for _, r := range dst {
		if r.Deleted() {
			continue
		}
		if _, ok := srcByID[r.ID()]; ok {
			continue
		}
		if _, err := store.Delete(ctx, models.ResourceRecord, toParent, r.ID()); err != nil {
			return 0, err
		}
		changes++
	}
	return changes, nil
}

// SameRecord compares two records ignoring last_modified and schema.
func SameRecord(a, b models.Object) bool {
	return cmp.Equal(
		a.Without(models.FieldLastModified, models.FieldSchema),
		b.Without(models.FieldLastModified, models.FieldSchema),
	)
}

// SignAndUpdateDestination creates the targets, pushes the source records
// to the target, signs it and updates the source tracking fields. It
// returns the number of pushed records.
func (u *Updater) SignAndUpdateDestination(ctx context.Context, req *events.Request, opts SignOptions) (int, error) {
	target := u.res.Destination
	if opts.Target != nil {
		target = *opts.Target
	}

	if err := u.CreateDestination(ctx, req); err != nil {
		return 0, err
	}
	changes, err := u.PushRecords(ctx, req, target)
	if err != nil {
		return 0, err
	}
	if err := u.sign(ctx, req, target, opts.Source); err != nil {
		return 0, err
	}
	if opts.NextStatus != "" {
		if err := u.UpdateSourceStatus(ctx, req, opts.NextStatus, opts.PreviousStatus); err != nil {
			return 0, err
		}
	}
	u.log.Info(ctx, "signed", "target", target.String(), "changes", changes)
	return changes, nil
}

// RefreshSignature re-signs target without copying records. When
// nextStatus is set the source status and last_signature_* are updated.
func (u *Updater) RefreshSignature(ctx context.Context, req *events.Request, target models.Coord, nextStatus string) error {
	if err := u.CreateDestination(ctx, req); err != nil {
		return err
	}
	source, err := u.SourceMetadata(ctx, req)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}
	if err := u.sign(ctx, req, target, source); err != nil {
		return err
	}
	if nextStatus == "" {
		return nil
	}
	return u.setSourceFields(ctx, req, models.Object{
		models.FieldStatus:            nextStatus,
		models.FieldLastSignatureBy:   req.UserID,
		models.FieldLastSignatureDate: timex.ISODate(u.now()),
	})
}

// Rollback restores the source (and the preview) from the destination and
// returns the number of source records changed. Comments are cleared and
// the source is marked signed again.
func (u *Updater) Rollback(ctx context.Context, req *events.Request) (int, error) {
	if err := u.CreateDestination(ctx, req); err != nil {
		return 0, err
	}
	store := req.PluginStore()

	changes, err := syncRecords(ctx, store, u.res.Destination, u.res.Source)
	if err != nil {
		return 0, err
	}
	if u.res.Preview != nil {
		if _, err := syncRecords(ctx, store, u.res.Destination, *u.res.Preview); err != nil {
			return 0, err
		}
		if err := u.RefreshSignature(ctx, req, *u.res.Preview, ""); err != nil {
			return 0, err
		}
	}

	err = u.setSourceFields(ctx, req, models.Object{
		models.FieldStatus:              models.StatusSigned,
		models.FieldLastEditorComment:   "",
		models.FieldLastReviewerComment: "",
	})
	if err != nil {
		return 0, err
	}
	return changes, nil
}

// UpdateSourceStatus writes status on the source with its tracking fields.
func (u *Updater) UpdateSourceStatus(ctx context.Context, req *events.Request, status, previous string) error {
	date := timex.ISODate(u.now())
	fields := models.Object{models.FieldStatus: status}

	switch status {
	case models.StatusToReview:
		fields[models.FieldLastReviewRequestBy] = req.UserID
		fields[models.FieldLastReviewRequestDate] = date
	case models.StatusSigned:
		if previous != models.StatusSigned {
			fields[models.FieldLastReviewBy] = req.UserID
			fields[models.FieldLastReviewDate] = date
		}
		fields[models.FieldLastSignatureBy] = req.UserID
		fields[models.FieldLastSignatureDate] = date
	}
	return u.setSourceFields(ctx, req, fields)
}

// SetSourceFields merges fields into the source metadata.
func (u *Updater) SetSourceFields(ctx context.Context, req *events.Request, fields models.Object) error {
	return u.setSourceFields(ctx, req, fields)
}

func (u *Updater) setSourceFields(ctx context.Context, req *events.Request, fields models.Object) error {
	store := req.PluginStore()
	parent := models.Parent(models.ResourceCollection, u.res.Source)

	meta, err := store.Get(ctx, models.ResourceCollection, parent, u.res.Source.Collection)
	if err != nil {
		return err
	}
	for k, v := range fields {
		meta[k] = v
	}
	_, err = store.Update(ctx, models.ResourceCollection, parent, u.res.Source.Collection, meta)
	return err
}

// SourceMetadata reads the current source collection object.
func (u *Updater) SourceMetadata(ctx context.Context, req *events.Request) (models.Object, error) {
	return req.Tx().Get(ctx, models.ResourceCollection, models.Parent(models.ResourceCollection, u.res.Source), u.res.Source.Collection)
}

// Payload returns the canonical bytes of target and its records timestamp.
func Payload(ctx context.Context, store storage.Store, target models.Coord) ([]byte, int64, error) {
	parent := models.Parent(models.ResourceRecord, target)
	records, err := store.List(ctx, models.ResourceRecord, parent, storage.Filter{})
	if err != nil {
		return nil, 0, err
	}
	ts, err := store.Timestamp(ctx, models.ResourceRecord, parent)
	if err != nil {
		return nil, 0, err
	}
	payload, err := canonical.Serialize(records, ts)
	if err != nil {
		return nil, 0, err
	}
	return payload, ts, nil
}

func (u *Updater) sign(ctx context.Context, req *events.Request, target models.Coord, source models.Object) error {
	payload, _, err := Payload(ctx, req.Tx(), target)
	if err != nil {
		return err
	}
	sig, err := u.signer.Sign(ctx, payload)
	if err != nil {
		return fmt.Errorf("signing %s: %w", target, err)
	}
	return setSignature(ctx, req.PluginStore(), target, source, sig)
}

// setSignature writes the signature on target's metadata. Passthrough
// fields of the source are copied when absent from the target.
func setSignature(ctx context.Context, store storage.Store, target models.Coord, source models.Object, sig *signer.Signature) error {
	parent := models.Parent(models.ResourceCollection, target)
	meta, err := store.Get(ctx, models.ResourceCollection, parent, target.Collection)
	if err != nil {
		return err
	}
	for _, f := range models.PassthroughFields {
		if _, ok := meta[f]; ok {
			continue
		}
		if v, ok := source[f]; ok {
			meta[f] = v
		}
	}
	meta[models.FieldSignature] = map[string]any(sig.Object())
	delete(meta, models.FieldStatus)

	_, err = store.Update(ctx, models.ResourceCollection, parent, target.Collection, meta)
	return err
}
