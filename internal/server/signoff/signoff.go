// Package signoff implements the review workflow of signed resources. It
// listens to writes on source collections, validates status changes and
// drives the updater to publish, refresh or roll back content.
package signoff

import (
	"context"
	"errors"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/logging"
	"github.com/dmitrijs2005/remotesettings/internal/server/events"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/resources"
	"github.com/dmitrijs2005/remotesettings/internal/server/updater"
	"github.com/dmitrijs2005/remotesettings/internal/timex"
)

type Service struct {
	registry *resources.Registry
	log      logging.Logger
	now      func() time.Time
}

func New(registry *resources.Registry, log logging.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Service{registry: registry, log: log.With("module", "signoff"), now: now}
}

// Register subscribes the workflow to bus.
func (s *Service) Register(bus *events.Bus) {
	bus.OnResourceChanged(s.onResourceChanged)
}

func (s *Service) updater(res *resources.Resource) (*updater.Updater, error) {
	sg, err := s.registry.Signer(res)
	if err != nil {
		return nil, common.ErrSignerUnavailable.WithMessage(err.Error())
	}
	return updater.New(res, sg, s.log, s.now), nil
}

func (s *Service) onResourceChanged(ctx context.Context, req *events.Request, ev events.ResourceChanged) error {
	if ev.FromPlugin() {
		return nil
	}
	switch ev.Resource {
	case models.ResourceCollection:
		switch ev.Action {
		case events.ActionCreate:
			return s.onCollectionCreated(ctx, req, ev)
		case events.ActionUpdate:
			return s.onCollectionUpdated(ctx, req, ev)
		}
	case models.ResourceRecord:
		return s.onRecordChanged(ctx, req, ev)
	}
	return nil
}

// onCollectionCreated signs an empty destination for a new source, which
// counts as its first approval.
func (s *Service) onCollectionCreated(ctx context.Context, req *events.Request, ev events.ResourceChanged) error {
	s.registry.Expand(ev.Bucket, ev.Collection)
	res, ok := s.registry.Resolve(ev.Bucket, ev.Collection)
	if !ok {
		return nil
	}
	u, err := s.updater(res)
	if err != nil {
		return err
	}
	_, err = u.SignAndUpdateDestination(ctx, req, updater.SignOptions{
		Source:         ev.New,
		NextStatus:     models.StatusSigned,
		PreviousStatus: models.StatusSigned,
	})
	if err != nil {
		return err
	}
	if res.Preview != nil {
		p := *res.Preview
		if _, err := u.SignAndUpdateDestination(ctx, req, updater.SignOptions{Source: ev.New, Target: &p}); err != nil {
			return err
		}
	}
	req.Emit(events.ReviewEvent{
		Kind:        events.ReviewApproved,
		Source:      res.Source,
		Destination: res.Destination,
		Preview:     res.Preview,
		UserID:      req.UserID,
	})
	return nil
}

// onRecordChanged marks the source as work in progress.
func (s *Service) onRecordChanged(ctx context.Context, req *events.Request, ev events.ResourceChanged) error {
	res, ok := s.registry.Resolve(ev.Bucket, ev.Collection)
	if !ok {
		return nil
	}
	u, err := s.updater(res)
	if err != nil {
		return err
	}
	_, err = u.SourceMetadata(ctx, req)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return u.SetSourceFields(ctx, req, models.Object{
		models.FieldStatus:       models.StatusWorkInProgress,
		models.FieldLastEditBy:   req.UserID,
		models.FieldLastEditDate: timex.ISODate(s.now()),
	})
}

func (s *Service) onCollectionUpdated(ctx context.Context, req *events.Request, ev events.ResourceChanged) error {
	res, ok := s.registry.Resolve(ev.Bucket, ev.Collection)
	if !ok {
		return nil
	}

	oldStatus := ev.Old.String(models.FieldStatus)
	_, hasStatus := ev.New[models.FieldStatus]
	newStatus := ev.New.String(models.FieldStatus)

	if !hasStatus && oldStatus != "" {
		return common.ErrInvalidTransition.WithMessage("cannot remove status")
	}
	if hasStatus && newStatus == "" {
		return common.ErrBadRequest.WithMessage("status must be a non-empty string")
	}
	if newStatus == oldStatus {
		return s.onMetadataEdited(ctx, req, res, ev, oldStatus)
	}

	who := actor{userID: req.UserID, hasPrincipal: req.HasPrincipal}
	if err := checkTransition(ctx, res, who, ev.Old, oldStatus, newStatus); err != nil {
		return err
	}

	u, err := s.updater(res)
	if err != nil {
		return err
	}
	t := &transition{svc: s, req: req, res: res, up: u, old: ev.Old, new: ev.New, from: oldStatus}

	switch newStatus {
	case models.StatusWorkInProgress:
		return t.backToWork(ctx)
	case models.StatusToReview:
		return t.requestReview(ctx)
	case models.StatusToSign:
		return t.approve(ctx)
	case models.StatusToResign:
		return t.resign(ctx)
	case models.StatusToRollback:
		return t.rollback(ctx)
	}
	return nil
}

// onMetadataEdited moves a signed or reviewed source back to work in
// progress when a field published with the destination changes, so the
// edit can go through review.
func (s *Service) onMetadataEdited(ctx context.Context, req *events.Request, res *resources.Resource, ev events.ResourceChanged, status string) error {
	if status != models.StatusSigned && status != models.StatusToReview {
		return nil
	}
	edited := false
	for _, f := range models.PassthroughFields {
		if !cmp.Equal(ev.Old[f], ev.New[f]) {
			edited = true
			break
		}
	}
	if !edited {
		return nil
	}
	u, err := s.updater(res)
	if err != nil {
		return err
	}
	return u.SetSourceFields(ctx, req, models.Object{
		models.FieldStatus:       models.StatusWorkInProgress,
		models.FieldLastEditBy:   req.UserID,
		models.FieldLastEditDate: timex.ISODate(s.now()),
	})
}

type transition struct {
	svc  *Service
	req  *events.Request
	res  *resources.Resource
	up   *updater.Updater
	old  models.Object
	new  models.Object
	from string
}

func (t *transition) event(kind events.ReviewKind, changes int, comment string) events.ReviewEvent {
	return events.ReviewEvent{
		Kind:         kind,
		Source:       t.res.Source,
		Destination:  t.res.Destination,
		Preview:      t.res.Preview,
		UserID:       t.req.UserID,
		ChangesCount: changes,
		Comment:      comment,
	}
}

// commentChanged reports whether the caller supplied field in this write.
func (t *transition) commentChanged(field string) bool {
	v, ok := t.new[field]
	if !ok {
		return false
	}
	return !cmp.Equal(v, t.old[field])
}

func (t *transition) backToWork(ctx context.Context) error {
	err := t.up.SetSourceFields(ctx, t.req, models.Object{
		models.FieldLastEditBy:   t.req.UserID,
		models.FieldLastEditDate: timex.ISODate(t.svc.now()),
	})
	if err != nil {
		return err
	}
	if t.from == models.StatusToReview {
		t.req.Emit(t.event(events.ReviewRejected, 0, t.new.String(models.FieldLastReviewerComment)))
	}
	return nil
}

func (t *transition) requestReview(ctx context.Context) error {
	if t.res.Preview != nil {
		p := *t.res.Preview
		_, err := t.up.SignAndUpdateDestination(ctx, t.req, updater.SignOptions{Source: t.new, Target: &p})
		if err != nil {
			return err
		}
	}
	if err := t.up.UpdateSourceStatus(ctx, t.req, models.StatusToReview, t.from); err != nil {
		return err
	}

	comment := ""
	if t.commentChanged(models.FieldLastEditorComment) {
		comment = t.new.String(models.FieldLastEditorComment)
	}
	err := t.up.SetSourceFields(ctx, t.req, models.Object{
		models.FieldLastEditorComment:   comment,
		models.FieldLastReviewerComment: "",
	})
	if err != nil {
		return err
	}
	t.req.Emit(t.event(events.ReviewRequested, 0, comment))
	return nil
}

func (t *transition) approve(ctx context.Context) error {
	changes, err := t.up.SignAndUpdateDestination(ctx, t.req, updater.SignOptions{
		Source:         t.new,
		NextStatus:     models.StatusSigned,
		PreviousStatus: t.from,
	})
	if err != nil {
		return err
	}
	if t.res.Preview != nil {
		p := *t.res.Preview
		if _, err := t.up.SignAndUpdateDestination(ctx, t.req, updater.SignOptions{Source: t.new, Target: &p}); err != nil {
			return err
		}
	}
	if t.from == models.StatusSigned {
		return nil
	}
	if err := t.up.SetSourceFields(ctx, t.req, models.Object{models.FieldLastEditorComment: ""}); err != nil {
		return err
	}
	t.req.Emit(t.event(events.ReviewApproved, changes, t.new.String(models.FieldLastReviewerComment)))
	return nil
}

func (t *transition) resign(ctx context.Context) error {
	if t.res.Preview != nil {
		if err := t.up.RefreshSignature(ctx, t.req, *t.res.Preview, ""); err != nil {
			return err
		}
	}
	restore := t.from
	if restore == "" || restore == models.StatusToResign {
		restore = models.StatusSigned
	}
	return t.up.RefreshSignature(ctx, t.req, t.res.Destination, restore)
}

func (t *transition) rollback(ctx context.Context) error {
	changes, err := t.up.Rollback(ctx, t.req)
	if err != nil {
		return err
	}
	if changes > 0 {
		t.req.Emit(t.event(events.ReviewCanceled, changes, ""))
	}
	return nil
}
