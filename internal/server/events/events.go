// Package events is the in-process event bus. ResourceChanged events are
// dispatched inline while the request runs; review events are queued on the
// request and dispatched in the pre-commit phase of its transaction, so they
// vanish with a rollback.
package events

import (
	"context"
	"strings"

	"github.com/dmitrijs2005/remotesettings/internal/server/models"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ResourceChanged describes one write on the object store.
type ResourceChanged struct {
	Action     Action
	Resource   string
	Bucket     string
	Collection string
	ObjectID   string
	UserID     string
	Old        models.Object
	New        models.Object
}

// FromPlugin reports whether the engine itself issued the write.
func (e ResourceChanged) FromPlugin() bool {
	return e.UserID == models.PluginUserID
}

type ReviewKind string

const (
	ReviewRequested ReviewKind = "ReviewRequested"
	ReviewApproved  ReviewKind = "ReviewApproved"
	ReviewRejected  ReviewKind = "ReviewRejected"
	ReviewCanceled  ReviewKind = "ReviewCanceled"
)

// ReviewEvent is emitted by the signoff workflow.
type ReviewEvent struct {
	Kind         ReviewKind
	Source       models.Coord
	Destination  models.Coord
	Preview      *models.Coord
	UserID       string
	ChangesCount int
	Comment      string
}

type (
	ResourceListener func(ctx context.Context, req *Request, ev ResourceChanged) error
	ReviewListener   func(ctx context.Context, req *Request, ev ReviewEvent) error
)

// Bus holds the listeners. They are registered once at startup.
type Bus struct {
	resource []ResourceListener
	review   []ReviewListener
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) OnResourceChanged(l ResourceListener) {
	b.resource = append(b.resource, l)
}

func (b *Bus) OnReview(l ReviewListener) {
	b.review = append(b.review, l)
}

func (b *Bus) dispatch(ctx context.Context, req *Request, ev ResourceChanged) error {
	for _, l := range b.resource {
		if err := l(ctx, req, ev); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) dispatchReview(ctx context.Context, req *Request, ev ReviewEvent) error {
	for _, l := range b.review {
		if err := l(ctx, req, ev); err != nil {
			return err
		}
	}
	return nil
}

// locate derives bucket and collection ids from a storage address.
func locate(resource, parent, id string) (bucket, collection string) {
	parts := strings.Split(strings.TrimPrefix(parent, "/"), "/")
	switch resource {
	case models.ResourceBucket:
		return id, ""
	case models.ResourceCollection:
		if len(parts) >= 2 {
			return parts[1], id
		}
	case models.ResourceGroup:
		if len(parts) >= 2 {
			return parts[1], ""
		}
	default:
		if len(parts) >= 4 {
			return parts[1], parts[3]
		}
	}
	return "", ""
}
