package events

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
)

// Request is the per-request unit of work: one transaction, the identity of
// the caller and the queue of pending review events.
type Request struct {
	UserID     string
	Principals []string

	bus         *Bus
	tx          storage.Tx
	pending     []ReviewEvent
	afterCommit []func(ctx context.Context)
}

// Run executes fn inside a transaction of backend. Queued review events are
// dispatched after fn succeeds and before the commit; after-commit hooks run
// once the commit went through.
func Run(ctx context.Context, backend storage.Backend, bus *Bus, userID string, principals []string, fn func(ctx context.Context, req *Request) error) error {
	req := &Request{UserID: userID, Principals: principals, bus: bus}

	err := storage.WithTx(ctx, backend, func(ctx context.Context, tx storage.Tx) error {
		req.tx = tx
		if err := fn(ctx, req); err != nil {
			return err
		}
		return req.flush(ctx)
	})
	if err != nil {
		return err
	}

	for _, hook := range req.afterCommit {
		hook(ctx)
	}
	return nil
}

func (r *Request) flush(ctx context.Context) error {
	for len(r.pending) > 0 {
		ev := r.pending[0]
		r.pending = r.pending[1:]
		if err := r.bus.dispatchReview(ctx, r, ev); err != nil {
			return err
		}
	}
	return nil
}

// Emit queues a review event for the pre-commit phase.
func (r *Request) Emit(ev ReviewEvent) {
	r.pending = append(r.pending, ev)
}

// AfterCommit registers fn to run after a successful commit.
func (r *Request) AfterCommit(fn func(ctx context.Context)) {
	r.afterCommit = append(r.afterCommit, fn)
}

// Store is the transaction seen as the caller: writes notify listeners.
func (r *Request) Store() storage.Store {
	return &notifier{Store: r.tx, req: r, userID: r.UserID}
}

// PluginStore is the transaction seen as the engine itself.
func (r *Request) PluginStore() storage.Store {
	return &notifier{Store: r.tx, req: r, userID: models.PluginUserID}
}

// Tx gives raw access to the transaction, without notifications.
func (r *Request) Tx() storage.Store {
	return r.tx
}

// HasPrincipal reports whether the caller holds p.
func (r *Request) HasPrincipal(p string) bool {
	for _, have := range r.Principals {
		if have == p {
			return true
		}
	}
	return false
}

type notifier struct {
	storage.Store
	req    *Request
	userID string
}

func (n *notifier) notify(ctx context.Context, action Action, resource, parent, id string, old, new models.Object) error {
	bid, cid := locate(resource, parent, id)
	return n.req.bus.dispatch(ctx, n.req, ResourceChanged{
		Action:     action,
		Resource:   resource,
		Bucket:     bid,
		Collection: cid,
		ObjectID:   id,
		UserID:     n.userID,
		Old:        old,
		New:        new,
	})
}

func (n *notifier) Create(ctx context.Context, resource, parent string, obj models.Object) (models.Object, error) {
	out, err := n.Store.Create(ctx, resource, parent, obj)
	if err != nil {
		return nil, err
	}
	return out, n.notify(ctx, ActionCreate, resource, parent, out.ID(), nil, out)
}

func (n *notifier) Update(ctx context.Context, resource, parent, id string, obj models.Object) (models.Object, error) {
	old, err := n.Store.Get(ctx, resource, parent, id)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	out, err := n.Store.Update(ctx, resource, parent, id, obj)
	if err != nil {
		return nil, err
	}
	action := ActionUpdate
	if old == nil {
		action = ActionCreate
	}
	return out, n.notify(ctx, action, resource, parent, id, old, out)
}

func (n *notifier) Delete(ctx context.Context, resource, parent, id string) (models.Object, error) {
	old, err := n.Store.Get(ctx, resource, parent, id)
	if err != nil {
		return nil, err
	}
	tomb, err := n.Store.Delete(ctx, resource, parent, id)
	if err != nil {
		return nil, err
	}
	return tomb, n.notify(ctx, ActionDelete, resource, parent, id, old, tomb)
}

func (n *notifier) DeleteAll(ctx context.Context, resource, parent string) ([]models.Object, error) {
	live, err := n.Store.List(ctx, resource, parent, storage.Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]models.Object, 0, len(live))
	for _, o := range live {
		tomb, err := n.Delete(ctx, resource, parent, o.ID())
		if err != nil {
			return nil, err
		}
		out = append(out, tomb)
	}
	return out, nil
}
