package events

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
)

var errWriteInRead = errors.New("write attempted in a read request")

// Read runs fn against backend outside any transaction, so it does not
// wait for concurrent writers. The request's stores refuse writes, and
// review events or after-commit hooks registered by fn are dropped.
func Read(ctx context.Context, backend storage.Backend, userID string, principals []string, fn func(ctx context.Context, req *Request) error) error {
	req := &Request{UserID: userID, Principals: principals, bus: NewBus(), tx: readView{Store: backend}}
	return fn(ctx, req)
}

// readView is a backend posing as a transaction. Lazy timestamp
// initialisation stays allowed: it is part of reading a parent.
type readView struct {
	storage.Store
}

func (readView) Commit() error   { return nil }
func (readView) Rollback() error { return nil }

func (readView) Create(context.Context, string, string, models.Object) (models.Object, error) {
	return nil, errWriteInRead
}

func (readView) Update(context.Context, string, string, string, models.Object) (models.Object, error) {
	return nil, errWriteInRead
}

func (readView) Delete(context.Context, string, string, string) (models.Object, error) {
	return nil, errWriteInRead
}

func (readView) DeleteAll(context.Context, string, string) ([]models.Object, error) {
	return nil, errWriteInRead
}

func (readView) PurgeDeleted(context.Context, string, string) (int, error) {
	return 0, errWriteInRead
}

func (readView) DropParent(context.Context, string, string) error {
	return errWriteInRead
}

func (readView) SetACL(context.Context, string, models.ACL) error {
	return errWriteInRead
}

func (readView) DeleteACL(context.Context, string) error {
	return errWriteInRead
}
