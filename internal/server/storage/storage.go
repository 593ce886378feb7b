// Package storage defines the object store the engine runs on: schemaless
// objects addressed by (resource, parent, id), a strictly increasing
// timestamp per (resource, parent), tombstones on deletion and ACLs keyed by
// object URI.
package storage

import (
	"context"

	"github.com/dmitrijs2005/remotesettings/internal/dbx"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
)

// Filter restricts List results. Results are always sorted by
// last_modified descending.
type Filter struct {
	// Since keeps only objects with last_modified strictly greater.
	Since *int64
	// IncludeDeleted keeps tombstones.
	IncludeDeleted bool
	// Limit caps the number of results when > 0.
	Limit int
}

// Store is the set of operations available both on a backend and inside a
// transaction.
type Store interface {
	// Get returns a live object or common.ErrNotFound.
	Get(ctx context.Context, resource, parent, id string) (models.Object, error)
	// Create fails with common.ErrAlreadyExists when a live object exists.
	Create(ctx context.Context, resource, parent string, obj models.Object) (models.Object, error)
	// Update creates or replaces the object. A fresh last_modified is
	// assigned; any incoming value is ignored.
	Update(ctx context.Context, resource, parent, id string, obj models.Object) (models.Object, error)
	// Delete replaces a live object with a tombstone and returns it.
	Delete(ctx context.Context, resource, parent, id string) (models.Object, error)
	// DeleteAll tombstones every live object under parent.
	DeleteAll(ctx context.Context, resource, parent string) ([]models.Object, error)
	// PurgeDeleted removes tombstones under parent.
	PurgeDeleted(ctx context.Context, resource, parent string) (int, error)
	// DropParent removes every object, tombstone and the timestamp of parent.
	DropParent(ctx context.Context, resource, parent string) error
	List(ctx context.Context, resource, parent string, f Filter) ([]models.Object, error)

	// Timestamp returns the high-water mark of parent, initialising it to
	// the current time when unknown. Read-only backends return
	// common.ErrReadOnly instead of initialising.
	Timestamp(ctx context.Context, resource, parent string) (int64, error)
	// Timestamps returns the timestamp of every known parent.
	Timestamps(ctx context.Context, resource string) (map[string]int64, error)

	GetACL(ctx context.Context, uri string) (models.ACL, error)
	SetACL(ctx context.Context, uri string, acl models.ACL) error
	// DeleteACL removes the ACL of uri and of every object below it.
	DeleteACL(ctx context.Context, uri string) error
	// MemberOf returns the URIs of the groups listing principal as member.
	MemberOf(ctx context.Context, principal string) ([]string, error)
}

// Tx is a Store whose writes become visible atomically on Commit.
type Tx interface {
	Store
	dbx.Tx
}

type Backend interface {
	Store
	Begin(ctx context.Context) (Tx, error)
	ReadOnly() bool
	Ping(ctx context.Context) error
	Close() error
}

// WithTx runs fn inside a transaction of b.
func WithTx(ctx context.Context, b Backend, fn func(ctx context.Context, tx Tx) error) error {
	return dbx.Run(ctx, b.Begin, fn)
}

// NextTimestamp is the rule every backend applies when bumping a parent:
// wall clock in milliseconds, but always strictly above the previous value.
func NextTimestamp(previous, nowMillis int64) int64 {
	if nowMillis > previous {
		return nowMillis
	}
	return previous + 1
}
