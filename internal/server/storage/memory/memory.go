// Package memory is the in-process storage backend. A transaction works on a
// private copy-on-write fork of the state that replaces the shared state on
// commit, so readers never observe partial writes. Writers are serialized.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
)

type key struct {
	resource string
	parent   string
}

type state struct {
	objects    map[key]map[string]models.Object
	timestamps map[key]int64
	acls       map[string]models.ACL
	owned      map[key]bool
}

func newState() *state {
	return &state{
		objects:    map[key]map[string]models.Object{},
		timestamps: map[key]int64{},
		acls:       map[string]models.ACL{},
		owned:      map[key]bool{},
	}
}

// fork shares the stored objects, which are never mutated in place. Inner
// maps are copied on first write.
func (s *state) fork() *state {
	f := &state{
		objects:    make(map[key]map[string]models.Object, len(s.objects)),
		timestamps: make(map[key]int64, len(s.timestamps)),
		acls:       make(map[string]models.ACL, len(s.acls)),
		owned:      map[key]bool{},
	}
	for k, v := range s.objects {
		f.objects[k] = v
	}
	for k, v := range s.timestamps {
		f.timestamps[k] = v
	}
	for k, v := range s.acls {
		f.acls[k] = v
	}
	return f
}

func (s *state) bucket(k key) map[string]models.Object {
	if !s.owned[k] {
		cp := make(map[string]models.Object, len(s.objects[k]))
		for id, o := range s.objects[k] {
			cp[id] = o
		}
		s.objects[k] = cp
		s.owned[k] = true
	}
	return s.objects[k]
}

type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithReadOnly makes every write fail with common.ErrReadOnly.
func WithReadOnly() Option {
	return func(s *Store) { s.readOnly = true }
}

type Store struct {
	mu       sync.RWMutex
	writer   sync.Mutex
	st       *state
	readOnly bool
	now      func() time.Time
}

var _ storage.Backend = (*Store)(nil)

func New(opts ...Option) *Store {
	s := &Store{st: newState(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) ReadOnly() bool                 { return s.readOnly }
func (s *Store) Ping(ctx context.Context) error { return nil }
func (s *Store) Close() error                   { return nil }

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	s.writer.Lock()
	s.mu.RLock()
	st := s.st.fork()
	s.mu.RUnlock()
	return &tx{view: view{st: st, now: s.now, readOnly: s.readOnly}, store: s}, nil
}

func (s *Store) read() *view {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &view{st: s.st, now: s.now, readOnly: true}
}

func (s *Store) write(ctx context.Context, fn func(v storage.Store) error) error {
	return storage.WithTx(ctx, s, func(ctx context.Context, tx storage.Tx) error {
		return fn(tx)
	})
}

func (s *Store) Get(ctx context.Context, resource, parent, id string) (models.Object, error) {
	return s.read().Get(ctx, resource, parent, id)
}

func (s *Store) Create(ctx context.Context, resource, parent string, obj models.Object) (out models.Object, err error) {
	err = s.write(ctx, func(v storage.Store) error {
		out, err = v.Create(ctx, resource, parent, obj)
		return err
	})
	return out, err
}

func (s *Store) Update(ctx context.Context, resource, parent, id string, obj models.Object) (out models.Object, err error) {
	err = s.write(ctx, func(v storage.Store) error {
		out, err = v.Update(ctx, resource, parent, id, obj)
		return err
	})
	return out, err
}

func (s *Store) Delete(ctx context.Context, resource, parent, id string) (out models.Object, err error) {
	err = s.write(ctx, func(v storage.Store) error {
		out, err = v.Delete(ctx, resource, parent, id)
		return err
	})
	return out, err
}

func (s *Store) DeleteAll(ctx context.Context, resource, parent string) (out []models.Object, err error) {
	err = s.write(ctx, func(v storage.Store) error {
		out, err = v.DeleteAll(ctx, resource, parent)
		return err
	})
	return out, err
}

func (s *Store) PurgeDeleted(ctx context.Context, resource, parent string) (n int, err error) {
	err = s.write(ctx, func(v storage.Store) error {
		n, err = v.PurgeDeleted(ctx, resource, parent)
		return err
	})
	return n, err
}

func (s *Store) DropParent(ctx context.Context, resource, parent string) error {
	return s.write(ctx, func(v storage.Store) error {
		return v.DropParent(ctx, resource, parent)
	})
}

func (s *Store) List(ctx context.Context, resource, parent string, f storage.Filter) ([]models.Object, error) {
	return s.read().List(ctx, resource, parent, f)
}

func (s *Store) Timestamp(ctx context.Context, resource, parent string) (ts int64, err error) {
	if ts, ok := s.read().lookupTimestamp(resource, parent); ok {
		return ts, nil
	}
	if s.readOnly {
		return 0, fmt.Errorf("timestamp of %s: %w", parent, common.ErrReadOnly)
	}
	err = s.write(ctx, func(v storage.Store) error {
		ts, err = v.Timestamp(ctx, resource, parent)
		return err
	})
	return ts, err
}

func (s *Store) Timestamps(ctx context.Context, resource string) (map[string]int64, error) {
	return s.read().Timestamps(ctx, resource)
}

func (s *Store) GetACL(ctx context.Context, uri string) (models.ACL, error) {
	return s.read().GetACL(ctx, uri)
}

func (s *Store) SetACL(ctx context.Context, uri string, acl models.ACL) error {
	return s.write(ctx, func(v storage.Store) error {
		return v.SetACL(ctx, uri, acl)
	})
}

func (s *Store) DeleteACL(ctx context.Context, uri string) error {
	return s.write(ctx, func(v storage.Store) error {
		return v.DeleteACL(ctx, uri)
	})
}

func (s *Store) MemberOf(ctx context.Context, principal string) ([]string, error) {
	return s.read().MemberOf(ctx, principal)
}

type tx struct {
	view
	store *Store
	done  bool
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Lock()
	t.store.st = t.st
	t.store.mu.Unlock()
	t.store.writer.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.writer.Unlock()
	return nil
}

// view implements storage.Store over one state.
type view struct {
	st       *state
	now      func() time.Time
	readOnly bool
}

func notFound(resource, id string) error {
	return common.ErrNotFound.WithMessagef("%s %q not found", resource, id)
}

func (v *view) checkWritable() error {
	if v.readOnly {
		return common.ErrReadOnly.WithMessage("storage is read-only")
	}
	return nil
}

func (v *view) bump(k key) int64 {
	ts := storage.NextTimestamp(v.st.timestamps[k], v.now().UnixMilli())
	v.st.timestamps[k] = ts
	return ts
}

func (v *view) lookupTimestamp(resource, parent string) (int64, bool) {
	ts, ok := v.st.timestamps[key{resource, parent}]
	return ts, ok
}

func (v *view) Get(ctx context.Context, resource, parent, id string) (models.Object, error) {
	o, ok := v.st.objects[key{resource, parent}][id]
	if !ok || o.Deleted() {
		return nil, notFound(resource, id)
	}
	return o.Clone(), nil
}

func (v *view) Create(ctx context.Context, resource, parent string, obj models.Object) (models.Object, error) {
	id := obj.ID()
	if o, ok := v.st.objects[key{resource, parent}][id]; ok && !o.Deleted() {
		return nil, common.ErrAlreadyExists.WithMessagef("%s %q already exists", resource, id)
	}
	return v.Update(ctx, resource, parent, id, obj)
}

func (v *view) Update(ctx context.Context, resource, parent, id string, obj models.Object) (models.Object, error) {
	if err := v.checkWritable(); err != nil {
		return nil, err
	}
	k := key{resource, parent}
	stored := obj.Clone()
	if stored == nil {
		stored = models.Object{}
	}
	delete(stored, models.FieldDeleted)
	stored[models.FieldID] = id
	stored[models.FieldLastModified] = v.bump(k)
	v.st.bucket(k)[id] = stored
	return stored.Clone(), nil
}

func (v *view) Delete(ctx context.Context, resource, parent, id string) (models.Object, error) {
	if err := v.checkWritable(); err != nil {
		return nil, err
	}
	k := key{resource, parent}
	if o, ok := v.st.objects[k][id]; !ok || o.Deleted() {
		return nil, notFound(resource, id)
	}
	tomb := models.Tombstone(id, v.bump(k))
	v.st.bucket(k)[id] = tomb
	return tomb.Clone(), nil
}

func (v *view) DeleteAll(ctx context.Context, resource, parent string) ([]models.Object, error) {
	live, err := v.List(ctx, resource, parent, storage.Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]models.Object, 0, len(live))
	for _, o := range live {
		tomb, err := v.Delete(ctx, resource, parent, o.ID())
		if err != nil {
			return nil, err
		}
		out = append(out, tomb)
	}
	return out, nil
}

func (v *view) PurgeDeleted(ctx context.Context, resource, parent string) (int, error) {
	if err := v.checkWritable(); err != nil {
		return 0, err
	}
	k := key{resource, parent}
	n := 0
	for id, o := range v.st.objects[k] {
		if o.Deleted() {
			delete(v.st.bucket(k), id)
			n++
		}
	}
	return n, nil
}

func (v *view) DropParent(ctx context.Context, resource, parent string) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	k := key{resource, parent}
	delete(v.st.objects, k)
	delete(v.st.owned, k)
	delete(v.st.timestamps, k)
	return nil
}

func (v *view) List(ctx context.Context, resource, parent string, f storage.Filter) ([]models.Object, error) {
	var out []models.Object
	for _, o := range v.st.objects[key{resource, parent}] {
		if o.Deleted() && !f.IncludeDeleted {
			continue
		}
		if f.Since != nil && o.LastModified() <= *f.Since {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastModified() != out[j].LastModified() {
			return out[i].LastModified() > out[j].LastModified()
		}
		return out[i].ID() < out[j].ID()
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (v *view) Timestamp(ctx context.Context, resource, parent string) (int64, error) {
	if ts, ok := v.lookupTimestamp(resource, parent); ok {
		return ts, nil
	}
	if err := v.checkWritable(); err != nil {
		return 0, err
	}
	return v.bump(key{resource, parent}), nil
}

func (v *view) Timestamps(ctx context.Context, resource string) (map[string]int64, error) {
	out := map[string]int64{}
	for k, ts := range v.st.timestamps {
		if k.resource == resource {
			out[k.parent] = ts
		}
	}
	return out, nil
}

func (v *view) GetACL(ctx context.Context, uri string) (models.ACL, error) {
	return cloneACL(v.st.acls[uri]), nil
}

func (v *view) SetACL(ctx context.Context, uri string, acl models.ACL) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	v.st.acls[uri] = cloneACL(acl)
	return nil
}

func (v *view) DeleteACL(ctx context.Context, uri string) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	for k := range v.st.acls {
		if k == uri || strings.HasPrefix(k, uri+"/") {
			delete(v.st.acls, k)
		}
	}
	return nil
}

func (v *view) MemberOf(ctx context.Context, principal string) ([]string, error) {
	var out []string
	for k, groups := range v.st.objects {
		if k.resource != models.ResourceGroup {
			continue
		}
		for id, g := range groups {
			if g.Deleted() {
				continue
			}
			for _, m := range models.Strings(g[models.FieldMembers]) {
				if m == principal {
					out = append(out, k.parent+"/groups/"+id)
					break
				}
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func cloneACL(acl models.ACL) models.ACL {
	out := models.ACL{}
	for perm, principals := range acl {
		out[perm] = append([]string(nil), principals...)
	}
	return out
}
