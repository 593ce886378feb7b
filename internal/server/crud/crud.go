// Package crud is the generic object-store binding: buckets, collections,
// groups and records with inherited permissions and optimistic concurrency.
// Every write goes through the request's notifying store so that listeners
// see it inside the same transaction.
package crud

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/logging"
	"github.com/dmitrijs2005/remotesettings/internal/server/events"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/permissions"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
)

// Write is the payload of a create, replace or patch.
type Write struct {
	Data models.Object
	// Permissions replaces the listed permissions when not nil.
	Permissions models.ACL
	// IfMatch is the expected last_modified of the current object.
	IfMatch *int64
	// IfNoneMatch refuses to overwrite an existing object.
	IfNoneMatch bool
}

// Result is an object with its permissions.
type Result struct {
	Data        models.Object
	Permissions models.ACL
}

type Service struct {
	bucketCreatePrincipals []string
	log                    logging.Logger
}

func New(bucketCreatePrincipals []string, log logging.Logger) *Service {
	if log == nil {
		log = logging.Nop()
	}
	return &Service{bucketCreatePrincipals: bucketCreatePrincipals, log: log.With("module", "crud")}
}

func denied(req *events.Request) error {
	if req.UserID == "" {
		return common.ErrUnauthorized.WithMessage("please authenticate yourself")
	}
	return common.ErrForbidden.WithMessage("unauthorized")
}

func (s *Service) require(ctx context.Context, req *events.Request, perm, uri string) error {
	ok, err := permissions.Allowed(ctx, req.Tx(), req.Principals, perm, uri)
	if err != nil {
		return err
	}
	if !ok {
		return denied(req)
	}
	return nil
}

func (s *Service) requireCreate(ctx context.Context, req *events.Request, t Target) error {
	parent, ok := t.parentTarget()
	if !ok {
		for _, p := range s.bucketCreatePrincipals {
			if req.HasPrincipal(p) {
				return nil
			}
		}
		return denied(req)
	}
	if err := s.exists(ctx, req, parent); err != nil {
		return err
	}
	return s.require(ctx, req, t.createPermission(), parent.URI())
}

func (s *Service) exists(ctx context.Context, req *events.Request, t Target) error {
	_, err := req.Tx().Get(ctx, t.Resource, t.Parent(), t.ID)
	return err
}

func (s *Service) result(ctx context.Context, req *events.Request, t Target, obj models.Object) (*Result, error) {
	acl, err := req.Tx().GetACL(ctx, t.URI())
	if err != nil {
		return nil, err
	}
	return &Result{Data: obj, Permissions: acl}, nil
}

// Get returns the object addressed by t.
func (s *Service) Get(ctx context.Context, req *events.Request, t Target) (*Result, error) {
	if err := s.require(ctx, req, permissions.Read, t.URI()); err != nil {
		return nil, err
	}
	obj, err := req.Tx().Get(ctx, t.Resource, t.Parent(), t.ID)
	if err != nil {
		return nil, err
	}
	return s.result(ctx, req, t, obj)
}

// List returns the objects under t's parent readable by the caller and the
// timestamp of the list.
func (s *Service) List(ctx context.Context, req *events.Request, t Target, f storage.Filter) ([]models.Object, int64, error) {
	parent, hasParent := t.parentTarget()
	if hasParent {
		if err := s.exists(ctx, req, parent); err != nil {
			return nil, 0, err
		}
	}

	store := req.Tx()
	ts, err := store.Timestamp(ctx, t.Resource, t.Parent())
	if err != nil && !errors.Is(err, common.ErrReadOnly) {
		return nil, 0, err
	}
	list, err := store.List(ctx, t.Resource, t.Parent(), f)
	if err != nil {
		return nil, 0, err
	}

	if hasParent {
		ok, err := permissions.Allowed(ctx, store, req.Principals, permissions.Read, parent.URI())
		if err != nil {
			return nil, 0, err
		}
		if ok {
			return list, ts, nil
		}
	}
	out := list[:0]
	for _, obj := range list {
		ok, err := permissions.Allowed(ctx, store, req.Principals, permissions.Read, t.WithID(obj.ID()).URI())
		if err != nil {
			return nil, 0, err
		}
		if ok {
			out = append(out, obj)
		}
	}
	return out, ts, nil
}

// Create adds a new object under t's parent. A missing id is generated.
func (s *Service) Create(ctx context.Context, req *events.Request, t Target, w Write) (*Result, error) {
	data := clean(w.Data)
	id := data.ID()
	if id == "" {
		id = uuid.NewString()
		data[models.FieldID] = id
	}
	t = t.WithID(id)
	if err := s.validate(t, data); err != nil {
		return nil, err
	}
	if err := s.requireCreate(ctx, req, t); err != nil {
		return nil, err
	}
	obj, err := req.Store().Create(ctx, t.Resource, t.Parent(), data)
	if err != nil {
		return nil, err
	}
	if err := s.setPermissions(ctx, req, t, w.Permissions, true); err != nil {
		return nil, err
	}
	return s.result(ctx, req, t, obj)
}

// Put creates or replaces the object. created reports which happened.
func (s *Service) Put(ctx context.Context, req *events.Request, t Target, w Write) (res *Result, created bool, err error) {
	data := clean(w.Data)
	if err := checkID(t, data); err != nil {
		return nil, false, err
	}
	data[models.FieldID] = t.ID
	if err := s.validate(t, data); err != nil {
		return nil, false, err
	}

	current, err := req.Tx().Get(ctx, t.Resource, t.Parent(), t.ID)
	switch {
	case errors.Is(err, common.ErrNotFound):
		if w.IfMatch != nil {
			return nil, false, common.ErrConflict.WithMessage("resource was modified meanwhile")
		}
		if err := s.requireCreate(ctx, req, t); err != nil {
			return nil, false, err
		}
		created = true
	case err != nil:
		return nil, false, err
	default:
		if err := s.require(ctx, req, permissions.Write, t.URI()); err != nil {
			return nil, false, err
		}
		if w.IfNoneMatch {
			return nil, false, common.ErrConflict.WithMessage("resource already exists")
		}
		if err := checkPrecondition(current, w.IfMatch); err != nil {
			return nil, false, err
		}
	}

	obj, err := req.Store().Update(ctx, t.Resource, t.Parent(), t.ID, data)
	if err != nil {
		return nil, false, err
	}
	if err := s.setPermissions(ctx, req, t, w.Permissions, created); err != nil {
		return nil, false, err
	}
	res, err = s.result(ctx, req, t, obj)
	return res, created, err
}

// Patch merges the top-level fields of w.Data into the object. Fields set
// to null are removed.
func (s *Service) Patch(ctx context.Context, req *events.Request, t Target, w Write) (*Result, error) {
	if err := checkID(t, w.Data); err != nil {
		return nil, err
	}
	if err := s.require(ctx, req, permissions.Write, t.URI()); err != nil {
		return nil, err
	}
	current, err := req.Tx().Get(ctx, t.Resource, t.Parent(), t.ID)
	if err != nil {
		return nil, err
	}
	if err := checkPrecondition(current, w.IfMatch); err != nil {
		return nil, err
	}

	merged := current.Clone()
	for k, v := range clean(w.Data) {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	merged[models.FieldID] = t.ID
	if err := s.validate(t, merged); err != nil {
		return nil, err
	}

	obj, err := req.Store().Update(ctx, t.Resource, t.Parent(), t.ID, merged)
	if err != nil {
		return nil, err
	}
	if err := s.setPermissions(ctx, req, t, w.Permissions, false); err != nil {
		return nil, err
	}
	return s.result(ctx, req, t, obj)
}

// Delete removes the object and everything below it, returning its
// tombstone.
func (s *Service) Delete(ctx context.Context, req *events.Request, t Target, ifMatch *int64) (models.Object, error) {
	if err := s.require(ctx, req, permissions.Write, t.URI()); err != nil {
		return nil, err
	}
	current, err := req.Tx().Get(ctx, t.Resource, t.Parent(), t.ID)
	if err != nil {
		return nil, err
	}
	if err := checkPrecondition(current, ifMatch); err != nil {
		return nil, err
	}
	return s.delete(ctx, req, t)
}

func (s *Service) delete(ctx context.Context, req *events.Request, t Target) (models.Object, error) {
	switch t.Resource {
	case models.ResourceBucket:
		for _, child := range []string{models.ResourceCollection, models.ResourceGroup} {
			list, err := req.Tx().List(ctx, child, models.BucketURI(t.ID), storage.Filter{})
			if err != nil {
				return nil, err
			}
			for _, obj := range list {
				ct := Target{Resource: child, Bucket: t.ID, ID: obj.ID()}
				if _, err := s.delete(ctx, req, ct); err != nil {
					return nil, err
				}
			}
		}
	case models.ResourceCollection:
		records := models.CollectionURI(t.Bucket, t.ID)
		if _, err := req.Tx().DeleteAll(ctx, models.ResourceRecord, records); err != nil {
			return nil, err
		}
	}

	tomb, err := req.Store().Delete(ctx, t.Resource, t.Parent(), t.ID)
	if err != nil {
		return nil, err
	}
	if err := req.Tx().DeleteACL(ctx, t.URI()); err != nil {
		return nil, err
	}
	return tomb, nil
}

// DeleteAll removes every record of a collection the caller may write.
func (s *Service) DeleteAll(ctx context.Context, req *events.Request, t Target) ([]models.Object, error) {
	parent, ok := t.parentTarget()
	if !ok || t.Resource != models.ResourceRecord {
		return nil, common.ErrBadRequest.WithMessage("only records can be deleted in bulk")
	}
	if err := s.require(ctx, req, permissions.Write, parent.URI()); err != nil {
		return nil, err
	}
	if err := s.exists(ctx, req, parent); err != nil {
		return nil, err
	}
	out, err := req.Store().DeleteAll(ctx, t.Resource, t.Parent())
	if err != nil {
		return nil, err
	}
	for _, tomb := range out {
		if err := req.Tx().DeleteACL(ctx, t.WithID(tomb.ID()).URI()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Service) setPermissions(ctx context.Context, req *events.Request, t Target, perms models.ACL, created bool) error {
	if perms == nil && !created {
		return nil
	}
	store := req.Tx()
	acl, err := store.GetACL(ctx, t.URI())
	if err != nil {
		return err
	}
	allowed := permissions.Valid[t.Resource]
	for perm, principals := range perms {
		if !contains(allowed, perm) {
			return common.ErrBadRequest.
				WithMessagef("invalid permission %q for %s", perm, t.Resource).
				WithDetails(map[string]any{"location": "body", "name": "permissions"})
		}
		list := append([]string(nil), principals...)
		sort.Strings(list)
		acl[perm] = list
	}
	if req.UserID != "" {
		acl.Add(permissions.Write, req.UserID)
	}
	return store.SetACL(ctx, t.URI(), acl)
}

func (s *Service) validate(t Target, data models.Object) error {
	if err := validateID(t.ID); err != nil {
		return err
	}
	if t.Resource == models.ResourceGroup {
		members, ok := data[models.FieldMembers]
		if !ok {
			data[models.FieldMembers] = []any{}
			return nil
		}
		list, ok := members.([]any)
		if !ok {
			return common.ErrBadRequest.WithMessage("members must be a list of strings")
		}
		for _, m := range list {
			if _, ok := m.(string); !ok {
				return common.ErrBadRequest.WithMessage("members must be a list of strings")
			}
		}
	}
	return nil
}

func checkID(t Target, data models.Object) error {
	if id, ok := data[models.FieldID]; ok && id != t.ID {
		return common.ErrBadRequest.
			WithMessage("id in body does not match the URL").
			WithDetails(map[string]any{"location": "body", "name": "data.id"})
	}
	return nil
}

func checkPrecondition(current models.Object, ifMatch *int64) error {
	if ifMatch != nil && current.LastModified() != *ifMatch {
		return common.ErrConflict.
			WithMessage("resource was modified meanwhile").
			WithDetails(map[string]any{"existing": current})
	}
	return nil
}

// clean drops the fields owned by storage.
func clean(data models.Object) models.Object {
	if data == nil {
		return models.Object{}
	}
	return data.Without(models.FieldLastModified, models.FieldDeleted)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
