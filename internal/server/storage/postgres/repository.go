package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/dbx"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
)

// Repository implements storage.Store on top of a DBTX, so the same code
// serves both *sql.DB and *sql.Tx.
type Repository struct {
	db       dbx.DBTX
	readOnly bool
	now      func() time.Time
}

func NewRepository(db dbx.DBTX, readOnly bool, now func() time.Time) *Repository {
	if now == nil {
		now = time.Now
	}
	return &Repository{db: db, readOnly: readOnly, now: now}
}

var _ storage.Store = (*Repository)(nil)

func (r *Repository) checkWritable() error {
	if r.readOnly {
		return common.ErrReadOnly.WithMessage("storage is read-only")
	}
	return nil
}

func decodeData(raw []byte) (models.Object, error) {
	obj := models.Object{}
	if len(raw) == 0 {
		return obj, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	return obj, nil
}

func encodeData(obj models.Object) ([]byte, error) {
	return json.Marshal(obj.Without(models.FieldID, models.FieldLastModified, models.FieldDeleted))
}

func (r *Repository) Get(ctx context.Context, resource, parent, id string) (models.Object, error) {
	query :=
		`SELECT data, last_modified, deleted FROM objects
		 WHERE resource_name = $1 AND parent_id = $2 AND id = $3`

	var (
		raw          []byte
		lastModified int64
		deleted      bool
	)
	err := r.db.QueryRowContext(ctx, query, resource, parent, id).Scan(&raw, &lastModified, &deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound.WithMessagef("%s %q not found", resource, id)
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if deleted {
		return nil, common.ErrNotFound.WithMessagef("%s %q not found", resource, id)
	}

	obj, err := decodeData(raw)
	if err != nil {
		return nil, err
	}
	obj[models.FieldID] = id
	obj[models.FieldLastModified] = lastModified
	return obj, nil
}

// bump moves the parent timestamp forward and returns the new value.
func (r *Repository) bump(ctx context.Context, resource, parent string) (int64, error) {
	query :=
		`INSERT INTO timestamps (resource_name, parent_id, last_modified)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (resource_name, parent_id) DO UPDATE
		 SET last_modified = GREATEST(timestamps.last_modified + 1, EXCLUDED.last_modified)
		 RETURNING last_modified`

	var ts int64
	if err := r.db.QueryRowContext(ctx, query, resource, parent, r.now().UnixMilli()).Scan(&ts); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return ts, nil
}

func (r *Repository) Create(ctx context.Context, resource, parent string, obj models.Object) (models.Object, error) {
	id := obj.ID()
	_, err := r.Get(ctx, resource, parent, id)
	if err == nil {
		return nil, common.ErrAlreadyExists.WithMessagef("%s %q already exists", resource, id)
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	return r.Update(ctx, resource, parent, id, obj)
}

func (r *Repository) Update(ctx context.Context, resource, parent, id string, obj models.Object) (models.Object, error) {
	if err := r.checkWritable(); err != nil {
		return nil, err
	}
	raw, err := encodeData(obj)
	if err != nil {
		return nil, err
	}
	ts, err := r.bump(ctx, resource, parent)
	if err != nil {
		return nil, err
	}

	query :=
		`INSERT INTO objects (resource_name, parent_id, id, last_modified, data, deleted)
		 VALUES ($1, $2, $3, $4, $5, FALSE)
		 ON CONFLICT (resource_name, parent_id, id) DO UPDATE
		 SET last_modified = EXCLUDED.last_modified, data = EXCLUDED.data, deleted = FALSE`

	if _, err := r.db.ExecContext(ctx, query, resource, parent, id, ts, raw); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	out := obj.Without(models.FieldDeleted).Clone()
	out[models.FieldID] = id
	out[models.FieldLastModified] = ts
	return out, nil
}

func (r *Repository) Delete(ctx context.Context, resource, parent, id string) (models.Object, error) {
	if err := r.checkWritable(); err != nil {
		return nil, err
	}
	if _, err := r.Get(ctx, resource, parent, id); err != nil {
		return nil, err
	}
	ts, err := r.bump(ctx, resource, parent)
	if err != nil {
		return nil, err
	}

	query :=
		`UPDATE objects SET deleted = TRUE, data = '{}'::JSONB, last_modified = $4
		 WHERE resource_name = $1 AND parent_id = $2 AND id = $3`

	res, err := r.db.ExecContext(ctx, query, resource, parent, id, ts)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, common.ErrConflict.WithMessagef("%s %q changed concurrently", resource, id)
	}
	return models.Tombstone(id, ts), nil
}

func (r *Repository) DeleteAll(ctx context.Context, resource, parent string) ([]models.Object, error) {
	live, err := r.List(ctx, resource, parent, storage.Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]models.Object, 0, len(live))
	for _, o := range live {
		tomb, err := r.Delete(ctx, resource, parent, o.ID())
		if err != nil {
			return nil, err
		}
		out = append(out, tomb)
	}
	return out, nil
}

func (r *Repository) PurgeDeleted(ctx context.Context, resource, parent string) (int, error) {
	if err := r.checkWritable(); err != nil {
		return 0, err
	}
	query := `DELETE FROM objects WHERE resource_name = $1 AND parent_id = $2 AND deleted`

	res, err := r.db.ExecContext(ctx, query, resource, parent)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(n), nil
}

func (r *Repository) DropParent(ctx context.Context, resource, parent string) error {
	if err := r.checkWritable(); err != nil {
		return err
	}
	for _, query := range []string{
		`DELETE FROM objects WHERE resource_name = $1 AND parent_id = $2`,
		`DELETE FROM timestamps WHERE resource_name = $1 AND parent_id = $2`,
	} {
		if _, err := r.db.ExecContext(ctx, query, resource, parent); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

func (r *Repository) List(ctx context.Context, resource, parent string, f storage.Filter) ([]models.Object, error) {
	query :=
		`SELECT id, data, last_modified, deleted FROM objects
		 WHERE resource_name = $1 AND parent_id = $2
		   AND ($3::BIGINT IS NULL OR last_modified > $3)
		   AND ($4 OR NOT deleted)
		 ORDER BY last_modified DESC, id
		 LIMIT $5`

	var since, limit any
	if f.Since != nil {
		since = *f.Since
	}
	if f.Limit > 0 {
		limit = f.Limit
	}

	rows, err := r.db.QueryContext(ctx, query, resource, parent, since, f.IncludeDeleted, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.Object
	for rows.Next() {
		var (
			id           string
			raw          []byte
			lastModified int64
			deleted      bool
		)
		if err := rows.Scan(&id, &raw, &lastModified, &deleted); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if deleted {
			out = append(out, models.Tombstone(id, lastModified))
			continue
		}
		obj, err := decodeData(raw)
		if err != nil {
			return nil, err
		}
		obj[models.FieldID] = id
		obj[models.FieldLastModified] = lastModified
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *Repository) Timestamp(ctx context.Context, resource, parent string) (int64, error) {
	query := `SELECT last_modified FROM timestamps WHERE resource_name = $1 AND parent_id = $2`

	var ts int64
	err := r.db.QueryRowContext(ctx, query, resource, parent).Scan(&ts)
	if err == nil {
		return ts, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("db error: %w", err)
	}
	if err := r.checkWritable(); err != nil {
		return 0, err
	}

	initQuery :=
		`INSERT INTO timestamps (resource_name, parent_id, last_modified)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (resource_name, parent_id) DO UPDATE
		 SET last_modified = timestamps.last_modified
		 RETURNING last_modified`

	if err := r.db.QueryRowContext(ctx, initQuery, resource, parent, r.now().UnixMilli()).Scan(&ts); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return ts, nil
}

func (r *Repository) Timestamps(ctx context.Context, resource string) (map[string]int64, error) {
	query := `SELECT parent_id, last_modified FROM timestamps WHERE resource_name = $1`

	rows, err := r.db.QueryContext(ctx, query, resource)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			parent string
			ts     int64
		)
		if err := rows.Scan(&parent, &ts); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out[parent] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *Repository) GetACL(ctx context.Context, uri string) (models.ACL, error) {
	query := `SELECT permission, principal FROM access_control_entries WHERE object_id = $1 ORDER BY permission, principal`

	rows, err := r.db.QueryContext(ctx, query, uri)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	acl := models.ACL{}
	for rows.Next() {
		var perm, principal string
		if err := rows.Scan(&perm, &principal); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		acl.Add(perm, principal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return acl, nil
}

func (r *Repository) SetACL(ctx context.Context, uri string, acl models.ACL) error {
	if err := r.checkWritable(); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM access_control_entries WHERE object_id = $1`, uri); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	query :=
		`INSERT INTO access_control_entries (object_id, permission, principal)
		 VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`

	for perm, principals := range acl {
		for _, p := range principals {
			if _, err := r.db.ExecContext(ctx, query, uri, perm, p); err != nil {
				return fmt.Errorf("db error: %w", err)
			}
		}
	}
	return nil
}

func (r *Repository) DeleteACL(ctx context.Context, uri string) error {
	if err := r.checkWritable(); err != nil {
		return err
	}
	query := `DELETE FROM access_control_entries WHERE object_id = $1 OR object_id LIKE $2`

	if _, err := r.db.ExecContext(ctx, query, uri, uri+"/%"); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Repository) MemberOf(ctx context.Context, principal string) ([]string, error) {
	query :=
		`SELECT parent_id, id FROM objects
		 WHERE resource_name = 'group' AND NOT deleted
		   AND data -> 'members' @> jsonb_build_array($1::TEXT)
		 ORDER BY parent_id, id`

	rows, err := r.db.QueryContext(ctx, query, principal)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var parent, id string
		if err := rows.Scan(&parent, &id); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, parent+"/groups/"+id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}
