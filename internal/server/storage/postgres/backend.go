// Package postgres is the PostgreSQL storage backend (pgx driver, goose
// migrations).
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage/postgres/migrations"
)

// Seams for tests.
var (
	sqlOpen        = sql.Open
	gooseUpContext = goose.UpContext
)

type Backend struct {
	*Repository
	db *sql.DB
}

var _ storage.Backend = (*Backend)(nil)

// Open connects to dsn and, unless readOnly, applies pending migrations.
func Open(ctx context.Context, dsn string, readOnly bool) (*Backend, error) {
	db, err := sqlOpen("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if !readOnly {
		if err := RunMigrations(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	return New(db, readOnly, time.Now), nil
}

func New(db *sql.DB, readOnly bool, now func() time.Time) *Backend {
	return &Backend{Repository: NewRepository(db, readOnly, now), db: db}
}

func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

func (b *Backend) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &txStore{Repository: NewRepository(tx, b.readOnly, b.now), tx: tx}, nil
}

func (b *Backend) ReadOnly() bool {
	return b.readOnly
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *Backend) Close() error {
	return b.db.Close()
}

type txStore struct {
	*Repository
	tx *sql.Tx
}

func (t *txStore) Commit() error {
	return t.tx.Commit()
}

func (t *txStore) Rollback() error {
	return t.tx.Rollback()
}
