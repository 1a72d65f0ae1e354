// Package postgres implements every store contract on pgx. Store is the
// privileged accessor used by the worker and webhooks; UserScope only ever
// reads rows owned by one user.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/cart"
	"github.com/ariefcatur/go-checkout-payments/internal/inventory"
	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	"github.com/ariefcatur/go-checkout-payments/internal/orders"
	"github.com/ariefcatur/go-checkout-payments/internal/payments"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, schema)
	return err
}

type Store struct{ DB *pgxpool.Pool }

var (
	_ payments.IntentStore = (*Store)(nil)
	_ payments.RecordStore = (*Store)(nil)
	_ jobs.Queue           = (*Store)(nil)
	_ inventory.Store      = (*Store)(nil)
	_ orders.Store         = (*Store)(nil)
	_ cart.Catalog         = (*Store)(nil)
)

type UserScope struct {
	DB     *pgxpool.Pool
	UserID string
}

var (
	_ cart.Reader   = (*UserScope)(nil)
	_ orders.Reader = (*UserScope)(nil)
)

func (s *Store) ForUser(userID string) *UserScope { return &UserScope{DB: s.DB, UserID: userID} }

const (
	codeUniqueViolation = "23505"
	codeCheckViolation  = "23514"
)

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// nullString maps "" to NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
