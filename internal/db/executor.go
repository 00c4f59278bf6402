// Package db runs units of work against Postgres under serializable
// isolation, retrying conflicts and recovering once from a dead connection.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/auth"
)

// TxBody is a unit of work. The pgx.Tx it receives is scoped to exactly one
// in-flight transaction and is invalid once the transaction ends.
type TxBody func(tx pgx.Tx) error

// maxAttempts bounds how many times one call replays a transaction that keeps
// losing serialization conflicts.
const maxAttempts = 10

// Executor owns the process-wide connection pool, created lazily on first
// use and discarded whenever the transport dies under it.
type Executor struct {
	url string

	mu   sync.Mutex
	pool *pgxpool.Pool

	// replaced in tests
	acquire func(ctx context.Context) (releaser, error)
}

type releaser interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Release()
}

func New(databaseURL string) *Executor {
	e := &Executor{url: databaseURL}
	e.acquire = e.acquireConn
	return e
}

// Transact invokes body within a serializable transaction, committing on
// success and rolling back on failure.
//
// Serialization conflicts and deadlocks are retried from the start, identity
// included, up to 10 attempts; the 10th failure surfaces as ErrTxExhausted.
// Row-level security violations are never retried. A broken connection
// discards the pool and retries the whole call exactly once more.
func (e *Executor) Transact(ctx context.Context, identity *auth.Identity, body TxBody) error {
	err := e.transactOnce(ctx, identity, body)
	if err != nil && isBrokenConn(err) {
		log.WithError(err).Warn("broken database connection, resetting pool")
		e.Reset()
		err = e.transactOnce(ctx, identity, body)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTxExhausted):
		return err
	case isRLSViolation(err):
		return fmt.Errorf("%w: %v", ErrRLSViolation, err)
	case isBrokenConn(err):
		return fmt.Errorf("%w: %v", ErrBrokenConn, err)
	default:
		return err
	}
}

// Reset discards the pool; the next transaction creates a fresh one.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool != nil {
		e.pool.Close()
		e.pool = nil
	}
}

// Close releases the pool at shutdown.
func (e *Executor) Close() {
	e.Reset()
}

func (e *Executor) transactOnce(ctx context.Context, identity *auth.Identity, body TxBody) error {
	conn, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = e.runTx(ctx, conn, identity, body)
		switch {
		case err == nil:
			return nil
		case isRLSViolation(err) || isBrokenConn(err):
			return err
		case isSerializationFailure(err):
			log.WithError(err).WithField("attempt", attempt).Debug("transaction conflict, retrying")
			continue
		default:
			return err
		}
	}
	return ErrTxExhausted
}

func (e *Executor) runTx(ctx context.Context, conn releaser, identity *auth.Identity, body TxBody) error {
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}

	if err := applyIdentity(ctx, tx, identity); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := body(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// applyIdentity sets the caller's role and JWT claims locally so the store
// enforces row-level policies as that identity for this transaction only.
func applyIdentity(ctx context.Context, tx pgx.Tx, identity *auth.Identity) error {
	if identity == nil || identity.Role == "" {
		return nil
	}
	if _, err := tx.Exec(ctx, "set local role "+pgx.Identifier{identity.Role}.Sanitize()); err != nil {
		return err
	}
	claims, err := json.Marshal(identity.Claims)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, "select set_config('request.jwt.claims', $1, true)", string(claims))
	return err
}

func (e *Executor) acquireConn(ctx context.Context) (releaser, error) {
	pool, err := e.getPool(ctx)
	if err != nil {
		return nil, err
	}
	return pool.Acquire(ctx)
}

func (e *Executor) getPool(ctx context.Context) (*pgxpool.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool == nil {
		log.Info("creating database pool")
		pool, err := pgxpool.New(ctx, e.url)
		if err != nil {
			return nil, err
		}
		e.pool = pool
	}
	return e.pool, nil
}
