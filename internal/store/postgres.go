package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements TokenStore, CounterStore and RefreshLocker on the
// voicecore.provider_tokens and voicecore.rate_limit_windows tables.
// Schema lives in migrations/ and is applied outside the service.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// NewPool builds a pgxpool and validates connectivity.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if maxConns > 0 {
		pcfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := Ping(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Ping checks that a connection can be acquired within timeout.
func Ping(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	if pool == nil {
		return errors.New("store: ping: no pool")
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	conn.Release()
	return nil
}

func (s *Postgres) GetToken(ctx context.Context, key string, now time.Time) (Token, error) {
	var tok Token
	err := s.pool.QueryRow(ctx, `
		SELECT token, client_id, scope, issued_at, expires_at
		FROM voicecore.provider_tokens
		WHERE key = $1 AND expires_at > $2
	`, key, now).Scan(&tok.Value, &tok.ClientID, &tok.Scope, &tok.IssuedAt, &tok.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("store: get token: %w", err)
	}
	return tok, nil
}

func (s *Postgres) PutToken(ctx context.Context, key string, token Token) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO voicecore.provider_tokens (key, token, client_id, scope, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			token = EXCLUDED.token,
			client_id = EXCLUDED.client_id,
			scope = EXCLUDED.scope,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at
	`, key, token.Value, token.ClientID, token.Scope, token.IssuedAt, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: put token: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteToken(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM voicecore.provider_tokens WHERE key = $1`, key); err != nil {
		return fmt.Errorf("store: delete token: %w", err)
	}
	return nil
}

// WithRefreshLock holds a transaction scoped advisory lock on key while fn runs.
func (s *Postgres) WithRefreshLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin refresh lock: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "token:"+key); err != nil {
		return fmt.Errorf("store: acquire refresh lock: %w", err)
	}
	if err := fn(ctx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: release refresh lock: %w", err)
	}
	return nil
}

func (s *Postgres) Acquire(ctx context.Context, key string, limit int, length time.Duration, now time.Time) (Window, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Window{}, false, fmt.Errorf("store: begin acquire: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO voicecore.rate_limit_windows (key, window_start, count)
		VALUES ($1, $2, 0)
		ON CONFLICT (key) DO NOTHING
	`, key, now); err != nil {
		return Window{}, false, fmt.Errorf("store: seed window: %w", err)
	}

	w := Window{Limit: limit, Length: length}
	if err := tx.QueryRow(ctx, `
		SELECT window_start, count
		FROM voicecore.rate_limit_windows
		WHERE key = $1
		FOR UPDATE
	`, key).Scan(&w.Start, &w.Count); err != nil {
		return Window{}, false, fmt.Errorf("store: lock window: %w", err)
	}

	if expired(w.Start, length, now) {
		w.Start = now
		w.Count = 0
	}
	admitted := false
	if w.Count < limit {
		w.Count++
		admitted = true
	}

	if _, err := tx.Exec(ctx, `
		UPDATE voicecore.rate_limit_windows
		SET window_start = $2, count = $3
		WHERE key = $1
	`, key, w.Start, w.Count); err != nil {
		return Window{}, false, fmt.Errorf("store: update window: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Window{}, false, fmt.Errorf("store: commit window: %w", err)
	}
	return w, admitted, nil
}

func (s *Postgres) Peek(ctx context.Context, key string, limit int, length time.Duration, now time.Time) (Window, error) {
	w := Window{Limit: limit, Length: length}
	err := s.pool.QueryRow(ctx, `
		SELECT window_start, count
		FROM voicecore.rate_limit_windows
		WHERE key = $1
	`, key).Scan(&w.Start, &w.Count)
	if errors.Is(err, pgx.ErrNoRows) {
		w.Start = now
		return w, nil
	}
	if err != nil {
		return Window{}, fmt.Errorf("store: peek window: %w", err)
	}
	if expired(w.Start, length, now) {
		w.Start = now
		w.Count = 0
	}
	return w, nil
}
