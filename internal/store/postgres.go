package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/casefill/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const (
	sqlCreateSessionTable = `
        CREATE TABLE IF NOT EXISTS casefill_session (
            namespace TEXT NOT NULL,
            key TEXT NOT NULL,
            value TEXT NOT NULL,
            PRIMARY KEY (namespace, key)
        );
    `
	sqlSelectSession = `SELECT key, value FROM casefill_session WHERE namespace = $1;`
	sqlDeleteSession = `DELETE FROM casefill_session WHERE namespace = $1;`
	sqlInsertKey     = `INSERT INTO casefill_session (namespace, key, value) VALUES ($1, $2, $3);`
)

// Postgres stores the record as one row per key.
type Postgres struct {
	pool DBPool
	ns   string
	log  *zap.Logger
}

// OpenPostgres connects with a pgx pool.
func OpenPostgres(ctx context.Context, url, namespace string, logger *zap.Logger) (*Postgres, error) {
	if url == "" {
		return nil, fmt.Errorf("postgres store requires store.postgres_url")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	s, err := NewPostgres(ctx, pool, namespace, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres verifies the connection and creates the table if needed.
func NewPostgres(ctx context.Context, pool DBPool, namespace string, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, sqlCreateSessionTable); err != nil {
		return nil, fmt.Errorf("failed to create session table: %w", err)
	}
	return &Postgres{pool: pool, ns: namespace, log: logger.Named("store.postgres")}, nil
}

func (s *Postgres) Load(ctx context.Context) (schemas.SessionState, error) {
	rows, err := s.pool.Query(ctx, sqlSelectSession, s.ns)
	if err != nil {
		return schemas.SessionState{}, fmt.Errorf("failed to query session: %w", err)
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return schemas.SessionState{}, fmt.Errorf("failed to scan session row: %w", err)
		}
		kv[k] = v
	}
	if err := rows.Err(); err != nil {
		return schemas.SessionState{}, fmt.Errorf("error during row iteration: %w", err)
	}
	return Decode(kv)
}

func (s *Postgres) Save(ctx context.Context, state schemas.SessionState) error {
	kv, err := Encode(state)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlDeleteSession, s.ns); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	for _, key := range AllKeys {
		v, ok := kv[key]
		if !ok {
			continue
		}
		if _, err := tx.Exec(ctx, sqlInsertKey, s.ns, key, v); err != nil {
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Postgres) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlDeleteSession, s.ns); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
