package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/casefill/api/schemas"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS casefill_session (
    namespace TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (namespace, key)
);`

// SQLite stores the record in a local database file. It is the default backend.
type SQLite struct {
	db  *sql.DB
	ns  string
	log *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path, namespace string, logger *zap.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store requires store.sqlite_path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	// One writer; the orchestrator serializes messages anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite store: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create session table: %w", err)
	}
	logger.Named("store.sqlite").Debug("Session store opened.", zap.String("path", path))
	return &SQLite{db: db, ns: namespace, log: logger.Named("store.sqlite")}, nil
}

func (s *SQLite) Load(ctx context.Context) (schemas.SessionState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM casefill_session WHERE namespace = ?`, s.ns)
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

func (s *SQLite) Save(ctx context.Context, state schemas.SessionState) error {
	kv, err := Encode(state)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.log.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM casefill_session WHERE namespace = ?`, s.ns); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	for _, key := range AllKeys {
		v, ok := kv[key]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO casefill_session (namespace, key, value) VALUES (?, ?, ?)`, s.ns, key, v); err != nil {
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM casefill_session WHERE namespace = ?`, s.ns); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
