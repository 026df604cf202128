package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/config"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func sampleState() schemas.SessionState {
	progress := schemas.NewFieldEvent(schemas.FieldResult{FieldPath: "petitioner.lastName", Outcome: schemas.OutcomeFilled})
	progress.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return schemas.SessionState{
		State: schemas.StateFilling,
		PendingPayload: &schemas.AutofillPayload{
			FormCode:     "I-130",
			FieldSchema:  json.RawMessage(`{"fields":[]}`),
			FormData:     map[string]interface{}{"petitioner": map[string]interface{}{"lastName": "Garcia"}},
			APIBaseURL:   "https://app.example.com",
			SessionToken: "tok",
		},
		DashboardTab: "dash-1",
		TargetTab:    "target-9",
		LastProgress: &progress,
		ErrorMessage: "",
		UpdatedAt:    time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
	}
}

// -- Layout --

func TestLayout_RoundTrip(t *testing.T) {
	want := sampleState()
	kv, err := Encode(want)
	require.NoError(t, err)

	assert.Contains(t, kv, KeyPendingPayload)
	assert.Equal(t, `"filling"`, kv[KeyFillingState])
	assert.Equal(t, `"dash-1"`, kv[KeyDashboardTab])
	assert.NotContains(t, kv, KeyErrorMessage, "empty fields are not persisted")

	got, err := Decode(kv)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLayout_Defaults(t *testing.T) {
	kv, err := Encode(schemas.NewSessionState())
	require.NoError(t, err)
	assert.Empty(t, kv)

	s, err := Decode(map[string]string{"unrelated": "1"})
	require.NoError(t, err)
	assert.Equal(t, schemas.NewSessionState(), s)
}

func TestLayout_Corrupt(t *testing.T) {
	_, err := Decode(map[string]string{KeyFillingState: "not json"})
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Decode(map[string]string{KeyFillingState: `"dancing"`})
	assert.ErrorIs(t, err, ErrCorrupt)
}

// -- Memory --

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	s, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, schemas.StateIdle, s.State)

	require.NoError(t, m.Save(ctx, sampleState()))
	s, err = m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, schemas.StateFilling, s.State)
	assert.Len(t, m.Raw(), 6)

	require.NoError(t, m.Clear(ctx))
	assert.Empty(t, m.Raw())
}

// -- SQLite --

func TestSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.db")

	s, err := OpenSQLite(ctx, path, "casefill", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	other, err := OpenSQLite(ctx, path, "other", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer other.Close()

	empty, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, schemas.NewSessionState(), empty)

	want := sampleState()
	require.NoError(t, s.Save(ctx, want))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sqlite round trip mismatch (-want +got):\n%s", diff)
	}

	// Last write wins, and cleared fields disappear.
	want.ErrorMessage = "boom"
	want.State = schemas.StateError
	want.LastProgress = nil
	require.NoError(t, s.Save(ctx, want))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, schemas.StateError, got.State)
	assert.Nil(t, got.LastProgress)

	fromOther, err := other.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, schemas.StateIdle, fromOther.State, "namespaces are isolated")

	require.NoError(t, s.Clear(ctx))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, schemas.NewSessionState(), got)
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Backend: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, config.StoreConfig{Backend: "SQLite", SQLitePath: filepath.Join(t.TempDir(), "s.db")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.StoreConfig{Backend: "postgres"}, nil)
	assert.ErrorContains(t, err, "postgres_url")

	_, err = Open(ctx, config.StoreConfig{Backend: "etcd"}, nil)
	assert.ErrorContains(t, err, "unknown store backend")
}

// -- Postgres --

func newMockPostgres(t *testing.T, logger *zap.Logger) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	mockPool.ExpectExec(flexibleSQLMatcher(sqlCreateSessionTable)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	s, err := NewPostgres(context.Background(), mockPool, "casefill", logger)
	require.NoError(t, err)
	return s, mockPool
}

func TestNewPostgres(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = NewPostgres(context.Background(), mockPool, "casefill", zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgres_Load(t *testing.T) {
	ctx := context.Background()

	t.Run("should decode rows into a session", func(t *testing.T) {
		s, mockPool := newMockPostgres(t, zap.NewNop())
		rows := pgxmock.NewRows([]string{"key", "value"}).
			AddRow(KeyFillingState, `"mapping"`).
			AddRow(KeyTargetTab, `"target-1"`)
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectSession)).WithArgs("casefill").WillReturnRows(rows)

		got, err := s.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, schemas.StateMapping, got.State)
		assert.Equal(t, schemas.TabID("target-1"), got.TargetTab)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should propagate query errors", func(t *testing.T) {
		s, mockPool := newMockPostgres(t, zap.NewNop())
		queryErr := errors.New("relation does not exist")
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectSession)).WithArgs("casefill").WillReturnError(queryErr)

		_, err := s.Load(ctx)
		assert.ErrorIs(t, err, queryErr)
	})
}

func TestPostgres_Save(t *testing.T) {
	ctx := context.Background()

	t.Run("should replace the record in one transaction without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockPostgres(t, zap.New(observedZapCore))

		state := schemas.SessionState{State: schemas.StateWaitingForLogin, DashboardTab: "dash"}

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteSession)).WithArgs("casefill").
			WillReturnResult(pgxmock.NewResult("DELETE", 3))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertKey)).WithArgs("casefill", KeyFillingState, `"waiting_for_login"`).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertKey)).WithArgs("casefill", KeyDashboardTab, `"dash"`).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.Save(ctx, state))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should rollback if a write fails", func(t *testing.T) {
		s, mockPool := newMockPostgres(t, zap.NewNop())
		writeErr := errors.New("disk full")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteSession)).WithArgs("casefill").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertKey)).WithArgs("casefill", KeyFillingState, `"error"`).
			WillReturnError(writeErr)
		mockPool.ExpectRollback()

		err := s.Save(ctx, schemas.SessionState{State: schemas.StateError})
		assert.ErrorIs(t, err, writeErr)
		assert.Contains(t, err.Error(), "failed to write filling_state")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should handle transaction begin failure", func(t *testing.T) {
		s, mockPool := newMockPostgres(t, zap.NewNop())
		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := s.Save(ctx, schemas.NewSessionState())
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgres_Clear(t *testing.T) {
	s, mockPool := newMockPostgres(t, zap.NewNop())
	mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteSession)).WithArgs("casefill").
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	require.NoError(t, s.Clear(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
