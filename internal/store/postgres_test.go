package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, *testClock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := newTestClock()
	return NewWithDB(db, DialectPostgres, WithClock(clock.Now)), mock, clock
}

func expectActiveSession(mock sqlmock.Sqlmock, sessionID string) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM pipeline_sessions WHERE session_id = $1 FOR UPDATE")).
		WithArgs(sessionID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))
}

func TestNewWithDB_PlaceholderFormat(t *testing.T) {
	pg, _, _ := newMockStore(t)
	query, _, err := pg.sb.Select("1").From("articles").Where("article_id = ?", "A1").ToSql()
	if err != nil {
		t.Fatalf("ToSql failed: %v", err)
	}
	if query != "SELECT 1 FROM articles WHERE article_id = $1" {
		t.Errorf("Unexpected postgres query: %s", query)
	}

	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	lite := NewWithDB(db, DialectSQLite)
	query, _, _ = lite.sb.Select("1").From("articles").Where("article_id = ?", "A1").ToSql()
	if query != "SELECT 1 FROM articles WHERE article_id = ?" {
		t.Errorf("Unexpected sqlite query: %s", query)
	}
}

func TestPostgresClaimArticle_AbandonedSession(t *testing.T) {
	s, mock, _ := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM pipeline_sessions").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("abandoned"))
	mock.ExpectRollback()

	_, err := s.ClaimArticle(context.Background(), "sess-1", "worker-1", "A1", testLease)
	if !errors.Is(err, ErrSessionAbandoned) {
		t.Errorf("Expected ErrSessionAbandoned, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresMigrate(t *testing.T) {
	s, mock, _ := newMockStore(t)

	for range postgresSchema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	if err := s.migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresClaimArticle_UniqueViolationIsContention(t *testing.T) {
	s, mock, _ := newMockStore(t)

	mock.ExpectBegin()
	expectActiveSession(mock, "sess-1")
	mock.ExpectQuery(`SELECT session_id FROM session_locks WHERE .*article_id = \$1.*heartbeat > \$3.* LIMIT 1`).
		WithArgs("A1", "locked", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM session_locks WHERE article_id = $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO session_locks")).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	outcome, err := s.ClaimArticle(context.Background(), "sess-1", "worker-1", "A1", testLease)
	if err != nil {
		t.Fatalf("Expected contention without error, got %v", err)
	}
	if outcome != Contended {
		t.Errorf("Expected Contended, got %s", outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresClaimArticle_LiveLock(t *testing.T) {
	s, mock, _ := newMockStore(t)

	mock.ExpectBegin()
	expectActiveSession(mock, "sess-1")
	mock.ExpectQuery("SELECT session_id FROM session_locks").
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}).AddRow("sess-other"))
	mock.ExpectRollback()

	outcome, err := s.ClaimArticle(context.Background(), "sess-1", "worker-1", "A1", testLease)
	if err != nil || outcome != Contended {
		t.Errorf("Expected Contended, nil; got %s, %v", outcome, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresClaimArticle_Claimed(t *testing.T) {
	s, mock, _ := newMockStore(t)

	mock.ExpectBegin()
	expectActiveSession(mock, "sess-1")
	mock.ExpectQuery("SELECT session_id FROM session_locks").
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}))
	mock.ExpectExec("DELETE FROM session_locks").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO session_locks (lock_id,article_id,session_id,worker_id,locked_at,heartbeat,status) VALUES ($1,$2,$3,$4,$5,$6,$7)")).
		WithArgs(sqlmock.AnyArg(), "A1", "sess-1", "worker-1", sqlmock.AnyArg(), sqlmock.AnyArg(), "locked").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE articles SET processing_session_id = \\$1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE pipeline_sessions SET current_article_id = \\$1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := s.ClaimArticle(context.Background(), "sess-1", "worker-1", "A1", testLease)
	if err != nil {
		t.Fatalf("ClaimArticle failed: %v", err)
	}
	if outcome != Claimed {
		t.Errorf("Expected Claimed, got %s", outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresClaimArticle_StorageError(t *testing.T) {
	s, mock, _ := newMockStore(t)

	mock.ExpectBegin()
	expectActiveSession(mock, "sess-1")
	mock.ExpectQuery("SELECT session_id FROM session_locks").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.ClaimArticle(context.Background(), "sess-1", "worker-1", "A1", testLease)
	if err == nil {
		t.Fatal("Expected storage error to propagate")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresCleanupStaleSessions(t *testing.T) {
	s, mock, _ := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE pipeline_sessions SET status = \\$1").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE session_locks SET status = \\$1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("processing_session_id IN (SELECT session_id FROM pipeline_sessions WHERE status <> $")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := s.CleanupStaleSessions(context.Background(), testLease)
	if err != nil {
		t.Fatalf("CleanupStaleSessions failed: %v", err)
	}
	if res.AbandonedSessions != 2 || res.ExpiredLocks != 3 || res.ResetArticles != 1 {
		t.Errorf("Unexpected result: %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pg unique", &pgconn.PgError{Code: "23505"}, true},
		{"pg other", &pgconn.PgError{Code: "23503"}, false},
		{"wrapped pg", fmt.Errorf("insert lock: %w", &pgconn.PgError{Code: "23505"}), true},
		{"sqlite text", errors.New("constraint failed: UNIQUE constraint failed: session_locks.article_id (2067)"), true},
		{"other", errors.New("database is locked"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.want {
				t.Errorf("isUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
