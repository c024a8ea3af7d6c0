package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db, DialectPostgres, testKey), mock
}

func TestRebind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		dialect Dialect
		in      string
		want    string
	}{
		{"sqlite untouched", DialectSQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres numbered", DialectPostgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"postgres no params", DialectPostgres, "SELECT 1", "SELECT 1"},
		{"in clause", DialectPostgres, "WHERE s IN (" + inClause(3) + ")", "WHERE s IN ($1, $2, $3)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rebind(tt.dialect, tt.in); got != tt.want {
				t.Errorf("rebind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPostgresIncrementTokenUsage(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("SET usage_count = usage_count + 1, last_used_at = $1")).
		WithArgs(sqlmock.AnyArg(), "tok-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $2 AND revoked_at IS NULL")).
		WithArgs(sqlmock.AnyArg(), "tok-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.IncrementTokenUsage(ctx, "tok-1", time.Now())
	if err != nil || !ok {
		t.Fatalf("expected increment to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = s.IncrementTokenUsage(ctx, "tok-2", time.Now())
	if err != nil || ok {
		t.Fatalf("expected revoked token to report false, got ok=%v err=%v", ok, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresUniqueViolationMapsToDuplicate(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO embed_tokens")).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})

	err := s.CreateEmbedToken(context.Background(), &EmbedToken{ID: "t", StoryID: "s", SiteID: "a", TokenHash: "h"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestPostgresQueryErrorsAreWrapped(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	boom := errors.New("connection reset")

	mock.ExpectQuery(regexp.QuoteMeta("FROM stories WHERE id = $1")).
		WithArgs("s").
		WillReturnError(boom)

	_, err := s.GetStory(context.Background(), "s")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("driver errors must not be reported as ErrNotFound")
	}
}

func TestPostgresTransitionConflict(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	secret, err := EncryptSecret("whsec", testKey)
	if err != nil {
		t.Fatalf("EncryptSecret failed: %v", err)
	}
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE distributions SET status = $1, updated_at = $2")).
		WithArgs("pending_removal", sqlmock.AnyArg(), "d1", "active").
		WillReturnResult(sqlmock.NewResult(0, 0))

	cols := []string{"id", "story_id", "site_id", "status", "webhook_url", "webhook_secret_encrypted",
		"platform", "platform_post_id", "view_count", "click_count", "last_viewed_at", "revoked_at",
		"revocation_reason", "webhook_response", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM distributions WHERE id = $1")).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("d1", "s", "a", "removed_externally", "", secret,
			"", "", 0, 0, nil, nil, "", "", now, now))

	err = s.TransitionDistribution(context.Background(), "d1",
		[]DistributionStatus{DistributionActive}, DistributionPendingRemoval, DistributionUpdate{})
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
