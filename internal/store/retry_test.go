package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := &Store{
		db:     db,
		logger: nopLogger,
		now:    func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
	return s, mock
}

func TestWithTxRetriesBusyBegin(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("database is locked (5) (SQLITE_BUSY)"))
	mock.ExpectBegin().WillReturnError(errors.New("database is locked (5) (SQLITE_BUSY)"))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE system_state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.SetRestarting(context.Background(), true); err != nil {
		t.Fatalf("SetRestarting() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE system_state").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	if err := s.SetRestarting(context.Background(), true); err == nil {
		t.Fatal("SetRestarting() expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithBusyRetryGivesUp(t *testing.T) {
	s, mock := newMockStore(t)

	for i := 0; i < busyRetryAttempts; i++ {
		mock.ExpectBegin().WillReturnError(errors.New("SQLITE_BUSY"))
	}

	err := s.SetRestarting(context.Background(), true)
	if err == nil {
		t.Fatal("SetRestarting() expected busy exhaustion error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithBusyRetryHonorsContext(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("SQLITE_BUSY"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.SetRestarting(ctx, true)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SetRestarting() error = %v, want context.Canceled", err)
	}
}
