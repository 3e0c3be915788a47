package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/raphaelgruber/igsnharvest/internal/fault"
	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/raphaelgruber/igsnharvest/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, DriverPostgres), nil), mock
}

func TestPostgresSaveJobErrors(t *testing.T) {
	job, err := models.NewJob("j1", "svc", models.Window{From: t0}, models.JobOptions{MetadataPrefix: "igsn"}, t0)
	if err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		want      error
	}{
		{
			name: "second running job",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE harvest_jobs SET").
					WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_harvest_jobs_one_running"})
			},
			want: store.ErrConflict,
		},
		{
			name: "unknown job",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE harvest_jobs SET").
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			want: store.ErrNotFound,
		},
		{
			name: "saved",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`WHERE id = \$18`).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			tc.setupMock(mock)

			err := s.SaveJob(context.Background(), job)
			if tc.want == nil && err != nil {
				t.Errorf("SaveJob() error = %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("SaveJob() error = %v, want %v", err, tc.want)
			}
			if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
				t.Errorf("unfulfilled expectations: %v", expectErr)
			}
		})
	}
}

func TestPostgresCreateJobDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO harvest_jobs").WillReturnError(&pq.Error{Code: "23505"})

	job, _ := models.NewJob("j1", "svc", models.Window{From: t0}, models.JobOptions{}, t0)
	if err := s.CreateJob(context.Background(), job); !errors.Is(err, store.ErrConflict) {
		t.Errorf("CreateJob() error = %v, want conflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresUpsertRetriesLostInsert(t *testing.T) {
	s, mock := newMockStore(t)
	empty := sqlmock.NewRows([]string{"id"})

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM identifiers WHERE id = \$1 FOR UPDATE`).WillReturnRows(empty)
	mock.ExpectExec("INSERT INTO identifiers").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM identifiers WHERE id = \$1 FOR UPDATE`).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := s.Upsert(context.Background(), "svc", sample("X", t0), t0)
	if !errors.Is(err, sql.ErrConnDone) {
		t.Errorf("Upsert() error = %v, want the retry's error", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresRejectsTimesBeforeJulianDayZero(t *testing.T) {
	deep := time.Date(-10520, 1, 1, 0, 0, 0, 0, time.UTC)

	testCases := []struct {
		name string
		run  func(s *Store) error
	}{
		{
			name: "provider time",
			run: func(s *Store) error {
				_, err := s.Upsert(context.Background(), "svc", sample("X", deep), t0)
				return err
			},
		},
		{
			name: "igsn time",
			run: func(s *Store) error {
				rec := sample("X", t0)
				rec.IGSNTime = &deep
				_, err := s.Upsert(context.Background(), "svc", rec, t0)
				return err
			},
		},
		{
			name: "deletion",
			run: func(s *Store) error {
				_, err := s.MarkDeleted(context.Background(), "svc", "oai:test:X", deep)
				return err
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMockStore(t)

			err := tc.run(s)
			if !errors.Is(err, fault.ErrRange) {
				t.Errorf("error = %v, want a range fault", err)
			}
			if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
				t.Errorf("unexpected database access: %v", expectErr)
			}
		})
	}
}

func TestPostgresWatermarkEmpty(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT last_record_at FROM harvest_jobs").
		WithArgs("svc").
		WillReturnError(sql.ErrNoRows)

	_, ok, err := s.Watermark(context.Background(), "svc")
	if err != nil || ok {
		t.Errorf("Watermark() = ok %v, err %v; want no watermark", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
