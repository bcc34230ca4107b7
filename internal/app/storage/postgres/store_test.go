package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/R3E-Network/prediction_layer/internal/app/domain/catalog"
	"github.com/R3E-Network/prediction_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/prediction_layer/internal/app/domain/prediction"
	"github.com/R3E-Network/prediction_layer/internal/app/storage"
	"github.com/R3E-Network/prediction_layer/internal/platform/migrations"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var jobColumnNames = []string{
	"id", "owner_id", "catalog_item_id", "status", "input", "result", "attempts",
	"created_at", "started_at", "lease_expires_at", "completed_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestSumBalance(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("40.00000000"))

	bal, err := store.SumBalance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("sum balance: %v", err)
	}
	if !bal.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("balance = %s, want 40", bal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithinOwnerTxCommits(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COALESCE").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("50"))
	mock.ExpectExec("INSERT INTO prediction_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithinOwnerTx(ctx, "u1", func(tx storage.AdmissionTx) error {
		bal, err := tx.Balance(ctx, "u1")
		if err != nil {
			return err
		}
		if !bal.Equal(decimal.NewFromInt(50)) {
			t.Fatalf("balance = %s", bal)
		}
		job, err := tx.CreateJob(ctx, prediction.Job{OwnerID: "u1", CatalogItemID: "m1", Input: json.RawMessage(`{"coin":"btc"}`)})
		if err != nil {
			return err
		}
		if job.ID == "" || job.Status != prediction.StatusQueued {
			t.Fatalf("unexpected job %+v", job)
		}
		_, err = tx.AppendEntry(ctx, ledger.Entry{OwnerID: "u1", Amount: decimal.NewFromInt(10), Kind: ledger.KindDebit, ReferenceID: job.ID})
		return err
	})
	if err != nil {
		t.Fatalf("within tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithinOwnerTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := store.WithinOwnerTx(context.Background(), "u1", func(storage.AdmissionTx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimJobConflict(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("UPDATE prediction_jobs").
		WithArgs("j1", now, now.Add(time.Minute)).
		WillReturnRows(sqlmock.NewRows(jobColumnNames))
	mock.ExpectQuery("FROM prediction_jobs WHERE id").
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows(jobColumnNames).
			AddRow("j1", "u1", "m1", "done", []byte(`{}`), []byte(`{"ok":true}`), 1, now, now, nil, now))

	_, err := store.ClaimJob(context.Background(), "j1", now, now.Add(time.Minute))
	if !errors.Is(err, storage.ErrConflict) || !errors.Is(err, prediction.ErrInvalidTransition) {
		t.Fatalf("expected conflict from a terminal job, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimJobSucceeds(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lease := now.Add(time.Minute)

	mock.ExpectQuery("UPDATE prediction_jobs").
		WithArgs("j1", now, lease).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).
			AddRow("j1", "u1", "m1", "processing", []byte(`{}`), nil, 1, now, now, lease, nil))

	job, err := store.ClaimJob(context.Background(), "j1", now, lease)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job.Status != prediction.StatusProcessing || job.Attempts != 1 || job.Result != nil || job.CompletedAt != nil {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.Equal(lease) {
		t.Fatalf("lease = %v, want %v", job.LeaseExpiresAt, lease)
	}
}

func TestGetJobNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM prediction_jobs WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(jobColumnNames))

	if _, err := store.GetJob(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCompleteJobRejectsNonTerminal(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.CompleteJob(context.Background(), "j1", 1, prediction.StatusQueued, nil, time.Now())
	if !errors.Is(err, prediction.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := migrations.Apply(ctx, db.DB); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	store := New(db)

	owner := "it-" + uuid.NewString()
	item, err := store.UpsertCatalogItem(ctx, catalog.Item{ID: "it-" + uuid.NewString(), Name: "Random Forest", Price: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("upsert catalog item: %v", err)
	}
	if _, err := store.AppendEntry(ctx, ledger.Entry{OwnerID: owner, Amount: decimal.NewFromInt(50), Kind: ledger.KindCredit}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	var jobID string
	err = store.WithinOwnerTx(ctx, owner, func(tx storage.AdmissionTx) error {
		job, err := tx.CreateJob(ctx, prediction.Job{OwnerID: owner, CatalogItemID: item.ID, Input: json.RawMessage(`{"period":7}`)})
		if err != nil {
			return err
		}
		jobID = job.ID
		_, err = tx.AppendEntry(ctx, ledger.Entry{OwnerID: owner, Amount: item.Price, Kind: ledger.KindDebit, ReferenceID: job.ID})
		return err
	})
	if err != nil {
		t.Fatalf("admission tx: %v", err)
	}

	bal, err := store.SumBalance(ctx, owner)
	if err != nil || !bal.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("balance = %s, err = %v", bal, err)
	}

	now := time.Now().UTC()
	claimed, err := store.ClaimJob(ctx, jobID, now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	done, err := store.CompleteJob(ctx, jobID, claimed.Attempts, prediction.StatusDone, json.RawMessage(`{"forecasts":[]}`), now)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != prediction.StatusDone {
		t.Fatalf("status = %s", done.Status)
	}
}
