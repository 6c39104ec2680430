package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/ignite/usda-monitor/internal/domain"
)

func setupTestDB(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateRun(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO report_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	run, err := store.CreateRun(context.Background(), "PK600_MORNING_CASH")
	if err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	if run.ID == "" {
		t.Error("run should get an id")
	}
	if run.State != domain.RunWaitingForPublication {
		t.Errorf("state = %s", run.State)
	}
	expectationsMet(t, mock)
}

func TestFinalizeRun_UpdatesAndAppendsEventInOneTx(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE report_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO report_run_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	err := store.FinalizeRun(context.Background(), "run-1", &d, domain.RunPublishedNoChange, "abc")
	if err != nil {
		t.Fatalf("FinalizeRun() error: %v", err)
	}
	expectationsMet(t, mock)
}

func TestFailRun_RecordsErrorTaxonomy(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE report_runs").
		WithArgs("run-1", string(domain.RunErrorParse), nil, sqlmock.AnyArg(), "parse", "no matching row").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO report_run_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.FailRun(context.Background(), "run-1", nil, domain.ErrorKindParse, "no matching row")
	if err != nil {
		t.Fatalf("FailRun() error: %v", err)
	}
	expectationsMet(t, mock)
}

func TestPublishVersion_New(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO report_versions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE report_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO report_run_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	v := &domain.ReportVersion{
		ReportID:     "PK600_MORNING_CASH",
		ReportDate:   time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC),
		PayloadHash:  "abc",
		ParsedFields: domain.Fields{"wtd_avg": 76.5},
		RawPayload:   map[string]any{"payloads": []any{}},
	}
	state, err := store.PublishVersion(context.Background(), v, "run-1")
	if err != nil {
		t.Fatalf("PublishVersion() error: %v", err)
	}
	if state != domain.RunPublishedNew {
		t.Errorf("state = %s, want published_new", state)
	}
	if v.ID == "" {
		t.Error("version should get an id")
	}
	expectationsMet(t, mock)
}

func TestPublishVersion_ConcurrentDuplicateBecomesNoChange(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO report_versions").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE report_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO report_run_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	v := &domain.ReportVersion{
		ReportID:    "PK600_MORNING_CASH",
		ReportDate:  time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC),
		PayloadHash: "abc",
	}
	state, err := store.PublishVersion(context.Background(), v, "run-1")
	if err != nil {
		t.Fatalf("PublishVersion() error: %v", err)
	}
	if state != domain.RunPublishedNoChange {
		t.Errorf("state = %s, want published_no_change", state)
	}
	expectationsMet(t, mock)
}

func TestInsertVersion_Duplicate(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO report_versions").
		WillReturnError(&pq.Error{Code: "23505"})

	v := &domain.ReportVersion{ReportID: "HG201_CME_INDEX", ReportDate: time.Now(), PayloadHash: "abc"}
	if err := store.InsertVersion(context.Background(), v); err != domain.ErrDuplicateVersion {
		t.Errorf("err = %v, want ErrDuplicateVersion", err)
	}
	expectationsMet(t, mock)
}

func TestListVersions(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	d := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "report_id", "report_date", "payload_hash", "parsed_fields", "raw_payload", "created_at"}).
		AddRow("v1", "PK600_MORNING_CASH", d, "abc", []byte(`{"wtd_avg":76.5}`), []byte(`{}`), time.Now()).
		AddRow("v2", "PK600_MORNING_CASH", d, "def", []byte(`{"wtd_avg":77.0}`), []byte(`{}`), time.Now())
	mock.ExpectQuery("SELECT (.+) FROM report_versions").
		WithArgs("PK600_MORNING_CASH", d).
		WillReturnRows(rows)

	versions, err := store.ListVersions(context.Background(), "PK600_MORNING_CASH", d)
	if err != nil {
		t.Fatalf("ListVersions() error: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("got %d versions", len(versions))
	}
	if versions[0].ParsedFields["wtd_avg"] != 76.5 {
		t.Errorf("parsed_fields = %v", versions[0].ParsedFields)
	}
	expectationsMet(t, mock)
}

func TestLatestVersion_NoneIsNil(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM report_versions").
		WithArgs("PK600_MORNING_CASH").
		WillReturnError(sql.ErrNoRows)

	v, err := store.LatestVersion(context.Background(), "PK600_MORNING_CASH")
	if err != nil {
		t.Fatalf("LatestVersion() error: %v", err)
	}
	if v != nil {
		t.Errorf("expected nil version, got %+v", v)
	}
	expectationsMet(t, mock)
}

func TestIncrementFailure(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now().UTC()
	mock.ExpectQuery("INSERT INTO alert_state").
		WithArgs("PK600_MORNING_CASH", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"consecutive_failures", "last_failure_at", "updated_at"}).
			AddRow(3, now, now))

	state, err := store.IncrementFailure(context.Background(), "PK600_MORNING_CASH")
	if err != nil {
		t.Fatalf("IncrementFailure() error: %v", err)
	}
	if state.ConsecutiveFailures != 3 {
		t.Errorf("consecutive_failures = %d", state.ConsecutiveFailures)
	}
	if state.LastFailureAt == nil {
		t.Error("last_failure_at should be set")
	}
	expectationsMet(t, mock)
}

func TestResetFailures(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE alert_state").
		WithArgs("PK600_MORNING_CASH", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.ResetFailures(context.Background(), "PK600_MORNING_CASH"); err != nil {
		t.Fatalf("ResetFailures() error: %v", err)
	}
	expectationsMet(t, mock)
}

func TestTryAcquireLock(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs("PK600_MORNING_CASH").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery("pg_advisory_unlock").
		WithArgs("PK600_MORNING_CASH").
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	lock, held, err := store.TryAcquireLock(context.Background(), "PK600_MORNING_CASH")
	if err != nil {
		t.Fatalf("TryAcquireLock() error: %v", err)
	}
	if !held {
		t.Fatal("lock should be held")
	}
	if err := lock.Release(context.Background()); err != nil {
		t.Errorf("Release() error: %v", err)
	}
	// Releasing twice is a no-op.
	if err := lock.Release(context.Background()); err != nil {
		t.Errorf("second Release() error: %v", err)
	}
	expectationsMet(t, mock)
}

func TestTryAcquireLock_Contended(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs("PK600_MORNING_CASH").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	lock, held, err := store.TryAcquireLock(context.Background(), "PK600_MORNING_CASH")
	if err != nil {
		t.Fatalf("TryAcquireLock() error: %v", err)
	}
	if held || lock != nil {
		t.Errorf("contended lock should not be held: %v, %v", lock, held)
	}
	expectationsMet(t, mock)
}

func TestEnsureRecipient_ExistingIsUntouched(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("recipient@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := store.EnsureRecipient(context.Background(), "recipient@example.com", "Example", []string{"PK600_MORNING_CASH"})
	if err != nil {
		t.Fatalf("EnsureRecipient() error: %v", err)
	}
	expectationsMet(t, mock)
}

func TestGetReportConfig_NotFound(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT config FROM reports").
		WithArgs("NOPE").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.GetReportConfig(context.Background(), "NOPE"); err != domain.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	expectationsMet(t, mock)
}

func TestEnsureSchema(t *testing.T) {
	store, mock, cleanup := setupTestDB(t)
	defer cleanup()

	for range schemaStatements {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error: %v", err)
	}
	expectationsMet(t, mock)
}
