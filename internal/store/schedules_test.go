package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestListSchedulesScansLastRun(t *testing.T) {
	st, mock := newMockStore(t)

	created := time.Now().Add(-48 * time.Hour)
	fired := time.Now().Add(-time.Hour)
	rows := sqlmock.NewRows([]string{"id", "user_id", "workflow_id", "cron", "created_at", "last_run_at"}).
		AddRow("s1", "u1", "wf1", "@daily", created, fired).
		AddRow("s2", "u1", "wf2", "@hourly", created, nil)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, workflow_id, cron, created_at, last_run_at FROM schedules ORDER BY created_at`)).
		WillReturnRows(rows)

	out, err := st.ListSchedules(context.Background())
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 schedules, got %d", len(out))
	}
	if out[0].LastRunAt == nil || !out[0].LastRunAt.Equal(fired) {
		t.Fatalf("expected last run %v, got %v", fired, out[0].LastRunAt)
	}
	if out[1].LastRunAt != nil {
		t.Fatalf("never-fired schedule must have nil LastRunAt, got %v", out[1].LastRunAt)
	}
}

func TestTouchSchedule(t *testing.T) {
	st, mock := newMockStore(t)

	at := time.Now()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE schedules SET last_run_at=$2 WHERE id=$1`)).
		WithArgs("s1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.TouchSchedule(context.Background(), "s1", at); err != nil {
		t.Fatalf("TouchSchedule: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
