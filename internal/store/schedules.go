package store

import (
	"context"
	"database/sql"
	"time"
)

// ScheduleRecord binds a saved workflow to a cron expression for periodic
// replay. LastRunAt is nil until the schedule fires for the first time.
type ScheduleRecord struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	WorkflowID string     `json:"workflow_id"`
	Cron       string     `json:"cron"`
	CreatedAt  time.Time  `json:"created_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
}

func (s *Store) CreateSchedule(ctx context.Context, userID, workflowID, cron string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO schedules (user_id, workflow_id, cron) VALUES ($1,$2,$3) RETURNING id`,
		userID, workflowID, cron).Scan(&id)
	return id, err
}

func (s *Store) ListSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, workflow_id, cron, created_at, last_run_at FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *Store) ListSchedulesByUser(ctx context.Context, userID string) ([]ScheduleRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, workflow_id, cron, created_at, last_run_at FROM schedules WHERE user_id=$1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// TouchSchedule records when a schedule last fired so restarts do not
// replay everything at once.
func (s *Store) TouchSchedule(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE schedules SET last_run_at=$2 WHERE id=$1`, id, at)
	return err
}

func (s *Store) DeleteSchedule(ctx context.Context, id, userID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE id=$1 AND user_id=$2`, id, userID)
	return err
}

func scanSchedules(rows *sql.Rows) ([]ScheduleRecord, error) {
	var out []ScheduleRecord
	for rows.Next() {
		var r ScheduleRecord
		var lastRun sql.NullTime
		if err := rows.Scan(&r.ID, &r.UserID, &r.WorkflowID, &r.Cron, &r.CreatedAt, &lastRun); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			t := lastRun.Time
			r.LastRunAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
