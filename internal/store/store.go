package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/conductor/internal/task"
	"github.com/mohammad-safakhou/conductor/internal/workflow"
)

// Store wraps the Postgres connection used for users, persisted execution
// records and synthesized workflows.
type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// WorkflowSummary is a listing row; the full definition lives in jsonb.
type WorkflowSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TaskID    string    `json:"task_id"`
	Partial   bool      `json:"partial"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveWorkflow persists a synthesized workflow definition. Definitions are
// immutable, so conflicts on id are rejected rather than upserted.
func (s *Store) SaveWorkflow(ctx context.Context, userID string, def workflow.Definition) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO workflows (id, user_id, name, task_id, partial, definition, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		def.ID, userID, def.Name, def.TaskID, def.Partial, payload, def.CreatedAt)
	return err
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (workflow.Definition, bool, error) {
	var payload []byte
	err := s.DB.QueryRowContext(ctx, `SELECT definition FROM workflows WHERE id=$1`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return workflow.Definition{}, false, nil
	}
	if err != nil {
		return workflow.Definition{}, false, err
	}
	var def workflow.Definition
	if err := json.Unmarshal(payload, &def); err != nil {
		return workflow.Definition{}, false, fmt.Errorf("unmarshal workflow %s: %w", id, err)
	}
	return def, true, nil
}

func (s *Store) ListWorkflows(ctx context.Context, userID string) ([]WorkflowSummary, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, task_id, partial, created_at FROM workflows WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WorkflowSummary
	for rows.Next() {
		var w WorkflowSummary
		if err := rows.Scan(&w.ID, &w.Name, &w.TaskID, &w.Partial, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// RecordSummary is a listing row for persisted execution records.
type RecordSummary struct {
	TaskID      string      `json:"task_id"`
	Description string      `json:"description"`
	Status      task.Status `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// SaveRecord persists a terminal execution record for audit and replay.
// The engine owns live records in memory; only terminal snapshots land here.
func (s *Store) SaveRecord(ctx context.Context, userID string, rec task.Record) error {
	if !rec.Status.IsTerminal() {
		return fmt.Errorf("record %s is not terminal: %s", rec.TaskID, rec.Status)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO execution_records (task_id, user_id, description, status, record, created_at, updated_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7)
         ON CONFLICT (task_id) DO UPDATE SET status=EXCLUDED.status, record=EXCLUDED.record, updated_at=EXCLUDED.updated_at`,
		rec.TaskID, userID, rec.Request.Description, string(rec.Status), payload, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (s *Store) GetRecord(ctx context.Context, taskID string) (task.Record, bool, error) {
	var payload []byte
	err := s.DB.QueryRowContext(ctx, `SELECT record FROM execution_records WHERE task_id=$1`, taskID).Scan(&payload)
	if err == sql.ErrNoRows {
		return task.Record{}, false, nil
	}
	if err != nil {
		return task.Record{}, false, err
	}
	var rec task.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return task.Record{}, false, fmt.Errorf("unmarshal record %s: %w", taskID, err)
	}
	return rec, true, nil
}

func (s *Store) ListRecords(ctx context.Context, userID string, limit int) ([]RecordSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT task_id, description, status, created_at FROM execution_records WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RecordSummary
	for rows.Next() {
		var r RecordSummary
		var status string
		if err := rows.Scan(&r.TaskID, &r.Description, &status, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Status = task.Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
