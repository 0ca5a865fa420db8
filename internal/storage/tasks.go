package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/opslens/sentinel/internal/domain"
)

// TaskExecutionRepository is the execution tracker (C11): an append-only
// audit log of dispatched task runs, and the single-flight claim itself.
type TaskExecutionRepository struct {
	db *sql.DB
}

// Claim attempts to atomically insert a running row for (serviceID,
// taskName). It returns ErrConflict when a row with status=running already
// exists for that pair — the partial unique index is the lock, there is no
// separate mutex.
func (r *TaskExecutionRepository) Claim(ctx context.Context, executionID, serviceID, taskName string, startedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO task_executions (execution_id, service_id, task_name, started_at, status)
		VALUES ($1,$2,$3,$4,'running')
	`, executionID, serviceID, taskName, startedAt)
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// Complete finalizes a claimed execution row and mirrors the outcome onto
// the owning service's "last run" field.
func (r *TaskExecutionRepository) Complete(ctx context.Context, executionID string, status domain.TaskStatus, stats map[string]any, errMsg string) error {
	var statsJSON sql.NullString
	if stats != nil {
		b, err := json.Marshal(stats)
		if err != nil {
			return err
		}
		statsJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE task_executions
		SET completed_at = now(), status = $2, stats_json = $3, error_message = $4
		WHERE execution_id = $1
	`, executionID, status, statsJSON, nullIfEmpty(errMsg))
	return err
}

// GetLastExecution returns the most recent successful run for (serviceID,
// taskName), or ErrNotFound when there has never been one.
func (r *TaskExecutionRepository) GetLastExecution(ctx context.Context, serviceID, taskName string) (domain.TaskExecution, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT execution_id, service_id, task_name, started_at, completed_at, status, stats_json, error_message
		FROM task_executions
		WHERE service_id = $1 AND task_name = $2 AND status = 'success'
		ORDER BY started_at DESC LIMIT 1
	`, serviceID, taskName)

	var e domain.TaskExecution
	var completedAt sql.NullTime
	var statsJSON, errMsg sql.NullString
	err := row.Scan(&e.ExecutionID, &e.ServiceID, &e.TaskName, &e.StartedAt, &completedAt, &e.Status, &statsJSON, &errMsg)
	if err == sql.ErrNoRows {
		return domain.TaskExecution{}, ErrNotFound
	}
	if err != nil {
		return domain.TaskExecution{}, err
	}

	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	e.ErrorMessage = errMsg.String
	if statsJSON.Valid {
		_ = json.Unmarshal([]byte(statsJSON.String), &e.Stats)
	}
	return e, nil
}

// IsRunning reports whether a (serviceID, taskName) pair currently has a
// claimed, uncompleted execution row.
func (r *TaskExecutionRepository) IsRunning(ctx context.Context, serviceID, taskName string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM task_executions WHERE service_id = $1 AND task_name = $2 AND status = 'running'
	`, serviceID, taskName).Scan(&count)
	return count > 0, err
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueViolation recognizes lib/pq's unique-constraint SQLSTATE (23505)
// without importing the driver's error type here, keeping this file
// driver-agnostic for tests that swap in sqlmock.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
