package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// PlanHistory is one recorded placement run. Plans and Warnings hold the
// JSON-encoded node plan map and feasibility warnings as produced by the
// placement service.
type PlanHistory struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"request_id"`
	WorkloadID    string          `json:"workload_id"`
	Algorithm     string          `json:"algorithm"`
	TaskCount     int             `json:"task_count"`
	NodeCount     int             `json:"node_count"`
	HyperperiodUS uint64          `json:"hyperperiod_us,omitempty"`
	Plans         json.RawMessage `json:"plans,omitempty"`
	Warnings      json.RawMessage `json:"warnings,omitempty"`
	Error         string          `json:"error,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	Duration      time.Duration   `json:"duration,omitempty"`
}

// PlanHistoryStorage defines the interface for placement run records
type PlanHistoryStorage interface {
	// Store stores a placement run record
	Store(ctx context.Context, history *PlanHistory) error

	// Get retrieves a placement run record by ID
	Get(ctx context.Context, id string) (*PlanHistory, error)

	// List retrieves records with pagination and filters
	List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*PlanHistory, error)

	// Count returns the total number of records matching the filters
	Count(ctx context.Context, filters map[string]interface{}) (int, error)

	// DeleteBefore deletes records older than the specified time
	DeleteBefore(ctx context.Context, before time.Time) error
}

// SQLitePlanHistory implements PlanHistoryStorage using SQLite
type SQLitePlanHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLitePlanHistory opens (or creates) the history database at dbPath.
func NewSQLitePlanHistory(logger *zap.Logger, dbPath string) (*SQLitePlanHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLitePlanHistory{
		logger: logger,
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLitePlanHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS plan_history (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			workload_id TEXT NOT NULL,
			algorithm TEXT NOT NULL,
			task_count INTEGER NOT NULL,
			node_count INTEGER NOT NULL,
			hyperperiod_us INTEGER,
			plans TEXT,
			warnings TEXT,
			error TEXT,
			started_at DATETIME NOT NULL,
			duration INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_plan_history_request_id ON plan_history(request_id);
		CREATE INDEX IF NOT EXISTS idx_plan_history_workload_id ON plan_history(workload_id);
		CREATE INDEX IF NOT EXISTS idx_plan_history_algorithm ON plan_history(algorithm);
		CREATE INDEX IF NOT EXISTS idx_plan_history_started_at ON plan_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements PlanHistoryStorage.Store
func (s *SQLitePlanHistory) Store(ctx context.Context, history *PlanHistory) error {
	var plansStr, warningsStr string
	if len(history.Plans) > 0 {
		plansStr = string(history.Plans)
	}
	if len(history.Warnings) > 0 {
		warningsStr = string(history.Warnings)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_history (
			id, request_id, workload_id, algorithm, task_count, node_count,
			hyperperiod_us, plans, warnings, error, started_at, duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		history.ID,
		history.RequestID,
		history.WorkloadID,
		history.Algorithm,
		history.TaskCount,
		history.NodeCount,
		sql.NullInt64{Int64: int64(history.HyperperiodUS), Valid: history.HyperperiodUS != 0},
		sql.NullString{String: plansStr, Valid: plansStr != ""},
		sql.NullString{String: warningsStr, Valid: warningsStr != ""},
		sql.NullString{String: history.Error, Valid: history.Error != ""},
		history.StartedAt,
		sql.NullInt64{Int64: int64(history.Duration), Valid: history.Duration != 0},
	)
	if err != nil {
		return fmt.Errorf("failed to store plan history: %w", err)
	}
	return nil
}

// Get implements PlanHistoryStorage.Get
func (s *SQLitePlanHistory) Get(ctx context.Context, id string) (*PlanHistory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			id, request_id, workload_id, algorithm, task_count, node_count,
			hyperperiod_us, plans, warnings, error, started_at, duration
		FROM plan_history
		WHERE id = ?`, id)

	history, err := scanPlanHistory(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan plan history: %w", err)
	}
	return history, nil
}

// List implements PlanHistoryStorage.List
func (s *SQLitePlanHistory) List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*PlanHistory, error) {
	query := "SELECT id, request_id, workload_id, algorithm, task_count, node_count, hyperperiod_us, plans, warnings, error, started_at, duration FROM plan_history"
	args := make([]interface{}, 0)

	if len(filters) > 0 {
		query += " WHERE"
		first := true
		for key, value := range filters {
			if !first {
				query += " AND"
			}
			query += fmt.Sprintf(" %s = ?", key)
			args = append(args, value)
			first = false
		}
	}

	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan history: %w", err)
	}
	defer rows.Close()

	var histories []*PlanHistory
	for rows.Next() {
		history, err := scanPlanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan history: %w", err)
		}
		histories = append(histories, history)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return histories, nil
}

// Count implements PlanHistoryStorage.Count
func (s *SQLitePlanHistory) Count(ctx context.Context, filters map[string]interface{}) (int, error) {
	query := "SELECT COUNT(*) FROM plan_history"
	args := make([]interface{}, 0)

	if len(filters) > 0 {
		query += " WHERE"
		first := true
		for key, value := range filters {
			if !first {
				query += " AND"
			}
			query += fmt.Sprintf(" %s = ?", key)
			args = append(args, value)
			first = false
		}
	}

	var count int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count plan history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements PlanHistoryStorage.DeleteBefore
func (s *SQLitePlanHistory) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM plan_history WHERE started_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete plan history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old plan history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}

// Close closes the database connection
func (s *SQLitePlanHistory) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlanHistory(row rowScanner) (*PlanHistory, error) {
	history := &PlanHistory{}
	var hyperperiod, duration sql.NullInt64
	var plans, warnings, errorStr sql.NullString

	err := row.Scan(
		&history.ID,
		&history.RequestID,
		&history.WorkloadID,
		&history.Algorithm,
		&history.TaskCount,
		&history.NodeCount,
		&hyperperiod,
		&plans,
		&warnings,
		&errorStr,
		&history.StartedAt,
		&duration,
	)
	if err != nil {
		return nil, err
	}

	if hyperperiod.Valid {
		history.HyperperiodUS = uint64(hyperperiod.Int64)
	}
	if plans.Valid && plans.String != "" {
		history.Plans = json.RawMessage(plans.String)
	}
	if warnings.Valid && warnings.String != "" {
		history.Warnings = json.RawMessage(warnings.String)
	}
	if errorStr.Valid {
		history.Error = errorStr.String
	}
	if duration.Valid {
		history.Duration = time.Duration(duration.Int64)
	}

	return history, nil
}
