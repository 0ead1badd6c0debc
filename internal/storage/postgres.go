package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"okr-query-sandbox/internal/sandbox"
)

// DB wraps a PostgreSQL connection pool. It serves two roles: the data source
// the sandbox bridge fetches through, and the audit log the governor writes
// to.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// FetchDaily returns the user's daily habit entries matching the filters.
// The user_id predicate is unconditional; filters only ever narrow it.
func (db *DB) FetchDaily(ctx context.Context, userID string, f sandbox.QueryFilters) ([]sandbox.DailyRecord, error) {
	query := `
		SELECT entry_date, year, month, week, tag, minutes, completed, note, metrics
		FROM daily_entries
		WHERE user_id = $1
		  AND ($2::int IS NULL OR year = $2)
		  AND ($3::int IS NULL OR month = $3)
		  AND ($4::int IS NULL OR week = $4)
		  AND ($5::date IS NULL OR entry_date >= $5)
		  AND ($6::date IS NULL OR entry_date <= $6)
		  AND ($7::bool IS NULL OR completed = $7)
		  AND ($8::text IS NULL OR tag = $8)
		ORDER BY entry_date`

	rows, err := db.pool.Query(ctx, query,
		userID, f.Year, f.Month, f.Week, f.From, f.To, f.Completed, f.Tag,
	)
	if err != nil {
		return nil, fmt.Errorf("querying daily entries: %w", err)
	}
	defer rows.Close()

	var results []sandbox.DailyRecord
	for rows.Next() {
		var r sandbox.DailyRecord
		if err := rows.Scan(
			&r.Date, &r.Year, &r.Month, &r.Week, &r.Tag,
			&r.Minutes, &r.Completed, &r.Note, &r.Metrics,
		); err != nil {
			return nil, fmt.Errorf("scanning daily entry: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// FetchTasks returns the user's tasks matching the filters.
func (db *DB) FetchTasks(ctx context.Context, userID string, f sandbox.QueryFilters) ([]sandbox.TaskRecord, error) {
	query := `
		SELECT id, title, tag, completed, completed_at, due_date, created_at
		FROM tasks
		WHERE user_id = $1
		  AND ($2::bool IS NULL OR completed = $2)
		  AND ($3::text IS NULL OR tag = $3)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		  AND ($5::timestamptz IS NULL OR created_at <= $5)
		  AND ($6::int IS NULL OR EXTRACT(YEAR FROM created_at) = $6)
		ORDER BY created_at`

	rows, err := db.pool.Query(ctx, query,
		userID, f.Completed, f.Tag, f.From, f.To, f.Year,
	)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var results []sandbox.TaskRecord
	for rows.Next() {
		var r sandbox.TaskRecord
		if err := rows.Scan(
			&r.ID, &r.Title, &r.Tag, &r.Completed,
			&r.CompletedAt, &r.DueDate, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// FetchObjectives returns the user's objectives with their key results.
func (db *DB) FetchObjectives(ctx context.Context, userID string, f sandbox.QueryFilters) ([]sandbox.ObjectiveRecord, error) {
	query := `
		SELECT o.id, o.title, o.level, o.year, o.quarter, o.progress,
			kr.id, kr.title, kr.target, kr.current, kr.progress
		FROM objectives o
		LEFT JOIN key_results kr ON kr.objective_id = o.id
		WHERE o.user_id = $1
		  AND ($2::int IS NULL OR o.year = $2)
		  AND ($3::text IS NULL OR o.level = $3::text)
		ORDER BY o.created_at, kr.position`

	var level *string
	if f.Level != nil {
		s := fmt.Sprintf("%d", *f.Level)
		level = &s
	}

	rows, err := db.pool.Query(ctx, query, userID, f.Year, level)
	if err != nil {
		return nil, fmt.Errorf("querying objectives: %w", err)
	}
	defer rows.Close()

	var results []sandbox.ObjectiveRecord
	index := make(map[string]int)
	for rows.Next() {
		var o sandbox.ObjectiveRecord
		var krID, krTitle *string
		var krTarget, krCurrent, krProgress *float64
		if err := rows.Scan(
			&o.ID, &o.Title, &o.Level, &o.Year, &o.Quarter, &o.Progress,
			&krID, &krTitle, &krTarget, &krCurrent, &krProgress,
		); err != nil {
			return nil, fmt.Errorf("scanning objective: %w", err)
		}

		i, seen := index[o.ID]
		if !seen {
			results = append(results, o)
			i = len(results) - 1
			index[o.ID] = i
		}
		if krID != nil {
			results[i].KeyResults = append(results[i].KeyResults, sandbox.KeyResultRecord{
				ID:       *krID,
				Title:    deref(krTitle),
				Target:   derefF(krTarget),
				Current:  derefF(krCurrent),
				Progress: derefF(krProgress),
			})
		}
	}
	return results, rows.Err()
}

// LogExecution inserts an audit record.
func (db *DB) LogExecution(ctx context.Context, exec *QueryExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	query := `
		INSERT INTO query_executions (id, user_id, kind, code, success, error_message, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.UserID, exec.Kind, exec.Code,
		exec.Success, exec.ErrorMessage, exec.DurationMS, exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// ListExecutions queries the audit log for one user.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]QueryExecution, error) {
	if filter.UserID == "" {
		return nil, fmt.Errorf("listing executions: user id is required")
	}

	query := `
		SELECT id, user_id, kind, code, success, error_message, duration_ms, created_at
		FROM query_executions
		WHERE user_id = $1
		  AND ($2 = '' OR kind = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.UserID, filter.Kind, filter.Since, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []QueryExecution
	for rows.Next() {
		var exec QueryExecution
		if err := rows.Scan(
			&exec.ID, &exec.UserID, &exec.Kind, &exec.Code,
			&exec.Success, &exec.ErrorMessage, &exec.DurationMS, &exec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}
	return results, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefF(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
