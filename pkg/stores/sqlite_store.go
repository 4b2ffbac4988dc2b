package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/hosts"
	"github.com/storyplayer/storyplayer/pkg/runtime"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// every connection to :memory: is a separate database
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// RecordStoryResult appends a story result to the run history.
func (s *SQLiteStore) RecordStoryResult(ctx context.Context, result *engine.StoryResult) error {
	phases, err := json.Marshal(result.Phases)
	if err != nil {
		return fmt.Errorf("failed to marshal phases: %w", err)
	}

	var reason, failedPhase *string
	if result.Reason != "" {
		reason = &result.Reason
	}
	if p := result.FailedPhase(); p != nil {
		failedPhase = &p.Phase
	}

	query := `
		INSERT INTO story_results (
			id, run_id, story, category, outcome, reason, failed_phase,
			aborted, phases, started_at, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		result.ID,
		result.RunID,
		result.Story,
		result.Category,
		string(result.Outcome),
		reason,
		failedPhase,
		result.Aborted,
		string(phases),
		result.Started,
		result.Duration.Milliseconds(),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record story result: %w", err)
	}

	return nil
}

// ListStoryResults returns the results of a run in the order they were played.
func (s *SQLiteStore) ListStoryResults(ctx context.Context, runID string) ([]*StoryRecord, error) {
	query := `
		SELECT id, run_id, story, category, outcome, reason, failed_phase,
			   aborted, phases, started_at, duration_ms, created_at
		FROM story_results
		WHERE run_id = ?
		ORDER BY started_at ASC, created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list story results: %w", err)
	}
	defer rows.Close()

	records := []*StoryRecord{}
	for rows.Next() {
		rec := &StoryRecord{}
		var outcome string
		var durationMS int64
		err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.Story,
			&rec.Category,
			&outcome,
			&rec.Reason,
			&rec.FailedPhase,
			&rec.Aborted,
			&rec.Phases,
			&rec.StartedAt,
			&durationMS,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan story result: %w", err)
		}
		rec.Outcome = engine.Outcome(outcome)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating story results: %w", err)
	}

	return records, nil
}

// ListRuns summarises runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunSummary, error) {
	query := `
		SELECT run_id, MIN(started_at), outcome, COUNT(*)
		FROM story_results
		WHERE run_id IN (
			SELECT run_id FROM story_results
			GROUP BY run_id
			ORDER BY MIN(started_at) DESC
			LIMIT ? OFFSET ?
		)
		GROUP BY run_id, outcome
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*RunSummary)
	order := []string{}
	for rows.Next() {
		var runID, outcome string
		var started string
		var count int
		if err := rows.Scan(&runID, &started, &outcome, &count); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		sum, ok := byID[runID]
		if !ok {
			sum = &RunSummary{RunID: runID, Outcomes: make(map[engine.Outcome]int)}
			byID[runID] = sum
			order = append(order, runID)
		}
		if t, err := parseTimestamp(started); err == nil && (sum.StartedAt.IsZero() || t.Before(sum.StartedAt)) {
			sum.StartedAt = t
		}
		sum.Outcomes[engine.Outcome(outcome)] += count
		sum.Stories += count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	runs := make([]*RunSummary, 0, len(order))
	for _, id := range order {
		runs = append(runs, byID[id])
	}
	sortRunsNewestFirst(runs)
	return runs, nil
}

// DeleteRun deletes the history of a run.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM story_results WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}

	return nil
}

// SaveHost upserts a host descriptor.
func (s *SQLiteStore) SaveHost(ctx context.Context, d *hosts.Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal host: %w", err)
	}

	query := `
		INSERT INTO hosts (id, backend, environment, provisioned, descriptor, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			backend = excluded.backend,
			environment = excluded.environment,
			provisioned = excluded.provisioned,
			descriptor = excluded.descriptor,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		d.ID,
		d.Backend,
		d.Environment,
		d.Provisioned,
		string(data),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save host: %w", err)
	}

	return nil
}

// DeleteHost removes a host. Deleting an unknown host is not an error.
func (s *SQLiteStore) DeleteHost(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM hosts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete host: %w", err)
	}
	return nil
}

// ListHosts returns every saved host ordered by id.
func (s *SQLiteStore) ListHosts(ctx context.Context) ([]*hosts.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT descriptor FROM hosts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	defer rows.Close()

	out := []*hosts.Descriptor{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan host: %w", err)
		}
		d := &hosts.Descriptor{}
		if err := json.Unmarshal([]byte(data), d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal host: %w", err)
		}
		out = append(out, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hosts: %w", err)
	}

	return out, nil
}

// RuntimeStore returns the runtime table persistence backed by this database.
func (s *SQLiteStore) RuntimeStore() runtime.Store {
	return &runtimeStore{s: s}
}

type runtimeStore struct {
	s *SQLiteStore
}

// Load implements runtime.Store.
func (r *runtimeStore) Load(ctx context.Context) (runtime.Tables, error) {
	rows, err := r.s.db.QueryContext(ctx, `SELECT parent, item_key, value FROM runtime_items`)
	if err != nil {
		return nil, fmt.Errorf("failed to load runtime items: %w", err)
	}
	defer rows.Close()

	tables := make(runtime.Tables)
	for rows.Next() {
		var parent, key, raw string
		if err := rows.Scan(&parent, &key, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan runtime item: %w", err)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s.%s: %w", parent, key, err)
		}
		if tables[parent] == nil {
			tables[parent] = make(map[string]interface{})
		}
		tables[parent][key] = v
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runtime items: %w", err)
	}

	return tables, nil
}

// Save implements runtime.Store.
func (r *runtimeStore) Save(ctx context.Context, tables runtime.Tables) error {
	tx, err := r.s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runtime_items`); err != nil {
		return fmt.Errorf("failed to clear runtime items: %w", err)
	}

	now := time.Now()
	for parent, items := range tables {
		for key, v := range items {
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("failed to marshal %s.%s: %w", parent, key, err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO runtime_items (parent, item_key, value, updated_at) VALUES (?, ?, ?, ?)`,
				parent, key, string(data), now)
			if err != nil {
				return fmt.Errorf("failed to save %s.%s: %w", parent, key, err)
			}
		}
	}

	return tx.Commit()
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

var (
	_ Store                 = (*SQLiteStore)(nil)
	_ engine.ResultRecorder = (*SQLiteStore)(nil)
	_ hosts.Persister       = (*SQLiteStore)(nil)
	_ runtime.Store         = (*runtimeStore)(nil)
)
