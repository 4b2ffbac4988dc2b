package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/hosts"
	"github.com/storyplayer/storyplayer/pkg/runtime"
)

// StoryRecord is one row of the run history.
type StoryRecord struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	Story       string         `json:"story"`
	Category    string         `json:"category"`
	Outcome     engine.Outcome `json:"outcome"`
	Reason      *string        `json:"reason,omitempty"`
	FailedPhase *string        `json:"failed_phase,omitempty"`
	Aborted     bool           `json:"aborted"`
	Phases      string         `json:"phases"` // JSON array of phase results
	StartedAt   time.Time      `json:"started_at"`
	Duration    time.Duration  `json:"duration"`
	CreatedAt   time.Time      `json:"created_at"`
}

// RunSummary aggregates the history of one run.
type RunSummary struct {
	RunID     string                 `json:"run_id"`
	StartedAt time.Time              `json:"started_at"`
	Stories   int                    `json:"stories"`
	Outcomes  map[engine.Outcome]int `json:"outcomes"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Run history
	RecordStoryResult(ctx context.Context, result *engine.StoryResult) error
	ListStoryResults(ctx context.Context, runID string) ([]*StoryRecord, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*RunSummary, error)
	DeleteRun(ctx context.Context, runID string) error

	// Hosts
	hosts.Persister

	// Runtime table
	RuntimeStore() runtime.Store

	// Utility
	HealthCheck(ctx context.Context) error
}
