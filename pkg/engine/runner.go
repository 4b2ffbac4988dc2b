package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ResultRecorder persists story results, e.g. to the run history store.
type ResultRecorder interface {
	RecordStoryResult(ctx context.Context, result *StoryResult) error
}

// RunSummary is the outcome of playing a batch of stories against one environment.
type RunSummary struct {
	RunID     string
	Startup   *PhaseResult
	Shutdown  *PhaseResult
	Abort     *PhaseResult
	Results   []*StoryResult
	Aborted   bool
	NotPlayed int
}

// Counts returns the number of stories per outcome.
func (s *RunSummary) Counts() map[Outcome]int {
	counts := make(map[Outcome]int)
	for _, r := range s.Results {
		counts[r.Outcome]++
	}
	return counts
}

// Succeeded reports whether the environment came up and no story failed.
func (s *RunSummary) Succeeded() bool {
	if s.Aborted || (s.Startup != nil && !s.Startup.Succeeded) {
		return false
	}
	for _, r := range s.Results {
		if r.Outcome != OutcomePass && r.Outcome != OutcomeBlacklisted {
			return false
		}
	}
	return true
}

// Runner plays stories one at a time, bracketed by environment startup and shutdown.
type Runner struct {
	pipeline *Pipeline
	recorder ResultRecorder
}

// NewRunner returns a runner. recorder may be nil.
func NewRunner(p *Pipeline, recorder ResultRecorder) *Runner {
	return &Runner{pipeline: p, recorder: recorder}
}

// Play runs testEnvStartup, every story in order, then testEnvShutdown.
// If ctx is cancelled the userAbort group runs instead of testEnvShutdown,
// and the remaining stories are not played.
func (r *Runner) Play(ctx context.Context, ec *Context, stories []*Story) (*RunSummary, error) {
	summary := &RunSummary{RunID: ec.RunID}

	summary.Startup = r.pipeline.RunGroup(ctx, ec, GroupTestEnvStartup)
	if !summary.Startup.Succeeded {
		summary.NotPlayed = len(stories)
		summary.Shutdown = r.pipeline.RunAbort(context.WithoutCancel(ctx), ec)
		return summary, fmt.Errorf("test environment startup failed: %w", summary.Startup.Failure.Cause)
	}

	for i, story := range stories {
		if ctx.Err() != nil {
			summary.Aborted = true
			summary.NotPlayed = len(stories) - i
			summary.Abort = r.pipeline.RunAbort(context.WithoutCancel(ctx), ec)
			return summary, nil
		}

		result := r.pipeline.RunStory(ctx, ec, story)
		summary.Results = append(summary.Results, result)
		r.record(ctx, result)

		if result.Aborted {
			summary.Aborted = true
			summary.NotPlayed = len(stories) - i - 1
			return summary, nil
		}
	}

	// Cancelled during the last story, after its final group boundary.
	if ctx.Err() != nil {
		summary.Aborted = true
		summary.Abort = r.pipeline.RunAbort(context.WithoutCancel(ctx), ec)
		return summary, nil
	}

	summary.Shutdown = r.pipeline.RunGroup(ctx, ec, GroupTestEnvShutdown)
	if !summary.Shutdown.Succeeded {
		return summary, fmt.Errorf("test environment shutdown failed: %w", summary.Shutdown.Failure.Cause)
	}
	return summary, nil
}

// PlayScript runs the script group once.
func (r *Runner) PlayScript(ctx context.Context, ec *Context) *PhaseResult {
	return r.pipeline.RunGroup(ctx, ec, GroupScript)
}

func (r *Runner) record(ctx context.Context, result *StoryResult) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordStoryResult(context.WithoutCancel(ctx), result); err != nil {
		log.Warn().Err(err).Str("story", result.Story).Msg("failed to record story result")
	}
}
