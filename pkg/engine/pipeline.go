package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/storyplayer/storyplayer/pkg/telemetry"
)

// StoryResult is the terminal result of one story.
type StoryResult struct {
	ID       string         `json:"id"`
	RunID    string         `json:"run_id"`
	Story    string         `json:"story"`
	Category string         `json:"category"`
	Outcome  Outcome        `json:"outcome"`
	Reason   string         `json:"reason,omitempty"`
	Phases   []*PhaseResult `json:"phases"`
	Aborted  bool           `json:"aborted"`
	Started  time.Time      `json:"started"`
	Duration time.Duration  `json:"duration"`
}

// FailedPhase returns the first phase result with a failure, or nil.
func (r *StoryResult) FailedPhase() *PhaseResult {
	for _, p := range r.Phases {
		if p.Failure != nil {
			return p
		}
	}
	return nil
}

// Pipeline executes phase groups for stories.
type Pipeline struct {
	groups   PhaseGroups
	handlers map[string]HandlerFunc
	state    StoryState
	now      func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithHandler registers or replaces a handler implementation.
func WithHandler(name string, h HandlerFunc) PipelineOption {
	return func(p *Pipeline) {
		p.handlers[name] = h
	}
}

// WithClock overrides the pipeline's time source.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		p.now = now
	}
}

// NewPipeline validates groups against the known handlers and returns a pipeline.
// Validation failures are InvalidConfig and must stop the run before any story.
func NewPipeline(groups PhaseGroups, opts ...PipelineOption) (*Pipeline, error) {
	p := &Pipeline{
		groups:   groups,
		handlers: DefaultHandlers(),
		state:    StoryStatePending,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := groups.Validate(func(name string) bool {
		_, ok := p.handlers[name]
		return ok
	}); err != nil {
		return nil, err
	}
	return p, nil
}

// State returns the state of the story currently or last executed.
func (p *Pipeline) State() StoryState {
	return p.state
}

// Group returns the definition of a phase group.
func (p *Pipeline) Group(name string) PhaseGroup {
	return p.groups[name]
}

// RunStory drives one story to a terminal outcome. Cancelling ctx aborts the
// story at the next group boundary and runs the userAbort group.
func (p *Pipeline) RunStory(ctx context.Context, ec *Context, story *Story) *StoryResult {
	started := p.now()
	result := &StoryResult{
		ID:       uuid.New().String(),
		RunID:    ec.RunID,
		Story:    story.FullName(),
		Category: story.Category,
		Started:  started,
	}

	ec.Story = story
	ec.Checkpoint = NewCheckpoint()
	p.state = StoryStatePending

	tel := ec.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	ctx, span := tel.Tracer.StartStorySpan(ctx, ec.RunID, story.Category, story.FullName())
	defer span.End()
	logger := tel.Logger.NewComponentLogger("pipeline").WithRunID(ec.RunID).WithStory(story.Category, story.FullName())

	reporter := ec.Reporter
	if reporter == nil {
		reporter = NopReporter{}
	}
	reporter.StoryStarted(story)

	finish := func(outcome Outcome) *StoryResult {
		result.Outcome = outcome
		result.Duration = p.now().Sub(started)
		p.state = StoryStateCompleted
		span.SetAttributes(telemetry.AttrStoryOutcome.String(string(outcome)))
		tel.Metrics.RecordStoryCompleted(string(outcome), result.Duration)
		reporter.StoryCompleted(result)
		zl := logger.Zerolog()
		zl.Debug().
			Str("outcome", string(outcome)).
			Str("trace_id", telemetry.TraceID(ctx)).
			Str("reason", result.Reason).
			Dur("duration", result.Duration).
			Msg("story completed")
		return result
	}

	if p.groups[GroupBeforeStory].IsEnabled(HandlerCheckBlacklisted) {
		blacklisted, reason, err := p.checkBlacklist(ctx, ec, story)
		if err != nil {
			result.Reason = err.Error()
			return finish(OutcomeError)
		}
		if blacklisted {
			result.Reason = reason
			return finish(OutcomeBlacklisted)
		}
	}

	outcome := OutcomePass
	for _, group := range []string{GroupBeforeStory, GroupStory} {
		if ctx.Err() != nil {
			return p.abort(ctx, ec, logger, result, finish)
		}
		phase := p.RunGroup(ctx, ec, group)
		result.Phases = append(result.Phases, phase)
		if !phase.Succeeded {
			outcome = phase.Failure.Outcome
			break
		}
	}

	// teardown runs whatever happened above so resources are released
	if ctx.Err() != nil {
		return p.abort(ctx, ec, logger, result, finish)
	}
	phase := p.RunGroup(ctx, ec, GroupAfterStory)
	result.Phases = append(result.Phases, phase)
	if !phase.Succeeded && outcome == OutcomePass {
		outcome = phase.Failure.Outcome
	}
	if failed := result.FailedPhase(); failed != nil {
		result.Reason = failed.Failure.Message
	}

	if outcome != OutcomePass {
		telemetry.RecordError(span, errors.New(result.Reason))
	} else {
		telemetry.RecordSuccess(span)
	}
	return finish(outcome)
}

func (p *Pipeline) checkBlacklist(ctx context.Context, ec *Context, story *Story) (bool, string, error) {
	env := environmentName(ec)
	for _, e := range story.BlacklistedEnvironments {
		if e == env {
			return true, fmt.Sprintf("story is blacklisted for test environment '%s'", env), nil
		}
	}
	if ec.Blacklist == nil {
		return false, "", nil
	}
	return ec.Blacklist.IsBlacklisted(ctx, story, env)
}

const abortReason = "story aborted by user"

// abort runs the userAbort group on a context that is no longer cancelled.
func (p *Pipeline) abort(ctx context.Context, ec *Context, logger *telemetry.Logger, result *StoryResult, finish func(Outcome) *StoryResult) *StoryResult {
	p.state = StoryStateAborting
	result.Aborted = true
	result.Reason = abortReason
	if failed := result.FailedPhase(); failed != nil {
		result.Reason = failed.Failure.Message + "; " + abortReason
	}
	zl := logger.Zerolog()
	zl.Warn().Msg("interrupted, running abort handlers")

	phase := p.RunAbort(context.WithoutCancel(ctx), ec)
	result.Phases = append(result.Phases, phase)
	return finish(OutcomeIncomplete)
}

// RunAbort executes the userAbort group. Every enabled handler runs even
// when an earlier one fails; the failures are collected on the result.
func (p *Pipeline) RunAbort(ctx context.Context, ec *Context) *PhaseResult {
	return p.runGroup(ctx, ec, GroupUserAbort, true)
}

// RunGroup executes one phase group. The first failing handler stops the group.
func (p *Pipeline) RunGroup(ctx context.Context, ec *Context, name string) *PhaseResult {
	return p.runGroup(ctx, ec, name, false)
}

func (p *Pipeline) runGroup(ctx context.Context, ec *Context, name string, bestEffort bool) *PhaseResult {
	if p.state != StoryStateAborting {
		p.state = StoryStateRunning
	}

	tel := ec.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	reporter := ec.Reporter
	if reporter == nil {
		reporter = NopReporter{}
	}

	ctx, span := tel.Tracer.StartPhaseSpan(ctx, name)
	defer span.End()

	started := p.now()
	result := &PhaseResult{Phase: name, Succeeded: true}
	phaseLog := ec.PhaseLog()
	phaseLog.Begin(name)
	reporter.PhaseStarted(name)

	enabled := p.groups[name].Enabled()
	for i, handler := range enabled {
		if !result.Succeeded && !bestEffort {
			result.Skipped = append(result.Skipped, handler)
			reporter.HandlerFinished(name, handler, i+1, HandlerStatusSkipped)
			tel.Metrics.RecordHandler(name, handler, string(HandlerStatusSkipped))
			continue
		}

		result.Handlers = append(result.Handlers, handler)
		reporter.HandlerStarted(name, handler, i+1)
		err := p.invoke(ctx, ec, handler)
		if err == nil {
			reporter.HandlerFinished(name, handler, i+1, HandlerStatusOK)
			tel.Metrics.RecordHandler(name, handler, string(HandlerStatusOK))
			continue
		}

		reporter.HandlerFinished(name, handler, i+1, HandlerStatusError)
		tel.Metrics.RecordHandler(name, handler, string(HandlerStatusError))
		tel.Metrics.RecordError(CodeOf(err))
		ec.Logf(LogLevelError, "%s failed: %v", handler, err)
		result.Errors = append(result.Errors, err)

		if result.Succeeded {
			result.Succeeded = false
			result.Failure = newFailure(handler, err)
		}
	}

	result.Log = phaseLog.Entries(name)
	result.Duration = p.now().Sub(started)
	tel.Metrics.RecordPhaseGroup(name, result.Succeeded, result.Duration)
	if result.Failure != nil {
		telemetry.RecordError(span, result.Failure.Cause)
	}
	reporter.PhaseCompleted(result)
	return result
}

// invoke runs one handler, converting panics into errors.
func (p *Pipeline) invoke(ctx context.Context, ec *Context, name string) (err error) {
	h, ok := p.handlers[name]
	if !ok {
		return NewInvalidConfigError(fmt.Sprintf("unknown handler '%s'", name), nil)
	}

	defer func() {
		if r := recover(); r != nil {
			e := NewPermanentError(fmt.Sprintf("handler panicked: %v", r), nil).WithCode(ErrCodeInternal)
			e.Trail = strings.Split(strings.TrimSpace(string(debug.Stack())), "\n")
			err = e
		}
	}()

	return h(ctx, ec)
}

func newFailure(handler string, err error) *Failure {
	return &Failure{
		Handler: handler,
		Message: err.Error(),
		Code:    CodeOf(err),
		Cause:   err,
		Trail:   TrailOf(err),
		Outcome: OutcomeFor(err),
	}
}
