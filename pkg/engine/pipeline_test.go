package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// recordingReporter captures handler progress for assertions.
type recordingReporter struct {
	NopReporter
	mu       sync.Mutex
	markers  []string
	results  []*StoryResult
	activity []LogEntry
}

func (r *recordingReporter) HandlerFinished(group, handler string, _ int, status HandlerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers = append(r.markers, group+"/"+handler+":"+string(status))
}

func (r *recordingReporter) Activity(_ string, entry LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activity = append(r.activity, entry)
}

func (r *recordingReporter) StoryCompleted(result *StoryResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

// mockEnvironment counts construction calls.
type mockEnvironment struct {
	name        string
	constructed int
	destroyed   int
	destroyErr  error
}

func (m *mockEnvironment) Name() string { return m.name }

func (m *mockEnvironment) Construct(context.Context) error {
	m.constructed++
	return nil
}

func (m *mockEnvironment) Destroy(context.Context) error {
	m.destroyed++
	return m.destroyErr
}

func groupsWith(name string, handlers ...HandlerToggle) PhaseGroups {
	groups := DefaultPhaseGroups()
	groups[name] = PhaseGroup{Name: name, Handlers: handlers}
	return groups
}

func newTestContext() (*Context, *recordingReporter) {
	ec := NewContext("run-1")
	ec.EngineVersion = 3
	rep := &recordingReporter{}
	ec.Reporter = rep
	return ec, rep
}

func TestDisabledHandlerNeverRuns(t *testing.T) {
	var calls []string
	groups := groupsWith(GroupStory,
		HandlerToggle{Name: "X", Enabled: true},
		HandlerToggle{Name: "Y", Enabled: false},
	)

	p, err := NewPipeline(groups,
		WithHandler("X", func(context.Context, *Context) error { calls = append(calls, "X"); return nil }),
		WithHandler("Y", func(context.Context, *Context) error { calls = append(calls, "Y"); return nil }),
	)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	ec, _ := newTestContext()
	result := p.RunGroup(context.Background(), ec, GroupStory)

	if len(calls) != 1 || calls[0] != "X" {
		t.Errorf("expected only X to run, got %v", calls)
	}
	if len(result.Handlers) != 1 || result.Handlers[0] != "X" {
		t.Errorf("expected handler list [X], got %v", result.Handlers)
	}
	if !result.Succeeded {
		t.Errorf("expected group to succeed")
	}
}

func TestHandlerOrderFollowsConfiguration(t *testing.T) {
	var calls []string
	record := func(name string) HandlerFunc {
		return func(context.Context, *Context) error {
			calls = append(calls, name)
			return nil
		}
	}
	groups := groupsWith(GroupStory,
		HandlerToggle{Name: "C", Enabled: true},
		HandlerToggle{Name: "A", Enabled: true},
		HandlerToggle{Name: "B", Enabled: true},
	)
	p, err := NewPipeline(groups, WithHandler("A", record("A")), WithHandler("B", record("B")), WithHandler("C", record("C")))
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	ec, _ := newTestContext()
	p.RunGroup(context.Background(), ec, GroupStory)

	if strings.Join(calls, ",") != "C,A,B" {
		t.Errorf("expected C,A,B got %v", calls)
	}
}

func TestAssertionFailureYieldsFail(t *testing.T) {
	groups := groupsWith(GroupStory, HandlerToggle{Name: HandlerAction, Enabled: true})
	p, err := NewPipeline(groups)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	story := NewStoryFor("Storyplayer").Called("assertion story").
		AddAction(func(context.Context, *Context) error {
			return NewAssertionError("expected 'foo', got 'bar'")
		})

	ec, _ := newTestContext()
	result := p.RunStory(context.Background(), ec, story)

	if result.Outcome != OutcomeFail {
		t.Fatalf("expected FAIL, got %s", result.Outcome)
	}
	failed := result.FailedPhase()
	if failed == nil {
		t.Fatal("expected a failed phase")
	}
	if failed.Phase != GroupStory {
		t.Errorf("expected failing phase 'story', got %s", failed.Phase)
	}
	if !strings.Contains(failed.Failure.Message, "expected 'foo', got 'bar'") {
		t.Errorf("failure message lost: %s", failed.Failure.Message)
	}
	if failed.Failure.Handler != HandlerAction {
		t.Errorf("expected origin handler Action, got %s", failed.Failure.Handler)
	}
	if len(failed.Failure.Trail) == 0 {
		t.Error("expected a call trail")
	}
	if p.State() != StoryStateCompleted {
		t.Errorf("expected completed state, got %s", p.State())
	}
}

func TestOutcomeClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"assertion", NewAssertionError("nope"), OutcomeFail},
		{"action failed", NewActionFailedError("could not click", nil), OutcomeError},
		{"plain error", errors.New("boom"), OutcomeError},
		{"timeout", NewProvisioningTimeoutError("web1", "running", 10), OutcomeError},
		{"missing parameter", NewMissingParameterError("amiId", "createHost"), OutcomeIncomplete},
		{"incomplete", NewIncompleteError("no hosts"), OutcomeIncomplete},
		{"module not found", NewModuleNotFoundError("browser"), OutcomeIncomplete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups := groupsWith(GroupStory, HandlerToggle{Name: HandlerAction, Enabled: true})
			p, err := NewPipeline(groups)
			if err != nil {
				t.Fatalf("NewPipeline failed: %v", err)
			}
			story := NewStoryFor("test").Called(tt.name).
				AddAction(func(context.Context, *Context) error { return tt.err })

			ec, _ := newTestContext()
			result := p.RunStory(context.Background(), ec, story)
			if result.Outcome != tt.want {
				t.Errorf("expected %s, got %s", tt.want, result.Outcome)
			}
		})
	}
}

func TestFailureSkipsRestOfGroupButRunsTeardown(t *testing.T) {
	var calls []string
	story := NewStoryFor("test").Called("teardown story").
		AddTestSetup(func(context.Context, *Context) error {
			calls = append(calls, "setup")
			return errors.New("setup exploded")
		}).
		AddAction(func(context.Context, *Context) error {
			calls = append(calls, "action")
			return nil
		}).
		AddTestTeardown(func(context.Context, *Context) error {
			calls = append(calls, "teardown")
			return nil
		})

	p, err := NewPipeline(DefaultPhaseGroups())
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	ec, rep := newTestContext()
	result := p.RunStory(context.Background(), ec, story)

	if result.Outcome != OutcomeError {
		t.Errorf("expected ERROR, got %s", result.Outcome)
	}
	if strings.Join(calls, ",") != "setup,teardown" {
		t.Errorf("expected setup,teardown got %v", calls)
	}

	storyPhase := result.Phases[1]
	if storyPhase.Phase != GroupStory {
		t.Fatalf("expected story phase second, got %s", storyPhase.Phase)
	}
	if len(storyPhase.Skipped) != 4 {
		t.Errorf("expected 4 skipped handlers, got %v", storyPhase.Skipped)
	}

	var skipped int
	for _, m := range rep.markers {
		if strings.HasSuffix(m, ":skipped") {
			skipped++
		}
	}
	if skipped != 4 {
		t.Errorf("expected 4 skip markers, got %d (%v)", skipped, rep.markers)
	}
}

func TestBlacklistedStoryRunsNoGroup(t *testing.T) {
	var ran bool
	p, err := NewPipeline(DefaultPhaseGroups(),
		WithHandler(HandlerStartupHandlers, func(context.Context, *Context) error { ran = true; return nil }),
	)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	story := NewStoryFor("test").Called("blacklisted").BlacklistedIn("production").
		AddAction(func(context.Context, *Context) error { ran = true; return nil })

	ec, rep := newTestContext()
	ec.Environment = &mockEnvironment{name: "production"}
	result := p.RunStory(context.Background(), ec, story)

	if result.Outcome != OutcomeBlacklisted {
		t.Fatalf("expected BLACKLISTED, got %s", result.Outcome)
	}
	if ran {
		t.Error("blacklisted story executed a handler")
	}
	if len(result.Phases) != 0 {
		t.Errorf("expected no phase results, got %d", len(result.Phases))
	}
	if len(rep.markers) != 0 {
		t.Errorf("expected no handler markers, got %v", rep.markers)
	}
}

type denyAll struct{}

func (denyAll) IsBlacklisted(context.Context, *Story, string) (bool, string, error) {
	return true, "denied by policy", nil
}

func TestBlacklistCheckerConsulted(t *testing.T) {
	p, err := NewPipeline(DefaultPhaseGroups())
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	ec, _ := newTestContext()
	ec.Blacklist = denyAll{}

	result := p.RunStory(context.Background(), ec, NewStoryFor("test").Called("x"))
	if result.Outcome != OutcomeBlacklisted || result.Reason != "denied by policy" {
		t.Errorf("expected BLACKLISTED by policy, got %s (%s)", result.Outcome, result.Reason)
	}
}

func TestAbortRunsUserAbortGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	env := &mockEnvironment{name: "staging", destroyErr: errors.New("terminate failed")}

	var afterAbort []string
	p, err := NewPipeline(DefaultPhaseGroups(),
		WithHandler(HandlerSaveTestUsers, func(context.Context, *Context) error {
			afterAbort = append(afterAbort, HandlerSaveTestUsers)
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	story := NewStoryFor("test").Called("interrupted").
		AddAction(func(context.Context, *Context) error {
			cancel()
			return nil
		})

	ec, _ := newTestContext()
	ec.Environment = env
	result := p.RunStory(ctx, ec, story)

	if result.Outcome != OutcomeIncomplete {
		t.Fatalf("expected INCOMPLETE, got %s", result.Outcome)
	}
	if !result.Aborted {
		t.Error("expected aborted result")
	}
	last := result.Phases[len(result.Phases)-1]
	if last.Phase != GroupUserAbort {
		t.Fatalf("expected userAbort last, got %s", last.Phase)
	}
	if env.destroyed != 1 {
		t.Errorf("expected environment destroyed once, got %d", env.destroyed)
	}
	if len(last.Handlers) != 3 {
		t.Errorf("expected every abort handler to run despite failure, got %v", last.Handlers)
	}
	if len(last.Errors) != 1 {
		t.Errorf("expected 1 collected abort error, got %d", len(last.Errors))
	}
	if len(afterAbort) != 1 {
		t.Errorf("expected SaveTestUsers once during abort, got %d", len(afterAbort))
	}
}

func TestAbortKeepsEarlierFailureReason(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, err := NewPipeline(DefaultPhaseGroups())
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	story := NewStoryFor("test").Called("fails then interrupted").
		AddAction(func(context.Context, *Context) error {
			cancel()
			return NewAssertionError("homepage returned 500")
		})

	ec, _ := newTestContext()
	ec.Environment = &mockEnvironment{name: "staging"}
	result := p.RunStory(ctx, ec, story)

	if !result.Aborted {
		t.Fatal("expected aborted result")
	}
	if !strings.Contains(result.Reason, "homepage returned 500") {
		t.Errorf("reason lost the action failure: %q", result.Reason)
	}
	if !strings.HasSuffix(result.Reason, abortReason) {
		t.Errorf("reason should note the abort: %q", result.Reason)
	}
}

func TestPanicBecomesError(t *testing.T) {
	groups := groupsWith(GroupStory, HandlerToggle{Name: HandlerAction, Enabled: true})
	p, err := NewPipeline(groups)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	story := NewStoryFor("test").Called("panics").
		AddAction(func(context.Context, *Context) error { panic("kaboom") })

	ec, _ := newTestContext()
	result := p.RunStory(context.Background(), ec, story)

	if result.Outcome != OutcomeError {
		t.Fatalf("expected ERROR, got %s", result.Outcome)
	}
	if !strings.Contains(result.Reason, "kaboom") {
		t.Errorf("expected panic value in reason, got %s", result.Reason)
	}
}

func TestActivityIsBufferedPerPhase(t *testing.T) {
	story := NewStoryFor("test").Called("chatty").
		AddAction(func(_ context.Context, ec *Context) error {
			ec.Logf(LogLevelInfo, "clicking the button")
			return NewAssertionError("button did not change colour")
		})

	p, err := NewPipeline(DefaultPhaseGroups())
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	ec, rep := newTestContext()
	result := p.RunStory(context.Background(), ec, story)

	failed := result.FailedPhase()
	if failed == nil {
		t.Fatal("expected failed phase")
	}
	var found bool
	for _, e := range failed.Log {
		if e.Text == "clicking the button" && e.Level == LogLevelInfo {
			found = true
		}
	}
	if !found {
		t.Errorf("expected buffered activity in failed phase log: %+v", failed.Log)
	}
	if len(rep.activity) == 0 {
		t.Error("expected activity forwarded to reporter")
	}
}

func TestStoryRequiresNewerVersion(t *testing.T) {
	p, err := NewPipeline(DefaultPhaseGroups())
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	story := NewStoryFor("test").Called("future").RequiresStoryplayerVersion(9).
		AddAction(func(context.Context, *Context) error { return nil })

	ec, _ := newTestContext()
	result := p.RunStory(context.Background(), ec, story)
	if result.Outcome != OutcomeIncomplete {
		t.Errorf("expected INCOMPLETE, got %s", result.Outcome)
	}
}

func TestPassingStory(t *testing.T) {
	p, err := NewPipeline(DefaultPhaseGroups())
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	story := NewStoryFor("test").Called("passes").
		AddTestSetup(func(_ context.Context, ec *Context) error {
			ec.Checkpoint.Set("session", "storyplayer_test_session")
			return nil
		}).
		AddAction(func(_ context.Context, ec *Context) error {
			if ec.Checkpoint.GetString("session") != "storyplayer_test_session" {
				return NewAssertionError("checkpoint not shared")
			}
			return nil
		})

	ec, rep := newTestContext()
	result := p.RunStory(context.Background(), ec, story)
	if result.Outcome != OutcomePass {
		t.Fatalf("expected PASS, got %s (%s)", result.Outcome, result.Reason)
	}
	if len(result.Phases) != 3 {
		t.Errorf("expected 3 phases, got %d", len(result.Phases))
	}
	if len(rep.results) != 1 {
		t.Errorf("expected 1 reported result, got %d", len(rep.results))
	}
}

func TestNewPipelineRejectsUnknownHandler(t *testing.T) {
	groups := groupsWith(GroupStory, HandlerToggle{Name: "Nope", Enabled: true})
	_, err := NewPipeline(groups)
	if !HasCode(err, ErrCodeInvalidConfig) {
		t.Errorf("expected InvalidConfig, got %v", err)
	}

	// a disabled unknown handler is fine
	groups = groupsWith(GroupStory, HandlerToggle{Name: "Nope", Enabled: false})
	if _, err := NewPipeline(groups); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewPipelineRejectsMissingGroup(t *testing.T) {
	groups := DefaultPhaseGroups()
	delete(groups, GroupUserAbort)
	if _, err := NewPipeline(groups); !HasCode(err, ErrCodeInvalidConfig) {
		t.Errorf("expected InvalidConfig, got %v", err)
	}
}
