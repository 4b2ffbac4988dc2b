// Package engine provides the core types of the story runner: stories, phase
// groups, the pipeline that executes them and the execution context handed to
// every handler.
//
// # Overview
//
// A run plays a list of stories against one test environment:
//
//  1. testEnvStartup - build the test environment
//  2. for every story: beforeStory, story, afterStory
//  3. testEnvShutdown - destroy the test environment
//
// If the run is interrupted between stories the userAbort group runs instead
// of testEnvShutdown. A script run executes the script group once.
//
// # Phase Groups
//
// Each group is an ordered list of handler names with an enabled flag. The
// story group's default handlers are:
//
//   - CheckBlacklisted: policies may blacklist a story for an environment
//   - TestCanRunCheck: required version, required roles and the story's own check
//   - TestSetup, PreTestPrediction, PreTestInspection: preparation callbacks
//   - Action: the thing under test
//   - PostTestInspection: verify the outcome
//   - TestTeardown: always runs once setup has started
//
// Groups come from configuration, so a project can disable handlers or
// reorder them. NewPipeline rejects unknown handler names before any story runs.
//
// # Outcomes
//
// Every story ends with exactly one outcome:
//
//   - PASS: every enabled handler succeeded
//   - FAIL: an assertion did not hold
//   - ERROR: an action failed or an unexpected error occurred
//   - INCOMPLETE: the story could not run (missing parameter, version, roles)
//   - BLACKLISTED: a policy excluded the story from this environment
//
// OutcomeFor maps an error to its outcome using the error code.
//
// # Error Codes
//
// EngineError carries a class, a code and optional resource, operation and
// details:
//
//	err := NewMissingParameterError("amiId", "createHost").WithResource("web1")
//	if HasCode(err, ErrCodeMissingParameter) {
//	    // the story is INCOMPLETE
//	}
//
// # Example Usage
//
//	story := NewStoryFor("Smoke").Called("homepage loads").
//	    AddAction(func(ctx context.Context, ec *Context) error {
//	        ec.Logf(LogLevelInfo, "requesting /")
//	        return nil
//	    })
//
//	p, err := NewPipeline(DefaultPhaseGroups())
//	ec := NewContext(runID)
//	summary, err := NewRunner(p, nil).Play(ctx, ec, []*Story{story})
//
// # Modules
//
// Helper modules are registered by name in a ModuleRegistry. Each story gets
// its own instance, created on first use through UseModule and shut down by
// the ShutdownHandlers handler.
package engine
