package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// HandlerFunc is one phase handler.
type HandlerFunc func(ctx context.Context, ec *Context) error

// DefaultHandlers returns the handler implementations shipped with the engine.
func DefaultHandlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		HandlerStartupHandlers:             startupHandlers,
		HandlerCheckBlacklisted:            checkBlacklisted,
		HandlerCheckTestEnvironment:        checkTestEnvironment,
		HandlerTestCanRunCheck:             testCanRunCheck,
		HandlerTestSetup:                   storyStep("test setup", func(s *Story) []Callback { return s.setups }),
		HandlerPreTestPrediction:           storyStep("pre-test prediction", func(s *Story) []Callback { return s.predictions }),
		HandlerPreTestInspection:           storyStep("pre-test inspection", func(s *Story) []Callback { return s.preInspections }),
		HandlerAction:                      action,
		HandlerPostTestInspection:          storyStep("post-test inspection", func(s *Story) []Callback { return s.postInspections }),
		HandlerTestTeardown:                testTeardown,
		HandlerSaveTestUsers:               saveTestUsers,
		HandlerShutdownHandlers:            shutdownHandlers,
		HandlerTestEnvironmentConstruction: testEnvironmentConstruction,
		HandlerTestEnvironmentDestruction:  testEnvironmentDestruction,
		HandlerScript:                      runScript,
	}
}

func startupHandlers(ctx context.Context, ec *Context) error {
	// drop module instances left over from a previous story
	if err := ec.shutdownModules(ctx); err != nil {
		ec.Logf(LogLevelWarning, "leftover modules did not shut down cleanly: %v", err)
	}
	if ec.Modules != nil {
		ec.Logf(LogLevelDebug, "modules available: %s", strings.Join(ec.Modules.Names(), ", "))
	}
	return nil
}

// checkBlacklisted records the gate decision; blacklisted stories never reach this group.
func checkBlacklisted(_ context.Context, ec *Context) error {
	env := environmentName(ec)
	ec.Logf(LogLevelInfo, "story is not blacklisted for test environment '%s'", env)
	return nil
}

func checkTestEnvironment(_ context.Context, ec *Context) error {
	if ec.Story == nil {
		return nil
	}
	for _, role := range ec.Story.RequiredRoles {
		hosts := ec.HostsWithRole(role)
		if len(hosts) == 0 {
			return NewIncompleteError(fmt.Sprintf("test environment '%s' has no host with role '%s'", environmentName(ec), role))
		}
		ec.Logf(LogLevelDebug, "role '%s' provided by %s", role, strings.Join(hosts, ", "))
	}
	return nil
}

func testCanRunCheck(ctx context.Context, ec *Context) error {
	story := ec.Story
	if story == nil {
		return nil
	}
	if story.RequiredVersion > ec.EngineVersion {
		return NewIncompleteError(fmt.Sprintf("story requires storyplayer v%d, this is v%d", story.RequiredVersion, ec.EngineVersion))
	}
	if story.CanRun != nil {
		if err := story.CanRun(ctx, ec); err != nil {
			e := NewIncompleteError("story cannot run: " + err.Error())
			e.Err = err
			return e
		}
	}
	return nil
}

func storyStep(what string, pick func(*Story) []Callback) HandlerFunc {
	return func(ctx context.Context, ec *Context) error {
		if ec.Story == nil {
			return nil
		}
		callbacks := pick(ec.Story)
		if len(callbacks) == 0 {
			ec.Logf(LogLevelDebug, "story has no %s", what)
			return nil
		}
		for i, cb := range callbacks {
			ec.Logf(LogLevelDebug, "running %s %d of %d", what, i+1, len(callbacks))
			if err := cb(ctx, ec); err != nil {
				return err
			}
		}
		return nil
	}
}

func action(ctx context.Context, ec *Context) error {
	if ec.Story == nil {
		return nil
	}
	if !ec.Story.HasActions() {
		return NewIncompleteError("story has no action")
	}
	return storyStep("action", func(s *Story) []Callback { return s.actions })(ctx, ec)
}

// testTeardown runs every teardown callback even if an earlier one fails.
func testTeardown(ctx context.Context, ec *Context) error {
	if ec.Story == nil {
		return nil
	}
	var errs []error
	for i, cb := range ec.Story.teardowns {
		ec.Logf(LogLevelDebug, "running test teardown %d of %d", i+1, len(ec.Story.teardowns))
		if err := cb(ctx, ec); err != nil {
			ec.Logf(LogLevelError, "test teardown %d failed: %v", i+1, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func saveTestUsers(ctx context.Context, ec *Context) error {
	if ec.Runtime == nil {
		return nil
	}
	if err := ec.Runtime.Save(ctx); err != nil {
		return NewActionFailedError("unable to save runtime table", err)
	}
	ec.Logf(LogLevelDebug, "runtime table saved")
	return nil
}

func shutdownHandlers(ctx context.Context, ec *Context) error {
	if err := ec.shutdownModules(ctx); err != nil {
		return NewActionFailedError("module shutdown failed", err)
	}
	return nil
}

func testEnvironmentConstruction(ctx context.Context, ec *Context) error {
	if ec.Environment == nil {
		ec.Logf(LogLevelNotice, "no test environment to construct")
		return nil
	}
	ec.Logf(LogLevelInfo, "creating test environment '%s'", ec.Environment.Name())
	return ec.Environment.Construct(ctx)
}

func testEnvironmentDestruction(ctx context.Context, ec *Context) error {
	if ec.Environment == nil {
		ec.Logf(LogLevelNotice, "no test environment to destroy")
		return nil
	}
	ec.Logf(LogLevelInfo, "destroying test environment '%s'", ec.Environment.Name())
	return ec.Environment.Destroy(ctx)
}

func runScript(ctx context.Context, ec *Context) error {
	if ec.Script == nil {
		return NewIncompleteError("no script to run")
	}
	return ec.Script.RunScript(ctx, ec)
}

func environmentName(ec *Context) string {
	if ec.Environment == nil {
		return "none"
	}
	return ec.Environment.Name()
}
