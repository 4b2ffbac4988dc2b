package engine

import (
	"context"
)

// Config is read-only access to the resolved configuration tree.
type Config interface {
	// Has reports whether a value exists at the dotted path.
	Has(path string) bool

	// GetString returns the string at path.
	// Fails with PathNotFound or TypeMismatch.
	GetString(path string) (string, error)

	// GetBool returns the boolean at path.
	GetBool(path string) (bool, error)

	// GetStrings returns the list of strings at path.
	GetStrings(path string) ([]string, error)

	// GetMap returns the plain Go form of the mapping at path.
	GetMap(path string) (map[string]interface{}, error)
}

// HostRegistry is the view of the host table available to handlers.
// Mutation is reserved to host backends.
type HostRegistry interface {
	// HostsWithRole returns the ids of hosts tagged with role, sorted.
	HostsWithRole(role string) []string

	// HostIDs returns every registered host id, sorted.
	HostIDs() []string
}

// RuntimeTable is the persisted, handler-writable sub-tree of configuration.
type RuntimeTable interface {
	// AddItem stores value under parent/key. Fails with DuplicateEntry if key exists.
	AddItem(ctx context.Context, parent, key string, value interface{}) error

	// RemoveItem deletes parent/key. Missing entries are reported, not returned as errors.
	RemoveItem(ctx context.Context, parent, key string) error

	// GetItem returns the value at parent/key, or nil when absent.
	GetItem(ctx context.Context, parent, key string) (interface{}, error)

	// GetTable returns a copy of every item under parent, or nil when absent.
	GetTable(parent string) map[string]interface{}

	// Save flushes the table to its persistent store.
	Save(ctx context.Context) error
}

// Environment builds and tears down the hosts of a test environment.
type Environment interface {
	// Name returns the test environment name.
	Name() string

	// Construct creates every host the environment describes.
	Construct(ctx context.Context) error

	// Destroy removes every host the environment created.
	Destroy(ctx context.Context) error
}

// BlacklistChecker decides whether a story is skipped for an environment.
type BlacklistChecker interface {
	// IsBlacklisted returns true and a reason when story must not run in environment.
	IsBlacklisted(ctx context.Context, story *Story, environment string) (bool, string, error)
}

// ScriptRunner executes a standalone script through the script phase group.
type ScriptRunner interface {
	RunScript(ctx context.Context, ec *Context) error
}

// HandlerStatus is the per-handler progress reported while a group runs.
type HandlerStatus string

const (
	HandlerStatusOK      HandlerStatus = "ok"
	HandlerStatusError   HandlerStatus = "error"
	HandlerStatusSkipped HandlerStatus = "skipped"
)

// Reporter receives progress from the pipeline.
// Implementations render it; the pipeline never formats output itself.
type Reporter interface {
	// StoryStarted is called before the blacklist gate.
	StoryStarted(story *Story)

	// PhaseStarted is called when a phase group begins.
	PhaseStarted(group string)

	// HandlerStarted is called before an enabled handler is invoked.
	HandlerStarted(group, handler string, number int)

	// HandlerFinished is called once per enabled handler, in order.
	// number is the handler's 1-based position within the group.
	HandlerFinished(group, handler string, number int, status HandlerStatus)

	// Activity is called for every message a handler logs.
	Activity(group string, entry LogEntry)

	// PhaseCompleted is called when a phase group ends.
	PhaseCompleted(result *PhaseResult)

	// StoryCompleted is called once with the story's terminal result.
	StoryCompleted(result *StoryResult)
}

// NopReporter discards all progress.
type NopReporter struct{}

func (NopReporter) StoryStarted(*Story) {}
func (NopReporter) PhaseStarted(string) {}
func (NopReporter) HandlerStarted(string, string, int) {}
func (NopReporter) HandlerFinished(string, string, int, HandlerStatus) {}
func (NopReporter) Activity(string, LogEntry) {}
func (NopReporter) PhaseCompleted(*PhaseResult) {}
func (NopReporter) StoryCompleted(*StoryResult) {}
