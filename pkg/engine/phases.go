package engine

import (
	"fmt"
	"sync"
	"time"
)

// Phase group names. Membership and order of each group come from configuration.
const (
	GroupBeforeStory     = "beforeStory"
	GroupStory           = "story"
	GroupAfterStory      = "afterStory"
	GroupTestEnvStartup  = "testEnvStartup"
	GroupTestEnvShutdown = "testEnvShutdown"
	GroupScript          = "script"
	GroupUserAbort       = "userAbort"
)

// FixedGroups lists every phase group the engine knows, in declaration order.
var FixedGroups = []string{
	GroupBeforeStory,
	GroupStory,
	GroupAfterStory,
	GroupTestEnvStartup,
	GroupTestEnvShutdown,
	GroupScript,
	GroupUserAbort,
}

// Handler names shipped with the engine.
const (
	HandlerStartupHandlers             = "StartupHandlers"
	HandlerCheckBlacklisted            = "CheckBlacklisted"
	HandlerCheckTestEnvironment        = "CheckTestEnvironment"
	HandlerTestCanRunCheck             = "TestCanRunCheck"
	HandlerTestSetup                   = "TestSetup"
	HandlerPreTestPrediction           = "PreTestPrediction"
	HandlerPreTestInspection           = "PreTestInspection"
	HandlerAction                      = "Action"
	HandlerPostTestInspection          = "PostTestInspection"
	HandlerTestTeardown                = "TestTeardown"
	HandlerSaveTestUsers               = "SaveTestUsers"
	HandlerShutdownHandlers            = "ShutdownHandlers"
	HandlerTestEnvironmentConstruction = "TestEnvironmentConstruction"
	HandlerTestEnvironmentDestruction  = "TestEnvironmentDestruction"
	HandlerScript                      = "Script"
)

// HandlerToggle is one slot of a phase group.
type HandlerToggle struct {
	Name    string
	Enabled bool
}

// PhaseGroup is an ordered named list of toggled handlers.
// A disabled handler keeps its slot but is never invoked.
type PhaseGroup struct {
	Name     string
	Handlers []HandlerToggle
}

// Enabled returns the names of enabled handlers in configured order.
func (g PhaseGroup) Enabled() []string {
	names := make([]string, 0, len(g.Handlers))
	for _, h := range g.Handlers {
		if h.Enabled {
			names = append(names, h.Name)
		}
	}
	return names
}

// IsEnabled reports whether the named handler is present and enabled.
func (g PhaseGroup) IsEnabled(handler string) bool {
	for _, h := range g.Handlers {
		if h.Name == handler {
			return h.Enabled
		}
	}
	return false
}

// PhaseGroups maps group name to its definition.
type PhaseGroups map[string]PhaseGroup

// DefaultPhaseGroups returns the built-in group definitions, all handlers enabled.
func DefaultPhaseGroups() PhaseGroups {
	enabled := func(name string, handlers ...string) PhaseGroup {
		g := PhaseGroup{Name: name}
		for _, h := range handlers {
			g.Handlers = append(g.Handlers, HandlerToggle{Name: h, Enabled: true})
		}
		return g
	}

	return PhaseGroups{
		GroupBeforeStory: enabled(GroupBeforeStory,
			HandlerStartupHandlers, HandlerCheckBlacklisted, HandlerCheckTestEnvironment, HandlerTestCanRunCheck),
		GroupStory: enabled(GroupStory,
			HandlerTestSetup, HandlerPreTestPrediction, HandlerPreTestInspection, HandlerAction, HandlerPostTestInspection),
		GroupAfterStory: enabled(GroupAfterStory,
			HandlerTestTeardown, HandlerSaveTestUsers, HandlerShutdownHandlers),
		GroupTestEnvStartup:  enabled(GroupTestEnvStartup, HandlerTestEnvironmentConstruction),
		GroupTestEnvShutdown: enabled(GroupTestEnvShutdown, HandlerTestEnvironmentDestruction),
		GroupScript:          enabled(GroupScript, HandlerScript),
		GroupUserAbort: enabled(GroupUserAbort,
			HandlerSaveTestUsers, HandlerShutdownHandlers, HandlerTestEnvironmentDestruction),
	}
}

// Validate checks that every fixed group is defined and every enabled handler is known.
func (p PhaseGroups) Validate(known func(handler string) bool) error {
	for _, name := range FixedGroups {
		g, ok := p[name]
		if !ok {
			return NewInvalidConfigError(fmt.Sprintf("phase group '%s' is not defined", name), nil).
				WithResource("phases." + name)
		}
		seen := make(map[string]bool, len(g.Handlers))
		for _, h := range g.Handlers {
			if seen[h.Name] {
				return NewInvalidConfigError(fmt.Sprintf("handler '%s' listed twice", h.Name), nil).
					WithResource("phases." + name)
			}
			seen[h.Name] = true
			if h.Enabled && !known(h.Name) {
				return NewInvalidConfigError(fmt.Sprintf("unknown handler '%s'", h.Name), nil).
					WithResource("phases." + name)
			}
		}
	}
	return nil
}

// LogEntry is one buffered activity message.
type LogEntry struct {
	Time  time.Time `json:"time"`
	Level LogLevel  `json:"level"`
	Text  string    `json:"text"`
}

// Failure is the captured failure of a phase group.
type Failure struct {
	Handler string   `json:"handler"`
	Message string   `json:"message"`
	Code    string   `json:"code,omitempty"`
	Cause   error    `json:"-"`
	Trail   []string `json:"trail,omitempty"`
	Outcome Outcome  `json:"outcome"`
}

// PhaseResult is produced once per phase group execution.
type PhaseResult struct {
	Phase     string        `json:"phase"`
	Succeeded bool          `json:"succeeded"`
	Handlers  []string      `json:"handlers"`
	Skipped   []string      `json:"skipped,omitempty"`
	Failure   *Failure      `json:"failure,omitempty"`
	Log       []LogEntry    `json:"log,omitempty"`
	Errors    []error       `json:"-"`
	Duration  time.Duration `json:"duration"`
}

// PhaseLog buffers activity messages per phase group.
type PhaseLog struct {
	mu      sync.Mutex
	current string
	entries map[string][]LogEntry
	now     func() time.Time
}

// NewPhaseLog returns an empty buffer.
func NewPhaseLog() *PhaseLog {
	return &PhaseLog{entries: make(map[string][]LogEntry), now: time.Now}
}

// Begin starts a fresh buffer for phase and makes it current.
func (l *PhaseLog) Begin(phase string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = phase
	l.entries[phase] = nil
}

// Current returns the phase messages are currently buffered under.
func (l *PhaseLog) Current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Add appends a message to the current phase and returns the entry.
func (l *PhaseLog) Add(level LogLevel, text string) LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := LogEntry{Time: l.now(), Level: level, Text: text}
	l.entries[l.current] = append(l.entries[l.current], entry)
	return entry
}

// Entries returns a copy of the messages buffered for phase.
func (l *PhaseLog) Entries(phase string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.entries[phase]...)
}
