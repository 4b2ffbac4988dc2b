package console

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/storyplayer/storyplayer/pkg/engine"
)

// MaxVerbosity is the highest verbosity level the console distinguishes.
const MaxVerbosity = 2

const (
	reportRule  = "========================================"
	reportSplit = "----------------------------------------"
	storyRule   = "============================================================="
)

// Console renders pipeline progress to a terminal.
//
// At verbosity 0 a story prints on one line: its name, the number of each
// story phase as it starts, a '.' for every activity message, an 'e' for every
// error, an 's' for every skipped phase, then the result label and duration.
// Higher verbosity prints a story header and one line per story phase.
// Stories that do not pass (and are not blacklisted) are followed by a
// detailed error report built from the failing phase group's buffered log.
type Console struct {
	mu          sync.Mutex
	out         io.Writer
	verbosity   int
	environment string
}

// Option configures a Console.
type Option func(*Console)

// WithVerbosity sets the verbosity, clamped to [0, MaxVerbosity].
func WithVerbosity(level int) Option {
	return func(c *Console) {
		c.SetVerbosity(level)
	}
}

// WithEnvironment sets the test environment name shown in story headers.
func WithEnvironment(name string) Option {
	return func(c *Console) {
		c.environment = name
	}
}

// New returns a console writing to out.
func New(out io.Writer, opts ...Option) *Console {
	c := &Console{out: out}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetVerbosity changes the verbosity, clamped to [0, MaxVerbosity].
func (c *Console) SetVerbosity(level int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case level < 0:
		c.verbosity = 0
	case level > MaxVerbosity:
		c.verbosity = MaxVerbosity
	default:
		c.verbosity = level
	}
}

// Verbosity returns the current verbosity.
func (c *Console) Verbosity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verbosity
}

// StartStoryplayer prints the banner.
func (c *Console) StartStoryplayer(version, url, copyright, license string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "Storyplayer %s - %s\n%s\n%s\n\n\n", version, url, copyright, license)
}

// StoryStarted implements engine.Reporter.
func (c *Console) StoryStarted(story *engine.Story) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.verbosity == 0 {
		fmt.Fprintf(c.out, "%s: ", story.FullName())
		return
	}

	fmt.Fprintf(c.out, "%s\n\n", storyRule)
	fmt.Fprintf(c.out, "      Story: %s\n", story.Name)
	fmt.Fprintf(c.out, "   Category: %s\n", story.Category)
	fmt.Fprintf(c.out, "      Group: %s\n\n", strings.Join(story.Group, " > "))
	fmt.Fprintf(c.out, "Environment: %s\n\n", c.environment)
}

// PhaseStarted implements engine.Reporter.
func (c *Console) PhaseStarted(string) {}

// HandlerStarted implements engine.Reporter. Only phases of the story group
// are announced.
func (c *Console) HandlerStarted(group, handler string, number int) {
	if group != engine.GroupStory {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.verbosity > 0 {
		fmt.Fprintf(c.out, "%s: ", handler)
		return
	}
	fmt.Fprint(c.out, number)
}

// HandlerFinished implements engine.Reporter.
func (c *Console) HandlerFinished(group, handler string, number int, status engine.HandlerStatus) {
	if group != engine.GroupStory {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if status == engine.HandlerStatusSkipped {
		if c.verbosity > 0 {
			fmt.Fprintf(c.out, "%s: skipped\n", handler)
		} else {
			fmt.Fprintf(c.out, "%ds ", number)
		}
		return
	}

	if c.verbosity > 0 {
		fmt.Fprintln(c.out)
	} else {
		fmt.Fprint(c.out, " ")
	}
}

// Activity implements engine.Reporter.
func (c *Console) Activity(_ string, entry engine.LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.Level <= engine.LogLevelError {
		fmt.Fprint(c.out, "e")
		return
	}
	fmt.Fprint(c.out, ".")
}

// PhaseCompleted implements engine.Reporter.
func (c *Console) PhaseCompleted(*engine.PhaseResult) {}

// StoryCompleted implements engine.Reporter.
func (c *Console) StoryCompleted(result *engine.StoryResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "%s (%s secs)\n", c.resultString(result.Outcome), formatSeconds(result.Duration.Seconds()))

	if !result.Outcome.NeedsReport() {
		return
	}
	WriteErrorReport(c.out, result)
}

func (c *Console) resultString(outcome engine.Outcome) string {
	if c.verbosity == 0 {
		return outcome.Label()
	}
	return "\n\nResult: " + string(outcome)
}

// WriteErrorReport writes the detailed report for a story that did not pass.
func WriteErrorReport(w io.Writer, result *engine.StoryResult) {
	fmt.Fprintf(w, "\n%s\nDETAILED ERROR REPORT\n%s\n\n", reportRule, reportSplit)

	failed := result.FailedPhase()
	if failed == nil {
		if result.Reason != "" {
			fmt.Fprintf(w, "The story did not complete: %s\n", result.Reason)
		} else {
			fmt.Fprintln(w, "The story did not complete.")
		}
		if result.Aborted && len(result.Phases) > 0 {
			writePhaseLog(w, result.Phases[len(result.Phases)-1])
		}
	} else {
		fmt.Fprintf(w, "The story failed in the %s phase.\n", failed.Failure.Handler)

		fmt.Fprintf(w, "\n-----\nThe failure was:\n\n%s\n", indent(failed.Failure.Message, 4))

		writePhaseLog(w, failed)

		if len(failed.Failure.Trail) > 0 {
			fmt.Fprintf(w, "\n-----\nWe have the following stack trace for this failure:\n\n%s\n",
				indent(strings.Join(failed.Failure.Trail, "\n"), 4))
		}
	}

	fmt.Fprintf(w, "\n%s\nEND OF ERROR REPORT\n%s\n", reportSplit, reportRule)
}

func writePhaseLog(w io.Writer, phase *engine.PhaseResult) {
	if len(phase.Log) == 0 {
		return
	}
	fmt.Fprintf(w, "\n-----\nHere is all the detailed output from the %s phase group:\n\n", phase.Phase)
	for _, entry := range phase.Log {
		fmt.Fprintln(w, FormatLogEntry(entry))
	}
}

// FormatLogEntry renders a buffered message as "[2006-01-02 15:04:05] LEVEL     text".
func FormatLogEntry(entry engine.LogEntry) string {
	return fmt.Sprintf("[%s] %-10s%s", entry.Time.Format("2006-01-02 15:04:05"), entry.Level, entry.Text)
}

// formatSeconds rounds to two decimal places and drops trailing zeros.
func formatSeconds(secs float64) string {
	return strconv.FormatFloat(math.Round(secs*100)/100, 'f', -1, 64)
}

func indent(text string, spaces int) string {
	pad := strings.Repeat(" ", spaces)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = pad + line
	}
	return strings.Join(lines, "\n")
}

var _ engine.Reporter = (*Console)(nil)
