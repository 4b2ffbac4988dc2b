package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Outcome is the single terminal result of one story.
type Outcome string

const (
	// OutcomePass indicates every phase group completed without failure.
	OutcomePass Outcome = "PASS"

	// OutcomeFail indicates a handler raised an assertion failure.
	OutcomeFail Outcome = "FAIL"

	// OutcomeError indicates an unexpected fault.
	OutcomeError Outcome = "ERROR"

	// OutcomeIncomplete indicates the story could not proceed or was aborted.
	OutcomeIncomplete Outcome = "INCOMPLETE"

	// OutcomeBlacklisted indicates the story was skipped before running.
	OutcomeBlacklisted Outcome = "BLACKLISTED"
)

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomePass, OutcomeFail, OutcomeError, OutcomeIncomplete, OutcomeBlacklisted:
		return nil
	default:
		return fmt.Errorf("invalid story outcome: %s", o)
	}
}

// NeedsReport returns true if the outcome gets a detailed failure report.
func (o Outcome) NeedsReport() bool {
	return o != OutcomePass && o != OutcomeBlacklisted
}

// Label returns the bracketed form shown by the console, e.g. "[PASS]".
func (o Outcome) Label() string {
	return "[" + string(o) + "]"
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(o))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*o = Outcome(str)
	return o.Validate()
}

// OutcomeFor maps a handler failure to the story outcome it produces.
// A nil error maps to PASS.
func OutcomeFor(err error) Outcome {
	if err == nil {
		return OutcomePass
	}
	switch CodeOf(err) {
	case ErrCodeAssertionFailure:
		return OutcomeFail
	case ErrCodeIncomplete, ErrCodeMissingParameter, ErrCodeModuleNotFound:
		return OutcomeIncomplete
	default:
		return OutcomeError
	}
}

// StoryState is the pipeline state of a story.
type StoryState string

const (
	// StoryStatePending indicates the story has not started yet.
	StoryStatePending StoryState = "pending"

	// StoryStateRunning indicates a phase group is executing.
	StoryStateRunning StoryState = "running"

	// StoryStateAborting indicates the abort phase group is executing.
	StoryStateAborting StoryState = "aborting"

	// StoryStateCompleted indicates the story has an outcome.
	StoryStateCompleted StoryState = "completed"
)

// IsTerminal returns true if the state represents a final state.
func (s StoryState) IsTerminal() bool {
	return s == StoryStateCompleted
}

// LogLevel is the severity of a buffered phase activity message.
type LogLevel int

const (
	LogLevelEmergency LogLevel = iota
	LogLevelAlert
	LogLevelCritical
	LogLevelError
	LogLevelWarning
	LogLevelNotice
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

var logLevelNames = [...]string{
	"EMERGENCY", "ALERT", "CRITICAL", "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG", "TRACE",
}

// String returns the upper-case level name.
func (l LogLevel) String() string {
	if l < 0 || int(l) >= len(logLevelNames) {
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
	return logLevelNames[l]
}

// ParseLogLevel maps a level name, in any case, to its LogLevel.
func ParseLogLevel(name string) (LogLevel, bool) {
	for i, n := range logLevelNames {
		if strings.EqualFold(n, name) {
			return LogLevel(i), true
		}
	}
	return 0, false
}
