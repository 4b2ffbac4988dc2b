package policy

import (
	"strings"

	"github.com/storyplayer/storyplayer/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but never blacklists a story.
	SeverityWarning Severity = "warning"

	// SeverityError blacklists the story.
	SeverityError Severity = "error"

	// SeverityCritical blacklists the story.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity blacklists a story.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a named Rego module. Its package must define a `deny` set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that don't carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy for one story.
type Decision struct {
	// Blacklisted is true when at least one violation blocks.
	Blacklisted bool `json:"blacklisted"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	// Evaluated lists the names of policies that ran.
	Evaluated []string `json:"evaluated"`
}

// Reason joins the messages of the blocking violations.
func (d *Decision) Reason() string {
	msgs := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		msgs = append(msgs, v.Message)
	}
	return strings.Join(msgs, "; ")
}

// Input is the document policies see as `input`.
type Input struct {
	Environment string     `json:"environment"`
	Story       StoryInput `json:"story"`
}

// StoryInput is the story as seen by policies.
type StoryInput struct {
	Name                    string   `json:"name"`
	Category                string   `json:"category"`
	Group                   []string `json:"group"`
	FullName                string   `json:"full_name"`
	Filename                string   `json:"filename,omitempty"`
	RequiredVersion         int      `json:"required_version"`
	RequiredRoles           []string `json:"required_roles"`
	BlacklistedEnvironments []string `json:"blacklisted_environments"`
}

// NewInput builds the policy input for story in environment.
func NewInput(story *engine.Story, environment string) *Input {
	nonNil := func(s []string) []string {
		if s == nil {
			return []string{}
		}
		return s
	}
	return &Input{
		Environment: environment,
		Story: StoryInput{
			Name:                    story.Name,
			Category:                story.Category,
			Group:                   nonNil(story.Group),
			FullName:                story.FullName(),
			Filename:                story.Filename,
			RequiredVersion:         story.RequiredVersion,
			RequiredRoles:           nonNil(story.RequiredRoles),
			BlacklistedEnvironments: nonNil(story.BlacklistedEnvironments),
		},
	}
}
