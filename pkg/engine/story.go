package engine

import (
	"context"
	"strings"
	"sync"
)

// Callback is one story step. It receives the shared execution context.
type Callback func(ctx context.Context, ec *Context) error

// Story is one executable test scenario.
type Story struct {
	Name     string
	Category string
	Group    []string
	Filename string

	// RequiredVersion is the minimum engine major version the story needs.
	RequiredVersion int

	// RequiredRoles lists host roles that must be populated before the story runs.
	RequiredRoles []string

	// BlacklistedEnvironments lists test environments the story must never run in.
	BlacklistedEnvironments []string

	// CanRun, if set, is consulted by TestCanRunCheck. A non-nil error makes the story INCOMPLETE.
	CanRun Callback

	setups          []Callback
	teardowns       []Callback
	predictions     []Callback
	preInspections  []Callback
	actions         []Callback
	postInspections []Callback
}

// NewStoryFor starts a story in category.
//
//	story := engine.NewStoryFor("Storyplayer").
//		InGroup("Modules", "Host").
//		Called("Can start a screen session")
func NewStoryFor(category string) *Story {
	return &Story{Category: category}
}

// InGroup sets the story's group path.
func (s *Story) InGroup(group ...string) *Story {
	s.Group = append([]string(nil), group...)
	return s
}

// Called sets the story's name.
func (s *Story) Called(name string) *Story {
	s.Name = name
	return s
}

// RequiresStoryplayerVersion sets the minimum engine major version.
func (s *Story) RequiresStoryplayerVersion(version int) *Story {
	s.RequiredVersion = version
	return s
}

// RequiresHostRoles declares roles that must have at least one host.
func (s *Story) RequiresHostRoles(roles ...string) *Story {
	s.RequiredRoles = append(s.RequiredRoles, roles...)
	return s
}

// BlacklistedIn marks environments the story must be skipped in.
func (s *Story) BlacklistedIn(environments ...string) *Story {
	s.BlacklistedEnvironments = append(s.BlacklistedEnvironments, environments...)
	return s
}

func (s *Story) AddTestSetup(cb Callback) *Story {
	s.setups = append(s.setups, cb)
	return s
}

func (s *Story) AddTestTeardown(cb Callback) *Story {
	s.teardowns = append(s.teardowns, cb)
	return s
}

func (s *Story) AddPreTestPrediction(cb Callback) *Story {
	s.predictions = append(s.predictions, cb)
	return s
}

func (s *Story) AddPreTestInspection(cb Callback) *Story {
	s.preInspections = append(s.preInspections, cb)
	return s
}

func (s *Story) AddAction(cb Callback) *Story {
	s.actions = append(s.actions, cb)
	return s
}

func (s *Story) AddPostTestInspection(cb Callback) *Story {
	s.postInspections = append(s.postInspections, cb)
	return s
}

// HasActions reports whether the story has at least one action.
func (s *Story) HasActions() bool {
	return len(s.actions) > 0
}

// FullName returns "category > group > name".
func (s *Story) FullName() string {
	parts := make([]string, 0, len(s.Group)+2)
	if s.Category != "" {
		parts = append(parts, s.Category)
	}
	parts = append(parts, s.Group...)
	parts = append(parts, s.Name)
	return strings.Join(parts, " > ")
}

// Checkpoint is in-memory scratch state shared across one story's callbacks.
// It is never persisted.
type Checkpoint struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewCheckpoint returns an empty checkpoint.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{values: make(map[string]interface{})}
}

func (c *Checkpoint) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Get returns the value for key and whether it was set.
func (c *Checkpoint) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the string for key, or "" when unset or not a string.
func (c *Checkpoint) GetString(key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)
	return s
}

func (c *Checkpoint) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	return keys
}
