package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/storyplayer/storyplayer/pkg/engine"
)

// Tables is the whole runtime table: parent name to key to value.
type Tables map[string]map[string]interface{}

// Clone returns a copy of t. Values are shared.
func (t Tables) Clone() Tables {
	out := make(Tables, len(t))
	for parent, items := range t {
		copied := make(map[string]interface{}, len(items))
		for k, v := range items {
			copied[k] = v
		}
		out[parent] = copied
	}
	return out
}

// Store persists the runtime table between runs.
type Store interface {
	// Load returns the saved tables, or empty tables when nothing was saved.
	Load(ctx context.Context) (Tables, error)

	// Save replaces everything saved with tables.
	Save(ctx context.Context, tables Tables) error
}

// Table is the handler-writable runtime table. Every change is saved
// to the store before the call returns.
type Table struct {
	mu     sync.Mutex
	store  Store
	data   Tables
	logger zerolog.Logger
}

// Open loads the table from store.
func Open(ctx context.Context, store Store) (*Table, error) {
	data, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load runtime table: %w", err)
	}
	if data == nil {
		data = make(Tables)
	}
	return &Table{
		store:  store,
		data:   data,
		logger: log.Logger.With().Str("component", "runtime").Logger(),
	}, nil
}

// AddItem stores value under parent/key, creating parent when needed.
// It fails with DuplicateEntry when key is already present.
func (t *Table) AddItem(ctx context.Context, parent, key string, value interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.logger.Debug().Str("parent", parent).Str("key", key).Msgf("add entry '%s' to %s table", key, parent)

	items, ok := t.data[parent]
	if _, exists := items[key]; exists {
		return engine.NewDuplicateEntryError(parent, key).WithOperation("addItem")
	}
	if !ok {
		items = make(map[string]interface{})
		t.data[parent] = items
	}
	items[key] = value

	if err := t.saveLocked(ctx); err != nil {
		delete(items, key)
		if !ok {
			delete(t.data, parent)
		}
		return err
	}
	return nil
}

// RemoveItem deletes parent/key. A missing parent or key is logged and
// otherwise ignored.
func (t *Table) RemoveItem(ctx context.Context, parent, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	items, ok := t.data[parent]
	if !ok {
		t.logger.Info().Str("parent", parent).Msgf("table is empty / does not exist. '%s' not removed", key)
		return nil
	}
	if _, exists := items[key]; !exists {
		t.logger.Info().Str("parent", parent).Msgf("table does not contain an entry for '%s'", key)
		return nil
	}

	old := items[key]
	delete(items, key)
	if len(items) == 0 {
		delete(t.data, parent)
	}

	if err := t.saveLocked(ctx); err != nil {
		items[key] = old
		t.data[parent] = items
		return err
	}
	t.logger.Debug().Str("parent", parent).Str("key", key).Msgf("removed entry '%s' from %s table", key, parent)
	return nil
}

// GetItem returns the value at parent/key, or nil when either is absent.
func (t *Table) GetItem(_ context.Context, parent, key string) (interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	items, ok := t.data[parent]
	if !ok {
		return nil, nil
	}
	return items[key], nil
}

// GetTable returns a copy of the items under parent, or nil when absent.
func (t *Table) GetTable(parent string) map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	items, ok := t.data[parent]
	if !ok {
		return nil
	}
	out := make(map[string]interface{}, len(items))
	for k, v := range items {
		out[k] = v
	}
	return out
}

// Parents returns the names of the non-empty tables, sorted.
func (t *Table) Parents() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.data))
	for parent := range t.data {
		out = append(out, parent)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of every table.
func (t *Table) Snapshot() Tables {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data.Clone()
}

// Save writes the table to its store.
func (t *Table) Save(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked(ctx)
}

func (t *Table) saveLocked(ctx context.Context) error {
	if err := t.store.Save(ctx, t.data.Clone()); err != nil {
		return fmt.Errorf("failed to save runtime table: %w", err)
	}
	return nil
}

var _ engine.RuntimeTable = (*Table)(nil)
