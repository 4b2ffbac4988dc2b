package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/runtime"
	"github.com/storyplayer/storyplayer/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_RecordStoryResult demonstrates keeping run history.
func ExampleSQLiteStore_RecordStoryResult() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	err := store.RecordStoryResult(ctx, &engine.StoryResult{
		ID:       "story-001",
		RunID:    "run-001",
		Story:    "can log in",
		Category: "Smoke",
		Outcome:  engine.OutcomePass,
		Started:  time.Now(),
		Duration: 2 * time.Second,
	})
	if err != nil {
		log.Fatal(err)
	}

	records, _ := store.ListStoryResults(ctx, "run-001")
	fmt.Printf("%s %s\n", records[0].Outcome.Label(), records[0].Story)
	// Output: [PASS] can log in
}

// ExampleSQLiteStore_RuntimeStore demonstrates keeping the runtime table in the database.
func ExampleSQLiteStore_RuntimeStore() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	table, err := runtime.Open(ctx, store.RuntimeStore())
	if err != nil {
		log.Fatal(err)
	}
	_ = table.AddItem(ctx, "screen", "web1-httpd", "running")

	reopened, _ := runtime.Open(ctx, store.RuntimeStore())
	v, _ := reopened.GetItem(ctx, "screen", "web1-httpd")
	fmt.Println(v)
	// Output: running
}
