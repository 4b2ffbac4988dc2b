// Package runtime implements the runtime table: small named tables that
// story handlers write to pass state between phases and between runs.
//
// The table lives in memory and is written to a Store after every change.
// Three stores are available: FileStore (a JSON file, the default),
// RedisStore (shared between CI agents) and the SQLite store in package
// stores.
//
//	store := runtime.NewFileStore(".storyplayer/runtime.json")
//	table, err := runtime.Open(ctx, store)
//	if err != nil {
//	    return err
//	}
//	err = table.AddItem(ctx, "screen", "web1-httpd", map[string]interface{}{"pid": 1234})
package runtime
