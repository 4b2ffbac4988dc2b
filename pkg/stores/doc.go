// Package stores provides persistence for storyplayer on SQLite.
// The database runs in WAL mode with schema migrations embedded in the
// binary, and keeps three things between runs: story results (the run
// history), host descriptors left by the last run, and the runtime table.
package stores
