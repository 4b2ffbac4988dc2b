// Package console renders story progress and results for a terminal.
//
// Console implements engine.Reporter. Assign it to engine.Context.Reporter
// before running stories:
//
//	ec.Reporter = console.New(os.Stdout, console.WithVerbosity(1))
package console
