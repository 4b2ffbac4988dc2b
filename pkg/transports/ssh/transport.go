// Package ssh runs commands on and copies files to managed hosts over SSH.
package ssh

import (
	"context"
	"os"
	"time"
)

// Executor runs commands on one remote host.
type Executor interface {
	// Run executes cmd. A non-zero exit status is reported in the result,
	// not as an error; errors mean the command could not be run at all.
	Run(ctx context.Context, cmd string) (*ExecResult, error)

	// Upload writes data to remotePath via SFTP with the given mode.
	Upload(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error

	// Close releases the connection.
	Close() error
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Command is the command line that was run
	Command string

	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// Duration is the total execution time
	Duration time.Duration
}

// Succeeded reports whether the command exited zero.
func (r *ExecResult) Succeeded() bool {
	return r.ExitCode == 0
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
