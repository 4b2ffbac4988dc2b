package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"github.com/storyplayer/storyplayer/pkg/hosts"
	"golang.org/x/crypto/ssh"
)

// Client is an Executor holding one SSH connection.
type Client struct {
	config *Config

	mu          sync.Mutex
	client      *ssh.Client
	connectedAt time.Time
}

// NewClient validates config and returns an unconnected client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Client{config: config}, nil
}

// Dial connects to a registered host using ConfigForHost.
func Dial(ctx context.Context, d *hosts.Descriptor) (Executor, error) {
	cfg, err := ConfigForHost(d)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect establishes the SSH connection. Connecting twice is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return &TransportError{Op: "connect", Err: err, IsAuthError: isAuthError(err)}
	}

	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.connectedAt = time.Now()
	log.Debug().Str("address", address).Msg("SSH connection established")
	return nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// IsConnected reports whether Connect has succeeded and Close has not been called.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

func (c *Client) sshClient() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected to %s", c.config.Host)}
	}
	return c.client, nil
}

// Run implements Executor. The command is bounded by the configured command
// timeout and by ctx; on expiry the remote process is signalled.
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	startTime := time.Now()
	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	result := &ExecResult{
		Command:  cmd,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(startTime),
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, &TransportError{Op: "exec", Err: execErr, IsTemporary: true}
	}
	return result, nil
}

// Upload implements Executor. Missing parent directories are created.
func (c *Client) Upload(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error {
	client, err := c.sshClient()
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to start sftp: %w", err), IsTemporary: true}
	}
	defer sftpClient.Close()

	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "upload", Err: err}
	}

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create %s: %w", path.Dir(remotePath), err)}
	}

	f, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open %s: %w", remotePath, err)}
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to write %s: %w", remotePath, err)}
	}
	if err := f.Close(); err != nil {
		return &TransportError{Op: "upload", Err: err}
	}
	if err := sftpClient.Chmod(remotePath, mode); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to chmod %s: %w", remotePath, err)}
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("path", remotePath).
		Int("bytes", len(data)).
		Msg("file uploaded")
	return nil
}

// Close implements Executor.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

var _ Executor = (*Client)(nil)
