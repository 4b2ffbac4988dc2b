package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/storyplayer/storyplayer/pkg/hosts"
	"golang.org/x/crypto/ssh"
)

// testSSHServer provides a minimal SSH server with exec and sftp support.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	hostKey, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if req.WantReply {
				_ = req.Reply(true, nil)
			}

			status := uint32(0)
			switch payload.Command {
			case "echo test":
				_, _ = channel.Write([]byte("test\n"))
			case "echo error >&2":
				_, _ = channel.Stderr().Write([]byte("error\n"))
			case "exit 1":
				status = 1
			}
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			_ = channel.Close()
			return

		case "subsystem":
			var payload struct{ Name string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)

			server, err := sftp.NewServer(channel)
			if err != nil {
				_ = channel.Close()
				return
			}
			_ = server.Serve()
			_ = server.Close()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

func (s *testSSHServer) clientConfig(t *testing.T) *Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatalf("bad listener address %s: %v", s.addr, err)
	}
	port, _ := strconv.Atoi(portStr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func connectedClient(t *testing.T, config *Config) *Client {
	t.Helper()

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server.clientConfig(t))

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("second connect should be a no-op: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if _, err := client.Run(context.Background(), "true"); err == nil {
		t.Error("expected error running on a closed client")
	}
}

func TestClientConnect_BadPassword(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.clientConfig(t)
	config.Password = "wrong"

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	err = client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	te, ok := err.(*TransportError)
	if !ok || !te.IsAuthError {
		t.Errorf("expected auth TransportError, got %v", err)
	}
}

func TestClientConnect_KeyAuth(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.clientConfig(t)
	config.AuthMethod = AuthMethodKey
	config.Password = ""
	config.PrivateKeyPath = writeTestKey(t, filepath.Join(t.TempDir(), "id_ed25519"))

	client := connectedClient(t, config)
	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server.clientConfig(t))
	ctx := context.Background()

	tests := []struct {
		command  string
		stdout   string
		stderr   string
		exitCode int
	}{
		{"true", "", "", 0},
		{"echo test", "test\n", "", 0},
		{"echo error >&2", "", "error\n", 0},
		{"exit 1", "", "", 1},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			result, err := client.Run(ctx, tt.command)
			if err != nil {
				t.Fatalf("command failed: %v", err)
			}
			if result.Stdout != tt.stdout {
				t.Errorf("expected stdout %q, got %q", tt.stdout, result.Stdout)
			}
			if result.Stderr != tt.stderr {
				t.Errorf("expected stderr %q, got %q", tt.stderr, result.Stderr)
			}
			if result.ExitCode != tt.exitCode {
				t.Errorf("expected exit code %d, got %d", tt.exitCode, result.ExitCode)
			}
			if result.Succeeded() != (tt.exitCode == 0) {
				t.Errorf("Succeeded() disagrees with exit code %d", tt.exitCode)
			}
		})
	}
}

func TestClientUpload(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server.clientConfig(t))

	remotePath := filepath.ToSlash(filepath.Join(t.TempDir(), "nested", "dir", "start.sh"))
	data := []byte("#!/bin/sh\necho started\n")

	if err := client.Upload(context.Background(), data, remotePath, 0o750); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	got, err := os.ReadFile(remotePath)
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("expected %q, got %q", data, got)
	}

	info, err := os.Stat(remotePath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o750 {
		t.Errorf("expected mode 0750, got %v", info.Mode().Perm())
	}
}

func TestDial(t *testing.T) {
	server := newTestSSHServer(t)
	host, port, _ := net.SplitHostPort(server.addr)

	exec, err := Dial(context.Background(), &hosts.Descriptor{
		ID:        "local",
		IPAddress: host,
		Params: map[string]interface{}{
			"sshPort":                  port,
			"sshUser":                  "testuser",
			"sshAuth":                  "password",
			"sshPassword":              "testpass",
			"sshStrictHostKeyChecking": false,
		},
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer exec.Close()

	result, err := exec.Run(context.Background(), "echo test")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Stdout != "test\n" {
		t.Errorf("unexpected stdout %q", result.Stdout)
	}
}
