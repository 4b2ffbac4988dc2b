package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/hosts"
	backend "github.com/storyplayer/storyplayer/pkg/providers/host"
	"github.com/storyplayer/storyplayer/pkg/runtime"
	"github.com/storyplayer/storyplayer/pkg/transports/ssh"
)

// fakeHost is an ssh.Executor emulating screen and kill on one machine.
type fakeHost struct {
	mu       sync.Mutex
	sessions map[string]int
	procs    map[int]bool
	stubborn map[int]bool
	nextPID  int
	commands []string
	uploads  map[string][]byte
	closed   bool
	failRun  error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		sessions: make(map[string]int),
		procs:    make(map[int]bool),
		stubborn: make(map[int]bool),
		uploads:  make(map[string][]byte),
		nextPID:  4000,
	}
}

func (f *fakeHost) Run(_ context.Context, cmd string) (*ssh.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, cmd)
	if f.failRun != nil {
		return nil, f.failRun
	}
	result := &ssh.ExecResult{Command: cmd}

	switch {
	case cmd == "screen -ls":
		if len(f.sessions) == 0 {
			result.Stdout = "No Sockets found in /run/screen/S-test.\n"
			result.ExitCode = 1
			break
		}
		var b strings.Builder
		b.WriteString("There are screens on:\n")
		for name, pid := range f.sessions {
			fmt.Fprintf(&b, "\t%d.%s\t(Detached)\n", pid, name)
		}
		fmt.Fprintf(&b, "%d Sockets in /run/screen/S-test.\n", len(f.sessions))
		result.Stdout = b.String()
		result.ExitCode = 1

	case strings.HasPrefix(cmd, "screen -dmS "):
		name := strings.Trim(strings.Fields(cmd)[2], "'")
		f.nextPID++
		f.sessions[name] = f.nextPID
		f.procs[f.nextPID] = true

	case strings.HasPrefix(cmd, "kill "):
		fields := strings.Fields(cmd)
		pid, _ := strconv.Atoi(fields[2])
		if !f.procs[pid] {
			result.ExitCode = 1
			break
		}
		switch fields[1] {
		case "-0":
		case "-TERM":
			if !f.stubborn[pid] {
				f.killLocked(pid)
			}
		case "-KILL":
			f.killLocked(pid)
		}

	default:
		result.Stdout = "ran: " + cmd + "\n"
		if strings.HasPrefix(cmd, "false") {
			result.ExitCode = 1
		}
	}
	return result, nil
}

func (f *fakeHost) killLocked(pid int) {
	delete(f.procs, pid)
	for name, p := range f.sessions {
		if p == pid {
			delete(f.sessions, name)
		}
	}
}

func (f *fakeHost) Upload(_ context.Context, data []byte, remotePath string, _ os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[remotePath] = data
	return nil
}

func (f *fakeHost) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type testRig struct {
	ec       *engine.Context
	module   *Module
	host     *fakeHost
	registry *hosts.Registry
	dials    int
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	ctx := context.Background()

	registry := hosts.NewRegistry()
	if err := registry.AddHost(ctx, "web1", &hosts.Descriptor{
		ID:        "web1",
		IPAddress: "10.0.0.5",
		Roles:     []string{"host_target"},
	}); err != nil {
		t.Fatalf("AddHost failed: %v", err)
	}

	table, err := runtime.Open(ctx, runtime.NewFileStore(filepath.Join(t.TempDir(), "runtime.json")))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	rig := &testRig{host: newFakeHost(), registry: registry}
	rig.ec = engine.NewContext("run-1")
	rig.ec.Hosts = registry
	rig.ec.Runtime = table
	rig.module = New(rig.ec, registry,
		WithDialer(func(context.Context, *hosts.Descriptor) (ssh.Executor, error) {
			rig.dials++
			return rig.host, nil
		}),
		WithStopPoll(backend.Poll{Interval: time.Millisecond, MaxAttempts: 3}),
	)
	return rig
}

func TestParseScreenList(t *testing.T) {
	output := "There are screens on:\n" +
		"\t12345.storyplayer_test_session\t(Detached)\n" +
		"\t678.other\t(10/18/2026 09:15:02 AM)\t(Attached)\n" +
		"2 Sockets in /run/screen/S-test.\n"

	sessions := parseScreenList("web1", output)
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].PID != 12345 || sessions[0].Name != "storyplayer_test_session" || sessions[0].State != "Detached" {
		t.Errorf("Unexpected first session %+v", sessions[0])
	}
	if sessions[1].PID != 678 || sessions[1].State != "Attached" {
		t.Errorf("Unexpected second session %+v", sessions[1])
	}

	if got := parseScreenList("web1", "No Sockets found in /run/screen/S-test.\n"); len(got) != 0 {
		t.Errorf("Expected no sessions, got %+v", got)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"top", "'top'"},
		{"echo 'hi there'", `'echo '\''hi there'\'''`},
		{"", "''"},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestStartInScreen(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.module.StartInScreen(ctx, "web1", "storyplayer_test_session", "top"); err != nil {
		t.Fatalf("StartInScreen failed: %v", err)
	}

	details, err := rig.module.GetScreenSessionDetails(ctx, "web1", "storyplayer_test_session")
	if err != nil {
		t.Fatalf("GetScreenSessionDetails failed: %v", err)
	}
	if details == nil {
		t.Fatal("Expected session details")
	}
	if details.Command != "top" {
		t.Errorf("Expected recorded command 'top', got %q", details.Command)
	}

	raw, _ := rig.ec.Runtime.GetItem(ctx, ScreenTable, "web1/storyplayer_test_session")
	if raw == nil {
		t.Fatal("Expected session in runtime table")
	}
	if s := decodeSession(raw); s == nil || s.PID != details.PID {
		t.Errorf("Runtime entry %+v does not match pid %d", raw, details.PID)
	}

	if err := rig.module.ExpectScreenIsRunning(ctx, "web1", "storyplayer_test_session"); err != nil {
		t.Errorf("ExpectScreenIsRunning failed: %v", err)
	}

	err = rig.module.StartInScreen(ctx, "web1", "storyplayer_test_session", "top")
	if !engine.HasCode(err, engine.ErrCodeActionFailed) {
		t.Errorf("Expected ActionFailed for a duplicate session, got %v", err)
	}

	if rig.dials != 1 {
		t.Errorf("Expected the connection to be reused, dialled %d times", rig.dials)
	}
}

func TestStopProcess(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.module.StartInScreen(ctx, "web1", "session", "top"); err != nil {
		t.Fatalf("StartInScreen failed: %v", err)
	}
	details, _ := rig.module.GetScreenSessionDetails(ctx, "web1", "session")

	if err := rig.module.StopProcess(ctx, "web1", details.PID); err != nil {
		t.Fatalf("StopProcess failed: %v", err)
	}

	running, err := rig.module.ScreenIsRunning(ctx, "web1", "session")
	if err != nil {
		t.Fatalf("ScreenIsRunning failed: %v", err)
	}
	if running {
		t.Error("Session should be gone")
	}
	if rig.ec.Runtime.GetTable(ScreenTable) != nil {
		t.Errorf("Expected runtime screen table to be empty, got %v", rig.ec.Runtime.GetTable(ScreenTable))
	}

	err = rig.module.ExpectScreenIsRunning(ctx, "web1", "session")
	if !engine.HasCode(err, engine.ErrCodeAssertionFailure) {
		t.Errorf("Expected AssertionFailure, got %v", err)
	}
	if err := rig.module.ExpectScreenIsNotRunning(ctx, "web1", "session"); err != nil {
		t.Errorf("ExpectScreenIsNotRunning failed: %v", err)
	}
}

func TestStopProcess_EscalatesToKill(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.module.StartInScreen(ctx, "web1", "stubborn", "trap '' TERM; top"); err != nil {
		t.Fatalf("StartInScreen failed: %v", err)
	}
	details, _ := rig.module.GetScreenSessionDetails(ctx, "web1", "stubborn")
	rig.host.stubborn[details.PID] = true

	if err := rig.module.StopProcess(ctx, "web1", details.PID); err != nil {
		t.Fatalf("StopProcess failed: %v", err)
	}

	killed := false
	for _, cmd := range rig.host.commands {
		if cmd == fmt.Sprintf("kill -KILL %d", details.PID) {
			killed = true
		}
	}
	if !killed {
		t.Errorf("Expected SIGKILL escalation, commands: %v", rig.host.commands)
	}
}

func TestStopProcess_Validation(t *testing.T) {
	rig := newTestRig(t)

	err := rig.module.StopProcess(context.Background(), "web1", 0)
	if !engine.HasCode(err, engine.ErrCodeMissingParameter) {
		t.Errorf("Expected MissingParameter, got %v", err)
	}
}

func TestRunCommand(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	result, err := rig.module.RunCommand(ctx, "web1", "false")
	if err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	if result.ExitCode != 1 {
		t.Errorf("Expected exit code 1, got %d", result.ExitCode)
	}

	_, err = rig.module.RunCommandOrFail(ctx, "web1", "false")
	if !engine.HasCode(err, engine.ErrCodeActionFailed) {
		t.Errorf("Expected ActionFailed, got %v", err)
	}

	_, err = rig.module.RunCommand(ctx, "db1", "uptime")
	if !engine.HasCode(err, engine.ErrCodeActionFailed) {
		t.Errorf("Expected ActionFailed for an unknown host, got %v", err)
	}

	rig.host.failRun = errors.New("connection reset")
	_, err = rig.module.RunCommand(ctx, "web1", "uptime")
	if !engine.HasCode(err, engine.ErrCodeActionFailed) {
		t.Errorf("Expected ActionFailed for a transport failure, got %v", err)
	}
}

func TestUploadFileAndShutdown(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.module.UploadFile(ctx, "web1", []byte("echo hi\n"), "/tmp/hi.sh", 0o755); err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if string(rig.host.uploads["/tmp/hi.sh"]) != "echo hi\n" {
		t.Errorf("Unexpected uploads %v", rig.host.uploads)
	}

	if err := rig.module.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !rig.host.closed {
		t.Error("Expected connection to be closed")
	}
}

func TestFactory(t *testing.T) {
	registry := hosts.NewRegistry()
	catalog := engine.ModuleCatalog{}
	Register(catalog, registry)

	modules, err := engine.LoadModuleRegistry(catalog, nil)
	if err != nil {
		t.Fatalf("LoadModuleRegistry failed: %v", err)
	}

	ec := engine.NewContext("run-1")
	ec.Modules = modules

	m, err := engine.UseModule[*Module](ec, ModuleName)
	if err != nil {
		t.Fatalf("UseModule failed: %v", err)
	}
	again, _ := engine.UseModule[*Module](ec, ModuleName)
	if m != again {
		t.Error("Expected one instance per story")
	}

	if _, err := Factory(nil)(ec); !engine.HasCode(err, engine.ErrCodeInvalidConfig) {
		t.Errorf("Expected InvalidConfig without a registry, got %v", err)
	}
}
