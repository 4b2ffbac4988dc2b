package host

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/storyplayer/storyplayer/pkg/engine"
)

// ScreenTable is the runtime table parent holding started screen sessions.
const ScreenTable = "screen"

const defaultStopInterval = 500 * time.Millisecond

// ScreenSession describes a detached screen session on a host.
type ScreenSession struct {
	HostID  string `mapstructure:"hostId" json:"hostId"`
	Name    string `mapstructure:"name" json:"name"`
	PID     int    `mapstructure:"pid" json:"pid"`
	State   string `mapstructure:"-" json:"state,omitempty"`
	Command string `mapstructure:"command" json:"command,omitempty"`
}

func (s *ScreenSession) runtimeKey() string {
	return screenKey(s.HostID, s.Name)
}

func screenKey(hostID, name string) string {
	return hostID + "/" + name
}

func (s *ScreenSession) toMap() map[string]interface{} {
	return map[string]interface{}{
		"hostId":  s.HostID,
		"name":    s.Name,
		"pid":     s.PID,
		"command": s.Command,
	}
}

var (
	screenLine  = regexp.MustCompile(`^\s*(\d+)\.(\S+)\s`)
	screenState = regexp.MustCompile(`\(([^)]*)\)\s*$`)
)

// parseScreenList reads the output of `screen -ls`.
func parseScreenList(hostID, output string) []ScreenSession {
	var sessions []ScreenSession
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		m := screenLine.FindStringSubmatch(line + " ")
		if m == nil {
			continue
		}
		pid, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		s := ScreenSession{HostID: hostID, Name: m[2], PID: pid}
		if st := screenState.FindStringSubmatch(line); st != nil {
			s.State = st[1]
		}
		sessions = append(sessions, s)
	}
	return sessions
}

// ListScreenSessions returns the screen sessions running on the host, sorted by name.
func (m *Module) ListScreenSessions(ctx context.Context, hostID string) ([]ScreenSession, error) {
	// screen -ls exits non-zero when there are no sessions
	result, err := m.RunCommand(ctx, hostID, "screen -ls")
	if err != nil {
		return nil, err
	}

	sessions := parseScreenList(hostID, result.Stdout)
	for i := range sessions {
		if rec := m.recordedSession(ctx, hostID, sessions[i].Name); rec != nil && rec.PID == sessions[i].PID {
			sessions[i].Command = rec.Command
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Name < sessions[j].Name })
	return sessions, nil
}

// GetScreenSessionDetails returns the named session, or nil when it is not running.
func (m *Module) GetScreenSessionDetails(ctx context.Context, hostID, name string) (*ScreenSession, error) {
	sessions, err := m.ListScreenSessions(ctx, hostID)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].Name == name {
			return &sessions[i], nil
		}
	}
	return nil, nil
}

// ScreenIsRunning reports whether the named session exists on the host.
func (m *Module) ScreenIsRunning(ctx context.Context, hostID, name string) (bool, error) {
	details, err := m.GetScreenSessionDetails(ctx, hostID, name)
	if err != nil {
		return false, err
	}
	return details != nil, nil
}

// ExpectScreenIsRunning fails with AssertionFailure unless the session is running.
func (m *Module) ExpectScreenIsRunning(ctx context.Context, hostID, name string) error {
	running, err := m.ScreenIsRunning(ctx, hostID, name)
	if err != nil {
		return err
	}
	if !running {
		return engine.NewAssertionError(
			fmt.Sprintf("screen session '%s' is not running on host '%s'", name, hostID)).
			WithResource(hostID)
	}
	m.ec.Logf(engine.LogLevelInfo, "screen session '%s' is running on host '%s'", name, hostID)
	return nil
}

// ExpectScreenIsNotRunning fails with AssertionFailure if the session is running.
func (m *Module) ExpectScreenIsNotRunning(ctx context.Context, hostID, name string) error {
	running, err := m.ScreenIsRunning(ctx, hostID, name)
	if err != nil {
		return err
	}
	if running {
		return engine.NewAssertionError(
			fmt.Sprintf("screen session '%s' is still running on host '%s'", name, hostID)).
			WithResource(hostID)
	}
	return nil
}

// StartInScreen runs command inside a new detached screen session called name.
// It fails with ActionFailed if the session already exists or never appears.
func (m *Module) StartInScreen(ctx context.Context, hostID, name, command string) error {
	if name == "" {
		return engine.NewMissingParameterError("name", "startInScreen").WithResource(hostID)
	}

	existing, err := m.GetScreenSessionDetails(ctx, hostID, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return engine.NewActionFailedError(
			fmt.Sprintf("screen session '%s' is already running on host '%s' (pid %d)", name, hostID, existing.PID), nil).
			WithResource(hostID)
	}

	m.ec.Logf(engine.LogLevelInfo, "start '%s' in screen session '%s' on host '%s'", command, name, hostID)
	cmd := fmt.Sprintf("screen -dmS %s sh -c %s", shellQuote(name), shellQuote(command))
	if _, err := m.RunCommandOrFail(ctx, hostID, cmd); err != nil {
		return err
	}

	details, err := m.GetScreenSessionDetails(ctx, hostID, name)
	if err != nil {
		return err
	}
	if details == nil {
		return engine.NewActionFailedError(
			fmt.Sprintf("screen session '%s' did not start on host '%s'", name, hostID), nil).
			WithResource(hostID).
			WithDetail("command", command)
	}
	details.Command = command

	if m.ec.Runtime != nil {
		if err := m.ec.Runtime.RemoveItem(ctx, ScreenTable, details.runtimeKey()); err != nil {
			return err
		}
		if err := m.ec.Runtime.AddItem(ctx, ScreenTable, details.runtimeKey(), details.toMap()); err != nil {
			return err
		}
	}

	m.logger.Debug().
		Str("host", hostID).
		Str("session", name).
		Int("pid", details.PID).
		Msg("screen session started")
	return nil
}

// StopProcess sends SIGTERM to pid and waits for it to exit, escalating to
// SIGKILL once the stop poll runs out. Screen sessions recorded for the
// process are forgotten.
func (m *Module) StopProcess(ctx context.Context, hostID string, pid int) error {
	if pid <= 0 {
		return engine.NewMissingParameterError("pid", "stopProcess").WithResource(hostID)
	}

	m.ec.Logf(engine.LogLevelInfo, "stop process %d on host '%s'", pid, hostID)
	if _, err := m.RunCommand(ctx, hostID, fmt.Sprintf("kill -TERM %d", pid)); err != nil {
		return err
	}

	resource := fmt.Sprintf("%s/pid/%d", hostID, pid)
	_, err := m.stop.Until(ctx, resource, "stopped", func(ctx context.Context) (bool, error) {
		alive, err := m.processIsRunning(ctx, hostID, pid)
		return !alive, err
	})
	if engine.HasCode(err, engine.ErrCodeProvisioningTimeout) {
		m.ec.Logf(engine.LogLevelWarning, "process %d on host '%s' ignored SIGTERM; sending SIGKILL", pid, hostID)
		if _, err := m.RunCommand(ctx, hostID, fmt.Sprintf("kill -KILL %d", pid)); err != nil {
			return err
		}
		alive, aliveErr := m.processIsRunning(ctx, hostID, pid)
		if aliveErr != nil {
			return aliveErr
		}
		if alive {
			return engine.NewActionFailedError(fmt.Sprintf("process %d on host '%s' did not stop", pid, hostID), nil).
				WithResource(hostID)
		}
	} else if err != nil {
		return err
	}

	return m.forgetProcess(ctx, hostID, pid)
}

func (m *Module) processIsRunning(ctx context.Context, hostID string, pid int) (bool, error) {
	result, err := m.RunCommand(ctx, hostID, fmt.Sprintf("kill -0 %d", pid))
	if err != nil {
		return false, err
	}
	return result.Succeeded(), nil
}

func (m *Module) recordedSession(ctx context.Context, hostID, name string) *ScreenSession {
	if m.ec.Runtime == nil {
		return nil
	}
	raw, err := m.ec.Runtime.GetItem(ctx, ScreenTable, screenKey(hostID, name))
	if err != nil || raw == nil {
		return nil
	}
	return decodeSession(raw)
}

func decodeSession(raw interface{}) *ScreenSession {
	var s ScreenSession
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &s,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil
	}
	if err := dec.Decode(raw); err != nil {
		return nil
	}
	return &s
}

func (m *Module) forgetProcess(ctx context.Context, hostID string, pid int) error {
	if m.ec.Runtime == nil {
		return nil
	}
	for key, raw := range m.ec.Runtime.GetTable(ScreenTable) {
		s := decodeSession(raw)
		if s == nil || s.HostID != hostID || s.PID != pid {
			continue
		}
		if err := m.ec.Runtime.RemoveItem(ctx, ScreenTable, key); err != nil {
			return err
		}
	}
	return nil
}

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
