package scripting

import (
	"context"
	"fmt"
	"os"

	"github.com/storyplayer/storyplayer/pkg/engine"
	hostmodule "github.com/storyplayer/storyplayer/pkg/modules/host"
	"github.com/storyplayer/storyplayer/pkg/transports/ssh"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Thread-local keys carrying the call state into sp builtins.
const (
	localContext = "storyplayer.ctx"
	localExec    = "storyplayer.ec"
	localError   = "storyplayer.err"
)

// HostModule is the part of the host helper module exposed as sp.host.
type HostModule interface {
	RunCommand(ctx context.Context, hostID, cmd string) (*ssh.ExecResult, error)
	UploadFile(ctx context.Context, hostID string, data []byte, remotePath string, mode os.FileMode) error
	StartInScreen(ctx context.Context, hostID, name, command string) error
	GetScreenSessionDetails(ctx context.Context, hostID, name string) (*hostmodule.ScreenSession, error)
	ScreenIsRunning(ctx context.Context, hostID, name string) (bool, error)
	ExpectScreenIsRunning(ctx context.Context, hostID, name string) error
	StopProcess(ctx context.Context, hostID string, pid int) error
}

var _ HostModule = (*hostmodule.Module)(nil)

type spFunc func(ctx context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

// bind wraps fn as a builtin. The first Go error raised on a thread is kept
// so that its engine error code survives the Starlark call stack.
func bind(name string, fn spFunc) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		ec, _ := thread.Local(localExec).(*engine.Context)
		if ec == nil {
			return nil, fmt.Errorf("%s: only available inside story callbacks and scripts", b.Name())
		}
		ctx, _ := thread.Local(localContext).(context.Context)
		if ctx == nil {
			ctx = context.Background()
		}

		v, err := fn(ctx, ec, b, args, kwargs)
		if err != nil {
			if thread.Local(localError) == nil {
				thread.SetLocal(localError, err)
			}
			return nil, err
		}
		if v == nil {
			v = starlark.None
		}
		return v, nil
	})
}

// newSPModule builds the `sp` value predeclared in every story and script.
func newSPModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "sp",
		Members: starlark.StringDict{
			"log":             bind("log", spLog),
			"checkpoint_set":  bind("checkpoint_set", spCheckpointSet),
			"checkpoint_get":  bind("checkpoint_get", spCheckpointGet),
			"expect":          bind("expect", spExpect),
			"expect_equal":    bind("expect_equal", spExpectEqual),
			"fail":            bind("fail", spFail),
			"hosts_with_role": bind("hosts_with_role", spHostsWithRole),
			"config_has":      bind("config_has", spConfigHas),
			"config_string":   bind("config_string", spConfigString),
			"config_bool":     bind("config_bool", spConfigBool),
			"config_strings":  bind("config_strings", spConfigStrings),
			"runtime_add":     bind("runtime_add", spRuntimeAdd),
			"runtime_get":     bind("runtime_get", spRuntimeGet),
			"runtime_remove":  bind("runtime_remove", spRuntimeRemove),
			"host": &starlarkstruct.Module{
				Name: "host",
				Members: starlark.StringDict{
					"run":                   bind("host.run", hostRun),
					"upload":                bind("host.upload", hostUpload),
					"start_in_screen":       bind("host.start_in_screen", hostStartInScreen),
					"screen_session":        bind("host.screen_session", hostScreenSession),
					"screen_is_running":     bind("host.screen_is_running", hostScreenIsRunning),
					"expect_screen_running": bind("host.expect_screen_running", hostExpectScreenRunning),
					"stop_process":          bind("host.stop_process", hostStopProcess),
				},
			},
		},
	}
}

func spLog(_ context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	levelName := "info"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg, "level?", &levelName); err != nil {
		return nil, err
	}
	level, ok := engine.ParseLogLevel(levelName)
	if !ok {
		return nil, fmt.Errorf("%s: unknown level %q", b.Name(), levelName)
	}
	ec.Logf(level, "%s", msg)
	return starlark.None, nil
}

func spCheckpointSet(_ context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var value starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "value", &value); err != nil {
		return nil, err
	}
	goVal, err := fromStarlarkValue(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	ec.Checkpoint.Set(key, goVal)
	return starlark.None, nil
}

func spCheckpointGet(_ context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
		return nil, err
	}
	v, ok := ec.Checkpoint.Get(key)
	if !ok {
		return def, nil
	}
	return toStarlarkValue(v)
}

func spExpect(_ context.Context, _ *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cond starlark.Value
	msg := "expectation failed"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cond", &cond, "msg?", &msg); err != nil {
		return nil, err
	}
	if !cond.Truth() {
		return nil, engine.NewAssertionError(msg)
	}
	return starlark.None, nil
}

func spExpectEqual(_ context.Context, _ *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var expected, actual starlark.Value
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "expected", &expected, "actual", &actual, "msg?", &msg); err != nil {
		return nil, err
	}
	eq, err := starlark.Equal(expected, actual)
	if err != nil {
		return nil, err
	}
	if !eq {
		text := fmt.Sprintf("expected %s, got %s", expected.String(), actual.String())
		if msg != "" {
			text = msg + ": " + text
		}
		return nil, engine.NewAssertionError(text)
	}
	return starlark.None, nil
}

func spFail(_ context.Context, _ *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg); err != nil {
		return nil, err
	}
	return nil, engine.NewAssertionError(msg)
}

func spHostsWithRole(_ context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var role string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "role", &role); err != nil {
		return nil, err
	}
	return toStarlarkValue(append([]string{}, ec.HostsWithRole(role)...))
}

func requireConfig(ec *engine.Context, name string) error {
	if ec.Config == nil {
		return engine.NewInvalidConfigError(name+": no configuration loaded", nil)
	}
	return nil
}

func spConfigHas(_ context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	return starlark.Bool(ec.Config != nil && ec.Config.Has(path)), nil
}

func spConfigString(_ context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	var def starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "default?", &def); err != nil {
		return nil, err
	}
	if def != nil && (ec.Config == nil || !ec.Config.Has(path)) {
		return def, nil
	}
	if err := requireConfig(ec, b.Name()); err != nil {
		return nil, err
	}
	s, err := ec.Config.GetString(path)
	if err != nil {
		return nil, err
	}
	return starlark.String(s), nil
}

func spConfigBool(_ context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	var def starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "default?", &def); err != nil {
		return nil, err
	}
	if def != nil && (ec.Config == nil || !ec.Config.Has(path)) {
		return def, nil
	}
	if err := requireConfig(ec, b.Name()); err != nil {
		return nil, err
	}
	v, err := ec.Config.GetBool(path)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(v), nil
}

func spConfigStrings(_ context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	if err := requireConfig(ec, b.Name()); err != nil {
		return nil, err
	}
	v, err := ec.Config.GetStrings(path)
	if err != nil {
		return nil, err
	}
	return toStarlarkValue(v)
}

func requireRuntime(ec *engine.Context, name string) error {
	if ec.Runtime == nil {
		return engine.NewInvalidConfigError(name+": no runtime table available", nil)
	}
	return nil
}

func spRuntimeAdd(ctx context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var parent, key string
	var value starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "parent", &parent, "key", &key, "value", &value); err != nil {
		return nil, err
	}
	if err := requireRuntime(ec, b.Name()); err != nil {
		return nil, err
	}
	goVal, err := fromStarlarkValue(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, ec.Runtime.AddItem(ctx, parent, key, goVal)
}

func spRuntimeGet(ctx context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var parent, key string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "parent", &parent, "key", &key); err != nil {
		return nil, err
	}
	if err := requireRuntime(ec, b.Name()); err != nil {
		return nil, err
	}
	v, err := ec.Runtime.GetItem(ctx, parent, key)
	if err != nil {
		return nil, err
	}
	return toStarlarkValue(v)
}

func spRuntimeRemove(ctx context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var parent, key string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "parent", &parent, "key", &key); err != nil {
		return nil, err
	}
	if err := requireRuntime(ec, b.Name()); err != nil {
		return nil, err
	}
	return starlark.None, ec.Runtime.RemoveItem(ctx, parent, key)
}
