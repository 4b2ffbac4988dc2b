package scripting

import (
	"context"
	"os"

	"github.com/storyplayer/storyplayer/pkg/engine"
	hostmodule "github.com/storyplayer/storyplayer/pkg/modules/host"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func hostModule(ec *engine.Context) (HostModule, error) {
	return engine.UseModule[HostModule](ec, hostmodule.ModuleName)
}

func hostRun(ctx context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var hostID, cmd string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "host_id", &hostID, "cmd", &cmd); err != nil {
		return nil, err
	}
	h, err := hostModule(ec)
	if err != nil {
		return nil, err
	}
	result, err := h.RunCommand(ctx, hostID, cmd)
	if err != nil {
		return nil, err
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"stdout":    starlark.String(result.Stdout),
		"stderr":    starlark.String(result.Stderr),
		"exit_code": starlark.MakeInt(result.ExitCode),
	}), nil
}

func hostUpload(ctx context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var hostID, path, content string
	mode := 0o644
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "host_id", &hostID, "path", &path, "content", &content, "mode?", &mode); err != nil {
		return nil, err
	}
	h, err := hostModule(ec)
	if err != nil {
		return nil, err
	}
	return starlark.None, h.UploadFile(ctx, hostID, []byte(content), path, os.FileMode(mode))
}

func hostStartInScreen(ctx context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var hostID, name, cmd string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "host_id", &hostID, "name", &name, "cmd", &cmd); err != nil {
		return nil, err
	}
	h, err := hostModule(ec)
	if err != nil {
		return nil, err
	}
	return starlark.None, h.StartInScreen(ctx, hostID, name, cmd)
}

// hostScreenSession returns a struct(name, pid, state, command) or None.
func hostScreenSession(ctx context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var hostID, name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "host_id", &hostID, "name", &name); err != nil {
		return nil, err
	}
	h, err := hostModule(ec)
	if err != nil {
		return nil, err
	}
	details, err := h.GetScreenSessionDetails(ctx, hostID, name)
	if err != nil || details == nil {
		return starlark.None, err
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"name":    starlark.String(details.Name),
		"pid":     starlark.MakeInt(details.PID),
		"state":   starlark.String(details.State),
		"command": starlark.String(details.Command),
	}), nil
}

func hostScreenIsRunning(ctx context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var hostID, name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "host_id", &hostID, "name", &name); err != nil {
		return nil, err
	}
	h, err := hostModule(ec)
	if err != nil {
		return nil, err
	}
	running, err := h.ScreenIsRunning(ctx, hostID, name)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(running), nil
}

func hostExpectScreenRunning(ctx context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var hostID, name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "host_id", &hostID, "name", &name); err != nil {
		return nil, err
	}
	h, err := hostModule(ec)
	if err != nil {
		return nil, err
	}
	return starlark.None, h.ExpectScreenIsRunning(ctx, hostID, name)
}

func hostStopProcess(ctx context.Context, ec *engine.Context, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var hostID string
	var pid int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "host_id", &hostID, "pid", &pid); err != nil {
		return nil, err
	}
	h, err := hostModule(ec)
	if err != nil {
		return nil, err
	}
	return starlark.None, h.StopProcess(ctx, hostID, pid)
}
