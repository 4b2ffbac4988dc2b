package scripting

import (
	"context"
	"fmt"
	"os"

	"github.com/storyplayer/storyplayer/pkg/engine"
	"go.starlark.net/starlark"
)

// Story file globals. Callback globals hold a function or a list of functions.
const (
	globalCategory        = "category"
	globalGroup           = "group"
	globalName            = "name"
	globalRequiredVersion = "required_version"
	globalRequiredRoles   = "required_roles"
	globalBlacklisted     = "blacklisted_environments"
	globalCanRun          = "can_run"
)

type storyPhase struct {
	global string
	add    func(s *engine.Story, cb engine.Callback) *engine.Story
}

var storyPhases = []storyPhase{
	{"test_setup", (*engine.Story).AddTestSetup},
	{"test_teardown", (*engine.Story).AddTestTeardown},
	{"pre_test_prediction", (*engine.Story).AddPreTestPrediction},
	{"pre_test_inspection", (*engine.Story).AddPreTestInspection},
	{"action", (*engine.Story).AddAction},
	{"post_test_inspection", (*engine.Story).AddPostTestInspection},
}

// LoadStoryFile reads and loads one story file.
func (l *Loader) LoadStoryFile(ctx context.Context, filename string) (*engine.Story, error) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return nil, engine.NewInvalidConfigError(fmt.Sprintf("cannot read story %s", filename), err).
			WithResource(filename)
	}
	return l.LoadStory(ctx, filename, src)
}

// LoadStories loads every .star file found below paths, in discovery order.
func (l *Loader) LoadStories(ctx context.Context, paths ...string) ([]*engine.Story, error) {
	files, err := FindStories(paths...)
	if err != nil {
		return nil, err
	}
	stories := make([]*engine.Story, 0, len(files))
	for _, f := range files {
		story, err := l.LoadStoryFile(ctx, f)
		if err != nil {
			return nil, err
		}
		stories = append(stories, story)
	}
	return stories, nil
}

// LoadStory executes src and builds a story from its globals:
//
//	category = "Storyplayer"
//	group = ["Modules", "Host"]
//	name = "Can start a screen session"
//	required_version = 2
//
//	def action():
//	    for host_id in sp.hosts_with_role("host_target"):
//	        sp.host.start_in_screen(host_id, "storyplayer_test_session", "top")
//
// sp builtins are unavailable at top level.
func (l *Loader) LoadStory(ctx context.Context, filename string, src []byte) (*engine.Story, error) {
	globals, err := l.exec(ctx, nil, filename, src)
	if err != nil {
		return nil, err
	}

	invalid := func(format string, args ...interface{}) error {
		return engine.NewInvalidConfigError(fmt.Sprintf(format, args...), nil).WithResource(filename)
	}

	category, err := optionalString(globals, globalCategory)
	if err != nil {
		return nil, invalid("%v", err)
	}
	name, err := optionalString(globals, globalName)
	if err != nil {
		return nil, invalid("%v", err)
	}
	if name == "" {
		return nil, engine.NewMissingParameterError(globalName, "loadStory").WithResource(filename)
	}
	group, err := stringList(globalGroup, globals[globalGroup])
	if err != nil {
		return nil, invalid("%v", err)
	}
	roles, err := stringList(globalRequiredRoles, globals[globalRequiredRoles])
	if err != nil {
		return nil, invalid("%v", err)
	}
	blacklisted, err := stringList(globalBlacklisted, globals[globalBlacklisted])
	if err != nil {
		return nil, invalid("%v", err)
	}

	story := engine.NewStoryFor(category).InGroup(group...).Called(name)
	story.Filename = filename
	if v, ok := globals[globalRequiredVersion]; ok {
		version, err := starlark.AsInt32(v)
		if err != nil {
			return nil, invalid("%s must be an int: %v", globalRequiredVersion, err)
		}
		story.RequiresStoryplayerVersion(version)
	}
	if len(roles) > 0 {
		story.RequiresHostRoles(roles...)
	}
	if len(blacklisted) > 0 {
		story.BlacklistedIn(blacklisted...)
	}

	for _, phase := range storyPhases {
		fns, err := callables(phase.global, globals[phase.global])
		if err != nil {
			return nil, invalid("%v", err)
		}
		for _, fn := range fns {
			phase.add(story, l.callback(filename, fn))
		}
	}

	if v, ok := globals[globalCanRun]; ok {
		fn, ok := v.(starlark.Callable)
		if !ok {
			return nil, invalid("%s must be a function, got %s", globalCanRun, v.Type())
		}
		story.CanRun = l.canRun(filename, fn)
	}

	l.logger.Debug().
		Str("file", filename).
		Str("story", story.FullName()).
		Bool("has_actions", story.HasActions()).
		Msg("story loaded")
	return story, nil
}

func (l *Loader) callback(filename string, fn starlark.Callable) engine.Callback {
	return func(ctx context.Context, ec *engine.Context) error {
		_, err := l.call(ctx, ec, filename, fn)
		return err
	}
}

// canRun maps the function's result: None or True lets the story run,
// False or a string reason makes it INCOMPLETE.
func (l *Loader) canRun(filename string, fn starlark.Callable) engine.Callback {
	return func(ctx context.Context, ec *engine.Context) error {
		v, err := l.call(ctx, ec, filename, fn)
		if err != nil {
			return err
		}
		switch v := v.(type) {
		case starlark.NoneType:
			return nil
		case starlark.String:
			return engine.NewIncompleteError(string(v))
		default:
			if v.Truth() {
				return nil
			}
			return engine.NewIncompleteError(fmt.Sprintf("%s returned False", globalCanRun))
		}
	}
}

func optionalString(globals starlark.StringDict, name string) (string, error) {
	v, ok := globals[name]
	if !ok || v == starlark.None {
		return "", nil
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %s", name, v.Type())
	}
	return s, nil
}

func callables(name string, v starlark.Value) ([]starlark.Callable, error) {
	switch v := v.(type) {
	case nil, starlark.NoneType:
		return nil, nil
	case starlark.Callable:
		return []starlark.Callable{v}, nil
	case starlark.Indexable:
		out := make([]starlark.Callable, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			fn, ok := v.Index(i).(starlark.Callable)
			if !ok {
				return nil, fmt.Errorf("%s[%d] must be a function, got %s", name, i, v.Index(i).Type())
			}
			out = append(out, fn)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a function or a list of functions, got %s", name, v.Type())
	}
}
