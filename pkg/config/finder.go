package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/storyplayer/storyplayer/pkg/engine"
)

// FindFiles walks root recursively and returns every regular file whose base
// name matches pattern, sorted lexically. pattern is a regular expression for
// the end of the name, e.g. `\.json`. A root that does not exist yields no files.
func FindFiles(root, pattern string) ([]string, error) {
	re, err := regexp.Compile(`(?i)^.+` + pattern + `$`)
	if err != nil {
		return nil, engine.NewInvalidConfigError("invalid config file pattern", err).WithResource(pattern)
	}

	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		if re.MatchString(filepath.Base(root)) {
			return []string{root}, nil
		}
		return nil, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Type().IsRegular() && re.MatchString(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}
