package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/storyplayer/storyplayer/pkg/engine"
)

// DefinesSection holds every -D key=value pair given on the command line.
const DefinesSection = "defines"

// UseSauceLabsDefine is the override the --usesaucelabs switch stands for.
const UseSauceLabsDefine = "usesaucelabs=true"

// ParseDefines turns key=value pairs into an override layer.
// Every pair is stored under "defines.<key>". A dotted key is also stored at
// its literal path, so "storyplayer.logLevel=debug" overrides that setting.
// Values "true" and "false" become booleans and numeric values become numbers.
func ParseDefines(defines []string) (*Tree, error) {
	t := NewTree()
	for _, d := range defines {
		key, raw, ok := strings.Cut(d, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
			return nil, engine.NewInvalidConfigError(fmt.Sprintf("invalid define '%s', expected key=value", d), nil)
		}

		v := parseLiteral(raw)
		if err := t.Set(DefinesSection+"."+key, v); err != nil {
			return nil, engine.NewInvalidConfigError(fmt.Sprintf("define '%s' conflicts with an earlier define", d), err)
		}
		if strings.Contains(key, ".") {
			if err := t.Set(key, v.Clone()); err != nil {
				return nil, engine.NewInvalidConfigError(fmt.Sprintf("define '%s' conflicts with an earlier define", d), err)
			}
		}
	}
	return t, nil
}

func parseLiteral(raw string) Value {
	switch raw {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	// ParseFloat also accepts "inf", "nan" and hex literals; keep those as strings
	if strings.ContainsAny(strings.ToLower(raw), "inx_") {
		return String(raw)
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return Number(n)
	}
	return String(raw)
}
