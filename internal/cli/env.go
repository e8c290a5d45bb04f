// Package cli holds flag helpers shared by the dupehub commands.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// EnvOverrideVars name variables that point at an env file and win over the
// --env flag, first match first.
var EnvOverrideVars = []string{"DUPEHUB_ENV_FILE", "HORSE_ENV_FILE"}

var ErrNoEnvFile = errors.New("no env file loaded")

// EnvLoader loads one .env file chosen from overrides, the flag and its
// fallbacks.
type EnvLoader struct {
	value       *string
	defaultPath string
}

// AddEnvFlag registers --env on fs.
func AddEnvFlag(fs *flag.FlagSet, defaultPath, description string) *EnvLoader {
	if fs == nil {
		fs = flag.CommandLine
	}
	if defaultPath == "" {
		defaultPath = ".env"
	}
	if description == "" {
		description = "Path to the .env file"
	}
	return &EnvLoader{
		value:       fs.String("env", defaultPath, description),
		defaultPath: defaultPath,
	}
}

// Candidates lists the files Load tries, in order, without duplicates.
func (l *EnvLoader) Candidates() []string {
	var out []string
	seen := map[string]struct{}{}
	add := func(path string) {
		path = strings.TrimSpace(path)
		if path == "" {
			return
		}
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}

	for _, name := range EnvOverrideVars {
		add(os.Getenv(name))
	}
	requested := l.defaultPath
	if l.value != nil && strings.TrimSpace(*l.value) != "" {
		requested = *l.value
	}
	add(requested)
	add(filepath.Base(requested))
	add(l.defaultPath)
	return out
}

// Load overlays the first readable candidate onto the process environment
// and returns its path. Variables already set are overwritten.
func (l *EnvLoader) Load() (string, error) {
	if l == nil {
		return "", fmt.Errorf("env loader is nil")
	}

	candidates := l.Candidates()
	for _, path := range candidates {
		if err := godotenv.Overload(path); err == nil {
			fmt.Fprintf(os.Stderr, "Loaded environment from %s\n", path)
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: tried %s", ErrNoEnvFile, strings.Join(candidates, ", "))
}
