// Package matcher decides which paths of a folder take part in a sync.
package matcher

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/eas/internal/vpath"
	gitignore "github.com/sabhiram/go-gitignore"
)

type Kind string

const (
	Include Kind = "i"
	Exclude Kind = "e"
)

// Rule is one block of glob patterns, evaluated in declaration order.
type Rule struct {
	Kind     Kind     `mapstructure:"kind" yaml:"kind"`
	Patterns []string `mapstructure:"patterns" yaml:"patterns"`
}

// Matcher evaluates include/exclude blocks against full virtual paths.
// The last block that matches a path decides; no blocks means allow.
type Matcher struct {
	rules  []Rule
	root   string
	ignore *gitignore.GitIgnore
}

// New validates and compiles rules.
func New(rules []Rule) (*Matcher, error) {
	for i, r := range rules {
		if r.Kind != Include && r.Kind != Exclude {
			return nil, fmt.Errorf("rule %d: unknown kind %q", i, r.Kind)
		}
		for _, p := range r.Patterns {
			if !doublestar.ValidatePattern(p) {
				return nil, fmt.Errorf("rule %d: invalid pattern %q", i, p)
			}
		}
	}
	return &Matcher{rules: rules}, nil
}

// LoadIgnoreFile appends the rules of a gitignore-style file, relative to
// root, as a final exclude block.
func (m *Matcher) LoadIgnoreFile(root, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open ignore file: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read ignore file: %w", err)
	}

	m.root = vpath.DirNormalize(root)
	m.ignore = gitignore.CompileIgnoreLines(lines...)
	slog.Debug("loaded ignore file", "path", path, "rules", len(lines))
	return nil
}

// Match reports whether path takes part in the sync.
func (m *Matcher) Match(path string) bool {
	if m == nil {
		return true
	}

	allowed := true
	target := vpath.DirDenormalize(path)
	for _, r := range m.rules {
		if matchAny(r.Patterns, target) {
			allowed = r.Kind == Include
		}
	}

	if allowed && m.ignore != nil && vpath.Contains(m.root, path) {
		if rel := vpath.CutPrefix(path, m.root); rel != "" && m.ignore.MatchesPath(rel) {
			return false
		}
	}
	return allowed
}

func matchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		// patterns are validated in New
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}
