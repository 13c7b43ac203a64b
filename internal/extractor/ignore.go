package extractor

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// IgnoreFileName is read from the source root when present.
const IgnoreFileName = ".ctsyncignore"

type ignorePattern struct {
	glob     string
	fullPath bool // match the slash-separated relative path instead of the base name
}

// IgnoreMatcher decides which source paths are skipped. Patterns containing
// '/' match the whole relative path, others match the base name. A pattern
// naming a directory skips everything below it.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher parses raw patterns, dropping blanks and '#' comments.
func NewIgnoreMatcher(raw []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		p = strings.TrimSuffix(p, "/")
		m.patterns = append(m.patterns, ignorePattern{glob: p, fullPath: strings.Contains(p, "/")})
	}
	return m
}

// Match reports whether rel, relative to the source root, is ignored.
func (m *IgnoreMatcher) Match(rel string) bool {
	rel = filepath.ToSlash(rel)
	base := path.Base(rel)
	for _, p := range m.patterns {
		target := base
		if p.fullPath {
			target = rel
		}
		// Malformed globs never match.
		if ok, err := path.Match(p.glob, target); err == nil && ok {
			return true
		}
	}
	return false
}

// Len returns the number of active patterns.
func (m *IgnoreMatcher) Len() int { return len(m.patterns) }

// readIgnoreFile returns the lines of an ignore file, or nil when it is absent.
func readIgnoreFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}
