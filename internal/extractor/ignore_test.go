package extractor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIgnoreMatcher_Match(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		rel      string
		want     bool
	}{
		{name: "base name glob in root", patterns: []string{"*.bak"}, rel: "article.bak", want: true},
		{name: "base name glob in subdirectory", patterns: []string{"*.bak"}, rel: filepath.Join("blog", "post.bak"), want: true},
		{name: "base name glob no match", patterns: []string{"*.bak"}, rel: "article.json", want: false},
		{name: "path pattern matches", patterns: []string{"drafts/*.json"}, rel: filepath.Join("drafts", "x.json"), want: true},
		{name: "path pattern anchored at root", patterns: []string{"drafts/*.json"}, rel: filepath.Join("blog", "drafts", "x.json"), want: false},
		{name: "directory name with trailing slash", patterns: []string{"archive/"}, rel: "archive", want: true},
		{name: "comments and blanks ignored", patterns: []string{"", "# *.json"}, rel: "a.json", want: false},
		{name: "malformed glob never matches", patterns: []string{"[unclosed"}, rel: "[unclosed", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewIgnoreMatcher(tt.patterns).Match(tt.rel); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.rel, got, tt.want)
			}
		})
	}
}

func TestNewIgnoreMatcher_Len(t *testing.T) {
	m := NewIgnoreMatcher([]string{"", "  ", "# comment", "*.log", "build/out"})
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
}

func TestReadIgnoreFile(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		lines, err := readIgnoreFile(filepath.Join(t.TempDir(), IgnoreFileName))
		if err != nil {
			t.Fatalf("readIgnoreFile() error = %v", err)
		}
		if lines != nil {
			t.Errorf("readIgnoreFile() = %v, want nil", lines)
		}
	})

	t.Run("reads lines", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), IgnoreFileName)
		if err := os.WriteFile(path, []byte("*.bak\n# note\ndrafts\n"), 0644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		lines, err := readIgnoreFile(path)
		if err != nil {
			t.Fatalf("readIgnoreFile() error = %v", err)
		}
		if len(lines) != 3 {
			t.Errorf("len(lines) = %d, want 3", len(lines))
		}
	})
}
