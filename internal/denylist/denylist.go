// Package denylist holds the destructive command and protected path
// patterns enforced by the desktop backend.
package denylist

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Patterns holds the raw pattern strings organized by category.
type Patterns struct {
	Commands []string `yaml:"commands"`
	Paths    []string `yaml:"paths"`
	Files    []string `yaml:"files"`
}

// Denylist matches commands and paths against patterns. It is read-only
// after construction.
type Denylist struct {
	commands []string // substring matching (case-insensitive)
	paths    []string // directory prefixes, ~ expanded
	files    []string // glob-style, matched via containment
	raw      Patterns
}

// New creates a Denylist from raw patterns.
func New(p Patterns) *Denylist {
	d := &Denylist{raw: p}
	for _, c := range p.Commands {
		d.commands = append(d.commands, strings.ToLower(c))
	}
	for _, path := range p.Paths {
		d.paths = append(d.paths, expandHome(path))
	}
	for _, f := range p.Files {
		d.files = append(d.files, strings.ToLower(f))
	}
	return d
}

// NewDefault creates a Denylist with the built-in patterns.
func NewDefault() *Denylist {
	return New(DefaultPatterns)
}

// Load reads extra patterns from a YAML file and appends them to the
// defaults. A missing file yields the defaults.
func Load(path string) (*Denylist, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return NewDefault(), nil
		}
		path = filepath.Join(home, ".elevator", "denylist.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDefault(), nil
		}
		return nil, err
	}

	var p Patterns
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return New(Patterns{
		Commands: append(append([]string{}, DefaultPatterns.Commands...), p.Commands...),
		Paths:    append(append([]string{}, DefaultPatterns.Paths...), p.Paths...),
		Files:    append(append([]string{}, DefaultPatterns.Files...), p.Files...),
	}), nil
}

// DestructiveCommand returns the pattern a command matches, if any.
func (d *Denylist) DestructiveCommand(cmd string) (string, bool) {
	lower := strings.ToLower(strings.Join(strings.Fields(cmd), " "))
	if lower == "" {
		return "", false
	}
	for _, pattern := range d.commands {
		if strings.Contains(lower, pattern) {
			return pattern, true
		}
	}
	if isPipeToShell(lower) {
		return "pipe-to-shell", true
	}
	return "", false
}

// ProtectedPath returns the protected directory or file pattern that path
// falls under, if any.
func (d *Denylist) ProtectedPath(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	clean := filepath.Clean(expandHome(path))
	for _, p := range d.paths {
		if clean == p || strings.HasPrefix(clean, p+string(filepath.Separator)) {
			return p, true
		}
	}
	lower := strings.ToLower(clean)
	for _, pattern := range d.files {
		if matchFilePattern(lower, pattern) {
			return pattern, true
		}
	}
	return "", false
}

// ToMap returns the raw patterns as a map for serialization.
func (d *Denylist) ToMap() map[string]any {
	return map[string]any{
		"commands": d.raw.Commands,
		"paths":    d.raw.Paths,
		"files":    d.raw.Files,
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func matchFilePattern(resource, pattern string) bool {
	if strings.HasPrefix(pattern, "~/") {
		// Match the home-relative suffix anywhere in the path.
		return strings.Contains(resource, pattern[1:])
	}
	if strings.Contains(pattern, "**") {
		suffix := strings.ReplaceAll(pattern, "**/", "")
		suffix = strings.ReplaceAll(suffix, "**", "")
		if strings.HasPrefix(suffix, "*") {
			return strings.HasSuffix(resource, strings.TrimPrefix(suffix, "*"))
		}
		return strings.HasSuffix(resource, "/"+suffix) || resource == suffix
	}
	return strings.Contains(resource, pattern)
}

// isPipeToShell detects piped-to-shell patterns like "curl ... | sh".
func isPipeToShell(cmd string) bool {
	if !strings.Contains(cmd, "|") {
		return false
	}
	if !strings.Contains(cmd, "curl") && !strings.Contains(cmd, "wget") {
		return false
	}
	shells := []string{"sh", "bash", "zsh", "fish"}
	parts := strings.Split(cmd, "|")
	for i := 1; i < len(parts); i++ {
		trimmed := strings.TrimSpace(parts[i])
		for _, s := range shells {
			if trimmed == s || strings.HasPrefix(trimmed, s+" ") {
				return true
			}
		}
	}
	return false
}
