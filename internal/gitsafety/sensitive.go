package gitsafety

import (
	"fmt"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultSensitivePatterns guards .env files, key material, and anything
// with "secret" in the name, matched with doublestar so "**/" prefixes
// cover nested directories.
var DefaultSensitivePatterns = []string{
	"**/.env",
	"**/.env.*",
	"**/*.key",
	"**/*.pem",
	"**/*secret*",
	"**/*credentials*",
	"**/id_rsa",
	"**/id_ed25519",
}

// SensitiveGuard un-stages (and reports) any staged path matching a
// sensitive pattern, so an agent's accidental `git add .env` never reaches
// a commit.
type SensitiveGuard struct {
	Patterns []string
}

func NewSensitiveGuard(patterns []string) *SensitiveGuard {
	if len(patterns) == 0 {
		patterns = DefaultSensitivePatterns
	}
	return &SensitiveGuard{Patterns: patterns}
}

// Matches reports whether path matches any configured sensitive pattern.
func (g *SensitiveGuard) Matches(path string) bool {
	clean := filepath.ToSlash(path)
	for _, pat := range g.Patterns {
		if ok, _ := doublestar.Match(pat, clean); ok {
			return true
		}
	}
	return false
}

// Enforce inspects currently-staged files in dir and un-stages any that
// match a sensitive pattern, returning the paths it removed. It never
// deletes the file from the working tree, only from the index.
func (g *SensitiveGuard) Enforce(dir string) ([]string, error) {
	staged, err := StagedFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("gitsafety: list staged files: %w", err)
	}
	var flagged []string
	for _, path := range staged {
		if g.Matches(path) {
			flagged = append(flagged, path)
		}
	}
	if len(flagged) == 0 {
		return nil, nil
	}
	if err := ResetPaths(dir, flagged); err != nil {
		return nil, fmt.Errorf("gitsafety: unstage sensitive files: %w", err)
	}
	return flagged, nil
}
