package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/maxpert/quorumkeeper/coordinator"
)

// GlobFilter filters outcomes by namespace and deployment glob patterns
type GlobFilter struct {
	namespaceGlobs  []glob.Glob
	deploymentGlobs []glob.Glob
	onlyFailures    bool
}

// NewGlobFilter creates a new glob-based filter.
// Empty patterns match everything.
func NewGlobFilter(namespacePatterns, deploymentPatterns []string, onlyFailures bool) (*GlobFilter, error) {
	namespaceGlobs, err := compileGlobs("namespace", namespacePatterns)
	if err != nil {
		return nil, err
	}
	deploymentGlobs, err := compileGlobs("deployment", deploymentPatterns)
	if err != nil {
		return nil, err
	}

	return &GlobFilter{
		namespaceGlobs:  namespaceGlobs,
		deploymentGlobs: deploymentGlobs,
		onlyFailures:    onlyFailures,
	}, nil
}

func compileGlobs(kind string, patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// Match returns true if the outcome passes every configured pattern
func (f *GlobFilter) Match(outcome coordinator.Outcome) bool {
	if f.onlyFailures && !outcome.Failed() {
		return false
	}
	return matchAny(f.namespaceGlobs, outcome.Namespace) && matchAny(f.deploymentGlobs, outcome.Deployment)
}
