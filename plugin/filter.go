package plugin

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Filter selects plugin ids by glob patterns. An id is allowed when it
// matches an include pattern, or no include patterns are set, and matches
// no exclude pattern.
type Filter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// NewFilter compiles include and exclude patterns. Patterns use shell
// wildcard syntax, "*" matches any run of characters including dots.
func NewFilter(include, exclude []string) (*Filter, error) {
	in, err := compileAll(include)
	if err != nil {
		return nil, err
	}
	ex, err := compileAll(exclude)
	if err != nil {
		return nil, err
	}
	return &Filter{include: in, exclude: ex}, nil
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid plugin pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Allowed reports whether id passes the filter. A nil filter allows all ids.
func (f *Filter) Allowed(id string) bool {
	if f == nil {
		return true
	}
	if len(f.include) > 0 && !matchAny(f.include, id) {
		return false
	}
	return !matchAny(f.exclude, id)
}

func matchAny(globs []glob.Glob, id string) bool {
	for _, g := range globs {
		if g.Match(id) {
			return true
		}
	}
	return false
}
