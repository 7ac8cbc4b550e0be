package admin

import (
	"fmt"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/mglock/lock"
)

// ResourceFilter matches resource names against glob patterns such as
// database/T1/* or database/*/page?. '/' separates segments, so '*' stays
// within one segment and '**' crosses them.
type ResourceFilter struct {
	cache *lru.Cache[string, glob.Glob]
}

func NewResourceFilter(cacheSize int) (*ResourceFilter, error) {
	cache, err := lru.New[string, glob.Glob](cacheSize)
	if err != nil {
		return nil, err
	}
	return &ResourceFilter{cache: cache}, nil
}

// Compile returns the compiled pattern, reusing earlier compilations.
func (f *ResourceFilter) Compile(pattern string) (glob.Glob, error) {
	if g, ok := f.cache.Get(pattern); ok {
		return g, nil
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid resource pattern %q: %w", pattern, err)
	}
	f.cache.Add(pattern, g)
	return g, nil
}

// Filter keeps the states whose resource matches pattern. An empty pattern
// matches everything.
func (f *ResourceFilter) Filter(pattern string, states []lock.ResourceState) ([]lock.ResourceState, error) {
	if pattern == "" {
		return states, nil
	}
	g, err := f.Compile(pattern)
	if err != nil {
		return nil, err
	}
	matched := make([]lock.ResourceState, 0, len(states))
	for _, s := range states {
		if g.Match(s.Name.String()) {
			matched = append(matched, s)
		}
	}
	return matched, nil
}

// Cached is the number of compiled patterns currently held.
func (f *ResourceFilter) Cached() int {
	return f.cache.Len()
}
