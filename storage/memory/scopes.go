package memory

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/giantswarm/oauth-server/storage"
)

// SaveScope registers or replaces a scope.
func (s *Store) SaveScope(_ context.Context, scope *storage.Scope) error {
	if scope == nil || scope.Name == "" {
		return fmt.Errorf("scope must have a name")
	}

	c := *scope
	c.Resources = slices.Clone(scope.Resources)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[c.Name] = &c
	return nil
}

// FindByNames yields the registered scopes among names, in the order of
// names. Unknown names are skipped.
func (s *Store) FindByNames(ctx context.Context, names []string) iter.Seq2[*storage.Scope, error] {
	s.mu.RLock()
	found := make([]*storage.Scope, 0, len(names))
	for _, name := range names {
		if scope, ok := s.scopes[name]; ok {
			c := *scope
			c.Resources = slices.Clone(scope.Resources)
			found = append(found, &c)
		}
	}
	s.mu.RUnlock()

	return func(yield func(*storage.Scope, error) bool) {
		for _, scope := range found {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(scope, nil) {
				return
			}
		}
	}
}

// GetName returns the name of scope.
func (s *Store) GetName(_ context.Context, scope *storage.Scope) string {
	if scope == nil {
		return ""
	}
	return scope.Name
}
