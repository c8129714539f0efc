package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/SOG-web/reauth-sub000/orm"
)

// Resolver loads and scrubs principals of one subject type. GetByID returns
// (nil, nil) when no such subject exists. Sanitize strips fields that must
// not reach callers (password hashes, internal flags); nil means identity.
type Resolver struct {
	GetByID  func(ctx context.Context, id string, o orm.ORM) (any, error)
	Sanitize func(subject any) any
}

// ResolverRegistry maps subject_type names to resolvers. Types are unique;
// a second registration for the same type is rejected.
type ResolverRegistry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewResolverRegistry creates an empty registry.
func NewResolverRegistry() *ResolverRegistry {
	return &ResolverRegistry{resolvers: make(map[string]Resolver)}
}

// Register adds a resolver for a subject type.
func (r *ResolverRegistry) Register(subjectType string, resolver Resolver) error {
	if resolver.GetByID == nil {
		return fmt.Errorf("resolver for %q must provide GetByID", subjectType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resolvers[subjectType]; exists {
		return fmt.Errorf("subject resolver already registered for type %q", subjectType)
	}
	r.resolvers[subjectType] = resolver
	return nil
}

// Get returns the resolver for a subject type.
func (r *ResolverRegistry) Get(subjectType string) (Resolver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resolver, ok := r.resolvers[subjectType]
	return resolver, ok
}

// Types returns the registered subject types.
func (r *ResolverRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.resolvers))
	for t := range r.resolvers {
		types = append(types, t)
	}
	return types
}
