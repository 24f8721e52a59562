package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry persists rule definitions. It is the external collaborator the
// Store fetches from and writes through; names are unique within a registry.
type Registry interface {
	// Fetch returns the rule stored under name or a *NotFoundError
	Fetch(ctx context.Context, name string) (*Rule, error)

	// Create stores a new rule, assigning ID and timestamps
	Create(ctx context.Context, rule *Rule) (*Rule, error)

	// Update replaces the rule stored under name; rule.Name may differ to rename it
	Update(ctx context.Context, name string, rule *Rule) (*Rule, error)

	// Delete removes a rule. Without force it refuses when composites embed it.
	Delete(ctx context.Context, name string, force bool) (bool, error)

	// ListDependents returns the names of composite rules embedding name
	ListDependents(ctx context.Context, name string) ([]string, error)

	// List returns every stored rule
	List(ctx context.Context) ([]*Rule, error)
}

// InMemoryRegistry implements Registry using an in-memory map.
// Thread-safe with RWMutex
type InMemoryRegistry struct {
	rules map[string]*Rule
	mu    sync.RWMutex
}

// NewInMemoryRegistry creates an empty in-memory registry
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		rules: make(map[string]*Rule),
	}
}

// Fetch retrieves a copy of a rule by name
func (r *InMemoryRegistry) Fetch(_ context.Context, name string) (*Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, exists := r.rules[name]
	if !exists {
		return nil, &NotFoundError{Name: name}
	}
	return rule.Clone(), nil
}

// Create adds a new rule, rejecting duplicate names
func (r *InMemoryRegistry) Create(_ context.Context, rule *Rule) (*Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rules[rule.Name]; exists {
		return nil, fmt.Errorf("rule %s: %w", rule.Name, ErrAlreadyExists)
	}

	stored := rule.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.rules[stored.Name] = stored
	return stored.Clone(), nil
}

// Update replaces an existing rule, preserving ID and CreatedAt
func (r *InMemoryRegistry) Update(_ context.Context, name string, rule *Rule) (*Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.rules[name]
	if !exists {
		return nil, &NotFoundError{Name: name}
	}
	if rule.Name != name {
		if _, taken := r.rules[rule.Name]; taken {
			return nil, fmt.Errorf("rule %s: %w", rule.Name, ErrAlreadyExists)
		}
	}

	stored := rule.Clone()
	stored.ID = existing.ID
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now().UTC()

	delete(r.rules, name)
	r.rules[stored.Name] = stored
	return stored.Clone(), nil
}

// Delete removes a rule from the registry
func (r *InMemoryRegistry) Delete(_ context.Context, name string, force bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rules[name]; !exists {
		return false, &NotFoundError{Name: name}
	}
	if !force {
		if deps := r.dependentsLocked(name); len(deps) > 0 {
			return false, &DependencyError{Name: name, Dependents: deps}
		}
	}

	delete(r.rules, name)
	return true, nil
}

// ListDependents scans composite rules for embedded references to name
func (r *InMemoryRegistry) ListDependents(_ context.Context, name string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.dependentsLocked(name), nil
}

// List returns copies of all rules ordered by name
func (r *InMemoryRegistry) List(_ context.Context) ([]*Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		all = append(all, rule.Clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

func (r *InMemoryRegistry) dependentsLocked(name string) []string {
	var deps []string
	for _, rule := range r.rules {
		if rule.Type == TypeComposite && rule.Name != name && rule.References(name) {
			deps = append(deps, rule.Name)
		}
	}
	sort.Strings(deps)
	return deps
}
