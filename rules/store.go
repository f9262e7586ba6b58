package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrRuleGroupNotFound = errors.New("rule group not found")
	ErrRuleGroupExists   = errors.New("rule group already exists")
)

// RuleGroupStore persists authored rule group definitions. Update supersedes
// the stored definition with a new version; definitions are never edited in
// place.
type RuleGroupStore interface {
	// Add a new rule group
	Add(ctx context.Context, def *RuleGroupDefinition) error

	// Get a rule group by ID
	Get(ctx context.Context, id string) (*RuleGroupDefinition, error)

	// List all rule groups
	List(ctx context.Context) ([]*RuleGroupDefinition, error)

	// Update replaces a rule group with a new version
	Update(ctx context.Context, def *RuleGroupDefinition) error

	// Delete a rule group
	Delete(ctx context.Context, id string) error
}

// InMemoryRuleGroupStore implements RuleGroupStore using an in-memory map
type InMemoryRuleGroupStore struct {
	groups map[string]*RuleGroupDefinition
	mu     sync.RWMutex
}

// NewInMemoryRuleGroupStore creates a new in-memory rule group store
func NewInMemoryRuleGroupStore() *InMemoryRuleGroupStore {
	return &InMemoryRuleGroupStore{
		groups: make(map[string]*RuleGroupDefinition),
	}
}

// Add stores def as version 1 and sets its timestamps
func (s *InMemoryRuleGroupStore) Add(_ context.Context, def *RuleGroupDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[def.ID]; exists {
		return fmt.Errorf("%w: %s", ErrRuleGroupExists, def.ID)
	}

	now := time.Now()
	def.Version = 1
	def.CreatedAt = now
	def.UpdatedAt = now

	stored := *def
	s.groups[def.ID] = &stored
	return nil
}

// Get retrieves a rule group by ID
func (s *InMemoryRuleGroupStore) Get(_ context.Context, id string) (*RuleGroupDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, exists := s.groups[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRuleGroupNotFound, id)
	}
	cp := *def
	return &cp, nil
}

// List returns all rule groups, oldest first
func (s *InMemoryRuleGroupStore) List(_ context.Context) ([]*RuleGroupDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*RuleGroupDefinition, 0, len(s.groups))
	for _, def := range s.groups {
		cp := *def
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Update supersedes the stored definition, bumping its version and keeping
// the original CreatedAt
func (s *InMemoryRuleGroupStore) Update(_ context.Context, def *RuleGroupDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.groups[def.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRuleGroupNotFound, def.ID)
	}

	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = time.Now()
	def.Version = existing.Version + 1

	stored := *def
	s.groups[def.ID] = &stored
	return nil
}

// Delete removes a rule group from the store
func (s *InMemoryRuleGroupStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[id]; !exists {
		return fmt.Errorf("%w: %s", ErrRuleGroupNotFound, id)
	}

	delete(s.groups, id)
	return nil
}
