package rules

import (
	"fmt"
	"sync"
	"time"
)

type Store interface {
	Add(rule *Rule) error
	Get(id string) (*Rule, error)
	List() ([]*Rule, error)
	ListActive() ([]*Rule, error)
	Update(rule *Rule) (*Rule, error)
	Delete(id string) error
	History(id string) ([]*Rule, error)
}

// MemoryStore keeps rules in registration order. Stored rules are never
// modified; Update stores a new version and keeps the old one in history.
type MemoryStore struct {
	mu      sync.RWMutex
	order   []string
	rules   map[string]*Rule
	history map[string][]*Rule
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:   make(map[string]*Rule),
		history: make(map[string][]*Rule),
		now:     time.Now,
	}
}

func (s *MemoryStore) Add(rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("%w: %s", ErrRuleExists, rule.ID)
	}

	stored := rule.Clone()
	now := s.now()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Combinator == "" {
		stored.Combinator = And
	}

	s.rules[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	return nil
}

func (s *MemoryStore) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return rule.Clone(), nil
}

func (s *MemoryStore) List() ([]*Rule, error) {
	return s.list(false), nil
}

func (s *MemoryStore) ListActive() ([]*Rule, error) {
	return s.list(true), nil
}

func (s *MemoryStore) list(activeOnly bool) []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.order))
	for _, id := range s.order {
		r := s.rules[id]
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, r.Clone())
	}
	return out
}

// Update replaces a rule with a new version. The registration position,
// and therefore the evaluation tie-break order, is unchanged.
func (s *MemoryStore) Update(rule *Rule) (*Rule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}

	next := rule.Clone()
	next.CreatedAt = existing.CreatedAt
	next.Version = existing.Version + 1
	next.UpdatedAt = s.now()
	if !next.UpdatedAt.After(existing.UpdatedAt) {
		next.UpdatedAt = existing.UpdatedAt.Add(time.Nanosecond)
	}
	if next.Combinator == "" {
		next.Combinator = And
	}

	s.history[rule.ID] = append(s.history[rule.ID], existing)
	s.rules[rule.ID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	delete(s.rules, id)
	delete(s.history, id)
	for i, rid := range s.order {
		if rid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// History returns prior versions, oldest first, followed by the current one.
func (s *MemoryStore) History(id string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	out := make([]*Rule, 0, len(s.history[id])+1)
	for _, r := range s.history[id] {
		out = append(out, r.Clone())
	}
	return append(out, current.Clone()), nil
}
