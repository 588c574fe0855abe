package staging

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pawtograder/staging/core"
)

// Phase is the state of a Store: Empty or Staged.
type Phase int

const (
	PhaseEmpty Phase = iota
	PhaseStaged
)

type (
	// State is a Store's phase together with the number of staged intents.
	State struct {
		Phase Phase
		N     int
	}

	// Check is a domain rule run by Store.Add after the conflict guard.
	// `staged` is the current content of the store, `added` the candidate batch.
	Check[T Intent] func(staged, added []T) error

	// Store holds the staged intents of one staging session.
	// Every subject appears in at most one staged intent.
	Store[T Intent] struct {
		mu       sync.RWMutex
		intents  []T
		subjects map[string]struct{}
		checks   []Check[T]
	}

	// GroupRules bounds created groups; a zero bound is not enforced.
	GroupRules struct {
		MinSize int `json:"min_group_size" validate:"gte=0"`
		MaxSize int `json:"max_group_size" validate:"omitempty,gtefield=MinSize"`
	}
)

func (s State) String() string {
	if s.Phase == PhaseEmpty {
		return "empty"
	}
	return fmt.Sprintf("staged(%d)", s.N)
}

func NewStore[T Intent](checks ...Check[T]) *Store[T] {
	return &Store[T]{
		subjects: make(map[string]struct{}),
		checks:   checks,
	}
}

// NewGroupStore returns a store for group creates and member moves.
func NewGroupStore(rules GroupRules) *Store[GroupIntent] {
	return NewStore[GroupIntent](groupSizeCheck(rules), uniqueGroupNamesCheck)
}

// NewEmailStore returns a store for email sends.
func NewEmailStore() *Store[EmailSend] {
	return NewStore[EmailSend]()
}

// Add stages `intents` as a whole or not at all.
func (s *Store[T]) Add(intents ...T) error {
	for _, in := range intents {
		if err := in.validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := canAddTo(s.subjects, intents).Err(); err != nil {
		return err
	}
	if err := duplicateSubjects(intents); err != nil {
		return err
	}
	for _, check := range s.checks {
		if err := check(s.intents, intents); err != nil {
			return err
		}
	}

	for _, in := range intents {
		s.intents = append(s.intents, in)
		for _, sub := range in.Subjects() {
			s.subjects[sub] = struct{}{}
		}
	}
	return nil
}

// Clear drops every staged intent.
func (s *Store[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents = nil
	s.subjects = make(map[string]struct{})
}

// List returns a copy of the staged intents in insertion order.
func (s *Store[T]) List() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(make([]T, 0, len(s.intents)), s.intents...)
}

func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.intents)
}

// Subjects returns the touched subjects, sorted.
func (s *Store[T]) Subjects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := make([]string, 0, len(s.subjects))
	for sub := range s.subjects {
		subs = append(subs, sub)
	}
	sort.Strings(subs)
	return subs
}

func (s *Store[T]) State() State {
	if n := s.Len(); n > 0 {
		return State{Phase: PhaseStaged, N: n}
	}
	return State{Phase: PhaseEmpty}
}

// duplicateSubjects rejects a batch that touches a subject more than once.
func duplicateSubjects[T Intent](intents []T) error {
	var dups []string
	seen := make(map[string]int)
	for _, in := range intents {
		for _, s := range in.Subjects() {
			seen[s]++
			if seen[s] == 2 {
				dups = append(dups, s)
			}
		}
	}
	if len(dups) == 0 {
		return nil
	}
	sort.Strings(dups)
	return &ConflictError{
		Subjects: dups,
		Reason:   fmt.Sprintf("unsafe to stage: %s appear in more than one new change", strings.Join(dups, ", ")),
	}
}

func groupSizeCheck(rules GroupRules) Check[GroupIntent] {
	return func(_, added []GroupIntent) error {
		var flds []core.FieldError
		for _, in := range added {
			gc, ok := in.(GroupCreate)
			if !ok {
				continue
			}
			n := len(gc.MemberIDs)
			if rules.MinSize > 0 && n < rules.MinSize {
				flds = append(flds, core.FieldError{
					Field: "member_ids",
					Error: fmt.Sprintf("group %q must have at least %d members, got %d", gc.Name, rules.MinSize, n),
				})
			}
			if rules.MaxSize > 0 && n > rules.MaxSize {
				flds = append(flds, core.FieldError{
					Field: "member_ids",
					Error: fmt.Sprintf("group %q must have at most %d members, got %d", gc.Name, rules.MaxSize, n),
				})
			}
		}
		if len(flds) > 0 {
			return core.NewValidationError(errors.New("group size out of bounds"), flds...)
		}
		return nil
	}
}

func uniqueGroupNamesCheck(staged, added []GroupIntent) error {
	names := make(map[string]struct{})
	for _, in := range staged {
		if gc, ok := in.(GroupCreate); ok {
			names[core.CleanString(gc.Name, true /* lower */)] = struct{}{}
		}
	}
	for _, in := range added {
		gc, ok := in.(GroupCreate)
		if !ok {
			continue
		}
		key := core.CleanString(gc.Name, true /* lower */)
		if _, exists := names[key]; exists {
			return core.NewValidationError(
				fmt.Errorf("a group named %q is already staged", gc.Name),
				core.FieldError{Field: "name", Error: fmt.Sprintf("a group named %q is already staged", gc.Name)},
			)
		}
		names[key] = struct{}{}
	}
	return nil
}
