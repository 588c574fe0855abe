package echoapi

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pawtograder/staging/core"
	"github.com/pawtograder/staging/core/staging"
)

const (
	groupSessionKind = "group session"
	emailSessionKind = "email session"
)

type (
	// session is one staff member's staging area. mu serialises the operations made through it.
	session[T staging.Intent] struct {
		ID           string
		OwnerID      string
		ClassID      int64
		AssignmentID int64
		Rules        *staging.GroupRules
		CreatedAt    time.Time

		mu    sync.Mutex
		store *staging.Store[T]
	}

	sessionView struct {
		ID           string              `json:"id"`
		ClassID      int64               `json:"class_id"`
		AssignmentID int64               `json:"assignment_id,omitempty"`
		Rules        *staging.GroupRules `json:"rules,omitempty"`
		CreatedAt    time.Time           `json:"created_at"`
		State        string              `json:"state"`
		Subjects     []string            `json:"subjects"`
		Intents      interface{}         `json:"intents"`
	}

	// sessionRegistry keeps live sessions; a session unused for the TTL is dropped.
	sessionRegistry struct {
		groups *expirable.LRU[string, *session[staging.GroupIntent]]
		emails *expirable.LRU[string, *session[staging.EmailSend]]
	}
)

func newSessionRegistry(size int, ttl time.Duration) *sessionRegistry {
	return &sessionRegistry{
		groups: expirable.NewLRU[string, *session[staging.GroupIntent]](size, nil, ttl),
		emails: expirable.NewLRU[string, *session[staging.EmailSend]](size, nil, ttl),
	}
}

func newSession[T staging.Intent](ownerID string, classID, assignmentID int64, store *staging.Store[T]) *session[T] {
	return &session[T]{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		ClassID:      classID,
		AssignmentID: assignmentID,
		CreatedAt:    time.Now().UTC(),
		store:        store,
	}
}

func (s *session[T]) view() sessionView {
	return sessionView{
		ID:           s.ID,
		ClassID:      s.ClassID,
		AssignmentID: s.AssignmentID,
		Rules:        s.Rules,
		CreatedAt:    s.CreatedAt,
		State:        s.store.State().String(),
		Subjects:     s.store.Subjects(),
		Intents:      s.store.List(),
	}
}

// lookup returns the session `id` owned by `ownerID` and restarts its TTL.
// Sessions of other staff members are reported as not found.
func lookup[T staging.Intent](sessions *expirable.LRU[string, *session[T]], kind, id, ownerID string) (*session[T], error) {
	s, ok := sessions.Get(id)
	if !ok || s.OwnerID != ownerID {
		return nil, core.NewNotFoundError(kind, id)
	}
	sessions.Add(id, s)
	return s, nil
}

func dispose[T staging.Intent](sessions *expirable.LRU[string, *session[T]], kind, id, ownerID string) error {
	s, err := lookup(sessions, kind, id, ownerID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Clear()
	sessions.Remove(id)
	return nil
}

func (r *sessionRegistry) Len() int {
	return r.groups.Len() + r.emails.Len()
}

func (r *sessionRegistry) Purge() {
	r.groups.Purge()
	r.emails.Purge()
}
