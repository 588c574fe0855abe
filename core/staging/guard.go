package staging

import (
	"fmt"
	"sort"
	"strings"
)

// Verdict is the outcome of CanAdd.
type Verdict struct {
	OK       bool
	Reason   string
	Subjects []string // conflicting subjects, sorted
}

// Err returns the verdict as a *ConflictError, or nil when it is OK.
func (v Verdict) Err() error {
	if v.OK {
		return nil
	}
	return &ConflictError{Subjects: v.Subjects, Reason: v.Reason}
}

// CanAdd rejects `added` as a whole when any of its subjects is already touched by `existing`.
func CanAdd[T Intent](existing, added []T) Verdict {
	if len(added) == 0 {
		return Verdict{OK: true}
	}
	return canAddTo(subjectSet(existing), added)
}

func canAddTo[T Intent](staged map[string]struct{}, added []T) Verdict {
	var conflicts []string
	seen := make(map[string]struct{})
	for _, in := range added {
		for _, s := range in.Subjects() {
			if _, ok := staged[s]; !ok {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			conflicts = append(conflicts, s)
		}
	}
	if len(conflicts) == 0 {
		return Verdict{OK: true}
	}
	sort.Strings(conflicts)
	return Verdict{
		Reason:   fmt.Sprintf("unsafe to stage: %s already %s a pending change", strings.Join(conflicts, ", "), haveOrHas(len(conflicts))),
		Subjects: conflicts,
	}
}

func subjectSet[T Intent](intents []T) map[string]struct{} {
	set := make(map[string]struct{})
	for _, in := range intents {
		for _, s := range in.Subjects() {
			set[s] = struct{}{}
		}
	}
	return set
}

func haveOrHas(n int) string {
	if n == 1 {
		return "has"
	}
	return "have"
}
