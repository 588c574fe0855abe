package inmemdb

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pawtograder/staging/core/staging"
)

type (
	groupRow struct {
		ID           int64
		ClassID      int64
		AssignmentID int64
		Name         string
		Members      map[string]struct{}
	}

	BatchRow struct {
		ID      int64
		staging.CreateEmailBatchRequest
	}

	// DB plays the hosted backend in memory: group names are unique per assignment and a
	// subject belongs to at most one group of an assignment.
	DB struct {
		mutex   sync.RWMutex
		pkCount int64
		groups  map[int64]*groupRow
		batches map[int64]BatchRow
		emails  []staging.InsertEmailRequest

		// Fail, when set, is consulted before every call; a non-nil error fails the call.
		Fail func(op string, req interface{}) error
	}
)

var (
	_ staging.Backend      = (*DB)(nil)
	_ staging.RosterReader = (*DB)(nil)
)

func Open() *DB {
	return &DB{
		groups:  make(map[int64]*groupRow),
		batches: make(map[int64]BatchRow),
	}
}

func (db *DB) fail(op string, req interface{}) error {
	if db.Fail == nil {
		return nil
	}
	return db.Fail(op, req)
}

// SeedGroup stores a published group and returns its id.
func (db *DB) SeedGroup(classID, assignmentID int64, name string, members ...string) int64 {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.pkCount++
	g := &groupRow{ID: db.pkCount, ClassID: classID, AssignmentID: assignmentID, Name: name, Members: make(map[string]struct{})}
	for _, m := range members {
		db.leaveAssignment(assignmentID, m)
		g.Members[m] = struct{}{}
	}
	db.groups[g.ID] = g
	return g.ID
}

func (db *DB) CreateGroup(_ context.Context, req staging.CreateGroupRequest) (staging.CreateGroupResponse, error) {
	if err := db.fail(staging.OpCreateGroup, req); err != nil {
		return staging.CreateGroupResponse{}, err
	}
	db.mutex.Lock()
	defer db.mutex.Unlock()

	for _, g := range db.groups {
		if g.AssignmentID == req.AssignmentID && strings.EqualFold(g.Name, req.Name) {
			return staging.CreateGroupResponse{}, &staging.RemoteError{
				Op:      staging.OpCreateGroup,
				Message: `duplicate key value violates unique constraint "assignment_groups_name_key"`,
				Code:    "23505",
				Details: "Key (assignment_id, name)=(" + req.Name + ") already exists.",
			}
		}
	}
	db.pkCount++
	db.groups[db.pkCount] = &groupRow{
		ID:           db.pkCount,
		ClassID:      req.CourseID,
		AssignmentID: req.AssignmentID,
		Name:         req.Name,
		Members:      make(map[string]struct{}),
	}
	return staging.CreateGroupResponse{ID: db.pkCount}, nil
}

func (db *DB) MoveMember(_ context.Context, req staging.MoveMemberRequest) error {
	if err := db.fail(staging.OpMoveMember, req); err != nil {
		return err
	}
	db.mutex.Lock()
	defer db.mutex.Unlock()

	var from, to *groupRow
	if req.OldGroupID != nil {
		if from = db.groups[*req.OldGroupID]; from == nil {
			return groupNotFound(*req.OldGroupID)
		}
	}
	if req.NewGroupID != nil {
		if to = db.groups[*req.NewGroupID]; to == nil {
			return groupNotFound(*req.NewGroupID)
		}
	}
	if from != nil {
		delete(from.Members, req.SubjectID)
	}
	if to != nil {
		db.leaveAssignment(to.AssignmentID, req.SubjectID)
		to.Members[req.SubjectID] = struct{}{}
	}
	return nil
}

func (db *DB) CreateEmailBatch(_ context.Context, req staging.CreateEmailBatchRequest) (staging.CreateEmailBatchResponse, error) {
	if err := db.fail(staging.OpCreateEmailBatch, req); err != nil {
		return staging.CreateEmailBatchResponse{}, err
	}
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.pkCount++
	db.batches[db.pkCount] = BatchRow{ID: db.pkCount, CreateEmailBatchRequest: req}
	return staging.CreateEmailBatchResponse{ID: db.pkCount}, nil
}

func (db *DB) InsertEmail(_ context.Context, req staging.InsertEmailRequest) error {
	if err := db.fail(staging.OpInsertEmail, req); err != nil {
		return err
	}
	db.mutex.Lock()
	defer db.mutex.Unlock()
	if _, ok := db.batches[req.BatchID]; !ok {
		return &staging.RemoteError{
			Op:      staging.OpInsertEmail,
			Message: `insert or update on table "emails" violates foreign key constraint "emails_batch_id_fkey"`,
			Code:    "23503",
		}
	}
	db.emails = append(db.emails, req)
	return nil
}

func (db *DB) ListGroups(_ context.Context, classID, assignmentID int64) ([]staging.Group, error) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	groups := make([]staging.Group, 0)
	for _, g := range db.groups {
		if g.ClassID != classID || g.AssignmentID != assignmentID {
			continue
		}
		members := make([]string, 0, len(g.Members))
		for m := range g.Members {
			members = append(members, m)
		}
		sort.Strings(members)
		groups = append(groups, staging.Group{ID: g.ID, Name: g.Name, MemberIDs: members})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

// Batches returns the created email batches of a class, oldest first.
func (db *DB) Batches(classID int64) []BatchRow {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	batches := make([]BatchRow, 0)
	for _, b := range db.batches {
		if b.ClassID == classID {
			batches = append(batches, b)
		}
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].ID < batches[j].ID })
	return batches
}

// Emails returns the inserted email rows of a class in insertion order.
func (db *DB) Emails(classID int64) []staging.InsertEmailRequest {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	emails := make([]staging.InsertEmailRequest, 0)
	for _, e := range db.emails {
		if e.ClassID == classID {
			emails = append(emails, e)
		}
	}
	return emails
}

// leaveAssignment removes the subject from every group of the assignment. Callers hold the lock.
func (db *DB) leaveAssignment(assignmentID int64, subjectID string) {
	for _, g := range db.groups {
		if g.AssignmentID == assignmentID {
			delete(g.Members, subjectID)
		}
	}
}

func groupNotFound(id int64) error {
	return &staging.RemoteError{
		Op:      staging.OpMoveMember,
		Message: "assignment group not found",
		Code:    "P0002",
		Details: "no assignment group with id " + strconv.FormatInt(id, 10),
	}
}
