package staging

import (
	"context"
	"sync"
)

// BackendMock records every call and lets tests decide each call's outcome.
// A nil hook succeeds; created groups and batches get increasing ids starting at 1.
type BackendMock struct {
	CreateGroupFunc      func(req CreateGroupRequest) error
	MoveMemberFunc       func(req MoveMemberRequest) error
	CreateEmailBatchFunc func(req CreateEmailBatchRequest) error
	InsertEmailFunc      func(req InsertEmailRequest) error

	mu      sync.Mutex
	nextID  int64
	Calls   []string
	Groups  []CreateGroupRequest
	Moves   []MoveMemberRequest
	Batches []CreateEmailBatchRequest
	Emails  []InsertEmailRequest
}

var _ Backend = (*BackendMock)(nil)

func (m *BackendMock) record(op string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, op)
	m.nextID++
	return m.nextID
}

func (m *BackendMock) CreateGroup(_ context.Context, req CreateGroupRequest) (CreateGroupResponse, error) {
	id := m.record(OpCreateGroup)
	if m.CreateGroupFunc != nil {
		if err := m.CreateGroupFunc(req); err != nil {
			return CreateGroupResponse{}, err
		}
	}
	m.mu.Lock()
	m.Groups = append(m.Groups, req)
	m.mu.Unlock()
	return CreateGroupResponse{ID: id}, nil
}

func (m *BackendMock) MoveMember(_ context.Context, req MoveMemberRequest) error {
	m.record(OpMoveMember)
	m.mu.Lock()
	m.Moves = append(m.Moves, req)
	m.mu.Unlock()
	if m.MoveMemberFunc != nil {
		return m.MoveMemberFunc(req)
	}
	return nil
}

func (m *BackendMock) CreateEmailBatch(_ context.Context, req CreateEmailBatchRequest) (CreateEmailBatchResponse, error) {
	id := m.record(OpCreateEmailBatch)
	if m.CreateEmailBatchFunc != nil {
		if err := m.CreateEmailBatchFunc(req); err != nil {
			return CreateEmailBatchResponse{}, err
		}
	}
	m.mu.Lock()
	m.Batches = append(m.Batches, req)
	m.mu.Unlock()
	return CreateEmailBatchResponse{ID: id}, nil
}

func (m *BackendMock) InsertEmail(_ context.Context, req InsertEmailRequest) error {
	m.record(OpInsertEmail)
	m.mu.Lock()
	m.Emails = append(m.Emails, req)
	m.mu.Unlock()
	if m.InsertEmailFunc != nil {
		return m.InsertEmailFunc(req)
	}
	return nil
}

// CallCount returns how many calls of `op` were made.
func (m *BackendMock) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, c := range m.Calls {
		if c == op {
			n++
		}
	}
	return n
}

// InvalidatorMock records invalidated view keys.
type InvalidatorMock struct {
	mu   sync.Mutex
	Keys []string
}

func (m *InvalidatorMock) Invalidate(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Keys = append(m.Keys, keys...)
}

// ReporterMock keeps the last report.
type ReporterMock struct {
	Reports []Report
}

func (m *ReporterMock) Report(_ context.Context, r Report) {
	m.Reports = append(m.Reports, r)
}
