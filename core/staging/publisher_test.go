package staging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

var target = GroupTarget{ClassID: 10, AssignmentID: 20}

func newPublisher(backend Backend, opts ...PublishOptions) (*Publisher, *InvalidatorMock, *ReporterMock) {
	views := new(InvalidatorMock)
	reporter := new(ReporterMock)
	var o PublishOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	pub := NewPublisher(PublisherDeps{Backend: backend, Views: views, Reporter: reporter}, o)
	return pub, views, reporter
}

func TestPublisher_PublishGroups_clearsStoreWhateverHappens(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name          string
		backend       *BackendMock
		wantSucceeded int
		wantFailed    int
	}{
		{name: "every call succeeds", backend: &BackendMock{}, wantSucceeded: 3},
		{
			name: "every call fails",
			backend: &BackendMock{
				CreateGroupFunc: func(CreateGroupRequest) error { return boom },
				MoveMemberFunc:  func(MoveMemberRequest) error { return boom },
			},
			wantFailed: 3,
		},
		{
			name:          "only moves fail",
			backend:       &BackendMock{MoveMemberFunc: func(MoveMemberRequest) error { return boom }},
			wantFailed:    3,
			wantSucceeded: 0,
		},
		{
			name:          "only group creation fails",
			backend:       &BackendMock{CreateGroupFunc: func(CreateGroupRequest) error { return boom }},
			wantSucceeded: 2,
			wantFailed:    1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewGroupStore(GroupRules{})
			require.NoError(t, store.Add(
				create("Alpha", "s1", "s2"),
				move("s3", nil, i64(5)),
				move("s4", i64(5), i64(6)),
			))
			pub, views, reporter := newPublisher(tt.backend)

			res, err := pub.PublishGroups(context.Background(), store, target, OrderInsertion)

			require.NoError(t, err)
			assert.Empty(t, store.List())
			assert.Len(t, res.Succeeded, tt.wantSucceeded)
			assert.Len(t, res.Failed, tt.wantFailed)
			assert.Equal(t, tt.wantFailed == 0, res.Err() == nil)
			assert.Equal(t, []string{"groups:10:20"}, views.Keys)
			require.Len(t, reporter.Reports, 1)
			assert.Equal(t, DomainGroups, reporter.Reports[0].Domain)
		})
	}
}

func TestPublisher_PublishGroups_firstMoveFails(t *testing.T) {
	boom := errors.New("move rejected")
	var mu sync.Mutex
	var attempted []string
	backend := &BackendMock{
		MoveMemberFunc: func(req MoveMemberRequest) error {
			mu.Lock()
			defer mu.Unlock()
			attempted = append(attempted, req.SubjectID)
			if req.SubjectID == "s1" {
				return boom
			}
			return nil
		},
	}
	store := NewGroupStore(GroupRules{})
	require.NoError(t, store.Add(NewGroupCreate("Alpha", []string{"s1", "s2"}, map[string]int64{"s2": 3})))
	pub, _, _ := newPublisher(backend)

	res, err := pub.PublishGroups(context.Background(), store, target, OrderInsertion)

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, attempted)
	assert.Empty(t, store.List())
	require.Len(t, res.Failed, 1)
	assert.Empty(t, res.Succeeded)

	out := res.Failed[0]
	require.Len(t, out.Calls, 3)
	assert.Equal(t, OpCreateGroup, out.Calls[0].Op)
	assert.NoError(t, out.Calls[0].Err)
	for _, c := range out.Calls[1:] {
		assert.Equal(t, OpMoveMember, c.Op)
		assert.Equal(t, c.Subject == "s1", c.Err != nil, c.Subject)
	}
	assert.Len(t, multierr.Errors(out.Err), 1)
	assert.True(t, errors.Is(out.Err, boom))

	// moves target the new group and carry the prior group
	require.Len(t, backend.Moves, 2)
	for _, mv := range backend.Moves {
		require.NotNil(t, mv.NewGroupID)
		assert.Equal(t, int64(1), *mv.NewGroupID)
		assert.Equal(t, int64(10), mv.ClassID)
		if mv.SubjectID == "s2" {
			require.NotNil(t, mv.OldGroupID)
			assert.Equal(t, int64(3), *mv.OldGroupID)
		} else {
			assert.Nil(t, mv.OldGroupID)
		}
	}
	assert.Equal(t, []Intent{out.Intent}, res.FailedIntents())
}

func TestPublisher_PublishGroups_createFailureSkipsMoves(t *testing.T) {
	backend := &BackendMock{
		CreateGroupFunc: func(CreateGroupRequest) error {
			return &RemoteError{Message: "duplicate key value", Code: "23505"}
		},
	}
	store := NewGroupStore(GroupRules{})
	require.NoError(t, store.Add(create("Alpha", "s1", "s2")))
	pub, _, _ := newPublisher(backend)

	res, err := pub.PublishGroups(context.Background(), store, target, OrderInsertion)

	require.NoError(t, err)
	assert.Equal(t, 0, backend.CallCount(OpMoveMember))
	require.Len(t, res.Failed, 1)
	var callErr *RemoteCallError
	require.True(t, errors.As(res.Failed[0].Err, &callErr))
	assert.Equal(t, OpCreateGroup, callErr.Op)
	rErr, ok := AsRemoteError(res.Failed[0].Err)
	require.True(t, ok)
	assert.Equal(t, "23505", rErr.Code)
}

func TestPublisher_PublishGroups_order(t *testing.T) {
	tests := []struct {
		name  string
		order Order
		want  []string
	}{
		{name: "insertion", order: OrderInsertion, want: []string{OpMoveMember, OpCreateGroup, OpMoveMember, OpMoveMember}},
		{name: "moves first", order: OrderMovesFirst, want: []string{OpMoveMember, OpMoveMember, OpCreateGroup, OpMoveMember}},
		{name: "creates first", order: OrderCreatesFirst, want: []string{OpCreateGroup, OpMoveMember, OpMoveMember, OpMoveMember}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewGroupStore(GroupRules{})
			require.NoError(t, store.Add(
				move("s1", nil, i64(2)),
				create("Alpha", "s2"),
				move("s3", i64(2), nil),
			))
			backend := new(BackendMock)
			pub, _, _ := newPublisher(backend)

			_, err := pub.PublishGroups(context.Background(), store, target, tt.order)

			require.NoError(t, err)
			assert.Equal(t, tt.want, backend.Calls)
		})
	}
}

func TestParseOrder(t *testing.T) {
	tests := []struct {
		in      string
		want    Order
		wantErr bool
	}{
		{in: "", want: OrderInsertion},
		{in: "moves_first", want: OrderMovesFirst},
		{in: " Creates_First ", want: OrderCreatesFirst},
		{in: "random", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOrder(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPublisher_invalidRequestIsNeverSent(t *testing.T) {
	store := NewGroupStore(GroupRules{})
	require.NoError(t, store.Add(create("Alpha", "s1"), move("s2", nil, i64(1))))
	backend := new(BackendMock)
	pub, _, _ := newPublisher(backend)

	// no class: every request fails validation
	res, err := pub.PublishGroups(context.Background(), store, GroupTarget{}, OrderInsertion)

	require.NoError(t, err)
	assert.Empty(t, backend.Calls)
	assert.Len(t, res.Failed, 2)
	assert.Contains(t, res.Failed[0].Err.Error(), "invalid request")
	assert.Empty(t, store.List())
}

func TestPublisher_retries(t *testing.T) {
	tests := []struct {
		name      string
		retries   int
		err       error
		wantCalls int
		wantOK    bool
	}{
		{name: "no retry by default", retries: 0, err: errors.New("connection reset"), wantCalls: 1},
		{name: "transport error is retried", retries: 2, err: errors.New("connection reset"), wantCalls: 2, wantOK: true},
		{name: "application error is not retried", retries: 2, err: &RemoteError{Message: "permission denied", Code: "42501"}, wantCalls: 1},
		{name: "unavailable backend is retried", retries: 2, err: &RemoteError{Message: "bad gateway", Status: 502}, wantCalls: 2, wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			backend := &BackendMock{
				MoveMemberFunc: func(MoveMemberRequest) error {
					calls++
					if calls == 1 {
						return tt.err
					}
					return nil
				},
			}
			store := NewGroupStore(GroupRules{})
			require.NoError(t, store.Add(move("s1", nil, i64(1))))
			pub, _, _ := newPublisher(backend, PublishOptions{
				Retry: RetryPolicy{MaxRetries: tt.retries, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
			})

			res, err := pub.PublishGroups(context.Background(), store, target, OrderInsertion)

			require.NoError(t, err)
			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantOK, res.OK())
		})
	}
}

func TestPublisher_cancelledContextFailsRemainingIntents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := &BackendMock{
		MoveMemberFunc: func(MoveMemberRequest) error {
			cancel()
			return nil
		},
	}
	store := NewGroupStore(GroupRules{})
	require.NoError(t, store.Add(move("s1", nil, i64(1)), move("s2", nil, i64(1)), create("Alpha", "s3")))
	pub, _, reporter := newPublisher(backend)

	res, err := pub.PublishGroups(ctx, store, target, OrderInsertion)

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, backend.CallCount(OpMoveMember))
	assert.Len(t, res.Succeeded, 1)
	require.Len(t, res.Failed, 2)
	for _, o := range res.Failed {
		assert.True(t, errors.Is(o.Err, context.Canceled))
	}
	assert.Empty(t, store.List())
	assert.Len(t, reporter.Reports, 1)
}

func TestPublisher_PublishEmails(t *testing.T) {
	cc := []Recipient{{Address: "ta@uni.edu", SubjectID: "ta1"}}
	first := NewEmailBatch("Grades", "See the portal.", cc, "prof@uni.edu")
	second := NewEmailBatch("Reminder", "Due friday.", nil, "")

	tests := []struct {
		name          string
		backend       *BackendMock
		wantCalls     []string
		wantSucceeded int
		wantFailed    int
	}{
		{
			name:          "every call succeeds",
			backend:       &BackendMock{},
			wantCalls:     []string{OpCreateEmailBatch, OpInsertEmail, OpInsertEmail, OpCreateEmailBatch, OpInsertEmail},
			wantSucceeded: 3,
		},
		{
			name: "failed batch fails its emails only",
			backend: &BackendMock{CreateEmailBatchFunc: func(req CreateEmailBatchRequest) error {
				if req.Subject == "Grades" {
					return errors.New("boom")
				}
				return nil
			}},
			wantCalls:     []string{OpCreateEmailBatch, OpCreateEmailBatch, OpInsertEmail},
			wantSucceeded: 1,
			wantFailed:    2,
		},
		{
			name: "failed email does not stop the others",
			backend: &BackendMock{InsertEmailFunc: func(req InsertEmailRequest) error {
				if req.UserID == "s1" {
					return errors.New("boom")
				}
				return nil
			}},
			wantCalls:     []string{OpCreateEmailBatch, OpInsertEmail, OpInsertEmail, OpCreateEmailBatch, OpInsertEmail},
			wantSucceeded: 2,
			wantFailed:    1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewEmailStore()
			require.NoError(t, store.Add(first.Address(Recipient{Address: "a@uni.edu", SubjectID: "s1"})...))
			require.NoError(t, store.Add(second.Address(Recipient{Address: "c@uni.edu", SubjectID: "s3"})...))
			require.NoError(t, store.Add(first.Address(Recipient{Address: "b@uni.edu", SubjectID: "s2"})...))
			pub, views, _ := newPublisher(tt.backend)

			res, err := pub.PublishEmails(context.Background(), store, 10)

			require.NoError(t, err)
			assert.Equal(t, tt.wantCalls, tt.backend.Calls)
			assert.Len(t, res.Succeeded, tt.wantSucceeded)
			assert.Len(t, res.Failed, tt.wantFailed)
			assert.Empty(t, store.List())
			assert.Equal(t, []string{"emails:10"}, views.Keys)
		})
	}

	t.Run("batch fields come from the intents", func(t *testing.T) {
		store := NewEmailStore()
		require.NoError(t, store.Add(first.Address(Recipient{Address: "a@uni.edu", SubjectID: "s1"})...))
		backend := new(BackendMock)
		pub, _, _ := newPublisher(backend)

		_, err := pub.PublishEmails(context.Background(), store, 10)

		require.NoError(t, err)
		require.Len(t, backend.Batches, 1)
		assert.Equal(t, CreateEmailBatchRequest{
			Subject:  "Grades",
			Body:     "See the portal.",
			CCEmails: []string{"ta@uni.edu"},
			ReplyTo:  "prof@uni.edu",
			ClassID:  10,
		}, backend.Batches[0])
		require.Len(t, backend.Emails, 1)
		assert.Equal(t, int64(1), backend.Emails[0].BatchID)
		assert.Equal(t, "s1", backend.Emails[0].UserID)
	})

	t.Run("failed batch names each email", func(t *testing.T) {
		boom := errors.New("boom")
		store := NewEmailStore()
		sends := first.Address(Recipient{Address: "a@uni.edu", SubjectID: "s1"}, Recipient{Address: "b@uni.edu", SubjectID: "s2"})
		require.NoError(t, store.Add(sends...))
		backend := &BackendMock{CreateEmailBatchFunc: func(CreateEmailBatchRequest) error { return boom }}
		pub, _, _ := newPublisher(backend)

		res, err := pub.PublishEmails(context.Background(), store, 10)

		require.NoError(t, err)
		require.Len(t, res.Failed, 2)
		for i, o := range res.Failed {
			var rcErr *RemoteCallError
			require.True(t, errors.As(o.Err, &rcErr), "got %v", o.Err)
			assert.Equal(t, sends[i].ID(), rcErr.IntentID)
			assert.Equal(t, OpCreateEmailBatch, rcErr.Op)
			assert.True(t, errors.Is(o.Err, boom))
		}
	})
}

func TestRestage(t *testing.T) {
	backend := &BackendMock{MoveMemberFunc: func(req MoveMemberRequest) error {
		if req.SubjectID == "s2" {
			return errors.New("boom")
		}
		return nil
	}}
	store := NewGroupStore(GroupRules{})
	failing := move("s2", nil, i64(1))
	require.NoError(t, store.Add(move("s1", nil, i64(1)), failing))
	pub, _, _ := newPublisher(backend)

	res, err := pub.PublishGroups(context.Background(), store, target, OrderInsertion)
	require.NoError(t, err)
	require.NoError(t, Restage(store, res))

	assert.Equal(t, []GroupIntent{failing}, store.List())
}
