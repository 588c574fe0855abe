package staging

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pawtograder/staging/core"
)

// Order decides which group intents a publish applies first.
type Order int

const (
	OrderInsertion Order = iota
	OrderMovesFirst
	OrderCreatesFirst
)

var orderNames = map[string]Order{
	"insertion":     OrderInsertion,
	"moves_first":   OrderMovesFirst,
	"creates_first": OrderCreatesFirst,
}

// ParseOrder parses "insertion", "moves_first" or "creates_first"; blank means insertion.
func ParseOrder(s string) (Order, error) {
	if s == "" {
		return OrderInsertion, nil
	}
	o, ok := orderNames[core.CleanString(s, true /* lower */)]
	if !ok {
		return 0, errors.Errorf("unknown publish order %q", s)
	}
	return o, nil
}

type (
	// Invalidator drops cached read views.
	Invalidator interface {
		Invalidate(keys ...string)
	}

	RetryPolicy struct {
		MaxRetries int // 0: every call is attempted once
		BaseDelay  time.Duration
		MaxDelay   time.Duration
	}

	PublishOptions struct {
		Concurrency   int     // member moves in flight per group
		RatePerSecond float64 // 0: unlimited
		Burst         int
		Retry         RetryPolicy
	}

	PublisherDeps struct {
		Backend  Backend
		Views    Invalidator
		Reporter Reporter
		Logger   core.Logger
		Metrics  *Metrics
	}

	GroupTarget struct {
		ClassID      int64
		AssignmentID int64
	}

	// Publisher applies staged intents to the Backend.
	Publisher struct {
		backend    Backend
		views      Invalidator
		reporter   Reporter
		log        core.Logger
		metrics    *Metrics
		validate   *validator.Validate
		translator ut.Translator
		limiter    *rate.Limiter
		opts       PublishOptions
	}
)

func NewPublisher(deps PublisherDeps, opts PublishOptions) *Publisher {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	if deps.Logger == nil {
		deps.Logger = core.NopLogger{}
	}
	if deps.Reporter == nil {
		deps.Reporter = Reporters(nil)
	}
	validate, translator := core.NewValidator()
	return &Publisher{
		backend:    deps.Backend,
		views:      deps.Views,
		reporter:   deps.Reporter,
		log:        deps.Logger,
		metrics:    deps.Metrics,
		validate:   validate,
		translator: translator,
		limiter:    rate.NewLimiter(limit, opts.Burst),
		opts:       opts,
	}
}

// GroupsViewKey names the cached roster of an assignment.
func GroupsViewKey(classID, assignmentID int64) string {
	return "groups:" + strconv.FormatInt(classID, 10) + ":" + strconv.FormatInt(assignmentID, 10)
}

// EmailsViewKey names the cached email list of a class.
func EmailsViewKey(classID int64) string {
	return "emails:" + strconv.FormatInt(classID, 10)
}

// PublishGroups applies every intent staged in `store`, then clears it whatever the outcome.
// A non-nil error means ctx ended before every intent was attempted; the Result is still complete.
func (p *Publisher) PublishGroups(ctx context.Context, store *Store[GroupIntent], target GroupTarget, order Order) (*Result, error) {
	start := time.Now()
	intents := orderGroupIntents(store.List(), order)

	res := new(Result)
	for i, in := range intents {
		if err := ctx.Err(); err != nil {
			failRemaining(res, intents[i:], err)
			break
		}
		switch in := in.(type) {
		case GroupCreate:
			res.add(p.publishGroupCreate(ctx, in, target))
		case MemberMove:
			res.add(p.publishMemberMove(ctx, in, target))
		}
	}

	p.finish(ctx, DomainGroups, store.Clear, res, start, GroupsViewKey(target.ClassID, target.AssignmentID))
	return res, ctx.Err()
}

// PublishEmails creates one remote batch per staged batch and one email row per intent,
// then clears `store` whatever the outcome.
func (p *Publisher) PublishEmails(ctx context.Context, store *Store[EmailSend], classID int64) (*Result, error) {
	start := time.Now()
	intents := store.List()

	// batches in order of first appearance
	var batchIDs []string
	batches := make(map[string][]EmailSend)
	for _, in := range intents {
		if _, ok := batches[in.BatchID]; !ok {
			batchIDs = append(batchIDs, in.BatchID)
		}
		batches[in.BatchID] = append(batches[in.BatchID], in)
	}

	res := new(Result)
	for i, id := range batchIDs {
		if err := ctx.Err(); err != nil {
			for _, rest := range batchIDs[i:] {
				failRemaining(res, batches[rest], err)
			}
			break
		}
		p.publishEmailBatch(ctx, res, batches[id], classID)
	}

	p.finish(ctx, DomainEmails, store.Clear, res, start, EmailsViewKey(classID))
	return res, ctx.Err()
}

func (p *Publisher) publishGroupCreate(ctx context.Context, gc GroupCreate, target GroupTarget) Outcome {
	out := Outcome{Intent: gc}

	req := CreateGroupRequest{Name: gc.Name, CourseID: target.ClassID, AssignmentID: target.AssignmentID}
	var resp CreateGroupResponse
	err := p.call(ctx, OpCreateGroup, gc.ID(), req, func(ctx context.Context) error {
		var err error
		resp, err = p.backend.CreateGroup(ctx, req)
		return err
	})
	out.Calls = append(out.Calls, CallResult{Op: OpCreateGroup, Err: err})
	if err != nil {
		out.Err = err
		return out
	}

	groupID := resp.ID
	moves := make([]CallResult, len(gc.MemberIDs))
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, sub := range gc.MemberIDs {
		g.Go(func() error {
			req := MoveMemberRequest{
				NewGroupID: &groupID,
				OldGroupID: gc.PriorGroup(sub),
				SubjectID:  sub,
				ClassID:    target.ClassID,
			}
			err := p.call(ctx, OpMoveMember, gc.ID(), req, func(ctx context.Context) error {
				return p.backend.MoveMember(ctx, req)
			})
			moves[i] = CallResult{Op: OpMoveMember, Subject: sub, Err: err}
			return nil
		})
	}
	_ = g.Wait() // every move reports through `moves`

	for _, c := range moves {
		out.Err = multierr.Append(out.Err, c.Err)
	}
	out.Calls = append(out.Calls, moves...)
	return out
}

func (p *Publisher) publishMemberMove(ctx context.Context, mm MemberMove, target GroupTarget) Outcome {
	req := MoveMemberRequest{
		NewGroupID: mm.ToGroupID,
		OldGroupID: mm.FromGroupID,
		SubjectID:  mm.SubjectID,
		ClassID:    target.ClassID,
	}
	err := p.call(ctx, OpMoveMember, mm.ID(), req, func(ctx context.Context) error {
		return p.backend.MoveMember(ctx, req)
	})
	return Outcome{
		Intent: mm,
		Err:    err,
		Calls:  []CallResult{{Op: OpMoveMember, Subject: mm.SubjectID, Err: err}},
	}
}

func (p *Publisher) publishEmailBatch(ctx context.Context, res *Result, sends []EmailSend, classID int64) {
	first := sends[0]
	req := CreateEmailBatchRequest{
		Subject:  first.Subject,
		Body:     first.Body,
		CCEmails: first.CCAddresses(),
		ReplyTo:  first.ReplyTo,
		ClassID:  classID,
	}
	var batch CreateEmailBatchResponse
	err := p.call(ctx, OpCreateEmailBatch, first.ID(), req, func(ctx context.Context) error {
		var err error
		batch, err = p.backend.CreateEmailBatch(ctx, req)
		return err
	})
	if err != nil {
		cause := err
		if rcErr, ok := err.(*RemoteCallError); ok {
			cause = rcErr.Err
		}
		for _, es := range sends {
			esErr := &RemoteCallError{Op: OpCreateEmailBatch, IntentID: es.ID(), Err: cause}
			res.add(Outcome{Intent: es, Err: esErr, Calls: []CallResult{{Op: OpCreateEmailBatch, Err: esErr}}})
		}
		return
	}

	for i, es := range sends {
		if ctxErr := ctx.Err(); ctxErr != nil {
			failRemaining(res, sends[i:], ctxErr)
			return
		}
		req := InsertEmailRequest{
			BatchID:  batch.ID,
			UserID:   es.Recipient.SubjectID,
			Subject:  es.Subject,
			Body:     es.Body,
			CCEmails: es.CCAddresses(),
			ReplyTo:  es.ReplyTo,
			ClassID:  classID,
		}
		err := p.call(ctx, OpInsertEmail, es.ID(), req, func(ctx context.Context) error {
			return p.backend.InsertEmail(ctx, req)
		})
		calls := []CallResult{{Op: OpInsertEmail, Subject: es.Recipient.SubjectID, Err: err}}
		if i == 0 {
			calls = append([]CallResult{{Op: OpCreateEmailBatch}}, calls...)
		}
		res.add(Outcome{Intent: es, Err: err, Calls: calls})
	}
}

// call validates `req`, then runs `fn` under the rate limiter and the retry policy.
// Failures come back as *RemoteCallError.
func (p *Publisher) call(ctx context.Context, op, intentID string, req interface{}, fn func(context.Context) error) error {
	if err := core.CheckStruct(p.validate, p.translator, req); err != nil {
		return &RemoteCallError{Op: op, IntentID: intentID, Err: errors.Wrap(err, "invalid request")}
	}

	attempt := func() (struct{}, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		err := fn(ctx)
		p.metrics.call(op, err)
		if err != nil && !retryable(ctx, err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	if p.opts.Retry.BaseDelay > 0 {
		b.InitialInterval = p.opts.Retry.BaseDelay
	}
	if p.opts.Retry.MaxDelay > 0 {
		b.MaxInterval = p.opts.Retry.MaxDelay
	}
	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.opts.Retry.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.log.Warn(fmt.Sprintf("%s failed, retrying in %s", op, next), err)
		}),
	)
	if err != nil {
		return &RemoteCallError{Op: op, IntentID: intentID, Err: err}
	}
	return nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if rErr, ok := AsRemoteError(err); ok {
		return rErr.Retryable()
	}
	return true
}

func (p *Publisher) finish(ctx context.Context, domain string, clearStore func(), res *Result, start time.Time, viewKeys ...string) {
	clearStore()
	if p.views != nil {
		p.views.Invalidate(viewKeys...)
	}
	actor, _ := ActorFrom(ctx)
	p.reporter.Report(context.WithoutCancel(ctx), Report{Domain: domain, PublishedBy: actor, Result: res})
	p.metrics.published(domain, res, time.Since(start))
}

func failRemaining[T Intent](res *Result, intents []T, err error) {
	for _, in := range intents {
		res.add(Outcome{Intent: in, Err: &RemoteCallError{Op: firstOp(in), IntentID: in.ID(), Err: err}})
	}
}

func firstOp(in Intent) string {
	switch in.Kind() {
	case KindGroupCreate:
		return OpCreateGroup
	case KindEmailSend:
		return OpInsertEmail
	}
	return OpMoveMember
}

// orderGroupIntents returns a stable reordering of `intents`.
func orderGroupIntents(intents []GroupIntent, order Order) []GroupIntent {
	if order == OrderInsertion {
		return intents
	}
	first := KindMemberMove
	if order == OrderCreatesFirst {
		first = KindGroupCreate
	}
	ordered := make([]GroupIntent, 0, len(intents))
	for _, in := range intents {
		if in.Kind() == first {
			ordered = append(ordered, in)
		}
	}
	for _, in := range intents {
		if in.Kind() != first {
			ordered = append(ordered, in)
		}
	}
	return ordered
}
