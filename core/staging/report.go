package staging

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/pawtograder/staging/core"
)

type ctxKey int

const actorKey ctxKey = iota

type (
	// Actor is the staff member on whose behalf intents are published.
	Actor struct {
		ID    string
		Name  string
		Email string
	}

	Report struct {
		Domain      string
		PublishedBy Actor
		Result      *Result
	}

	// Reporter tells the publishing staff member how a publish went.
	Reporter interface {
		Report(ctx context.Context, r Report)
	}

	// LogReporter logs every failed intent and a summary line.
	LogReporter struct {
		Log core.Logger
	}

	// MailReporter emails a receipt to the publishing staff member when some intents failed.
	MailReporter struct {
		AppName string
		MailSvc core.EmailService
	}

	// Reporters fans a report out to several reporters.
	Reporters []Reporter

	receiptData struct {
		PublishedBy string
		Domain      string
		Succeeded   int
		Failed      int
		Failures    []string
	}
)

var (
	_ Reporter = (*LogReporter)(nil)
	_ Reporter = (*MailReporter)(nil)
	_ Reporter = Reporters(nil)
)

// WithActor attaches the publishing staff member to ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

func (lr *LogReporter) Report(_ context.Context, r Report) {
	for _, o := range r.Result.Failed {
		lr.Log.Error(fmt.Sprintf("publish %s: intent %s (%s) failed", r.Domain, o.Intent.ID(), o.Intent.Kind()), o.Err)
	}
	msg := fmt.Sprintf("publish %s: %d succeeded, %d failed", r.Domain, len(r.Result.Succeeded), len(r.Result.Failed))
	args := map[string]interface{}{"published_by": r.PublishedBy.ID}
	if r.Result.OK() {
		lr.Log.Info(msg, args)
	} else {
		lr.Log.Warn(msg, args)
	}
}

func (mr *MailReporter) Report(_ context.Context, r Report) {
	if r.Result.OK() || r.PublishedBy.Email == "" {
		return
	}
	data := receiptData{
		PublishedBy: r.PublishedBy.Name,
		Domain:      r.Domain,
		Succeeded:   len(r.Result.Succeeded),
		Failed:      len(r.Result.Failed),
	}
	if data.PublishedBy == "" {
		data.PublishedBy = r.PublishedBy.Email
	}
	for _, o := range r.Result.Failed {
		data.Failures = append(data.Failures, describe(o.Intent)+": "+o.Err.Error())
	}

	msg := &core.EmailMessage{
		To:           []mail.Address{{Name: r.PublishedBy.Name, Address: r.PublishedBy.Email}},
		Subject:      fmt.Sprintf("%s: %d staged %s changes failed to publish", mr.AppName, data.Failed, r.Domain),
		TemplateName: "publish_receipt",
		TemplateData: data,
	}
	mr.MailSvc.SendMessages(msg)
}

func (rs Reporters) Report(ctx context.Context, r Report) {
	for _, rep := range rs {
		rep.Report(ctx, r)
	}
}

func describe(in Intent) string {
	switch in := in.(type) {
	case GroupCreate:
		return fmt.Sprintf("create group %q (%d members)", in.Name, len(in.MemberIDs))
	case MemberMove:
		return fmt.Sprintf("move %s from %s to %s", in.SubjectID, groupRef(in.FromGroupID), groupRef(in.ToGroupID))
	case EmailSend:
		return fmt.Sprintf("email %q to %s", in.Subject, in.Recipient.Address)
	}
	return string(in.Kind())
}

func groupRef(id *int64) string {
	if id == nil {
		return "no group"
	}
	return fmt.Sprintf("group %d", *id)
}
