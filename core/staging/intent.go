package staging

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pawtograder/staging/core"
)

// Kind names an intent variant.
type Kind string

// Intent kinds
const (
	KindGroupCreate Kind = "group_create"
	KindMemberMove  Kind = "member_move"
	KindEmailSend   Kind = "email_send"
)

type (
	// Intent is a not-yet-applied mutation held in a Store until it is published.
	// The set of variants is closed: GroupCreate, MemberMove and EmailSend.
	Intent interface {
		ID() string
		Kind() Kind
		// Subjects lists the people this intent touches; no subject may appear in two staged intents.
		Subjects() []string
		validate() error
	}

	// GroupIntent is an intent accepted by the group staging store.
	GroupIntent interface {
		Intent
		isGroupIntent()
	}

	GroupCreate struct {
		IntentID  string   `json:"id"`
		Name      string   `json:"name"`
		MemberIDs []string `json:"member_ids"`
		// PriorGroups maps a member to the group it leaves; members absent from it are ungrouped.
		PriorGroups map[string]int64 `json:"prior_groups,omitempty"`
	}

	MemberMove struct {
		IntentID    string `json:"id"`
		SubjectID   string `json:"subject_id"`
		FromGroupID *int64 `json:"from_group_id"`
		ToGroupID   *int64 `json:"to_group_id"`
	}

	Recipient struct {
		Address   string `json:"address" validate:"required,email"`
		SubjectID string `json:"subject_id"`
	}

	EmailSend struct {
		IntentID  string      `json:"id"`
		Recipient Recipient   `json:"recipient"`
		Subject   string      `json:"subject"`
		Body      string      `json:"body"`
		CC        []Recipient `json:"cc"`
		ReplyTo   string      `json:"reply_to,omitempty"`
		BatchID   string      `json:"batch_id"`
	}

	// EmailBatch is the template text shared by the emails added in one preview.
	EmailBatch struct {
		ID      string
		Subject string
		Body    string
		CC      []Recipient
		ReplyTo string
	}
)

var (
	_ GroupIntent = GroupCreate{}
	_ GroupIntent = MemberMove{}
	_ Intent      = EmailSend{}
)

var addrValidate = validator.New()

func validAddress(addr string) bool {
	return addrValidate.Var(addr, "required,email") == nil
}

func newIntentID() string {
	return uuid.New().String()
}

func NewGroupCreate(name string, memberIDs []string, priorGroups map[string]int64) GroupCreate {
	return GroupCreate{
		IntentID:    newIntentID(),
		Name:        core.CleanString(name),
		MemberIDs:   core.CleanStrings(memberIDs),
		PriorGroups: priorGroups,
	}
}

func (gc GroupCreate) ID() string         { return gc.IntentID }
func (gc GroupCreate) Kind() Kind         { return KindGroupCreate }
func (gc GroupCreate) Subjects() []string { return append([]string(nil), gc.MemberIDs...) }
func (GroupCreate) isGroupIntent()        {}

// PriorGroup returns the group the member currently belongs to, if any.
func (gc GroupCreate) PriorGroup(subjectID string) *int64 {
	if id, ok := gc.PriorGroups[subjectID]; ok {
		return &id
	}
	return nil
}

func (gc GroupCreate) validate() error {
	var flds []core.FieldError
	if core.CleanString(gc.Name) == "" {
		flds = append(flds, core.FieldError{Field: "name", Error: "this field cannot be blank"})
	}
	if len(gc.MemberIDs) == 0 {
		flds = append(flds, core.FieldError{Field: "member_ids", Error: "a group needs at least one member"})
	}
	seen := make(map[string]struct{}, len(gc.MemberIDs))
	for _, id := range gc.MemberIDs {
		if id == "" {
			flds = append(flds, core.FieldError{Field: "member_ids", Error: "member ids cannot be blank"})
			break
		}
		if _, ok := seen[id]; ok {
			flds = append(flds, core.FieldError{Field: "member_ids", Error: "member_ids must not contain duplicates"})
			break
		}
		seen[id] = struct{}{}
	}
	if len(flds) > 0 {
		return core.NewValidationError(fmt.Errorf("invalid group %q", gc.Name), flds...)
	}
	return nil
}

func (gc GroupCreate) MarshalJSON() ([]byte, error) {
	type alias GroupCreate
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{gc.Kind(), alias(gc)})
}

func NewMemberMove(subjectID string, from, to *int64) MemberMove {
	return MemberMove{
		IntentID:    newIntentID(),
		SubjectID:   core.CleanString(subjectID),
		FromGroupID: from,
		ToGroupID:   to,
	}
}

func (mm MemberMove) ID() string         { return mm.IntentID }
func (mm MemberMove) Kind() Kind         { return KindMemberMove }
func (mm MemberMove) Subjects() []string { return []string{mm.SubjectID} }
func (MemberMove) isGroupIntent()        {}

func (mm MemberMove) validate() error {
	switch {
	case mm.SubjectID == "":
		return core.NewValidationError(nil, core.FieldError{Field: "subject_id", Error: "this field is required"})
	case mm.FromGroupID == nil && mm.ToGroupID == nil:
		return core.NewValidationError(
			errors.New("a move needs a source or a target group"),
			core.FieldError{Field: "to_group_id", Error: "one of from_group_id or to_group_id is required"},
		)
	case mm.FromGroupID != nil && mm.ToGroupID != nil && *mm.FromGroupID == *mm.ToGroupID:
		return core.NewValidationError(
			errors.New("a move cannot target the group it leaves"),
			core.FieldError{Field: "to_group_id", Error: "to_group_id must differ from from_group_id"},
		)
	}
	return nil
}

func (mm MemberMove) MarshalJSON() ([]byte, error) {
	type alias MemberMove
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{mm.Kind(), alias(mm)})
}

// NewEmailBatch starts a batch with a fresh id.
func NewEmailBatch(subject, body string, cc []Recipient, replyTo string) EmailBatch {
	return EmailBatch{
		ID:      newIntentID(),
		Subject: subject,
		Body:    body,
		CC:      cc,
		ReplyTo: core.CleanString(replyTo),
	}
}

// Address builds one EmailSend per recipient, all bound to the batch.
func (b EmailBatch) Address(recipients ...Recipient) []EmailSend {
	sends := make([]EmailSend, 0, len(recipients))
	for _, r := range recipients {
		sends = append(sends, EmailSend{
			IntentID: newIntentID(),
			Recipient: Recipient{
				Address:   core.CleanString(r.Address, true /* lower */),
				SubjectID: core.CleanString(r.SubjectID),
			},
			Subject: b.Subject,
			Body:    b.Body,
			CC:      b.CC,
			ReplyTo: b.ReplyTo,
			BatchID: b.ID,
		})
	}
	return sends
}

func (es EmailSend) ID() string         { return es.IntentID }
func (es EmailSend) Kind() Kind         { return KindEmailSend }
func (es EmailSend) Subjects() []string { return []string{es.Recipient.SubjectID} }

// CCAddresses returns the cc list as plain addresses.
func (es EmailSend) CCAddresses() []string {
	addrs := make([]string, 0, len(es.CC))
	for _, r := range es.CC {
		addrs = append(addrs, r.Address)
	}
	return addrs
}

func (es EmailSend) validate() error {
	var flds []core.FieldError
	if es.Recipient.SubjectID == "" {
		flds = append(flds, core.FieldError{Field: "recipient.subject_id", Error: "this field is required"})
	}
	switch {
	case es.Recipient.Address == "":
		flds = append(flds, core.FieldError{Field: "recipient.address", Error: "this field is required"})
	case !validAddress(es.Recipient.Address):
		flds = append(flds, core.FieldError{Field: "recipient.address", Error: "address must be a valid email address"})
	}
	for i, r := range es.CC {
		if !validAddress(r.Address) {
			flds = append(flds, core.FieldError{Field: fmt.Sprintf("cc[%d].address", i), Error: "address must be a valid email address"})
		}
	}
	if es.ReplyTo != "" && !validAddress(es.ReplyTo) {
		flds = append(flds, core.FieldError{Field: "reply_to", Error: "reply_to must be a valid email address"})
	}
	if core.CleanString(es.Subject) == "" {
		flds = append(flds, core.FieldError{Field: "subject", Error: "this field cannot be blank"})
	}
	if es.BatchID == "" {
		flds = append(flds, core.FieldError{Field: "batch_id", Error: "this field is required"})
	}
	if len(flds) > 0 {
		return core.NewValidationError(nil, flds...)
	}
	return nil
}

func (es EmailSend) MarshalJSON() ([]byte, error) {
	type alias EmailSend
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{es.Kind(), alias(es)})
}
