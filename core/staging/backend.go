package staging

import "context"

type (
	// Backend is the remote service that applies published intents.
	Backend interface {
		CreateGroup(ctx context.Context, req CreateGroupRequest) (CreateGroupResponse, error)
		MoveMember(ctx context.Context, req MoveMemberRequest) error
		CreateEmailBatch(ctx context.Context, req CreateEmailBatchRequest) (CreateEmailBatchResponse, error)
		InsertEmail(ctx context.Context, req InsertEmailRequest) error
	}

	// RosterReader reads the published groups of an assignment.
	RosterReader interface {
		ListGroups(ctx context.Context, classID, assignmentID int64) ([]Group, error)
	}

	Group struct {
		ID        int64    `json:"id"`
		Name      string   `json:"name"`
		MemberIDs []string `json:"member_ids"`
	}

	CreateGroupRequest struct {
		Name         string `json:"name" validate:"required,notblank"`
		CourseID     int64  `json:"course_id" validate:"required,gt=0"`
		AssignmentID int64  `json:"assignment_id" validate:"required,gt=0"`
	}

	CreateGroupResponse struct {
		ID int64 `json:"id"`
	}

	MoveMemberRequest struct {
		NewGroupID *int64 `json:"new_group_id" validate:"required_without=OldGroupID"`
		OldGroupID *int64 `json:"old_group_id"`
		SubjectID  string `json:"profile_id" validate:"required,notblank"`
		ClassID    int64  `json:"class_id" validate:"required,gt=0"`
	}

	CreateEmailBatchRequest struct {
		Subject  string   `json:"subject" validate:"required,notblank"`
		Body     string   `json:"body"`
		CCEmails []string `json:"cc_emails" validate:"dive,email"`
		ReplyTo  string   `json:"reply_to,omitempty" validate:"omitempty,email"`
		ClassID  int64    `json:"class_id" validate:"required,gt=0"`
	}

	CreateEmailBatchResponse struct {
		ID int64 `json:"id"`
	}

	InsertEmailRequest struct {
		BatchID  int64    `json:"batch_id" validate:"required,gt=0"`
		UserID   string   `json:"user_id" validate:"required,notblank"`
		Subject  string   `json:"subject" validate:"required,notblank"`
		Body     string   `json:"body"`
		CCEmails []string `json:"cc_emails" validate:"dive,email"`
		ReplyTo  string   `json:"reply_to,omitempty" validate:"omitempty,email"`
		ClassID  int64    `json:"class_id" validate:"required,gt=0"`
	}
)
