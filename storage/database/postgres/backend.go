package pgdb

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/pawtograder/staging/core/staging"
)

const listGroupsQuery = `
SELECT g.id, g.name,
       COALESCE(array_agg(m.profile_id ORDER BY m.profile_id) FILTER (WHERE m.profile_id IS NOT NULL), '{}') AS member_ids
FROM assignment_groups g
LEFT JOIN assignment_groups_members m ON m.assignment_group_id = g.id
WHERE g.class_id = $1 AND g.assignment_id = $2
GROUP BY g.id, g.name
ORDER BY g.name`

// Backend calls the backend's stored procedures directly.
type Backend struct {
	db *sqlx.DB
}

var (
	_ staging.Backend      = (*Backend)(nil)
	_ staging.RosterReader = (*Backend)(nil)
)

func NewBackend(db *sqlx.DB) *Backend {
	return &Backend{db: db}
}

func (b *Backend) CreateGroup(ctx context.Context, req staging.CreateGroupRequest) (staging.CreateGroupResponse, error) {
	var id int64
	err := b.db.GetContext(ctx, &id, `SELECT create_group($1, $2, $3)`, req.Name, req.CourseID, req.AssignmentID)
	if err != nil {
		return staging.CreateGroupResponse{}, remoteError(staging.OpCreateGroup, err)
	}
	return staging.CreateGroupResponse{ID: id}, nil
}

func (b *Backend) MoveMember(ctx context.Context, req staging.MoveMemberRequest) error {
	_, err := b.db.ExecContext(ctx, `SELECT move_member($1, $2, $3, $4)`,
		null.Int64FromPtr(req.NewGroupID),
		null.Int64FromPtr(req.OldGroupID),
		req.SubjectID,
		req.ClassID,
	)
	return remoteError(staging.OpMoveMember, err)
}

func (b *Backend) CreateEmailBatch(ctx context.Context, req staging.CreateEmailBatchRequest) (staging.CreateEmailBatchResponse, error) {
	var id int64
	err := b.db.GetContext(ctx, &id, `SELECT create_email_batch($1, $2, $3, $4, $5)`,
		req.Subject,
		req.Body,
		pq.Array(req.CCEmails),
		null.NewString(req.ReplyTo, req.ReplyTo != ""),
		req.ClassID,
	)
	if err != nil {
		return staging.CreateEmailBatchResponse{}, remoteError(staging.OpCreateEmailBatch, err)
	}
	return staging.CreateEmailBatchResponse{ID: id}, nil
}

func (b *Backend) InsertEmail(ctx context.Context, req staging.InsertEmailRequest) error {
	_, err := b.db.ExecContext(ctx, `SELECT insert_email($1, $2, $3, $4, $5, $6, $7)`,
		req.BatchID,
		req.UserID,
		req.Subject,
		req.Body,
		pq.Array(req.CCEmails),
		null.NewString(req.ReplyTo, req.ReplyTo != ""),
		req.ClassID,
	)
	return remoteError(staging.OpInsertEmail, err)
}

type groupRow struct {
	ID        int64          `db:"id"`
	Name      string         `db:"name"`
	MemberIDs pq.StringArray `db:"member_ids"`
}

func (b *Backend) ListGroups(ctx context.Context, classID, assignmentID int64) ([]staging.Group, error) {
	var rows []groupRow
	if err := b.db.SelectContext(ctx, &rows, listGroupsQuery, classID, assignmentID); err != nil {
		return nil, errors.Wrap(err, "selecting assignment groups")
	}
	groups := make([]staging.Group, 0, len(rows))
	for _, r := range rows {
		groups = append(groups, staging.Group{ID: r.ID, Name: r.Name, MemberIDs: []string(r.MemberIDs)})
	}
	return groups, nil
}

// remoteError turns a postgres error raised by a procedure into a *staging.RemoteError.
func remoteError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return &staging.RemoteError{
			Op:      op,
			Message: pqErr.Message,
			Code:    string(pqErr.Code),
			Details: pqErr.Detail,
			Hint:    pqErr.Hint,
		}
	}
	return errors.Wrapf(err, "calling %s", op)
}
