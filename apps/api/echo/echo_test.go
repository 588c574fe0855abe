package echoapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawtograder/staging/core"
	"github.com/pawtograder/staging/core/staging"
)

type (
	viewResp struct {
		ID       string                   `json:"id"`
		ClassID  int64                    `json:"class_id"`
		State    string                   `json:"state"`
		Subjects []string                 `json:"subjects"`
		Intents  []map[string]interface{} `json:"intents"`
	}

	publishResp struct {
		Succeeded int      `json:"succeeded"`
		Failed    int      `json:"failed"`
		Restaged  bool     `json:"restaged"`
		Session   viewResp `json:"session"`
	}

	conflictResp struct {
		Error    string   `json:"error"`
		Subjects []string `json:"subjects"`
	}
)

func (app *testApp) newGroupSession(t *testing.T, token string, classID, assignmentID int64) viewResp {
	t.Helper()
	path := fmt.Sprintf("/v1/classes/%d/assignments/%d/group-sessions", classID, assignmentID)
	rec := app.do(t, http.MethodPost, path, token, echo.Map{"min_group_size": 1, "max_group_size": 3})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var view viewResp
	decode(t, rec, &view)
	return view
}

func TestServer_auth(t *testing.T) {
	app := newTestApp(t)

	otherAudience := NewClaims(app.conf, instructor, time.Hour, RoleInstructor)
	otherAudience.Audience = "another-app"
	otherAudienceToken, err := GenerateToken(otherAudience, app.conf.SecretKey)
	require.NoError(t, err)

	tests := []httpTest{
		{name: "Auth required", wantCode: http.StatusUnauthorized, wantData: errMissingToken},
		{name: "Students not allowed", token: app.token(t, student, "student"), wantCode: http.StatusForbidden, wantData: errForbidden},
		{name: "Other audience not allowed", token: otherAudienceToken, wantCode: http.StatusForbidden, wantData: errForbidden},
		{name: "Bad signature", token: app.token(t, instructor, RoleInstructor) + "x", wantCode: http.StatusUnauthorized},
		{name: "Graders allowed", token: app.token(t, grader, RoleGrader), wantCode: http.StatusNotFound},
		{name: "Instructors allowed", token: app.token(t, instructor, "student", RoleInstructor), wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		tt.method = http.MethodGet
		tt.path = "/v1/group-sessions/unknown"

		t.Run(tt.name, func(t *testing.T) {
			rec := app.do(t, tt.method, tt.path, tt.token, tt.body)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func TestServer_home(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Pawtograder")
}

func TestGroupAPI_stageAndPublish(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, instructor, RoleInstructor)
	alphaID := app.db.SeedGroup(1, 10, "Alpha", "s1", "s2")

	sess := app.newGroupSession(t, token, 1, 10)
	assert.Equal(t, "empty", sess.State)
	base := "/v1/group-sessions/" + sess.ID

	// stage a new group
	rec := app.do(t, http.MethodPost, base+"/creates", token, echo.Map{
		"groups": []echo.Map{{"name": "Beta", "member_ids": []string{"s3", "s4"}}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var view viewResp
	decode(t, rec, &view)
	assert.Equal(t, "staged(1)", view.State)
	assert.Equal(t, []string{"s3", "s4"}, view.Subjects)
	assert.Equal(t, string(staging.KindGroupCreate), view.Intents[0]["kind"])

	// a second change for s3 is refused and leaves the session as it was
	rec = app.do(t, http.MethodPost, base+"/moves", token, echo.Map{
		"moves": []echo.Map{{"subject_id": "s3", "to_group_id": alphaID}},
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	var conflict conflictResp
	decode(t, rec, &conflict)
	assert.Equal(t, []string{"s3"}, conflict.Subjects)
	assert.Equal(t, "unsafe to stage: s3 already has a pending change", conflict.Error)

	// s1 leaves Alpha
	rec = app.do(t, http.MethodPost, base+"/moves", token, echo.Map{
		"moves": []echo.Map{{"subject_id": "s1", "from_group_id": alphaID}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	decode(t, rec, &view)
	assert.Equal(t, "staged(2)", view.State)

	// preview
	rec = app.do(t, http.MethodGet, base+"/preview", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var preview groupPreviewResponse
	decode(t, rec, &preview)
	assert.Len(t, preview.Published, 1)
	assert.Len(t, preview.Staged, 2)
	assert.Contains(t, preview.Diff, "+Beta (new): s3, s4")

	// publish
	rec = app.do(t, http.MethodPost, base+"/publish?order=creates_first", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var published publishResp
	decode(t, rec, &published)
	assert.Equal(t, 2, published.Succeeded)
	assert.Equal(t, 0, published.Failed)
	assert.False(t, published.Restaged)
	assert.Equal(t, "empty", published.Session.State)

	require.Len(t, app.reporter.Reports, 1)
	assert.Equal(t, instructor, app.reporter.Reports[0].PublishedBy)

	// the roster shows the published changes
	rec = app.do(t, http.MethodGet, "/v1/classes/1/assignments/10/groups", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var groups []staging.Group
	decode(t, rec, &groups)
	require.Len(t, groups, 2)
	assert.Equal(t, "Alpha", groups[0].Name)
	assert.Equal(t, []string{"s2"}, groups[0].MemberIDs)
	assert.Equal(t, "Beta", groups[1].Name)
	assert.Equal(t, []string{"s3", "s4"}, groups[1].MemberIDs)

	// metrics
	rec = app.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "staging_intents_staged_total")
	assert.Contains(t, rec.Body.String(), "staging_conflicts_total")
}

func TestGroupAPI_publishRestagesFailures(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, instructor, RoleInstructor)
	alphaID := app.db.SeedGroup(1, 10, "Alpha", "s1")
	app.db.Fail = func(op string, _ interface{}) error {
		if op == staging.OpMoveMember {
			return &staging.RemoteError{Op: op, Message: "permission denied for function move_member", Code: "42501"}
		}
		return nil
	}

	sess := app.newGroupSession(t, token, 1, 10)
	base := "/v1/group-sessions/" + sess.ID
	rec := app.do(t, http.MethodPost, base+"/moves", token, echo.Map{
		"moves": []echo.Map{{"subject_id": "s1", "from_group_id": alphaID}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = app.do(t, http.MethodPost, base+"/publish?restage_failed=true", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var published publishResp
	decode(t, rec, &published)
	assert.Equal(t, 0, published.Succeeded)
	assert.Equal(t, 1, published.Failed)
	assert.True(t, published.Restaged)
	assert.Equal(t, "staged(1)", published.Session.State)
	assert.Equal(t, []string{"s1"}, published.Session.Subjects)
}

func TestGroupAPI_errors(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, instructor, RoleInstructor)
	sess := app.newGroupSession(t, token, 1, 10)
	base := "/v1/group-sessions/" + sess.ID

	tests := []httpTest{
		{
			name:     "Bad class id",
			method:   http.MethodPost,
			path:     "/v1/classes/x/assignments/10/group-sessions",
			wantCode: http.StatusBadRequest,
			wantData: map[string]string{"class_id": "class_id must be a positive integer"},
		},
		{
			name:     "Bad group rules",
			method:   http.MethodPost,
			path:     "/v1/classes/1/assignments/10/group-sessions",
			body:     echo.Map{"min_group_size": 3, "max_group_size": 2},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "Unknown session",
			method:   http.MethodGet,
			path:     "/v1/group-sessions/nope",
			wantCode: http.StatusNotFound,
			wantData: httpErr{Error: "group session nope not found"},
		},
		{
			name:     "No groups",
			method:   http.MethodPost,
			path:     base + "/creates",
			body:     echo.Map{"groups": []echo.Map{}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "Group too large",
			method:   http.MethodPost,
			path:     base + "/creates",
			body:     echo.Map{"groups": []echo.Map{{"name": "Big", "member_ids": []string{"a", "b", "c", "d"}}}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "Move nowhere",
			method:   http.MethodPost,
			path:     base + "/moves",
			body:     echo.Map{"moves": []echo.Map{{"subject_id": "s1"}}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "Unknown publish order",
			method:   http.MethodPost,
			path:     base + "/publish?order=sideways",
			wantCode: http.StatusBadRequest,
			wantData: map[string]string{"order": `unknown publish order "sideways"`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := app.do(t, tt.method, tt.path, token, tt.body)
			checkCodeAndData(t, tt, rec)
		})
	}

	// nothing got staged
	rec := app.do(t, http.MethodGet, base, token, nil)
	var view viewResp
	decode(t, rec, &view)
	assert.Equal(t, "empty", view.State)
}

func TestGroupAPI_sessionLifecycle(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, instructor, RoleInstructor)
	sess := app.newGroupSession(t, token, 1, 10)
	base := "/v1/group-sessions/" + sess.ID

	// sessions are private to their owner
	rec := app.do(t, http.MethodGet, base, app.token(t, grader, RoleGrader), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = app.do(t, http.MethodPost, base+"/creates", token, echo.Map{
		"groups": []echo.Map{{"name": "Beta", "member_ids": []string{"s3"}}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = app.do(t, http.MethodDelete, base+"/intents", token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = app.do(t, http.MethodGet, base, token, nil)
	var view viewResp
	decode(t, rec, &view)
	assert.Equal(t, "empty", view.State)
	assert.Empty(t, view.Intents)

	rec = app.do(t, http.MethodDelete, base, token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = app.do(t, http.MethodGet, base, token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, app.server.sessions.Len())
}

func TestEmailAPI_stageAndPublish(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, grader, RoleGrader)

	rec := app.do(t, http.MethodPost, "/v1/classes/1/email-sessions", token, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sess viewResp
	decode(t, rec, &sess)
	assert.Equal(t, int64(1), sess.ClassID)
	base := "/v1/email-sessions/" + sess.ID

	rec = app.do(t, http.MethodPost, base+"/previews", token, echo.Map{
		"subject":    "Grades",
		"body":       "See the portal.",
		"cc":         []echo.Map{{"address": "ta@uni.edu", "subject_id": "ta1"}},
		"recipients": []echo.Map{{"address": "A@uni.edu", "subject_id": "s1"}, {"address": "b@uni.edu", "subject_id": "s2"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var view viewResp
	decode(t, rec, &view)
	assert.Equal(t, "staged(2)", view.State)
	assert.Equal(t, []string{"s1", "s2"}, view.Subjects)

	tests := []httpTest{
		{
			name: "Recipient already staged",
			body: echo.Map{
				"subject":    "Again",
				"body":       "Hi",
				"recipients": []echo.Map{{"address": "b@uni.edu", "subject_id": "s2"}},
			},
			wantCode: http.StatusConflict,
			wantData: conflictResp{Error: "unsafe to stage: s2 already has a pending change", Subjects: []string{"s2"}},
		},
		{
			name:     "No recipients",
			body:     echo.Map{"subject": "Again", "body": "Hi"},
			wantCode: http.StatusBadRequest,
		},
		{
			name: "Bad reply-to",
			body: echo.Map{
				"subject":    "Again",
				"body":       "Hi",
				"reply_to":   "nope",
				"recipients": []echo.Map{{"address": "c@uni.edu", "subject_id": "s3"}},
			},
			wantCode: http.StatusBadRequest,
		},
		{
			name: "Bad cc",
			body: echo.Map{
				"subject":    "Again",
				"body":       "Hi",
				"cc":         []echo.Map{{"address": "not-an-email", "subject_id": "ta1"}},
				"recipients": []echo.Map{{"address": "c@uni.edu", "subject_id": "s3"}, {"address": "d@uni.edu", "subject_id": "s4"}},
			},
			wantCode: http.StatusBadRequest,
			wantData: map[string]string{"cc[0].address": "address must be a valid email address"},
		},
		{
			name: "Bad recipient address",
			body: echo.Map{
				"subject":    "Again",
				"body":       "Hi",
				"recipients": []echo.Map{{"address": "s3-at-uni", "subject_id": "s3"}},
			},
			wantCode: http.StatusBadRequest,
			wantData: map[string]string{"recipients[0].address": "address must be a valid email address"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := app.do(t, http.MethodPost, base+"/previews", token, tt.body)
			checkCodeAndData(t, tt, rec)
		})
	}

	rec = app.do(t, http.MethodPost, base+"/publish", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var published publishResp
	decode(t, rec, &published)
	assert.Equal(t, 2, published.Succeeded)
	assert.Equal(t, "empty", published.Session.State)

	batches := app.db.Batches(1)
	require.Len(t, batches, 1)
	assert.Equal(t, "Grades", batches[0].Subject)
	assert.Equal(t, []string{"ta@uni.edu"}, batches[0].CCEmails)
	emails := app.db.Emails(1)
	require.Len(t, emails, 2)
	assert.Equal(t, "s1", emails[0].UserID)
	assert.Equal(t, batches[0].ID, emails[0].BatchID)
}

func Test_appHTTPErrorHandler(t *testing.T) {
	_, translator := core.NewValidator()

	tests := []struct {
		name         string
		err          error
		wantCode     int
		wantData     interface{}
		wantShutdown bool
	}{
		{
			name:     "conflict",
			err:      errors.Wrap(&staging.ConflictError{Subjects: []string{"s1"}, Reason: "busy"}, "staging"),
			wantCode: http.StatusConflict,
			wantData: conflictResp{Error: "busy", Subjects: []string{"s1"}},
		},
		{
			name:     "not found",
			err:      core.NewNotFoundError("email session", "e1"),
			wantCode: http.StatusNotFound,
			wantData: httpErr{Error: "email session e1 not found"},
		},
		{
			name:     "validation",
			err:      core.NewValidationError(nil, core.FieldError{Field: "name", Error: "name is required"}),
			wantCode: http.StatusBadRequest,
			wantData: map[string]string{"name": "name is required"},
		},
		{
			name:     "http error",
			err:      echo.NewHTTPError(http.StatusTeapot, "short and stout"),
			wantCode: http.StatusTeapot,
			wantData: httpErr{Error: "short and stout"},
		},
		{
			name:     "server error",
			err:      errors.New("boom"),
			wantCode: http.StatusInternalServerError,
			wantData: httpErr{Error: http.StatusText(http.StatusInternalServerError)},
		},
		{
			name:         "shutdown",
			err:          errors.Wrap(core.NewShutdownError("database gone"), "publishing"),
			wantCode:     http.StatusInternalServerError,
			wantData:     httpErr{Error: http.StatusText(http.StatusInternalServerError)},
			wantShutdown: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var shutdown bool
			handler := newAppHTTPErrorHandler(core.NopLogger{}, translator, func() { shutdown = true })

			rec := httptest.NewRecorder()
			ctx := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
			handler(tt.err, ctx)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.JSONEq(t, marshallObj(t, tt.wantData), rec.Body.String())
			assert.Equal(t, tt.wantShutdown, shutdown)
		})
	}
}
