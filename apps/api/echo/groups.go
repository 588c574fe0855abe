package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/pawtograder/staging/core/staging"
	"github.com/pawtograder/staging/core/views"
)

type (
	groupAPI struct {
		sessions  *sessionRegistry
		publisher *staging.Publisher
		roster    *views.Cache
		metrics   *staging.Metrics
		validate  *validator.Validate
	}

	groupSpec struct {
		Name        string           `json:"name" validate:"required,notblank"`
		MemberIDs   []string         `json:"member_ids" validate:"required,min=1,unique,dive,required"`
		PriorGroups map[string]int64 `json:"prior_groups"`
	}

	stageGroupsRequest struct {
		Groups []groupSpec `json:"groups" validate:"required,min=1,dive"`
	}

	moveSpec struct {
		SubjectID   string `json:"subject_id" validate:"required,notblank"`
		FromGroupID *int64 `json:"from_group_id" validate:"omitempty,gt=0"`
		ToGroupID   *int64 `json:"to_group_id" validate:"required_without=FromGroupID,omitempty,gt=0"`
	}

	stageMovesRequest struct {
		Moves []moveSpec `json:"moves" validate:"required,min=1,dive"`
	}

	groupPreviewResponse struct {
		Published []staging.Group `json:"published"`
		Staged    []staging.Group `json:"staged"`
		Diff      string          `json:"diff"`
	}

	publishResponse struct {
		Succeeded int             `json:"succeeded"`
		Failed    int             `json:"failed"`
		Restaged  bool            `json:"restaged"`
		Result    *staging.Result `json:"result"`
		Session   sessionView     `json:"session"`
	}
)

func registerGroupAPI(g *echo.Group, sessions *sessionRegistry, deps ServerDeps, jwt, staff echo.MiddlewareFunc) {
	api := &groupAPI{
		sessions:  sessions,
		publisher: deps.Publisher,
		roster:    deps.Roster,
		metrics:   deps.Metrics,
		validate:  deps.Validate,
	}

	g.POST("/classes/:class_id/assignments/:assignment_id/group-sessions", api.createSession, jwt, staff)

	sg := g.Group("/group-sessions", jwt, staff)
	sg.GET("/:id", api.getSession)
	sg.DELETE("/:id", api.disposeSession)
	sg.POST("/:id/creates", api.stageCreates)
	sg.POST("/:id/moves", api.stageMoves)
	sg.GET("/:id/preview", api.preview)
	sg.DELETE("/:id/intents", api.clearIntents)
	sg.POST("/:id/publish", api.publish)
}

func (api *groupAPI) session(ctx echo.Context) (*session[staging.GroupIntent], error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting context claims")
	}
	return lookup(api.sessions.groups, groupSessionKind, ctx.Param("id"), claims.Subject)
}

func (api *groupAPI) createSession(ctx echo.Context) error {
	classID, err := int64Param(ctx, "class_id")
	if err != nil {
		return err
	}
	assignmentID, err := int64Param(ctx, "assignment_id")
	if err != nil {
		return err
	}
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	rules := new(staging.GroupRules)
	if err = ctx.Bind(rules); err != nil {
		return err
	}
	if err = api.validate.Struct(rules); err != nil {
		return err
	}

	sess := newSession(claims.Subject, classID, assignmentID, staging.NewGroupStore(*rules))
	sess.Rules = rules
	api.sessions.groups.Add(sess.ID, sess)
	return ctx.JSON(http.StatusCreated, sess.view())
}

func (api *groupAPI) getSession(ctx echo.Context) error {
	sess, err := api.session(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, sess.view())
}

func (api *groupAPI) disposeSession(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	if err = dispose(api.sessions.groups, groupSessionKind, ctx.Param("id"), claims.Subject); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *groupAPI) stageCreates(ctx echo.Context) error {
	sess, err := api.session(ctx)
	if err != nil {
		return err
	}
	req := new(stageGroupsRequest)
	if err = ctx.Bind(req); err != nil {
		return err
	}
	if err = api.validate.Struct(req); err != nil {
		return err
	}

	intents := make([]staging.GroupIntent, 0, len(req.Groups))
	for _, g := range req.Groups {
		intents = append(intents, staging.NewGroupCreate(g.Name, g.MemberIDs, g.PriorGroups))
	}
	return api.stage(ctx, sess, intents)
}

func (api *groupAPI) stageMoves(ctx echo.Context) error {
	sess, err := api.session(ctx)
	if err != nil {
		return err
	}
	req := new(stageMovesRequest)
	if err = ctx.Bind(req); err != nil {
		return err
	}
	if err = api.validate.Struct(req); err != nil {
		return err
	}

	intents := make([]staging.GroupIntent, 0, len(req.Moves))
	for _, m := range req.Moves {
		intents = append(intents, staging.NewMemberMove(m.SubjectID, m.FromGroupID, m.ToGroupID))
	}
	return api.stage(ctx, sess, intents)
}

func (api *groupAPI) stage(ctx echo.Context, sess *session[staging.GroupIntent], intents []staging.GroupIntent) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	err := sess.store.Add(intents...)
	api.metrics.Staged(staging.DomainGroups, len(intents), err)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, sess.view())
}

func (api *groupAPI) preview(ctx echo.Context) error {
	sess, err := api.session(ctx)
	if err != nil {
		return err
	}
	published, err := api.roster.Roster(ctx.Request().Context(), sess.ClassID, sess.AssignmentID)
	if err != nil {
		return errors.Wrap(err, "reading roster")
	}
	staged := views.Preview(published, sess.store.List())
	diff, err := views.Diff(published, staged)
	if err != nil {
		return errors.Wrap(err, "diffing roster")
	}
	return ctx.JSON(http.StatusOK, groupPreviewResponse{
		Published: views.Preview(published, nil),
		Staged:    staged,
		Diff:      diff,
	})
}

func (api *groupAPI) clearIntents(ctx echo.Context) error {
	sess, err := api.session(ctx)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.store.Clear()
	return ctx.NoContent(http.StatusNoContent)
}

func (api *groupAPI) publish(ctx echo.Context) error {
	var params PublishParams
	if err := params.Bind(ctx); err != nil {
		return err
	}
	sess, err := api.session(ctx)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	target := staging.GroupTarget{ClassID: sess.ClassID, AssignmentID: sess.AssignmentID}
	res, err := api.publisher.PublishGroups(ctx.Request().Context(), sess.store, target, params.Order)
	if res == nil {
		return errors.Wrap(err, "publishing groups")
	}
	return respondPublished(ctx, sess, res, params.Restage)
}

// respondPublished answers a publish, staging the failed intents again first when asked to.
func respondPublished[T staging.Intent](ctx echo.Context, sess *session[T], res *staging.Result, restage bool) error {
	resp := publishResponse{Succeeded: len(res.Succeeded), Failed: len(res.Failed), Result: res}
	if restage && !res.OK() {
		if err := staging.Restage(sess.store, res); err != nil {
			return errors.Wrap(err, "restaging failed intents")
		}
		resp.Restaged = true
	}
	resp.Session = sess.view()
	return ctx.JSON(http.StatusOK, resp)
}
