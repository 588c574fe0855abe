package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/pawtograder/staging/core/staging"
)

type (
	emailAPI struct {
		sessions  *sessionRegistry
		publisher *staging.Publisher
		metrics   *staging.Metrics
		validate  *validator.Validate
	}

	emailPreviewRequest struct {
		Subject    string              `json:"subject" validate:"required,notblank"`
		Body       string              `json:"body" validate:"required,notblank"`
		CC         []staging.Recipient `json:"cc" validate:"dive"`
		ReplyTo    string              `json:"reply_to" validate:"omitempty,email"`
		Recipients []staging.Recipient `json:"recipients" validate:"required,min=1,dive"`
	}
)

func registerEmailAPI(g *echo.Group, sessions *sessionRegistry, deps ServerDeps, jwt, staff echo.MiddlewareFunc) {
	api := &emailAPI{
		sessions:  sessions,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		validate:  deps.Validate,
	}

	g.POST("/classes/:class_id/email-sessions", api.createSession, jwt, staff)

	sg := g.Group("/email-sessions", jwt, staff)
	sg.GET("/:id", api.getSession)
	sg.DELETE("/:id", api.disposeSession)
	sg.POST("/:id/previews", api.addPreview)
	sg.DELETE("/:id/intents", api.clearIntents)
	sg.POST("/:id/publish", api.publish)
}

func (api *emailAPI) session(ctx echo.Context) (*session[staging.EmailSend], error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting context claims")
	}
	return lookup(api.sessions.emails, emailSessionKind, ctx.Param("id"), claims.Subject)
}

func (api *emailAPI) createSession(ctx echo.Context) error {
	classID, err := int64Param(ctx, "class_id")
	if err != nil {
		return err
	}
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	sess := newSession(claims.Subject, classID, 0, staging.NewEmailStore())
	api.sessions.emails.Add(sess.ID, sess)
	return ctx.JSON(http.StatusCreated, sess.view())
}

func (api *emailAPI) getSession(ctx echo.Context) error {
	sess, err := api.session(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, sess.view())
}

func (api *emailAPI) disposeSession(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	if err = dispose(api.sessions.emails, emailSessionKind, ctx.Param("id"), claims.Subject); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

// addPreview stages one email per recipient, all sharing the request's text.
func (api *emailAPI) addPreview(ctx echo.Context) error {
	sess, err := api.session(ctx)
	if err != nil {
		return err
	}
	req := new(emailPreviewRequest)
	if err = ctx.Bind(req); err != nil {
		return err
	}
	if err = api.validate.Struct(req); err != nil {
		return err
	}

	sends := staging.NewEmailBatch(req.Subject, req.Body, req.CC, req.ReplyTo).Address(req.Recipients...)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	err = sess.store.Add(sends...)
	api.metrics.Staged(staging.DomainEmails, len(sends), err)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, sess.view())
}

func (api *emailAPI) clearIntents(ctx echo.Context) error {
	sess, err := api.session(ctx)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.store.Clear()
	return ctx.NoContent(http.StatusNoContent)
}

func (api *emailAPI) publish(ctx echo.Context) error {
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

	res, err := api.publisher.PublishEmails(ctx.Request().Context(), sess.store, sess.ClassID)
	if res == nil {
		return errors.Wrap(err, "publishing emails")
	}
	return respondPublished(ctx, sess, res, params.Restage)
}
