package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/pawtograder/staging/core/views"
)

type rosterAPI struct {
	roster *views.Cache
}

func registerRosterAPI(g *echo.Group, deps ServerDeps, jwt, staff echo.MiddlewareFunc) {
	api := &rosterAPI{roster: deps.Roster}
	g.GET("/classes/:class_id/assignments/:assignment_id/groups", api.groups, jwt, staff)
}

func (api *rosterAPI) groups(ctx echo.Context) error {
	classID, err := int64Param(ctx, "class_id")
	if err != nil {
		return err
	}
	assignmentID, err := int64Param(ctx, "assignment_id")
	if err != nil {
		return err
	}
	groups, err := api.roster.Roster(ctx.Request().Context(), classID, assignmentID)
	if err != nil {
		return errors.Wrap(err, "reading roster")
	}
	return ctx.JSON(http.StatusOK, groups)
}
