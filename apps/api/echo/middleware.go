package echoapi

import (
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/pawtograder/staging/core/staging"
)

// staffMiddleware lets instructors and graders through and puts them in the request
// context as the publishing staging.Actor. A non-empty audience must match the token's.
func staffMiddleware(audience string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if audience != "" && !claims.VerifyAudience(audience, true) {
				return errHttpForbidden
			}
			if !claims.hasAnyRole(RoleInstructor, RoleGrader) {
				return errHttpForbidden
			}
			req := ctx.Request()
			ctx.SetRequest(req.WithContext(staging.WithActor(req.Context(), claims.Actor())))
			return next(ctx)
		}
	}
}
