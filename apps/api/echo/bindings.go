package echoapi

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pawtograder/staging/core"
	"github.com/pawtograder/staging/core/staging"
)

const (
	orderParam   = "order"
	restageParam = "restage_failed"
)

// int64Param reads a positive integer path parameter.
func int64Param(ctx echo.Context, name string) (int64, error) {
	v, err := strconv.ParseInt(ctx.Param(name), 10, 64)
	if err != nil || v < 1 {
		return 0, core.NewValidationError(nil, core.FieldError{Field: name, Error: name + " must be a positive integer"})
	}
	return v, nil
}

// PublishParams are the query parameters of a publish request.
type PublishParams struct {
	Order   staging.Order
	Restage bool // stage the failed intents again once the publish is over
}

func (p *PublishParams) Bind(ctx echo.Context) error {
	if val := ctx.QueryParam(orderParam); val != "" {
		order, err := staging.ParseOrder(val)
		if err != nil {
			return core.NewValidationError(nil, core.FieldError{Field: orderParam, Error: err.Error()})
		}
		p.Order = order
	}
	if val := ctx.QueryParam(restageParam); val != "" {
		restage, err := strconv.ParseBool(val)
		if err != nil {
			return core.NewValidationError(nil, core.FieldError{Field: restageParam, Error: restageParam + " must be a boolean"})
		}
		p.Restage = restage
	}
	return nil
}
