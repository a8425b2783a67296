package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/academia/core/discount"
	"github.com/trezcool/academia/core/user"
)

type discountApi struct {
	svc *discount.Service
}

func registerDiscountAPI(g *echo.Group, jwt echo.MiddlewareFunc, svc *discount.Service) {
	api := discountApi{svc: svc}

	dg := g.Group("/discount-rule", jwt)
	dg.GET("", api.retrieve)
	dg.PUT("", api.update, adminMiddleware(user.RoleAdminOwner))
}

func (api *discountApi) retrieve(ctx echo.Context) error {
	rule, err := api.svc.Get(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "getting discount rule")
	}
	return ctx.JSON(http.StatusOK, rule)
}

func (api *discountApi) update(ctx echo.Context) error {
	var data discount.Rule
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to discount.Rule")
	}
	rule, err := api.svc.Update(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "updating discount rule")
	}
	return ctx.JSON(http.StatusOK, rule)
}
