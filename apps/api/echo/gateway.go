package echoapi

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/gateway"
	"github.com/trezcool/academia/core/ledger"
)

// maxEventSize caps the webhook payloads read into memory.
const maxEventSize = 1 << 20

type gatewayApi struct {
	svc    *gateway.Service
	logger core.Logger
}

func registerGatewayAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc *gateway.Service,
	ledgerSvc *ledger.Service,
	logger core.Logger,
) {
	api := gatewayApi{svc: svc, logger: logger}

	gg := g.Group("/gateway")

	// public: authenticated by the event checksum
	gg.POST("/events", api.handleEvent)

	dg := gg.Group("/entries/:id", jwt, entryOwnerOrAdminMiddleware(ledgerSvc))
	dg.POST("/checkout", api.checkout)
	dg.GET("/details", api.details, adminMiddleware())
}

func (api *gatewayApi) checkout(ctx echo.Context) error {
	entry, err := getContextEntry(ctx)
	if err != nil {
		return errors.Wrap(err, "retrieving object from context")
	}
	co, err := api.svc.NewCheckout(ctx.Request().Context(), entry.ID)
	if err != nil {
		return errors.Wrap(err, "creating checkout")
	}
	return ctx.JSON(http.StatusCreated, co)
}

func (api *gatewayApi) details(ctx echo.Context) error {
	entry, err := getContextEntry(ctx)
	if err != nil {
		return errors.Wrap(err, "retrieving object from context")
	}
	d, err := api.svc.GetDetails(ctx.Request().Context(), entry.ID)
	if err != nil {
		return errors.Wrap(err, "getting gateway details")
	}
	return ctx.JSON(http.StatusOK, d)
}

// handleEvent acknowledges (200) every event that must not be redelivered, including the rejected ones.
// Events that are being handled elsewhere get a 409 and storage failures a 500, so the gateway retries them.
func (api *gatewayApi) handleEvent(ctx echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request().Body, maxEventSize))
	if err != nil {
		return errors.Wrap(err, "reading event payload")
	}

	outcome, err := api.svc.HandleEvent(ctx.Request().Context(), payload)
	if err != nil {
		if core.IsValidationError(err) {
			api.logger.Warn("invalid gateway event: "+err.Error(), err)
		}
		return errors.Wrap(err, "handling gateway event")
	}
	if outcome == gateway.OutcomeInFlight {
		return errHttpInFlight
	}
	return ctx.JSON(http.StatusOK, EventResponse{Outcome: outcome})
}

type EventResponse struct {
	Outcome gateway.Outcome `json:"outcome"`
}
