package echoapi

import (
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/ledger"
)

const contextEntryKey = "entry"

// adminMiddleware lets through admins holding any of `roles` (any admin when empty).
func adminMiddleware(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if claims.IsAdmin && contextHasAnyRole(ctx, roles) {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}

// entryOwnerOrAdminMiddleware loads the `:id` entry into the context.
// Entries of other owners are reported as not found to non-admins.
func entryOwnerOrAdminMiddleware(svc *ledger.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}

			entry, err := svc.Get(ctx.Request().Context(), ctx.Param("id"))
			if err != nil {
				if core.IsNotFoundError(err) {
					return errHttpNotFound
				}
				return errors.Wrap(err, "finding entry by ID")
			}
			if !claims.IsAdmin && entry.OwnerID != claims.Subject {
				return errHttpNotFound
			}
			ctx.Set(contextEntryKey, entry)
			return next(ctx)
		}
	}
}

func getContextEntry(ctx echo.Context) (ledger.Entry, error) {
	if entry, ok := ctx.Get(contextEntryKey).(ledger.Entry); ok {
		return entry, nil
	}
	return ledger.Entry{}, errors.New("entry object not found in echo.Context")
}
