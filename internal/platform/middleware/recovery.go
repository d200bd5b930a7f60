package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dental/backoffice/internal/platform/apperr"
	"github.com/dental/backoffice/internal/platform/auth"
	"github.com/dental/backoffice/internal/platform/db"
)

// Recovery turns a handler panic into a store error, so the client gets the
// generic 500 envelope. The log line names the clinic and actor when the
// inner middleware had already resolved them.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}

				var stack [4096]byte
				n := runtime.Stack(stack[:], false)

				ctx := c.Request().Context()
				rid, _ := c.Get("request_id").(string)
				ev := logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("path", c.Request().URL.Path).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(stack[:n]))
				if clinic := db.ClinicFromContext(ctx); clinic != "" {
					ev = ev.Str("clinic_id", clinic)
				}
				if actor, ok := auth.ActorFromContext(ctx); ok {
					ev = ev.Str("actor", actor.Name).Str("role", actor.Role)
				}
				ev.Msg("panic recovered")

				err = apperr.Store(c.Request().Method+" "+c.Path(), fmt.Errorf("panic: %v", r))
			}()
			return next(c)
		}
	}
}
