package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dental/backoffice/internal/platform/apperr"
)

// ErrorBody is the failure envelope shared by every endpoint.
type ErrorBody struct {
	Success bool        `json:"success"`
	Error   string      `json:"error"`
	Kind    apperr.Kind `json:"kind"`
}

// ErrorHandler renders classified and echo errors as ErrorBody. Store
// failures are logged with their cause and reported with a generic message.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := describe(err)
		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().
				Err(err).
				Str("request_id", rid).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}

func describe(err error) (int, ErrorBody) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg := ae.Msg
		if ae.Kind == apperr.KindStore {
			msg = "internal server error"
		}
		return ae.Status(), ErrorBody{Error: msg, Kind: ae.Kind}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := fmt.Sprintf("%v", he.Message)
		if he.Code >= http.StatusInternalServerError {
			msg = "internal server error"
		}
		return he.Code, ErrorBody{Error: msg, Kind: kindForStatus(he.Code)}
	}

	return http.StatusInternalServerError, ErrorBody{Error: "internal server error", Kind: apperr.KindStore}
}

func kindForStatus(code int) apperr.Kind {
	switch code {
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return apperr.KindNotFound
	case http.StatusUnauthorized:
		return apperr.KindUnauthorized
	case http.StatusForbidden:
		return apperr.KindForbidden
	case http.StatusTooManyRequests:
		return apperr.KindRateLimited
	case http.StatusConflict:
		return apperr.KindConflict
	}
	if code >= http.StatusInternalServerError {
		return apperr.KindStore
	}
	return apperr.KindValidation
}
