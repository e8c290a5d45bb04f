package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"horse.fit/dupehub/internal/duplicates"
)

// respondError maps the domain error taxonomy onto a JSend failure.
func (s *Server) respondError(c echo.Context, err error, action string) error {
	var validation *duplicates.ValidationError
	var blocked *duplicates.MergeBlockedError

	switch {
	case errors.As(err, &validation):
		return failValidation(c, validation.Fields)
	case errors.Is(err, duplicates.ErrValidation):
		return failValidation(c, map[string]string{"request": err.Error()})
	case errors.Is(err, duplicates.ErrForbidden):
		return failForbidden(c)
	case errors.Is(err, duplicates.ErrNotFound):
		return failNotFound(c, err.Error())
	case errors.As(err, &blocked):
		return failConflict(c, err.Error(), map[string]any{
			"conflicts": blocked.Conflicts,
		})
	case errors.Is(err, duplicates.ErrMergeInProgress),
		errors.Is(err, duplicates.ErrRollbackAlreadyApplied):
		return failConflict(c, err.Error(), nil)
	case errors.Is(err, duplicates.ErrRollbackExpired):
		return fail(c, http.StatusGone, err.Error(), nil)
	}

	s.logger.Error().Err(err).Str("request_id", requestID(c)).Msg(action + " failed")
	return internalError(c, "Failed to "+action)
}
