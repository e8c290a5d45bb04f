package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Envelope statuses. "fail" is the caller's fault, "error" is ours.
const (
	statusSuccess = "success"
	statusFail    = "fail"
	statusError   = "error"
)

// jsendBody is the JSend body every endpoint answers with. Error mirrors
// Message so clients that only read "error" still see the reason.
type jsendBody struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    int    `json:"code,omitempty"`
}

func success(c echo.Context, data any) error {
	return successWithStatus(c, http.StatusOK, data)
}

func successWithStatus(c echo.Context, code int, data any) error {
	return c.JSON(code, jsendBody{Status: statusSuccess, Data: data})
}

func fail(c echo.Context, code int, message string, data any) error {
	return c.JSON(code, jsendBody{
		Status:  statusFail,
		Data:    data,
		Message: message,
		Error:   message,
	})
}

func failValidation(c echo.Context, fieldErrors map[string]string) error {
	return fail(c, http.StatusBadRequest, "Validation failed", map[string]any{
		"validation_errors": fieldErrors,
	})
}

func failUnauthorized(c echo.Context) error {
	return fail(c, http.StatusUnauthorized, "Authentication required", nil)
}

func failForbidden(c echo.Context) error {
	return fail(c, http.StatusForbidden, "Forbidden", nil)
}

func failNotFound(c echo.Context, message string) error {
	return fail(c, http.StatusNotFound, message, nil)
}

func failConflict(c echo.Context, message string, data any) error {
	return fail(c, http.StatusConflict, message, data)
}

func internalError(c echo.Context, message string) error {
	return c.JSON(http.StatusInternalServerError, jsendBody{
		Status:  statusError,
		Message: message,
		Error:   message,
		Code:    http.StatusInternalServerError,
	})
}
