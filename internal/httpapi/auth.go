package httpapi

import (
	"errors"

	"github.com/labstack/echo/v4"

	"horse.fit/dupehub/internal/auth"
)

const principalContextKey = "auth.principal"

func (s *Server) requireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return failUnauthorized(c)
			}

			principal, err := s.verifier.Verify(raw)
			if err != nil {
				if !errors.Is(err, auth.ErrInvalidToken) {
					s.logger.Error().Err(err).Msg("token verification failed")
					return internalError(c, "Failed to authorize request")
				}
				s.logger.Debug().Err(err).Str("request_id", requestID(c)).Msg("rejected bearer token")
				return failUnauthorized(c)
			}

			c.Set(principalContextKey, principal)
			return next(c)
		}
	}
}

// requirePermission runs after requireAuth on a single route.
func (s *Server) requirePermission(perms ...auth.Permission) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			principal, ok := principalFromContext(c)
			if !ok {
				return failUnauthorized(c)
			}
			if err := s.policy.Authorize(principal, perms...); err != nil {
				return s.forbidden(c, principal, err)
			}
			return next(c)
		}
	}
}

func (s *Server) forbidden(c echo.Context, principal auth.Principal, err error) error {
	s.logger.Warn().
		Err(err).
		Str("admin_id", principal.AdminID).
		Str("role", principal.Role).
		Str("method", c.Request().Method).
		Str("path", c.Path()).
		Msg("permission denied")
	return failForbidden(c)
}

func principalFromContext(c echo.Context) (auth.Principal, bool) {
	if c == nil {
		return auth.Principal{}, false
	}
	principal, ok := c.Get(principalContextKey).(auth.Principal)
	return principal, ok
}

func requestID(c echo.Context) string {
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	return c.Request().Header.Get(echo.HeaderXRequestID)
}
