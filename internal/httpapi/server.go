package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/dupehub/internal/auth"
	"horse.fit/dupehub/internal/db"
	"horse.fit/dupehub/internal/duplicates"
	"horse.fit/dupehub/internal/globaltime"
	"horse.fit/dupehub/internal/hub"
	"horse.fit/dupehub/internal/merge"
)

type HubService interface {
	Hub(ctx context.Context, q hub.HubQuery) (*hub.HubView, error)
	ListCases(ctx context.Context, filter db.CaseFilter) (hub.CaseList, error)
	CreateCase(ctx context.Context, in hub.CaseInput) (*db.CaseRecord, bool, error)
	UpdateCase(ctx context.Context, caseID string, patch db.CasePatch) (*db.CaseRecord, error)
	BulkUpdateStatus(ctx context.Context, caseIDs []string, status duplicates.CaseStatus) (hub.BulkResult, error)
}

type MergeService interface {
	Impact(ctx context.Context, userID string) (*merge.Impact, error)
	Resolve(ctx context.Context, userID string, req merge.ResolveRequest) (*merge.ResolveResult, error)
	Preview(ctx context.Context, sourceID, targetID string) (*merge.Preview, error)
	Commit(ctx context.Context, req merge.CommitRequest) (*merge.CommitResult, error)
	Rollback(ctx context.Context, operationID, performedBy string) (*merge.RollbackResult, error)
	ListMergeHistory(ctx context.Context, filter merge.HistoryFilter) (*merge.HistoryPage, error)
	ListSoftDeletedUsers(ctx context.Context, page db.Page) (*merge.SoftDeletedPage, error)
}

type TokenVerifier interface {
	Verify(raw string) (auth.Principal, error)
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the API. Health may be nil.
type Deps struct {
	Hub      HubService
	Merge    MergeService
	Verifier TokenVerifier
	Policy   *auth.Policy
	Health   HealthChecker
}

type Options struct {
	Host               string
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	CORSAllowedOrigins []string
}

type Server struct {
	hub      HubService
	merge    MergeService
	verifier TokenVerifier
	policy   *auth.Policy
	health   HealthChecker
	logger   zerolog.Logger
	opts     Options
}

// withDefaults fills every unset option.
func (o Options) withDefaults() Options {
	o.Host = strings.TrimSpace(o.Host)
	if o.Host == "" {
		o.Host = "0.0.0.0"
	}
	if o.Port <= 0 {
		o.Port = 8090
	}
	defaultDuration(&o.ReadTimeout, 10*time.Second)
	defaultDuration(&o.WriteTimeout, 30*time.Second)
	defaultDuration(&o.ShutdownTimeout, 10*time.Second)
	if len(o.CORSAllowedOrigins) == 0 {
		o.CORSAllowedOrigins = []string{"*"}
	}
	return o
}

func defaultDuration(d *time.Duration, fallback time.Duration) {
	if *d <= 0 {
		*d = fallback
	}
}

func NewServer(deps Deps, logger zerolog.Logger, opts Options) *Server {
	policy := deps.Policy
	if policy == nil {
		policy = auth.DefaultPolicy()
	}
	return &Server{
		hub:      deps.Hub,
		merge:    deps.Merge,
		verifier: deps.Verifier,
		policy:   policy,
		health:   deps.Health,
		logger:   logger,
		opts:     opts.withDefaults(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.hub == nil || s.merge == nil || s.verifier == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.newEcho()

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("dupehub api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("dupehub api server stopped")
	return nil
}

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.opts.CORSAllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", echo.HeaderAuthorization},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:     true,
		LogURI:        true,
		LogMethod:     true,
		LogLatency:    true,
		LogRemoteIP:   true,
		LogRequestID:  true,
		LogError:      true,
		LogValuesFunc: s.logRequest,
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)

	dup := api.Group("/duplicates", s.requireAuth())
	dup.GET("/hub", s.handleHub, s.requirePermission(auth.PermDuplicatesRead))
	dup.GET("/cases", s.handleListCases, s.requirePermission(auth.PermDuplicatesRead))
	dup.POST("/cases", s.handleCreateCase, s.requirePermission(auth.PermDuplicatesWrite))
	dup.POST("/cases/bulk-update", s.handleBulkUpdateCases, s.requirePermission(auth.PermDuplicatesWrite))
	dup.PATCH("/cases/:id", s.handleUpdateCase, s.requirePermission(auth.PermDuplicatesWrite))
	dup.GET("/users/:id/impact", s.handleUserImpact, s.requirePermission(auth.PermDuplicatesRead))
	dup.POST("/users/:id/resolve", s.handleResolveUser, s.requirePermission(auth.PermUsersDeactivate))
	dup.GET("/users/:id/merge-preview", s.handleMergePreview, s.requirePermission(auth.PermDuplicatesRead))
	dup.POST("/users/:id/merge-commit", s.handleMergeCommit, s.requirePermission(auth.PermDuplicatesMerge))
	dup.POST("/merge-operations/:id/rollback", s.handleRollback, s.requirePermission(auth.PermDuplicatesRollback))
	dup.GET("/merge-history", s.handleMergeHistory, s.requirePermission(auth.PermDuplicatesRead))
	dup.GET("/soft-deleted-users", s.handleSoftDeletedUsers, s.requirePermission(auth.PermDuplicatesRead))

	return e
}

func (s *Server) logRequest(c echo.Context, v middleware.RequestLoggerValues) error {
	event := s.logger.Info()
	msg := "http request"
	switch {
	case v.Error != nil:
		event = s.logger.Error().Err(v.Error)
		msg = "http request failed"
	case v.Status >= http.StatusInternalServerError:
		event = s.logger.Warn()
	}
	if principal, ok := principalFromContext(c); ok {
		event = event.Str("admin_id", principal.AdminID)
	}
	event.
		Str("method", v.Method).
		Str("uri", v.URI).
		Int("status", v.Status).
		Dur("latency", v.Latency).
		Str("remote_ip", v.RemoteIP).
		Str("request_id", v.RequestID).
		Msg(msg)
	return nil
}

// httpErrorHandler keeps router errors (unknown route, bad method) inside
// the JSend envelope.
func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if !errors.As(err, &he) {
		s.logger.Error().Err(err).Str("request_id", requestID(c)).Str("path", c.Request().URL.Path).Msg("unhandled request error")
		_ = internalError(c, "Internal server error")
		return
	}
	if he.Code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("request_id", requestID(c)).Msg("router error")
		_ = internalError(c, "Internal server error")
		return
	}

	message := http.StatusText(he.Code)
	if text, ok := he.Message.(string); ok && strings.TrimSpace(text) != "" {
		message = text
	}
	_ = fail(c, he.Code, message, nil)
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.health != nil {
		if err := s.health.Ping(c.Request().Context()); err != nil {
			s.logger.Error().Err(err).Msg("health check failed")
			return fail(c, http.StatusServiceUnavailable, "Database unavailable", nil)
		}
	}
	return success(c, map[string]any{
		"service": "dupehub",
		"time":    globaltime.UTC(),
	})
}
