package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"horse.fit/dupehub/internal/auth"
	"horse.fit/dupehub/internal/duplicates"
	"horse.fit/dupehub/internal/merge"
)

type mergeCommitRequest struct {
	TargetUserID    string  `json:"targetUserId"`
	DuplicateCaseID *string `json:"duplicateCaseId"`
	SuggestionKey   *string `json:"suggestionKey"`
	Confirmed       bool    `json:"confirmed"`
	Note            string  `json:"note"`
}

type resolveRequest struct {
	Action          string  `json:"action"`
	PrimaryUserID   string  `json:"primaryUserId"`
	DuplicateCaseID *string `json:"duplicateCaseId"`
	Note            string  `json:"note"`
}

// resolvePermissions lists what each resolve action needs on top of
// users:deactivate, which the route already checks.
var resolvePermissions = map[merge.ResolveAction][]auth.Permission{
	merge.ResolveDeactivate:       nil,
	merge.ResolveHardDeleteIfSafe: {auth.PermUsersHardDelete},
	merge.ResolveMergeIntoPrimary: {auth.PermDuplicatesMerge},
}

func (s *Server) handleUserImpact(c echo.Context) error {
	impact, err := s.merge.Impact(c.Request().Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		return s.respondError(c, err, "load user impact")
	}
	return success(c, impact)
}

func (s *Server) handleResolveUser(c echo.Context) error {
	principal, ok := principalFromContext(c)
	if !ok {
		return failUnauthorized(c)
	}

	var req resolveRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	action, err := merge.ParseResolveAction(req.Action)
	if err != nil {
		return s.respondError(c, err, "resolve user")
	}
	if extra := resolvePermissions[action]; len(extra) > 0 {
		if err := s.policy.Authorize(principal, extra...); err != nil {
			return s.forbidden(c, principal, err)
		}
	}

	result, err := s.merge.Resolve(c.Request().Context(), strings.TrimSpace(c.Param("id")), merge.ResolveRequest{
		Action:          action,
		PrimaryUserID:   strings.TrimSpace(req.PrimaryUserID),
		DuplicateCaseID: optionalString(req.DuplicateCaseID),
		Note:            req.Note,
		PerformedBy:     principal.AdminID,
	})
	if err != nil {
		if merge.IsPartial(err) && result != nil {
			return success(c, result)
		}
		return s.respondError(c, err, "resolve user")
	}
	return success(c, result)
}

func (s *Server) handleMergePreview(c echo.Context) error {
	targetID := strings.TrimSpace(c.QueryParam("targetUserId"))
	if targetID == "" {
		return failValidation(c, map[string]string{"targetUserId": "is required"})
	}

	preview, err := s.merge.Preview(c.Request().Context(), strings.TrimSpace(c.Param("id")), targetID)
	if err != nil {
		return s.respondError(c, err, "preview merge")
	}
	return success(c, preview)
}

func (s *Server) handleMergeCommit(c echo.Context) error {
	principal, ok := principalFromContext(c)
	if !ok {
		return failUnauthorized(c)
	}

	var req mergeCommitRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	result, err := s.merge.Commit(c.Request().Context(), merge.CommitRequest{
		SourceUserID:    strings.TrimSpace(c.Param("id")),
		TargetUserID:    strings.TrimSpace(req.TargetUserID),
		DuplicateCaseID: optionalString(req.DuplicateCaseID),
		SuggestionKey:   optionalString(req.SuggestionKey),
		Confirmed:       req.Confirmed,
		Note:            req.Note,
		PerformedBy:     principal.AdminID,
	})
	if err != nil {
		// A partial merge is recorded and can be rolled back, so the
		// operator gets the result rather than an error.
		if merge.IsPartial(err) && result != nil {
			return success(c, result)
		}
		return s.respondError(c, err, "commit merge")
	}
	return successWithStatus(c, http.StatusCreated, result)
}

func (s *Server) handleRollback(c echo.Context) error {
	principal, ok := principalFromContext(c)
	if !ok {
		return failUnauthorized(c)
	}

	result, err := s.merge.Rollback(c.Request().Context(), strings.TrimSpace(c.Param("id")), principal.AdminID)
	if err != nil {
		return s.respondError(c, err, "roll back merge")
	}
	return success(c, result)
}

func (s *Server) handleMergeHistory(c echo.Context) error {
	page, fieldErrors := parsePage(c)
	if fieldErrors != nil {
		return failValidation(c, fieldErrors)
	}

	history, err := s.merge.ListMergeHistory(c.Request().Context(), merge.HistoryFilter{
		UserID: strings.TrimSpace(c.QueryParam("userId")),
		Status: duplicates.MergeStatus(strings.TrimSpace(c.QueryParam("status"))),
		Page:   page,
	})
	if err != nil {
		return s.respondError(c, err, "list merge history")
	}
	return success(c, history)
}

func (s *Server) handleSoftDeletedUsers(c echo.Context) error {
	page, fieldErrors := parsePage(c)
	if fieldErrors != nil {
		return failValidation(c, fieldErrors)
	}

	users, err := s.merge.ListSoftDeletedUsers(c.Request().Context(), page)
	if err != nil {
		return s.respondError(c, err, "list soft-deleted users")
	}
	return success(c, users)
}
