package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"horse.fit/dupehub/internal/db"
	"horse.fit/dupehub/internal/duplicates"
	"horse.fit/dupehub/internal/hub"
)

type createCaseRequest struct {
	EntityType string                      `json:"entityType"`
	Key        string                      `json:"key"`
	Reason     string                      `json:"reason"`
	Confidence int                         `json:"confidence"`
	Signals    duplicates.Signals          `json:"signals"`
	Primary    *duplicates.RecordSnapshot  `json:"primary"`
	Duplicates []duplicates.RecordSnapshot `json:"duplicates"`
	Status     string                      `json:"status"`
	Assignee   *string                     `json:"assignee"`
	Notes      *string                     `json:"notes"`
}

type updateCaseRequest struct {
	Status   *string `json:"status"`
	Assignee *string `json:"assignee"`
	Notes    *string `json:"notes"`
}

type bulkUpdateRequest struct {
	IDs    []string `json:"ids"`
	Status string   `json:"status"`
}

func (s *Server) handleHub(c echo.Context) error {
	var q hub.HubQuery

	if raw := strings.TrimSpace(c.QueryParam("entityType")); raw != "" {
		entityType, err := duplicates.ParseEntityType(raw)
		if err != nil {
			return failValidation(c, map[string]string{"entityType": err.Error()})
		}
		q.EntityType = entityType
	}
	if raw := strings.TrimSpace(c.QueryParam("minConfidence")); raw != "" {
		minConfidence, err := parsePositiveInt(raw, 0, 0, 100)
		if err != nil {
			return failValidation(c, map[string]string{"minConfidence": err.Error()})
		}
		q.MinConfidence = &minConfidence
	}
	includeResolved, err := parseOptionalBool(c.QueryParam("includeResolved"))
	if err != nil {
		return failValidation(c, map[string]string{"includeResolved": err.Error()})
	}
	q.IncludeResolved = includeResolved

	view, err := s.hub.Hub(c.Request().Context(), q)
	if err != nil {
		return s.respondError(c, err, "load duplicate hub")
	}
	return success(c, view)
}

func (s *Server) handleListCases(c echo.Context) error {
	page, fieldErrors := parsePage(c)
	if fieldErrors != nil {
		return failValidation(c, fieldErrors)
	}

	filter := db.CaseFilter{
		EntityType: duplicates.EntityType(strings.TrimSpace(c.QueryParam("entityType"))),
		Status:     duplicates.CaseStatus(strings.TrimSpace(c.QueryParam("status"))),
		Assignee:   strings.TrimSpace(c.QueryParam("assignee")),
		Page:       page,
	}
	if filter.EntityType != "" {
		entityType, err := duplicates.ParseEntityType(string(filter.EntityType))
		if err != nil {
			return failValidation(c, map[string]string{"entityType": err.Error()})
		}
		filter.EntityType = entityType
	}
	if filter.Status != "" {
		status, err := duplicates.ParseCaseStatus(string(filter.Status))
		if err != nil {
			return failValidation(c, map[string]string{"status": err.Error()})
		}
		filter.Status = status
	}

	list, err := s.hub.ListCases(c.Request().Context(), filter)
	if err != nil {
		return s.respondError(c, err, "list duplicate cases")
	}
	return success(c, list)
}

func (s *Server) handleCreateCase(c echo.Context) error {
	var req createCaseRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	entityType, err := duplicates.ParseEntityType(req.EntityType)
	if err != nil {
		return failValidation(c, map[string]string{"entityType": err.Error()})
	}
	var status duplicates.CaseStatus
	if strings.TrimSpace(req.Status) != "" {
		status, err = duplicates.ParseCaseStatus(req.Status)
		if err != nil {
			return failValidation(c, map[string]string{"status": err.Error()})
		}
	}

	record, created, err := s.hub.CreateCase(c.Request().Context(), hub.CaseInput{
		EntityType: entityType,
		Key:        req.Key,
		Reason:     req.Reason,
		Confidence: req.Confidence,
		Signals:    req.Signals,
		Primary:    req.Primary,
		Duplicates: req.Duplicates,
		Status:     status,
		Assignee:   req.Assignee,
		Notes:      req.Notes,
	})
	if err != nil {
		return s.respondError(c, err, "create duplicate case")
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	return successWithStatus(c, code, map[string]any{
		"case":    record,
		"created": created,
	})
}

func (s *Server) handleUpdateCase(c echo.Context) error {
	var req updateCaseRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	patch := db.CasePatch{Assignee: req.Assignee, Notes: req.Notes}
	if req.Status != nil {
		status, err := duplicates.ParseCaseStatus(*req.Status)
		if err != nil {
			return failValidation(c, map[string]string{"status": err.Error()})
		}
		patch.Status = &status
	}

	record, err := s.hub.UpdateCase(c.Request().Context(), strings.TrimSpace(c.Param("id")), patch)
	if err != nil {
		return s.respondError(c, err, "update duplicate case")
	}
	return success(c, record)
}

func (s *Server) handleBulkUpdateCases(c echo.Context) error {
	var req bulkUpdateRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	status, err := duplicates.ParseCaseStatus(req.Status)
	if err != nil {
		return failValidation(c, map[string]string{"status": err.Error()})
	}

	result, err := s.hub.BulkUpdateStatus(c.Request().Context(), req.IDs, status)
	if err != nil {
		return s.respondError(c, err, "bulk update duplicate cases")
	}
	return success(c, result)
}
