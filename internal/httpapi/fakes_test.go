package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"horse.fit/dupehub/internal/auth"
	"horse.fit/dupehub/internal/db"
	"horse.fit/dupehub/internal/duplicates"
	"horse.fit/dupehub/internal/hub"
	"horse.fit/dupehub/internal/merge"
)

const testSecret = "httpapi-test-secret-0123456789abcdef"

var errUnexpectedCall = errors.New("unexpected call")

type fakeHubService struct {
	mu sync.Mutex

	view       *hub.HubView
	lastQuery  hub.HubQuery
	list       hub.CaseList
	lastFilter db.CaseFilter
	created    bool
	createIn   hub.CaseInput
	updateErr  error
	bulkIDs    []string
	bulkStatus duplicates.CaseStatus
	bulkResult hub.BulkResult
	bulkErr    error
}

func (f *fakeHubService) Hub(_ context.Context, q hub.HubQuery) (*hub.HubView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	if f.view == nil {
		return nil, errUnexpectedCall
	}
	return f.view, nil
}

func (f *fakeHubService) ListCases(_ context.Context, filter db.CaseFilter) (hub.CaseList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	return f.list, nil
}

func (f *fakeHubService) CreateCase(_ context.Context, in hub.CaseInput) (*db.CaseRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createIn = in
	return &db.CaseRecord{ID: "c0c0c0c0-0000-4000-8000-000000000001", EntityType: in.EntityType, Key: in.Key}, f.created, nil
}

func (f *fakeHubService) UpdateCase(_ context.Context, caseID string, _ db.CasePatch) (*db.CaseRecord, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &db.CaseRecord{ID: caseID}, nil
}

func (f *fakeHubService) BulkUpdateStatus(_ context.Context, caseIDs []string, status duplicates.CaseStatus) (hub.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkIDs = caseIDs
	f.bulkStatus = status
	return f.bulkResult, f.bulkErr
}

type fakeMergeService struct {
	impact      func(userID string) (*merge.Impact, error)
	resolve     func(userID string, req merge.ResolveRequest) (*merge.ResolveResult, error)
	preview     func(sourceID, targetID string) (*merge.Preview, error)
	commit      func(req merge.CommitRequest) (*merge.CommitResult, error)
	rollback    func(operationID, performedBy string) (*merge.RollbackResult, error)
	history     func(filter merge.HistoryFilter) (*merge.HistoryPage, error)
	softDeleted func(page db.Page) (*merge.SoftDeletedPage, error)
}

func (f *fakeMergeService) Impact(_ context.Context, userID string) (*merge.Impact, error) {
	if f.impact == nil {
		return nil, errUnexpectedCall
	}
	return f.impact(userID)
}

func (f *fakeMergeService) Resolve(_ context.Context, userID string, req merge.ResolveRequest) (*merge.ResolveResult, error) {
	if f.resolve == nil {
		return nil, errUnexpectedCall
	}
	return f.resolve(userID, req)
}

func (f *fakeMergeService) Preview(_ context.Context, sourceID, targetID string) (*merge.Preview, error) {
	if f.preview == nil {
		return nil, errUnexpectedCall
	}
	return f.preview(sourceID, targetID)
}

func (f *fakeMergeService) Commit(_ context.Context, req merge.CommitRequest) (*merge.CommitResult, error) {
	if f.commit == nil {
		return nil, errUnexpectedCall
	}
	return f.commit(req)
}

func (f *fakeMergeService) Rollback(_ context.Context, operationID, performedBy string) (*merge.RollbackResult, error) {
	if f.rollback == nil {
		return nil, errUnexpectedCall
	}
	return f.rollback(operationID, performedBy)
}

func (f *fakeMergeService) ListMergeHistory(_ context.Context, filter merge.HistoryFilter) (*merge.HistoryPage, error) {
	if f.history == nil {
		return nil, errUnexpectedCall
	}
	return f.history(filter)
}

func (f *fakeMergeService) ListSoftDeletedUsers(_ context.Context, page db.Page) (*merge.SoftDeletedPage, error) {
	if f.softDeleted == nil {
		return nil, errUnexpectedCall
	}
	return f.softDeleted(page)
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error {
	return p.err
}

func newTestServer(hubSvc *fakeHubService, mergeSvc *fakeMergeService) *Server {
	if hubSvc == nil {
		hubSvc = &fakeHubService{}
	}
	if mergeSvc == nil {
		mergeSvc = &fakeMergeService{}
	}
	return NewServer(Deps{
		Hub:      hubSvc,
		Merge:    mergeSvc,
		Verifier: auth.NewVerifier(testSecret, ""),
		Policy:   auth.DefaultPolicy(),
	}, zerolog.Nop(), Options{})
}

func newJSONContext(
	method string,
	path string,
	body string,
) (*echo.Echo, echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e, e.NewContext(req, rec), rec
}

// serve routes one request through the full middleware stack.
func serve(s *Server, method, path, body, token string) *httptest.ResponseRecorder {
	e := s.newEcho()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func tokenFor(t *testing.T, adminID, role string, perms ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  adminID,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	if len(perms) > 0 {
		claims["permissions"] = perms
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return env
}

func principalFor(adminID string) auth.Principal {
	return auth.Principal{AdminID: adminID, Role: auth.RoleSuperAdmin}
}
