package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fieldops-security/internal/domain/security"
	"fieldops-security/internal/middleware"
	"fieldops-security/internal/pkg/device"
	xerrors "fieldops-security/internal/pkg/errors"
	"fieldops-security/internal/pkg/validation"
	authUsecase "fieldops-security/internal/service/auth"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubValidator struct{ p *authUsecase.Principal }

func (s stubValidator) ValidateToken(context.Context, string) (*authUsecase.Principal, error) {
	return s.p, nil
}

type fakeSessions struct {
	owner       uuid.UUID
	terminated  map[uuid.UUID]security.TerminationReason
	exceptSaved uuid.UUID
}

func (f *fakeSessions) TerminateOwnSession(_ context.Context, userID, sessionID uuid.UUID, reason security.TerminationReason) (*security.Session, error) {
	if userID != f.owner {
		return nil, xerrors.ErrNotFound
	}
	if !reason.Valid() {
		return nil, xerrors.ErrInvalidTermination
	}
	f.terminated[sessionID] = reason
	return &security.Session{ID: sessionID, UserID: userID, TerminationReason: &reason}, nil
}

func (f *fakeSessions) TerminateAllSessions(_ context.Context, _, except uuid.UUID, _ security.TerminationReason) (int, error) {
	f.exceptSaved = except
	return 2, nil
}

func (f *fakeSessions) UpdateActivity(context.Context, string) (bool, error) { return true, nil }

func (f *fakeSessions) ActiveSessions(_ context.Context, userID uuid.UUID) ([]security.Session, error) {
	return []security.Session{{ID: uuid.New(), UserID: userID, IsActive: true}}, nil
}

func (f *fakeSessions) History(context.Context, uuid.UUID, security.ListQuery) ([]security.Session, error) {
	return nil, nil
}

func (f *fakeSessions) SecurityEvents(context.Context, uuid.UUID, security.ListQuery) ([]security.SecurityEvent, error) {
	return nil, nil
}

type fakeEntry struct{ ua string }

func (f *fakeEntry) EnterSession(_ context.Context, p *authUsecase.Principal, attrs device.Attributes, _ string) (*security.Session, error) {
	f.ua = attrs.UserAgent
	return &security.Session{ID: p.SessionID, UserID: p.UserID, IsActive: true}, nil
}

type defaultPolicy struct{}

func (defaultPolicy) Effective(_ context.Context, orgID uuid.UUID) security.SessionPolicy {
	return security.DefaultSessionPolicy(orgID)
}

type rig struct {
	router   *gin.Engine
	sessions *fakeSessions
	entry    *fakeEntry
	p        *authUsecase.Principal
}

func newRig(t *testing.T) *rig {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, validation.Register())

	p := &authUsecase.Principal{UserID: uuid.New(), OrgID: uuid.New(), SessionID: uuid.New(), SessionToken: "01J0"}
	r := &rig{
		router:   gin.New(),
		sessions: &fakeSessions{terminated: map[uuid.UUID]security.TerminationReason{}},
		entry:    &fakeEntry{},
		p:        p,
	}
	r.sessions.owner = p.UserID

	h := NewSessionHandler(r.sessions, r.entry, defaultPolicy{}, zap.NewNop())
	g := r.router.Group("/api/v1", middleware.NewAuthMiddleware(stubValidator{p}).Auth())
	g.POST("/sessions", h.CreateSession)
	g.POST("/sessions/activity", h.Activity)
	g.GET("/sessions", h.ListActive)
	g.DELETE("/sessions/:session_id", h.Terminate)
	g.POST("/sessions/terminate-others", h.TerminateOthers)
	g.GET("/security/policy", h.Policy)
	return r
}

func (r *rig) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("User-Agent", "Mozilla/5.0 Chrome/126.0")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.router.ServeHTTP(w, req)
	return w
}

func TestCreateSessionPassesUserAgent(t *testing.T) {
	r := newRig(t)
	w := r.do(http.MethodPost, "/api/v1/sessions", `{"device":{"timezone":"Africa/Nairobi"}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Mozilla/5.0 Chrome/126.0", r.entry.ua)
}

func TestTerminateDefaultsReason(t *testing.T) {
	r := newRig(t)
	other := uuid.New()

	w := r.do(http.MethodDelete, "/api/v1/sessions/"+other.String(), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, security.ReasonUserTerminatedOther, r.sessions.terminated[other])

	w = r.do(http.MethodDelete, "/api/v1/sessions/"+r.p.SessionID.String(), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, security.ReasonUserLogout, r.sessions.terminated[r.p.SessionID])
}

func TestTerminateRejectsUnknownReason(t *testing.T) {
	r := newRig(t)
	w := r.do(http.MethodDelete, "/api/v1/sessions/"+uuid.NewString(), `{"reason":"because"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTerminateRejectsBadID(t *testing.T) {
	r := newRig(t)
	assert.Equal(t, http.StatusBadRequest, r.do(http.MethodDelete, "/api/v1/sessions/abc", "").Code)
}

func TestTerminateOthersKeepsCurrent(t *testing.T) {
	r := newRig(t)
	w := r.do(http.MethodPost, "/api/v1/sessions/terminate-others", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, r.p.SessionID, r.sessions.exceptSaved)

	var body struct {
		Data security.TerminateOthersResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Data.Terminated)
}

func TestPolicyUsesCallerOrg(t *testing.T) {
	r := newRig(t)
	w := r.do(http.MethodGet, "/api/v1/security/policy", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data security.SessionPolicy `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, r.p.OrgID, body.Data.OrgID)
}
