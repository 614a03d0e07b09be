package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fieldops-security/internal/domain/security"
	"fieldops-security/internal/middleware"
	xerrors "fieldops-security/internal/pkg/errors"
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

// directory knows which organisation owns each account and session.
type directory struct {
	accountOrg map[uuid.UUID]uuid.UUID
	sessionOrg map[uuid.UUID]uuid.UUID
	unlocked   []uuid.UUID
	terminated map[uuid.UUID]security.TerminationReason
	saved      *security.SessionPolicy
}

func (d *directory) Unlock(_ context.Context, orgID, userID uuid.UUID, _ string) error {
	if org, ok := d.accountOrg[userID]; !ok || org != orgID {
		return xerrors.ErrNotFound
	}
	d.unlocked = append(d.unlocked, userID)
	return nil
}

func (d *directory) TerminateOrgSession(_ context.Context, orgID, sessionID uuid.UUID, reason security.TerminationReason) (*security.Session, error) {
	if org, ok := d.sessionOrg[sessionID]; !ok || org != orgID {
		return nil, xerrors.ErrNotFound
	}
	d.terminated[sessionID] = reason
	return &security.Session{ID: sessionID, OrgID: orgID, TerminationReason: &reason}, nil
}

func (d *directory) Update(_ context.Context, p security.SessionPolicy) (security.SessionPolicy, error) {
	d.saved = &p
	return p, nil
}

func (d *directory) TotalClients() int { return 7 }

type rig struct {
	router *gin.Engine
	dir    *directory
	admin  *authUsecase.Principal
}

func newRig(t *testing.T, roles ...string) *rig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if len(roles) == 0 {
		roles = []string{"admin"}
	}
	admin := &authUsecase.Principal{UserID: uuid.New(), OrgID: uuid.New(), SessionID: uuid.New(), Roles: roles}
	r := &rig{
		router: gin.New(),
		dir: &directory{
			accountOrg: map[uuid.UUID]uuid.UUID{},
			sessionOrg: map[uuid.UUID]uuid.UUID{},
			terminated: map[uuid.UUID]security.TerminationReason{},
		},
		admin: admin,
	}

	h := NewAdminHandler(r.dir, r.dir, r.dir, r.dir, zap.NewNop())
	g := r.router.Group("/api/v1/admin", middleware.NewAuthMiddleware(stubValidator{admin}).AdminOnly()...)
	g.POST("/accounts/:user_id/unlock", h.UnlockAccount)
	g.DELETE("/sessions/:session_id", h.TerminateSession)
	g.PUT("/policy", h.UpdatePolicy)
	g.GET("/ws/stats", h.GetStats)
	return r
}

func (r *rig) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer token")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.router.ServeHTTP(w, req)
	return w
}

func TestUnlockAccountInOwnOrganisation(t *testing.T) {
	r := newRig(t)
	user := uuid.New()
	r.dir.accountOrg[user] = r.admin.OrgID

	w := r.do(http.MethodPost, "/api/v1/admin/accounts/"+user.String()+"/unlock", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []uuid.UUID{user}, r.dir.unlocked)
}

func TestUnlockAccountOfAnotherOrganisationIsNotFound(t *testing.T) {
	r := newRig(t)
	user := uuid.New()
	r.dir.accountOrg[user] = uuid.New()

	w := r.do(http.MethodPost, "/api/v1/admin/accounts/"+user.String()+"/unlock", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, r.dir.unlocked)
}

func TestTerminateSessionIsScopedToOrganisation(t *testing.T) {
	r := newRig(t)
	own, foreign := uuid.New(), uuid.New()
	r.dir.sessionOrg[own] = r.admin.OrgID
	r.dir.sessionOrg[foreign] = uuid.New()

	w := r.do(http.MethodDelete, "/api/v1/admin/sessions/"+foreign.String(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotContains(t, r.dir.terminated, foreign)

	w = r.do(http.MethodDelete, "/api/v1/admin/sessions/"+own.String(), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, security.ReasonAdminTerminated, r.dir.terminated[own])
}

func TestTerminateSessionRejectsBadID(t *testing.T) {
	r := newRig(t)
	assert.Equal(t, http.StatusBadRequest, r.do(http.MethodDelete, "/api/v1/admin/sessions/nope", "").Code)
}

func TestUpdatePolicyForcesAdminOrganisation(t *testing.T) {
	r := newRig(t)
	body := `{"org_id":"` + uuid.NewString() + `","idle_timeout_minutes":10}`

	w := r.do(http.MethodPut, "/api/v1/admin/policy", body)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, r.dir.saved)
	assert.Equal(t, r.admin.OrgID, r.dir.saved.OrgID)
	assert.Equal(t, 10, r.dir.saved.IdleTimeoutMinutes)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	r := newRig(t, "agent")
	user := uuid.New()
	r.dir.accountOrg[user] = r.admin.OrgID

	w := r.do(http.MethodPost, "/api/v1/admin/accounts/"+user.String()+"/unlock", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, r.dir.unlocked)
}

func TestGetStats(t *testing.T) {
	r := newRig(t)
	w := r.do(http.MethodGet, "/api/v1/admin/ws/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data struct {
			TotalConnections int `json:"total_connections"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 7, body.Data.TotalConnections)
}
