package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/haos/internal/auth"
	"github.com/victorivanov/haos/internal/bulk"
	"github.com/victorivanov/haos/internal/gateway"
	"github.com/victorivanov/haos/internal/service"
)

type routerFixture struct {
	env    *testEnv
	e      *echo.Echo
	tokens *auth.TokenService
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	env := newTestEnv()
	tokens := auth.NewTokenService("router-test-secret", time.Hour)

	e := echo.New()
	SetupRouter(e, &Dependencies{
		Health:       NewHealthHandler(nil),
		Roles:        env.roleHandler(),
		Members:      env.memberHandler(),
		Bulk:         env.bulkHandler(),
		History:      env.historyHandler(),
		Gateway:      gateway.NewManager(tokens, env.servers),
		Permissions:  env.perms,
		TokenService: tokens,
	})
	return &routerFixture{env: env, e: e, tokens: tokens}
}

func (f *routerFixture) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if userID != "" {
		token, err := f.tokens.GenerateAccessToken(userID)
		if err != nil {
			t.Fatalf("generating token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_RequiresToken(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/servers/srv1/roles", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_BulkRequiresManageRoles(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/servers/srv1/bulk-sessions", plainID, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_HistoryRequiresAuditLog(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/servers/srv1/role-history", plainID, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodGet, "/api/v1/servers/srv1/role-history", modID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_BulkAssignmentOverHTTP(t *testing.T) {
	f := newRouterFixture(t)
	base := "/api/v1/servers/srv1/bulk-sessions"

	rec := f.do(t, http.MethodPost, base, modID, `{"preselected":["m-plain","m-owner"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var view service.SessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to unmarshal session: %v", err)
	}
	session := base + "/" + view.ID

	steps := []struct {
		method string
		path   string
		body   string
		status int
	}{
		{http.MethodPost, session + "/changes", `{"role_id":"helper","action":"add"}`, http.StatusOK},
		{http.MethodPost, session + "/changes", `{"role_id":"helper","action":"remove"}`, http.StatusOK},
		{http.MethodDelete, session + "/changes/1", "", http.StatusOK},
		{http.MethodPost, session + "/preview", "", http.StatusOK},
		{http.MethodPost, session + "/confirm", "", http.StatusOK},
	}
	for _, s := range steps {
		rec = f.do(t, s.method, s.path, modID, s.body)
		if rec.Code != s.status {
			t.Fatalf("%s %s: expected %d, got %d: %s", s.method, s.path, s.status, rec.Code, rec.Body.String())
		}
	}

	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to unmarshal session: %v", err)
	}
	if view.State != bulk.StateSelecting {
		t.Errorf("expected selecting after confirm, got %s", view.State)
	}
	for _, id := range []string{"m-plain", "m-owner"} {
		if roles := f.env.memberRoles(id); len(roles) != 1 || roles[0] != "helper" {
			t.Errorf("expected %s to hold helper, got %v", id, roles)
		}
	}

	rec = f.do(t, http.MethodDelete, session, modID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("close: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
}
