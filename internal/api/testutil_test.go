package api

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"

	"github.com/victorivanov/haos/internal/auth"
	"github.com/victorivanov/haos/internal/bulk"
	"github.com/victorivanov/haos/internal/models"
	"github.com/victorivanov/haos/internal/permissions"
	redisclient "github.com/victorivanov/haos/internal/redis"
	"github.com/victorivanov/haos/internal/service"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestContext(method, path string, body io.Reader) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return c, rec
}

func setAuthUser(c echo.Context, userID string) {
	auth.SetUserID(c, userID)
}

func newTestRedis(t *testing.T) *redisclient.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := redisclient.NewClient("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("creating test redis client: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// ---------------------------------------------------------------------------
// Mock gateway dispatcher
// ---------------------------------------------------------------------------

type dispatchedEvent struct {
	ServerID string
	UserID   string
	Event    string
	Data     any
}

type mockGateway struct {
	mu     sync.Mutex
	events []dispatchedEvent
}

func (m *mockGateway) DispatchToServer(serverID string, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, dispatchedEvent{ServerID: serverID, Event: event, Data: data})
}

func (m *mockGateway) DispatchToUser(userID string, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, dispatchedEvent{UserID: userID, Event: event, Data: data})
}

func (m *mockGateway) count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Mock repositories
// ---------------------------------------------------------------------------

// mockServerRepo implements database.ServerRepository.
type mockServerRepo struct {
	GetByIDFn     func(ctx context.Context, id string) (*models.Server, error)
	GetByUserIDFn func(ctx context.Context, userID string) ([]models.Server, error)
}

func (m *mockServerRepo) Create(ctx context.Context, server *models.Server) error { return nil }

func (m *mockServerRepo) GetByID(ctx context.Context, id string) (*models.Server, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockServerRepo) Delete(ctx context.Context, id string) error { return nil }

func (m *mockServerRepo) GetByUserID(ctx context.Context, userID string) ([]models.Server, error) {
	if m.GetByUserIDFn != nil {
		return m.GetByUserIDFn(ctx, userID)
	}
	return nil, nil
}

// mockRoleRepo implements database.RoleRepository.
type mockRoleRepo struct {
	CreateFn          func(ctx context.Context, role *models.Role) error
	GetByIDFn         func(ctx context.Context, id string) (*models.Role, error)
	GetByServerIDFn   func(ctx context.Context, serverID string) ([]models.Role, error)
	UpdateFn          func(ctx context.Context, role *models.Role) error
	DeleteFn          func(ctx context.Context, id string) error
	UpdatePositionsFn func(ctx context.Context, serverID string, positions map[string]int) error
}

func (m *mockRoleRepo) Create(ctx context.Context, role *models.Role) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, role)
	}
	return nil
}

func (m *mockRoleRepo) GetByID(ctx context.Context, id string) (*models.Role, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockRoleRepo) GetByServerID(ctx context.Context, serverID string) ([]models.Role, error) {
	if m.GetByServerIDFn != nil {
		return m.GetByServerIDFn(ctx, serverID)
	}
	return nil, nil
}

func (m *mockRoleRepo) Update(ctx context.Context, role *models.Role) error {
	if m.UpdateFn != nil {
		return m.UpdateFn(ctx, role)
	}
	return nil
}

func (m *mockRoleRepo) Delete(ctx context.Context, id string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, id)
	}
	return nil
}

func (m *mockRoleRepo) UpdatePositions(ctx context.Context, serverID string, positions map[string]int) error {
	if m.UpdatePositionsFn != nil {
		return m.UpdatePositionsFn(ctx, serverID, positions)
	}
	return nil
}

// mockMemberRepo implements database.MemberRepository.
type mockMemberRepo struct {
	GetByIDFn            func(ctx context.Context, id string) (*models.Member, error)
	GetByServerAndUserFn func(ctx context.Context, serverID, userID string) (*models.Member, error)
	GetByServerIDFn      func(ctx context.Context, serverID string, limit, offset int) ([]models.Member, error)
	GetByIDsFn           func(ctx context.Context, serverID string, ids []string) ([]models.Member, error)
	ApplyRoleChangesFn   func(ctx context.Context, batch models.RoleChangeBatch) ([]models.AuditEntry, error)
}

func (m *mockMemberRepo) Create(ctx context.Context, member *models.Member) error { return nil }

func (m *mockMemberRepo) GetByID(ctx context.Context, id string) (*models.Member, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockMemberRepo) GetByServerAndUser(ctx context.Context, serverID, userID string) (*models.Member, error) {
	if m.GetByServerAndUserFn != nil {
		return m.GetByServerAndUserFn(ctx, serverID, userID)
	}
	return nil, nil
}

func (m *mockMemberRepo) GetByServerID(ctx context.Context, serverID string, limit, offset int) ([]models.Member, error) {
	if m.GetByServerIDFn != nil {
		return m.GetByServerIDFn(ctx, serverID, limit, offset)
	}
	return nil, nil
}

func (m *mockMemberRepo) GetByIDs(ctx context.Context, serverID string, ids []string) ([]models.Member, error) {
	if m.GetByIDsFn != nil {
		return m.GetByIDsFn(ctx, serverID, ids)
	}
	return nil, nil
}

func (m *mockMemberRepo) Delete(ctx context.Context, id string) error { return nil }

func (m *mockMemberRepo) AddRole(ctx context.Context, memberID, roleID string) error { return nil }

func (m *mockMemberRepo) RemoveRole(ctx context.Context, memberID, roleID string) error { return nil }

func (m *mockMemberRepo) ApplyRoleChanges(ctx context.Context, batch models.RoleChangeBatch) ([]models.AuditEntry, error) {
	if m.ApplyRoleChangesFn != nil {
		return m.ApplyRoleChangesFn(ctx, batch)
	}
	return nil, nil
}

// mockAuditRepo implements database.AuditLogRepository.
type mockAuditRepo struct {
	GetByIDFn          func(ctx context.Context, id string) (*models.AuditEntry, error)
	GetByServerIDFn    func(ctx context.Context, serverID, actionType string, limit int) ([]models.AuditEntry, error)
	ExistsWithReasonFn func(ctx context.Context, serverID, reason string) (bool, error)
}

func (m *mockAuditRepo) Create(ctx context.Context, entry *models.AuditEntry) error { return nil }

func (m *mockAuditRepo) GetByID(ctx context.Context, id string) (*models.AuditEntry, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockAuditRepo) GetByServerID(ctx context.Context, serverID, actionType string, limit int) ([]models.AuditEntry, error) {
	if m.GetByServerIDFn != nil {
		return m.GetByServerIDFn(ctx, serverID, actionType, limit)
	}
	return nil, nil
}

func (m *mockAuditRepo) ExistsWithReason(ctx context.Context, serverID, reason string) (bool, error) {
	if m.ExistsWithReasonFn != nil {
		return m.ExistsWithReasonFn(ctx, serverID, reason)
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// Test server fixture
// ---------------------------------------------------------------------------

const (
	serverID   = "srv1"
	ownerID    = "@owner:haos.test"
	modID      = "@mod:haos.test"
	plainID    = "@plain:haos.test"
	strangerID = "@stranger:haos.test"
)

// testEnv is one server with an owner, a moderator (MANAGE_ROLES at
// position 2) and a plain member, backed by in-memory mocks.
type testEnv struct {
	mu      sync.Mutex
	roles   []models.Role
	members []models.Member
	audit   []models.AuditEntry

	servers    *mockServerRepo
	roleRepo   *mockRoleRepo
	memberRepo *mockMemberRepo
	auditRepo  *mockAuditRepo
	gw         *mockGateway

	perms   *service.PermissionChecker
	bulkSvc *service.BulkService
}

func newTestEnv() *testEnv {
	env := &testEnv{
		roles: []models.Role{
			{ID: serverID, ServerID: serverID, Name: "@everyone", IsDefault: true, Permissions: int64(permissions.PermViewChannels)},
			{ID: "helper", ServerID: serverID, Name: "Helper", Position: 1, Permissions: int64(permissions.PermManageMessages)},
			{ID: "mod", ServerID: serverID, Name: "Moderator", Position: 2,
				Permissions: int64(permissions.PermManageRoles | permissions.PermViewAuditLog)},
		},
		members: []models.Member{
			{ID: "m-owner", ServerID: serverID, UserID: ownerID, DisplayName: "Olga", Roles: []string{}},
			{ID: "m-mod", ServerID: serverID, UserID: modID, DisplayName: "Mo", Roles: []string{"mod"}},
			{ID: "m-plain", ServerID: serverID, UserID: plainID, DisplayName: "Pat", Roles: []string{}},
		},
		gw: &mockGateway{},
	}

	env.servers = &mockServerRepo{
		GetByIDFn: func(_ context.Context, id string) (*models.Server, error) {
			if id != serverID {
				return nil, nil
			}
			return &models.Server{ID: serverID, Name: "Test", OwnerID: ownerID}, nil
		},
	}
	env.roleRepo = &mockRoleRepo{
		GetByIDFn: func(_ context.Context, id string) (*models.Role, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			for _, r := range env.roles {
				if r.ID == id {
					return &r, nil
				}
			}
			return nil, nil
		},
		GetByServerIDFn: func(context.Context, string) ([]models.Role, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			return append([]models.Role(nil), env.roles...), nil
		},
		CreateFn: func(_ context.Context, role *models.Role) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.roles = append(env.roles, *role)
			return nil
		},
		UpdatePositionsFn: func(_ context.Context, _ string, positions map[string]int) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			for i := range env.roles {
				if p, ok := positions[env.roles[i].ID]; ok {
					env.roles[i].Position = p
				}
			}
			return nil
		},
	}
	env.memberRepo = &mockMemberRepo{
		GetByIDFn: func(_ context.Context, id string) (*models.Member, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			for _, m := range env.members {
				if m.ID == id {
					return &m, nil
				}
			}
			return nil, nil
		},
		GetByServerAndUserFn: func(_ context.Context, _, userID string) (*models.Member, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			for _, m := range env.members {
				if m.UserID == userID {
					return &m, nil
				}
			}
			return nil, nil
		},
		GetByServerIDFn: func(context.Context, string, int, int) ([]models.Member, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			return append([]models.Member(nil), env.members...), nil
		},
		GetByIDsFn: func(_ context.Context, _ string, ids []string) ([]models.Member, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			var out []models.Member
			for _, m := range env.members {
				for _, id := range ids {
					if m.ID == id {
						out = append(out, m)
					}
				}
			}
			return out, nil
		},
		ApplyRoleChangesFn: func(_ context.Context, batch models.RoleChangeBatch) ([]models.AuditEntry, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			var entries []models.AuditEntry
			for i := range env.members {
				m := &env.members[i]
				for _, id := range batch.MemberIDs {
					if m.ID != id {
						continue
					}
					m.Roles = bulk.ApplyChanges(m.Roles, batch.Changes)
					e := models.AuditEntry{
						ID:         "audit-" + m.ID,
						ServerID:   batch.ServerID,
						ActionType: models.AuditMemberRoleUpdate,
						ActorID:    batch.ActorID,
						TargetID:   m.ID,
						Changes:    batch.Changes,
						Reason:     batch.Reason,
						CreatedAt:  time.Now(),
					}
					env.audit = append(env.audit, e)
					entries = append(entries, e)
				}
			}
			return entries, nil
		},
	}
	env.auditRepo = &mockAuditRepo{
		GetByIDFn: func(_ context.Context, id string) (*models.AuditEntry, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			for _, e := range env.audit {
				if e.ID == id {
					return &e, nil
				}
			}
			return nil, nil
		},
		GetByServerIDFn: func(context.Context, string, string, int) ([]models.AuditEntry, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			return append([]models.AuditEntry(nil), env.audit...), nil
		},
		ExistsWithReasonFn: func(_ context.Context, _ string, reason string) (bool, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			for _, e := range env.audit {
				if e.Reason != nil && *e.Reason == reason {
					return true, nil
				}
			}
			return false, nil
		},
	}

	env.perms = service.NewPermissionChecker(env.servers, env.memberRepo, env.roleRepo)
	env.bulkSvc = service.NewBulkService(env.memberRepo, env.perms, env.gw, nil, nil, service.BulkConfig{})
	return env
}

func (env *testEnv) memberRoles(id string) []string {
	env.mu.Lock()
	defer env.mu.Unlock()
	for _, m := range env.members {
		if m.ID == id {
			return m.Roles
		}
	}
	return nil
}

func (env *testEnv) roleHandler() *RoleHandler {
	return NewRoleHandler(service.NewRoleService(env.roleRepo, env.gw, env.perms))
}

func (env *testEnv) memberHandler() *MemberHandler {
	return NewMemberHandler(service.NewMemberService(env.memberRepo, env.perms, permissions.DefaultPolicy()))
}

func (env *testEnv) bulkHandler() *BulkHandler {
	return NewBulkHandler(env.bulkSvc)
}

func (env *testEnv) historyHandler() *HistoryHandler {
	return NewHistoryHandler(service.NewHistoryService(env.auditRepo, env.perms, env.bulkSvc))
}
