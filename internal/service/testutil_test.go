package service

import (
	"context"
	"sync"
	"time"

	"github.com/victorivanov/haos/internal/bulk"
	"github.com/victorivanov/haos/internal/models"
	"github.com/victorivanov/haos/internal/permissions"
)

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

func (m *mockGateway) named(event string) []dispatchedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []dispatchedEvent
	for _, e := range m.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Mock repositories
// ---------------------------------------------------------------------------

// mockServerRepo implements database.ServerRepository.
type mockServerRepo struct {
	CreateFn      func(ctx context.Context, server *models.Server) error
	GetByIDFn     func(ctx context.Context, id string) (*models.Server, error)
	DeleteFn      func(ctx context.Context, id string) error
	GetByUserIDFn func(ctx context.Context, userID string) ([]models.Server, error)
}

func (m *mockServerRepo) Create(ctx context.Context, server *models.Server) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, server)
	}
	return nil
}

func (m *mockServerRepo) GetByID(ctx context.Context, id string) (*models.Server, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockServerRepo) Delete(ctx context.Context, id string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, id)
	}
	return nil
}

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
	CreateFn             func(ctx context.Context, member *models.Member) error
	GetByIDFn            func(ctx context.Context, id string) (*models.Member, error)
	GetByServerAndUserFn func(ctx context.Context, serverID, userID string) (*models.Member, error)
	GetByServerIDFn      func(ctx context.Context, serverID string, limit, offset int) ([]models.Member, error)
	GetByIDsFn           func(ctx context.Context, serverID string, ids []string) ([]models.Member, error)
	DeleteFn             func(ctx context.Context, id string) error
	AddRoleFn            func(ctx context.Context, memberID, roleID string) error
	RemoveRoleFn         func(ctx context.Context, memberID, roleID string) error
	ApplyRoleChangesFn   func(ctx context.Context, batch models.RoleChangeBatch) ([]models.AuditEntry, error)
}

func (m *mockMemberRepo) Create(ctx context.Context, member *models.Member) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, member)
	}
	return nil
}

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

func (m *mockMemberRepo) Delete(ctx context.Context, id string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, id)
	}
	return nil
}

func (m *mockMemberRepo) AddRole(ctx context.Context, memberID, roleID string) error {
	if m.AddRoleFn != nil {
		return m.AddRoleFn(ctx, memberID, roleID)
	}
	return nil
}

func (m *mockMemberRepo) RemoveRole(ctx context.Context, memberID, roleID string) error {
	if m.RemoveRoleFn != nil {
		return m.RemoveRoleFn(ctx, memberID, roleID)
	}
	return nil
}

func (m *mockMemberRepo) ApplyRoleChanges(ctx context.Context, batch models.RoleChangeBatch) ([]models.AuditEntry, error) {
	if m.ApplyRoleChangesFn != nil {
		return m.ApplyRoleChangesFn(ctx, batch)
	}
	return nil, nil
}

// mockAuditRepo implements database.AuditLogRepository.
type mockAuditRepo struct {
	CreateFn           func(ctx context.Context, entry *models.AuditEntry) error
	GetByIDFn          func(ctx context.Context, id string) (*models.AuditEntry, error)
	GetByServerIDFn    func(ctx context.Context, serverID, actionType string, limit int) ([]models.AuditEntry, error)
	ExistsWithReasonFn func(ctx context.Context, serverID, reason string) (bool, error)
}

func (m *mockAuditRepo) Create(ctx context.Context, entry *models.AuditEntry) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, entry)
	}
	return nil
}

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
// In-memory server fixture
// ---------------------------------------------------------------------------

const (
	testServerID = "srv1"

	ownerUser  = "@owner:haos.test"
	modUser    = "@mod:haos.test"
	helperUser = "@helper:haos.test"
	plainUser  = "@plain:haos.test"
	adminUser  = "@admin:haos.test"
	outsider   = "@outsider:haos.test"
)

// world is a single server whose repositories are backed by plain slices.
// Positions: @everyone 0, helper 1, bot 1 (managed), mod 2, admin 3.
type world struct {
	mu      sync.Mutex
	server  models.Server
	roles   []models.Role
	members []models.Member
	audit   []models.AuditEntry
	batches []models.RoleChangeBatch

	servers    *mockServerRepo
	roleRepo   *mockRoleRepo
	memberRepo *mockMemberRepo
	auditRepo  *mockAuditRepo
	gw         *mockGateway
}

func newWorld() *world {
	w := &world{
		server: models.Server{ID: testServerID, Name: "Test", OwnerID: ownerUser, CreatedAt: time.Now()},
		roles: []models.Role{
			{ID: testServerID, ServerID: testServerID, Name: "@everyone", Position: 0, IsDefault: true,
				Permissions: int64(permissions.PermViewChannels | permissions.PermSendMessages)},
			{ID: "helper", ServerID: testServerID, Name: "Helper", Position: 1,
				Permissions: int64(permissions.PermManageMessages)},
			{ID: "bot", ServerID: testServerID, Name: "Bot", Position: 1, Managed: true},
			{ID: "mod", ServerID: testServerID, Name: "Moderator", Position: 2,
				Permissions: int64(permissions.PermManageRoles | permissions.PermKickMembers | permissions.PermViewAuditLog)},
			{ID: "admin", ServerID: testServerID, Name: "Admin", Position: 3,
				Permissions: int64(permissions.PermAdministrator)},
		},
		members: []models.Member{
			{ID: "m-owner", ServerID: testServerID, UserID: ownerUser, DisplayName: "Owner", Roles: []string{}},
			{ID: "m-mod", ServerID: testServerID, UserID: modUser, DisplayName: "Mona", Roles: []string{"mod"}},
			{ID: "m-helper", ServerID: testServerID, UserID: helperUser, DisplayName: "Hank", Roles: []string{"helper"}},
			{ID: "m-plain", ServerID: testServerID, UserID: plainUser, DisplayName: "Penny", Roles: []string{}},
			{ID: "m-admin", ServerID: testServerID, UserID: adminUser, DisplayName: "Ada", Roles: []string{"admin"}},
		},
		gw: &mockGateway{},
	}

	w.servers = &mockServerRepo{
		GetByIDFn: func(_ context.Context, id string) (*models.Server, error) {
			if id != w.server.ID {
				return nil, nil
			}
			s := w.server
			return &s, nil
		},
	}

	w.roleRepo = &mockRoleRepo{
		CreateFn: func(_ context.Context, role *models.Role) error {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.roles = append(w.roles, *role)
			return nil
		},
		GetByIDFn: func(_ context.Context, id string) (*models.Role, error) {
			w.mu.Lock()
			defer w.mu.Unlock()
			for _, r := range w.roles {
				if r.ID == id {
					return &r, nil
				}
			}
			return nil, nil
		},
		GetByServerIDFn: func(_ context.Context, serverID string) ([]models.Role, error) {
			w.mu.Lock()
			defer w.mu.Unlock()
			var out []models.Role
			for _, r := range w.roles {
				if r.ServerID == serverID {
					out = append(out, r)
				}
			}
			return out, nil
		},
		UpdateFn: func(_ context.Context, role *models.Role) error {
			w.mu.Lock()
			defer w.mu.Unlock()
			for i := range w.roles {
				if w.roles[i].ID == role.ID {
					w.roles[i] = *role
				}
			}
			return nil
		},
		DeleteFn: func(_ context.Context, id string) error {
			w.mu.Lock()
			defer w.mu.Unlock()
			for i := range w.roles {
				if w.roles[i].ID == id {
					w.roles = append(w.roles[:i], w.roles[i+1:]...)
					break
				}
			}
			return nil
		},
		UpdatePositionsFn: func(_ context.Context, _ string, positions map[string]int) error {
			w.mu.Lock()
			defer w.mu.Unlock()
			for i := range w.roles {
				if p, ok := positions[w.roles[i].ID]; ok {
					w.roles[i].Position = p
				}
			}
			return nil
		},
	}

	w.memberRepo = &mockMemberRepo{
		GetByIDFn: func(_ context.Context, id string) (*models.Member, error) {
			w.mu.Lock()
			defer w.mu.Unlock()
			if m, ok := w.findMember(id); ok {
				return &m, nil
			}
			return nil, nil
		},
		GetByServerAndUserFn: func(_ context.Context, serverID, userID string) (*models.Member, error) {
			w.mu.Lock()
			defer w.mu.Unlock()
			for _, m := range w.members {
				if m.ServerID == serverID && m.UserID == userID {
					return &m, nil
				}
			}
			return nil, nil
		},
		GetByServerIDFn: func(_ context.Context, serverID string, _, _ int) ([]models.Member, error) {
			w.mu.Lock()
			defer w.mu.Unlock()
			var out []models.Member
			for _, m := range w.members {
				if m.ServerID == serverID {
					out = append(out, m)
				}
			}
			return out, nil
		},
		GetByIDsFn: func(_ context.Context, _ string, ids []string) ([]models.Member, error) {
			w.mu.Lock()
			defer w.mu.Unlock()
			var out []models.Member
			for _, id := range ids {
				if m, ok := w.findMember(id); ok {
					out = append(out, m)
				}
			}
			return out, nil
		},
		ApplyRoleChangesFn: func(_ context.Context, batch models.RoleChangeBatch) ([]models.AuditEntry, error) {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.batches = append(w.batches, batch)
			var entries []models.AuditEntry
			for i := range w.members {
				m := &w.members[i]
				if !contains(batch.MemberIDs, m.ID) {
					continue
				}
				before := m.Roles
				m.Roles = bulk.ApplyChanges(m.Roles, batch.Changes)
				if equalIDs(before, m.Roles) {
					continue
				}
				e := models.AuditEntry{
					ID:         "audit-" + m.ID + "-" + time.Now().Format("150405.000000000"),
					ServerID:   batch.ServerID,
					ActionType: models.AuditMemberRoleUpdate,
					ActorID:    batch.ActorID,
					TargetID:   m.ID,
					Changes:    batch.Changes,
					Reason:     batch.Reason,
					CreatedAt:  time.Now(),
				}
				w.audit = append(w.audit, e)
				entries = append(entries, e)
			}
			return entries, nil
		},
	}

	w.auditRepo = &mockAuditRepo{
		GetByIDFn: func(_ context.Context, id string) (*models.AuditEntry, error) {
			w.mu.Lock()
			defer w.mu.Unlock()
			for _, e := range w.audit {
				if e.ID == id {
					return &e, nil
				}
			}
			return nil, nil
		},
		GetByServerIDFn: func(_ context.Context, serverID, actionType string, limit int) ([]models.AuditEntry, error) {
			w.mu.Lock()
			defer w.mu.Unlock()
			var out []models.AuditEntry
			for i := len(w.audit) - 1; i >= 0 && len(out) < limit; i-- {
				e := w.audit[i]
				if e.ServerID == serverID && (actionType == "" || e.ActionType == actionType) {
					out = append(out, e)
				}
			}
			return out, nil
		},
		ExistsWithReasonFn: func(_ context.Context, serverID, reason string) (bool, error) {
			w.mu.Lock()
			defer w.mu.Unlock()
			for _, e := range w.audit {
				if e.ServerID == serverID && e.Reason != nil && *e.Reason == reason {
					return true, nil
				}
			}
			return false, nil
		},
	}
	return w
}

func (w *world) findMember(id string) (models.Member, bool) {
	for _, m := range w.members {
		if m.ID == id {
			return m, true
		}
	}
	return models.Member{}, false
}

func (w *world) member(id string) models.Member {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, _ := w.findMember(id)
	return m
}

func (w *world) checker() *PermissionChecker {
	return NewPermissionChecker(w.servers, w.memberRepo, w.roleRepo)
}

func (w *world) roleService() *RoleService {
	return NewRoleService(w.roleRepo, w.gw, w.checker())
}

func (w *world) memberService() *MemberService {
	return NewMemberService(w.memberRepo, w.checker(), permissions.DefaultPolicy())
}

func (w *world) bulkService(locker CommitLocker, receipts ReceiptStore) *BulkService {
	return NewBulkService(w.memberRepo, w.checker(), w.gw, locker, receipts, BulkConfig{})
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func ptr[T any](v T) *T { return &v }
