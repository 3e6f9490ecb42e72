package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/victorivanov/haos/internal/bulk"
	"github.com/victorivanov/haos/internal/database"
	"github.com/victorivanov/haos/internal/gateway"
	"github.com/victorivanov/haos/internal/models"
	"github.com/victorivanov/haos/internal/permissions"
	"github.com/victorivanov/haos/internal/redis"
	"github.com/victorivanov/haos/internal/storage"
)

const (
	DefaultSessionTTL    = 15 * time.Minute
	DefaultCommitLockTTL = 30 * time.Second

	// releaseTimeout bounds the lock release after a commit whose context
	// may already be cancelled.
	releaseTimeout = 5 * time.Second
)

var errCommitLocked = errors.New("another bulk commit is running for this server")

// CommitLocker serialises bulk commits for a server across processes.
type CommitLocker interface {
	AcquireCommitLock(ctx context.Context, serverID string, ttl time.Duration) (string, error)
	ReleaseCommitLock(ctx context.Context, serverID, token string) error
}

// ReceiptStore abstracts object storage for commit receipts.
type ReceiptStore interface {
	PutJSON(ctx context.Context, key string, v any) error
}

// BulkConfig tunes a BulkService. Zero durations fall back to defaults.
type BulkConfig struct {
	SessionTTL    time.Duration
	CommitLockTTL time.Duration
	Policy        permissions.Policy
}

// Receipt is the record written to object storage after a commit.
type Receipt struct {
	ID          string              `json:"id"`
	ServerID    string              `json:"server_id"`
	ActorID     string              `json:"actor_id"`
	MemberIDs   []string            `json:"member_ids"`
	Changes     []models.RoleChange `json:"changes"`
	Reason      *string             `json:"reason,omitempty"`
	AuditIDs    []string            `json:"audit_ids"`
	CommittedAt time.Time           `json:"committed_at"`
}

type bulkSession struct {
	id       string
	serverID string
	ownerID  string
	orch     *bulk.Orchestrator
	lastUsed time.Time
}

// BulkService owns the in-memory bulk assignment sessions and commits them
// through the member repository.
type BulkService struct {
	members  database.MemberRepository
	perms    *PermissionChecker
	gateway  gateway.Dispatcher
	locker   CommitLocker
	receipts ReceiptStore
	cfg      BulkConfig
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*bulkSession
}

// NewBulkService creates a BulkService. locker and receipts may be nil.
func NewBulkService(
	members database.MemberRepository,
	perms *PermissionChecker,
	gw gateway.Dispatcher,
	locker CommitLocker,
	receipts ReceiptStore,
	cfg BulkConfig,
) *BulkService {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.CommitLockTTL <= 0 {
		cfg.CommitLockTTL = DefaultCommitLockTTL
	}
	if cfg.Policy.Dangerous() == 0 {
		cfg.Policy = permissions.DefaultPolicy()
	}
	return &BulkService{
		members:  members,
		perms:    perms,
		gateway:  gw,
		locker:   locker,
		receipts: receipts,
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*bulkSession),
	}
}

// CreateSession snapshots the server's members and roles into a new
// session owned by actorID. Preselected ids that are not members are
// ignored.
func (s *BulkService) CreateSession(ctx context.Context, serverID, actorID string, preselected []string) (*SessionView, error) {
	actor, err := s.perms.RequireServerPermission(ctx, serverID, actorID, permissions.PermManageRoles)
	if err != nil {
		return nil, err
	}
	members, err := s.members.GetByServerID(ctx, serverID, 0, 0)
	if err != nil {
		return nil, internalError()
	}

	sess := &bulkSession{
		id:       uuid.NewString(),
		serverID: serverID,
		ownerID:  actorID,
		lastUsed: s.now(),
	}
	sess.orch = bulk.New(members, rolesOf(actor.Roles), s.committer(serverID, actorID),
		bulk.WithPolicy(s.cfg.Policy),
		bulk.WithPreselected(preselected...),
	)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	slog.Info("bulk session created", "session_id", sess.id, "server_id", serverID, "actor_id", actorID, "members", len(members))
	return s.view(sess), nil
}

// GetSession returns the current state of a session.
func (s *BulkService) GetSession(ctx context.Context, serverID, actorID, sessionID string) (*SessionView, error) {
	sess, err := s.session(ctx, serverID, actorID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.view(sess), nil
}

// ToggleMember selects or deselects one member.
func (s *BulkService) ToggleMember(ctx context.Context, serverID, actorID, sessionID, memberID string) (*SessionView, error) {
	return s.mutate(ctx, serverID, actorID, sessionID, func(_ *Actor, o *bulk.Orchestrator) error {
		return o.SelectMember(memberID)
	})
}

// SelectAll toggles selection of every member matching filter.
func (s *BulkService) SelectAll(ctx context.Context, serverID, actorID, sessionID string, filter bulk.Filter) (*SessionView, error) {
	return s.mutate(ctx, serverID, actorID, sessionID, func(_ *Actor, o *bulk.Orchestrator) error {
		return o.SelectAll(filter)
	})
}

// AddChange appends a role change. The role must be assignable by the
// actor at the time of the call.
func (s *BulkService) AddChange(ctx context.Context, serverID, actorID, sessionID string, change models.RoleChange) (*SessionView, error) {
	return s.mutate(ctx, serverID, actorID, sessionID, func(actor *Actor, o *bulk.Orchestrator) error {
		if !change.Action.Valid() {
			return BadRequest("INVALID_ACTION", "action must be add or remove")
		}
		if role, ok := actor.Roles[change.RoleID]; ok {
			if err := checkAssignable(actor, role); err != nil {
				return err
			}
		}
		return o.AddRoleChange(change.RoleID, change.Action)
	})
}

// RemoveChange drops the change at index.
func (s *BulkService) RemoveChange(ctx context.Context, serverID, actorID, sessionID string, index int) (*SessionView, error) {
	return s.mutate(ctx, serverID, actorID, sessionID, func(_ *Actor, o *bulk.Orchestrator) error {
		return o.RemoveRoleChange(index)
	})
}

// Preview moves the session to previewing. It is refused while either the
// selection or the change set is empty.
func (s *BulkService) Preview(ctx context.Context, serverID, actorID, sessionID string) (*SessionView, error) {
	return s.mutate(ctx, serverID, actorID, sessionID, func(_ *Actor, o *bulk.Orchestrator) error {
		if !o.RequestPreview() {
			return BadRequest("PREVIEW_REFUSED", "select at least one member and one role change")
		}
		return nil
	})
}

// Back returns a previewing session to selecting, keeping its changes.
func (s *BulkService) Back(ctx context.Context, serverID, actorID, sessionID string) (*SessionView, error) {
	return s.mutate(ctx, serverID, actorID, sessionID, func(_ *Actor, o *bulk.Orchestrator) error {
		return o.Back()
	})
}

// Confirm commits a previewing session. A failed commit leaves the session
// previewing with its last error set; the error is returned as well.
func (s *BulkService) Confirm(ctx context.Context, serverID, actorID, sessionID string) (*SessionView, error) {
	return s.mutate(ctx, serverID, actorID, sessionID, func(_ *Actor, o *bulk.Orchestrator) error {
		return o.Confirm(ctx)
	})
}

// Cancel discards the change set and preview. The selection is kept.
func (s *BulkService) Cancel(ctx context.Context, serverID, actorID, sessionID string) (*SessionView, error) {
	return s.mutate(ctx, serverID, actorID, sessionID, func(_ *Actor, o *bulk.Orchestrator) error {
		return o.Cancel()
	})
}

// CloseSession removes a session. A session with a commit in flight cannot
// be closed.
func (s *BulkService) CloseSession(ctx context.Context, serverID, actorID, sessionID string) error {
	sess, err := s.session(ctx, serverID, actorID, sessionID)
	if err != nil {
		return err
	}
	if sess.orch.State() == bulk.StateCommitting {
		return mapBulkError(bulk.ErrCommitInFlight)
	}
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// Run evicts idle sessions until ctx is cancelled.
func (s *BulkService) Run(ctx context.Context) error {
	interval := max(s.cfg.SessionTTL/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.evictIdle(s.now()); n > 0 {
				slog.Debug("evicted idle bulk sessions", "count", n)
			}
		}
	}
}

// evictIdle drops sessions unused for longer than the TTL. Sessions with a
// commit in flight are kept.
func (s *BulkService) evictIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.lastUsed) <= s.cfg.SessionTTL {
			continue
		}
		if sess.orch.State() == bulk.StateCommitting {
			continue
		}
		delete(s.sessions, id)
		n++
	}
	return n
}

// SessionCount returns the number of live sessions.
func (s *BulkService) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// session looks up a live session and re-checks the caller's permission.
// Sessions belonging to another user are reported as not found.
func (s *BulkService) session(ctx context.Context, serverID, actorID, sessionID string) (*bulkSession, error) {
	_, sess, err := s.sessionWithActor(ctx, serverID, actorID, sessionID)
	return sess, err
}

func (s *BulkService) sessionWithActor(ctx context.Context, serverID, actorID, sessionID string) (*Actor, *bulkSession, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok && (sess.serverID != serverID || sess.ownerID != actorID) {
		ok = false
	}
	if ok {
		sess.lastUsed = s.now()
	}
	s.mu.Unlock()
	if !ok {
		return nil, nil, NotFound("SESSION_NOT_FOUND", "bulk session not found")
	}

	actor, err := s.perms.RequireServerPermission(ctx, serverID, actorID, permissions.PermManageRoles)
	if err != nil {
		return nil, nil, err
	}
	return actor, sess, nil
}

func (s *BulkService) mutate(ctx context.Context, serverID, actorID, sessionID string, fn func(*Actor, *bulk.Orchestrator) error) (*SessionView, error) {
	actor, sess, err := s.sessionWithActor(ctx, serverID, actorID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(actor, sess.orch); err != nil {
		return s.view(sess), mapBulkError(err)
	}
	return s.view(sess), nil
}

// committer binds the production commit path to one server and actor.
func (s *BulkService) committer(serverID, actorID string) bulk.Committer {
	return bulk.CommitterFunc(func(ctx context.Context, memberIDs []string, changes []models.RoleChange) error {
		_, err := s.commit(ctx, models.RoleChangeBatch{
			ServerID:  serverID,
			ActorID:   actorID,
			MemberIDs: memberIDs,
			Changes:   changes,
		})
		return err
	})
}

// commit applies a batch under the server's commit lock, then notifies
// connected clients and writes a receipt. Only the database write can fail
// the commit.
func (s *BulkService) commit(ctx context.Context, batch models.RoleChangeBatch) ([]models.AuditEntry, error) {
	if s.locker != nil {
		token, err := s.locker.AcquireCommitLock(ctx, batch.ServerID, s.cfg.CommitLockTTL)
		if errors.Is(err, redis.ErrLockHeld) {
			return nil, errCommitLocked
		}
		if err != nil {
			return nil, err
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			if err := s.locker.ReleaseCommitLock(rctx, batch.ServerID, token); err != nil {
				slog.Warn("failed to release commit lock", "server_id", batch.ServerID, "error", err)
			}
		}()
	}

	entries, err := s.members.ApplyRoleChanges(ctx, batch)
	if err != nil {
		slog.Error("bulk commit failed", "server_id", batch.ServerID, "actor_id", batch.ActorID, "error", err)
		return nil, err
	}

	slog.Info("bulk role changes committed",
		"server_id", batch.ServerID,
		"actor_id", batch.ActorID,
		"members", len(batch.MemberIDs),
		"changes", len(batch.Changes),
		"changed", len(entries),
	)

	s.dispatchMemberUpdates(ctx, batch.ServerID, entries)
	s.writeReceipt(ctx, batch, entries)
	return entries, nil
}

func (s *BulkService) dispatchMemberUpdates(ctx context.Context, serverID string, entries []models.AuditEntry) {
	if len(entries) == 0 {
		return
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.TargetID
	}
	updated, err := s.members.GetByIDs(ctx, serverID, ids)
	if err != nil {
		slog.Warn("failed to load members for dispatch", "server_id", serverID, "error", err)
		return
	}
	byTarget := make(map[string]models.AuditEntry, len(entries))
	for _, e := range entries {
		byTarget[e.TargetID] = e
	}
	for _, m := range updated {
		s.gateway.DispatchToServer(serverID, gateway.EventServerMemberUpdate, m)
		if e, ok := byTarget[m.ID]; ok {
			s.gateway.DispatchToUser(m.UserID, gateway.EventMemberRolesChanged, e)
		}
	}
}

func (s *BulkService) writeReceipt(ctx context.Context, batch models.RoleChangeBatch, entries []models.AuditEntry) {
	if s.receipts == nil {
		return
	}
	r := Receipt{
		ID:          uuid.NewString(),
		ServerID:    batch.ServerID,
		ActorID:     batch.ActorID,
		MemberIDs:   batch.MemberIDs,
		Changes:     batch.Changes,
		Reason:      batch.Reason,
		AuditIDs:    make([]string, len(entries)),
		CommittedAt: s.now().UTC(),
	}
	for i, e := range entries {
		r.AuditIDs[i] = e.ID
	}
	key := storage.ReceiptKey(r.ServerID, r.ID, r.CommittedAt)
	if err := s.receipts.PutJSON(ctx, key, r); err != nil {
		slog.Warn("failed to write commit receipt", "server_id", batch.ServerID, "key", key, "error", err)
	}
}

// mapBulkError turns orchestrator and commit errors into service errors.
// Service errors pass through unchanged.
func mapBulkError(err error) error {
	var se *ServiceError
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, bulk.ErrUnknownMember):
		return NotFound("MEMBER_NOT_FOUND", "member not found")
	case errors.Is(err, bulk.ErrUnknownRole), errors.Is(err, database.ErrRoleNotFound):
		return NotFound("ROLE_NOT_FOUND", "role not found")
	case errors.Is(err, database.ErrMemberNotFound):
		return NotFound("MEMBER_NOT_FOUND", "member not found")
	case errors.Is(err, bulk.ErrChangeIndexOutOfRange):
		return BadRequest("INVALID_INDEX", "change index out of range")
	case errors.Is(err, bulk.ErrInvalidAction):
		return BadRequest("INVALID_ACTION", "action must be add or remove")
	case errors.Is(err, bulk.ErrNotSelecting), errors.Is(err, bulk.ErrNotPreviewing):
		return Conflict("INVALID_STATE", err.Error())
	case errors.Is(err, bulk.ErrCommitInFlight):
		return Conflict("COMMIT_IN_FLIGHT", "a commit is already in progress for this session")
	case errors.Is(err, errCommitLocked):
		return Locked("COMMIT_LOCKED", errCommitLocked.Error())
	default:
		return Internal("COMMIT_FAILED", "failed to apply role changes")
	}
}
