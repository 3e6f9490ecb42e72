package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/victorivanov/haos/internal/models"
	"github.com/victorivanov/haos/internal/permissions"
)

var (
	ErrUnknownMember  = errors.New("bulk: unknown member")
	ErrUnknownRole    = errors.New("bulk: unknown role")
	ErrNotSelecting   = errors.New("bulk: session is not selecting")
	ErrNotPreviewing  = errors.New("bulk: session is not previewing")
	ErrCommitInFlight = errors.New("bulk: commit already in flight")
	ErrCommitPanic    = errors.New("bulk: committer panicked")
)

// State is the orchestrator's position in the assignment workflow.
type State int

const (
	StateSelecting State = iota
	StatePreviewing
	StateCommitting
)

func (s State) String() string {
	switch s {
	case StateSelecting:
		return "selecting"
	case StatePreviewing:
		return "previewing"
	case StateCommitting:
		return "committing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateSelecting, StatePreviewing, StateCommitting} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("bulk: unknown state %q", b)
}

// Committer persists a bulk assignment. The whole batch succeeds or fails
// as one unit.
type Committer interface {
	ApplyBulkRoleChanges(ctx context.Context, memberIDs []string, changes []models.RoleChange) error
}

// CommitterFunc adapts a function to Committer.
type CommitterFunc func(ctx context.Context, memberIDs []string, changes []models.RoleChange) error

func (f CommitterFunc) ApplyBulkRoleChanges(ctx context.Context, memberIDs []string, changes []models.RoleChange) error {
	return f(ctx, memberIDs, changes)
}

type Option func(*Orchestrator)

// WithPolicy overrides the dangerous-permission policy used for previews.
func WithPolicy(p permissions.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithPreselected starts the session with ids selected. Ids not in the
// member snapshot are ignored.
func WithPreselected(ids ...string) Option {
	return func(o *Orchestrator) {
		for _, id := range ids {
			if _, ok := o.members[id]; ok {
				o.selected[id] = struct{}{}
			}
		}
	}
}

// Orchestrator drives one bulk role assignment over a fixed snapshot of
// members and roles. It is safe for concurrent use; at most one commit is
// in flight at a time.
type Orchestrator struct {
	mu        sync.Mutex
	committer Committer
	policy    permissions.Policy
	catalog   Catalog
	order     []string
	members   map[string]models.Member

	state    State
	selected map[string]struct{}
	changes  ChangeSet
	preview  *Preview
	lastErr  error
}

// New creates an orchestrator in the selecting state.
func New(members []models.Member, roles []models.Role, committer Committer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		committer: committer,
		policy:    permissions.DefaultPolicy(),
		catalog:   NewCatalog(roles),
		order:     make([]string, 0, len(members)),
		members:   make(map[string]models.Member, len(members)),
		selected:  make(map[string]struct{}),
	}
	for _, m := range members {
		if _, dup := o.members[m.ID]; !dup {
			o.order = append(o.order, m.ID)
		}
		o.members[m.ID] = m
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SelectMember toggles id in the selection.
func (o *Orchestrator) SelectMember(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateSelecting {
		return ErrNotSelecting
	}
	if _, ok := o.members[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMember, id)
	}
	if _, ok := o.selected[id]; ok {
		delete(o.selected, id)
	} else {
		o.selected[id] = struct{}{}
	}
	return nil
}

// SelectAll selects every member matching f, or clears the selection when
// all of them are already selected.
func (o *Orchestrator) SelectAll(f Filter) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateSelecting {
		return ErrNotSelecting
	}

	filtered := f.Apply(o.snapshotMembers())
	allSelected := true
	for _, m := range filtered {
		if _, ok := o.selected[m.ID]; !ok {
			allSelected = false
			break
		}
	}

	o.selected = make(map[string]struct{}, len(filtered))
	if allSelected {
		return nil
	}
	for _, m := range filtered {
		o.selected[m.ID] = struct{}{}
	}
	return nil
}

// AddRoleChange stages a change. Staging an identical change twice is a
// no-op.
func (o *Orchestrator) AddRoleChange(roleID string, action models.RoleAction) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateSelecting {
		return ErrNotSelecting
	}
	if _, ok := o.catalog[roleID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRole, roleID)
	}
	_, err := o.changes.Add(models.RoleChange{RoleID: roleID, Action: action})
	return err
}

// RemoveRoleChange drops the staged change at index.
func (o *Orchestrator) RemoveRoleChange(index int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateSelecting {
		return ErrNotSelecting
	}
	return o.changes.Remove(index)
}

// RequestPreview moves to previewing and computes the per-member diff. It
// returns false and leaves the state alone unless both the selection and
// the change set are non-empty.
func (o *Orchestrator) RequestPreview() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StatePreviewing {
		return true
	}
	if o.state != StateSelecting || len(o.selected) == 0 || o.changes.Len() == 0 {
		return false
	}

	o.preview = BuildPreview(o.selectedMembers(), o.catalog, o.changes.Changes(), o.policy)
	o.state = StatePreviewing
	o.lastErr = nil
	return true
}

// Back leaves the preview and returns to selecting with the change set
// intact.
func (o *Orchestrator) Back() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case StateCommitting:
		return ErrCommitInFlight
	case StatePreviewing:
		o.state = StateSelecting
		o.preview = nil
	}
	return nil
}

// Confirm commits the previewed assignment. On success the session returns
// to selecting with an empty selection and change set. On failure it stays
// in previewing with everything intact and the error is returned and kept
// as LastError.
func (o *Orchestrator) Confirm(ctx context.Context) error {
	o.mu.Lock()
	switch o.state {
	case StateCommitting:
		o.mu.Unlock()
		return ErrCommitInFlight
	case StatePreviewing:
	default:
		o.mu.Unlock()
		return ErrNotPreviewing
	}
	o.state = StateCommitting
	ids := o.selectedIDs()
	changes := o.changes.Changes()
	o.mu.Unlock()

	err := o.apply(ctx, ids, changes)

	o.mu.Lock()
	defer o.mu.Unlock()

	if err != nil {
		o.state = StatePreviewing
		o.lastErr = fmt.Errorf("bulk: commit: %w", err)
		return o.lastErr
	}

	for _, id := range ids {
		m := o.members[id]
		m.Roles = ApplyChanges(m.Roles, changes)
		o.members[id] = m
	}
	o.state = StateSelecting
	o.selected = make(map[string]struct{})
	o.changes.Reset()
	o.preview = nil
	o.lastErr = nil
	return nil
}

// apply runs the committer. A panic is returned as ErrCommitPanic so the
// session never stays committing.
func (o *Orchestrator) apply(ctx context.Context, ids []string, changes []models.RoleChange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCommitPanic, r)
		}
	}()
	return o.committer.ApplyBulkRoleChanges(ctx, ids, changes)
}

// Cancel discards the change set and any preview and returns to selecting.
// The selection is kept.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateCommitting {
		return ErrCommitInFlight
	}
	o.state = StateSelecting
	o.changes.Reset()
	o.preview = nil
	return nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastError returns the most recent commit failure, if any.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// View is a read-only copy of the orchestrator's state.
type View struct {
	State     State
	Selected  []string
	Changes   []models.RoleChange
	Preview   *Preview
	LastError error
}

// Snapshot returns the current state for rendering. Selected ids follow
// the member snapshot order.
func (o *Orchestrator) Snapshot() View {
	o.mu.Lock()
	defer o.mu.Unlock()
	return View{
		State:     o.state,
		Selected:  o.selectedIDs(),
		Changes:   o.changes.Changes(),
		Preview:   o.preview,
		LastError: o.lastErr,
	}
}

// Members returns the member snapshot in its original order.
func (o *Orchestrator) Members() []models.Member {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotMembers()
}

func (o *Orchestrator) snapshotMembers() []models.Member {
	out := make([]models.Member, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.members[id])
	}
	return out
}

func (o *Orchestrator) selectedIDs() []string {
	ids := make([]string, 0, len(o.selected))
	for _, id := range o.order {
		if _, ok := o.selected[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (o *Orchestrator) selectedMembers() []models.Member {
	out := make([]models.Member, 0, len(o.selected))
	for _, id := range o.order {
		if _, ok := o.selected[id]; ok {
			out = append(out, o.members[id])
		}
	}
	return out
}
