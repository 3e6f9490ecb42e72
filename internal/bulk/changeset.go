// Package bulk computes and stages role assignments applied to many server
// members at once: the ordered change set, the per-member projection and
// permission preview, and the selection/preview/commit state machine.
package bulk

import (
	"errors"
	"fmt"

	"github.com/victorivanov/haos/internal/models"
)

var (
	ErrInvalidAction         = errors.New("bulk: invalid role action")
	ErrChangeIndexOutOfRange = errors.New("bulk: change index out of range")
)

// ChangeSet is an ordered list of role changes. A (RoleID, Action) pair
// appears at most once; an add and a remove for the same role may coexist,
// in which case their relative order decides the outcome in Apply.
//
// The zero value is an empty set ready to use.
type ChangeSet struct {
	changes []models.RoleChange
}

// NewChangeSet builds a set from changes, skipping duplicates.
func NewChangeSet(changes ...models.RoleChange) (*ChangeSet, error) {
	cs := &ChangeSet{}
	for _, c := range changes {
		if _, err := cs.Add(c); err != nil {
			return nil, err
		}
	}
	return cs, nil
}

// Add appends change unless an identical entry exists. It reports whether
// the set grew.
func (cs *ChangeSet) Add(change models.RoleChange) (bool, error) {
	if !change.Action.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidAction, change.Action)
	}
	for _, c := range cs.changes {
		if c == change {
			return false, nil
		}
	}
	cs.changes = append(cs.changes, change)
	return true, nil
}

// Remove deletes the entry at index.
func (cs *ChangeSet) Remove(index int) error {
	if index < 0 || index >= len(cs.changes) {
		return fmt.Errorf("%w: %d (len %d)", ErrChangeIndexOutOfRange, index, len(cs.changes))
	}
	cs.changes = append(cs.changes[:index:index], cs.changes[index+1:]...)
	return nil
}

// Changes returns a copy of the entries in insertion order.
func (cs *ChangeSet) Changes() []models.RoleChange {
	out := make([]models.RoleChange, len(cs.changes))
	copy(out, cs.changes)
	return out
}

func (cs *ChangeSet) Len() int { return len(cs.changes) }

func (cs *ChangeSet) Reset() { cs.changes = nil }

// AddedRoleIDs returns role ids with an add entry, in list order.
func (cs *ChangeSet) AddedRoleIDs() []string { return cs.roleIDs(models.RoleActionAdd) }

// RemovedRoleIDs returns role ids with a remove entry, in list order.
func (cs *ChangeSet) RemovedRoleIDs() []string { return cs.roleIDs(models.RoleActionRemove) }

func (cs *ChangeSet) roleIDs(action models.RoleAction) []string {
	var ids []string
	for _, c := range cs.changes {
		if c.Action == action {
			ids = append(ids, c.RoleID)
		}
	}
	return ids
}

// Apply runs the changes over roleIDs and returns the new role list.
func (cs *ChangeSet) Apply(roleIDs []string) []string {
	return ApplyChanges(roleIDs, cs.changes)
}

// Inverse returns the changes that undo cs: the list reversed with every
// action flipped.
func (cs *ChangeSet) Inverse() []models.RoleChange {
	return InverseChanges(cs.changes)
}

// ApplyChanges makes one pass over changes in order against a copy of
// roleIDs. An add inserts the role if absent; a remove deletes it if
// present. roleIDs is not modified.
func ApplyChanges(roleIDs []string, changes []models.RoleChange) []string {
	out := make([]string, len(roleIDs), len(roleIDs)+len(changes))
	copy(out, roleIDs)

	for _, c := range changes {
		idx := indexOf(out, c.RoleID)
		switch c.Action {
		case models.RoleActionAdd:
			if idx < 0 {
				out = append(out, c.RoleID)
			}
		case models.RoleActionRemove:
			if idx >= 0 {
				out = append(out[:idx], out[idx+1:]...)
			}
		}
	}
	return out
}

// InverseChanges reverses changes and flips each action.
func InverseChanges(changes []models.RoleChange) []models.RoleChange {
	out := make([]models.RoleChange, 0, len(changes))
	for i := len(changes) - 1; i >= 0; i-- {
		out = append(out, models.RoleChange{
			RoleID: changes[i].RoleID,
			Action: changes[i].Action.Flip(),
		})
	}
	return out
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
