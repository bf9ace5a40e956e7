// Package history provides the two undo tiers for the reconciliation
// engine: a bounded local snapshot stack for structural edits that have not
// left the process, and a single time-boxed token for "major actions" whose
// effects are already persisted remotely and can only be compensated.
//
// The tiers are independent. A caller can hold unconsumed local history and
// an expired major-action token at the same time; which one the surrounding
// application offers the user is its decision, never merged here.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kalamazoo/listai/internal/group"
)

// DefaultDepth is how many local snapshots are retained. Pushing an 11th
// silently drops the oldest.
const DefaultDepth = 10

var (
	// ErrNothingToUndo means no major-action token is outstanding.
	ErrNothingToUndo = errors.New("no major action to undo")

	// ErrTokenExpired means a token exists but its undo window has
	// closed. Distinguishable from ErrNothingToUndo so the caller can
	// say "too late" rather than "nothing happened".
	ErrTokenExpired = errors.New("major action undo window has expired")
)

// Entry is one local-tier snapshot: a deep, independent copy of the group
// table (groups plus pool), never aliasing live structures.
type Entry struct {
	Table group.Table
	Label string
	At    time.Time
}

// CompensationFunc reverses a persisted major action: a caller-supplied set
// of compensating remote writes (restore positions, delete inserted rows).
type CompensationFunc func(ctx context.Context) error

// MajorToken is the persisted-tier undo handle. At most one is live at a
// time; the next qualifying action supersedes it.
type MajorToken struct {
	Label    string
	IssuedAt time.Time
	TTL      time.Duration

	compensate CompensationFunc
}

// Expired reports whether the token's undo window has closed.
func (tk *MajorToken) Expired(now time.Time) bool {
	return now.After(tk.IssuedAt.Add(tk.TTL))
}

// Manager owns both tiers. Like the rest of the engine it is confined to
// one logical thread; it performs no locking of its own.
type Manager struct {
	stack []Entry
	depth int
	token *MajorToken

	now func() time.Time // test seam
}

// NewManager returns a Manager retaining up to depth local snapshots.
// depth < 1 falls back to DefaultDepth.
func NewManager(depth int) *Manager {
	if depth < 1 {
		depth = DefaultDepth
	}
	return &Manager{depth: depth, now: time.Now}
}

// Push deep-copies the table and appends it to the local stack. The oldest
// entry is dropped once the stack exceeds its bound.
func (m *Manager) Push(label string, table group.Table) {
	m.stack = append(m.stack, Entry{
		Table: table.Clone(),
		Label: label,
		At:    m.now(),
	})
	if len(m.stack) > m.depth {
		m.stack = m.stack[len(m.stack)-m.depth:]
	}
	log.Debug().Str("label", label).Int("depth", len(m.stack)).Msg("Pushed history snapshot")
}

// Undo pops the most recent snapshot. The second return is false on an
// empty stack, which is a no-op, not an error.
func (m *Manager) Undo() (group.Table, string, bool) {
	if len(m.stack) == 0 {
		return group.Table{}, "", false
	}
	top := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return top.Table, top.Label, true
}

// Depth returns the current local stack size.
func (m *Manager) Depth() int {
	return len(m.stack)
}

// IssueMajorAction replaces any outstanding token with a new one. The
// compensation runs only if the token is undone within ttl.
func (m *Manager) IssueMajorAction(label string, ttl time.Duration, compensate CompensationFunc) {
	if m.token != nil {
		log.Debug().Str("superseded", m.token.Label).Str("label", label).Msg("Superseding major action token")
	}
	m.token = &MajorToken{
		Label:      label,
		IssuedAt:   m.now(),
		TTL:        ttl,
		compensate: compensate,
	}
}

// MajorAction returns the outstanding token, or nil.
func (m *Manager) MajorAction() *MajorToken {
	return m.token
}

// UndoMajorAction executes the outstanding token's compensation and clears
// it. Returns ErrNothingToUndo with no token, ErrTokenExpired past the TTL
// (the token is cleared in that case too — it can never become undoable
// again). If the compensation itself fails the token is retained so the
// caller may retry.
func (m *Manager) UndoMajorAction(ctx context.Context) error {
	if m.token == nil {
		return ErrNothingToUndo
	}
	if m.token.Expired(m.now()) {
		m.token = nil
		return ErrTokenExpired
	}
	if err := m.token.compensate(ctx); err != nil {
		log.Error().Err(err).Str("label", m.token.Label).Msg("Major action compensation failed")
		return err
	}
	log.Info().Str("label", m.token.Label).Msg("Major action undone")
	m.token = nil
	return nil
}
