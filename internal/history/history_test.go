package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalamazoo/listai/internal/group"
)

func tableWith(label string) group.Table {
	t := group.NewTable()
	t.Groups = []group.Group{{ID: label, Sequence: 1, ImageIDs: []string{label + "-img"}}}
	return t
}

func TestUndoEmptyStackIsNoOp(t *testing.T) {
	m := NewManager(0)
	if _, _, ok := m.Undo(); ok {
		t.Fatal("Undo on empty stack reported success")
	}
}

func TestPushUndoLIFO(t *testing.T) {
	m := NewManager(DefaultDepth)
	m.Push("first", tableWith("g1"))
	m.Push("second", tableWith("g2"))

	tbl, label, ok := m.Undo()
	if !ok || label != "second" || tbl.Groups[0].ID != "g2" {
		t.Fatalf("got (%v, %q, %v), want second/g2", tbl.Groups, label, ok)
	}
	_, label, ok = m.Undo()
	if !ok || label != "first" {
		t.Fatalf("got %q, want first", label)
	}
	if _, _, ok := m.Undo(); ok {
		t.Fatal("stack not empty after draining")
	}
}

func TestStackBounded(t *testing.T) {
	m := NewManager(10)
	for i := 0; i < 15; i++ {
		m.Push(fmt.Sprintf("edit-%d", i), tableWith("g"))
	}
	if m.Depth() != 10 {
		t.Fatalf("depth = %d, want 10", m.Depth())
	}
	// Oldest five were dropped; the top is still the newest.
	_, label, _ := m.Undo()
	if label != "edit-14" {
		t.Errorf("top = %q, want edit-14", label)
	}
	for m.Depth() > 1 {
		m.Undo()
	}
	_, label, _ = m.Undo()
	if label != "edit-5" {
		t.Errorf("bottom = %q, want edit-5", label)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	m := NewManager(DefaultDepth)
	live := tableWith("g1")
	m.Push("edit", live)

	// Mutate live state after the push; the snapshot must not see it.
	live.Groups[0].ImageIDs[0] = "mutated"

	tbl, _, _ := m.Undo()
	if tbl.Groups[0].ImageIDs[0] != "g1-img" {
		t.Fatal("snapshot aliases live state")
	}
}

func TestMajorActionLifecycle(t *testing.T) {
	m := NewManager(DefaultDepth)
	now := time.Now()
	m.now = func() time.Time { return now }

	if err := m.UndoMajorAction(context.Background()); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("got %v, want ErrNothingToUndo", err)
	}

	ran := 0
	m.IssueMajorAction("shift positions", time.Minute, func(ctx context.Context) error {
		ran++
		return nil
	})
	if err := m.UndoMajorAction(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ran != 1 {
		t.Fatalf("compensation ran %d times, want 1", ran)
	}
	// Token consumed: second undo has nothing to do.
	if err := m.UndoMajorAction(context.Background()); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("got %v, want ErrNothingToUndo", err)
	}
}

func TestMajorActionExpires(t *testing.T) {
	m := NewManager(DefaultDepth)
	now := time.Now()
	m.now = func() time.Time { return now }

	m.IssueMajorAction("insert rows", 30*time.Second, func(ctx context.Context) error {
		t.Fatal("expired compensation must not run")
		return nil
	})

	now = now.Add(31 * time.Second)
	if err := m.UndoMajorAction(context.Background()); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}
	// Expired token is gone, not stuck.
	if err := m.UndoMajorAction(context.Background()); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("got %v, want ErrNothingToUndo", err)
	}
}

func TestMajorActionSuperseded(t *testing.T) {
	m := NewManager(DefaultDepth)
	m.IssueMajorAction("first", time.Minute, func(ctx context.Context) error {
		t.Fatal("superseded compensation must not run")
		return nil
	})
	ran := false
	m.IssueMajorAction("second", time.Minute, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err := m.UndoMajorAction(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("second compensation did not run")
	}
}

func TestCompensationFailureRetainsToken(t *testing.T) {
	m := NewManager(DefaultDepth)
	boom := errors.New("remote write failed")
	calls := 0
	m.IssueMajorAction("flaky", time.Minute, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return boom
		}
		return nil
	})
	if err := m.UndoMajorAction(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("got %v, want the compensation error", err)
	}
	if err := m.UndoMajorAction(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestTiersIndependent(t *testing.T) {
	m := NewManager(DefaultDepth)
	m.Push("local edit", tableWith("g1"))
	now := time.Now()
	m.now = func() time.Time { return now }
	m.IssueMajorAction("persisted", time.Second, func(ctx context.Context) error { return nil })

	now = now.Add(2 * time.Second)
	if err := m.UndoMajorAction(context.Background()); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}
	// Local tier unaffected by the expired token.
	if _, label, ok := m.Undo(); !ok || label != "local edit" {
		t.Fatalf("local undo broken: %q %v", label, ok)
	}
}
