package group

import (
	"fmt"
	"testing"
)

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("img-%02d", i)
	}
	return out
}

// assertContiguous fails if any group references an id twice. Positions are
// represented as slice indexes, so uniqueness is the whole invariant.
func assertContiguous(t *testing.T, table Table) {
	t.Helper()
	seen := make(map[string]string)
	check := func(scope string, seq []string) {
		for _, id := range seq {
			if prev, ok := seen[id]; ok {
				t.Fatalf("id %s appears in both %s and %s", id, prev, scope)
			}
			seen[id] = scope
		}
	}
	for _, g := range table.Groups {
		check(g.ID, g.ImageIDs)
	}
	check("pool", table.Pool)
}

func TestChunkProducesCeilGroups(t *testing.T) {
	cases := []struct {
		n, size, groups, lastLen int
	}{
		{27, 9, 3, 9}, // scenario: 27 uploads at chunk size 9
		{10, 3, 4, 1},
		{1, 5, 1, 1},
		{5, 5, 1, 5},
		{0, 4, 0, 0},
	}
	for _, c := range cases {
		in := ids(c.n)
		groups, err := Chunk(in, c.size, 1)
		if err != nil {
			t.Fatalf("Chunk(%d,%d): %v", c.n, c.size, err)
		}
		if len(groups) != c.groups {
			t.Fatalf("Chunk(%d,%d): got %d groups, want %d", c.n, c.size, len(groups), c.groups)
		}
		var flat []string
		for i, g := range groups {
			want := c.size
			if i == len(groups)-1 {
				want = c.lastLen
			}
			if len(g.ImageIDs) != want {
				t.Errorf("group %d has %d members, want %d", i, len(g.ImageIDs), want)
			}
			if g.Sequence != 1+i {
				t.Errorf("group %d sequence = %d, want %d", i, g.Sequence, 1+i)
			}
			flat = append(flat, g.ImageIDs...)
		}
		if len(flat) != c.n {
			t.Fatalf("concatenated %d ids, want %d", len(flat), c.n)
		}
		for i, id := range flat {
			if id != in[i] {
				t.Fatalf("order broken at %d: got %s want %s", i, id, in[i])
			}
		}
	}
}

func TestChunkRejectsBadSize(t *testing.T) {
	for _, size := range []int{0, -1, -100} {
		if _, err := Chunk(ids(5), size, 1); err != ErrBadChunkSize {
			t.Errorf("Chunk size %d: got %v, want ErrBadChunkSize", size, err)
		}
	}
}

func TestChunkPoolAppendsAfterExistingGroups(t *testing.T) {
	tbl := NewTable()
	tbl.Groups = []Group{{ID: "g1", Sequence: 3, ImageIDs: []string{"x"}}}
	tbl.Pool = ids(4)

	out, err := tbl.ChunkPool(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Groups) != 3 {
		t.Fatalf("got %d groups, want 3", len(out.Groups))
	}
	if out.Groups[1].Sequence != 4 || out.Groups[2].Sequence != 5 {
		t.Errorf("new sequences = %d,%d, want 4,5", out.Groups[1].Sequence, out.Groups[2].Sequence)
	}
	if len(out.Pool) != 0 {
		t.Errorf("pool not drained: %v", out.Pool)
	}
	// Original table untouched.
	if len(tbl.Groups) != 1 || len(tbl.Pool) != 4 {
		t.Error("receiver was mutated")
	}
	assertContiguous(t, out)
}

func TestMoveSelectedToPoolAndBack(t *testing.T) {
	// Scenario: group [a,b,c], select {b,c}, move to pool, then promote.
	tbl := NewTable()
	tbl.Groups = []Group{{ID: "g1", Sequence: 1, ImageIDs: []string{"a", "b", "c"}, Selected: map[string]struct{}{}}}

	out, err := tbl.MoveSelected([]string{"b", "c"}, "g1", PoolID)
	if err != nil {
		t.Fatal(err)
	}
	g, _ := out.Get("g1")
	if len(g.ImageIDs) != 1 || g.ImageIDs[0] != "a" {
		t.Fatalf("group = %v, want [a]", g.ImageIDs)
	}
	if len(out.Pool) != 2 || out.Pool[0] != "b" || out.Pool[1] != "c" {
		t.Fatalf("pool = %v, want [b c]", out.Pool)
	}
	assertContiguous(t, out)

	out.PoolSelected["b"] = struct{}{}
	out.PoolSelected["c"] = struct{}{}
	promoted, newID, err := out.PromotePoolSelection()
	if err != nil {
		t.Fatal(err)
	}
	ng, ok := promoted.Get(newID)
	if !ok {
		t.Fatal("promoted group missing")
	}
	if len(ng.ImageIDs) != 2 || ng.ImageIDs[0] != "b" || ng.ImageIDs[1] != "c" {
		t.Fatalf("promoted group = %v, want [b c]", ng.ImageIDs)
	}
	if ng.Sequence != 2 {
		t.Errorf("promoted sequence = %d, want 2", ng.Sequence)
	}
	if len(promoted.Pool) != 0 {
		t.Errorf("pool = %v, want empty", promoted.Pool)
	}
	assertContiguous(t, promoted)
}

func TestMoveSelectedAtomicOnMissingDestination(t *testing.T) {
	tbl := NewTable()
	tbl.Groups = []Group{{ID: "g1", Sequence: 1, ImageIDs: []string{"a", "b"}}}

	out, err := tbl.MoveSelected([]string{"a"}, "g1", "nope")
	if err != ErrGroupNotFound {
		t.Fatalf("got %v, want ErrGroupNotFound", err)
	}
	g, _ := out.Get("g1")
	if len(g.ImageIDs) != 2 {
		t.Errorf("source changed despite missing destination: %v", g.ImageIDs)
	}
}

func TestMoveSelectedSkipsForeignIDs(t *testing.T) {
	tbl := NewTable()
	tbl.Groups = []Group{
		{ID: "g1", Sequence: 1, ImageIDs: []string{"a", "b"}},
		{ID: "g2", Sequence: 2, ImageIDs: []string{"c"}},
	}

	// "c" is not in g1; only "b" should move.
	out, err := tbl.MoveSelected([]string{"b", "c"}, "g1", "g2")
	if err != nil {
		t.Fatal(err)
	}
	g1, _ := out.Get("g1")
	g2, _ := out.Get("g2")
	if len(g1.ImageIDs) != 1 || g1.ImageIDs[0] != "a" {
		t.Errorf("g1 = %v, want [a]", g1.ImageIDs)
	}
	if len(g2.ImageIDs) != 2 || g2.ImageIDs[1] != "b" {
		t.Errorf("g2 = %v, want [c b]", g2.ImageIDs)
	}
	assertContiguous(t, out)

	// A move naming only absent ids is a full no-op.
	out2, err := tbl.MoveSelected([]string{"zz"}, "g1", "g2")
	if err != nil {
		t.Fatal(err)
	}
	g1b, _ := out2.Get("g1")
	if len(g1b.ImageIDs) != 2 {
		t.Errorf("no-op move changed g1: %v", g1b.ImageIDs)
	}
}

func TestMoveSelectedClearsSelections(t *testing.T) {
	tbl := NewTable()
	tbl.Groups = []Group{
		{ID: "g1", Sequence: 1, ImageIDs: []string{"a", "b"}, Selected: map[string]struct{}{"a": {}, "b": {}}},
		{ID: "g2", Sequence: 2, ImageIDs: []string{"c"}, Selected: map[string]struct{}{"c": {}}},
	}
	out, err := tbl.MoveSelected([]string{"a"}, "g1", "g2")
	if err != nil {
		t.Fatal(err)
	}
	g1, _ := out.Get("g1")
	g2, _ := out.Get("g2")
	if len(g1.Selected) != 0 || len(g2.Selected) != 0 {
		t.Error("selections survived an image-set change")
	}
}

func TestReorderWithinGroup(t *testing.T) {
	tbl := NewTable()
	tbl.Groups = []Group{{ID: "g1", Sequence: 1, ImageIDs: []string{"a", "b", "c", "d"}}}

	cases := []struct {
		from, to int
		want     []string
	}{
		{0, 2, []string{"b", "c", "a", "d"}},
		{3, 0, []string{"d", "a", "b", "c"}},
		{1, 1, []string{"a", "b", "c", "d"}},
		{-1, 2, []string{"a", "b", "c", "d"}}, // out of range: no-op
		{0, 9, []string{"a", "b", "c", "d"}},
	}
	for _, c := range cases {
		out, err := tbl.Reorder("g1", c.from, c.to)
		if err != nil {
			t.Fatalf("Reorder(%d,%d): %v", c.from, c.to, err)
		}
		g, _ := out.Get("g1")
		for i, id := range c.want {
			if g.ImageIDs[i] != id {
				t.Fatalf("Reorder(%d,%d) = %v, want %v", c.from, c.to, g.ImageIDs, c.want)
			}
		}
		assertContiguous(t, out)
	}

	if _, err := tbl.Reorder("nope", 0, 1); err != ErrGroupNotFound {
		t.Errorf("got %v, want ErrGroupNotFound", err)
	}
}

func TestInsertAtFront(t *testing.T) {
	tbl := NewTable()
	tbl.Groups = []Group{{ID: "g1", Sequence: 1, ImageIDs: []string{"x", "y"}}}

	out, err := tbl.InsertAtFront("g1", "new")
	if err != nil {
		t.Fatal(err)
	}
	g, _ := out.Get("g1")
	want := []string{"new", "x", "y"}
	for i, id := range want {
		if g.ImageIDs[i] != id {
			t.Fatalf("got %v, want %v", g.ImageIDs, want)
		}
	}
	assertContiguous(t, out)
}

func TestRemoveImagesRenumbers(t *testing.T) {
	tbl := NewTable()
	tbl.Groups = []Group{{ID: "g1", Sequence: 1, ImageIDs: []string{"new", "x", "y"}}}

	out := tbl.RemoveImages([]string{"new"})
	g, _ := out.Get("g1")
	if len(g.ImageIDs) != 2 || g.ImageIDs[0] != "x" || g.ImageIDs[1] != "y" {
		t.Fatalf("got %v, want [x y]", g.ImageIDs)
	}
	assertContiguous(t, out)
}

func TestDeleteGroupReturnsImagesToPool(t *testing.T) {
	tbl := NewTable()
	tbl.Groups = []Group{
		{ID: "g1", Sequence: 1, ImageIDs: []string{"a", "b"}},
		{ID: "g2", Sequence: 2, ImageIDs: []string{"c"}},
	}
	tbl.Pool = []string{"p"}

	out, err := tbl.DeleteGroup("g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Groups) != 1 || out.Groups[0].ID != "g2" {
		t.Fatalf("groups = %v", out.Groups)
	}
	want := []string{"p", "a", "b"}
	for i, id := range want {
		if out.Pool[i] != id {
			t.Fatalf("pool = %v, want %v", out.Pool, want)
		}
	}
	// Next sequence still continues past the deleted group's number.
	if out.NextSequence() != 3 {
		t.Errorf("NextSequence = %d, want 3", out.NextSequence())
	}
}

func TestMergeGroups(t *testing.T) {
	tbl := NewTable()
	tbl.Groups = []Group{
		{ID: "g1", Sequence: 1, ImageIDs: []string{"a"}},
		{ID: "g2", Sequence: 2, ImageIDs: []string{"b", "c"}},
	}
	out, err := tbl.MergeGroups("g1", "g2")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(out.Groups))
	}
	g := out.Groups[0]
	if g.ID != "g2" || g.Sequence != 2 {
		t.Errorf("merged into %s seq %d, want g2 seq 2", g.ID, g.Sequence)
	}
	want := []string{"b", "c", "a"}
	for i, id := range want {
		if g.ImageIDs[i] != id {
			t.Fatalf("merged = %v, want %v", g.ImageIDs, want)
		}
	}
}

func TestLockedGroupRejectsEdits(t *testing.T) {
	tbl := NewTable()
	tbl.Groups = []Group{{ID: "g1", Sequence: 1, ImageIDs: []string{"a", "b"}, Locked: true}}

	if _, err := tbl.Reorder("g1", 0, 1); err != ErrGroupLocked {
		t.Errorf("Reorder: got %v, want ErrGroupLocked", err)
	}
	if _, err := tbl.MoveSelected([]string{"a"}, "g1", PoolID); err != ErrGroupLocked {
		t.Errorf("MoveSelected: got %v, want ErrGroupLocked", err)
	}
	if _, err := tbl.DeleteGroup("g1"); err != ErrGroupLocked {
		t.Errorf("DeleteGroup: got %v, want ErrGroupLocked", err)
	}
}

func TestToggleSelect(t *testing.T) {
	tbl := NewTable()
	tbl.Groups = []Group{{ID: "g1", Sequence: 1, ImageIDs: []string{"a"}, Selected: map[string]struct{}{}}}

	out := tbl.ToggleSelect("g1", "a")
	g, _ := out.Get("g1")
	if _, ok := g.Selected["a"]; !ok {
		t.Fatal("a not selected after toggle")
	}
	out = out.ToggleSelect("g1", "a")
	g, _ = out.Get("g1")
	if len(g.Selected) != 0 {
		t.Fatal("a still selected after second toggle")
	}
	// Selecting an id the scope does not hold is a no-op.
	out = out.ToggleSelect("g1", "zz")
	g, _ = out.Get("g1")
	if len(g.Selected) != 0 {
		t.Fatal("foreign id entered the selection set")
	}
}

func TestCloneIsDeep(t *testing.T) {
	tbl := NewTable()
	tbl.Groups = []Group{{ID: "g1", Sequence: 1, ImageIDs: []string{"a"}, Selected: map[string]struct{}{}}}
	cp := tbl.Clone()
	cp.Groups[0].ImageIDs[0] = "mutated"
	cp.Groups[0].Selected["x"] = struct{}{}
	if tbl.Groups[0].ImageIDs[0] != "a" || len(tbl.Groups[0].Selected) != 0 {
		t.Fatal("clone aliases the original")
	}
}
