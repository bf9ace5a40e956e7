package match

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kalamazoo/listai/internal/group"
)

type fakeMatcher struct {
	assignments []Assignment
	err         error
	calls       int
}

func (f *fakeMatcher) Match(ctx context.Context, images []Image, targetGroupSize int) ([]Assignment, error) {
	f.calls++
	return f.assignments, f.err
}

func poolTable(n int) (group.Table, []Image) {
	tbl := group.NewTable()
	var images []Image
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("img-%d", i+1)
		tbl.Pool = append(tbl.Pool, id)
		images = append(images, Image{ID: id, URL: "https://img/" + id + ".jpg"})
	}
	return tbl, images
}

func TestSmartMatchBuildsGroupsByNumber(t *testing.T) {
	tbl, images := poolTable(5)
	tbl.Groups = []group.Group{{ID: "existing", Sequence: 2, ImageIDs: []string{"x"}}}

	m := &fakeMatcher{assignments: []Assignment{
		{Media: 3, Group: 2},
		{Media: 1, Group: 1},
		{Media: 4, Group: 1},
		{Media: 5, Group: 2},
		// Image 2 omitted: stays in the pool.
	}}
	c := NewCoordinator(m)

	out, err := c.SmartMatch(context.Background(), tbl, images, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(out.Groups))
	}

	g1, g2 := out.Groups[1], out.Groups[2]
	// Group numbers order the new groups; items keep response order.
	if len(g1.ImageIDs) != 2 || g1.ImageIDs[0] != "img-1" || g1.ImageIDs[1] != "img-4" {
		t.Errorf("group 1 = %v, want [img-1 img-4]", g1.ImageIDs)
	}
	if len(g2.ImageIDs) != 2 || g2.ImageIDs[0] != "img-3" || g2.ImageIDs[1] != "img-5" {
		t.Errorf("group 2 = %v, want [img-3 img-5]", g2.ImageIDs)
	}
	// Sequence numbers continue past the existing maximum.
	if g1.Sequence != 3 || g2.Sequence != 4 {
		t.Errorf("sequences = %d,%d, want 3,4", g1.Sequence, g2.Sequence)
	}
	// The unmentioned item is never silently dropped.
	if len(out.Pool) != 1 || out.Pool[0] != "img-2" {
		t.Errorf("pool = %v, want [img-2]", out.Pool)
	}
}

func TestSmartMatchGarbledLinesAreSkipped(t *testing.T) {
	tbl, images := poolTable(3)
	m := &fakeMatcher{assignments: []Assignment{
		{Media: 0, Group: 1},  // out of range
		{Media: 99, Group: 1}, // out of range
		{Media: 2, Group: 1},
		{Media: 2, Group: 2}, // repeat claim
	}}
	out, err := NewCoordinator(m).SmartMatch(context.Background(), tbl, images, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Groups) != 1 || len(out.Groups[0].ImageIDs) != 1 || out.Groups[0].ImageIDs[0] != "img-2" {
		t.Fatalf("groups = %v", out.Groups)
	}
	if len(out.Pool) != 2 {
		t.Fatalf("pool = %v, want img-1 and img-3", out.Pool)
	}
}

func TestSmartMatchFailureLeavesPoolUntouched(t *testing.T) {
	tbl, images := poolTable(4)
	m := &fakeMatcher{err: errors.New("model unavailable")}

	out, err := NewCoordinator(m).SmartMatch(context.Background(), tbl, images, 2)
	if err == nil {
		t.Fatal("expected surfaced failure")
	}
	if len(out.Pool) != 4 || len(out.Groups) != 0 {
		t.Fatalf("state changed on failure: %d pool, %d groups", len(out.Pool), len(out.Groups))
	}
	// Never retried automatically.
	if m.calls != 1 {
		t.Fatalf("matcher called %d times, want 1", m.calls)
	}
}

func TestSmartMatchRejectsOversizedPool(t *testing.T) {
	tbl, images := poolTable(MaxItems + 1)
	m := &fakeMatcher{}

	_, err := NewCoordinator(m).SmartMatch(context.Background(), tbl, images, 2)
	if !errors.Is(err, ErrTooManyItems) {
		t.Fatalf("got %v, want ErrTooManyItems", err)
	}
	if m.calls != 0 {
		t.Fatal("oversized pool must never reach the matcher")
	}
}

func TestSmartMatchEmptyPool(t *testing.T) {
	tbl := group.NewTable()
	_, err := NewCoordinator(&fakeMatcher{}).SmartMatch(context.Background(), tbl, nil, 2)
	if !errors.Is(err, ErrEmptyPool) {
		t.Fatalf("got %v, want ErrEmptyPool", err)
	}
}

func TestBuildMatchPromptListsImages(t *testing.T) {
	_, images := poolTable(2)
	prompt := buildMatchPrompt(images, 4)
	for _, want := range []string{"Image 1: https://img/img-1.jpg", "Image 2: https://img/img-2.jpg", "roughly that size"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
