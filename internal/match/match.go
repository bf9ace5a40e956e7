// Package match drives the AI-assisted grouping protocol: it batches pool
// items, invokes the external matcher in a single call, and reconciles the
// response into tentative new groups.
//
// The protocol is all-or-nothing at the call level: if the matcher fails
// the pool is left untouched and the failure is surfaced, never retried
// automatically. At the item level it is forgiving: any pool item the
// response does not mention simply stays in the pool.
package match

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/kalamazoo/listai/internal/group"
)

// MaxItems caps one matcher invocation. The external matcher's latency and
// error rate grow with batch size.
const MaxItems = 100

// ErrTooManyItems rejects a pool above the invocation cap.
var ErrTooManyItems = fmt.Errorf("too many items for one match call (max %d)", MaxItems)

// ErrEmptyPool rejects a match over nothing.
var ErrEmptyPool = errors.New("no pool items to match")

// Image is one candidate the matcher sees: the media id plus the url the
// model actually looks at.
type Image struct {
	ID  string
	URL string
}

// Assignment is one line of the matcher's answer. Media is the 1-indexed
// position of the image in the request; Group is the matcher's product
// group number. Garbled lines (out-of-range media numbers, repeats) are
// dropped during reconciliation, never fatal.
type Assignment struct {
	Media int `json:"media"`
	Group int `json:"group"`
}

// Matcher is the external AI matcher: one asynchronous call per
// invocation, capped input size. May return a partial answer.
type Matcher interface {
	Match(ctx context.Context, images []Image, targetGroupSize int) ([]Assignment, error)
}

// Coordinator reconciles matcher answers into the group table.
type Coordinator struct {
	matcher Matcher
}

// NewCoordinator wires a Coordinator to a matcher.
func NewCoordinator(m Matcher) *Coordinator {
	return &Coordinator{matcher: m}
}

// SmartMatch sends the pool images through the matcher and returns a new
// table with the matched items regrouped. Groups are reconstructed by
// group number, each keeping the order its items were returned in, and
// appended after existing groups with sequence numbers continuing the
// current maximum. images must correspond to ids currently in the pool.
func (c *Coordinator) SmartMatch(ctx context.Context, tbl group.Table, images []Image, targetGroupSize int) (group.Table, error) {
	if len(images) == 0 {
		return tbl, ErrEmptyPool
	}
	if len(images) > MaxItems {
		return tbl, ErrTooManyItems
	}

	log.Info().Int("count", len(images)).Int("targetGroupSize", targetGroupSize).Msg("Requesting smart match")

	assignments, err := c.matcher.Match(ctx, images, targetGroupSize)
	if err != nil {
		// All-or-nothing: pool untouched, failure surfaced.
		return tbl, fmt.Errorf("matcher call failed: %w", err)
	}

	inPool := make(map[string]struct{}, len(tbl.Pool))
	for _, id := range tbl.Pool {
		inPool[id] = struct{}{}
	}

	// Reconstruct groups by group number, items in response order.
	// Media numbers are 1-indexed into the request; anything out of
	// range, already claimed, or not actually pooled is skipped.
	byNumber := make(map[int][]string)
	var numbers []int
	claimed := make(map[string]struct{})
	dropped := 0
	for _, a := range assignments {
		if a.Media < 1 || a.Media > len(images) {
			dropped++
			continue
		}
		id := images[a.Media-1].ID
		if _, ok := inPool[id]; !ok {
			dropped++
			continue
		}
		if _, ok := claimed[id]; ok {
			dropped++
			continue
		}
		claimed[id] = struct{}{}
		if _, ok := byNumber[a.Group]; !ok {
			numbers = append(numbers, a.Group)
		}
		byNumber[a.Group] = append(byNumber[a.Group], id)
	}
	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("Matcher response contained unusable assignments")
	}
	if len(claimed) == 0 {
		log.Warn().Msg("Matcher response matched nothing; pool unchanged")
		return tbl, nil
	}
	sort.Ints(numbers)

	out := tbl.Clone()
	seq := out.NextSequence()
	for _, n := range numbers {
		g, err := group.Chunk(byNumber[n], len(byNumber[n]), seq)
		if err != nil {
			return tbl, err
		}
		out.Groups = append(out.Groups, g[0])
		seq++
	}

	// Matched items leave the pool; everything unmentioned stays.
	kept := out.Pool[:0]
	for _, id := range out.Pool {
		if _, ok := claimed[id]; !ok {
			kept = append(kept, id)
		}
	}
	out.Pool = kept
	out.PoolSelected = make(map[string]struct{})

	log.Info().
		Int("groups", len(numbers)).
		Int("matched", len(claimed)).
		Int("remaining", len(out.Pool)).
		Msg("Smart match reconciled")
	return out, nil
}
