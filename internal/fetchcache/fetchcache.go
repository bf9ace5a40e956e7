// Package fetchcache decides whether the authoritative image list for a
// batch actually needs refetching. The key is derived from the batch id
// plus the sorted member id set, so any membership change — including a
// batch emptying out — forces a real fetch, while a reload with an
// unchanged roster is skipped.
package fetchcache

import (
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Cache remembers the last successfully fetched key for one batch view.
// Zero value is ready to use and always fetches first.
type Cache struct {
	lastKey string
	force   bool
}

// Key derives the fetch identity for a batch and membership set. The
// member ids are sorted before joining so ordering changes alone never
// invalidate the cache — only membership changes do.
func Key(batchID string, memberIDs []string) string {
	sorted := append([]string(nil), memberIDs...)
	sort.Strings(sorted)
	return batchID + "|" + strings.Join(sorted, ",")
}

// ShouldFetch reports whether a real fetch is needed. It returns false
// only when the exact key was the last one successfully fetched and no
// force-refresh is pending.
func (c *Cache) ShouldFetch(batchID string, memberIDs []string) bool {
	if c.force {
		return true
	}
	key := Key(batchID, memberIDs)
	if key == c.lastKey {
		log.Debug().Str("batch", batchID).Msg("Image list unchanged, skipping fetch")
		return false
	}
	return true
}

// MarkFetched records a successful fetch of the given membership and
// clears any pending force-refresh.
func (c *Cache) MarkFetched(batchID string, memberIDs []string) {
	c.lastKey = Key(batchID, memberIDs)
	c.force = false
}

// MarkFailed invalidates the stored key after a failed fetch. A failed
// state is never cached; the next ShouldFetch always returns true.
func (c *Cache) MarkFailed() {
	c.lastKey = ""
}

// ForceNext makes the next ShouldFetch return true regardless of key
// equality. The stored key is replaced once that fetch succeeds.
func (c *Cache) ForceNext() {
	c.force = true
}
