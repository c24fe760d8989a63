// Package dedup holds the bounded set of recently delivered reading ids used to
// absorb boundary overlap between consecutive polls.
package dedup

// DefaultLimit is the soft limit observed for the delivery window.
const DefaultLimit = 1000

// Window is an insertion-ordered set of ids with a soft size limit. Once the
// set grows past the limit, Trim keeps only the newest Limit/2 ids.
//
// A Window is owned by a single goroutine and is not safe for concurrent use.
type Window struct {
	limit int
	seen  map[string]struct{}

	// ring holds ids in insertion order; head is the oldest live entry.
	ring []string
	head int
}

// New returns a Window with the given soft limit. A limit below 2 is raised
// to 2 so that trimming always retains at least one id.
func New(limit int) *Window {
	if limit < 2 {
		limit = 2
	}
	return &Window{
		limit: limit,
		seen:  make(map[string]struct{}, limit+1),
		ring:  make([]string, 0, limit+1),
	}
}

// Admit records id and returns true the first time it is presented, false on
// every later presentation while it is retained.
func (w *Window) Admit(id string) bool {
	if _, ok := w.seen[id]; ok {
		return false
	}
	w.seen[id] = struct{}{}
	w.ring = append(w.ring, id)
	return true
}

// Contains reports whether id is currently retained, without recording it.
func (w *Window) Contains(id string) bool {
	_, ok := w.seen[id]
	return ok
}

// Len returns the number of retained ids.
func (w *Window) Len() int { return len(w.ring) - w.head }

// Limit returns the soft limit.
func (w *Window) Limit() int { return w.limit }

// Trim discards all but the newest Limit/2 ids when the window is over its
// limit, and returns how many ids were discarded.
func (w *Window) Trim() int {
	if w.Len() <= w.limit {
		return 0
	}
	keep := w.limit / 2
	drop := w.Len() - keep
	for _, id := range w.ring[w.head : w.head+drop] {
		delete(w.seen, id)
	}
	w.head += drop

	// Compact once the dead prefix dominates so the backing array stays bounded.
	if w.head >= len(w.ring)/2 {
		n := copy(w.ring, w.ring[w.head:])
		clear(w.ring[n:])
		w.ring = w.ring[:n]
		w.head = 0
	}
	return drop
}

// IDs returns the retained ids, oldest first.
func (w *Window) IDs() []string {
	out := make([]string, w.Len())
	copy(out, w.ring[w.head:])
	return out
}
