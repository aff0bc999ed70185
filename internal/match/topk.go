package match

import (
	"sort"
	"sync"
)

// Scored is one successful comparison result.
type Scored struct {
	SubjectID string
	Score     float64
}

// TopK retains the K highest-scoring results seen so far. Ordering is score
// descending, ties broken by subject id ascending so results are
// reproducible regardless of arrival order. Safe for concurrent use.
type TopK struct {
	mu      sync.Mutex
	limit   int
	entries []Scored
}

// NewTopK builds a tracker holding at most limit entries. A non-positive
// limit defaults to 3.
func NewTopK(limit int) *TopK {
	if limit <= 0 {
		limit = 3
	}
	return &TopK{limit: limit, entries: make([]Scored, 0, limit)}
}

// Offer inserts the result if it qualifies for the top K. When the tracker
// is full, the result must strictly beat the current minimum under the
// tracker ordering to displace it.
func (t *TopK) Offer(s Scored) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) < t.limit {
		t.entries = append(t.entries, s)
		t.resort()
		return
	}

	tail := t.entries[len(t.entries)-1]
	if !less(s, tail) {
		return
	}
	t.entries[len(t.entries)-1] = s
	t.resort()
}

// Results returns the retained entries in rank order.
func (t *TopK) Results() []Scored {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Scored, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of retained entries.
func (t *TopK) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *TopK) resort() {
	sort.Slice(t.entries, func(i, j int) bool {
		return less(t.entries[i], t.entries[j])
	})
}

// less orders a before b: higher score first, then lower subject id.
func less(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.SubjectID < b.SubjectID
}
