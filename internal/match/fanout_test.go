package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookalike/internal/models"
)

type stubComparer struct {
	mu       sync.Mutex
	scores   map[string]float64
	failing  map[string]bool
	inflight atomic.Int64
	peak     atomic.Int64
	calls    atomic.Int64
}

func (s *stubComparer) Compare(_ context.Context, _, tokenB string) (float64, error) {
	cur := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		p := s.peak.Load()
		if cur <= p || s.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	s.calls.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing[tokenB] {
		return 0, errors.New("upstream comparison error")
	}
	return s.scores[tokenB], nil
}

func subjects(scores map[string]float64) []models.Subject {
	out := make([]models.Subject, 0, len(scores))
	for id := range scores {
		token := "tok-" + id
		out = append(out, models.Subject{ID: id, FaceToken: &token})
	}
	return out
}

func tokenScores(scores map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(scores))
	for id, score := range scores {
		out["tok-"+id] = score
	}
	return out
}

func TestFanoutFeedsTopK(t *testing.T) {
	scores := map[string]float64{"A": 10, "B": 95, "C": 40, "D": 95, "E": 60}
	comparer := &stubComparer{scores: tokenScores(scores)}
	fanout := NewFanout(comparer, 4, nil)

	results := fanout.Run(context.Background(), "user-token", subjects(scores), NewTopK(3), nil)

	require.Len(t, results, 3)
	assert.Equal(t, "B", results[0].SubjectID)
	assert.Equal(t, "D", results[1].SubjectID)
	assert.Equal(t, "E", results[2].SubjectID)
}

func TestFanoutSkipsSubjectsWithoutTokens(t *testing.T) {
	scores := map[string]float64{"A": 50}
	comparer := &stubComparer{scores: tokenScores(scores)}
	fanout := NewFanout(comparer, 4, nil)

	list := subjects(scores)
	list = append(list, models.Subject{ID: "no-token"})
	empty := ""
	list = append(list, models.Subject{ID: "empty-token", FaceToken: &empty})

	results := fanout.Run(context.Background(), "user-token", list, NewTopK(3), nil)

	require.Len(t, results, 1)
	assert.Equal(t, "A", results[0].SubjectID)
	assert.Equal(t, int64(1), comparer.calls.Load())
}

func TestFanoutDropsFailedComparisons(t *testing.T) {
	scores := map[string]float64{"A": 80, "B": 90, "C": 70}
	comparer := &stubComparer{
		scores:  tokenScores(scores),
		failing: map[string]bool{"tok-B": true},
	}
	fanout := NewFanout(comparer, 2, nil)

	results := fanout.Run(context.Background(), "user-token", subjects(scores), NewTopK(3), nil)

	require.Len(t, results, 2)
	assert.Equal(t, "A", results[0].SubjectID)
	assert.Equal(t, "C", results[1].SubjectID)
}

func TestFanoutAllComparisonsFailYieldsEmpty(t *testing.T) {
	scores := map[string]float64{"A": 80, "B": 90}
	comparer := &stubComparer{
		scores:  tokenScores(scores),
		failing: map[string]bool{"tok-A": true, "tok-B": true},
	}
	fanout := NewFanout(comparer, 2, nil)

	results := fanout.Run(context.Background(), "user-token", subjects(scores), NewTopK(3), nil)
	assert.Empty(t, results)
}

func TestFanoutRespectsWorkerLimit(t *testing.T) {
	scores := make(map[string]float64, 40)
	for i := 0; i < 40; i++ {
		scores[fmt.Sprintf("s%02d", i)] = float64(i)
	}
	comparer := &stubComparer{scores: tokenScores(scores)}
	fanout := NewFanout(comparer, 3, nil)

	fanout.Run(context.Background(), "user-token", subjects(scores), NewTopK(3), nil)

	assert.LessOrEqual(t, comparer.peak.Load(), int64(3))
	assert.Equal(t, int64(40), comparer.calls.Load())
}

func TestFanoutReportsProgress(t *testing.T) {
	scores := map[string]float64{"A": 1, "B": 2, "C": 3, "D": 4}
	comparer := &stubComparer{scores: tokenScores(scores)}
	fanout := NewFanout(comparer, 2, nil)

	var mu sync.Mutex
	var maxDone, total int
	fanout.Run(context.Background(), "user-token", subjects(scores), NewTopK(3), func(done, tot int) {
		mu.Lock()
		defer mu.Unlock()
		if done > maxDone {
			maxDone = done
		}
		total = tot
	})

	assert.Equal(t, 4, maxDone)
	assert.Equal(t, 4, total)
}
