package match

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"lookalike/internal/models"
	"lookalike/internal/telemetry"
)

// Comparer computes the similarity between two face tokens on a 0-100 scale.
type Comparer interface {
	Compare(ctx context.Context, tokenA, tokenB string) (float64, error)
}

// Fanout runs one comparison per corpus subject concurrently, bounded by a
// worker limit so the upstream API is not overwhelmed, and feeds successful
// scores into a TopK tracker. Individual comparison failures are dropped;
// they never fail the batch.
type Fanout struct {
	comparer Comparer
	workers  int
	logger   *zap.Logger
}

// NewFanout builds a fanout with the given concurrency limit. A non-positive
// limit defaults to 8.
func NewFanout(comparer Comparer, workers int, logger *zap.Logger) *Fanout {
	if workers <= 0 {
		workers = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{comparer: comparer, workers: workers, logger: logger}
}

// Progress receives the running completion count out of the total. It is
// invoked from worker goroutines; implementations decide how often to act.
type Progress func(done, total int)

// Run compares token against every comparable subject and returns the top
// results in rank order. Subjects without a face token are skipped before
// any work is scheduled.
func (f *Fanout) Run(ctx context.Context, token string, subjects []models.Subject, tracker *TopK, progress Progress) []Scored {
	eligible := subjects[:0:0]
	for _, s := range subjects {
		if s.Comparable() {
			eligible = append(eligible, s)
		}
	}
	total := len(eligible)
	if total == 0 {
		return nil
	}

	sem := make(chan struct{}, f.workers)
	var wg sync.WaitGroup
	var done atomic.Int64

	for _, subject := range eligible {
		select {
		case <-ctx.Done():
			f.logger.Warn("fanout cancelled", zap.Error(ctx.Err()))
			wg.Wait()
			return tracker.Results()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(subject models.Subject) {
			defer wg.Done()
			defer func() { <-sem }()

			score, err := f.comparer.Compare(ctx, token, *subject.FaceToken)
			if err != nil {
				telemetry.ComparisonErrors.Inc()
				f.logger.Debug("comparison dropped",
					zap.String("subject_id", subject.ID),
					zap.Error(err))
			} else {
				telemetry.ComparisonsTotal.Inc()
				tracker.Offer(Scored{SubjectID: subject.ID, Score: score})
			}

			n := int(done.Add(1))
			if progress != nil {
				progress(n, total)
			}
		}(subject)
	}

	wg.Wait()
	return tracker.Results()
}
