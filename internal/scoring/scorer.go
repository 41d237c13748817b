package scoring

import (
	"context"
	"fmt"
	"sync"

	"github.com/opensource-finance/osprey-graph/internal/domain"
)

// Scorer applies a Policy to many records with bounded parallelism.
type Scorer struct {
	policy  Policy
	workers int
}

// NewScorer creates a scorer. workers <= 1 scores sequentially.
func NewScorer(policy Policy, workers int) *Scorer {
	if workers < 1 {
		workers = 1
	}
	return &Scorer{policy: policy, workers: workers}
}

// Policy returns the scorer's policy.
func (s *Scorer) Policy() Policy {
	return s.policy
}

// ScoreOne scores a single record and derives its severity.
func (s *Scorer) ScoreOne(ctx context.Context, rec domain.FeatureRecord) (domain.ScoredRecord, error) {
	score, reasons, err := s.policy.Score(ctx, rec)
	if err != nil {
		return domain.ScoredRecord{}, fmt.Errorf("score tx %d: %w", rec.ID, err)
	}
	return scored(rec, score, reasons), nil
}

// ScoreAll scores records, preserving input order. The first error aborts
// the batch.
func (s *Scorer) ScoreAll(ctx context.Context, recs []domain.FeatureRecord) ([]domain.ScoredRecord, error) {
	out := make([]domain.ScoredRecord, len(recs))

	if s.workers == 1 || len(recs) < 2 {
		for i := range recs {
			r, err := s.ScoreOne(ctx, recs[i])
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunk := (len(recs) + s.workers - 1) / s.workers
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	sem := make(chan struct{}, s.workers)

	for start := 0; start < len(recs); start += chunk {
		end := min(start+chunk, len(recs))
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			for i := lo; i < hi; i++ {
				if ctx.Err() != nil {
					return
				}
				r, err := s.ScoreOne(ctx, recs[i])
				if err != nil {
					errOnce.Do(func() {
						firstErr = err
						cancel()
					})
					return
				}
				out[i] = r
			}
		}(start, end)
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CountBySeverity tallies records per band. Every band is present.
func CountBySeverity(recs []domain.ScoredRecord) map[domain.Severity]int {
	out := make(map[domain.Severity]int, len(domain.Severities))
	for _, s := range domain.Severities {
		out[s] = 0
	}
	for _, r := range recs {
		out[r.Severity]++
	}
	return out
}
