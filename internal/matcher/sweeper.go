package matcher

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-receipt-pipeline/internal/repo"
)

// Sweeper promotes frequently seen aliases and prunes stale ones. It runs
// outside the matching path.
type Sweeper struct {
	DB           *gorm.DB
	PromoteCount int
	PruneAfter   time.Duration
	Interval     time.Duration
	Now          func() time.Time
}

// SweepResult reports what one pass changed.
type SweepResult struct {
	Promoted int64
	Pruned   int64
}

// RunOnce performs a single promote + prune pass.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}
	promoteAt := s.PromoteCount
	if promoteAt < 1 {
		promoteAt = 10
	}
	after := s.PruneAfter
	if after <= 0 {
		after = 90 * 24 * time.Hour
	}

	var res SweepResult
	var err error
	if res.Promoted, err = repo.PromoteAliases(ctx, s.DB, promoteAt); err != nil {
		return res, err
	}
	if res.Pruned, err = repo.PruneAliases(ctx, s.DB, now.Add(-after)); err != nil {
		return res, err
	}
	return res, nil
}

// Run sweeps every Interval until ctx is cancelled. Errors are logged and the
// loop carries on.
func (s *Sweeper) Run(ctx context.Context) {
	every := s.Interval
	if every <= 0 {
		every = time.Hour
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			res, err := s.RunOnce(ctx)
			if err != nil {
				log.Error().Err(err).Msg("alias sweep failed")
				continue
			}
			if res.Promoted > 0 || res.Pruned > 0 {
				log.Info().Int64("promoted", res.Promoted).Int64("pruned", res.Pruned).Msg("alias sweep")
			}
		}
	}
}
