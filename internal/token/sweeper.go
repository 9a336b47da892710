package token

import (
	"context"
	"time"

	"github.com/example/crafteriauth/internal/store"
	"github.com/rs/zerolog"
)

// Sweeper deletes expired token rows. Verification never depends on it; it
// only bounds table growth.
type Sweeper struct {
	store store.Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewSweeper(s store.Store, log zerolog.Logger) *Sweeper {
	return &Sweeper{store: s, log: log, now: time.Now}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredTokens(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info().Int64("deleted", n).Msg("expired tokens swept")
	}
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if _, err := s.SweepOnce(sctx); err != nil {
				s.log.Error().Err(err).Msg("token sweep failed")
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}
