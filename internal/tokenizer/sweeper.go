package tokenizer

import (
	"log/slog"
	"time"

	"github.com/JaimeStill/safeguard/pkg/lifecycle"
)

// Start sweeps expired sessions every interval until the coordinator shuts down.
func (t *Tokenizer) Start(lc *lifecycle.Coordinator, interval time.Duration, logger *slog.Logger) {
	logger = logger.With("system", "tokenizer")

	lc.OnShutdown(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-lc.Context().Done():
				logger.Info("token sweeper stopped", "active_sessions", t.Active())
				return
			case <-ticker.C:
				if n := t.Sweep(); n > 0 {
					logger.Info("expired token sessions wiped", "count", n)
				}
			}
		}
	})
}
