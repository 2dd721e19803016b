package council

import (
	"context"
	"time"
)

// Sweep resolves expired requests every sweep interval until ctx is done.
func (e *Engine) Sweep(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.ResolveExpired(ctx)
			if err != nil {
				e.logError("council sweep failed", "error", err)
				continue
			}
			if n > 0 {
				e.info("council sweep resolved expired requests", "count", n)
			}
		}
	}
}
