package session

import (
	"context"
	"time"

	"github.com/italolelis/torbox_watcher/internal/logctx"
)

// Reporter owns the one background goroutine each active session gets: a
// ticker that renders a progress line until the session's stop flag is set,
// then removes the session from the registry exactly once.
type Reporter struct {
	interval time.Duration
	registry *Registry
}

func NewReporter(interval time.Duration, registry *Registry) *Reporter {
	return &Reporter{interval: interval, registry: registry}
}

// Watch registers the session and starts its reporting goroutine. The
// reporter never takes locks the transfer loop needs; sessions expose
// atomically-read state for exactly this reason.
func (r *Reporter) Watch(ctx context.Context, key string, msg string, s Session) {
	logger := logctx.LoggerFromContext(ctx)

	r.registry.Add(key, s)

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.registry.Remove(key)

				return
			case <-ticker.C:
				if s.Stopped() {
					r.registry.Remove(key)

					return
				}

				logger.Info(msg, s.ProgressArgs()...)
			}
		}
	}()
}
