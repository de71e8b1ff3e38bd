package webproxy

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SIGHUPReloader watches for SIGHUP signals and reloads the blocklist.
// Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher and waits for it to exit.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// WatchSIGHUP starts a goroutine that reloads blocker from loader on each
// SIGHUP. A failed reload leaves the current patterns in place.
func WatchSIGHUP(blocker *URLBlocker, loader PatternLoader, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading blocklist")
				if err := blocker.Reload(ctx, loader); err != nil {
					logger.Error("blocklist reload failed", "error", err)
					continue
				}
				logger.Info("blocklist reloaded", "patterns", blocker.Count())
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
