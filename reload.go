package interceptor

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// ReloadSet is the result of re-reading configuration. Nil fields leave the
// corresponding live state untouched.
type ReloadSet struct {
	Filters []string
	Rules   []RequestRule
	Mocks   map[string]MockResponse
}

// ReloadFunc re-reads filters, rules and mocks from their source.
type ReloadFunc func(ctx context.Context) (*ReloadSet, error)

// SIGHUPReloader watches for SIGHUP. Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the watcher and waits for it to exit.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// WatchSIGHUP calls reload on every SIGHUP and applies the result to proxy.
// A failed reload is logged and the current state kept.
func WatchSIGHUP(proxy *Proxy, reload ReloadFunc, logger *slog.Logger) *SIGHUPReloader {
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
				logger.Info("received SIGHUP, reloading")
				if err := proxy.Reload(ctx, reload); err != nil {
					logger.Error("reload failed", "error", err)
				}
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
