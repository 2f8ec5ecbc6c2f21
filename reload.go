package devhost

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SIGHUPReloader watches for SIGHUP signals and reloads the router's
// certificates. Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// ReloadFunc runs on each SIGHUP before certificates are reloaded, e.g. to
// re-issue expiring leaves. It may be nil.
type ReloadFunc func(ctx context.Context) error

// WatchSIGHUP starts a goroutine that, on every SIGHUP, calls reload and
// then re-reads the certificate of every running route from disk. A failed
// reload is logged and the certificates are left as they were.
func WatchSIGHUP(router *Router, reload ReloadFunc, logger *slog.Logger) *SIGHUPReloader {
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
				logger.Info("received SIGHUP, reloading certificates...")
				if reload != nil {
					if err := reload(ctx); err != nil {
						logger.Error("reload failed", "error", err)
						continue
					}
				}
				n, err := router.ReloadCertificates()
				if err != nil {
					logger.Error("certificate reload incomplete", "reloaded", n, "error", err)
					continue
				}
				logger.Info("certificates reloaded", "count", n)
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
