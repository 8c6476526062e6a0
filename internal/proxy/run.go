package proxy

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/postalsys/muti-metroo/internal/logging"
)

// Run starts a Server and blocks until SIGINT, SIGTERM, or SIGUSR1 is
// received, then stops it gracefully. SIGUSR1 is treated identically
// to SIGTERM: the supervisor always walks the live registry and closes
// every Connection before returning, so there is no separate "abrupt"
// shutdown path to distinguish. SIGCHLD is not handled: the CORE never
// spawns plugin subprocesses, per spec.md's non-goals.
func Run(ctx context.Context, cfg Config) error {
	srv := New(cfg)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		srv.logger.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
		srv.logger.Info("context canceled, shutting down", logging.KeyError, ctx.Err())
	}

	srv.Stop()
	return nil
}
