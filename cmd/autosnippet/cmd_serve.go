package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"autosnippet/internal/server"
	syncpkg "autosnippet/internal/sync"
)

var (
	serveAddr    string
	serveNoWatch bool
)

// Stale editor sessions are swept while the server runs.
const (
	sessionTTL         = 30 * time.Minute
	sessionSweepPeriod = 5 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local dashboard API",
	Long: `Serves the dashboard HTTP API on loopback and keeps the knowledge
directory synchronized: an initial full sync runs at startup, then a
filesystem watcher triggers incremental syncs as markdown files change.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config, 127.0.0.1:3947)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Disable the filesystem watcher")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	// Bring the cache up to date before answering queries. Violations are
	// reported, not fatal: serve must come up on a dirty knowledge dir.
	report, err := e.syncer.Sync(ctx, syncpkg.Options{SkipViolations: true})
	if err != nil {
		return err
	}
	logger.Info("initial sync complete",
		zap.Int("synced", report.Synced),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("violations", len(report.Violations)))

	if !serveNoWatch {
		watcher := syncpkg.NewWatcher(e.syncer)
		watcher.OnSync = func(r *syncpkg.Report) {
			logger.Debug("watcher sync",
				zap.Int("synced", r.Synced),
				zap.Int("violations", len(r.Violations)))
		}
		go func() {
			if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("watcher stopped", zap.Error(err))
			}
		}()
	}

	go sweepSessions(ctx, e)

	addr := serveAddr
	if addr == "" {
		addr = e.cfg.Server.Addr
	}
	srv := server.New(server.Options{
		Store:    e.store,
		Searcher: e.searcher,
		Gateway:  e.gateway,
		Graph:    e.graph,
		Indexer:  e.indexer,
		Stats:    e.stats,
		Root:     e.root,
		Logger:   logger,
	})
	logger.Info("serving dashboard API", zap.String("addr", addr), zap.String("root", e.root))
	err = srv.ListenAndServe(ctx, addr)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func sweepSessions(ctx context.Context, e *engine) {
	ticker := time.NewTicker(sessionSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.store.Sessions().ExpireStale(ctx, sessionTTL)
			if err != nil {
				logger.Warn("session sweep failed", zap.Error(err))
			} else if n > 0 {
				logger.Debug("expired stale sessions", zap.Int64("count", n))
			}
		}
	}
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
