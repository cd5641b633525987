// Command fim-monitor watches a directory tree against a stored baseline and
// raises an alert for every unauthorized change. It loads a YAML
// configuration file, wires the configured notification channels, serves
// the dashboard and gRPC health endpoints, reloads the baseline on SIGHUP
// and drains in-flight work on SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tripwire/fim/internal/alert"
	"github.com/tripwire/fim/internal/archive"
	"github.com/tripwire/fim/internal/config"
	"github.com/tripwire/fim/internal/dashboard"
	"github.com/tripwire/fim/internal/engine"
	"github.com/tripwire/fim/internal/health"
	"github.com/tripwire/fim/internal/journal"
	"github.com/tripwire/fim/internal/live"
	"github.com/tripwire/fim/internal/metrics"
	"github.com/tripwire/fim/internal/notify"
	"github.com/tripwire/fim/internal/queue"
	"github.com/tripwire/fim/internal/watcher"
)

func main() {
	configPath := flag.String("config", "/etc/fim/config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before environment overrides")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "fim-monitor: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fim-monitor: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fim-monitor: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("monitor_dir", cfg.MonitorDir),
		slog.String("baseline_file", cfg.BaselineFile),
		slog.String("watcher_mode", cfg.Watcher.Mode),
		slog.String("log_level", cfg.LogLevel),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("fim-monitor exited with error", slog.Any("error", err))
		closeLog()
		os.Exit(1)
	}
}

// run wires every component, blocks until a shutdown signal, and tears the
// components down in reverse order.
func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	m.Register(prometheus.DefaultRegisterer)

	// ── Notification channels ────────────────────────────────────────────────
	var (
		channels notify.Multi
		outbox   *notify.Outbox
		closers  []func()
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	feed := live.NewBroadcaster(logger, live.DefaultBuffer)
	closers = append(closers, feed.Close)
	channels = append(channels, notify.Named{Name: "live", Channel: feed})

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = j.Close() })
		seq, _ := j.Head()
		logger.Info("alert journal opened", slog.String("path", cfg.Journal.Path), slog.Int64("seq", seq))
		channels = append(channels, notify.Named{Name: "journal", Channel: j})
	}

	if cfg.Archive.DSN != "" {
		a, err := archive.New(ctx, cfg.Archive.DSN, logger, cfg.Archive.BatchSize, cfg.Archive.FlushInterval)
		if err != nil {
			return err
		}
		closers = append(closers, func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer closeCancel()
			if err := a.Close(closeCtx); err != nil {
				logger.Warn("archive close failed", slog.Any("error", err))
			}
		})
		channels = append(channels, notify.Named{Name: "archive", Channel: a})
	}

	var remote notify.Multi
	if cfg.Email.Enabled() {
		email := notify.NewEmail(cfg.Email, logger)
		if cfg.VerifyEmailOnStart {
			verifyCtx, verifyCancel := context.WithTimeout(ctx, 30*time.Second)
			if err := email.Verify(verifyCtx); err != nil {
				logger.Warn("email: startup verification failed", slog.Any("error", err))
			} else {
				logger.Info("email: startup verification succeeded", slog.String("server", cfg.Email.SMTPServer))
			}
			verifyCancel()
		}
		remote = append(remote, notify.Named{Name: "email", Channel: email})
	}
	if cfg.Webhook.URL != "" {
		remote = append(remote, notify.Named{Name: "webhook", Channel: notify.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Timeout)})
	}

	if len(remote) > 0 {
		var remoteCh alert.Channel = remote
		if cfg.Outbox.Path != "" {
			q, err := queue.New(cfg.Outbox.Path)
			if err != nil {
				return err
			}
			closers = append(closers, func() { _ = q.Close() })
			outbox = notify.NewOutbox(remote, q, logger,
				notify.WithOutboxMetrics(m),
				notify.WithRedeliverInterval(cfg.Outbox.RedeliverInterval),
			)
			logger.Info("notification outbox opened",
				slog.String("path", cfg.Outbox.Path),
				slog.Int("pending", q.Depth()),
			)
			remoteCh = outbox
		}
		channels = append(channels, notify.Named{Name: "remote", Channel: remoteCh})
	}

	if len(channels) == 1 {
		logger.Warn("no notification channels configured; alerts go to stdout and the dashboard only")
	}
	engineOpts := []engine.Option{engine.WithMetrics(m), engine.WithChannel(channels)}

	// ── Dashboard options ────────────────────────────────────────────────────
	// Key material is validated before anything starts running.
	var dashOpts []dashboard.Option
	if cfg.Dashboard.Addr != "" {
		dashOpts = append(dashOpts, dashboard.WithStream(live.NewHandler(feed, logger, 0)))
		if cfg.Dashboard.JWTPublicKey != "" {
			key, err := dashboard.LoadRSAPublicKey(cfg.Dashboard.JWTPublicKey)
			if err != nil {
				return err
			}
			dashOpts = append(dashOpts, dashboard.WithJWT(dashboard.JWTConfig{
				PublicKey: key,
				Issuer:    cfg.Dashboard.JWTIssuer,
				Audience:  cfg.Dashboard.JWTAudience,
			}))
			logger.Info("dashboard JWT validation enabled")
		} else {
			logger.Warn("dashboard.jwt_public_key not configured; baseline reload endpoint is unauthenticated")
		}
	}

	// ── Watch source and engine ──────────────────────────────────────────────
	src, err := watcher.New(cfg.Watcher.Mode, cfg.MonitorDir, logger, cfg.Exclude, cfg.Watcher.PollInterval)
	if err != nil {
		return err
	}
	engineOpts = append(engineOpts, engine.WithSource(src))

	eng := engine.New(cfg, logger, engineOpts...)
	if err := eng.Start(ctx); err != nil {
		return err
	}

	// ── Servers and background loops ─────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if outbox != nil {
		g.Go(func() error { return outbox.Run(gctx) })
	}

	if cfg.Dashboard.Addr != "" {
		srv := dashboard.NewServer(eng, logger, dashOpts...)
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Dashboard.Addr) })
	}

	if cfg.GRPCHealthAddr != "" {
		hs := health.New(logger, eng.Running)
		g.Go(func() error { return hs.Serve(gctx, cfg.GRPCHealthAddr) })
	}

	// ── Signals ──────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

wait:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := eng.ReloadBaseline(); err != nil {
					logger.Error("baseline reload failed; keeping current baseline", slog.Any("error", err))
				}
				continue
			}
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
			break wait
		case <-gctx.Done():
			logger.Error("background service failed; shutting down")
			break wait
		}
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	var errs []error
	if err := eng.Stop(); err != nil {
		if errors.Is(err, engine.ErrDrainTimeout) {
			logger.Warn("drain timed out; some notifications were abandoned")
		}
		errs = append(errs, err)
	}
	cancel()
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	logger.Info("fim-monitor stopped")
	return errors.Join(errs...)
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr, and additionally to logFile when one is configured, at the
// requested minimum level.
func newLogger(level, logFile string) (*slog.Logger, func(), error) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", logFile, err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = func() { _ = f.Close() }
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l})), closeFn, nil
}
