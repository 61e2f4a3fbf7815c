// Command fwatch polls filesystem paths and reports when they are created,
// modified or deleted.
//
// With path arguments it runs in ad-hoc mode and prints one line per change
// to stdout:
//
//	fwatch -interval 500ms /etc/passwd /etc/hosts
//
// Without arguments it loads a YAML configuration file and runs the full
// agent: poller, local SQLite queue, audit log, optional PostgreSQL recorder
// and the HTTP API with its live WebSocket event stream. Both modes stop on
// SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tripwire/fwatch/internal/agent"
	"github.com/tripwire/fwatch/internal/api"
	"github.com/tripwire/fwatch/internal/audit"
	"github.com/tripwire/fwatch/internal/config"
	"github.com/tripwire/fwatch/internal/poller"
	"github.com/tripwire/fwatch/internal/queue"
	"github.com/tripwire/fwatch/internal/storage"
	"github.com/tripwire/fwatch/internal/stream"
)

const (
	shutdownTimeout = 10 * time.Second
	connectTimeout  = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "/etc/fwatch/config.yaml", "path to the fwatch YAML configuration file")
	interval := flag.Duration("interval", poller.DefaultPollInterval, "poll interval in ad-hoc mode")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var err error
	if flag.NArg() > 0 {
		err = runAdhoc(ctx, flag.Args(), *interval, os.Stdout, newLogger("warn"))
	} else {
		err = runAgent(ctx, *configPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fwatch: %v\n", err)
		os.Exit(1)
	}
}

// runAdhoc watches paths until ctx is done, writing every change to out.
func runAdhoc(ctx context.Context, paths []string, interval time.Duration, out io.Writer, logger *slog.Logger) error {
	if interval < config.MinPollInterval {
		return fmt.Errorf("interval %s must be at least %s", interval, config.MinPollInterval)
	}

	p, err := poller.New(adhocTargets(paths), logger, interval)
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-p.Events():
			if !ok {
				return nil
			}
			printEvent(out, evt)
		}
	}
}

// adhocTargets names targets by position so the same path may be given
// more than once.
func adhocTargets(paths []string) []poller.Target {
	targets := make([]poller.Target, len(paths))
	for i, path := range paths {
		targets[i] = poller.NewTarget(strconv.Itoa(i), path, "INFO")
	}
	return targets
}

func printEvent(w io.Writer, evt agent.ChangeEvent) {
	fmt.Fprintf(w, "%s\t%s\t%s\n", evt.Timestamp.Format(time.RFC3339), evt.Transition, evt.Path)
}

// runAgent runs the configured agent and its HTTP API until ctx is done.
func runAgent(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", configPath),
		slog.String("api_addr", cfg.APIAddr),
		slog.String("queue_path", cfg.QueuePath),
		slog.String("audit_path", cfg.AuditPath),
		slog.Bool("postgres", cfg.Postgres.DSN != ""),
	)

	targets := make([]poller.Target, len(cfg.Targets))
	for i, t := range cfg.Targets {
		targets[i] = poller.NewTarget(t.Name, t.Path, t.Severity)
	}
	p, err := poller.New(targets, logger, cfg.PollInterval)
	if err != nil {
		return err
	}

	// Everything opened before the agent takes ownership is closed on error.
	var closers []io.Closer
	fail := func(err error) error {
		for _, c := range closers {
			_ = c.Close()
		}
		return err
	}

	opts := []agent.Option{agent.WithSources(p)}
	var events api.EventLog

	if cfg.QueuePath != "" {
		q, err := queue.New(cfg.QueuePath)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, q)
		opts = append(opts, agent.WithQueue(q))
		events = q
	}

	if cfg.AuditPath != "" {
		al, err := audit.Open(cfg.AuditPath)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, al)
		opts = append(opts, agent.WithSinks(al))
	}

	if cfg.Postgres.DSN != "" {
		rec, err := openRecorder(ctx, cfg.Postgres)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, rec)
		opts = append(opts, agent.WithSinks(rec))
	}

	var serverOpts []api.ServerOption
	if cfg.APIEnabled() {
		b := stream.NewBroadcaster(logger, 0)
		opts = append(opts, agent.WithSinks(b))
		serverOpts = append(serverOpts, api.WithStream(stream.NewHandler(b, logger)))
	}

	authCfg := api.JWTConfig{
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Logger:   logger,
	}
	if cfg.Auth.JWTPublicKeyPath != "" {
		if authCfg.PublicKey, err = api.LoadPublicKey(cfg.Auth.JWTPublicKeyPath); err != nil {
			return fail(err)
		}
	} else if cfg.APIEnabled() {
		logger.Warn("jwt_public_key_path is empty, HTTP API is unauthenticated")
	}

	ag := agent.New(cfg, logger, opts...)
	if err := ag.Start(ctx); err != nil {
		return fail(err)
	}

	var srv *http.Server
	if cfg.APIEnabled() {
		srv = &http.Server{
			Addr:              cfg.APIAddr,
			Handler:           api.NewRouter(api.NewServer(p, events, ag, logger, serverOpts...), authCfg),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       5 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		go func() {
			logger.Info("http api listening", slog.String("addr", cfg.APIAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http api error", slog.Any("error", err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	var api httpShutdowner
	if srv != nil {
		api = srv
	}
	shutdown(api, ag, logger)

	logger.Info("fwatch exited cleanly")
	return nil
}

type httpShutdowner interface {
	Shutdown(ctx context.Context) error
}

type stopper interface {
	Stop()
}

// shutdown drains the HTTP API before stopping the agent. The API reads from
// the queue, so the agent must not close it while requests are in flight.
// Hijacked stream connections end when the agent closes the broadcaster sink.
func shutdown(srv httpShutdowner, ag stopper, logger *slog.Logger) {
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("http api shutdown error", slog.Any("error", err))
		}
	}
	ag.Stop()
}

func openRecorder(ctx context.Context, cfg config.PostgresConfig) (*storage.Recorder, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	rec, err := storage.New(ctx, cfg.DSN, cfg.BatchSize, cfg.FlushInterval)
	if err != nil {
		return nil, err
	}
	if err := rec.Migrate(ctx); err != nil {
		_ = rec.Close()
		return nil, err
	}
	return rec, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
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
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
