package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	apiPkg "github.com/h1v3-io/babysitter/internal/api"
	"github.com/h1v3-io/babysitter/internal/app"
	"github.com/h1v3-io/babysitter/internal/config"
	"github.com/h1v3-io/babysitter/internal/connector"
	slackconn "github.com/h1v3-io/babysitter/internal/connector/slack"
	"github.com/h1v3-io/babysitter/internal/connector/telegram"
	"github.com/h1v3-io/babysitter/internal/connector/webhook"
	"github.com/h1v3-io/babysitter/internal/logbuf"
	"github.com/h1v3-io/babysitter/internal/poller"
	"github.com/h1v3-io/babysitter/internal/realtime"
	"github.com/h1v3-io/babysitter/internal/scheduler"
	"github.com/h1v3-io/babysitter/internal/source"
	"github.com/h1v3-io/babysitter/internal/worker"
)

func main() {
	flags := pflag.NewFlagSet("babysitterd", pflag.ContinueOnError)
	configPath := flags.String("config", os.Getenv("BABYSITTER_CONFIG"), "Path to config file (.json, .yaml)")
	verbose := flags.BoolP("verbose", "v", false, "Verbose logging")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}

	logBuf := logbuf.New(cfg.Log.BufferSize)
	logger := newLogger(os.Stdout, cfg.Log, logBuf)
	slog.SetDefault(logger)

	if err := run(cfg, logger, logBuf); err != nil {
		logger.Error("babysitterd failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, cfg config.LogConfig, buf *logbuf.Buffer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logbuf.ParseLevel(cfg.Level)}
	var inner slog.Handler
	if cfg.Format == "text" {
		inner = slog.NewTextHandler(w, opts)
	} else {
		inner = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logbuf.NewHandler(inner, buf))
}

func run(cfg *config.Config, logger *slog.Logger, logBuf *logbuf.Buffer) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("babysitterd starting", "store", cfg.Store.Backend, "answers", cfg.Answers.Backend)

	// 1. Store, markers, answers, runtime
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// 2. Event fanout: dashboard hub + chat relay
	bus := realtime.NewMulti()
	adapter := a.Session(bus)
	hub := realtime.NewHub(adapter.Deliver, logger.With("component", "hub"))
	relay := connector.NewRelay(adapter.Deliver, logger)
	bus.Add(hub)
	bus.Add(relay)

	// 3. Poller, worker, dispatcher
	poll := a.Poller(bus)
	dispatcher := worker.NewDispatcher(a.Worker(adapter, bus), bus, logger.With("component", "dispatcher"), 0)
	go safeGo(logger, "dispatcher", func() { dispatcher.Start(ctx) })

	// 4. Scheduled jobs
	sched := scheduler.New(logger)
	if err := sched.AddJob("resume-poll", cfg.Poller.Schedule, func(ctx context.Context) error {
		report, err := poll.Pass(ctx)
		if errors.Is(err, poller.ErrBusy) {
			return nil
		}
		if err != nil {
			return err
		}
		logReport(logger, report)
		return nil
	}); err != nil {
		return err
	}
	if cfg.Poller.ClaimSchedule != "" {
		if err := sched.AddJob("claim-pending", cfg.Poller.ClaimSchedule, func(context.Context) error {
			_, err := dispatcher.Trigger("schedule")
			if errors.Is(err, worker.ErrQueueFull) {
				return nil
			}
			return err
		}); err != nil {
			return err
		}
	}
	go safeGo(logger, "scheduler", func() { sched.Start(ctx) })
	logger.Info("scheduler started", "jobs", sched.Jobs())

	// 5. Chat connectors
	if sc := cfg.Connectors.Slack; sc != nil {
		conn, err := slackconn.New(slackconn.Config{
			BotToken: sc.BotToken,
			AppToken: sc.AppToken,
			Channel:  sc.Channel,
		}, relay.Handle, logger.With("connector", "slack"))
		if err != nil {
			return err
		}
		relay.AddTarget(conn, sc.Channel)
		go safeGo(logger, "slack", func() { conn.Start(ctx) })
		logger.Info("slack connector started", "channel", sc.Channel)
	}
	if tc := cfg.Connectors.Telegram; tc != nil {
		conn, err := telegram.New(telegram.Config{
			Token:     tc.Token,
			ChatID:    tc.ChatID,
			AllowFrom: tc.AllowFrom,
		}, relay.Handle, logger.With("connector", "telegram"))
		if err != nil {
			return err
		}
		relay.AddTarget(conn, strconv.FormatInt(tc.ChatID, 10))
		go safeGo(logger, "telegram", func() { conn.Start(ctx) })
		logger.Info("telegram connector started", "chat", tc.ChatID)
	}

	// 6. Webhook trigger and API server
	endpoint := webhook.EndpointConfig{}
	if wc := cfg.Connectors.Webhook; wc != nil {
		endpoint.Secret = wc.Secret
	}
	hook := webhook.New(webhook.Config{Endpoints: map[string]webhook.EndpointConfig{"notion": endpoint}}, dispatcher, logger)

	apiSrv := apiPkg.NewServer(apiPkg.Deps{
		Tickets: a.Tickets,
		Markers: a.Markers,
		Deliver: adapter.Deliver,
		Poller:  poll,
		Jobs:    dispatcher,
		Bus:     bus,
		Hub:     hub,
		Webhook: hook,
		Logs:    logBuf,
		Sources: source.New(nil),
	}, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger.With("component", "api"))
	go safeGo(logger, "api-server", func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server stopped", "error", err)
			cancel()
		}
	})

	// 7. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-ctx.Done():
	}
	cancel()
	relay.Wait()
	logger.Info("babysitterd stopped")
	return nil
}

func logReport(logger *slog.Logger, r *poller.Report) {
	if len(r.Resumed)+len(r.Archived)+len(r.Resuscitated)+len(r.Removed)+len(r.Failed)+len(r.Errors) == 0 {
		logger.Debug("poll pass idle", "skipped", r.Skipped)
		return
	}
	logger.Info("poll pass finished",
		"resumed", len(r.Resumed),
		"continued", len(r.Continued),
		"archived", len(r.Archived),
		"resuscitated", len(r.Resuscitated),
		"removed", len(r.Removed),
		"failed", len(r.Failed),
		"errors", len(r.Errors),
		"skipped", r.Skipped,
	)
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
