// Package app assembles the ticket components from a Config. The daemon
// and the CLI share it so both see the same store, markers and answers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/h1v3-io/babysitter/internal/answers"
	"github.com/h1v3-io/babysitter/internal/config"
	"github.com/h1v3-io/babysitter/internal/marker"
	"github.com/h1v3-io/babysitter/internal/notion"
	"github.com/h1v3-io/babysitter/internal/poller"
	"github.com/h1v3-io/babysitter/internal/realtime"
	"github.com/h1v3-io/babysitter/internal/runtime"
	"github.com/h1v3-io/babysitter/internal/session"
	"github.com/h1v3-io/babysitter/internal/store"
	"github.com/h1v3-io/babysitter/internal/ticket"
	"github.com/h1v3-io/babysitter/internal/worker"
	"github.com/h1v3-io/babysitter/pkg/protocol"
)

// localDatabase names the ticket collection in local backends.
const localDatabase = "tickets"

// App holds the components every entry point needs.
type App struct {
	Config  *config.Config
	Store   store.Client
	Tickets *ticket.Repository
	Markers *marker.Dir
	Answers answers.Store
	Runtime *runtime.Runtime
	Logger  *slog.Logger

	closers []func() error
}

// Open builds the store, repository, marker directory, pending answers and
// agent runtime described by cfg.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	databaseID := localDatabase
	switch cfg.Store.Backend {
	case config.StoreNotion:
		opts := []notion.Option{notion.WithLogger(logger.With("component", "notion"))}
		if cfg.Notion.BaseURL != "" {
			opts = append(opts, notion.WithBaseURL(cfg.Notion.BaseURL))
		}
		a.Store = notion.New(cfg.Notion.Token, opts...)
		databaseID = cfg.Notion.DatabaseID
	case config.StoreSQLite:
		path := ExpandHome(cfg.Store.SQLitePath)
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("app: sqlite dir: %w", err)
			}
		}
		db, err := store.NewSQLiteStore(path, store.WithStatusOptions(StatusOptions()...))
		if err != nil {
			return nil, fmt.Errorf("app: open store: %w", err)
		}
		a.Store = db
		a.closers = append(a.closers, db.Close)
	case config.StoreMemory:
		a.Store = store.NewMemory(store.WithStatusOptions(StatusOptions()...))
	default:
		return nil, fmt.Errorf("app: unknown store backend %q", cfg.Store.Backend)
	}

	a.Tickets = ticket.NewRepository(a.Store, nil, databaseID, logger.With("component", "tickets"))
	a.Markers = marker.New(ExpandHome(cfg.Tickets.MarkerDir))

	switch cfg.Answers.Backend {
	case config.AnswersRedis:
		r, err := answers.NewRedis(ctx, cfg.Answers.RedisURL, cfg.Answers.TTL.Duration)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: answers: %w", err)
		}
		a.Answers = r
		a.closers = append(a.closers, r.Close)
	default:
		a.Answers = answers.NewMemory()
	}

	a.Runtime = runtime.New(runtime.Config{
		Command: cfg.Agent.Command,
		Flags:   cfg.Agent.RuntimeFlags(),
		WorkDir: cfg.Agent.WorkDir,
		Timeout: cfg.Agent.Timeout.Duration,
	}, logger.With("component", "runtime"))

	logger.Debug("app opened", "store", cfg.Store.Backend, "answers", cfg.Answers.Backend, "markers", a.Markers.Root())
	return a, nil
}

// Session returns an Adapter configured from the session settings.
func (a *App) Session(bus realtime.Broadcaster) *session.Adapter {
	s := session.New(a.Tickets, a.Answers, bus, a.Logger.With("component", "session"))
	s.AnswerTimeout = a.Config.Session.AnswerTimeout.Duration
	if d := a.Config.Session.PollInterval.Duration; d > 0 {
		s.PollInterval = d
	}
	return s
}

// Poller returns a resume Poller over the marker directory.
func (a *App) Poller(bus realtime.Broadcaster) *poller.Poller {
	p := poller.New(a.Tickets, a.Markers, a.Runtime, bus, a.Logger.With("component", "poller"))
	if d := a.Config.Poller.SettleDelay.Duration; d > 0 {
		p.SettleDelay = d
	}
	return p
}

// Worker returns a Worker that claims pending tickets.
func (a *App) Worker(adapter *session.Adapter, bus realtime.Broadcaster) *worker.Worker {
	w := worker.New(a.Tickets, adapter, a.Markers, a.Runtime, bus, a.Logger.With("component", "worker"))
	if d := a.Config.Poller.SettleDelay.Duration; d > 0 {
		w.SettleDelay = d
	}
	return w
}

// Broadcaster returns the event sink for short-lived processes: a
// Forwarder to the daemon when one is configured, else Nop.
func (a *App) Broadcaster() realtime.Broadcaster {
	if a.Config.API.DaemonURL == "" {
		return realtime.Nop{}
	}
	return realtime.NewForwarder(a.Config.API.DaemonURL, a.Config.API.Key, a.Logger)
}

// Close releases the store and answer connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// StatusOptions lists the status option names local backends accept.
func StatusOptions() []string {
	names := make([]string, 0, len(protocol.Statuses))
	for _, s := range protocol.Statuses {
		names = append(names, string(s))
	}
	return names
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
