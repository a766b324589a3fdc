package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/h1v3-io/babysitter/internal/app"
	"github.com/h1v3-io/babysitter/internal/config"
	"github.com/h1v3-io/babysitter/internal/logbuf"
	"github.com/h1v3-io/babysitter/internal/mcp"
	"github.com/h1v3-io/babysitter/internal/poller"
	"github.com/h1v3-io/babysitter/internal/runtime"
	"github.com/h1v3-io/babysitter/internal/scheduler"
	"github.com/h1v3-io/babysitter/internal/source"
	"github.com/h1v3-io/babysitter/internal/ticket"
	"github.com/h1v3-io/babysitter/pkg/protocol"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stdout)
		return 0
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}
	var err error
	switch args[0] {
	case "poll":
		err = c.cmdPoll(ctx, args[1:])
	case "claim", "run":
		err = c.cmdClaim(ctx, args[1:])
	case "hook":
		err = c.cmdHook(ctx, args[1:])
	case "mcp":
		err = c.cmdMCP(ctx, args[1:])
	case "tickets":
		err = c.cmdTickets(ctx, args[1:])
	case "session":
		err = c.cmdSession(ctx, args[1:])
	case "cleanup":
		err = c.cmdCleanup(ctx, args[1:])
	case "config":
		err = c.cmdConfig(args[1:])
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 2
	}
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

type cli struct {
	stdin          io.Reader
	stdout, stderr io.Writer

	configPath string
	verbose    bool
}

// flags returns a flag set carrying the shared --config and -v flags.
func (c *cli) flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(c.stderr)
	fs.StringVar(&c.configPath, "config", os.Getenv("BABYSITTER_CONFIG"), "Path to config file (.json, .yaml)")
	fs.BoolVarP(&c.verbose, "verbose", "v", false, "Verbose logging")
	return fs
}

func (c *cli) logger() *slog.Logger {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: level}))
}

func (c *cli) loadConfig() (*config.Config, error) {
	if c.configPath != "" {
		return config.Load(c.configPath)
	}
	return config.LoadFromEnv()
}

func (c *cli) open(ctx context.Context) (*app.App, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	if c.verbose {
		cfg.Log.Level = "debug"
	}
	logger := c.logger()
	if !c.verbose {
		logger = slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: logbuf.ParseLevel(cfg.Log.Level)}))
	}
	return app.Open(ctx, cfg, logger)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- poll ---

func (c *cli) cmdPoll(ctx context.Context, args []string) error {
	fs := c.flags("poll")
	watch := fs.Bool("watch", false, "Keep polling on the configured schedule until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	p := a.Poller(a.Broadcaster())

	if !*watch {
		report, err := p.Pass(ctx)
		if err != nil {
			return err
		}
		return c.printJSON(report)
	}

	sched := scheduler.New(a.Logger)
	err = sched.AddJob("resume-poll", a.Config.Poller.Schedule, func(ctx context.Context) error {
		report, err := p.Pass(ctx)
		if errors.Is(err, poller.ErrBusy) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(report.Resumed)+len(report.Archived)+len(report.Resuscitated)+len(report.Failed)+len(report.Interrupted) > 0 {
			return c.printJSON(report)
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stderr, "polling %s on %q (Ctrl-C to stop)\n", a.Markers.Root(), a.Config.Poller.Schedule)
	sched.Start(ctx)
	return nil
}

// --- claim ---

func (c *cli) cmdClaim(ctx context.Context, args []string) error {
	fs := c.flags("claim")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	bus := a.Broadcaster()
	res, err := a.Worker(a.Session(bus), bus).RunNext(ctx)
	if err != nil {
		return err
	}
	if res == nil {
		fmt.Fprintln(c.stdout, "No pending tickets.")
		return nil
	}
	return c.printJSON(res)
}

// --- hook ---

func (c *cli) cmdHook(ctx context.Context, args []string) error {
	fs := c.flags("hook")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: babysitter hook <%s|%s|%s>", hookSessionStart, hookUserPrompt, hookPostToolUse)
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return runHook(ctx, a, a.Broadcaster(), fs.Arg(0), c.stdin, c.stdout)
}

// --- mcp ---

func (c *cli) cmdMCP(ctx context.Context, args []string) error {
	fs := c.flags("mcp")
	sessionID := fs.String("session", os.Getenv(runtime.EnvSessionID), "Agent session id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if *sessionID == "" {
		*sessionID = uuid.NewString()
		a.Logger.Warn("no session id given; questions open a fresh session", "session", *sessionID)
	}
	srv := mcp.NewServer(a.Tickets, a.Markers, *sessionID, a.Logger)
	srv.IncludeMetadata = a.Config.Session.IncludeMetadata
	srv.Bus = a.Broadcaster()
	return srv.Serve(ctx, c.stdin, c.stdout)
}

// --- tickets ---

func (c *cli) cmdTickets(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: babysitter tickets <list|show|create>")
	}
	sub := args[0]
	fs := c.flags("tickets " + sub)
	status := fs.String("status", "", "Filter by status (exact name, e.g. \"Requesting User Input\")")
	name := fs.String("name", "", "Ticket name (create)")
	description := fs.String("description", "", "Ticket description (create)")
	sourceURL := fs.String("url", "", "Page to import into the description (create)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	switch sub {
	case "list":
		st := protocol.TicketStatus(*status)
		if st != "" && !st.Valid() {
			return fmt.Errorf("unknown status %q", st)
		}
		tickets, err := a.Tickets.List(ctx, st)
		if err != nil {
			return err
		}
		for _, t := range tickets {
			active := " "
			if _, ok := a.Markers.FindByPage(t.PageID); ok {
				active = "*"
			}
			fmt.Fprintf(c.stdout, "%s %-36s %-22s %3d  %s\n", active, t.PageID, t.Status, t.TurnCount, t.Name)
		}
		return nil
	case "show":
		if fs.NArg() != 1 {
			return errors.New("usage: babysitter tickets show <page-id>")
		}
		tc, err := a.Tickets.Context(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		if tc == nil {
			return fmt.Errorf("ticket %s not found", fs.Arg(0))
		}
		_, tc.Active = a.Markers.FindByPage(tc.PageID)
		return c.printJSON(tc)
	case "create":
		nt := ticket.NewTicket{Name: strings.TrimSpace(*name), Description: *description}
		if *sourceURL != "" {
			doc, err := source.New(nil).Fetch(ctx, *sourceURL)
			if err != nil {
				return err
			}
			if nt.Name == "" {
				nt.Name = doc.Title
			}
			nt.Description = strings.TrimSpace(nt.Description + "\n\n" + doc.Description())
		}
		if nt.Name == "" {
			return errors.New("usage: babysitter tickets create --name <name> [--description d] [--url u]")
		}
		t, err := a.Tickets.Create(ctx, nt)
		if err != nil {
			return err
		}
		a.Broadcaster().Broadcast(protocol.Event{
			Type:       protocol.EventTicketCreated,
			TicketID:   t.ID,
			PageID:     t.PageID,
			TicketName: t.Name,
			Status:     t.Status,
			Timestamp:  time.Now().UTC(),
		})
		return c.printJSON(t)
	default:
		return fmt.Errorf("unknown tickets subcommand: %s", sub)
	}
}

// --- session ---

func (c *cli) cmdSession(ctx context.Context, args []string) error {
	fs := c.flags("session")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	id, ok, err := a.Tickets.ActiveSession(ctx)
	if err != nil {
		return err
	}
	if !ok {
		id = uuid.NewString()
	}
	fmt.Fprintln(c.stdout, id)
	return nil
}

// --- cleanup ---

func (c *cli) cmdCleanup(ctx context.Context, args []string) error {
	fs := c.flags("cleanup")
	var opts cleanupOptions
	fs.BoolVar(&opts.Local, "local", false, "Remove all local marker files")
	fs.BoolVar(&opts.Pending, "pending", false, "Archive remote tickets in Pending")
	fs.BoolVar(&opts.All, "all", false, "Archive every remote ticket")
	fs.BoolVarP(&opts.Yes, "yes", "y", false, "Apply the changes (default is a dry run)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return runCleanup(ctx, a, opts, c.stdout)
}

// --- config ---

func (c *cli) cmdConfig(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: babysitter config <validate|show> [path]")
	}
	sub := args[0]
	fs := c.flags("config " + sub)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		c.configPath = fs.Arg(0)
	}
	cfg, err := c.loadConfig()

	switch sub {
	case "validate":
		if err != nil {
			return fmt.Errorf("invalid: %w", err)
		}
		fmt.Fprintln(c.stdout, "config is valid")
		return nil
	case "show":
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(c.stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(redact(cfg))
	default:
		return fmt.Errorf("unknown config subcommand: %s", sub)
	}
}

// redact returns a copy of cfg with secrets masked.
func redact(cfg *config.Config) *config.Config {
	out := *cfg
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.Notion.Token = mask(out.Notion.Token)
	out.API.Key = mask(out.API.Key)
	out.Answers.RedisURL = mask(out.Answers.RedisURL)
	if s := cfg.Connectors.Slack; s != nil {
		sc := *s
		sc.BotToken, sc.AppToken = mask(sc.BotToken), mask(sc.AppToken)
		out.Connectors.Slack = &sc
	}
	if t := cfg.Connectors.Telegram; t != nil {
		tc := *t
		tc.Token = mask(tc.Token)
		out.Connectors.Telegram = &tc
	}
	if w := cfg.Connectors.Webhook; w != nil {
		wc := *w
		wc.Secret = mask(wc.Secret)
		out.Connectors.Webhook = &wc
	}
	return &out
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "babysitter - supervise agent sessions through a ticket board")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  poll [--watch]              Resume answered tickets (one pass, or on the schedule)")
	fmt.Fprintln(w, "  claim                       Claim the oldest Pending ticket and run the agent on it")
	fmt.Fprintln(w, "  hook <kind>                 Agent hook: session-start, user-prompt, post-tool-use")
	fmt.Fprintln(w, "  mcp [--session id]          Serve the ask_human tool over stdio")
	fmt.Fprintln(w, "  tickets list [--status s]   List tickets (* = tracked locally)")
	fmt.Fprintln(w, "  tickets show <page-id>      Show a ticket with its conversation")
	fmt.Fprintln(w, "  tickets create --name n [--description d] [--url u]")
	fmt.Fprintln(w, "  session                     Print the active session id, or a new one")
	fmt.Fprintln(w, "  cleanup --local|--pending|--all [--yes]")
	fmt.Fprintln(w, "  config validate|show [path]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags for every command: --config <path>, -v")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  NOTION_TOKEN, NOTION_TICKET_DB   Ticket database")
	fmt.Fprintln(w, "  CLAUDE_TICKET_DIR                Marker directory (default ~/.claude-tickets)")
	fmt.Fprintln(w, "  BABYSITTER_DAEMON_URL            Forward events to a running babysitterd")
	fmt.Fprintln(w, "  BABYSITTER_API_KEY               API key for the daemon")
}
