// Package slackconn relays agent questions to a Slack channel over Socket
// Mode and reads answers from channel messages, thread replies and the
// /answer slash command.
package slackconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/h1v3-io/babysitter/internal/connector"
)

// maxTracked bounds how many posted messages are remembered for thread
// reply routing.
const maxTracked = 256

// Config holds Slack connector configuration.
type Config struct {
	BotToken string // xoxb-... Bot User OAuth Token
	AppToken string // xapp-... App-Level Token (for Socket Mode)
	Channel  string // channel questions are posted to; answers are read only here
}

// Connector implements connector.Connector for Slack via Socket Mode.
type Connector struct {
	api     *slack.Client
	socket  *socketmode.Client
	config  Config
	handler connector.InboundHandler
	logger  *slog.Logger
	botID   string

	mu     sync.Mutex
	cancel context.CancelFunc
	posted map[string]string // message ts -> text it carried
	order  []string
}

// New authenticates the bot and prepares a Socket Mode client.
func New(cfg Config, handler connector.InboundHandler, logger *slog.Logger) (*Connector, error) {
	switch {
	case cfg.BotToken == "":
		return nil, errors.New("slack: bot_token is required")
	case cfg.AppToken == "":
		return nil, errors.New("slack: app_token is required (Socket Mode)")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("connector", "slack")

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	who, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}
	logger.Info("bot authorized", "user", who.User, "team", who.Team, "channel", cfg.Channel)

	c := newConnector(api, cfg, handler, logger)
	c.socket = socketmode.New(api)
	c.botID = who.UserID
	return c, nil
}

func newConnector(api *slack.Client, cfg Config, handler connector.InboundHandler, logger *slog.Logger) *Connector {
	return &Connector{
		api:     api,
		config:  cfg,
		handler: handler,
		logger:  logger,
		posted:  make(map[string]string),
	}
}

func (c *Connector) Name() string { return "slack" }

// Start runs the Socket Mode connection until ctx is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-c.socket.Events:
				c.dispatch(ctx, evt)
			}
		}
	}()
	return c.socket.RunContext(ctx)
}

// Stop ends the Socket Mode connection.
func (c *Connector) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send posts msg.Content to the configured channel. A chat id of the form
// "channel:thread_ts" replies in that thread.
func (c *Connector) Send(ctx context.Context, msg connector.OutboundMessage) error {
	channel, thread, _ := strings.Cut(msg.ChatID, ":")
	if channel == "" {
		channel = c.config.Channel
	}
	text := toMrkdwn(msg.Content)
	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(messageBlocks(text)...),
	}
	if thread != "" {
		opts = append(opts, slack.MsgOptionTS(thread))
	}
	_, ts, err := c.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return fmt.Errorf("slack: post to %s: %w", channel, err)
	}
	c.remember(ts, msg.Content)
	return nil
}

// remember keeps the text of a posted message so a thread started under it
// can be routed back to the question it asked.
func (c *Connector) remember(ts, text string) {
	if ts == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.posted == nil {
		c.posted = make(map[string]string)
	}
	c.posted[ts] = text
	c.order = append(c.order, ts)
	if len(c.order) > maxTracked {
		delete(c.posted, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *Connector) parentText(threadTS string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.posted[threadTS]
}

// dispatch acknowledges a Socket Mode envelope and forwards the message it
// carries, if any.
func (c *Connector) dispatch(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		c.logger.Info("socket mode connected")
		return
	case socketmode.EventTypeConnectionError:
		c.logger.Warn("socket mode connection error", "data", evt.Data)
		return
	}
	if evt.Request != nil {
		c.socket.Ack(*evt.Request)
	}

	var (
		msg connector.InboundMessage
		ok  bool
	)
	switch data := evt.Data.(type) {
	case slackevents.EventsAPIEvent:
		if ev, isMsg := data.InnerEvent.Data.(*slackevents.MessageEvent); isMsg {
			msg, ok = c.fromMessage(ev)
		}
	case slack.SlashCommand:
		msg, ok = c.fromSlashCommand(data)
	}
	if ok {
		c.deliver(ctx, msg)
	}
}

// handleMessage forwards one channel message.
func (c *Connector) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if msg, ok := c.fromMessage(ev); ok {
		c.deliver(ctx, msg)
	}
}

// fromMessage converts a human message in the watched channel. Bot posts,
// edits and deletions are dropped. Thread replies keep the thread in the
// chat id, and a reply under one of our questions carries its text.
func (c *Connector) fromMessage(ev *slackevents.MessageEvent) (connector.InboundMessage, bool) {
	if ev.BotID != "" || ev.User == "" || ev.User == c.botID || ev.SubType != "" {
		return connector.InboundMessage{}, false
	}
	if !c.isAllowedChannel(ev.Channel) {
		return connector.InboundMessage{}, false
	}
	text := stripMention(ev.Text, c.botID)
	if text == "" {
		return connector.InboundMessage{}, false
	}
	msg := connector.InboundMessage{Channel: "slack", SenderID: ev.User, ChatID: ev.Channel, Content: text}
	if ev.ThreadTimeStamp != "" {
		msg.ChatID += ":" + ev.ThreadTimeStamp
		msg.ReplyTo = c.parentText(ev.ThreadTimeStamp)
	}
	return msg, true
}

// fromSlashCommand rebuilds "/answer t1 yes" from its command and text.
func (c *Connector) fromSlashCommand(cmd slack.SlashCommand) (connector.InboundMessage, bool) {
	if !c.isAllowedChannel(cmd.ChannelID) {
		return connector.InboundMessage{}, false
	}
	return connector.InboundMessage{
		Channel:  "slack",
		SenderID: cmd.UserID,
		ChatID:   cmd.ChannelID,
		Content:  strings.TrimSpace(cmd.Command + " " + cmd.Text),
	}, true
}

func (c *Connector) deliver(ctx context.Context, msg connector.InboundMessage) {
	if err := c.handler(ctx, msg); err != nil {
		c.logger.Error("answer relay failed", "chat", msg.ChatID, "user", msg.SenderID, "error", err)
	}
}

func (c *Connector) isAllowedChannel(channel string) bool {
	return c.config.Channel == "" || c.config.Channel == channel
}
