// Package telegram relays agent questions to a Telegram chat and reads
// answers from replies and the /answer command.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/h1v3-io/babysitter/internal/connector"
)

const (
	pollTimeout = 30 // seconds, long polling

	helpText = "Questions from running agents appear here.\n\n" +
		"Reply to a question to answer it.\n" +
		"Plain text answers the latest question.\n" +
		"/answer <ticket> <text> answers a specific ticket.\n" +
		"/help shows this message."
)

// Config holds Telegram connector configuration.
type Config struct {
	Token     string  // Bot token from @BotFather
	ChatID    int64   // chat questions are posted to
	AllowFrom []int64 // allowed Telegram user IDs (empty = allow all)
}

// Connector implements the connector.Connector interface for Telegram.
type Connector struct {
	bot     *tgbotapi.BotAPI
	config  Config
	handler connector.InboundHandler
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New logs the bot in.
func New(cfg Config, handler connector.InboundHandler, logger *slog.Logger) (*Connector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}
	logger = logger.With("connector", "telegram", "bot", bot.Self.UserName)
	logger.Info("bot authorized", "chat", cfg.ChatID, "allowed_users", len(cfg.AllowFrom))
	return &Connector{bot: bot, config: cfg, handler: handler, logger: logger}, nil
}

func (c *Connector) Name() string { return "telegram" }

// Start long-polls for updates until ctx is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeout
	updates := c.bot.GetUpdatesChan(cfg)
	defer c.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.Message != nil {
				c.handleUpdate(ctx, u)
			}
		}
	}
}

// Stop ends long polling.
func (c *Connector) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send posts msg.Content to msg.ChatID, or to the configured chat when it
// is empty. Long messages go out in several parts.
func (c *Connector) Send(ctx context.Context, msg connector.OutboundMessage) error {
	chatID, err := c.chatFor(msg.ChatID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(msg.Content) == "" {
		c.logger.Debug("empty message dropped", "chat", chatID)
		return nil
	}
	// Escaping grows the text, so split the source well below the limit.
	for _, part := range chunk(msg.Content, maxMessageLen-600) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.sendPart(chatID, part); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connector) chatFor(raw string) (int64, error) {
	if raw == "" {
		return c.config.ChatID, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat_id %q: %w", raw, err)
	}
	return id, nil
}

// sendPart sends one part as HTML, retrying as plain text when Telegram
// rejects the markup.
func (c *Connector) sendPart(chatID int64, md string) error {
	out := tgbotapi.NewMessage(chatID, renderHTML(md))
	out.ParseMode = tgbotapi.ModeHTML
	out.DisableWebPagePreview = true
	_, err := c.bot.Send(out)
	if err == nil {
		return nil
	}
	c.logger.Warn("html rejected; resending as plain text", "chat", chatID, "error", err)
	out.Text, out.ParseMode = plainText(md), ""
	if _, err := c.bot.Send(out); err != nil {
		return fmt.Errorf("telegram: send to %d: %w", chatID, err)
	}
	return nil
}

func (c *Connector) handleUpdate(ctx context.Context, u tgbotapi.Update) {
	msg := u.Message
	if msg.From == nil {
		return
	}
	if !c.allowed(msg.From.ID) {
		c.logger.Warn("message from unlisted user dropped", "user", msg.From.ID, "username", msg.From.UserName)
		return
	}
	if msg.IsCommand() && (msg.Command() == "help" || msg.Command() == "start") {
		if _, err := c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, helpText)); err != nil {
			c.logger.Warn("send help", "chat", msg.Chat.ID, "error", err)
		}
		return
	}

	in, ok := c.toInbound(msg)
	if !ok {
		return
	}
	if err := c.handler(ctx, in); err != nil {
		c.logger.Error("answer relay failed", "chat", in.ChatID, "user", in.SenderID, "error", err)
	}
}

// toInbound converts a chat message for the relay. Commands are rebuilt
// without the bot's @name; a reply to one of the bot's own messages carries
// that message's text.
func (c *Connector) toInbound(msg *tgbotapi.Message) (connector.InboundMessage, bool) {
	in := connector.InboundMessage{
		Channel:  "telegram",
		SenderID: strconv.FormatInt(msg.From.ID, 10),
		ChatID:   strconv.FormatInt(msg.Chat.ID, 10),
	}
	switch {
	case msg.IsCommand():
		in.Content = strings.TrimSpace("/" + msg.Command() + " " + msg.CommandArguments())
	case msg.Text != "":
		in.Content = msg.Text
	default:
		in.Content = msg.Caption
	}
	if in.Content == "" {
		return in, false
	}
	if re := msg.ReplyToMessage; re != nil && re.From != nil && re.From.ID == c.bot.Self.ID {
		in.ReplyTo = re.Text
	}
	return in, true
}

func (c *Connector) allowed(userID int64) bool {
	return len(c.config.AllowFrom) == 0 || slices.Contains(c.config.AllowFrom, userID)
}
