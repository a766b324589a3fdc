package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/h1v3-io/babysitter/pkg/protocol"
)

const (
	questionMark  = "❓ "
	answerCommand = "/answer"
	sendTimeout   = 15 * time.Second
)

// AnswerFunc delivers a human answer to a waiting agent session.
type AnswerFunc func(ctx context.Context, sessionID, answer string) error

// Relay posts agent questions to every configured chat and routes replies
// back as answers. It implements realtime.Broadcaster.
type Relay struct {
	deliver AnswerFunc
	logger  *slog.Logger

	mu        sync.Mutex
	targets   []target
	lastAsked map[string]string // channel/chat -> session
	tickets   map[string]string // ticket id -> session
	wg        sync.WaitGroup
}

type target struct {
	conn   Connector
	chatID string
}

// NewRelay creates a Relay that hands answers to deliver.
func NewRelay(deliver AnswerFunc, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		deliver:   deliver,
		logger:    logger.With("component", "relay"),
		lastAsked: make(map[string]string),
		tickets:   make(map[string]string),
	}
}

// AddTarget posts questions to chatID on c.
func (r *Relay) AddTarget(c Connector, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, target{conn: c, chatID: chatID})
}

// Broadcast posts question events. Other events are ignored. Sends run in
// the background so a slow chat never blocks the caller.
func (r *Relay) Broadcast(ev protocol.Event) {
	if ev.Type != protocol.EventAgentMessage || ev.MessageType != protocol.MessageQuestion || ev.SessionID == "" {
		return
	}

	r.mu.Lock()
	targets := append([]target(nil), r.targets...)
	if ev.TicketID != "" {
		r.tickets[ev.TicketID] = ev.SessionID
	}
	for _, t := range targets {
		r.lastAsked[chatKey(t.conn.Name(), t.chatID)] = ev.SessionID
	}
	r.mu.Unlock()

	text := FormatQuestion(ev)
	for _, t := range targets {
		r.wg.Add(1)
		go func(t target) {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := t.conn.Send(ctx, OutboundMessage{ChatID: t.chatID, Content: text}); err != nil {
				r.logger.Error("question relay failed", "connector", t.conn.Name(), "ticket", ev.TicketID, "error", err)
			}
		}(t)
	}
}

// Wait blocks until pending sends finish.
func (r *Relay) Wait() {
	r.wg.Wait()
}

// FormatQuestion renders a question event for chat.
func FormatQuestion(ev protocol.Event) string {
	ref := ev.TicketID
	if ref == "" {
		ref = ev.SessionID
	}
	return fmt.Sprintf("%s%s: %s\n\nReply here, or send `%s %s <text>`.", questionMark, ref, ev.Content, answerCommand, ref)
}

// QuestionRef extracts the ticket or session ref from a message rendered
// by FormatQuestion.
func QuestionRef(text string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(text), questionMark)
	if !ok {
		return "", false
	}
	ref, _, ok := strings.Cut(rest, ":")
	if !ok || ref == "" || strings.ContainsAny(ref, " \n") {
		return "", false
	}
	return ref, true
}

// Handle is the InboundHandler for every connector. "/answer <ref> <text>"
// answers the ticket or session ref; a reply to a question answers that
// question; any other text answers the session most recently asked in that
// chat.
func (r *Relay) Handle(ctx context.Context, msg InboundMessage) error {
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return nil
	}

	var sessionID, answer string
	if rest, ok := strings.CutPrefix(text, answerCommand); ok && (rest == "" || rest[0] == ' ') {
		ref, body, _ := strings.Cut(strings.TrimSpace(rest), " ")
		answer = strings.TrimSpace(body)
		if ref == "" || answer == "" {
			return r.reply(ctx, msg, "Usage: "+answerCommand+" <ticket> <answer>")
		}
		sessionID = r.resolve(ref)
	} else if ref, ok := QuestionRef(msg.ReplyTo); ok {
		answer = text
		sessionID = r.resolve(ref)
	} else {
		answer = text
		r.mu.Lock()
		sessionID = r.lastAsked[chatKey(msg.Channel, baseChat(msg.ChatID))]
		r.mu.Unlock()
		if sessionID == "" {
			return r.reply(ctx, msg, "No question is waiting for an answer.")
		}
	}

	if err := r.deliver(ctx, sessionID, answer); err != nil {
		r.reply(ctx, msg, "⚠️ Could not deliver the answer.")
		return fmt.Errorf("relay: deliver to %s: %w", sessionID, err)
	}
	r.logger.Info("chat answer delivered", "connector", msg.Channel, "session", sessionID, "sender", msg.SenderID)
	return r.reply(ctx, msg, "✅ Answer sent.")
}

func (r *Relay) resolve(ref string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.tickets[ref]; ok {
		return s
	}
	return ref
}

func (r *Relay) reply(ctx context.Context, msg InboundMessage, text string) error {
	r.mu.Lock()
	var conn Connector
	for _, t := range r.targets {
		if t.conn.Name() == msg.Channel {
			conn = t.conn
			break
		}
	}
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Send(ctx, OutboundMessage{ChatID: msg.ChatID, Content: text})
}

func chatKey(channel, chatID string) string {
	return channel + "/" + chatID
}

// baseChat strips a Slack thread suffix.
func baseChat(chatID string) string {
	base, _, _ := strings.Cut(chatID, ":")
	return base
}
