package slackconn

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/h1v3-io/babysitter/internal/connector"
)

var _ connector.Connector = (*Connector)(nil)

func TestToMrkdwn(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"bold", "Use **Postgres**?", "Use *Postgres*?"},
		{"strikethrough", "~~drop~~ keep the table", "~drop~ keep the table"},
		{"link", "See [PR 12](https://example.com/pr/12) first", "See <https://example.com/pr/12|PR 12> first"},
		{"incomplete link", "[no link here", "[no link here"},
		{"escaping", "a < b & c > d", "a &lt; b &amp; c &gt; d"},
		{"inline code untouched", "Use `**raw**` here", "Use `**raw**` here"},
		{"code escaped", "❓ t1: Use `/answer t1 <text>`", "❓ t1: Use `/answer t1 &lt;text&gt;`"},
		{"fence", "```\nx := **p**\n```\n**done**", "```\nx := **p**\n```\n*done*"},
		{"unclosed backtick", "it's `half **bold**", "it's `half *bold*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toMrkdwn(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageBlocks(t *testing.T) {
	if got := messageBlocks("short"); len(got) != 1 {
		t.Fatalf("blocks = %d", len(got))
	}
	long := strings.Repeat(strings.Repeat("y", 99)+"\n", 45)
	blocks := messageBlocks(long)
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(blocks))
	}
	for _, b := range blocks {
		sec, ok := b.(*slack.SectionBlock)
		if !ok || len(sec.Text.Text) > maxSectionText {
			t.Errorf("bad block %+v", b)
		}
	}
}

func TestStripMention(t *testing.T) {
	tests := []struct {
		input, botID, want string
	}{
		{"<@U123> hello", "U123", "hello"},
		{"yes <@U123>, ship it", "U123", "yes , ship it"},
		{"line one\n<@U123> line two", "U123", "line one\n line two"},
		{"<@U999> hello", "U123", "<@U999> hello"},
	}
	for _, tt := range tests {
		if got := stripMention(tt.input, tt.botID); got != tt.want {
			t.Errorf("stripMention(%q, %q) = %q, want %q", tt.input, tt.botID, got, tt.want)
		}
	}
}

func TestIsAllowedChannel(t *testing.T) {
	c := &Connector{config: Config{Channel: "C001"}}
	if !c.isAllowedChannel("C001") || c.isAllowedChannel("C999") {
		t.Error("only the configured channel should be allowed")
	}
	if !(&Connector{}).isAllowedChannel("anything") {
		t.Error("no channel should allow all")
	}
}

func TestSendPostsToThread(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		r.ParseForm()
		got = r.PostForm
		fmt.Fprint(w, `{"ok":true,"channel":"C001","ts":"1700000000.0002"}`)
	}))
	defer srv.Close()

	c := &Connector{
		api:    slack.New("xoxb-test", slack.OptionAPIURL(srv.URL+"/")),
		config: Config{Channel: "C001"},
	}
	err := c.Send(context.Background(), connector.OutboundMessage{ChatID: "C001:1700000000.0001", Content: "**done**"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Get("channel") != "C001" || got.Get("thread_ts") != "1700000000.0001" || got.Get("text") != "*done*" {
		t.Errorf("form = %v", got)
	}
	if !strings.Contains(got.Get("blocks"), `"type":"section"`) {
		t.Errorf("blocks = %s", got.Get("blocks"))
	}

	if err := c.Send(context.Background(), connector.OutboundMessage{Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Get("channel") != "C001" || got.Get("thread_ts") != "" {
		t.Errorf("default channel form = %v", got)
	}
}

func TestHandleMessage(t *testing.T) {
	var inbound []connector.InboundMessage
	c := &Connector{
		config: Config{Channel: "C001"},
		botID:  "UBOT",
		handler: func(_ context.Context, msg connector.InboundMessage) error {
			inbound = append(inbound, msg)
			return nil
		},
	}
	ctx := context.Background()

	c.handleMessage(ctx, &slackevents.MessageEvent{User: "U1", Channel: "C001", Text: "<@UBOT> Postgres", ThreadTimeStamp: "17.1"})
	c.handleMessage(ctx, &slackevents.MessageEvent{User: "U1", Channel: "C002", Text: "wrong channel"})
	c.handleMessage(ctx, &slackevents.MessageEvent{BotID: "B1", User: "U2", Channel: "C001", Text: "bot"})
	c.handleMessage(ctx, &slackevents.MessageEvent{User: "U1", Channel: "C001", Text: "edited", SubType: "message_changed"})
	c.handleMessage(ctx, &slackevents.MessageEvent{User: "U1", Channel: "C001", Text: "<@UBOT>"})

	if len(inbound) != 1 {
		t.Fatalf("inbound = %+v", inbound)
	}
	want := connector.InboundMessage{Channel: "slack", SenderID: "U1", ChatID: "C001:17.1", Content: "Postgres"}
	if inbound[0] != want {
		t.Errorf("inbound = %+v, want %+v", inbound[0], want)
	}
}

func TestThreadReplyCarriesQuestion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"channel":"C001","ts":"1700000000.0009"}`)
	}))
	defer srv.Close()

	var inbound []connector.InboundMessage
	c := newConnector(slack.New("xoxb-test", slack.OptionAPIURL(srv.URL+"/")), Config{Channel: "C001"},
		func(_ context.Context, msg connector.InboundMessage) error {
			inbound = append(inbound, msg)
			return nil
		}, slog.Default())
	c.botID = "UBOT"
	ctx := context.Background()

	question := "❓ t2: Which region?"
	if err := c.Send(ctx, connector.OutboundMessage{Content: question}); err != nil {
		t.Fatal(err)
	}
	c.handleMessage(ctx, &slackevents.MessageEvent{User: "U1", Channel: "C001", Text: "eu-west-1", ThreadTimeStamp: "1700000000.0009"})
	c.handleMessage(ctx, &slackevents.MessageEvent{User: "U1", Channel: "C001", Text: "unrelated", ThreadTimeStamp: "1600000000.0001"})

	if len(inbound) != 2 {
		t.Fatalf("inbound = %+v", inbound)
	}
	if inbound[0].ReplyTo != question || inbound[0].ChatID != "C001:1700000000.0009" {
		t.Errorf("reply = %+v", inbound[0])
	}
	if inbound[1].ReplyTo != "" {
		t.Errorf("unknown thread carried %q", inbound[1].ReplyTo)
	}
}

func TestRememberIsBounded(t *testing.T) {
	c := newConnector(nil, Config{}, nil, slog.Default())
	for i := 0; i < maxTracked+10; i++ {
		c.remember(fmt.Sprintf("ts-%d", i), "q")
	}
	if len(c.posted) != maxTracked || c.parentText("ts-0") != "" || c.parentText(fmt.Sprintf("ts-%d", maxTracked+9)) != "q" {
		t.Errorf("tracked %d messages", len(c.posted))
	}
}

func TestDispatchSlashCommand(t *testing.T) {
	var got connector.InboundMessage
	c := newConnector(nil, Config{Channel: "C001"}, func(_ context.Context, msg connector.InboundMessage) error {
		got = msg
		return nil
	}, slog.Default())

	c.dispatch(context.Background(), socketmode.Event{
		Type: socketmode.EventTypeSlashCommand,
		Data: slack.SlashCommand{Command: "/answer", Text: "t1 yes", UserID: "U1", ChannelID: "C001"},
	})
	want := connector.InboundMessage{Channel: "slack", SenderID: "U1", ChatID: "C001", Content: "/answer t1 yes"}
	if got != want {
		t.Errorf("inbound = %+v, want %+v", got, want)
	}

	got = connector.InboundMessage{}
	c.dispatch(context.Background(), socketmode.Event{
		Type: socketmode.EventTypeSlashCommand,
		Data: slack.SlashCommand{Command: "/answer", Text: "t1 no", ChannelID: "C999"},
	})
	if got.Content != "" {
		t.Errorf("other channel forwarded: %+v", got)
	}
}

func TestConnectorName(t *testing.T) {
	if (&Connector{}).Name() != "slack" {
		t.Error("unexpected name")
	}
}
