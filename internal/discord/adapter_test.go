package discord

import (
	"context"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/user/tablemate/internal/gateway"
	"github.com/user/tablemate/internal/types"
)

type fakeAgent struct {
	events  []*types.InboundEvent
	reply   string
	resetOK bool
	status  *gateway.Status
}

func (f *fakeAgent) HandleInbound(_ context.Context, event *types.InboundEvent, opts ...gateway.RunOption) error {
	f.events = append(f.events, event)
	run := gateway.NewRun("s1", event)
	for _, opt := range opts {
		opt(run)
	}
	if run.OnComplete != nil {
		run.OnComplete(f.reply)
	}
	return nil
}

func (f *fakeAgent) Attach(_ context.Context, name, mimeType string, data []byte) (types.AttachmentRef, error) {
	return types.AttachmentRef{Handle: "sha256:abc", Name: name, MimeType: mimeType, Size: int64(len(data))}, nil
}

func (f *fakeAgent) Reset(context.Context, types.SessionKey) (bool, error) {
	return f.resetOK, nil
}

func (f *fakeAgent) Status(context.Context, types.SessionKey) (*gateway.Status, error) {
	if f.status == nil {
		return nil, types.ErrNotFound
	}
	return f.status, nil
}

type sent struct {
	channelID string
	text      string
}

func newTestAdapter(agent *fakeAgent, channels ...string) (*Adapter, *[]sent) {
	var out []sent
	a := newAdapter(agent, channels)
	a.botID = "bot"
	a.send = func(channelID, text string) { out = append(out, sent{channelID, text}) }
	a.fetch = func(url string) ([]byte, error) { return []byte("\x89PNG\r\n\x1a\n" + url), nil }
	return a, &out
}

func message(guild, channel, content string) *discordgo.Message {
	return &discordgo.Message{
		GuildID:   guild,
		ChannelID: channel,
		Content:   content,
		Author:    &discordgo.User{ID: "u1"},
	}
}

func TestHandleMessage(t *testing.T) {
	agent := &fakeAgent{reply: "Sakura has a table at 20:00."}
	a, out := newTestAdapter(agent)

	a.handleMessage(context.Background(), message("g1", "c1", "<@bot> sushi tonight?"))

	if len(agent.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(agent.events))
	}
	ev := agent.events[0]
	if ev.SessionKey != "discord:u1:c1" || ev.Text != "sushi tonight?" || ev.Source != "discord" {
		t.Errorf("unexpected event %+v", ev)
	}
	if len(*out) != 1 || (*out)[0] != (sent{"c1", agent.reply}) {
		t.Errorf("unexpected replies %+v", *out)
	}
}

func TestHandleMessageFilters(t *testing.T) {
	agent := &fakeAgent{reply: "ok"}
	a, _ := newTestAdapter(agent, "allowed")

	bot := message("g1", "allowed", "hi")
	bot.Author.Bot = true
	a.handleMessage(context.Background(), bot)
	a.handleMessage(context.Background(), message("g1", "other", "hi"))
	if len(agent.events) != 0 {
		t.Fatalf("expected bot and unlisted channel messages to be ignored, got %d events", len(agent.events))
	}

	a.handleMessage(context.Background(), message("g1", "allowed", "hi"))
	a.handleMessage(context.Background(), message("", "dm", "hi"))
	if len(agent.events) != 2 {
		t.Errorf("expected listed channel and DM to pass, got %d events", len(agent.events))
	}
}

func TestHandleAttachment(t *testing.T) {
	agent := &fakeAgent{}
	a, _ := newTestAdapter(agent)

	m := message("", "dm", "")
	m.Attachments = []*discordgo.MessageAttachment{{Filename: "receipt.png", URL: "https://cdn/receipt.png", Size: 100}}
	a.handleMessage(context.Background(), m)

	if len(agent.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(agent.events))
	}
	ev := agent.events[0]
	if ev.Text != attachmentOnlyText {
		t.Errorf("expected placeholder text, got %q", ev.Text)
	}
	if len(ev.Attachments) != 1 || ev.Attachments[0].MimeType != "image/png" {
		t.Errorf("expected sniffed png attachment, got %+v", ev.Attachments)
	}
}

func TestHandleAttachmentTooLarge(t *testing.T) {
	agent := &fakeAgent{}
	a, out := newTestAdapter(agent)

	m := message("", "dm", "split this")
	m.Attachments = []*discordgo.MessageAttachment{{Filename: "huge.png", URL: "u", Size: maxAttachmentBytes + 1}}
	a.handleMessage(context.Background(), m)

	if len(agent.events) != 0 {
		t.Error("oversized attachment must not reach the agent")
	}
	if len(*out) != 1 || !strings.Contains((*out)[0].text, "couldn't read") {
		t.Errorf("unexpected replies %+v", *out)
	}
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name  string
		agent *fakeAgent
		text  string
		want  string
	}{
		{"help", &fakeAgent{}, "!help", "Tablemate"},
		{"reset", &fakeAgent{resetOK: true}, "!reset", "Started a new conversation"},
		{"reset nothing", &fakeAgent{}, "!reset", "Nothing to reset"},
		{"status", &fakeAgent{status: &gateway.Status{Session: &types.SessionIndex{SessionID: "s1", State: types.StateIdle}, Events: 2}}, "!status", "Messages: 2"},
		{"status none", &fakeAgent{}, "!status", "No active conversation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, out := newTestAdapter(tt.agent)
			a.handleMessage(context.Background(), message("", "dm", tt.text))
			if len(*out) != 1 || !strings.Contains((*out)[0].text, tt.want) {
				t.Errorf("expected reply containing %q, got %+v", tt.want, *out)
			}
			if len(tt.agent.events) != 0 {
				t.Error("commands must not reach the agent loop")
			}
		})
	}
}

func TestUnknownBangGoesToAgent(t *testing.T) {
	agent := &fakeAgent{}
	a, _ := newTestAdapter(agent)
	a.handleMessage(context.Background(), message("", "dm", "!!! best ramen?"))
	if len(agent.events) != 1 {
		t.Errorf("expected text to reach the agent, got %d events", len(agent.events))
	}
}

func TestSplitMessage(t *testing.T) {
	if parts := splitMessage("short"); len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}

	line := strings.Repeat("x", 1500) + "\n"
	parts := splitMessage(line + line + "tail")
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if strings.Contains(parts[0], "\n") || len(parts[0]) != 1500 {
		t.Errorf("expected first part cut at the line break, got %d chars", len(parts[0]))
	}
	if !strings.HasSuffix(parts[1], "\ntail") {
		t.Errorf("expected second part to end with the tail line, got %q", parts[1][len(parts[1])-10:])
	}

	if parts := splitMessage(strings.Repeat("y", 4500)); len(parts) != 3 || len(parts[0]) != maxDiscordMessage {
		t.Errorf("expected hard cuts without newlines, got %d parts", len(parts))
	}
}

func TestSendTo(t *testing.T) {
	a, out := newTestAdapter(&fakeAgent{})
	if err := a.SendTo("discord:u1:c9", "Your conversation timed out."); err != nil {
		t.Fatal(err)
	}
	if len(*out) != 1 || (*out)[0].channelID != "c9" {
		t.Errorf("unexpected delivery %+v", *out)
	}
	if err := a.SendTo("telegram:1:2", "x"); err == nil {
		t.Error("expected error for a foreign session key")
	}
}
