// Package discord bridges Discord channels and direct messages to the
// gateway.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/user/tablemate/internal/gateway"
	"github.com/user/tablemate/internal/types"
)

const (
	maxDiscordMessage  = 2000
	maxAttachmentBytes = 10 << 20

	attachmentOnlyText = "[sent an attachment]"
	busyReply          = "I'm still working through your earlier messages. Give me a moment and try again."
	helpText           = "Hi, I'm Tablemate. Tell me what you feel like eating, when, and for how many people, and I'll find and book a table. After the meal I can split the bill; attach the receipt if you have one.\n\nCommands: `!reset` starts over, `!status` shows the current conversation."
)

// Agent is the part of the gateway the adapter drives.
type Agent interface {
	HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...gateway.RunOption) error
	Attach(ctx context.Context, name, mimeType string, data []byte) (types.AttachmentRef, error)
	Reset(ctx context.Context, key types.SessionKey) (bool, error)
	Status(ctx context.Context, key types.SessionKey) (*gateway.Status, error)
}

// Adapter bridges Discord to the gateway.
type Adapter struct {
	session  *discordgo.Session
	agent    Agent
	channels map[string]bool
	client   *http.Client
	botID    string

	// send and fetch default to the Discord API.
	send  func(channelID, text string)
	fetch func(url string) ([]byte, error)
}

// New creates a Discord adapter. channelIDs limits guild traffic to those
// channels; direct messages are always accepted.
func New(token string, agent Agent, channelIDs []string) (*Adapter, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	a := newAdapter(agent, channelIDs)
	a.session = s
	a.send = a.sendResponse
	a.fetch = a.download
	return a, nil
}

func newAdapter(agent Agent, channelIDs []string) *Adapter {
	a := &Adapter{
		agent:    agent,
		channels: make(map[string]bool, len(channelIDs)),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, id := range channelIDs {
		a.channels[id] = true
	}
	return a
}

// Start opens the gateway connection and blocks until ctx is done.
func (a *Adapter) Start(ctx context.Context) error {
	a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(ctx, m.Message)
	})
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	if a.session.State != nil && a.session.State.User != nil {
		a.botID = a.session.State.User.ID
	}
	slog.Info("discord adapter connected", "user_id", a.botID)

	<-ctx.Done()
	return a.session.Close()
}

// SendTo delivers a message to the channel a session key belongs to.
func (a *Adapter) SendTo(sessionKey, message string) error {
	channelID, err := parseChannelID(sessionKey)
	if err != nil {
		return err
	}
	a.send(channelID, message)
	return nil
}

func (a *Adapter) accepts(m *discordgo.Message) bool {
	if m.Author == nil || m.Author.Bot || m.Author.ID == a.botID {
		return false
	}
	// Direct messages have no guild.
	if m.GuildID == "" {
		return true
	}
	return len(a.channels) == 0 || a.channels[m.ChannelID]
}

func (a *Adapter) handleMessage(ctx context.Context, m *discordgo.Message) {
	if !a.accepts(m) {
		return
	}
	content := strings.TrimSpace(m.Content)
	if a.botID != "" {
		content = strings.ReplaceAll(content, "<@"+a.botID+">", "")
		content = strings.ReplaceAll(content, "<@!"+a.botID+">", "")
		content = strings.TrimSpace(content)
	}

	if strings.HasPrefix(content, "!") && a.handleCommand(ctx, m, content) {
		return
	}

	attachments, err := a.collectAttachments(ctx, m.Attachments)
	if err != nil {
		slog.Warn("discord attachment failed", "channel_id", m.ChannelID, "error", err)
		a.send(m.ChannelID, "Sorry, I couldn't read that file. Please try sending it again.")
		return
	}
	if content == "" && len(attachments) == 0 {
		return
	}
	if content == "" {
		content = attachmentOnlyText
	}

	channelID := m.ChannelID
	event := &types.InboundEvent{
		Source:      "discord",
		SessionKey:  buildSessionKey(m.Author.ID, channelID),
		UserID:      m.Author.ID,
		Text:        content,
		Attachments: attachments,
	}
	err = a.agent.HandleInbound(ctx, event, gateway.WithOnComplete(func(response string) {
		if response != "" {
			a.send(channelID, response)
		}
	}))
	if errors.Is(err, gateway.ErrLaneFull) {
		a.send(channelID, busyReply)
		return
	}
	if err != nil {
		slog.Error("discord handle inbound", "channel_id", channelID, "error", err)
		a.send(channelID, "Sorry, I encountered an error processing your message.")
	}
}

// handleCommand answers bot commands. Returns false for text that only
// looks like a command so it reaches the agent.
func (a *Adapter) handleCommand(ctx context.Context, m *discordgo.Message, content string) bool {
	key := buildSessionKey(m.Author.ID, m.ChannelID)
	fields := strings.Fields(content)

	switch fields[0] {
	case "!help":
		a.send(m.ChannelID, helpText)

	case "!reset":
		reset, err := a.agent.Reset(ctx, key)
		switch {
		case err != nil:
			slog.Error("discord reset", "session_key", string(key), "error", err)
			a.send(m.ChannelID, "Error resetting the conversation.")
		case reset:
			a.send(m.ChannelID, "Started a new conversation. Earlier messages are forgotten.")
		default:
			a.send(m.ChannelID, "Nothing to reset. Send me a message to get started.")
		}

	case "!status":
		st, err := a.agent.Status(ctx, key)
		switch {
		case errors.Is(err, types.ErrNotFound):
			a.send(m.ChannelID, "No active conversation.")
		case err != nil:
			slog.Error("discord status", "session_key", string(key), "error", err)
			a.send(m.ChannelID, "Error fetching status.")
		default:
			a.send(m.ChannelID, st.Summary())
		}

	default:
		return false
	}
	return true
}

func (a *Adapter) collectAttachments(ctx context.Context, atts []*discordgo.MessageAttachment) ([]types.AttachmentRef, error) {
	var refs []types.AttachmentRef
	for _, att := range atts {
		if att.Size > maxAttachmentBytes {
			return nil, fmt.Errorf("attachment %s is %d bytes, limit is %d", att.Filename, att.Size, maxAttachmentBytes)
		}
		data, err := a.fetch(att.URL)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", att.Filename, err)
		}
		mimeType := att.ContentType
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		ref, err := a.agent.Attach(ctx, att.Filename, mimeType, data)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (a *Adapter) download(url string) ([]byte, error) {
	resp, err := a.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxAttachmentBytes {
		return nil, errors.New("file too large")
	}
	return data, nil
}

func (a *Adapter) sendResponse(channelID, text string) {
	for _, part := range splitMessage(text) {
		if _, err := a.session.ChannelMessageSend(channelID, part); err != nil {
			slog.Error("discord send", "channel_id", channelID, "error", err)
			return
		}
	}
}

// splitMessage cuts text into Discord-sized parts, preferring line breaks.
func splitMessage(text string) []string {
	var parts []string
	for len(text) > maxDiscordMessage {
		cut := strings.LastIndex(text[:maxDiscordMessage], "\n")
		if cut <= 0 {
			cut = maxDiscordMessage
		}
		parts = append(parts, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	return append(parts, text)
}

func buildSessionKey(userID, channelID string) types.SessionKey {
	return types.NewSessionKey("discord", userID, channelID)
}

// parseChannelID extracts the channel id from a "discord:<user>:<channel>" key.
func parseChannelID(sessionKey string) (string, error) {
	parts := types.SessionKey(sessionKey).Parts()
	if len(parts) != 3 || parts[0] != "discord" || parts[2] == "" {
		return "", fmt.Errorf("not a discord session key: %s", sessionKey)
	}
	return parts[2], nil
}
