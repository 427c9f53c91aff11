package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/tablemate/internal/gateway"
	"github.com/user/tablemate/internal/types"
)

const (
	maxTelegramMessage = 4096
	maxAttachmentBytes = 10 << 20

	attachmentOnlyText = "[sent an attachment]"
	busyReply          = "I'm still working through your earlier messages. Give me a moment and try again."
	helpText           = "Hi, I'm Tablemate. Tell me what you feel like eating, when, and for how many people, and I'll find and book a table. After the meal I can split the bill; send a photo of the receipt if you have one.\n\nCommands: /reset starts over, /status shows the current conversation."
)

// Agent is the part of the gateway the adapter drives.
type Agent interface {
	HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...gateway.RunOption) error
	Attach(ctx context.Context, name, mimeType string, data []byte) (types.AttachmentRef, error)
	Reset(ctx context.Context, key types.SessionKey) (bool, error)
	Status(ctx context.Context, key types.SessionKey) (*gateway.Status, error)
}

// Adapter bridges Telegram to the gateway.
type Adapter struct {
	bot    *tgbotapi.BotAPI
	agent  Agent
	client *http.Client

	// send and fetch default to the bot API.
	send  func(chatID int64, text string)
	fetch func(fileID string) ([]byte, error)
}

// New creates a Telegram adapter.
func New(token string, agent Agent) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := &Adapter{
		bot:    bot,
		agent:  agent,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	a.send = a.sendResponse
	a.fetch = a.downloadFile
	return a, nil
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

// SendTo delivers a message to the chat a session key belongs to.
func (a *Adapter) SendTo(sessionKey, message string) error {
	chatID, err := parseChatID(sessionKey)
	if err != nil {
		return err
	}
	a.send(chatID, message)
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	chatID := msg.Chat.ID
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	attachments, err := a.collectAttachments(ctx, msg)
	if err != nil {
		slog.Warn("telegram attachment failed", "chat_id", chatID, "error", err)
		a.send(chatID, "Sorry, I couldn't read that file. Please try sending it again.")
		return
	}
	if text == "" && len(attachments) == 0 {
		return
	}
	if text == "" {
		text = attachmentOnlyText
	}

	event := &types.InboundEvent{
		Source:      "telegram",
		SessionKey:  buildSessionKey(msg.From.ID, chatID),
		UserID:      strconv.FormatInt(msg.From.ID, 10),
		Text:        text,
		Attachments: attachments,
	}

	err = a.agent.HandleInbound(ctx, event, gateway.WithOnComplete(func(response string) {
		if response != "" {
			a.send(chatID, response)
		}
	}))
	if errors.Is(err, gateway.ErrLaneFull) {
		a.send(chatID, busyReply)
		return
	}
	if err != nil {
		slog.Error("telegram handle inbound", "chat_id", chatID, "error", err)
		a.send(chatID, "Sorry, I encountered an error processing your message.")
	}
}

// collectAttachments stores the largest photo size and any document.
func (a *Adapter) collectAttachments(ctx context.Context, msg *tgbotapi.Message) ([]types.AttachmentRef, error) {
	var refs []types.AttachmentRef
	if len(msg.Photo) > 0 {
		largest := msg.Photo[len(msg.Photo)-1]
		ref, err := a.attach(ctx, largest.FileID, "photo.jpg", "image/jpeg")
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if msg.Document != nil {
		if msg.Document.FileSize > maxAttachmentBytes {
			return nil, fmt.Errorf("document %s is %d bytes, limit is %d", msg.Document.FileName, msg.Document.FileSize, maxAttachmentBytes)
		}
		ref, err := a.attach(ctx, msg.Document.FileID, msg.Document.FileName, msg.Document.MimeType)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (a *Adapter) attach(ctx context.Context, fileID, name, mimeType string) (types.AttachmentRef, error) {
	data, err := a.fetch(fileID)
	if err != nil {
		return types.AttachmentRef{}, fmt.Errorf("download %s: %w", name, err)
	}
	return a.agent.Attach(ctx, name, mimeType, data)
}

func (a *Adapter) downloadFile(fileID string) ([]byte, error) {
	url, err := a.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, err
	}
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

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	key := buildSessionKey(msg.From.ID, chatID)

	switch msg.Command() {
	case "start", "help":
		a.send(chatID, helpText)

	case "reset", "new":
		reset, err := a.agent.Reset(ctx, key)
		switch {
		case err != nil:
			slog.Error("telegram reset", "session_key", string(key), "error", err)
			a.send(chatID, "Error resetting the conversation.")
		case reset:
			a.send(chatID, "Started a new conversation. Earlier messages are forgotten.")
		default:
			a.send(chatID, "Nothing to reset. Send me a message to get started.")
		}

	case "status":
		st, err := a.agent.Status(ctx, key)
		switch {
		case errors.Is(err, types.ErrNotFound):
			a.send(chatID, "No active conversation.")
		case err != nil:
			slog.Error("telegram status", "session_key", string(key), "error", err)
			a.send(chatID, "Error fetching status.")
		default:
			a.send(chatID, st.Summary())
		}

	default:
		a.send(chatID, "Unknown command. Available: /start, /reset, /status")
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				slog.Error("telegram send", "chat_id", chatID, "error", err)
			}
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func buildSessionKey(userID, chatID int64) types.SessionKey {
	return types.NewSessionKey("telegram",
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(chatID, 10),
	)
}

// parseChatID extracts the chat id from a "telegram:<user>:<chat>" key.
func parseChatID(sessionKey string) (int64, error) {
	parts := types.SessionKey(sessionKey).Parts()
	if len(parts) != 3 || parts[0] != "telegram" {
		return 0, fmt.Errorf("not a telegram session key: %s", sessionKey)
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id in %s: %w", sessionKey, err)
	}
	return id, nil
}
