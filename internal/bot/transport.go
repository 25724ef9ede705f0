package bot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/companion-bot/internal/history"
	"github.com/xaenox/companion-bot/internal/llm"
	"github.com/xaenox/companion-bot/internal/models"
	"go.uber.org/zap"
)

// Reply sends text to a conversation, split into chunks Telegram accepts.
// Only the first chunk replies to replyTo. It returns the id of the first
// message sent.
func (b *Bot) Reply(ctx context.Context, conversationID int64, replyTo int, text string) (int, error) {
	firstID := 0
	for i, chunk := range history.Split(text, b.cfg.MaxMessageLen) {
		if err := ctx.Err(); err != nil {
			return firstID, err
		}
		msg := tgbotapi.NewMessage(conversationID, chunk)
		if i == 0 {
			msg.ReplyToMessageID = replyTo
		}
		sent, err := b.api.Send(msg)
		if err != nil {
			return firstID, fmt.Errorf("error sending message: %w", err)
		}
		if i == 0 {
			firstID = sent.MessageID
		}
	}
	return firstID, nil
}

// Edit replaces the text of a message the bot sent earlier
func (b *Bot) Edit(ctx context.Context, conversationID int64, messageID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if chunks := history.Split(text, b.cfg.MaxMessageLen); len(chunks) > 0 {
		text = chunks[0]
	}
	edit := tgbotapi.NewEditMessageText(conversationID, messageID, text)
	if _, err := b.api.Send(edit); err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return fmt.Errorf("error editing message: %w", err)
	}
	return nil
}

func (b *Bot) Typing(ctx context.Context, conversationID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.api.Request(tgbotapi.NewChatAction(conversationID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("error sending typing action: %w", err)
	}
	return nil
}

// DownloadImage fetches a photo by file id
func (b *Bot) DownloadImage(ctx context.Context, ref models.ImageRef) (llm.Image, error) {
	link, err := b.api.GetFileDirectURL(ref.FileID)
	if err != nil {
		return llm.Image{}, fmt.Errorf("error resolving file %s: %w", ref.FileID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return llm.Image{}, fmt.Errorf("error creating download request: %w", err)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return llm.Image{}, fmt.Errorf("error downloading file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return llm.Image{}, fmt.Errorf("error downloading file: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, b.cfg.MaxImageBytes+1))
	if err != nil {
		return llm.Image{}, fmt.Errorf("error reading file: %w", err)
	}
	if int64(len(data)) > b.cfg.MaxImageBytes {
		return llm.Image{}, fmt.Errorf("file %s exceeds %d bytes", ref.FileID, b.cfg.MaxImageBytes)
	}

	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	b.logger.Debug("Downloaded image", zap.String("file_id", ref.FileID), zap.Int("bytes", len(data)))
	return llm.Image{MIMEType: mime, Data: data}, nil
}


// escapeMarkdown escapes special characters for MarkdownV2
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

func (b *Bot) sendMessage(chatID int64, replyTo int, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendMarkdown(chatID int64, replyTo int, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.ReplyToMessageID = replyTo
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send formatted message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
