package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"golang.org/x/time/rate"

	"servicedesk-notification/internal/batch"
	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/models"
	"servicedesk-notification/internal/utils"
)

// telegramChannelConfig holds bot token and chat ids for one stream.
type telegramChannelConfig struct {
	BotToken string  `json:"bot_token"`
	ChatIDs  []int64 `json:"chat_ids"`
}

// TelegramChannel sends batch digests to Telegram chats, rate limited
// across all streams to stay inside the bot API limits.
type TelegramChannel struct {
	limiter *rate.Limiter
	logger  *logging.Logger

	// newBot is swappable for tests.
	newBot func(token string) (telegramSender, error)
}

type telegramSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) error
}

type realBot struct{ b *bot.Bot }

func (r realBot) SendMessage(ctx context.Context, params *bot.SendMessageParams) error {
	_, err := r.b.SendMessage(ctx, params)
	return err
}

// NewTelegramChannel constructs the telegram channel. ratePerSecond
// bounds outgoing messages.
func NewTelegramChannel(ratePerSecond int, logger *logging.Logger) *TelegramChannel {
	if ratePerSecond <= 0 {
		ratePerSecond = 20
	}
	return &TelegramChannel{
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerSecond)), ratePerSecond),
		logger:  logger,
		newBot: func(token string) (telegramSender, error) {
			b, err := bot.New(token)
			if err != nil {
				return nil, err
			}
			return realBot{b: b}, nil
		},
	}
}

func (c *TelegramChannel) Name() string { return models.ChannelTelegram }

func (c *TelegramChannel) Send(ctx context.Context, b models.NotificationBatch, cfg models.BatchConfiguration) error {
	var tc telegramChannelConfig
	if err := decodeChannelConfig(cfg.ChannelConfig, &tc); err != nil {
		return fmt.Errorf("%w: invalid telegram configuration for %s: %v", batch.ErrPermanentDelivery, cfg.BatchKey, err)
	}
	if tc.BotToken == "" {
		return fmt.Errorf("%w: missing bot_token in telegram configuration for %s", batch.ErrPermanentDelivery, cfg.BatchKey)
	}
	if len(tc.ChatIDs) == 0 {
		return fmt.Errorf("%w: missing chat_ids in telegram configuration for %s", batch.ErrPermanentDelivery, cfg.BatchKey)
	}

	text := renderTelegramDigest(b)

	sender, err := c.newBot(tc.BotToken)
	if err != nil {
		return fmt.Errorf("failed to initialize telegram bot for %s: %w", cfg.BatchKey, err)
	}

	for _, chatID := range tc.ChatIDs {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("telegram rate limit wait aborted: %w", err)
		}
		chatID := chatID
		err := utils.Retry(ctx, c.logger, 2, time.Second, func() error {
			return sender.SendMessage(ctx, &bot.SendMessageParams{
				ChatID:    chatID,
				Text:      text,
				ParseMode: "Markdown",
			})
		})
		if err != nil {
			return fmt.Errorf("failed to send telegram message to chat %d: %w", chatID, err)
		}
	}
	return nil
}

func renderTelegramDigest(b models.NotificationBatch) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%d notification(s)*\n", len(b.Notifications))
	for _, n := range b.Notifications {
		fmt.Fprintf(&sb, "• [%s] %s", n.Priority, n.Type)
		if n.TicketID != nil {
			fmt.Fprintf(&sb, " (ticket #%d)", *n.TicketID)
		}
		if msg, ok := n.Payload["message"].(string); ok {
			sb.WriteString(": ")
			sb.WriteString(msg)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
