// Package telegram is the chat transport: long-poll updates in,
// paced reply segments out. It carries no conversational state; every
// inbound message is handed straight to the dispatcher.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"chatflow/internal/chunker"
	"chatflow/internal/sendqueue"
)

// InboundFunc receives every text message observed by the poller.
type InboundFunc func(ctx context.Context, msg chunker.Message)

type Bot struct {
	api     *tgbotapi.BotAPI
	s       sender
	inbound InboundFunc
	log     zerolog.Logger
}

func New(botToken string, log zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	return &Bot{
		api: api,
		s:   botAPISender{api: api},
		log: log.With().Str("component", "telegram").Logger(),
	}, nil
}

// OnMessage sets the inbound handler. Must be called before Start.
func (b *Bot) OnMessage(fn InboundFunc) {
	b.inbound = fn
}

// Start runs the long-poll loop until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info().Str("bot", b.api.Self.UserName).Msg("polling for updates")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			b.handleIncomingMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleIncomingMessage(ctx context.Context, msg *tgbotapi.Message) {
	b.log.Debug().Int64("user_id", msg.Chat.ID).Int("message_id", msg.MessageID).Msg("incoming message")
	if b.inbound == nil {
		return
	}
	b.inbound(ctx, chunker.Message{
		UserID:    msg.Chat.ID,
		Text:      msg.Text,
		Timestamp: msg.Time(),
		Seq:       int64(msg.MessageID),
	})
}

// Deliver implements sendqueue.Deliverer. Errors that mean the user
// can never receive messages are wrapped in sendqueue.ErrUnreachable
// so the queue abandons the rest of the reply.
func (b *Bot) Deliver(_ context.Context, userID int64, text string) error {
	out := tgbotapi.NewMessage(userID, text)
	if _, err := b.s.Send(out); err != nil {
		if isUnreachable(err) {
			return fmt.Errorf("%w: %v", sendqueue.ErrUnreachable, err)
		}
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Typing implements sendqueue.Deliverer; fires the "typing..."
// indicator while a pacing delay runs. Best effort.
func (b *Bot) Typing(_ context.Context, userID int64) {
	action := tgbotapi.NewChatAction(userID, tgbotapi.ChatTyping)
	if _, err := b.s.Request(action); err != nil {
		b.log.Debug().Err(err).Int64("user_id", userID).Msg("typing action failed")
	}
}

func isUnreachable(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "blocked by the user") ||
		strings.Contains(msg, "user is deactivated") ||
		strings.Contains(msg, "chat not found")
}
