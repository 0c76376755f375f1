// Copyright (c) 2025 BVK Chaitanya

// Package notify delivers best-effort operator notifications over Telegram.
// Sends never block bidding; failures are logged and dropped.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-telegram/bot"

	"github.com/bvk/bidbot/ctxutil"
)

// Secrets holds the Telegram bot credentials.
type Secrets struct {
	Token string `json:"token"`

	ChatID string `json:"chat_id"`
}

func (v *Secrets) Check() error {
	if len(v.Token) == 0 {
		return fmt.Errorf("telegram bot token cannot be empty: %w", os.ErrInvalid)
	}
	if len(v.ChatID) == 0 {
		return fmt.Errorf("telegram chat id cannot be empty: %w", os.ErrInvalid)
	}
	return nil
}

func (v *Secrets) Clone() *Secrets {
	c := *v
	return &c
}

// Notifier sends messages to a single Telegram chat. A nil Notifier is
// valid and drops all messages.
type Notifier struct {
	cg ctxutil.CloseGroup

	bot *bot.Bot

	chatID string

	msgCh chan string
}

// New connects the Telegram bot and starts the send loop.
func New(ctx context.Context, secrets *Secrets) (*Notifier, error) {
	if err := secrets.Check(); err != nil {
		return nil, err
	}
	b, err := bot.New(secrets.Token)
	if err != nil {
		return nil, fmt.Errorf("could not create telegram bot: %w", err)
	}
	n := &Notifier{
		bot:    b,
		chatID: secrets.ChatID,
		msgCh:  make(chan string, 100),
	}
	n.cg.Go(n.goSend)
	return n, nil
}

func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	n.cg.Close()
	return nil
}

func (n *Notifier) goSend(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.msgCh:
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := n.bot.SendMessage(sctx, &bot.SendMessageParams{
				ChatID: n.chatID,
				Text:   text,
			})
			cancel()
			if err != nil {
				slog.Warn("could not send telegram message", "err", err)
			}
		}
	}
}

// send enqueues a message, dropping it when the queue is full.
func (n *Notifier) send(text string) {
	if n == nil {
		return
	}
	select {
	case n.msgCh <- text:
	default:
		slog.Warn("telegram message queue is full; dropping message")
	}
}

// Fill reports a confirmed purchase.
func (n *Notifier) Fill(collection, token string, price int64) {
	n.send(fmt.Sprintf("bought %s/%s for %d sats", collection, token, price))
}

// RateLimitPause reports a marketplace rate-limit backoff.
func (n *Notifier) RateLimitPause(until time.Time) {
	n.send(fmt.Sprintf("rate limited; bidding paused until %s", until.Format(time.RFC3339)))
}

// FeedDown reports that the push channel could not be restored within the
// retry schedule.
func (n *Notifier) FeedDown(err error) {
	n.send(fmt.Sprintf("push channel is down: %v", err))
}

// FeedRestored reports a successful reconnect after a loss.
func (n *Notifier) FeedRestored() {
	n.send("push channel restored")
}
