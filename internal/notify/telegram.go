// Package notify provides an optional operator-notification sink for
// lifecycle and kill-switch events, adapted from the reference system's
// notification_service.go. The interactive approval workflow (inline
// "EXECUTE"/"DISCARD" buttons) has no counterpart here — entries are
// accepted or rejected entirely inside the engine, so only the one-way
// alert path survives.
package notify

import (
	"fmt"
	"log"
	"os"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sink sends operator alerts. NopSink is used when no bot token is
// configured so callers never need a nil check.
type Sink interface {
	Notify(msg string)
}

// NopSink discards every message.
type NopSink struct{}

func (NopSink) Notify(string) {}

// Telegram sends alerts to a single operator chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewFromEnv builds a Telegram sink from TELEGRAM_BOT_TOKEN and
// TELEGRAM_CHAT_ID. Returns NopSink if the token is absent or invalid,
// so the engine can always notify unconditionally.
func NewFromEnv() Sink {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		log.Println("⚠️ TELEGRAM_BOT_TOKEN not set, operator notifications disabled")
		return NopSink{}
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Printf("⚠️ failed to init telegram bot: %v", err)
		return NopSink{}
	}

	var chatID int64
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		chatID, _ = strconv.ParseInt(raw, 10, 64)
	}

	log.Printf("✅ telegram notifications authorized as %s", bot.Self.UserName)
	return &Telegram{bot: bot, chatID: chatID}
}

// Notify sends msg to the configured chat asynchronously, fire-and-forget.
func (t *Telegram) Notify(msg string) {
	if t.chatID == 0 {
		return
	}
	go func() {
		cfg := tgbotapi.NewMessage(t.chatID, msg)
		cfg.ParseMode = "Markdown"
		if _, err := t.bot.Send(cfg); err != nil {
			log.Printf("⚠️ failed to send telegram notification: %v", err)
		}
	}()
}

// Format builds a human-readable alert line for a lifecycle event, matching
// the reference system's alert phrasing.
func Format(title, detail string) string {
	return fmt.Sprintf("🔔 *%s*\n%s", title, detail)
}
