package domain

import (
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// InboundMessage is a Telegram message observed in a chat that may be the
// source of one or more copy rules.
type InboundMessage struct {
	Channel   string
	ChatID    int64
	SenderID  int64 // zero for anonymous channel posts
	Message   *tgbotapi.Message
	Timestamp time.Time
}
