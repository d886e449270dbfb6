package domain

import "context"

// Channel is a source of inbound messages (Telegram polling or webhook).
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}
