package bus

import (
	"log/slog"
	"sync"
	"time"

	"copybot/internal/domain"
)

const defaultPublishTimeout = 5 * time.Second

// Config configures an InMemoryBus.
type Config struct {
	BufferSize     int
	PublishTimeout time.Duration
	Logger         *slog.Logger
	// OnDrop is called for every message dropped because the bus stayed full.
	OnDrop func(domain.InboundMessage)
}

// InMemoryBus is a Go-channel based message bus for in-process communication.
type InMemoryBus struct {
	inbound chan domain.InboundMessage
	timeout time.Duration
	onDrop  func(domain.InboundMessage)
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

// New creates a new InMemoryBus.
func New(cfg Config) *InMemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &InMemoryBus{
		inbound: make(chan domain.InboundMessage, cfg.BufferSize),
		timeout: cfg.PublishTimeout,
		onDrop:  cfg.OnDrop,
		logger:  cfg.Logger,
	}
}

// Publish queues msg for the relay. When the buffer is full it waits up to
// the publish timeout, then drops the message and returns false.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "chat_id", msg.ChatID)
		return false
	}

	select {
	case b.inbound <- msg:
		return true
	default:
	}

	b.logger.Warn("inbound bus full, waiting", "chat_id", msg.ChatID)
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case b.inbound <- msg:
		return true
	case <-timer.C:
		b.logger.Error("message dropped: bus full", "chat_id", msg.ChatID, "wait", b.timeout)
		if b.onDrop != nil {
			b.onDrop(msg)
		}
		return false
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// Len returns the number of queued messages.
func (b *InMemoryBus) Len() int {
	return len(b.inbound)
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
