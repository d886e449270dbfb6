package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"copybot/internal/bus"
	"copybot/internal/copier"
	"copybot/internal/domain"
	"copybot/internal/rules"
)

const (
	defaultConcurrency = 4
	queueSize          = 64
)

// Copier sends one copy of a message.
type Copier interface {
	Copy(ctx context.Context, msg *tgbotapi.Message, opts copier.Options) (*tgbotapi.Message, error)
}

// RuleResolver returns the rules that apply to a source chat.
type RuleResolver interface {
	Resolve(ctx context.Context, sourceChatID int64) ([]domain.Rule, error)
}

// Relay copies every inbound message to the targets of its source chat's
// rules. Messages from one source chat are handled in arrival order by the
// same worker; different chats proceed in parallel.
type Relay struct {
	bus         domain.MessageBus
	copier      Copier
	rules       RuleResolver
	events      *bus.EventBus
	logger      *slog.Logger
	concurrency int

	processed   atomic.Int64
	copied      atomic.Int64
	failed      atomic.Int64
	unsupported atomic.Int64
}

// Config holds the relay dependencies. Events may be nil.
type Config struct {
	Bus         domain.MessageBus
	Copier      Copier
	Rules       RuleResolver
	Events      *bus.EventBus
	Logger      *slog.Logger
	Concurrency int // number of workers (default 4)
}

func New(cfg Config) *Relay {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		bus:         cfg.Bus,
		copier:      cfg.Copier,
		rules:       cfg.Rules,
		events:      cfg.Events,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
	}
}

// Run consumes the bus until it is closed, then copies the messages still
// queued before returning. Cancelling ctx stops Run at once and drops
// whatever is queued.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("relay started", "workers", r.concurrency)

	queues := make([]chan domain.InboundMessage, r.concurrency)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan domain.InboundMessage, queueSize)
		wg.Add(1)
		go func(q <-chan domain.InboundMessage) {
			defer wg.Done()
			for msg := range q {
				r.processMessage(ctx, msg)
			}
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
		r.logger.Info("relay stopped")
	}()

	inbound := r.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				r.logger.Info("inbound channel closed, relay stopping")
				return
			}
			select {
			case queues[shard(msg.ChatID, len(queues))] <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func shard(chatID int64, n int) int {
	if chatID < 0 {
		chatID = -chatID
	}
	return int(chatID % int64(n))
}

// CopyTo copies msg once with explicit options, bypassing rules. It is used
// by bot commands and the CLI.
func (r *Relay) CopyTo(ctx context.Context, msg *tgbotapi.Message, opts copier.Options) (*tgbotapi.Message, error) {
	sent, err := r.copier.Copy(ctx, msg, opts)
	r.record(msg, "", opts, sent, err)
	return sent, err
}

func (r *Relay) processMessage(ctx context.Context, msg domain.InboundMessage) {
	r.processed.Add(1)
	r.emit(bus.EventMessageReceived, map[string]any{
		"chat_id":    msg.ChatID,
		"message_id": messageID(msg.Message),
	})

	matched, err := r.rules.Resolve(ctx, msg.ChatID)
	if err != nil {
		r.logger.Error("cannot resolve rules", "chat_id", msg.ChatID, "err", err)
		return
	}
	if len(matched) == 0 {
		r.logger.Debug("no rules for chat", "chat_id", msg.ChatID)
		return
	}

	for _, rule := range matched {
		if ctx.Err() != nil {
			return
		}
		if rule.TargetChatID == msg.ChatID {
			r.logger.Warn("rule copies a chat into itself, skipped", "rule", rule.ID, "chat_id", msg.ChatID)
			continue
		}

		opts := rules.Options(rule)
		sent, err := r.copier.Copy(ctx, msg.Message, opts)
		r.record(msg.Message, rule.ID, opts, sent, err)
		if errors.Is(err, copier.ErrUnsupportedContentKind) {
			// Same content for every rule.
			return
		}
	}
}

func (r *Relay) record(msg *tgbotapi.Message, ruleID string, opts copier.Options, sent *tgbotapi.Message, err error) {
	kind := copier.KindUnknown
	if content, cerr := copier.Classify(msg); cerr == nil {
		kind = content.Kind()
	}

	switch {
	case errors.Is(err, copier.ErrUnsupportedContentKind):
		r.unsupported.Add(1)
		r.logger.Debug("message kind cannot be copied", "rule", ruleID, "message_id", messageID(msg))
	case err != nil:
		r.failed.Add(1)
		r.logger.Warn("copy failed", "rule", ruleID, "chat_id", opts.ChatID, "channel", opts.ChannelUsername, "kind", kind, "err", err)
		r.emit(bus.EventCopyFailed, map[string]any{
			"rule":       ruleID,
			"kind":       kind.String(),
			"chat_id":    opts.ChatID,
			"channel":    opts.ChannelUsername,
			"message_id": messageID(msg),
			"error":      err.Error(),
		})
	default:
		r.copied.Add(1)
		r.logger.Info("message copied", "rule", ruleID, "chat_id", opts.ChatID, "channel", opts.ChannelUsername, "kind", kind)
		r.emit(bus.EventCopySucceeded, map[string]any{
			"rule":       ruleID,
			"kind":       kind.String(),
			"chat_id":    opts.ChatID,
			"channel":    opts.ChannelUsername,
			"message_id": messageID(msg),
			"copy_id":    messageID(sent),
		})
	}
}

func (r *Relay) emit(eventType string, payload map[string]any) {
	if r.events == nil {
		return
	}
	r.events.Emit(bus.Event{Type: eventType, Source: "relay", Payload: payload, Timestamp: time.Now()})
}

func messageID(m *tgbotapi.Message) int {
	if m == nil {
		return 0
	}
	return m.MessageID
}

// Stats are running totals since start.
type Stats struct {
	Processed   int64
	Copied      int64
	Failed      int64
	Unsupported int64
}

func (r *Relay) Stats() Stats {
	return Stats{
		Processed:   r.processed.Load(),
		Copied:      r.copied.Load(),
		Failed:      r.failed.Load(),
		Unsupported: r.unsupported.Load(),
	}
}
