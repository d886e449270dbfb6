package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"copybot/internal/bus"
	"copybot/internal/copier"
	"copybot/internal/domain"
	"copybot/internal/relay"
	"copybot/internal/rules"
)

const (
	telegramMaxMsgLen  = 4000
	defaultPollTimeout = 60

	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// RuleSource answers which chats are watched and lists the effective rules.
type RuleSource interface {
	IsSource(ctx context.Context, chatID int64) bool
	All(ctx context.Context) ([]domain.Rule, error)
}

// DirectCopier copies a single message outside of the rules.
type DirectCopier interface {
	CopyTo(ctx context.Context, msg *tgbotapi.Message, opts copier.Options) (*tgbotapi.Message, error)
	Stats() relay.Stats
}

// UpdateRecorder counts updates received from Telegram.
type UpdateRecorder interface {
	UpdateReceived(source string)
}

// Telegram implements domain.Channel for a Telegram bot. Messages from rule
// sources go to the bus; private commands manage rules.
type Telegram struct {
	bot         *tgbotapi.BotAPI
	allowFrom   []int64 // Allowed user IDs (empty = allow all)
	mode        string
	webhookURL  string
	pollTimeout int

	rules   RuleSource
	store   domain.RuleStore
	relay   DirectCopier
	metrics UpdateRecorder
	events  *bus.EventBus

	bus     domain.MessageBus
	ready   atomic.Bool // set once bus is assigned
	started time.Time
	logger  *slog.Logger
}

type TelegramConfig struct {
	Bot         *tgbotapi.BotAPI
	AllowFrom   []string // User IDs as strings
	Mode        string   // "polling" (default) or "webhook"
	WebhookURL  string
	PollTimeout int // seconds

	Rules   RuleSource
	Store   domain.RuleStore // nil disables /addrule and /delrule
	Relay   DirectCopier
	Metrics UpdateRecorder // optional
	Events  *bus.EventBus  // optional
	Logger  *slog.Logger
}

// Connect creates a Bot API client and checks the token with getMe. An empty
// endpoint selects the public Bot API.
func Connect(token, endpoint string) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return bot, nil
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePolling
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		bot:         cfg.Bot,
		allowFrom:   allowed,
		mode:        cfg.Mode,
		webhookURL:  cfg.WebhookURL,
		pollTimeout: cfg.PollTimeout,
		rules:       cfg.Rules,
		store:       cfg.Store,
		relay:       cfg.Relay,
		metrics:     cfg.Metrics,
		events:      cfg.Events,
		started:     time.Now(),
		logger:      cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start receives updates until ctx is done. In webhook mode it registers the
// webhook and updates arrive through WebhookHandler.
func (t *Telegram) Start(ctx context.Context, msgBus domain.MessageBus) error {
	t.bus = msgBus
	t.ready.Store(true)
	t.logger.Info("telegram bot connected",
		"username", t.bot.Self.UserName,
		"id", t.bot.Self.ID,
		"mode", t.mode,
	)

	if t.mode == ModeWebhook {
		return t.runWebhook(ctx)
	}
	return t.runPolling(ctx)
}

func (t *Telegram) runPolling(ctx context.Context) error {
	// getUpdates is refused while a webhook is set.
	if _, err := t.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.pollTimeout
	u.AllowedUpdates = []string{"message", "channel_post"}
	updates := t.bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started", "timeout", t.pollTimeout)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *Telegram) runWebhook(ctx context.Context) error {
	wh, err := tgbotapi.NewWebhook(t.webhookURL)
	if err != nil {
		return fmt.Errorf("webhook url: %w", err)
	}
	wh.AllowedUpdates = []string{"message", "channel_post"}
	if _, err := t.bot.Request(wh); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	t.logger.Info("telegram webhook registered", "url", t.webhookURL)

	<-ctx.Done()
	t.logger.Info("telegram channel stopping")
	return nil
}

// Stop is a no-op: the bot stops when Start's context is cancelled, and
// calling StopReceivingUpdates twice panics.
func (t *Telegram) Stop() error {
	return nil
}

// WebhookHandler decodes updates posted by Telegram. Updates that arrive
// before Start are rejected with 503 so Telegram redelivers them.
func (t *Telegram) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		update, err := t.bot.HandleUpdate(r)
		if err != nil {
			t.logger.Warn("bad webhook update", "err", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		t.handleUpdate(r.Context(), *update)
		w.WriteHeader(http.StatusOK)
	})
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.ChannelPost != nil:
		t.handleSourceMessage(ctx, update.ChannelPost, "channel_post")
	case update.Message != nil:
		msg := update.Message
		if msg.Chat == nil {
			return
		}
		if msg.Chat.IsPrivate() && msg.IsCommand() {
			t.record("command")
			t.handleCommand(ctx, msg)
			return
		}
		t.handleSourceMessage(ctx, msg, "message")
	}
}

func (t *Telegram) handleSourceMessage(ctx context.Context, msg *tgbotapi.Message, source string) {
	if msg.Chat == nil {
		return
	}
	t.record(source)

	chatID := msg.Chat.ID
	if !t.rules.IsSource(ctx, chatID) {
		t.logger.Debug("message from unwatched chat", "chat_id", chatID)
		return
	}

	if !t.bus.Publish(domain.InboundMessage{
		Channel:   "telegram",
		ChatID:    chatID,
		SenderID:  senderID(msg),
		Message:   msg,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}) {
		t.logger.Warn("inbound message dropped", "chat_id", chatID, "message_id", msg.MessageID)
	}
}

func (t *Telegram) record(source string) {
	if t.metrics != nil {
		t.metrics.UpdateReceived(source)
	}
}

func senderID(msg *tgbotapi.Message) int64 {
	switch {
	case msg.From != nil:
		return msg.From.ID
	case msg.SenderChat != nil:
		return msg.SenderChat.ID
	}
	return 0
}

const helpText = `CopyBot copies messages from source chats to target chats.

Commands:
/status - Bot status
/chatid - Show this chat's id (reply to a forwarded post to see its origin)
/rules - List copy rules
/addrule <source> <target> [thread] - Add a rule
/delrule <id> - Delete a rule
/copy <target> - Reply to a message to copy it once
/help - Show this message`

func (t *Telegram) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if msg.From == nil || !t.isAllowed(msg.From.ID) {
		t.logger.Warn("unauthorized telegram user", "chat_id", chatID, "user_id", senderID(msg))
		t.sendMessage(chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	args := strings.Fields(msg.CommandArguments())
	switch msg.Command() {
	case "start", "help":
		t.sendMessage(chatID, helpText)
	case "status":
		t.sendMessage(chatID, t.statusText(ctx, msg))
	case "chatid":
		t.sendMessage(chatID, chatIDText(msg))
	case "rules":
		t.sendMessage(chatID, t.rulesText(ctx))
	case "addrule":
		t.sendMessage(chatID, t.addRule(ctx, args))
	case "delrule":
		t.sendMessage(chatID, t.deleteRule(ctx, args))
	case "copy":
		t.sendMessage(chatID, t.copyReply(ctx, msg, args))
	default:
		t.sendMessage(chatID, "Unknown command. Type /help for available commands.")
	}
}

func (t *Telegram) statusText(ctx context.Context, msg *tgbotapi.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Bot: @%s\nYour ID: %d\nChat ID: %d\nUptime: %s\n",
		t.bot.Self.UserName, msg.From.ID, msg.Chat.ID, time.Since(t.started).Truncate(time.Second))
	if all, err := t.rules.All(ctx); err == nil {
		fmt.Fprintf(&b, "Rules: %d\n", len(all))
	}
	if t.relay != nil {
		s := t.relay.Stats()
		fmt.Fprintf(&b, "Processed: %d, copied: %d, failed: %d, unsupported: %d",
			s.Processed, s.Copied, s.Failed, s.Unsupported)
	}
	return strings.TrimRight(b.String(), "\n")
}

func chatIDText(msg *tgbotapi.Message) string {
	text := fmt.Sprintf("Chat ID: %d", msg.Chat.ID)
	if reply := msg.ReplyToMessage; reply != nil && reply.ForwardFromChat != nil {
		text += fmt.Sprintf("\nForwarded from: %d", reply.ForwardFromChat.ID)
		if reply.ForwardFromChat.UserName != "" {
			text += " (@" + reply.ForwardFromChat.UserName + ")"
		}
	}
	return text
}

func (t *Telegram) rulesText(ctx context.Context) string {
	all, err := t.rules.All(ctx)
	if err != nil {
		t.logger.Error("cannot list rules", "err", err)
		return "Cannot list rules: " + err.Error()
	}
	if len(all) == 0 {
		return "No rules. Add one with /addrule <source> <target>."
	}

	now := time.Now()
	var b strings.Builder
	for _, r := range all {
		fmt.Fprintf(&b, "%s  %d -> %s", shortID(r.ID), r.SourceChatID, r.Target())
		if r.ThreadID != 0 {
			fmt.Fprintf(&b, " #%d", r.ThreadID)
		}
		switch {
		case !r.Enabled:
			b.WriteString(" (disabled)")
		case r.Expired(now):
			b.WriteString(" (expired)")
		}
		if r.Name != "" {
			b.WriteString("  " + r.Name)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func shortID(id string) string {
	if len(id) > 8 && !strings.HasPrefix(id, "static-") {
		return id[:8]
	}
	return id
}

func (t *Telegram) addRule(ctx context.Context, args []string) string {
	if t.store == nil {
		return "Rule storage is disabled."
	}
	if len(args) < 2 || len(args) > 3 {
		return "Usage: /addrule <source> <target> [thread]"
	}

	source, _, err := domain.ParseChatTarget(args[0])
	if err != nil || source == 0 {
		return "Source must be a numeric chat id."
	}
	targetID, targetName, err := domain.ParseChatTarget(args[1])
	if err != nil {
		return err.Error()
	}
	rule := domain.Rule{
		SourceChatID:   source,
		TargetChatID:   targetID,
		TargetUsername: targetName,
		Enabled:        true,
	}
	if len(args) == 3 {
		thread, err := strconv.Atoi(args[2])
		if err != nil || thread <= 0 {
			return "Thread must be a positive number."
		}
		rule.ThreadID = thread
	}

	stored, err := t.store.AddRule(ctx, rule)
	if err != nil {
		return "Cannot add rule: " + err.Error()
	}
	t.logger.Info("rule added", "id", stored.ID, "source", stored.SourceChatID, "target", stored.Target())
	t.emit(bus.EventRuleAdded, map[string]any{"id": stored.ID, "source": stored.SourceChatID, "target": stored.Target()})
	return fmt.Sprintf("Rule %s added: %d -> %s", shortID(stored.ID), stored.SourceChatID, stored.Target())
}

func (t *Telegram) deleteRule(ctx context.Context, args []string) string {
	if t.store == nil {
		return "Rule storage is disabled."
	}
	if len(args) != 1 {
		return "Usage: /delrule <id>"
	}
	err := t.store.DeleteRule(ctx, args[0])
	switch {
	case errors.Is(err, domain.ErrRuleNotFound):
		return "No rule with id " + args[0] + "."
	case err != nil:
		return "Cannot delete rule: " + err.Error()
	}
	t.logger.Info("rule deleted", "id", args[0])
	t.emit(bus.EventRuleDeleted, map[string]any{"id": args[0]})
	return "Rule " + args[0] + " deleted."
}

func (t *Telegram) copyReply(ctx context.Context, msg *tgbotapi.Message, args []string) string {
	if len(args) != 1 {
		return "Usage: reply to a message with /copy <target>"
	}
	if msg.ReplyToMessage == nil {
		return "Reply to the message you want to copy."
	}
	targetID, targetName, err := domain.ParseChatTarget(args[0])
	if err != nil {
		return err.Error()
	}

	sent, err := t.relay.CopyTo(ctx, msg.ReplyToMessage, rules.Options(domain.Rule{
		TargetChatID:   targetID,
		TargetUsername: targetName,
	}))
	switch {
	case errors.Is(err, copier.ErrUnsupportedContentKind):
		return "This type of message can't be copied."
	case err != nil:
		return "Copy failed: " + err.Error()
	}
	return fmt.Sprintf("Copied as message %d.", sent.MessageID)
}

func (t *Telegram) emit(eventType string, payload map[string]any) {
	if t.events == nil {
		return
	}
	t.events.Emit(bus.Event{Type: eventType, Source: "telegram", Payload: payload, Timestamp: time.Now()})
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = allow all
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	// Telegram has a 4096 char limit per message
	for len(text) > 0 {
		chunk := text
		if len(chunk) > telegramMaxMsgLen {
			cutAt := strings.LastIndex(chunk[:telegramMaxMsgLen], "\n")
			if cutAt < telegramMaxMsgLen/2 {
				cutAt = telegramMaxMsgLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}

		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			t.logger.Error("telegram send failed", "chat_id", chatID, "err", err)
			return
		}
	}
}
