package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"copybot/internal/bus"
	"copybot/internal/copier"
	"copybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type copyCall struct {
	messageID int
	opts      copier.Options
}

type fakeCopier struct {
	mu    sync.Mutex
	calls []copyCall
	err   error
	delay time.Duration
}

func (f *fakeCopier) Copy(ctx context.Context, msg *tgbotapi.Message, opts copier.Options) (*tgbotapi.Message, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if _, err := copier.Classify(msg); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, copyCall{messageID: msg.MessageID, opts: opts})
	if f.err != nil {
		return nil, f.err
	}
	return &tgbotapi.Message{MessageID: 1000 + msg.MessageID}, nil
}

func (f *fakeCopier) snapshot() []copyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]copyCall(nil), f.calls...)
}

type staticResolver map[int64][]domain.Rule

func (s staticResolver) Resolve(_ context.Context, src int64) ([]domain.Rule, error) {
	return s[src], nil
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, int64) ([]domain.Rule, error) {
	return nil, errors.New("store offline")
}

func inbound(chatID int64, id int, text string) domain.InboundMessage {
	return domain.InboundMessage{
		Channel: "telegram",
		ChatID:  chatID,
		Message: &tgbotapi.Message{MessageID: id, Text: text, Chat: &tgbotapi.Chat{ID: chatID}},
	}
}

// runRelay publishes msgs, closes the bus and waits for the relay to drain.
func runRelay(t *testing.T, r *Relay, b *bus.InMemoryBus, msgs ...domain.InboundMessage) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()
	for _, m := range msgs {
		if !b.Publish(m) {
			t.Fatalf("publish %d failed", m.Message.MessageID)
		}
	}
	b.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRelay_CopiesToEveryRule(t *testing.T) {
	b := bus.New(bus.Config{Logger: testLogger()})
	fc := &fakeCopier{}
	events := bus.NewEventBus(testLogger())
	r := New(Config{
		Bus:    b,
		Copier: fc,
		Rules: staticResolver{-100: {
			{ID: "a", TargetChatID: -200, DisableNotification: true},
			{ID: "b", TargetUsername: "@mirror", ThreadID: 3},
		}},
		Events: events,
		Logger: testLogger(),
	})

	runRelay(t, r, b, inbound(-100, 1, "hello"), inbound(-999, 2, "no rules here"))

	calls := fc.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected 2 copies, got %d", len(calls))
	}
	if calls[0].opts.ChatID != -200 || !calls[0].opts.DisableNotification {
		t.Errorf("unexpected first options %+v", calls[0].opts)
	}
	if calls[1].opts.ChannelUsername != "@mirror" || calls[1].opts.ThreadID != 3 {
		t.Errorf("unexpected second options %+v", calls[1].opts)
	}

	if n := events.Count(bus.EventCopySucceeded); n != 2 {
		t.Errorf("expected 2 copy.succeeded events, got %d", n)
	}
	if n := events.Count(bus.EventMessageReceived); n != 2 {
		t.Errorf("expected 2 message.received events, got %d", n)
	}
	st := r.Stats()
	if st.Processed != 2 || st.Copied != 2 || st.Failed != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestRelay_PreservesOrderPerSource(t *testing.T) {
	b := bus.New(bus.Config{Logger: testLogger()})
	fc := &fakeCopier{delay: time.Millisecond}
	r := New(Config{
		Bus:         b,
		Copier:      fc,
		Rules:       staticResolver{-100: {{ID: "a", TargetChatID: -200}}},
		Logger:      testLogger(),
		Concurrency: 4,
	})

	var msgs []domain.InboundMessage
	for i := 1; i <= 20; i++ {
		msgs = append(msgs, inbound(-100, i, "m"))
	}
	runRelay(t, r, b, msgs...)

	calls := fc.snapshot()
	if len(calls) != 20 {
		t.Fatalf("expected 20 copies, got %d", len(calls))
	}
	for i, c := range calls {
		if c.messageID != i+1 {
			t.Fatalf("copy %d carried message %d, order lost", i, c.messageID)
		}
	}
}

func TestRelay_CopiesQueueAfterBusClose(t *testing.T) {
	b := bus.New(bus.Config{Logger: testLogger()})
	fc := &fakeCopier{delay: 5 * time.Millisecond}
	r := New(Config{
		Bus:         b,
		Copier:      fc,
		Rules:       staticResolver{-100: {{ID: "a", TargetChatID: -200}}},
		Logger:      testLogger(),
		Concurrency: 1,
	})

	for i := 1; i <= 10; i++ {
		if !b.Publish(inbound(-100, i, "queued")) {
			t.Fatalf("publish %d failed", i)
		}
	}
	b.Close()
	r.Run(context.Background())

	if n := len(fc.snapshot()); n != 10 {
		t.Fatalf("expected all 10 queued messages copied, got %d", n)
	}
	if st := r.Stats(); st.Failed != 0 || st.Copied != 10 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestRelay_UnsupportedStopsAfterFirstRule(t *testing.T) {
	b := bus.New(bus.Config{Logger: testLogger()})
	fc := &fakeCopier{}
	events := bus.NewEventBus(testLogger())
	r := New(Config{
		Bus:    b,
		Copier: fc,
		Rules: staticResolver{-100: {
			{ID: "a", TargetChatID: -200},
			{ID: "b", TargetChatID: -300},
		}},
		Events: events,
		Logger: testLogger(),
	})

	service := domain.InboundMessage{ChatID: -100, Message: &tgbotapi.Message{MessageID: 9, NewChatTitle: "x"}}
	runRelay(t, r, b, service)

	if len(fc.snapshot()) != 0 {
		t.Error("unsupported message should not be copied")
	}
	st := r.Stats()
	if st.Unsupported != 1 {
		t.Errorf("expected one unsupported attempt, got %+v", st)
	}
	if events.Count(bus.EventCopyFailed) != 0 {
		t.Error("unsupported content is not a failure event")
	}
}

func TestRelay_FailureEmitsEvent(t *testing.T) {
	b := bus.New(bus.Config{Logger: testLogger()})
	fc := &fakeCopier{err: &tgbotapi.Error{Code: 403, Message: "Forbidden"}}
	events := bus.NewEventBus(testLogger())
	r := New(Config{
		Bus:    b,
		Copier: fc,
		Rules: staticResolver{-100: {
			{ID: "a", TargetChatID: -200},
			{ID: "b", TargetChatID: -300},
		}},
		Events: events,
		Logger: testLogger(),
	})

	runRelay(t, r, b, inbound(-100, 1, "hi"))

	failed := events.Replay(bus.EventCopyFailed, time.Time{})
	if len(failed) != 2 {
		t.Fatalf("a failing target should not stop the others, got %d failures", len(failed))
	}
	if failed[0].Payload["rule"] != "a" || failed[0].Payload["kind"] != "text" {
		t.Errorf("unexpected payload %v", failed[0].Payload)
	}
	if r.Stats().Failed != 2 {
		t.Errorf("expected 2 failures, got %+v", r.Stats())
	}
}

func TestRelay_SkipsSelfCopy(t *testing.T) {
	b := bus.New(bus.Config{Logger: testLogger()})
	fc := &fakeCopier{}
	r := New(Config{
		Bus:    b,
		Copier: fc,
		Rules:  staticResolver{-100: {{ID: "loop", TargetChatID: -100}}},
		Logger: testLogger(),
	})

	runRelay(t, r, b, inbound(-100, 1, "hi"))

	if len(fc.snapshot()) != 0 {
		t.Error("a chat must not be copied into itself")
	}
}

func TestRelay_ResolverError(t *testing.T) {
	b := bus.New(bus.Config{Logger: testLogger()})
	fc := &fakeCopier{}
	r := New(Config{Bus: b, Copier: fc, Rules: failingResolver{}, Logger: testLogger()})

	runRelay(t, r, b, inbound(-100, 1, "hi"))

	if len(fc.snapshot()) != 0 {
		t.Error("no copies expected when rules cannot be resolved")
	}
}

func TestRelay_StopsOnContextCancel(t *testing.T) {
	b := bus.New(bus.Config{Logger: testLogger()})
	defer b.Close()
	r := New(Config{Bus: b, Copier: &fakeCopier{}, Rules: staticResolver{}, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}

func TestRelay_CopyTo(t *testing.T) {
	fc := &fakeCopier{}
	events := bus.NewEventBus(testLogger())
	r := New(Config{Copier: fc, Rules: staticResolver{}, Events: events, Logger: testLogger()})

	sent, err := r.CopyTo(context.Background(), &tgbotapi.Message{MessageID: 5, Text: "x"}, copier.Options{ChatID: 42})
	if err != nil {
		t.Fatalf("CopyTo: %v", err)
	}
	if sent.MessageID != 1005 {
		t.Errorf("unexpected sent id %d", sent.MessageID)
	}
	if events.Count(bus.EventCopySucceeded) != 1 {
		t.Error("expected a copy.succeeded event")
	}

	_, err = r.CopyTo(context.Background(), &tgbotapi.Message{MessageID: 6}, copier.Options{ChatID: 42})
	if !errors.Is(err, copier.ErrUnsupportedContentKind) {
		t.Fatalf("expected ErrUnsupportedContentKind, got %v", err)
	}
}

func TestShard(t *testing.T) {
	if shard(-1001, 4) != shard(-1001, 4) {
		t.Fatal("shard must be deterministic")
	}
	for _, id := range []int64{-1001234567890, 0, 7, -7} {
		if s := shard(id, 3); s < 0 || s >= 3 {
			t.Errorf("shard(%d) out of range: %d", id, s)
		}
	}
}
