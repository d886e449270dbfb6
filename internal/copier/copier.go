package copier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnsupportedContentKind is returned when a message carries none of the
// content kinds the copier knows how to re-send. No request is made.
var ErrUnsupportedContentKind = errors.New("this type of message can't be copied")

// Client is the part of the Bot API client the copier needs.
// *tgbotapi.BotAPI satisfies it.
type Client interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

// Recorder receives one observation per finished copy attempt.
type Recorder interface {
	ObserveCopy(kind, result string, elapsed time.Duration)
}

// Options are the caller-supplied delivery settings. All fields are
// optional; either ChatID or ChannelUsername should identify the target.
type Options struct {
	ChatID                   int64
	ChannelUsername          string
	ThreadID                 int
	DisableNotification      bool
	ProtectContent           bool
	DisableWebPagePreview    bool
	ReplyToMessageID         int
	AllowSendingWithoutReply bool
	// ReplyMarkup overrides the message's own inline keyboard when set.
	ReplyMarkup any
}

// Config holds the copier dependencies.
type Config struct {
	Client   Client
	Logger   *slog.Logger
	Recorder Recorder
	Tracer   trace.Tracer
}

// Copier re-sends messages to other chats. It holds no per-call state and
// is safe for concurrent use.
type Copier struct {
	client   Client
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
}

// New creates a Copier.
func New(cfg Config) *Copier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("copybot/copier")
	}
	return &Copier{
		client:   cfg.Client,
		logger:   logger,
		recorder: cfg.Recorder,
		tracer:   tracer,
	}
}

// Build classifies msg and returns the request that would re-send it.
func Build(msg *tgbotapi.Message, opts Options) (Request, error) {
	content, err := Classify(msg)
	if err != nil {
		return nil, err
	}
	return buildRequest(msg, content, opts), nil
}

// Copy sends a copy of msg as described by opts and returns the message
// the Bot API created. Client errors are returned unchanged.
func (c *Copier) Copy(ctx context.Context, msg *tgbotapi.Message, opts Options) (*tgbotapi.Message, error) {
	content, err := Classify(msg)
	if err != nil {
		c.observe(KindUnknown, "unsupported", 0)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := buildRequest(msg, content, opts)
	kind := content.Kind()

	_, span := c.tracer.Start(ctx, "copier.Copy", trace.WithAttributes(
		attribute.String("copy.kind", kind.String()),
		attribute.String("copy.method", req.Method()),
		attribute.Int64("copy.chat_id", opts.ChatID),
	))
	defer span.End()

	params, err := req.Params()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.observe(kind, "error", 0)
		return nil, fmt.Errorf("build %s params: %w", req.Method(), err)
	}

	start := time.Now()
	resp, err := c.client.MakeRequest(req.Method(), params)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.observe(kind, "error", elapsed)
		c.logger.Warn("copy failed", "kind", kind, "method", req.Method(), "chat_id", opts.ChatID, "err", err)
		return nil, err
	}

	var sent tgbotapi.Message
	if err := json.Unmarshal(resp.Result, &sent); err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.observe(kind, "error", elapsed)
		return nil, fmt.Errorf("decode %s result: %w", req.Method(), err)
	}

	c.observe(kind, "ok", elapsed)
	span.SetAttributes(attribute.Int("copy.message_id", sent.MessageID))
	c.logger.Debug("message copied", "kind", kind, "chat_id", opts.ChatID, "message_id", sent.MessageID)
	return &sent, nil
}

func (c *Copier) observe(kind ContentKind, result string, elapsed time.Duration) {
	if c.recorder != nil {
		c.recorder.ObserveCopy(kind.String(), result, elapsed)
	}
}

func buildRequest(msg *tgbotapi.Message, content Content, opts Options) Request {
	base := chatParams{
		ChatID:                   opts.ChatID,
		ChannelUsername:          opts.ChannelUsername,
		ThreadID:                 opts.ThreadID,
		ReplyToMessageID:         opts.ReplyToMessageID,
		AllowSendingWithoutReply: opts.AllowSendingWithoutReply,
		DisableNotification:      opts.DisableNotification,
		ProtectContent:           opts.ProtectContent,
		ReplyMarkup:              replyMarkup(msg, opts),
	}
	text := renderedText(msg)

	switch v := content.(type) {
	case Text:
		return TextRequest{
			chatParams:            base,
			Text:                  text,
			ParseMode:             tgbotapi.ModeHTML,
			DisableWebPagePreview: opts.DisableWebPagePreview,
		}
	case Audio:
		return AudioRequest{
			chatParams: base,
			Audio:      v.FileID,
			Caption:    text,
			ParseMode:  tgbotapi.ModeHTML,
			Title:      v.Title,
			Performer:  v.Performer,
			Duration:   v.Duration,
		}
	case Animation:
		return media(base, "sendAnimation", "animation", v.FileID, text)
	case Document:
		return media(base, "sendDocument", "document", v.FileID, text)
	case Photo:
		return media(base, "sendPhoto", "photo", v.FileID, text)
	case Video:
		return media(base, "sendVideo", "video", v.FileID, text)
	case Voice:
		return media(base, "sendVoice", "voice", v.FileID, text)
	case Sticker:
		return FileRequest{chatParams: base, method: "sendSticker", Field: "sticker", FileID: v.FileID}
	case VideoNote:
		return FileRequest{chatParams: base, method: "sendVideoNote", Field: "video_note", FileID: v.FileID}
	case Contact:
		return ContactRequest{
			chatParams:  base,
			PhoneNumber: v.PhoneNumber,
			FirstName:   v.FirstName,
			LastName:    v.LastName,
			VCard:       v.VCard,
		}
	case Venue:
		return VenueRequest{
			chatParams:     base,
			Latitude:       v.Latitude,
			Longitude:      v.Longitude,
			Title:          v.Title,
			Address:        v.Address,
			FoursquareID:   v.FoursquareID,
			FoursquareType: v.FoursquareType,
		}
	case Location:
		return LocationRequest{chatParams: base, Latitude: v.Latitude, Longitude: v.Longitude}
	case Poll:
		return PollRequest{
			chatParams:            base,
			Question:              v.Question,
			Options:               v.Options,
			IsAnonymous:           v.IsAnonymous,
			AllowsMultipleAnswers: v.AllowsMultipleAnswers,
		}
	case Dice:
		return DiceRequest{chatParams: base, Emoji: v.Emoji}
	}
	// Classify only returns the variants above.
	panic(fmt.Sprintf("copier: unhandled content %T", content))
}

func media(base chatParams, method, field, fileID, caption string) MediaRequest {
	return MediaRequest{
		chatParams: base,
		method:     method,
		Field:      field,
		FileID:     fileID,
		Caption:    caption,
		ParseMode:  tgbotapi.ModeHTML,
	}
}

func replyMarkup(msg *tgbotapi.Message, opts Options) any {
	if !isNilMarkup(opts.ReplyMarkup) {
		return opts.ReplyMarkup
	}
	if msg.ReplyMarkup != nil {
		return msg.ReplyMarkup
	}
	return nil
}
