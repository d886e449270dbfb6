package copier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type call struct {
	method string
	params tgbotapi.Params
}

// fakeClient records every request and answers with a canned message.
type fakeClient struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeClient) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{method: endpoint, params: params})
	if f.err != nil {
		return &tgbotapi.APIResponse{}, f.err
	}
	return &tgbotapi.APIResponse{
		Ok:     true,
		Result: json.RawMessage(`{"message_id":42,"date":1700000000,"chat":{"id":-100,"type":"supergroup"}}`),
	}, nil
}

func (f *fakeClient) last(t *testing.T) call {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("expected a request, got none")
	}
	return f.calls[len(f.calls)-1]
}

type recordedCopy struct {
	kind, result string
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []recordedCopy
}

func (r *fakeRecorder) ObserveCopy(kind, result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, recordedCopy{kind, result})
}

func newTestCopier(client Client) *Copier {
	return New(Config{Client: client, Logger: testLogger()})
}

func TestCopy_Text(t *testing.T) {
	client := &fakeClient{}
	c := newTestCopier(client)

	msg := &tgbotapi.Message{
		Text:     "hello <world>",
		Entities: []tgbotapi.MessageEntity{{Type: "bold", Offset: 0, Length: 5}},
	}
	sent, err := c.Copy(context.Background(), msg, Options{ChatID: -100, DisableWebPagePreview: true})
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if sent.MessageID != 42 {
		t.Errorf("expected message id 42, got %d", sent.MessageID)
	}

	got := client.last(t)
	if got.method != "sendMessage" {
		t.Fatalf("expected sendMessage, got %s", got.method)
	}
	if got.params["text"] != "<b>hello</b> &lt;world&gt;" {
		t.Errorf("unexpected text %q", got.params["text"])
	}
	if got.params["parse_mode"] != "HTML" {
		t.Errorf("expected parse_mode HTML, got %q", got.params["parse_mode"])
	}
	if got.params["disable_web_page_preview"] != "true" {
		t.Errorf("expected disable_web_page_preview=true, got %q", got.params["disable_web_page_preview"])
	}
	if got.params["chat_id"] != "-100" {
		t.Errorf("expected chat_id -100, got %q", got.params["chat_id"])
	}
}

func TestCopy_TextPreviewDefault(t *testing.T) {
	client := &fakeClient{}
	c := newTestCopier(client)

	if _, err := c.Copy(context.Background(), &tgbotapi.Message{Text: "https://example.com"}, Options{ChatID: 1}); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if _, ok := client.last(t).params["disable_web_page_preview"]; ok {
		t.Error("preview flag should be absent when not requested")
	}
}

func TestCopy_PhotoUsesLargestSize(t *testing.T) {
	client := &fakeClient{}
	c := newTestCopier(client)

	msg := &tgbotapi.Message{
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", Width: 90},
			{FileID: "medium", Width: 320},
			{FileID: "large", Width: 1280},
		},
		Caption:         "look & see",
		CaptionEntities: []tgbotapi.MessageEntity{{Type: "italic", Offset: 0, Length: 4}},
	}
	if _, err := c.Copy(context.Background(), msg, Options{ChatID: 7}); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	got := client.last(t)
	if got.method != "sendPhoto" {
		t.Fatalf("expected sendPhoto, got %s", got.method)
	}
	if got.params["photo"] != "large" {
		t.Errorf("expected largest size, got %q", got.params["photo"])
	}
	if got.params["caption"] != "<i>look</i> &amp; see" {
		t.Errorf("unexpected caption %q", got.params["caption"])
	}
	if got.params["parse_mode"] != "HTML" {
		t.Errorf("expected parse_mode HTML, got %q", got.params["parse_mode"])
	}
}

func TestCopy_StickerHasNoParseMode(t *testing.T) {
	client := &fakeClient{}
	c := newTestCopier(client)

	msg := &tgbotapi.Message{Sticker: &tgbotapi.Sticker{FileID: "stk"}}
	if _, err := c.Copy(context.Background(), msg, Options{ChatID: 7, DisableNotification: true}); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	got := client.last(t)
	if got.method != "sendSticker" {
		t.Fatalf("expected sendSticker, got %s", got.method)
	}
	if _, ok := got.params["parse_mode"]; ok {
		t.Error("sticker request must not carry parse_mode")
	}
	if got.params["sticker"] != "stk" {
		t.Errorf("expected sticker file id, got %q", got.params["sticker"])
	}
	if got.params["disable_notification"] != "true" {
		t.Errorf("expected disable_notification, got %q", got.params["disable_notification"])
	}
}

func TestCopy_PollOptionsInOrder(t *testing.T) {
	client := &fakeClient{}
	c := newTestCopier(client)

	msg := &tgbotapi.Message{Poll: &tgbotapi.Poll{
		Question: "Lunch?",
		Options: []tgbotapi.PollOption{
			{Text: "Pizza", VoterCount: 3},
			{Text: "Sushi", VoterCount: 1},
			{Text: "Salad"},
		},
		IsAnonymous:           false,
		AllowsMultipleAnswers: true,
		Type:                  "quiz",
		CorrectOptionID:       1,
		Explanation:           "obviously",
	}}
	if _, err := c.Copy(context.Background(), msg, Options{ChatID: 7}); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	got := client.last(t)
	if got.method != "sendPoll" {
		t.Fatalf("expected sendPoll, got %s", got.method)
	}
	var options []string
	if err := json.Unmarshal([]byte(got.params["options"]), &options); err != nil {
		t.Fatalf("decode options: %v", err)
	}
	want := []string{"Pizza", "Sushi", "Salad"}
	if strings.Join(options, "|") != strings.Join(want, "|") {
		t.Errorf("expected options %v, got %v", want, options)
	}
	if got.params["is_anonymous"] != "false" {
		t.Errorf("expected is_anonymous=false, got %q", got.params["is_anonymous"])
	}
	if got.params["allows_multiple_answers"] != "true" {
		t.Errorf("expected allows_multiple_answers=true, got %q", got.params["allows_multiple_answers"])
	}
	for _, key := range []string{"type", "correct_option_id", "explanation", "parse_mode"} {
		if _, ok := got.params[key]; ok {
			t.Errorf("poll request should not carry %s", key)
		}
	}
}

func TestCopy_UnsupportedMakesNoRequest(t *testing.T) {
	client := &fakeClient{}
	rec := &fakeRecorder{}
	c := New(Config{Client: client, Logger: testLogger(), Recorder: rec})

	msg := &tgbotapi.Message{MessageID: 5, NewChatTitle: "renamed"}
	_, err := c.Copy(context.Background(), msg, Options{ChatID: 7})
	if !errors.Is(err, ErrUnsupportedContentKind) {
		t.Fatalf("expected ErrUnsupportedContentKind, got %v", err)
	}
	if len(client.calls) != 0 {
		t.Errorf("expected no request, got %d", len(client.calls))
	}
	if len(rec.seen) != 1 || rec.seen[0].result != "unsupported" {
		t.Errorf("expected one unsupported observation, got %+v", rec.seen)
	}
}

func TestCopy_NilMessage(t *testing.T) {
	c := newTestCopier(&fakeClient{})
	if _, err := c.Copy(context.Background(), nil, Options{ChatID: 7}); !errors.Is(err, ErrUnsupportedContentKind) {
		t.Fatalf("expected ErrUnsupportedContentKind, got %v", err)
	}
}

func TestCopy_ReplyMarkupOverrideWins(t *testing.T) {
	client := &fakeClient{}
	c := newTestCopier(client)

	own := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("own", "https://own.example")),
	)
	override := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("override", "x")),
	)
	msg := &tgbotapi.Message{Text: "hi", ReplyMarkup: &own}

	if _, err := c.Copy(context.Background(), msg, Options{ChatID: 7, ReplyMarkup: override}); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	markup := client.last(t).params["reply_markup"]
	if !strings.Contains(markup, `"override"`) || strings.Contains(markup, "own.example") {
		t.Errorf("expected override markup, got %s", markup)
	}
}

func TestCopy_ReplyMarkupFallsBackToOwn(t *testing.T) {
	client := &fakeClient{}
	c := newTestCopier(client)

	own := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("own", "https://own.example")),
	)
	msg := &tgbotapi.Message{Text: "hi", ReplyMarkup: &own}

	var nilOverride *tgbotapi.InlineKeyboardMarkup
	if _, err := c.Copy(context.Background(), msg, Options{ChatID: 7, ReplyMarkup: nilOverride}); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if markup := client.last(t).params["reply_markup"]; !strings.Contains(markup, "own.example") {
		t.Errorf("expected own markup, got %q", markup)
	}
}

func TestCopy_NoMarkup(t *testing.T) {
	client := &fakeClient{}
	c := newTestCopier(client)

	if _, err := c.Copy(context.Background(), &tgbotapi.Message{Text: "hi"}, Options{ChatID: 7}); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if _, ok := client.last(t).params["reply_markup"]; ok {
		t.Error("reply_markup should be absent")
	}
}

func TestCopy_DeliveryOptions(t *testing.T) {
	client := &fakeClient{}
	c := newTestCopier(client)

	opts := Options{
		ChannelUsername:          "@news",
		ThreadID:                 12,
		ProtectContent:           true,
		ReplyToMessageID:         99,
		AllowSendingWithoutReply: true,
	}
	if _, err := c.Copy(context.Background(), &tgbotapi.Message{Dice: &tgbotapi.Dice{Emoji: "🎯", Value: 6}}, opts); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	got := client.last(t)
	want := map[string]string{
		"chat_id":                     "@news",
		"message_thread_id":           "12",
		"protect_content":             "true",
		"reply_to_message_id":         "99",
		"allow_sending_without_reply": "true",
		"emoji":                       "🎯",
	}
	for k, v := range want {
		if got.params[k] != v {
			t.Errorf("param %s: expected %q, got %q", k, v, got.params[k])
		}
	}
	if _, ok := got.params["value"]; ok {
		t.Error("dice value must not be copied")
	}
}

func TestCopy_ClientErrorUnchanged(t *testing.T) {
	apiErr := &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}
	client := &fakeClient{err: apiErr}
	rec := &fakeRecorder{}
	c := New(Config{Client: client, Logger: testLogger(), Recorder: rec})

	_, err := c.Copy(context.Background(), &tgbotapi.Message{Text: "hi"}, Options{ChatID: 7})
	if err != apiErr {
		t.Fatalf("expected the client error unchanged, got %v", err)
	}
	if len(rec.seen) != 1 || rec.seen[0] != (recordedCopy{"text", "error"}) {
		t.Errorf("unexpected observations %+v", rec.seen)
	}
}

func TestCopy_CanceledContext(t *testing.T) {
	client := &fakeClient{}
	c := newTestCopier(client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Copy(ctx, &tgbotapi.Message{Text: "hi"}, Options{ChatID: 7}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(client.calls) != 0 {
		t.Error("canceled copy must not reach the client")
	}
}

func TestCopy_VenueAndLocation(t *testing.T) {
	client := &fakeClient{}
	c := newTestCopier(client)

	venue := &tgbotapi.Message{
		Venue: &tgbotapi.Venue{
			Location:     tgbotapi.Location{Latitude: 48.8584, Longitude: 2.2945},
			Title:        "Eiffel Tower",
			Address:      "Champ de Mars",
			FoursquareID: "4adcda",
		},
		Location: &tgbotapi.Location{Latitude: 48.8584, Longitude: 2.2945},
	}
	if _, err := c.Copy(context.Background(), venue, Options{ChatID: 7}); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	got := client.last(t)
	if got.method != "sendVenue" {
		t.Fatalf("expected sendVenue, got %s", got.method)
	}
	if got.params["latitude"] != "48.8584" || got.params["longitude"] != "2.2945" {
		t.Errorf("unexpected venue coordinates %v", got.params)
	}
	if got.params["title"] != "Eiffel Tower" || got.params["foursquare_id"] != "4adcda" {
		t.Errorf("unexpected venue params %v", got.params)
	}
	if _, ok := got.params["parse_mode"]; ok {
		t.Error("venue request must not carry parse_mode")
	}

	loc := &tgbotapi.Message{Location: &tgbotapi.Location{Latitude: 0, Longitude: -0.1276}}
	if _, err := c.Copy(context.Background(), loc, Options{ChatID: 7}); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	got = client.last(t)
	if got.method != "sendLocation" {
		t.Fatalf("expected sendLocation, got %s", got.method)
	}
	if got.params["latitude"] != "0" {
		t.Errorf("zero latitude must be sent, got %q", got.params["latitude"])
	}

	precise := &tgbotapi.Message{Location: &tgbotapi.Location{Latitude: 12.1234567891, Longitude: -98.7654321012}}
	if _, err := c.Copy(context.Background(), precise, Options{ChatID: 7}); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	got = client.last(t)
	if got.params["latitude"] != "12.1234567891" || got.params["longitude"] != "-98.7654321012" {
		t.Errorf("coordinates were rounded: %q, %q", got.params["latitude"], got.params["longitude"])
	}
}

func TestBuild_MethodPerKind(t *testing.T) {
	cases := []struct {
		name   string
		msg    *tgbotapi.Message
		method string
		field  string
	}{
		{"audio", &tgbotapi.Message{Audio: &tgbotapi.Audio{FileID: "a", Title: "t", Performer: "p", Duration: 30}}, "sendAudio", "audio"},
		{"animation", &tgbotapi.Message{Animation: &tgbotapi.Animation{FileID: "gif"}, Document: &tgbotapi.Document{FileID: "gif"}}, "sendAnimation", "animation"},
		{"document", &tgbotapi.Message{Document: &tgbotapi.Document{FileID: "doc"}}, "sendDocument", "document"},
		{"video", &tgbotapi.Message{Video: &tgbotapi.Video{FileID: "vid"}}, "sendVideo", "video"},
		{"video_note", &tgbotapi.Message{VideoNote: &tgbotapi.VideoNote{FileID: "vn"}}, "sendVideoNote", "video_note"},
		{"voice", &tgbotapi.Message{Voice: &tgbotapi.Voice{FileID: "v"}}, "sendVoice", "voice"},
		{"contact", &tgbotapi.Message{Contact: &tgbotapi.Contact{PhoneNumber: "+100", FirstName: "Ann"}}, "sendContact", "phone_number"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := Build(tc.msg, Options{ChatID: 1})
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if req.Method() != tc.method {
				t.Fatalf("expected %s, got %s", tc.method, req.Method())
			}
			params, err := req.Params()
			if err != nil {
				t.Fatalf("Params: %v", err)
			}
			if params[tc.field] == "" {
				t.Errorf("expected %s to be set, got %v", tc.field, params)
			}
		})
	}
}

func TestBuild_AudioMetadata(t *testing.T) {
	req, err := Build(&tgbotapi.Message{
		Audio:   &tgbotapi.Audio{FileID: "a", Title: "Song", Performer: "Band", Duration: 215},
		Caption: "new single",
	}, Options{ChatID: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	params, _ := req.Params()
	if params["title"] != "Song" || params["performer"] != "Band" || params["duration"] != "215" {
		t.Errorf("unexpected audio params %v", params)
	}
	if params["caption"] != "new single" {
		t.Errorf("unexpected caption %q", params["caption"])
	}
}

// TestCopy_ThroughBotAPI drives the copier with a real BotAPI client against
// a fake Bot API server.
func TestCopy_ThroughBotAPI(t *testing.T) {
	var (
		mu      sync.Mutex
		methods []string
		form    map[string][]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		mu.Lock()
		methods = append(methods, method)
		if method != "getMe" {
			form = r.PostForm
		}
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "getMe":
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"copy","username":"copy_bot"}}`)
		case "sendVoice":
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":77,"date":1700000000,"chat":{"id":5,"type":"private"}}}`)
		default:
			_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
		}
	}))
	defer srv.Close()

	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint("123:abc", srv.URL+"/bot%s/%s")
	if err != nil {
		t.Fatalf("NewBotAPI: %v", err)
	}
	c := newTestCopier(bot)

	sent, err := c.Copy(context.Background(), &tgbotapi.Message{Voice: &tgbotapi.Voice{FileID: "voice-1"}}, Options{ChatID: 5})
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if sent.MessageID != 77 || sent.Chat == nil || sent.Chat.ID != 5 {
		t.Errorf("unexpected sent message %+v", sent)
	}

	mu.Lock()
	if got := form["voice"]; len(got) != 1 || got[0] != "voice-1" {
		t.Errorf("expected voice=voice-1, got %v", got)
	}
	mu.Unlock()

	_, err = c.Copy(context.Background(), &tgbotapi.Message{Text: "hi"}, Options{ChatID: 6})
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != 400 {
		t.Fatalf("expected Bot API error 400, got %v", err)
	}
}
