package copier

import (
	"reflect"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Request is one outbound Bot API call, built fresh per copy.
type Request interface {
	Method() string
	Params() (tgbotapi.Params, error)
}

// chatParams are the parameters every send method accepts.
type chatParams struct {
	ChatID                   int64
	ChannelUsername          string
	ThreadID                 int
	ReplyToMessageID         int
	AllowSendingWithoutReply bool
	DisableNotification      bool
	ProtectContent           bool
	ReplyMarkup              any
}

func (c chatParams) params() (tgbotapi.Params, error) {
	params := make(tgbotapi.Params)

	if err := params.AddFirstValid("chat_id", c.ChatID, c.ChannelUsername); err != nil {
		return params, err
	}
	params.AddNonZero("message_thread_id", c.ThreadID)
	params.AddNonZero("reply_to_message_id", c.ReplyToMessageID)
	params.AddBool("allow_sending_without_reply", c.AllowSendingWithoutReply)
	params.AddBool("disable_notification", c.DisableNotification)
	params.AddBool("protect_content", c.ProtectContent)

	err := params.AddInterface("reply_markup", c.ReplyMarkup)
	return params, err
}

// TextRequest maps to sendMessage.
type TextRequest struct {
	chatParams
	Text                  string
	ParseMode             string
	DisableWebPagePreview bool
}

func (r TextRequest) Method() string { return "sendMessage" }

func (r TextRequest) Params() (tgbotapi.Params, error) {
	params, err := r.chatParams.params()
	if err != nil {
		return params, err
	}
	params.AddNonEmpty("text", r.Text)
	params.AddNonEmpty("parse_mode", r.ParseMode)
	params.AddBool("disable_web_page_preview", r.DisableWebPagePreview)
	return params, nil
}

// AudioRequest maps to sendAudio.
type AudioRequest struct {
	chatParams
	Audio     string
	Caption   string
	ParseMode string
	Title     string
	Performer string
	Duration  int
}

func (r AudioRequest) Method() string { return "sendAudio" }

func (r AudioRequest) Params() (tgbotapi.Params, error) {
	params, err := r.chatParams.params()
	if err != nil {
		return params, err
	}
	params.AddNonEmpty("audio", r.Audio)
	params.AddNonEmpty("caption", r.Caption)
	params.AddNonEmpty("parse_mode", r.ParseMode)
	params.AddNonEmpty("title", r.Title)
	params.AddNonEmpty("performer", r.Performer)
	params.AddNonZero("duration", r.Duration)
	return params, nil
}

// MediaRequest maps to the captioned single-file methods: sendAnimation,
// sendDocument, sendPhoto, sendVideo and sendVoice. Field is the name of
// the file parameter ("photo", "video", ...).
type MediaRequest struct {
	chatParams
	method    string
	Field     string
	FileID    string
	Caption   string
	ParseMode string
}

func (r MediaRequest) Method() string { return r.method }

func (r MediaRequest) Params() (tgbotapi.Params, error) {
	params, err := r.chatParams.params()
	if err != nil {
		return params, err
	}
	params.AddNonEmpty(r.Field, r.FileID)
	params.AddNonEmpty("caption", r.Caption)
	params.AddNonEmpty("parse_mode", r.ParseMode)
	return params, nil
}

// FileRequest maps to the caption-less file methods sendSticker and
// sendVideoNote. It never carries a parse mode.
type FileRequest struct {
	chatParams
	method string
	Field  string
	FileID string
}

func (r FileRequest) Method() string { return r.method }

func (r FileRequest) Params() (tgbotapi.Params, error) {
	params, err := r.chatParams.params()
	if err != nil {
		return params, err
	}
	params.AddNonEmpty(r.Field, r.FileID)
	return params, nil
}

// ContactRequest maps to sendContact.
type ContactRequest struct {
	chatParams
	PhoneNumber string
	FirstName   string
	LastName    string
	VCard       string
}

func (r ContactRequest) Method() string { return "sendContact" }

func (r ContactRequest) Params() (tgbotapi.Params, error) {
	params, err := r.chatParams.params()
	if err != nil {
		return params, err
	}
	params["phone_number"] = r.PhoneNumber
	params["first_name"] = r.FirstName
	params.AddNonEmpty("last_name", r.LastName)
	params.AddNonEmpty("vcard", r.VCard)
	return params, nil
}

// VenueRequest maps to sendVenue.
type VenueRequest struct {
	chatParams
	Latitude       float64
	Longitude      float64
	Title          string
	Address        string
	FoursquareID   string
	FoursquareType string
}

func (r VenueRequest) Method() string { return "sendVenue" }

func (r VenueRequest) Params() (tgbotapi.Params, error) {
	params, err := r.chatParams.params()
	if err != nil {
		return params, err
	}
	params["latitude"] = formatCoordinate(r.Latitude)
	params["longitude"] = formatCoordinate(r.Longitude)
	params["title"] = r.Title
	params["address"] = r.Address
	params.AddNonEmpty("foursquare_id", r.FoursquareID)
	params.AddNonEmpty("foursquare_type", r.FoursquareType)
	return params, nil
}

// LocationRequest maps to sendLocation.
type LocationRequest struct {
	chatParams
	Latitude  float64
	Longitude float64
}

func (r LocationRequest) Method() string { return "sendLocation" }

func (r LocationRequest) Params() (tgbotapi.Params, error) {
	params, err := r.chatParams.params()
	if err != nil {
		return params, err
	}
	params["latitude"] = formatCoordinate(r.Latitude)
	params["longitude"] = formatCoordinate(r.Longitude)
	return params, nil
}

// PollRequest maps to sendPoll.
type PollRequest struct {
	chatParams
	Question              string
	Options               []string
	IsAnonymous           bool
	AllowsMultipleAnswers bool
}

func (r PollRequest) Method() string { return "sendPoll" }

func (r PollRequest) Params() (tgbotapi.Params, error) {
	params, err := r.chatParams.params()
	if err != nil {
		return params, err
	}
	params["question"] = r.Question
	if err := params.AddInterface("options", r.Options); err != nil {
		return params, err
	}
	params["is_anonymous"] = strconv.FormatBool(r.IsAnonymous)
	params["allows_multiple_answers"] = strconv.FormatBool(r.AllowsMultipleAnswers)
	return params, nil
}

// DiceRequest maps to sendDice.
type DiceRequest struct {
	chatParams
	Emoji string
}

func (r DiceRequest) Method() string { return "sendDice" }

func (r DiceRequest) Params() (tgbotapi.Params, error) {
	params, err := r.chatParams.params()
	if err != nil {
		return params, err
	}
	params.AddNonEmpty("emoji", r.Emoji)
	return params, nil
}

// formatCoordinate keeps zero coordinates (equator, prime meridian), which
// Params.AddNonZeroFloat would drop, and never rounds.
func formatCoordinate(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// isNilMarkup reports whether a reply markup value is absent, including a
// typed nil pointer stored in the interface.
func isNilMarkup(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
