package copier

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ContentKind identifies the single payload type carried by a message.
type ContentKind int

const (
	KindUnknown ContentKind = iota
	KindText
	KindAudio
	KindAnimation
	KindDocument
	KindPhoto
	KindSticker
	KindVideo
	KindVideoNote
	KindVoice
	KindContact
	KindVenue
	KindLocation
	KindPoll
	KindDice
)

var kindNames = map[ContentKind]string{
	KindUnknown:   "unknown",
	KindText:      "text",
	KindAudio:     "audio",
	KindAnimation: "animation",
	KindDocument:  "document",
	KindPhoto:     "photo",
	KindSticker:   "sticker",
	KindVideo:     "video",
	KindVideoNote: "video_note",
	KindVoice:     "voice",
	KindContact:   "contact",
	KindVenue:     "venue",
	KindLocation:  "location",
	KindPoll:      "poll",
	KindDice:      "dice",
}

func (k ContentKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Content is the classified payload of a message. Exactly one variant
// type exists per ContentKind and each carries only that kind's fields.
type Content interface {
	Kind() ContentKind
}

type Text struct {
	Text     string
	Entities []tgbotapi.MessageEntity
}

type Audio struct {
	FileID    string
	Title     string
	Performer string
	Duration  int
}

type Animation struct{ FileID string }

type Document struct{ FileID string }

// Photo holds the file id of the largest available size.
type Photo struct{ FileID string }

type Sticker struct{ FileID string }

type Video struct{ FileID string }

type VideoNote struct{ FileID string }

type Voice struct{ FileID string }

type Contact struct {
	PhoneNumber string
	FirstName   string
	LastName    string
	VCard       string
}

type Venue struct {
	Latitude       float64
	Longitude      float64
	Title          string
	Address        string
	FoursquareID   string
	FoursquareType string
}

type Location struct {
	Latitude  float64
	Longitude float64
}

// Poll carries only the regular-poll settings. Quiz fields (correct option,
// explanation) are not copied.
type Poll struct {
	Question              string
	Options               []string
	IsAnonymous           bool
	AllowsMultipleAnswers bool
}

type Dice struct{ Emoji string }

func (Text) Kind() ContentKind      { return KindText }
func (Audio) Kind() ContentKind     { return KindAudio }
func (Animation) Kind() ContentKind { return KindAnimation }
func (Document) Kind() ContentKind  { return KindDocument }
func (Photo) Kind() ContentKind     { return KindPhoto }
func (Sticker) Kind() ContentKind   { return KindSticker }
func (Video) Kind() ContentKind     { return KindVideo }
func (VideoNote) Kind() ContentKind { return KindVideoNote }
func (Voice) Kind() ContentKind     { return KindVoice }
func (Contact) Kind() ContentKind   { return KindContact }
func (Venue) Kind() ContentKind     { return KindVenue }
func (Location) Kind() ContentKind  { return KindLocation }
func (Poll) Kind() ContentKind      { return KindPoll }
func (Dice) Kind() ContentKind      { return KindDice }

// Classify inspects msg in fixed priority order (text, audio, animation,
// document, photo, sticker, video, video note, voice, contact, venue,
// location, poll, dice) and returns the first populated content.
//
// Animation is checked before document because Telegram also fills the
// document field for animations. Venue is checked before location for the
// same reason.
func Classify(msg *tgbotapi.Message) (Content, error) {
	if msg == nil {
		return nil, ErrUnsupportedContentKind
	}

	switch {
	case msg.Text != "":
		return Text{Text: msg.Text, Entities: msg.Entities}, nil
	case msg.Audio != nil:
		return Audio{
			FileID:    msg.Audio.FileID,
			Title:     msg.Audio.Title,
			Performer: msg.Audio.Performer,
			Duration:  msg.Audio.Duration,
		}, nil
	case msg.Animation != nil:
		return Animation{FileID: msg.Animation.FileID}, nil
	case msg.Document != nil:
		return Document{FileID: msg.Document.FileID}, nil
	case len(msg.Photo) > 0:
		return Photo{FileID: msg.Photo[len(msg.Photo)-1].FileID}, nil
	case msg.Sticker != nil:
		return Sticker{FileID: msg.Sticker.FileID}, nil
	case msg.Video != nil:
		return Video{FileID: msg.Video.FileID}, nil
	case msg.VideoNote != nil:
		return VideoNote{FileID: msg.VideoNote.FileID}, nil
	case msg.Voice != nil:
		return Voice{FileID: msg.Voice.FileID}, nil
	case msg.Contact != nil:
		return Contact{
			PhoneNumber: msg.Contact.PhoneNumber,
			FirstName:   msg.Contact.FirstName,
			LastName:    msg.Contact.LastName,
			VCard:       msg.Contact.VCard,
		}, nil
	case msg.Venue != nil:
		return Venue{
			Latitude:       msg.Venue.Location.Latitude,
			Longitude:      msg.Venue.Location.Longitude,
			Title:          msg.Venue.Title,
			Address:        msg.Venue.Address,
			FoursquareID:   msg.Venue.FoursquareID,
			FoursquareType: msg.Venue.FoursquareType,
		}, nil
	case msg.Location != nil:
		return Location{
			Latitude:  msg.Location.Latitude,
			Longitude: msg.Location.Longitude,
		}, nil
	case msg.Poll != nil:
		options := make([]string, 0, len(msg.Poll.Options))
		for _, opt := range msg.Poll.Options {
			options = append(options, opt.Text)
		}
		return Poll{
			Question:              msg.Poll.Question,
			Options:               options,
			IsAnonymous:           msg.Poll.IsAnonymous,
			AllowsMultipleAnswers: msg.Poll.AllowsMultipleAnswers,
		}, nil
	case msg.Dice != nil:
		return Dice{Emoji: msg.Dice.Emoji}, nil
	}

	return nil, ErrUnsupportedContentKind
}
