package copier

import (
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// renderedText returns the HTML form of the message text, or of its caption
// when there is no text. It is empty when the message has neither.
func renderedText(msg *tgbotapi.Message) string {
	if msg.Text != "" {
		return RenderHTML(msg.Text, msg.Entities)
	}
	if msg.Caption != "" {
		return RenderHTML(msg.Caption, msg.CaptionEntities)
	}
	return ""
}

// RenderHTML renders text with its formatting entities as Telegram HTML.
// Entity offsets and lengths count UTF-16 code units. Entities may nest;
// text outside any tag is escaped.
func RenderHTML(text string, entities []tgbotapi.MessageEntity) string {
	if len(entities) == 0 {
		return escapeHTML(text)
	}

	sorted := make([]tgbotapi.MessageEntity, len(entities))
	copy(sorted, entities)
	// Outer entities first when two start at the same offset.
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Offset != sorted[j].Offset {
			return sorted[i].Offset < sorted[j].Offset
		}
		return sorted[i].Length > sorted[j].Length
	})

	units := utf16.Encode([]rune(text))
	return renderRange(units, sorted, 0, len(units))
}

// renderRange renders units[offset:end] with entities, which must be sorted
// by offset and then by length, longest first. Entities that start inside an earlier entity are rendered as
// its children.
func renderRange(units []uint16, entities []tgbotapi.MessageEntity, offset, end int) string {
	var b strings.Builder

	for i, e := range entities {
		start := clampUnit(e.Offset, end)
		if start < offset {
			continue
		}
		if start > offset {
			b.WriteString(escapeUnits(units[offset:start]))
		}
		offset = clampUnit(e.Offset+e.Length, end)

		var children []tgbotapi.MessageEntity
		for _, next := range entities[i+1:] {
			if next.Offset < offset {
				children = append(children, next)
			}
		}
		b.WriteString(wrapEntity(e, renderRange(units, children, start, offset)))
	}

	if offset < end {
		b.WriteString(escapeUnits(units[offset:end]))
	}
	return b.String()
}

func wrapEntity(e tgbotapi.MessageEntity, inner string) string {
	switch e.Type {
	case "bold":
		return "<b>" + inner + "</b>"
	case "italic":
		return "<i>" + inner + "</i>"
	case "underline":
		return "<u>" + inner + "</u>"
	case "strikethrough":
		return "<s>" + inner + "</s>"
	case "spoiler":
		return "<tg-spoiler>" + inner + "</tg-spoiler>"
	case "code":
		return "<code>" + inner + "</code>"
	case "pre":
		if e.Language != "" {
			return `<pre><code class="language-` + escapeAttr(e.Language) + `">` + inner + "</code></pre>"
		}
		return "<pre>" + inner + "</pre>"
	case "text_link":
		return `<a href="` + escapeAttr(e.URL) + `">` + inner + "</a>"
	case "text_mention":
		if e.User != nil {
			return `<a href="tg://user?id=` + strconv.FormatInt(e.User.ID, 10) + `">` + inner + "</a>"
		}
		return inner
	case "blockquote":
		return "<blockquote>" + inner + "</blockquote>"
	}
	// mention, hashtag, cashtag, bot_command, url, email, phone_number:
	// Telegram re-detects these from the plain text.
	return inner
}

func clampUnit(v, end int) int {
	if v < 0 {
		return 0
	}
	if v > end {
		return end
	}
	return v
}

func escapeUnits(units []uint16) string {
	return escapeHTML(string(utf16.Decode(units)))
}

func escapeHTML(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeHTML, s)
}

func escapeAttr(s string) string {
	return strings.ReplaceAll(escapeHTML(s), `"`, "&quot;")
}
