package notify

import (
	"fmt"
	"html"
	"strings"

	"subwatch/internal/snapshot"
)

// maxMessageRunes keeps rendered messages under the telegram hard limit with
// headroom for markup.
const maxMessageRunes = 3800

// Message is one rendered notification in both flavors a channel may want.
type Message struct {
	Text string
	HTML string
}

// Render turns an event into the outgoing message.
func Render(ev snapshot.Event) Message {
	switch ev.Kind {
	case snapshot.EventLiveStarted:
		title := ev.Live.Title
		return Message{
			Text: fmt.Sprintf("%s is now live: %s\n%s", ev.Live.Streamer, title, ev.Live.LiveURL),
			HTML: fmt.Sprintf("<b>%s is now live</b>\n%s\n%s",
				html.EscapeString(ev.Live.Streamer), html.EscapeString(title), anchor(ev.Live.LiveURL, "Watch")),
		}
	case snapshot.EventLiveEnded:
		return Message{
			Text: fmt.Sprintf("%s went offline", ev.Live.Streamer),
			HTML: fmt.Sprintf("<b>%s went offline</b>", html.EscapeString(ev.Live.Streamer)),
		}
	case snapshot.EventLiveTitle:
		return Message{
			Text: fmt.Sprintf("%s changed the live title to: %s\n%s", ev.Live.Streamer, ev.Live.Title, ev.Live.LiveURL),
			HTML: fmt.Sprintf("%s changed the live title to: %s\n%s",
				html.EscapeString(ev.Live.Streamer), html.EscapeString(ev.Live.Title), anchor(ev.Live.LiveURL, "Watch")),
		}
	case snapshot.EventNewItem:
		body := ev.Item.Title
		if ev.Item.Text != "" {
			body = ev.Item.Text
		}
		body = truncate(body, maxMessageRunes)
		author := ev.Item.Author
		if author == "" {
			author = ev.Subscription
		}
		return Message{
			Text: fmt.Sprintf("%s posted:\n%s\n%s", author, body, ev.Item.URL),
			HTML: fmt.Sprintf("<b>%s posted:</b>\n%s\n%s",
				html.EscapeString(author), html.EscapeString(body), anchor(ev.Item.URL, "Open")),
		}
	case snapshot.EventLog:
		msg := truncate(ev.Message, maxMessageRunes)
		return Message{
			Text: msg,
			HTML: html.EscapeString(msg),
		}
	default:
		return Message{Text: ev.String(), HTML: html.EscapeString(ev.String())}
	}
}

func anchor(url, label string) string {
	if url == "" {
		return ""
	}
	return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(label))
}

func truncate(s string, max int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max]) + "…"
}
