// Package push turns push payloads into notifications and routes
// notification clicks back into application windows.
package push

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Notification defaults.
const (
	DefaultTitle = "ChatUs"
	DefaultBody  = "Новое сообщение"
	DefaultIcon  = "/icons/icon-192x192.png"
	DefaultBadge = "/icons/icon-192x192.png"
	DefaultTag   = "chat-message"

	ActionReply = "reply"
	ActionView  = "view"
)

// Payload formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// DefaultVibrate is the vibration pattern of every chat notification.
var DefaultVibrate = []int{200, 100, 200}

// Payload is a decoded push message. Every field is optional.
type Payload struct {
	Title  string
	Body   string
	Icon   string
	Badge  string
	Image  string
	Tag    string
	Data   json.RawMessage
	Format string
}

// ParsePayload decodes raw as a JSON object. Anything else is treated as a
// plain text body under the generic title; a JSON string is unquoted first.
func ParsePayload(raw []byte) Payload {
	body := strings.TrimSpace(string(raw))
	if gjson.ValidBytes(raw) {
		doc := gjson.ParseBytes(raw)
		if doc.Type == gjson.String {
			body = doc.String()
		}
		if doc.IsObject() {
			p := Payload{
				Title:  doc.Get("title").String(),
				Body:   doc.Get("body").String(),
				Icon:   doc.Get("icon").String(),
				Badge:  doc.Get("badge").String(),
				Image:  doc.Get("image").String(),
				Tag:    doc.Get("tag").String(),
				Format: FormatJSON,
			}
			if data := doc.Get("data"); data.Exists() {
				p.Data = json.RawMessage(data.Raw)
			}
			return p
		}
	}
	return Payload{
		Title:  DefaultTitle,
		Body:   body,
		Format: FormatText,
	}
}

// Action is a notification button.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is what a window displays through the Notifications API.
type Notification struct {
	Title   string          `json:"title"`
	Body    string          `json:"body"`
	Icon    string          `json:"icon"`
	Badge   string          `json:"badge"`
	Image   string          `json:"image,omitempty"`
	Tag     string          `json:"tag"`
	Data    json.RawMessage `json:"data"`
	Vibrate []int           `json:"vibrate"`
	Actions []Action        `json:"actions"`
}

// BuildNotification fills in a default for every field the payload left out.
func BuildNotification(p Payload) Notification {
	n := Notification{
		Title:   orDefault(p.Title, DefaultTitle),
		Body:    orDefault(p.Body, DefaultBody),
		Icon:    orDefault(p.Icon, DefaultIcon),
		Badge:   orDefault(p.Badge, DefaultBadge),
		Image:   p.Image,
		Tag:     orDefault(p.Tag, DefaultTag),
		Data:    p.Data,
		Vibrate: append([]int(nil), DefaultVibrate...),
		Actions: []Action{
			{Action: ActionReply, Title: "Ответить"},
			{Action: ActionView, Title: "Открыть"},
		},
	}
	if len(n.Data) == 0 {
		n.Data = json.RawMessage("{}")
	}
	return n
}

// RoomID returns data.roomId, or "" if absent.
func (n Notification) RoomID() string {
	return gjson.GetBytes(n.Data, "roomId").String()
}

// MessageID returns data.messageId, or "" if absent.
func (n Notification) MessageID() string {
	return gjson.GetBytes(n.Data, "messageId").String()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
