package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"chatus/internal/core"
	"chatus/internal/push"
)

// Message types a page may post to the controller.
const (
	TypeSkipWaiting       = "SKIP_WAITING"
	TypeCacheURLs         = "CACHE_URLS"
	TypeNotificationClick = "NOTIFICATION_CLICK"
	TypeNotificationClose = "NOTIFICATION_CLOSE"
)

// Sync tags.
const (
	TagSyncMessages = "sync-messages"
	TagUpdateCache  = "update-cache"
)

var (
	// ErrUnknownMessage is returned for a message type the controller does not handle.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrUnknownSyncTag is returned for a sync tag the controller does not handle.
	ErrUnknownSyncTag = errors.New("unknown sync tag")
)

// Message is a command posted by a page.
type Message interface {
	MessageType() string
}

// SkipWaiting asks a waiting controller to activate now.
type SkipWaiting struct{}

// MessageType implements Message.
func (SkipWaiting) MessageType() string { return TypeSkipWaiting }

// CacheURLs asks the controller to fetch URLs into the dynamic namespace.
type CacheURLs struct {
	URLs []string
}

// MessageType implements Message.
func (CacheURLs) MessageType() string { return TypeCacheURLs }

// DecodeMessage parses a page message of the form {"type": "...", ...}.
func DecodeMessage(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return nil, core.NewInvalidRequestError("message is not valid JSON", nil)
	}
	doc := gjson.ParseBytes(raw)
	typ := doc.Get("type").String()

	switch typ {
	case TypeSkipWaiting:
		return SkipWaiting{}, nil
	case TypeCacheURLs:
		urls := doc.Get("urls")
		if !urls.IsArray() {
			return nil, core.NewInvalidRequestError("CACHE_URLS requires a urls array", nil)
		}
		msg := CacheURLs{URLs: []string{}}
		for _, u := range urls.Array() {
			if s := u.String(); s != "" {
				msg.URLs = append(msg.URLs, s)
			}
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, typ)
	}
}

// SyncEvent is a background sync request.
type SyncEvent interface {
	Tag() string
}

// SyncMessages tells the pages to flush their offline message queue.
type SyncMessages struct{}

// Tag implements SyncEvent.
func (SyncMessages) Tag() string { return TagSyncMessages }

// UpdateCache refreshes the install manifest in the static namespace.
type UpdateCache struct{}

// Tag implements SyncEvent.
func (UpdateCache) Tag() string { return TagUpdateCache }

// ParseSyncTag maps a one-off sync tag to its event.
func ParseSyncTag(tag string) (SyncEvent, error) {
	if tag == TagSyncMessages {
		return SyncMessages{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
}

// ParsePeriodicSyncTag maps a periodic sync tag to its event.
func ParsePeriodicSyncTag(tag string) (SyncEvent, error) {
	if tag == TagUpdateCache {
		return UpdateCache{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
}

// decodeClick parses {"type":"NOTIFICATION_CLICK","action":...,"notification":{...}}.
func decodeClick(raw []byte) (push.Click, error) {
	var click push.Click
	if err := json.Unmarshal(raw, &click); err != nil {
		return push.Click{}, core.NewInvalidRequestError("invalid notification click", err)
	}
	return click, nil
}

func decodeClose(raw []byte) (push.Close, error) {
	var closed push.Close
	if err := json.Unmarshal(raw, &closed); err != nil {
		return push.Close{}, core.NewInvalidRequestError("invalid notification close", err)
	}
	return closed, nil
}
