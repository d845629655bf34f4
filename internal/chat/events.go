package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"frutiger-messenger/internal/storage"

	"github.com/samber/lo"
	"github.com/valyala/fastjson"
)

// Event types exchanged over the realtime connection
const (
	EventJoin        = "join"
	EventLeave       = "leave"
	EventChatMessage = "chat_message"
	EventHistory     = "history"
	EventError       = "error"
)

// MessagePayload is the JSON shape of a message in history responses and live events
type MessagePayload struct {
	ID            int64     `json:"id"`
	User          string    `json:"user"`
	AvatarColor   string    `json:"avatarColor,omitempty"`
	Text          string    `json:"text"`
	ServerChannel string    `json:"serverChannel"`
	Timestamp     time.Time `json:"timestamp"`
}

func PayloadOf(m storage.Message) MessagePayload {
	return MessagePayload{
		ID:            m.ID,
		User:          m.Author,
		AvatarColor:   m.AuthorColor,
		Text:          m.Text,
		ServerChannel: m.ChannelKey,
		Timestamp:     m.CreatedAt.UTC(),
	}
}

func PayloadsOf(messages []storage.Message) []MessagePayload {
	return lo.Map(messages, func(m storage.Message, _ int) MessagePayload {
		return PayloadOf(m)
	})
}

// LiveEvent is a chat_message pushed to subscribers
type LiveEvent struct {
	Type string `json:"type"`
	MessagePayload
}

// HistoryEvent answers a join with the channel snapshot
type HistoryEvent struct {
	Type       string           `json:"type"`
	ChannelKey string           `json:"channelKey"`
	Messages   []MessagePayload `json:"messages"`
}

// ErrorEvent reports a failed request back to the connection that sent it
type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func EncodeLive(m storage.Message) ([]byte, error) {
	return json.Marshal(LiveEvent{Type: EventChatMessage, MessagePayload: PayloadOf(m)})
}

func EncodeHistory(key ChannelKey, messages []storage.Message) ([]byte, error) {
	return json.Marshal(HistoryEvent{Type: EventHistory, ChannelKey: string(key), Messages: PayloadsOf(messages)})
}

func EncodeError(msg string) []byte {
	b, _ := json.Marshal(ErrorEvent{Type: EventError, Error: msg})
	return b
}

// SendEvent asks the hub to store and broadcast a message
type SendEvent struct {
	User        string     `json:"user" validate:"required,max=32"`
	AvatarColor string     `json:"avatarColor" validate:"omitempty,hexcolor"`
	Text        string     `json:"text" validate:"required,max=2000"`
	ChannelKey  ChannelKey `json:"channelKey" validate:"required"`
}

// ClientEvent is a decoded client frame; exactly one of the pointers matching Type is set
type ClientEvent struct {
	Type string
	Join *ChannelKey
	Send *SendEvent
}

// DecodeClientEvent parses and checks the shape of one client frame
func DecodeClientEvent(p *fastjson.Parser, data []byte) (ClientEvent, error) {
	v, err := p.ParseBytes(data)
	if err != nil {
		return ClientEvent{}, fmt.Errorf("%w: malformed JSON", ErrInvalidEvent)
	}
	if v.Type() != fastjson.TypeObject {
		return ClientEvent{}, fmt.Errorf("%w: event must be an object", ErrInvalidEvent)
	}

	eventType, err := stringField(v, "type", true)
	if err != nil {
		return ClientEvent{}, err
	}

	switch eventType {
	case EventJoin:
		key, err := channelKeyField(v)
		if err != nil {
			return ClientEvent{}, err
		}
		return ClientEvent{Type: EventJoin, Join: &key}, nil

	case EventLeave:
		return ClientEvent{Type: EventLeave}, nil

	case EventChatMessage:
		user, err := stringField(v, "user", true)
		if err != nil {
			return ClientEvent{}, err
		}
		color, err := stringField(v, "avatarColor", false)
		if err != nil {
			return ClientEvent{}, err
		}
		text, err := stringField(v, "text", true)
		if err != nil {
			return ClientEvent{}, err
		}
		key, err := channelKeyField(v)
		if err != nil {
			return ClientEvent{}, err
		}
		return ClientEvent{Type: EventChatMessage, Send: &SendEvent{
			User:        user,
			AvatarColor: color,
			Text:        strings.TrimSpace(text),
			ChannelKey:  key,
		}}, nil

	default:
		return ClientEvent{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, eventType)
	}
}

func stringField(v *fastjson.Value, name string, required bool) (string, error) {
	if !v.Exists(name) {
		if required {
			return "", fmt.Errorf("%w: missing field %q", ErrInvalidEvent, name)
		}
		return "", nil
	}

	field := v.Get(name)
	if field.Type() == fastjson.TypeNull && !required {
		return "", nil
	}
	b, err := field.StringBytes()
	if err != nil {
		return "", fmt.Errorf("%w: field %q must be a string", ErrInvalidEvent, name)
	}
	if required && len(b) == 0 {
		return "", fmt.Errorf("%w: field %q must have non-zero length", ErrInvalidEvent, name)
	}
	return string(b), nil
}

func channelKeyField(v *fastjson.Value) (ChannelKey, error) {
	raw, err := stringField(v, "channelKey", true)
	if err != nil {
		return "", err
	}
	key, err := ParseChannelKey(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return key, nil
}
