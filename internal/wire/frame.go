package wire

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/matheus3301/formachat/internal/chat"
)

// Push channel event names.
const (
	EventJoinChat   = "joinChat"
	EventLeaveChat  = "leaveChat"
	EventTyping     = "typing"
	EventNewMessage = "newMessage"
	EventUserTyping = "userTyping"
	EventChatError  = "chatError"
	EventJoined     = "joined"
)

// Frame is the envelope of every push channel message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinChat scopes push delivery to one conversation.
type JoinChat struct {
	ConversationID string `json:"conversationId"`
}

// Typing is the outbound typing signal.
type Typing struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// NewMessage carries a message pushed by the backend.
type NewMessage struct {
	ConversationID ID      `json:"conversationId" validate:"required"`
	Message        Message `json:"message"`
}

// UserTyping signals that another user is typing.
type UserTyping struct {
	UserID         ID    `json:"userId" validate:"required"`
	ConversationID ID    `json:"conversationId,omitempty"`
	IsTyping       *bool `json:"isTyping,omitempty"`
}

// ChatError is a server-reported error.
type ChatError struct {
	Reason string `json:"reason"`
}

// Joined acknowledges a join.
type Joined struct {
	ConversationID ID `json:"conversationId" validate:"required"`
}

// Inbound is a decoded, validated push event. Exactly one field is set.
type Inbound struct {
	Message *chat.Message
	Typing  *TypingSignal
	Error   *ChatError
	Joined  string
}

// TypingSignal is a coerced userTyping event.
type TypingSignal struct {
	UserID         string
	ConversationID string
	IsTyping       bool
}

// Encode builds a frame for an outbound event.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// DecodeFrame decodes an inbound frame. Unknown events return (nil, nil).
func DecodeFrame(b []byte) (*Inbound, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch f.Event {
	case EventNewMessage:
		var ev NewMessage
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, fmt.Errorf("%s: %w: %v", f.Event, ErrMalformed, err)
		}
		if ev.Message.ConversationID == "" {
			ev.Message.ConversationID = ev.ConversationID
		}
		if err := check(&ev); err != nil {
			return nil, fmt.Errorf("%s: %w", f.Event, err)
		}
		if ev.Message.ConversationID != ev.ConversationID {
			return nil, fmt.Errorf("%s: %w: conversation %q does not match message conversation %q",
				f.Event, ErrMalformed, ev.ConversationID, ev.Message.ConversationID)
		}
		m, err := ev.Message.ToChat()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Event, err)
		}
		return &Inbound{Message: &m}, nil

	case EventUserTyping:
		var ev UserTyping
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, fmt.Errorf("%s: %w: %v", f.Event, ErrMalformed, err)
		}
		if err := check(&ev); err != nil {
			return nil, fmt.Errorf("%s: %w", f.Event, err)
		}
		typing := true
		if ev.IsTyping != nil {
			typing = *ev.IsTyping
		}
		return &Inbound{Typing: &TypingSignal{
			UserID:         string(ev.UserID),
			ConversationID: string(ev.ConversationID),
			IsTyping:       typing,
		}}, nil

	case EventChatError:
		var ev ChatError
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &ev); err != nil {
				// Some servers send the reason as a bare string.
				var reason string
				if json.Unmarshal(f.Data, &reason) != nil {
					return nil, fmt.Errorf("%s: %w: %v", f.Event, ErrMalformed, err)
				}
				ev.Reason = reason
			}
		}
		if ev.Reason == "" {
			ev.Reason = "unknown error"
		}
		return &Inbound{Error: &ev}, nil

	case EventJoined:
		var ev Joined
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, fmt.Errorf("%s: %w: %v", f.Event, ErrMalformed, err)
		}
		if err := check(&ev); err != nil {
			return nil, fmt.Errorf("%s: %w", f.Event, err)
		}
		return &Inbound{Joined: string(ev.ConversationID)}, nil

	case "":
		return nil, fmt.Errorf("%w: frame without event name", ErrMalformed)

	default:
		return nil, nil
	}
}
