package wire

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/matheus3301/formachat/internal/chat"
)

// ID is an opaque identifier. Backends send either strings or integers.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(b), 64); err != nil {
		return fmt.Errorf("id %s: not a string or number", b)
	}
	*id = ID(b)
	return nil
}

// Timestamp accepts RFC 3339 strings or Unix milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", b, err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Participant is a contact entry of GET /api/chat/participants.
type Participant struct {
	ID             ID        `json:"id" validate:"required"`
	Name           string    `json:"name"`
	AvatarPath     string    `json:"avatarPath"`
	IsOnline       bool      `json:"isOnline"`
	LastSeen       Timestamp `json:"lastSeen"`
	ConversationID ID        `json:"conversationId,omitempty"`
	LastMessage    string    `json:"lastMessage,omitempty"`
	LastMessageAt  Timestamp `json:"lastMessageAt"`
	UnreadCount    int       `json:"unreadCount" validate:"gte=0"`
}

// Conversation is the body returned by POST /api/chat/conversation.
type Conversation struct {
	ID          ID          `json:"id" validate:"required"`
	Participant Participant `json:"participant"`
}

// Attachment is the stored-file descriptor of a message.
type Attachment struct {
	Name     string `json:"name" validate:"required"`
	Size     int64  `json:"size" validate:"gte=0"`
	MimeType string `json:"mimeType,omitempty"`
	Path     string `json:"path" validate:"required"`
}

// Message is a message record as served by the backend.
type Message struct {
	ID             ID          `json:"id" validate:"required"`
	ConversationID ID          `json:"conversationId" validate:"required"`
	SenderID       ID          `json:"senderId" validate:"required"`
	Body           string      `json:"body" validate:"required_without=Attachment"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      Timestamp   `json:"createdAt"`
	Read           bool        `json:"read"`
}

// ErrorBody is the JSON error envelope of non-2xx responses.
type ErrorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Text returns the backend's human-readable message, if any.
func (e ErrorBody) Text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// Directory is the coerced result of a participants fetch.
type Directory struct {
	Conversations []chat.Conversation
	Contacts      []chat.Participant
}

// DecodeDirectory decodes the participants list. Malformed entries are
// skipped and reported in dropped.
func DecodeDirectory(b []byte) (dir Directory, dropped []error, err error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return Directory{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for i, r := range raw {
		var p Participant
		if err := json.Unmarshal(r, &p); err != nil {
			dropped = append(dropped, fmt.Errorf("participant %d: %w: %v", i, ErrMalformed, err))
			continue
		}
		if err := check(&p); err != nil {
			dropped = append(dropped, fmt.Errorf("participant %d: %w", i, err))
			continue
		}
		dir.Contacts = append(dir.Contacts, p.toChat())
		if p.ConversationID != "" {
			dir.Conversations = append(dir.Conversations, chat.Conversation{
				ID:                 string(p.ConversationID),
				Participant:        p.toChat(),
				LastMessagePreview: p.LastMessage,
				LastMessageAt:      p.LastMessageAt.Time,
				UnreadCount:        p.UnreadCount,
			})
		}
	}
	return dir, dropped, nil
}

// DecodeConversation decodes a create-or-fetch response.
func DecodeConversation(b []byte) (chat.Conversation, error) {
	var c Conversation
	if err := json.Unmarshal(b, &c); err != nil {
		return chat.Conversation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := check(&c); err != nil {
		return chat.Conversation{}, err
	}
	return chat.Conversation{ID: string(c.ID), Participant: c.Participant.toChat()}, nil
}

// DecodeMessages decodes a history page. Malformed records are skipped and
// reported in dropped.
func DecodeMessages(b []byte) (msgs []chat.Message, dropped []error, err error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msgs = make([]chat.Message, 0, len(raw))
	for i, r := range raw {
		m, err := DecodeMessage(r)
		if err != nil {
			dropped = append(dropped, fmt.Errorf("message %d: %w", i, err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, dropped, nil
}

// DecodeMessage decodes and validates a single message record.
func DecodeMessage(b []byte) (chat.Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m.ToChat()
}

// ToChat validates m and converts it to a domain message.
func (m *Message) ToChat() (chat.Message, error) {
	if err := check(m); err != nil {
		return chat.Message{}, err
	}
	if m.CreatedAt.IsZero() {
		return chat.Message{}, fmt.Errorf("%w: field [createdAt] is missing", ErrMalformed)
	}
	out := chat.Message{
		ID:             string(m.ID),
		ConversationID: string(m.ConversationID),
		SenderID:       string(m.SenderID),
		Body:           m.Body,
		CreatedAt:      m.CreatedAt.Time,
		Read:           m.Read,
	}
	if a := m.Attachment; a != nil {
		out.Attachment = &chat.Attachment{Name: a.Name, Size: a.Size, MimeType: a.MimeType, Path: a.Path}
	}
	return out, nil
}

// FromChat converts a domain message back to its wire shape.
func FromChat(m chat.Message) Message {
	out := Message{
		ID:             ID(m.ID),
		ConversationID: ID(m.ConversationID),
		SenderID:       ID(m.SenderID),
		Body:           m.Body,
		CreatedAt:      Timestamp{m.CreatedAt},
		Read:           m.Read,
	}
	if a := m.Attachment; a != nil {
		out.Attachment = &Attachment{Name: a.Name, Size: a.Size, MimeType: a.MimeType, Path: a.Path}
	}
	return out
}

func (p *Participant) toChat() chat.Participant {
	return chat.Participant{
		ID:         string(p.ID),
		Name:       p.Name,
		AvatarPath: p.AvatarPath,
		IsOnline:   p.IsOnline,
		LastSeen:   p.LastSeen.Time,
	}
}
