package chat

import (
	"time"
	"unicode/utf8"
)

// Participant is the other party of a two-party conversation.
type Participant struct {
	ID         string
	Name       string
	AvatarPath string
	IsOnline   bool
	LastSeen   time.Time
}

// Conversation is a two-party message thread.
type Conversation struct {
	ID                 string
	Participant        Participant
	LastMessagePreview string
	LastMessageAt      time.Time
	UnreadCount        int
}

// Attachment describes a file stored by the backend alongside a message.
type Attachment struct {
	Name     string
	Size     int64
	MimeType string
	Path     string
}

// Message is a server-acknowledged chat message. IDs are always assigned by the backend.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	Attachment     *Attachment
	CreatedAt      time.Time
	Read           bool
}

// User is the cached record of the authenticated account.
type User struct {
	ID   string
	Name string
	Role string
}

const previewLen = 100

// Preview returns the conversation list preview for a message.
func Preview(m *Message) string {
	if m.Body == "" && m.Attachment != nil {
		return "[" + m.Attachment.Name + "]"
	}
	return truncate(m.Body, previewLen)
}

func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	n := 0
	for i := range s {
		if n == maxLen {
			return s[:i]
		}
		n++
	}
	return s
}
