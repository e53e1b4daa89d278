package api

import (
	"time"

	"github.com/matheus3301/formachat/internal/chat"
	"github.com/matheus3301/formachat/internal/status"
	intsync "github.com/matheus3301/formachat/internal/sync"
	"google.golang.org/protobuf/types/known/structpb"
)

// Values put into a Struct must be structpb-compatible: strings, bools,
// numbers, []any and map[string]any. Times travel as RFC 3339 strings.

func timeValue(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func userValue(u chat.User) map[string]any {
	return map[string]any{"id": u.ID, "name": u.Name, "role": u.Role}
}

func participantValue(p chat.Participant) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"avatar_path": p.AvatarPath,
		"is_online":   p.IsOnline,
		"last_seen":   timeValue(p.LastSeen),
	}
}

func conversationValue(c chat.Conversation) map[string]any {
	return map[string]any{
		"id":                   c.ID,
		"participant":          participantValue(c.Participant),
		"last_message_preview": c.LastMessagePreview,
		"last_message_at":      timeValue(c.LastMessageAt),
		"unread_count":         c.UnreadCount,
	}
}

func messageValue(m chat.Message) map[string]any {
	out := map[string]any{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"body":            m.Body,
		"created_at":      timeValue(m.CreatedAt),
		"read":            m.Read,
	}
	if a := m.Attachment; a != nil {
		out["attachment"] = map[string]any{
			"name":      a.Name,
			"size":      a.Size,
			"mime_type": a.MimeType,
			"path":      a.Path,
		}
	}
	return out
}

// payloadValue converts a bus payload for the Watch stream. Unknown payloads
// are sent as an empty object.
func payloadValue(p any) map[string]any {
	switch v := p.(type) {
	case intsync.StoreChange:
		return map[string]any{"conversation_id": v.ConversationID, "reason": v.Reason}
	case intsync.TypingNotice:
		return map[string]any{
			"conversation_id": v.ConversationID,
			"user_id":         v.UserID,
			"is_typing":       v.IsTyping,
			"expires_at":      timeValue(v.Expires),
		}
	case intsync.ErrorNotice:
		return map[string]any{"op": v.Op, "message": v.Message, "auth": v.Auth}
	case status.StatusChange:
		return map[string]any{"from": string(v.From), "to": string(v.To)}
	default:
		return map[string]any{}
	}
}

// Decoding helpers for clients.

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UserFromStruct reads a user value.
func UserFromStruct(s *structpb.Struct) chat.User {
	return chat.User{ID: str(s, "id"), Name: str(s, "name"), Role: str(s, "role")}
}

// ParticipantFromStruct reads a participant value.
func ParticipantFromStruct(s *structpb.Struct) chat.Participant {
	return chat.Participant{
		ID:         str(s, "id"),
		Name:       str(s, "name"),
		AvatarPath: str(s, "avatar_path"),
		IsOnline:   s.GetFields()["is_online"].GetBoolValue(),
		LastSeen:   parseTime(str(s, "last_seen")),
	}
}

// ConversationFromStruct reads a conversation value.
func ConversationFromStruct(s *structpb.Struct) chat.Conversation {
	return chat.Conversation{
		ID:                 str(s, "id"),
		Participant:        ParticipantFromStruct(s.GetFields()["participant"].GetStructValue()),
		LastMessagePreview: str(s, "last_message_preview"),
		LastMessageAt:      parseTime(str(s, "last_message_at")),
		UnreadCount:        int(s.GetFields()["unread_count"].GetNumberValue()),
	}
}

// MessageFromStruct reads a message value.
func MessageFromStruct(s *structpb.Struct) chat.Message {
	m := chat.Message{
		ID:             str(s, "id"),
		ConversationID: str(s, "conversation_id"),
		SenderID:       str(s, "sender_id"),
		Body:           str(s, "body"),
		CreatedAt:      parseTime(str(s, "created_at")),
		Read:           s.GetFields()["read"].GetBoolValue(),
	}
	if a := s.GetFields()["attachment"].GetStructValue(); a != nil {
		m.Attachment = &chat.Attachment{
			Name:     str(a, "name"),
			Size:     int64(a.GetFields()["size"].GetNumberValue()),
			MimeType: str(a, "mime_type"),
			Path:     str(a, "path"),
		}
	}
	return m
}

// StructList returns the struct elements of a list field.
func StructList(s *structpb.Struct, key string) []*structpb.Struct {
	values := s.GetFields()[key].GetListValue().GetValues()
	out := make([]*structpb.Struct, 0, len(values))
	for _, v := range values {
		if st := v.GetStructValue(); st != nil {
			out = append(out, st)
		}
	}
	return out
}
