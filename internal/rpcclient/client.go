// Package rpcclient is the control API client used by chatctl.
package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/formachat/internal/api"
	"github.com/matheus3301/formachat/internal/chat"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to a session daemon.
type Client struct {
	conn grpc.ClientConnInterface
	cc   *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, cc: conn}, nil
}

// NewFromConn wraps an existing connection.
func NewFromConn(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	if c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

// Status is the daemon's session summary.
type Status struct {
	Session              string    `json:"session"`
	State                string    `json:"state"`
	LoggedIn             bool      `json:"loggedIn"`
	User                 chat.User `json:"user"`
	ActiveConversationID string    `json:"activeConversationId,omitempty"`
	ConversationCount    int       `json:"conversationCount"`
	Banner               string    `json:"banner,omitempty"`
	UptimeMs             int64     `json:"uptimeMs"`
}

// Directory is the known conversation list and the contacts.
type Directory struct {
	Conversations        []chat.Conversation `json:"conversations"`
	Contacts             []chat.Participant  `json:"contacts"`
	ActiveConversationID string              `json:"activeConversationId,omitempty"`
}

// Thread is the open message list of a conversation.
type Thread struct {
	ConversationID string         `json:"conversationId"`
	Messages       []chat.Message `json:"messages"`
	TypingUserID   string         `json:"typingUserId,omitempty"`
}

// Event is one Watch envelope.
type Event struct {
	ID         string         `json:"eventId"`
	Session    string         `json:"session"`
	OccurredAt int64          `json:"occurredAtMs"`
	Kind       string         `json:"kind"`
	Payload    map[string]any `json:"payload"`
}

func (c *Client) call(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	out, err := c.call(ctx, api.MethodStatus, nil)
	if err != nil {
		return nil, err
	}
	f := out.GetFields()
	return &Status{
		Session:              f["session"].GetStringValue(),
		State:                f["state"].GetStringValue(),
		LoggedIn:             f["logged_in"].GetBoolValue(),
		User:                 api.UserFromStruct(f["user"].GetStructValue()),
		ActiveConversationID: f["active_conversation_id"].GetStringValue(),
		ConversationCount:    int(f["conversation_count"].GetNumberValue()),
		Banner:               f["banner"].GetStringValue(),
		UptimeMs:             int64(f["uptime_ms"].GetNumberValue()),
	}, nil
}

// Conversations lists known conversations; refresh refetches them first.
func (c *Client) Conversations(ctx context.Context, refresh bool) (*Directory, error) {
	out, err := c.call(ctx, api.MethodListConversations, map[string]any{"refresh": refresh})
	if err != nil {
		return nil, err
	}
	dir := &Directory{ActiveConversationID: out.GetFields()["active_conversation_id"].GetStringValue()}
	for _, s := range api.StructList(out, "conversations") {
		dir.Conversations = append(dir.Conversations, api.ConversationFromStruct(s))
	}
	for _, s := range api.StructList(out, "contacts") {
		dir.Contacts = append(dir.Contacts, api.ParticipantFromStruct(s))
	}
	return dir, nil
}

func (c *Client) Open(ctx context.Context, conversationID string) (*Thread, error) {
	out, err := c.call(ctx, api.MethodOpenConversation, map[string]any{"conversation_id": conversationID})
	if err != nil {
		return nil, err
	}
	return thread(out), nil
}

func (c *Client) OpenContact(ctx context.Context, contactID string) (chat.Conversation, error) {
	out, err := c.call(ctx, api.MethodOpenContact, map[string]any{"contact_id": contactID})
	if err != nil {
		return chat.Conversation{}, err
	}
	return api.ConversationFromStruct(out.GetFields()["conversation"].GetStructValue()), nil
}

// Messages returns the open list; conversationID may be empty for the active one.
func (c *Client) Messages(ctx context.Context, conversationID string) (*Thread, error) {
	out, err := c.call(ctx, api.MethodListMessages, map[string]any{"conversation_id": conversationID})
	if err != nil {
		return nil, err
	}
	return thread(out), nil
}

func thread(out *structpb.Struct) *Thread {
	t := &Thread{
		ConversationID: out.GetFields()["conversation_id"].GetStringValue(),
		TypingUserID:   out.GetFields()["typing_user_id"].GetStringValue(),
	}
	for _, s := range api.StructList(out, "messages") {
		t.Messages = append(t.Messages, api.MessageFromStruct(s))
	}
	return t
}

// Send posts a message. attachmentPath is read by the daemon and must be absolute.
func (c *Client) Send(ctx context.Context, conversationID, body, attachmentPath string) (chat.Message, error) {
	out, err := c.call(ctx, api.MethodSendMessage, map[string]any{
		"conversation_id": conversationID,
		"body":            body,
		"attachment_path": attachmentPath,
	})
	if err != nil {
		return chat.Message{}, err
	}
	return api.MessageFromStruct(out.GetFields()["message"].GetStructValue()), nil
}

// Typing reports whether the signal was written to the push channel.
func (c *Client) Typing(ctx context.Context, conversationID string, isTyping bool) (bool, error) {
	out, err := c.call(ctx, api.MethodSetTyping, map[string]any{
		"conversation_id": conversationID,
		"is_typing":       isTyping,
	})
	if err != nil {
		return false, err
	}
	return out.GetFields()["sent"].GetBoolValue(), nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.call(ctx, api.MethodMarkRead, map[string]any{"conversation_id": conversationID})
	return err
}

// Login stores a session token. Empty user fields are filled by the daemon
// from the token's claims.
func (c *Client) Login(ctx context.Context, token string, user chat.User) (chat.User, error) {
	out, err := c.call(ctx, api.MethodLogin, map[string]any{
		"token":   token,
		"user_id": user.ID,
		"name":    user.Name,
		"role":    user.Role,
	})
	if err != nil {
		return chat.User{}, err
	}
	return api.UserFromStruct(out.GetFields()["user"].GetStructValue()), nil
}

func (c *Client) Logout(ctx context.Context) error {
	_, err := c.call(ctx, api.MethodLogout, nil)
	return err
}

// Watch streams events whose kind starts with prefix to fn until ctx is
// done, the daemon stops, or fn returns an error.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(Event) error) error {
	stream, err := c.conn.NewStream(ctx, api.WatchStreamDesc, api.FullMethod(api.MethodWatch))
	if err != nil {
		return err
	}
	req, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		env := new(structpb.Struct)
		if err := stream.RecvMsg(env); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		f := env.GetFields()
		evt := Event{
			ID:         f["event_id"].GetStringValue(),
			Session:    f["session"].GetStringValue(),
			OccurredAt: int64(f["occurred_at_ms"].GetNumberValue()),
			Kind:       f["kind"].GetStringValue(),
			Payload:    f["payload"].GetStructValue().AsMap(),
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
