// Package history issues the request/response calls of the chat backend.
package history

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/matheus3301/formachat/internal/chat"
	"github.com/matheus3301/formachat/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	pathParticipants = "/api/chat/participants"
	pathConversation = "/api/chat/conversation"
	pathMessages     = "/api/chat/messages/{conversationId}"
	pathSend         = "/api/chat/message"

	headerRequestID = "X-Request-Id"
)

// TokenSource returns the bearer token for the next request.
type TokenSource func() string

// Options configures a Loader.
type Options struct {
	BaseURL string
	Timeout time.Duration
	Token   TokenSource
	Logger  *zap.Logger
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Loader fetches conversations and history and posts messages.
type Loader struct {
	client  *resty.Client
	token   TokenSource
	logger  *zap.Logger
	timeout time.Duration
	group   singleflight.Group
}

// New creates a Loader for the backend at opts.BaseURL.
func New(opts Options) *Loader {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	if opts.Transport != nil {
		client.SetTransport(opts.Transport)
	}
	return &Loader{
		client:  client,
		token:   opts.Token,
		logger:  logger,
		timeout: timeout,
	}
}

func (l *Loader) request(ctx context.Context) *resty.Request {
	r := l.client.R().
		SetContext(ctx).
		SetHeader(headerRequestID, uuid.NewString())
	if l.token != nil {
		if tok := l.token(); tok != "" {
			r.SetAuthToken(tok)
		}
	}
	return r
}

// LoadConversations fetches the participant directory. Concurrent callers
// share one request, which is not cancelled when one of them gives up.
func (l *Loader) LoadConversations(ctx context.Context) (wire.Directory, error) {
	ch := l.group.DoChan("participants", func() (any, error) {
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		resp, err := l.request(reqCtx).Get(pathParticipants)
		body, err := l.check("load conversations", resp, err)
		if err != nil {
			return wire.Directory{}, err
		}
		dir, dropped, err := wire.DecodeDirectory(body)
		if err != nil {
			return wire.Directory{}, &chat.RequestError{Kind: chat.ErrServer, Op: "load conversations", Err: err}
		}
		l.logDropped("participants", dropped)
		return dir, nil
	})
	select {
	case <-ctx.Done():
		return wire.Directory{}, &chat.RequestError{Kind: chat.ErrNetwork, Op: "load conversations", Err: ctx.Err()}
	case res := <-ch:
		if res.Shared {
			l.logger.Debug("participants request shared")
		}
		return res.Val.(wire.Directory), res.Err
	}
}

// LoadMessages fetches the history page of a conversation.
func (l *Loader) LoadMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if conversationID == "" {
		return nil, &chat.ValidationError{Field: "conversationId", Err: errors.New("required")}
	}
	resp, err := l.request(ctx).
		SetPathParam("conversationId", conversationID).
		Get(pathMessages)
	body, err := l.check("load messages", resp, err)
	if err != nil {
		return nil, err
	}
	msgs, dropped, err := wire.DecodeMessages(body)
	if err != nil {
		return nil, &chat.RequestError{Kind: chat.ErrServer, Op: "load messages", Err: err}
	}
	l.logDropped("messages", dropped)

	// Records for other conversations are not part of this page.
	page := msgs[:0]
	for _, m := range msgs {
		if m.ConversationID != conversationID {
			l.logger.Warn("history record for another conversation",
				zap.String("conversation_id", conversationID),
				zap.String("msg_id", m.ID),
				zap.String("msg_conversation_id", m.ConversationID))
			continue
		}
		page = append(page, m)
	}
	return page, nil
}

// EnsureConversation creates or fetches the conversation with contactID.
func (l *Loader) EnsureConversation(ctx context.Context, contactID string) (chat.Conversation, error) {
	if contactID == "" {
		return chat.Conversation{}, &chat.ValidationError{Field: "destinataireId", Err: errors.New("required")}
	}
	resp, err := l.request(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"destinataireId": contactID}).
		Post(pathConversation)
	body, err := l.check("ensure conversation", resp, err)
	if err != nil {
		return chat.Conversation{}, err
	}
	c, err := wire.DecodeConversation(body)
	if err != nil {
		return chat.Conversation{}, &chat.RequestError{Kind: chat.ErrServer, Op: "ensure conversation", Err: err}
	}
	if c.Participant.ID == "" {
		c.Participant.ID = contactID
	}
	return c, nil
}

// SendMessage posts a message with an optional attachment and returns the
// backend's canonical record. Invalid input is rejected before any request.
func (l *Loader) SendMessage(ctx context.Context, conversationID, body, attachmentPath string) (chat.Message, error) {
	if conversationID == "" {
		return chat.Message{}, &chat.ValidationError{Field: "conversationId", Err: errors.New("required")}
	}
	var up *chat.Upload
	if attachmentPath != "" {
		var err error
		if up, err = chat.PrepareUpload(attachmentPath); err != nil {
			return chat.Message{}, err
		}
	}
	if err := chat.CheckOutgoing(body, up); err != nil {
		return chat.Message{}, err
	}

	req := l.request(ctx).SetMultipartFormData(map[string]string{
		"conversationId": conversationID,
		"body":           body,
	})
	if up != nil {
		f, err := os.Open(up.Path)
		if err != nil {
			return chat.Message{}, &chat.ValidationError{Field: "attachment", Err: err}
		}
		defer f.Close()
		req.SetMultipartField("attachment", up.Name, up.MimeType, f)
	}

	resp, err := req.Post(pathSend)
	raw, err := l.check("send message", resp, err)
	if err != nil {
		return chat.Message{}, err
	}
	m, err := wire.DecodeMessage(raw)
	if err != nil {
		return chat.Message{}, &chat.RequestError{Kind: chat.ErrServer, Op: "send message", Err: err}
	}
	if m.ConversationID != conversationID {
		return chat.Message{}, &chat.RequestError{
			Kind: chat.ErrServer,
			Op:   "send message",
			Err:  fmt.Errorf("%w: reply for conversation %q", wire.ErrMalformed, m.ConversationID),
		}
	}
	l.logger.Debug("message sent",
		zap.String("conversation_id", conversationID),
		zap.String("msg_id", m.ID),
		zap.Bool("attachment", up != nil))
	return m, nil
}

// check classifies a resty outcome and returns the body of a 2xx response.
func (l *Loader) check(op string, resp *resty.Response, err error) ([]byte, error) {
	if err != nil {
		l.logger.Warn("request failed", zap.String("op", op), zap.Error(err))
		return nil, &chat.RequestError{Kind: chat.ErrNetwork, Op: op, Err: err}
	}
	status := resp.StatusCode()
	if resp.IsSuccess() {
		return resp.Body(), nil
	}

	var eb wire.ErrorBody
	_ = json.Unmarshal(resp.Body(), &eb)
	kind := chat.ErrServer
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		kind = chat.ErrUnauthorized
	}
	l.logger.Warn("backend rejected request",
		zap.String("op", op),
		zap.Int("status", status),
		zap.String("request_id", resp.Request.Header.Get(headerRequestID)),
		zap.String("message", eb.Text()))
	return nil, &chat.RequestError{Kind: kind, Op: op, Status: status, Message: eb.Text()}
}

func (l *Loader) logDropped(what string, dropped []error) {
	for _, err := range dropped {
		l.logger.Warn("dropped malformed record", zap.String("source", what), zap.Error(err))
	}
}
