// Package outbox sends user messages with at most one send in flight per
// conversation. Nothing is shown before the backend acknowledges a message.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/formachat/internal/chat"
	"go.uber.org/zap"
)

// ErrSendInFlight is returned when a send for the same conversation has not resolved yet.
var ErrSendInFlight = errors.New("a message is already being sent in this conversation")

// MessageSender posts a message and returns the backend's canonical record.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID, body, attachmentPath string) (chat.Message, error)
}

// Sender serializes sends per conversation.
type Sender struct {
	sender MessageSender
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]time.Time
}

// NewSender creates a new sender.
func NewSender(sender MessageSender, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		sender:   sender,
		logger:   logger,
		inflight: make(map[string]time.Time),
	}
}

// Send posts a message. A second call for the same conversation fails with
// ErrSendInFlight until the first returns.
func (s *Sender) Send(ctx context.Context, conversationID, body, attachmentPath string) (chat.Message, error) {
	if !s.acquire(conversationID) {
		s.logger.Info("send refused, previous send pending", zap.String("conversation_id", conversationID))
		return chat.Message{}, ErrSendInFlight
	}
	defer s.release(conversationID)

	start := time.Now()
	msg, err := s.sender.SendMessage(ctx, conversationID, body, attachmentPath)
	if err != nil {
		s.logger.Error("failed to send message", zap.Error(err), zap.String("conversation_id", conversationID))
		return chat.Message{}, err
	}
	s.logger.Info("message sent",
		zap.String("conversation_id", conversationID),
		zap.String("msg_id", msg.ID),
		zap.Duration("took", time.Since(start)))
	return msg, nil
}

// InFlight reports whether a send for conversationID is pending.
func (s *Sender) InFlight(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[conversationID]
	return ok
}

func (s *Sender) acquire(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[conversationID]; busy {
		return false
	}
	s.inflight[conversationID] = time.Now()
	return true
}

func (s *Sender) release(conversationID string) {
	s.mu.Lock()
	delete(s.inflight, conversationID)
	s.mu.Unlock()
}
