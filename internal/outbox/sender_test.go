package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/formachat/internal/chat"
	"go.uber.org/zap"
)

// mockSender records calls and can hold a send open until released.
type mockSender struct {
	mu      sync.Mutex
	calls   []sendCall
	err     error
	gate    chan struct{}
	started chan struct{}
}

type sendCall struct {
	ConversationID string
	Body           string
}

func (m *mockSender) SendMessage(_ context.Context, conversationID, body, _ string) (chat.Message, error) {
	m.mu.Lock()
	m.calls = append(m.calls, sendCall{ConversationID: conversationID, Body: body})
	n := len(m.calls)
	m.mu.Unlock()

	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.gate != nil {
		<-m.gate
	}
	if m.err != nil {
		return chat.Message{}, m.err
	}
	return chat.Message{
		ID:             fmt.Sprintf("M%d", n),
		ConversationID: conversationID,
		SenderID:       "U1",
		Body:           body,
		CreatedAt:      time.Now(),
	}, nil
}

func (m *mockSender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestSendReturnsCanonicalMessage(t *testing.T) {
	mock := &mockSender{}
	logger, _ := zap.NewDevelopment()
	s := NewSender(mock, logger)

	msg, err := s.Send(context.Background(), "C1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "M1" || msg.ConversationID != "C1" {
		t.Errorf("message = %+v", msg)
	}
	if s.InFlight("C1") {
		t.Error("C1 still in flight after send returned")
	}
}

func TestSecondSendRefusedWhileInFlight(t *testing.T) {
	mock := &mockSender{gate: make(chan struct{}), started: make(chan struct{}, 4)}
	s := NewSender(mock, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "C1", "first", "")
		done <- err
	}()
	<-mock.started

	if !s.InFlight("C1") {
		t.Fatal("C1 not reported in flight")
	}
	if _, err := s.Send(context.Background(), "C1", "second", ""); !errors.Is(err, ErrSendInFlight) {
		t.Fatalf("second send error = %v, want ErrSendInFlight", err)
	}

	// Other conversations are not blocked.
	otherDone := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "C2", "other", "")
		otherDone <- err
	}()
	<-mock.started

	close(mock.gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := <-otherDone; err != nil {
		t.Fatal(err)
	}
	if n := mock.callCount(); n != 2 {
		t.Errorf("got %d backend calls, want 2", n)
	}

	if _, err := s.Send(context.Background(), "C1", "third", ""); err != nil {
		t.Errorf("send after completion error = %v", err)
	}
}

func TestFailedSendReleasesConversation(t *testing.T) {
	mock := &mockSender{err: &chat.RequestError{Kind: chat.ErrServer, Op: "send message", Status: 500, Message: "Erreur interne"}}
	s := NewSender(mock, nil)

	_, err := s.Send(context.Background(), "C1", "hello", "")
	if !errors.Is(err, chat.ErrServer) {
		t.Fatalf("error = %v, want ErrServer", err)
	}
	if s.InFlight("C1") {
		t.Error("C1 still in flight after failure")
	}

	mock.err = nil
	if _, err := s.Send(context.Background(), "C1", "retry", ""); err != nil {
		t.Errorf("retry error = %v", err)
	}
}
