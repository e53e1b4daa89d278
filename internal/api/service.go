package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/formachat/internal/bus"
	"github.com/matheus3301/formachat/internal/chat"
	"github.com/matheus3301/formachat/internal/status"
	"github.com/matheus3301/formachat/internal/store"
	intsync "github.com/matheus3301/formachat/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Engine is the part of the sync engine exposed over the control API.
type Engine interface {
	Snapshot() store.Snapshot
	Contacts() []chat.Participant
	State() status.State
	TypingIn(conversationID string) (string, bool)
	Banner() string
	Bus() *bus.Bus

	RefreshConversations(ctx context.Context) error
	Open(ctx context.Context, conversationID string) error
	OpenContact(ctx context.Context, contactID string) (chat.Conversation, error)
	Send(ctx context.Context, conversationID, body, attachmentPath string) (chat.Message, error)
	Typing(conversationID string, isTyping bool) bool
	MarkRead(conversationID string)
}

// Session stores and drops the credentials of the daemon's session.
type Session interface {
	Login(ctx context.Context, token string, user chat.User) (chat.User, error)
	Logout(ctx context.Context) error
	LoggedIn() bool
	User() chat.User
}

// Service implements ChatServer on top of the sync engine.
type Service struct {
	sessionName string
	startedAt   time.Time
	engine      Engine
	session     Session
	logger      *zap.Logger
}

// NewService creates the control API service for a session.
func NewService(sessionName string, engine Engine, sess Session, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sessionName: sessionName,
		startedAt:   time.Now(),
		engine:      engine,
		session:     sess,
		logger:      logger,
	}
}

func (s *Service) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap := s.engine.Snapshot()
	user := s.session.User()
	out := map[string]any{
		"session":                s.sessionName,
		"state":                  string(s.engine.State()),
		"logged_in":              s.session.LoggedIn(),
		"user":                   userValue(user),
		"active_conversation_id": snap.ActiveID,
		"conversation_count":     len(snap.Conversations),
		"banner":                 s.engine.Banner(),
		"uptime_ms":              time.Since(s.startedAt).Milliseconds(),
	}
	return newStruct(out)
}

func (s *Service) ListConversations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if boolField(in, "refresh") {
		if err := s.engine.RefreshConversations(ctx); err != nil {
			return nil, toStatus(err)
		}
	}
	snap := s.engine.Snapshot()
	convs := make([]any, 0, len(snap.Conversations))
	for _, c := range snap.Conversations {
		convs = append(convs, conversationValue(c))
	}
	contacts := s.engine.Contacts()
	people := make([]any, 0, len(contacts))
	for _, p := range contacts {
		people = append(people, participantValue(p))
	}
	return newStruct(map[string]any{
		"conversations":          convs,
		"contacts":               people,
		"active_conversation_id": snap.ActiveID,
	})
}

func (s *Service) OpenConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "conversation_id")
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	if err := s.engine.Open(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return s.messages(id)
}

func (s *Service) OpenContact(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "contact_id")
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "contact_id is required")
	}
	c, err := s.engine.OpenContact(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"conversation": conversationValue(c)})
}

func (s *Service) ListMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "conversation_id")
	active := s.engine.Snapshot().ActiveID
	if id == "" {
		id = active
	}
	if id == "" {
		return nil, grpcstatus.Error(codes.FailedPrecondition, "no conversation is open")
	}
	if id != active {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "conversation %s is not open", id)
	}
	return s.messages(id)
}

func (s *Service) messages(conversationID string) (*structpb.Struct, error) {
	snap := s.engine.Snapshot()
	msgs := make([]any, 0, len(snap.Messages))
	if snap.ActiveID == conversationID {
		for _, m := range snap.Messages {
			msgs = append(msgs, messageValue(m))
		}
	}
	out := map[string]any{
		"conversation_id": conversationID,
		"messages":        msgs,
	}
	if who, ok := s.engine.TypingIn(conversationID); ok {
		out["typing_user_id"] = who
	}
	return newStruct(out)
}

func (s *Service) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	msg, err := s.engine.Send(ctx,
		stringField(in, "conversation_id"),
		stringField(in, "body"),
		stringField(in, "attachment_path"))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"message": messageValue(msg)})
}

func (s *Service) SetTyping(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "conversation_id")
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	sent := s.engine.Typing(id, boolField(in, "is_typing"))
	return newStruct(map[string]any{"sent": sent})
}

func (s *Service) MarkRead(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "conversation_id")
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	s.engine.MarkRead(id)
	return newStruct(map[string]any{"conversation_id": id})
}

func (s *Service) Login(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	token := stringField(in, "token")
	if token == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "token is required")
	}
	user, err := s.session.Login(ctx, token, chat.User{
		ID:   stringField(in, "user_id"),
		Name: stringField(in, "name"),
		Role: stringField(in, "role"),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("session logged in", zap.String("user_id", user.ID))
	return newStruct(map[string]any{
		"user":  userValue(user),
		"state": string(s.engine.State()),
	})
}

func (s *Service) Logout(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.session.Logout(ctx); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "logout: %v", err)
	}
	return newStruct(map[string]any{"message": "logged out"})
}

// Watch streams bus events matching the optional "prefix" field until the
// client goes away.
func (s *Service) Watch(in *structpb.Struct, stream WatchStream) error {
	prefix := stringField(in, "prefix")
	ch, unsub := s.engine.Bus().Subscribe(prefix, 256)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := newStruct(map[string]any{
				"event_id":       uuid.New().String(),
				"session":        s.sessionName,
				"occurred_at_ms": evt.Timestamp.UnixMilli(),
				"kind":           evt.Kind,
				"payload":        payloadValue(evt.Payload),
			})
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func stringField(in *structpb.Struct, key string) string {
	return strings.TrimSpace(in.GetFields()[key].GetStringValue())
}

func boolField(in *structpb.Struct, key string) bool {
	return in.GetFields()[key].GetBoolValue()
}

// toStatus maps the error taxonomy onto gRPC status codes. Server errors
// carry the backend's message.
func toStatus(err error) error {
	var re *chat.RequestError
	switch {
	case errors.Is(err, chat.ErrValidation):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, chat.ErrUnauthorized):
		return grpcstatus.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, intsync.ErrSendInFlight):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, intsync.ErrSuperseded):
		return grpcstatus.Error(codes.Aborted, err.Error())
	case errors.Is(err, chat.ErrNetwork):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.As(err, &re) && re.Message != "":
		return grpcstatus.Error(codes.Internal, re.Message)
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}
