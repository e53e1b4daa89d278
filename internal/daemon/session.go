package daemon

import (
	"context"
	"errors"
	"sync"

	"github.com/matheus3301/formachat/internal/chat"
	"github.com/matheus3301/formachat/internal/credstore"
	intsync "github.com/matheus3301/formachat/internal/sync"
	"go.uber.org/zap"
)

// Session ties the persisted credentials to the sync engine: logging in
// starts the engine, logging out resets it.
type Session struct {
	creds  *credstore.Store
	engine *intsync.Engine
	logger *zap.Logger

	mu sync.Mutex
}

// NewSession creates the session controller.
func NewSession(creds *credstore.Store, engine *intsync.Engine, logger *zap.Logger) *Session {
	return &Session{creds: creds, engine: engine, logger: logger}
}

// Login replaces the stored credentials and starts the engine with them.
// Load and connect failures other than a rejected token are reported on the
// bus and do not fail the login.
//
// The engine is reset first even when no credentials are stored: a session
// rejected by the backend has its credentials cleared but keeps its open
// conversation and joined channel until the next login.
func (s *Session) Login(ctx context.Context, token string, user chat.User) (chat.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.engine.Reset()
	if err := s.creds.Save(token, user); err != nil {
		if errors.Is(err, credstore.ErrNoToken) {
			return chat.User{}, &chat.ValidationError{Field: "token", Err: err}
		}
		return chat.User{}, err
	}
	if err := s.engine.Start(ctx); err != nil {
		if chat.IsAuth(err) {
			return chat.User{}, err
		}
		s.logger.Warn("session started with errors", zap.Error(err))
	}
	return s.creds.User(), nil
}

// Logout clears the stored credentials and all session state.
func (s *Session) Logout(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.creds.Clear(); err != nil {
		return err
	}
	s.engine.Reset()
	s.logger.Info("session logged out")
	return nil
}

// Resume starts the engine with credentials saved by a previous run.
func (s *Session) Resume(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.creds.LoggedIn() {
		s.logger.Info("no credentials found, login required")
		return
	}
	if err := s.engine.Start(ctx); err != nil {
		s.logger.Warn("resume failed", zap.Error(err))
	}
}

func (s *Session) LoggedIn() bool {
	return s.creds.LoggedIn()
}

func (s *Session) User() chat.User {
	return s.creds.User()
}
