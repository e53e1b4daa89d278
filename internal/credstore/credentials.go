package credstore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/formachat/internal/chat"
)

// ErrNoToken is returned by Save for an empty token.
var ErrNoToken = errors.New("empty session token")

// tokenClaims are the claims read from the session token, when it is a JWT.
type tokenClaims struct {
	jwt.RegisteredClaims
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Store caches the persisted credentials in memory.
type Store struct {
	db *DB

	mu      sync.RWMutex
	token   string
	user    chat.User
	expires time.Time
}

// New loads the current credentials from db.
func New(db *DB) (*Store, error) {
	s := &Store{db: db}
	var (
		token, id, name, role string
		expires               int64
	)
	err := db.QueryRow(`SELECT token, user_id, user_name, user_role, expires_at FROM credentials WHERE id = 1`).
		Scan(&token, &id, &name, &role, &expires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	s.token = token
	s.user = chat.User{ID: id, Name: name, Role: role}
	if expires > 0 {
		s.expires = time.UnixMilli(expires)
	}
	return s, nil
}

// Save stores token and user, replacing any previous credentials. Fields of
// user left empty are filled from the token's claims when it is a JWT.
func (s *Store) Save(token string, user chat.User) error {
	if token == "" {
		return ErrNoToken
	}
	var expires time.Time
	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil {
		if user.ID == "" {
			user.ID = claims.ID
			if user.ID == "" {
				user.ID = claims.Subject
			}
		}
		if user.Name == "" {
			user.Name = claims.Name
		}
		if user.Role == "" {
			user.Role = claims.Role
		}
		if claims.ExpiresAt != nil {
			expires = claims.ExpiresAt.Time
		}
	}

	var expMs int64
	if !expires.IsZero() {
		expMs = expires.UnixMilli()
	}
	_, err := s.db.Exec(`
		INSERT INTO credentials (id, token, user_id, user_name, user_role, saved_at, expires_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			user_id = excluded.user_id,
			user_name = excluded.user_name,
			user_role = excluded.user_role,
			saved_at = excluded.saved_at,
			expires_at = excluded.expires_at`,
		token, user.ID, user.Name, user.Role, time.Now().UnixMilli(), expMs)
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	s.mu.Lock()
	s.token, s.user, s.expires = token, user, expires
	s.mu.Unlock()
	return nil
}

// Clear deletes the stored credentials.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM credentials`); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	s.mu.Lock()
	s.token, s.user, s.expires = "", chat.User{}, time.Time{}
	s.mu.Unlock()
	return nil
}

// Token returns the session token, or "" when logged out.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// User returns the cached user record.
func (s *Store) User() chat.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// ExpiresAt returns the token's expiry, or the zero time when unknown.
func (s *Store) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expires
}

// LoggedIn reports whether a token is stored.
func (s *Store) LoggedIn() bool {
	return s.Token() != ""
}
