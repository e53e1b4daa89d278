package credstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/formachat/internal/chat"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2", result.Version)
	}
}

func TestEmptyStore(t *testing.T) {
	s, err := New(testDB(t))
	if err != nil {
		t.Fatal(err)
	}
	if s.LoggedIn() || s.Token() != "" {
		t.Errorf("fresh store has token %q", s.Token())
	}
}

func TestSaveAndReload(t *testing.T) {
	db := testDB(t)
	s, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	user := chat.User{ID: "U1", Name: "Camille", Role: "formateur"}
	if err := s.Save("opaque-token", user); err != nil {
		t.Fatal(err)
	}

	reloaded, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Token() != "opaque-token" {
		t.Errorf("token = %q", reloaded.Token())
	}
	if reloaded.User() != user {
		t.Errorf("user = %+v, want %+v", reloaded.User(), user)
	}
	if !reloaded.ExpiresAt().IsZero() {
		t.Errorf("opaque token has expiry %v", reloaded.ExpiresAt())
	}
}

func TestSaveReadsJWTClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "U42",
		"name": "Nadia",
		"role": "participant",
		"exp":  exp.Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	db := testDB(t)
	s, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(token, chat.User{Role: "administrateur"}); err != nil {
		t.Fatal(err)
	}

	want := chat.User{ID: "U42", Name: "Nadia", Role: "administrateur"}
	if s.User() != want {
		t.Errorf("user = %+v, want %+v", s.User(), want)
	}
	reloaded, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.ExpiresAt().Equal(exp) {
		t.Errorf("expires = %v, want %v", reloaded.ExpiresAt(), exp)
	}
}

func TestSaveReplacesAndClear(t *testing.T) {
	db := testDB(t)
	s, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save("first", chat.User{ID: "U1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save("second", chat.User{ID: "U2"}); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM credentials`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("credential rows = %d, want 1", n)
	}
	if s.Token() != "second" {
		t.Errorf("token = %q, want second", s.Token())
	}

	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if s.LoggedIn() {
		t.Error("still logged in after Clear")
	}
	reloaded, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.LoggedIn() {
		t.Error("credentials survived Clear on disk")
	}
}

func TestSaveRejectsEmptyToken(t *testing.T) {
	s, err := New(testDB(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save("", chat.User{}); !errors.Is(err, ErrNoToken) {
		t.Errorf("error = %v, want ErrNoToken", err)
	}
}
