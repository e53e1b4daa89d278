package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/formachat/internal/lock"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"main", false},
		{"work123", false},
		{"my-session", false},
		{"my_session", false},
		{"a", false},
		{strings.Repeat("a", 64), false},
		{"", true},
		{"Main", true},
		{"my session", true},
		{"my.session", true},
		{"../main", true},
		{strings.Repeat("a", 65), true},
		{"my/session", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidName) {
				t.Errorf("error %v does not wrap ErrInvalidName", err)
			}
		})
	}
}

func TestListEmpty(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	got, err := List()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("List() = %v, want none", got)
	}
}

func TestList(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	for _, name := range []string{"work", "main"} {
		if err := EnsureDir(name); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(DBPath("main"), nil, 0600); err != nil {
		t.Fatal(err)
	}
	// Not a session name; skipped.
	if err := os.MkdirAll(filepath.Join(BaseDir(), "sessions", "Bad.Name"), 0700); err != nil {
		t.Fatal(err)
	}

	l, err := lock.Acquire(Dir("work"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Release() }()

	got, err := List()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "main" || got[1].Name != "work" {
		t.Fatalf("List() = %+v", got)
	}
	if !got[0].HasDatabase || got[0].DaemonPID != 0 {
		t.Errorf("main = %+v", got[0])
	}
	if got[1].HasDatabase || got[1].DaemonPID != os.Getpid() {
		t.Errorf("work = %+v", got[1])
	}
}
