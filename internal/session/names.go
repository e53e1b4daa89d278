package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/matheus3301/formachat/internal/lock"
)

// ErrInvalidName is wrapped by ValidateName failures.
var ErrInvalidName = errors.New("invalid session name")

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name is usable as a directory and socket name:
// 1 to 64 characters of a-z, 0-9, '_' or '-'.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidName, name, nameRegexp)
	}
	return nil
}

// Info describes a session directory found on disk.
type Info struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	DaemonPID   int    `json:"daemonPid,omitempty"`
	HasDatabase bool   `json:"hasDatabase"`
}

// List returns the sessions under the base directory, sorted by name.
// Directories whose names are not valid session names are skipped.
func List() ([]Info, error) {
	entries, err := os.ReadDir(filepath.Join(BaseDir(), "sessions"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []Info
	for _, e := range entries {
		if !e.IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		_, dbErr := os.Stat(DBPath(e.Name()))
		out = append(out, Info{
			Name:        e.Name(),
			Path:        Dir(e.Name()),
			DaemonPID:   lock.Holder(Dir(e.Name())),
			HasDatabase: dbErr == nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
