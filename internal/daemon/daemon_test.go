package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/formachat/internal/api"
	"github.com/matheus3301/formachat/internal/chat"
	"github.com/matheus3301/formachat/internal/lock"
	"github.com/matheus3301/formachat/internal/rpcclient"
	"github.com/matheus3301/formachat/internal/session"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// shortHome points the session directory at a short /tmp path to stay under
// the 104-char Unix socket limit on macOS.
func shortHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "fc-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(session.HomeEnv, dir)
	return dir
}

// fakeBackend serves an empty participant list and accepts push connections.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	r := mux.NewRouter()
	r.HandleFunc("/api/chat/participants", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"U2","name":"Alice","conversationId":"C1"}]`))
	}).Methods(http.MethodGet)
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func token(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"id": "U1", "name": "Bob", "role": "student", "exp": exp.Unix()}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func startDaemon(t *testing.T, backend string) (*fx.App, *rpcclient.Client) {
	t.Helper()
	t.Setenv("FORMACHAT_BASE_URL", backend)
	t.Setenv("FORMACHAT_RECONNECT_BACKOFF", "10ms")

	app := fx.New(
		Module(Params{SessionName: "test"}),
		fx.NopLogger,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("start daemon: %v", err)
	}

	c, err := rpcclient.New(session.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return app, c
}

func stopDaemon(t *testing.T, app *fx.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		t.Errorf("stop daemon: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	home := shortHome(t)
	backend := fakeBackend(t)
	app, c := startDaemon(t, backend.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	if st.Session != "test" || st.LoggedIn || st.State != "DISCONNECTED" {
		t.Errorf("status before login = %+v", st)
	}

	user, err := c.Login(ctx, token(t, time.Now().Add(time.Hour)), chat.User{})
	if err != nil {
		t.Fatalf("Login error = %v", err)
	}
	if user.ID != "U1" || user.Name != "Bob" {
		t.Errorf("user = %+v, want claims of the token", user)
	}

	waitFor(t, "push channel", func() bool {
		st, err := c.Status(ctx)
		return err == nil && st.State == "CONNECTED"
	})

	dir, err := c.Conversations(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(dir.Conversations) != 1 || dir.Conversations[0].Participant.Name != "Alice" {
		t.Errorf("conversations = %+v", dir.Conversations)
	}

	if err := c.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	st, err = c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.LoggedIn || st.ConversationCount != 0 || st.State != "DISCONNECTED" {
		t.Errorf("status after logout = %+v", st)
	}

	stopDaemon(t, app)

	sessionDir := filepath.Join(home, "sessions", "test")
	if _, err := os.Stat(filepath.Join(sessionDir, "daemon.sock")); !os.IsNotExist(err) {
		t.Errorf("socket still present after stop: %v", err)
	}
	if pid := lock.Holder(sessionDir); pid != 0 {
		t.Errorf("lock still held by %d after stop", pid)
	}
}

func TestExpiredTokenIsRejected(t *testing.T) {
	shortHome(t)
	backend := fakeBackend(t)
	app, c := startDaemon(t, backend.URL)
	defer stopDaemon(t, app)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := c.Login(ctx, token(t, time.Now().Add(-time.Hour)), chat.User{})
	if grpcstatus.Code(err) != codes.Unauthenticated {
		t.Fatalf("Login error = %v, want Unauthenticated", err)
	}
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.LoggedIn {
		t.Error("rejected credentials were kept")
	}
	if st.State != "DISCONNECTED" {
		t.Errorf("state = %s, want DISCONNECTED", st.State)
	}
}

func TestCredentialsSurviveRestart(t *testing.T) {
	shortHome(t)
	backend := fakeBackend(t)

	app, c := startDaemon(t, backend.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.Login(ctx, token(t, time.Now().Add(time.Hour)), chat.User{}); err != nil {
		t.Fatal(err)
	}
	stopDaemon(t, app)

	app, c = startDaemon(t, backend.URL)
	defer stopDaemon(t, app)
	waitFor(t, "resumed session", func() bool {
		st, err := c.Status(ctx)
		return err == nil && st.LoggedIn && st.State == "CONNECTED" && st.User.ID == "U1"
	})
}

func TestSecondDaemonRefused(t *testing.T) {
	shortHome(t)
	backend := fakeBackend(t)
	app, _ := startDaemon(t, backend.URL)
	defer stopDaemon(t, app)

	second := fx.New(Module(Params{SessionName: "test"}), fx.NopLogger)
	if err := second.Err(); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = second.Stop(ctx)
		t.Fatal("second daemon for the same session started")
	} else if !strings.Contains(err.Error(), "lock") {
		t.Errorf("error = %v, want a lock error", err)
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	shortHome(t)
	if err := fx.ValidateApp(Module(Params{SessionName: "fxtest"}), fx.NopLogger); err != nil {
		t.Fatalf("fx graph: %v", err)
	}
}

func TestNewServerReplacesStaleSocket(t *testing.T) {
	home := shortHome(t)
	socketPath := filepath.Join(home, "d.sock")
	if err := os.WriteFile(socketPath, []byte("stale"), 0600); err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer(Params{SessionName: "fxtest", SocketPath: socketPath}, zap.NewNop(), api.NewService("fxtest", nil, nil, nil))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Errorf("mode = %v, want a socket", info.Mode())
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("perm = %o, want 600", perm)
	}

	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket not removed on stop")
	}
}
