package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/matheus3301/formachat/internal/chat"
	"github.com/matheus3301/formachat/internal/wire"
)

const testToken = "tok-123"

type recorded struct {
	Method    string
	Path      string
	Auth      string
	RequestID string
}

type sentForm struct {
	ConversationID string
	Body           string
	FileName       string
	FileType       string
	FileSize       int
}

// fakeBackend is an in-memory chat backend.
type fakeBackend struct {
	mu            sync.Mutex
	requests      []recorded
	conversations map[string]string // contact id -> conversation id
	messages      map[string][]map[string]any
	sent          []sentForm
	nextID        int
	status        int
	errMessage    string
	participants  string
	gate          chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		conversations: map[string]string{"A1": "C1"},
		messages:      map[string][]map[string]any{},
		participants: `[
			{"id":"A1","name":"Alice","isOnline":true,"conversationId":"C1","lastMessage":"","unreadCount":0},
			{"id":"B2","name":"Bruno"}
		]`,
	}
}

func (f *fakeBackend) router() http.Handler {
	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			f.mu.Lock()
			f.requests = append(f.requests, recorded{
				Method:    req.Method,
				Path:      req.URL.Path,
				Auth:      req.Header.Get("Authorization"),
				RequestID: req.Header.Get("X-Request-Id"),
			})
			status, msg := f.status, f.errMessage
			f.mu.Unlock()
			if status != 0 {
				w.WriteHeader(status)
				fmt.Fprintf(w, `{"message":%q}`, msg)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.HandleFunc("/api/chat/participants", f.handleParticipants).Methods(http.MethodGet)
	r.HandleFunc("/api/chat/conversation", f.handleConversation).Methods(http.MethodPost)
	r.HandleFunc("/api/chat/messages/{id}", f.handleMessages).Methods(http.MethodGet)
	r.HandleFunc("/api/chat/message", f.handleSend).Methods(http.MethodPost)
	return r
}

func (f *fakeBackend) handleParticipants(w http.ResponseWriter, r *http.Request) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	body := f.participants
	f.mu.Unlock()
	_, _ = io.WriteString(w, body)
}

func (f *fakeBackend) handleConversation(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DestinataireID string `json:"destinataireId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	id, ok := f.conversations[in.DestinataireID]
	if !ok {
		f.nextID++
		id = fmt.Sprintf("C%d", 100+f.nextID)
		f.conversations[in.DestinataireID] = id
	}
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":          id,
		"participant": map[string]any{"id": in.DestinataireID, "name": "Contact " + in.DestinataireID},
	})
}

func (f *fakeBackend) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	f.mu.Lock()
	page := f.messages[id]
	f.mu.Unlock()
	if page == nil {
		page = []map[string]any{}
	}
	_ = json.NewEncoder(w).Encode(page)
}

func (f *fakeBackend) handleSend(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"message":%q}`, err.Error())
		return
	}
	form := sentForm{
		ConversationID: r.FormValue("conversationId"),
		Body:           r.FormValue("body"),
	}
	msg := map[string]any{
		"conversationId": form.ConversationID,
		"senderId":       "U1",
		"body":           form.Body,
		"createdAt":      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC).Format(time.RFC3339),
	}
	if file, hdr, err := r.FormFile("attachment"); err == nil {
		data, _ := io.ReadAll(file)
		file.Close()
		form.FileName = hdr.Filename
		form.FileType = hdr.Header.Get("Content-Type")
		form.FileSize = len(data)
		msg["attachment"] = map[string]any{
			"name": hdr.Filename, "size": len(data), "mimeType": form.FileType, "path": "uploads/" + hdr.Filename,
		}
	}
	f.mu.Lock()
	f.nextID++
	msg["id"] = fmt.Sprintf("M%d", f.nextID)
	f.sent = append(f.sent, form)
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(msg)
}

func (f *fakeBackend) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeBackend) request(i int) recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func (f *fakeBackend) form(i int) sentForm {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

func newTestLoader(t *testing.T, f *fakeBackend) *Loader {
	t.Helper()
	srv := httptest.NewServer(f.router())
	t.Cleanup(srv.Close)
	return New(Options{
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
		Token:   func() string { return testToken },
	})
}

func TestLoadConversations(t *testing.T) {
	f := newFakeBackend()
	l := newTestLoader(t, f)

	dir, err := l.LoadConversations(context.Background())
	if err != nil {
		t.Fatalf("LoadConversations() error = %v", err)
	}
	if len(dir.Conversations) != 1 || dir.Conversations[0].ID != "C1" {
		t.Errorf("conversations = %+v", dir.Conversations)
	}
	if len(dir.Contacts) != 2 {
		t.Errorf("got %d contacts, want 2", len(dir.Contacts))
	}

	req := f.request(0)
	if req.Auth != "Bearer "+testToken {
		t.Errorf("Authorization = %q", req.Auth)
	}
	if req.RequestID == "" {
		t.Error("X-Request-Id missing")
	}
}

func TestLoadConversationsSharesConcurrentCalls(t *testing.T) {
	f := newFakeBackend()
	f.gate = make(chan struct{})
	l := newTestLoader(t, f)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.LoadConversations(context.Background())
			errs <- err
		}()
	}
	// Let both callers reach the shared call before releasing the handler.
	time.Sleep(100 * time.Millisecond)
	close(f.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if n := f.requestCount(); n != 1 {
		t.Errorf("backend saw %d requests, want 1", n)
	}
}

func TestLoadConversationsSurvivesFirstCallerCancel(t *testing.T) {
	f := newFakeBackend()
	f.gate = make(chan struct{})
	l := newTestLoader(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := l.LoadConversations(ctx)
		firstErr <- err
	}()
	time.Sleep(100 * time.Millisecond)

	type result struct {
		dir wire.Directory
		err error
	}
	second := make(chan result, 1)
	go func() {
		dir, err := l.LoadConversations(context.Background())
		second <- result{dir, err}
	}()
	time.Sleep(100 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		if !errors.Is(err, chat.ErrNetwork) || !errors.Is(err, context.Canceled) {
			t.Errorf("cancelled caller error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled caller still waiting")
	}

	close(f.gate)
	res := <-second
	if res.err != nil {
		t.Fatalf("second caller error = %v", res.err)
	}
	if len(res.dir.Conversations) != 1 {
		t.Errorf("conversations = %+v", res.dir.Conversations)
	}
	if n := f.requestCount(); n != 1 {
		t.Errorf("backend saw %d requests, want 1", n)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
		want    error
	}{
		{"unauthorized", http.StatusUnauthorized, "Token invalide", chat.ErrUnauthorized},
		{"forbidden", http.StatusForbidden, "Accès refusé", chat.ErrUnauthorized},
		{"not found", http.StatusNotFound, "Conversation introuvable", chat.ErrServer},
		{"server", http.StatusInternalServerError, "Erreur interne", chat.ErrServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeBackend()
			f.status = tt.status
			f.errMessage = tt.message
			l := newTestLoader(t, f)

			_, err := l.LoadMessages(context.Background(), "C1")
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			var re *chat.RequestError
			if !errors.As(err, &re) {
				t.Fatalf("error type = %T, want *chat.RequestError", err)
			}
			if re.Message != tt.message {
				t.Errorf("Message = %q, want %q", re.Message, tt.message)
			}
			if re.Status != tt.status {
				t.Errorf("Status = %d, want %d", re.Status, tt.status)
			}
		})
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	l := New(Options{BaseURL: url, Timeout: time.Second})
	_, err := l.LoadConversations(context.Background())
	if !errors.Is(err, chat.ErrNetwork) {
		t.Errorf("error = %v, want ErrNetwork", err)
	}
}

func TestLoadMessagesEmptyHistory(t *testing.T) {
	f := newFakeBackend()
	l := newTestLoader(t, f)

	msgs, err := l.LoadMessages(context.Background(), "C1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want 0", len(msgs))
	}
	if f.request(0).Path != "/api/chat/messages/C1" {
		t.Errorf("path = %q", f.request(0).Path)
	}
}

func TestLoadMessagesDropsMalformedAndForeign(t *testing.T) {
	f := newFakeBackend()
	f.messages["C1"] = []map[string]any{
		{"id": "M1", "conversationId": "C1", "senderId": "A1", "body": "a", "createdAt": "2026-03-02T09:00:00Z"},
		{"id": "M2", "conversationId": "C1", "senderId": "A1", "body": "b"},
		{"id": "M3", "conversationId": "C9", "senderId": "A1", "body": "c", "createdAt": "2026-03-02T09:00:02Z"},
	}
	l := newTestLoader(t, f)

	msgs, err := l.LoadMessages(context.Background(), "C1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "M1" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestEnsureConversationIdempotent(t *testing.T) {
	f := newFakeBackend()
	l := newTestLoader(t, f)
	ctx := context.Background()

	first, err := l.EnsureConversation(ctx, "B2")
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.EnsureConversation(ctx, "B2")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("ids differ: %q vs %q", first.ID, second.ID)
	}
	if first.Participant.ID != "B2" {
		t.Errorf("participant = %+v", first.Participant)
	}
}

func TestEnsureConversationRequiresContact(t *testing.T) {
	f := newFakeBackend()
	l := newTestLoader(t, f)

	_, err := l.EnsureConversation(context.Background(), "")
	if !errors.Is(err, chat.ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
	if n := f.requestCount(); n != 0 {
		t.Errorf("backend saw %d requests, want 0", n)
	}
}

func TestSendMessageText(t *testing.T) {
	f := newFakeBackend()
	l := newTestLoader(t, f)

	m, err := l.SendMessage(context.Background(), "C1", "Bonjour", "")
	if err != nil {
		t.Fatal(err)
	}
	if m.ID == "" || m.Body != "Bonjour" || m.ConversationID != "C1" {
		t.Errorf("message = %+v", m)
	}
	if f.form(0).ConversationID != "C1" || f.form(0).Body != "Bonjour" {
		t.Errorf("form = %+v", f.form(0))
	}
}

func TestSendMessageWithAttachment(t *testing.T) {
	f := newFakeBackend()
	l := newTestLoader(t, f)

	path := filepath.Join(t.TempDir(), "programme.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := l.SendMessage(context.Background(), "C1", "", path)
	if err != nil {
		t.Fatal(err)
	}
	if m.Attachment == nil || m.Attachment.Name != "programme.pdf" {
		t.Fatalf("attachment = %+v", m.Attachment)
	}
	form := f.form(0)
	if form.FileType != "application/pdf" {
		t.Errorf("uploaded content type = %q, want application/pdf", form.FileType)
	}
	if form.FileName != "programme.pdf" {
		t.Errorf("uploaded file name = %q", form.FileName)
	}
}

func TestSendMessageLocalRejection(t *testing.T) {
	dir := t.TempDir()
	big := filepath.Join(dir, "big.png")
	fh, err := os.Create(big)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fh.Write([]byte("\x89PNG\r\n\x1a\n")); err != nil {
		t.Fatal(err)
	}
	if err := fh.Truncate(6 << 20); err != nil {
		t.Fatal(err)
	}
	fh.Close()

	script := filepath.Join(dir, "notes.pdf")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		convID string
		body   string
		path   string
		want   error
	}{
		{"6 MiB attachment", "C1", "", big, chat.ErrAttachmentTooLarge},
		{"disguised type", "C1", "", script, chat.ErrAttachmentType},
		{"empty body", "C1", "   ", "", chat.ErrEmptyMessage},
		{"no conversation", "", "hi", "", chat.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeBackend()
			l := newTestLoader(t, f)

			_, err := l.SendMessage(context.Background(), tt.convID, tt.body, tt.path)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, chat.ErrValidation) {
				t.Errorf("error = %v, want a validation error", err)
			}
			if n := f.requestCount(); n != 0 {
				t.Errorf("backend saw %d requests, want 0", n)
			}
		})
	}
}
