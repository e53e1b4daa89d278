package notice

import (
	"sync"
	"time"
)

// Clock returns the current time. Tests replace it.
type Clock func() time.Time

// Flash holds a single transient message.
type Flash struct {
	mu      sync.RWMutex
	now     Clock
	message string
	expires time.Time
}

// NewFlash returns a Flash using now, or time.Now when now is nil.
func NewFlash(now Clock) *Flash {
	if now == nil {
		now = time.Now
	}
	return &Flash{now: now}
}

// Set stores a message that expires after d.
func (f *Flash) Set(msg string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.expires = f.now().Add(d)
}

// Clear drops the current message.
func (f *Flash) Clear() {
	f.mu.Lock()
	f.message = ""
	f.mu.Unlock()
}

// Get returns the current message, or empty if expired.
func (f *Flash) Get() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.now().Before(f.expires) {
		return ""
	}
	return f.message
}

// Typing tracks who is typing in each conversation. Entries expire on their
// own after the configured window; a stop signal removes them at once.
type Typing struct {
	mu      sync.Mutex
	now     Clock
	window  time.Duration
	entries map[string]typingEntry
}

type typingEntry struct {
	userID  string
	expires time.Time
}

// NewTyping returns an indicator whose entries live for window.
func NewTyping(window time.Duration, now Clock) *Typing {
	if now == nil {
		now = time.Now
	}
	return &Typing{now: now, window: window, entries: make(map[string]typingEntry)}
}

// Set records that userID is typing (or stopped typing) in conversationID.
func (t *Typing) Set(conversationID, userID string, typing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !typing {
		if e, ok := t.entries[conversationID]; ok && (userID == "" || e.userID == userID) {
			delete(t.entries, conversationID)
		}
		return
	}
	t.entries[conversationID] = typingEntry{userID: userID, expires: t.now().Add(t.window)}
}

// Get returns the user typing in conversationID, if the indicator has not expired.
func (t *Typing) Get(conversationID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[conversationID]
	if !ok {
		return "", false
	}
	if !t.now().Before(e.expires) {
		delete(t.entries, conversationID)
		return "", false
	}
	return e.userID, true
}

// Window returns the expiry window.
func (t *Typing) Window() time.Duration {
	return t.window
}
