package live

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/formachat/internal/chat"
)

// Conn is one established push connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens push connections. Errors must match chat.ErrUnauthorized when
// the backend refused the credentials and chat.ErrNetwork otherwise.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials websocket connections with gorilla/websocket.
type WSDialer struct {
	Dialer *websocket.Dialer
}

// NewWSDialer returns a dialer with the given handshake timeout.
func NewWSDialer(handshakeTimeout time.Duration) *WSDialer {
	d := *websocket.DefaultDialer
	if handshakeTimeout > 0 {
		d.HandshakeTimeout = handshakeTimeout
	}
	return &WSDialer{Dialer: &d}
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err == nil {
		return conn, nil
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	if errors.Is(err, websocket.ErrBadHandshake) && resp != nil &&
		(resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return nil, &chat.RequestError{Kind: chat.ErrUnauthorized, Op: "dial", Status: resp.StatusCode, Err: err}
	}
	re := &chat.RequestError{Kind: chat.ErrNetwork, Op: "dial", Err: err}
	if resp != nil {
		re.Status = resp.StatusCode
	}
	return nil, re
}
