// Package live maintains the push channel: one websocket per session that
// delivers new messages and typing signals and carries join/leave/typing
// frames, with a bounded reconnect loop.
package live

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/formachat/internal/bus"
	"github.com/matheus3301/formachat/internal/chat"
	"github.com/matheus3301/formachat/internal/status"
	"github.com/matheus3301/formachat/internal/wire"
	"go.uber.org/zap"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("live channel closed")

const (
	DefaultAttempts = 5
	DefaultBackoff  = 2 * time.Second
)

// authReasons are chatError reasons that mean the session must re-authenticate.
var authReasons = []string{"unauthorized", "invalid token", "jwt expired", "authentication"}

// Handler receives inbound events. Calls come from the read goroutine, one at a time.
type Handler interface {
	HandleMessage(msg chat.Message)
	HandleTyping(sig wire.TypingSignal)
	// HandleError receives server-reported errors (chat.ErrServer), auth
	// failures (chat.ErrUnauthorized) and exhausted reconnects (chat.ErrNetwork).
	HandleError(err error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options configures a Channel.
type Options struct {
	URL      string
	Attempts int
	Backoff  time.Duration
	Dialer   Dialer
	Sleep    SleepFunc
	Now      func() time.Time
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// Channel is the push channel of one session.
type Channel struct {
	url      string
	attempts int
	backoff  time.Duration
	dialer   Dialer
	sleep    SleepFunc
	now      func() time.Time
	logger   *zap.Logger
	handler  Handler
	machine  *status.Machine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	conn      Conn
	token     string
	joined    string // conversation the caller wants to be joined to
	effective string // conversation whose join was written or acknowledged
	closed    bool

	writeMu sync.Mutex
}

// New creates a disconnected channel.
func New(opts Options, h Handler) *Channel {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWSDialer(10 * time.Second)
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if h == nil {
		h = nopHandler{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		url:      opts.URL,
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
		dialer:   opts.Dialer,
		sleep:    opts.Sleep,
		now:      opts.Now,
		logger:   opts.Logger,
		handler:  h,
		machine:  status.NewMachine(opts.Bus),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// State returns the connection state.
func (c *Channel) State() status.State {
	return c.machine.Current()
}

// Joined returns the conversation the channel is (or will be, once connected) joined to.
func (c *Channel) Joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Connect opens the channel with token. It is a no-op unless the channel is
// disconnected. A failed first dial hands over to the reconnect loop and
// returns the dial error; an authorization failure does not.
func (c *Channel) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	if c.machine.Current() != status.Disconnected {
		return nil
	}
	if err := checkToken(token, c.now()); err != nil {
		c.logger.Warn("refusing to connect", zap.Error(err))
		return err
	}
	if !c.machine.CompareAndTransition(status.Connecting, status.Disconnected) {
		return nil
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, c.endpoint(token))
	if err != nil {
		if chat.IsAuth(err) {
			c.machine.CompareAndTransition(status.Disconnected, status.Connecting)
			return err
		}
		c.logger.Warn("push channel dial failed", zap.Error(err))
		if c.machine.CompareAndTransition(status.Reconnecting, status.Connecting) {
			c.spawn(func() { c.reconnect(err) })
		}
		return err
	}
	if !c.attach(conn) {
		return ErrClosed
	}
	return nil
}

func (c *Channel) endpoint(token string) string {
	u, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// attach installs a freshly dialed connection, replays the join and starts
// the read loop.
func (c *Channel) attach(conn Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	c.effective = ""
	c.mu.Unlock()

	if !c.machine.CompareAndTransition(status.Connected, status.Connecting) {
		c.drop(conn)
		return false
	}
	c.logger.Info("push channel connected")

	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()

	if joined != "" {
		if err := c.write(conn, wire.EventJoinChat, wire.JoinChat{ConversationID: joined}); err != nil {
			c.logger.Warn("rejoin failed", zap.String("conversation_id", joined), zap.Error(err))
		} else {
			c.markEffective(conn, joined)
		}
	}

	if !c.spawn(func() { c.readLoop(conn) }) {
		c.drop(conn)
		return false
	}
	return true
}

// spawn runs fn in a goroutine tracked by Close. It refuses once closed.
func (c *Channel) spawn(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// drop forgets conn if it is still current and closes it.
func (c *Channel) drop(conn Conn) bool {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.effective = ""
	}
	c.mu.Unlock()
	_ = conn.Close()
	return current
}

func (c *Channel) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.drop(conn) {
				return
			}
			c.logger.Warn("push channel lost", zap.Error(err))
			if c.machine.CompareAndTransition(status.Reconnecting, status.Connected) {
				c.reconnect(err)
			}
			return
		}

		ev, err := wire.DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if ev == nil {
			continue
		}
		if !c.dispatch(conn, ev) {
			return
		}
	}
}

// dispatch hands an inbound event to the handler. It returns false when the
// connection was torn down.
func (c *Channel) dispatch(conn Conn, ev *wire.Inbound) bool {
	switch {
	case ev.Message != nil:
		c.handler.HandleMessage(*ev.Message)
	case ev.Typing != nil:
		c.handler.HandleTyping(*ev.Typing)
	case ev.Joined != "":
		c.mu.Lock()
		if c.conn == conn && c.joined == ev.Joined {
			c.effective = ev.Joined
		}
		c.mu.Unlock()
	case ev.Error != nil:
		reason := ev.Error.Reason
		if isAuthReason(reason) {
			c.logger.Warn("push channel rejected credentials", zap.String("reason", reason))
			c.drop(conn)
			c.machine.CompareAndTransition(status.Disconnected, status.Connected, status.Connecting, status.Reconnecting)
			c.handler.HandleError(&chat.RequestError{Kind: chat.ErrUnauthorized, Op: "push", Message: reason})
			return false
		}
		c.handler.HandleError(&chat.RequestError{Kind: chat.ErrServer, Op: "push", Message: reason})
	}
	return true
}

func isAuthReason(reason string) bool {
	r := strings.ToLower(reason)
	for _, kw := range authReasons {
		if strings.Contains(r, kw) {
			return true
		}
	}
	return false
}

// reconnect runs with the machine in Reconnecting. It makes at most
// c.attempts dials separated by the backoff and settles in Disconnected when
// they all fail.
func (c *Channel) reconnect(cause error) {
	lastErr := cause
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err := c.sleep(c.ctx, c.backoff); err != nil {
			return
		}
		if !c.machine.CompareAndTransition(status.Connecting, status.Reconnecting) {
			return
		}
		c.mu.Lock()
		token := c.token
		c.mu.Unlock()

		c.logger.Info("reconnecting push channel", zap.Int("attempt", attempt), zap.Int("max", c.attempts))
		conn, err := c.dialer.Dial(c.ctx, c.endpoint(token))
		if err == nil {
			c.attach(conn)
			return
		}
		lastErr = err
		if chat.IsAuth(err) {
			c.machine.CompareAndTransition(status.Disconnected, status.Connecting)
			c.handler.HandleError(err)
			return
		}
		c.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == c.attempts {
			break
		}
		if !c.machine.CompareAndTransition(status.Reconnecting, status.Connecting) {
			return
		}
	}

	if c.machine.CompareAndTransition(status.Disconnected, status.Connecting, status.Reconnecting) {
		c.logger.Error("push channel gave up", zap.Int("attempts", c.attempts), zap.Error(lastErr))
		c.handler.HandleError(&chat.RequestError{
			Kind: chat.ErrNetwork,
			Op:   "reconnect",
			Err:  fmt.Errorf("%d attempts failed: %w", c.attempts, lastErr),
		})
	}
}

// Join scopes push delivery to conversationID, leaving the previously joined
// conversation. The join is remembered and replayed after reconnects.
func (c *Channel) Join(conversationID string) {
	c.mu.Lock()
	prev := c.joined
	if prev == conversationID {
		c.mu.Unlock()
		return
	}
	c.joined = conversationID
	c.effective = ""
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || c.machine.Current() != status.Connected {
		return
	}
	if prev != "" {
		if err := c.write(conn, wire.EventLeaveChat, wire.JoinChat{ConversationID: prev}); err != nil {
			c.logger.Warn("leave failed", zap.String("conversation_id", prev), zap.Error(err))
		}
	}
	if conversationID == "" {
		return
	}
	if err := c.write(conn, wire.EventJoinChat, wire.JoinChat{ConversationID: conversationID}); err != nil {
		c.logger.Warn("join failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	c.markEffective(conn, conversationID)
}

// Leave leaves conversationID if it is the joined conversation.
func (c *Channel) Leave(conversationID string) {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if joined == conversationID && joined != "" {
		c.Join("")
	}
}

func (c *Channel) markEffective(conn Conn, conversationID string) {
	c.mu.Lock()
	if c.conn == conn && c.joined == conversationID {
		c.effective = conversationID
	}
	c.mu.Unlock()
}

// SendTyping writes a typing signal. It is dropped, and false returned,
// unless the channel is connected and joined to conversationID.
func (c *Channel) SendTyping(conversationID string, isTyping bool) bool {
	c.mu.Lock()
	conn, effective := c.conn, c.effective
	c.mu.Unlock()

	if conn == nil || conversationID == "" || effective != conversationID || c.machine.Current() != status.Connected {
		c.logger.Debug("typing signal dropped", zap.String("conversation_id", conversationID))
		return false
	}
	if err := c.write(conn, wire.EventTyping, wire.Typing{ConversationID: conversationID, IsTyping: isTyping}); err != nil {
		c.logger.Debug("typing signal failed", zap.Error(err))
		return false
	}
	return true
}

func (c *Channel) write(conn Conn, event string, data any) error {
	frame, err := wire.Encode(event, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Close tears the channel down. It is terminal: later Connect calls fail.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.effective = ""
	c.mu.Unlock()

	c.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.machine.CompareAndTransition(status.Disconnected, status.Connecting, status.Connected, status.Reconnecting)
	c.wg.Wait()
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopHandler struct{}

func (nopHandler) HandleMessage(chat.Message)     {}
func (nopHandler) HandleTyping(wire.TypingSignal) {}
func (nopHandler) HandleError(error)              {}
