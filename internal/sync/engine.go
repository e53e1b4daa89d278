// Package sync coordinates the conversation store, the history loader and
// the push channel of one session.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/formachat/internal/bus"
	"github.com/matheus3301/formachat/internal/chat"
	"github.com/matheus3301/formachat/internal/live"
	"github.com/matheus3301/formachat/internal/notice"
	"github.com/matheus3301/formachat/internal/outbox"
	"github.com/matheus3301/formachat/internal/status"
	"github.com/matheus3301/formachat/internal/store"
	"github.com/matheus3301/formachat/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrSendInFlight is returned by Send while a previous send for the same
// conversation is pending.
var ErrSendInFlight = outbox.ErrSendInFlight

// Loader is the request/response side of the backend.
type Loader interface {
	LoadConversations(ctx context.Context) (wire.Directory, error)
	LoadMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	EnsureConversation(ctx context.Context, contactID string) (chat.Conversation, error)
	SendMessage(ctx context.Context, conversationID, body, attachmentPath string) (chat.Message, error)
}

// Channel is the push side of the backend.
type Channel interface {
	Connect(ctx context.Context, token string) error
	Join(conversationID string)
	Leave(conversationID string)
	Joined() string
	SendTyping(conversationID string, isTyping bool) bool
	State() status.State
	Close() error
}

// ChannelFactory builds a push channel delivering to h.
type ChannelFactory func(h live.Handler) Channel

// Credentials supplies the session token and the authenticated user.
type Credentials interface {
	Token() string
	User() chat.User
}

// StoreChange is the payload of bus.KindStoreChanged.
type StoreChange struct {
	ConversationID string
	Reason         string
}

// TypingNotice is the payload of bus.KindLiveTyping.
type TypingNotice struct {
	ConversationID string
	UserID         string
	IsTyping       bool
	Expires        time.Time
}

// ErrorNotice is the payload of bus.KindLiveError and bus.KindHistoryError.
type ErrorNotice struct {
	Op      string
	Message string
	Auth    bool
}

// Options configures an Engine.
type Options struct {
	Loader      Loader
	NewChannel  ChannelFactory
	Credentials Credentials
	Bus         *bus.Bus
	Logger      *zap.Logger

	TypingExpiry time.Duration
	BannerTTL    time.Duration
	Now          notice.Clock

	// OnAuthFailure runs when the backend rejects the session credentials.
	OnAuthFailure func(err error)
}

// Engine is the session's sync coordinator.
type Engine struct {
	store      *store.Store
	reconciler *Reconciler
	loader     Loader
	sender     *outbox.Sender
	creds      Credentials
	bus        *bus.Bus
	logger     *zap.Logger
	typing     *notice.Typing
	banner     *notice.Flash
	bannerTTL  time.Duration
	now        notice.Clock
	newChannel ChannelFactory
	onAuth     func(error)

	mu       gosync.RWMutex
	channel  Channel
	contacts []chat.Participant
}

// NewEngine creates a new sync engine.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := opts.Bus
	if b == nil {
		b = bus.New()
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = 3 * time.Second
	}
	if opts.BannerTTL <= 0 {
		opts.BannerTTL = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		loader:     opts.Loader,
		sender:     outbox.NewSender(opts.Loader, logger.Named("outbox")),
		creds:      opts.Credentials,
		bus:        b,
		logger:     logger,
		typing:     notice.NewTyping(opts.TypingExpiry, opts.Now),
		banner:     notice.NewFlash(opts.Now),
		bannerTTL:  opts.BannerTTL,
		now:        opts.Now,
		newChannel: opts.NewChannel,
		onAuth:     opts.OnAuthFailure,
	}
	e.store = store.New(e)
	e.reconciler = NewReconciler(e.store, logger.Named("reconciler"))
	e.channel = e.newChannel(e)
	return e
}

// Join forwards the store's channel switch to the current push channel.
func (e *Engine) Join(conversationID string) {
	ch := e.currentChannel()
	if conversationID == "" {
		if joined := ch.Joined(); joined != "" {
			ch.Leave(joined)
		}
		return
	}
	ch.Join(conversationID)
}

func (e *Engine) currentChannel() Channel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.channel
}

// Start loads the conversation list and connects the push channel
// concurrently. Either may fail without stopping the other; both errors are
// returned.
func (e *Engine) Start(ctx context.Context) error {
	user := e.creds.User()
	e.store.SetSelf(user.ID)

	var (
		g                   errgroup.Group
		loadErr, connectErr error
	)
	g.Go(func() error {
		loadErr = e.RefreshConversations(ctx)
		return nil
	})
	g.Go(func() error {
		connectErr = e.Connect(ctx)
		return nil
	})
	_ = g.Wait()

	e.logger.Info("sync engine started",
		zap.String("user_id", user.ID),
		zap.Int("conversations", len(e.store.Conversations())),
		zap.String("live", string(e.State())))
	return errors.Join(loadErr, connectErr)
}

// Connect opens the push channel with the current token.
func (e *Engine) Connect(ctx context.Context) error {
	err := e.currentChannel().Connect(ctx, e.creds.Token())
	if err != nil {
		e.reportLiveError("connect", err)
		return fmt.Errorf("connect push channel: %w", err)
	}
	return nil
}

// RefreshConversations replaces the known conversations with the backend's list.
// On failure the current list is kept.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	dir, err := e.loader.LoadConversations(ctx)
	if err != nil {
		e.reportHistoryError("load conversations", err)
		return err
	}
	e.store.SetConversations(dir.Conversations)
	e.mu.Lock()
	e.contacts = dir.Contacts
	e.mu.Unlock()
	e.changed("", "conversations")
	return nil
}

// Open selects a conversation and loads its history. The page is discarded
// with ErrSuperseded if another conversation was selected meanwhile. A load
// failure leaves the live channel joined.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return &chat.ValidationError{Field: "conversationId", Err: errors.New("required")}
	}
	e.store.SelectConversation(conversationID)
	e.changed(conversationID, "selected")

	page, err := e.loader.LoadMessages(ctx, conversationID)
	if err != nil {
		e.reportHistoryError("load messages", err)
		return err
	}
	if err := e.reconciler.ApplyHistory(conversationID, page); err != nil {
		return err
	}
	e.changed(conversationID, "history")
	return nil
}

// OpenContact creates or fetches the conversation with a contact and opens it.
func (e *Engine) OpenContact(ctx context.Context, contactID string) (chat.Conversation, error) {
	c, err := e.loader.EnsureConversation(ctx, contactID)
	if err != nil {
		e.reportHistoryError("ensure conversation", err)
		return chat.Conversation{}, err
	}
	if c.Participant.Name == "" {
		if p, ok := e.contact(contactID); ok {
			c.Participant = p
		}
	}
	e.store.UpsertConversation(c)
	if err := e.Open(ctx, c.ID); err != nil {
		return c, err
	}
	if known, ok := e.store.Conversation(c.ID); ok {
		c = known
	}
	return c, nil
}

// Send posts a message and appends the backend's canonical record. Invalid
// input never reaches the backend.
func (e *Engine) Send(ctx context.Context, conversationID, body, attachmentPath string) (chat.Message, error) {
	msg, err := e.sender.Send(ctx, conversationID, body, attachmentPath)
	if err != nil {
		if chat.IsAuth(err) {
			e.authFailed(err)
		}
		return chat.Message{}, err
	}
	if outcome := e.store.AppendMessage(msg); outcome != store.Duplicate {
		e.changed(msg.ConversationID, "sent")
	}
	return msg, nil
}

// Typing forwards a typing signal. It reports whether the signal was written.
func (e *Engine) Typing(conversationID string, isTyping bool) bool {
	return e.currentChannel().SendTyping(conversationID, isTyping)
}

// MarkRead zeroes a conversation's unread count.
func (e *Engine) MarkRead(conversationID string) {
	e.store.MarkRead(conversationID)
	e.changed(conversationID, "read")
}

// Reset drops all session state and replaces the push channel. Used on logout.
func (e *Engine) Reset() {
	e.mu.Lock()
	old := e.channel
	e.channel = e.newChannel(e)
	e.contacts = nil
	e.mu.Unlock()

	if err := old.Close(); err != nil {
		e.logger.Warn("closing push channel", zap.Error(err))
	}
	e.store.SelectConversation("")
	e.store.SetConversations(nil)
	e.store.SetSelf("")
	e.banner.Clear()
	e.changed("", "reset")
}

// Stop tears down the push channel.
func (e *Engine) Stop() {
	if err := e.currentChannel().Close(); err != nil {
		e.logger.Warn("closing push channel", zap.Error(err))
	}
}

// HandleMessage merges a pushed message into the store.
func (e *Engine) HandleMessage(msg chat.Message) {
	outcome := e.store.AppendMessage(msg)
	e.logger.Debug("push message",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("msg_id", msg.ID),
		zap.Stringer("outcome", outcome))
	e.typing.Set(msg.ConversationID, msg.SenderID, false)
	if outcome != store.Duplicate {
		e.changed(msg.ConversationID, outcome.String())
	}
}

// HandleTyping records a typing indicator. Signals without a conversation
// apply to the active one.
func (e *Engine) HandleTyping(sig wire.TypingSignal) {
	conversationID := sig.ConversationID
	if conversationID == "" {
		conversationID = e.store.ActiveID()
	}
	if conversationID == "" || sig.UserID == e.creds.User().ID {
		return
	}
	e.typing.Set(conversationID, sig.UserID, sig.IsTyping)
	e.bus.Emit(bus.KindLiveTyping, TypingNotice{
		ConversationID: conversationID,
		UserID:         sig.UserID,
		IsTyping:       sig.IsTyping,
		Expires:        e.now().Add(e.typing.Window()),
	})
}

// HandleError shows a server-reported error as a banner. Authorization
// failures also end the session.
func (e *Engine) HandleError(err error) {
	if chat.IsAuth(err) {
		e.authFailed(err)
		return
	}
	e.reportLiveError("push", err)
}

func (e *Engine) authFailed(err error) {
	e.logger.Warn("session rejected by backend", zap.Error(err))
	e.banner.Set(message(err), e.bannerTTL)
	e.bus.Emit(bus.KindLiveError, ErrorNotice{Op: "auth", Message: message(err), Auth: true})
	if e.onAuth != nil {
		e.onAuth(err)
	}
}

func (e *Engine) reportLiveError(op string, err error) {
	if chat.IsAuth(err) {
		e.authFailed(err)
		return
	}
	e.logger.Warn("live channel error", zap.String("op", op), zap.Error(err))
	e.banner.Set(message(err), e.bannerTTL)
	e.bus.Emit(bus.KindLiveError, ErrorNotice{Op: op, Message: message(err)})
}

func (e *Engine) reportHistoryError(op string, err error) {
	if chat.IsAuth(err) {
		e.authFailed(err)
		return
	}
	e.logger.Warn("history request failed", zap.String("op", op), zap.Error(err))
	e.bus.Emit(bus.KindHistoryError, ErrorNotice{Op: op, Message: message(err)})
}

func (e *Engine) changed(conversationID, reason string) {
	e.bus.Emit(bus.KindStoreChanged, StoreChange{ConversationID: conversationID, Reason: reason})
}

func (e *Engine) contact(id string) (chat.Participant, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range e.contacts {
		if p.ID == id {
			return p, true
		}
	}
	return chat.Participant{}, false
}

// message returns the text shown to the user for err.
func message(err error) string {
	var re *chat.RequestError
	if errors.As(err, &re) && re.Message != "" {
		return re.Message
	}
	return err.Error()
}

// Snapshot returns a copy of the store.
func (e *Engine) Snapshot() store.Snapshot {
	return e.store.Snapshot()
}

// Contacts returns the contacts of the last directory fetch.
func (e *Engine) Contacts() []chat.Participant {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]chat.Participant, len(e.contacts))
	copy(out, e.contacts)
	return out
}

// State returns the push channel state.
func (e *Engine) State() status.State {
	return e.currentChannel().State()
}

// TypingIn returns who is typing in a conversation, if anyone.
func (e *Engine) TypingIn(conversationID string) (string, bool) {
	return e.typing.Get(conversationID)
}

// Banner returns the current error banner, or empty.
func (e *Engine) Banner() string {
	return e.banner.Get()
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}
