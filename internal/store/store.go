package store

import (
	"slices"
	"sort"
	"sync"

	"github.com/matheus3301/formachat/internal/chat"
)

// Joiner is told which conversation's push channel to join when the active
// conversation changes. Joining implies leaving the previously joined one.
type Joiner interface {
	Join(conversationID string)
}

// Outcome describes what AppendMessage did with a message.
type Outcome int

const (
	// Appended means the message was inserted into the open list.
	Appended Outcome = iota
	// Duplicate means a message with the same ID was already present.
	Duplicate
	// Background means the message belongs to another conversation; only its
	// preview and unread count were updated.
	Background
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Duplicate:
		return "duplicate"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time copy of the store.
type Snapshot struct {
	Conversations []chat.Conversation
	ActiveID      string
	Messages      []chat.Message
}

// Store is the in-memory source of truth for conversations and the open
// message list. All transitions are serialized; none of them fail.
type Store struct {
	mu sync.RWMutex
	// selMu orders selections with their joins. The joiner must not call
	// back into SelectConversation.
	selMu sync.Mutex

	selfID        string
	conversations []chat.Conversation
	index         map[string]int

	activeID string
	messages []chat.Message
	ids      map[string]struct{}

	// counted maps IDs of messages already shown or reflected in an unread
	// count to their conversation, so a repeat push is not counted again.
	counted map[string]string

	joiner Joiner
}

// New creates an empty store. joiner may be nil.
func New(joiner Joiner) *Store {
	return &Store{
		index:   make(map[string]int),
		ids:     make(map[string]struct{}),
		counted: make(map[string]string),
		joiner:  joiner,
	}
}

// maxCounted bounds the repeat-push set; it is dropped once exceeded.
const maxCounted = 4096

// SetSelf records the authenticated user's ID; own messages never raise unread counts.
func (s *Store) SetSelf(userID string) {
	s.mu.Lock()
	if userID != s.selfID {
		s.counted = make(map[string]string)
	}
	s.selfID = userID
	s.mu.Unlock()
}

// SetConversations replaces the known conversation set.
func (s *Store) SetConversations(list []chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = slices.Clone(list)
	s.index = make(map[string]int, len(list))
	for i, c := range s.conversations {
		s.index[c.ID] = i
	}
}

// UpsertConversation adds a conversation to the known set or refreshes its participant.
func (s *Store) UpsertConversation(c chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i, ok := s.index[c.ID]; ok {
		s.conversations[i].Participant = c.Participant
		return
	}
	s.index[c.ID] = len(s.conversations)
	s.conversations = append(s.conversations, c)
}

// SelectConversation makes id the active conversation and clears the open
// list until history for it is applied. The joiner is told to switch channels.
func (s *Store) SelectConversation(id string) {
	s.selMu.Lock()
	defer s.selMu.Unlock()

	s.mu.Lock()
	s.retire(id)
	s.activeID = id
	s.messages = nil
	s.ids = make(map[string]struct{})
	joiner := s.joiner
	s.mu.Unlock()

	if joiner != nil {
		joiner.Join(id)
	}
}

// retire moves the IDs displayed in the conversation being left into the
// repeat-push set and forgets those of next, which is about to be displayed.
func (s *Store) retire(next string) {
	if s.activeID != "" && s.activeID != next {
		for id := range s.ids {
			s.counted[id] = s.activeID
		}
	}
	for id, conv := range s.counted {
		if conv == next {
			delete(s.counted, id)
		}
	}
	if len(s.counted) > maxCounted {
		s.counted = make(map[string]string)
	}
}

// SetMessages replaces the open list with a server page, sorted by creation time.
func (s *Store) SetMessages(list []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceMessages(list)
}

// ApplyHistory sets the open list from a page fetched for conversationID.
// It returns false, leaving the store untouched, when conversationID is no
// longer active. Messages that arrived live since selection and are missing
// from the page are kept.
func (s *Store) ApplyHistory(conversationID string, page []chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conversationID != s.activeID {
		return false
	}
	merged := slices.Clone(page)
	inPage := make(map[string]struct{}, len(page))
	for _, m := range page {
		inPage[m.ID] = struct{}{}
	}
	for _, m := range s.messages {
		if _, ok := inPage[m.ID]; !ok {
			merged = append(merged, m)
		}
	}
	s.replaceMessages(merged)
	return true
}

func (s *Store) replaceMessages(list []chat.Message) {
	sorted := slices.Clone(list)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	s.ids = make(map[string]struct{}, len(sorted))
	s.messages = sorted[:0]
	for _, m := range sorted {
		if _, dup := s.ids[m.ID]; dup {
			continue
		}
		s.ids[m.ID] = struct{}{}
		s.messages = append(s.messages, m)
	}
}

// AppendMessage inserts msg into the open list when it belongs to the active
// conversation and its ID is not already displayed. Otherwise only the owning
// conversation's preview and unread count change.
func (s *Store) AppendMessage(msg chat.Message) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ConversationID == s.activeID && s.activeID != "" {
		if _, dup := s.ids[msg.ID]; dup {
			return Duplicate
		}
		s.insertOrdered(msg)
		s.touchConversation(msg, false)
		return Appended
	}

	if _, dup := s.counted[msg.ID]; dup {
		return Duplicate
	}
	s.counted[msg.ID] = msg.ConversationID
	s.touchConversation(msg, msg.SenderID != s.selfID)
	return Background
}

// insertOrdered places msg after the last entry not newer than it.
func (s *Store) insertOrdered(msg chat.Message) {
	i := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	s.messages = slices.Insert(s.messages, i, msg)
	s.ids[msg.ID] = struct{}{}
}

func (s *Store) touchConversation(msg chat.Message, unread bool) {
	i, ok := s.index[msg.ConversationID]
	if !ok {
		i = len(s.conversations)
		s.index[msg.ConversationID] = i
		s.conversations = append(s.conversations, chat.Conversation{ID: msg.ConversationID})
	}
	c := &s.conversations[i]
	if !msg.CreatedAt.Before(c.LastMessageAt) {
		c.LastMessageAt = msg.CreatedAt
		c.LastMessagePreview = chat.Preview(&msg)
	}
	if unread {
		c.UnreadCount++
	}
}

// MarkRead zeroes the unread count of a conversation. Rendered messages are not touched.
func (s *Store) MarkRead(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index[id]; ok {
		s.conversations[i].UnreadCount = 0
	}
}

// ActiveID returns the active conversation ID, or "" when none is selected.
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Conversation returns a copy of a known conversation.
func (s *Store) Conversation(id string) (chat.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return chat.Conversation{}, false
	}
	return s.conversations[i], true
}

// Conversations returns a copy of the known conversations.
func (s *Store) Conversations() []chat.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.conversations)
}

// Messages returns a copy of the open list.
func (s *Store) Messages() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages)
}

// Snapshot returns a consistent copy of the whole store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Conversations: slices.Clone(s.conversations),
		ActiveID:      s.activeID,
		Messages:      slices.Clone(s.messages),
	}
}
