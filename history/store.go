package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxav/av"
)

var (
	// ErrChatNotFound indicates no chat has the requested id.
	ErrChatNotFound = errors.New("chat not found")
	// ErrNilMessage indicates AppendMessage was given nothing to store.
	ErrNilMessage = errors.New("message is nil")
)

// Friend is a peer the node has had a call with.
type Friend struct {
	Number    av.PeerID `json:"number"`
	CreatedAt time.Time `json:"created_at"`
}

// Chat is the conversation with one friend. Call records are its messages.
type Chat struct {
	ID            string    `json:"id"`
	Friend        av.PeerID `json:"friend"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
}

// CallRecord describes a finished call.
type CallRecord struct {
	Answered bool          `json:"answered"`
	Duration time.Duration `json:"duration"`
}

// Message is one entry in a chat.
type Message struct {
	ID       string      `json:"id"`
	ChatID   string      `json:"chat_id"`
	At       time.Time   `json:"at"`
	Outgoing bool        `json:"outgoing"`
	Text     string      `json:"text,omitempty"`
	Call     *CallRecord `json:"call,omitempty"`
}

// Store persists friends, chats and their messages.
type Store interface {
	GetOrCreateFriend(ctx context.Context, peer av.PeerID) (Friend, error)
	GetOrCreateChat(ctx context.Context, peer av.PeerID) (Chat, error)
	ChatByID(ctx context.Context, id string) (Chat, error)
	// AllChats returns every chat, most recently active first.
	AllChats(ctx context.Context) ([]Chat, error)
	// AppendMessage stores msg in chat chatID, assigning its id and, when
	// zero, its timestamp.
	AppendMessage(ctx context.Context, chatID string, msg *Message) error
	// AllMessages returns the chat's messages in the order they were added.
	AllMessages(ctx context.Context, chatID string) ([]Message, error)
	Close() error
}

// sortChats orders chats by last activity, then creation, newest first.
func sortChats(chats []Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		a, b := chats[i], chats[j]
		at, bt := a.LastMessageAt, b.LastMessageAt
		if at.IsZero() {
			at = a.CreatedAt
		}
		if bt.IsZero() {
			bt = b.CreatedAt
		}
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return a.ID < b.ID
	})
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu           sync.RWMutex
	timeProvider av.TimeProvider
	friends      map[av.PeerID]Friend
	chats        map[string]Chat
	chatByFriend map[av.PeerID]string
	messages     map[string][]Message
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. tp may be nil.
func NewMemoryStore(tp av.TimeProvider) *MemoryStore {
	if tp == nil {
		tp = av.DefaultTimeProvider{}
	}
	return &MemoryStore{
		timeProvider: tp,
		friends:      make(map[av.PeerID]Friend),
		chats:        make(map[string]Chat),
		chatByFriend: make(map[av.PeerID]string),
		messages:     make(map[string][]Message),
	}
}

// GetOrCreateFriend implements Store.
func (s *MemoryStore) GetOrCreateFriend(ctx context.Context, peer av.PeerID) (Friend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.friendLocked(peer), nil
}

func (s *MemoryStore) friendLocked(peer av.PeerID) Friend {
	if f, ok := s.friends[peer]; ok {
		return f
	}
	f := Friend{Number: peer, CreatedAt: s.timeProvider.Now()}
	s.friends[peer] = f
	return f
}

// GetOrCreateChat implements Store. The friend is created as well.
func (s *MemoryStore) GetOrCreateChat(ctx context.Context, peer av.PeerID) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.chatByFriend[peer]; ok {
		return s.chats[id], nil
	}
	s.friendLocked(peer)
	c := Chat{ID: uuid.NewString(), Friend: peer, CreatedAt: s.timeProvider.Now()}
	s.chats[c.ID] = c
	s.chatByFriend[peer] = c.ID

	logrus.WithFields(logrus.Fields{
		"function": "MemoryStore.GetOrCreateChat",
		"peer":     peer,
		"chat_id":  c.ID,
	}).Debug("Chat created")
	return c, nil
}

// ChatByID implements Store.
func (s *MemoryStore) ChatByID(ctx context.Context, id string) (Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return Chat{}, fmt.Errorf("%w: %s", ErrChatNotFound, id)
	}
	return c, nil
}

// AllChats implements Store.
func (s *MemoryStore) AllChats(ctx context.Context) ([]Chat, error) {
	s.mu.RLock()
	out := make([]Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sortChats(out)
	return out, nil
}

// AppendMessage implements Store.
func (s *MemoryStore) AppendMessage(ctx context.Context, chatID string, msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	msg.ID = uuid.NewString()
	msg.ChatID = chatID
	if msg.At.IsZero() {
		msg.At = s.timeProvider.Now()
	}
	s.messages[chatID] = append(s.messages[chatID], *msg)
	c.LastMessageAt = msg.At
	s.chats[chatID] = c
	return nil
}

// AllMessages implements Store.
func (s *MemoryStore) AllMessages(ctx context.Context, chatID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.chats[chatID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	return append([]Message(nil), s.messages[chatID]...), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
