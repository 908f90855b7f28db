package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxav/av"
)

// RedisStore is a Store kept in Redis as JSON values under a key prefix.
//
// Keys:
//
//	<prefix>:friend:<number>        friend JSON
//	<prefix>:friend:<number>:chat   chat id of the friend
//	<prefix>:chat:<id>              chat JSON
//	<prefix>:chat:<id>:messages     list of message JSON, oldest first
//	<prefix>:chats                  set of chat ids
type RedisStore struct {
	client       *redis.Client
	prefix       string
	timeProvider av.TimeProvider
}

var _ Store = (*RedisStore)(nil)

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, address, password string, db, poolSize int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewRedisClient",
		"address":   address,
		"db":        db,
		"pool_size": poolSize,
	}).Info("Connected to Redis")
	return client, nil
}

// NewRedisStore creates a store on client. The store owns the client and
// closes it on Close. tp may be nil.
func NewRedisStore(client *redis.Client, prefix string, tp av.TimeProvider) *RedisStore {
	if prefix == "" {
		prefix = "toxav"
	}
	if tp == nil {
		tp = av.DefaultTimeProvider{}
	}
	return &RedisStore{client: client, prefix: prefix, timeProvider: tp}
}

func (r *RedisStore) friendKey(peer av.PeerID) string {
	return r.prefix + ":friend:" + strconv.FormatUint(uint64(peer), 10)
}

func (r *RedisStore) friendChatKey(peer av.PeerID) string {
	return r.friendKey(peer) + ":chat"
}

func (r *RedisStore) chatKey(id string) string {
	return r.prefix + ":chat:" + id
}

func (r *RedisStore) messagesKey(id string) string {
	return r.chatKey(id) + ":messages"
}

func (r *RedisStore) chatsKey() string {
	return r.prefix + ":chats"
}

// GetOrCreateFriend implements Store.
func (r *RedisStore) GetOrCreateFriend(ctx context.Context, peer av.PeerID) (Friend, error) {
	f := Friend{Number: peer, CreatedAt: r.timeProvider.Now()}
	data, err := json.Marshal(f)
	if err != nil {
		return Friend{}, fmt.Errorf("failed to marshal friend: %w", err)
	}
	if err := r.client.SetNX(ctx, r.friendKey(peer), data, 0).Err(); err != nil {
		return Friend{}, fmt.Errorf("failed to create friend in Redis: %w", err)
	}

	raw, err := r.client.Get(ctx, r.friendKey(peer)).Bytes()
	if err != nil {
		return Friend{}, fmt.Errorf("failed to get friend from Redis: %w", err)
	}
	var stored Friend
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Friend{}, fmt.Errorf("failed to unmarshal friend: %w", err)
	}
	return stored, nil
}

// GetOrCreateChat implements Store. Concurrent callers for the same peer
// agree on one chat through SETNX on the friend's chat key.
func (r *RedisStore) GetOrCreateChat(ctx context.Context, peer av.PeerID) (Chat, error) {
	if _, err := r.GetOrCreateFriend(ctx, peer); err != nil {
		return Chat{}, err
	}

	id := uuid.NewString()
	created, err := r.client.SetNX(ctx, r.friendChatKey(peer), id, 0).Result()
	if err != nil {
		return Chat{}, fmt.Errorf("failed to reserve chat in Redis: %w", err)
	}
	if !created {
		existing, err := r.client.Get(ctx, r.friendChatKey(peer)).Result()
		if err != nil {
			return Chat{}, fmt.Errorf("failed to get chat id from Redis: %w", err)
		}
		return r.ChatByID(ctx, existing)
	}

	c := Chat{ID: id, Friend: peer, CreatedAt: r.timeProvider.Now()}
	data, err := json.Marshal(c)
	if err != nil {
		return Chat{}, fmt.Errorf("failed to marshal chat: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.chatKey(id), data, 0)
		pipe.SAdd(ctx, r.chatsKey(), id)
		return nil
	})
	if err != nil {
		return Chat{}, fmt.Errorf("failed to store chat in Redis: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "RedisStore.GetOrCreateChat",
		"peer":     peer,
		"chat_id":  id,
	}).Debug("Chat created")
	return c, nil
}

// ChatByID implements Store.
func (r *RedisStore) ChatByID(ctx context.Context, id string) (Chat, error) {
	raw, err := r.client.Get(ctx, r.chatKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Chat{}, fmt.Errorf("%w: %s", ErrChatNotFound, id)
	}
	if err != nil {
		return Chat{}, fmt.Errorf("failed to get chat from Redis: %w", err)
	}
	var c Chat
	if err := json.Unmarshal(raw, &c); err != nil {
		return Chat{}, fmt.Errorf("failed to unmarshal chat: %w", err)
	}
	return c, nil
}

// AllChats implements Store.
func (r *RedisStore) AllChats(ctx context.Context) ([]Chat, error) {
	ids, err := r.client.SMembers(ctx, r.chatsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list chats from Redis: %w", err)
	}

	chats := make([]Chat, 0, len(ids))
	for _, id := range ids {
		c, err := r.ChatByID(ctx, id)
		if errors.Is(err, ErrChatNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	sortChats(chats)
	return chats, nil
}

// AppendMessage implements Store.
func (r *RedisStore) AppendMessage(ctx context.Context, chatID string, msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	c, err := r.ChatByID(ctx, chatID)
	if err != nil {
		return err
	}

	msg.ID = uuid.NewString()
	msg.ChatID = chatID
	if msg.At.IsZero() {
		msg.At = r.timeProvider.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	c.LastMessageAt = msg.At
	chatData, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal chat: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.messagesKey(chatID), data)
		pipe.Set(ctx, r.chatKey(chatID), chatData, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append message in Redis: %w", err)
	}
	return nil
}

// AllMessages implements Store.
func (r *RedisStore) AllMessages(ctx context.Context, chatID string) ([]Message, error) {
	if _, err := r.ChatByID(ctx, chatID); err != nil {
		return nil, err
	}
	raws, err := r.client.LRange(ctx, r.messagesKey(chatID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get messages from Redis: %w", err)
	}

	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
