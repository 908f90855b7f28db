package history

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxav/av"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testStore runs the shared Store behaviour against one backend.
func testStore(t *testing.T, open func(t *testing.T, clock *stepClock) Store) {
	ctx := context.Background()

	t.Run("friend is created once", func(t *testing.T) {
		clock := newStepClock()
		s := open(t, clock)
		f1, err := s.GetOrCreateFriend(ctx, 5)
		require.NoError(t, err)
		clock.Advance(time.Minute)
		f2, err := s.GetOrCreateFriend(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, av.PeerID(5), f2.Number)
		assert.True(t, f1.CreatedAt.Equal(f2.CreatedAt))
	})

	t.Run("chat is created once per friend", func(t *testing.T) {
		s := open(t, newStepClock())
		c1, err := s.GetOrCreateChat(ctx, 7)
		require.NoError(t, err)
		c2, err := s.GetOrCreateChat(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, c1.ID, c2.ID)
		assert.Equal(t, av.PeerID(7), c1.Friend)

		got, err := s.ChatByID(ctx, c1.ID)
		require.NoError(t, err)
		assert.Equal(t, c1.ID, got.ID)

		_, err = s.ChatByID(ctx, "missing")
		assert.ErrorIs(t, err, ErrChatNotFound)
	})

	t.Run("messages keep insertion order", func(t *testing.T) {
		clock := newStepClock()
		s := open(t, clock)
		c, err := s.GetOrCreateChat(ctx, 1)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			clock.Advance(time.Second)
			msg := &Message{Outgoing: i%2 == 0, Call: &CallRecord{Answered: true, Duration: time.Duration(i) * time.Second}}
			require.NoError(t, s.AppendMessage(ctx, c.ID, msg))
			assert.NotEmpty(t, msg.ID)
			assert.Equal(t, c.ID, msg.ChatID)
		}

		msgs, err := s.AllMessages(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		for i, m := range msgs {
			require.NotNil(t, m.Call)
			assert.Equal(t, time.Duration(i)*time.Second, m.Call.Duration)
		}
		assert.True(t, msgs[0].At.Before(msgs[2].At))

		assert.ErrorIs(t, s.AppendMessage(ctx, "missing", &Message{}), ErrChatNotFound)
		assert.ErrorIs(t, s.AppendMessage(ctx, c.ID, nil), ErrNilMessage)
		_, err = s.AllMessages(ctx, "missing")
		assert.ErrorIs(t, err, ErrChatNotFound)
	})

	t.Run("chats ordered by activity", func(t *testing.T) {
		clock := newStepClock()
		s := open(t, clock)
		a, err := s.GetOrCreateChat(ctx, 1)
		require.NoError(t, err)
		clock.Advance(time.Second)
		b, err := s.GetOrCreateChat(ctx, 2)
		require.NoError(t, err)

		chats, err := s.AllChats(ctx)
		require.NoError(t, err)
		require.Len(t, chats, 2)
		assert.Equal(t, b.ID, chats[0].ID)

		clock.Advance(time.Second)
		require.NoError(t, s.AppendMessage(ctx, a.ID, &Message{Text: "hi"}))
		chats, err = s.AllChats(ctx)
		require.NoError(t, err)
		assert.Equal(t, a.ID, chats[0].ID)
		assert.False(t, chats[0].LastMessageAt.IsZero())
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, func(t *testing.T, clock *stepClock) Store {
		return NewMemoryStore(clock)
	})
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TOXAV_TEST_REDIS")
	if addr == "" {
		t.Skip("TOXAV_TEST_REDIS not set")
	}
	testStore(t, func(t *testing.T, clock *stepClock) Store {
		client, err := NewRedisClient(context.Background(), addr, "", 0, 4)
		require.NoError(t, err)
		prefix := fmt.Sprintf("toxav-test-%s", uuid.NewString())
		s := NewRedisStore(client, prefix, clock)
		t.Cleanup(func() {
			ctx := context.Background()
			keys, _ := client.Keys(ctx, prefix+":*").Result()
			if len(keys) > 0 {
				client.Del(ctx, keys...)
			}
			_ = s.Close()
		})
		return s
	})
}
