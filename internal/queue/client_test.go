package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-recap/internal/models"
	"session-recap/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *fakeClock) {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(context.Background(), db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	clock := &fakeClock{now: time.Now().UTC()}
	opts = append([]Option{WithClock(clock.Now), WithWorkerID("test-worker")}, opts...)
	return NewClient(store.NewGorm(db), opts...), clock
}

type sessionArgs struct {
	SessionID int64 `json:"session_id"`
}

func TestPushPopDefaultsQueue(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	id, err := c.Push(ctx, "transcribe_session", sessionArgs{SessionID: 7}, "")
	require.NoError(t, err)

	job, err := c.Pop(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = c.Pop(ctx, models.DefaultQueue)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, models.DefaultQueue, job.Queue)
	assert.Equal(t, "transcribe_session", job.Payload.Handler)
	assert.JSONEq(t, `{"session_id":7}`, string(job.Payload.Args))
	require.NotNil(t, job.WorkerID)
	assert.Equal(t, "test-worker", *job.WorkerID)
}

func TestPushRejectsEmptyHandler(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.Push(context.Background(), "", sessionArgs{SessionID: 1}, "")
	assert.Error(t, err)
}

func TestRetryDelaysVisibility(t *testing.T) {
	c, clock := newTestClient(t)
	ctx := context.Background()

	id, err := c.Push(ctx, "summarize_session", sessionArgs{SessionID: 1}, "")
	require.NoError(t, err)
	job, err := c.Pop(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, c.Fail(ctx, id, "api timeout"))
	retried, err := c.Retry(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.True(t, retried)

	stored, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.False(t, stored.AvailableAt.Before(clock.Now().Add(time.Minute).Add(-time.Millisecond)))

	job, err = c.Pop(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, job, "job visible before its delay elapsed")

	ready, err := c.Ready(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, ready)

	clock.Advance(time.Minute)
	job, err = c.Pop(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)

	require.NoError(t, c.Complete(ctx, id))
	require.NoError(t, c.Complete(ctx, id))
	stored, err = c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, stored.Status)
}

func TestPushNotifiesSubscribers(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	notifier := NewRedisNotifier(rdb)
	c, _ := newTestClient(t, WithNotifier(notifier))
	ctx := context.Background()

	wake, closeSub, err := notifier.Subscribe(ctx, models.DefaultQueue)
	require.NoError(t, err)
	defer closeSub()

	_, err = c.Push(ctx, "transcribe_session", sessionArgs{SessionID: 3}, "")
	require.NoError(t, err)

	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("push did not notify subscriber")
	}
}
