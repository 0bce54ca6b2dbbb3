package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"session-recap/internal/models"
	"session-recap/internal/queue"
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

type testArgs struct {
	SessionID int64 `json:"session_id"`
}

func (a testArgs) Validate() error {
	if a.SessionID <= 0 {
		return errors.New("session_id must be positive")
	}
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) (*queue.Client, *fakeClock) {
	t.Helper()
	q, clock, _ := newTestQueueDB(t)
	return q, clock
}

func newTestQueueDB(t *testing.T) (*queue.Client, *fakeClock, *gorm.DB) {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(context.Background(), db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	clock := &fakeClock{now: time.Now().UTC()}
	c := queue.NewClient(store.NewGorm(db), queue.WithClock(clock.Now), queue.WithWorkerID("w1"), queue.WithLogger(quietLogger()))
	return c, clock, db
}

func newTestProcessor(q *queue.Client, reg *Registry) *Processor {
	return NewProcessor(Config{PollInterval: 10 * time.Millisecond, RetryDelay: time.Minute}, q, reg, quietLogger())
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	var got int64
	reg.Register("transcribe_session", Typed(func(_ context.Context, a testArgs) error {
		got = a.SessionID
		return nil
	}))

	h, err := reg.Resolve(models.Payload{Handler: "transcribe_session", Args: []byte(`{"session_id":42}`)})
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background()))
	assert.Equal(t, int64(42), got)

	tests := []struct {
		name    string
		payload models.Payload
		target  error
	}{
		{"unknown handler", models.Payload{Handler: "render_map", Args: []byte(`{}`)}, ErrUnknownHandler},
		{"malformed args", models.Payload{Handler: "transcribe_session", Args: []byte(`{"session_id":"x"}`)}, nil},
		{"invalid args", models.Payload{Handler: "transcribe_session", Args: []byte(`{"session_id":0}`)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Resolve(tt.payload)
			require.Error(t, err)
			assert.True(t, IsPermanent(err))
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestRegistryRejectsUndecodablePayload(t *testing.T) {
	reg := NewRegistry()
	reg.Register("ok", Typed(func(context.Context, testArgs) error { return nil }))

	var p models.Payload
	require.NoError(t, p.Scan(`{"job":"ok","data":`))
	_, err := reg.Resolve(p)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	reg.Register("a", Typed(func(context.Context, testArgs) error { return nil }))
	reg.Register("b", Typed(func(context.Context, testArgs) error { return nil }))
	assert.Equal(t, []string{"a", "b"}, reg.Names())
	assert.Panics(t, func() {
		reg.Register("a", Typed(func(context.Context, testArgs) error { return nil }))
	})
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("too big")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(base))
}

func TestProcessNextCompletesJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	reg := NewRegistry()
	ran := 0
	reg.Register("ok", Typed(func(context.Context, testArgs) error {
		ran++
		return nil
	}))

	id, err := q.Push(ctx, "ok", testArgs{SessionID: 1}, "")
	require.NoError(t, err)

	p := newTestProcessor(q, reg)
	processed, err := p.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 1, ran)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.NotNil(t, job.CompletedAt)

	processed, err = p.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestFailingJobStopsAfterMaxAttempts(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	reg := NewRegistry()
	reg.Register("flaky", Typed(func(context.Context, testArgs) error {
		return errors.New("upstream unavailable")
	}))

	id, err := q.Push(ctx, "flaky", testArgs{SessionID: 1}, "")
	require.NoError(t, err)
	p := newTestProcessor(q, reg)

	for attempt := 1; attempt <= models.MaxAttempts; attempt++ {
		processed, err := p.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed, "attempt %d", attempt)

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, attempt, job.Attempts)
		if attempt < models.MaxAttempts {
			assert.Equal(t, models.StatusPending, job.Status)
			processed, err = p.ProcessNext(ctx)
			require.NoError(t, err)
			assert.False(t, processed, "retry visible before delay")
			clock.Advance(time.Minute)
		}
	}

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "upstream unavailable", *job.ErrorMessage)
	availableAt := job.AvailableAt

	clock.Advance(time.Hour)
	processed, err := p.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	job, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.MaxAttempts, job.Attempts)
	assert.True(t, job.AvailableAt.Equal(availableAt))
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	reg := NewRegistry()
	reg.Register("oversize", Typed(func(context.Context, testArgs) error {
		return Permanent(errors.New("file too large"))
	}))

	oversize, err := q.Push(ctx, "oversize", testArgs{SessionID: 1}, "")
	require.NoError(t, err)
	unknown, err := q.Push(ctx, "nobody_handles_this", testArgs{SessionID: 1}, "")
	require.NoError(t, err)
	invalid, err := q.Push(ctx, "oversize", testArgs{SessionID: -1}, "")
	require.NoError(t, err)

	p := newTestProcessor(q, reg)
	n, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	clock.Advance(time.Hour)
	n, err = p.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, id := range []int64{oversize, unknown, invalid} {
		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, job.Status)
		assert.Equal(t, 1, job.Attempts)
		require.NotNil(t, job.ErrorMessage)
		assert.NotEmpty(t, *job.ErrorMessage)
	}
}

func TestPanickingHandlerIsRecordedAndRetried(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	reg := NewRegistry()
	calls := 0
	reg.Register("boom", Typed(func(context.Context, testArgs) error {
		calls++
		if calls == 1 {
			panic("nil map")
		}
		return nil
	}))

	id, err := q.Push(ctx, "boom", testArgs{SessionID: 1}, "")
	require.NoError(t, err)
	p := newTestProcessor(q, reg)

	processed, err := p.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "panicked")

	clock.Advance(time.Minute)
	processed, err = p.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	job, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestRunFinishesClaimedJobOnShutdown(t *testing.T) {
	q, _ := newTestQueue(t)
	reg := NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr error
	reg.Register("slow", Typed(func(ctx context.Context, _ testArgs) error {
		close(started)
		<-release
		handlerCtxErr = ctx.Err()
		return nil
	}))

	id, err := q.Push(context.Background(), "slow", testArgs{SessionID: 1}, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	p := newTestProcessor(q, reg)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not claim the job")
	}
	cancel()
	close(release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
	assert.NoError(t, handlerCtxErr)

	job, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, job.Status)
}

func TestRunReturnsStoreErrors(t *testing.T) {
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "broken.db"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	q := queue.NewClient(store.NewGorm(db), queue.WithLogger(quietLogger()))
	p := newTestProcessor(q, NewRegistry())
	err = p.Run(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.Canceled)
}

func TestCorruptPayloadFailsWithoutBlockingQueue(t *testing.T) {
	q, clock, db := newTestQueueDB(t)
	ctx := context.Background()
	reg := NewRegistry()
	var ran []int64
	reg.Register("ok", Typed(func(_ context.Context, a testArgs) error {
		ran = append(ran, a.SessionID)
		return nil
	}))

	insertRaw := func(payload string) int64 {
		job := map[string]any{
			"queue":        models.DefaultQueue,
			"payload":      payload,
			"status":       models.StatusPending,
			"attempts":     0,
			"available_at": clock.Now().Add(-time.Second),
			"created_at":   clock.Now(),
		}
		require.NoError(t, db.Table("jobs").Create(job).Error)
		var id int64
		require.NoError(t, db.Table("jobs").Select("MAX(id)").Scan(&id).Error)
		return id
	}
	truncated := insertRaw(`{"job":"ok","data":`)
	wrongType := insertRaw(`{"job":7,"data":{}}`)
	good, err := q.Push(ctx, "ok", testArgs{SessionID: 9}, "")
	require.NoError(t, err)

	n, err := newTestProcessor(q, reg).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{9}, ran)

	for _, id := range []int64{truncated, wrongType} {
		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, job.Status)
		assert.Equal(t, 1, job.Attempts)
		require.NotNil(t, job.ErrorMessage)
		assert.Contains(t, *job.ErrorMessage, "decode payload")
	}
	job, err := q.Get(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, job.Status)

	clock.Advance(time.Hour)
	ready, err := q.Ready(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, ready)
}
