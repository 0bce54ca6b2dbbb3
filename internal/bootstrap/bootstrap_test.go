package bootstrap

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-recap/internal/config"
	"session-recap/internal/logging"
	"session-recap/internal/models"
	"session-recap/internal/store"
)

func TestOpenBackendSQLite(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{DBDriver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "recaps.db")}
	b, err := OpenBackend(ctx, cfg, logging.NewNop())
	require.NoError(t, err)
	defer b.Close()

	campaign := models.Campaign{Name: "Salt Marsh"}
	require.NoError(t, b.Records.CreateCampaign(ctx, &campaign))

	payload, err := models.NewPayload("transcribe_session", map[string]int64{"session_id": 1})
	require.NoError(t, err)
	id, err := b.Jobs.InsertJob(ctx, models.DefaultQueue, payload, time.Now())
	require.NoError(t, err)
	jobs, err := b.Jobs.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
}

func TestOpenBackendRejectsUnknownDriver(t *testing.T) {
	_, err := OpenBackend(context.Background(), config.Config{DBDriver: "mysql"}, logging.NewNop())
	assert.Error(t, err)
}

func TestOpenRedis(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, OpenRedis(ctx, config.Config{}, logging.NewNop()))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := OpenRedis(ctx, config.Config{RedisAddr: mr.Addr()}, logging.NewNop())
	require.NotNil(t, client)
	require.NoError(t, client.Close())

	addr := mr.Addr()
	mr.Close()
	assert.Nil(t, OpenRedis(ctx, config.Config{RedisAddr: addr}, logging.NewNop()))
}

func TestWorkerID(t *testing.T) {
	assert.Equal(t, "w-7", WorkerID(config.Config{WorkerID: "w-7"}))
	a, b := WorkerID(config.Config{}), WorkerID(config.Config{})
	assert.NotEqual(t, a, b)
	assert.True(t, strings.Contains(a, "-"))
}
