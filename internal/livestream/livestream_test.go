package livestream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cornellpepper/CuWatch-server/internal/models"
)

func newTestFeed(t *testing.T, maxLen int64) *Feed {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFeed(client, "cuwatch:telemetry:stream", maxLen, zap.NewNop())
}

func sampleEvent(deviceID string, muonCount int) Event {
	return Event{
		Topic:    "telemetry/" + deviceID,
		DeviceID: deviceID,
		Sample: models.Sample{
			DeviceID:  deviceID,
			MuonCount: muonCount,
			TS:        time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestFeed_PublishThenRecent(t *testing.T) {
	feed := newTestFeed(t, 100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, feed.Publish(ctx, sampleEvent("muon01", i)))
	}

	events, err := feed.Recent(ctx, 100)
	require.NoError(t, err)
	require.Len(t, events, 5)

	// Oldest first.
	for i, ev := range events {
		assert.Equal(t, "muon01", ev.DeviceID)
		assert.Equal(t, "telemetry/muon01", ev.Topic)
		assert.Equal(t, i, ev.Sample.MuonCount)
	}
}

func TestFeed_RecentHonorsLimit(t *testing.T) {
	feed := newTestFeed(t, 100)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, feed.Publish(ctx, sampleEvent("muon01", i)))
	}

	events, err := feed.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// The newest 3, still ordered oldest first.
	assert.Equal(t, 7, events[0].Sample.MuonCount)
	assert.Equal(t, 9, events[2].Sample.MuonCount)
}

func TestFeed_RecentEmptyStream(t *testing.T) {
	feed := newTestFeed(t, 100)

	events, err := feed.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFeed_MultipleDevices(t *testing.T) {
	feed := newTestFeed(t, 100)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		deviceID := fmt.Sprintf("muon%02d", i)
		require.NoError(t, feed.Publish(ctx, sampleEvent(deviceID, i)))
	}

	events, err := feed.Recent(ctx, 100)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "muon00", events[0].DeviceID)
	assert.Equal(t, "muon02", events[2].DeviceID)
}
