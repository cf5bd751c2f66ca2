package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cornellpepper/CuWatch-server/internal/models"
	"github.com/cornellpepper/CuWatch-server/internal/repository"
)

type publishCall struct {
	deviceID string
	payload  map[string]interface{}
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
}

func (f *fakePublisher) PublishControl(_ context.Context, deviceID string, payload map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, publishCall{deviceID: deviceID, payload: payload})
	return nil
}

func (f *fakePublisher) count(deviceID, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.deviceID == deviceID {
			if _, ok := c.payload[key]; ok {
				n++
			}
		}
	}
	return n
}

func newTestController(t *testing.T) (*Controller, *repository.MemoryStore, *fakePublisher) {
	t.Helper()
	store := repository.NewMemoryStore()
	pub := &fakePublisher{}
	c := NewController(store, pub, 5*time.Millisecond, zap.NewNop())
	t.Cleanup(c.Close)
	return c, store, pub
}

// confirmDevice persists the run and first sample the controller polls for.
func confirmDevice(t *testing.T, store *repository.MemoryStore, deviceID string, base time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Runs().UpsertRun(ctx, &models.Run{DeviceID: deviceID, BaseTS: base}))
	require.NoError(t, store.Samples().InsertSample(ctx, &models.Sample{DeviceID: deviceID, TS: base.Add(time.Second)}))
}

func TestStart_ValidatesDuration(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	for _, durationS := range []int{0, -5, MaxDurationS + 1} {
		_, err := c.Start(ctx, "dev1", durationS)
		assert.Error(t, err, "duration_s=%d", durationS)
	}
	assert.Equal(t, Status{}, c.Query("dev1"))

	result, err := c.Start(ctx, "dev1", MaxDurationS)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.True(t, result.Pending)
	assert.Equal(t, MaxDurationS, result.DurationS)
}

func TestStart_PublishesNewRunAndConfirms(t *testing.T) {
	c, store, pub := newTestController(t)
	ctx := context.Background()

	_, err := c.Start(ctx, "dev1", 3600)
	require.NoError(t, err)
	assert.Equal(t, 1, pub.count("dev1", "new_run"))

	st := c.Query("dev1")
	assert.True(t, st.Active)
	assert.True(t, st.Pending)

	confirmDevice(t, store, "dev1", time.Now().UTC())

	require.Eventually(t, func() bool {
		return !c.Query("dev1").Pending
	}, time.Second, 5*time.Millisecond)

	st = c.Query("dev1")
	assert.True(t, st.Active)
	assert.Equal(t, 3600, st.DurationS)
	assert.Greater(t, st.RemainingS, 0.0)
	require.NotNil(t, st.StopTime)
}

func TestStart_SecondStartSupersedesFirst(t *testing.T) {
	c, _, pub := newTestController(t)
	ctx := context.Background()

	_, err := c.Start(ctx, "dev1", 5)
	require.NoError(t, err)
	_, err = c.Start(ctx, "dev1", 10)
	require.NoError(t, err)

	st := c.Query("dev1")
	assert.True(t, st.Active)
	assert.Equal(t, 10, st.DurationS)
	assert.Equal(t, 2, pub.count("dev1", "new_run"))
}

func TestDeadline_StaleTokenDoesNothing(t *testing.T) {
	c, _, pub := newTestController(t)
	ctx := context.Background()

	_, err := c.Start(ctx, "dev1", 10)
	require.NoError(t, err)

	c.mu.Lock()
	current := c.sessions["dev1"].token
	c.mu.Unlock()

	// A lingering timer from a superseded session wakes with an old token.
	c.deadline("dev1", current-1, 0)
	assert.Equal(t, 0, pub.count("dev1", "shutdown"))
	assert.True(t, c.Query("dev1").Active)

	// The owning token shuts down and vacates the slot.
	c.deadline("dev1", current, 0)
	assert.Equal(t, 1, pub.count("dev1", "shutdown"))
	assert.False(t, c.Query("dev1").Active)
}

func TestDeadline_FiresAfterDuration(t *testing.T) {
	c, store, pub := newTestController(t)
	ctx := context.Background()

	_, err := c.Start(ctx, "dev1", 1)
	require.NoError(t, err)
	confirmDevice(t, store, "dev1", time.Now().UTC())

	require.Eventually(t, func() bool {
		return pub.count("dev1", "shutdown") == 1 && !c.Query("dev1").Active
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStop(t *testing.T) {
	c, _, pub := newTestController(t)
	ctx := context.Background()

	assert.ErrorIs(t, c.Stop(ctx, "dev1"), ErrNotFound)

	_, err := c.Start(ctx, "dev1", 3600)
	require.NoError(t, err)

	require.NoError(t, c.Stop(ctx, "dev1"))
	assert.Equal(t, 1, pub.count("dev1", "shutdown"))
	assert.False(t, c.Query("dev1").Active)

	assert.ErrorIs(t, c.Stop(ctx, "dev1"), ErrNotFound)
}

func TestQuery_EmptySlot(t *testing.T) {
	c, _, _ := newTestController(t)
	assert.Equal(t, Status{}, c.Query("nope"))
}

func TestStart_IndependentDevices(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.Start(ctx, "dev1", 100)
	require.NoError(t, err)
	_, err = c.Start(ctx, "dev2", 200)
	require.NoError(t, err)

	confirmDevice(t, store, "dev2", time.Now().UTC())

	require.Eventually(t, func() bool {
		return !c.Query("dev2").Pending
	}, time.Second, 5*time.Millisecond)

	// dev1 never confirmed: it stays pending until an operator stops it.
	assert.True(t, c.Query("dev1").Pending)
	assert.Equal(t, 100, c.Query("dev1").DurationS)
}
