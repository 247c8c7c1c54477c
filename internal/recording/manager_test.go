package recording

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitchellrevill/sonic-brief-sub000/internal/capture"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/draft"
)

func newTestManager(t *testing.T, h *harness) *Manager {
	t.Helper()
	mgr, err := NewManager(h.deps(), func(Key) capture.Device { return h.device }, ManagerConfig{
		Controller:      DefaultConfig(),
		IdleTimeout:     10 * time.Minute,
		DraftMaxAge:     24 * time.Hour,
		CleanupInterval: time.Hour,
	})
	require.NoError(t, err)
	return mgr
}

func TestManagerGetOrCreate(t *testing.T) {
	h := newHarness(t)
	mgr := newTestManager(t, h)
	defer mgr.Shutdown(context.Background())

	a, err := mgr.GetOrCreate(testKey)
	require.NoError(t, err)
	b, err := mgr.GetOrCreate(testKey)
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = mgr.GetOrCreate(Key{CategoryID: "only-category"})
	assert.Error(t, err)

	other := Key{CategoryID: "legal", SubcategoryID: "intake"}
	_, err = mgr.GetOrCreate(other)
	require.NoError(t, err)
	assert.Equal(t, 2, mgr.Count())

	infos := mgr.List()
	require.Len(t, infos, 2)
	assert.Equal(t, other, infos[0].Key)
	assert.Equal(t, testKey, infos[1].Key)

	got, ok := mgr.Get(other)
	assert.True(t, ok)
	assert.Equal(t, other, got.Key())
}

func TestManagerEvictsOnlyIdleControllers(t *testing.T) {
	h := newHarness(t)
	mgr := newTestManager(t, h)
	defer mgr.Shutdown(context.Background())
	ctx := context.Background()

	idle, err := mgr.GetOrCreate(Key{CategoryID: "a", SubcategoryID: "idle"})
	require.NoError(t, err)

	active, err := mgr.GetOrCreate(testKey)
	require.NoError(t, err)
	require.NoError(t, active.Start(ctx))

	assert.Equal(t, 0, mgr.evictIdle(h.clock.Now().Add(5*time.Minute)))
	assert.Equal(t, 1, mgr.evictIdle(h.clock.Now().Add(11*time.Minute)))

	_, ok := mgr.Get(idle.Key())
	assert.False(t, ok)
	_, ok = mgr.Get(testKey)
	assert.True(t, ok, "recording controllers are never evicted")

	assert.ErrorIs(t, idle.Start(ctx), ErrClosed)
}

func TestManagerEvictionNeverClosesAStartedRecording(t *testing.T) {
	h := newHarness(t)
	mgr := newTestManager(t, h)
	defer mgr.Shutdown(context.Background())
	ctx := context.Background()
	late := h.clock.Now().Add(11 * time.Minute)

	for i := 0; i < 50; i++ {
		key := Key{CategoryID: "race", SubcategoryID: fmt.Sprintf("s%d", i)}
		ctrl, err := mgr.GetOrCreate(key)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var startErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			startErr = ctrl.Start(ctx)
		}()
		go func() {
			defer wg.Done()
			mgr.evictIdle(late)
		}()
		wg.Wait()

		_, kept := mgr.Get(key)
		if startErr == nil {
			assert.True(t, kept, "a started recording stays registered")
			assert.Equal(t, StateRecording, ctrl.State())
			assert.Zero(t, h.device.current().Releases(), "device released under a live recording")
		} else {
			assert.ErrorIs(t, startErr, ErrClosed)
			assert.False(t, kept)
		}
	}
}

func TestManagerSkipsBusyControllers(t *testing.T) {
	h := newHarness(t)
	mgr := newTestManager(t, h)
	defer mgr.Shutdown(context.Background())

	ctrl, err := mgr.GetOrCreate(testKey)
	require.NoError(t, err)

	// An operation in progress holds the lock
	ctrl.opMu.Lock()
	assert.Equal(t, 0, mgr.evictIdle(h.clock.Now().Add(11*time.Minute)))
	ctrl.opMu.Unlock()

	assert.Equal(t, 1, mgr.evictIdle(h.clock.Now().Add(11*time.Minute)))
	assert.ErrorIs(t, ctrl.Start(context.Background()), ErrClosed)
}

func TestManagerShutdownUnloadsRecordings(t *testing.T) {
	h := newHarness(t)
	mgr := newTestManager(t, h)
	ctx := context.Background()

	ctrl, err := mgr.GetOrCreate(testKey)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(ctx))
	h.record(4)

	mgr.Shutdown(ctx)
	assert.Equal(t, 0, mgr.Count())
	assert.Equal(t, 1, h.device.current().Releases())

	d, err := h.store.Get(ctx, testKey.CategoryID, testKey.SubcategoryID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 4*time.Second, d.Duration)
}

func TestManagerCollectsOldDrafts(t *testing.T) {
	h := newHarness(t)
	mgr := newTestManager(t, h)
	defer mgr.Shutdown(context.Background())
	ctx := context.Background()

	_, err := h.store.Save(ctx, &draft.Draft{
		CategoryID:    "old",
		SubcategoryID: "draft",
		Audio:         []byte{1, 2, 3, 4},
		MimeType:      "audio/wav",
	})
	require.NoError(t, err)

	h.clock.Advance(25 * time.Hour)
	mgr.collectDrafts(ctx)

	d, err := h.store.Get(ctx, "old", "draft")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestManagerRemove(t *testing.T) {
	h := newHarness(t)
	mgr := newTestManager(t, h)
	defer mgr.Shutdown(context.Background())

	_, err := mgr.GetOrCreate(testKey)
	require.NoError(t, err)

	assert.True(t, mgr.Remove(testKey))
	assert.False(t, mgr.Remove(testKey))
	assert.Equal(t, 0, mgr.Count())
}
