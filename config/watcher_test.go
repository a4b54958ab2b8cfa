package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewFileWatcher_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(f, []byte("key: val"), 0o644))

	w, err := NewFileWatcher([]string{f})
	require.NoError(t, err)
	require.NotNil(t, w)

	assert.False(t, w.IsRunning())
	assert.Equal(t, time.Second, w.pollInterval)
	assert.Equal(t, 100*time.Millisecond, w.debounceDelay)
}

func TestNewFileWatcher_WithOptions(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(f, []byte("key: val"), 0o644))

	w, err := NewFileWatcher([]string{f},
		WithPollInterval(10*time.Millisecond),
		WithDebounceDelay(500*time.Millisecond),
		WithWatcherLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, w.pollInterval)
	assert.Equal(t, 500*time.Millisecond, w.debounceDelay)
}

func TestNewFileWatcher_MissingPathTolerated(t *testing.T) {
	w, err := NewFileWatcher([]string{"/nonexistent/path/config.yaml"})
	require.NoError(t, err)
	require.NotNil(t, w)
}

func TestFileWatcher_DetectsWrite(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(f, []byte("v: 1"), 0o644))

	w, err := NewFileWatcher([]string{f},
		WithPollInterval(10*time.Millisecond),
		WithDebounceDelay(10*time.Millisecond),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var events []FileEvent
	w.OnChange(func(e FileEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// mtime granularity can be coarse; bump it explicitly.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.WriteFile(f, []byte("v: 2"), 0o644))
	require.NoError(t, os.Chtimes(f, future, future))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e.Path == f && e.Op == FileOpWrite {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileWatcher_DetectsCreateAndRemove(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "late.yaml")

	w, err := NewFileWatcher([]string{f},
		WithPollInterval(10*time.Millisecond),
		WithDebounceDelay(10*time.Millisecond),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	ops := map[FileOp]bool{}
	w.OnChange(func(e FileEvent) {
		mu.Lock()
		ops[e.Op] = true
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(f, []byte("v: 1"), 0o644))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ops[FileOpCreate]
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(f))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ops[FileOpRemove]
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileWatcher_BurstOfWritesStillDispatches(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(f, []byte("v: 0"), 0o644))

	w, err := NewFileWatcher([]string{f},
		WithPollInterval(5*time.Millisecond),
		WithDebounceDelay(5*time.Millisecond),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var count int
	w.OnChange(func(e FileEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Keep new events arriving while earlier batches are being
	// dispatched, so the debounce path and the event path overlap.
	base := time.Now()
	for i := 1; i <= 30; i++ {
		require.NoError(t, os.WriteFile(f, []byte("v: x"), 0o644))
		require.NoError(t, os.Chtimes(f, base.Add(time.Duration(i)*time.Second), base.Add(time.Duration(i)*time.Second)))
		time.Sleep(7 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileWatcher_PollDoesNotBlockWithoutDispatcher(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(f, []byte("v: 1"), 0o644))

	w, err := NewFileWatcher([]string{f})
	require.NoError(t, err)
	// No reader and no room: every send must take the drop path.
	w.eventChan = make(chan FileEvent)
	w.lastModTimes[f] = time.Now().Add(-time.Hour)

	done := make(chan struct{})
	go func() {
		w.checkFiles()
		w.checkFiles()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checkFiles blocked on a full event channel")
	}

	// The lock must also be free again for registration paths.
	w.OnChange(func(FileEvent) {})
}

func TestFileWatcher_StartTwiceFails(t *testing.T) {
	w, err := NewFileWatcher(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx))
	assert.True(t, w.IsRunning())

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	// Stop again is a no-op.
	require.NoError(t, w.Stop())
}

func TestFileOp_String(t *testing.T) {
	assert.Equal(t, "CREATE", FileOpCreate.String())
	assert.Equal(t, "WRITE", FileOpWrite.String())
	assert.Equal(t, "REMOVE", FileOpRemove.String())
	assert.Equal(t, "UNKNOWN", FileOp(99).String())
}
