package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlock(t *testing.T) {
	lock := New(filepath.Join(t.TempDir(), "nested", "kb.lock"))

	require.NoError(t, lock.Lock(context.Background()))
	require.NoError(t, lock.Unlock())
	assert.FileExists(t, lock.Path())
}

func TestTryLockWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.lock")
	holder := New(path)
	require.NoError(t, holder.Lock(context.Background()))

	other := New(path)
	ok, err := other.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, holder.Unlock())
	ok, err = other.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, other.Unlock())
}

func TestLockHonoursContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.lock")
	holder := New(path)
	require.NoError(t, holder.Lock(context.Background()))
	defer holder.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := New(path).Lock(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTryWithLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.lock")
	holder := New(path)
	require.NoError(t, holder.Lock(context.Background()))

	ran := false
	err := TryWithLock(path, func() error { ran = true; return nil })
	assert.True(t, errors.Is(err, ErrLockHeld))
	assert.False(t, ran)

	require.NoError(t, holder.Unlock())
	require.NoError(t, TryWithLock(path, func() error { ran = true; return nil }))
	assert.True(t, ran)
}

func TestWithLockSerializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.lock")
	var mu sync.Mutex
	active, maxActive := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(context.Background(), path, func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans", "plan.json")

	require.NoError(t, AtomicWrite(path, []byte(`{"v":1}`)))
	require.NoError(t, AtomicWrite(path, []byte(`{"v":2}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLockAndWriteConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, LockAndWrite(context.Background(), path, []byte(fmt.Sprintf("writer-%d", n))))
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "writer-")
	assert.NoFileExists(t, path+".lock")
}
