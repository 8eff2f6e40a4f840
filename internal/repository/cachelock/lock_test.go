package cachelock

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestAcquireRelease takes and frees the lock.
func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	lock, err := Acquire(context.Background(), dir, time.Second)
	require.NoError(t, err)

	contents, err := os.ReadFile(filepath.Join(dir, Filename))
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(contents))

	require.NoError(t, lock.Release())
	require.NoFileExists(t, filepath.Join(dir, Filename))
}

// TestAcquire_WaitsForLiveOwner times out while the current process holds the lock.
func TestAcquire_WaitsForLiveOwner(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	lock, err := Acquire(context.Background(), dir, time.Second)
	require.NoError(t, err)

	defer func() { require.NoError(t, lock.Release()) }()

	_, err = Acquire(context.Background(), dir, 200*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

// TestAcquire_ReclaimsStaleLock replaces a marker whose process no longer exists.
func TestAcquire_ReclaimsStaleLock(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// PIDs are bounded well below this on Linux and macOS.
	require.NoError(t, os.WriteFile(filepath.Join(dir, Filename), []byte("99999999"), 0o644))

	lock, err := Acquire(context.Background(), dir, 0)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

// TestAcquire_ContextCanceled stops waiting when the context ends.
func TestAcquire_ContextCanceled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	lock, err := Acquire(context.Background(), dir, time.Second)
	require.NoError(t, err)

	defer func() { require.NoError(t, lock.Release()) }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Acquire(ctx, dir, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

// TestAcquire_ReclaimsAbandonedEmptyMarker reclaims a marker left without a PID once it is old enough.
func TestAcquire_ReclaimsAbandonedEmptyMarker(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	marker := filepath.Join(dir, Filename)
	require.NoError(t, os.WriteFile(marker, nil, 0o644))

	_, err := Acquire(context.Background(), dir, 0)
	require.ErrorIs(t, err, ErrTimeout)

	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(marker, old, old))

	lock, err := Acquire(context.Background(), dir, 0)
	require.NoError(t, err)

	contents, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(contents))
	require.NoError(t, lock.Release())
}
