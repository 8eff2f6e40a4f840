// Package cachelock guards the shared artifact cache against concurrent runs.
//
// The lock is a marker file holding the owner's PID. A marker whose process
// is gone is stale and gets reclaimed.
package cachelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/pybundle/internal/logger"
)

// Filename is the marker file created inside the cache directory.
const Filename = ".lock"

const (
	pollInterval    = 100 * time.Millisecond
	filePermissions = 0o644
	// writeGrace is how long a marker may stay without a PID before it counts as abandoned.
	writeGrace = 2 * time.Second
)

// ErrTimeout is returned when another live process keeps the lock past the wait limit.
var ErrTimeout = errors.New("cache is locked by another process")

// Lock is a held cache lock.
type Lock struct {
	path string
}

// Acquire takes the lock on dir, waiting up to timeout while a live process owns it.
func Acquire(ctx context.Context, dir string, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	path := filepath.Join(dir, Filename)
	deadline := time.Now().Add(timeout)

	for {
		err := create(path)
		if err == nil {
			logger.DebugKV(ctx, "cache lock acquired", "path", path)

			return &Lock{path: path}, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create cache lock: %w", err)
		}

		if owner, alive := ownerAlive(path); !alive {
			logger.WarnKV(ctx, "reclaiming stale cache lock", "path", path, "pid", owner)

			if err = os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("remove stale cache lock: %w", err)
			}

			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, path)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release removes the marker file.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}

	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release cache lock: %w", err)
	}

	return nil
}

func create(path string) error {
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePermissions)
	if err != nil {
		return err
	}

	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(path)
	}

	return err
}

// ownerAlive reads the PID from the marker and checks the process table.
// A marker without a valid PID counts as alive while it is younger than
// writeGrace, so a writer in progress is not clobbered.
func ownerAlive(path string) (int, bool) {
	clean := filepath.Clean(path)

	contents, err := os.ReadFile(clean)
	if err != nil {
		return 0, !errors.Is(err, os.ErrNotExist)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(contents)))
	if err != nil {
		info, statErr := os.Stat(clean)
		if statErr != nil {
			return 0, !errors.Is(statErr, os.ErrNotExist)
		}

		return 0, time.Since(info.ModTime()) < writeGrace
	}

	process, err := ps.FindProcess(pid)
	if err != nil {
		return pid, true
	}

	return pid, process != nil
}
