package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	lockPollInterval = 100 * time.Millisecond
	lockStaleAfter   = 30 * time.Second
)

// fileLock is an exclusive lock held as a sibling ".lock" file containing
// the owner's pid.
type fileLock struct {
	file *os.File
	path string
}

// acquireFileLock polls for path+".lock" until it owns it or ctx ends.
// A lock file older than lockStaleAfter belongs to a crashed process and
// is taken over.
func acquireFileLock(ctx context.Context, path string) (*fileLock, error) {
	lockPath := path + ".lock"
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		switch {
		case err == nil:
			fmt.Fprintf(f, "%d", os.Getpid())
			return &fileLock{file: f, path: lockPath}, nil
		case !errors.Is(err, os.ErrExist):
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			if rmErr := os.Remove(lockPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale lock %s: %w", lockPath, rmErr)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s is held by another process: %w", lockPath, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *fileLock) release() error {
	if l.file != nil {
		l.file.Close()
	}
	return os.Remove(l.path)
}
