package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultLockTimeout bounds how long a write waits for another process's
// lock on the same file.
const DefaultLockTimeout = 5 * time.Second

// File persists the store as a single JSON object. Writes take a lock file,
// re-read the current contents and replace the file with an atomic rename,
// so concurrent processes sharing the file never see a torn write.
type File struct {
	mu          sync.RWMutex
	path        string
	lockTimeout time.Duration
}

// FileOption configures a File store.
type FileOption func(*File)

// WithLockTimeout overrides DefaultLockTimeout.
func WithLockTimeout(d time.Duration) FileOption {
	return func(f *File) {
		if d > 0 {
			f.lockTimeout = d
		}
	}
}

// NewFile creates a File store at path. The file is created on first write.
func NewFile(path string, opts ...FileOption) *File {
	f := &File{path: path, lockTimeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

func (f *File) GetMany(keys ...string) (map[string]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := f.load()
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (f *File) SetMany(values map[string]string) error {
	return f.update(func(data map[string]string) {
		for k, v := range values {
			data[k] = v
		}
	})
}

func (f *File) Delete(keys ...string) error {
	return f.update(func(data map[string]string) {
		for _, k := range keys {
			delete(data, k)
		}
	})
}

func (f *File) update(mutate func(map[string]string)) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.lockTimeout)
	defer cancel()
	lock, err := acquireFileLock(ctx, f.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil && err == nil {
			err = fmt.Errorf("failed to release lock: %w", releaseErr)
		}
	}()

	data, err := f.load()
	if err != nil {
		// A corrupt file is replaced rather than blocking every write.
		data = make(map[string]string)
	}
	mutate(data)

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf("failed to rename temp file: %v; additionally failed to remove temp file: %w", err, removeErr)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (f *File) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, err
	}

	data := make(map[string]string)
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", f.path, err)
	}
	return data, nil
}

var _ Store = (*File)(nil)
