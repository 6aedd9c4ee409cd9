package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Item is a mutation that could not reach the backend, stored for replay.
type Item struct {
	ID       string          `json:"id"`
	Resource string          `json:"resource"`
	Op       string          `json:"op"`
	TargetID string          `json:"target_id,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
	QueuedAt time.Time       `json:"queued_at"`
}

// Queue persists pending mutations in a JSON file.
type Queue struct {
	mu   sync.Mutex
	path string
}

// New creates a Queue backed by the file at path.
func New(path string) *Queue {
	return &Queue{path: path}
}

// Path returns the backing file.
func (q *Queue) Path() string {
	return q.path
}

// Add appends a mutation to the queue and returns the stored item.
func (q *Queue) Add(resource, op, targetID string, body any) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load()
	if err != nil {
		items = []Item{}
	}

	var rawBody json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Item{}, fmt.Errorf("failed to marshal queue body: %w", err)
		}
		rawBody = data
	}

	item := Item{
		ID:       uuid.NewString(),
		Resource: resource,
		Op:       op,
		TargetID: targetID,
		Body:     rawBody,
		QueuedAt: time.Now().UTC(),
	}
	items = append(items, item)

	if err := q.save(items); err != nil {
		return Item{}, err
	}
	return item, nil
}

// List returns all queued items, oldest first.
func (q *Queue) List() ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load()
}

// Clear removes all items from the queue.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.save([]Item{})
}

// Remove deletes a specific item by ID.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load()
	if err != nil {
		return err
	}

	filtered := make([]Item, 0, len(items))
	for _, item := range items {
		if item.ID != id {
			filtered = append(filtered, item)
		}
	}
	return q.save(filtered)
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.load()
	if err != nil {
		return 0
	}
	return len(items)
}

func (q *Queue) load() ([]Item, error) {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return []Item{}, nil
	}
	if err != nil {
		return nil, err
	}

	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse queue file: %w", err)
	}
	return items, nil
}

func (q *Queue) save(items []Item) error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}

	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
