package alertsync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SubmissionQueue is the durable store of submissions waiting for a drain
// pass. Entries keep insertion order across process restarts. Remove of an
// unknown id is a no-op.
type SubmissionQueue interface {
	Enqueue(sub Submission) (string, error)
	ListAll() ([]QueuedSubmission, error)
	Remove(localID string) error
	Depth() int
	Close() error
}

type fileSubmissionQueue struct {
	path   string
	logger Logger
	mu     sync.Mutex
	items  []QueuedSubmission
}

type fileSubmissionQueueState struct {
	Items []QueuedSubmission `json:"items"`
}

func NewFileSubmissionQueue(path string, logger Logger) (SubmissionQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	q := &fileSubmissionQueue{
		path:   path,
		logger: logger,
		items:  []QueuedSubmission{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileSubmissionQueue) Enqueue(sub Submission) (string, error) {
	if err := ValidateSubmission(sub); err != nil {
		return "", err
	}
	entry := QueuedSubmission{
		LocalID:    uuid.NewString(),
		Submission: sub,
		QueuedAt:   time.Now().UTC(),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, entry)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return "", err
	}
	return entry.LocalID, nil
}

func (q *fileSubmissionQueue) ListAll() ([]QueuedSubmission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedSubmission(nil), q.items...), nil
}

func (q *fileSubmissionQueue) Remove(localID string) error {
	if strings.TrimSpace(localID) == "" {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	index := -1
	for i, item := range q.items {
		if item.LocalID == localID {
			index = i
			break
		}
	}
	if index < 0 {
		return nil
	}
	removed := q.items[index]
	q.items = append(q.items[:index], q.items[index+1:]...)
	if err := q.saveLocked(); err != nil {
		rest := append([]QueuedSubmission{removed}, q.items[index:]...)
		q.items = append(q.items[:index], rest...)
		return err
	}
	return nil
}

func (q *fileSubmissionQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileSubmissionQueue) Close() error {
	return nil
}

func (q *fileSubmissionQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileSubmissionQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	items := make([]QueuedSubmission, 0, len(snapshot.Items))
	for _, item := range snapshot.Items {
		if err := ValidateSubmission(item.Submission); err != nil {
			logf(q.logger, "skipping invalid queued submission %s: %v", item.LocalID, err)
			continue
		}
		if strings.TrimSpace(item.LocalID) == "" {
			// Entries written before local ids existed get one assigned; the
			// id then stays stable for the life of the entry.
			item.LocalID = uuid.NewString()
		}
		items = append(items, item)
	}
	q.items = items
	return nil
}

func (q *fileSubmissionQueue) saveLocked() error {
	snapshot := fileSubmissionQueueState{
		Items: append([]QueuedSubmission(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

type inMemorySubmissionQueue struct {
	mu    sync.Mutex
	items []QueuedSubmission
}

func NewInMemorySubmissionQueue() SubmissionQueue {
	return &inMemorySubmissionQueue{items: []QueuedSubmission{}}
}

func (q *inMemorySubmissionQueue) Enqueue(sub Submission) (string, error) {
	if err := ValidateSubmission(sub); err != nil {
		return "", err
	}
	entry := QueuedSubmission{
		LocalID:    uuid.NewString(),
		Submission: sub,
		QueuedAt:   time.Now().UTC(),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, entry)
	return entry.LocalID, nil
}

func (q *inMemorySubmissionQueue) ListAll() ([]QueuedSubmission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedSubmission(nil), q.items...), nil
}

func (q *inMemorySubmissionQueue) Remove(localID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.LocalID == localID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *inMemorySubmissionQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *inMemorySubmissionQueue) Close() error {
	return nil
}
