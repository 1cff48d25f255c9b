package alertsync

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func floatPtr(v float64) *float64 { return &v }

func testSubmission(content string) Submission {
	return Submission{
		AlertType: AlertTypeText,
		Content:   content,
		Latitude:  floatPtr(6.45),
		Longitude: floatPtr(3.39),
	}
}

func TestFileQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err := NewFileSubmissionQueue(path, nil)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}

	firstID, err := queue.Enqueue(testSubmission("first"))
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	secondID, err := queue.Enqueue(testSubmission("second"))
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	if firstID == "" || secondID == "" || firstID == secondID {
		t.Fatalf("expected distinct non-empty local ids, got %q and %q", firstID, secondID)
	}

	reopened, err := NewFileSubmissionQueue(path, nil)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	items, err := reopened.ListAll()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items after reopen, got %d", len(items))
	}
	if items[0].LocalID != firstID || items[1].LocalID != secondID {
		t.Fatalf("local ids changed across reopen: %q %q", items[0].LocalID, items[1].LocalID)
	}
	if items[0].Content != "first" || items[1].Content != "second" {
		t.Fatalf("insertion order lost: %q %q", items[0].Content, items[1].Content)
	}
}

func TestFileQueueRemoveMissingIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err := NewFileSubmissionQueue(path, nil)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	localID, err := queue.Enqueue(testSubmission("only"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := queue.Remove("does-not-exist"); err != nil {
		t.Fatalf("remove of unknown id should be a no-op, got %v", err)
	}
	if queue.Depth() != 1 {
		t.Fatalf("expected depth 1 after no-op remove, got %d", queue.Depth())
	}

	if err := queue.Remove(localID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := queue.Remove(localID); err != nil {
		t.Fatalf("second remove of same id should be a no-op, got %v", err)
	}
	if queue.Depth() != 0 {
		t.Fatalf("expected empty queue, got depth %d", queue.Depth())
	}
}

func TestFileQueueRejectsInvalidPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err := NewFileSubmissionQueue(path, nil)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}

	if _, err := queue.Enqueue(Submission{AlertType: "carrier-pigeon"}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for bad alert type, got %v", err)
	}
	if _, err := queue.Enqueue(Submission{AlertType: AlertTypeSOS, Latitude: floatPtr(123), Longitude: floatPtr(0)}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for out-of-range latitude, got %v", err)
	}
	if queue.Depth() != 0 {
		t.Fatalf("invalid payloads must not be queued, got depth %d", queue.Depth())
	}
}

func TestFileQueueSkipsCorruptEntriesOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	raw := `{"items":[
		{"local_id":"good","alert_type":"sos","latitude":null,"longitude":null,"queued_at":"2026-01-02T03:04:05Z"},
		{"local_id":"bad","alert_type":"smoke-signal","latitude":null,"longitude":null,"queued_at":"2026-01-02T03:04:06Z"},
		{"alert_type":"text","content":"no id","latitude":null,"longitude":null,"queued_at":"2026-01-02T03:04:07Z"}
	]}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("seed queue file: %v", err)
	}

	queue, err := NewFileSubmissionQueue(path, nil)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	items, err := queue.ListAll()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected invalid entry dropped, got %d items", len(items))
	}
	if items[0].LocalID != "good" {
		t.Fatalf("expected surviving entry first, got %q", items[0].LocalID)
	}
	if items[1].LocalID == "" {
		t.Fatalf("entry without a local id should have been assigned one")
	}
}

func TestInMemoryQueueKeepsInsertionOrder(t *testing.T) {
	queue := NewInMemorySubmissionQueue()
	var ids []string
	for _, content := range []string{"a", "b", "c"} {
		id, err := queue.Enqueue(testSubmission(content))
		if err != nil {
			t.Fatalf("enqueue %s: %v", content, err)
		}
		ids = append(ids, id)
	}
	if err := queue.Remove(ids[1]); err != nil {
		t.Fatalf("remove: %v", err)
	}
	items, err := queue.ListAll()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].Content != "a" || items[1].Content != "c" {
		t.Fatalf("unexpected queue contents after remove: %+v", items)
	}
}
