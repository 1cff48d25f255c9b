package alertsync

import (
	"sort"
	"sync"
	"time"
)

const (
	StatusPending   = "pending"
	StatusResponded = "responded"
	StatusResolved  = "resolved"
)

type UpdateSource string

const (
	SourcePush UpdateSource = "push"
	SourcePoll UpdateSource = "poll"
)

// AlertView is the client's merged picture of one alert, fed by both the
// realtime channel and the poll loop.
type AlertView struct {
	ID          int64
	Status      string
	OfficerID   int64
	OfficerName string
	Message     string
	Source      UpdateSource
	UpdatedAt   time.Time
}

type AlertUpdate struct {
	ID          int64
	Status      string
	OfficerID   int64
	OfficerName string
	Message     string
	Source      UpdateSource
	Timestamp   time.Time
}

// ViewStore merges alert updates last-write-wins by timestamp, regardless
// of which channel delivered them.
type ViewStore struct {
	mu    sync.RWMutex
	views map[int64]AlertView
}

func NewViewStore() *ViewStore {
	return &ViewStore{views: map[int64]AlertView{}}
}

// Apply merges one update. A stale update (older than what the store
// already holds for that alert) is rejected and Apply reports false.
func (s *ViewStore) Apply(update AlertUpdate) bool {
	if update.ID <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.views[update.ID]
	if exists && current.UpdatedAt.After(update.Timestamp) {
		return false
	}

	next := AlertView{
		ID:          update.ID,
		Status:      update.Status,
		OfficerID:   update.OfficerID,
		OfficerName: update.OfficerName,
		Message:     update.Message,
		Source:      update.Source,
		UpdatedAt:   update.Timestamp,
	}
	if next.Status == "" {
		next.Status = current.Status
	}
	if next.Status == "" {
		next.Status = StatusPending
	}
	// Partial updates keep the richer fields already known.
	if next.OfficerID == 0 {
		next.OfficerID = current.OfficerID
	}
	if next.OfficerName == "" {
		next.OfficerName = current.OfficerName
	}
	if next.Message == "" {
		next.Message = current.Message
	}
	s.views[update.ID] = next
	return true
}

func (s *ViewStore) Get(id int64) (AlertView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.views[id]
	return view, ok
}

func (s *ViewStore) Known(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.views[id]
	return ok
}

func (s *ViewStore) List() []AlertView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AlertView, 0, len(s.views))
	for _, view := range s.views {
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *ViewStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.views)
}

// Prune removes alerts absent from a full poll result, unless a fresher
// push update arrived after the poll started. Returns the pruned ids.
func (s *ViewStore) Prune(present map[int64]struct{}, polledAt time.Time) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned []int64
	for id, view := range s.views {
		if _, ok := present[id]; ok {
			continue
		}
		if view.UpdatedAt.After(polledAt) {
			continue
		}
		delete(s.views, id)
		pruned = append(pruned, id)
	}
	sort.Slice(pruned, func(i, j int) bool { return pruned[i] < pruned[j] })
	return pruned
}

// EvictTerminal drops alerts that reached a terminal status.
func (s *ViewStore) EvictTerminal() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []int64
	for id, view := range s.views {
		if view.Status == StatusResolved {
			delete(s.views, id)
			evicted = append(evicted, id)
		}
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	return evicted
}

// Thread is the merged chat transcript for one alert. Snapshots replace
// wholesale; per-message merging is not attempted.
type Thread struct {
	AlertID   int64
	Messages  []ChatMessage
	Source    UpdateSource
	UpdatedAt time.Time
}

type ThreadStore struct {
	mu      sync.RWMutex
	threads map[int64]Thread
}

func NewThreadStore() *ThreadStore {
	return &ThreadStore{threads: map[int64]Thread{}}
}

func (s *ThreadStore) Replace(alertID int64, messages []ChatMessage, source UpdateSource, timestamp time.Time) bool {
	if alertID <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.threads[alertID]
	if exists && current.UpdatedAt.After(timestamp) {
		return false
	}
	s.threads[alertID] = Thread{
		AlertID:   alertID,
		Messages:  append([]ChatMessage(nil), messages...),
		Source:    source,
		UpdatedAt: timestamp,
	}
	return true
}

func (s *ThreadStore) Get(alertID int64) (Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[alertID]
	return thread, ok
}

func (s *ThreadStore) Drop(alertID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, alertID)
}
