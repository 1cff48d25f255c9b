package alertsync

import (
	"context"
	"sync"
	"time"
)

type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// LocationFeed is a lazy, infinite sequence of coordinate samples. It is not
// restartable: once Next returns ErrFeedEnded the feed stays ended.
type LocationFeed interface {
	Next(ctx context.Context) (Coordinate, error)
}

type channelFeed struct {
	samples <-chan Coordinate
}

func NewChannelFeed(samples <-chan Coordinate) LocationFeed {
	return &channelFeed{samples: samples}
}

func (f *channelFeed) Next(ctx context.Context) (Coordinate, error) {
	select {
	case <-ctx.Done():
		return Coordinate{}, ctx.Err()
	case sample, ok := <-f.samples:
		if !ok {
			return Coordinate{}, ErrFeedEnded
		}
		return sample, nil
	}
}

// Tracker consumes a LocationFeed and caches the latest sample for
// submission payloads and nearby polls.
type Tracker struct {
	feed LocationFeed

	mu     sync.RWMutex
	latest Coordinate
	has    bool
}

func NewTracker(feed LocationFeed) *Tracker {
	return &Tracker{feed: feed}
}

func (t *Tracker) Run(ctx context.Context) {
	if t.feed == nil {
		<-ctx.Done()
		return
	}
	for {
		sample, err := t.feed.Next(ctx)
		if err != nil {
			return
		}
		t.mu.Lock()
		t.latest = sample
		t.has = true
		t.mu.Unlock()
	}
}

func (t *Tracker) Latest() (Coordinate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest, t.has
}

// Reporter pushes the latest known coordinate to the server on an interval.
// This is best effort: a failed update is logged and waits for the next
// tick, never retried eagerly.
type Reporter struct {
	api      AlertAPI
	creds    TokenSource
	tracker  *Tracker
	interval time.Duration
	timeout  time.Duration
	logger   Logger
}

func NewReporter(api AlertAPI, creds TokenSource, tracker *Tracker, interval time.Duration, logger Logger) *Reporter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reporter{
		api:      api,
		creds:    creds,
		tracker:  tracker,
		interval: interval,
		timeout:  10 * time.Second,
		logger:   logger,
	}
}

func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.reportOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reporter) reportOnce(ctx context.Context) {
	coord, ok := r.tracker.Latest()
	if !ok {
		return
	}
	token, err := r.creds.Token()
	if err != nil {
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.api.UpdateLocation(reqCtx, token, coord); err != nil && ctx.Err() == nil {
		logf(r.logger, "location update failed: %v", err)
	}
}
