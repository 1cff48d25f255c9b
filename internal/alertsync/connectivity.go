package alertsync

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
)

type Transition int

const (
	BecameReachable Transition = iota
	BecameUnreachable
)

func (t Transition) String() string {
	switch t {
	case BecameReachable:
		return "became-reachable"
	case BecameUnreachable:
		return "became-unreachable"
	default:
		return "unknown"
	}
}

// ProbeFunc reports nil when outbound requests are currently likely to
// succeed.
type ProbeFunc func(ctx context.Context) error

// Monitor tracks process-wide reachability. Reachable() reflects the latest
// report immediately; transition events are debounced so that a flapping
// link settles into at most one event per direction change. Subscribers get
// a live stream only: there is no history replay, and a slow subscriber
// drops events (consumers re-check Reachable() before acting).
type Monitor struct {
	probe        ProbeFunc
	interval     time.Duration
	debounce     time.Duration
	probeTimeout time.Duration
	logger       Logger

	mu        sync.Mutex
	reachable bool
	emitted   bool
	timer     *time.Timer
	subs      []chan Transition
}

func NewMonitor(probe ProbeFunc, interval, debounce time.Duration, logger Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Monitor{
		probe:        probe,
		interval:     interval,
		debounce:     debounce,
		probeTimeout: 5 * time.Second,
		logger:       logger,
	}
}

func (m *Monitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

func (m *Monitor) Subscribe() <-chan Transition {
	ch := make(chan Transition, 8)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Report feeds an observation into the monitor, either from the built-in
// probe loop or from a platform connectivity callback.
func (m *Monitor) Report(reachable bool) {
	m.mu.Lock()
	m.reachable = reachable
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, m.settle)
	m.mu.Unlock()
}

func (m *Monitor) settle() {
	m.mu.Lock()
	state := m.reachable
	if state == m.emitted {
		m.mu.Unlock()
		return
	}
	m.emitted = state
	subs := append([]chan Transition(nil), m.subs...)
	m.mu.Unlock()

	event := BecameUnreachable
	if state {
		event = BecameReachable
	}
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			logf(m.logger, "dropping connectivity event %s for slow subscriber", event)
		}
	}
}

// Run probes on the configured interval until ctx is cancelled. Callers
// that rely on platform callbacks instead can skip Run and call Report.
func (m *Monitor) Run(ctx context.Context) {
	if m.probe == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		err := m.probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		m.Report(err == nil)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// HTTPProbe builds a ProbeFunc that issues a HEAD request against the given
// URL; any completed response counts as reachable.
func HTTPProbe(client *http.Client, probeURL string) ProbeFunc {
	probeURL = strings.TrimSpace(probeURL)
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		return nil
	}
}
