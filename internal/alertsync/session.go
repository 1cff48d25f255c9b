package alertsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

type SessionOptions struct {
	BaseURL    string
	ChannelURL string

	// Queue wins over QueueDSN when both are set. With neither, the
	// session falls back to an in-memory queue.
	Queue    SubmissionQueue
	QueueDSN string

	Credentials CredentialSource
	API         AlertAPI
	HTTPClient  *http.Client

	Probe         ProbeFunc
	ProbeInterval time.Duration
	Debounce      time.Duration

	RequestTimeout   time.Duration
	NearbyInterval   time.Duration
	ThreadInterval   time.Duration
	LocationInterval time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration

	LocationFeed LocationFeed
	Logger       Logger
}

type SubmitResult struct {
	// Queued reports that the submission was persisted locally instead of
	// delivered; LocalID identifies the queue entry.
	Queued  bool
	LocalID string
}

// Session assembles the full client stack: durable queue, connectivity
// monitor, drain syncer, realtime channel, pollers and location tracking.
type Session struct {
	opts SessionOptions

	queue    SubmissionQueue
	api      AlertAPI
	creds    CredentialSource
	monitor  *Monitor
	syncer   *Syncer
	channel  *ChannelManager
	poller   *Poller
	views    *ViewStore
	threads  *ThreadStore
	tracker  *Tracker
	reporter *Reporter
	logger   Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool

	nearbyMu     sync.Mutex
	nearbyCancel context.CancelFunc

	wg          sync.WaitGroup
	closeOnce   sync.Once
	authExpired chan struct{}
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Credentials == nil {
		return nil, ErrInvalidInput
	}
	if opts.API == nil {
		opts.API = NewHTTPAlertAPI(opts.BaseURL, opts.HTTPClient)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}

	queue := opts.Queue
	if queue == nil {
		built, err := BuildSubmissionQueueFromDSN(opts.QueueDSN, opts.Logger)
		if err != nil {
			return nil, err
		}
		queue = built
	}
	if queue == nil {
		queue = NewInMemorySubmissionQueue()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:        opts,
		queue:       queue,
		api:         opts.API,
		creds:       opts.Credentials,
		views:       NewViewStore(),
		threads:     NewThreadStore(),
		tracker:     NewTracker(opts.LocationFeed),
		logger:      opts.Logger,
		ctx:         ctx,
		cancel:      cancel,
		authExpired: make(chan struct{}, 1),
	}

	s.monitor = NewMonitor(opts.Probe, opts.ProbeInterval, opts.Debounce, opts.Logger)

	syncer, err := NewSyncer(SyncerOptions{
		Queue:          queue,
		API:            s.api,
		Credentials:    opts.Credentials,
		Reachable:      s.monitor.Reachable,
		RequestTimeout: opts.RequestTimeout,
		Logger:         opts.Logger,
		OnAuthExpired:  s.noteAuthExpired,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.syncer = syncer

	poller, err := NewPoller(PollerOptions{
		API:         s.api,
		Credentials: opts.Credentials,
		Views:       s.views,
		Threads:     s.threads,
		Location:    s.tracker.Latest,
		Logger:      opts.Logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.poller = poller

	if opts.ChannelURL != "" {
		channel, err := NewChannelManager(ChannelOptions{
			URL:         opts.ChannelURL,
			Credentials: opts.Credentials,
			Views:       s.views,
			Logger:      opts.Logger,
			OnUnknownAlert: func(alertID int64) {
				go s.poller.ResolveAlert(s.ctx, alertID)
			},
			OnNewMessage:  func(alertID int64) { go s.poller.pollThreadOnce(s.ctx, alertID) },
			ReconnectBase: opts.ReconnectBase,
			ReconnectMax:  opts.ReconnectMax,
		})
		if err != nil {
			cancel()
			return nil, err
		}
		s.channel = channel
	}

	s.reporter = NewReporter(s.api, opts.Credentials, s.tracker, opts.LocationInterval, opts.Logger)
	return s, nil
}

// noteAuthExpired invalidates the credential (when the source supports it)
// and signals AuthExpired without blocking or double-delivering.
func (s *Session) noteAuthExpired() {
	type invalidator interface{ Invalidate() }
	if inv, ok := s.creds.(invalidator); ok {
		inv.Invalidate()
	}
	s.signalAuthExpired()
}

func (s *Session) signalAuthExpired() {
	select {
	case s.authExpired <- struct{}{}:
	default:
	}
}

// Start launches the session's background loops. It may be called once.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("%w: session already started", ErrInvalidState)
	}
	s.started = true
	s.mu.Unlock()

	s.spawn(func() { s.monitor.Run(s.ctx) })

	transitions := s.monitor.Subscribe()
	s.spawn(func() { s.syncer.Run(s.ctx, transitions) })

	if s.channel != nil {
		s.spawn(func() { s.channel.Run(s.ctx) })
	}

	s.spawn(func() { s.tracker.Run(s.ctx) })
	s.spawn(func() { s.reporter.Run(s.ctx) })

	s.syncNearbyPolling()

	type changeNotifier interface{ Changed() <-chan struct{} }
	if notifier, ok := s.creds.(changeNotifier); ok {
		changed := notifier.Changed()
		s.spawn(func() {
			for {
				select {
				case <-s.ctx.Done():
					return
				case _, ok := <-changed:
					if !ok {
						return
					}
					if s.channel != nil {
						s.channel.Reconnect()
					}
					s.syncNearbyPolling()
					s.syncer.TriggerDrain(s.ctx)
				}
			}
		})
	}
	return nil
}

// syncNearbyPolling starts or stops the nearby-alert poll loop to match the
// current identity. Called at start and again on every credential change, so
// a police login after startup still gets reconciliation.
func (s *Session) syncNearbyPolling() {
	identity, err := s.creds.Identity()
	isPolice := err == nil && identity.Role == RolePolice

	s.nearbyMu.Lock()
	defer s.nearbyMu.Unlock()
	switch {
	case isPolice && s.nearbyCancel == nil:
		nearbyCtx, cancel := context.WithCancel(s.ctx)
		s.nearbyCancel = cancel
		s.spawn(func() { s.poller.RunNearby(nearbyCtx, s.opts.NearbyInterval) })
	case !isPolice && s.nearbyCancel != nil:
		s.nearbyCancel()
		s.nearbyCancel = nil
	}
}

func (s *Session) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Submit delivers an alert immediately when the link and credential allow
// it, and otherwise persists it for the next drain pass.
func (s *Session) Submit(ctx context.Context, sub Submission) (SubmitResult, error) {
	if err := ValidateSubmission(sub); err != nil {
		return SubmitResult{}, err
	}
	if sub.Latitude == nil || sub.Longitude == nil {
		if coord, ok := s.tracker.Latest(); ok {
			lat, lng := coord.Latitude, coord.Longitude
			sub.Latitude = &lat
			sub.Longitude = &lng
		}
	}

	token, tokenErr := s.creds.Token()
	if !s.monitor.Reachable() || tokenErr != nil {
		// A direct send is impossible, whether the link or the credential
		// is the blocker. The intent is persisted either way; the drain
		// pass holds it until both are back.
		localID, err := s.queue.Enqueue(sub)
		if err != nil {
			return SubmitResult{}, err
		}
		if tokenErr != nil {
			s.signalAuthExpired()
		}
		return SubmitResult{Queued: true, LocalID: localID}, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	sendErr := s.api.SubmitAlert(reqCtx, token, sub)
	cancel()

	switch ClassifyOutcome(sendErr) {
	case OutcomeAccepted:
		return SubmitResult{}, nil
	case OutcomeUnauthorized:
		s.noteAuthExpired()
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrUnauthorized, sendErr)
	case OutcomeNonRetryable:
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrInvalidPayload, sendErr)
	default:
		// The server or the link failed us, not the payload. Queue it so
		// the drain pass can finish the delivery.
		localID, err := s.queue.Enqueue(sub)
		if err != nil {
			return SubmitResult{}, errors.Join(sendErr, err)
		}
		logf(s.logger, "submission queued after send failure: %v", sendErr)
		return SubmitResult{Queued: true, LocalID: localID}, nil
	}
}

// Foreground marks the app visible again: re-check the link and drain.
func (s *Session) Foreground(ctx context.Context) {
	s.syncer.TriggerDrain(ctx)
}

// OpenThread starts polling the chat transcript for one alert. The
// returned stop function ends the polling and drops the cached thread.
func (s *Session) OpenThread(alertID int64) (stop func()) {
	threadCtx, cancelThread := context.WithCancel(s.ctx)
	s.spawn(func() { s.poller.RunThread(threadCtx, alertID, s.opts.ThreadInterval) })
	return func() {
		cancelThread()
		s.threads.Drop(alertID)
	}
}

func (s *Session) Views() *ViewStore { return s.views }

func (s *Session) Threads() *ThreadStore { return s.threads }

// AuthExpired signals (at most once per expiry) that the stored credential
// was rejected and the user must log in again.
func (s *Session) AuthExpired() <-chan struct{} { return s.authExpired }

func (s *Session) QueueDepth() int { return s.queue.Depth() }

func (s *Session) Reachable() bool { return s.monitor.Reachable() }

// ReportConnectivity feeds a platform connectivity callback into the
// monitor, alongside or instead of the HTTP probe.
func (s *Session) ReportConnectivity(reachable bool) {
	s.monitor.Report(reachable)
}

// Close stops every background loop and releases the queue backend.
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()
		s.syncer.Wait()
		s.wg.Wait()
		closeErr = s.queue.Close()
	})
	return closeErr
}
