package alertsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// TokenSource yields the current access token. Implementations return
// ErrUnauthorized when no usable credential is on hand.
type TokenSource interface {
	Token() (string, error)
}

type SyncerOptions struct {
	Queue          SubmissionQueue
	API            AlertAPI
	Credentials    TokenSource
	Reachable      func() bool
	RequestTimeout time.Duration
	Logger         Logger

	// OnAuthExpired fires at most once per drain pass, when the server
	// rejects the credential outright.
	OnAuthExpired func()
}

// Syncer drains the submission queue against the remote API. At most one
// drain pass runs at a time; triggers that land mid-pass coalesce into a
// single follow-up pass.
type Syncer struct {
	queue          SubmissionQueue
	api            AlertAPI
	creds          TokenSource
	reachable      func() bool
	requestTimeout time.Duration
	logger         Logger
	onAuthExpired  func()

	mu       sync.Mutex
	draining bool
	rerun    bool
	wg       sync.WaitGroup
}

func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Queue == nil || opts.API == nil || opts.Credentials == nil {
		return nil, ErrInvalidInput
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Reachable == nil {
		opts.Reachable = func() bool { return true }
	}
	return &Syncer{
		queue:          opts.Queue,
		api:            opts.API,
		creds:          opts.Credentials,
		reachable:      opts.Reachable,
		requestTimeout: opts.RequestTimeout,
		logger:         opts.Logger,
		onAuthExpired:  opts.OnAuthExpired,
	}, nil
}

// TriggerDrain starts a drain pass unless one is already running, in which
// case it schedules exactly one more pass after the current one finishes.
func (s *Syncer) TriggerDrain(ctx context.Context) {
	s.mu.Lock()
	if s.draining {
		s.rerun = true
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drainLoop(ctx)
	}()
}

// Wait blocks until any in-flight drain pass has finished.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

func (s *Syncer) drainLoop(ctx context.Context) {
	for {
		err := s.drainOnce(ctx)

		s.mu.Lock()
		again := s.rerun
		s.rerun = false
		if !again || ctx.Err() != nil || errors.Is(err, ErrUnauthorized) {
			s.draining = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *Syncer) drainOnce(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !s.reachable() {
		return nil
	}
	entries, err := s.queue.ListAll()
	if err != nil {
		logf(s.logger, "drain aborted, queue unreadable: %v", err)
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	token, err := s.creds.Token()
	if err != nil {
		// No credential yet. The queue keeps everything for a later pass.
		return nil
	}

	logf(s.logger, "draining %d queued submissions", len(entries))
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.reachable() {
			return nil
		}

		reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
		sendErr := s.api.SubmitAlert(reqCtx, token, entry.Submission)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch outcome := ClassifyOutcome(sendErr); outcome {
		case OutcomeAccepted:
			if removeErr := s.queue.Remove(entry.LocalID); removeErr != nil {
				logf(s.logger, "delivered %s but failed to dequeue: %v", entry.LocalID, removeErr)
			}
		case OutcomeRetryable:
			logf(s.logger, "submission %s kept for retry: %v", entry.LocalID, sendErr)
		case OutcomeNonRetryable:
			logf(s.logger, "submission %s rejected, dropping: %v", entry.LocalID, sendErr)
			if removeErr := s.queue.Remove(entry.LocalID); removeErr != nil {
				logf(s.logger, "failed to drop rejected submission %s: %v", entry.LocalID, removeErr)
			}
		case OutcomeUnauthorized:
			logf(s.logger, "drain aborted, credential rejected")
			if s.onAuthExpired != nil {
				s.onAuthExpired()
			}
			return ErrUnauthorized
		}
	}
	return nil
}

// Run drives drain passes from connectivity transitions until ctx is
// cancelled. An initial pass runs immediately in case the link was already
// up with entries pending.
func (s *Syncer) Run(ctx context.Context, transitions <-chan Transition) {
	s.TriggerDrain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-transitions:
			if !ok {
				return
			}
			if event == BecameReachable {
				s.TriggerDrain(ctx)
			}
		}
	}
}
