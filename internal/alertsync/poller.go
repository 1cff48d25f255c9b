package alertsync

import (
	"context"
	"time"
)

type PollerOptions struct {
	API         AlertAPI
	Credentials TokenSource
	Views       *ViewStore
	Threads     *ThreadStore
	Location    func() (Coordinate, bool)
	Logger      Logger
}

// Poller reconciles the view store against the server on an interval. Poll
// results carry the timestamp of the poll start, so a push update that
// raced in while the request was in flight wins the merge.
type Poller struct {
	api      AlertAPI
	creds    TokenSource
	views    *ViewStore
	threads  *ThreadStore
	location func() (Coordinate, bool)
	logger   Logger
	timeout  time.Duration
}

func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.API == nil || opts.Credentials == nil || opts.Views == nil {
		return nil, ErrInvalidInput
	}
	if opts.Threads == nil {
		opts.Threads = NewThreadStore()
	}
	return &Poller{
		api:      opts.API,
		creds:    opts.Credentials,
		views:    opts.Views,
		threads:  opts.Threads,
		location: opts.Location,
		logger:   opts.Logger,
		timeout:  10 * time.Second,
	}, nil
}

// RunNearby polls the nearby-alert list until ctx is cancelled.
func (p *Poller) RunNearby(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.pollNearbyOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) pollNearbyOnce(ctx context.Context) {
	if p.location == nil {
		return
	}
	coord, ok := p.location()
	if !ok {
		return
	}
	token, err := p.creds.Token()
	if err != nil {
		return
	}

	polledAt := time.Now().UTC()
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	alerts, err := p.api.NearbyAlerts(reqCtx, token, coord)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			logf(p.logger, "nearby poll failed: %v", err)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	present := make(map[int64]struct{}, len(alerts))
	for _, alert := range alerts {
		present[alert.ID] = struct{}{}
		p.views.Apply(alertToUpdate(alert, polledAt))
	}
	p.views.Prune(present, polledAt)
}

// RunThread polls the chat transcript of one alert until ctx is cancelled.
func (p *Poller) RunThread(ctx context.Context, alertID int64, interval time.Duration) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.pollThreadOnce(ctx, alertID)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) pollThreadOnce(ctx context.Context, alertID int64) {
	token, err := p.creds.Token()
	if err != nil {
		return
	}
	polledAt := time.Now().UTC()
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	messages, err := p.api.ChatThread(reqCtx, token, alertID)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			logf(p.logger, "chat poll for alert %d failed: %v", alertID, err)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	p.threads.Replace(alertID, messages, SourcePoll, polledAt)
}

// ResolveAlert fetches the caller's alert list to fill in an alert the
// push channel referenced but the store had never seen.
func (p *Poller) ResolveAlert(ctx context.Context, alertID int64) {
	token, err := p.creds.Token()
	if err != nil {
		return
	}
	polledAt := time.Now().UTC()
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	alerts, err := p.api.MyAlerts(reqCtx, token)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			logf(p.logger, "alert %d lookup failed: %v", alertID, err)
		}
		return
	}
	for _, alert := range alerts {
		if alert.ID == alertID {
			p.views.Apply(alertToUpdate(alert, polledAt))
			return
		}
	}
}

func alertToUpdate(alert Alert, polledAt time.Time) AlertUpdate {
	update := AlertUpdate{
		ID:        alert.ID,
		Status:    alert.Status,
		Source:    SourcePoll,
		Timestamp: polledAt,
	}
	if update.Status == "" {
		update.Status = StatusPending
	}
	if alert.RespondingOfficer != nil {
		update.OfficerID = alert.RespondingOfficer.ID
		update.OfficerName = alert.RespondingOfficer.FullName
	} else if alert.RespondedBy != 0 {
		update.OfficerID = alert.RespondedBy
	}
	return update
}
