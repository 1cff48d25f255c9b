package alertsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const RolePolice = "police"

// Identity describes whose session this is, which determines room
// membership on the realtime channel.
type Identity struct {
	UserID string
	Role   string
}

// CredentialSource extends TokenSource with the identity behind the token.
type CredentialSource interface {
	TokenSource
	Identity() (Identity, error)
}

type channelFrame struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type AlertResponseEvent struct {
	AlertID      int64  `json:"alert_id"`
	OfficerID    int64  `json:"officer_id"`
	ResponseTime string `json:"response_time,omitempty"`
	Message      string `json:"message,omitempty"`
	Status       string `json:"status,omitempty"`
}

type NewAlertEvent struct {
	AlertID int64  `json:"alert_id"`
	ID      int64  `json:"id,omitempty"`
	Status  string `json:"status,omitempty"`
}

type NewMessageEvent struct {
	AlertID int64 `json:"alert_id"`
}

type ChannelOptions struct {
	URL         string
	Credentials CredentialSource
	Views       *ViewStore
	Logger      Logger

	// OnUnknownAlert fires when a push event references an alert the view
	// store has never seen, so the caller can fetch its details.
	OnUnknownAlert func(alertID int64)
	OnNewMessage   func(alertID int64)

	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// ChannelManager maintains the realtime websocket connection, joining the
// session's rooms after every (re)connect and translating push frames into
// view-store updates.
type ChannelManager struct {
	url            string
	creds          CredentialSource
	views          *ViewStore
	logger         Logger
	onUnknownAlert func(int64)
	onNewMessage   func(int64)
	reconnectBase  time.Duration
	reconnectMax   time.Duration

	forceReconnect chan struct{}

	mu    sync.Mutex
	rooms []string
}

func NewChannelManager(opts ChannelOptions) (*ChannelManager, error) {
	if strings.TrimSpace(opts.URL) == "" || opts.Credentials == nil || opts.Views == nil {
		return nil, ErrInvalidInput
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	return &ChannelManager{
		url:            strings.TrimSpace(opts.URL),
		creds:          opts.Credentials,
		views:          opts.Views,
		logger:         opts.Logger,
		onUnknownAlert: opts.OnUnknownAlert,
		onNewMessage:   opts.OnNewMessage,
		reconnectBase:  opts.ReconnectBase,
		reconnectMax:   opts.ReconnectMax,
		forceReconnect: make(chan struct{}, 1),
	}, nil
}

// Rooms lists the rooms joined on the current connection, sorted.
func (c *ChannelManager) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.rooms...)
	sort.Strings(out)
	return out
}

// Reconnect asks the manager to drop the current connection and dial
// again, typically after the credential file changed.
func (c *ChannelManager) Reconnect() {
	select {
	case c.forceReconnect <- struct{}{}:
	default:
	}
}

func (c *ChannelManager) setRooms(rooms []string) {
	c.mu.Lock()
	c.rooms = append([]string(nil), rooms...)
	c.mu.Unlock()
}

func (c *ChannelManager) clearRooms() {
	c.mu.Lock()
	c.rooms = nil
	c.mu.Unlock()
}

// Run dials and re-dials the channel until ctx is cancelled. Backoff grows
// exponentially across consecutive failed attempts and resets once a
// connection is established.
func (c *ChannelManager) Run(ctx context.Context) {
	attempt := 0
	for {
		connected, err := c.runOnce(ctx)
		c.clearRooms()
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		if err != nil {
			logf(c.logger, "realtime channel: %v", err)
		}
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay(attempt)):
		case <-c.forceReconnect:
		}
	}
}

func (c *ChannelManager) reconnectDelay(attempt int) time.Duration {
	delay := c.reconnectBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.reconnectMax {
			return c.reconnectMax
		}
	}
	if delay > c.reconnectMax {
		delay = c.reconnectMax
	}
	return delay
}

func (c *ChannelManager) runOnce(ctx context.Context) (bool, error) {
	token, err := c.creds.Token()
	if err != nil {
		return false, nil
	}
	identity, err := c.creds.Identity()
	if err != nil {
		return false, nil
	}

	dialURL := c.url + "?token=" + url.QueryEscape(token)
	conn, _, err := websocket.Dial(ctx, dialURL, nil)
	if err != nil {
		return false, err
	}

	connDone := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-ctx.Done():
		case <-c.forceReconnect:
		case <-connDone:
			return
		}
		conn.Close(websocket.StatusNormalClosure, "reconnecting")
	}()
	defer func() {
		close(connDone)
		conn.Close(websocket.StatusInternalError, "session ended")
		<-watchDone
	}()

	if err := c.joinRooms(ctx, conn, identity); err != nil {
		return true, err
	}

	for {
		var frame channelFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}
		c.handleFrame(frame, time.Now().UTC())
	}
}

// joinRooms subscribes the connection to this session's rooms. Joining is
// idempotent server-side, so every reconnect re-sends the full set.
func (c *ChannelManager) joinRooms(ctx context.Context, conn *websocket.Conn, identity Identity) error {
	rooms := []string{fmt.Sprintf("user_%s", identity.UserID)}
	if identity.Role == RolePolice {
		rooms = append(rooms, "police_all")
	}
	for _, room := range rooms {
		frame := channelFrame{Event: "join_room", Room: room}
		if err := wsjson.Write(ctx, conn, frame); err != nil {
			return err
		}
	}
	c.setRooms(rooms)
	return nil
}

func (c *ChannelManager) handleFrame(frame channelFrame, receivedAt time.Time) {
	switch frame.Event {
	case "alert_response":
		var event AlertResponseEvent
		if err := json.Unmarshal(frame.Data, &event); err != nil || event.AlertID <= 0 {
			logf(c.logger, "discarding malformed alert_response frame")
			return
		}
		known := c.views.Known(event.AlertID)
		status := event.Status
		if status == "" {
			status = StatusResponded
		}
		c.views.Apply(AlertUpdate{
			ID:        event.AlertID,
			Status:    status,
			OfficerID: event.OfficerID,
			Message:   event.Message,
			Source:    SourcePush,
			Timestamp: receivedAt,
		})
		if !known && c.onUnknownAlert != nil {
			c.onUnknownAlert(event.AlertID)
		}
	case "new_alert":
		var event NewAlertEvent
		if err := json.Unmarshal(frame.Data, &event); err != nil {
			logf(c.logger, "discarding malformed new_alert frame")
			return
		}
		alertID := event.AlertID
		if alertID <= 0 {
			alertID = event.ID
		}
		if alertID <= 0 {
			return
		}
		status := event.Status
		if status == "" {
			status = StatusPending
		}
		known := c.views.Known(alertID)
		c.views.Apply(AlertUpdate{
			ID:        alertID,
			Status:    status,
			Source:    SourcePush,
			Timestamp: receivedAt,
		})
		if !known && c.onUnknownAlert != nil {
			c.onUnknownAlert(alertID)
		}
	case "new_message":
		var event NewMessageEvent
		if err := json.Unmarshal(frame.Data, &event); err != nil || event.AlertID <= 0 {
			return
		}
		if c.onNewMessage != nil {
			c.onNewMessage(event.AlertID)
		}
	default:
		logf(c.logger, "ignoring unknown channel event %q", frame.Event)
	}
}
