package alertsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type Officer struct {
	ID          int64  `json:"id"`
	FullName    string `json:"full_name,omitempty"`
	BadgeNumber string `json:"badge_number,omitempty"`
}

// Alert is the server's view of an alert, as returned by the list and
// nearby endpoints.
type Alert struct {
	ID                int64    `json:"id"`
	AlertType         string   `json:"alert_type"`
	Content           string   `json:"content,omitempty"`
	AudioURL          string   `json:"audio_url,omitempty"`
	Tag               string   `json:"tag,omitempty"`
	Latitude          *float64 `json:"latitude"`
	Longitude         *float64 `json:"longitude"`
	Status            string   `json:"status"`
	CreatedAt         string   `json:"created_at,omitempty"`
	RespondedBy       int64    `json:"responded_by,omitempty"`
	RespondingOfficer *Officer `json:"responding_officer,omitempty"`
	DistanceKm        float64  `json:"distance_km,omitempty"`
}

type ChatMessage struct {
	ID          int64  `json:"id"`
	AlertID     int64  `json:"alert_id"`
	SenderID    int64  `json:"sender_id"`
	ReceiverID  int64  `json:"receiver_id"`
	Message     string `json:"message"`
	MessageType string `json:"message_type,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	SenderName  string `json:"sender_name,omitempty"`
	SenderType  string `json:"sender_type,omitempty"`
	IsMine      bool   `json:"is_mine,omitempty"`
}

// AlertAPI is the remote surface the client depends on. Implementations
// perform exactly one request per call: retry policy belongs to the drain
// pass and the pollers, not the transport.
type AlertAPI interface {
	SubmitAlert(ctx context.Context, token string, sub Submission) error
	MyAlerts(ctx context.Context, token string) ([]Alert, error)
	NearbyAlerts(ctx context.Context, token string, coord Coordinate) ([]Alert, error)
	ChatThread(ctx context.Context, token string, alertID int64) ([]ChatMessage, error)
	UpdateLocation(ctx context.Context, token string, coord Coordinate) error
}

type HTTPAlertAPI struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPAlertAPI(baseURL string, httpClient *http.Client) *HTTPAlertAPI {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPAlertAPI{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

func (c *HTTPAlertAPI) SubmitAlert(ctx context.Context, token string, sub Submission) error {
	return c.doJSON(ctx, http.MethodPost, "/alerts", token, sub, nil)
}

func (c *HTTPAlertAPI) MyAlerts(ctx context.Context, token string) ([]Alert, error) {
	var out []Alert
	err := c.doJSON(ctx, http.MethodGet, "/alerts", token, nil, &out)
	return out, err
}

func (c *HTTPAlertAPI) NearbyAlerts(ctx context.Context, token string, coord Coordinate) ([]Alert, error) {
	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%f", coord.Latitude))
	q.Set("longitude", fmt.Sprintf("%f", coord.Longitude))
	var out []Alert
	err := c.doJSON(ctx, http.MethodGet, "/alerts/nearby?"+q.Encode(), token, nil, &out)
	return out, err
}

func (c *HTTPAlertAPI) ChatThread(ctx context.Context, token string, alertID int64) ([]ChatMessage, error) {
	var out []ChatMessage
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/chat/%d", alertID), token, nil, &out)
	return out, err
}

func (c *HTTPAlertAPI) UpdateLocation(ctx context.Context, token string, coord Coordinate) error {
	return c.doJSON(ctx, http.MethodPut, "/location", token, coord, nil)
}

func (c *HTTPAlertAPI) doJSON(ctx context.Context, method, requestPath, token string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payloadBytes) == 0 {
			return nil
		}
		return json.Unmarshal(payloadBytes, out)
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	_ = json.Unmarshal(payloadBytes, &errPayload)
	message := errPayload.Message
	if message == "" {
		message = errPayload.Detail
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    message,
	}
}

type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeRetryable
	OutcomeNonRetryable
	OutcomeUnauthorized
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRetryable:
		return "retryable-failure"
	case OutcomeNonRetryable:
		return "non-retryable-failure"
	case OutcomeUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// ClassifyOutcome maps a remote-write error onto the retry taxonomy: 2xx is
// accepted, 401 invalidates the credential, other 4xx means the payload can
// never succeed, and everything else (5xx, timeout, transport failure) is
// worth retrying on a later pass.
func ClassifyOutcome(err error) Outcome {
	if err == nil {
		return OutcomeAccepted
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusUnauthorized:
			return OutcomeUnauthorized
		case httpErr.StatusCode >= 500:
			return OutcomeRetryable
		case httpErr.StatusCode >= 400:
			return OutcomeNonRetryable
		}
	}
	return OutcomeRetryable
}
