package daylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Dayline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// TimeBlock mirrors the API block model.
type TimeBlock struct {
	ID           string `json:"id"`
	Day          string `json:"day"`
	Activity     string `json:"activity"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	Status       string `json:"status"`
	ReminderSent bool   `json:"reminder_sent,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// HistoryRecord mirrors a finished-block history entry.
type HistoryRecord struct {
	ID             string `json:"id"`
	BlockID        string `json:"block_id"`
	Day            string `json:"day"`
	Activity       string `json:"activity"`
	ScheduledStart string `json:"scheduled_start"`
	ScheduledEnd   string `json:"scheduled_end"`
	ActualEnd      string `json:"actual_end"`
	Outcome        string `json:"outcome"`
	RecordedAt     string `json:"recorded_at"`
}

// Attention describes the block currently demanding the user's focus.
type Attention struct {
	Block          TimeBlock `json:"block"`
	State          string    `json:"state"`
	MinutesPastDue int       `json:"minutes_past_due"`
}

// AttentionSnapshot is the attention endpoint response; Attention is
// nil when no block needs anything.
type AttentionSnapshot struct {
	Now       string     `json:"now"`
	Attention *Attention `json:"attention"`
}

// FinishResult carries the resolved block and, when one was written,
// its history record.
type FinishResult struct {
	Block  TimeBlock      `json:"block"`
	Record *HistoryRecord `json:"record,omitempty"`
}

// Event represents an event log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	Day     string         `json:"day,omitempty"`
	BlockID string         `json:"block_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// AddBlock creates a time block for the given day.
func (c *Client) AddBlock(ctx context.Context, day, activity, startTime, endTime string) (TimeBlock, error) {
	body := map[string]any{
		"activity":   activity,
		"start_time": startTime,
		"end_time":   endTime,
	}
	var resp TimeBlock
	err := c.do(ctx, http.MethodPost, dayPath(day, "blocks"), body, &resp)
	return resp, err
}

// ListBlocks returns the day's blocks in start-time order.
func (c *Client) ListBlocks(ctx context.Context, day string) ([]TimeBlock, error) {
	var resp struct {
		Items []TimeBlock `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, dayPath(day, "blocks"), nil, &resp)
	return resp.Items, err
}

// RemoveBlock deletes a block.
func (c *Client) RemoveBlock(ctx context.Context, day, blockID string) error {
	endpoint := dayPath(day, fmt.Sprintf("blocks/%s", url.PathEscape(blockID)))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// FinishBlock resolves a block at server time and returns the updated
// block plus the history record.
func (c *Client) FinishBlock(ctx context.Context, day, blockID string) (FinishResult, error) {
	var resp FinishResult
	endpoint := dayPath(day, fmt.Sprintf("blocks/%s/finish", url.PathEscape(blockID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Attention returns the current attention snapshot for the day.
func (c *Client) Attention(ctx context.Context, day string) (AttentionSnapshot, error) {
	var resp AttentionSnapshot
	err := c.do(ctx, http.MethodGet, dayPath(day, "attention"), nil, &resp)
	return resp, err
}

// History returns the day's finished activities.
func (c *Client) History(ctx context.Context, day string) ([]HistoryRecord, error) {
	var resp struct {
		Items []HistoryRecord `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, dayPath(day, "history"), nil, &resp)
	return resp.Items, err
}

// Events returns event log entries, optionally only those after a
// cursor id.
func (c *Client) Events(ctx context.Context, limit int, after int64) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if after > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%safter=%d", endpoint, sep, after)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func dayPath(day, p string) string {
	return fmt.Sprintf("v0/days/%s/%s", url.PathEscape(day), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
