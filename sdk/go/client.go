// Package actifixsdk is a minimal client for the Actifix HTTP API,
// meant for embedding in services that report errors and for remote
// workers that process tickets.
package actifixsdk

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

// Client is a minimal Actifix HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
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

// Ticket mirrors the API ticket model (partial).
type Ticket struct {
	ID           string  `json:"id"`
	Priority     int     `json:"priority"`
	ErrorType    string  `json:"error_type"`
	Message      string  `json:"message"`
	Source       string  `json:"source"`
	Status       string  `json:"status"`
	LockedBy     *string `json:"locked_by,omitempty"`
	LeaseExpires *string `json:"lease_expires,omitempty"`
	Attempts     int     `json:"attempts"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

// LockInfo describes a held lease.
type LockInfo struct {
	TicketID     string `json:"ticket_id"`
	LockedBy     string `json:"locked_by"`
	LockedAt     string `json:"locked_at"`
	LeaseExpires string `json:"lease_expires"`
}

// Stats aggregates ticket counts by status.
type Stats struct {
	Open        int `json:"open"`
	InProgress  int `json:"in_progress"`
	Completed   int `json:"completed"`
	Deleted     int `json:"deleted"`
	Quarantined int `json:"quarantined"`
	Total       int `json:"total"`
}

// Report is the error intake payload.
type Report struct {
	Message     string  `json:"message"`
	Source      string  `json:"source,omitempty"`
	ErrorType   string  `json:"error_type,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	StackTrace  *string `json:"stack_trace,omitempty"`
	FileContext *string `json:"file_context,omitempty"`
	SystemState *string `json:"system_state,omitempty"`
}

// ReportResult distinguishes a fresh ticket from a suppressed
// duplicate.
type ReportResult struct {
	Created bool    `json:"created"`
	Ticket  *Ticket `json:"ticket,omitempty"`
}

// CompletionReport is the quality-gate payload for closing a ticket.
type CompletionReport struct {
	Summary     string `json:"summary"`
	TestSteps   string `json:"test_steps"`
	TestResults string `json:"test_results"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ReportError files an error report and returns whether a ticket was
// created or the report was suppressed as a duplicate.
func (c *Client) ReportError(ctx context.Context, report Report) (ReportResult, error) {
	var resp ReportResult
	err := c.do(ctx, http.MethodPost, "v0/tickets", report, &resp)
	return resp, err
}

// GetTicket fetches one ticket by id.
func (c *Client) GetTicket(ctx context.Context, id string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/tickets/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// NextTicket claims the highest-priority open ticket, or returns nil
// when the queue is empty. leaseSeconds <= 0 uses the server default.
func (c *Client) NextTicket(ctx context.Context, leaseSeconds int) (*Ticket, error) {
	endpoint := "v0/tickets/next"
	if leaseSeconds > 0 {
		endpoint = fmt.Sprintf("%s?lease_seconds=%d", endpoint, leaseSeconds)
	}
	var resp struct {
		Ticket *Ticket `json:"ticket"`
	}
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Ticket, err
}

// RenewLock extends a held lease.
func (c *Client) RenewLock(ctx context.Context, id string, leaseSeconds int) (LockInfo, error) {
	endpoint := fmt.Sprintf("v0/tickets/%s/renew", url.PathEscape(id))
	if leaseSeconds > 0 {
		endpoint = fmt.Sprintf("%s?lease_seconds=%d", endpoint, leaseSeconds)
	}
	var resp LockInfo
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ReleaseLock gives a claimed ticket back to the queue.
func (c *Client) ReleaseLock(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tickets/%s/release", url.PathEscape(id)), nil, nil)
}

// CompleteTicket closes a ticket through the quality gate.
func (c *Client) CompleteTicket(ctx context.Context, id string, report CompletionReport) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tickets/%s/complete", url.PathEscape(id)), report, &resp)
	return resp, err
}

// Stats returns ticket counts by status.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "v0/stats", nil, &resp)
	return resp, err
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
