// Package tickets talks to the service-desk core API. The escalation
// engine uses it to read subject state and to apply reassign and
// raise-priority actions.
package tickets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"servicedesk-notification/internal/logging"
)

// Client is an HTTP client for the ticket-system boundary.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logging.Logger
}

// NewClient constructs a Client for the given base URL.
func NewClient(baseURL string, logger *logging.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

type ticketState struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// IsSubjectResolved reports whether the ticket has been resolved or closed
// with a resolution.
func (c *Client) IsSubjectResolved(ctx context.Context, subjectID int64) (bool, error) {
	st, err := c.getTicket(ctx, subjectID)
	if err != nil {
		return false, err
	}
	return st.Status == "resolved", nil
}

// IsSubjectOpen reports whether the ticket is still open. Closed and
// cancelled tickets are not open.
func (c *Client) IsSubjectOpen(ctx context.Context, subjectID int64) (bool, error) {
	st, err := c.getTicket(ctx, subjectID)
	if err != nil {
		return false, err
	}
	switch st.Status {
	case "closed", "cancelled":
		return false, nil
	default:
		return true, nil
	}
}

// UsersInRole resolves the current member ids of a role.
func (c *Client) UsersInRole(ctx context.Context, role string) ([]int64, error) {
	var out struct {
		UserIDs []int64 `json:"user_ids"`
	}
	if err := c.get(ctx, fmt.Sprintf("/api/v1/roles/%s/users", role), &out); err != nil {
		return nil, err
	}
	return out.UserIDs, nil
}

// Reassign moves the ticket to a new assignee.
func (c *Client) Reassign(ctx context.Context, ticketID, assigneeID int64) error {
	return c.post(ctx, fmt.Sprintf("/api/v1/tickets/%d/assignee", ticketID), map[string]int64{"assignee_id": assigneeID})
}

// RaisePriority bumps the ticket one priority level.
func (c *Client) RaisePriority(ctx context.Context, ticketID int64) error {
	return c.post(ctx, fmt.Sprintf("/api/v1/tickets/%d/raise-priority", ticketID), nil)
}

func (c *Client) getTicket(ctx context.Context, id int64) (ticketState, error) {
	var st ticketState
	if err := c.get(ctx, fmt.Sprintf("/api/v1/tickets/%d", id), &st); err != nil {
		return ticketState{}, err
	}
	return st, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", path, resp.StatusCode)
	}
	return nil
}
