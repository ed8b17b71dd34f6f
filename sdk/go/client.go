// Package batipaysdk is a minimal BatiPay HTTP API client.
package batipaysdk

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

// Client talks to a BatiPay server.
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

// Project is the API project model.
type Project struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"owner_id"`
	ProviderID  *string `json:"provider_id,omitempty"`
	Title       string  `json:"title"`
	City        string  `json:"city"`
	Budget      int64   `json:"budget"`
	Description string  `json:"description,omitempty"`
	ImageURL    *string `json:"image_url,omitempty"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	ClosedAt    *string `json:"closed_at,omitempty"`
}

type Application struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	ProviderID string `json:"provider_id"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

type Expense struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	ProviderID  string  `json:"provider_id"`
	Amount      int64   `json:"amount"`
	Category    string  `json:"category"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	DecidedAt   *string `json:"decided_at,omitempty"`
}

type Profile struct {
	ActorID       string `json:"actor_id"`
	DisplayName   string `json:"display_name"`
	City          string `json:"city,omitempty"`
	RatingTenths  int    `json:"rating_tenths"`
	JobsCompleted int    `json:"jobs_completed"`
}

type Applicant struct {
	Application Application `json:"application"`
	Profile     *Profile    `json:"profile,omitempty"`
}

type Summary struct {
	Project           Project `json:"project"`
	TotalApproved     int64   `json:"total_approved"`
	TotalPending      int64   `json:"total_pending"`
	PercentBudgetUsed int     `json:"percent_budget_used"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject posts a new project.
func (c *Client) CreateProject(ctx context.Context, title, city string, budget int64, description string) (Project, error) {
	body := map[string]any{
		"title":       title,
		"city":        city,
		"budget":      budget,
		"description": description,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v1/projects", body, &resp)
	return resp, err
}

// GetProject fetches one project.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "v1/projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Apply submits an application as the authenticated provider.
func (c *Client) Apply(ctx context.Context, projectID string) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "applications"), nil, &resp)
	return resp, err
}

// Applicants lists pending applicants with profiles.
func (c *Client) Applicants(ctx context.Context, projectID string) ([]Applicant, error) {
	var resp struct {
		Items []Applicant `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "applicants"), nil, &resp)
	return resp.Items, err
}

// Hire accepts an application.
func (c *Client) Hire(ctx context.Context, projectID, applicationID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "hire"), map[string]any{"application_id": applicationID}, &resp)
	return resp, err
}

// SubmitExpense posts a milestone expense.
func (c *Client) SubmitExpense(ctx context.Context, projectID string, amount int64, category, description string) (Expense, error) {
	body := map[string]any{
		"amount":      amount,
		"category":    category,
		"description": description,
	}
	var resp Expense
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "expenses"), body, &resp)
	return resp, err
}

// ApproveExpense approves an expense, retrying once if the project is busy.
func (c *Client) ApproveExpense(ctx context.Context, expenseID string) (Expense, error) {
	var resp Expense
	err := c.doRetryBusy(ctx, http.MethodPost, "v1/expenses/"+url.PathEscape(expenseID)+"/approve", nil, &resp)
	return resp, err
}

// RejectExpense rejects an expense.
func (c *Client) RejectExpense(ctx context.Context, expenseID string) (Expense, error) {
	var resp Expense
	err := c.do(ctx, http.MethodPost, "v1/expenses/"+url.PathEscape(expenseID)+"/reject", nil, &resp)
	return resp, err
}

// CloseProject completes a project, retrying once if busy.
func (c *Client) CloseProject(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.doRetryBusy(ctx, http.MethodPost, c.projectPath(projectID, "close"), nil, &resp)
	return resp, err
}

// CancelProject cancels a project, retrying once if busy.
func (c *Client) CancelProject(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.doRetryBusy(ctx, http.MethodPost, c.projectPath(projectID, "cancel"), nil, &resp)
	return resp, err
}

// Summary fetches the escrow position snapshot.
func (c *Client) Summary(ctx context.Context, projectID string) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "summary"), nil, &resp)
	return resp, err
}

// Events returns the audit feed after the given cursor.
func (c *Client) Events(ctx context.Context, projectID string, after int64, limit int) (PaginatedEvents, error) {
	endpoint := c.projectPath(projectID, "events")
	params := url.Values{}
	if after > 0 {
		params.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// doRetryBusy retries one time after a 503, honoring the server's hint with
// a short sleep.
func (c *Client) doRetryBusy(ctx context.Context, method, endpoint string, body, out any) error {
	err := c.do(ctx, method, endpoint, body, out)
	var apiErr *APIError
	if err == nil || !isBusy(err, &apiErr) {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
	}
	return c.do(ctx, method, endpoint, body, out)
}

func isBusy(err error, target **APIError) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		return false
	}
	*target = apiErr
	return apiErr.StatusCode == http.StatusServiceUnavailable
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

func (c *Client) projectPath(projectID, p string) string {
	return fmt.Sprintf("v1/projects/%s/%s", url.PathEscape(projectID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
