package quicktaskersdk

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

// Client is a minimal QuickTasker HTTP API client.
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

// Account represents the API account model.
type Account struct {
	Email          string `json:"email"`
	Name           string `json:"name,omitempty"`
	Role           string `json:"role"`
	AvailableCoins int64  `json:"available_coins"`
	CreatedAt      string `json:"created_at"`
}

// Task represents the API task model.
type Task struct {
	ID              string `json:"id"`
	BuyerEmail      string `json:"buyer_email"`
	Title           string `json:"title"`
	Detail          string `json:"detail,omitempty"`
	SubmissionInfo  string `json:"submission_info,omitempty"`
	RequiredWorkers int64  `json:"required_workers"`
	PayableAmount   int64  `json:"payable_amount"`
	Deadline        string `json:"deadline,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// Submission represents work submitted against a task.
type Submission struct {
	ID            string `json:"id"`
	TaskID        string `json:"task_id"`
	TaskTitle     string `json:"task_title"`
	BuyerEmail    string `json:"buyer_email"`
	WorkerEmail   string `json:"worker_email"`
	PayableAmount int64  `json:"payable_amount"`
	Detail        string `json:"detail,omitempty"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
}

// PaymentIntent is a confirmation token for a coin purchase.
type PaymentIntent struct {
	Token       string `json:"token"`
	AmountCents int64  `json:"amount_cents"`
	Coins       int64  `json:"coins"`
}

// Order represents a coin purchase.
type Order struct {
	ID          string `json:"id"`
	BuyerEmail  string `json:"buyer_email"`
	Coins       int64  `json:"coins"`
	AmountCents int64  `json:"amount_cents"`
	Settled     bool   `json:"settled"`
	CreatedAt   string `json:"created_at"`
}

// Withdrawal represents a payout request.
type Withdrawal struct {
	ID          string `json:"id"`
	WorkerEmail string `json:"worker_email"`
	Coins       int64  `json:"coins"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// Event represents a ledger log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorEmail string         `json:"actor_email,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps task listings with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedSubmissions wraps submission listings with cursors.
type PaginatedSubmissions struct {
	Items      []Submission `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// Register creates (or returns) an account.
func (c *Client) Register(ctx context.Context, email, name, role string) (Account, error) {
	body := map[string]any{
		"email": email,
		"name":  name,
		"role":  role,
	}
	var resp Account
	err := c.do(ctx, http.MethodPost, "accounts", body, &resp)
	return resp, err
}

// Me returns the authenticated account.
func (c *Client) Me(ctx context.Context) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// CreateTask posts a task; the coin cost is reserved immediately.
func (c *Client) CreateTask(ctx context.Context, title, detail string, requiredWorkers, payableAmount int64) (Task, error) {
	body := map[string]any{
		"title":            title,
		"detail":           detail,
		"required_workers": requiredWorkers,
		"payable_amount":   payableAmount,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// OpenTasks lists tasks with remaining worker slots.
func (c *Client) OpenTasks(ctx context.Context, limit int, cursor string) (PaginatedTasks, error) {
	endpoint := "tasks?open=true"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	if cursor != "" {
		endpoint = fmt.Sprintf("%s&cursor=%s", endpoint, url.QueryEscape(cursor))
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RemoveTask deletes a task; buyers get the unconsumed reservation back.
func (c *Client) RemoveTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(taskID), nil, nil)
}

// Submit records work against a task.
func (c *Client) Submit(ctx context.Context, taskID, detail string) (Submission, error) {
	body := map[string]any{"detail": detail}
	var resp Submission
	endpoint := fmt.Sprintf("tasks/%s/submissions", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Approve pays the worker for a pending submission.
func (c *Client) Approve(ctx context.Context, submissionID string) (Submission, error) {
	var resp Submission
	endpoint := fmt.Sprintf("submissions/%s/approve", url.PathEscape(submissionID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// Reject declines a pending submission and reopens the slot.
func (c *Client) Reject(ctx context.Context, submissionID string) (Submission, error) {
	var resp Submission
	endpoint := fmt.Sprintf("submissions/%s/reject", url.PathEscape(submissionID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// Submissions lists submissions visible to the caller.
func (c *Client) Submissions(ctx context.Context, taskID, status string) (PaginatedSubmissions, error) {
	endpoint := "submissions"
	q := url.Values{}
	if taskID != "" {
		q.Set("task_id", taskID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedSubmissions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreatePaymentIntent starts a coin purchase.
func (c *Client) CreatePaymentIntent(ctx context.Context, amountCents int64) (PaymentIntent, error) {
	var resp PaymentIntent
	err := c.do(ctx, http.MethodPost, "payments/intents", map[string]any{"amount_cents": amountCents}, &resp)
	return resp, err
}

// CreateOrder records a verified coin purchase.
func (c *Client) CreateOrder(ctx context.Context, coins int64, paymentToken string) (Order, error) {
	body := map[string]any{
		"coins":         coins,
		"payment_token": paymentToken,
	}
	var resp Order
	err := c.do(ctx, http.MethodPost, "orders", body, &resp)
	return resp, err
}

// SettleOrder credits a purchase; settling twice is a safe no-op.
func (c *Client) SettleOrder(ctx context.Context, orderID string) (Order, error) {
	var resp Order
	endpoint := fmt.Sprintf("orders/%s/settle", url.PathEscape(orderID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RequestWithdrawal asks for a coin payout.
func (c *Client) RequestWithdrawal(ctx context.Context, coins int64, accountInfo string) (Withdrawal, error) {
	body := map[string]any{
		"coins":        coins,
		"account_info": accountInfo,
	}
	var resp Withdrawal
	err := c.do(ctx, http.MethodPost, "withdrawals", body, &resp)
	return resp, err
}

// Events returns recent ledger events (admin only).
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
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
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
