package server

import (
	"encoding/json"

	"quicktasker/internal/domain"
)

// Request payloads

type RegisterAccountRequest struct {
	Email string `json:"email" format:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role" enum:"buyer,worker"`
}

type CreateTaskRequest struct {
	Title           string  `json:"title"`
	Detail          *string `json:"detail,omitempty"`
	SubmissionInfo  *string `json:"submission_info,omitempty"`
	RequiredWorkers int64   `json:"required_workers" minimum:"1"`
	PayableAmount   int64   `json:"payable_amount" minimum:"1"`
	Deadline        *string `json:"deadline,omitempty" format:"date-time"`
}

type CreateSubmissionRequest struct {
	Detail *string `json:"detail,omitempty"`
}

type ReviewSubmissionRequest struct {
	// PayableAmount optionally cross-checks the coins about to be paid.
	PayableAmount *int64 `json:"payable_amount,omitempty"`
}

// ReviewByTaskRequest addresses a pending submission by task and worker
// when the caller does not hold the submission id. The newest pending
// submission for the pair is decided.
type ReviewByTaskRequest struct {
	TaskID        string `json:"task_id" minLength:"1"`
	WorkerEmail   string `json:"worker_email" format:"email"`
	PayableAmount *int64 `json:"payable_amount,omitempty"`
}

type PaymentIntentRequest struct {
	AmountCents int64 `json:"amount_cents" minimum:"1"`
}

type CreateOrderRequest struct {
	Coins        int64  `json:"coins" minimum:"1"`
	PaymentToken string `json:"payment_token"`
}

type CreateWithdrawalRequest struct {
	Coins       int64  `json:"coins" minimum:"1"`
	AccountInfo string `json:"account_info"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	Email string `json:"email" format:"email"`
	Role  string `json:"role,omitempty" enum:"buyer,worker,admin"`
}

// Response payloads

type AccountResponse struct {
	Email          string `json:"email" format:"email"`
	Name           string `json:"name,omitempty"`
	Role           string `json:"role" enum:"buyer,worker,admin"`
	AvailableCoins int64  `json:"available_coins"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	ID              string `json:"id"`
	BuyerEmail      string `json:"buyer_email" format:"email"`
	Title           string `json:"title"`
	Detail          string `json:"detail,omitempty"`
	SubmissionInfo  string `json:"submission_info,omitempty"`
	RequiredWorkers int64  `json:"required_workers"`
	PayableAmount   int64  `json:"payable_amount"`
	Deadline        string `json:"deadline,omitempty" format:"date-time"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

type SubmissionResponse struct {
	ID            string  `json:"id"`
	TaskID        string  `json:"task_id"`
	TaskTitle     string  `json:"task_title"`
	BuyerEmail    string  `json:"buyer_email" format:"email"`
	WorkerEmail   string  `json:"worker_email" format:"email"`
	PayableAmount int64   `json:"payable_amount"`
	Detail        string  `json:"detail,omitempty"`
	Status        string  `json:"status" enum:"pending,approved,rejected"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	DecidedAt     *string `json:"decided_at,omitempty" format:"date-time"`
}

type PaymentIntentResponse struct {
	Token       string `json:"token"`
	AmountCents int64  `json:"amount_cents"`
	Coins       int64  `json:"coins"`
}

type OrderResponse struct {
	ID          string  `json:"id"`
	BuyerEmail  string  `json:"buyer_email" format:"email"`
	Coins       int64   `json:"coins"`
	AmountCents int64   `json:"amount_cents"`
	PaymentRef  string  `json:"payment_ref,omitempty"`
	Settled     bool    `json:"settled"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	SettledAt   *string `json:"settled_at,omitempty" format:"date-time"`
}

type WithdrawalResponse struct {
	ID          string  `json:"id"`
	WorkerEmail string  `json:"worker_email" format:"email"`
	Coins       int64   `json:"coins"`
	AccountInfo string  `json:"account_info,omitempty"`
	Status      string  `json:"status" enum:"requested,approved"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	DecidedAt   *string `json:"decided_at,omitempty" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email" format:"email"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only present in the creation response.
	Key string `json:"key,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorEmail string         `json:"actor_email,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type RemovedTaskResponse struct {
	ID            string `json:"id"`
	RefundedCoins int64  `json:"refunded_coins"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	Email          string `json:"email" format:"email"`
	Name           string `json:"name,omitempty"`
	Role           string `json:"role"`
	AvailableCoins int64  `json:"available_coins"`
	Source         string `json:"source,omitempty"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedSubmissions struct {
	Items      []SubmissionResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Mappers

func accountResponse(a domain.Account) AccountResponse {
	return AccountResponse{
		Email:          a.Email,
		Name:           a.Name,
		Role:           a.Role,
		AvailableCoins: a.AvailableCoins,
		CreatedAt:      a.CreatedAt,
	}
}

func mapAccounts(items []domain.Account) []AccountResponse {
	res := make([]AccountResponse, 0, len(items))
	for _, a := range items {
		res = append(res, accountResponse(a))
	}
	return res
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		BuyerEmail:      t.BuyerEmail,
		Title:           t.Title,
		Detail:          t.Detail,
		SubmissionInfo:  t.SubmissionInfo,
		RequiredWorkers: t.RequiredWorkers,
		PayableAmount:   t.PayableAmount,
		Deadline:        t.Deadline,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

func submissionResponse(s domain.Submission) SubmissionResponse {
	return SubmissionResponse{
		ID:            s.ID,
		TaskID:        s.TaskID,
		TaskTitle:     s.TaskTitle,
		BuyerEmail:    s.BuyerEmail,
		WorkerEmail:   s.WorkerEmail,
		PayableAmount: s.PayableAmount,
		Detail:        s.Detail,
		Status:        s.Status,
		CreatedAt:     s.CreatedAt,
		DecidedAt:     s.DecidedAt,
	}
}

func orderResponse(o domain.Order) OrderResponse {
	return OrderResponse{
		ID:          o.ID,
		BuyerEmail:  o.BuyerEmail,
		Coins:       o.Coins,
		AmountCents: o.AmountCents,
		PaymentRef:  o.PaymentRef,
		Settled:     o.Settled,
		CreatedAt:   o.CreatedAt,
		SettledAt:   o.SettledAt,
	}
}

func mapOrders(items []domain.Order) []OrderResponse {
	res := make([]OrderResponse, 0, len(items))
	for _, o := range items {
		res = append(res, orderResponse(o))
	}
	return res
}

func withdrawalResponse(w domain.Withdrawal) WithdrawalResponse {
	return WithdrawalResponse{
		ID:          w.ID,
		WorkerEmail: w.WorkerEmail,
		Coins:       w.Coins,
		AccountInfo: w.AccountInfo,
		Status:      w.Status,
		CreatedAt:   w.CreatedAt,
		DecidedAt:   w.DecidedAt,
	}
}

func mapWithdrawals(items []domain.Withdrawal) []WithdrawalResponse {
	res := make([]WithdrawalResponse, 0, len(items))
	for _, w := range items {
		res = append(res, withdrawalResponse(w))
	}
	return res
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		Email:     k.Email,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorEmail: e.ActorEmail,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
