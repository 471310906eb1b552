package domain

// Account roles.
const (
	RoleBuyer  = "buyer"
	RoleWorker = "worker"
	RoleAdmin  = "admin"
)

// Submission statuses.
const (
	SubmissionPending  = "pending"
	SubmissionApproved = "approved"
	SubmissionRejected = "rejected"
)

// Withdrawal statuses.
const (
	WithdrawalRequested = "requested"
	WithdrawalApproved  = "approved"
)

type Account struct {
	Email          string `json:"email"`
	Name           string `json:"name,omitempty"`
	Role           string `json:"role" enum:"buyer,worker,admin"`
	AvailableCoins int64  `json:"available_coins"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID              string `json:"id"`
	BuyerEmail      string `json:"buyer_email"`
	Title           string `json:"title"`
	Detail          string `json:"detail,omitempty"`
	SubmissionInfo  string `json:"submission_info,omitempty"`
	RequiredWorkers int64  `json:"required_workers"`
	PayableAmount   int64  `json:"payable_amount"`
	Deadline        string `json:"deadline,omitempty" format:"date-time"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

type Submission struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	TaskTitle   string `json:"task_title,omitempty"`
	BuyerEmail  string `json:"buyer_email"`
	WorkerEmail string `json:"worker_email"`
	// PayableAmount is copied from the task at submission time and is the
	// amount credited on approval, regardless of later task edits.
	PayableAmount int64   `json:"payable_amount"`
	Detail        string  `json:"detail,omitempty"`
	Status        string  `json:"status" enum:"pending,approved,rejected"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	DecidedAt     *string `json:"decided_at,omitempty" format:"date-time"`
}

type Order struct {
	ID          string  `json:"id"`
	BuyerEmail  string  `json:"buyer_email"`
	Coins       int64   `json:"coins"`
	AmountCents int64   `json:"amount_cents"`
	PaymentRef  string  `json:"payment_ref,omitempty"`
	Settled     bool    `json:"settled"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	SettledAt   *string `json:"settled_at,omitempty" format:"date-time"`
}

type Withdrawal struct {
	ID          string  `json:"id"`
	WorkerEmail string  `json:"worker_email"`
	Coins       int64   `json:"coins"`
	AccountInfo string  `json:"account_info,omitempty"`
	Status      string  `json:"status" enum:"requested,approved"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	DecidedAt   *string `json:"decided_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorEmail string `json:"actor_email"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
