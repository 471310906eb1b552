package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"quicktasker/internal/config"
	"quicktasker/internal/domain"
	"quicktasker/internal/events"
	"quicktasker/internal/repo"
)

// Engine is the ledger core: every operation that touches more than one
// record runs inside a single transaction, so coin balances, task capacity
// and submission statuses move together or not at all. The engine itself is
// stateless; all state lives in the stores.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Log != nil {
		return e.Log
	}
	return log.Default()
}

// audit returns the event writer with the engine's clock, so audit
// timestamps follow an injected Now.
func (e Engine) audit() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

// AccountCreateOptions are parameters for registering an account.
type AccountCreateOptions struct {
	Email string
	Name  string
	Role  string
}

// RegisterAccount creates an account on first registration. Registering an
// already-known email is a no-op success returning the existing account.
func (e Engine) RegisterAccount(ctx context.Context, opts AccountCreateOptions) (domain.Account, error) {
	if e.Config == nil {
		return domain.Account{}, errors.New("config not loaded")
	}
	if opts.Email == "" {
		return domain.Account{}, fmt.Errorf("%w: email is required", ErrInvalidArgument)
	}
	switch opts.Role {
	case domain.RoleBuyer, domain.RoleWorker, domain.RoleAdmin:
	default:
		return domain.Account{}, fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, opts.Role)
	}
	a := domain.Account{
		Email:          opts.Email,
		Name:           opts.Name,
		Role:           opts.Role,
		AvailableCoins: e.signupBonus(opts.Role),
		CreatedAt:      e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback()

	created, err := e.Repo.InsertAccountTx(ctx, tx, a)
	if err != nil {
		return domain.Account{}, fmt.Errorf("insert account: %w", err)
	}
	if !created {
		existing, err := e.Repo.GetAccountTx(ctx, tx, opts.Email)
		if err != nil {
			return domain.Account{}, err
		}
		return existing, tx.Commit()
	}
	if err := e.audit().Append(ctx, tx, "account.registered", "account", a.Email, a.Email, events.EventPayload{
		"role":         a.Role,
		"signup_bonus": a.AvailableCoins,
	}); err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

func (e Engine) signupBonus(role string) int64 {
	if e.Config == nil {
		return 0
	}
	switch role {
	case domain.RoleBuyer:
		return e.Config.SignupBonus.Buyer
	case domain.RoleWorker:
		return e.Config.SignupBonus.Worker
	default:
		return 0
	}
}

// GetBalance returns the account with its current coin balance.
func (e Engine) GetBalance(ctx context.Context, email string) (domain.Account, error) {
	return e.Repo.GetAccount(ctx, email)
}

// RemoveAccount deletes an account. An account still referenced by tasks,
// orders, withdrawals or api keys cannot be removed and returns ErrConflict.
func (e Engine) RemoveAccount(ctx context.Context, email, actorEmail string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetAccountTx(ctx, tx, email); err != nil {
		return err
	}
	if err := e.Repo.DeleteAccountTx(ctx, tx, email); err != nil {
		if errors.Is(err, repo.ErrReferenced) {
			return fmt.Errorf("%w: account %s still has tasks, orders, withdrawals or api keys", ErrConflict, email)
		}
		return err
	}
	if err := e.audit().Append(ctx, tx, "account.removed", "account", email, actorEmail, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// TaskCreateOptions are parameters for posting a task.
type TaskCreateOptions struct {
	BuyerEmail      string
	Title           string
	Detail          string
	SubmissionInfo  string
	RequiredWorkers int64
	PayableAmount   int64
	Deadline        string
}

// CreateTask posts a task and debits the buyer's coins by
// required_workers * payable_amount in the same transaction, so an uncharged
// task can never exist.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Task{}, fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}
	if opts.RequiredWorkers <= 0 {
		return domain.Task{}, fmt.Errorf("%w: required_workers must be positive, got %d", ErrInvalidArgument, opts.RequiredWorkers)
	}
	if opts.RequiredWorkers > e.Config.Limits.MaxWorkersPerTask {
		return domain.Task{}, fmt.Errorf("%w: required_workers exceeds limit %d", ErrInvalidArgument, e.Config.Limits.MaxWorkersPerTask)
	}
	if opts.PayableAmount < e.Config.Limits.MinPayableAmount {
		return domain.Task{}, fmt.Errorf("%w: payable_amount must be at least %d", ErrInvalidArgument, e.Config.Limits.MinPayableAmount)
	}
	cost := opts.RequiredWorkers * opts.PayableAmount
	if cost/opts.RequiredWorkers != opts.PayableAmount {
		return domain.Task{}, fmt.Errorf("%w: required_workers * payable_amount overflows", ErrInvalidArgument)
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:              uuid.New().String(),
		BuyerEmail:      opts.BuyerEmail,
		Title:           opts.Title,
		Detail:          opts.Detail,
		SubmissionInfo:  opts.SubmissionInfo,
		RequiredWorkers: opts.RequiredWorkers,
		PayableAmount:   opts.PayableAmount,
		Deadline:        opts.Deadline,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	buyer, err := e.Repo.GetAccountTx(ctx, tx, opts.BuyerEmail)
	if err != nil {
		return domain.Task{}, err
	}
	ok, err := e.Repo.DebitAccountTx(ctx, tx, buyer.Email, cost)
	if err != nil {
		return domain.Task{}, fmt.Errorf("debit reservation: %w", err)
	}
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: task costs %d coins, balance is %d", ErrInsufficientBalance, cost, buyer.AvailableCoins)
	}
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.audit().Append(ctx, tx, "task.created", "task", t.ID, t.BuyerEmail, events.EventPayload{
		"title":            t.Title,
		"required_workers": t.RequiredWorkers,
		"payable_amount":   t.PayableAmount,
		"reserved_coins":   cost,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// SubmissionCreateOptions are parameters for submitting work against a task.
type SubmissionCreateOptions struct {
	TaskID      string
	WorkerEmail string
	Detail      string
}

// CreateSubmission records a worker's submission against an open task.
// payable_amount is snapshotted from the task here and never re-read.
// No coins move: the reservation happened at task creation.
func (e Engine) CreateSubmission(ctx context.Context, opts SubmissionCreateOptions) (domain.Submission, error) {
	if opts.TaskID == "" {
		return domain.Submission{}, fmt.Errorf("%w: task_id is required", ErrInvalidArgument)
	}
	if opts.WorkerEmail == "" {
		return domain.Submission{}, fmt.Errorf("%w: worker_email is required", ErrInvalidArgument)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Submission{}, err
	}
	if t.RequiredWorkers <= 0 {
		return domain.Submission{}, fmt.Errorf("%w: task %s has no remaining worker slots", ErrPreconditionFailed, t.ID)
	}
	if _, err := e.Repo.GetAccountTx(ctx, tx, opts.WorkerEmail); err != nil {
		return domain.Submission{}, err
	}
	s := domain.Submission{
		ID:            uuid.New().String(),
		TaskID:        t.ID,
		TaskTitle:     t.Title,
		BuyerEmail:    t.BuyerEmail,
		WorkerEmail:   opts.WorkerEmail,
		PayableAmount: t.PayableAmount,
		Detail:        opts.Detail,
		Status:        domain.SubmissionPending,
		CreatedAt:     e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertSubmissionTx(ctx, tx, s); err != nil {
		return domain.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	if err := e.audit().Append(ctx, tx, "submission.created", "submission", s.ID, s.WorkerEmail, events.EventPayload{
		"task_id":        s.TaskID,
		"payable_amount": s.PayableAmount,
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	return s, nil
}

// ReviewOptions identify the pending submission a buyer is deciding on.
// SubmissionID addresses it directly; when empty, the newest pending
// submission for (TaskID, WorkerEmail) is resolved instead.
type ReviewOptions struct {
	SubmissionID string
	TaskID       string
	WorkerEmail  string
	// PayableAmount, when non-zero, must match the submission's snapshot.
	PayableAmount int64
	ActorEmail    string
}

func (e Engine) resolvePending(ctx context.Context, tx *sql.Tx, opts ReviewOptions) (domain.Submission, error) {
	if opts.SubmissionID != "" {
		s, err := e.Repo.GetSubmissionTx(ctx, tx, opts.SubmissionID)
		if err != nil {
			return domain.Submission{}, err
		}
		return s, nil
	}
	if opts.TaskID == "" || opts.WorkerEmail == "" {
		return domain.Submission{}, fmt.Errorf("%w: submission_id or task_id+worker_email required", ErrInvalidArgument)
	}
	return e.Repo.LatestPendingSubmissionTx(ctx, tx, opts.TaskID, opts.WorkerEmail)
}

func (e Engine) checkReviewer(s domain.Submission, actorEmail string) error {
	if actorEmail != "" && actorEmail != s.BuyerEmail {
		return fmt.Errorf("%w: submission %s belongs to a different buyer", ErrPreconditionFailed, s.ID)
	}
	return nil
}

// ApproveSubmission credits the worker, marks the submission approved and
// consumes one task slot, all in one transaction. A submission is approved
// at most once: the pending->approved transition is the gate, so a racing
// duplicate observes NotFound and no second credit happens.
func (e Engine) ApproveSubmission(ctx context.Context, opts ReviewOptions) (domain.Submission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	s, err := e.resolvePending(ctx, tx, opts)
	if err != nil {
		return domain.Submission{}, err
	}
	if err := e.checkReviewer(s, opts.ActorEmail); err != nil {
		return domain.Submission{}, err
	}
	if opts.PayableAmount != 0 && opts.PayableAmount != s.PayableAmount {
		return domain.Submission{}, fmt.Errorf("%w: amount %d does not match submission snapshot %d", ErrInvalidArgument, opts.PayableAmount, s.PayableAmount)
	}
	now := e.now().UTC().Format(time.RFC3339)
	resolved, err := e.Repo.ResolveSubmissionTx(ctx, tx, s.ID, domain.SubmissionApproved, now)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("approve submission: %w", err)
	}
	if !resolved {
		return domain.Submission{}, fmt.Errorf("%w: no pending submission %s", ErrNotFound, s.ID)
	}
	if err := e.Repo.CreditAccountTx(ctx, tx, s.WorkerEmail, s.PayableAmount); err != nil {
		return domain.Submission{}, fmt.Errorf("credit worker: %w", err)
	}
	consumed, err := e.Repo.DecrementTaskCapacityTx(ctx, tx, s.TaskID, now)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("consume task slot: %w", err)
	}
	if !consumed {
		// Capacity floor is advisory on approval: the credit and status
		// change still stand, the counter just refuses to go negative.
		e.logger().Printf("WARNING: approving submission %s for task %s with no remaining capacity", s.ID, s.TaskID)
	}
	if err := e.audit().Append(ctx, tx, "submission.approved", "submission", s.ID, s.BuyerEmail, events.EventPayload{
		"task_id":        s.TaskID,
		"worker_email":   s.WorkerEmail,
		"credited_coins": s.PayableAmount,
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	s.Status = domain.SubmissionApproved
	s.DecidedAt = &now
	return s, nil
}

// RejectSubmission marks the submission rejected and restores the task slot.
// No coins move.
func (e Engine) RejectSubmission(ctx context.Context, opts ReviewOptions) (domain.Submission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	s, err := e.resolvePending(ctx, tx, opts)
	if err != nil {
		return domain.Submission{}, err
	}
	if err := e.checkReviewer(s, opts.ActorEmail); err != nil {
		return domain.Submission{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	resolved, err := e.Repo.ResolveSubmissionTx(ctx, tx, s.ID, domain.SubmissionRejected, now)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("reject submission: %w", err)
	}
	if !resolved {
		return domain.Submission{}, fmt.Errorf("%w: no pending submission %s", ErrNotFound, s.ID)
	}
	restored, err := e.Repo.IncrementTaskCapacityTx(ctx, tx, s.TaskID, now)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("restore task slot: %w", err)
	}
	if !restored {
		// The task may have been removed while the submission was pending;
		// the rejection itself still stands.
		e.logger().Printf("WARNING: rejecting submission %s for missing task %s", s.ID, s.TaskID)
	}
	if err := e.audit().Append(ctx, tx, "submission.rejected", "submission", s.ID, s.BuyerEmail, events.EventPayload{
		"task_id":      s.TaskID,
		"worker_email": s.WorkerEmail,
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	s.Status = domain.SubmissionRejected
	s.DecidedAt = &now
	return s, nil
}

// TaskRemoveOptions are parameters for deleting a task.
type TaskRemoveOptions struct {
	TaskID         string
	RequesterEmail string
	// Refund credits the unconsumed reservation back to the buyer. Buyers
	// removing their own task get the refund; admin removal does not.
	Refund bool
}

// RemoveTask deletes the task and, for buyer removal, refunds the remaining
// required_workers * payable_amount atomically. Coins already paid out to
// workers are not reclaimed.
func (e Engine) RemoveTask(ctx context.Context, opts TaskRemoveOptions) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return 0, err
	}
	if opts.Refund && opts.RequesterEmail != t.BuyerEmail {
		return 0, fmt.Errorf("%w: task %s belongs to a different buyer", ErrPreconditionFailed, t.ID)
	}
	var refund int64
	if opts.Refund && t.RequiredWorkers > 0 {
		refund = t.RequiredWorkers * t.PayableAmount
		if refund/t.RequiredWorkers != t.PayableAmount {
			return 0, fmt.Errorf("%w: refund amount overflows", ErrPreconditionFailed)
		}
	}
	paidCount, paidCoins, err := e.Repo.CountPaidSubmissionsTx(ctx, tx, t.ID)
	if err != nil {
		return 0, fmt.Errorf("count paid submissions: %w", err)
	}
	if err := e.Repo.DeleteTaskTx(ctx, tx, t.ID); err != nil {
		return 0, err
	}
	if refund > 0 {
		if err := e.Repo.CreditAccountTx(ctx, tx, t.BuyerEmail, refund); err != nil {
			return 0, fmt.Errorf("refund reservation: %w", err)
		}
	}
	if err := e.audit().Append(ctx, tx, "task.removed", "task", t.ID, opts.RequesterEmail, events.EventPayload{
		"refunded_coins":   refund,
		"paid_submissions": paidCount,
		"paid_out_coins":   paidCoins,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return refund, nil
}

// OrderCreateOptions are parameters for recording a coin purchase.
type OrderCreateOptions struct {
	BuyerEmail  string
	Coins       int64
	AmountCents int64
	PaymentRef  string
}

// CreatePurchaseOrder records a completed payment as an unsettled order.
// The confirmation token has already been verified by the payment
// collaborator before this is called.
func (e Engine) CreatePurchaseOrder(ctx context.Context, opts OrderCreateOptions) (domain.Order, error) {
	if opts.Coins <= 0 {
		return domain.Order{}, fmt.Errorf("%w: coins must be positive, got %d", ErrInvalidArgument, opts.Coins)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetAccountTx(ctx, tx, opts.BuyerEmail); err != nil {
		return domain.Order{}, err
	}
	o := domain.Order{
		ID:          uuid.New().String(),
		BuyerEmail:  opts.BuyerEmail,
		Coins:       opts.Coins,
		AmountCents: opts.AmountCents,
		PaymentRef:  opts.PaymentRef,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertOrderTx(ctx, tx, o); err != nil {
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}
	if err := e.audit().Append(ctx, tx, "order.created", "order", o.ID, o.BuyerEmail, events.EventPayload{
		"coins":        o.Coins,
		"amount_cents": o.AmountCents,
	}); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// SettlePurchase credits the order's coins to the buyer exactly once.
// Settling an already-settled order is a no-op returning the settled order.
func (e Engine) SettlePurchase(ctx context.Context, orderID, buyerEmail string) (domain.Order, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetOrderTx(ctx, tx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if buyerEmail != "" && buyerEmail != o.BuyerEmail {
		return domain.Order{}, fmt.Errorf("%w: order %s belongs to a different buyer", ErrPreconditionFailed, o.ID)
	}
	now := e.now().UTC().Format(time.RFC3339)
	settled, err := e.Repo.MarkOrderSettledTx(ctx, tx, o.ID, now)
	if err != nil {
		return domain.Order{}, fmt.Errorf("settle order: %w", err)
	}
	if !settled {
		// Duplicate settlement: the credit already happened.
		return o, tx.Commit()
	}
	if err := e.Repo.CreditAccountTx(ctx, tx, o.BuyerEmail, o.Coins); err != nil {
		return domain.Order{}, fmt.Errorf("credit purchase: %w", err)
	}
	if err := e.audit().Append(ctx, tx, "order.settled", "order", o.ID, o.BuyerEmail, events.EventPayload{
		"credited_coins": o.Coins,
	}); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}
	o.Settled = true
	o.SettledAt = &now
	return o, nil
}

// WithdrawalCreateOptions are parameters for requesting a payout.
type WithdrawalCreateOptions struct {
	WorkerEmail string
	Coins       int64
	AccountInfo string
}

// RequestWithdrawal records a payout request. The balance is only checked
// advisorily here; the binding check happens at settlement.
func (e Engine) RequestWithdrawal(ctx context.Context, opts WithdrawalCreateOptions) (domain.Withdrawal, error) {
	if e.Config == nil {
		return domain.Withdrawal{}, errors.New("config not loaded")
	}
	if opts.Coins <= 0 {
		return domain.Withdrawal{}, fmt.Errorf("%w: coins must be positive, got %d", ErrInvalidArgument, opts.Coins)
	}
	if opts.Coins < e.Config.Limits.MinWithdrawalCoins {
		return domain.Withdrawal{}, fmt.Errorf("%w: minimum withdrawal is %d coins", ErrInvalidArgument, e.Config.Limits.MinWithdrawalCoins)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Withdrawal{}, err
	}
	defer tx.Rollback()

	worker, err := e.Repo.GetAccountTx(ctx, tx, opts.WorkerEmail)
	if err != nil {
		return domain.Withdrawal{}, err
	}
	if worker.AvailableCoins < opts.Coins {
		return domain.Withdrawal{}, fmt.Errorf("%w: requested %d coins, balance is %d", ErrInsufficientBalance, opts.Coins, worker.AvailableCoins)
	}
	w := domain.Withdrawal{
		ID:          uuid.New().String(),
		WorkerEmail: opts.WorkerEmail,
		Coins:       opts.Coins,
		AccountInfo: opts.AccountInfo,
		Status:      domain.WithdrawalRequested,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertWithdrawalTx(ctx, tx, w); err != nil {
		return domain.Withdrawal{}, fmt.Errorf("insert withdrawal: %w", err)
	}
	if err := e.audit().Append(ctx, tx, "withdrawal.requested", "withdrawal", w.ID, w.WorkerEmail, events.EventPayload{
		"coins": w.Coins,
	}); err != nil {
		return domain.Withdrawal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Withdrawal{}, err
	}
	return w, nil
}

// SettleWithdrawal approves the request and debits the worker's coins,
// guarded so the balance cannot go negative. A withdrawal is settled at most
// once; a racing duplicate observes NotFound.
func (e Engine) SettleWithdrawal(ctx context.Context, withdrawalID, actorEmail string) (domain.Withdrawal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Withdrawal{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWithdrawalTx(ctx, tx, withdrawalID)
	if err != nil {
		return domain.Withdrawal{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	approved, err := e.Repo.ApproveWithdrawalTx(ctx, tx, w.ID, now)
	if err != nil {
		return domain.Withdrawal{}, fmt.Errorf("approve withdrawal: %w", err)
	}
	if !approved {
		return domain.Withdrawal{}, fmt.Errorf("%w: no requested withdrawal %s", ErrNotFound, w.ID)
	}
	ok, err := e.Repo.DebitAccountTx(ctx, tx, w.WorkerEmail, w.Coins)
	if err != nil {
		return domain.Withdrawal{}, fmt.Errorf("debit withdrawal: %w", err)
	}
	if !ok {
		// Rolls back the status transition too: the request stays open.
		return domain.Withdrawal{}, fmt.Errorf("%w: withdrawal of %d coins exceeds balance", ErrInsufficientBalance, w.Coins)
	}
	if err := e.audit().Append(ctx, tx, "withdrawal.settled", "withdrawal", w.ID, actorEmail, events.EventPayload{
		"worker_email": w.WorkerEmail,
		"coins":        w.Coins,
	}); err != nil {
		return domain.Withdrawal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Withdrawal{}, err
	}
	w.Status = domain.WithdrawalApproved
	w.DecidedAt = &now
	return w, nil
}

// MintAPIKey creates a raw API key for an account and stores only its hash.
// The raw key is returned once and cannot be recovered.
func (e Engine) MintAPIKey(ctx context.Context, email, name string) (domain.APIKey, string, error) {
	if _, err := e.Repo.GetAccount(ctx, email); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := uuid.NewString() + uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}
