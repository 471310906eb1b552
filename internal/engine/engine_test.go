package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"quicktasker/internal/config"
	"quicktasker/internal/db"
	"quicktasker/internal/domain"
	"quicktasker/internal/engine"
	"quicktasker/internal/migrate"
	"quicktasker/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) register(t *testing.T, email, role string) domain.Account {
	t.Helper()
	a, err := env.Engine.RegisterAccount(env.Ctx, engine.AccountCreateOptions{Email: email, Name: email, Role: role})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return a
}

func (env testEnv) balance(t *testing.T, email string) int64 {
	t.Helper()
	a, err := env.Engine.GetBalance(env.Ctx, email)
	if err != nil {
		t.Fatalf("balance %s: %v", email, err)
	}
	return a.AvailableCoins
}

func TestRegisterAccountIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first := env.register(t, "buyer@example.com", domain.RoleBuyer)
	if first.AvailableCoins != env.Engine.Config.SignupBonus.Buyer {
		t.Fatalf("signup bonus: got %d, want %d", first.AvailableCoins, env.Engine.Config.SignupBonus.Buyer)
	}
	again := env.register(t, "buyer@example.com", domain.RoleBuyer)
	if again.AvailableCoins != first.AvailableCoins {
		t.Fatalf("re-registration changed balance: %d -> %d", first.AvailableCoins, again.AvailableCoins)
	}
	if _, err := env.Engine.RegisterAccount(env.Ctx, engine.AccountCreateOptions{Email: "x@y.z", Role: "janitor"}); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("unknown role: got %v", err)
	}
}

func TestCreateTaskDebitsReservation(t *testing.T) {
	env := newTestEnv(t)
	buyer := env.register(t, "buyer@example.com", domain.RoleBuyer)

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		BuyerEmail:      buyer.Email,
		Title:           "Label 40 images",
		RequiredWorkers: 2,
		PayableAmount:   5,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	want := buyer.AvailableCoins - 10
	if got := env.balance(t, buyer.Email); got != want {
		t.Fatalf("buyer balance after create: got %d, want %d", got, want)
	}
	if task.RequiredWorkers != 2 || task.PayableAmount != 5 {
		t.Fatalf("task snapshot: %+v", task)
	}

	// a task the buyer cannot fund must not exist afterwards
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		BuyerEmail:      buyer.Email,
		Title:           "Too expensive",
		RequiredWorkers: 100,
		PayableAmount:   100,
	})
	if !errors.Is(err, engine.ErrInsufficientBalance) {
		t.Fatalf("overdraft: got %v", err)
	}
	if got := env.balance(t, buyer.Email); got != want {
		t.Fatalf("failed create moved coins: got %d, want %d", got, want)
	}
}

func TestRemoveTaskRefundsReservation(t *testing.T) {
	env := newTestEnv(t)
	buyer := env.register(t, "buyer@example.com", domain.RoleBuyer)

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		BuyerEmail:      buyer.Email,
		Title:           "Transcribe clip",
		RequiredWorkers: 3,
		PayableAmount:   4,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	refund, err := env.Engine.RemoveTask(env.Ctx, engine.TaskRemoveOptions{
		TaskID:         task.ID,
		RequesterEmail: buyer.Email,
		Refund:         true,
	})
	if err != nil {
		t.Fatalf("remove task: %v", err)
	}
	if refund != 12 {
		t.Fatalf("refund: got %d, want 12", refund)
	}
	if got := env.balance(t, buyer.Email); got != buyer.AvailableCoins {
		t.Fatalf("round trip balance: got %d, want %d", got, buyer.AvailableCoins)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, task.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("task still present: %v", err)
	}
	// a stranger must not be able to trigger a buyer refund
	other := env.register(t, "other@example.com", domain.RoleBuyer)
	task2, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		BuyerEmail: buyer.Email, Title: "again", RequiredWorkers: 1, PayableAmount: 2,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := env.Engine.RemoveTask(env.Ctx, engine.TaskRemoveOptions{
		TaskID: task2.ID, RequesterEmail: other.Email, Refund: true,
	}); !errors.Is(err, engine.ErrPreconditionFailed) {
		t.Fatalf("foreign removal: got %v", err)
	}
}

func TestApproveAndRejectFlow(t *testing.T) {
	env := newTestEnv(t)
	buyer := env.register(t, "buyer@example.com", domain.RoleBuyer)
	worker := env.register(t, "worker@example.com", domain.RoleWorker)
	rival := env.register(t, "rival@example.com", domain.RoleWorker)

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		BuyerEmail:      buyer.Email,
		Title:           "Tag products",
		RequiredWorkers: 2,
		PayableAmount:   5,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	sub, err := env.Engine.CreateSubmission(env.Ctx, engine.SubmissionCreateOptions{
		TaskID: task.ID, WorkerEmail: worker.Email, Detail: "done, see sheet",
	})
	if err != nil {
		t.Fatalf("create submission: %v", err)
	}
	if sub.PayableAmount != 5 || sub.Status != domain.SubmissionPending {
		t.Fatalf("submission snapshot: %+v", sub)
	}

	approved, err := env.Engine.ApproveSubmission(env.Ctx, engine.ReviewOptions{
		SubmissionID: sub.ID, ActorEmail: buyer.Email,
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.SubmissionApproved || approved.DecidedAt == nil {
		t.Fatalf("approved submission: %+v", approved)
	}
	if got := env.balance(t, worker.Email); got != worker.AvailableCoins+5 {
		t.Fatalf("worker balance: got %d, want %d", got, worker.AvailableCoins+5)
	}
	remaining, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if remaining.RequiredWorkers != 1 {
		t.Fatalf("capacity after approve: got %d, want 1", remaining.RequiredWorkers)
	}

	sub2, err := env.Engine.CreateSubmission(env.Ctx, engine.SubmissionCreateOptions{
		TaskID: task.ID, WorkerEmail: rival.Email,
	})
	if err != nil {
		t.Fatalf("second submission: %v", err)
	}
	rejected, err := env.Engine.RejectSubmission(env.Ctx, engine.ReviewOptions{
		TaskID: task.ID, WorkerEmail: rival.Email, ActorEmail: buyer.Email,
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.ID != sub2.ID || rejected.Status != domain.SubmissionRejected {
		t.Fatalf("rejected submission: %+v", rejected)
	}
	if got := env.balance(t, rival.Email); got != rival.AvailableCoins {
		t.Fatalf("rejection moved coins: got %d, want %d", got, rival.AvailableCoins)
	}
	remaining, err = env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if remaining.RequiredWorkers != 2 {
		t.Fatalf("capacity after reject: got %d, want 2", remaining.RequiredWorkers)
	}
}

func TestApproveRequiresOwningBuyer(t *testing.T) {
	env := newTestEnv(t)
	buyer := env.register(t, "buyer@example.com", domain.RoleBuyer)
	intruder := env.register(t, "intruder@example.com", domain.RoleBuyer)
	worker := env.register(t, "worker@example.com", domain.RoleWorker)

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		BuyerEmail: buyer.Email, Title: "Review copy", RequiredWorkers: 1, PayableAmount: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	sub, err := env.Engine.CreateSubmission(env.Ctx, engine.SubmissionCreateOptions{
		TaskID: task.ID, WorkerEmail: worker.Email,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveSubmission(env.Ctx, engine.ReviewOptions{
		SubmissionID: sub.ID, ActorEmail: intruder.Email,
	}); !errors.Is(err, engine.ErrPreconditionFailed) {
		t.Fatalf("foreign approve: got %v", err)
	}
	// a mismatched amount must refuse rather than pay the wrong sum
	if _, err := env.Engine.ApproveSubmission(env.Ctx, engine.ReviewOptions{
		SubmissionID: sub.ID, ActorEmail: buyer.Email, PayableAmount: 7,
	}); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("amount mismatch: got %v", err)
	}
	if got := env.balance(t, worker.Email); got != worker.AvailableCoins {
		t.Fatalf("refused approvals moved coins: got %d", got)
	}
}

func TestDoubleApproveCreditsOnce(t *testing.T) {
	env := newTestEnv(t)
	buyer := env.register(t, "buyer@example.com", domain.RoleBuyer)
	worker := env.register(t, "worker@example.com", domain.RoleWorker)

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		BuyerEmail: buyer.Email, Title: "Survey", RequiredWorkers: 1, PayableAmount: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	sub, err := env.Engine.CreateSubmission(env.Ctx, engine.SubmissionCreateOptions{
		TaskID: task.ID, WorkerEmail: worker.Email,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveSubmission(env.Ctx, engine.ReviewOptions{SubmissionID: sub.ID, ActorEmail: buyer.Email}); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if _, err := env.Engine.ApproveSubmission(env.Ctx, engine.ReviewOptions{SubmissionID: sub.ID, ActorEmail: buyer.Email}); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("second approve: got %v", err)
	}
	if got := env.balance(t, worker.Email); got != worker.AvailableCoins+5 {
		t.Fatalf("worker credited twice: got %d, want %d", got, worker.AvailableCoins+5)
	}
}

func TestConcurrentApprovalsSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	buyer := env.register(t, "buyer@example.com", domain.RoleBuyer)
	worker := env.register(t, "worker@example.com", domain.RoleWorker)

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		BuyerEmail: buyer.Email, Title: "Race me", RequiredWorkers: 1, PayableAmount: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	sub, err := env.Engine.CreateSubmission(env.Ctx, engine.SubmissionCreateOptions{
		TaskID: task.ID, WorkerEmail: worker.Email,
	})
	if err != nil {
		t.Fatal(err)
	}

	const racers = 4
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.ApproveSubmission(env.Ctx, engine.ReviewOptions{
				SubmissionID: sub.ID, ActorEmail: buyer.Email,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("winners: got %d, want exactly 1", wins)
	}
	if got := env.balance(t, worker.Email); got != worker.AvailableCoins+5 {
		t.Fatalf("worker balance after race: got %d, want %d", got, worker.AvailableCoins+5)
	}
}

func TestSettlePurchaseIdempotent(t *testing.T) {
	env := newTestEnv(t)
	buyer := env.register(t, "buyer@example.com", domain.RoleBuyer)

	order, err := env.Engine.CreatePurchaseOrder(env.Ctx, engine.OrderCreateOptions{
		BuyerEmail:  buyer.Email,
		Coins:       100,
		AmountCents: 500,
		PaymentRef:  "pay_abc123",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if got := env.balance(t, buyer.Email); got != buyer.AvailableCoins {
		t.Fatalf("unsettled order moved coins: got %d", got)
	}
	settled, err := env.Engine.SettlePurchase(env.Ctx, order.ID, buyer.Email)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settled.Settled || settled.SettledAt == nil {
		t.Fatalf("settled order: %+v", settled)
	}
	want := buyer.AvailableCoins + 100
	if got := env.balance(t, buyer.Email); got != want {
		t.Fatalf("balance after settle: got %d, want %d", got, want)
	}
	// replaying the settlement must not credit again
	if _, err := env.Engine.SettlePurchase(env.Ctx, order.ID, buyer.Email); err != nil {
		t.Fatalf("duplicate settle: %v", err)
	}
	if got := env.balance(t, buyer.Email); got != want {
		t.Fatalf("duplicate settle credited: got %d, want %d", got, want)
	}
}

func TestWithdrawalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	worker := env.register(t, "worker@example.com", domain.RoleWorker)
	// fund the worker past the withdrawal minimum
	order, err := env.Engine.CreatePurchaseOrder(env.Ctx, engine.OrderCreateOptions{
		BuyerEmail: worker.Email, Coins: 300, AmountCents: 1500,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SettlePurchase(env.Ctx, order.ID, worker.Email); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.RequestWithdrawal(env.Ctx, engine.WithdrawalCreateOptions{
		WorkerEmail: worker.Email, Coins: 50, AccountInfo: "bkash 017...",
	}); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("below minimum: got %v", err)
	}
	if _, err := env.Engine.RequestWithdrawal(env.Ctx, engine.WithdrawalCreateOptions{
		WorkerEmail: worker.Email, Coins: 100000, AccountInfo: "bkash 017...",
	}); !errors.Is(err, engine.ErrInsufficientBalance) {
		t.Fatalf("over balance: got %v", err)
	}

	w, err := env.Engine.RequestWithdrawal(env.Ctx, engine.WithdrawalCreateOptions{
		WorkerEmail: worker.Email, Coins: 200, AccountInfo: "bkash 017...",
	})
	if err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}
	if w.Status != domain.WithdrawalRequested {
		t.Fatalf("withdrawal status: %s", w.Status)
	}
	before := env.balance(t, worker.Email)

	settled, err := env.Engine.SettleWithdrawal(env.Ctx, w.ID, "admin@example.com")
	if err != nil {
		t.Fatalf("settle withdrawal: %v", err)
	}
	if settled.Status != domain.WithdrawalApproved || settled.DecidedAt == nil {
		t.Fatalf("settled withdrawal: %+v", settled)
	}
	if got := env.balance(t, worker.Email); got != before-200 {
		t.Fatalf("balance after payout: got %d, want %d", got, before-200)
	}
	// a second settlement finds no open request
	if _, err := env.Engine.SettleWithdrawal(env.Ctx, w.ID, "admin@example.com"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("duplicate settle: got %v", err)
	}
}

func TestSettleWithdrawalGuardsBalance(t *testing.T) {
	env := newTestEnv(t)
	worker := env.register(t, "worker@example.com", domain.RoleWorker)
	order, err := env.Engine.CreatePurchaseOrder(env.Ctx, engine.OrderCreateOptions{
		BuyerEmail: worker.Email, Coins: 300, AmountCents: 1500,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SettlePurchase(env.Ctx, order.ID, worker.Email); err != nil {
		t.Fatal(err)
	}
	w, err := env.Engine.RequestWithdrawal(env.Ctx, engine.WithdrawalCreateOptions{
		WorkerEmail: worker.Email, Coins: 250, AccountInfo: "bank 0042",
	})
	if err != nil {
		t.Fatal(err)
	}
	// spend most of the balance before the payout lands
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		BuyerEmail: worker.Email, Title: "spend it", RequiredWorkers: 1, PayableAmount: 200,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SettleWithdrawal(env.Ctx, w.ID, "admin@example.com"); !errors.Is(err, engine.ErrInsufficientBalance) {
		t.Fatalf("underfunded settle: got %v", err)
	}
	// the failed settlement must leave the request open
	reloaded, err := env.Engine.Repo.GetWithdrawal(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != domain.WithdrawalRequested {
		t.Fatalf("withdrawal status after rollback: %s", reloaded.Status)
	}
}

func TestCreateTaskRejectsOverflowingCost(t *testing.T) {
	env := newTestEnv(t)
	buyer := env.register(t, "buyer@example.com", domain.RoleBuyer)

	// 2 * 2^62 wraps int64 negative; a negative cost would sail through the
	// balance guard and mint coins on the debit
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		BuyerEmail:      buyer.Email,
		Title:           "Overflow",
		RequiredWorkers: 2,
		PayableAmount:   int64(1) << 62,
	})
	if !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("overflowing cost: got %v", err)
	}
	if got := env.balance(t, buyer.Email); got != buyer.AvailableCoins {
		t.Fatalf("failed create moved coins: got %d, want %d", got, buyer.AvailableCoins)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{BuyerEmail: buyer.Email})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("overflowing task was created: %+v", tasks)
	}
}

func TestAuditEventsUseEngineClock(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "buyer@example.com", domain.RoleBuyer)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 1, "account.registered", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected 1 registration event, got %d", len(evts))
	}
	if evts[0].TS != "2024-01-01T00:00:00Z" {
		t.Fatalf("event ts ignores injected clock: %s", evts[0].TS)
	}
}

func TestRemoveAccountBlockedWhileReferenced(t *testing.T) {
	env := newTestEnv(t)
	buyer := env.register(t, "buyer@example.com", domain.RoleBuyer)

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		BuyerEmail: buyer.Email, Title: "Keeps the account pinned", RequiredWorkers: 1, PayableAmount: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RemoveAccount(env.Ctx, buyer.Email, "admin@example.com"); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("delete of referenced account: got %v", err)
	}
	if _, err := env.Engine.GetBalance(env.Ctx, buyer.Email); err != nil {
		t.Fatalf("account vanished after refused delete: %v", err)
	}
	if _, err := env.Engine.RemoveTask(env.Ctx, engine.TaskRemoveOptions{
		TaskID: task.ID, RequesterEmail: buyer.Email, Refund: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RemoveAccount(env.Ctx, buyer.Email, "admin@example.com"); err != nil {
		t.Fatalf("delete after task removal: %v", err)
	}
	if _, err := env.Engine.GetBalance(env.Ctx, buyer.Email); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("account still present: %v", err)
	}
}

func TestRemoveTaskAuditsPaidOut(t *testing.T) {
	env := newTestEnv(t)
	buyer := env.register(t, "buyer@example.com", domain.RoleBuyer)
	worker := env.register(t, "worker@example.com", domain.RoleWorker)

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		BuyerEmail: buyer.Email, Title: "Two slots", RequiredWorkers: 2, PayableAmount: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	sub, err := env.Engine.CreateSubmission(env.Ctx, engine.SubmissionCreateOptions{
		TaskID: task.ID, WorkerEmail: worker.Email,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveSubmission(env.Ctx, engine.ReviewOptions{
		SubmissionID: sub.ID, ActorEmail: buyer.Email,
	}); err != nil {
		t.Fatal(err)
	}
	refund, err := env.Engine.RemoveTask(env.Ctx, engine.TaskRemoveOptions{
		TaskID: task.ID, RequesterEmail: buyer.Email, Refund: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 1, "task.removed", "task", task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected a removal event, got %d", len(evts))
	}
	var payload struct {
		RefundedCoins   int64 `json:"refunded_coins"`
		PaidSubmissions int64 `json:"paid_submissions"`
		PaidOutCoins    int64 `json:"paid_out_coins"`
	}
	if err := json.Unmarshal([]byte(evts[0].Payload), &payload); err != nil {
		t.Fatalf("unmarshal removal payload: %v", err)
	}
	if payload.PaidSubmissions != 1 || payload.PaidOutCoins != 5 {
		t.Fatalf("paid-out accounting: %+v", payload)
	}
	// refund plus pay-outs must add back up to the original reservation
	if payload.RefundedCoins != refund || refund+payload.PaidOutCoins != 2*5 {
		t.Fatalf("reservation does not balance: refund %d, paid %d", refund, payload.PaidOutCoins)
	}
}
