package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"quicktasker/internal/db"
	"quicktasker/internal/domain"
	"quicktasker/internal/migrate"
	"quicktasker/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx func: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestInsertAccountIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a := domain.Account{Email: "a@example.com", Role: domain.RoleBuyer, AvailableCoins: 50, CreatedAt: "2024-01-01T00:00:00Z"}

	inTx(t, r, func(tx *sql.Tx) error {
		inserted, err := r.InsertAccountTx(ctx, tx, a)
		if err != nil {
			return err
		}
		if !inserted {
			return errors.New("first insert reported existing")
		}
		return nil
	})
	inTx(t, r, func(tx *sql.Tx) error {
		a.AvailableCoins = 999
		inserted, err := r.InsertAccountTx(ctx, tx, a)
		if err != nil {
			return err
		}
		if inserted {
			return errors.New("second insert should be no-op")
		}
		return nil
	})

	got, err := r.GetAccount(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AvailableCoins != 50 {
		t.Fatalf("balance = %d, want original 50", got.AvailableCoins)
	}
}

func TestDebitAccountGuard(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	inTx(t, r, func(tx *sql.Tx) error {
		_, err := r.InsertAccountTx(ctx, tx, domain.Account{
			Email: "b@example.com", Role: domain.RoleBuyer, AvailableCoins: 30, CreatedAt: "2024-01-01T00:00:00Z",
		})
		return err
	})

	inTx(t, r, func(tx *sql.Tx) error {
		ok, err := r.DebitAccountTx(ctx, tx, "b@example.com", 40)
		if err != nil {
			return err
		}
		if ok {
			return errors.New("debit beyond balance should fail the guard")
		}
		ok, err = r.DebitAccountTx(ctx, tx, "b@example.com", 30)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("exact-balance debit should pass")
		}
		return nil
	})

	got, err := r.GetAccount(ctx, "b@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AvailableCoins != 0 {
		t.Fatalf("balance = %d, want 0", got.AvailableCoins)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	r := newTestRepo(t)
	if _, err := r.GetAccount(context.Background(), "nobody@example.com"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTaskCapacityGuards(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	task := domain.Task{
		ID: "t1", BuyerEmail: "b@example.com", Title: "one slot",
		RequiredWorkers: 1, PayableAmount: 5,
		CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
	}
	inTx(t, r, func(tx *sql.Tx) error {
		if _, err := r.InsertAccountTx(ctx, tx, domain.Account{Email: "b@example.com", Role: domain.RoleBuyer, CreatedAt: task.CreatedAt}); err != nil {
			return err
		}
		return r.InsertTaskTx(ctx, tx, task)
	})

	inTx(t, r, func(tx *sql.Tx) error {
		ok, err := r.DecrementTaskCapacityTx(ctx, tx, "t1", "2024-01-02T00:00:00Z")
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("decrement of open task should succeed")
		}
		ok, err = r.DecrementTaskCapacityTx(ctx, tx, "t1", "2024-01-02T00:00:00Z")
		if err != nil {
			return err
		}
		if ok {
			return errors.New("decrement at zero capacity should be refused")
		}
		return nil
	})

	got, err := r.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.RequiredWorkers != 0 {
		t.Fatalf("required_workers = %d, want 0", got.RequiredWorkers)
	}
}

func TestListTasksCursorPagination(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	inTx(t, r, func(tx *sql.Tx) error {
		if _, err := r.InsertAccountTx(ctx, tx, domain.Account{Email: "b@example.com", Role: domain.RoleBuyer, CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
			return err
		}
		for i := 0; i < 5; i++ {
			ts := fmt.Sprintf("2024-01-0%dT00:00:00Z", i+1)
			err := r.InsertTaskTx(ctx, tx, domain.Task{
				ID: fmt.Sprintf("t%d", i), BuyerEmail: "b@example.com", Title: "t",
				RequiredWorkers: 1, PayableAmount: 1, CreatedAt: ts, UpdatedAt: ts,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	page1, err := r.ListTasks(ctx, repo.TaskFilters{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page1) != 2 || page1[0].ID != "t4" || page1[1].ID != "t3" {
		t.Fatalf("page1 = %+v, want t4,t3", page1)
	}

	last := page1[len(page1)-1]
	page2, err := r.ListTasks(ctx, repo.TaskFilters{
		Limit: 2, CursorCreatedAt: last.CreatedAt, CursorID: last.ID,
	})
	if err != nil {
		t.Fatalf("list page2: %v", err)
	}
	if len(page2) != 2 || page2[0].ID != "t2" || page2[1].ID != "t1" {
		t.Fatalf("page2 = %+v, want t2,t1", page2)
	}
}

func TestResolveSubmissionSingleWinner(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	inTx(t, r, func(tx *sql.Tx) error {
		if _, err := r.InsertAccountTx(ctx, tx, domain.Account{Email: "w@example.com", Role: domain.RoleWorker, CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
			return err
		}
		return r.InsertSubmissionTx(ctx, tx, domain.Submission{
			ID: "s1", TaskID: "t1", BuyerEmail: "b@example.com", WorkerEmail: "w@example.com",
			PayableAmount: 5, Status: domain.SubmissionPending, CreatedAt: "2024-01-01T00:00:00Z",
		})
	})

	inTx(t, r, func(tx *sql.Tx) error {
		ok, err := r.ResolveSubmissionTx(ctx, tx, "s1", domain.SubmissionApproved, "2024-01-02T00:00:00Z")
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("pending submission should resolve")
		}
		ok, err = r.ResolveSubmissionTx(ctx, tx, "s1", domain.SubmissionRejected, "2024-01-02T00:00:00Z")
		if err != nil {
			return err
		}
		if ok {
			return errors.New("terminal submission must not resolve again")
		}
		return nil
	})

	got, err := r.GetSubmission(ctx, "s1")
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if got.Status != domain.SubmissionApproved {
		t.Fatalf("status = %q, want approved", got.Status)
	}
	if got.DecidedAt == nil || *got.DecidedAt != "2024-01-02T00:00:00Z" {
		t.Fatalf("decided_at = %v", got.DecidedAt)
	}
}
