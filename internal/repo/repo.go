package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"quicktasker/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- accounts ---

func scanAccount(row *sql.Row) (domain.Account, error) {
	var a domain.Account
	var name sql.NullString
	err := row.Scan(&a.Email, &name, &a.Role, &a.AvailableCoins, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if name.Valid {
		a.Name = name.String
	}
	return a, err
}

const accountCols = `email, name, role, available_coins, created_at`

func (r Repo) GetAccount(ctx context.Context, email string) (domain.Account, error) {
	return scanAccount(r.DB.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE email=?`, email))
}

func (r Repo) GetAccountTx(ctx context.Context, tx *sql.Tx, email string) (domain.Account, error) {
	return scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE email=?`, email))
}

// InsertAccountTx inserts an account unless the email is already registered.
// Returns false when the account already existed.
func (r Repo) InsertAccountTx(ctx context.Context, tx *sql.Tx, a domain.Account) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO accounts(email,name,role,available_coins,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(email) DO NOTHING`,
		a.Email, nullable(a.Name), a.Role, a.AvailableCoins, a.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CreditAccountTx adds coins to an account balance.
func (r Repo) CreditAccountTx(ctx context.Context, tx *sql.Tx, email string, coins int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET available_coins = available_coins + ? WHERE email=?`, coins, email)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DebitAccountTx subtracts coins, guarded so the balance never goes negative.
// Returns false when the guard failed (insufficient balance).
func (r Repo) DebitAccountTx(ctx context.Context, tx *sql.Tx, email string, coins int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET available_coins = available_coins - ? WHERE email=? AND available_coins >= ?`, coins, email, coins)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListAccounts(ctx context.Context, role string) ([]domain.Account, error) {
	query := `SELECT ` + accountCols + ` FROM accounts`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY created_at DESC, email DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		var a domain.Account
		var name sql.NullString
		if err := rows.Scan(&a.Email, &name, &a.Role, &a.AvailableCoins, &a.CreatedAt); err != nil {
			return nil, err
		}
		if name.Valid {
			a.Name = name.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ErrReferenced reports a delete blocked by rows that still reference the
// record (tasks, orders, withdrawals or api keys for an account).
var ErrReferenced = errors.New("still referenced")

func (r Repo) DeleteAccountTx(ctx context.Context, tx *sql.Tx, email string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE email=?`, email)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint") {
			return ErrReferenced
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tasks ---

const taskCols = `id, buyer_email, title, detail, submission_info, required_workers, payable_amount, deadline, created_at, updated_at`

func scanTaskRow(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var detail, info, deadline sql.NullString
	err := scan(&t.ID, &t.BuyerEmail, &t.Title, &detail, &info, &t.RequiredWorkers, &t.PayableAmount, &deadline, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if detail.Valid {
		t.Detail = detail.String
	}
	if info.Valid {
		t.SubmissionInfo = info.String
	}
	if deadline.Valid {
		t.Deadline = deadline.String
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTaskRow(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id).Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTaskRow(tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id).Scan)
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,buyer_email,title,detail,submission_info,required_workers,payable_amount,deadline,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.BuyerEmail, t.Title, nullable(t.Detail), nullable(t.SubmissionInfo),
		t.RequiredWorkers, t.PayableAmount, nullable(t.Deadline), t.CreatedAt, t.UpdatedAt)
	return err
}

// DecrementTaskCapacityTx consumes one worker slot. Returns false when the
// task had no remaining capacity (or does not exist); the counter never goes
// below zero.
func (r Repo) DecrementTaskCapacityTx(ctx context.Context, tx *sql.Tx, id, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET required_workers = required_workers - 1, updated_at=? WHERE id=? AND required_workers > 0`, updatedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// IncrementTaskCapacityTx restores one worker slot after a rejection.
func (r Repo) IncrementTaskCapacityTx(ctx context.Context, tx *sql.Tx, id, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET required_workers = required_workers + 1, updated_at=? WHERE id=?`, updatedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) DeleteTaskTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilters struct {
	BuyerEmail      string
	OpenOnly        bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.BuyerEmail != "" {
		clauses = append(clauses, "buyer_email=?")
		args = append(args, f.BuyerEmail)
	}
	if f.OpenOnly {
		clauses = append(clauses, "required_workers > 0")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskCols + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
