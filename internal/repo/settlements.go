package repo

import (
	"context"
	"database/sql"
	"strings"

	"quicktasker/internal/domain"
)

// --- coin purchase orders ---

const orderCols = `id, buyer_email, coins, amount_cents, payment_ref, settled, created_at, settled_at`

func scanOrderRow(scan func(dest ...any) error) (domain.Order, error) {
	var o domain.Order
	var ref, settledAt sql.NullString
	var settled int
	err := scan(&o.ID, &o.BuyerEmail, &o.Coins, &o.AmountCents, &ref, &settled, &o.CreatedAt, &settledAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.Settled = settled != 0
	if ref.Valid {
		o.PaymentRef = ref.String
	}
	if settledAt.Valid {
		o.SettledAt = &settledAt.String
	}
	return o, nil
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return scanOrderRow(r.DB.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id=?`, id).Scan)
}

func (r Repo) GetOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.Order, error) {
	return scanOrderRow(tx.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id=?`, id).Scan)
}

func (r Repo) InsertOrderTx(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	settled := 0
	if o.Settled {
		settled = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO orders(id,buyer_email,coins,amount_cents,payment_ref,settled,created_at,settled_at)
VALUES (?,?,?,?,?,?,?,?)`,
		o.ID, o.BuyerEmail, o.Coins, o.AmountCents, nullable(o.PaymentRef), settled, o.CreatedAt, nullableStringPtr(o.SettledAt))
	return err
}

// MarkOrderSettledTx flips the settled flag exactly once. Returns false when
// the order was already settled, so a duplicate settlement cannot re-credit.
func (r Repo) MarkOrderSettledTx(ctx context.Context, tx *sql.Tx, id, settledAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE orders SET settled=1, settled_at=? WHERE id=? AND settled=0`, settledAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListOrders(ctx context.Context, buyerEmail string, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders`
	var args []any
	if buyerEmail != "" {
		query += ` WHERE buyer_email=?`
		args = append(args, buyerEmail)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrderRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// --- withdrawals ---

const withdrawalCols = `id, worker_email, coins, account_info, status, created_at, decided_at`

func scanWithdrawalRow(scan func(dest ...any) error) (domain.Withdrawal, error) {
	var w domain.Withdrawal
	var info, decidedAt sql.NullString
	err := scan(&w.ID, &w.WorkerEmail, &w.Coins, &info, &w.Status, &w.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if info.Valid {
		w.AccountInfo = info.String
	}
	if decidedAt.Valid {
		w.DecidedAt = &decidedAt.String
	}
	return w, nil
}

func (r Repo) GetWithdrawal(ctx context.Context, id string) (domain.Withdrawal, error) {
	return scanWithdrawalRow(r.DB.QueryRowContext(ctx, `SELECT `+withdrawalCols+` FROM withdrawals WHERE id=?`, id).Scan)
}

func (r Repo) GetWithdrawalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Withdrawal, error) {
	return scanWithdrawalRow(tx.QueryRowContext(ctx, `SELECT `+withdrawalCols+` FROM withdrawals WHERE id=?`, id).Scan)
}

func (r Repo) InsertWithdrawalTx(ctx context.Context, tx *sql.Tx, w domain.Withdrawal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO withdrawals(id,worker_email,coins,account_info,status,created_at,decided_at)
VALUES (?,?,?,?,?,?,?)`,
		w.ID, w.WorkerEmail, w.Coins, nullable(w.AccountInfo), w.Status, w.CreatedAt, nullableStringPtr(w.DecidedAt))
	return err
}

// ApproveWithdrawalTx transitions requested -> approved exactly once.
// Returns false when the withdrawal was already decided (or missing).
func (r Repo) ApproveWithdrawalTx(ctx context.Context, tx *sql.Tx, id, decidedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE withdrawals SET status=?, decided_at=? WHERE id=? AND status=?`,
		domain.WithdrawalApproved, decidedAt, id, domain.WithdrawalRequested)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type WithdrawalFilters struct {
	WorkerEmail string
	Status      string
	Limit       int
}

func (r Repo) ListWithdrawals(ctx context.Context, f WithdrawalFilters) ([]domain.Withdrawal, error) {
	var clauses []string
	var args []any
	if f.WorkerEmail != "" {
		clauses = append(clauses, "worker_email=?")
		args = append(args, f.WorkerEmail)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + withdrawalCols + ` FROM withdrawals ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawalRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}
