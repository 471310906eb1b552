package repo

import (
	"context"
	"database/sql"
	"strings"

	"quicktasker/internal/domain"
)

const submissionCols = `id, task_id, task_title, buyer_email, worker_email, payable_amount, detail, status, created_at, decided_at`

func scanSubmissionRow(scan func(dest ...any) error) (domain.Submission, error) {
	var s domain.Submission
	var title, detail, decidedAt sql.NullString
	err := scan(&s.ID, &s.TaskID, &title, &s.BuyerEmail, &s.WorkerEmail, &s.PayableAmount, &detail, &s.Status, &s.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if title.Valid {
		s.TaskTitle = title.String
	}
	if detail.Valid {
		s.Detail = detail.String
	}
	if decidedAt.Valid {
		s.DecidedAt = &decidedAt.String
	}
	return s, nil
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	return scanSubmissionRow(r.DB.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE id=?`, id).Scan)
}

func (r Repo) GetSubmissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Submission, error) {
	return scanSubmissionRow(tx.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE id=?`, id).Scan)
}

func (r Repo) InsertSubmissionTx(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO submissions(id,task_id,task_title,buyer_email,worker_email,payable_amount,detail,status,created_at,decided_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TaskID, nullable(s.TaskTitle), s.BuyerEmail, s.WorkerEmail, s.PayableAmount,
		nullable(s.Detail), s.Status, s.CreatedAt, nullableStringPtr(s.DecidedAt))
	return err
}

// LatestPendingSubmissionTx resolves the newest pending submission for a
// task/worker pair. Newest by creation order, id as tie-break.
func (r Repo) LatestPendingSubmissionTx(ctx context.Context, tx *sql.Tx, taskID, workerEmail string) (domain.Submission, error) {
	return scanSubmissionRow(tx.QueryRowContext(ctx,
		`SELECT `+submissionCols+` FROM submissions WHERE task_id=? AND worker_email=? AND status=? ORDER BY created_at DESC, id DESC LIMIT 1`,
		taskID, workerEmail, domain.SubmissionPending).Scan)
}

// ResolveSubmissionTx transitions a pending submission to a terminal status.
// Returns false when the submission was not pending anymore (or missing), so
// concurrent reviewers get exactly one winner.
func (r Repo) ResolveSubmissionTx(ctx context.Context, tx *sql.Tx, id, toStatus, decidedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE submissions SET status=?, decided_at=? WHERE id=? AND status=?`,
		toStatus, decidedAt, id, domain.SubmissionPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type SubmissionFilters struct {
	TaskID          string
	WorkerEmail     string
	BuyerEmail      string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListSubmissions(ctx context.Context, f SubmissionFilters) ([]domain.Submission, error) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.WorkerEmail != "" {
		clauses = append(clauses, "worker_email=?")
		args = append(args, f.WorkerEmail)
	}
	if f.BuyerEmail != "" {
		clauses = append(clauses, "buyer_email=?")
		args = append(args, f.BuyerEmail)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + submissionCols + ` FROM submissions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmissionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CountPaidSubmissionsTx returns approved submissions and coins paid out for a
// task, used to check the reservation ledger balances out.
func (r Repo) CountPaidSubmissionsTx(ctx context.Context, tx *sql.Tx, taskID string) (int64, int64, error) {
	var count, coins int64
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(payable_amount),0) FROM submissions WHERE task_id=? AND status=?`,
		taskID, domain.SubmissionApproved).Scan(&count, &coins)
	return count, coins, err
}
