package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mathhhys/blue-byte-booster/internal/database"
	"github.com/mathhhys/blue-byte-booster/internal/model"
)

const creditTxColumns = `id, subject_type, subject_id, amount, transaction_type, reference_id, description, created_at`

// CreditRepo provides access to the append-only credit_transactions table
// and the user_credits balance cache. Organization balances live on the
// entitlement row and are maintained by EntitlementRepo.
type CreditRepo struct {
	db *sql.DB
}

// NewCreditRepo returns a repository bound to db.
func NewCreditRepo(db *sql.DB) *CreditRepo { return &CreditRepo{db: db} }

// DB exposes the handle so services can open transactions.
func (r *CreditRepo) DB() *sql.DB { return r.db }

func scanCreditTx(row interface{ Scan(...any) error }) (*model.CreditTransaction, error) {
	var (
		t           model.CreditTransaction
		subjectType string
		txType      string
		reference   sql.NullString
		createdAt   int64
	)
	err := row.Scan(&t.ID, &subjectType, &t.Subject.ID, &t.Amount, &txType, &reference, &t.Description, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	t.Subject.Type = model.SubjectType(subjectType)
	t.Type = model.TransactionType(txType)
	t.ReferenceID = reference.String
	t.CreatedAt = unixTime(createdAt)
	return &t, nil
}

// InsertTransactionTx appends a ledger row. A repeated (reference_id,
// transaction_type) pair yields ErrDuplicate.
func (r *CreditRepo) InsertTransactionTx(ctx context.Context, tx *sql.Tx, t *model.CreditTransaction) error {
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO credit_transactions (`+creditTxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Subject.Type), t.Subject.ID, t.Amount, string(t.Type), nullString(t.ReferenceID),
		t.Description, t.CreatedAt.Unix())
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	return nil
}

// GetByReference returns the ledger row written for a reference and type.
func (r *CreditRepo) GetByReference(ctx context.Context, q Querier, referenceID string, txType model.TransactionType) (*model.CreditTransaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+creditTxColumns+` FROM credit_transactions
		WHERE reference_id = ? AND transaction_type = ?`, referenceID, string(txType))
	return scanCreditTx(row)
}

// HasReference reports whether any ledger row carries referenceID.
func (r *CreditRepo) HasReference(ctx context.Context, q Querier, referenceID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM credit_transactions WHERE reference_id = ?`, referenceID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup credit reference: %w", err)
	}
	return n > 0, nil
}

// History returns the newest ledger rows of a subject.
func (r *CreditRepo) History(ctx context.Context, q Querier, subject model.Subject, limit int) ([]model.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.QueryContext(ctx, `SELECT `+creditTxColumns+` FROM credit_transactions
		WHERE subject_type = ? AND subject_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, string(subject.Type), subject.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("credit history: %w", err)
	}
	defer rows.Close()
	var out []model.CreditTransaction
	for rows.Next() {
		t, err := scanCreditTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// LedgerTotals are the grant and usage sums of a subject's ledger rows.
type LedgerTotals struct {
	Granted int64 `json:"granted"`
	Used    int64 `json:"used"`
}

// Totals sums the ledger of a subject, splitting grants from usage.
func (r *CreditRepo) Totals(ctx context.Context, q Querier, subject model.Subject) (LedgerTotals, error) {
	var granted, used sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT
			SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END),
			SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END)
		FROM credit_transactions WHERE subject_type = ? AND subject_id = ?`,
		string(subject.Type), subject.ID).Scan(&granted, &used)
	if err != nil {
		return LedgerTotals{}, fmt.Errorf("sum credit ledger: %w", err)
	}
	return LedgerTotals{Granted: granted.Int64, Used: used.Int64}, nil
}

// UserBalance returns a member's personal balance. A member with no row has
// a zero balance.
func (r *CreditRepo) UserBalance(ctx context.Context, q Querier, userID string) (model.Balance, error) {
	b := model.Balance{Subject: model.UserSubject(userID)}
	err := q.QueryRowContext(ctx, `SELECT total_credits, used_credits FROM user_credits WHERE user_id = ?`, userID).
		Scan(&b.Total, &b.Used)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.Balance{}, fmt.Errorf("user balance: %w", err)
	}
	return b, nil
}

// AddUserCreditsTx grows a member's personal balance, creating the row on
// first grant.
func (r *CreditRepo) AddUserCreditsTx(ctx context.Context, tx *sql.Tx, userID string, amount int64) error {
	now := time.Now().UTC().Unix()
	for attempt := 0; attempt < 2; attempt++ {
		res, err := tx.ExecContext(ctx, `UPDATE user_credits
			SET total_credits = total_credits + ?, updated_at = ? WHERE user_id = ?`, amount, now, userID)
		if err != nil {
			return fmt.Errorf("add user credits: %w", err)
		}
		if ok, err := affected(res); err != nil || ok {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO user_credits (user_id, total_credits, used_credits, updated_at)
			VALUES (?, ?, 0, ?)`, userID, amount, now)
		if err == nil {
			return nil
		}
		if !database.IsUniqueViolation(err) {
			return fmt.Errorf("create user credits: %w", err)
		}
		// A concurrent first grant created the row; retry the update.
	}
	return fmt.Errorf("add user credits: %w", ErrConflict)
}

// ConsumeUserCreditsTx moves amount from remaining to used on a member's
// personal balance. It returns false when the balance is insufficient.
func (r *CreditRepo) ConsumeUserCreditsTx(ctx context.Context, tx *sql.Tx, userID string, amount int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE user_credits
		SET used_credits = used_credits + ?, updated_at = ?
		WHERE user_id = ? AND used_credits + ? <= total_credits`,
		amount, time.Now().UTC().Unix(), userID, amount)
	if err != nil {
		return false, fmt.Errorf("consume user credits: %w", err)
	}
	return affected(res)
}
