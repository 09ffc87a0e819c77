package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mathhhys/blue-byte-booster/internal/metrics"
	"github.com/mathhhys/blue-byte-booster/internal/model"
	"github.com/mathhhys/blue-byte-booster/internal/repository"
)

// Per-seat credit allowance for one monthly period.
const (
	BaseCreditsTeams   int64 = 1000
	BaseCreditsDefault int64 = 500
)

// CreditsPerSeat is the grant per seat for one billing period. Yearly plans
// receive twelve months up front.
func CreditsPerSeat(planType string, freq model.BillingFrequency) int64 {
	base := BaseCreditsDefault
	if strings.EqualFold(planType, "teams") {
		base = BaseCreditsTeams
	}
	if freq == model.Yearly {
		return base * 12
	}
	return base
}

// GrantRequest adds credits to a subject.
type GrantRequest struct {
	Subject     model.Subject
	Amount      int64
	Type        model.TransactionType
	Description string
	// ReferenceID makes the grant idempotent per transaction type.
	ReferenceID string
}

// DeductRequest consumes credits from a subject.
type DeductRequest struct {
	Subject     model.Subject
	Amount      int64
	Description string
	ReferenceID string
}

// LedgerResult is the outcome of a grant or deduction. Duplicate is set when
// ReferenceID had already been applied; Transaction is then the original row.
type LedgerResult struct {
	Transaction *model.CreditTransaction
	Balance     model.Balance
	Duplicate   bool
}

// Verification compares a subject's cached balance with its ledger.
type Verification struct {
	Subject    model.Subject           `json:"subject"`
	Cached     model.Balance           `json:"cached"`
	Ledger     repository.LedgerTotals `json:"ledger"`
	Consistent bool                    `json:"consistent"`
}

// Ledger is the credit ledger. Every movement writes one transaction row and
// adjusts the cached balance in the same database transaction.
type Ledger struct {
	db      *sql.DB
	ents    *repository.EntitlementRepo
	credits *repository.CreditRepo
	seats   *repository.SeatRepo
}

// NewLedger builds a Ledger over the shared store.
func NewLedger(db *sql.DB, ents *repository.EntitlementRepo, credits *repository.CreditRepo, seats *repository.SeatRepo) *Ledger {
	return &Ledger{db: db, ents: ents, credits: credits, seats: seats}
}

// errDuplicateReference unwinds a transaction whose ledger insert lost a
// race on the reference key.
var errDuplicateReference = errors.New("duplicate credit reference")

// Grant adds credits to a subject.
func (l *Ledger) Grant(ctx context.Context, req GrantRequest) (*LedgerResult, error) {
	var res *LedgerResult
	err := withTx(ctx, l.db, func(tx *sql.Tx) error {
		var err error
		res, err = l.GrantTx(ctx, tx, req)
		return err
	})
	if errors.Is(err, errDuplicateReference) {
		return l.duplicateResult(ctx, req.Subject, req.ReferenceID, req.Type)
	}
	if err != nil {
		return nil, err
	}
	l.observe(res, req.Subject, req.Type, req.Amount)
	return res, nil
}

// GrantTx is Grant inside a caller-owned transaction.
func (l *Ledger) GrantTx(ctx context.Context, tx *sql.Tx, req GrantRequest) (*LedgerResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !req.Subject.Valid() {
		return nil, ErrInvalidSubject
	}
	if req.Type == "" {
		req.Type = model.TxPurchase
	}
	if !req.Type.IsGrant() {
		return nil, fmt.Errorf("grant with non-grant transaction type %q", req.Type)
	}
	if res, ok, err := l.existing(ctx, tx, req.Subject, req.ReferenceID, req.Type); err != nil || ok {
		return res, err
	}

	row := &model.CreditTransaction{
		Subject:     req.Subject,
		Amount:      req.Amount,
		Type:        req.Type,
		ReferenceID: req.ReferenceID,
		Description: req.Description,
	}
	if err := l.credits.InsertTransactionTx(ctx, tx, row); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, errDuplicateReference
		}
		return nil, err
	}

	switch req.Subject.Type {
	case model.SubjectOrganization:
		ok, err := l.ents.AddCreditsTx(ctx, tx, req.Subject.ID, req.Amount)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrEntitlementNotFound
		}
	case model.SubjectUser:
		if err := l.credits.AddUserCreditsTx(ctx, tx, req.Subject.ID, req.Amount); err != nil {
			return nil, err
		}
	}

	bal, err := l.balance(ctx, tx, req.Subject)
	if err != nil {
		return nil, err
	}
	return &LedgerResult{Transaction: row, Balance: bal}, nil
}

// Deduct consumes credits from a subject. It fails with
// ErrInsufficientCredits, leaving the balance untouched, when used+amount
// would exceed total.
func (l *Ledger) Deduct(ctx context.Context, req DeductRequest) (*LedgerResult, error) {
	var res *LedgerResult
	err := withTx(ctx, l.db, func(tx *sql.Tx) error {
		var err error
		res, err = l.DeductTx(ctx, tx, req)
		return err
	})
	if errors.Is(err, errDuplicateReference) {
		return l.duplicateResult(ctx, req.Subject, req.ReferenceID, model.TxUsage)
	}
	if err != nil {
		return nil, err
	}
	l.observe(res, req.Subject, model.TxUsage, req.Amount)
	return res, nil
}

// DeductTx is Deduct inside a caller-owned transaction.
func (l *Ledger) DeductTx(ctx context.Context, tx *sql.Tx, req DeductRequest) (*LedgerResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !req.Subject.Valid() {
		return nil, ErrInvalidSubject
	}
	if res, ok, err := l.existing(ctx, tx, req.Subject, req.ReferenceID, model.TxUsage); err != nil || ok {
		return res, err
	}

	row := &model.CreditTransaction{
		Subject:     req.Subject,
		Amount:      -req.Amount,
		Type:        model.TxUsage,
		ReferenceID: req.ReferenceID,
		Description: req.Description,
	}
	if err := l.credits.InsertTransactionTx(ctx, tx, row); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, errDuplicateReference
		}
		return nil, err
	}

	var ok bool
	var err error
	switch req.Subject.Type {
	case model.SubjectOrganization:
		ok, err = l.ents.ConsumeCreditsTx(ctx, tx, req.Subject.ID, req.Amount)
		if err == nil && !ok {
			// Distinguish a missing pool from an exhausted one.
			if _, gerr := l.ents.GetByOrg(ctx, tx, req.Subject.ID); gerr != nil {
				return nil, gerr
			}
		}
	case model.SubjectUser:
		ok, err = l.credits.ConsumeUserCreditsTx(ctx, tx, req.Subject.ID, req.Amount)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInsufficientCredits
	}

	bal, err := l.balance(ctx, tx, req.Subject)
	if err != nil {
		return nil, err
	}
	return &LedgerResult{Transaction: row, Balance: bal}, nil
}

// Balance returns a subject's cached balance.
func (l *Ledger) Balance(ctx context.Context, subject model.Subject) (model.Balance, error) {
	if !subject.Valid() {
		return model.Balance{}, ErrInvalidSubject
	}
	return l.balance(ctx, l.db, subject)
}

// History returns a subject's newest ledger rows.
func (l *Ledger) History(ctx context.Context, subject model.Subject, limit int) ([]model.CreditTransaction, error) {
	if !subject.Valid() {
		return nil, ErrInvalidSubject
	}
	return l.credits.History(ctx, l.db, subject, limit)
}

// Verify recomputes a subject's totals from its ledger rows and compares
// them with the cached balance.
func (l *Ledger) Verify(ctx context.Context, subject model.Subject) (*Verification, error) {
	cached, err := l.Balance(ctx, subject)
	if err != nil {
		return nil, err
	}
	totals, err := l.credits.Totals(ctx, l.db, subject)
	if err != nil {
		return nil, err
	}
	v := &Verification{
		Subject:    subject,
		Cached:     cached,
		Ledger:     totals,
		Consistent: cached.Total == totals.Granted && cached.Used == totals.Used,
	}
	if !v.Consistent {
		log.Warn().Str("subject", subject.String()).
			Int64("cached_total", cached.Total).Int64("ledger_granted", totals.Granted).
			Int64("cached_used", cached.Used).Int64("ledger_used", totals.Used).
			Msg("Credit balance drifted from ledger")
	}
	return v, nil
}

// ResolveSubject picks whose balance a member spends: the organization pool
// when the member holds an active seat in orgID, otherwise their own.
func (l *Ledger) ResolveSubject(ctx context.Context, orgID, member string) (model.Subject, error) {
	if member == "" {
		return model.Subject{}, ErrInvalidSubject
	}
	if orgID != "" {
		_, err := l.seats.GetActiveByMember(ctx, l.db, orgID, member)
		if err == nil {
			return model.OrgSubject(orgID), nil
		}
		if !errors.Is(err, repository.ErrSeatNotFound) {
			return model.Subject{}, err
		}
	}
	return model.UserSubject(member), nil
}

func (l *Ledger) balance(ctx context.Context, q repository.Querier, subject model.Subject) (model.Balance, error) {
	if subject.Type == model.SubjectOrganization {
		e, err := l.ents.GetByOrg(ctx, q, subject.ID)
		if err != nil {
			return model.Balance{}, err
		}
		return model.Balance{Subject: subject, Total: e.TotalCredits, Used: e.UsedCredits}, nil
	}
	return l.credits.UserBalance(ctx, q, subject.ID)
}

func (l *Ledger) existing(ctx context.Context, q repository.Querier, subject model.Subject, ref string, txType model.TransactionType) (*LedgerResult, bool, error) {
	if ref == "" {
		return nil, false, nil
	}
	row, err := l.credits.GetByReference(ctx, q, ref, txType)
	if errors.Is(err, repository.ErrTransactionNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	bal, err := l.balance(ctx, q, row.Subject)
	if err != nil && !errors.Is(err, ErrEntitlementNotFound) {
		return nil, false, err
	}
	if row.Subject != subject {
		log.Warn().Str("reference_id", ref).Str("requested", subject.String()).Str("recorded", row.Subject.String()).
			Msg("Credit reference reused for a different subject")
	}
	return &LedgerResult{Transaction: row, Balance: bal, Duplicate: true}, true, nil
}

func (l *Ledger) duplicateResult(ctx context.Context, subject model.Subject, ref string, txType model.TransactionType) (*LedgerResult, error) {
	res, ok, err := l.existing(ctx, l.db, subject, ref, txType)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("credit reference %q: %w", ref, repository.ErrConflict)
	}
	return res, nil
}

func (l *Ledger) observe(res *LedgerResult, subject model.Subject, txType model.TransactionType, amount int64) {
	if res == nil || res.Duplicate {
		return
	}
	metrics.CreditsMovedTotal.WithLabelValues(string(subject.Type), string(txType)).Add(float64(amount))
}
