package model

import (
	"fmt"
	"time"
)

// SubjectType says whose balance a credit movement touches.
type SubjectType string

const (
	SubjectUser         SubjectType = "user"
	SubjectOrganization SubjectType = "organization"
)

// Subject identifies a credit balance: an organization pool or a member's
// personal balance.
type Subject struct {
	Type SubjectType `json:"type"`
	ID   string      `json:"id"`
}

// OrgSubject returns the pool subject of an organization.
func OrgSubject(orgID string) Subject { return Subject{Type: SubjectOrganization, ID: orgID} }

// UserSubject returns the personal subject of a member.
func UserSubject(userID string) Subject { return Subject{Type: SubjectUser, ID: userID} }

func (s Subject) String() string { return fmt.Sprintf("%s:%s", s.Type, s.ID) }

// Valid reports whether the subject names a known type and a non-empty id.
func (s Subject) Valid() bool {
	return (s.Type == SubjectUser || s.Type == SubjectOrganization) && s.ID != ""
}

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxPurchase  TransactionType = "purchase"
	TxRecurring TransactionType = "recurring"
	TxBonus     TransactionType = "bonus"
	TxUsage     TransactionType = "usage"
	TxRefund    TransactionType = "refund"
)

// IsGrant reports whether the type adds credits.
func (t TransactionType) IsGrant() bool {
	switch t {
	case TxPurchase, TxRecurring, TxBonus, TxRefund:
		return true
	}
	return false
}

// CreditTransaction is one append-only ledger row. Amount is positive for
// grants and negative for usage.
type CreditTransaction struct {
	ID          string          `json:"id"`
	Subject     Subject         `json:"subject"`
	Amount      int64           `json:"amount"`
	Type        TransactionType `json:"transaction_type"`
	ReferenceID string          `json:"reference_id,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Balance is the cached total and used credits of a subject.
type Balance struct {
	Subject Subject `json:"subject"`
	Total   int64   `json:"total_credits"`
	Used    int64   `json:"used_credits"`
}

// Remaining is Total minus Used.
func (b Balance) Remaining() int64 { return b.Total - b.Used }
