// Package repository holds the SQL access layer of the ledger store. Reads
// accept a Querier so they run inside or outside a transaction; writes that
// must commit together with other writes take a *sql.Tx and carry the Tx
// suffix. Counter changes are single conditional UPDATE statements whose
// affected-row count tells the caller whether the guard held.
package repository

import "errors"

// ErrEntitlementNotFound is returned when an organization has no
// entitlement row yet. Callers that need one may run drift repair and retry.
var ErrEntitlementNotFound = errors.New("entitlement not found")

// ErrSeatNotFound is returned when no seat matches the lookup.
var ErrSeatNotFound = errors.New("seat not found")

// ErrEventNotFound is returned when an event id has never been recorded.
var ErrEventNotFound = errors.New("event not found")

// ErrTransactionNotFound is returned when no ledger row matches a reference.
var ErrTransactionNotFound = errors.New("credit transaction not found")

// ErrCustomerNotFound is returned when a billing customer is not linked to
// any organization.
var ErrCustomerNotFound = errors.New("billing customer not found")

// ErrDuplicate is returned when an insert hits a unique constraint. The
// live-seat key and the credit reference key both surface this way.
var ErrDuplicate = errors.New("duplicate")

// ErrConflict is returned when a conditional update finds the row in a state
// other than the one it expected.
var ErrConflict = errors.New("conflict")
