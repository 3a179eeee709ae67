// Package overrides records admin decisions to approve a loan despite
// failed eligibility checks. Records are append-only: a mistake is corrected
// by a new record referencing the same loan, never by editing the old one,
// so "why was this non-compliant loan approved" stays answerable.
package overrides

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sandoq/loanengine/pkg/eligibility"
	"github.com/sandoq/loanengine/pkg/models"
)

// ErrMissingJustification is returned when the justification text is empty
// or whitespace. Every override needs a human reason on record.
var ErrMissingJustification = errors.New("overrides: justification is required")

// Store is the append-only persistence contract. There is deliberately no
// update or delete operation.
type Store interface {
	Append(rec *models.OverrideRecord) error
	ListForLoan(loanID uuid.UUID) ([]models.OverrideRecord, error)
	ListAll() ([]models.OverrideRecord, error)
	Close() error
}

type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Record writes one override entry. failedChecks may be empty: an admin can
// file a justification for an approval that merely looked irregular, and
// "nothing bypassed" is a valid answer.
func (l *Ledger) Record(adminID, memberID string, loanID uuid.UUID, failedChecks []eligibility.CheckID, justification string) (*models.OverrideRecord, error) {
	if strings.TrimSpace(justification) == "" {
		return nil, ErrMissingJustification
	}
	if adminID == "" {
		return nil, fmt.Errorf("overrides: admin id is required")
	}
	if memberID == "" {
		return nil, fmt.Errorf("overrides: member id is required")
	}
	if loanID == uuid.Nil {
		return nil, fmt.Errorf("overrides: loan id is required")
	}

	checks := make([]string, 0, len(failedChecks))
	for _, c := range failedChecks {
		checks = append(checks, string(c))
	}

	rec := &models.OverrideRecord{
		ID:            uuid.New(),
		AdminID:       adminID,
		MemberID:      memberID,
		LoanID:        loanID,
		FailedChecks:  checks,
		Justification: justification,
		CreatedAt:     time.Now().UTC(),
	}
	if err := l.store.Append(rec); err != nil {
		return nil, fmt.Errorf("failed to append override record: %w", err)
	}
	return rec, nil
}

// ForLoan returns every override ever filed for a loan, oldest first.
func (l *Ledger) ForLoan(loanID uuid.UUID) ([]models.OverrideRecord, error) {
	return l.store.ListForLoan(loanID)
}

// All returns the full audit trail, oldest first.
func (l *Ledger) All() ([]models.OverrideRecord, error) {
	return l.store.ListAll()
}
