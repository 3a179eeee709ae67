package store

import (
	"errors"

	"github.com/google/uuid"

	"github.com/sandoq/loanengine/pkg/models"
)

var (
	ErrMemberNotFound  = errors.New("member not found")
	ErrRequestNotFound = errors.New("loan request not found")
	ErrLoanNotFound    = errors.New("loan not found")
)

// Storage defines the persistence operations the lending service depends
// on. The engine packages themselves never touch it; they only see
// snapshots.
type Storage interface {
	UpsertMember(m *models.Member) error
	GetMember(id string) (*models.Member, error)

	CreateLoanRequest(r *models.LoanRequest) error
	GetLoanRequest(id uuid.UUID) (*models.LoanRequest, error)
	GetRequestsForMember(memberID string) ([]*models.LoanRequest, error)
	// GetPendingRequestsByMember returns every pending request grouped by
	// member, the guard's scan input.
	GetPendingRequestsByMember() (map[string][]models.LoanRequest, error)
	UpdateRequestStatus(id uuid.UUID, status models.RequestStatus, note string) error

	CreateLoan(l *models.Loan) error
	GetLoan(id uuid.UUID) (*models.Loan, error)
	UpdateLoan(l *models.Loan) error
	// GetOpenLoanForMember returns the member's approved, not yet completed
	// loan, or nil when there is none.
	GetOpenLoanForMember(memberID string) (*models.Loan, error)

	CreateRepayment(p *models.Repayment) error
	GetRepaymentsForLoan(loanID uuid.UUID) ([]*models.Repayment, error)

	Close() error
}
