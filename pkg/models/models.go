package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusApproved RequestStatus = "approved"
	RequestStatusRejected RequestStatus = "rejected"
)

type LoanStatus string

const (
	LoanStatusApproved  LoanStatus = "approved"
	LoanStatusCompleted LoanStatus = "completed"
)

type RepaymentStatus string

const (
	RepaymentStatusAccepted RepaymentStatus = "accepted"
	RepaymentStatusPending  RepaymentStatus = "pending"
	RepaymentStatusRejected RepaymentStatus = "rejected"
)

// Member is the persisted account record backing decision-time snapshots.
type Member struct {
	ID                     string          `json:"id"`
	Balance                decimal.Decimal `json:"balance"`
	TotalSubscriptionsPaid decimal.Decimal `json:"total_subscriptions_paid"`
	JoinedAt               time.Time       `json:"joined_at"`
	IsBlocked              bool            `json:"is_blocked"`
}

// Snapshot freezes the member's standing at decision time. The engine only
// ever sees snapshots; it never reads the member record again mid-decision.
func (m *Member) Snapshot(asOf time.Time) AccountSnapshot {
	months := 0
	if asOf.After(m.JoinedAt) {
		months = int(asOf.Sub(m.JoinedAt).Hours() / 24 / 30)
	}
	return AccountSnapshot{
		MemberID:               m.ID,
		Balance:                m.Balance,
		TotalSubscriptionsPaid: m.TotalSubscriptionsPaid,
		AccountAgeMonths:       months,
		IsBlocked:              m.IsBlocked,
	}
}

// AccountSnapshot is a read-only view of a member at decision time.
type AccountSnapshot struct {
	MemberID               string          `json:"member_id"`
	Balance                decimal.Decimal `json:"balance"`
	TotalSubscriptionsPaid decimal.Decimal `json:"total_subscriptions_paid"`
	AccountAgeMonths       int             `json:"account_age_months"`
	IsBlocked              bool            `json:"is_blocked"`
}

// LoanFigures is the mutually dependent triple derived by the solver.
// InstallmentAmount = roundUpToUnit(ratio * LoanAmount^2 / BalanceRequirement),
// floored at the configured minimum installment.
type LoanFigures struct {
	LoanAmount              decimal.Decimal `json:"loan_amount"`
	BalanceRequirement      decimal.Decimal `json:"balance_requirement"`
	InstallmentAmount       decimal.Decimal `json:"installment_amount"`
	InstallmentPeriodMonths int             `json:"installment_period_months"`
}

type LoanRequest struct {
	ID              uuid.UUID       `json:"id"`
	MemberID        string          `json:"member_id"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	SubmittedAt     time.Time       `json:"submitted_at"`
	Status          RequestStatus   `json:"status"`
	Note            string          `json:"note,omitempty"` // set on guard-driven rejections
}

type Loan struct {
	ID                      uuid.UUID       `json:"id"`
	RequestID               uuid.UUID       `json:"request_id"`
	MemberID                string          `json:"member_id"`
	Amount                  decimal.Decimal `json:"amount"`
	BalanceRequirement      decimal.Decimal `json:"balance_requirement"`
	InstallmentAmount       decimal.Decimal `json:"installment_amount"`
	InstallmentPeriodMonths int             `json:"installment_period_months"`
	Status                  LoanStatus      `json:"status"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

type Repayment struct {
	ID        uuid.UUID       `json:"id"`
	LoanID    uuid.UUID       `json:"loan_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    RepaymentStatus `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}

// OverrideRecord is an immutable audit entry for an admin approving a loan
// despite failed eligibility checks. Never updated or deleted; a correction
// is a new record referencing the same loan.
type OverrideRecord struct {
	ID            uuid.UUID `json:"id"`
	AdminID       string    `json:"admin_id"`
	MemberID      string    `json:"member_id"`
	LoanID        uuid.UUID `json:"loan_id"`
	FailedChecks  []string  `json:"failed_checks"`
	Justification string    `json:"justification"`
	CreatedAt     time.Time `json:"created_at"`
}
