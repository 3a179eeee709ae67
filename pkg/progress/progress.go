// Package progress recomputes a loan's repayment standing from its accepted
// repayments. Nothing here is cached or persisted: progress is derived fresh
// on every call so it can never disagree with the transaction record.
package progress

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sandoq/loanengine/pkg/loanmath"
	"github.com/sandoq/loanengine/pkg/models"
)

// LoanProgress is the derived repayment standing of one loan.
type LoanProgress struct {
	LoanID            uuid.UUID       `json:"loan_id"`
	LoanAmount        decimal.Decimal `json:"loan_amount"`
	InstallmentAmount decimal.Decimal `json:"installment_amount"`
	TotalPaid         decimal.Decimal `json:"total_paid"`
	RemainingAmount   decimal.Decimal `json:"remaining_amount"`
	PaidInstallments  int             `json:"paid_installments"`
	TotalInstallments int             `json:"total_installments"`
	IsCompleted       bool            `json:"is_completed"`
	Overpaid          bool            `json:"overpaid"`
	OverpaidBy        decimal.Decimal `json:"overpaid_by"`
}

type Tracker struct {
	terms loanmath.Terms
}

func NewTracker(terms loanmath.Terms) *Tracker {
	return &Tracker{terms: terms}
}

// Progress sums accepted repayments only and derives the counters.
// Completion requires both an approved (or already completed) status and
// full payment: a fully paid loan whose status was never transitioned is
// reported truthfully as not completed. Overpayment is flagged, not clamped
// away; only RemainingAmount floors at zero.
func (t *Tracker) Progress(loan models.Loan, repayments []models.Repayment) (*LoanProgress, error) {
	if err := loanmath.CheckPositive(loan.Amount); err != nil {
		return nil, err
	}

	installment := loan.InstallmentAmount
	if installment.Sign() <= 0 {
		installment = t.terms.MinInstallment
	}

	totalPaid := decimal.Zero
	for _, r := range repayments {
		if r.Status != models.RepaymentStatusAccepted {
			continue
		}
		totalPaid = totalPaid.Add(r.Amount)
	}

	remaining := loan.Amount.Sub(totalPaid)
	overpaidBy := decimal.Zero
	if remaining.Sign() < 0 {
		overpaidBy = remaining.Neg()
		remaining = decimal.Zero
	}

	fullyPaid := totalPaid.GreaterThanOrEqual(loan.Amount)
	statusOpenOrDone := loan.Status == models.LoanStatusApproved || loan.Status == models.LoanStatusCompleted

	return &LoanProgress{
		LoanID:            loan.ID,
		LoanAmount:        loan.Amount,
		InstallmentAmount: installment,
		TotalPaid:         totalPaid,
		RemainingAmount:   remaining,
		PaidInstallments:  int(totalPaid.Div(installment).Floor().IntPart()),
		TotalInstallments: int(loan.Amount.Div(installment).Ceil().IntPart()),
		IsCompleted:       fullyPaid && statusOpenOrDone,
		Overpaid:          overpaidBy.Sign() > 0,
		OverpaidBy:        overpaidBy,
	}, nil
}
