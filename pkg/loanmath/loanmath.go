// Package loanmath holds the pure arithmetic behind the loan engine: rounding
// to currency units, the quadratic installment formula and the repayment
// period estimate. Everything here is stateless; policy thresholds come in
// through Terms.
package loanmath

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// MinPeriodMonths is the shortest repayment period ever quoted.
	MinPeriodMonths = 6
	// DefaultPeriodMonths is quoted when loan or installment is unknown.
	DefaultPeriodMonths = 24
)

// ErrInvalidInput is returned for zero or negative amounts.
var ErrInvalidInput = errors.New("loanmath: amount must be positive")

// Terms carries the fund's lending constants.
type Terms struct {
	MaxLoanCap           decimal.Decimal
	MaxBalanceMultiplier decimal.Decimal
	InstallmentRatio     decimal.Decimal
	MinInstallment       decimal.Decimal
	RoundingUnit         decimal.Decimal
}

// DefaultTerms returns the fund's standard constants: loans cap at 10,000,
// a member may borrow up to 3x balance, and the installment ratio is 0.02/3.
func DefaultTerms() Terms {
	return Terms{
		MaxLoanCap:           decimal.NewFromInt(10000),
		MaxBalanceMultiplier: decimal.NewFromInt(3),
		InstallmentRatio:     decimal.RequireFromString("0.006667"),
		MinInstallment:       decimal.NewFromInt(20),
		RoundingUnit:         decimal.NewFromInt(5),
	}
}

// Validate rejects terms that would make the formulas degenerate.
func (t Terms) Validate() error {
	for name, v := range map[string]decimal.Decimal{
		"max_loan_cap":           t.MaxLoanCap,
		"max_balance_multiplier": t.MaxBalanceMultiplier,
		"installment_ratio":      t.InstallmentRatio,
		"min_installment":        t.MinInstallment,
		"rounding_unit":          t.RoundingUnit,
	} {
		if v.Sign() <= 0 {
			return fmt.Errorf("loanmath: term %s must be positive, got %s", name, v)
		}
	}
	return nil
}

// CheckPositive verifies every value is strictly positive.
func CheckPositive(values ...decimal.Decimal) error {
	for _, v := range values {
		if v.Sign() <= 0 {
			return fmt.Errorf("%w: got %s", ErrInvalidInput, v)
		}
	}
	return nil
}

// RoundUpToUnit rounds x up to the nearest multiple of the rounding unit.
func (t Terms) RoundUpToUnit(x decimal.Decimal) decimal.Decimal {
	return x.Div(t.RoundingUnit).Ceil().Mul(t.RoundingUnit)
}

// RoundDownToUnit rounds x down to the nearest multiple of the rounding unit.
func (t Terms) RoundDownToUnit(x decimal.Decimal) decimal.Decimal {
	return x.Div(t.RoundingUnit).Floor().Mul(t.RoundingUnit)
}

// InstallmentFor computes the periodic installment for a loan against a
// balance requirement: roundUp(ratio * loan^2 / balance), floored at the
// minimum installment.
func (t Terms) InstallmentFor(loan, balance decimal.Decimal) (decimal.Decimal, error) {
	if err := CheckPositive(loan, balance); err != nil {
		return decimal.Zero, err
	}
	raw := t.InstallmentRatio.Mul(loan).Mul(loan).Div(balance)
	installment := t.RoundUpToUnit(raw)
	if installment.LessThan(t.MinInstallment) {
		installment = t.MinInstallment
	}
	return installment, nil
}

// InstallmentPeriod estimates the repayment period in months: ceil(loan /
// installment) with a floor of MinPeriodMonths. When either figure is not yet
// known it falls back to DefaultPeriodMonths.
func (t Terms) InstallmentPeriod(loan, installment decimal.Decimal) int {
	if loan.Sign() <= 0 || installment.Sign() <= 0 {
		return DefaultPeriodMonths
	}
	months := int(loan.Div(installment).Ceil().IntPart())
	if months < MinPeriodMonths {
		months = MinPeriodMonths
	}
	return months
}
