// Package solver derives the full {loan amount, balance requirement,
// installment} triple from whichever subset of the three the caller already
// knows. Each non-empty subset of known fields is its own scenario with its
// own closed form; the dispatch is an exhaustive switch so an unhandled
// combination cannot fall through silently.
package solver

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/sandoq/loanengine/pkg/loanmath"
	"github.com/sandoq/loanengine/pkg/models"
)

// ErrInsufficientInput is returned when no field at all is known.
var ErrInsufficientInput = errors.New("solver: at least one of loan amount, balance or installment is required")

// InconsistentInputError reports a three-input solve whose supplied
// installment disagrees with the one recomputed from loan and balance beyond
// tolerance. It carries the expected value so the caller can display it.
type InconsistentInputError struct {
	Supplied  decimal.Decimal
	Expected  decimal.Decimal
	Tolerance decimal.Decimal
}

func (e *InconsistentInputError) Error() string {
	return fmt.Sprintf("solver: supplied installment %s disagrees with expected %s (tolerance %s)",
		e.Supplied, e.Expected, e.Tolerance)
}

// Known holds the fields the caller already has. Nil means unknown.
type Known struct {
	LoanAmount  *decimal.Decimal
	Balance     *decimal.Decimal
	Installment *decimal.Decimal
}

// Adjustment discloses a figure the solver changed from what the caller
// supplied or implied, e.g. a loan capped at the maximum. Adjustments are
// user-facing data, never just dropped.
type Adjustment struct {
	Field    string          `json:"field"`
	Original decimal.Decimal `json:"original"`
	Final    decimal.Decimal `json:"final"`
}

// Result is a fully populated, internally consistent triple plus any
// adjustments made along the way. Verified is set only on a three-input
// solve whose figures agreed within tolerance.
type Result struct {
	models.LoanFigures
	Adjustments []Adjustment `json:"adjustments,omitempty"`
	Verified    bool         `json:"verified,omitempty"`
}

// scenario enumerates the non-empty subsets of {loan, balance, installment}.
type scenario int

const (
	scenarioNone scenario = iota
	scenarioLoan
	scenarioBalance
	scenarioInstallment
	scenarioLoanBalance
	scenarioLoanInstallment
	scenarioBalanceInstallment
	scenarioAll
)

func classify(k Known) scenario {
	hasLoan := k.LoanAmount != nil
	hasBalance := k.Balance != nil
	hasInstallment := k.Installment != nil
	switch {
	case hasLoan && hasBalance && hasInstallment:
		return scenarioAll
	case hasLoan && hasBalance:
		return scenarioLoanBalance
	case hasLoan && hasInstallment:
		return scenarioLoanInstallment
	case hasBalance && hasInstallment:
		return scenarioBalanceInstallment
	case hasLoan:
		return scenarioLoan
	case hasBalance:
		return scenarioBalance
	case hasInstallment:
		return scenarioInstallment
	}
	return scenarioNone
}

type Solver struct {
	terms loanmath.Terms
}

func New(terms loanmath.Terms) *Solver {
	return &Solver{terms: terms}
}

// Solve dispatches on which fields are known and returns a consistent
// triple. Any capping or recomputation is reported through
// Result.Adjustments.
func (s *Solver) Solve(known Known) (*Result, error) {
	if err := s.checkKnown(known); err != nil {
		return nil, err
	}

	switch classify(known) {
	case scenarioNone:
		return nil, ErrInsufficientInput
	case scenarioLoan:
		return s.fromLoan(*known.LoanAmount)
	case scenarioBalance:
		return s.fromBalance(*known.Balance)
	case scenarioInstallment:
		return s.fromInstallment(*known.Installment)
	case scenarioLoanBalance:
		return s.fromLoanBalance(*known.LoanAmount, *known.Balance)
	case scenarioLoanInstallment:
		return s.fromLoanInstallment(*known.LoanAmount, *known.Installment)
	case scenarioBalanceInstallment:
		return s.fromBalanceInstallment(*known.Balance, *known.Installment)
	case scenarioAll:
		return s.verifyAll(*known.LoanAmount, *known.Balance, *known.Installment)
	}
	return nil, ErrInsufficientInput
}

func (s *Solver) checkKnown(known Known) error {
	for _, v := range []*decimal.Decimal{known.LoanAmount, known.Balance, known.Installment} {
		if v == nil {
			continue
		}
		if err := loanmath.CheckPositive(*v); err != nil {
			return err
		}
	}
	return nil
}

// capLoan applies the loan cap, recording the adjustment when it bites.
func (s *Solver) capLoan(loan decimal.Decimal, adjustments []Adjustment) (decimal.Decimal, []Adjustment) {
	if loan.GreaterThan(s.terms.MaxLoanCap) {
		adjustments = append(adjustments, Adjustment{
			Field:    "loan_amount",
			Original: loan,
			Final:    s.terms.MaxLoanCap,
		})
		loan = s.terms.MaxLoanCap
	}
	return loan, adjustments
}

func (s *Solver) result(loan, balance, installment decimal.Decimal, adjustments []Adjustment, verified bool) *Result {
	return &Result{
		LoanFigures: models.LoanFigures{
			LoanAmount:              loan,
			BalanceRequirement:      balance,
			InstallmentAmount:       installment,
			InstallmentPeriodMonths: s.terms.InstallmentPeriod(loan, installment),
		},
		Adjustments: adjustments,
		Verified:    verified,
	}
}

func (s *Solver) fromLoan(loan decimal.Decimal) (*Result, error) {
	loan, adjustments := s.capLoan(loan, nil)
	balance := s.terms.RoundUpToUnit(loan.Div(s.terms.MaxBalanceMultiplier))
	installment, err := s.terms.InstallmentFor(loan, balance)
	if err != nil {
		return nil, err
	}
	return s.result(loan, balance, installment, adjustments, false), nil
}

func (s *Solver) fromBalance(balance decimal.Decimal) (*Result, error) {
	loan := balance.Mul(s.terms.MaxBalanceMultiplier)
	loan, adjustments := s.capLoan(loan, nil)
	installment, err := s.terms.InstallmentFor(loan, balance)
	if err != nil {
		return nil, err
	}
	return s.result(loan, balance, installment, adjustments, false), nil
}

// fromInstallment inverts the formula assuming the member borrows the full
// multiplier entitlement (L = multiplier * B), so
// I = ratio * (multiplier*B)^2 / B = ratio * multiplier^2 * B.
func (s *Solver) fromInstallment(installment decimal.Decimal) (*Result, error) {
	multSq := s.terms.MaxBalanceMultiplier.Mul(s.terms.MaxBalanceMultiplier)
	balance := s.terms.RoundUpToUnit(installment.Div(s.terms.InstallmentRatio.Mul(multSq)))
	loan := balance.Mul(s.terms.MaxBalanceMultiplier)
	loan, adjustments := s.capLoan(loan, nil)

	final, err := s.terms.InstallmentFor(loan, balance)
	if err != nil {
		return nil, err
	}
	// The recomputed installment can differ from the target once the loan is
	// capped or rounded; the caller must surface that, not silently keep the
	// figure the member typed in.
	if !final.Equal(installment) {
		adjustments = append(adjustments, Adjustment{
			Field:    "installment_amount",
			Original: installment,
			Final:    final,
		})
	}
	return s.result(loan, balance, final, adjustments, false), nil
}

func (s *Solver) fromLoanBalance(loan, balance decimal.Decimal) (*Result, error) {
	loan, adjustments := s.capLoan(loan, nil)
	installment, err := s.terms.InstallmentFor(loan, balance)
	if err != nil {
		return nil, err
	}
	return s.result(loan, balance, installment, adjustments, false), nil
}

func (s *Solver) fromLoanInstallment(loan, installment decimal.Decimal) (*Result, error) {
	loan, adjustments := s.capLoan(loan, nil)
	balance := s.terms.RoundUpToUnit(s.terms.InstallmentRatio.Mul(loan).Mul(loan).Div(installment))
	return s.result(loan, balance, installment, adjustments, false), nil
}

// fromBalanceInstallment solves L = sqrt(B * I / ratio). decimal has no
// square root; the float detour is harmless because the result is rounded
// down to a currency unit immediately and loans top out at the cap.
func (s *Solver) fromBalanceInstallment(balance, installment decimal.Decimal) (*Result, error) {
	radicand, _ := balance.Mul(installment).Div(s.terms.InstallmentRatio).Float64()
	loan := s.terms.RoundDownToUnit(decimal.NewFromFloat(math.Sqrt(radicand)))
	loan, adjustments := s.capLoan(loan, nil)

	final, err := s.terms.InstallmentFor(loan, balance)
	if err != nil {
		return nil, err
	}
	if !final.Equal(installment) {
		adjustments = append(adjustments, Adjustment{
			Field:    "installment_amount",
			Original: installment,
			Final:    final,
		})
	}
	return s.result(loan, balance, final, adjustments, false), nil
}

// verifyAll checks a fully supplied triple for internal consistency within
// one tolerance band (the rounding unit).
func (s *Solver) verifyAll(loan, balance, installment decimal.Decimal) (*Result, error) {
	loan, adjustments := s.capLoan(loan, nil)
	expected, err := s.terms.InstallmentFor(loan, balance)
	if err != nil {
		return nil, err
	}
	if installment.Sub(expected).Abs().GreaterThan(s.terms.RoundingUnit) {
		return nil, &InconsistentInputError{
			Supplied:  installment,
			Expected:  expected,
			Tolerance: s.terms.RoundingUnit,
		}
	}
	return s.result(loan, balance, installment, adjustments, true), nil
}
