// Package eligibility evaluates a loan request against the fund's business
// rules. Every check runs independently and is reported individually; a
// failing check is a result, not an error. The evaluator is pure given its
// inputs and performs no I/O.
package eligibility

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sandoq/loanengine/pkg/loanmath"
	"github.com/sandoq/loanengine/pkg/models"
	"github.com/sandoq/loanengine/pkg/solver"
)

type CheckID string

const (
	CheckNotBlocked      CheckID = "not_blocked"
	CheckMinimumBalance  CheckID = "minimum_balance"
	CheckSubscription    CheckID = "subscription_requirement"
	CheckWithinMaxLoan   CheckID = "within_max_loan"
	CheckNoActiveLoan    CheckID = "no_active_loan"
)

// CheckOrder is the order checks appear in every verdict.
var CheckOrder = []CheckID{
	CheckNotBlocked,
	CheckMinimumBalance,
	CheckSubscription,
	CheckWithinMaxLoan,
	CheckNoActiveLoan,
}

// InvalidAccountSnapshotError marks a malformed snapshot, the only error a
// normal evaluation can produce.
type InvalidAccountSnapshotError struct {
	Field  string
	Reason string
}

func (e *InvalidAccountSnapshotError) Error() string {
	return fmt.Sprintf("eligibility: invalid account snapshot: %s %s", e.Field, e.Reason)
}

type CheckResult struct {
	ID     CheckID `json:"check_id"`
	Passed bool    `json:"passed"`
	Detail string  `json:"detail"`
}

// Verdict is the full evaluation outcome. MaxAllowedLoan is always
// populated, pass or fail, so the member surface can show what would be
// allowed.
type Verdict struct {
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	Checks          []CheckResult   `json:"checks"`
	OverallPass     bool            `json:"overall_pass"`
	MaxAllowedLoan  decimal.Decimal `json:"max_allowed_loan"`
}

// FailedChecks returns the identifiers of every failed check, in order.
func (v *Verdict) FailedChecks() []CheckID {
	var failed []CheckID
	for _, c := range v.Checks {
		if !c.Passed {
			failed = append(failed, c.ID)
		}
	}
	return failed
}

// Rules carries the configurable eligibility thresholds.
type Rules struct {
	MinimumBalance                   decimal.Decimal
	RequiredSubscriptionAmount       decimal.Decimal
	RequiredSubscriptionPeriodMonths int
}

func DefaultRules() Rules {
	return Rules{
		MinimumBalance:                   decimal.NewFromInt(100),
		RequiredSubscriptionAmount:       decimal.NewFromInt(200),
		RequiredSubscriptionPeriodMonths: 12,
	}
}

type Evaluator struct {
	rules  Rules
	solver *solver.Solver
}

func NewEvaluator(rules Rules, s *solver.Solver) *Evaluator {
	return &Evaluator{rules: rules, solver: s}
}

// Evaluate runs every check against the snapshot and the requested amount.
// hasActiveLoan is supplied by the caller; the evaluator never queries
// storage itself, so it can only be as fresh as the snapshot it is handed.
func (e *Evaluator) Evaluate(acct models.AccountSnapshot, requested decimal.Decimal, hasActiveLoan bool) (*Verdict, error) {
	if err := validateSnapshot(acct); err != nil {
		return nil, err
	}
	if err := loanmath.CheckPositive(requested); err != nil {
		return nil, err
	}

	maxAllowed, err := e.maxAllowedLoan(acct.Balance)
	if err != nil {
		return nil, err
	}

	verdict := &Verdict{
		RequestedAmount: requested,
		MaxAllowedLoan:  maxAllowed,
	}

	for _, id := range CheckOrder {
		var result CheckResult
		switch id {
		case CheckNotBlocked:
			result = e.checkNotBlocked(acct)
		case CheckMinimumBalance:
			result = e.checkMinimumBalance(acct)
		case CheckSubscription:
			result = e.checkSubscription(acct)
		case CheckWithinMaxLoan:
			result = e.checkWithinMaxLoan(requested, maxAllowed)
		case CheckNoActiveLoan:
			result = e.checkNoActiveLoan(hasActiveLoan)
		}
		verdict.Checks = append(verdict.Checks, result)
	}

	verdict.OverallPass = true
	for _, c := range verdict.Checks {
		if !c.Passed {
			verdict.OverallPass = false
			break
		}
	}
	return verdict, nil
}

func validateSnapshot(acct models.AccountSnapshot) error {
	if acct.MemberID == "" {
		return &InvalidAccountSnapshotError{Field: "member_id", Reason: "is empty"}
	}
	if acct.Balance.Sign() < 0 {
		return &InvalidAccountSnapshotError{Field: "balance", Reason: "is negative"}
	}
	if acct.TotalSubscriptionsPaid.Sign() < 0 {
		return &InvalidAccountSnapshotError{Field: "total_subscriptions_paid", Reason: "is negative"}
	}
	if acct.AccountAgeMonths < 0 {
		return &InvalidAccountSnapshotError{Field: "account_age_months", Reason: "is negative"}
	}
	return nil
}

func (e *Evaluator) maxAllowedLoan(balance decimal.Decimal) (decimal.Decimal, error) {
	if balance.Sign() <= 0 {
		return decimal.Zero, nil
	}
	figures, err := e.solver.Solve(solver.Known{Balance: &balance})
	if err != nil {
		return decimal.Zero, err
	}
	return figures.LoanAmount, nil
}

func (e *Evaluator) checkNotBlocked(acct models.AccountSnapshot) CheckResult {
	if acct.IsBlocked {
		return CheckResult{ID: CheckNotBlocked, Detail: "account is blocked"}
	}
	return CheckResult{ID: CheckNotBlocked, Passed: true, Detail: "account is in good standing"}
}

func (e *Evaluator) checkMinimumBalance(acct models.AccountSnapshot) CheckResult {
	if acct.Balance.LessThan(e.rules.MinimumBalance) {
		return CheckResult{
			ID:     CheckMinimumBalance,
			Detail: fmt.Sprintf("balance %s below required minimum %s", acct.Balance, e.rules.MinimumBalance),
		}
	}
	return CheckResult{
		ID:     CheckMinimumBalance,
		Passed: true,
		Detail: fmt.Sprintf("balance %s meets minimum %s", acct.Balance, e.rules.MinimumBalance),
	}
}

// checkSubscription enforces the cumulative amount threshold only; the
// collaborator supplying the snapshot is responsible for windowing payments
// to the configured period.
func (e *Evaluator) checkSubscription(acct models.AccountSnapshot) CheckResult {
	if acct.TotalSubscriptionsPaid.LessThan(e.rules.RequiredSubscriptionAmount) {
		return CheckResult{
			ID: CheckSubscription,
			Detail: fmt.Sprintf("subscriptions %s below required %s over %d months",
				acct.TotalSubscriptionsPaid, e.rules.RequiredSubscriptionAmount, e.rules.RequiredSubscriptionPeriodMonths),
		}
	}
	return CheckResult{
		ID:     CheckSubscription,
		Passed: true,
		Detail: fmt.Sprintf("subscriptions %s meet required %s", acct.TotalSubscriptionsPaid, e.rules.RequiredSubscriptionAmount),
	}
}

func (e *Evaluator) checkWithinMaxLoan(requested, maxAllowed decimal.Decimal) CheckResult {
	if requested.GreaterThan(maxAllowed) {
		return CheckResult{
			ID:     CheckWithinMaxLoan,
			Detail: fmt.Sprintf("requested %s exceeds maximum allowed %s", requested, maxAllowed),
		}
	}
	return CheckResult{
		ID:     CheckWithinMaxLoan,
		Passed: true,
		Detail: fmt.Sprintf("requested %s within maximum allowed %s", requested, maxAllowed),
	}
}

func (e *Evaluator) checkNoActiveLoan(hasActiveLoan bool) CheckResult {
	if hasActiveLoan {
		return CheckResult{ID: CheckNoActiveLoan, Detail: "member already has an unpaid approved loan"}
	}
	return CheckResult{ID: CheckNoActiveLoan, Passed: true, Detail: "no open loan on record"}
}
