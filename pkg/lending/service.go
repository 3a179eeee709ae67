// Package lending wires the engine packages to the persistence layer: it
// evaluates and records loan requests, runs the override path on approval,
// applies guard resolutions, and tracks repayments through to completion.
package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sandoq/loanengine/pkg/cache"
	"github.com/sandoq/loanengine/pkg/eligibility"
	"github.com/sandoq/loanengine/pkg/guard"
	"github.com/sandoq/loanengine/pkg/loanmath"
	"github.com/sandoq/loanengine/pkg/models"
	"github.com/sandoq/loanengine/pkg/overrides"
	"github.com/sandoq/loanengine/pkg/progress"
	"github.com/sandoq/loanengine/pkg/solver"
	"github.com/sandoq/loanengine/pkg/store"
)

var (
	// ErrOverrideRequired is returned when an admin approves a request whose
	// verdict failed without supplying a justification.
	ErrOverrideRequired = errors.New("lending: approval requires a justification because eligibility checks failed")
	// ErrRequestNotPending is returned when approving or rejecting a request
	// that has already been decided.
	ErrRequestNotPending = errors.New("lending: loan request is not pending")
	// ErrLoanNotOpen is returned when recording a repayment against a loan
	// that is not in approved status.
	ErrLoanNotOpen = errors.New("lending: loan is not open for repayments")
	// ErrMemberHasOpenLoan is returned when approving a request for a member
	// who already holds an open loan. The one-open-loan rule is enforced by a
	// storage unique index and cannot be overridden with a justification.
	ErrMemberHasOpenLoan = errors.New("lending: member already has an open loan")
)

// Service handles the business flows around the loan engine.
type Service struct {
	storage   store.Storage
	solver    *solver.Solver
	evaluator *eligibility.Evaluator
	guard     *guard.Guard
	ledger    *overrides.Ledger
	tracker   *progress.Tracker
	figures   *cache.FiguresCache // nil disables caching
	log       *zap.SugaredLogger
}

func NewService(
	storage store.Storage,
	terms loanmath.Terms,
	rules eligibility.Rules,
	raceWindow time.Duration,
	ledger *overrides.Ledger,
	figures *cache.FiguresCache,
	log *zap.SugaredLogger,
) *Service {
	s := solver.New(terms)
	return &Service{
		storage:   storage,
		solver:    s,
		evaluator: eligibility.NewEvaluator(rules, s),
		guard:     guard.New(s, raceWindow),
		ledger:    ledger,
		tracker:   progress.NewTracker(terms),
		figures:   figures,
		log:       log,
	}
}

// Solve exposes the solver for figure previews with arbitrary known fields.
func (s *Service) Solve(known solver.Known) (*solver.Result, error) {
	return s.solver.Solve(known)
}

// MemberFigures returns the member's full entitlement figures, cached when
// a figures cache is configured.
func (s *Service) MemberFigures(ctx context.Context, memberID string) (*solver.Result, error) {
	if s.figures != nil {
		cached, err := s.figures.Get(ctx, memberID)
		if err != nil {
			s.log.Warnw("figures cache read failed", "member_id", memberID, "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	member, err := s.storage.GetMember(memberID)
	if err != nil {
		return nil, err
	}
	if member.Balance.Sign() <= 0 {
		return nil, fmt.Errorf("member %s has no balance to borrow against: %w", memberID, loanmath.ErrInvalidInput)
	}

	result, err := s.solver.Solve(solver.Known{Balance: &member.Balance})
	if err != nil {
		return nil, err
	}

	if s.figures != nil {
		if err := s.figures.Put(ctx, memberID, result); err != nil {
			s.log.Warnw("figures cache write failed", "member_id", memberID, "error", err)
		}
	}
	return result, nil
}

// SubmitLoanRequest evaluates and records a member's loan request. The
// request is persisted pending even when the verdict fails, so the admin
// surface can later approve it through the override path.
func (s *Service) SubmitLoanRequest(ctx context.Context, memberID string, amount decimal.Decimal) (*models.LoanRequest, *eligibility.Verdict, error) {
	member, err := s.storage.GetMember(memberID)
	if err != nil {
		return nil, nil, err
	}
	open, err := s.storage.GetOpenLoanForMember(memberID)
	if err != nil {
		return nil, nil, err
	}

	verdict, err := s.evaluator.Evaluate(member.Snapshot(time.Now()), amount, open != nil)
	if err != nil {
		return nil, nil, err
	}

	req := &models.LoanRequest{
		ID:              uuid.New(),
		MemberID:        memberID,
		RequestedAmount: amount,
		SubmittedAt:     time.Now(),
		Status:          models.RequestStatusPending,
	}
	if err := s.storage.CreateLoanRequest(req); err != nil {
		return nil, nil, fmt.Errorf("failed to store loan request: %w", err)
	}

	s.log.Infow("loan request submitted",
		"request_id", req.ID, "member_id", memberID, "amount", amount, "passed", verdict.OverallPass)
	return req, verdict, nil
}

// ApproveLoanRequest turns a pending request into an approved loan. The
// verdict is re-evaluated against a fresh snapshot; if it fails, the
// approval needs a justification and an override record is written before
// any status changes.
func (s *Service) ApproveLoanRequest(ctx context.Context, requestID uuid.UUID, adminID, justification string) (*models.Loan, *eligibility.Verdict, error) {
	req, err := s.storage.GetLoanRequest(requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.Status != models.RequestStatusPending {
		return nil, nil, ErrRequestNotPending
	}

	member, err := s.storage.GetMember(req.MemberID)
	if err != nil {
		return nil, nil, err
	}
	open, err := s.storage.GetOpenLoanForMember(req.MemberID)
	if err != nil {
		return nil, nil, err
	}

	verdict, err := s.evaluator.Evaluate(member.Snapshot(time.Now()), req.RequestedAmount, open != nil)
	if err != nil {
		return nil, nil, err
	}

	figures, err := s.solver.Solve(solver.Known{LoanAmount: &req.RequestedAmount})
	if err != nil {
		return nil, nil, err
	}

	loanID := uuid.New()
	if !verdict.OverallPass {
		if justification == "" {
			return nil, verdict, ErrOverrideRequired
		}
		// The storage index rejects a second open loan no matter the
		// justification, so refuse here rather than record an override for a
		// loan that cannot exist.
		if open != nil {
			return nil, verdict, ErrMemberHasOpenLoan
		}
		rec, err := s.ledger.Record(adminID, req.MemberID, loanID, verdict.FailedChecks(), justification)
		if err != nil {
			return nil, verdict, err
		}
		s.log.Infow("override recorded",
			"override_id", rec.ID, "loan_id", loanID, "admin_id", adminID, "failed_checks", rec.FailedChecks)
	}

	now := time.Now()
	loan := &models.Loan{
		ID:                      loanID,
		RequestID:               req.ID,
		MemberID:                req.MemberID,
		Amount:                  figures.LoanAmount,
		BalanceRequirement:      figures.BalanceRequirement,
		InstallmentAmount:       figures.InstallmentAmount,
		InstallmentPeriodMonths: figures.InstallmentPeriodMonths,
		Status:                  models.LoanStatusApproved,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := s.storage.CreateLoan(loan); err != nil {
		// A concurrent approval can land between the open-loan check and the
		// insert; the unique index is the backstop.
		if store.IsOpenLoanConflict(err) {
			return nil, verdict, ErrMemberHasOpenLoan
		}
		return nil, verdict, fmt.Errorf("failed to store loan: %w", err)
	}
	if err := s.storage.UpdateRequestStatus(req.ID, models.RequestStatusApproved, ""); err != nil {
		return nil, verdict, fmt.Errorf("failed to update request status: %w", err)
	}

	s.log.Infow("loan approved",
		"loan_id", loan.ID, "member_id", loan.MemberID, "amount", loan.Amount, "overridden", !verdict.OverallPass)
	return loan, verdict, nil
}

// RejectLoanRequest marks a pending request rejected with a note.
func (s *Service) RejectLoanRequest(ctx context.Context, requestID uuid.UUID, note string) error {
	req, err := s.storage.GetLoanRequest(requestID)
	if err != nil {
		return err
	}
	if req.Status != models.RequestStatusPending {
		return ErrRequestNotPending
	}
	return s.storage.UpdateRequestStatus(requestID, models.RequestStatusRejected, note)
}

// ScanPendingRequests runs the guard over every member's pending set.
func (s *Service) ScanPendingRequests(ctx context.Context) ([]guard.Alert, error) {
	byMember, err := s.storage.GetPendingRequestsByMember()
	if err != nil {
		return nil, err
	}

	balances := make(map[string]decimal.Decimal, len(byMember))
	for memberID := range byMember {
		member, err := s.storage.GetMember(memberID)
		if err != nil {
			// A vanished member still deserves an alert; report zero entitlement.
			s.log.Warnw("member lookup failed during scan", "member_id", memberID, "error", err)
			continue
		}
		balances[memberID] = member.Balance
	}

	return s.guard.Scan(byMember, balances), nil
}

// ResolveAlert applies a guard resolution through the persistence layer.
// An empty keep set means oldest-wins; otherwise the named requests are kept
// and the rest rejected.
func (s *Service) ResolveAlert(ctx context.Context, alert guard.Alert, keep []uuid.UUID) ([]guard.Transition, error) {
	var transitions []guard.Transition
	if len(keep) == 0 {
		transitions = s.guard.ResolveKeepOldest(alert)
	} else {
		transitions = s.guard.ResolveManual(alert, keep)
	}

	for _, tr := range transitions {
		if err := s.storage.UpdateRequestStatus(tr.RequestID, tr.NewStatus, tr.Note); err != nil {
			return nil, fmt.Errorf("failed to apply transition for request %s: %w", tr.RequestID, err)
		}
	}

	s.log.Infow("multi-request alert resolved",
		"member_id", alert.MemberID, "rejected", len(transitions), "severity", alert.Severity)
	return transitions, nil
}

// RecordRepayment stores an accepted repayment and recomputes the loan's
// progress, transitioning the loan to completed once fully paid.
func (s *Service) RecordRepayment(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal) (*progress.LoanProgress, error) {
	if err := loanmath.CheckPositive(amount); err != nil {
		return nil, err
	}

	loan, err := s.storage.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != models.LoanStatusApproved {
		return nil, ErrLoanNotOpen
	}

	repayment := &models.Repayment{
		ID:        uuid.New(),
		LoanID:    loan.ID,
		Amount:    amount,
		Status:    models.RepaymentStatusAccepted,
		Timestamp: time.Now(),
	}
	if err := s.storage.CreateRepayment(repayment); err != nil {
		return nil, fmt.Errorf("failed to store repayment: %w", err)
	}

	prog, err := s.loanProgress(loan)
	if err != nil {
		return nil, err
	}

	if prog.IsCompleted && loan.Status == models.LoanStatusApproved {
		loan.Status = models.LoanStatusCompleted
		loan.UpdatedAt = time.Now()
		if err := s.storage.UpdateLoan(loan); err != nil {
			return nil, fmt.Errorf("failed to complete loan: %w", err)
		}
		s.log.Infow("loan completed", "loan_id", loan.ID, "member_id", loan.MemberID)
	}

	if s.figures != nil {
		if err := s.figures.Invalidate(ctx, loan.MemberID); err != nil {
			s.log.Warnw("figures cache invalidation failed", "member_id", loan.MemberID, "error", err)
		}
	}
	return prog, nil
}

// LoanProgress recomputes a loan's repayment standing.
func (s *Service) LoanProgress(ctx context.Context, loanID uuid.UUID) (*progress.LoanProgress, error) {
	loan, err := s.storage.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	return s.loanProgress(loan)
}

func (s *Service) loanProgress(loan *models.Loan) (*progress.LoanProgress, error) {
	stored, err := s.storage.GetRepaymentsForLoan(loan.ID)
	if err != nil {
		return nil, err
	}
	repayments := make([]models.Repayment, 0, len(stored))
	for _, p := range stored {
		repayments = append(repayments, *p)
	}
	return s.tracker.Progress(*loan, repayments)
}

// OverridesForLoan lists the audit trail behind a loan's approval.
func (s *Service) OverridesForLoan(loanID uuid.UUID) ([]models.OverrideRecord, error) {
	return s.ledger.ForLoan(loanID)
}

// RequestsForMember lists a member's loan requests, oldest first.
func (s *Service) RequestsForMember(ctx context.Context, memberID string) ([]*models.LoanRequest, error) {
	return s.storage.GetRequestsForMember(memberID)
}

// UpsertMember stores an account record.
func (s *Service) UpsertMember(ctx context.Context, m *models.Member) error {
	if err := s.storage.UpsertMember(m); err != nil {
		return err
	}
	// The member's standing changed; cached figures are stale.
	if s.figures != nil {
		if err := s.figures.Invalidate(ctx, m.ID); err != nil {
			s.log.Warnw("figures cache invalidation failed", "member_id", m.ID, "error", err)
		}
	}
	return nil
}

// GetMember retrieves an account record.
func (s *Service) GetMember(ctx context.Context, id string) (*models.Member, error) {
	return s.storage.GetMember(id)
}
