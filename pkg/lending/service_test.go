package lending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sandoq/loanengine/pkg/eligibility"
	"github.com/sandoq/loanengine/pkg/guard"
	"github.com/sandoq/loanengine/pkg/loanmath"
	"github.com/sandoq/loanengine/pkg/models"
	"github.com/sandoq/loanengine/pkg/overrides"
	"github.com/sandoq/loanengine/pkg/store"
)

// MockStore is a simple in-memory implementation of the Storage interface
// for testing.
type MockStore struct {
	members       map[string]*models.Member
	requests      map[uuid.UUID]*models.LoanRequest
	loans         map[uuid.UUID]*models.Loan
	repayments    []*models.Repayment
	createLoanErr error // forced CreateLoan failure
}

func NewMockStore() *MockStore {
	return &MockStore{
		members:  make(map[string]*models.Member),
		requests: make(map[uuid.UUID]*models.LoanRequest),
		loans:    make(map[uuid.UUID]*models.Loan),
	}
}

func (m *MockStore) UpsertMember(member *models.Member) error {
	m.members[member.ID] = member
	return nil
}

func (m *MockStore) GetMember(id string) (*models.Member, error) {
	member, ok := m.members[id]
	if !ok {
		return nil, store.ErrMemberNotFound
	}
	return member, nil
}

func (m *MockStore) CreateLoanRequest(r *models.LoanRequest) error {
	m.requests[r.ID] = r
	return nil
}

func (m *MockStore) GetLoanRequest(id uuid.UUID) (*models.LoanRequest, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, store.ErrRequestNotFound
	}
	return r, nil
}

func (m *MockStore) GetRequestsForMember(memberID string) ([]*models.LoanRequest, error) {
	requests := []*models.LoanRequest{}
	for _, r := range m.requests {
		if r.MemberID == memberID {
			requests = append(requests, r)
		}
	}
	return requests, nil
}

func (m *MockStore) GetPendingRequestsByMember() (map[string][]models.LoanRequest, error) {
	byMember := make(map[string][]models.LoanRequest)
	for _, r := range m.requests {
		if r.Status == models.RequestStatusPending {
			byMember[r.MemberID] = append(byMember[r.MemberID], *r)
		}
	}
	return byMember, nil
}

func (m *MockStore) UpdateRequestStatus(id uuid.UUID, status models.RequestStatus, note string) error {
	r, ok := m.requests[id]
	if !ok {
		return store.ErrRequestNotFound
	}
	r.Status = status
	r.Note = note
	return nil
}

func (m *MockStore) CreateLoan(l *models.Loan) error {
	if m.createLoanErr != nil {
		return m.createLoanErr
	}
	m.loans[l.ID] = l
	return nil
}

func (m *MockStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	l, ok := m.loans[id]
	if !ok {
		return nil, store.ErrLoanNotFound
	}
	return l, nil
}

func (m *MockStore) UpdateLoan(l *models.Loan) error {
	m.loans[l.ID] = l
	return nil
}

func (m *MockStore) GetOpenLoanForMember(memberID string) (*models.Loan, error) {
	for _, l := range m.loans {
		if l.MemberID == memberID && l.Status == models.LoanStatusApproved {
			return l, nil
		}
	}
	return nil, nil
}

func (m *MockStore) CreateRepayment(p *models.Repayment) error {
	m.repayments = append(m.repayments, p)
	return nil
}

func (m *MockStore) GetRepaymentsForLoan(loanID uuid.UUID) ([]*models.Repayment, error) {
	repayments := []*models.Repayment{}
	for _, p := range m.repayments {
		if p.LoanID == loanID {
			repayments = append(repayments, p)
		}
	}
	return repayments, nil
}

func (m *MockStore) Close() error {
	return nil
}

// memAuditStore is an in-memory overrides.Store for tests.
type memAuditStore struct {
	records []models.OverrideRecord
}

func (m *memAuditStore) Append(rec *models.OverrideRecord) error {
	m.records = append(m.records, *rec)
	return nil
}

func (m *memAuditStore) ListForLoan(loanID uuid.UUID) ([]models.OverrideRecord, error) {
	records := []models.OverrideRecord{}
	for _, r := range m.records {
		if r.LoanID == loanID {
			records = append(records, r)
		}
	}
	return records, nil
}

func (m *memAuditStore) ListAll() ([]models.OverrideRecord, error) {
	return m.records, nil
}

func (m *memAuditStore) Close() error { return nil }

func newTestService(mock *MockStore, audit *memAuditStore) *Service {
	return NewService(
		mock,
		loanmath.DefaultTerms(),
		eligibility.DefaultRules(),
		guard.DefaultRaceWindow,
		overrides.NewLedger(audit),
		nil, // no figures cache
		zap.NewNop().Sugar(),
	)
}

func seedMember(mock *MockStore, id string, balance int64) {
	mock.UpsertMember(&models.Member{
		ID:                     id,
		Balance:                decimal.NewFromInt(balance),
		TotalSubscriptionsPaid: decimal.NewFromInt(600),
		JoinedAt:               time.Now().AddDate(-1, 0, 0),
	})
}

func TestSubmitLoanRequestPassing(t *testing.T) {
	mock := NewMockStore()
	seedMember(mock, "m-100", 2000)
	svc := newTestService(mock, &memAuditStore{})

	req, verdict, err := svc.SubmitLoanRequest(context.Background(), "m-100", decimal.NewFromInt(3000))
	if err != nil {
		t.Fatalf("Failed to submit request: %v", err)
	}

	if !verdict.OverallPass {
		t.Errorf("Expected verdict to pass, failed checks: %v", verdict.FailedChecks())
	}
	if req.Status != models.RequestStatusPending {
		t.Errorf("Expected status pending, got %s", req.Status)
	}
	if len(mock.requests) != 1 {
		t.Errorf("Expected 1 stored request, got %d", len(mock.requests))
	}
}

func TestSubmitLoanRequestFailingStillPersists(t *testing.T) {
	mock := NewMockStore()
	seedMember(mock, "m-100", 2000)
	svc := newTestService(mock, &memAuditStore{})

	// Balance 2000 entitles 6000; asking for 7000 fails within_max_loan.
	req, verdict, err := svc.SubmitLoanRequest(context.Background(), "m-100", decimal.NewFromInt(7000))
	if err != nil {
		t.Fatalf("Failed to submit request: %v", err)
	}

	if verdict.OverallPass {
		t.Error("Expected verdict to fail")
	}
	if req.Status != models.RequestStatusPending {
		t.Errorf("Expected failing request to still be persisted pending, got %s", req.Status)
	}
}

func TestApproveLoanRequestCleanPath(t *testing.T) {
	mock := NewMockStore()
	seedMember(mock, "m-100", 2000)
	audit := &memAuditStore{}
	svc := newTestService(mock, audit)
	ctx := context.Background()

	req, _, err := svc.SubmitLoanRequest(ctx, "m-100", decimal.NewFromInt(3000))
	if err != nil {
		t.Fatalf("Failed to submit request: %v", err)
	}

	loan, verdict, err := svc.ApproveLoanRequest(ctx, req.ID, "admin-1", "")
	if err != nil {
		t.Fatalf("Failed to approve request: %v", err)
	}

	if !verdict.OverallPass {
		t.Errorf("Expected clean verdict, failed checks: %v", verdict.FailedChecks())
	}
	if loan.Status != models.LoanStatusApproved {
		t.Errorf("Expected loan status approved, got %s", loan.Status)
	}
	if !loan.Amount.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("Expected loan amount 3000, got %s", loan.Amount)
	}
	if !loan.BalanceRequirement.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Expected balance requirement 1000, got %s", loan.BalanceRequirement)
	}
	if len(audit.records) != 0 {
		t.Errorf("Clean approval must not write override records, got %d", len(audit.records))
	}
	if mock.requests[req.ID].Status != models.RequestStatusApproved {
		t.Errorf("Expected request flipped to approved, got %s", mock.requests[req.ID].Status)
	}
}

func TestApproveFailingRequestRequiresOverride(t *testing.T) {
	mock := NewMockStore()
	seedMember(mock, "m-100", 2000)
	audit := &memAuditStore{}
	svc := newTestService(mock, audit)
	ctx := context.Background()

	req, _, err := svc.SubmitLoanRequest(ctx, "m-100", decimal.NewFromInt(7000))
	if err != nil {
		t.Fatalf("Failed to submit request: %v", err)
	}

	// No justification: refused, nothing mutated.
	_, verdict, err := svc.ApproveLoanRequest(ctx, req.ID, "admin-1", "")
	if err != ErrOverrideRequired {
		t.Fatalf("Expected ErrOverrideRequired, got %v", err)
	}
	if verdict == nil || verdict.OverallPass {
		t.Error("Expected a failing verdict alongside the error")
	}
	if mock.requests[req.ID].Status != models.RequestStatusPending {
		t.Error("Request must stay pending after a refused approval")
	}
	if len(audit.records) != 0 {
		t.Error("No override record may exist for a refused approval")
	}

	// With justification: override recorded before the loan appears.
	loan, _, err := svc.ApproveLoanRequest(ctx, req.ID, "admin-1", "board approved an exception")
	if err != nil {
		t.Fatalf("Failed to approve with override: %v", err)
	}
	if len(audit.records) != 1 {
		t.Fatalf("Expected 1 override record, got %d", len(audit.records))
	}
	rec := audit.records[0]
	if rec.LoanID != loan.ID {
		t.Errorf("Override record references loan %s, expected %s", rec.LoanID, loan.ID)
	}
	if len(rec.FailedChecks) != 1 || rec.FailedChecks[0] != string(eligibility.CheckWithinMaxLoan) {
		t.Errorf("Expected failed check within_max_loan, got %v", rec.FailedChecks)
	}
	// Requested 7000 is granted as-is (below the cap); only entitlement was
	// overridden.
	if !loan.Amount.Equal(decimal.NewFromInt(7000)) {
		t.Errorf("Expected loan amount 7000, got %s", loan.Amount)
	}
}

func TestApproveWhileOpenLoanExists(t *testing.T) {
	mock := NewMockStore()
	seedMember(mock, "m-100", 2000)
	audit := &memAuditStore{}
	svc := newTestService(mock, audit)
	ctx := context.Background()

	first, _, _ := svc.SubmitLoanRequest(ctx, "m-100", decimal.NewFromInt(1000))
	loan, _, err := svc.ApproveLoanRequest(ctx, first.ID, "admin-1", "")
	if err != nil {
		t.Fatalf("Failed to approve first request: %v", err)
	}

	second, verdict, err := svc.SubmitLoanRequest(ctx, "m-100", decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("Failed to submit second request: %v", err)
	}
	failed := verdict.FailedChecks()
	if len(failed) != 1 || failed[0] != eligibility.CheckNoActiveLoan {
		t.Fatalf("Expected only no_active_loan to fail, got %v", failed)
	}

	// No justification can create a second open loan.
	if _, _, err := svc.ApproveLoanRequest(ctx, second.ID, "admin-1", "member insisted"); err != ErrMemberHasOpenLoan {
		t.Fatalf("Expected ErrMemberHasOpenLoan, got %v", err)
	}
	if len(audit.records) != 0 {
		t.Errorf("No override record may be written for a refused second loan, got %d", len(audit.records))
	}
	if mock.requests[second.ID].Status != models.RequestStatusPending {
		t.Errorf("Second request must stay pending, got %s", mock.requests[second.ID].Status)
	}

	// Completing the first loan frees the slot and the verdict clears.
	if _, err := svc.RecordRepayment(ctx, loan.ID, decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("Failed to repay first loan: %v", err)
	}
	if _, _, err := svc.ApproveLoanRequest(ctx, second.ID, "admin-1", ""); err != nil {
		t.Fatalf("Failed to approve second request after completion: %v", err)
	}
}

func TestApproveMapsOpenLoanConflict(t *testing.T) {
	mock := NewMockStore()
	seedMember(mock, "m-100", 2000)
	audit := &memAuditStore{}
	svc := newTestService(mock, audit)
	ctx := context.Background()

	req, _, _ := svc.SubmitLoanRequest(ctx, "m-100", decimal.NewFromInt(1000))

	// A concurrent approval winning the race surfaces as the unique-index
	// violation on insert.
	mock.createLoanErr = errors.New("UNIQUE constraint failed: loans.member_id")
	if _, _, err := svc.ApproveLoanRequest(ctx, req.ID, "admin-1", ""); err != ErrMemberHasOpenLoan {
		t.Fatalf("Expected ErrMemberHasOpenLoan, got %v", err)
	}
	if mock.requests[req.ID].Status != models.RequestStatusPending {
		t.Errorf("Request must stay pending after a conflicting insert, got %s", mock.requests[req.ID].Status)
	}
}

func TestApproveAlreadyDecidedRequest(t *testing.T) {
	mock := NewMockStore()
	seedMember(mock, "m-100", 2000)
	svc := newTestService(mock, &memAuditStore{})
	ctx := context.Background()

	req, _, _ := svc.SubmitLoanRequest(ctx, "m-100", decimal.NewFromInt(1000))
	if err := svc.RejectLoanRequest(ctx, req.ID, "test"); err != nil {
		t.Fatalf("Failed to reject: %v", err)
	}

	if _, _, err := svc.ApproveLoanRequest(ctx, req.ID, "admin-1", ""); err != ErrRequestNotPending {
		t.Errorf("Expected ErrRequestNotPending, got %v", err)
	}
}

func TestRecordRepaymentUntilCompletion(t *testing.T) {
	mock := NewMockStore()
	seedMember(mock, "m-100", 2000)
	svc := newTestService(mock, &memAuditStore{})
	ctx := context.Background()

	req, _, _ := svc.SubmitLoanRequest(ctx, "m-100", decimal.NewFromInt(1000))
	loan, _, err := svc.ApproveLoanRequest(ctx, req.ID, "admin-1", "")
	if err != nil {
		t.Fatalf("Failed to approve: %v", err)
	}

	prog, err := svc.RecordRepayment(ctx, loan.ID, decimal.NewFromInt(600))
	if err != nil {
		t.Fatalf("Failed to record repayment: %v", err)
	}
	if prog.IsCompleted {
		t.Error("Loan must not be completed at 600/1000")
	}
	if !prog.RemainingAmount.Equal(decimal.NewFromInt(400)) {
		t.Errorf("Expected remaining 400, got %s", prog.RemainingAmount)
	}

	prog, err = svc.RecordRepayment(ctx, loan.ID, decimal.NewFromInt(400))
	if err != nil {
		t.Fatalf("Failed to record final repayment: %v", err)
	}
	if !prog.IsCompleted {
		t.Error("Loan must be completed at 1000/1000")
	}
	if mock.loans[loan.ID].Status != models.LoanStatusCompleted {
		t.Errorf("Expected loan status completed, got %s", mock.loans[loan.ID].Status)
	}

	// A completed loan takes no further repayments.
	if _, err := svc.RecordRepayment(ctx, loan.ID, decimal.NewFromInt(100)); err != ErrLoanNotOpen {
		t.Errorf("Expected ErrLoanNotOpen, got %v", err)
	}
}

func TestScanAndResolvePendingRequests(t *testing.T) {
	mock := NewMockStore()
	seedMember(mock, "m-100", 2000)
	svc := newTestService(mock, &memAuditStore{})
	ctx := context.Background()

	// Simulate the race: two submissions evaluated against the same
	// "no active loan" snapshot, both landing as pending.
	first, _, _ := svc.SubmitLoanRequest(ctx, "m-100", decimal.NewFromInt(3000))
	first.SubmittedAt = time.Now().Add(-2 * time.Minute)
	second, _, _ := svc.SubmitLoanRequest(ctx, "m-100", decimal.NewFromInt(3000))

	alerts, err := svc.ScanPendingRequests(ctx)
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(alerts))
	}
	alert := alerts[0]
	if alert.Severity != guard.SeverityWarning {
		t.Errorf("Expected warning severity, got %s", alert.Severity)
	}
	if !alert.LikelyRaceCondition {
		t.Error("Two submissions minutes apart must look like a race")
	}
	if !alert.TotalRequestedAmount.Equal(decimal.NewFromInt(6000)) {
		t.Errorf("Expected total 6000, got %s", alert.TotalRequestedAmount)
	}

	transitions, err := svc.ResolveAlert(ctx, alert, nil)
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}
	if len(transitions) != 1 {
		t.Fatalf("Expected 1 transition, got %d", len(transitions))
	}
	if mock.requests[first.ID].Status != models.RequestStatusPending {
		t.Error("Oldest request must survive resolution")
	}
	if mock.requests[second.ID].Status != models.RequestStatusRejected {
		t.Error("Newer request must be rejected")
	}
}

func TestMemberFiguresWithoutCache(t *testing.T) {
	mock := NewMockStore()
	seedMember(mock, "m-100", 3335)
	svc := newTestService(mock, &memAuditStore{})

	res, err := svc.MemberFigures(context.Background(), "m-100")
	if err != nil {
		t.Fatalf("Failed to get member figures: %v", err)
	}
	if !res.LoanAmount.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("Expected entitlement 10000, got %s", res.LoanAmount)
	}
	if !res.InstallmentAmount.Equal(decimal.NewFromInt(200)) {
		t.Errorf("Expected installment 200, got %s", res.InstallmentAmount)
	}
}
