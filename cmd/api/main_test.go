package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sandoq/loanengine/pkg/eligibility"
	"github.com/sandoq/loanengine/pkg/guard"
	"github.com/sandoq/loanengine/pkg/lending"
	"github.com/sandoq/loanengine/pkg/loanmath"
	"github.com/sandoq/loanengine/pkg/models"
	"github.com/sandoq/loanengine/pkg/overrides"
	"github.com/sandoq/loanengine/pkg/progress"
	"github.com/sandoq/loanengine/pkg/solver"
	"github.com/sandoq/loanengine/pkg/store"
)

func setupTestServer(t *testing.T) (*Server, *mux.Router) {
	dir := t.TempDir()

	sqliteStore, err := store.NewSQLiteStore(filepath.Join(dir, "test_api.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })

	auditStore, err := overrides.NewBoltStore(filepath.Join(dir, "test_audit.db"))
	if err != nil {
		t.Fatalf("Failed to create audit store: %v", err)
	}
	t.Cleanup(func() { auditStore.Close() })

	svc := lending.NewService(
		sqliteStore,
		loanmath.DefaultTerms(),
		eligibility.DefaultRules(),
		guard.DefaultRaceWindow,
		overrides.NewLedger(auditStore),
		nil,
		zap.NewNop().Sugar(),
	)
	server := NewServer(svc, zap.NewNop().Sugar())
	return server, server.routes()
}

func doJSON(t *testing.T, router *mux.Router, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		data, _ := json.Marshal(payload)
		body = bytes.NewBuffer(data)
	} else {
		body = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func createTestMember(t *testing.T, router *mux.Router, id string, balance float64) {
	t.Helper()
	rr := doJSON(t, router, "POST", "/members", map[string]any{
		"id":                       id,
		"balance":                  balance,
		"total_subscriptions_paid": 600.0,
		"joined_at":                time.Now().AddDate(-1, 0, 0),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 creating member, got %d. Body: %s", rr.Code, rr.Body.String())
	}
}

func TestAPI_PreviewFigures(t *testing.T) {
	_, router := setupTestServer(t)

	rr := doJSON(t, router, "GET", "/figures?loan_amount=10000", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	var result solver.Result
	json.Unmarshal(rr.Body.Bytes(), &result)

	if !result.BalanceRequirement.Equal(decimal.NewFromInt(3335)) {
		t.Errorf("Expected balance requirement 3335, got %s", result.BalanceRequirement)
	}
	if !result.InstallmentAmount.Equal(decimal.NewFromInt(200)) {
		t.Errorf("Expected installment 200, got %s", result.InstallmentAmount)
	}
}

func TestAPI_PreviewFiguresInconsistent(t *testing.T) {
	_, router := setupTestServer(t)

	// A triple that cannot reconcile within the rounding tolerance.
	rr := doJSON(t, router, "GET", "/figures?loan_amount=10000&balance=3335&installment=500", nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422, got %d. Body: %s", rr.Code, rr.Body.String())
	}
}

func TestAPI_MemberLoanFlow(t *testing.T) {
	_, router := setupTestServer(t)
	createTestMember(t, router, "m-100", 2000)

	// Submit a request within entitlement.
	rr := doJSON(t, router, "POST", "/members/m-100/loan-requests", map[string]any{"amount": 3000.0})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var submitted struct {
		Request models.LoanRequest  `json:"request"`
		Verdict eligibility.Verdict `json:"verdict"`
	}
	json.Unmarshal(rr.Body.Bytes(), &submitted)
	if !submitted.Verdict.OverallPass {
		t.Fatalf("Expected passing verdict, got %+v", submitted.Verdict.Checks)
	}

	// Approve it.
	rr = doJSON(t, router, "POST", "/loan-requests/"+submitted.Request.ID.String()+"/approve",
		map[string]any{"admin_id": "admin-1"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var approved struct {
		Loan models.Loan `json:"loan"`
	}
	json.Unmarshal(rr.Body.Bytes(), &approved)
	if approved.Loan.Status != models.LoanStatusApproved {
		t.Errorf("Expected loan status approved, got %s", approved.Loan.Status)
	}
	if !approved.Loan.InstallmentAmount.Equal(decimal.NewFromInt(65)) {
		t.Errorf("Expected installment 65, got %s", approved.Loan.InstallmentAmount)
	}

	// Record a repayment.
	rr = doJSON(t, router, "POST", "/loans/"+approved.Loan.ID.String()+"/repayments",
		map[string]any{"amount": 600.0})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var prog progress.LoanProgress
	json.Unmarshal(rr.Body.Bytes(), &prog)
	if !prog.RemainingAmount.Equal(decimal.NewFromInt(2400)) {
		t.Errorf("Expected remaining 2400, got %s", prog.RemainingAmount)
	}

	// Progress endpoint agrees.
	rr = doJSON(t, router, "GET", "/loans/"+approved.Loan.ID.String()+"/progress", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	json.Unmarshal(rr.Body.Bytes(), &prog)
	if !prog.TotalPaid.Equal(decimal.NewFromInt(600)) {
		t.Errorf("Expected total paid 600, got %s", prog.TotalPaid)
	}
}

func TestAPI_ApproveOverEntitlementNeedsJustification(t *testing.T) {
	_, router := setupTestServer(t)
	createTestMember(t, router, "m-200", 2000)

	// 7000 exceeds the 6000 entitlement from a 2000 balance.
	rr := doJSON(t, router, "POST", "/members/m-200/loan-requests", map[string]any{"amount": 7000.0})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var submitted struct {
		Request models.LoanRequest  `json:"request"`
		Verdict eligibility.Verdict `json:"verdict"`
	}
	json.Unmarshal(rr.Body.Bytes(), &submitted)
	if submitted.Verdict.OverallPass {
		t.Fatal("Expected failing verdict")
	}

	approvePath := "/loan-requests/" + submitted.Request.ID.String() + "/approve"

	rr = doJSON(t, router, "POST", approvePath, map[string]any{"admin_id": "admin-1"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("Expected status 409 without justification, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, router, "POST", approvePath, map[string]any{
		"admin_id":      "admin-1",
		"justification": "board approved an exception",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 with justification, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var approved struct {
		Loan models.Loan `json:"loan"`
	}
	json.Unmarshal(rr.Body.Bytes(), &approved)

	// The override trail is on record.
	rr = doJSON(t, router, "GET", "/loans/"+approved.Loan.ID.String()+"/overrides", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var records []models.OverrideRecord
	json.Unmarshal(rr.Body.Bytes(), &records)
	if len(records) != 1 {
		t.Fatalf("Expected 1 override record, got %d", len(records))
	}
	if records[0].Justification != "board approved an exception" {
		t.Errorf("Unexpected justification: %q", records[0].Justification)
	}
}

func TestAPI_ApproveSecondLoanConflicts(t *testing.T) {
	_, router := setupTestServer(t)
	createTestMember(t, router, "m-400", 2000)

	// First loan goes through cleanly.
	rr := doJSON(t, router, "POST", "/members/m-400/loan-requests", map[string]any{"amount": 1000.0})
	var submitted struct {
		Request models.LoanRequest `json:"request"`
	}
	json.Unmarshal(rr.Body.Bytes(), &submitted)
	rr = doJSON(t, router, "POST", "/loan-requests/"+submitted.Request.ID.String()+"/approve",
		map[string]any{"admin_id": "admin-1"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var approved struct {
		Loan models.Loan `json:"loan"`
	}
	json.Unmarshal(rr.Body.Bytes(), &approved)

	// Second request fails only no_active_loan; a justification does not help.
	rr = doJSON(t, router, "POST", "/members/m-400/loan-requests", map[string]any{"amount": 1000.0})
	json.Unmarshal(rr.Body.Bytes(), &submitted)
	rr = doJSON(t, router, "POST", "/loan-requests/"+submitted.Request.ID.String()+"/approve",
		map[string]any{"admin_id": "admin-1", "justification": "member insisted"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("Expected status 409 for a second open loan, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	// No audit entry for the refused approval.
	rr = doJSON(t, router, "GET", "/loans/"+approved.Loan.ID.String()+"/overrides", nil)
	var records []models.OverrideRecord
	json.Unmarshal(rr.Body.Bytes(), &records)
	if len(records) != 0 {
		t.Errorf("Expected no override records, got %d", len(records))
	}
}

func TestAPI_ResolveAlert(t *testing.T) {
	_, router := setupTestServer(t)
	createTestMember(t, router, "m-300", 2000)

	for i := 0; i < 2; i++ {
		rr := doJSON(t, router, "POST", "/members/m-300/loan-requests", map[string]any{"amount": 3000.0})
		if rr.Code != http.StatusCreated {
			t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
		}
	}

	rr := doJSON(t, router, "GET", "/alerts", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var alerts []guard.Alert
	json.Unmarshal(rr.Body.Bytes(), &alerts)
	if len(alerts) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].MemberID != "m-300" {
		t.Errorf("Expected alert for m-300, got %s", alerts[0].MemberID)
	}

	// Oldest-wins resolution.
	rr = doJSON(t, router, "POST", "/alerts/m-300/resolve", map[string]any{})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var transitions []guard.Transition
	json.Unmarshal(rr.Body.Bytes(), &transitions)
	if len(transitions) != 1 {
		t.Fatalf("Expected 1 transition, got %d", len(transitions))
	}

	// The alert is gone afterwards.
	rr = doJSON(t, router, "POST", "/alerts/m-300/resolve", map[string]any{})
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 after resolution, got %d", rr.Code)
	}
}
