package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sandoq/loanengine/pkg/cache"
	"github.com/sandoq/loanengine/pkg/configs"
	"github.com/sandoq/loanengine/pkg/lending"
	"github.com/sandoq/loanengine/pkg/loanmath"
	"github.com/sandoq/loanengine/pkg/models"
	"github.com/sandoq/loanengine/pkg/overrides"
	"github.com/sandoq/loanengine/pkg/solver"
	"github.com/sandoq/loanengine/pkg/store"
)

// Server holds the lending service and the request validator.
type Server struct {
	svc      *lending.Service
	validate *validator.Validate
	log      *zap.SugaredLogger
}

func NewServer(svc *lending.Service, log *zap.SugaredLogger) *Server {
	return &Server{
		svc:      svc,
		validate: validator.New(),
		log:      log,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrMemberNotFound),
		errors.Is(err, store.ErrRequestNotFound),
		errors.Is(err, store.ErrLoanNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, lending.ErrOverrideRequired):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, lending.ErrRequestNotPending),
		errors.Is(err, lending.ErrLoanNotOpen),
		errors.Is(err, lending.ErrMemberHasOpenLoan):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, overrides.ErrMissingJustification),
		errors.Is(err, solver.ErrInsufficientInput),
		errors.Is(err, loanmath.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		var inconsistent *solver.InconsistentInputError
		if errors.As(err, &inconsistent) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		s.log.Errorw("request failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// previewFiguresHandler solves the figures from whatever subset of
// loan_amount, balance and installment the query supplies.
func (s *Server) previewFiguresHandler(w http.ResponseWriter, r *http.Request) {
	var known solver.Known
	q := r.URL.Query()
	for param, target := range map[string]**decimal.Decimal{
		"loan_amount": &known.LoanAmount,
		"balance":     &known.Balance,
		"installment": &known.Installment,
	} {
		raw := q.Get(param)
		if raw == "" {
			continue
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid %s: %v", param, err), http.StatusBadRequest)
			return
		}
		*target = &value
	}

	result, err := s.svc.Solve(known)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) upsertMemberHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID                     string          `json:"id" validate:"required"`
		Balance                decimal.Decimal `json:"balance"`
		TotalSubscriptionsPaid decimal.Decimal `json:"total_subscriptions_paid"`
		JoinedAt               time.Time       `json:"joined_at" validate:"required"`
		IsBlocked              bool            `json:"is_blocked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	member := &models.Member{
		ID:                     req.ID,
		Balance:                req.Balance,
		TotalSubscriptionsPaid: req.TotalSubscriptionsPaid,
		JoinedAt:               req.JoinedAt,
		IsBlocked:              req.IsBlocked,
	}
	if err := s.svc.UpsertMember(r.Context(), member); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, member)
}

func (s *Server) getMemberHandler(w http.ResponseWriter, r *http.Request) {
	member, err := s.svc.GetMember(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, member)
}

func (s *Server) memberFiguresHandler(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.MemberFigures(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) submitLoanRequestHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		http.Error(w, "Amount must be positive", http.StatusBadRequest)
		return
	}

	request, verdict, err := s.svc.SubmitLoanRequest(r.Context(), mux.Vars(r)["id"], req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"request": request,
		"verdict": verdict,
	})
}

func (s *Server) listLoanRequestsHandler(w http.ResponseWriter, r *http.Request) {
	requests, err := s.svc.RequestsForMember(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, requests)
}

func (s *Server) approveLoanRequestHandler(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid request ID", http.StatusBadRequest)
		return
	}

	var req struct {
		AdminID       string `json:"admin_id" validate:"required"`
		Justification string `json:"justification"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, verdict, err := s.svc.ApproveLoanRequest(r.Context(), requestID, req.AdminID, req.Justification)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"loan":    loan,
		"verdict": verdict,
	})
}

func (s *Server) rejectLoanRequestHandler(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid request ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.svc.RejectLoanRequest(r.Context(), requestID, req.Note); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listAlertsHandler(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.svc.ScanPendingRequests(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

// resolveAlertHandler re-scans the member's pending set before applying the
// resolution, so a stale alert from an earlier scan cannot reject requests
// that were decided in the meantime.
func (s *Server) resolveAlertHandler(w http.ResponseWriter, r *http.Request) {
	memberID := mux.Vars(r)["memberId"]

	var req struct {
		Keep []uuid.UUID `json:"keep"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	alerts, err := s.svc.ScanPendingRequests(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, alert := range alerts {
		if alert.MemberID != memberID {
			continue
		}
		transitions, err := s.svc.ResolveAlert(r.Context(), alert, req.Keep)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, transitions)
		return
	}
	http.Error(w, "No alert for member", http.StatusNotFound)
}

func (s *Server) recordRepaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		http.Error(w, "Amount must be positive", http.StatusBadRequest)
		return
	}

	progress, err := s.svc.RecordRepayment(r.Context(), loanID, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, progress)
}

func (s *Server) loanProgressHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	progress, err := s.svc.LoanProgress(r.Context(), loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, progress)
}

func (s *Server) loanOverridesHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	records, err := s.svc.OverridesForLoan(loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/figures", s.previewFiguresHandler).Methods("GET")

	router.HandleFunc("/members", s.upsertMemberHandler).Methods("POST")
	router.HandleFunc("/members/{id}", s.getMemberHandler).Methods("GET")
	router.HandleFunc("/members/{id}/figures", s.memberFiguresHandler).Methods("GET")
	router.HandleFunc("/members/{id}/loan-requests", s.submitLoanRequestHandler).Methods("POST")
	router.HandleFunc("/members/{id}/loan-requests", s.listLoanRequestsHandler).Methods("GET")

	router.HandleFunc("/loan-requests/{id}/approve", s.approveLoanRequestHandler).Methods("POST")
	router.HandleFunc("/loan-requests/{id}/reject", s.rejectLoanRequestHandler).Methods("POST")

	router.HandleFunc("/alerts", s.listAlertsHandler).Methods("GET")
	router.HandleFunc("/alerts/{memberId}/resolve", s.resolveAlertHandler).Methods("POST")

	router.HandleFunc("/loans/{id}/repayments", s.recordRepaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/progress", s.loanProgressHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/overrides", s.loanOverridesHandler).Methods("GET")

	return router
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg := configs.Load()
	if err := cfg.Terms.Validate(); err != nil {
		log.Fatalw("invalid loan terms", "error", err)
	}

	sqliteStore, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalw("failed to initialize sqlite store", "error", err)
	}
	defer sqliteStore.Close()

	auditStore, err := overrides.NewBoltStore(cfg.AuditDBPath)
	if err != nil {
		log.Fatalw("failed to initialize audit store", "error", err)
	}
	defer auditStore.Close()

	var figures *cache.FiguresCache
	if cfg.RedisAddr != "" {
		client, err := cache.Connect(context.Background(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalw("failed to connect to redis", "error", err)
		}
		figures = cache.NewFiguresCache(client, cfg.FiguresCacheTTL)
	}

	svc := lending.NewService(
		sqliteStore,
		cfg.Terms,
		cfg.Rules,
		cfg.RaceWindow,
		overrides.NewLedger(auditStore),
		figures,
		log,
	)
	server := NewServer(svc, log)

	// Periodic sweep for members holding multiple pending requests.
	go func() {
		ticker := time.NewTicker(cfg.ScanInterval)
		defer ticker.Stop()

		for range ticker.C {
			alerts, err := svc.ScanPendingRequests(context.Background())
			if err != nil {
				log.Errorw("pending request scan failed", "error", err)
				continue
			}
			for _, alert := range alerts {
				log.Warnw("member has multiple pending requests",
					"member_id", alert.MemberID,
					"count", len(alert.Requests),
					"severity", alert.Severity,
					"likely_race", alert.LikelyRaceCondition,
					"exceeds_entitlement", alert.ExceedsEntitlement)
			}
		}
	}()

	addr := ":" + cfg.ServerPort
	log.Infow("server starting", "addr", addr)
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		log.Fatalw("server stopped", "error", err)
	}
}
