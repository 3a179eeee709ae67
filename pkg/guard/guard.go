// Package guard detects members who ended up with multiple pending loan
// requests because concurrent submissions were each evaluated against a
// stale "no active loan" snapshot. The guard only reads snapshots and
// proposes resolutions; applying them is the persistence layer's job, so
// staleness between scans is an accepted limitation of the design, covered
// by periodic re-scanning.
package guard

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sandoq/loanengine/pkg/models"
	"github.com/sandoq/loanengine/pkg/solver"
)

// DefaultRaceWindow is the submission spread under which multiple pending
// requests are considered one racing burst rather than a deliberate series.
const DefaultRaceWindow = 30 * time.Minute

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert flags one member with two or more pending requests. Requests are
// ordered by submission time, oldest first.
type Alert struct {
	MemberID             string               `json:"member_id"`
	Requests             []models.LoanRequest `json:"requests"`
	Severity             Severity             `json:"severity"`
	LikelyRaceCondition  bool                 `json:"likely_race_condition"`
	TotalRequestedAmount decimal.Decimal      `json:"total_requested_amount"`
	MaxLoanAllowed       decimal.Decimal      `json:"max_loan_allowed"`
	ExceedsEntitlement   bool                 `json:"exceeds_entitlement"`
}

// Transition is one status change for the persistence layer to apply.
type Transition struct {
	RequestID uuid.UUID            `json:"request_id"`
	NewStatus models.RequestStatus `json:"new_status"`
	Note      string               `json:"note"`
}

type Guard struct {
	solver     *solver.Solver
	raceWindow time.Duration
}

func New(s *solver.Solver, raceWindow time.Duration) *Guard {
	if raceWindow <= 0 {
		raceWindow = DefaultRaceWindow
	}
	return &Guard{solver: s, raceWindow: raceWindow}
}

// Scan inspects every member's pending set and returns an alert for each
// member with two or more pending requests. balances supplies each member's
// current balance for the entitlement comparison; a member missing from it
// is reported with a zero entitlement.
func (g *Guard) Scan(pendingByMember map[string][]models.LoanRequest, balances map[string]decimal.Decimal) []Alert {
	var alerts []Alert

	for memberID, requests := range pendingByMember {
		pending := make([]models.LoanRequest, 0, len(requests))
		for _, r := range requests {
			if r.Status == models.RequestStatusPending {
				pending = append(pending, r)
			}
		}
		if len(pending) < 2 {
			continue
		}

		sort.Slice(pending, func(i, j int) bool {
			return pending[i].SubmittedAt.Before(pending[j].SubmittedAt)
		})

		severity := SeverityWarning
		if len(pending) >= 3 {
			severity = SeverityCritical
		}

		spread := pending[len(pending)-1].SubmittedAt.Sub(pending[0].SubmittedAt)

		total := decimal.Zero
		for _, r := range pending {
			total = total.Add(r.RequestedAmount)
		}

		maxAllowed := g.maxLoanAllowed(balances[memberID])

		alerts = append(alerts, Alert{
			MemberID:             memberID,
			Requests:             pending,
			Severity:             severity,
			LikelyRaceCondition:  spread <= g.raceWindow,
			TotalRequestedAmount: total,
			MaxLoanAllowed:       maxAllowed,
			ExceedsEntitlement:   total.GreaterThan(maxAllowed),
		})
	}

	sort.Slice(alerts, func(i, j int) bool { return alerts[i].MemberID < alerts[j].MemberID })
	return alerts
}

func (g *Guard) maxLoanAllowed(balance decimal.Decimal) decimal.Decimal {
	if balance.Sign() <= 0 {
		return decimal.Zero
	}
	figures, err := g.solver.Solve(solver.Known{Balance: &balance})
	if err != nil {
		return decimal.Zero
	}
	return figures.LoanAmount
}

// ResolveKeepOldest proposes rejecting everything but the earliest request.
// Oldest-wins is a policy choice, not a detected fact: the earliest
// submission is taken as the member's real intent and the later ones as
// duplicates of it.
func (g *Guard) ResolveKeepOldest(alert Alert) []Transition {
	if len(alert.Requests) == 0 {
		return nil
	}
	keep := alert.Requests[0]
	transitions := make([]Transition, 0, len(alert.Requests)-1)
	for _, r := range alert.Requests[1:] {
		transitions = append(transitions, Transition{
			RequestID: r.ID,
			NewStatus: models.RequestStatusRejected,
			Note:      fmt.Sprintf("superseded by earlier request %s", keep.ID),
		})
	}
	return transitions
}

// ResolveManual proposes rejecting every request not in the admin's keep
// set. The keep set may name any subset, including none.
func (g *Guard) ResolveManual(alert Alert, keep []uuid.UUID) []Transition {
	keepSet := make(map[uuid.UUID]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}

	var transitions []Transition
	for _, r := range alert.Requests {
		if keepSet[r.ID] {
			continue
		}
		transitions = append(transitions, Transition{
			RequestID: r.ID,
			NewStatus: models.RequestStatusRejected,
			Note:      "rejected during multi-request resolution",
		})
	}
	return transitions
}
