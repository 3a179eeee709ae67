package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sandoq/loanengine/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// Manually enable foreign keys and WAL mode
	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	_, err = db.Exec("PRAGMA journal_mode = WAL;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the tables if they don't already exist.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
// The partial unique index on loans serializes "one open loan per member"
// at the storage level; the guard still detects pending-request races that
// the index cannot see.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		total_subscriptions_paid TEXT NOT NULL DEFAULT '0',
		joined_at DATETIME NOT NULL,
		is_blocked INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS loan_requests (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		requested_amount TEXT NOT NULL,
		submitted_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		FOREIGN KEY(member_id) REFERENCES members(id)
	);
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_requirement TEXT NOT NULL,
		installment_amount TEXT NOT NULL,
		installment_period_months INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(member_id) REFERENCES members(id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_open_loan_per_member
		ON loans(member_id) WHERE status = 'approved';
	CREATE TABLE IF NOT EXISTS repayments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// IsOpenLoanConflict reports whether err is the unique-index violation for
// a second open loan on the same member.
func IsOpenLoanConflict(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "idx_one_open_loan_per_member") ||
		strings.Contains(err.Error(), "UNIQUE constraint failed: loans.member_id")
}

// UpsertMember inserts or replaces a member record.
func (s *SQLiteStore) UpsertMember(m *models.Member) error {
	_, err := s.db.Exec(
		`INSERT INTO members (id, balance, total_subscriptions_paid, joined_at, is_blocked)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			balance = excluded.balance,
			total_subscriptions_paid = excluded.total_subscriptions_paid,
			joined_at = excluded.joined_at,
			is_blocked = excluded.is_blocked`,
		m.ID, m.Balance, m.TotalSubscriptionsPaid, m.JoinedAt, m.IsBlocked,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert member: %w", err)
	}
	return nil
}

// GetMember retrieves a member by ID.
func (s *SQLiteStore) GetMember(id string) (*models.Member, error) {
	var m models.Member
	var joined time.Time

	row := s.db.QueryRow(`SELECT id, balance, total_subscriptions_paid, joined_at, is_blocked FROM members WHERE id = ?`, id)
	err := row.Scan(&m.ID, &m.Balance, &m.TotalSubscriptionsPaid, &joined, &m.IsBlocked)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	m.JoinedAt = joined
	return &m, nil
}

// CreateLoanRequest inserts a new loan request.
func (s *SQLiteStore) CreateLoanRequest(r *models.LoanRequest) error {
	_, err := s.db.Exec(
		`INSERT INTO loan_requests (id, member_id, requested_amount, submitted_at, status, note)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.MemberID, r.RequestedAmount, r.SubmittedAt, r.Status, r.Note,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan request: %w", err)
	}
	return nil
}

// GetLoanRequest retrieves a loan request by ID.
func (s *SQLiteStore) GetLoanRequest(id uuid.UUID) (*models.LoanRequest, error) {
	row := s.db.QueryRow(
		`SELECT id, member_id, requested_amount, submitted_at, status, note FROM loan_requests WHERE id = ?`,
		id.String(),
	)
	r, err := scanRequest(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to get loan request: %w", err)
	}
	return r, nil
}

// GetRequestsForMember retrieves all of a member's requests, oldest first.
func (s *SQLiteStore) GetRequestsForMember(memberID string) ([]*models.LoanRequest, error) {
	rows, err := s.db.Query(
		`SELECT id, member_id, requested_amount, submitted_at, status, note
		FROM loan_requests WHERE member_id = ? ORDER BY submitted_at ASC`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get requests for member %s: %w", memberID, err)
	}
	defer rows.Close()

	var requests []*models.LoanRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan request row: %w", err)
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return requests, nil
}

// GetPendingRequestsByMember groups all pending requests by member.
func (s *SQLiteStore) GetPendingRequestsByMember() (map[string][]models.LoanRequest, error) {
	rows, err := s.db.Query(
		`SELECT id, member_id, requested_amount, submitted_at, status, note
		FROM loan_requests WHERE status = ? ORDER BY submitted_at ASC`,
		models.RequestStatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending requests: %w", err)
	}
	defer rows.Close()

	byMember := make(map[string][]models.LoanRequest)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan request row: %w", err)
		}
		byMember[r.MemberID] = append(byMember[r.MemberID], *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return byMember, nil
}

// UpdateRequestStatus sets a request's status and note.
func (s *SQLiteStore) UpdateRequestStatus(id uuid.UUID, status models.RequestStatus, note string) error {
	result, err := s.db.Exec(
		`UPDATE loan_requests SET status = ?, note = ? WHERE id = ?`,
		status, note, id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan request: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// CreateLoan inserts a new loan. The partial unique index rejects a second
// approved loan for the same member.
func (s *SQLiteStore) CreateLoan(l *models.Loan) error {
	_, err := s.db.Exec(
		`INSERT INTO loans (id, request_id, member_id, amount, balance_requirement, installment_amount, installment_period_months, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID.String(), l.RequestID.String(), l.MemberID, l.Amount, l.BalanceRequirement, l.InstallmentAmount, l.InstallmentPeriodMonths, l.Status, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRow(
		`SELECT id, request_id, member_id, amount, balance_requirement, installment_amount, installment_period_months, status, created_at, updated_at
		FROM loans WHERE id = ?`,
		id.String(),
	)
	l, err := scanLoan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrLoanNotFound
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return l, nil
}

// UpdateLoan updates an existing loan.
func (s *SQLiteStore) UpdateLoan(l *models.Loan) error {
	result, err := s.db.Exec(
		`UPDATE loans SET amount = ?, balance_requirement = ?, installment_amount = ?, installment_period_months = ?, status = ?, updated_at = ? WHERE id = ?`,
		l.Amount, l.BalanceRequirement, l.InstallmentAmount, l.InstallmentPeriodMonths, l.Status, l.UpdatedAt, l.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrLoanNotFound
	}
	return nil
}

// GetOpenLoanForMember retrieves the member's approved loan, or nil.
func (s *SQLiteStore) GetOpenLoanForMember(memberID string) (*models.Loan, error) {
	row := s.db.QueryRow(
		`SELECT id, request_id, member_id, amount, balance_requirement, installment_amount, installment_period_months, status, created_at, updated_at
		FROM loans WHERE member_id = ? AND status = ?`,
		memberID, models.LoanStatusApproved,
	)
	l, err := scanLoan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open loan for member %s: %w", memberID, err)
	}
	return l, nil
}

// CreateRepayment inserts a new repayment.
func (s *SQLiteStore) CreateRepayment(p *models.Repayment) error {
	_, err := s.db.Exec(
		`INSERT INTO repayments (id, loan_id, amount, status, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID.String(), p.LoanID.String(), p.Amount, p.Status, p.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create repayment: %w", err)
	}
	return nil
}

// GetRepaymentsForLoan retrieves all repayments for a loan, oldest first.
func (s *SQLiteStore) GetRepaymentsForLoan(loanID uuid.UUID) ([]*models.Repayment, error) {
	rows, err := s.db.Query(
		`SELECT id, loan_id, amount, status, timestamp FROM repayments WHERE loan_id = ? ORDER BY timestamp ASC`,
		loanID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get repayments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var repayments []*models.Repayment
	for rows.Next() {
		var p models.Repayment
		var idStr, loanIDStr string
		var ts time.Time
		if err := rows.Scan(&idStr, &loanIDStr, &p.Amount, &p.Status, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan repayment row: %w", err)
		}
		p.ID = uuid.MustParse(idStr)
		p.LoanID = uuid.MustParse(loanIDStr)
		p.Timestamp = ts
		repayments = append(repayments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return repayments, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.LoanRequest, error) {
	var r models.LoanRequest
	var idStr string
	var submitted time.Time
	if err := row.Scan(&idStr, &r.MemberID, &r.RequestedAmount, &submitted, &r.Status, &r.Note); err != nil {
		return nil, err
	}
	r.ID = uuid.MustParse(idStr)
	r.SubmittedAt = submitted
	return &r, nil
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var l models.Loan
	var idStr, requestIDStr string
	var created, updated time.Time
	if err := row.Scan(&idStr, &requestIDStr, &l.MemberID, &l.Amount, &l.BalanceRequirement, &l.InstallmentAmount, &l.InstallmentPeriodMonths, &l.Status, &created, &updated); err != nil {
		return nil, err
	}
	l.ID = uuid.MustParse(idStr)
	l.RequestID = uuid.MustParse(requestIDStr)
	l.CreatedAt = created
	l.UpdatedAt = updated
	return &l, nil
}
