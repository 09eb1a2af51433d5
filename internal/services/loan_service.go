package services

import (
	"database/sql"

	"github.com/harborbank/backend/internal/models"
)

// rowQuerier lets loan queries run either on the pool or inside a ledger
// transaction.
type rowQuerier interface {
	QueryRow(query string, args ...any) *sql.Row
}

// LoanService tracks loan state per account. Approval itself lives on the
// ledger engine because it mutates the transaction log.
type LoanService struct {
	db *sql.DB
}

func NewLoanService(db *sql.DB) *LoanService {
	return &LoanService{db: db}
}

// ApprovedLoanCount returns the number of approved, still-outstanding loans
// for the account.
func (s *LoanService) ApprovedLoanCount(accountID int) (int, error) {
	return s.approvedLoanCount(s.db, accountID)
}

func (s *LoanService) approvedLoanCount(q rowQuerier, accountID int) (int, error) {
	var count int
	err := q.QueryRow(`
		SELECT COUNT(*)
		FROM transactions
		WHERE account_id = $1 AND transaction_type = $2 AND loan_approve = true`,
		accountID, models.Loan).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListLoans returns every Loan and LoanPaid record for the account, newest
// first.
func (s *LoanService) ListLoans(accountID int) ([]models.Transaction, error) {
	rows, err := s.db.Query(`
		SELECT id, reference_id, account_id, transaction_type, amount,
		       balance_after_transaction, loan_approve,
		       COALESCE(counterparty_account_number, '') AS counterparty_account_number, timestamp
		FROM transactions
		WHERE account_id = $1 AND transaction_type IN ($2, $3)
		ORDER BY timestamp DESC`,
		accountID, models.Loan, models.LoanPaid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	loans, _, err := collectTransactions(rows)
	return loans, err
}
