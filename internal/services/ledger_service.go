package services

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/harborbank/backend/internal/audit"
	"github.com/harborbank/backend/internal/config"
	"github.com/harborbank/backend/internal/models"
)

// errOptimisticLock is internal to the engine; withRetry converts it into
// ErrTransientConflict once the retry budget is spent.
var errOptimisticLock = errors.New("optimistic lock failed")

// LedgerService is the only component allowed to mutate account balances.
// Every operation runs as one database transaction: the balance check, the
// balance update and the transaction log insert commit or fail together.
type LedgerService struct {
	db     *sql.DB
	limits *config.Limits
	loans  *LoanService
	audit  *audit.Logger
}

func NewLedgerService(db *sql.DB, limits *config.Limits) *LedgerService {
	return &LedgerService{
		db:     db,
		limits: limits,
		loans:  NewLoanService(db),
		audit:  audit.NewLogger(),
	}
}

// Deposit credits the account and appends one Deposit record carrying the
// post-credit balance.
func (s *LedgerService) Deposit(accountNumber string, amount int64) (*models.Transaction, error) {
	if err := ValidateDeposit(amount, s.limits); err != nil {
		return nil, err
	}

	var txn *models.Transaction
	err := s.withRetry(func() error {
		return s.inTx(func(tx *sql.Tx) error {
			account, err := s.lockAccount(tx, accountNumber)
			if err != nil {
				return err
			}

			newBalance := account.Balance + amount
			txn, err = s.insertTransaction(tx, account.ID, models.Deposit, amount, newBalance, "")
			if err != nil {
				return err
			}

			return s.updateAccountBalance(tx, account.ID, newBalance, account.Version)
		})
	})
	if err != nil {
		s.audit.LogError("", accountNumber, err)
		return nil, err
	}

	s.audit.LogMutation(txn.ReferenceID, accountNumber, "DEPOSIT", amount, txn.BalanceAfter)
	return txn, nil
}

// Withdraw debits the account. The sufficient-funds check runs against the
// row-locked balance, so two concurrent withdrawals can never both pass it
// against the same stale value.
func (s *LedgerService) Withdraw(accountNumber string, amount int64) (*models.Transaction, error) {
	var txn *models.Transaction
	err := s.withRetry(func() error {
		return s.inTx(func(tx *sql.Tx) error {
			account, err := s.lockAccount(tx, accountNumber)
			if err != nil {
				return err
			}

			if err := ValidateWithdrawal(amount, account.Balance, s.limits); err != nil {
				return err
			}

			newBalance := account.Balance - amount
			txn, err = s.insertTransaction(tx, account.ID, models.Withdrawal, amount, newBalance, "")
			if err != nil {
				return err
			}

			return s.updateAccountBalance(tx, account.ID, newBalance, account.Version)
		})
	})
	if err != nil {
		s.audit.LogError("", accountNumber, err)
		return nil, err
	}

	s.audit.LogMutation(txn.ReferenceID, accountNumber, "WITHDRAWAL", amount, txn.BalanceAfter)
	return txn, nil
}

// RequestLoan appends an unapproved Loan record without touching the
// balance. The approved-loan ceiling is checked inside the same transaction
// as the insert.
func (s *LedgerService) RequestLoan(accountNumber string, amount int64) (*models.Transaction, error) {
	var txn *models.Transaction
	err := s.withRetry(func() error {
		return s.inTx(func(tx *sql.Tx) error {
			account, err := s.lockAccount(tx, accountNumber)
			if err != nil {
				return err
			}

			approved, err := s.loans.approvedLoanCount(tx, account.ID)
			if err != nil {
				return err
			}

			if err := ValidateLoanRequest(approved, s.limits); err != nil {
				return err
			}

			// Loan requests do not mutate the balance; the snapshot records
			// the balance at request time.
			txn, err = s.insertTransaction(tx, account.ID, models.Loan, amount, account.Balance, "")
			return err
		})
	})
	if err != nil {
		s.audit.LogError("", accountNumber, err)
		return nil, err
	}

	s.audit.LogMutation(txn.ReferenceID, accountNumber, "LOAN_REQUEST", amount, txn.BalanceAfter)
	return txn, nil
}

// ApproveLoan is the administrative action that flips loan_approve to true,
// exactly once per loan.
func (s *LedgerService) ApproveLoan(loanID int) error {
	err := s.inTx(func(tx *sql.Tx) error {
		loan, err := s.lockLoan(tx, loanID)
		if err != nil {
			return err
		}

		if loan.TransactionType == models.LoanPaid {
			return ErrLoanAlreadyPaid
		}
		if loan.LoanApprove {
			return validationErrorf("loan %d is already approved", loanID)
		}

		_, err = tx.Exec(`
			UPDATE transactions
			SET loan_approve = true
			WHERE id = $1`, loanID)
		return err
	})
	if err != nil {
		return err
	}

	log.Printf("[LEDGER] Loan %d approved", loanID)
	return nil
}

// RepayLoan settles an approved loan in full: the account is debited by the
// loan amount and the loan row itself transitions Loan -> LoanPaid, taking
// the post-repayment balance snapshot. Both updates commit atomically.
func (s *LedgerService) RepayLoan(loanID int) (*models.Transaction, error) {
	var txn *models.Transaction
	var accountNumber string
	err := s.withRetry(func() error {
		return s.inTx(func(tx *sql.Tx) error {
			loan, err := s.lockLoan(tx, loanID)
			if err != nil {
				return err
			}

			if loan.TransactionType == models.LoanPaid {
				return ErrLoanAlreadyPaid
			}
			if !loan.LoanApprove {
				return ErrLoanNotApproved
			}

			account, err := s.lockAccountByID(tx, loan.AccountID)
			if err != nil {
				return err
			}
			accountNumber = account.AccountNumber

			if loan.Amount >= account.Balance {
				return fmt.Errorf("loan amount is greater than available balance: %w", ErrInsufficientFunds)
			}

			newBalance := account.Balance - loan.Amount
			_, err = tx.Exec(`
				UPDATE transactions
				SET transaction_type = $1, balance_after_transaction = $2
				WHERE id = $3`,
				models.LoanPaid, newBalance, loanID)
			if err != nil {
				return err
			}

			if err := s.updateAccountBalance(tx, account.ID, newBalance, account.Version); err != nil {
				return err
			}

			loan.TransactionType = models.LoanPaid
			loan.BalanceAfter = newBalance
			txn = loan
			return nil
		})
	})
	if err != nil {
		s.audit.LogError("", accountNumber, err)
		return nil, err
	}

	s.audit.LogMutation(txn.ReferenceID, accountNumber, "LOAN_REPAID", txn.Amount, txn.BalanceAfter)
	return txn, nil
}

// Transfer moves amount between two accounts and appends one TransferAmount
// record per account, each carrying that account's own post-transfer
// balance. Accounts are locked in account-number order so two opposite
// transfers cannot deadlock.
func (s *LedgerService) Transfer(senderNumber, recipientNumber string, amount int64) (*models.Transaction, *models.Transaction, error) {
	if senderNumber == recipientNumber {
		return nil, nil, ErrSelfTransfer
	}

	var debit, credit *models.Transaction
	err := s.withRetry(func() error {
		return s.inTx(func(tx *sql.Tx) error {
			firstLock, secondLock := senderNumber, recipientNumber
			if senderNumber > recipientNumber {
				firstLock, secondLock = recipientNumber, senderNumber
			}

			first, err := s.lockAccount(tx, firstLock)
			if err != nil {
				return transferLookupError(err, firstLock, recipientNumber)
			}
			second, err := s.lockAccount(tx, secondLock)
			if err != nil {
				return transferLookupError(err, secondLock, recipientNumber)
			}

			sender, recipient := first, second
			if firstLock != senderNumber {
				sender, recipient = second, first
			}

			if err := ValidateTransfer(amount, sender.Balance, s.limits); err != nil {
				return err
			}

			senderBalance := sender.Balance - amount
			recipientBalance := recipient.Balance + amount

			debit, err = s.insertTransaction(tx, sender.ID, models.TransferAmount, amount, senderBalance, recipientNumber)
			if err != nil {
				return err
			}
			credit, err = s.insertTransaction(tx, recipient.ID, models.TransferAmount, amount, recipientBalance, senderNumber)
			if err != nil {
				return err
			}

			if err := s.updateAccountBalance(tx, sender.ID, senderBalance, sender.Version); err != nil {
				return err
			}
			return s.updateAccountBalance(tx, recipient.ID, recipientBalance, recipient.Version)
		})
	})
	if err != nil {
		s.audit.LogTransfer("", senderNumber, recipientNumber, amount, "FAILED")
		return nil, nil, err
	}

	s.audit.LogTransfer(debit.ReferenceID, senderNumber, recipientNumber, amount, "SUCCESS")
	return debit, credit, nil
}

// TransactionsInRange returns the account's transactions whose timestamp
// date falls within [start, end], both ends inclusive, ordered by time,
// together with the sum of their amounts.
func (s *LedgerService) TransactionsInRange(accountNumber string, start, end time.Time) ([]models.Transaction, int64, error) {
	accountID, err := s.resolveAccountID(accountNumber)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT id, reference_id, account_id, transaction_type, amount,
		       balance_after_transaction, loan_approve,
		       COALESCE(counterparty_account_number, '') AS counterparty_account_number, timestamp
		FROM transactions
		WHERE account_id = $1
		  AND timestamp::date >= $2::date
		  AND timestamp::date <= $3::date
		ORDER BY timestamp`,
		accountID, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// AccountTransactions is the unfiltered report variant.
func (s *LedgerService) AccountTransactions(accountNumber string) ([]models.Transaction, int64, error) {
	accountID, err := s.resolveAccountID(accountNumber)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT id, reference_id, account_id, transaction_type, amount,
		       balance_after_transaction, loan_approve,
		       COALESCE(counterparty_account_number, '') AS counterparty_account_number, timestamp
		FROM transactions
		WHERE account_id = $1
		ORDER BY timestamp`,
		accountID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// transferLookupError keeps a missing sender as ErrAccountNotFound but turns
// a missing recipient into a rule rejection the caller can show the user.
func transferLookupError(err error, lookedUp, recipientNumber string) error {
	if errors.Is(err, ErrAccountNotFound) && lookedUp == recipientNumber {
		return validationErrorf("recipient account %s does not exist", recipientNumber)
	}
	return err
}

func collectTransactions(rows *sql.Rows) ([]models.Transaction, int64, error) {
	transactions := []models.Transaction{}
	var total int64
	for rows.Next() {
		var txn models.Transaction
		err := rows.Scan(
			&txn.ID, &txn.ReferenceID, &txn.AccountID, &txn.TransactionType, &txn.Amount,
			&txn.BalanceAfter, &txn.LoanApprove, &txn.CounterpartyAccountNumber, &txn.Timestamp,
		)
		if err != nil {
			return nil, 0, err
		}
		transactions = append(transactions, txn)
		total += txn.Amount
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return transactions, total, nil
}

// inTx runs fn inside a database transaction, rolling back on error.
func (s *LedgerService) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// withRetry re-runs op when a version conflict aborts it, up to the
// configured budget.
func (s *LedgerService) withRetry(op func() error) error {
	var err error
	for attempt := 0; attempt < s.limits.ConflictRetries; attempt++ {
		err = op()
		if !errors.Is(err, errOptimisticLock) {
			return err
		}
		log.Printf("[LEDGER] Version conflict, attempt %d/%d", attempt+1, s.limits.ConflictRetries)
	}
	return ErrTransientConflict
}

func (s *LedgerService) lockAccount(tx *sql.Tx, accountNumber string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT id, account_number, balance, status, version
		FROM accounts
		WHERE account_number = $1
		FOR UPDATE`,
		accountNumber).Scan(&account.ID, &account.AccountNumber, &account.Balance, &account.Status, &account.Version)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if account.Status != models.AccountActive {
		return nil, ErrAccountInactive
	}
	return &account, nil
}

func (s *LedgerService) lockAccountByID(tx *sql.Tx, accountID int) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT id, account_number, balance, status, version
		FROM accounts
		WHERE id = $1
		FOR UPDATE`,
		accountID).Scan(&account.ID, &account.AccountNumber, &account.Balance, &account.Status, &account.Version)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if account.Status != models.AccountActive {
		return nil, ErrAccountInactive
	}
	return &account, nil
}

func (s *LedgerService) lockLoan(tx *sql.Tx, loanID int) (*models.Transaction, error) {
	var loan models.Transaction
	err := tx.QueryRow(`
		SELECT id, reference_id, account_id, transaction_type, amount,
		       balance_after_transaction, loan_approve, timestamp
		FROM transactions
		WHERE id = $1 AND transaction_type IN ($2, $3)
		FOR UPDATE`,
		loanID, models.Loan, models.LoanPaid).Scan(
		&loan.ID, &loan.ReferenceID, &loan.AccountID, &loan.TransactionType, &loan.Amount,
		&loan.BalanceAfter, &loan.LoanApprove, &loan.Timestamp)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

func (s *LedgerService) insertTransaction(tx *sql.Tx, accountID int, txType models.TransactionType, amount, balanceAfter int64, counterparty string) (*models.Transaction, error) {
	txn := &models.Transaction{
		ReferenceID:               uuid.NewString(),
		AccountID:                 accountID,
		TransactionType:           txType,
		Amount:                    amount,
		BalanceAfter:              balanceAfter,
		CounterpartyAccountNumber: counterparty,
		Timestamp:                 time.Now(),
	}

	err := tx.QueryRow(`
		INSERT INTO transactions
		(reference_id, account_id, transaction_type, amount, balance_after_transaction, loan_approve, counterparty_account_number, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		txn.ReferenceID, txn.AccountID, txn.TransactionType, txn.Amount,
		txn.BalanceAfter, txn.LoanApprove, txn.CounterpartyAccountNumber, txn.Timestamp).Scan(&txn.ID)
	if err != nil {
		return nil, err
	}

	return txn, nil
}

func (s *LedgerService) updateAccountBalance(tx *sql.Tx, accountID int, newBalance int64, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now(), accountID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("account %d: %w", accountID, errOptimisticLock)
	}

	return nil
}

func (s *LedgerService) resolveAccountID(accountNumber string) (int, error) {
	var accountID int
	err := s.db.QueryRow(`SELECT id FROM accounts WHERE account_number = $1`, accountNumber).Scan(&accountID)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return accountID, nil
}
