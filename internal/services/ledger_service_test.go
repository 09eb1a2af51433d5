package services

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/harborbank/backend/internal/config"
	"github.com/harborbank/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func testLimits() *config.Limits {
	return &config.Limits{
		MinDeposit:       500_00,
		MinWithdrawal:    500_00,
		MaxWithdrawal:    20000_00,
		MinTransfer:      500_00,
		MaxTransfer:      10000_00,
		MaxApprovedLoans: 3,
		ConflictRetries:  3,
	}
}

func accountRows(id int, number string, balance int64, version int) *sqlmock.Rows {
	return statusAccountRows(id, number, balance, models.AccountActive, version)
}

func statusAccountRows(id int, number string, balance int64, status string, version int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "account_number", "balance", "status", "version"}).
		AddRow(id, number, balance, status, version)
}

func expectLockAccount(mock sqlmock.Sqlmock, number string, rows *sqlmock.Rows) *sqlmock.ExpectedQuery {
	return mock.ExpectQuery("SELECT id, account_number, balance, status, version FROM accounts WHERE account_number = \\$1 FOR UPDATE").
		WithArgs(number).
		WillReturnRows(rows)
}

func TestLedgerService_Deposit(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db, testLimits())

	t.Run("successful deposit", func(t *testing.T) {
		amount := int64(500_00)

		mock.ExpectBegin()
		expectLockAccount(mock, "1111111111", accountRows(1, "1111111111", 1000_00, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), 1, models.Deposit, amount, int64(1500_00), false, "", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1").
			WithArgs(int64(1500_00), sqlmock.AnyArg(), 1, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		txn, err := service.Deposit("1111111111", amount)
		assert.NoError(t, err)
		assert.Equal(t, models.Deposit, txn.TransactionType)
		assert.Equal(t, amount, txn.Amount)
		assert.Equal(t, int64(1500_00), txn.BalanceAfter)
		assert.NotEmpty(t, txn.ReferenceID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deposit below minimum is rejected before any mutation", func(t *testing.T) {
		txn, err := service.Deposit("1111111111", 499_99)
		assert.Nil(t, txn)
		assert.True(t, IsValidationError(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, account_number, balance, status, version FROM accounts WHERE account_number = \\$1 FOR UPDATE").
			WithArgs("9999999999").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := service.Deposit("9999999999", 500_00)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_Withdraw(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db, testLimits())

	t.Run("successful withdrawal", func(t *testing.T) {
		amount := int64(700_00)

		mock.ExpectBegin()
		expectLockAccount(mock, "1111111111", accountRows(1, "1111111111", 1000_00, 2))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), 1, models.Withdrawal, amount, int64(300_00), false, "", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1").
			WithArgs(int64(300_00), sqlmock.AnyArg(), 1, 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		txn, err := service.Withdraw("1111111111", amount)
		assert.NoError(t, err)
		assert.Equal(t, models.Withdrawal, txn.TransactionType)
		assert.Equal(t, int64(300_00), txn.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds checked against the locked balance", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockAccount(mock, "1111111111", accountRows(1, "1111111111", 600_00, 2))
		mock.ExpectRollback()

		txn, err := service.Withdraw("1111111111", 700_00)
		assert.Nil(t, txn)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("amount above per-transaction cap", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockAccount(mock, "1111111111", accountRows(1, "1111111111", 50000_00, 2))
		mock.ExpectRollback()

		_, err := service.Withdraw("1111111111", 20001_00)
		assert.True(t, IsValidationError(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("inactive account is refused", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockAccount(mock, "1111111111", statusAccountRows(1, "1111111111", 1000_00, models.AccountInactive, 2))
		mock.ExpectRollback()

		_, err := service.Withdraw("1111111111", 700_00)
		assert.ErrorIs(t, err, ErrAccountInactive)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("version conflict exhausts retries", func(t *testing.T) {
		amount := int64(700_00)

		for i := 0; i < 3; i++ {
			mock.ExpectBegin()
			expectLockAccount(mock, "1111111111", accountRows(1, "1111111111", 1000_00, 2))
			mock.ExpectQuery("INSERT INTO transactions").
				WithArgs(sqlmock.AnyArg(), 1, models.Withdrawal, amount, int64(300_00), false, "", sqlmock.AnyArg()).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12 + i))
			mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1").
				WithArgs(int64(300_00), sqlmock.AnyArg(), 1, 2).
				WillReturnResult(sqlmock.NewResult(0, 0)) // no rows affected
			mock.ExpectRollback()
		}

		_, err := service.Withdraw("1111111111", amount)
		assert.ErrorIs(t, err, ErrTransientConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_Transfer(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db, testLimits())

	t.Run("successful transfer writes one record per account", func(t *testing.T) {
		amount := int64(1000_00)

		mock.ExpectBegin()
		// Accounts locked in account-number order: sender sorts first here.
		expectLockAccount(mock, "1111111111", accountRows(1, "1111111111", 5000_00, 1))
		expectLockAccount(mock, "2222222222", accountRows(2, "2222222222", 2000_00, 4))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), 1, models.TransferAmount, amount, int64(4000_00), false, "2222222222", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(20))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), 2, models.TransferAmount, amount, int64(3000_00), false, "1111111111", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1").
			WithArgs(int64(4000_00), sqlmock.AnyArg(), 1, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1").
			WithArgs(int64(3000_00), sqlmock.AnyArg(), 2, 4).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		debit, credit, err := service.Transfer("1111111111", "2222222222", amount)
		assert.NoError(t, err)
		assert.Equal(t, int64(4000_00), debit.BalanceAfter)
		assert.Equal(t, int64(3000_00), credit.BalanceAfter)
		assert.Equal(t, "2222222222", debit.CounterpartyAccountNumber)
		assert.Equal(t, "1111111111", credit.CounterpartyAccountNumber)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("locks follow account-number order when sender sorts second", func(t *testing.T) {
		amount := int64(1000_00)

		mock.ExpectBegin()
		// Recipient 1111111111 locks first even though 3333333333 sends.
		expectLockAccount(mock, "1111111111", accountRows(1, "1111111111", 2000_00, 1))
		expectLockAccount(mock, "3333333333", accountRows(3, "3333333333", 5000_00, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), 3, models.TransferAmount, amount, int64(4000_00), false, "1111111111", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(22))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), 1, models.TransferAmount, amount, int64(3000_00), false, "3333333333", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(23))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1").
			WithArgs(int64(4000_00), sqlmock.AnyArg(), 3, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1").
			WithArgs(int64(3000_00), sqlmock.AnyArg(), 1, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		debit, credit, err := service.Transfer("3333333333", "1111111111", amount)
		assert.NoError(t, err)
		assert.Equal(t, int64(4000_00), debit.BalanceAfter)
		assert.Equal(t, int64(3000_00), credit.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing recipient is a validation failure", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockAccount(mock, "1111111111", accountRows(1, "1111111111", 5000_00, 1))
		mock.ExpectQuery("SELECT id, account_number, balance, status, version FROM accounts WHERE account_number = \\$1 FOR UPDATE").
			WithArgs("9999999999").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		debit, credit, err := service.Transfer("1111111111", "9999999999", 1000_00)
		assert.Nil(t, debit)
		assert.Nil(t, credit)
		assert.True(t, IsValidationError(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing sender stays account-not-found", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, account_number, balance, status, version FROM accounts WHERE account_number = \\$1 FOR UPDATE").
			WithArgs("0000000000").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, _, err := service.Transfer("0000000000", "2222222222", 1000_00)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("self transfer is rejected", func(t *testing.T) {
		_, _, err := service.Transfer("1111111111", "1111111111", 1000_00)
		assert.ErrorIs(t, err, ErrSelfTransfer)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient sender balance rolls everything back", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockAccount(mock, "1111111111", accountRows(1, "1111111111", 500_00, 1))
		expectLockAccount(mock, "2222222222", accountRows(2, "2222222222", 2000_00, 1))
		mock.ExpectRollback()

		_, _, err := service.Transfer("1111111111", "2222222222", 1000_00)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("amount above transfer cap", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockAccount(mock, "1111111111", accountRows(1, "1111111111", 50000_00, 1))
		expectLockAccount(mock, "2222222222", accountRows(2, "2222222222", 2000_00, 1))
		mock.ExpectRollback()

		_, _, err := service.Transfer("1111111111", "2222222222", 10001_00)
		assert.True(t, IsValidationError(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_RequestLoan(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db, testLimits())

	t.Run("loan request does not mutate the balance", func(t *testing.T) {
		amount := int64(30000_00)

		mock.ExpectBegin()
		expectLockAccount(mock, "1111111111", accountRows(1, "1111111111", 1000_00, 1))
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM transactions").
			WithArgs(1, models.Loan).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), 1, models.Loan, amount, int64(1000_00), false, "", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(30))
		mock.ExpectCommit()

		txn, err := service.RequestLoan("1111111111", amount)
		assert.NoError(t, err)
		assert.Equal(t, models.Loan, txn.TransactionType)
		assert.False(t, txn.LoanApprove)
		assert.Equal(t, int64(1000_00), txn.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("three approved loans block any further request", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockAccount(mock, "1111111111", accountRows(1, "1111111111", 1000_00, 1))
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM transactions").
			WithArgs(1, models.Loan).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
		mock.ExpectRollback()

		txn, err := service.RequestLoan("1111111111", 1_00)
		assert.Nil(t, txn)
		assert.ErrorIs(t, err, ErrLoanLimitExceeded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func loanRows(id, accountID int, txType models.TransactionType, amount, balanceAfter int64, approved bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "reference_id", "account_id", "transaction_type", "amount",
		"balance_after_transaction", "loan_approve", "timestamp",
	}).AddRow(id, "ref-loan", accountID, txType, amount, balanceAfter, approved, time.Now())
}

func TestLedgerService_RepayLoan(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db, testLimits())

	t.Run("successful repayment settles loan and account together", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, reference_id, account_id, transaction_type, amount").
			WithArgs(30, models.Loan, models.LoanPaid).
			WillReturnRows(loanRows(30, 1, models.Loan, 1000_00, 500_00, true))
		mock.ExpectQuery("SELECT id, account_number, balance, status, version FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(1).
			WillReturnRows(accountRows(1, "1111111111", 5000_00, 3))
		mock.ExpectExec("UPDATE transactions SET transaction_type = \\$1, balance_after_transaction = \\$2").
			WithArgs(models.LoanPaid, int64(4000_00), 30).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1").
			WithArgs(int64(4000_00), sqlmock.AnyArg(), 1, 3).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		loan, err := service.RepayLoan(30)
		assert.NoError(t, err)
		assert.Equal(t, models.LoanPaid, loan.TransactionType)
		assert.Equal(t, int64(4000_00), loan.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unapproved loan cannot be repaid", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, reference_id, account_id, transaction_type, amount").
			WithArgs(31, models.Loan, models.LoanPaid).
			WillReturnRows(loanRows(31, 1, models.Loan, 1000_00, 500_00, false))
		mock.ExpectRollback()

		loan, err := service.RepayLoan(31)
		assert.Nil(t, loan)
		assert.ErrorIs(t, err, ErrLoanNotApproved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already repaid loan", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, reference_id, account_id, transaction_type, amount").
			WithArgs(32, models.Loan, models.LoanPaid).
			WillReturnRows(loanRows(32, 1, models.LoanPaid, 1000_00, 4000_00, true))
		mock.ExpectRollback()

		_, err := service.RepayLoan(32)
		assert.ErrorIs(t, err, ErrLoanAlreadyPaid)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("loan amount at or above balance fails without mutation", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, reference_id, account_id, transaction_type, amount").
			WithArgs(33, models.Loan, models.LoanPaid).
			WillReturnRows(loanRows(33, 1, models.Loan, 5000_00, 500_00, true))
		mock.ExpectQuery("SELECT id, account_number, balance, status, version FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(1).
			WillReturnRows(accountRows(1, "1111111111", 5000_00, 3))
		mock.ExpectRollback()

		_, err := service.RepayLoan(33)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_ApproveLoan(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db, testLimits())

	t.Run("approval flips the flag once", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, reference_id, account_id, transaction_type, amount").
			WithArgs(40, models.Loan, models.LoanPaid).
			WillReturnRows(loanRows(40, 1, models.Loan, 1000_00, 500_00, false))
		mock.ExpectExec("UPDATE transactions SET loan_approve = true").
			WithArgs(40).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.NoError(t, service.ApproveLoan(40))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("double approval is rejected", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, reference_id, account_id, transaction_type, amount").
			WithArgs(41, models.Loan, models.LoanPaid).
			WillReturnRows(loanRows(41, 1, models.Loan, 1000_00, 500_00, true))
		mock.ExpectRollback()

		err := service.ApproveLoan(41)
		assert.True(t, IsValidationError(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("repaid loan cannot be approved", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, reference_id, account_id, transaction_type, amount").
			WithArgs(42, models.Loan, models.LoanPaid).
			WillReturnRows(loanRows(42, 1, models.LoanPaid, 1000_00, 4000_00, true))
		mock.ExpectRollback()

		assert.ErrorIs(t, service.ApproveLoan(42), ErrLoanAlreadyPaid)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func transactionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "reference_id", "account_id", "transaction_type", "amount",
		"balance_after_transaction", "loan_approve", "counterparty_account_number", "timestamp",
	})
}

func TestLedgerService_TransactionsInRange(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db, testLimits())

	t.Run("date bounds are passed inclusively", func(t *testing.T) {
		start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)

		mock.ExpectQuery("SELECT id FROM accounts WHERE account_number = \\$1").
			WithArgs("1111111111").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectQuery("timestamp::date >= \\$2::date AND timestamp::date <= \\$3::date").
			WithArgs(1, "2025-03-01", "2025-03-31").
			WillReturnRows(transactionRows().
				AddRow(1, "ref-1", 1, models.Deposit, int64(500_00), int64(500_00), false, "", start).
				AddRow(2, "ref-2", 1, models.Withdrawal, int64(200_00), int64(300_00), false, "", end))

		transactions, total, err := service.TransactionsInRange("1111111111", start, end)
		assert.NoError(t, err)
		assert.Len(t, transactions, 2)
		assert.Equal(t, int64(700_00), total)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		mock.ExpectQuery("SELECT id FROM accounts WHERE account_number = \\$1").
			WithArgs("9999999999").
			WillReturnError(sql.ErrNoRows)

		_, _, err := service.TransactionsInRange("9999999999", time.Now(), time.Now())
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
