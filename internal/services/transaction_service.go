package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/harborbank/backend/internal/config"
	"github.com/harborbank/backend/internal/models"
	"github.com/harborbank/backend/internal/money"
)

// TransactionService exposes the ledger operations over HTTP. Handlers only
// parse, validate shape and map errors; every balance rule lives in the
// ledger engine.
type TransactionService struct {
	db        *sql.DB
	ledger    *LedgerService
	loans     *LoanService
	notify    *NotifyService
	validator *ValidationHelper
}

func NewTransactionService(db *sql.DB, redisClient *redis.Client, limits *config.Limits) *TransactionService {
	return &TransactionService{
		db:        db,
		ledger:    NewLedgerService(db, limits),
		loans:     NewLoanService(db),
		notify:    NewNotifyService(redisClient),
		validator: NewValidationHelper(),
	}
}

type amountRequest struct {
	Amount string `json:"amount" validate:"required"`
}

type transferRequest struct {
	Amount                 string `json:"amount" validate:"required"`
	RecipientAccountNumber string `json:"recipientAccountNumber" validate:"required,len=10,numeric"`
}

type transactionResponse struct {
	Success     bool                `json:"success"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
	Balance     string              `json:"balance,omitempty"`
}

// Deposit credits the authenticated user's account.
func (ts *TransactionService) Deposit(w http.ResponseWriter, r *http.Request) {
	account, email, ok := ts.currentAccount(w, r)
	if !ok {
		return
	}

	amount, ok := ts.decodeAmount(w, r)
	if !ok {
		return
	}

	txn, err := ts.ledger.Deposit(account.AccountNumber, amount)
	if err != nil {
		log.Printf("[LEDGER] Deposit failed for account %s: %v", account.AccountNumber, err)
		ts.sendLedgerError(w, err)
		return
	}

	log.Printf("[LEDGER] Amount %s deposited to account %s", money.FormatAmount(amount), account.AccountNumber)
	ts.notify.Notify(email, "Deposit Balance", "deposit_email", amount)

	ts.sendTransaction(w, http.StatusCreated, txn)
}

// Withdraw debits the authenticated user's account.
func (ts *TransactionService) Withdraw(w http.ResponseWriter, r *http.Request) {
	account, email, ok := ts.currentAccount(w, r)
	if !ok {
		return
	}

	amount, ok := ts.decodeAmount(w, r)
	if !ok {
		return
	}

	txn, err := ts.ledger.Withdraw(account.AccountNumber, amount)
	if err != nil {
		log.Printf("[LEDGER] Withdrawal failed for account %s: %v", account.AccountNumber, err)
		ts.sendLedgerError(w, err)
		return
	}

	log.Printf("[LEDGER] Amount %s withdrawn from account %s", money.FormatAmount(amount), account.AccountNumber)
	ts.notify.Notify(email, "Withdrawal Balance", "withdrawal_email", amount)

	ts.sendTransaction(w, http.StatusCreated, txn)
}

// Transfer moves money to another account, identified by its number.
func (ts *TransactionService) Transfer(w http.ResponseWriter, r *http.Request) {
	account, email, ok := ts.currentAccount(w, r)
	if !ok {
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req transferRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	amount, err := money.ParseAmount(req.Amount)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	debit, _, err := ts.ledger.Transfer(account.AccountNumber, req.RecipientAccountNumber, amount)
	if err != nil {
		log.Printf("[TRANSFER] Transfer of %s from %s to %s failed: %v",
			money.FormatAmount(amount), account.AccountNumber, req.RecipientAccountNumber, err)
		ts.sendLedgerError(w, err)
		return
	}

	log.Printf("[TRANSFER] Amount %s transferred from %s to %s",
		money.FormatAmount(amount), account.AccountNumber, req.RecipientAccountNumber)

	// Notify both parties after commit; delivery is fire-and-forget.
	ts.notify.Notify(email, "Send Money", "send_money_email", amount)
	if recipientEmail, err := ts.ownerEmail(req.RecipientAccountNumber); err == nil {
		ts.notify.Notify(recipientEmail, "Receive Money", "receive_money_email", amount)
	}

	ts.sendTransaction(w, http.StatusCreated, debit)
}

// RequestLoan records a loan request awaiting administrative approval.
func (ts *TransactionService) RequestLoan(w http.ResponseWriter, r *http.Request) {
	account, email, ok := ts.currentAccount(w, r)
	if !ok {
		return
	}

	amount, ok := ts.decodeAmount(w, r)
	if !ok {
		return
	}

	txn, err := ts.ledger.RequestLoan(account.AccountNumber, amount)
	if err != nil {
		log.Printf("[LOAN] Loan request failed for account %s: %v", account.AccountNumber, err)
		ts.sendLedgerError(w, err)
		return
	}

	log.Printf("[LOAN] Loan request for %s sent for account %s", money.FormatAmount(amount), account.AccountNumber)
	ts.notify.Notify(email, "Loan Request Message", "loan_email", amount)

	ts.sendTransaction(w, http.StatusCreated, txn)
}

// RepayLoan settles an approved loan in full.
func (ts *TransactionService) RepayLoan(w http.ResponseWriter, r *http.Request) {
	account, email, ok := ts.currentAccount(w, r)
	if !ok {
		return
	}

	loanID, err := strconv.Atoi(chi.URLParam(r, "loanId"))
	if err != nil {
		SendErrorResponse(w, "Invalid loan id", http.StatusBadRequest, nil)
		return
	}

	var ownerID int
	err = ts.db.QueryRow(`
		SELECT account_id FROM transactions
		WHERE id = $1 AND transaction_type IN ($2, $3)`,
		loanID, models.Loan, models.LoanPaid).Scan(&ownerID)
	if err == sql.ErrNoRows || (err == nil && ownerID != account.ID) {
		SendErrorResponse(w, ErrTransactionNotFound.Error(), http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[LOAN] Failed to resolve loan %d: %v", loanID, err)
		SendErrorResponse(w, "Failed to process transaction", http.StatusInternalServerError, nil)
		return
	}

	loan, err := ts.ledger.RepayLoan(loanID)
	if err != nil {
		log.Printf("[LOAN] Repayment of loan %d failed: %v", loanID, err)
		ts.sendLedgerError(w, err)
		return
	}

	log.Printf("[LOAN] Loan %d repaid, new balance %s", loanID, money.FormatAmount(loan.BalanceAfter))
	ts.notify.Notify(email, "Loan Paid Message", "loan_paid_email", loan.Amount)

	ts.sendTransaction(w, http.StatusOK, loan)
}

// ApproveLoan is the administrative approval action.
func (ts *TransactionService) ApproveLoan(w http.ResponseWriter, r *http.Request) {
	loanID, err := strconv.Atoi(chi.URLParam(r, "loanId"))
	if err != nil {
		SendErrorResponse(w, "Invalid loan id", http.StatusBadRequest, nil)
		return
	}

	if err := ts.ledger.ApproveLoan(loanID); err != nil {
		log.Printf("[LOAN] Approval of loan %d failed: %v", loanID, err)
		ts.sendLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"loanId":  loanID,
	})
}

// ListLoans returns the caller's loan history.
func (ts *TransactionService) ListLoans(w http.ResponseWriter, r *http.Request) {
	account, _, ok := ts.currentAccount(w, r)
	if !ok {
		return
	}

	loans, err := ts.loans.ListLoans(account.ID)
	if err != nil {
		log.Printf("[LOAN] Failed to list loans for account %s: %v", account.AccountNumber, err)
		SendErrorResponse(w, "Failed to fetch loans", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"loans": loans,
		"count": len(loans),
	})
}

// TransactionReport lists the caller's transactions, optionally restricted
// to an inclusive [start_date, end_date] range, with the sum of amounts.
func (ts *TransactionService) TransactionReport(w http.ResponseWriter, r *http.Request) {
	account, _, ok := ts.currentAccount(w, r)
	if !ok {
		return
	}

	startStr := r.URL.Query().Get("start_date")
	endStr := r.URL.Query().Get("end_date")

	var transactions []models.Transaction
	var total int64
	var err error

	if startStr != "" && endStr != "" {
		start, perr := time.Parse("2006-01-02", startStr)
		if perr != nil {
			SendErrorResponse(w, "start_date must be YYYY-MM-DD", http.StatusBadRequest, nil)
			return
		}
		end, perr := time.Parse("2006-01-02", endStr)
		if perr != nil {
			SendErrorResponse(w, "end_date must be YYYY-MM-DD", http.StatusBadRequest, nil)
			return
		}
		transactions, total, err = ts.ledger.TransactionsInRange(account.AccountNumber, start, end)
	} else {
		transactions, total, err = ts.ledger.AccountTransactions(account.AccountNumber)
	}

	if err != nil {
		log.Printf("[REPORT] Failed to build report for account %s: %v", account.AccountNumber, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
		"totalAmount":  money.FormatAmount(total),
	})
}

// AccountBalance returns the caller's current account snapshot.
func (ts *TransactionService) AccountBalance(w http.ResponseWriter, r *http.Request) {
	account, _, ok := ts.currentAccount(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"accountNumber": account.AccountNumber,
		"balance":       money.FormatAmount(account.Balance),
		"status":        account.Status,
	})
}

// decodeAmount reads a single {"amount": "..."} body and converts it to
// minor units.
func (ts *TransactionService) decodeAmount(w http.ResponseWriter, r *http.Request) (int64, bool) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req amountRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return 0, false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return 0, false
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return 0, false
	}

	amount, err := money.ParseAmount(req.Amount)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return 0, false
	}

	return amount, true
}

// currentAccount resolves the authenticated user to their single account.
func (ts *TransactionService) currentAccount(w http.ResponseWriter, r *http.Request) (*models.Account, string, bool) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return nil, "", false
	}

	var account models.Account
	var email string
	err := ts.db.QueryRow(`
		SELECT a.id, a.account_number, a.balance, a.status, a.version, u.email
		FROM accounts a
		JOIN users u ON a.user_id = u.id
		WHERE u.id = $1::integer`,
		userID).Scan(&account.ID, &account.AccountNumber, &account.Balance, &account.Status, &account.Version, &email)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[LEDGER] Failed to resolve account for user %s: %v", userID, err)
			SendErrorResponse(w, "Failed to resolve account", http.StatusInternalServerError, nil)
		}
		return nil, "", false
	}

	return &account, email, true
}

func (ts *TransactionService) ownerEmail(accountNumber string) (string, error) {
	var email string
	err := ts.db.QueryRow(`
		SELECT u.email
		FROM users u
		JOIN accounts a ON a.user_id = u.id
		WHERE a.account_number = $1`,
		accountNumber).Scan(&email)
	return email, err
}

func (ts *TransactionService) sendTransaction(w http.ResponseWriter, status int, txn *models.Transaction) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(transactionResponse{
		Success:     true,
		Transaction: txn,
		Balance:     money.FormatAmount(txn.BalanceAfter),
	})
}

// sendLedgerError maps domain errors to HTTP statuses. Everything the ledger
// refuses is recoverable; only unknown failures become 500s.
func (ts *TransactionService) sendLedgerError(w http.ResponseWriter, err error) {
	switch {
	case IsValidationError(err):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, ErrInsufficientFunds):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, ErrSelfTransfer):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, ErrLoanLimitExceeded), errors.Is(err, ErrLoanNotApproved), errors.Is(err, ErrAccountInactive):
		SendErrorResponse(w, err.Error(), http.StatusForbidden, nil)
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrTransactionNotFound):
		SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, ErrLoanAlreadyPaid), errors.Is(err, ErrTransientConflict):
		SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	default:
		SendErrorResponse(w, "Failed to process transaction", http.StatusInternalServerError, nil)
	}
}
