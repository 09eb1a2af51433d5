package models

import (
	"time"
)

// TransactionType identifies the kind of balance-affecting event a
// transaction row records.
type TransactionType int

const (
	Deposit TransactionType = iota + 1
	Withdrawal
	Loan
	LoanPaid
	TransferAmount
)

var transactionTypeNames = map[TransactionType]string{
	Deposit:        "Deposit",
	Withdrawal:     "Withdrawal",
	Loan:           "Loan",
	LoanPaid:       "Loan Paid",
	TransferAmount: "Transfer Amount",
}

func (t TransactionType) String() string {
	if name, ok := transactionTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// Transaction is one immutable row of the transaction log. Only the
// loan_approve flag and the Loan -> LoanPaid type transition are ever
// mutated after creation.
type Transaction struct {
	ID              int             `json:"id" db:"id"`
	ReferenceID     string          `json:"reference_id" db:"reference_id"`
	AccountID       int             `json:"account_id" db:"account_id"`
	TransactionType TransactionType `json:"transaction_type" db:"transaction_type"`
	Amount          int64           `json:"amount" db:"amount"` // in minor units
	BalanceAfter    int64           `json:"balance_after_transaction" db:"balance_after_transaction"`
	LoanApprove     bool            `json:"loan_approve" db:"loan_approve"`
	// CounterpartyAccountNumber pairs the two legs of a transfer; empty for
	// every other transaction type.
	CounterpartyAccountNumber string    `json:"counterparty_account_number,omitempty" db:"counterparty_account_number"`
	Timestamp                 time.Time `json:"timestamp" db:"timestamp"`
}
