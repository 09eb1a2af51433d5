package services

import (
	"fmt"

	"github.com/harborbank/backend/internal/config"
	"github.com/harborbank/backend/internal/money"
)

// Pure transaction rules. Each function takes the proposed amount (minor
// units) plus whatever account state the rule needs, and returns nil or a
// *ValidationError. None of them touch the database; the ledger engine
// re-checks balance inside the row lock before mutating.

func ValidateDeposit(amount int64, limits *config.Limits) error {
	if amount < limits.MinDeposit {
		return validationErrorf("you need to deposit at least %s", money.FormatAmount(limits.MinDeposit))
	}
	return nil
}

func ValidateWithdrawal(amount, balance int64, limits *config.Limits) error {
	if amount < limits.MinWithdrawal {
		return validationErrorf("you can withdraw at least %s", money.FormatAmount(limits.MinWithdrawal))
	}
	if amount > limits.MaxWithdrawal {
		return validationErrorf("you can withdraw at most %s", money.FormatAmount(limits.MaxWithdrawal))
	}
	if amount > balance {
		return fmt.Errorf("you have %s in your account, you can not withdraw more than your account balance: %w",
			money.FormatAmount(balance), ErrInsufficientFunds)
	}
	return nil
}

// ValidateLoanRequest accepts any positive amount; the only rule is the
// approved-loan ceiling, which is a hard stop rather than a form-level
// rejection.
func ValidateLoanRequest(approvedLoans int, limits *config.Limits) error {
	if approvedLoans >= limits.MaxApprovedLoans {
		return ErrLoanLimitExceeded
	}
	return nil
}

func ValidateTransfer(amount, senderBalance int64, limits *config.Limits) error {
	if amount < limits.MinTransfer {
		return validationErrorf("you can transfer at least %s", money.FormatAmount(limits.MinTransfer))
	}
	if amount > limits.MaxTransfer {
		return validationErrorf("you can transfer at most %s", money.FormatAmount(limits.MaxTransfer))
	}
	if amount > senderBalance {
		return fmt.Errorf("you have %s in your account, you can not transfer more than your account balance: %w",
			money.FormatAmount(senderBalance), ErrInsufficientFunds)
	}
	return nil
}
