package config

import (
	"os"
	"strconv"
)

// Limits holds the business rules for each transaction kind. Amounts are in
// minor units (100 = one whole accounting unit).
type Limits struct {
	MinDeposit       int64
	MinWithdrawal    int64
	MaxWithdrawal    int64
	MinTransfer      int64
	MaxTransfer      int64
	MaxApprovedLoans int
	ConflictRetries  int
}

func LoadLimits() *Limits {
	return &Limits{
		MinDeposit:       getEnvAsInt64("LEDGER_MIN_DEPOSIT", 500_00),
		MinWithdrawal:    getEnvAsInt64("LEDGER_MIN_WITHDRAWAL", 500_00),
		MaxWithdrawal:    getEnvAsInt64("LEDGER_MAX_WITHDRAWAL", 20000_00),
		MinTransfer:      getEnvAsInt64("LEDGER_MIN_TRANSFER", 500_00),
		MaxTransfer:      getEnvAsInt64("LEDGER_MAX_TRANSFER", 10000_00),
		MaxApprovedLoans: getEnvAsInt("LEDGER_MAX_APPROVED_LOANS", 3),
		ConflictRetries:  getEnvAsInt("LEDGER_CONFLICT_RETRIES", 3),
	}
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}
