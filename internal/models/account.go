package models

import (
	"time"
)

// Account statuses
const (
	AccountActive   = "ACTIVE"
	AccountInactive = "INACTIVE"
)

type Account struct {
	ID            int       `json:"id" db:"id"`
	UserID        int       `json:"user_id" db:"user_id"`
	AccountNumber string    `json:"account_number" db:"account_number"`
	Balance       int64     `json:"balance" db:"balance"` // in minor units
	Status        string    `json:"status" db:"status"`
	Version       int       `json:"version" db:"version"` // for optimistic locking
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}
