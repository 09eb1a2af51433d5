package audit

import (
	"encoding/json"
	"log"
	"time"
)

// Event is one audit trail entry. Every balance mutation the ledger commits
// gets exactly one SUCCESS event; every refused or failed attempt gets a
// FAILED one.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	ReferenceID   string    `json:"reference_id"`
	AccountNumber string    `json:"account_number"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	Details       any       `json:"details,omitempty"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogMutation(referenceID, accountNumber, eventType string, amount, balanceAfter int64) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     eventType,
		ReferenceID:   referenceID,
		AccountNumber: accountNumber,
		Amount:        amount,
		Status:        "SUCCESS",
		Details:       map[string]int64{"balance_after": balanceAfter},
	})
}

func (a *Logger) LogTransfer(referenceID, fromAccount, toAccount string, amount int64, status string) {
	a.log(Event{
		Timestamp:   time.Now(),
		EventType:   "TRANSFER",
		ReferenceID: referenceID,
		Amount:      amount,
		Status:      status,
		Details: map[string]string{
			"from_account": fromAccount,
			"to_account":   toAccount,
		},
	})
}

func (a *Logger) LogError(referenceID, accountNumber string, err error) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		ReferenceID:   referenceID,
		AccountNumber: accountNumber,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
