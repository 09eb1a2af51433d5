package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/harborbank/backend/internal/money"
)

const notificationQueue = "email_notifications"

// EmailJob is one queued notification. A worker outside this service renders
// the template and delivers the mail; delivery failure never affects a
// committed transaction.
type EmailJob struct {
	Recipient   string    `json:"recipient"`
	Subject     string    `json:"subject"`
	TemplateKey string    `json:"template_key"`
	Amount      string    `json:"amount,omitempty"`
	QueuedAt    time.Time `json:"queued_at"`
}

// NotifyService queues transaction emails on Redis, fire-and-forget.
type NotifyService struct {
	redis *redis.Client
}

func NewNotifyService(redisClient *redis.Client) *NotifyService {
	return &NotifyService{redis: redisClient}
}

// Notify enqueues one transaction email job. Amount is in minor units; the
// job carries the formatted value so the mail worker never does money
// arithmetic.
func (s *NotifyService) Notify(recipient, subject, templateKey string, amount int64) {
	s.enqueue(EmailJob{
		Recipient:   recipient,
		Subject:     subject,
		TemplateKey: templateKey,
		Amount:      money.FormatAmount(amount),
		QueuedAt:    time.Now(),
	})
}

// NotifyEvent enqueues a non-monetary email job, such as a password change
// notice.
func (s *NotifyService) NotifyEvent(recipient, subject, templateKey string) {
	s.enqueue(EmailJob{
		Recipient:   recipient,
		Subject:     subject,
		TemplateKey: templateKey,
		QueuedAt:    time.Now(),
	})
}

func (s *NotifyService) enqueue(job EmailJob) {
	if s.redis == nil {
		log.Printf("[NOTIFY] Redis unavailable, dropping %s notification for %s", job.TemplateKey, job.Recipient)
		return
	}

	data, err := json.Marshal(job)
	if err != nil {
		log.Printf("[NOTIFY] Failed to marshal notification: %v", err)
		return
	}

	if err := s.redis.RPush(context.Background(), notificationQueue, data).Err(); err != nil {
		log.Printf("[NOTIFY] Failed to queue notification for %s: %v", job.Recipient, err)
	}
}
