package sweep

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

// Task types handled by the worker.
const (
	TypeSweep = "gmpays:sweep"
	TypePoll  = "gmpays:poll"

	// Queue is the asynq queue payment maintenance runs on.
	Queue = "gmpays"
)

// PollPayload identifies the order whose invoice should be polled.
type PollPayload struct {
	OrderID   string `json:"orderId"`
	InvoiceID string `json:"invoiceId"`
}

// NewSweepTask builds the periodic sweep task.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TypeSweep, nil, asynq.Queue(Queue), asynq.MaxRetry(0))
}

// NewPollTask builds a status poll for one order. Sweeps within the dedupe
// window collapse onto the same poll; the lock is dropped once the poll
// finishes or the window lapses, so an archived poll never blocks the next one.
func NewPollTask(orderID, invoiceID string, maxRetry int, dedupe time.Duration) (*asynq.Task, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("poll task: order id is required")
	}
	if dedupe < time.Second {
		return nil, fmt.Errorf("poll task: dedupe window must be at least 1s")
	}
	payload, err := json.Marshal(PollPayload{OrderID: orderID, InvoiceID: invoiceID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePoll, payload,
		asynq.Queue(Queue),
		asynq.Unique(dedupe),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(2*time.Minute),
	), nil
}

// Schedule registers the periodic sweep with scheduler.
func Schedule(scheduler *asynq.Scheduler, every time.Duration) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("sweep interval must be positive")
	}
	return scheduler.Register("@every "+every.String(), NewSweepTask())
}
