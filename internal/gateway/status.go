package gateway

import "strings"

// Status is the canonical payment status every channel is normalised to
// before it reaches the reconciliation engine.
type Status string

const (
	StatusPaid       Status = "paid"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRefunded   Status = "refunded"
	StatusUnknown    Status = "unknown"
)

var statusVocabulary = map[string]Status{
	"paid":        StatusPaid,
	"success":     StatusPaid,
	"successful":  StatusPaid,
	"succeeded":   StatusPaid,
	"completed":   StatusPaid,
	"complete":    StatusPaid,
	"approved":    StatusPaid,
	"fail":        StatusFailed,
	"failed":      StatusFailed,
	"failure":     StatusFailed,
	"refused":     StatusFailed,
	"declined":    StatusFailed,
	"rejected":    StatusFailed,
	"error":       StatusFailed,
	"cancel":      StatusCancelled,
	"cancelled":   StatusCancelled,
	"canceled":    StatusCancelled,
	"expired":     StatusCancelled,
	"pending":     StatusPending,
	"new":         StatusPending,
	"created":     StatusPending,
	"waiting":     StatusPending,
	"processing":  StatusProcessing,
	"in_progress": StatusProcessing,
	"hold":        StatusProcessing,
	"refund":      StatusRefunded,
	"refunded":    StatusRefunded,
}

// NormalizeStatus maps a raw status token from any channel onto Status.
// Matching ignores case and surrounding whitespace; '-' and ' ' are read as '_'.
func NormalizeStatus(raw string) Status {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if s, ok := statusVocabulary[key]; ok {
		return s
	}
	return StatusUnknown
}

// Terminal reports whether s settles a payment.
func (s Status) Terminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
