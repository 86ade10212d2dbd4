// Package order is the storefront order model seen by the payment
// integration: order totals and customer fields, payment metadata, audit
// notes, status transitions and cart restoration.
package order

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-gmpays/internal/common"
)

// ErrNotFound is returned when no order matches a lookup.
var ErrNotFound = common.ErrNotFound

// ErrInvalidChange rejects a change the store refuses to persist.
var ErrInvalidChange = errors.New("order: invalid change")

// PaymentState is the payment progression recorded on an order.
type PaymentState string

const (
	PaymentNone       PaymentState = "none"
	PaymentAwaiting   PaymentState = "awaiting"
	PaymentProcessing PaymentState = "processing"
	PaymentCompleted  PaymentState = "completed"
	PaymentFailed     PaymentState = "failed"
	PaymentCancelled  PaymentState = "cancelled"
)

// Terminal reports whether no further payment transition is allowed.
func (s PaymentState) Terminal() bool {
	switch s {
	case PaymentCompleted, PaymentFailed, PaymentCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s PaymentState) Valid() bool {
	switch s {
	case PaymentNone, PaymentAwaiting, PaymentProcessing, PaymentCompleted, PaymentFailed, PaymentCancelled:
		return true
	}
	return false
}

// Status is the storefront's own order status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusOnHold     Status = "on-hold"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Payment metadata keys written on the order.
const (
	MetaInvoiceID        = "gmpays_invoice_id"
	MetaPaymentURL       = "gmpays_payment_url"
	MetaInvoiceCreatedAt = "gmpays_invoice_created_at"
	MetaSettlementAmount = "gmpays_settlement_amount"
	MetaTransactionID    = "gmpays_transaction_id"
	MetaCompletedAt      = "gmpays_completed_at"
	MetaFailedAt         = "gmpays_failed_at"
	MetaCancelledAt      = "gmpays_cancelled_at"
	MetaProcessingAt     = "gmpays_processing_at"
	MetaFailureReason    = "gmpays_failure_reason"
	MetaLastChannel      = "gmpays_last_channel"
	MetaRefundedTotal    = "gmpays_refunded_total"
	MetaLastRefundID     = "gmpays_last_refund_id"
)

// Item is one order line.
type Item struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Note is an audit entry attached to an order.
type Note struct {
	ID              int64
	Text            string
	CustomerVisible bool
	CreatedAt       time.Time
}

// Order is the subset of the storefront order the integration reads.
type Order struct {
	ID            string
	Key           string
	Number        int64
	Status        Status
	PaymentStatus PaymentState
	Currency      string
	Total         decimal.Decimal
	Email         string
	FirstName     string
	LastName      string
	Phone         string
	TransactionID string
	PaidAt        *time.Time
	Version       int64
	Items         []Item
	Meta          map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CustomerName joins the customer's first and last name.
func (o Order) CustomerName() string {
	return strings.TrimSpace(o.FirstName + " " + o.LastName)
}

// MetaValue returns the metadata value stored under key.
func (o Order) MetaValue(key string) string {
	if o.Meta == nil {
		return ""
	}
	return o.Meta[key]
}

// Change is applied atomically by Adapter.Apply. Completing a payment also
// records TransactionID and the paid-at timestamp. A Change whose Status
// equals the expected state only adds metadata and notes.
type Change struct {
	Status        PaymentState
	OrderStatus   Status
	Meta          map[string]string
	Note          *Note
	TransactionID string
}

func (c Change) validate(expected PaymentState) error {
	if !c.Status.Valid() {
		return errors.Join(ErrInvalidChange, errors.New("unknown payment state "+string(c.Status)))
	}
	if c.Status == PaymentCompleted && expected != PaymentCompleted && strings.TrimSpace(c.TransactionID) == "" {
		return errors.Join(ErrInvalidChange, errors.New("completed payment requires a transaction id"))
	}
	return nil
}

// Adapter is the storefront collaborator used by the payment components.
type Adapter interface {
	Get(ctx context.Context, id string) (Order, error)
	// FindByMeta locates the order carrying metadata key=value.
	FindByMeta(ctx context.Context, key, value string) (Order, error)
	// FindByKey locates an order by its public order key.
	FindByKey(ctx context.Context, key string) (Order, error)
	// Apply writes change only if the order's payment state still equals
	// expected. It reports false, with no side effects, when another writer
	// got there first.
	Apply(ctx context.Context, id string, expected PaymentState, change Change) (bool, error)
	// RestoreCart recreates the customer's cart from the order lines. Calling
	// it again for the same order is a no-op.
	RestoreCart(ctx context.Context, id string) error
	// ListAwaiting returns orders still waiting on the processor that were
	// last updated before olderThan, oldest first.
	ListAwaiting(ctx context.Context, olderThan time.Time, limit int) ([]Order, error)
	Notes(ctx context.Context, id string) ([]Note, error)
}
