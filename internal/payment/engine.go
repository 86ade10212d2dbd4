package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/toko-gmpays/internal/common"
	"github.com/noah-isme/toko-gmpays/internal/gateway"
	"github.com/noah-isme/toko-gmpays/internal/obs"
	"github.com/noah-isme/toko-gmpays/internal/order"
)

// Outcome summarises what the engine did with a notification.
type Outcome string

const (
	// OutcomeApplied means the order's payment state or history changed.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the order already reflects the notification.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the notification cannot move the order, for
	// example because another terminal state was reached first.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeNotFound means no order could be correlated.
	OutcomeNotFound Outcome = "not_found"
	// OutcomeRejected means a transition guard refused the notification.
	OutcomeRejected Outcome = "rejected"
)

const maxApplyAttempts = 3

// Locker serialises work on a key across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Result reports the engine's decision for one notification.
type Result struct {
	Outcome Outcome
	OrderID string
	From    order.PaymentState
	To      order.PaymentState
	Reason  string
}

// Engine is the single place where payment notifications from every channel
// turn into order state. Transitions use the adapter's check-then-set, so
// concurrent deliveries for one invoice settle on whichever terminal outcome
// is applied first; later ones are acknowledged without effect.
type Engine struct {
	Orders  order.Adapter
	Locker  Locker
	LockTTL time.Duration
	Logger  zerolog.Logger
	// Completed is invoked once after an order reaches completed.
	Completed func(ctx context.Context, o order.Order)
	Now       func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Apply reconciles n against its order.
func (e *Engine) Apply(ctx context.Context, n Notification) (res Result, err error) {
	ctx, span := otel.Tracer("payment.Engine").Start(ctx, "Engine.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("gmpays.channel", string(n.Channel)),
		attribute.String("gmpays.invoice_id", n.InvoiceID),
		attribute.String("gmpays.status", string(n.Status)),
	)
	defer func() {
		outcome := string(res.Outcome)
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("gmpays.outcome", outcome))
		if obs.NotificationTotal != nil {
			obs.NotificationTotal.WithLabelValues(obs.Label(string(n.Channel)), outcome).Inc()
		}
	}()

	if e == nil || e.Orders == nil {
		return Result{}, common.ConfigErrorf("reconciliation engine not configured")
	}
	log := e.Logger.With().Str("channel", string(n.Channel)).Str("invoice_id", n.InvoiceID).Str("status", string(n.Status)).Logger()

	if !n.Verified {
		log.Warn().Msg("refusing unverified notification")
		return Result{Outcome: OutcomeRejected, Reason: "unverified"}, &SignatureError{}
	}

	o, err := e.Correlate(ctx, n)
	if errors.Is(err, common.ErrNotFound) {
		log.Warn().Interface("refs", n.Refs).Msg("no order matches notification, dropping")
		return Result{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("correlate: %w", err)
	}
	log = log.With().Str("order_id", o.ID).Logger()

	if known := o.MetaValue(order.MetaInvoiceID); known != "" && n.InvoiceID != "" && known != n.InvoiceID {
		log.Error().Str("order_invoice_id", known).Msg("notification belongs to a superseded invoice")
		return Result{Outcome: OutcomeIgnored, OrderID: o.ID, From: o.PaymentStatus, To: o.PaymentStatus, Reason: "invoice_mismatch"}, nil
	}

	run := func(ctx context.Context) error {
		res, err = e.reconcile(ctx, o.ID, n, log)
		return err
	}
	if e.Locker != nil {
		ttl := e.LockTTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		if lockErr := e.Locker.WithLock(ctx, "gmpays:order:"+o.ID, ttl, run); lockErr != nil && err == nil {
			err = lockErr
		}
	} else {
		_ = run(ctx)
	}
	if err != nil {
		return res, err
	}

	evt := log.Info()
	if res.Outcome != OutcomeApplied {
		evt = log.Debug()
	}
	evt.Str("outcome", string(res.Outcome)).Str("from", string(res.From)).Str("to", string(res.To)).Str("reason", res.Reason).Msg("notification reconciled")
	return res, nil
}

func (e *Engine) reconcile(ctx context.Context, orderID string, n Notification, log zerolog.Logger) (Result, error) {
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		o, err := e.Orders.Get(ctx, orderID)
		if err != nil {
			return Result{}, fmt.Errorf("load order: %w", err)
		}
		d := e.decide(o, n)
		if d.change == nil {
			d.result.OrderID = o.ID
			return d.result, nil
		}

		ok, err := e.Orders.Apply(ctx, o.ID, o.PaymentStatus, *d.change)
		if err != nil {
			return Result{}, fmt.Errorf("apply %s: %w", d.change.Status, err)
		}
		if !ok {
			log.Debug().Int("attempt", attempt).Msg("lost payment state race, re-evaluating")
			continue
		}

		res := d.result
		res.OrderID = o.ID
		e.afterApply(ctx, o, d.change.Status, log)
		return res, nil
	}
	return Result{}, fmt.Errorf("%w: payment state kept changing for order %s", common.ErrRetryable, orderID)
}

type decision struct {
	change *order.Change
	result Result
}

// decide picks the transition for n given the order's current state. It has
// no side effects, so it can be re-run after a lost race.
func (e *Engine) decide(o order.Order, n Notification) decision {
	from := o.PaymentStatus
	noop := func(outcome Outcome, reason string) decision {
		return decision{result: Result{Outcome: outcome, From: from, To: from, Reason: reason}}
	}
	now := e.now().Format(time.RFC3339)
	meta := map[string]string{order.MetaLastChannel: string(n.Channel)}
	if n.InvoiceID != "" && o.MetaValue(order.MetaInvoiceID) == "" {
		meta[order.MetaInvoiceID] = n.InvoiceID
	}

	if n.Status == gateway.StatusRefunded {
		return e.planRefund(o, n, meta)
	}

	target, ok := targetState(n.Status)
	if !ok {
		return noop(OutcomeIgnored, "status_"+string(n.Status))
	}

	if from.Terminal() {
		if target == from {
			return noop(OutcomeDuplicate, "already_"+string(from))
		}
		return noop(OutcomeIgnored, "terminal_"+string(from))
	}

	switch target {
	case order.PaymentAwaiting:
		// pending never regresses a started payment
		if from == order.PaymentAwaiting {
			return noop(OutcomeDuplicate, "already_awaiting")
		}
		return noop(OutcomeIgnored, "pending_after_"+string(from))

	case order.PaymentProcessing:
		if from == order.PaymentProcessing {
			return noop(OutcomeDuplicate, "already_processing")
		}
		meta[order.MetaProcessingAt] = now
		return e.transition(from, target, order.Change{
			Status:      order.PaymentProcessing,
			OrderStatus: order.StatusOnHold,
			Meta:        meta,
			Note:        &order.Note{Text: fmt.Sprintf("GMPays payment is processing (%s).", n.Channel)},
		})

	case order.PaymentCompleted:
		txn := strings.TrimSpace(n.TransactionID)
		if txn == "" {
			return noop(OutcomeRejected, "missing_transaction_id")
		}
		meta[order.MetaTransactionID] = txn
		meta[order.MetaCompletedAt] = now
		return e.transition(from, target, order.Change{
			Status:        order.PaymentCompleted,
			OrderStatus:   order.StatusProcessing,
			TransactionID: txn,
			Meta:          meta,
			Note:          &order.Note{Text: fmt.Sprintf("Payment completed via GMPays (%s). Transaction ID: %s", n.Channel, txn)},
		})

	case order.PaymentFailed:
		meta[order.MetaFailedAt] = now
		text := fmt.Sprintf("Payment failed via GMPays (%s).", n.Channel)
		if n.Reason != "" {
			meta[order.MetaFailureReason] = n.Reason
			text = fmt.Sprintf("Payment failed via GMPays (%s): %s", n.Channel, n.Reason)
		}
		return e.transition(from, target, order.Change{
			Status:      order.PaymentFailed,
			OrderStatus: order.StatusFailed,
			Meta:        meta,
			Note:        &order.Note{Text: text, CustomerVisible: true},
		})

	case order.PaymentCancelled:
		meta[order.MetaCancelledAt] = now
		if n.Reason != "" {
			meta[order.MetaFailureReason] = n.Reason
		}
		return e.transition(from, target, order.Change{
			Status:      order.PaymentCancelled,
			OrderStatus: order.StatusCancelled,
			Meta:        meta,
			Note:        &order.Note{Text: fmt.Sprintf("Payment cancelled via GMPays (%s).", n.Channel), CustomerVisible: true},
		})
	}
	return noop(OutcomeIgnored, "unhandled")
}

func (e *Engine) transition(from, to order.PaymentState, change order.Change) decision {
	return decision{change: &change, result: Result{Outcome: OutcomeApplied, From: from, To: to}}
}

func (e *Engine) planRefund(o order.Order, n Notification, meta map[string]string) decision {
	from := o.PaymentStatus
	if from != order.PaymentCompleted {
		return decision{result: Result{Outcome: OutcomeIgnored, From: from, To: from, Reason: "refund_without_payment"}}
	}
	if n.RefundID != "" && o.MetaValue(order.MetaLastRefundID) == n.RefundID {
		return decision{result: Result{Outcome: OutcomeDuplicate, From: from, To: from, Reason: "refund_recorded"}}
	}
	text := "Refund reported by GMPays."
	if amount, err := decimal.NewFromString(n.Amount); err == nil && amount.IsPositive() {
		text = fmt.Sprintf("Refund of %s %s reported by GMPays.", amount.StringFixed(2), strings.ToUpper(n.Currency))
	}
	if n.RefundID != "" {
		meta[order.MetaLastRefundID] = n.RefundID
		text += " Refund ID: " + n.RefundID
	}
	return decision{
		change: &order.Change{Status: from, Meta: meta, Note: &order.Note{Text: strings.TrimSpace(text)}},
		result: Result{Outcome: OutcomeApplied, From: from, To: from, Reason: "refund_noted"},
	}
}

// afterApply runs the side effects that follow a won transition.
func (e *Engine) afterApply(ctx context.Context, before order.Order, to order.PaymentState, log zerolog.Logger) {
	switch to {
	case order.PaymentFailed, order.PaymentCancelled:
		if err := e.Orders.RestoreCart(ctx, before.ID); err != nil {
			log.Error().Err(err).Msg("restore cart")
		}
	case order.PaymentCompleted:
		if e.Completed != nil {
			if updated, err := e.Orders.Get(ctx, before.ID); err == nil {
				e.Completed(ctx, updated)
			} else {
				log.Error().Err(err).Msg("reload completed order")
			}
		}
	}
}

// Correlate finds the order by invoice id, then by the secondary references
// in the order they were supplied.
func (e *Engine) Correlate(ctx context.Context, n Notification) (order.Order, error) {
	if n.InvoiceID != "" {
		o, err := e.Orders.FindByMeta(ctx, order.MetaInvoiceID, n.InvoiceID)
		if err == nil || !errors.Is(err, common.ErrNotFound) {
			return o, err
		}
	}
	for _, ref := range n.Refs {
		var (
			o   order.Order
			err error
		)
		if ref.ByKey {
			o, err = e.Orders.FindByKey(ctx, ref.Value)
		} else {
			o, err = e.Orders.Get(ctx, ref.Value)
		}
		if err == nil || !errors.Is(err, common.ErrNotFound) {
			return o, err
		}
	}
	return order.Order{}, common.ErrNotFound
}

func targetState(s gateway.Status) (order.PaymentState, bool) {
	switch s {
	case gateway.StatusPaid:
		return order.PaymentCompleted, true
	case gateway.StatusFailed:
		return order.PaymentFailed, true
	case gateway.StatusCancelled:
		return order.PaymentCancelled, true
	case gateway.StatusProcessing:
		return order.PaymentProcessing, true
	case gateway.StatusPending:
		return order.PaymentAwaiting, true
	}
	return "", false
}

// MarkAwaiting records a freshly created invoice and moves the order from
// none to awaiting.
func (e *Engine) MarkAwaiting(ctx context.Context, orderID string, inv gateway.Invoice, settlement decimal.Decimal) (Result, error) {
	ctx, span := otel.Tracer("payment.Engine").Start(ctx, "Engine.MarkAwaiting")
	defer span.End()

	if inv.ID == "" || inv.PaymentURL == "" {
		return Result{}, fmt.Errorf("%w: invoice id and payment url are required", ErrMalformed)
	}
	o, err := e.Orders.Get(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if o.PaymentStatus != order.PaymentNone {
		return Result{Outcome: OutcomeIgnored, OrderID: o.ID, From: o.PaymentStatus, To: o.PaymentStatus, Reason: "payment_started"}, nil
	}
	ok, err := e.Orders.Apply(ctx, o.ID, order.PaymentNone, order.Change{
		Status:      order.PaymentAwaiting,
		OrderStatus: order.StatusPending,
		Meta: map[string]string{
			order.MetaInvoiceID:        inv.ID,
			order.MetaPaymentURL:       inv.PaymentURL,
			order.MetaInvoiceCreatedAt: e.now().Format(time.RFC3339),
			order.MetaSettlementAmount: settlement.StringFixed(2),
		},
		Note: &order.Note{Text: fmt.Sprintf("GMPays invoice %s created for %s USD. Awaiting payment.", inv.ID, settlement.StringFixed(2))},
	})
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	if !ok {
		current, err := e.Orders.Get(ctx, o.ID)
		if err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeIgnored, OrderID: o.ID, From: current.PaymentStatus, To: current.PaymentStatus, Reason: "payment_started"}, nil
	}
	e.Logger.Info().Str("order_id", o.ID).Str("invoice_id", inv.ID).Msg("order awaiting payment")
	return Result{Outcome: OutcomeApplied, OrderID: o.ID, From: order.PaymentNone, To: order.PaymentAwaiting}, nil
}

// RecordRefund notes an operator refund on a completed order.
func (e *Engine) RecordRefund(ctx context.Context, orderID string, amount decimal.Decimal, refundID, reason string) error {
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		o, err := e.Orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if o.PaymentStatus != order.PaymentCompleted {
			return fmt.Errorf("%w: order %s is not paid", ErrNotRefundable, orderID)
		}
		refunded, _ := decimal.NewFromString(o.MetaValue(order.MetaRefundedTotal))
		total := refunded.Add(amount)
		meta := map[string]string{order.MetaRefundedTotal: total.StringFixed(2)}
		if refundID != "" {
			meta[order.MetaLastRefundID] = refundID
		}
		change := order.Change{
			Status: order.PaymentCompleted,
			Meta:   meta,
			Note:   &order.Note{Text: strings.TrimSpace(fmt.Sprintf("Refunded %s USD via GMPays. %s", amount.StringFixed(2), reason))},
		}
		if settled, err := decimal.NewFromString(o.MetaValue(order.MetaSettlementAmount)); err == nil && total.GreaterThanOrEqual(settled) {
			change.OrderStatus = order.StatusRefunded
		}
		ok, err := e.Orders.Apply(ctx, o.ID, order.PaymentCompleted, change)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: could not record refund", common.ErrRetryable)
}

// ErrNotRefundable rejects refunds of unpaid or over-refunded orders.
var ErrNotRefundable = errors.New("payment: order is not refundable")
