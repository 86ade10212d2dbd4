package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-gmpays/internal/common"
	"github.com/noah-isme/toko-gmpays/internal/gateway"
	"github.com/noah-isme/toko-gmpays/internal/order"
	"github.com/noah-isme/toko-gmpays/internal/payment"
	"github.com/noah-isme/toko-gmpays/internal/signature"
)

const (
	testSecret  = "gmpays-test-secret"
	testOrderID = "order-1"
	testInvoice = "INV123"
)

type harness struct {
	store       *order.MemoryStore
	engine      *payment.Engine
	signer      signature.Signer
	completions atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	signer, err := signature.New(signature.AuthMethod{Kind: signature.MethodHMAC, Secret: testSecret})
	require.NoError(t, err)

	store := order.NewMemoryStore()
	store.Put(order.Order{
		ID:        testOrderID,
		Key:       "wc_order_abc",
		Number:    1001,
		Currency:  "EUR",
		Total:     decimal.RequireFromString("10.00"),
		Email:     "buyer@example.com",
		FirstName: "Ana",
		LastName:  "Diaz",
		Items: []order.Item{
			{ProductID: "p-1", Name: "Mug", Quantity: 2, UnitPrice: decimal.RequireFromString("5.00")},
		},
	})

	h := &harness{store: store, signer: signer}
	h.engine = &payment.Engine{
		Orders: store,
		Logger: zerolog.Nop(),
		Completed: func(context.Context, order.Order) {
			h.completions.Add(1)
		},
	}
	return h
}

func (h *harness) awaiting(t *testing.T) {
	t.Helper()
	res, err := h.engine.MarkAwaiting(context.Background(), testOrderID, gateway.Invoice{
		ID:         testInvoice,
		PaymentURL: "https://checkout.pay.gmpays.com/invoice/" + testInvoice,
	}, decimal.RequireFromString("11.00"))
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeApplied, res.Outcome)
}

func (h *harness) order(t *testing.T) order.Order {
	t.Helper()
	o, err := h.store.Get(context.Background(), testOrderID)
	require.NoError(t, err)
	return o
}

func (h *harness) notesContaining(t *testing.T, text string) int {
	t.Helper()
	notes, err := h.store.Notes(context.Background(), testOrderID)
	require.NoError(t, err)
	count := 0
	for _, n := range notes {
		if strings.Contains(n.Text, text) {
			count++
		}
	}
	return count
}

// signedBody renders a webhook body carrying a valid signature.
func (h *harness) signedBody(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	require.NoError(t, signature.Attach(h.signer, payload))
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return body
}

func paid(channel payment.Channel) payment.Notification {
	return payment.Notification{
		Channel:       channel,
		InvoiceID:     testInvoice,
		Status:        gateway.StatusPaid,
		RawStatus:     "paid",
		TransactionID: "TXN1",
		Verified:      true,
	}
}

func failed(channel payment.Channel) payment.Notification {
	return payment.Notification{
		Channel:   channel,
		InvoiceID: testInvoice,
		Status:    gateway.StatusFailed,
		RawStatus: "failed",
		Reason:    "card declined",
		Verified:  true,
	}
}

func TestMarkAwaitingRecordsInvoice(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)

	o := h.order(t)
	require.Equal(t, order.PaymentAwaiting, o.PaymentStatus)
	require.Equal(t, order.StatusPending, o.Status)
	require.Equal(t, testInvoice, o.MetaValue(order.MetaInvoiceID))
	require.Equal(t, "https://checkout.pay.gmpays.com/invoice/INV123", o.MetaValue(order.MetaPaymentURL))
	require.Equal(t, "11.00", o.MetaValue(order.MetaSettlementAmount))

	res, err := h.engine.MarkAwaiting(context.Background(), testOrderID, gateway.Invoice{ID: "INV999", PaymentURL: "https://x/invoice/INV999"}, decimal.NewFromInt(11))
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeIgnored, res.Outcome)
	require.Equal(t, testInvoice, h.order(t).MetaValue(order.MetaInvoiceID))
}

func TestMarkAwaitingRequiresInvoice(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.MarkAwaiting(context.Background(), testOrderID, gateway.Invoice{ID: testInvoice}, decimal.NewFromInt(11))
	require.ErrorIs(t, err, payment.ErrMalformed)
	require.Equal(t, order.PaymentNone, h.order(t).PaymentStatus)
}

func TestEngineCompletesOrder(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)

	res, err := h.engine.Apply(context.Background(), paid(payment.ChannelWebhook))
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeApplied, res.Outcome)
	require.Equal(t, order.PaymentAwaiting, res.From)
	require.Equal(t, order.PaymentCompleted, res.To)

	o := h.order(t)
	require.Equal(t, order.PaymentCompleted, o.PaymentStatus)
	require.Equal(t, order.StatusProcessing, o.Status)
	require.Equal(t, "TXN1", o.TransactionID)
	require.Equal(t, "TXN1", o.MetaValue(order.MetaTransactionID))
	require.NotEmpty(t, o.MetaValue(order.MetaCompletedAt))
	require.Equal(t, "webhook", o.MetaValue(order.MetaLastChannel))
	require.NotNil(t, o.PaidAt)
	require.EqualValues(t, 1, h.completions.Load())
}

func TestEngineIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)

	_, err := h.engine.Apply(context.Background(), paid(payment.ChannelWebhook))
	require.NoError(t, err)
	first := h.order(t)

	res, err := h.engine.Apply(context.Background(), paid(payment.ChannelWebhook))
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeDuplicate, res.Outcome)

	second := h.order(t)
	require.Equal(t, first.Version, second.Version)
	require.Equal(t, first.Meta, second.Meta)
	require.Equal(t, 1, h.notesContaining(t, "Payment completed"))
	require.EqualValues(t, 1, h.completions.Load())
}

func TestEngineTerminalStateIsImmutable(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)
	_, err := h.engine.Apply(context.Background(), paid(payment.ChannelWebhook))
	require.NoError(t, err)

	res, err := h.engine.Apply(context.Background(), payment.Notification{
		Channel:   payment.ChannelWebhook,
		InvoiceID: testInvoice,
		Status:    gateway.StatusCancelled,
		RawStatus: "cancelled",
		Verified:  true,
	})
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeIgnored, res.Outcome)
	require.Equal(t, order.PaymentCompleted, h.order(t).PaymentStatus)
	_, restored := h.store.Cart(testOrderID)
	require.False(t, restored)
}

func TestEngineRejectsUnverified(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)

	n := paid(payment.ChannelRedirect)
	n.Verified = false
	_, err := h.engine.Apply(context.Background(), n)
	require.ErrorIs(t, err, common.ErrAuthentication)
	require.Equal(t, order.PaymentAwaiting, h.order(t).PaymentStatus)
}

func TestEngineRequiresTransactionIDForPaid(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)

	n := paid(payment.ChannelWebhook)
	n.TransactionID = " "
	res, err := h.engine.Apply(context.Background(), n)
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeRejected, res.Outcome)
	require.Equal(t, "missing_transaction_id", res.Reason)
	require.Equal(t, order.PaymentAwaiting, h.order(t).PaymentStatus)
}

func TestEngineFailureRestoresCart(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)

	res, err := h.engine.Apply(context.Background(), failed(payment.ChannelWebhook))
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeApplied, res.Outcome)

	o := h.order(t)
	require.Equal(t, order.PaymentFailed, o.PaymentStatus)
	require.Equal(t, order.StatusFailed, o.Status)
	require.Equal(t, "card declined", o.MetaValue(order.MetaFailureReason))
	require.NotEmpty(t, o.MetaValue(order.MetaFailedAt))

	items, restored := h.store.Cart(testOrderID)
	require.True(t, restored)
	require.Len(t, items, 1)
	require.Equal(t, "p-1", items[0].ProductID)
	require.Equal(t, 2, items[0].Quantity)
	require.Zero(t, h.completions.Load())
}

func TestEngineProcessingThenPaid(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)

	res, err := h.engine.Apply(context.Background(), payment.Notification{
		Channel: payment.ChannelPoll, InvoiceID: testInvoice, Status: gateway.StatusProcessing, Verified: true,
	})
	require.NoError(t, err)
	require.Equal(t, order.PaymentProcessing, res.To)
	require.Equal(t, order.StatusOnHold, h.order(t).Status)

	// pending never moves a started payment back
	res, err = h.engine.Apply(context.Background(), payment.Notification{
		Channel: payment.ChannelPoll, InvoiceID: testInvoice, Status: gateway.StatusPending, Verified: true,
	})
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeIgnored, res.Outcome)

	res, err = h.engine.Apply(context.Background(), paid(payment.ChannelWebhook))
	require.NoError(t, err)
	require.Equal(t, order.PaymentProcessing, res.From)
	require.Equal(t, order.PaymentCompleted, h.order(t).PaymentStatus)
}

func TestEngineUnknownOrderIsDropped(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)

	n := paid(payment.ChannelWebhook)
	n.InvoiceID = "INV-UNKNOWN"
	n.Refs = []payment.OrderRef{{Value: "order-404"}, {ByKey: true, Value: "wc_order_missing"}}
	res, err := h.engine.Apply(context.Background(), n)
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeNotFound, res.Outcome)
	require.Equal(t, order.PaymentAwaiting, h.order(t).PaymentStatus)
}

func TestEngineSecondaryCorrelation(t *testing.T) {
	t.Run("order key before invoice is recorded", func(t *testing.T) {
		h := newHarness(t)
		n := paid(payment.ChannelWebhook)
		n.InvoiceID = "INV777"
		n.Refs = []payment.OrderRef{{ByKey: true, Value: "wc_order_abc"}}

		res, err := h.engine.Apply(context.Background(), n)
		require.NoError(t, err)
		require.Equal(t, payment.OutcomeApplied, res.Outcome)
		require.Equal(t, order.PaymentNone, res.From)

		o := h.order(t)
		require.Equal(t, order.PaymentCompleted, o.PaymentStatus)
		require.Equal(t, "INV777", o.MetaValue(order.MetaInvoiceID))
	})

	t.Run("superseded invoice", func(t *testing.T) {
		h := newHarness(t)
		h.awaiting(t)
		n := paid(payment.ChannelWebhook)
		n.InvoiceID = "INV-OLD"
		n.Refs = []payment.OrderRef{{Value: testOrderID}}

		res, err := h.engine.Apply(context.Background(), n)
		require.NoError(t, err)
		require.Equal(t, payment.OutcomeIgnored, res.Outcome)
		require.Equal(t, "invoice_mismatch", res.Reason)
		require.Equal(t, order.PaymentAwaiting, h.order(t).PaymentStatus)
	})
}

func TestEngineRefundNotification(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)
	_, err := h.engine.Apply(context.Background(), paid(payment.ChannelWebhook))
	require.NoError(t, err)

	refund := payment.Notification{
		Channel:   payment.ChannelWebhook,
		InvoiceID: testInvoice,
		Status:    gateway.StatusRefunded,
		Amount:    "5",
		Currency:  "usd",
		RefundID:  "RF-1",
		Verified:  true,
	}
	res, err := h.engine.Apply(context.Background(), refund)
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeApplied, res.Outcome)

	res, err = h.engine.Apply(context.Background(), refund)
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeDuplicate, res.Outcome)

	o := h.order(t)
	require.Equal(t, order.PaymentCompleted, o.PaymentStatus)
	require.Equal(t, "RF-1", o.MetaValue(order.MetaLastRefundID))
	require.Equal(t, 1, h.notesContaining(t, "Refund of 5.00 USD"))
}

func TestEngineRecordRefund(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)

	err := h.engine.RecordRefund(context.Background(), testOrderID, decimal.NewFromInt(1), "", "")
	require.ErrorIs(t, err, payment.ErrNotRefundable)

	_, err = h.engine.Apply(context.Background(), paid(payment.ChannelWebhook))
	require.NoError(t, err)

	require.NoError(t, h.engine.RecordRefund(context.Background(), testOrderID, decimal.RequireFromString("4.00"), "RF-1", "damaged"))
	o := h.order(t)
	require.Equal(t, "4.00", o.MetaValue(order.MetaRefundedTotal))
	require.Equal(t, order.StatusProcessing, o.Status)

	require.NoError(t, h.engine.RecordRefund(context.Background(), testOrderID, decimal.RequireFromString("7.00"), "RF-2", ""))
	o = h.order(t)
	require.Equal(t, "11.00", o.MetaValue(order.MetaRefundedTotal))
	require.Equal(t, order.StatusRefunded, o.Status)
	require.Equal(t, order.PaymentCompleted, o.PaymentStatus)
}

func TestEngineFirstTerminalNotificationWins(t *testing.T) {
	cases := []struct {
		name  string
		first payment.Notification
		then  payment.Notification
		want  order.PaymentState
	}{
		{"paid first", paid(payment.ChannelWebhook), failed(payment.ChannelRedirect), order.PaymentCompleted},
		{"failed first", failed(payment.ChannelRedirect), paid(payment.ChannelWebhook), order.PaymentFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.awaiting(t)

			res, err := h.engine.Apply(context.Background(), tc.first)
			require.NoError(t, err)
			require.Equal(t, payment.OutcomeApplied, res.Outcome)

			res, err = h.engine.Apply(context.Background(), tc.then)
			require.NoError(t, err)
			require.Equal(t, payment.OutcomeIgnored, res.Outcome)
			require.Equal(t, tc.want, h.order(t).PaymentStatus)
		})
	}
}

func TestEngineConcurrentChannels(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
		winner  atomic.Value
	)
	for i := 0; i < 16; i++ {
		n := paid(payment.ChannelWebhook)
		if i%2 == 1 {
			n = failed(payment.ChannelRedirect)
		}
		wg.Add(1)
		go func(n payment.Notification) {
			defer wg.Done()
			res, err := h.engine.Apply(context.Background(), n)
			if err != nil && !errors.Is(err, common.ErrRetryable) {
				t.Errorf("apply: %v", err)
				return
			}
			if res.Outcome == payment.OutcomeApplied {
				applied.Add(1)
				winner.Store(res.To)
			}
		}(n)
	}
	wg.Wait()

	require.EqualValues(t, 1, applied.Load())
	final := h.order(t).PaymentStatus
	require.Equal(t, winner.Load(), final)
	terminalNotes := h.notesContaining(t, "Payment completed") + h.notesContaining(t, "Payment failed")
	require.Equal(t, 1, terminalNotes)
	if final == order.PaymentCompleted {
		require.EqualValues(t, 1, h.completions.Load())
	} else {
		_, restored := h.store.Cart(testOrderID)
		require.True(t, restored)
	}
}
