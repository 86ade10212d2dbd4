package payment

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-gmpays/internal/common"
	"github.com/noah-isme/toko-gmpays/internal/gateway"
	"github.com/noah-isme/toko-gmpays/internal/order"
	"github.com/noah-isme/toko-gmpays/internal/signature"
)

// Processor is the subset of the gateway client used after checkout.
type Processor interface {
	GetStatus(ctx context.Context, invoiceID string) (gateway.StatusResult, error)
	Refund(ctx context.Context, invoiceID string, amount decimal.Decimal, reason string) (gateway.RefundResult, error)
	CancelInvoice(ctx context.Context, invoiceID string) error
}

// Return serves the success, failure and cancel pages the customer is sent
// back to. Reloading a page is harmless.
type Return struct {
	Engine    *Engine
	Signer    signature.Signer
	Processor Processor
	Logger    zerolog.Logger
}

type returnResponse struct {
	OrderID       string `json:"orderId,omitempty"`
	PaymentStatus string `json:"paymentStatus"`
	Outcome       string `json:"outcome"`
	Notice        string `json:"notice"`
	CartRestored  bool   `json:"cartRestored"`
}

// Handle resolves /return/{outcome}.
func (h Return) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil || h.Engine.Orders == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment returns unavailable", nil)
		return
	}
	ctx := r.Context()
	outcome := RedirectOutcome(strings.ToLower(chi.URLParam(r, "outcome")))
	n, err := ParseRedirect(outcome, r.URL.Query(), h.Signer)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_RETURN", err.Error(), nil)
		return
	}

	o, err := h.Engine.Correlate(ctx, n)
	if errors.Is(err, common.ErrNotFound) {
		h.Logger.Warn().Str("invoice_id", n.InvoiceID).Msg("return for unknown order")
		common.JSONError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
		return
	}
	if err != nil {
		h.Logger.Error().Err(err).Msg("return correlation failed")
		common.JSONError(w, http.StatusInternalServerError, "ORDER_FETCH_ERROR", "unable to load order", nil)
		return
	}

	if !o.PaymentStatus.Terminal() {
		if n.Verified {
			if _, err := h.Engine.Apply(ctx, n); err != nil {
				h.Logger.Error().Err(err).Str("order_id", o.ID).Msg("apply signed return")
			}
		} else {
			h.confirm(ctx, o, n)
		}
		if reloaded, err := h.Engine.Orders.Get(ctx, o.ID); err == nil {
			o = reloaded
		}
	}

	common.JSON(w, http.StatusOK, returnResponse{
		OrderID:       o.ID,
		PaymentStatus: string(o.PaymentStatus),
		Outcome:       string(outcome),
		Notice:        returnNotice(o.PaymentStatus),
		CartRestored:  o.PaymentStatus == order.PaymentFailed || o.PaymentStatus == order.PaymentCancelled,
	})
}

// confirm replaces an unsigned browser claim with the processor's answer.
func (h Return) confirm(ctx context.Context, o order.Order, n Notification) {
	invoiceID := o.MetaValue(order.MetaInvoiceID)
	if invoiceID == "" {
		invoiceID = n.InvoiceID
	}
	if h.Processor == nil || invoiceID == "" {
		h.Logger.Warn().Str("order_id", o.ID).Msg("unsigned return cannot be confirmed")
		return
	}
	status, err := h.Processor.GetStatus(ctx, invoiceID)
	if err != nil {
		h.Logger.Warn().Err(err).Str("order_id", o.ID).Str("claimed", string(n.Status)).Msg("status poll after return failed")
		return
	}
	if status.InvoiceID == "" {
		status.InvoiceID = invoiceID
	}
	if _, err := h.Engine.Apply(ctx, FromStatus(ChannelRedirect, status)); err != nil {
		h.Logger.Error().Err(err).Str("order_id", o.ID).Msg("apply polled status")
	}
}

func returnNotice(state order.PaymentState) string {
	switch state {
	case order.PaymentCompleted:
		return "Thank you. Your payment has been received."
	case order.PaymentFailed:
		return "Your payment could not be completed. Your cart has been restored, please try again."
	case order.PaymentCancelled:
		return "Your payment was cancelled. Your cart has been restored."
	case order.PaymentProcessing:
		return "Your payment is being processed. We will email you once it is confirmed."
	default:
		return "We are waiting for payment confirmation. This page will update once GMPays reports the result."
	}
}
