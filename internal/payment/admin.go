package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-gmpays/internal/common"
	"github.com/noah-isme/toko-gmpays/internal/currency"
	"github.com/noah-isme/toko-gmpays/internal/gateway"
	"github.com/noah-isme/toko-gmpays/internal/order"
)

// Admin exposes the operator actions on an order's payment. Routes are
// mounted behind admin authentication; mutating ones also require a nonce.
type Admin struct {
	Engine    *Engine
	Processor Processor
	Logger    zerolog.Logger
}

var validate = validator.New()

type paymentView struct {
	OrderID        string            `json:"orderId"`
	Number         int64             `json:"number"`
	Status         string            `json:"status"`
	PaymentStatus  string            `json:"paymentStatus"`
	Total          string            `json:"total"`
	Currency       string            `json:"currency"`
	TransactionID  string            `json:"transactionId,omitempty"`
	PaidAt         *time.Time        `json:"paidAt,omitempty"`
	Meta           map[string]string `json:"meta"`
	Notes          []noteView        `json:"notes"`
	Outcome        string            `json:"outcome,omitempty"`
	OutcomeReason  string            `json:"outcomeReason,omitempty"`
	ProcessorState string            `json:"processorStatus,omitempty"`
}

type noteView struct {
	Text            string    `json:"text"`
	CustomerVisible bool      `json:"customerVisible"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (h Admin) ready(w http.ResponseWriter) bool {
	if h.Engine == nil || h.Engine.Orders == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment admin unavailable", nil)
		return false
	}
	return true
}

// View returns the payment metadata and audit history of an order.
func (h Admin) View(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	o, ok := h.load(w, r)
	if !ok {
		return
	}
	view, err := h.view(r, o)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "ORDER_FETCH_ERROR", "unable to load notes", nil)
		return
	}
	common.JSON(w, http.StatusOK, view)
}

// Poll asks the processor for the invoice status and applies the answer.
func (h Admin) Poll(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	o, ok := h.load(w, r)
	if !ok {
		return
	}
	invoiceID := o.MetaValue(order.MetaInvoiceID)
	if invoiceID == "" {
		common.JSONError(w, http.StatusConflict, "NO_INVOICE", "order has no GMPays invoice", nil)
		return
	}
	if h.Processor == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "PAYMENT_NOT_CONFIGURED", "processor unavailable", nil)
		return
	}
	status, err := h.Processor.GetStatus(r.Context(), invoiceID)
	if err != nil {
		h.processorError(w, err, "poll")
		return
	}
	if status.InvoiceID == "" {
		status.InvoiceID = invoiceID
	}
	res, err := h.Engine.Apply(r.Context(), FromStatus(ChannelAdmin, status))
	if err != nil {
		h.Logger.Error().Err(err).Str("order_id", o.ID).Msg("apply polled status")
		common.JSONError(w, common.StatusFor(err), "POLL_FAILED", "status could not be applied", nil)
		return
	}
	h.respond(w, r, o.ID, res, string(status.Status))
}

type refundRequest struct {
	Amount string `json:"amount" validate:"required"`
	Reason string `json:"reason" validate:"max=255"`
}

// Refund refunds part or all of a completed payment.
func (h Admin) Refund(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON payload", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	amount, err := currency.ParseAmount(req.Amount)
	if err != nil || !amount.IsPositive() {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "amount must be a positive number", nil)
		return
	}
	amount = amount.Round(2)

	o, ok := h.load(w, r)
	if !ok {
		return
	}
	if o.PaymentStatus != order.PaymentCompleted {
		common.JSONError(w, http.StatusConflict, "NOT_REFUNDABLE", "only completed payments can be refunded", nil)
		return
	}
	settled, err := decimal.NewFromString(o.MetaValue(order.MetaSettlementAmount))
	if err != nil {
		common.JSONError(w, http.StatusConflict, "NOT_REFUNDABLE", "settled amount unknown", nil)
		return
	}
	refunded, _ := decimal.NewFromString(o.MetaValue(order.MetaRefundedTotal))
	if refunded.Add(amount).GreaterThan(settled) {
		common.JSONError(w, http.StatusUnprocessableEntity, "REFUND_TOO_LARGE", "refund exceeds the settled amount", map[string]string{
			"settled":  settled.StringFixed(2),
			"refunded": refunded.StringFixed(2),
		})
		return
	}
	if h.Processor == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "PAYMENT_NOT_CONFIGURED", "processor unavailable", nil)
		return
	}

	reason := strings.TrimSpace(req.Reason)
	refund, err := h.Processor.Refund(r.Context(), o.MetaValue(order.MetaInvoiceID), amount, reason)
	if err != nil {
		h.processorError(w, err, "refund")
		return
	}
	if err := h.Engine.RecordRefund(r.Context(), o.ID, amount, refund.RefundID, reason); err != nil {
		h.Logger.Error().Err(err).Str("order_id", o.ID).Str("refund_id", refund.RefundID).Msg("refund issued but not recorded")
		common.JSONError(w, common.StatusFor(err), "REFUND_NOT_RECORDED", "refund issued but could not be recorded", nil)
		return
	}
	h.Logger.Info().Str("order_id", o.ID).Str("amount", amount.StringFixed(2)).Str("refund_id", refund.RefundID).Msg("refund issued")
	h.respond(w, r, o.ID, Result{Outcome: OutcomeApplied, OrderID: o.ID, From: o.PaymentStatus, To: o.PaymentStatus, Reason: "refunded"}, "")
}

// Cancel cancels the open invoice at the processor and records the
// cancellation through the engine.
func (h Admin) Cancel(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	o, ok := h.load(w, r)
	if !ok {
		return
	}
	if o.PaymentStatus.Terminal() {
		common.JSONError(w, http.StatusConflict, "PAYMENT_FINAL", "payment already "+string(o.PaymentStatus), nil)
		return
	}
	invoiceID := o.MetaValue(order.MetaInvoiceID)
	if invoiceID == "" {
		common.JSONError(w, http.StatusConflict, "NO_INVOICE", "order has no GMPays invoice", nil)
		return
	}
	if h.Processor == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "PAYMENT_NOT_CONFIGURED", "processor unavailable", nil)
		return
	}
	if err := h.Processor.CancelInvoice(r.Context(), invoiceID); err != nil {
		h.processorError(w, err, "cancel")
		return
	}
	res, err := h.Engine.Apply(r.Context(), Notification{
		Channel:   ChannelAdmin,
		InvoiceID: invoiceID,
		Status:    gateway.StatusCancelled,
		RawStatus: "cancelled",
		Reason:    "Cancelled by operator",
		Verified:  true,
	})
	if err != nil {
		h.Logger.Error().Err(err).Str("order_id", o.ID).Msg("apply cancellation")
		common.JSONError(w, common.StatusFor(err), "CANCEL_FAILED", "cancellation could not be recorded", nil)
		return
	}
	h.respond(w, r, o.ID, res, string(gateway.StatusCancelled))
}

func (h Admin) load(w http.ResponseWriter, r *http.Request) (order.Order, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	o, err := h.Engine.Orders.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
			return order.Order{}, false
		}
		h.Logger.Error().Err(err).Str("order_id", id).Msg("load order")
		common.JSONError(w, http.StatusInternalServerError, "ORDER_FETCH_ERROR", "unable to load order", nil)
		return order.Order{}, false
	}
	return o, true
}

func (h Admin) respond(w http.ResponseWriter, r *http.Request, id string, res Result, processorStatus string) {
	o, err := h.Engine.Orders.Get(r.Context(), id)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "ORDER_FETCH_ERROR", "unable to load order", nil)
		return
	}
	view, err := h.view(r, o)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "ORDER_FETCH_ERROR", "unable to load notes", nil)
		return
	}
	view.Outcome = string(res.Outcome)
	view.OutcomeReason = res.Reason
	view.ProcessorState = processorStatus
	common.JSON(w, http.StatusOK, view)
}

func (h Admin) view(r *http.Request, o order.Order) (paymentView, error) {
	notes, err := h.Engine.Orders.Notes(r.Context(), o.ID)
	if err != nil {
		return paymentView{}, err
	}
	meta := make(map[string]string)
	for k, v := range o.Meta {
		if strings.HasPrefix(k, "gmpays_") {
			meta[k] = v
		}
	}
	view := paymentView{
		OrderID:       o.ID,
		Number:        o.Number,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		Total:         o.Total.StringFixed(2),
		Currency:      o.Currency,
		TransactionID: o.TransactionID,
		PaidAt:        o.PaidAt,
		Meta:          meta,
		Notes:         make([]noteView, 0, len(notes)),
	}
	for _, n := range notes {
		view.Notes = append(view.Notes, noteView{Text: n.Text, CustomerVisible: n.CustomerVisible, CreatedAt: n.CreatedAt})
	}
	return view, nil
}

func (h Admin) processorError(w http.ResponseWriter, err error, op string) {
	h.Logger.Warn().Err(err).Str("op", op).Msg("processor call failed")
	status := common.StatusFor(err)
	code := "PROCESSOR_ERROR"
	switch {
	case gateway.IsRejected(err):
		status, code = http.StatusUnprocessableEntity, "PROCESSOR_REJECTED"
	case errors.Is(err, common.ErrConfig):
		code = "PAYMENT_NOT_CONFIGURED"
	case errors.Is(err, common.ErrAuthentication):
		status, code = http.StatusBadGateway, "PROCESSOR_SIGNATURE"
	}
	msg := gateway.ProcessorMessage(err)
	if msg == "" {
		msg = op + " failed"
	}
	common.JSONError(w, status, code, msg, nil)
}
