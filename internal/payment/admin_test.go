package payment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-gmpays/internal/gateway"
	"github.com/noah-isme/toko-gmpays/internal/order"
	"github.com/noah-isme/toko-gmpays/internal/payment"
)

func adminRouter(a payment.Admin) http.Handler {
	r := chi.NewRouter()
	r.Get("/admin/orders/{id}/payment", a.View)
	r.Post("/admin/orders/{id}/poll", a.Poll)
	r.Post("/admin/orders/{id}/refund", a.Refund)
	r.Post("/admin/orders/{id}/cancel", a.Cancel)
	return r
}

func adminCall(t *testing.T, h http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return rr.Code, out
}

func errorCode(out map[string]any) string {
	e, _ := out["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestAdminViewShowsPaymentHistory(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)
	_, err := h.engine.Apply(context.Background(), paid(payment.ChannelWebhook))
	require.NoError(t, err)
	router := adminRouter(payment.Admin{Engine: h.engine, Logger: zerolog.Nop()})

	code, out := adminCall(t, router, http.MethodGet, "/admin/orders/order-1/payment", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "completed", out["paymentStatus"])
	require.Equal(t, "10.00", out["total"])
	meta := out["meta"].(map[string]any)
	require.Equal(t, testInvoice, meta[order.MetaInvoiceID])
	require.Len(t, out["notes"], 2)

	code, _ = adminCall(t, router, http.MethodGet, "/admin/orders/nope/payment", "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestAdminPollAppliesProcessorStatus(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)
	proc := &stubProcessor{status: gateway.StatusResult{Status: gateway.StatusFailed, RawStatus: "declined", Reason: "insufficient funds"}}
	router := adminRouter(payment.Admin{Engine: h.engine, Processor: proc, Logger: zerolog.Nop()})

	code, out := adminCall(t, router, http.MethodPost, "/admin/orders/order-1/poll", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "applied", out["outcome"])
	require.Equal(t, "failed", out["paymentStatus"])
	require.Equal(t, "failed", out["processorStatus"])
	require.Equal(t, []string{testInvoice}, proc.polled)
	require.Equal(t, "insufficient funds", h.order(t).MetaValue(order.MetaFailureReason))
}

func TestAdminPollWithoutInvoice(t *testing.T) {
	h := newHarness(t)
	router := adminRouter(payment.Admin{Engine: h.engine, Processor: &stubProcessor{}, Logger: zerolog.Nop()})

	code, out := adminCall(t, router, http.MethodPost, "/admin/orders/order-1/poll", "")
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "NO_INVOICE", errorCode(out))
}

func TestAdminRefund(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)
	proc := &stubProcessor{refund: gateway.RefundResult{RefundID: "RF-9"}}
	router := adminRouter(payment.Admin{Engine: h.engine, Processor: proc, Logger: zerolog.Nop()})

	code, out := adminCall(t, router, http.MethodPost, "/admin/orders/order-1/refund", `{"amount":"5.00"}`)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "NOT_REFUNDABLE", errorCode(out))

	_, err := h.engine.Apply(context.Background(), paid(payment.ChannelWebhook))
	require.NoError(t, err)

	code, out = adminCall(t, router, http.MethodPost, "/admin/orders/order-1/refund", `{"amount":"12.00"}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "REFUND_TOO_LARGE", errorCode(out))

	code, _ = adminCall(t, router, http.MethodPost, "/admin/orders/order-1/refund", `{"amount":"-1"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = adminCall(t, router, http.MethodPost, "/admin/orders/order-1/refund", `{}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, out = adminCall(t, router, http.MethodPost, "/admin/orders/order-1/refund", `{"amount":"5","reason":"damaged item"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "refunded", out["outcomeReason"])
	require.Len(t, proc.refunds, 1)
	require.Equal(t, "5.00", proc.refunds[0].StringFixed(2))

	o := h.order(t)
	require.Equal(t, "5.00", o.MetaValue(order.MetaRefundedTotal))
	require.Equal(t, "RF-9", o.MetaValue(order.MetaLastRefundID))
	require.Equal(t, order.PaymentCompleted, o.PaymentStatus)
}

func TestAdminCancel(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)
	proc := &stubProcessor{}
	router := adminRouter(payment.Admin{Engine: h.engine, Processor: proc, Logger: zerolog.Nop()})

	code, out := adminCall(t, router, http.MethodPost, "/admin/orders/order-1/cancel", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "cancelled", out["paymentStatus"])
	require.Equal(t, []string{testInvoice}, proc.cancelled)
	require.Equal(t, "admin", h.order(t).MetaValue(order.MetaLastChannel))
	_, restored := h.store.Cart(testOrderID)
	require.True(t, restored)

	code, out = adminCall(t, router, http.MethodPost, "/admin/orders/order-1/cancel", "")
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "PAYMENT_FINAL", errorCode(out))
	require.Len(t, proc.cancelled, 1)
}

func TestAdminProcessorRejection(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)
	proc := &stubProcessor{cancelErr: &gateway.Error{Kind: gateway.KindRejected, Op: "cancel_invoice", Message: "invoice already paid"}}
	router := adminRouter(payment.Admin{Engine: h.engine, Processor: proc, Logger: zerolog.Nop()})

	code, out := adminCall(t, router, http.MethodPost, "/admin/orders/order-1/cancel", "")
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "PROCESSOR_REJECTED", errorCode(out))
	require.Equal(t, order.PaymentAwaiting, h.order(t).PaymentStatus)
}
