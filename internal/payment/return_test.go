package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-gmpays/internal/common"
	"github.com/noah-isme/toko-gmpays/internal/gateway"
	"github.com/noah-isme/toko-gmpays/internal/order"
	"github.com/noah-isme/toko-gmpays/internal/payment"
	"github.com/noah-isme/toko-gmpays/internal/signature"
)

type stubProcessor struct {
	mu        sync.Mutex
	status    gateway.StatusResult
	statusErr error
	refund    gateway.RefundResult
	refundErr error
	cancelErr error
	polled    []string
	refunds   []decimal.Decimal
	cancelled []string
}

func (s *stubProcessor) GetStatus(_ context.Context, invoiceID string) (gateway.StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polled = append(s.polled, invoiceID)
	return s.status, s.statusErr
}

func (s *stubProcessor) Refund(_ context.Context, _ string, amount decimal.Decimal, _ string) (gateway.RefundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds = append(s.refunds, amount)
	return s.refund, s.refundErr
}

func (s *stubProcessor) CancelInvoice(_ context.Context, invoiceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, invoiceID)
	return s.cancelErr
}

func returnRouter(ret payment.Return) http.Handler {
	r := chi.NewRouter()
	r.Get("/return/{outcome}", ret.Handle)
	return r
}

func getReturn(t *testing.T, h http.Handler, outcome string, q url.Values) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/return/%s?%s", outcome, q.Encode()), nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var out map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return rr.Code, out
}

func signedQuery(t *testing.T, signer signature.Signer, fields map[string]string) url.Values {
	t.Helper()
	payload := make(map[string]any, len(fields))
	for k, v := range fields {
		payload[k] = v
	}
	require.NoError(t, signature.Attach(signer, payload))
	q := url.Values{}
	for k, v := range payload {
		q.Set(k, v.(string))
	}
	return q
}

func TestReturnSignedSuccessIsApplied(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)
	proc := &stubProcessor{}
	router := returnRouter(payment.Return{Engine: h.engine, Signer: h.signer, Processor: proc, Logger: zerolog.Nop()})

	q := signedQuery(t, h.signer, map[string]string{
		"order_id":       testOrderID,
		"invoice":        testInvoice,
		"transaction_id": "TXN1",
		"status":         "success",
	})
	for i := 0; i < 2; i++ {
		code, out := getReturn(t, router, "success", q)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "completed", out["paymentStatus"])
		require.Equal(t, false, out["cartRestored"])
	}
	require.Empty(t, proc.polled)
	require.Equal(t, "TXN1", h.order(t).TransactionID)
	require.Equal(t, 1, h.notesContaining(t, "Payment completed"))
}

func TestReturnUnsignedClaimIsConfirmedByPoll(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)
	proc := &stubProcessor{status: gateway.StatusResult{
		InvoiceID:     testInvoice,
		Status:        gateway.StatusPaid,
		RawStatus:     "paid",
		TransactionID: "TXN1",
	}}
	router := returnRouter(payment.Return{Engine: h.engine, Signer: h.signer, Processor: proc, Logger: zerolog.Nop()})

	// the browser claims failure but the processor says paid
	code, out := getReturn(t, router, "failure", url.Values{"order_id": {testOrderID}})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "completed", out["paymentStatus"])
	require.Equal(t, []string{testInvoice}, proc.polled)
	require.Equal(t, "redirect", h.order(t).MetaValue(order.MetaLastChannel))
}

func TestReturnCancelRestoresCart(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)
	proc := &stubProcessor{status: gateway.StatusResult{InvoiceID: testInvoice, Status: gateway.StatusCancelled, RawStatus: "cancelled"}}
	router := returnRouter(payment.Return{Engine: h.engine, Signer: h.signer, Processor: proc, Logger: zerolog.Nop()})

	code, out := getReturn(t, router, "cancel", url.Values{"key": {"wc_order_abc"}})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "cancelled", out["paymentStatus"])
	require.Equal(t, true, out["cartRestored"])
	require.Contains(t, out["notice"], "cart has been restored")

	_, restored := h.store.Cart(testOrderID)
	require.True(t, restored)
}

func TestReturnPollFailureLeavesOrderAwaiting(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t)
	proc := &stubProcessor{statusErr: fmt.Errorf("%w: timeout", common.ErrRetryable)}
	router := returnRouter(payment.Return{Engine: h.engine, Signer: h.signer, Processor: proc, Logger: zerolog.Nop()})

	code, out := getReturn(t, router, "success", url.Values{"order_id": {testOrderID}, "transaction_id": {"TXN-FORGED"}})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "awaiting", out["paymentStatus"])
	require.Equal(t, order.PaymentAwaiting, h.order(t).PaymentStatus)
}

func TestReturnErrors(t *testing.T) {
	h := newHarness(t)
	router := returnRouter(payment.Return{Engine: h.engine, Signer: h.signer, Logger: zerolog.Nop()})

	code, _ := getReturn(t, router, "success", url.Values{})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = getReturn(t, router, "elsewhere", url.Values{"order_id": {testOrderID}})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = getReturn(t, router, "success", url.Values{"order_id": {"missing"}})
	require.Equal(t, http.StatusNotFound, code)
}

func TestParseRedirectSignature(t *testing.T) {
	h := newHarness(t)
	q := signedQuery(t, h.signer, map[string]string{"order_id": testOrderID, "status": "paid", "transaction_id": "TXN1"})

	n, err := payment.ParseRedirect(payment.OutcomeSuccess, q, h.signer)
	require.NoError(t, err)
	require.True(t, n.Verified)
	require.Equal(t, gateway.StatusPaid, n.Status)

	q.Set("transaction_id", "TXN2")
	n, err = payment.ParseRedirect(payment.OutcomeSuccess, q, h.signer)
	require.NoError(t, err)
	require.False(t, n.Verified)

	_, err = payment.ParseRedirect(payment.OutcomeSuccess, url.Values{}, h.signer)
	require.True(t, errors.Is(err, payment.ErrMalformed))
}
