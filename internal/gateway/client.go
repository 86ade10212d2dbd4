package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/noah-isme/toko-gmpays/internal/common"
	"github.com/noah-isme/toko-gmpays/internal/obs"
	"github.com/noah-isme/toko-gmpays/internal/resilience"
	"github.com/noah-isme/toko-gmpays/internal/signature"
)

const (
	opCreateInvoice = "create_invoice"
	opGetStatus     = "get_status"
	opRefund        = "refund"
	opCancelInvoice = "cancel_invoice"

	// MaxDescriptionLength bounds the invoice comment in runes.
	MaxDescriptionLength = 255
)

// Config carries the processor settings the client needs.
type Config struct {
	ProjectID    string
	APIKey       string
	BaseURL      string
	CheckoutURL  string
	Timeout      time.Duration
	MaxRedirects int
	Debug        bool
}

// Client performs signed calls against the processor API. It never retries;
// retryable failures are returned to the caller classified as such.
type Client struct {
	cfg     Config
	signer  signature.Signer
	http    *resty.Client
	breaker *resilience.Breaker
	logger  zerolog.Logger
	latency metric.Float64Histogram
}

// Option customises a Client.
type Option func(*Client)

// WithBreaker guards calls with b.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithTransport replaces the underlying round tripper (still wrapped by otelhttp).
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.SetTransport(otelhttp.NewTransport(rt)) }
}

// New builds a client. Configuration problems are reported per call so a
// misconfigured gateway shows up as unavailable rather than crashing startup.
func New(cfg Config, signer signature.Signer, logger zerolog.Logger, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = 0
	}
	if cfg.BaseURL != "" && !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	r := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(cfg.MaxRedirects)).
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		r.SetAuthToken(cfg.APIKey)
	}

	latency, err := otel.Meter("gateway.Client").Float64Histogram(
		"gmpays.gateway.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of processor API calls."),
	)
	if err != nil {
		logger.Warn().Err(err).Msg("gateway latency histogram unavailable")
	}

	c := &Client{cfg: cfg, signer: signer, http: r, logger: logger, latency: latency}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether the mandatory settings are present.
func (c *Client) Configured() error {
	if c == nil {
		return newError(KindConfig, "configure", 0, "gateway client not initialised", nil)
	}
	if strings.TrimSpace(c.cfg.ProjectID) == "" {
		return newError(KindConfig, "configure", 0, "project id is not configured", nil)
	}
	if c.signer == nil {
		return newError(KindConfig, "configure", 0, "signing key material is not configured", nil)
	}
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		return newError(KindConfig, "configure", 0, "api base url is not configured", nil)
	}
	return nil
}

// InvoiceRequest describes the hosted payment session to open.
type InvoiceRequest struct {
	OrderID       string
	OrderKey      string
	Amount        decimal.Decimal
	Description   string
	CustomerEmail string
	CustomerName  string
	CustomerPhone string
	CustomerIP    string
	SuccessURL    string
	FailURL       string
	CancelURL     string
	CallbackURL   string
}

// Invoice is the processor's answer to CreateInvoice.
type Invoice struct {
	ID         string
	PaymentURL string
	Status     Status
}

// StatusResult is the normalised answer to GetStatus.
type StatusResult struct {
	InvoiceID     string
	Status        Status
	RawStatus     string
	TransactionID string
	Amount        string
	Currency      string
	Reason        string
	Raw           map[string]any
}

// RefundResult is the processor's answer to Refund.
type RefundResult struct {
	RefundID string
	Raw      map[string]any
}

// CreateInvoice opens a hosted payment session for the settlement amount in USD.
func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error) {
	if err := c.Configured(); err != nil {
		return Invoice{}, withOp(err, opCreateInvoice)
	}
	if !req.Amount.IsPositive() {
		return Invoice{}, newError(KindConfig, opCreateInvoice, 0, fmt.Sprintf("amount %s must be positive", req.Amount.String()), nil)
	}
	if strings.TrimSpace(req.OrderID) == "" {
		return Invoice{}, newError(KindConfig, opCreateInvoice, 0, "merchant order reference is empty", nil)
	}

	payload := map[string]any{
		"project":  c.cfg.ProjectID,
		"amount":   json.Number(req.Amount.StringFixed(2)),
		"currency": "USD",
		"type":     "payment",
		"wallet":   "card",
		"comment":  TruncateDescription(req.Description),
	}
	setIf(payload, "user", req.CustomerEmail)
	setIf(payload, "ip", req.CustomerIP)
	setIf(payload, "success_url", req.SuccessURL)
	setIf(payload, "fail_url", req.FailURL)
	setIf(payload, "cancel_url", req.CancelURL)
	setIf(payload, "callback_url", req.CallbackURL)
	addFields := map[string]any{"order_id": req.OrderID}
	setIf(addFields, "order_key", req.OrderKey)
	setIf(addFields, "customer_name", req.CustomerName)
	setIf(addFields, "customer_email", req.CustomerEmail)
	setIf(addFields, "customer_phone", req.CustomerPhone)
	payload["add_fields"] = addFields

	body, err := c.call(ctx, opCreateInvoice, "invoice", payload)
	if err != nil {
		return Invoice{}, err
	}

	id := common.FirstString(body, "id", "invoice", "invoice_id")
	if id == "" {
		if data := common.LookupObject(body, "data"); data != nil {
			id = common.FirstString(data, "id", "invoice", "invoice_id")
		}
	}
	if id == "" {
		return Invoice{}, newError(KindMalformed, opCreateInvoice, 0, "response carries no invoice id", nil)
	}
	url := common.FirstString(body, "payment_url", "url", "checkout_url")
	if url == "" {
		url = c.PaymentURL(id)
	}
	if url == "" {
		return Invoice{}, newError(KindMalformed, opCreateInvoice, 0, "response carries no payment url", nil)
	}
	status := NormalizeStatus(common.FirstString(body, "status", "state"))
	if status == StatusUnknown {
		status = StatusPending
	}
	return Invoice{ID: id, PaymentURL: url, Status: status}, nil
}

// GetStatus polls the processor for the current state of invoiceID.
func (c *Client) GetStatus(ctx context.Context, invoiceID string) (StatusResult, error) {
	if err := c.Configured(); err != nil {
		return StatusResult{}, withOp(err, opGetStatus)
	}
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return StatusResult{}, newError(KindConfig, opGetStatus, 0, "invoice id is empty", nil)
	}
	payload := map[string]any{
		"project": c.cfg.ProjectID,
		"invoice": invoiceID,
	}
	body, err := c.call(ctx, opGetStatus, "invoice/status", payload)
	if err != nil {
		return StatusResult{}, err
	}

	src := body
	if data := common.LookupObject(body, "data"); data != nil && common.FirstString(body, "status", "state") == "" {
		src = data
	}
	raw := common.FirstString(src, "status", "state")
	result := StatusResult{
		InvoiceID:     common.FirstString(src, "invoice", "id", "invoice_id"),
		Status:        NormalizeStatus(raw),
		RawStatus:     raw,
		TransactionID: common.FirstString(src, "transaction_id", "transaction", "payment_id"),
		Amount:        common.FirstString(src, "amount"),
		Currency:      common.FirstString(src, "currency"),
		Reason:        common.FirstString(src, "reason", "message", "error"),
		Raw:           body,
	}
	if result.InvoiceID == "" {
		result.InvoiceID = invoiceID
	}
	if result.TransactionID == "" && result.Status == StatusPaid {
		result.TransactionID = result.InvoiceID
	}
	if raw == "" {
		return StatusResult{}, newError(KindMalformed, opGetStatus, 0, "response carries no status", nil)
	}
	return result, nil
}

// Refund asks the processor to return amount (USD) of a settled invoice.
func (c *Client) Refund(ctx context.Context, invoiceID string, amount decimal.Decimal, reason string) (RefundResult, error) {
	if err := c.Configured(); err != nil {
		return RefundResult{}, withOp(err, opRefund)
	}
	if strings.TrimSpace(invoiceID) == "" {
		return RefundResult{}, newError(KindConfig, opRefund, 0, "invoice id is empty", nil)
	}
	if !amount.IsPositive() {
		return RefundResult{}, newError(KindConfig, opRefund, 0, "refund amount must be positive", nil)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "Refund requested"
	}
	payload := map[string]any{
		"project": c.cfg.ProjectID,
		"invoice": strings.TrimSpace(invoiceID),
		"amount":  json.Number(amount.StringFixed(2)),
		"comment": reason,
	}
	body, err := c.call(ctx, opRefund, "invoice/refund", payload)
	if err != nil {
		return RefundResult{}, err
	}
	if !successToken(body, false) {
		return RefundResult{}, newError(KindRejected, opRefund, 0, processorMessage(body, "refund was not accepted"), nil)
	}
	return RefundResult{RefundID: common.FirstString(body, "refund_id", "id"), Raw: body}, nil
}

// CancelInvoice voids an unpaid invoice at the processor.
func (c *Client) CancelInvoice(ctx context.Context, invoiceID string) error {
	if err := c.Configured(); err != nil {
		return withOp(err, opCancelInvoice)
	}
	if strings.TrimSpace(invoiceID) == "" {
		return newError(KindConfig, opCancelInvoice, 0, "invoice id is empty", nil)
	}
	payload := map[string]any{
		"project": c.cfg.ProjectID,
		"invoice": strings.TrimSpace(invoiceID),
	}
	body, err := c.call(ctx, opCancelInvoice, "invoice/cancel", payload)
	if err != nil {
		return err
	}
	if !successToken(body, true) {
		return newError(KindRejected, opCancelInvoice, 0, processorMessage(body, "cancellation was not accepted"), nil)
	}
	return nil
}

// PaymentURL builds the hosted checkout address for an invoice.
func (c *Client) PaymentURL(invoiceID string) string {
	base := strings.TrimRight(strings.TrimSpace(c.cfg.CheckoutURL), "/")
	if base == "" || invoiceID == "" {
		return ""
	}
	return base + "/invoice/" + invoiceID
}

func (c *Client) call(ctx context.Context, op, endpoint string, payload map[string]any) (map[string]any, error) {
	ctx, span := otel.Tracer("gateway.Client").Start(ctx, "Client."+op)
	defer span.End()
	span.SetAttributes(attribute.String("gmpays.op", op))

	if err := signature.Attach(c.signer, payload); err != nil {
		kind := KindConfig
		if !errors.Is(err, common.ErrConfig) {
			kind = KindMalformed
		}
		gwErr := newError(kind, op, 0, "sign request", err)
		span.RecordError(gwErr)
		span.SetStatus(codes.Error, gwErr.Error())
		return nil, gwErr
	}

	if c.cfg.Debug {
		c.logger.Debug().Str("op", op).Str("endpoint", endpoint).Interface("payload", redact(payload)).Msg("gmpays request")
	}

	var body map[string]any
	start := time.Now()
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		body, callErr = c.do(ctx, op, endpoint, payload)
		return callErr
	}, func(err error) bool { return errors.Is(err, common.ErrRetryable) })
	elapsed := time.Since(start)

	if resilience.IsOpen(err) {
		err = newError(KindRetryable, op, 0, "processor temporarily unavailable", err)
	}
	c.observe(ctx, op, elapsed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, op, endpoint string, payload map[string]any) (map[string]any, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(c.cfg.BaseURL + endpoint)
	if err != nil {
		return nil, newError(KindRetryable, op, 0, "transport", err)
	}

	status := resp.StatusCode()
	raw := resp.Body()
	if c.cfg.Debug {
		c.logger.Debug().Str("op", op).Int("status", status).Bytes("body", truncateBytes(raw, 2048)).Msg("gmpays response")
	}

	body, decodeErr := common.DecodeObject(raw)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, newError(KindConfig, op, status, processorMessage(body, "credentials or signature rejected by processor"), nil)
	case status >= 500:
		return nil, newError(KindRetryable, op, status, processorMessage(body, http.StatusText(status)), nil)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return nil, newError(KindRetryable, op, status, processorMessage(body, http.StatusText(status)), nil)
	case status < 200 || status >= 300:
		return nil, newError(KindRejected, op, status, processorMessage(body, http.StatusText(status)), nil)
	}
	if decodeErr != nil {
		return nil, newError(KindMalformed, op, status, "response is not a JSON object", decodeErr)
	}
	if !successToken(body, true) || reportsError(body) {
		return nil, newError(KindRejected, op, status, processorMessage(body, "processor reported failure"), nil)
	}
	if sig := signature.Extract(body); sig != "" {
		ok, err := c.signer.Verify(body, sig)
		if err != nil {
			return nil, newError(KindConfig, op, status, "verify response signature", err)
		}
		if !ok {
			c.logger.Warn().Str("op", op).
				Str("received_signature", sig).
				Str("expected_signature", signature.Expected(c.signer, body)).
				Msg("gmpays response signature mismatch")
			return nil, newError(KindAuthentication, op, status, "response signature mismatch", nil)
		}
	}
	return body, nil
}

func (c *Client) observe(ctx context.Context, op string, elapsed time.Duration, err error) {
	result := "ok"
	var gwErr *Error
	if errors.As(err, &gwErr) {
		result = string(gwErr.Kind)
	} else if err != nil {
		result = "error"
	}
	if obs.GatewayRequestTotal != nil {
		obs.GatewayRequestTotal.WithLabelValues(op, result).Inc()
	}
	if obs.GatewayRequestLatency != nil {
		obs.GatewayRequestLatency.WithLabelValues(op).Observe(obs.DurationMillis(elapsed))
	}
	if c.latency != nil {
		c.latency.Record(ctx, obs.DurationMillis(elapsed), metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("result", result),
		))
	}
	evt := c.logger.Debug()
	if err != nil {
		evt = c.logger.Warn().Err(err)
	}
	evt.Str("op", op).Str("result", result).Dur("elapsed", elapsed).Msg("gmpays call")
}

// successToken reads the processor's explicit success flag. When the flag is
// absent, absentOK decides the outcome.
func successToken(body map[string]any, absentOK bool) bool {
	v, ok := body["success"]
	if !ok {
		return absentOK
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "1" || s == "yes" || s == "ok"
	case json.Number:
		return t.String() != "0"
	}
	return false
}

func reportsError(body map[string]any) bool {
	switch v := body["error"].(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		return s != "" && s != "false" && s != "0"
	case map[string]any:
		return len(v) > 0
	case json.Number:
		return v.String() != "0"
	}
	return true
}

func processorMessage(body map[string]any, fallback string) string {
	if body == nil {
		return fallback
	}
	if msg := common.FirstString(body, "message", "error_message", "error", "reason"); msg != "" && msg != "false" {
		return msg
	}
	if msg := common.LookupString(body, "error", "message"); msg != "" {
		return msg
	}
	return fallback
}

// TruncateDescription limits s to MaxDescriptionLength runes, ending with an
// ellipsis when cut.
func TruncateDescription(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxDescriptionLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxDescriptionLength-3]) + "..."
}

func setIf(m map[string]any, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		m[key] = v
	}
}

func withOp(err error, op string) error {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		cp := *gwErr
		cp.Op = op
		return &cp
	}
	return err
}

func redact(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	if _, ok := out[signature.FieldName]; ok {
		out[signature.FieldName] = "[redacted]"
	}
	return out
}

func truncateBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
