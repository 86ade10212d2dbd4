package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/toko-gmpays/internal/common"
	"github.com/noah-isme/toko-gmpays/internal/currency"
	"github.com/noah-isme/toko-gmpays/internal/gateway"
	"github.com/noah-isme/toko-gmpays/internal/obs"
	"github.com/noah-isme/toko-gmpays/internal/order"
	"github.com/noah-isme/toko-gmpays/internal/payment"
)

// Reasons reported when the gateway is not offered.
const (
	ReasonNotConfigured       = "not_configured"
	ReasonCurrencyUnsupported = "currency_unsupported"
	ReasonBelowMinimum        = "below_minimum"
)

// InvoiceCreator opens hosted payment sessions.
type InvoiceCreator interface {
	Configured() error
	CreateInvoice(ctx context.Context, req gateway.InvoiceRequest) (gateway.Invoice, error)
}

// Config carries the checkout settings derived from the service configuration.
type Config struct {
	MinAmountEUR  decimal.Decimal
	StoreName     string
	PublicBaseURL string
}

// Service decides whether GMPays can take an order and starts the payment.
type Service struct {
	Orders    order.Adapter
	Converter *currency.Converter
	Gateway   InvoiceCreator
	Engine    *payment.Engine
	Config    Config
	Logger    zerolog.Logger
}

// Availability is the gateway listing decision for an amount.
type Availability struct {
	Available       bool   `json:"available"`
	Reason          string `json:"reason,omitempty"`
	Notice          string `json:"notice,omitempty"`
	ValidationTotal string `json:"validationTotal,omitempty"`
	Minimum         string `json:"minimum"`
}

// Payment is the outcome of a successful submit.
type Payment struct {
	OrderID          string `json:"orderId"`
	InvoiceID        string `json:"invoiceId"`
	RedirectURL      string `json:"redirectUrl"`
	SettlementAmount string `json:"settlementAmount"`
	Currency         string `json:"currency"`
	Reused           bool   `json:"reused"`
}

// Availability evaluates the minimum-amount gate for amount in code. Rate
// lookup failures make the gateway unavailable rather than admitting the
// order unchecked.
func (s *Service) Availability(ctx context.Context, amount decimal.Decimal, code string) (Availability, error) {
	if s == nil || s.Converter == nil {
		return Availability{}, common.ConfigErrorf("checkout service not configured")
	}
	out := Availability{Minimum: s.Config.MinAmountEUR.StringFixed(2)}
	if s.Gateway == nil || s.Gateway.Configured() != nil {
		out.Reason = ReasonNotConfigured
		out.Notice = "GMPays is not available at the moment."
		return out, nil
	}
	validation, err := s.Converter.ToValidation(ctx, amount, code)
	if errors.Is(err, currency.ErrRateUnavailable) {
		out.Reason = ReasonCurrencyUnsupported
		out.Notice = fmt.Sprintf("GMPays cannot accept payments in %s at the moment.", strings.ToUpper(code))
		return out, nil
	}
	if err != nil {
		return Availability{}, err
	}
	out.ValidationTotal = validation.StringFixed(2)
	if validation.LessThan(s.Config.MinAmountEUR) {
		out.Reason = ReasonBelowMinimum
		out.Notice = fmt.Sprintf("GMPays requires a minimum order of %s EUR. Your order total is %s EUR.", out.Minimum, out.ValidationTotal)
		return out, nil
	}
	out.Available = true
	return out, nil
}

// Submit starts the GMPays payment for an order. The minimum-amount gate is
// evaluated again here since the cart may have changed since listing.
func (s *Service) Submit(ctx context.Context, orderID, customerIP string) (Payment, error) {
	ctx, span := otel.Tracer("checkout.Service").Start(ctx, "Service.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	pay, err := s.submit(ctx, orderID, customerIP)
	result := "created"
	switch {
	case err != nil:
		result = "error"
		var appErr *common.AppError
		if errors.As(err, &appErr) && appErr.Code == "GATEWAY_UNAVAILABLE" {
			result = "blocked"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case pay.Reused:
		result = "reused"
	}
	if obs.InvoiceTotal != nil {
		obs.InvoiceTotal.WithLabelValues(result).Inc()
	}
	return pay, err
}

func (s *Service) submit(ctx context.Context, orderID, customerIP string) (Payment, error) {
	if s == nil || s.Orders == nil || s.Converter == nil || s.Engine == nil {
		return Payment{}, common.ConfigErrorf("checkout service not configured")
	}
	o, err := s.Orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return Payment{}, common.NewAppError("ORDER_NOT_FOUND", "order not found", http.StatusNotFound, err)
		}
		return Payment{}, err
	}
	log := s.Logger.With().Str("order_id", o.ID).Logger()

	switch o.PaymentStatus {
	case order.PaymentAwaiting, order.PaymentProcessing:
		if pay, ok := existing(o); ok {
			log.Info().Str("invoice_id", pay.InvoiceID).Msg("reusing open invoice")
			return pay, nil
		}
	case order.PaymentCompleted:
		return Payment{}, common.NewAppError("ORDER_PAID", "this order has already been paid", http.StatusConflict, nil)
	case order.PaymentFailed, order.PaymentCancelled:
		return Payment{}, common.NewAppError("ORDER_CLOSED", "this order can no longer be paid, please check out again from your cart", http.StatusConflict, nil)
	}

	avail, err := s.Availability(ctx, o.Total, o.Currency)
	if err != nil {
		return Payment{}, err
	}
	if !avail.Available {
		log.Info().Str("reason", avail.Reason).Str("total", o.Total.StringFixed(2)).Str("currency", o.Currency).Msg("checkout blocked")
		appErr := common.NewAppError("GATEWAY_UNAVAILABLE", avail.Notice, http.StatusUnprocessableEntity, nil)
		appErr.Details = map[string]string{"reason": avail.Reason, "minimum": avail.Minimum}
		return Payment{}, appErr
	}

	settlement, err := s.Converter.ToSettlement(ctx, o.Total, o.Currency)
	if err != nil {
		if errors.Is(err, currency.ErrRateUnavailable) {
			appErr := common.NewAppError("GATEWAY_UNAVAILABLE", fmt.Sprintf("GMPays cannot accept payments in %s at the moment.", o.Currency), http.StatusUnprocessableEntity, err)
			appErr.Details = map[string]string{"reason": ReasonCurrencyUnsupported}
			return Payment{}, appErr
		}
		return Payment{}, err
	}

	inv, err := s.Gateway.CreateInvoice(ctx, s.invoiceRequest(o, settlement, customerIP))
	if err != nil {
		log.Error().Err(err).Msg("create invoice failed")
		return Payment{}, invoiceError(err)
	}

	res, err := s.Engine.MarkAwaiting(ctx, o.ID, inv, settlement)
	if err != nil {
		return Payment{}, fmt.Errorf("record invoice: %w", err)
	}
	if res.Outcome != payment.OutcomeApplied {
		// a concurrent submit recorded its invoice first
		current, err := s.Orders.Get(ctx, o.ID)
		if err != nil {
			return Payment{}, err
		}
		if pay, ok := existing(current); ok {
			log.Warn().Str("orphan_invoice_id", inv.ID).Msg("concurrent submit, using recorded invoice")
			return pay, nil
		}
		return Payment{}, common.NewAppError("ORDER_CLOSED", "this order can no longer be paid", http.StatusConflict, nil)
	}
	log.Info().Str("invoice_id", inv.ID).Str("settlement", settlement.StringFixed(2)).Msg("invoice created")
	return Payment{
		OrderID:          o.ID,
		InvoiceID:        inv.ID,
		RedirectURL:      inv.PaymentURL,
		SettlementAmount: settlement.StringFixed(2),
		Currency:         currency.Settlement,
	}, nil
}

func existing(o order.Order) (Payment, bool) {
	id, link := o.MetaValue(order.MetaInvoiceID), o.MetaValue(order.MetaPaymentURL)
	if id == "" || link == "" {
		return Payment{}, false
	}
	return Payment{
		OrderID:          o.ID,
		InvoiceID:        id,
		RedirectURL:      link,
		SettlementAmount: o.MetaValue(order.MetaSettlementAmount),
		Currency:         currency.Settlement,
		Reused:           true,
	}, true
}

func (s *Service) invoiceRequest(o order.Order, settlement decimal.Decimal, customerIP string) gateway.InvoiceRequest {
	base := strings.TrimRight(s.Config.PublicBaseURL, "/")
	ret := func(outcome string) string {
		q := url.Values{"order_id": {o.ID}}
		if o.Key != "" {
			q.Set("key", o.Key)
		}
		return base + "/return/" + outcome + "?" + q.Encode()
	}
	return gateway.InvoiceRequest{
		OrderID:       o.ID,
		OrderKey:      o.Key,
		Amount:        settlement,
		Description:   Description(o, s.Config.StoreName),
		CustomerEmail: o.Email,
		CustomerName:  o.CustomerName(),
		CustomerPhone: o.Phone,
		CustomerIP:    customerIP,
		SuccessURL:    ret("success"),
		FailURL:       ret("failure"),
		CancelURL:     ret("cancel"),
		CallbackURL:   base + "/webhook",
	}
}

// Description renders the invoice comment, e.g.
// "Order #1001 from Toko: Mug x 2, Plate x 1".
func Description(o order.Order, store string) string {
	if strings.TrimSpace(store) == "" {
		store = "our store"
	}
	parts := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		parts = append(parts, fmt.Sprintf("%s x %d", it.Name, it.Quantity))
	}
	desc := fmt.Sprintf("Order #%d from %s", o.Number, store)
	if len(parts) > 0 {
		desc += ": " + strings.Join(parts, ", ")
	}
	return gateway.TruncateDescription(desc)
}

func invoiceError(err error) error {
	msg := gateway.ProcessorMessage(err)
	switch {
	case errors.Is(err, common.ErrConfig):
		return common.NewAppError("PAYMENT_NOT_CONFIGURED", "GMPays is not available at the moment, please choose another payment method.", http.StatusServiceUnavailable, err)
	case errors.Is(err, common.ErrRetryable):
		return common.NewAppError("PAYMENT_UNAVAILABLE", "GMPays did not respond, please try again in a moment.", http.StatusBadGateway, err)
	case msg != "":
		return common.NewAppError("PAYMENT_FAILED", "Payment could not be started: "+msg, http.StatusBadGateway, err)
	default:
		return common.NewAppError("PAYMENT_FAILED", "Payment could not be started, please try again.", http.StatusBadGateway, err)
	}
}
