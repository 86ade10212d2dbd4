package payment

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/noah-isme/toko-gmpays/internal/common"
	"github.com/noah-isme/toko-gmpays/internal/gateway"
	"github.com/noah-isme/toko-gmpays/internal/signature"
)

// Channel names the path a payment outcome arrived on.
type Channel string

const (
	ChannelWebhook  Channel = "webhook"
	ChannelRedirect Channel = "redirect"
	ChannelPoll     Channel = "poll"
	ChannelAdmin    Channel = "admin"
	ChannelSweep    Channel = "sweep"
)

var (
	// ErrMalformed marks a body that is not a usable notification.
	ErrMalformed = errors.New("payment: malformed notification")
	// ErrUnknownEvent marks a well-formed, verified event this integration does not handle.
	ErrUnknownEvent = errors.New("payment: unhandled event type")
)

// SignatureError carries the diagnostics of a failed verification. It
// matches common.ErrAuthentication.
type SignatureError struct {
	Received string
	Expected string
}

func (e *SignatureError) Error() string {
	if e.Received == "" {
		return "payment: notification is not signed"
	}
	return "payment: signature mismatch"
}

func (e *SignatureError) Is(target error) bool { return target == common.ErrAuthentication }

// OrderRef is a secondary correlation key carried by a notification.
type OrderRef struct {
	// ByKey is true when Value is a public order key rather than an order id.
	ByKey bool
	Value string
}

// Notification is a payment outcome normalised from any channel. Only
// notifications with Verified set are acted on.
type Notification struct {
	Channel       Channel
	EventType     string
	InvoiceID     string
	Status        gateway.Status
	RawStatus     string
	TransactionID string
	Amount        string
	Currency      string
	Reason        string
	RefundID      string
	Refs          []OrderRef
	Verified      bool
}

var eventStatus = map[string]gateway.Status{
	"invoice.paid":      gateway.StatusPaid,
	"payment.failed":    gateway.StatusFailed,
	"invoice.failed":    gateway.StatusFailed,
	"payment.cancelled": gateway.StatusCancelled,
	"invoice.cancelled": gateway.StatusCancelled,
	"refund":            gateway.StatusRefunded,
	"invoice.refunded":  gateway.StatusRefunded,
}

// ParseWebhook verifies and normalises a webhook body. The signature always
// covers the complete top-level object minus the signature field, for both
// the flat form and the {type, data} envelope.
func ParseWebhook(body []byte, signer signature.Signer) (Notification, error) {
	payload, err := common.DecodeObject(body)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := verify(payload, signer); err != nil {
		return Notification{}, err
	}

	n := Notification{Channel: ChannelWebhook, Verified: true}
	src := payload
	if eventType := common.LookupString(payload, "type"); eventType != "" {
		n.EventType = strings.ToLower(eventType)
		if data := common.LookupObject(payload, "data"); data != nil {
			src = data
		}
		switch status, ok := eventStatus[n.EventType]; {
		case n.EventType == "payment":
			n.RawStatus = common.FirstString(src, "status", "state")
			if n.RawStatus == "" {
				n.RawStatus = string(gateway.StatusPaid)
			}
			n.Status = gateway.NormalizeStatus(n.RawStatus)
		case ok:
			n.RawStatus = n.EventType
			n.Status = status
		default:
			return n, fmt.Errorf("%w: %s", ErrUnknownEvent, n.EventType)
		}
		n.InvoiceID = common.FirstString(src, "invoice", "invoice_id", "id")
	} else {
		n.RawStatus = common.FirstString(src, "status", "state")
		n.Status = gateway.NormalizeStatus(n.RawStatus)
		n.InvoiceID = common.FirstString(src, "invoice", "invoice_id")
	}

	n.TransactionID = common.FirstString(src, "transaction_id", "transaction", "payment_id")
	if n.TransactionID == "" && n.EventType != "" && n.Status == gateway.StatusPaid {
		// paid events without a transaction id settle against the invoice
		n.TransactionID = common.FirstString(src, "invoice", "id")
	}
	n.Amount = common.FirstString(src, "amount")
	n.Currency = common.FirstString(src, "currency")
	n.Reason = common.FirstString(src, "reason", "message", "error")
	n.RefundID = common.FirstString(src, "refund_id")
	n.Refs = refsFrom(src)

	if n.RawStatus == "" {
		return n, fmt.Errorf("%w: status is missing", ErrMalformed)
	}
	if n.InvoiceID == "" && len(n.Refs) == 0 {
		return n, fmt.Errorf("%w: no invoice or order reference", ErrMalformed)
	}
	return n, nil
}

// refsFrom collects secondary correlation keys in lookup order.
func refsFrom(src map[string]any) []OrderRef {
	var refs []OrderRef
	add := func(byKey bool, v string) {
		if v != "" {
			refs = append(refs, OrderRef{ByKey: byKey, Value: v})
		}
	}
	add(false, firstNested(src, "metadata", "wc_order_id", "order_id"))
	add(true, firstNested(src, "metadata", "wc_order_key", "order_key"))
	add(false, firstNested(src, "add_fields", "order_id"))
	add(true, firstNested(src, "add_fields", "order_key"))
	return refs
}

func firstNested(src map[string]any, object string, keys ...string) string {
	nested := common.LookupObject(src, object)
	if nested == nil {
		return ""
	}
	return common.FirstString(nested, keys...)
}

// RedirectOutcome is the return page the customer landed on.
type RedirectOutcome string

const (
	OutcomeSuccess RedirectOutcome = "success"
	OutcomeFailure RedirectOutcome = "failure"
	OutcomeCancel  RedirectOutcome = "cancel"
)

// ParseRedirect normalises a browser return. Verified is set only when the
// query carries a valid signature over its other parameters; an unsigned
// redirect is returned unverified so the caller can confirm it by polling.
func ParseRedirect(outcome RedirectOutcome, query url.Values, signer signature.Signer) (Notification, error) {
	n := Notification{
		Channel:       ChannelRedirect,
		InvoiceID:     firstQuery(query, "invoice", "invoice_id"),
		TransactionID: firstQuery(query, "transaction_id", "transaction"),
		Reason:        firstQuery(query, "reason"),
		Amount:        firstQuery(query, "amount"),
		Currency:      firstQuery(query, "currency"),
	}
	if id := firstQuery(query, "order_id"); id != "" {
		n.Refs = append(n.Refs, OrderRef{Value: id})
	}
	if key := firstQuery(query, "order_key", "key"); key != "" {
		n.Refs = append(n.Refs, OrderRef{ByKey: true, Value: key})
	}
	if n.InvoiceID == "" && len(n.Refs) == 0 {
		return n, fmt.Errorf("%w: no invoice or order reference", ErrMalformed)
	}

	n.RawStatus = firstQuery(query, "status")
	if n.RawStatus == "" {
		n.RawStatus = string(outcome)
	}
	switch outcome {
	case OutcomeSuccess:
		n.Status = gateway.NormalizeStatus(n.RawStatus)
	case OutcomeFailure:
		n.Status = gateway.StatusFailed
	case OutcomeCancel:
		n.Status = gateway.StatusCancelled
	default:
		return n, fmt.Errorf("%w: unknown return outcome %q", ErrMalformed, outcome)
	}

	if query.Get(signature.FieldName) != "" && signer != nil {
		payload := make(map[string]any, len(query))
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			payload[k] = query.Get(k)
		}
		if err := verify(payload, signer); err == nil {
			n.Verified = true
		}
	}
	return n, nil
}

// FromStatus converts a processor poll result into a notification. Poll
// results come from our own signed request and are verified by the client
// when they carry a signature.
func FromStatus(channel Channel, res gateway.StatusResult) Notification {
	return Notification{
		Channel:       channel,
		InvoiceID:     res.InvoiceID,
		Status:        res.Status,
		RawStatus:     res.RawStatus,
		TransactionID: res.TransactionID,
		Amount:        res.Amount,
		Currency:      res.Currency,
		Reason:        res.Reason,
		Verified:      true,
	}
}

func verify(payload map[string]any, signer signature.Signer) error {
	if signer == nil {
		return common.ConfigErrorf("signer is not configured")
	}
	received := signature.Extract(payload)
	if received == "" {
		return &SignatureError{}
	}
	ok, err := signer.Verify(payload, received)
	if err != nil {
		return err
	}
	if !ok {
		return &SignatureError{Received: received, Expected: signature.Expected(signer, payload)}
	}
	return nil
}

func firstQuery(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return v
		}
	}
	return ""
}
