package payment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-gmpays/internal/common"
	"github.com/noah-isme/toko-gmpays/internal/signature"
)

type replayStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Webhook receives server-to-server payment notifications.
type Webhook struct {
	Engine    *Engine
	Signer    signature.Signer
	Replay    replayStore
	ReplayTTL time.Duration
	Logger    zerolog.Logger
	// Debug adds raw bodies to failure logs.
	Debug bool
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
	OrderID  string `json:"orderId,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Handle answers 200 for anything processed or deliberately ignored, 400 for
// unusable bodies, 401 for signature failures and 500 when processing failed
// and the processor should redeliver.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil || h.Signer == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	ctx, span := otel.Tracer("payment.Webhook").Start(r.Context(), "Webhook.Handle")
	defer span.End()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		span.RecordError(err)
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}

	n, err := ParseWebhook(body, h.Signer)
	var sigErr *SignatureError
	switch {
	case err == nil:
	case errors.As(err, &sigErr):
		evt := h.Logger.Warn().
			Str("client_ip", common.ClientIP(r)).
			Str("received_signature", sigErr.Received).
			Str("expected_signature", sigErr.Expected)
		if h.Debug {
			evt = evt.Bytes("raw_body", body)
		}
		evt.Msg("webhook signature verification failed")
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	case errors.Is(err, ErrUnknownEvent):
		h.Logger.Info().Str("event_type", n.EventType).Msg("acknowledging unhandled webhook event")
		common.JSON(w, http.StatusOK, webhookResponse{Received: true, Outcome: string(OutcomeIgnored)})
		return
	case errors.Is(err, ErrMalformed):
		evt := h.Logger.Warn().Err(err)
		if h.Debug {
			evt = evt.Bytes("raw_body", body)
		}
		evt.Msg("malformed webhook")
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	default:
		span.RecordError(err)
		h.Logger.Error().Err(err).Msg("webhook verification unavailable")
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	span.SetAttributes(attribute.String("gmpays.invoice_id", n.InvoiceID), attribute.String("gmpays.status", string(n.Status)))

	var replayKey string
	if h.Replay != nil && h.ReplayTTL > 0 {
		replayKey = "gmpays:wh:" + common.Sha256Hex(body)
		fresh, err := h.Replay.SetNX(ctx, replayKey, "1", h.ReplayTTL).Result()
		if err != nil {
			// the engine's terminal guard still holds without the replay cache
			h.Logger.Warn().Err(err).Msg("replay store unavailable")
			replayKey = ""
		} else if !fresh {
			h.Logger.Debug().Str("invoice_id", n.InvoiceID).Msg("duplicate webhook delivery")
			common.JSON(w, http.StatusOK, webhookResponse{Received: true, Outcome: string(OutcomeDuplicate)})
			return
		}
	}

	res, err := h.Engine.Apply(ctx, n)
	if err != nil {
		span.RecordError(err)
		if replayKey != "" {
			if delErr := h.Replay.Del(context.WithoutCancel(ctx), replayKey).Err(); delErr != nil {
				h.Logger.Warn().Err(delErr).Msg("release replay key")
			}
		}
		h.Logger.Error().Err(err).Str("invoice_id", n.InvoiceID).Msg("webhook processing failed")
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_FAILED", "notification could not be processed", nil)
		return
	}
	common.JSON(w, http.StatusOK, webhookResponse{
		Received: true,
		Outcome:  string(res.Outcome),
		OrderID:  res.OrderID,
		Status:   string(res.To),
	})
}
