package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-gmpays/internal/common"
	"github.com/noah-isme/toko-gmpays/internal/gateway"
	"github.com/noah-isme/toko-gmpays/internal/lock"
	"github.com/noah-isme/toko-gmpays/internal/obs"
	"github.com/noah-isme/toko-gmpays/internal/order"
	"github.com/noah-isme/toko-gmpays/internal/payment"
	"github.com/noah-isme/toko-gmpays/internal/resilience"
)

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Locker runs fn only when no other worker holds key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Config tunes the sweep.
type Config struct {
	// MinAge skips orders updated more recently, leaving room for the webhook.
	MinAge time.Duration
	Batch  int
	// AbandonAfter cancels invoices still pending after this long. Zero keeps
	// them waiting indefinitely.
	AbandonAfter time.Duration
	LockTTL      time.Duration
	// Dedupe is how long a queued poll suppresses another for the same order.
	Dedupe    time.Duration
	MaxRetry  int
	RetryBase time.Duration
}

// Worker resolves payments that never received a notification.
type Worker struct {
	Orders    order.Adapter
	Processor payment.Processor
	Engine    *payment.Engine
	Queue     Enqueuer
	Locker    Locker
	Config    Config
	Logger    zerolog.Logger
	Now       func() time.Time
}

const sweepLockKey = "gmpays:sweep"

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

// Register attaches the task handlers to mux.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeSweep, w.HandleSweep)
	mux.HandleFunc(TypePoll, w.HandlePoll)
}

// RetryDelay spaces poll retries exponentially.
func (w *Worker) RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return resilience.Backoff(w.Config.RetryBase, n+1, 0.2)
}

// HandleSweep enqueues a poll for every stale awaiting order. Only one
// worker sweeps at a time.
func (w *Worker) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	ctx, span := otel.Tracer("sweep.Worker").Start(ctx, "Worker.HandleSweep")
	defer span.End()

	if w.Orders == nil || w.Queue == nil {
		return fmt.Errorf("sweep worker not configured: %w", asynq.SkipRetry)
	}
	run := func(ctx context.Context) error { return w.sweep(ctx) }
	if w.Locker == nil {
		return run(ctx)
	}
	err := w.Locker.TryLock(ctx, sweepLockKey, w.lockTTL(), run)
	if errors.Is(err, lock.ErrNotAcquired) {
		w.Logger.Debug().Msg("sweep already running elsewhere")
		count("locked")
		return nil
	}
	return err
}

func (w *Worker) sweep(ctx context.Context) error {
	batch := w.Config.Batch
	if batch <= 0 {
		batch = 100
	}
	orders, err := w.Orders.ListAwaiting(ctx, w.now().Add(-w.Config.MinAge), batch)
	if err != nil {
		return fmt.Errorf("list awaiting orders: %w", err)
	}
	enqueued := 0
	for _, o := range orders {
		invoiceID := o.MetaValue(order.MetaInvoiceID)
		if invoiceID == "" {
			w.Logger.Warn().Str("order_id", o.ID).Msg("awaiting order has no invoice id")
			count("skipped")
			continue
		}
		task, err := NewPollTask(o.ID, invoiceID, w.Config.MaxRetry, w.dedupe())
		if err != nil {
			return err
		}
		if _, err := w.Queue.EnqueueContext(ctx, task); err != nil {
			if errors.Is(err, asynq.ErrDuplicateTask) {
				count("queued")
				continue
			}
			return fmt.Errorf("enqueue poll for %s: %w", o.ID, err)
		}
		enqueued++
		count("enqueued")
	}
	w.Logger.Info().Int("candidates", len(orders)).Int("enqueued", enqueued).Msg("pending payment sweep")
	return nil
}

// HandlePoll asks the processor about one invoice and applies the answer.
func (w *Worker) HandlePoll(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("sweep.Worker").Start(ctx, "Worker.HandlePoll")
	defer span.End()

	var p PollPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.OrderID == "" {
		return fmt.Errorf("invalid poll payload: %w", asynq.SkipRetry)
	}
	span.SetAttributes(attribute.String("order.id", p.OrderID))
	if w.Orders == nil || w.Processor == nil || w.Engine == nil {
		return fmt.Errorf("poll worker not configured: %w", asynq.SkipRetry)
	}
	log := w.Logger.With().Str("order_id", p.OrderID).Logger()

	o, err := w.Orders.Get(ctx, p.OrderID)
	if errors.Is(err, common.ErrNotFound) {
		log.Warn().Msg("polled order no longer exists")
		count("missing")
		return nil
	}
	if err != nil {
		return err
	}
	if o.PaymentStatus.Terminal() {
		count("settled")
		return nil
	}
	invoiceID := o.MetaValue(order.MetaInvoiceID)
	if invoiceID == "" {
		invoiceID = p.InvoiceID
	}
	log = log.With().Str("invoice_id", invoiceID).Logger()

	status, err := w.Processor.GetStatus(ctx, invoiceID)
	if err != nil {
		count("error")
		if errors.Is(err, common.ErrRetryable) {
			log.Warn().Err(err).Msg("status poll failed, will retry")
			return err
		}
		log.Error().Err(err).Msg("status poll failed")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if status.InvoiceID == "" {
		status.InvoiceID = invoiceID
	}

	if status.Status == gateway.StatusPending || status.Status == gateway.StatusUnknown {
		if age, abandoned := w.abandoned(o); abandoned {
			return w.abandon(ctx, o, invoiceID, age, log)
		}
		count("pending")
		return nil
	}

	res, err := w.Engine.Apply(ctx, payment.FromStatus(payment.ChannelSweep, status))
	if err != nil {
		count("error")
		return err
	}
	count(string(res.Outcome))
	return nil
}

func (w *Worker) abandoned(o order.Order) (time.Duration, bool) {
	if w.Config.AbandonAfter <= 0 {
		return 0, false
	}
	since := o.CreatedAt
	if created, err := time.Parse(time.RFC3339, o.MetaValue(order.MetaInvoiceCreatedAt)); err == nil {
		since = created
	}
	age := w.now().Sub(since)
	return age, age >= w.Config.AbandonAfter
}

func (w *Worker) abandon(ctx context.Context, o order.Order, invoiceID string, age time.Duration, log zerolog.Logger) error {
	if err := w.Processor.CancelInvoice(ctx, invoiceID); err != nil {
		if gateway.IsRejected(err) {
			// the processor may have settled it meanwhile; the next sweep will see it
			log.Warn().Err(err).Msg("processor refused to cancel abandoned invoice")
			count("cancel_refused")
			return nil
		}
		count("error")
		return err
	}
	res, err := w.Engine.Apply(ctx, payment.Notification{
		Channel:   payment.ChannelSweep,
		InvoiceID: invoiceID,
		Status:    gateway.StatusCancelled,
		RawStatus: "abandoned",
		Reason:    fmt.Sprintf("no payment confirmation after %s", age.Round(time.Minute)),
		Verified:  true,
	})
	if err != nil {
		count("error")
		return err
	}
	log.Info().Str("outcome", string(res.Outcome)).Dur("age", age).Msg("abandoned invoice cancelled")
	count("abandoned")
	return nil
}

func (w *Worker) dedupe() time.Duration {
	if w.Config.Dedupe >= time.Second {
		return w.Config.Dedupe
	}
	return 10 * time.Minute
}

func (w *Worker) lockTTL() time.Duration {
	if w.Config.LockTTL > 0 {
		return w.Config.LockTTL
	}
	return 10 * time.Minute
}

func count(result string) {
	if obs.SweepTotal != nil {
		obs.SweepTotal.WithLabelValues(obs.Label(result)).Inc()
	}
}
