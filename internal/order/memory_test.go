package order_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-gmpays/internal/order"
)

func seed(store *order.MemoryStore, id string, state order.PaymentState) {
	store.Put(order.Order{
		ID:            id,
		Key:           "key-" + id,
		Number:        7,
		Currency:      "EUR",
		Total:         decimal.RequireFromString("10.00"),
		PaymentStatus: state,
		Items:         []order.Item{{ProductID: "p1", Name: "Mug", Quantity: 2, UnitPrice: decimal.RequireFromString("5")}},
		Meta:          map[string]string{order.MetaInvoiceID: "INV-" + id},
	})
}

func TestApplyIsCheckThenSet(t *testing.T) {
	store := order.NewMemoryStore()
	seed(store, "o1", order.PaymentAwaiting)
	ctx := context.Background()

	ok, err := store.Apply(ctx, "o1", order.PaymentAwaiting, order.Change{
		Status:        order.PaymentCompleted,
		OrderStatus:   order.StatusProcessing,
		TransactionID: "TXN1",
		Meta:          map[string]string{order.MetaTransactionID: "TXN1"},
		Note:          &order.Note{Text: "paid"},
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Apply(ctx, "o1", order.PaymentAwaiting, order.Change{
		Status: order.PaymentCancelled,
		Note:   &order.Note{Text: "cancelled"},
	})
	require.NoError(t, err)
	require.False(t, ok)

	o, err := store.Get(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, order.PaymentCompleted, o.PaymentStatus)
	require.Equal(t, order.StatusProcessing, o.Status)
	require.Equal(t, "TXN1", o.TransactionID)
	require.NotNil(t, o.PaidAt)

	notes, err := store.Notes(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, "paid", notes[0].Text)
}

func TestApplyRejectsCompletionWithoutTransaction(t *testing.T) {
	store := order.NewMemoryStore()
	seed(store, "o1", order.PaymentAwaiting)

	_, err := store.Apply(context.Background(), "o1", order.PaymentAwaiting, order.Change{Status: order.PaymentCompleted})
	require.ErrorIs(t, err, order.ErrInvalidChange)
}

func TestApplyUnknownOrder(t *testing.T) {
	store := order.NewMemoryStore()
	_, err := store.Apply(context.Background(), "missing", order.PaymentAwaiting, order.Change{Status: order.PaymentFailed})
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestConcurrentApplyHasOneWinner(t *testing.T) {
	store := order.NewMemoryStore()
	seed(store, "o1", order.PaymentAwaiting)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			change := order.Change{Status: order.PaymentFailed, Note: &order.Note{Text: "failed"}}
			if i%2 == 0 {
				change = order.Change{Status: order.PaymentCompleted, TransactionID: "T", Note: &order.Note{Text: "paid"}}
			}
			ok, err := store.Apply(ctx, "o1", order.PaymentAwaiting, change)
			require.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())

	notes, err := store.Notes(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
}

func TestFindByMetaAndKey(t *testing.T) {
	store := order.NewMemoryStore()
	seed(store, "o1", order.PaymentAwaiting)
	ctx := context.Background()

	o, err := store.FindByMeta(ctx, order.MetaInvoiceID, "INV-o1")
	require.NoError(t, err)
	require.Equal(t, "o1", o.ID)

	o, err = store.FindByKey(ctx, "key-o1")
	require.NoError(t, err)
	require.Equal(t, "o1", o.ID)

	_, err = store.FindByMeta(ctx, order.MetaInvoiceID, "")
	require.ErrorIs(t, err, order.ErrNotFound)
	_, err = store.FindByKey(ctx, "nope")
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestRestoreCartOnce(t *testing.T) {
	store := order.NewMemoryStore()
	seed(store, "o1", order.PaymentFailed)
	ctx := context.Background()

	require.NoError(t, store.RestoreCart(ctx, "o1"))
	require.NoError(t, store.RestoreCart(ctx, "o1"))
	items, ok := store.Cart("o1")
	require.True(t, ok)
	require.Len(t, items, 1)
	require.Equal(t, 2, items[0].Quantity)

	require.ErrorIs(t, store.RestoreCart(ctx, "nope"), order.ErrNotFound)
}

func TestListAwaiting(t *testing.T) {
	store := order.NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })
	seed(store, "old", order.PaymentAwaiting)
	seed(store, "done", order.PaymentCompleted)
	store.SetClock(func() time.Time { return base.Add(time.Hour) })
	seed(store, "fresh", order.PaymentProcessing)

	out, err := store.ListAwaiting(context.Background(), base.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "old", out[0].ID)

	out, err = store.ListAwaiting(context.Background(), base.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestGetReturnsCopies(t *testing.T) {
	store := order.NewMemoryStore()
	seed(store, "o1", order.PaymentAwaiting)
	o, err := store.Get(context.Background(), "o1")
	require.NoError(t, err)
	o.Meta[order.MetaInvoiceID] = "mutated"

	again, err := store.Get(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, "INV-o1", again.MetaValue(order.MetaInvoiceID))
	require.Equal(t, "", again.CustomerName())
}
