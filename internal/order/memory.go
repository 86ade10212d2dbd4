package order

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an Adapter kept in process memory. It backs tests and local
// runs without a database.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]*Order
	notes  map[string][]Note
	carts  map[string][]Item
	nextID int64
	now    func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		notes:  make(map[string][]Note),
		carts:  make(map[string][]Item),
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Put inserts or replaces an order.
func (s *MemoryStore) Put(o Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.PaymentStatus == "" {
		o.PaymentStatus = PaymentNone
	}
	if o.Status == "" {
		o.Status = StatusPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	cp := cloneOrder(o)
	s.orders[o.ID] = &cp
}

func (s *MemoryStore) Get(_ context.Context, id string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return cloneOrder(*o), nil
}

func (s *MemoryStore) FindByMeta(_ context.Context, key, value string) (Order, error) {
	if strings.TrimSpace(value) == "" {
		return Order{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.sortedIDs() {
		o := s.orders[id]
		if o.Meta[key] == value {
			return cloneOrder(*o), nil
		}
	}
	return Order{}, ErrNotFound
}

func (s *MemoryStore) FindByKey(_ context.Context, key string) (Order, error) {
	if strings.TrimSpace(key) == "" {
		return Order{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.Key == key {
			return cloneOrder(*o), nil
		}
	}
	return Order{}, ErrNotFound
}

func (s *MemoryStore) Apply(_ context.Context, id string, expected PaymentState, change Change) (bool, error) {
	if err := change.validate(expected); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, ErrNotFound
	}
	if o.PaymentStatus != expected {
		return false, nil
	}
	now := s.now()
	o.PaymentStatus = change.Status
	if change.OrderStatus != "" {
		o.Status = change.OrderStatus
	}
	if len(change.Meta) > 0 && o.Meta == nil {
		o.Meta = make(map[string]string, len(change.Meta))
	}
	for k, v := range change.Meta {
		o.Meta[k] = v
	}
	if change.Status == PaymentCompleted && o.PaidAt == nil {
		o.TransactionID = change.TransactionID
		paid := now
		o.PaidAt = &paid
	}
	o.Version++
	o.UpdatedAt = now
	if change.Note != nil && strings.TrimSpace(change.Note.Text) != "" {
		s.nextID++
		s.notes[id] = append(s.notes[id], Note{
			ID:              s.nextID,
			Text:            change.Note.Text,
			CustomerVisible: change.Note.CustomerVisible,
			CreatedAt:       now,
		})
	}
	return true, nil
}

func (s *MemoryStore) RestoreCart(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return ErrNotFound
	}
	if _, done := s.carts[id]; done {
		return nil
	}
	s.carts[id] = append([]Item(nil), o.Items...)
	return nil
}

// Cart returns the cart restored for order id.
func (s *MemoryStore) Cart(id string) ([]Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, ok := s.carts[id]
	return append([]Item(nil), items...), ok
}

func (s *MemoryStore) ListAwaiting(_ context.Context, olderThan time.Time, limit int) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if o.PaymentStatus != PaymentAwaiting && o.PaymentStatus != PaymentProcessing {
			continue
		}
		if !o.UpdatedAt.Before(olderThan) {
			continue
		}
		out = append(out, cloneOrder(*o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Notes(_ context.Context, id string) ([]Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[id]; !ok {
		return nil, ErrNotFound
	}
	return append([]Note(nil), s.notes[id]...), nil
}

func (s *MemoryStore) sortedIDs() []string {
	ids := make([]string, 0, len(s.orders))
	for id := range s.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneOrder(o Order) Order {
	cp := o
	if o.Meta != nil {
		cp.Meta = make(map[string]string, len(o.Meta))
		for k, v := range o.Meta {
			cp.Meta[k] = v
		}
	}
	cp.Items = append([]Item(nil), o.Items...)
	if o.PaidAt != nil {
		t := *o.PaidAt
		cp.PaidAt = &t
	}
	return cp
}
