package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/payment"
	"ticket-service/internal/store"

	"github.com/shopspring/decimal"
)

// memRepo mirrors the transactional semantics of the Postgres store in memory
type memRepo struct {
	mu          sync.Mutex
	nextID      int64
	events      map[int64]models.Event
	ticketTypes map[int64]models.TicketType
	orders      map[int64]models.Order
	items       map[int64][]models.OrderItem
	payments    map[int64]models.Payment
	codes       map[string]struct{}
}

func newMemRepo() *memRepo {
	return &memRepo{
		events:      make(map[int64]models.Event),
		ticketTypes: make(map[int64]models.TicketType),
		orders:      make(map[int64]models.Order),
		items:       make(map[int64][]models.OrderItem),
		payments:    make(map[int64]models.Payment),
		codes:       make(map[string]struct{}),
	}
}

func (r *memRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memRepo) addEvent(e models.Event) *models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = r.id()
	r.events[e.ID] = e
	return &e
}

func (r *memRepo) addTicketType(eventID int64, name, price string, total int) *models.TicketType {
	r.mu.Lock()
	defer r.mu.Unlock()
	tt := models.TicketType{
		ID:                r.id(),
		EventID:           eventID,
		Name:              name,
		Price:             decimal.RequireFromString(price),
		TotalQuantity:     total,
		QuantityAvailable: total,
	}
	r.ticketTypes[tt.ID] = tt
	return &tt
}

func (r *memRepo) setPrice(id int64, price string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tt := r.ticketTypes[id]
	tt.Price = decimal.RequireFromString(price)
	r.ticketTypes[id] = tt
}

func (r *memRepo) available(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticketTypes[id].QuantityAvailable
}

func (r *memRepo) orderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

func (r *memRepo) paymentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payments)
}

func (r *memRepo) GetEvent(_ context.Context, id int64) (*models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return nil, fmt.Errorf("event %d: %w", id, store.ErrNotFound)
	}
	return &e, nil
}

func (r *memRepo) CreateTicketType(_ context.Context, tt *models.TicketType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.ticketTypes {
		if existing.EventID == tt.EventID && existing.Name == tt.Name {
			return store.ErrDuplicate
		}
	}
	tt.ID = r.id()
	tt.QuantityAvailable = tt.TotalQuantity
	r.ticketTypes[tt.ID] = *tt
	return nil
}

func (r *memRepo) GetTicketType(_ context.Context, id int64) (*models.TicketType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tt, ok := r.ticketTypes[id]
	if !ok {
		return nil, fmt.Errorf("ticket type %d: %w", id, store.ErrNotFound)
	}
	return &tt, nil
}

func (r *memRepo) GetTicketTypesByIDs(_ context.Context, ids []int64) ([]models.TicketType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.TicketType
	for _, id := range ids {
		if tt, ok := r.ticketTypes[id]; ok {
			out = append(out, tt)
		}
	}
	return out, nil
}

func (r *memRepo) ListTicketTypesByEvent(_ context.Context, eventID int64) ([]models.TicketType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.TicketType
	for _, tt := range r.ticketTypes {
		if tt.EventID == eventID {
			out = append(out, tt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) reserveLocked(id int64, qty int) (int, error) {
	tt, ok := r.ticketTypes[id]
	if !ok {
		return 0, fmt.Errorf("ticket type %d: %w", id, store.ErrNotFound)
	}
	if tt.QuantityAvailable < qty {
		return 0, &store.StockError{TicketTypeID: id, Requested: qty}
	}
	tt.QuantityAvailable -= qty
	r.ticketTypes[id] = tt
	return tt.QuantityAvailable, nil
}

func (r *memRepo) releaseLocked(id int64, qty int) (int, error) {
	tt, ok := r.ticketTypes[id]
	if !ok {
		return 0, fmt.Errorf("ticket type %d: %w", id, store.ErrNotFound)
	}
	tt.QuantityAvailable += qty
	if tt.QuantityAvailable > tt.TotalQuantity {
		tt.QuantityAvailable = tt.TotalQuantity
	}
	r.ticketTypes[id] = tt
	return tt.QuantityAvailable, nil
}

func (r *memRepo) ReserveTickets(_ context.Context, id int64, qty int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserveLocked(id, qty)
}

func (r *memRepo) ReleaseTickets(_ context.Context, id int64, qty int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseLocked(id, qty)
}

func (r *memRepo) SetAvailable(_ context.Context, id int64, available int) (*models.TicketType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tt, ok := r.ticketTypes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if available < 0 || available > tt.TotalQuantity {
		return nil, store.ErrStockOutOfRange
	}
	tt.QuantityAvailable = available
	r.ticketTypes[id] = tt
	return &tt, nil
}

func (r *memRepo) CreateReservation(_ context.Context, order *models.Order, items []models.OrderItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[int64]models.TicketType, len(r.ticketTypes))
	for k, v := range r.ticketTypes {
		snapshot[k] = v
	}
	for _, item := range items {
		if _, err := r.reserveLocked(item.TicketTypeID, item.Quantity); err != nil {
			r.ticketTypes = snapshot
			return err
		}
	}

	order.ID = r.id()
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	for i := range items {
		items[i].ID = r.id()
		items[i].OrderID = order.ID
	}
	r.orders[order.ID] = *order
	r.items[order.ID] = append([]models.OrderItem(nil), items...)
	return nil
}

func (r *memRepo) AttachSession(_ context.Context, orderID int64, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.SessionID = &sessionID
	r.orders[orderID] = o
	return nil
}

func (r *memRepo) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	return &o, nil
}

func (r *memRepo) GetOrderBySessionID(_ context.Context, sessionID string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.SessionID != nil && *o.SessionID == sessionID {
			return &o, nil
		}
	}
	return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
}

func (r *memRepo) listOrders(keep func(models.Order) bool) []models.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Order
	for _, o := range r.orders {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (r *memRepo) ListOrdersByUser(_ context.Context, userID int64) ([]models.Order, error) {
	return r.listOrders(func(o models.Order) bool { return o.UserID == userID }), nil
}

func (r *memRepo) ListOrdersByEvent(_ context.Context, eventID int64) ([]models.Order, error) {
	return r.listOrders(func(o models.Order) bool { return o.EventID == eventID }), nil
}

func (r *memRepo) ListOrders(_ context.Context) ([]models.Order, error) {
	return r.listOrders(func(models.Order) bool { return true }), nil
}

func (r *memRepo) GetOrderItems(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.OrderItem(nil), r.items[orderID]...), nil
}

func (r *memRepo) GetPaymentByOrderID(_ context.Context, orderID int64) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[orderID]
	if !ok {
		return nil, fmt.Errorf("payment for order %d: %w", orderID, store.ErrNotFound)
	}
	return &p, nil
}

func (r *memRepo) ConfirmOrder(_ context.Context, orderID int64, tickets []store.IssuedTicket, paid *models.Payment) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok || o.Status != models.OrderStatusPending {
		return false, nil
	}
	for _, t := range tickets {
		if _, dup := r.codes[t.TicketCode]; dup {
			return false, errors.New("duplicate ticket code")
		}
	}
	for _, p := range r.payments {
		if p.TransactionID == paid.TransactionID {
			return false, errors.New("duplicate transaction id")
		}
	}

	items := r.items[orderID]
	for _, t := range tickets {
		for i := range items {
			if items[i].ID == t.OrderItemID {
				code, qr := t.TicketCode, t.QRCode
				items[i].TicketCode = &code
				items[i].QRCode = &qr
				items[i].IsValid = true
				r.codes[code] = struct{}{}
			}
		}
	}

	paid.ID = r.id()
	paid.OrderID = orderID
	r.payments[orderID] = *paid
	o.Status = models.OrderStatusConfirmed
	r.orders[orderID] = o
	return true, nil
}

func (r *memRepo) releaseOrderLocked(orderID int64) {
	for _, item := range r.items[orderID] {
		_, _ = r.releaseLocked(item.TicketTypeID, item.Quantity)
	}
}

func (r *memRepo) CancelPendingOrder(_ context.Context, orderID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.Status != models.OrderStatusPending {
		return false, nil
	}
	o.Status = models.OrderStatusCancelled
	r.orders[orderID] = o
	r.releaseOrderLocked(orderID)
	return true, nil
}

func (r *memRepo) CompleteOrder(_ context.Context, orderID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.Status != models.OrderStatusConfirmed {
		return false, nil
	}
	o.Status = models.OrderStatusCompleted
	r.orders[orderID] = o
	return true, nil
}

func (r *memRepo) RefundOrder(_ context.Context, orderID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[orderID]
	if !ok || p.Status != models.PaymentStatusCompleted {
		return false, nil
	}
	p.Status = models.PaymentStatusRefunded
	r.payments[orderID] = p

	items := r.items[orderID]
	for i := range items {
		items[i].IsValid = false
	}
	r.releaseOrderLocked(orderID)

	o := r.orders[orderID]
	o.UpdatedAt = time.Now()
	r.orders[orderID] = o
	return true, nil
}

// fakeProvider hands out sequential sessions and accepts webhooks signed "valid"
type fakeProvider struct {
	mu       sync.Mutex
	sessions int
	requests []payment.SessionRequest
	err      error
}

func (p *fakeProvider) CreateSession(_ context.Context, req payment.SessionRequest) (*payment.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	p.sessions++
	id := fmt.Sprintf("cs_test_%d", p.sessions)
	return &payment.Session{ID: id, URL: "https://checkout.example.com/" + id}, nil
}

func (p *fakeProvider) ParseEvent(payload []byte, signature string) (*payment.Event, error) {
	if signature != "valid" {
		return nil, fmt.Errorf("%w: bad header", payment.ErrInvalidSignature)
	}
	var ev payment.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func webhookPayload(id string, typ payment.EventType, sessionID, paymentID string) []byte {
	b, _ := json.Marshal(payment.Event{ID: id, Type: typ, RawType: string(typ), SessionID: sessionID, PaymentID: paymentID})
	return b
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (p *fakePublisher) record(eventType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return p.err
}

func (p *fakePublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func (p *fakePublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	return p.record(e.EventType)
}

func (p *fakePublisher) PublishOrderConfirmed(_ context.Context, e *models.OrderConfirmedEvent) error {
	return p.record(e.EventType)
}

func (p *fakePublisher) PublishOrderCancelled(_ context.Context, e *models.OrderCancelledEvent) error {
	return p.record(e.EventType)
}

func (p *fakePublisher) PublishOrderCompleted(_ context.Context, e *models.OrderCompletedEvent) error {
	return p.record(e.EventType)
}

func (p *fakePublisher) PublishOrderRefunded(_ context.Context, e *models.OrderRefundedEvent) error {
	return p.record(e.EventType)
}

type memCache struct {
	mu        sync.Mutex
	responses map[string][]byte
	locks     map[string]bool
	seen      map[string]bool
}

func newMemCache() *memCache {
	return &memCache{
		responses: make(map[string][]byte),
		locks:     make(map[string]bool),
		seen:      make(map[string]bool),
	}
}

func (c *memCache) GetIdempotentResponse(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.responses[key]
	return v, ok, nil
}

func (c *memCache) SetIdempotentResponse(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[key] = value
	return nil
}

func (c *memCache) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[key] {
		return false, nil
	}
	c.locks[key] = true
	return true, nil
}

func (c *memCache) ReleaseLock(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, key)
	return nil
}

func (c *memCache) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[eventID], nil
}

func (c *memCache) MarkEventProcessed(_ context.Context, eventID string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[eventID] = true
	return nil
}
