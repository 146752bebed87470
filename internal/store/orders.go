package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"ticket-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// IssuedTicket is the ticket data written onto an order item at confirmation
type IssuedTicket struct {
	OrderItemID int64
	TicketCode  string
	QRCode      string
}

// CreateReservation reserves stock for every item and persists the order with its items,
// all in one transaction. A failed reservation leaves no trace.
func (s *Store) CreateReservation(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		// lock ticket type rows in a fixed order so concurrent multi-item checkouts cannot deadlock
		byType := make([]int, len(items))
		for i := range items {
			byType[i] = i
		}
		sort.SliceStable(byType, func(a, b int) bool {
			return items[byType[a]].TicketTypeID < items[byType[b]].TicketTypeID
		})

		for _, idx := range byType {
			if _, err := reserveTickets(ctx, tx, items[idx].TicketTypeID, items[idx].Quantity); err != nil {
				return err
			}
		}

		err := tx.GetContext(ctx, order, `
			INSERT INTO orders (user_id, event_id, customer_email, status, total_amount)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING *`,
			order.UserID, order.EventID, order.CustomerEmail, order.Status, order.TotalAmount)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		for i := range items {
			items[i].OrderID = order.ID
			err := tx.GetContext(ctx, &items[i].ID, `
				INSERT INTO order_items (order_id, ticket_type_id, quantity, price_per_ticket)
				VALUES ($1, $2, $3, $4)
				RETURNING id`,
				items[i].OrderID, items[i].TicketTypeID, items[i].Quantity, items[i].PricePerTicket)
			if err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}

		return nil
	})
}

// AttachSession stores the payment provider session id on an order
func (s *Store) AttachSession(ctx context.Context, orderID int64, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET session_id = $1, updated_at = NOW() WHERE id = $2",
		sessionID, orderID)
	if err != nil {
		return fmt.Errorf("failed to attach session to order %d: %w", orderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	return nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderBySessionID retrieves the order correlated with a provider session
func (s *Store) GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE session_id = $1", sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrdersByUser retrieves orders for a user, newest first
func (s *Store) ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// ListOrdersByEvent retrieves orders for an event, newest first
func (s *Store) ListOrdersByEvent(ctx context.Context, eventID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE event_id = $1 ORDER BY created_at DESC", eventID)
	return orders, err
}

// ListOrders retrieves every order, newest first
func (s *Store) ListOrders(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, "SELECT * FROM orders ORDER BY created_at DESC")
	return orders, err
}

// GetOrderItems retrieves all items for an order
func (s *Store) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// ConfirmOrder moves a PENDING order to CONFIRMED, writes the issued tickets and records the
// payment in one transaction. It returns false without changes when the order already left PENDING.
func (s *Store) ConfirmOrder(ctx context.Context, orderID int64, tickets []IssuedTicket, payment *models.Payment) (bool, error) {
	applied := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := transitionOrder(ctx, tx, orderID, models.OrderStatusPending, models.OrderStatusConfirmed)
		if err != nil || !ok {
			return err
		}

		for _, t := range tickets {
			res, err := tx.ExecContext(ctx, `
				UPDATE order_items
				SET ticket_code = $1, qr_code = $2, is_valid = TRUE
				WHERE id = $3 AND order_id = $4`,
				t.TicketCode, t.QRCode, t.OrderItemID, orderID)
			if err != nil {
				return fmt.Errorf("failed to issue ticket for item %d: %w", t.OrderItemID, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return fmt.Errorf("order item %d of order %d: %w", t.OrderItemID, orderID, ErrNotFound)
			}
		}

		err = tx.GetContext(ctx, payment, `
			INSERT INTO payments (order_id, user_id, amount, status, transaction_id, payment_method)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING *`,
			orderID, payment.UserID, payment.Amount, payment.Status, payment.TransactionID, payment.PaymentMethod)
		if err != nil {
			return fmt.Errorf("failed to record payment for order %d: %w", orderID, err)
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// CancelPendingOrder moves a PENDING order to CANCELLED and returns its stock, in one
// transaction. It returns false without changes when the order already left PENDING.
func (s *Store) CancelPendingOrder(ctx context.Context, orderID int64) (bool, error) {
	applied := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := transitionOrder(ctx, tx, orderID, models.OrderStatusPending, models.OrderStatusCancelled)
		if err != nil || !ok {
			return err
		}

		if err := releaseOrderItems(ctx, tx, orderID); err != nil {
			return err
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// CompleteOrder settles a CONFIRMED order
func (s *Store) CompleteOrder(ctx context.Context, orderID int64) (bool, error) {
	return transitionOrder(ctx, s.db, orderID, models.OrderStatusConfirmed, models.OrderStatusCompleted)
}

// RefundOrder flips the order's COMPLETED payment to REFUNDED, invalidates its tickets and
// returns its stock, in one transaction. It returns false when no COMPLETED payment remains.
func (s *Store) RefundOrder(ctx context.Context, orderID int64) (bool, error) {
	applied := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE payments SET status = $1, updated_at = NOW()
			WHERE order_id = $2 AND status = $3`,
			models.PaymentStatusRefunded, orderID, models.PaymentStatusCompleted)
		if err != nil {
			return fmt.Errorf("failed to refund payment of order %d: %w", orderID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE order_items SET is_valid = FALSE WHERE order_id = $1", orderID); err != nil {
			return fmt.Errorf("failed to invalidate tickets of order %d: %w", orderID, err)
		}

		if err := releaseOrderItems(ctx, tx, orderID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE orders SET updated_at = NOW() WHERE id = $1", orderID); err != nil {
			return err
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func releaseOrderItems(ctx context.Context, tx *sqlx.Tx, orderID int64) error {
	var items []models.OrderItem
	if err := tx.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY ticket_type_id", orderID); err != nil {
		return fmt.Errorf("failed to load items of order %d: %w", orderID, err)
	}

	for _, item := range items {
		if _, err := releaseTickets(ctx, tx, item.TicketTypeID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}
