package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ticket-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateTicketType inserts a ticket type with its whole stock available
func (s *Store) CreateTicketType(ctx context.Context, tt *models.TicketType) error {
	query := `
		INSERT INTO ticket_types (event_id, name, description, price, total_quantity, quantity_available)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING *`

	err := s.db.GetContext(ctx, tt, query,
		tt.EventID, tt.Name, tt.Description, tt.Price, tt.TotalQuantity)
	if isUniqueViolation(err) {
		return fmt.Errorf("ticket type %q for event %d: %w", tt.Name, tt.EventID, ErrDuplicate)
	}
	return err
}

// GetTicketType retrieves a ticket type by ID
func (s *Store) GetTicketType(ctx context.Context, id int64) (*models.TicketType, error) {
	var tt models.TicketType
	err := s.db.GetContext(ctx, &tt, "SELECT * FROM ticket_types WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket type %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &tt, nil
}

// GetTicketTypesByIDs retrieves multiple ticket types by IDs
func (s *Store) GetTicketTypesByIDs(ctx context.Context, ids []int64) ([]models.TicketType, error) {
	if len(ids) == 0 {
		return []models.TicketType{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM ticket_types WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var types []models.TicketType
	err = s.db.SelectContext(ctx, &types, query, args...)
	return types, err
}

// ListTicketTypesByEvent retrieves all ticket types of an event
func (s *Store) ListTicketTypesByEvent(ctx context.Context, eventID int64) ([]models.TicketType, error) {
	var types []models.TicketType
	err := s.db.SelectContext(ctx, &types,
		"SELECT * FROM ticket_types WHERE event_id = $1 ORDER BY id", eventID)
	return types, err
}

// ReserveTickets atomically takes qty units out of a ticket type's available stock
func (s *Store) ReserveTickets(ctx context.Context, ticketTypeID int64, qty int) (int, error) {
	return reserveTickets(ctx, s.db, ticketTypeID, qty)
}

// ReleaseTickets atomically returns qty units to a ticket type's available stock
func (s *Store) ReleaseTickets(ctx context.Context, ticketTypeID int64, qty int) (int, error) {
	return releaseTickets(ctx, s.db, ticketTypeID, qty)
}

// SetAvailable overwrites the remaining stock of a ticket type within [0, total_quantity]
func (s *Store) SetAvailable(ctx context.Context, ticketTypeID int64, available int) (*models.TicketType, error) {
	if available < 0 {
		return nil, fmt.Errorf("ticket type %d: %w", ticketTypeID, ErrStockOutOfRange)
	}

	var tt models.TicketType
	err := s.db.GetContext(ctx, &tt, `
		UPDATE ticket_types
		SET quantity_available = $1, updated_at = NOW()
		WHERE id = $2 AND total_quantity >= $1
		RETURNING *`, available, ticketTypeID)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetTicketType(ctx, ticketTypeID); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("ticket type %d: %w", ticketTypeID, ErrStockOutOfRange)
	}
	if err != nil {
		return nil, err
	}
	return &tt, nil
}

// reserveTickets is a single conditional decrement; the row lock it takes serializes
// concurrent reservations of the same ticket type.
func reserveTickets(ctx context.Context, q sqlx.QueryerContext, ticketTypeID int64, qty int) (int, error) {
	var available int
	err := sqlx.GetContext(ctx, q, &available, `
		UPDATE ticket_types
		SET quantity_available = quantity_available - $1, updated_at = NOW()
		WHERE id = $2 AND quantity_available >= $1
		RETURNING quantity_available`, qty, ticketTypeID)
	if err == nil {
		return available, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to reserve ticket type %d: %w", ticketTypeID, err)
	}

	var exists bool
	if err := sqlx.GetContext(ctx, q, &exists,
		"SELECT EXISTS(SELECT 1 FROM ticket_types WHERE id = $1)", ticketTypeID); err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("ticket type %d: %w", ticketTypeID, ErrNotFound)
	}
	return 0, &StockError{TicketTypeID: ticketTypeID, Requested: qty}
}

// releaseTickets never lets available exceed total_quantity
func releaseTickets(ctx context.Context, q sqlx.QueryerContext, ticketTypeID int64, qty int) (int, error) {
	var available int
	err := sqlx.GetContext(ctx, q, &available, `
		UPDATE ticket_types
		SET quantity_available = LEAST(quantity_available + $1, total_quantity), updated_at = NOW()
		WHERE id = $2
		RETURNING quantity_available`, qty, ticketTypeID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("ticket type %d: %w", ticketTypeID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to release ticket type %d: %w", ticketTypeID, err)
	}
	return available, nil
}
