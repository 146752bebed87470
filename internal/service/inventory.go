package service

import (
	"context"
	"errors"
	"fmt"

	"ticket-service/internal/apperr"
	"ticket-service/internal/models"
	"ticket-service/internal/store"
	"ticket-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// InventoryService is the ticket type ledger: the only place stock counters change
// outside of an order transaction.
type InventoryService struct {
	repo   InventoryRepository
	logger *zap.Logger
}

// NewInventoryService creates a new inventory service
func NewInventoryService(repo InventoryRepository) *InventoryService {
	return &InventoryService{
		repo:   repo,
		logger: util.GetLogger(),
	}
}

// CreateTicketTypeRequest represents a request to add a ticket type to an event
type CreateTicketTypeRequest struct {
	Name          string          `json:"name" binding:"required"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	TotalQuantity int             `json:"total_quantity" binding:"min=0"`
}

// UpdateStockRequest overwrites the remaining stock of a ticket type
type UpdateStockRequest struct {
	QuantityAvailable *int `json:"quantity_available" binding:"required"`
}

// StockAdjustmentRequest moves tickets in or out of stock outside the checkout flow
type StockAdjustmentRequest struct {
	Quantity int `json:"quantity" binding:"required"`
}

// Reserve atomically takes qty tickets out of stock and returns what is left
func (s *InventoryService) Reserve(ctx context.Context, ticketTypeID int64, qty int) (int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.Reserve", attribute.Int64("ticket_type_id", ticketTypeID))
	defer span.End()

	if qty < 1 {
		return 0, apperr.BadRequest(apperr.CodeInvalidQuantity, "quantity must be at least 1")
	}

	left, err := s.repo.ReserveTickets(ctx, ticketTypeID, qty)
	if err != nil {
		util.RecordError(span, err)
		return 0, inventoryError(err, ticketTypeID, "")
	}
	return left, nil
}

// Release returns qty tickets to stock, never beyond the ticket type's total
func (s *InventoryService) Release(ctx context.Context, ticketTypeID int64, qty int) (int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.Release", attribute.Int64("ticket_type_id", ticketTypeID))
	defer span.End()

	if qty < 1 {
		return 0, apperr.BadRequest(apperr.CodeInvalidQuantity, "quantity must be at least 1")
	}

	left, err := s.repo.ReleaseTickets(ctx, ticketTypeID, qty)
	if err != nil {
		util.RecordError(span, err)
		return 0, inventoryError(err, ticketTypeID, "")
	}

	util.InventoryReleasedTickets.Add(float64(qty))
	return left, nil
}

// CreateTicketType adds a ticket type to an event managed by the caller
func (s *InventoryService) CreateTicketType(ctx context.Context, p models.Principal, eventID int64, req *CreateTicketTypeRequest) (*models.TicketType, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.CreateTicketType", attribute.Int64("event_id", eventID))
	defer span.End()

	event, err := s.repo.GetEvent(ctx, eventID)
	if err != nil {
		return nil, notFound(err, apperr.CodeEventNotFound, "event %d not found", eventID)
	}
	if !p.CanManageEvent(event) {
		return nil, apperr.Forbidden("not allowed to manage ticket types of event %d", eventID)
	}
	if req.Price.IsNegative() {
		return nil, apperr.BadRequest(apperr.CodeInvalidQuantity, "price must not be negative")
	}
	if req.TotalQuantity < 0 {
		return nil, apperr.BadRequest(apperr.CodeInvalidQuantity, "total quantity must not be negative")
	}

	tt := &models.TicketType{
		EventID:       eventID,
		Name:          req.Name,
		Description:   req.Description,
		Price:         req.Price,
		TotalQuantity: req.TotalQuantity,
	}
	if err := s.repo.CreateTicketType(ctx, tt); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.Conflict(apperr.CodeTicketTypeExists, "ticket type %q already exists for event %d", req.Name, eventID)
		}
		return nil, fmt.Errorf("failed to create ticket type: %w", err)
	}

	s.logger.Info("Ticket type created",
		zap.Int64("event_id", eventID),
		zap.Int64("ticket_type_id", tt.ID),
		zap.Int("total_quantity", tt.TotalQuantity))
	return tt, nil
}

// ListTicketTypes returns all ticket types of an event
func (s *InventoryService) ListTicketTypes(ctx context.Context, eventID int64) ([]models.TicketType, error) {
	if _, err := s.repo.GetEvent(ctx, eventID); err != nil {
		return nil, notFound(err, apperr.CodeEventNotFound, "event %d not found", eventID)
	}
	return s.repo.ListTicketTypesByEvent(ctx, eventID)
}

// SetAvailable lets the event organizer overwrite remaining stock within [0, total]
func (s *InventoryService) SetAvailable(ctx context.Context, p models.Principal, ticketTypeID int64, available int) (*models.TicketType, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.SetAvailable", attribute.Int64("ticket_type_id", ticketTypeID))
	defer span.End()

	tt, err := s.repo.GetTicketType(ctx, ticketTypeID)
	if err != nil {
		return nil, notFound(err, apperr.CodeTicketTypeNotFound, "ticket type %d not found", ticketTypeID)
	}
	event, err := s.repo.GetEvent(ctx, tt.EventID)
	if err != nil {
		return nil, notFound(err, apperr.CodeEventNotFound, "event %d not found", tt.EventID)
	}
	if !p.CanManageEvent(event) {
		return nil, apperr.Forbidden("not allowed to manage ticket type %d", ticketTypeID)
	}

	updated, err := s.repo.SetAvailable(ctx, ticketTypeID, available)
	if err != nil {
		if errors.Is(err, store.ErrStockOutOfRange) {
			return nil, apperr.BadRequest(apperr.CodeInvalidQuantity,
				"available quantity must be between 0 and %d", tt.TotalQuantity)
		}
		return nil, notFound(err, apperr.CodeTicketTypeNotFound, "ticket type %d not found", ticketTypeID)
	}

	s.logger.Info("Ticket type stock updated",
		zap.Int64("ticket_type_id", ticketTypeID),
		zap.Int("from", tt.QuantityAvailable),
		zap.Int("to", updated.QuantityAvailable))
	return updated, nil
}

// inventoryError maps storage errors of a stock mutation to business errors
func inventoryError(err error, ticketTypeID int64, name string) error {
	var stockErr *store.StockError
	switch {
	case errors.As(err, &stockErr):
		util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		if name == "" {
			name = fmt.Sprintf("#%d", stockErr.TicketTypeID)
		}
		return apperr.BadRequest(apperr.CodeInsufficientInventory, "not enough tickets available for: %s", name)
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(apperr.CodeTicketTypeNotFound, "ticket type %d not found", ticketTypeID)
	default:
		util.InventoryReservationsFailed.WithLabelValues("error").Inc()
		return fmt.Errorf("inventory update for ticket type %d: %w", ticketTypeID, err)
	}
}

// notFound turns store.ErrNotFound into a coded business error and wraps anything else
func notFound(err error, code, format string, args ...interface{}) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(code, format, args...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
