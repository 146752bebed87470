package service

import (
	"context"
	"testing"

	"ticket-service/internal/apperr"
	"ticket-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveAndRelease(t *testing.T) {
	f := newFixture(t)
	tt := f.repo.addTicketType(f.event.ID, "GA", "10.00", 5)
	ctx := context.Background()

	left, err := f.inventory.Reserve(ctx, tt.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, left)

	_, err = f.inventory.Reserve(ctx, tt.ID, 3)
	requireCode(t, err, apperr.CodeInsufficientInventory)
	assert.Equal(t, 2, f.repo.available(tt.ID))

	left, err = f.inventory.Release(ctx, tt.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, left)

	// releasing more than was reserved never exceeds the total
	left, err = f.inventory.Release(ctx, tt.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, 5, left)

	_, err = f.inventory.Reserve(ctx, 4040, 1)
	requireCode(t, err, apperr.CodeTicketTypeNotFound)

	_, err = f.inventory.Reserve(ctx, tt.ID, 0)
	requireCode(t, err, apperr.CodeInvalidQuantity)
}

func TestCreateTicketType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := &CreateTicketTypeRequest{Name: "VIP", Price: decimal.RequireFromString("99.90"), TotalQuantity: 50}

	tt, err := f.inventory.CreateTicketType(ctx, organizer, f.event.ID, req)
	require.NoError(t, err)
	assert.Equal(t, 50, tt.QuantityAvailable)
	assert.Equal(t, f.event.ID, tt.EventID)

	_, err = f.inventory.CreateTicketType(ctx, organizer, f.event.ID, req)
	requireCode(t, err, apperr.CodeTicketTypeExists)

	stranger := models.Principal{UserID: 77, Roles: []string{models.RoleOrganizer}}
	_, err = f.inventory.CreateTicketType(ctx, stranger, f.event.ID, &CreateTicketTypeRequest{Name: "Balcony", TotalQuantity: 1})
	requireCode(t, err, apperr.CodeForbidden)

	_, err = f.inventory.CreateTicketType(ctx, admin, f.event.ID, &CreateTicketTypeRequest{
		Name: "Bad", Price: decimal.RequireFromString("-1"), TotalQuantity: 1,
	})
	requireCode(t, err, apperr.CodeInvalidQuantity)

	_, err = f.inventory.CreateTicketType(ctx, admin, 9999, req)
	requireCode(t, err, apperr.CodeEventNotFound)

	list, err := f.inventory.ListTicketTypes(ctx, f.event.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSetAvailable(t *testing.T) {
	f := newFixture(t)
	tt := f.repo.addTicketType(f.event.ID, "GA", "10.00", 5)
	ctx := context.Background()

	updated, err := f.inventory.SetAvailable(ctx, organizer, tt.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.QuantityAvailable)

	_, err = f.inventory.SetAvailable(ctx, organizer, tt.ID, 6)
	requireCode(t, err, apperr.CodeInvalidQuantity)

	_, err = f.inventory.SetAvailable(ctx, organizer, tt.ID, -1)
	requireCode(t, err, apperr.CodeInvalidQuantity)

	_, err = f.inventory.SetAvailable(ctx, alice, tt.ID, 3)
	requireCode(t, err, apperr.CodeForbidden)

	_, err = f.inventory.SetAvailable(ctx, admin, 5555, 1)
	requireCode(t, err, apperr.CodeTicketTypeNotFound)

	assert.Equal(t, 2, f.repo.available(tt.ID))
}
