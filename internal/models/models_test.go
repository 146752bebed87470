package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCalculateTotal(t *testing.T) {
	items := []OrderItem{
		{TicketTypeID: 1, Quantity: 2, PricePerTicket: decimal.RequireFromString("10.00")},
		{TicketTypeID: 2, Quantity: 1, PricePerTicket: decimal.RequireFromString("25.00")},
	}

	total := CalculateTotal(items)

	assert.True(t, total.Equal(decimal.RequireFromString("45.00")), "got %s", total)
}

func TestCalculateTotalKeepsCents(t *testing.T) {
	items := []OrderItem{
		{Quantity: 3, PricePerTicket: decimal.RequireFromString("0.10")},
	}

	assert.Equal(t, "0.3", CalculateTotal(items).String())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(OrderStatusPending, OrderStatusConfirmed))
	assert.True(t, CanTransition(OrderStatusPending, OrderStatusCancelled))
	assert.True(t, CanTransition(OrderStatusConfirmed, OrderStatusCompleted))

	assert.False(t, CanTransition(OrderStatusConfirmed, OrderStatusCancelled))
	assert.False(t, CanTransition(OrderStatusCancelled, OrderStatusPending))
	assert.False(t, CanTransition(OrderStatusCancelled, OrderStatusConfirmed))
	assert.False(t, CanTransition(OrderStatusCompleted, OrderStatusConfirmed))
}

func TestEventIsBookable(t *testing.T) {
	now := time.Date(2026, 5, 10, 18, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		event Event
		want  bool
	}{
		{"approved future", Event{Status: EventStatusApproved, EventDate: now.AddDate(0, 0, 3)}, true},
		{"approved today", Event{Status: EventStatusApproved, EventDate: time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)}, true},
		{"approved past", Event{Status: EventStatusApproved, EventDate: now.AddDate(0, 0, -1)}, false},
		{"pending", Event{Status: EventStatusPending, EventDate: now.AddDate(0, 1, 0)}, false},
		{"cancelled", Event{Status: EventStatusCancelled, EventDate: now.AddDate(0, 1, 0)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.IsBookable(now))
		})
	}
}

func TestEventIsBookableWestOfUTC(t *testing.T) {
	newYork := time.FixedZone("EDT", -4*60*60)
	now := time.Date(2026, 10, 20, 9, 0, 0, 0, newYork)

	today := Event{Status: EventStatusApproved, EventDate: time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)}
	yesterday := Event{Status: EventStatusApproved, EventDate: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)}

	assert.True(t, today.IsBookable(now))
	assert.False(t, yesterday.IsBookable(now))
}

func TestEventIsBookableEastOfUTC(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	now := time.Date(2026, 10, 20, 1, 0, 0, 0, tokyo)

	today := Event{Status: EventStatusApproved, EventDate: time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)}
	yesterday := Event{Status: EventStatusApproved, EventDate: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)}

	assert.True(t, today.IsBookable(now))
	assert.False(t, yesterday.IsBookable(now))
}

func TestPrincipalAccess(t *testing.T) {
	order := &Order{ID: 1, UserID: 10}
	event := &Event{ID: 5, OrganizerID: 20}

	owner := Principal{UserID: 10, Roles: []string{RoleUser}}
	stranger := Principal{UserID: 11, Roles: []string{RoleUser}}
	admin := Principal{UserID: 99, Roles: []string{RoleUser, RoleAdmin}}
	organizer := Principal{UserID: 20, Roles: []string{RoleOrganizer}}
	otherOrganizer := Principal{UserID: 21, Roles: []string{RoleOrganizer}}

	assert.True(t, owner.CanAccessOrder(order))
	assert.False(t, stranger.CanAccessOrder(order))
	assert.True(t, admin.CanAccessOrder(order))

	assert.True(t, organizer.CanManageEvent(event))
	assert.False(t, otherOrganizer.CanManageEvent(event))
	assert.True(t, admin.CanManageEvent(event))
	assert.False(t, owner.CanManageEvent(event))
}
