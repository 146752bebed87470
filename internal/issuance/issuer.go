// Package issuance mints ticket codes and the QR artifacts scanned at the venue.
package issuance

import (
	"encoding/base64"
	"fmt"
	"strings"

	"ticket-service/internal/models"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

const (
	qrSize        = 300
	dataURIPrefix = "data:image/png;base64,"
	dateLayout    = "2006-01-02"
)

// Ticket is the issued code and artifact for one order item
type Ticket struct {
	OrderItemID int64
	Code        string
	QRCode      string
}

// TicketCode returns EVT-<order>-<item>-<8 random uppercase hex chars>
func TicketCode(orderID, itemID int64) string {
	random := strings.ToUpper(uuid.New().String()[:8])
	return fmt.Sprintf("EVT-%d-%d-%s", orderID, itemID, random)
}

// Payload is the text embedded in a ticket's QR image
func Payload(code string, order *models.Order, event *models.Event) string {
	return fmt.Sprintf("TICKET:%s|EVENT:%s|USER:%s|DATE:%s|VENUE:%s",
		code, event.Title, order.CustomerEmail, event.EventDate.Format(dateLayout), event.VenueName)
}

// Encode renders payload as a PNG QR code data URI
func Encode(payload string) (string, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("failed to generate QR code: %w", err)
	}
	return dataURIPrefix + base64.StdEncoding.EncodeToString(png), nil
}

// Issue mints a ticket for every item of a confirmed order
func Issue(order *models.Order, event *models.Event, items []models.OrderItem) ([]Ticket, error) {
	tickets := make([]Ticket, 0, len(items))
	for _, item := range items {
		code := TicketCode(order.ID, item.ID)
		qr, err := Encode(Payload(code, order, event))
		if err != nil {
			return nil, fmt.Errorf("order item %d: %w", item.ID, err)
		}
		tickets = append(tickets, Ticket{OrderItemID: item.ID, Code: code, QRCode: qr})
	}
	return tickets, nil
}
