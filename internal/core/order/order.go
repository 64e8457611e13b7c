package order

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by stores when the order does not exist.
var ErrNotFound = errors.New("order not found")

// Snapshot is a read-only view of an e-commerce order at emission time.
type Snapshot struct {
	ID            int64
	Number        string
	Status        string
	Currency      string
	Subtotal      decimal.Decimal
	DiscountTotal decimal.Decimal
	ShippingTotal decimal.Decimal
	Total         decimal.Decimal
	PaymentMethod string
	PaidAt        *time.Time
	CreatedAt     time.Time
	Customer      Customer
	Items         []LineItem
}

// Paid reports whether the store recorded a payment date.
func (s *Snapshot) Paid() bool {
	return s.PaidAt != nil
}

// Customer holds the billing identity of the payer.
type Customer struct {
	Name     string
	Company  string
	Document string
	Email    string
	Phone    string
	Address  Address
}

// Address is a Brazilian billing address.
type Address struct {
	Street           string
	Number           string
	Complement       string
	District         string
	City             string
	State            string
	PostalCode       string
	MunicipalityCode string
	CountryCode      string
}

// LineItem is an order line with the tax codes of the service it represents.
type LineItem struct {
	ID          int64
	Name        string
	Quantity    decimal.Decimal
	Subtotal    decimal.Decimal
	Total       decimal.Decimal
	Deduction   decimal.Decimal
	ServiceCode string
	NBSCode     string
}

// Store is the read accessor for orders plus the timeline audit hook.
type Store interface {
	// GetOrder loads a fresh snapshot of the order.
	GetOrder(ctx context.Context, id int64) (*Snapshot, error)

	// AddNote appends a private note to the order timeline.
	AddNote(ctx context.Context, id int64, note string) error
}
