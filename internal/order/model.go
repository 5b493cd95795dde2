package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
	StatusFailed  Status = "FAILED"
)

// PENDING is the only state with outgoing edges.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusPaid:   true,
		StatusFailed: true,
	},
	StatusPaid:   {},
	StatusFailed: {},
}

func (s Status) String() string {
	return string(s)
}

func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusFailed
}

func (s Status) CanTransitionTo(next Status) bool {
	return allowedTransitions[s][next]
}

const txRefPrefix = "TX-"

// NewTxRef derives the payment provider reference for an order. Order ids are
// unique, so references are too.
func NewTxRef(orderID uuid.UUID) string {
	return txRefPrefix + orderID.String()
}

// ParseTxRef recovers the order id a reference was derived from.
func ParseTxRef(ref string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(ref, txRefPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("tx_ref %q: missing %s prefix", ref, txRefPrefix)
	}
	id, err := uuid.FromString(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("tx_ref %q: %w", ref, err)
	}
	return id, nil
}

type Item struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	OrderID   uuid.UUID       `json:"order_id" db:"order_id"`
	ProductID string          `json:"product_id" db:"product_id"`
	VariantID *string         `json:"variant_id,omitempty" db:"variant_id"`
	Quantity  int             `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"` // unit price at order time
}

func (i Item) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Order struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Total          decimal.Decimal `json:"total" db:"total"`
	Currency       string          `json:"currency" db:"currency"`
	Status         Status          `json:"status" db:"status"`
	PaymentRef     *string         `json:"payment_ref,omitempty" db:"payment_ref"`
	IdempotencyKey *string         `json:"-" db:"idempotency_key"`
	CheckoutURL    *string         `json:"checkout_url,omitempty" db:"checkout_url"`
	Items          []Item          `json:"items" db:"-"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// ItemsTotal is the sum of price*quantity over the order's items, rounded to cents.
func (o *Order) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range o.Items {
		sum = sum.Add(it.Subtotal())
	}
	return sum.Round(2)
}
