// Package checkout turns a cart into a pending order with a hosted payment
// session, and settles that order once the provider confirms payment.
package checkout

import (
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/storefront/internal/catalog"
	"github.com/vasiliy-maslov/storefront/internal/metrics"
	"github.com/vasiliy-maslov/storefront/internal/order"
	"github.com/vasiliy-maslov/storefront/internal/payment"
	"golang.org/x/sync/singleflight"
)

type LineItem struct {
	ProductID string
	VariantID *string
	Quantity  int
	Price     decimal.Decimal // as displayed to the shopper; never trusted
}

type Request struct {
	UserID         string
	Email          string
	Name           string
	Items          []LineItem
	TotalAmount    decimal.Decimal
	IdempotencyKey string
}

type Result struct {
	OrderID     uuid.UUID
	TxRef       string
	CheckoutURL string
	Replayed    bool
}

const defaultSettleTimeout = 30 * time.Second

type Options struct {
	PublicURL     string
	Currency      string
	CheckoutTitle string
	SettleTimeout time.Duration // bounds one shared verify-and-settle round trip
}

type Service struct {
	orders  order.Repository
	catalog catalog.Reader
	gateway payment.Gateway
	metrics *metrics.Metrics
	opts    Options

	settleGroup singleflight.Group
}

func NewService(orders order.Repository, reader catalog.Reader, gateway payment.Gateway, m *metrics.Metrics, opts Options) *Service {
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")
	if opts.Currency == "" {
		opts.Currency = "ETB"
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = defaultSettleTimeout
	}
	return &Service{
		orders:  orders,
		catalog: reader,
		gateway: gateway,
		metrics: m,
		opts:    opts,
	}
}

func (s *Service) returnURL(txRef string) string {
	return s.opts.PublicURL + "/payment/success?tx_ref=" + url.QueryEscape(txRef)
}

func (s *Service) callbackURL(txRef string) string {
	return s.opts.PublicURL + "/api/payment/callback?tx_ref=" + url.QueryEscape(txRef)
}

// splitName derives the provider's first/last name fields from a display name.
func splitName(name string) (first, last string) {
	fields := strings.Fields(name)
	first, last = "User", "Name"
	if len(fields) > 0 {
		first = fields[0]
	}
	if len(fields) > 1 {
		last = strings.Join(fields[1:], " ")
	}
	return first, last
}
