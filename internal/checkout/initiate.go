package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/storefront/internal/catalog"
	"github.com/vasiliy-maslov/storefront/internal/order"
	"github.com/vasiliy-maslov/storefront/internal/payment"
)

// InitiateCheckout records a pending order for the cart and opens a hosted
// payment session for it. The order, its items and its payment reference are
// committed before the provider is contacted, so a provider failure leaves a
// pending order that a retry with the same idempotency key picks up.
func (s *Service) InitiateCheckout(ctx context.Context, req Request) (*Result, error) {
	if req.UserID == "" {
		return nil, ErrAuthenticationRequired
	}
	if err := validateRequest(req); err != nil {
		s.metrics.Checkouts.WithLabelValues("rejected").Inc()
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.orders.GetByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		switch {
		case err == nil:
			return s.resume(ctx, req, existing)
		case !errors.Is(err, order.ErrOrderNotFound):
			return nil, fmt.Errorf("checkout: failed to look up idempotency key: %w", err)
		}
	}

	items, total, err := s.priceCart(ctx, req.Items)
	if err != nil {
		s.metrics.Checkouts.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if !total.Equal(req.TotalAmount.Round(2)) {
		s.metrics.Checkouts.WithLabelValues("rejected").Inc()
		return nil, invalid("total mismatch", fmt.Sprintf("cart total is %s, submitted %s", total.StringFixed(2), req.TotalAmount.StringFixed(2)))
	}

	orderID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("checkout: failed to generate order id: %w", err)
	}
	txRef := order.NewTxRef(orderID)

	o := &order.Order{
		ID:         orderID,
		UserID:     req.UserID,
		Total:      total,
		Currency:   s.opts.Currency,
		Status:     order.StatusPending,
		PaymentRef: &txRef,
		Items:      items,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		o.IdempotencyKey = &key
	}

	if err := s.orders.Create(ctx, o); err != nil {
		switch {
		case errors.Is(err, order.ErrDuplicateIdempotencyKey):
			// Lost a race with a concurrent submission of the same cart.
			existing, lookupErr := s.orders.GetByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
			if lookupErr != nil {
				return nil, fmt.Errorf("checkout: failed to load concurrent order: %w", lookupErr)
			}
			return s.resume(ctx, req, existing)
		case errors.Is(err, order.ErrInvalidReference):
			s.metrics.Checkouts.WithLabelValues("rejected").Inc()
			return nil, invalid("cart references a product that no longer exists")
		}
		log.Error().Err(err).Str("user_id", req.UserID).Msg("service: failed to create order")
		return nil, fmt.Errorf("checkout: failed to create order: %w", err)
	}

	log.Info().Stringer("order_id", o.ID).Str("tx_ref", txRef).Str("user_id", req.UserID).Str("total", total.StringFixed(2)).Msg("service: pending order created")

	checkoutURL, err := s.startPayment(ctx, req, o)
	if err != nil {
		return nil, err
	}

	s.metrics.Checkouts.WithLabelValues("created").Inc()
	return &Result{OrderID: o.ID, TxRef: txRef, CheckoutURL: checkoutURL}, nil
}

// resume answers a repeated submission from the order it created first.
func (s *Service) resume(ctx context.Context, req Request, existing *order.Order) (*Result, error) {
	txRef := order.NewTxRef(existing.ID)
	if existing.PaymentRef != nil {
		txRef = *existing.PaymentRef
	}

	if existing.CheckoutURL != nil && *existing.CheckoutURL != "" && !existing.Status.IsTerminal() {
		s.metrics.Checkouts.WithLabelValues("replayed").Inc()
		return &Result{OrderID: existing.ID, TxRef: txRef, CheckoutURL: *existing.CheckoutURL, Replayed: true}, nil
	}
	if existing.Status.IsTerminal() {
		log.Info().Stringer("order_id", existing.ID).Stringer("status", existing.Status).Msg("service: idempotency key reused for closed order")
		return nil, ErrOrderClosed
	}

	log.Info().Stringer("order_id", existing.ID).Str("tx_ref", txRef).Msg("service: retrying payment initialization for pending order")
	checkoutURL, err := s.startPayment(ctx, req, existing)
	if err != nil {
		return nil, err
	}
	s.metrics.Checkouts.WithLabelValues("replayed").Inc()
	return &Result{OrderID: existing.ID, TxRef: txRef, CheckoutURL: checkoutURL, Replayed: true}, nil
}

func (s *Service) startPayment(ctx context.Context, req Request, o *order.Order) (string, error) {
	txRef := order.NewTxRef(o.ID)
	if o.PaymentRef != nil {
		txRef = *o.PaymentRef
	}
	first, last := splitName(req.Name)

	init := payment.InitializeRequest{
		Amount:      o.Total,
		Currency:    o.Currency,
		Email:       req.Email,
		FirstName:   first,
		LastName:    last,
		TxRef:       txRef,
		ReturnURL:   s.returnURL(txRef),
		CallbackURL: s.callbackURL(txRef),
	}
	if s.opts.CheckoutTitle != "" {
		init.Customization = &payment.Customization{
			Title:       s.opts.CheckoutTitle,
			Description: "Payment for order " + o.ID.String(),
		}
	}

	res, err := s.gateway.Initialize(ctx, init)
	if err != nil {
		s.metrics.Checkouts.WithLabelValues("gateway_error").Inc()
		log.Error().Err(err).Stringer("order_id", o.ID).Str("tx_ref", txRef).Msg("service: payment initialization failed, order left pending")
		return "", fmt.Errorf("checkout: failed to initialize payment for order %s: %w", o.ID, err)
	}

	if err := s.orders.SetCheckoutURL(ctx, o.ID, res.CheckoutURL); err != nil {
		log.Warn().Err(err).Stringer("order_id", o.ID).Msg("service: failed to store checkout url")
	}
	return res.CheckoutURL, nil
}

const MaxLineQuantity = 1000

// MaxOrderTotal is the largest amount an orders.total NUMERIC(10,2) holds.
var MaxOrderTotal = decimal.RequireFromString("99999999.99")

// validateRequest rejects carts that could never be stored. The server total
// must equal TotalAmount, so bounding TotalAmount bounds what gets written.
func validateRequest(req Request) error {
	if len(req.Items) == 0 {
		return invalid("cart is empty")
	}

	var details []string
	for i, it := range req.Items {
		if it.ProductID == "" {
			details = append(details, fmt.Sprintf("item %d: product id is required", i))
		}
		switch {
		case it.Quantity <= 0:
			details = append(details, fmt.Sprintf("item %d: quantity must be positive", i))
		case it.Quantity > MaxLineQuantity:
			details = append(details, fmt.Sprintf("item %d: quantity must not exceed %d", i, MaxLineQuantity))
		}
		if it.Price.IsNegative() {
			details = append(details, fmt.Sprintf("item %d: price must not be negative", i))
		}
	}
	switch {
	case !req.TotalAmount.IsPositive():
		details = append(details, "total amount must be positive")
	case req.TotalAmount.GreaterThan(MaxOrderTotal):
		details = append(details, "total amount must not exceed "+MaxOrderTotal.StringFixed(2))
	}
	if len(details) > 0 {
		return invalid("invalid cart", details...)
	}
	return nil
}

// priceCart replaces client prices with catalog prices and checks variant
// stock across all lines of the cart.
func (s *Service) priceCart(ctx context.Context, lines []LineItem) ([]order.Item, decimal.Decimal, error) {
	items := make([]order.Item, 0, len(lines))
	wanted := make(map[string]int)
	stock := make(map[string]int)
	total := decimal.Zero

	var details []string
	for i, line := range lines {
		priced, err := s.catalog.PriceLine(ctx, line.ProductID, line.VariantID)
		if err != nil {
			switch {
			case errors.Is(err, catalog.ErrProductNotFound):
				details = append(details, fmt.Sprintf("item %d: unknown product %s", i, line.ProductID))
				continue
			case errors.Is(err, catalog.ErrVariantNotFound), errors.Is(err, catalog.ErrVariantMismatch):
				details = append(details, fmt.Sprintf("item %d: unknown variant for product %s", i, line.ProductID))
				continue
			}
			return nil, decimal.Zero, fmt.Errorf("checkout: failed to price cart: %w", err)
		}

		var variantID *string
		if priced.Variant != nil {
			id := priced.Variant.ID
			variantID = &id
			wanted[id] += line.Quantity
			stock[id] = priced.Variant.Stock
		}

		item := order.Item{
			ProductID: priced.Product.ID,
			VariantID: variantID,
			Quantity:  line.Quantity,
			Price:     priced.UnitPrice,
		}
		items = append(items, item)
		total = total.Add(item.Subtotal())
	}

	for id, qty := range wanted {
		if stock[id] < qty {
			details = append(details, fmt.Sprintf("variant %s: only %d in stock", id, stock[id]))
		}
	}
	if len(details) > 0 {
		return nil, decimal.Zero, invalid("cart cannot be fulfilled", details...)
	}
	return items, total.Round(2), nil
}
