package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/storefront/internal/order"
)

const (
	SettlementSuccess = "success"
	SettlementFailed  = "failed"
)

type Settlement struct {
	Status  string
	Data    json.RawMessage
	OrderID uuid.UUID // uuid.Nil when no order carries the reference
	Applied bool      // this settlement moved the order to PAID
}

// VerifyAndSettle asks the provider about txRef and marks the matching order
// PAID when the provider confirms it. Only PENDING orders are changed; a
// non-success answer leaves the order as it is. Concurrent calls for one
// reference share a single provider round trip and its result.
//
// The shared round trip is not bound to any one caller's context: a caller
// that goes away gets ctx.Err() while the others still receive the result.
func (s *Service) VerifyAndSettle(ctx context.Context, txRef string) (*Settlement, error) {
	if txRef == "" {
		return nil, invalid("missing tx_ref")
	}

	ch := s.settleGroup.DoChan(txRef, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SettleTimeout)
		defer cancel()
		return s.settle(sctx, txRef)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			log.Debug().Str("tx_ref", txRef).Msg("service: verification shared with concurrent caller")
		}
		return res.Val.(*Settlement), nil
	case <-ctx.Done():
		log.Debug().Str("tx_ref", txRef).Msg("service: caller left before verification finished")
		return nil, ctx.Err()
	}
}

func (s *Service) settle(ctx context.Context, txRef string) (*Settlement, error) {
	res, err := s.gateway.Verify(ctx, txRef)
	if err != nil {
		s.metrics.Settlements.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("tx_ref", txRef).Msg("service: payment verification failed")
		return nil, fmt.Errorf("checkout: failed to verify payment %s: %w", txRef, err)
	}

	if !res.Settled() {
		s.metrics.Settlements.WithLabelValues("unpaid").Inc()
		log.Info().Str("tx_ref", txRef).Str("provider_status", res.Status).Msg("service: payment not confirmed by provider")
		return &Settlement{Status: SettlementFailed, Data: res.Data}, nil
	}

	settlement := &Settlement{Status: SettlementSuccess, Data: res.Data}

	o, err := s.orders.GetByPaymentRef(ctx, txRef)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			s.metrics.Settlements.WithLabelValues("unknown_order").Inc()
			log.Warn().Str("tx_ref", txRef).Msg("service: provider confirmed payment for unknown reference")
			return settlement, nil
		}
		return nil, fmt.Errorf("checkout: failed to load order for %s: %w", txRef, err)
	}
	settlement.OrderID = o.ID

	if o.Status != order.StatusPending {
		if o.Status == order.StatusFailed {
			log.Error().Stringer("order_id", o.ID).Str("tx_ref", txRef).Msg("service: provider confirmed payment for an order already marked FAILED")
		}
		s.metrics.Settlements.WithLabelValues("already_settled").Inc()
		return settlement, nil
	}

	applied, err := s.orders.TransitionStatus(ctx, o.ID, order.StatusPending, order.StatusPaid)
	if err != nil {
		return nil, fmt.Errorf("checkout: failed to mark order %s paid: %w", o.ID, err)
	}
	settlement.Applied = applied
	if applied {
		s.metrics.Settlements.WithLabelValues("paid").Inc()
		log.Info().Stringer("order_id", o.ID).Str("tx_ref", txRef).Msg("service: order paid")
	} else {
		s.metrics.Settlements.WithLabelValues("already_settled").Inc()
	}
	return settlement, nil
}
