package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

// Service is the read side of the order store used by the HTTP layer. Writes
// belong to the checkout package.
type Service interface {
	GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetUserOrder(ctx context.Context, userID string, id uuid.UUID) (*Order, error)
	GetOrdersByUserID(ctx context.Context, userID string) ([]Order, error)
}

type service struct {
	orderRepo Repository
}

func NewService(orderRepo Repository) Service {
	return &service{orderRepo: orderRepo}
}

func (s *service) GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.orderRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Stringer("order_id", id).Msg("service: order not found by id")
			return nil, ErrOrderNotFound
		}

		log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to fetch order by id in repository")
		return nil, fmt.Errorf("service: failed to fetch order by id: %w", err)
	}

	return o, nil
}

// GetUserOrder hides other users' orders behind ErrOrderNotFound.
func (s *service) GetUserOrder(ctx context.Context, userID string, id uuid.UUID) (*Order, error) {
	o, err := s.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		log.Warn().Stringer("order_id", id).Str("user_id", userID).Msg("service: order requested by non-owner")
		return nil, ErrOrderNotFound
	}
	return o, nil
}

func (s *service) GetOrdersByUserID(ctx context.Context, userID string) ([]Order, error) {
	orders, err := s.orderRepo.ListByUser(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("service: failed to fetch user orders in repository")
		return nil, fmt.Errorf("service: failed to fetch user orders: %w", err)
	}

	return orders, nil
}
