package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/storefront/internal/config"
	"github.com/vasiliy-maslov/storefront/internal/order"
	"github.com/vasiliy-maslov/storefront/internal/payment"
)

// Sweeper reconciles orders whose shopper never came back from the provider.
// Stale pending orders are verified; confirmed ones become PAID and those
// older than expireAfter become FAILED.
type Sweeper struct {
	service     *Service
	interval    time.Duration
	staleAfter  time.Duration
	expireAfter time.Duration
	batch       int
}

type SweepReport struct {
	Checked int
	Paid    int
	Failed  int
	Skipped int
}

func NewSweeper(service *Service, cfg config.SweepConfig) *Sweeper {
	batch := cfg.Batch
	if batch <= 0 {
		batch = 50
	}
	return &Sweeper{
		service:     service,
		interval:    cfg.Interval,
		staleAfter:  cfg.StaleAfter,
		expireAfter: cfg.ExpireAfter,
		batch:       batch,
	}
}

// Run sweeps on every tick until ctx is cancelled. A zero interval disables it.
func (sw *Sweeper) Run(ctx context.Context) {
	if sw.interval <= 0 {
		log.Info().Msg("sweeper: disabled")
		return
	}
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", sw.interval).Dur("stale_after", sw.staleAfter).Dur("expire_after", sw.expireAfter).Msg("sweeper: started")
	for {
		select {
		case <-ticker.C:
			report, err := sw.SweepOnce(ctx)
			if err != nil {
				log.Error().Err(err).Msg("sweeper: sweep failed")
				continue
			}
			if report.Checked > 0 {
				log.Info().Int("checked", report.Checked).Int("paid", report.Paid).Int("failed", report.Failed).Int("skipped", report.Skipped).Msg("sweeper: sweep finished")
			}
		case <-ctx.Done():
			log.Info().Msg("sweeper: stopped")
			return
		}
	}
}

func (sw *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := time.Now()

	orders, err := sw.service.orders.ClaimStalePending(ctx, now.Add(-sw.staleAfter), sw.batch)
	if err != nil {
		return report, err
	}

	for _, o := range orders {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		txRef := order.NewTxRef(o.ID)
		if o.PaymentRef != nil {
			txRef = *o.PaymentRef
		}

		settlement, err := sw.service.VerifyAndSettle(ctx, txRef)
		switch {
		case err == nil && settlement.Status == SettlementSuccess:
			if settlement.Applied {
				report.Paid++
				sw.service.metrics.SweptOrders.WithLabelValues(order.StatusPaid.String()).Inc()
			}
			continue
		case err != nil && !providerHasNoPayment(err):
			log.Warn().Err(err).Stringer("order_id", o.ID).Msg("sweeper: verification unavailable, will retry")
			report.Skipped++
			continue
		}

		if now.Sub(o.CreatedAt) < sw.expireAfter {
			continue
		}
		applied, err := sw.service.orders.TransitionStatus(ctx, o.ID, order.StatusPending, order.StatusFailed)
		if err != nil {
			log.Error().Err(err).Stringer("order_id", o.ID).Msg("sweeper: failed to expire order")
			report.Skipped++
			continue
		}
		if applied {
			report.Failed++
			sw.service.metrics.SweptOrders.WithLabelValues(order.StatusFailed.String()).Inc()
			log.Info().Stringer("order_id", o.ID).Str("tx_ref", txRef).Msg("sweeper: unpaid order expired")
		}
	}
	return report, nil
}

// providerHasNoPayment reports a 4xx verify answer, which the provider gives
// for references it holds no payment for.
func providerHasNoPayment(err error) bool {
	var gwErr *payment.GatewayError
	return errors.As(err, &gwErr) && gwErr.StatusCode >= 400 && gwErr.StatusCode < 500
}
