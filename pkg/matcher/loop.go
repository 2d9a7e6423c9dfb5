package matcher

import (
	"context"
	"time"

	"github.com/fluxfill-hq/fluxfiller/pkg/executor"
	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
	"github.com/fluxfill-hq/fluxfiller/pkg/metrics"
	"github.com/fluxfill-hq/fluxfiller/pkg/models"
	"github.com/fluxfill-hq/fluxfiller/pkg/orderbook"
	"github.com/fluxfill-hq/fluxfiller/pkg/settlement"
)

// Loop re-validates every queued order on a fixed tick and attempts
// settlement for those that pass custody and pricing checks. Ticks never
// overlap: each tick runs to completion before the next fires.
type Loop struct {
	book     *orderbook.Book
	pricer   *Pricer
	custody  settlement.Client
	exec     *executor.Executor
	interval time.Duration
	logger   logger.Logger
}

// NewLoop creates a matching loop.
func NewLoop(book *orderbook.Book, pricer *Pricer, custody settlement.Client, exec *executor.Executor, interval time.Duration, log logger.Logger) *Loop {
	return &Loop{
		book:     book,
		pricer:   pricer,
		custody:  custody,
		exec:     exec,
		interval: interval,
		logger:   log,
	}
}

// Start runs the matching loop until the context is cancelled.
func (l *Loop) Start(ctx context.Context) {
	l.logger.InfoWith(logger.Match, "Starting matching loop with interval %v", l.interval)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.InfoWith(logger.Match, "Matching loop shutting down")
			return
		case <-ticker.C:
			l.Tick(ctx, uint64(time.Now().Unix()))
		}
	}
}

// Tick runs one matching pass at the given unix time.
func (l *Loop) Tick(ctx context.Context, now uint64) {
	startTime := time.Now()
	defer func() {
		metrics.MatchTickDuration.Observe(time.Since(startTime).Seconds())
	}()

	if pruned := l.book.Prune(now); pruned > 0 {
		l.logger.InfoWith(logger.Match, "Pruned %d expired orders", pruned)
	}

	for _, order := range l.book.List() {
		l.evaluate(ctx, order, now)
	}
}

// evaluate runs the custody check, pricing check and execution for one
// order. The balance read, fill decision and submission happen in one
// sequential pass with no interleaved mutation of the same order.
func (l *Loop) evaluate(ctx context.Context, order models.QueuedOrder, now uint64) {
	intent := &order.Intent

	// Custody check. A shortfall means the maker withdrew funds after
	// enqueue: an expected race, not an error. Drop the order.
	balance, err := l.custody.CustodyBalance(ctx, intent.Maker, intent.SellAsset)
	if err != nil {
		l.logger.ErrorWith(logger.Match, "Custody query failed for order %s, skipping this tick: %v",
			order.OrderHash, err)
		return
	}
	if balance < intent.SellAmount {
		l.logger.InfoWith(logger.Match, "Removing order %s: custody balance %d below sell amount %d",
			order.OrderHash, balance, intent.SellAmount)
		l.book.Remove(order.OrderHash)
		metrics.OrdersPruned.WithLabelValues("custody").Inc()
		return
	}

	// Pricing check, branching on pricing mode.
	var fillAmount uint64
	switch intent.Pricing {
	case models.PricingAuction:
		required, ok := l.pricer.CheckAuction(ctx, intent, now)
		if !ok {
			metrics.ProfitabilityRejections.WithLabelValues("auction").Inc()
			return // keep queued, re-check next tick
		}
		fillAmount = required
	case models.PricingLimit:
		if !l.pricer.CheckLimit(ctx, intent) {
			metrics.ProfitabilityRejections.WithLabelValues("limit").Inc()
			return
		}
		fillAmount = intent.BuyAmount
	default:
		l.logger.ErrorWith(logger.Match, "Removing order %s: unknown pricing mode %q",
			order.OrderHash, intent.Pricing)
		l.book.Remove(order.OrderHash)
		metrics.OrdersPruned.WithLabelValues("invalid").Inc()
		return
	}

	// Execute. Success removes the order; an execution error leaves it
	// queued for the next tick, bounded by its own expiry.
	if _, err := l.exec.Execute(ctx, &order.SignedIntent, fillAmount); err != nil {
		l.logger.ErrorWith(logger.Match, "Execution failed for order %s, keeping queued: %v",
			order.OrderHash, err)
		return
	}
	l.book.Remove(order.OrderHash)
}
