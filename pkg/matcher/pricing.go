package matcher

import (
	"context"
	"math/bits"

	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
	"github.com/fluxfill-hq/fluxfiller/pkg/models"
	"github.com/fluxfill-hq/fluxfiller/pkg/oracle"
)

// Policy holds the relayer's pricing risk knobs. The tolerance bands are
// configuration, not protocol: they define how much adverse selection
// the relayer absorbs for UX smoothness and must be applied
// consistently everywhere pricing is checked.
type Policy struct {
	// AuctionToleranceBps is the maximum notional loss, in basis points
	// of the sell-side value, accepted when filling an auction intent.
	AuctionToleranceBps int
	// LimitToleranceBps is how far below the maker's limit rate the
	// market rate may sit while still being accepted.
	LimitToleranceBps int
	// OptimisticAuctionFill keeps the intake path that attempts
	// immediate settlement of fresh auction intents without a blocking
	// profitability check.
	OptimisticAuctionFill bool
}

// DefaultPolicy mirrors the shipped configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		AuctionToleranceBps:   300,
		LimitToleranceBps:     50,
		OptimisticAuctionFill: true,
	}
}

// RequiredBuyAmount computes the buyer-facing minimum receive of an
// intent at the given unix time. For auction intents it decays linearly
// from StartBuyAmount to EndBuyAmount over [StartTime, EndTime], clamped
// at both ends. For limit intents it is the fixed buy amount.
func RequiredBuyAmount(intent *models.Intent, now uint64) uint64 {
	if intent.Pricing == models.PricingLimit {
		return intent.BuyAmount
	}
	if now <= intent.StartTime {
		return intent.StartBuyAmount
	}
	if now >= intent.EndTime {
		return intent.EndBuyAmount
	}
	elapsed := now - intent.StartTime
	window := intent.EndTime - intent.StartTime
	if intent.StartBuyAmount >= intent.EndBuyAmount {
		decay := intent.StartBuyAmount - intent.EndBuyAmount
		return intent.StartBuyAmount - scale(decay, elapsed, window)
	}
	// A rising schedule is legal, just unusual.
	rise := intent.EndBuyAmount - intent.StartBuyAmount
	return intent.StartBuyAmount + scale(rise, elapsed, window)
}

// scale computes amount*elapsed/window in 128-bit intermediate
// precision. A plain uint64 product overflows for large amounts and
// breaks the monotonicity of the decay curve.
func scale(amount, elapsed, window uint64) uint64 {
	hi, lo := bits.Mul64(amount, elapsed)
	q, _ := bits.Div64(hi, lo, window)
	return q
}

// Pricer applies the profitability policy against oracle prices.
type Pricer struct {
	oracle *oracle.PriceCache
	policy Policy
	logger logger.Logger
}

// NewPricer creates a pricer over the given price cache.
func NewPricer(cache *oracle.PriceCache, policy Policy, log logger.Logger) *Pricer {
	return &Pricer{oracle: cache, policy: policy, logger: log}
}

// Policy returns the active pricing policy.
func (p *Pricer) Policy() Policy {
	return p.policy
}

// CheckAuction evaluates an auction intent at the given time. Returns
// the fill amount (the decayed required buy) and whether the relayer's
// cost sits inside the loss tolerance of the sell-side value. A missing
// oracle price rejects: an unpriceable order is kept queued, not filled.
func (p *Pricer) CheckAuction(ctx context.Context, intent *models.Intent, now uint64) (uint64, bool) {
	required := RequiredBuyAmount(intent, now)

	sellPrice := p.oracle.GetPrice(ctx, intent.SellAsset)
	buyPrice := p.oracle.GetPrice(ctx, intent.BuyAsset)
	if sellPrice == 0 || buyPrice == 0 {
		p.logger.DebugWith(logger.Match, "No oracle price for %s/%s, skipping auction check",
			intent.SellAsset, intent.BuyAsset)
		return required, false
	}

	sellValue := float64(intent.SellAmount) * sellPrice
	relayerCost := float64(required) * buyPrice
	maxCost := sellValue * (1 + float64(p.policy.AuctionToleranceBps)/10000)

	if relayerCost > maxCost {
		p.logger.DebugWith(logger.Match, "Auction cost %.2f exceeds tolerance of sell value %.2f (required buy: %d)",
			relayerCost, sellValue, required)
		return required, false
	}
	return required, true
}

// CheckLimit evaluates a limit intent: the maker's stated rate against
// the oracle-implied market rate, with the configured band below the
// limit rate still accepted.
func (p *Pricer) CheckLimit(ctx context.Context, intent *models.Intent) bool {
	if intent.SellAmount == 0 {
		return false
	}

	sellPrice := p.oracle.GetPrice(ctx, intent.SellAsset)
	buyPrice := p.oracle.GetPrice(ctx, intent.BuyAsset)
	if sellPrice == 0 || buyPrice == 0 {
		p.logger.DebugWith(logger.Match, "No oracle price for %s/%s, skipping limit check",
			intent.SellAsset, intent.BuyAsset)
		return false
	}

	limitRate := float64(intent.BuyAmount) / float64(intent.SellAmount)
	marketRate := sellPrice / buyPrice
	threshold := limitRate * (1 - float64(p.policy.LimitToleranceBps)/10000)

	if marketRate < threshold {
		p.logger.DebugWith(logger.Match, "Market rate %.6f below limit threshold %.6f (limit rate: %.6f)",
			marketRate, threshold, limitRate)
		return false
	}
	return true
}
