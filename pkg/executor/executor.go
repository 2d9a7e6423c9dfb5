package executor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fluxfill-hq/fluxfiller/pkg/circuitbreaker"
	"github.com/fluxfill-hq/fluxfiller/pkg/intentcodec"
	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
	"github.com/fluxfill-hq/fluxfiller/pkg/metrics"
	"github.com/fluxfill-hq/fluxfiller/pkg/models"
	"github.com/fluxfill-hq/fluxfiller/pkg/settlement"
)

// pairKey is the asset-class pairing of an intent's sell and buy sides.
type pairKey struct {
	sell intentcodec.AssetClass
	buy  intentcodec.AssetClass
}

// variantFor routes each asset-class pairing to its settlement-call shape.
var variantFor = map[pairKey]settlement.Variant{
	{intentcodec.AssetCoin, intentcodec.AssetCoin}:     settlement.VariantCoinCoin,
	{intentcodec.AssetCoin, intentcodec.AssetObject}:   settlement.VariantCoinObject,
	{intentcodec.AssetObject, intentcodec.AssetCoin}:   settlement.VariantObjectCoin,
	{intentcodec.AssetObject, intentcodec.AssetObject}: settlement.VariantObjectObject,
}

// Executor builds and submits the correct settlement-call variant for an
// accepted signed intent and records the outcome.
type Executor struct {
	client   settlement.Client
	registry string
	breaker  *circuitbreaker.CircuitBreaker
	history  *History
	logger   logger.Logger
}

// NewExecutor creates an executor bound to one settlement registry.
func NewExecutor(client settlement.Client, registry string, breaker *circuitbreaker.CircuitBreaker, history *History, log logger.Logger) *Executor {
	return &Executor{
		client:   client,
		registry: registry,
		breaker:  breaker,
		history:  history,
		logger:   log,
	}
}

// History returns the execution history.
func (e *Executor) History() *History {
	return e.history
}

// Breaker returns the circuit breaker guarding submissions.
func (e *Executor) Breaker() *CircuitBreakerView {
	return &CircuitBreakerView{cb: e.breaker}
}

// CircuitBreakerView exposes read-only breaker state for health reporting.
type CircuitBreakerView struct {
	cb *circuitbreaker.CircuitBreaker
}

func (v *CircuitBreakerView) Open() bool { return v.cb.IsOpen() }

// Execute submits a settlement for the signed intent at the given fill
// amount. Returns a structured result on success; a *ValidationError for
// malformed inputs; a *ExecutionError for any submission or confirmation
// failure, which the caller converts into queue-and-retry.
func (e *Executor) Execute(ctx context.Context, signed *models.SignedIntent, fillAmount uint64) (*settlement.Result, error) {
	intent := &signed.Intent

	publicKey, err := intentcodec.NormalizePublicKey(signed.PublicKey)
	if err != nil {
		return nil, NewValidationError("invalid public key: %v", err)
	}

	pair := pairKey{
		sell: intentcodec.ClassifyAsset(intent.SellAsset),
		buy:  intentcodec.ClassifyAsset(intent.BuyAsset),
	}
	variant := variantFor[pair]
	pairLabel := pair.sell.String() + "_" + pair.buy.String()

	if e.breaker.IsOpen() {
		metrics.ExecutionErrors.WithLabelValues("circuit_open").Inc()
		return nil, NewExecutionError("settlement circuit breaker open", nil)
	}

	call := &settlement.Call{
		Variant:      variant,
		Registry:     e.registry,
		Maker:        intent.Maker,
		MakerNonce:   intent.Nonce,
		SellAsset:    intentcodec.AssetBytes(intent.SellAsset),
		BuyAsset:     intentcodec.AssetBytes(intent.BuyAsset),
		SellAmount:   intent.SellAmount,
		Pricing:      intent.Pricing,
		PricingArgs:  pricingArgs(intent),
		FillAmount:   fillAmount,
		Signature:    signed.Signature,
		PublicKey:    publicKey,
		SigningNonce: signed.SigningNonce,
		SuffixArgs:   suffixArgs(pair, intent),
	}

	e.logger.InfoWith(logger.Exec, "Submitting %s settlement for maker %s (sell: %d %s, fill: %d %s)",
		variant, intent.Maker, intent.SellAmount, intent.SellAsset, fillAmount, intent.BuyAsset)

	startTime := time.Now()
	result, err := e.client.Submit(ctx, call)
	metrics.SettlementDuration.WithLabelValues(pairLabel).Observe(time.Since(startTime).Seconds())

	if err != nil {
		e.breaker.RecordFailure()
		metrics.SettlementsTotal.WithLabelValues(pairLabel, "failed").Inc()
		metrics.ExecutionErrors.WithLabelValues("submit").Inc()
		e.recordAttempt(intent, "", false, 0)
		return nil, NewExecutionError("settlement submission failed", err)
	}

	metrics.SettlementsTotal.WithLabelValues(pairLabel, "success").Inc()
	e.recordAttempt(intent, result.Reference, true, result.ExecutionPrice)
	e.logger.NoticeWith(logger.Exec, "Settlement %s committed at price %d", result.Reference, result.ExecutionPrice)
	return result, nil
}

func (e *Executor) recordAttempt(intent *models.Intent, reference string, success bool, price uint64) {
	e.history.Append(models.ExecutionRecord{
		ID:             uuid.NewString(),
		Reference:      reference,
		Success:        success,
		ExecutionPrice: price,
		Timestamp:      time.Now(),
		Intent:         *intent,
	})
}

// pricingArgs returns the pricing-mode-specific numeric arguments in
// canonical order.
func pricingArgs(intent *models.Intent) []uint64 {
	if intent.Pricing == models.PricingAuction {
		return []uint64{intent.StartBuyAmount, intent.EndBuyAmount, intent.StartTime, intent.EndTime}
	}
	return []uint64{intent.BuyAmount, intent.ExpiryTime}
}

// suffixArgs returns the asset-class-specific trailing arguments: each
// object-class side contributes its raw address.
func suffixArgs(pair pairKey, intent *models.Intent) []string {
	var args []string
	if pair.sell == intentcodec.AssetObject {
		args = append(args, intent.SellAsset)
	}
	if pair.buy == intentcodec.AssetObject {
		args = append(args, intent.BuyAsset)
	}
	return args
}
