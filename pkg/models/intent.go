package models

import (
	"time"
)

// PricingMode selects how the required buy amount of an intent is computed.
type PricingMode string

const (
	// PricingAuction decays the required buy amount linearly between a
	// start and end time.
	PricingAuction PricingMode = "auction"
	// PricingLimit is a single fixed exchange rate with an expiry.
	PricingLimit PricingMode = "limit"
)

// Intent represents an off-chain statement of a desired asset exchange,
// signed by a maker and settled on their behalf by the relayer.
type Intent struct {
	Maker      string      `json:"maker"`
	Nonce      uint64      `json:"nonce"`
	SellAsset  string      `json:"sell_asset"`
	BuyAsset   string      `json:"buy_asset"`
	SellAmount uint64      `json:"sell_amount"`
	Pricing    PricingMode `json:"pricing"`

	// Auction pricing fields. StartBuyAmount decays to EndBuyAmount
	// over [StartTime, EndTime] (unix seconds).
	StartBuyAmount uint64 `json:"start_buy_amount,omitempty"`
	EndBuyAmount   uint64 `json:"end_buy_amount,omitempty"`
	StartTime      uint64 `json:"start_time,omitempty"`
	EndTime        uint64 `json:"end_time,omitempty"`

	// Limit pricing fields.
	BuyAmount  uint64 `json:"buy_amount,omitempty"`
	ExpiryTime uint64 `json:"expiry_time,omitempty"`
}

// Expiry returns the unix time after which the intent must never settle,
// regardless of pricing mode.
func (i *Intent) Expiry() uint64 {
	if i.Pricing == PricingLimit {
		return i.ExpiryTime
	}
	return i.EndTime
}

// SignedIntent is an Intent together with the maker wallet's signature
// material. SigningNonce is a wallet-domain replay-protection value and
// is distinct from the ledger nonce carried by the intent itself.
type SignedIntent struct {
	Intent       Intent `json:"intent"`
	Signature    []byte `json:"signature"`
	PublicKey    []byte `json:"public_key"`
	SigningNonce uint64 `json:"signing_nonce"`
}

// QueuedOrder is a signed intent held in the order book awaiting
// settlement. OrderHash is the sole idempotency key.
type QueuedOrder struct {
	SignedIntent
	OrderHash  string    `json:"order_hash"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ExecutionRecord is an append-only history entry describing one
// settlement attempt outcome. Observability only, never authoritative.
type ExecutionRecord struct {
	ID             string    `json:"id"`
	Reference      string    `json:"reference"`
	Success        bool      `json:"success"`
	ExecutionPrice uint64    `json:"execution_price"`
	Timestamp      time.Time `json:"timestamp"`
	Intent         Intent    `json:"intent"`
}
