package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RelayState tracks a cross-chain transfer through the
// lock -> vault -> fulfill -> release pipeline.
type RelayState string

const (
	RelayDeposited            RelayState = "DEPOSITED"
	RelayVaultRequested       RelayState = "VAULT_REQUESTED"
	RelayVaultConfirmed       RelayState = "VAULT_CONFIRMED"
	RelayDestinationFulfilled RelayState = "DESTINATION_FULFILLED"
	RelayReleaseSigned        RelayState = "RELEASE_SIGNED"
	RelayReleaseSubmitted     RelayState = "RELEASE_SUBMITTED"
	RelaySettled              RelayState = "SETTLED"
)

// DepositEvent is a lock/deposit observed on the origin ledger.
type DepositEvent struct {
	SourceChain        int            `json:"source_chain"`
	Depositor          common.Address `json:"depositor"`
	IntentID           common.Hash    `json:"intent_id"`
	DestinationChainID int            `json:"destination_chain_id"`
	BlockNumber        uint64         `json:"block_number"`
}

// FulfillmentEvent is a destination-chain fulfillment observed by the
// destination watcher. SequenceNumber is the watcher's high-water cursor.
type FulfillmentEvent struct {
	IntentID       common.Hash    `json:"intent_id"`
	Asset          common.Address `json:"asset"`
	Recipient      common.Address `json:"recipient"`
	SequenceNumber uint64         `json:"sequence_number"`
	BlockNumber    uint64         `json:"block_number"`
}

// Vault is a deterministic per-(depositor, intentId) custody address on
// the origin chain. Deployed is the sole binary state of a vault.
type Vault struct {
	Address  common.Address `json:"address"`
	Deployed bool           `json:"deployed"`
}

// ReleaseAuthorization permits a vault's custodied funds to be paid to
// a recipient. Valid only for the release nonce current at signing time;
// the destination network rejects stale nonces.
type ReleaseAuthorization struct {
	IntentID     common.Hash    `json:"intent_id"`
	Asset        common.Address `json:"asset"`
	Recipient    common.Address `json:"recipient"`
	ReleaseNonce uint64         `json:"release_nonce"`
	Signature    []byte         `json:"signature"`
}

// RelayJob is one in-flight cross-chain transfer instance, keyed by
// (depositor, intentId).
type RelayJob struct {
	Deposit     DepositEvent      `json:"deposit"`
	State       RelayState        `json:"state"`
	Vault       Vault             `json:"vault"`
	Fulfillment *FulfillmentEvent `json:"fulfillment,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// RetryJob schedules a retry for a relay step that failed with a
// transient error.
type RetryJob struct {
	Job         RelayJob
	RetryCount  int
	NextAttempt time.Time
	ErrorType   string // Type of error that caused the retry
}
