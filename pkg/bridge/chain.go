package bridge

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/fluxfill-hq/fluxfiller/pkg/models"
)

// OriginChain is the custody side of a cross-chain transfer: deposit
// discovery, vault lifecycle and release submission.
type OriginChain interface {
	// VaultAddress derives the deterministic custody address for a
	// (depositor, intentId, destinationChainId) binding.
	VaultAddress(depositor common.Address, intentID common.Hash, destChainID int) common.Address
	// IsDeployed reports whether code exists at the vault address.
	IsDeployed(ctx context.Context, vault common.Address) (bool, error)
	// CreateVault triggers creation of the vault for a deposit.
	// Idempotent by construction: the factory no-ops for an existing vault.
	CreateVault(ctx context.Context, deposit models.DepositEvent) error
	// ReleaseNonce returns the vault's current release nonce. Must be
	// fetched fresh immediately before signing, never cached.
	ReleaseNonce(ctx context.Context, vault common.Address) (uint64, error)
	// SubmitRelease submits a signed release authorization to the vault.
	SubmitRelease(ctx context.Context, vault common.Address, auth models.ReleaseAuthorization) error
	// FilterDeposits returns deposit events in the block range.
	FilterDeposits(ctx context.Context, fromBlock, toBlock uint64) ([]models.DepositEvent, error)
	// LatestBlock returns the current chain head number.
	LatestBlock(ctx context.Context) (uint64, error)
}

// DestinationChain is the fulfillment side of a cross-chain transfer.
type DestinationChain interface {
	// FulfillmentsSince returns fulfillment events with a sequence
	// number strictly greater than the cursor, ordered by sequence.
	// fromBlock bounds the log scan from below; zero means no floor is
	// known yet and the implementation picks a bounded starting point.
	FulfillmentsSince(ctx context.Context, cursor, fromBlock uint64) ([]models.FulfillmentEvent, error)
}

const vaultFactoryABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "depositor", "type": "address"},
			{"indexed": true, "name": "intentId", "type": "bytes32"},
			{"indexed": false, "name": "destinationChainId", "type": "uint256"}
		],
		"name": "DepositLocked",
		"type": "event"
	},
	{
		"inputs": [
			{"name": "depositor", "type": "address"},
			{"name": "intentId", "type": "bytes32"},
			{"name": "destinationChainId", "type": "uint256"}
		],
		"name": "createVault",
		"outputs": [{"name": "", "type": "address"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"name": "vault", "type": "address"}],
		"name": "releaseNonce",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "vault", "type": "address"},
			{"name": "intentId", "type": "bytes32"},
			{"name": "asset", "type": "address"},
			{"name": "recipient", "type": "address"},
			{"name": "nonce", "type": "uint256"},
			{"name": "signature", "type": "bytes"}
		],
		"name": "release",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "vaultCodeHash",
		"outputs": [{"name": "", "type": "bytes32"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

const fulfillmentABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "intentId", "type": "bytes32"},
			{"indexed": false, "name": "asset", "type": "address"},
			{"indexed": false, "name": "recipient", "type": "address"},
			{"indexed": false, "name": "sequenceNumber", "type": "uint256"}
		],
		"name": "IntentFulfilled",
		"type": "event"
	}
]`

// EVMOriginChain implements OriginChain over an EVM custody factory.
type EVMOriginChain struct {
	client        *ethclient.Client
	chainID       int
	factory       common.Address
	factoryABI    abi.ABI
	contract      *bind.BoundContract
	auth          *bind.TransactOpts
	vaultCodeHash common.Hash
	callTimeout   time.Duration
}

// NewEVMOriginChain connects to the origin chain and binds the custody
// factory contract.
func NewEVMOriginChain(rpcURL string, chainID int, factoryAddr string, auth *bind.TransactOpts) (*EVMOriginChain, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to origin chain: %v", err)
	}

	parsed, err := abi.JSON(strings.NewReader(vaultFactoryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse factory ABI: %v", err)
	}

	factory := common.HexToAddress(factoryAddr)
	contract := bind.NewBoundContract(factory, parsed, client, client, client)

	c := &EVMOriginChain{
		client:      client,
		chainID:     chainID,
		factory:     factory,
		factoryABI:  parsed,
		contract:    contract,
		auth:        auth,
		callTimeout: 15 * time.Second,
	}

	// The vault init-code hash is fixed per factory deployment; fetch
	// it once so address derivation needs no further chain calls.
	ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
	defer cancel()
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "vaultCodeHash"); err != nil {
		return nil, fmt.Errorf("failed to fetch vault code hash: %v", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty result from vaultCodeHash call")
	}
	hash, ok := out[0].([32]byte)
	if !ok {
		return nil, fmt.Errorf("invalid vaultCodeHash result type")
	}
	c.vaultCodeHash = hash

	return c, nil
}

// VaultSalt computes the CREATE2 salt binding a vault to its deposit.
func VaultSalt(depositor common.Address, intentID common.Hash, destChainID int) [32]byte {
	buf := make([]byte, 0, 20+32+32)
	buf = append(buf, depositor.Bytes()...)
	buf = append(buf, intentID.Bytes()...)
	buf = append(buf, common.BigToHash(big.NewInt(int64(destChainID))).Bytes()...)
	return crypto.Keccak256Hash(buf)
}

func (c *EVMOriginChain) VaultAddress(depositor common.Address, intentID common.Hash, destChainID int) common.Address {
	salt := VaultSalt(depositor, intentID, destChainID)
	return crypto.CreateAddress2(c.factory, salt, c.vaultCodeHash.Bytes())
}

func (c *EVMOriginChain) IsDeployed(ctx context.Context, vault common.Address) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	code, err := c.client.CodeAt(ctx, vault, nil)
	if err != nil {
		return false, fmt.Errorf("failed to query vault code: %v", err)
	}
	return len(code) > 0, nil
}

func (c *EVMOriginChain) CreateVault(ctx context.Context, deposit models.DepositEvent) error {
	opts := *c.auth
	opts.Context = ctx

	_, err := c.contract.Transact(&opts, "createVault",
		deposit.Depositor, deposit.IntentID, big.NewInt(int64(deposit.DestinationChainID)))
	if err != nil {
		return fmt.Errorf("failed to request vault creation: %v", err)
	}
	return nil
}

func (c *EVMOriginChain) ReleaseNonce(ctx context.Context, vault common.Address) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "releaseNonce", vault)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch release nonce: %v", err)
	}
	if len(out) == 0 || out[0] == nil {
		return 0, fmt.Errorf("empty result from releaseNonce call")
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("invalid releaseNonce result type")
	}
	return nonce.Uint64(), nil
}

func (c *EVMOriginChain) SubmitRelease(ctx context.Context, vault common.Address, auth models.ReleaseAuthorization) error {
	opts := *c.auth
	opts.Context = ctx

	_, err := c.contract.Transact(&opts, "release",
		vault, auth.IntentID, auth.Asset, auth.Recipient,
		new(big.Int).SetUint64(auth.ReleaseNonce), auth.Signature)
	if err != nil {
		return fmt.Errorf("failed to submit release: %v", err)
	}
	return nil
}

func (c *EVMOriginChain) FilterDeposits(ctx context.Context, fromBlock, toBlock uint64) ([]models.DepositEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	event := c.factoryABI.Events["DepositLocked"]
	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.factory},
		Topics:    [][]common.Hash{{event.ID}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter deposit logs: %v", err)
	}

	deposits := make([]models.DepositEvent, 0, len(logs))
	for _, lg := range logs {
		dep, err := c.parseDepositLog(lg)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, dep)
	}
	return deposits, nil
}

func (c *EVMOriginChain) parseDepositLog(lg types.Log) (models.DepositEvent, error) {
	if len(lg.Topics) < 3 {
		return models.DepositEvent{}, fmt.Errorf("malformed deposit log: %d topics", len(lg.Topics))
	}

	values, err := c.factoryABI.Unpack("DepositLocked", lg.Data)
	if err != nil {
		return models.DepositEvent{}, fmt.Errorf("failed to unpack deposit log: %v", err)
	}
	destChainID, ok := values[0].(*big.Int)
	if !ok {
		return models.DepositEvent{}, fmt.Errorf("invalid destinationChainId type in deposit log")
	}

	return models.DepositEvent{
		SourceChain:        c.chainID,
		Depositor:          common.BytesToAddress(lg.Topics[1].Bytes()),
		IntentID:           lg.Topics[2],
		DestinationChainID: int(destChainID.Int64()),
		BlockNumber:        lg.BlockNumber,
	}, nil
}

func (c *EVMOriginChain) LatestBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.client.BlockNumber(ctx)
}

// EVMDestinationChain implements DestinationChain over the fulfillment
// contract on the destination ledger.
type EVMDestinationChain struct {
	client      *ethclient.Client
	contract    common.Address
	eventABI    abi.ABI
	callTimeout time.Duration
	// lookback bounds how far behind the head each poll scans.
	lookback uint64
}

// NewEVMDestinationChain connects to the destination chain.
func NewEVMDestinationChain(rpcURL string, contractAddr string) (*EVMDestinationChain, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to destination chain: %v", err)
	}

	parsed, err := abi.JSON(strings.NewReader(fulfillmentABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse fulfillment ABI: %v", err)
	}

	return &EVMDestinationChain{
		client:      client,
		contract:    common.HexToAddress(contractAddr),
		eventABI:    parsed,
		callTimeout: 15 * time.Second,
		lookback:    5000,
	}, nil
}

func (c *EVMDestinationChain) FulfillmentsSince(ctx context.Context, cursor, fromBlock uint64) ([]models.FulfillmentEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	// Without a floor (first run) the scan is bounded by the lookback.
	// Once a floor exists, downtime of any length is rescanned in full:
	// events past the sequence cursor always sit at or above the block
	// of the last acknowledged event.
	if fromBlock == 0 {
		head, err := c.client.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query destination head: %v", err)
		}
		if head > c.lookback {
			fromBlock = head - c.lookback
		}
	}

	event := c.eventABI.Events["IntentFulfilled"]
	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{event.ID}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter fulfillment logs: %v", err)
	}

	var events []models.FulfillmentEvent
	for _, lg := range logs {
		if len(lg.Topics) < 2 {
			continue
		}
		values, err := c.eventABI.Unpack("IntentFulfilled", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack fulfillment log: %v", err)
		}
		asset, ok1 := values[0].(common.Address)
		recipient, ok2 := values[1].(common.Address)
		seq, ok3 := values[2].(*big.Int)
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("invalid fulfillment log field types")
		}
		if seq.Uint64() <= cursor {
			continue
		}
		events = append(events, models.FulfillmentEvent{
			IntentID:       lg.Topics[1],
			Asset:          asset,
			Recipient:      recipient,
			SequenceNumber: seq.Uint64(),
			BlockNumber:    lg.BlockNumber,
		})
	}
	return events, nil
}
