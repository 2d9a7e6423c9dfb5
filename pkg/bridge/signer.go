package bridge

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/fluxfill-hq/fluxfiller/pkg/models"
)

// ReleaseSigner produces typed-data authorizations the origin-chain
// vault accepts for paying out custodied funds.
type ReleaseSigner struct {
	key    *ecdsa.PrivateKey
	domain apitypes.TypedDataDomain
}

// NewReleaseSigner binds a signing key to the vault's verification
// domain. The domain must match the deployed vault exactly or every
// signature is rejected on chain.
func NewReleaseSigner(hexKey string, domainName, version string, chainID int64, verifyingContract string) (*ReleaseSigner, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse release signing key: %v", err)
	}

	return &ReleaseSigner{
		key: key,
		domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           version,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: verifyingContract,
		},
	}, nil
}

// Address returns the signer's on-chain address.
func (s *ReleaseSigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

var releaseTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Release": {
		{Name: "intentId", Type: "bytes32"},
		{Name: "asset", Type: "address"},
		{Name: "recipient", Type: "address"},
		{Name: "nonce", Type: "uint256"},
	},
}

// SignRelease signs an authorization for the given release nonce. The
// caller must have fetched the nonce from the vault immediately before
// calling; the vault increments it on every accepted release, so a
// cached nonce produces a dead signature.
func (s *ReleaseSigner) SignRelease(intentID common.Hash, asset, recipient common.Address, nonce uint64) (models.ReleaseAuthorization, error) {
	typed := apitypes.TypedData{
		Types:       releaseTypes,
		PrimaryType: "Release",
		Domain:      s.domain,
		Message: apitypes.TypedDataMessage{
			"intentId":  intentID.Hex(),
			"asset":     asset.Hex(),
			"recipient": recipient.Hex(),
			"nonce":     new(big.Int).SetUint64(nonce),
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return models.ReleaseAuthorization{}, fmt.Errorf("failed to hash release authorization: %v", err)
	}

	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return models.ReleaseAuthorization{}, fmt.Errorf("failed to sign release authorization: %v", err)
	}
	// Shift recovery id to the 27/28 convention contracts expect.
	sig[64] += 27

	return models.ReleaseAuthorization{
		IntentID:     intentID,
		Asset:        asset,
		Recipient:    recipient,
		ReleaseNonce: nonce,
		Signature:    sig,
	}, nil
}
