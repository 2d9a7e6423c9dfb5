package intentcodec

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/fluxfill-hq/fluxfiller/pkg/models"
)

// DomainTag is the protocol/version separator prepended to every encoded
// intent. Changing it (or any field order below) invalidates all
// existing signatures and is a breaking protocol version bump.
const DomainTag = "FLUXFILL_SWAP_V1"

// objectAssetPrefix disambiguates fungible-object addresses from
// coin-class strings before encoding. Coin-class identifiers always
// contain the "::" separator; plain addresses never do. Every producer
// and consumer of the encoding must apply the same prefix or signatures
// will not verify.
const objectAssetPrefix = "@"

// AssetClass is the settlement routing class of an asset identifier.
type AssetClass int

const (
	// AssetCoin is a coin-class type string, e.g. "0x2::fluxc::FLUXC".
	AssetCoin AssetClass = iota
	// AssetObject is a fungible-object address, e.g. "0xabc...".
	AssetObject
)

func (c AssetClass) String() string {
	if c == AssetObject {
		return "object"
	}
	return "coin"
}

// ClassifyAsset determines the asset class of an identifier.
func ClassifyAsset(assetID string) AssetClass {
	if strings.Contains(assetID, "::") {
		return AssetCoin
	}
	return AssetObject
}

// AssetBytes returns the canonical byte run for an asset identifier,
// applying the object-address prefix rule.
func AssetBytes(assetID string) []byte {
	if ClassifyAsset(assetID) == AssetObject {
		return []byte(objectAssetPrefix + assetID)
	}
	return []byte(assetID)
}

// Encode produces the canonical byte encoding of an intent:
// domainTag || maker || nonce(u64-LE) || sellAsset || buyAsset ||
// sellAmount(u64-LE) || pricing amounts (u64-LE each) ||
// startTime(u64-LE) || endTime/expiry(u64-LE).
func Encode(intent *models.Intent) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, []byte(DomainTag)...)
	buf = append(buf, []byte(intent.Maker)...)
	buf = appendUint64(buf, intent.Nonce)
	buf = append(buf, AssetBytes(intent.SellAsset)...)
	buf = append(buf, AssetBytes(intent.BuyAsset)...)
	buf = appendUint64(buf, intent.SellAmount)

	if intent.Pricing == models.PricingAuction {
		buf = appendUint64(buf, intent.StartBuyAmount)
		buf = appendUint64(buf, intent.EndBuyAmount)
		buf = appendUint64(buf, intent.StartTime)
		buf = appendUint64(buf, intent.EndTime)
	} else {
		buf = appendUint64(buf, intent.BuyAmount)
		buf = appendUint64(buf, intent.StartTime)
		buf = appendUint64(buf, intent.ExpiryTime)
	}

	return buf
}

// Hash returns the 32-byte blake2b digest of an encoded intent.
func Hash(encoded []byte) [32]byte {
	return blake2b.Sum256(encoded)
}

// HashIntent is shorthand for Hash(Encode(intent)).
func HashIntent(intent *models.Intent) [32]byte {
	return Hash(Encode(intent))
}

// NormalizePublicKey strips the one-byte signing-scheme tag some wallet
// encodings prepend, returning the fixed-length ed25519 key.
func NormalizePublicKey(publicKey []byte) ([]byte, error) {
	switch len(publicKey) {
	case ed25519.PublicKeySize:
		return publicKey, nil
	case ed25519.PublicKeySize + 1:
		return publicKey[1:], nil
	default:
		return nil, fmt.Errorf("invalid public key length: %d", len(publicKey))
	}
}

// Verify checks the signature over the canonical hash of the intent.
func Verify(intent *models.Intent, signature, publicKey []byte) bool {
	pub, err := NormalizePublicKey(publicKey)
	if err != nil {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	digest := HashIntent(intent)
	return ed25519.Verify(ed25519.PublicKey(pub), digest[:], signature)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
