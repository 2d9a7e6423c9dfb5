package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
	"github.com/fluxfill-hq/fluxfiller/pkg/models"
	"github.com/fluxfill-hq/fluxfiller/pkg/store"
)

func limitIntent(expiry uint64) models.Intent {
	return models.Intent{
		Maker:      "0xmaker",
		Nonce:      1,
		SellAsset:  "0x2::fluxc::FLUXC",
		BuyAsset:   "0x3::usd::USD",
		SellAmount: 500,
		Pricing:    models.PricingLimit,
		BuyAmount:  501,
		ExpiryTime: expiry,
	}
}

func TestBookAdd(t *testing.T) {
	t.Run("add and get", func(t *testing.T) {
		book := NewBook(store.NewMemDB(), &logger.EmptyLogger{})

		added := book.Add("hash1", limitIntent(2000), []byte("sig"), []byte("pub"), 9)
		assert.True(t, added)

		order, ok := book.Get("hash1")
		require.True(t, ok)
		assert.Equal(t, "hash1", order.OrderHash)
		assert.Equal(t, uint64(9), order.SigningNonce)
		assert.Equal(t, 1, book.Size())
	})

	t.Run("duplicate hash is a no-op", func(t *testing.T) {
		book := NewBook(store.NewMemDB(), &logger.EmptyLogger{})

		assert.True(t, book.Add("hash1", limitIntent(2000), []byte("sig"), []byte("pub"), 1))
		assert.False(t, book.Add("hash1", limitIntent(9999), []byte("sig2"), []byte("pub2"), 2))

		// The original order is untouched.
		order, ok := book.Get("hash1")
		require.True(t, ok)
		assert.Equal(t, uint64(2000), order.Intent.ExpiryTime)
		assert.Equal(t, 1, book.Size())
	})
}

func TestBookPersistence(t *testing.T) {
	db := store.NewMemDB()

	book := NewBook(db, &logger.EmptyLogger{})
	book.Add("hash1", limitIntent(2000), []byte("sig"), []byte("pub"), 1)
	book.Add("hash2", limitIntent(3000), []byte("sig"), []byte("pub"), 2)
	book.Remove("hash2")

	// A fresh book over the same store sees only the surviving order.
	restored := NewBook(db, &logger.EmptyLogger{})
	require.NoError(t, restored.Load())

	assert.Equal(t, 1, restored.Size())
	_, ok := restored.Get("hash1")
	assert.True(t, ok)
	_, ok = restored.Get("hash2")
	assert.False(t, ok)
}

func TestBookPrune(t *testing.T) {
	t.Run("removes only expired orders", func(t *testing.T) {
		book := NewBook(store.NewMemDB(), &logger.EmptyLogger{})
		book.Add("expired", limitIntent(999), []byte("sig"), []byte("pub"), 1)
		book.Add("boundary", limitIntent(1000), []byte("sig"), []byte("pub"), 2)
		book.Add("live", limitIntent(1001), []byte("sig"), []byte("pub"), 3)

		removed := book.Prune(1000)
		assert.Equal(t, 1, removed)

		_, ok := book.Get("expired")
		assert.False(t, ok)
		// An order expiring exactly now is still in its window.
		_, ok = book.Get("boundary")
		assert.True(t, ok)
		_, ok = book.Get("live")
		assert.True(t, ok)
	})

	t.Run("idempotent", func(t *testing.T) {
		book := NewBook(store.NewMemDB(), &logger.EmptyLogger{})
		book.Add("expired", limitIntent(500), []byte("sig"), []byte("pub"), 1)

		assert.Equal(t, 1, book.Prune(1000))
		assert.Equal(t, 0, book.Prune(1000))
		assert.Equal(t, 0, book.Size())
	})

	t.Run("auction orders prune on end time", func(t *testing.T) {
		book := NewBook(store.NewMemDB(), &logger.EmptyLogger{})
		book.Add("auction", models.Intent{
			Maker:          "0xmaker",
			SellAsset:      "0x2::fluxc::FLUXC",
			BuyAsset:       "0x3::usd::USD",
			SellAmount:     100,
			Pricing:        models.PricingAuction,
			StartBuyAmount: 120,
			EndBuyAmount:   80,
			StartTime:      1000,
			EndTime:        1300,
		}, []byte("sig"), []byte("pub"), 1)

		assert.Equal(t, 0, book.Prune(1300))
		assert.Equal(t, 1, book.Prune(1301))
	})
}
