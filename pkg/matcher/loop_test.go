package matcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxfill-hq/fluxfiller/pkg/circuitbreaker"
	"github.com/fluxfill-hq/fluxfiller/pkg/executor"
	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
	"github.com/fluxfill-hq/fluxfiller/pkg/models"
	"github.com/fluxfill-hq/fluxfiller/pkg/orderbook"
	"github.com/fluxfill-hq/fluxfiller/pkg/settlement"
	"github.com/fluxfill-hq/fluxfiller/pkg/store"
)

// fakeSettlement is an in-memory settlement venue for loop tests.
type fakeSettlement struct {
	balances   map[string]uint64
	balanceErr error
	submitErr  error
	submitted  []*settlement.Call
}

func (f *fakeSettlement) CustodyBalance(_ context.Context, account, asset string) (uint64, error) {
	if f.balanceErr != nil {
		return 0, f.balanceErr
	}
	return f.balances[account+"/"+asset], nil
}

func (f *fakeSettlement) Submit(_ context.Context, call *settlement.Call) (*settlement.Result, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, call)
	return &settlement.Result{
		Success:        true,
		Reference:      fmt.Sprintf("ref-%d", len(f.submitted)),
		ExecutionPrice: call.FillAmount,
	}, nil
}

func newTestLoop(venue *fakeSettlement, prices map[string]float64) (*Loop, *orderbook.Book) {
	log := &logger.EmptyLogger{}
	db := store.NewMemDB()

	book := orderbook.NewBook(db, log)
	pricer := newTestPricer(prices, DefaultPolicy())
	breaker := circuitbreaker.NewCircuitBreaker("settlement", false, 5, time.Minute, time.Minute)
	history := executor.NewHistory(db, 10, log)
	exec := executor.NewExecutor(venue, "0xregistry", breaker, history, log)

	return NewLoop(book, pricer, venue, exec, time.Second, log), book
}

func TestLoopTick(t *testing.T) {
	prices := map[string]float64{
		"0x2::fluxc::FLUXC": 1.0,
		"0x3::usd::USD":     1.0,
	}

	queuedLimit := func(book *orderbook.Book, hash string, buyAmount uint64) {
		book.Add(hash, models.Intent{
			Maker:      "0xmaker",
			SellAsset:  "0x2::fluxc::FLUXC",
			BuyAsset:   "0x3::usd::USD",
			SellAmount: 500,
			Pricing:    models.PricingLimit,
			BuyAmount:  buyAmount,
			ExpiryTime: 10_000,
		}, []byte("sig"), make([]byte, 32), 1)
	}

	t.Run("profitable order settles and leaves the book", func(t *testing.T) {
		venue := &fakeSettlement{balances: map[string]uint64{"0xmaker/0x2::fluxc::FLUXC": 500}}
		loop, book := newTestLoop(venue, prices)
		queuedLimit(book, "hash1", 500)

		loop.Tick(context.Background(), 5000)

		assert.Equal(t, 0, book.Size())
		require.Len(t, venue.submitted, 1)
		assert.Equal(t, settlement.VariantCoinCoin, venue.submitted[0].Variant)
		assert.Equal(t, uint64(500), venue.submitted[0].FillAmount)
	})

	t.Run("unprofitable order stays queued", func(t *testing.T) {
		venue := &fakeSettlement{balances: map[string]uint64{"0xmaker/0x2::fluxc::FLUXC": 500}}
		loop, book := newTestLoop(venue, prices)
		queuedLimit(book, "hash1", 510) // limit rate 1.02 vs market 1.0

		loop.Tick(context.Background(), 5000)

		assert.Equal(t, 1, book.Size())
		assert.Empty(t, venue.submitted)
	})

	t.Run("custody shortfall drops the order", func(t *testing.T) {
		venue := &fakeSettlement{balances: map[string]uint64{"0xmaker/0x2::fluxc::FLUXC": 499}}
		loop, book := newTestLoop(venue, prices)
		queuedLimit(book, "hash1", 500)

		loop.Tick(context.Background(), 5000)

		assert.Equal(t, 0, book.Size())
		assert.Empty(t, venue.submitted)
	})

	t.Run("custody query error keeps the order", func(t *testing.T) {
		venue := &fakeSettlement{balanceErr: fmt.Errorf("connection refused")}
		loop, book := newTestLoop(venue, prices)
		queuedLimit(book, "hash1", 500)

		loop.Tick(context.Background(), 5000)

		assert.Equal(t, 1, book.Size())
	})

	t.Run("execution error keeps the order for the next tick", func(t *testing.T) {
		venue := &fakeSettlement{
			balances:  map[string]uint64{"0xmaker/0x2::fluxc::FLUXC": 500},
			submitErr: fmt.Errorf("venue unavailable"),
		}
		loop, book := newTestLoop(venue, prices)
		queuedLimit(book, "hash1", 500)

		loop.Tick(context.Background(), 5000)
		assert.Equal(t, 1, book.Size())

		// Venue recovers; the next tick settles it.
		venue.submitErr = nil
		loop.Tick(context.Background(), 5000)
		assert.Equal(t, 0, book.Size())
		assert.Len(t, venue.submitted, 1)
	})

	t.Run("expired order pruned before evaluation", func(t *testing.T) {
		venue := &fakeSettlement{balances: map[string]uint64{"0xmaker/0x2::fluxc::FLUXC": 500}}
		loop, book := newTestLoop(venue, prices)
		queuedLimit(book, "hash1", 500)

		loop.Tick(context.Background(), 20_000)

		assert.Equal(t, 0, book.Size())
		assert.Empty(t, venue.submitted)
	})

	t.Run("auction fills at decayed amount once profitable", func(t *testing.T) {
		venue := &fakeSettlement{balances: map[string]uint64{"0xmaker/0x2::fluxc::FLUXC": 100}}
		loop, book := newTestLoop(venue, prices)
		book.Add("auction1", decayingAuction(), []byte("sig"), make([]byte, 32), 1)

		// Start of the window: required 120 for 100 of value, rejected.
		loop.Tick(context.Background(), 1000)
		assert.Equal(t, 1, book.Size())
		assert.Empty(t, venue.submitted)

		// Near the end the decayed price clears the band:
		// elapsed 299, required 120 - 40*299/300 = 81.
		loop.Tick(context.Background(), 1299)
		assert.Equal(t, 0, book.Size())
		require.Len(t, venue.submitted, 1)
		assert.Equal(t, uint64(81), venue.submitted[0].FillAmount)
	})
}
