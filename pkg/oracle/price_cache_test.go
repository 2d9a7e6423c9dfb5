package oracle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
)

// countingFeed records fetches and can be flipped into a failure mode.
type countingFeed struct {
	prices  map[string]float64
	err     error
	fetches int
}

func (f *countingFeed) FetchPrices(_ context.Context, assetIDs []string) (map[string]float64, error) {
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]float64)
	for _, id := range assetIDs {
		if price, ok := f.prices[id]; ok {
			out[id] = price
		}
	}
	return out, nil
}

func TestPriceCache(t *testing.T) {
	t.Run("returns fetched price", func(t *testing.T) {
		feed := &countingFeed{prices: map[string]float64{"FLUXC": 2.5}}
		cache := NewPriceCache(feed, time.Minute, &logger.EmptyLogger{})

		assert.Equal(t, 2.5, cache.GetPrice(context.Background(), "FLUXC"))
	})

	t.Run("unknown asset returns zero and gets tracked", func(t *testing.T) {
		feed := &countingFeed{prices: map[string]float64{}}
		cache := NewPriceCache(feed, time.Minute, &logger.EmptyLogger{})

		assert.Equal(t, 0.0, cache.GetPrice(context.Background(), "UNKNOWN"))
		assert.Equal(t, 1, feed.fetches)
	})

	t.Run("reads inside TTL hit the cache", func(t *testing.T) {
		feed := &countingFeed{prices: map[string]float64{"FLUXC": 2.5}}
		cache := NewPriceCache(feed, time.Minute, &logger.EmptyLogger{})

		for i := 0; i < 5; i++ {
			cache.GetPrice(context.Background(), "FLUXC")
		}
		assert.Equal(t, 1, feed.fetches)
	})

	t.Run("expired TTL refetches", func(t *testing.T) {
		feed := &countingFeed{prices: map[string]float64{"FLUXC": 2.5}}
		cache := NewPriceCache(feed, 10*time.Millisecond, &logger.EmptyLogger{})

		cache.GetPrice(context.Background(), "FLUXC")
		feed.prices["FLUXC"] = 3.0
		time.Sleep(20 * time.Millisecond)

		assert.Equal(t, 3.0, cache.GetPrice(context.Background(), "FLUXC"))
		assert.Equal(t, 2, feed.fetches)
	})

	t.Run("feed failure keeps previous values", func(t *testing.T) {
		feed := &countingFeed{prices: map[string]float64{"FLUXC": 2.5}}
		cache := NewPriceCache(feed, 10*time.Millisecond, &logger.EmptyLogger{})

		cache.GetPrice(context.Background(), "FLUXC")
		feed.err = fmt.Errorf("feed down")
		time.Sleep(20 * time.Millisecond)

		assert.Equal(t, 2.5, cache.GetPrice(context.Background(), "FLUXC"))
	})

	t.Run("failed refresh rearms the window", func(t *testing.T) {
		feed := &countingFeed{err: fmt.Errorf("feed down")}
		cache := NewPriceCache(feed, time.Minute, &logger.EmptyLogger{})
		cache.Track("FLUXC")

		cache.Refresh(context.Background())
		cache.Refresh(context.Background())

		// Only the first attempt went out; a failing feed is not
		// hammered on every check.
		assert.Equal(t, 1, feed.fetches)
	})
}

func TestHTTPFeedClient(t *testing.T) {
	t.Run("decodes wrapper shape", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/prices", r.URL.Path)
			fmt.Fprint(w, `{"prices":{"FLUXC":2.5,"USD":1.0}}`)
		}))
		defer srv.Close()

		client := NewHTTPFeedClient(srv.URL)
		prices, err := client.FetchPrices(context.Background(), []string{"FLUXC", "USD"})
		require.NoError(t, err)
		assert.Equal(t, map[string]float64{"FLUXC": 2.5, "USD": 1.0}, prices)
	})

	t.Run("decodes bare map", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"FLUXC":2.5}`)
		}))
		defer srv.Close()

		client := NewHTTPFeedClient(srv.URL)
		prices, err := client.FetchPrices(context.Background(), []string{"FLUXC"})
		require.NoError(t, err)
		assert.Equal(t, map[string]float64{"FLUXC": 2.5}, prices)
	})

	t.Run("non-200 is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "oops", http.StatusBadGateway)
		}))
		defer srv.Close()

		client := NewHTTPFeedClient(srv.URL)
		_, err := client.FetchPrices(context.Background(), []string{"FLUXC"})
		assert.Error(t, err)
	})
}
