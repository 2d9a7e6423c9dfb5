package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
	"github.com/fluxfill-hq/fluxfiller/pkg/metrics"
)

// FeedClient fetches spot prices for a batch of asset identifiers.
type FeedClient interface {
	FetchPrices(ctx context.Context, assetIDs []string) (map[string]float64, error)
}

// PriceCache caches the last known price per asset with a short TTL.
// All tracked feeds refresh together at most once per TTL window; a
// refresh failure leaves previous values in place. Matching decisions
// must not block on feed latency, so staleness bounded by the TTL is an
// accepted risk, not an error.
type PriceCache struct {
	mu          sync.Mutex
	prices      map[string]float64
	tracked     map[string]struct{}
	ttl         time.Duration
	lastRefresh time.Time
	feed        FeedClient
	logger      logger.Logger
}

// NewPriceCache creates a price cache over the given feed client.
func NewPriceCache(feed FeedClient, ttl time.Duration, log logger.Logger) *PriceCache {
	return &PriceCache{
		prices:  make(map[string]float64),
		tracked: make(map[string]struct{}),
		ttl:     ttl,
		feed:    feed,
		logger:  log,
	}
}

// Track registers an asset for refresh. Tracking is additive; assets are
// never evicted.
func (pc *PriceCache) Track(assetIDs ...string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, id := range assetIDs {
		pc.tracked[id] = struct{}{}
	}
}

// GetPrice returns the last cached price for an asset, 0 if unknown or
// unavailable. Never returns an error to callers.
func (pc *PriceCache) GetPrice(ctx context.Context, assetID string) float64 {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if _, ok := pc.tracked[assetID]; !ok {
		pc.tracked[assetID] = struct{}{}
	}

	pc.refreshLocked(ctx)
	return pc.prices[assetID]
}

// Refresh forces a refresh attempt if the TTL window has elapsed.
func (pc *PriceCache) Refresh(ctx context.Context) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.refreshLocked(ctx)
}

// refreshLocked refreshes all tracked feeds if the TTL window has
// elapsed. Failures keep the previous values.
func (pc *PriceCache) refreshLocked(ctx context.Context) {
	if time.Since(pc.lastRefresh) < pc.ttl || len(pc.tracked) == 0 {
		return
	}
	// Rearm the window regardless of outcome so a failing feed is not
	// hammered on every pricing check.
	pc.lastRefresh = time.Now()

	ids := make([]string, 0, len(pc.tracked))
	for id := range pc.tracked {
		ids = append(ids, id)
	}

	fresh, err := pc.feed.FetchPrices(ctx, ids)
	if err != nil {
		pc.logger.ErrorWith(logger.Oracle, "Price feed refresh failed, keeping previous values: %v", err)
		return
	}

	for id, price := range fresh {
		pc.prices[id] = price
		metrics.OraclePrice.WithLabelValues(id).Set(price)
	}
	pc.logger.DebugWith(logger.Oracle, "Refreshed %d price feeds", len(fresh))
}

// HTTPFeedClient polls an external HTTP price feed.
type HTTPFeedClient struct {
	httpClient *http.Client
	endpoint   string
}

// NewHTTPFeedClient creates a feed client for the given endpoint.
func NewHTTPFeedClient(endpoint string) *HTTPFeedClient {
	return &HTTPFeedClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		endpoint:   endpoint,
	}
}

// feedResponse is the wire shape of the price feed.
type feedResponse struct {
	Prices map[string]float64 `json:"prices"`
}

// FetchPrices fetches prices for all given asset identifiers in one call.
func (fc *HTTPFeedClient) FetchPrices(ctx context.Context, assetIDs []string) (map[string]float64, error) {
	url := fmt.Sprintf("%s/prices?assets=%s", fc.endpoint, strings.Join(assetIDs, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build price feed request: %v", err)
	}

	resp, err := fc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read price feed response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	// Try the wrapper shape first, fall back to a bare map.
	var wrapped feedResponse
	if err := json.Unmarshal(bodyBytes, &wrapped); err == nil && wrapped.Prices != nil {
		return wrapped.Prices, nil
	}
	var bare map[string]float64
	if err := json.Unmarshal(bodyBytes, &bare); err != nil {
		return nil, fmt.Errorf("failed to decode price feed response: %v", err)
	}
	return bare, nil
}
