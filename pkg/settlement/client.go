package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
	"github.com/fluxfill-hq/fluxfiller/pkg/models"
)

// Variant selects one of the four settlement-call shapes, determined by
// the asset-class pairing of an intent.
type Variant string

const (
	VariantCoinCoin     Variant = "swap_coin_for_coin"
	VariantCoinObject   Variant = "swap_coin_for_object"
	VariantObjectCoin   Variant = "swap_object_for_coin"
	VariantObjectObject Variant = "swap_object_for_object"
)

// Call is a settlement request for the external settlement network.
// Every variant shares the same core argument set; SuffixArgs carries
// the asset-class-specific trailing arguments.
type Call struct {
	Variant      Variant            `json:"variant"`
	Registry     string             `json:"registry"`
	Maker        string             `json:"maker"`
	MakerNonce   uint64             `json:"maker_nonce"`
	SellAsset    []byte             `json:"sell_asset"`
	BuyAsset     []byte             `json:"buy_asset"`
	SellAmount   uint64             `json:"sell_amount"`
	Pricing      models.PricingMode `json:"pricing"`
	PricingArgs  []uint64           `json:"pricing_args"`
	FillAmount   uint64             `json:"fill_amount"`
	Signature    []byte             `json:"signature"`
	PublicKey    []byte             `json:"public_key"`
	SigningNonce uint64             `json:"signing_nonce"`
	SuffixArgs   []string           `json:"suffix_args,omitempty"`
}

// Result is the structured outcome of a settlement attempt.
type Result struct {
	Success        bool   `json:"success"`
	Reference      string `json:"reference"`
	ExecutionPrice uint64 `json:"execution_price"`
}

// Client is the boundary to the opaque settlement network: it accepts
// signed settlement requests and either commits or rejects them.
type Client interface {
	// CustodyBalance returns the available locked balance an account
	// holds for an asset.
	CustodyBalance(ctx context.Context, account, asset string) (uint64, error)
	// Submit sends a settlement call and awaits its outcome.
	Submit(ctx context.Context, call *Call) (*Result, error)
}

// HTTPClient talks to the settlement network over its HTTP JSON API.
type HTTPClient struct {
	httpClient     *http.Client
	endpoint       string
	confirmTimeout time.Duration
	logger         logger.Logger
}

// NewHTTPClient creates a settlement network client. confirmTimeout
// bounds the wait for ledger confirmation so a stuck submission cannot
// starve the matching loop.
func NewHTTPClient(endpoint string, confirmTimeout time.Duration, log logger.Logger) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		endpoint:       endpoint,
		confirmTimeout: confirmTimeout,
		logger:         log,
	}
}

var _ Client = (*HTTPClient)(nil)

// CustodyBalance queries the custody balance for an account and asset.
func (c *HTTPClient) CustodyBalance(ctx context.Context, account, asset string) (uint64, error) {
	u := fmt.Sprintf("%s/v1/custody/%s?asset=%s", c.endpoint, account, url.QueryEscape(asset))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build custody request: %v", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to query custody balance: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read custody response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var out struct {
		Balance uint64 `json:"balance"`
	}
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return 0, fmt.Errorf("failed to decode custody response: %v", err)
	}
	return out.Balance, nil
}

// submitResponse is the wire shape of a settlement submission reply.
type submitResponse struct {
	Status         string `json:"status"` // committed, rejected or pending
	Reference      string `json:"reference"`
	ExecutionPrice uint64 `json:"execution_price"`
	Error          string `json:"error,omitempty"`
}

// Submit sends the settlement call and awaits confirmation. Once
// submitted there is no cancellation: the call blocks until the ledger
// commits, rejects, or the confirmation timeout elapses.
func (c *HTTPClient) Submit(ctx context.Context, call *Call) (*Result, error) {
	payload, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settlement call: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/settlements", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build settlement request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to submit settlement: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read settlement response: %v", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var out submitResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, fmt.Errorf("failed to decode settlement response: %v", err)
	}

	switch out.Status {
	case "committed":
		return &Result{Success: true, Reference: out.Reference, ExecutionPrice: out.ExecutionPrice}, nil
	case "rejected":
		return nil, fmt.Errorf("settlement rejected: %s", out.Error)
	case "pending":
		return c.awaitConfirmation(ctx, out.Reference)
	default:
		return nil, fmt.Errorf("unknown settlement status: %s", out.Status)
	}
}

// awaitConfirmation polls the settlement reference until it resolves or
// the confirmation timeout elapses.
func (c *HTTPClient) awaitConfirmation(ctx context.Context, reference string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out awaiting confirmation for settlement %s", reference)
		case <-ticker.C:
			status, err := c.querySettlement(ctx, reference)
			if err != nil {
				c.logger.DebugWith(logger.Exec, "Confirmation poll for %s failed: %v", reference, err)
				continue
			}
			switch status.Status {
			case "committed":
				return &Result{Success: true, Reference: status.Reference, ExecutionPrice: status.ExecutionPrice}, nil
			case "rejected":
				return nil, fmt.Errorf("settlement %s rejected: %s", reference, status.Error)
			}
		}
	}
}

func (c *HTTPClient) querySettlement(ctx context.Context, reference string) (*submitResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/v1/settlements/"+reference, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var out submitResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
