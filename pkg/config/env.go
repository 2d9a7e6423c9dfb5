package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
)

const (
	// DefaultTickInterval defines the default matching loop tick in seconds
	DefaultTickInterval = 5

	// DefaultOracleTTL defines the default price cache TTL in seconds
	DefaultOracleTTL = 5

	// DefaultConfirmTimeout defines the default settlement confirmation wait in seconds
	DefaultConfirmTimeout = 60

	// DefaultAPIPort defines the default port for the intake/metrics server
	DefaultAPIPort = "8080"

	// DefaultAuctionToleranceBps defines the maximum notional loss accepted on auction fills
	DefaultAuctionToleranceBps = 300

	// DefaultLimitToleranceBps defines how far below a limit rate the market may sit
	DefaultLimitToleranceBps = 50

	// DefaultOptimisticAuctionFill keeps the immediate-fill intake path for auction intents
	DefaultOptimisticAuctionFill = true

	// DefaultHistoryLimit defines how many execution records are retained
	DefaultHistoryLimit = 100

	// DefaultDataDir defines where the durable store lives
	DefaultDataDir = "data"

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker in minutes
	DefaultCircuitBreakerWindow = 5

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker in minutes
	DefaultCircuitBreakerReset = 15

	// DefaultSettlementEndpoint defines the default settlement network API endpoint
	DefaultSettlementEndpoint = "http://localhost:9000"

	// DefaultOracleEndpoint defines the default price feed endpoint
	DefaultOracleEndpoint = "http://localhost:9100"

	// DefaultBridgePollInterval defines the destination watcher poll interval in seconds
	DefaultBridgePollInterval = 10

	// DefaultBridgeMaxRetries defines the maximum retries for relay steps
	DefaultBridgeMaxRetries = 3

	// DefaultReleaseDomainName is the EIP-712 domain name of the custody contract
	DefaultReleaseDomainName = "IntentVault"

	// DefaultReleaseVersion is the EIP-712 domain version of the custody contract
	DefaultReleaseVersion = "1"
)

// GetEnvOrDefault returns the environment variable value or a default
func GetEnvOrDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvSeconds(key string, def int) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return time.Duration(def) * time.Second, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", key, raw)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return time.Duration(v) * time.Second, nil
}

func getEnvInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", key, raw)
	}
	return v, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value: %s, must be a boolean", key, raw)
	}
	return v, nil
}

// GetEnvTickInterval returns the matching loop tick interval
func GetEnvTickInterval() (time.Duration, error) {
	return getEnvSeconds("TICK_INTERVAL", DefaultTickInterval)
}

// GetEnvOracleTTL returns the oracle cache TTL
func GetEnvOracleTTL() (time.Duration, error) {
	return getEnvSeconds("ORACLE_TTL", DefaultOracleTTL)
}

// GetEnvConfirmTimeout returns the settlement confirmation timeout
func GetEnvConfirmTimeout() (time.Duration, error) {
	return getEnvSeconds("CONFIRM_TIMEOUT", DefaultConfirmTimeout)
}

// GetEnvAPIPort returns the API server port
func GetEnvAPIPort() (string, error) {
	port := GetEnvOrDefault("API_PORT", DefaultAPIPort)
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid API_PORT value: %s, must be an integer", port)
	}
	return port, nil
}

// GetEnvAuctionToleranceBps returns the auction loss tolerance in basis points
func GetEnvAuctionToleranceBps() (int, error) {
	v, err := getEnvInt("AUCTION_TOLERANCE_BPS", DefaultAuctionToleranceBps)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("AUCTION_TOLERANCE_BPS must not be negative")
	}
	return v, nil
}

// GetEnvLimitToleranceBps returns the limit rate tolerance in basis points
func GetEnvLimitToleranceBps() (int, error) {
	v, err := getEnvInt("LIMIT_TOLERANCE_BPS", DefaultLimitToleranceBps)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("LIMIT_TOLERANCE_BPS must not be negative")
	}
	return v, nil
}

// GetEnvOptimisticAuctionFill returns whether auction intents attempt immediate settlement on intake
func GetEnvOptimisticAuctionFill() (bool, error) {
	return getEnvBool("AUCTION_OPTIMISTIC_FILL", DefaultOptimisticAuctionFill)
}

// GetEnvHistoryLimit returns the execution history retention count
func GetEnvHistoryLimit() (int, error) {
	v, err := getEnvInt("HISTORY_LIMIT", DefaultHistoryLimit)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("HISTORY_LIMIT must be greater than 0")
	}
	return v, nil
}

// GetEnvTrackedAssets returns the comma-separated asset identifiers the
// relayer reports custody balances for
func GetEnvTrackedAssets() []string {
	raw := os.Getenv("TRACKED_ASSETS")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	assets := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			assets = append(assets, trimmed)
		}
	}
	return assets
}

// GetEnvCircuitBreakerEnabled returns whether the circuit breaker is enabled
func GetEnvCircuitBreakerEnabled() (bool, error) {
	return getEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled)
}

// GetEnvCircuitBreakerThreshold returns the circuit breaker failure threshold
func GetEnvCircuitBreakerThreshold() (int, error) {
	return getEnvInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold)
}

// GetEnvCircuitBreakerWindow returns the circuit breaker failure window
func GetEnvCircuitBreakerWindow() (time.Duration, error) {
	v, err := getEnvInt("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Minute, nil
}

// GetEnvCircuitBreakerReset returns the circuit breaker reset timeout
func GetEnvCircuitBreakerReset() (time.Duration, error) {
	v, err := getEnvInt("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Minute, nil
}

// GetEnvLogLevel returns the configured log level
func GetEnvLogLevel() (logger.Level, error) {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "", "info":
		return logger.InfoLevel, nil
	case "debug":
		return logger.DebugLevel, nil
	case "notice":
		return logger.NoticeLevel, nil
	case "error":
		return logger.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("invalid LOG_LEVEL value: %s", os.Getenv("LOG_LEVEL"))
	}
}

// GetEnvLogColoring returns whether log coloring is enabled
func GetEnvLogColoring() (bool, error) {
	return getEnvBool("LOG_COLORING", true)
}

// GetEnvBridgeConfig returns the cross-chain relay configuration
func GetEnvBridgeConfig() (BridgeConfig, error) {
	enabled, err := getEnvBool("BRIDGE_ENABLED", false)
	if err != nil {
		return BridgeConfig{}, err
	}

	pollInterval, err := getEnvSeconds("BRIDGE_POLL_INTERVAL", DefaultBridgePollInterval)
	if err != nil {
		return BridgeConfig{}, err
	}

	maxRetries, err := getEnvInt("BRIDGE_MAX_RETRIES", DefaultBridgeMaxRetries)
	if err != nil {
		return BridgeConfig{}, err
	}

	sourceChainID, err := getEnvInt("BRIDGE_SOURCE_CHAIN_ID", 0)
	if err != nil {
		return BridgeConfig{}, err
	}

	destChainID, err := getEnvInt("BRIDGE_DEST_CHAIN_ID", 0)
	if err != nil {
		return BridgeConfig{}, err
	}

	return BridgeConfig{
		Enabled:             enabled,
		SourceRPCURL:        os.Getenv("BRIDGE_SOURCE_RPC_URL"),
		DestRPCURL:          os.Getenv("BRIDGE_DEST_RPC_URL"),
		SourceChainID:       sourceChainID,
		DestChainID:         destChainID,
		VaultFactoryAddress: os.Getenv("BRIDGE_VAULT_FACTORY_ADDRESS"),
		FulfillmentAddress:  os.Getenv("BRIDGE_FULFILLMENT_ADDRESS"),
		ReleaseSignerKey:    os.Getenv("BRIDGE_RELEASE_SIGNER_KEY"),
		ReleaseDomainName:   GetEnvOrDefault("BRIDGE_RELEASE_DOMAIN_NAME", DefaultReleaseDomainName),
		ReleaseVersion:      GetEnvOrDefault("BRIDGE_RELEASE_VERSION", DefaultReleaseVersion),
		PollInterval:        pollInterval,
		MaxRetries:          maxRetries,
	}, nil
}
