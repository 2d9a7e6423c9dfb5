package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
)

// Config holds the configuration for the relayer service
type Config struct {
	// Settlement network
	SettlementEndpoint string
	SettlementRegistry string
	ConfirmTimeout     time.Duration

	// Relayer identity
	RelayerAddress string

	// Matching
	TickInterval          time.Duration
	AuctionToleranceBps   int
	LimitToleranceBps     int
	OptimisticAuctionFill bool
	TrackedAssets         []string

	// Oracle
	OracleEndpoint string
	OracleTTL      time.Duration

	// API server
	APIPort       string
	MetricsAPIKey string

	// Persistence
	DataDir      string
	HistoryLimit int

	CircuitBreaker CircuitBreakerConfig
	LoggerConfig   LoggerConfig
	Bridge         BridgeConfig
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// BridgeConfig holds the cross-chain relay configuration. The bridge is
// started only when Enabled is true.
type BridgeConfig struct {
	Enabled             bool
	SourceRPCURL        string
	DestRPCURL          string
	SourceChainID       int
	DestChainID         int
	VaultFactoryAddress string
	FulfillmentAddress  string
	ReleaseSignerKey    string
	ReleaseDomainName   string
	ReleaseVersion      string
	PollInterval        time.Duration
	MaxRetries          int
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	tickInterval, err := GetEnvTickInterval()
	if err != nil {
		return nil, err
	}

	oracleTTL, err := GetEnvOracleTTL()
	if err != nil {
		return nil, err
	}

	confirmTimeout, err := GetEnvConfirmTimeout()
	if err != nil {
		return nil, err
	}

	apiPort, err := GetEnvAPIPort()
	if err != nil {
		return nil, err
	}

	auctionTolerance, err := GetEnvAuctionToleranceBps()
	if err != nil {
		return nil, err
	}

	limitTolerance, err := GetEnvLimitToleranceBps()
	if err != nil {
		return nil, err
	}

	optimisticFill, err := GetEnvOptimisticAuctionFill()
	if err != nil {
		return nil, err
	}

	historyLimit, err := GetEnvHistoryLimit()
	if err != nil {
		return nil, err
	}

	cbEnabled, err := GetEnvCircuitBreakerEnabled()
	if err != nil {
		return nil, err
	}

	cbThreshold, err := GetEnvCircuitBreakerThreshold()
	if err != nil {
		return nil, err
	}

	cbWindow, err := GetEnvCircuitBreakerWindow()
	if err != nil {
		return nil, err
	}

	cbReset, err := GetEnvCircuitBreakerReset()
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := GetEnvLogColoring()
	if err != nil {
		return nil, err
	}

	bridge, err := GetEnvBridgeConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		SettlementEndpoint: GetEnvOrDefault("SETTLEMENT_ENDPOINT", DefaultSettlementEndpoint),
		SettlementRegistry: os.Getenv("SETTLEMENT_REGISTRY"),
		ConfirmTimeout:     confirmTimeout,
		RelayerAddress:     os.Getenv("RELAYER_ADDRESS"),

		TickInterval:          tickInterval,
		AuctionToleranceBps:   auctionTolerance,
		LimitToleranceBps:     limitTolerance,
		OptimisticAuctionFill: optimisticFill,
		TrackedAssets:         GetEnvTrackedAssets(),

		OracleEndpoint: GetEnvOrDefault("ORACLE_ENDPOINT", DefaultOracleEndpoint),
		OracleTTL:      oracleTTL,

		APIPort:       apiPort,
		MetricsAPIKey: os.Getenv("METRICS_API_KEY"),

		DataDir:      GetEnvOrDefault("DATA_DIR", DefaultDataDir),
		HistoryLimit: historyLimit,

		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        cbEnabled,
			Threshold:      cbThreshold,
			WindowDuration: cbWindow,
			ResetTimeout:   cbReset,
		},
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
		},
		Bridge: bridge,
	}

	// Validate required environment variables
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.RelayerAddress == "" {
		return fmt.Errorf("RELAYER_ADDRESS environment variable is required")
	}
	if cfg.SettlementRegistry == "" {
		return fmt.Errorf("SETTLEMENT_REGISTRY environment variable is required")
	}
	if cfg.Bridge.Enabled {
		if cfg.Bridge.SourceRPCURL == "" {
			return fmt.Errorf("BRIDGE_SOURCE_RPC_URL is required when the bridge is enabled")
		}
		if cfg.Bridge.DestRPCURL == "" {
			return fmt.Errorf("BRIDGE_DEST_RPC_URL is required when the bridge is enabled")
		}
		if cfg.Bridge.VaultFactoryAddress == "" {
			return fmt.Errorf("BRIDGE_VAULT_FACTORY_ADDRESS is required when the bridge is enabled")
		}
		if cfg.Bridge.ReleaseSignerKey == "" {
			return fmt.Errorf("BRIDGE_RELEASE_SIGNER_KEY is required when the bridge is enabled")
		}
	}
	return nil
}
