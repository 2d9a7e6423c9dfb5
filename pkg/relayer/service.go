package relayer

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/fluxfill-hq/fluxfiller/pkg/bridge"
	"github.com/fluxfill-hq/fluxfiller/pkg/circuitbreaker"
	"github.com/fluxfill-hq/fluxfiller/pkg/config"
	"github.com/fluxfill-hq/fluxfiller/pkg/executor"
	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
	"github.com/fluxfill-hq/fluxfiller/pkg/matcher"
	"github.com/fluxfill-hq/fluxfiller/pkg/oracle"
	"github.com/fluxfill-hq/fluxfiller/pkg/orderbook"
	"github.com/fluxfill-hq/fluxfiller/pkg/server"
	"github.com/fluxfill-hq/fluxfiller/pkg/settlement"
	"github.com/fluxfill-hq/fluxfiller/pkg/store"
)

// Service assembles and runs the relayer: durable store, order book,
// price oracle, matcher loop, API server, and optionally the
// cross-chain bridge.
type Service struct {
	config *config.Config
	logger logger.Logger

	db     store.Database
	book   *orderbook.Book
	cache  *oracle.PriceCache
	loop   *matcher.Loop
	server *server.Server

	sourceWatcher *bridge.SourceWatcher
	destWatcher   *bridge.DestinationWatcher
	coordinator   *bridge.Coordinator

	wg sync.WaitGroup
}

// NewService wires the relayer from configuration. State is restored
// from the durable store before anything starts.
func NewService(cfg *config.Config) (*Service, error) {
	log := logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)

	db, err := store.NewLevelDB(filepath.Join(cfg.DataDir, "relayer"))
	if err != nil {
		return nil, fmt.Errorf("failed to open durable store: %v", err)
	}

	book := orderbook.NewBook(db, log)
	if err := book.Load(); err != nil {
		return nil, fmt.Errorf("failed to restore order book: %v", err)
	}

	cache := oracle.NewPriceCache(oracle.NewHTTPFeedClient(cfg.OracleEndpoint), cfg.OracleTTL, log)
	for _, asset := range cfg.TrackedAssets {
		cache.Track(asset)
	}

	custody := settlement.NewHTTPClient(cfg.SettlementEndpoint, cfg.ConfirmTimeout, log)
	breaker := circuitbreaker.NewCircuitBreaker(
		"settlement",
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.Threshold,
		cfg.CircuitBreaker.WindowDuration,
		cfg.CircuitBreaker.ResetTimeout,
	)

	history := executor.NewHistory(db, cfg.HistoryLimit, log)
	if err := history.Load(); err != nil {
		return nil, fmt.Errorf("failed to restore execution history: %v", err)
	}

	exec := executor.NewExecutor(custody, cfg.SettlementRegistry, breaker, history, log)

	policy := matcher.Policy{
		AuctionToleranceBps:   cfg.AuctionToleranceBps,
		LimitToleranceBps:     cfg.LimitToleranceBps,
		OptimisticAuctionFill: cfg.OptimisticAuctionFill,
	}
	pricer := matcher.NewPricer(cache, policy, log)
	loop := matcher.NewLoop(book, pricer, custody, exec, cfg.TickInterval, log)

	srv := server.NewServer(cfg.APIPort, book, pricer, exec, custody,
		cfg.RelayerAddress, cfg.TrackedAssets, cfg.MetricsAPIKey, log)

	svc := &Service{
		config: cfg,
		logger: log,
		db:     db,
		book:   book,
		cache:  cache,
		loop:   loop,
		server: srv,
	}

	if cfg.Bridge.Enabled {
		if err := svc.initBridge(db, log); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

func (s *Service) initBridge(db store.Database, log logger.Logger) error {
	cfg := s.config.Bridge

	key, err := crypto.HexToECDSA(cfg.ReleaseSignerKey)
	if err != nil {
		return fmt.Errorf("failed to parse bridge signing key: %v", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(int64(cfg.SourceChainID)))
	if err != nil {
		return fmt.Errorf("failed to create origin transactor: %v", err)
	}

	origin, err := bridge.NewEVMOriginChain(cfg.SourceRPCURL, cfg.SourceChainID, cfg.VaultFactoryAddress, auth)
	if err != nil {
		return err
	}
	dest, err := bridge.NewEVMDestinationChain(cfg.DestRPCURL, cfg.FulfillmentAddress)
	if err != nil {
		return err
	}

	signer, err := bridge.NewReleaseSigner(cfg.ReleaseSignerKey, cfg.ReleaseDomainName,
		cfg.ReleaseVersion, int64(cfg.SourceChainID), cfg.VaultFactoryAddress)
	if err != nil {
		return err
	}

	s.sourceWatcher = bridge.NewSourceWatcher(origin, db, cfg.PollInterval, 64, log)
	s.destWatcher = bridge.NewDestinationWatcher(dest, db, cfg.PollInterval, 64, log)
	s.coordinator = bridge.NewCoordinator(origin, signer, db, cfg.MaxRetries, log)

	return s.coordinator.Load()
}

// Start runs all components and blocks until the context is cancelled
// and everything has shut down.
func (s *Service) Start(ctx context.Context) {
	s.logger.Notice("relayer starting: tick %s, %d tracked assets, bridge enabled=%v",
		s.config.TickInterval, len(s.config.TrackedAssets), s.config.Bridge.Enabled)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.server.Start(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop.Start(ctx)
	}()

	if s.coordinator != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sourceWatcher.Run(ctx)
		}()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.destWatcher.Run(ctx)
		}()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.coordinator.Run(ctx, s.sourceWatcher.Deposits(), s.destWatcher.Fulfillments())
		}()
	}

	<-ctx.Done()
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close durable store: %v", err)
	}
	s.logger.Notice("relayer stopped")
}
