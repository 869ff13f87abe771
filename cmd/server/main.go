package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"yar/internal/api"
	"yar/internal/auth"
	"yar/internal/blockchain/evm"
	"yar/internal/config"
	"yar/internal/database"
	"yar/internal/devnet"
	"yar/internal/eventbus"
	"yar/internal/hub"
	"yar/internal/kvstore"
	"yar/internal/relayer"
	"yar/internal/service"
)

const assetCacheSize = 4096

func main() {
	// Initialize logger
	logger, err := initLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting Yar relay service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("nats", cfg.Bus.NATSURL != ""),
		zap.Int("num_chains", len(cfg.Chains)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relayerKey, err := loadRelayerKey(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to load relayer key", zap.Error(err))
	}
	relayerAddr := crypto.PubkeyToAddress(relayerKey.PublicKey)
	relayerKeyHex := common.Bytes2Hex(crypto.FromECDSA(relayerKey))
	logger.Info("Relayer account", zap.String("address", relayerAddr.Hex()))

	// Stores
	stores, err := openStores(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open stores", zap.Error(err))
	}
	defer stores.Close()

	// Event bus
	bus, err := openBus(cfg, logger.Named("bus"))
	if err != nil {
		logger.Fatal("Failed to open event bus", zap.Error(err))
	}
	defer bus.Close()

	// Services
	jobService := service.NewJobService(stores.jobs, logger.Named("jobs"))
	feeService := service.NewFeeService(cfg, logger.Named("fees"))
	assetService, err := service.NewAssetService(stores.assets, assetCacheSize, logger.Named("assets"))
	if err != nil {
		logger.Fatal("Failed to create asset service", zap.Error(err))
	}

	logger.Info("Services initialized")

	// Hub and destinations
	var (
		localHub *hub.Hub
		backend  relayer.HubBackend
		dests    []relayer.Destination
		closers  []func()
	)

	if hasDevnetChains(cfg) {
		network, err := devnet.FromConfig(cfg, stores.hub, relayerAddr, logger)
		if err != nil {
			logger.Fatal("Failed to build devnet", zap.Error(err))
		}
		network.Publish(ctx, bus)
		network.RegisterBridges(assetService)
		localHub = network.Hub
		dests = append(dests, network.Destinations()...)
	} else if cfg.Hub.RPCEndpoint == "" {
		relayers, err := relayerSet(cfg, relayerAddr)
		if err != nil {
			logger.Fatal("Invalid hub relayers", zap.Error(err))
		}
		localHub = hub.New(hub.Config{
			ChainID: cfg.Hub.ChainID,
			Address: common.HexToAddress(cfg.Hub.Address),
		}, stores.hub, relayers, logger)
		eventbus.NewPublisher(bus, logger.Named("publisher")).StartRecords(ctx, localHub)
	}
	if localHub != nil {
		backend = relayer.LocalHub{Hub: localHub, Relayer: relayerAddr}
	}

	if cfg.Hub.RPCEndpoint != "" && !hasDevnetChains(cfg) {
		client, err := evm.NewClient(ctx, config.ChainConfig{
			ChainID:     strconv.FormatUint(cfg.Hub.ChainID, 10),
			Name:        "hub",
			RPCEndpoint: cfg.Hub.RPCEndpoint,
		}, relayerKeyHex, logger.Named("evm"))
		if err != nil {
			logger.Fatal("Failed to connect to hub chain", zap.Error(err))
		}
		closers = append(closers, client.Close)
		backend = evm.NewHubContract(client, common.HexToAddress(cfg.Hub.Address), logger.Named("hub"))
		localHub = nil
		logger.Info("Relaying through hub contract",
			zap.Uint64("chain_id", cfg.Hub.ChainID),
			zap.String("address", cfg.Hub.Address))
	}

	for _, chainCfg := range cfg.Chains {
		if chainCfg.Type != config.ChainTypeEVM {
			continue
		}
		client, err := evm.NewClient(ctx, chainCfg, relayerKeyHex, logger.Named("evm"))
		if err != nil {
			logger.Fatal("Failed to connect to chain",
				zap.String("chain_id", chainCfg.ChainID),
				zap.Error(err))
		}
		closers = append(closers, client.Close)

		if chainCfg.ResponseAddress != "" {
			dests = append(dests, evm.NewResponseContract(client, common.HexToAddress(chainCfg.ResponseAddress), logger.Named("evm")))
		}

		var watched []common.Address
		for _, addr := range []string{chainCfg.RequestAddress, chainCfg.ConnectorAddress} {
			if addr != "" {
				watched = append(watched, common.HexToAddress(addr))
			}
		}
		if len(watched) > 0 {
			watcher := evm.NewLogWatcher(client, evm.WatcherConfig{
				Contracts:     watched,
				StartBlock:    chainCfg.StartBlock,
				Confirmations: chainCfg.Confirmations,
				PollInterval:  cfg.Relayer.PollInterval,
			}, bus, logger.Named("watcher"))
			go func(id string) {
				if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("Log watcher stopped", zap.String("chain_id", id), zap.Error(err))
				}
			}(chainCfg.ChainID)
		}
	}
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	// Relayer
	hubAddress := common.HexToAddress(cfg.Hub.Address)
	if localHub != nil {
		hubAddress = localHub.Address()
	}
	minFeeLock, err := cfg.Relayer.MinFeeLockInt()
	if err != nil {
		logger.Fatal("Invalid relayer fee floor", zap.Error(err))
	}
	relayerManager, err := relayer.NewManager(relayer.Config{
		PollInterval: cfg.Relayer.PollInterval,
		MaxRetries:   cfg.Relayer.MaxRetries,
		BusPrefix:    cfg.Bus.Prefix,
		HubChainID:   cfg.Hub.ChainID,
		HubAddress:   hubAddress,
		MinFeeLock:   minFeeLock,
	}, backend, dests, bus, jobService, feeService, assetService, logger)
	if err != nil {
		logger.Fatal("Failed to initialize relayer", zap.Error(err))
	}

	// Initialize API handlers
	var tokens *auth.TokenIssuer
	if cfg.Auth.JWTSecret != "" {
		tokens, err = auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret), "yar", cfg.Auth.TokenTTL)
		if err != nil {
			logger.Fatal("Failed to create token issuer", zap.Error(err))
		}
	} else {
		logger.Warn("JWT_SECRET not set, hub write routes disabled")
	}
	apiHandler := api.NewHandler(localHub, jobService, feeService, assetService, logger.Named("api"))
	router := api.SetupRouter(apiHandler, tokens, logger.Named("http"))

	// Create HTTP server
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start HTTP server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("addr", serverAddr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	if err := relayerManager.Start(); err != nil {
		logger.Fatal("Failed to start relayer", zap.Error(err))
	}

	logger.Info("Service initialized successfully",
		zap.String("status", "ready"),
		zap.Int("destinations", len(dests)),
		zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for interrupt signal or server error
	select {
	case err := <-serverErrors:
		logger.Error("HTTP server error", zap.Error(err))
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down service...")

	// Shutdown relayer first
	if err := relayerManager.Shutdown(10 * time.Second); err != nil {
		logger.Error("Relayer shutdown error", zap.Error(err))
	}
	cancel()

	// Shutdown HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		httpServer.Close()
	} else {
		logger.Info("HTTP server stopped gracefully")
	}

	logger.Info("Service stopped successfully")
}

func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENV")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// loadRelayerKey parses RELAYER_PRIVATE_KEY. Development setups without a
// key get a throwaway one.
func loadRelayerKey(cfg *config.Config, logger *zap.Logger) (*ecdsa.PrivateKey, error) {
	if cfg.Relayer.PrivateKey != "" {
		return crypto.HexToECDSA(strings.TrimPrefix(cfg.Relayer.PrivateKey, "0x"))
	}
	if !cfg.Development() {
		return nil, fmt.Errorf("RELAYER_PRIVATE_KEY is required")
	}
	logger.Warn("RELAYER_PRIVATE_KEY not set, generating an ephemeral key")
	return crypto.GenerateKey()
}

func relayerSet(cfg *config.Config, self common.Address) (*auth.RelayerSet, error) {
	set := auth.NewRelayerSet(self)
	for _, r := range cfg.Hub.Relayers {
		if !common.IsHexAddress(r) {
			return nil, fmt.Errorf("invalid relayer address %q", r)
		}
		set.Add(common.HexToAddress(r))
	}
	return set, nil
}

func hasDevnetChains(cfg *config.Config) bool {
	for _, c := range cfg.Chains {
		if c.Type == config.ChainTypeDevnet {
			return true
		}
	}
	return false
}

type storeSet struct {
	hub    hub.Store
	jobs   service.JobStore
	assets service.AssetStore
	close  []func() error
}

func (s *storeSet) Close() {
	for _, c := range s.close {
		c()
	}
}

// openStores selects the hub store by driver. Relay jobs and issued assets
// live in Postgres when it is the driver and in memory otherwise.
func openStores(cfg *config.Config, logger *zap.Logger) (*storeSet, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		db, err := database.Connect(database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,

			MaxOpenConns: cfg.Database.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("Database connected successfully")
		if err := db.Migrate(context.Background()); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
		jobs := database.NewJobStore(db)
		return &storeSet{
			hub:    database.NewHubStore(db),
			jobs:   jobs,
			assets: jobs,
			close:  []func() error{db.Close},
		}, nil

	case config.StorePebble:
		kv, err := kvstore.Open(cfg.Store.PebblePath, logger.Named("kvstore"))
		if err != nil {
			return nil, err
		}
		return &storeSet{
			hub:    kv,
			jobs:   service.NewMemoryJobStore(),
			assets: service.NewMemoryAssetStore(),
			close:  []func() error{kv.Close},
		}, nil

	default:
		return &storeSet{
			hub:    hub.NewMemoryStore(),
			jobs:   service.NewMemoryJobStore(),
			assets: service.NewMemoryAssetStore(),
		}, nil
	}
}

func openBus(cfg *config.Config, logger *zap.Logger) (eventbus.Bus, error) {
	if cfg.Bus.NATSURL == "" {
		logger.Info("Using in-memory event bus")
		return eventbus.NewMemoryBus(cfg.Bus.Prefix, logger), nil
	}
	bus, err := eventbus.NewNATSBus(eventbus.NATSConfig{
		URL:    cfg.Bus.NATSURL,
		Stream: cfg.Bus.Stream,
		Prefix: cfg.Bus.Prefix,
	}, logger)
	if err != nil {
		return nil, err
	}
	return bus, nil
}
