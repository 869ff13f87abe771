package config

import (
	"fmt"
	"math"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers
const (
	StoreMemory   = "memory"
	StorePebble   = "pebble"
	StorePostgres = "postgres"
)

// Chain types
const (
	ChainTypeEVM    = "evm"
	ChainTypeDevnet = "devnet"
)

// Config holds all configuration for the service
type Config struct {
	Env      string
	Server   ServerConfig
	Store    StoreConfig
	Database DatabaseConfig
	Bus      BusConfig
	Auth     AuthConfig
	Relayer  RelayerConfig
	Hub      HubConfig
	Chains   map[string]ChainConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// StoreConfig selects the hub store
type StoreConfig struct {
	Driver     string
	PebblePath string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// BusConfig holds event bus configuration. An empty NATSURL selects the
// in-memory bus.
type BusConfig struct {
	NATSURL string
	Stream  string
	Prefix  string
}

// AuthConfig holds relayer token configuration
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// RelayerConfig holds relayer wallet and loop configuration
type RelayerConfig struct {
	PrivateKey   string // hex, for signing EVM transactions and hub calls
	PollInterval time.Duration
	MaxRetries   int
	// MinFeeLock is the smallest fee, in hub units, the relayer locks for a
	// payer short of the full quote. Empty requires the full quote.
	MinFeeLock string
}

// HubConfig identifies the fee hub
type HubConfig struct {
	ChainID     uint64 `yaml:"chainId"`
	Address     string `yaml:"address"`
	RPCEndpoint string `yaml:"rpcEndpoint"`
	// ProxyChainID is the routing chain of the devnet asset bridges.
	ProxyChainID uint64 `yaml:"proxyChainId"`
	// Relayers are the addresses allowed to drive hub transitions.
	Relayers []string `yaml:"relayers"`
}

// ChainConfig holds configuration for one connected chain
type ChainConfig struct {
	ChainID     string `yaml:"chainId"`
	Name        string `yaml:"name"`
	Type        string `yaml:"type"` // "evm" or "devnet"
	RPCEndpoint string `yaml:"rpcEndpoint"`

	RequestAddress   string `yaml:"requestAddress"`
	ConnectorAddress string `yaml:"connectorAddress"`
	ResponseAddress  string `yaml:"responseAddress"`
	BridgeAddress    string `yaml:"bridgeAddress"`
	StartBlock       uint64 `yaml:"startBlock"`
	Confirmations    uint64 `yaml:"confirmations"`

	// Deposits on this chain credit amount * DepositRateNum / DepositRateDen
	// hub fee units.
	DepositRateNum int64 `yaml:"depositRateNum"`
	DepositRateDen int64 `yaml:"depositRateDen"`
	// Delivery to this chain is charged GasPrice hub fee units per gas,
	// and DeliveryGasLimit bounds the fee locked up front.
	GasPrice         string `yaml:"gasPrice"` // decimal, may exceed int64
	DeliveryGasLimit uint64 `yaml:"deliveryGasLimit"`
}

// GasPriceInt parses GasPrice. Empty means zero.
func (c ChainConfig) GasPriceInt() (*big.Int, error) {
	if c.GasPrice == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(c.GasPrice, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("chain %s: invalid gas price %q", c.ChainID, c.GasPrice)
	}
	return v, nil
}

// MinFeeLockInt parses MinFeeLock; nil when unset
func (r RelayerConfig) MinFeeLockInt() (*big.Int, error) {
	if r.MinFeeLock == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(r.MinFeeLock, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("invalid relayer min fee lock %q", r.MinFeeLock)
	}
	return v, nil
}

type topologyFile struct {
	Hub    HubConfig     `yaml:"hub"`
	Chains []ChainConfig `yaml:"chains"`
}

// LoadConfig loads configuration from environment variables, plus the chain
// topology file named by CHAINS_FILE
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Env: getEnv("ENV", "production"),
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Store: StoreConfig{
			Driver:     getEnv("STORE_DRIVER", StoreMemory),
			PebblePath: getEnv("PEBBLE_PATH", "data/hub"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "yar"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 25),
		},
		Bus: BusConfig{
			NATSURL: getEnv("NATS_URL", ""),
			Stream:  getEnv("NATS_STREAM", "YAR"),
			Prefix:  getEnv("NATS_SUBJECT_PREFIX", "yar"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			TokenTTL:  getEnvDuration("JWT_TTL", 24*time.Hour),
		},
		Relayer: RelayerConfig{
			PrivateKey:   getEnv("RELAYER_PRIVATE_KEY", ""),
			PollInterval: getEnvDuration("RELAYER_POLL_INTERVAL", 5*time.Second),
			MaxRetries:   getEnvInt("RELAYER_MAX_RETRIES", 3),
			MinFeeLock:   getEnv("RELAYER_MIN_FEE_LOCK", ""),
		},
		Chains: make(map[string]ChainConfig),
	}

	if path := getEnv("CHAINS_FILE", ""); path != "" {
		if err := cfg.LoadChainsFile(path); err != nil {
			return nil, err
		}
	}
	if relayers := SplitAndTrim(getEnv("HUB_RELAYERS", ""), ","); len(relayers) > 0 {
		cfg.Hub.Relayers = relayers
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadChainsFile reads the hub and chain topology from a YAML file
func (c *Config) LoadChainsFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read chains file: %w", err)
	}
	return c.ParseChains(content)
}

// ParseChains decodes a YAML topology document
func (c *Config) ParseChains(content []byte) error {
	var topo topologyFile
	if err := yaml.Unmarshal(content, &topo); err != nil {
		return fmt.Errorf("failed to parse chains file: %w", err)
	}
	c.Hub = topo.Hub
	if c.Chains == nil {
		c.Chains = make(map[string]ChainConfig)
	}
	for _, chain := range topo.Chains {
		if chain.Type == "" {
			chain.Type = ChainTypeEVM
		}
		if chain.DepositRateNum == 0 {
			chain.DepositRateNum = 1
		}
		if chain.DepositRateDen == 0 {
			chain.DepositRateDen = 1
		}
		if _, dup := c.Chains[chain.ChainID]; dup {
			return fmt.Errorf("chain %s listed twice", chain.ChainID)
		}
		c.Chains[chain.ChainID] = chain
	}
	return nil
}

// Chain returns the configuration of a chain by numeric id
func (c *Config) Chain(id uint64) (ChainConfig, bool) {
	chain, ok := c.Chains[strconv.FormatUint(id, 10)]
	return chain, ok
}

// Development reports whether ENV=development
func (c *Config) Development() bool {
	return c.Env == "development"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePebble:
		if c.Store.PebblePath == "" {
			return fmt.Errorf("pebble path is required")
		}
	case StorePostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Auth.JWTSecret == "" && !c.Development() {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.Relayer.MaxRetries < 0 {
		return fmt.Errorf("invalid relayer max retries: %d", c.Relayer.MaxRetries)
	}
	if _, err := c.Relayer.MinFeeLockInt(); err != nil {
		return err
	}

	if c.Hub.ChainID > math.MaxInt64 {
		return fmt.Errorf("hub chain id %d out of range", c.Hub.ChainID)
	}
	for id, chain := range c.Chains {
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chain id %q", id)
		}
		if n > math.MaxInt64 {
			return fmt.Errorf("chain id %s out of range", id)
		}
		if chain.DepositRateNum <= 0 || chain.DepositRateDen <= 0 {
			return fmt.Errorf("chain %s: deposit rate must be positive", id)
		}
		if _, err := chain.GasPriceInt(); err != nil {
			return err
		}
		switch chain.Type {
		case ChainTypeDevnet:
		case ChainTypeEVM:
			if chain.RPCEndpoint == "" {
				return fmt.Errorf("chain %s: rpc endpoint is required", id)
			}
			if c.Relayer.PrivateKey == "" {
				return fmt.Errorf("relayer private key is required for evm chains")
			}
		default:
			return fmt.Errorf("chain %s: unknown type %q", id, chain.Type)
		}
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// SplitAndTrim splits a separated list and drops empty items
func SplitAndTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
