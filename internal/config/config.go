package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the service
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chain    ChainConfig
	Account  AccountConfig
	Bundler  BundlerConfig
	Operator OperatorConfig
	Risk     RiskConfig
	Deploy   DeployConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// ChainConfig holds configuration for the target EVM test network
type ChainConfig struct {
	ChainID     string
	Name        string
	RPCEndpoint string
}

// AccountConfig holds the fixed smart-account factory configuration.
// All three values are process-wide constants: address derivation depends
// on them never changing between calls or across restarts.
type AccountConfig struct {
	EntryPointAddress string // ERC-4337 entrypoint contract
	FactoryAddress    string // deterministic-deployment factory
	AccountBytecode   string // hex init code prefix, owner arg appended at derivation time
}

// BundlerConfig holds the bundler/paymaster gateway configuration
type BundlerConfig struct {
	RPCEndpoint      string
	PaymasterAddress string
	PaymasterContext string        // hex-encoded extra paymaster data, may be empty
	InclusionTimeout time.Duration // bounded wait for userop inclusion
}

// OperatorConfig holds backend-held signing keys.
// The deployer key pays for account deployment; the session key co-signs
// sponsored revoke operations and is scoped to approve-to-zero calls only.
type OperatorConfig struct {
	DeployerPrivateKey string
	SessionPrivateKey  string
}

// RiskConfig holds auto-revoke trigger configuration
type RiskConfig struct {
	AutoRevokeEnabled bool
	RiskThreshold     int // revoke when score is strictly above this
}

// DeployConfig holds deployment rate-limit configuration
type DeployConfig struct {
	MaxPerOwner int           // deployments allowed per owner per window
	Window      time.Duration // sliding window size
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "tokenguard"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Chain: ChainConfig{
			ChainID:     getEnv("CHAIN_ID", "11155111"),
			Name:        getEnv("CHAIN_NAME", "Sepolia"),
			RPCEndpoint: getEnv("CHAIN_RPC_ENDPOINT", ""),
		},
		Account: AccountConfig{
			EntryPointAddress: getEnv("ENTRYPOINT_ADDRESS", "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"),
			FactoryAddress:    getEnv("ACCOUNT_FACTORY_ADDRESS", ""),
			AccountBytecode:   getEnv("ACCOUNT_BYTECODE", ""),
		},
		Bundler: BundlerConfig{
			RPCEndpoint:      getEnv("BUNDLER_RPC_ENDPOINT", ""),
			PaymasterAddress: getEnv("PAYMASTER_ADDRESS", ""),
			PaymasterContext: getEnv("PAYMASTER_CONTEXT", ""),
			InclusionTimeout: time.Duration(getEnvInt("INCLUSION_TIMEOUT_SECONDS", 60)) * time.Second,
		},
		Operator: OperatorConfig{
			DeployerPrivateKey: getEnv("DEPLOYER_PRIVATE_KEY", ""),
			SessionPrivateKey:  getEnv("SESSION_PRIVATE_KEY", ""),
		},
		Risk: RiskConfig{
			AutoRevokeEnabled: getEnvBool("AUTO_REVOKE_ENABLED", true),
			RiskThreshold:     getEnvInt("RISK_THRESHOLD", 70),
		},
		Deploy: DeployConfig{
			MaxPerOwner: getEnvInt("DEPLOY_MAX_PER_OWNER", 3),
			Window:      time.Duration(getEnvInt("DEPLOY_WINDOW_SECONDS", 60)) * time.Second,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Chain.RPCEndpoint == "" {
		return fmt.Errorf("chain RPC endpoint is required")
	}

	if c.Account.FactoryAddress == "" {
		return fmt.Errorf("account factory address is required")
	}

	if c.Account.AccountBytecode == "" {
		return fmt.Errorf("account bytecode is required")
	}

	if c.Risk.RiskThreshold < 0 || c.Risk.RiskThreshold > 100 {
		return fmt.Errorf("risk threshold must be within [0,100], got %d", c.Risk.RiskThreshold)
	}

	if c.Deploy.MaxPerOwner <= 0 {
		return fmt.Errorf("deploy rate limit must be positive, got %d", c.Deploy.MaxPerOwner)
	}

	return nil
}

// RevokeConfigured reports whether the sponsored-revoke pipeline has the
// credentials it needs. Missing pieces disable the feature up front instead
// of failing mid-flight.
func (c *Config) RevokeConfigured() bool {
	return c.Bundler.RPCEndpoint != "" &&
		c.Bundler.PaymasterAddress != "" &&
		c.Operator.SessionPrivateKey != ""
}

// DeployConfigured reports whether the funded deployment flow is available.
func (c *Config) DeployConfigured() bool {
	return c.Operator.DeployerPrivateKey != ""
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
