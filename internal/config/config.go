package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
)

const (
	StoreMemory   = "memory"
	StoreBadger   = "badger"
	StorePostgres = "postgres"

	LedgerMemory = "memory"
	LedgerNode   = "node"
	LedgerEVM    = "evm"

	LockLocal    = "local"
	LockRedis    = "redis"
	LockPostgres = "postgres"
)

// Config holds the provenance API service settings.
type Config struct {
	Server struct {
		Listen                 string `yaml:"listen"`
		ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
		MaxBodyBytes           int64  `yaml:"max_body_bytes"`
	} `yaml:"server"`

	Storage struct {
		Driver      string `yaml:"driver"`
		PostgresDSN string `yaml:"postgres_dsn"`
		MaxConns    int32  `yaml:"max_conns"`
		MinConns    int32  `yaml:"min_conns"`
		BadgerDir   string `yaml:"badger_dir"`
	} `yaml:"storage"`

	Ledger struct {
		Driver string `yaml:"driver"`
		Node   struct {
			URL              string `yaml:"url"`
			WriteToken       string `yaml:"write_token"`
			AckPublicKeyPath string `yaml:"ack_public_key_path"`
			AckKeyID         string `yaml:"ack_key_id"`
			TimeoutSeconds   int    `yaml:"timeout_seconds"`
		} `yaml:"node"`
		EVM struct {
			RPCURL                string `yaml:"rpc_url"`
			ContractAddress       string `yaml:"contract_address"`
			ChainID               int64  `yaml:"chain_id"`
			FromBlock             uint64 `yaml:"from_block"`
			ReceiptTimeoutSeconds int    `yaml:"receipt_timeout_seconds"`
			GasLimit              uint64 `yaml:"gas_limit"`
		} `yaml:"evm"`
	} `yaml:"ledger"`

	Keys struct {
		KeyringPath string `yaml:"keyring_path"`
	} `yaml:"keys"`

	Transfer struct {
		OTPTTLSeconds        int     `yaml:"otp_ttl_seconds"`
		MaxOTPAttempts       int     `yaml:"max_otp_attempts"`
		SubmitTimeoutSeconds int     `yaml:"submit_timeout_seconds"`
		MatchWindowSeconds   int     `yaml:"match_window_seconds"`
		ConfirmPerSecond     float64 `yaml:"confirm_per_second"`
		ConfirmBurst         int     `yaml:"confirm_burst"`
		BatchIDPrefix        string  `yaml:"batch_id_prefix"`
	} `yaml:"transfer"`

	Lock struct {
		Driver        string `yaml:"driver"`
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
		KeyPrefix     string `yaml:"key_prefix"`
	} `yaml:"lock"`

	Resync struct {
		Enabled           *bool `yaml:"enabled"`
		IntervalSeconds   int   `yaml:"interval_seconds"`
		BatchSize         int   `yaml:"batch_size"`
		MaxBackoffSeconds int   `yaml:"max_backoff_seconds"`
	} `yaml:"resync"`

	Security struct {
		BearerToken      string   `yaml:"bearer_token"`
		EnableBearerAuth *bool    `yaml:"enable_bearer_auth"`
		TrustedCIDRs     []string `yaml:"trusted_cidrs"`
		EnableIPAllow    *bool    `yaml:"enable_ip_allow_list"`
		RatePerSecond    float64  `yaml:"rate_limit_per_second"`
		RateBurst        int      `yaml:"rate_limit_burst"`
		EnforceSecureTLS *bool    `yaml:"enforce_secure_transport"`
	} `yaml:"security"`

	Telemetry struct {
		Enabled               bool   `yaml:"enabled"`
		OTLPEndpoint          string `yaml:"otlp_endpoint"`
		Insecure              bool   `yaml:"insecure"`
		ExportIntervalSeconds int    `yaml:"export_interval_seconds"`
	} `yaml:"telemetry"`

	Logging struct {
		Service string `yaml:"service"`
		Version string `yaml:"version"`
		Commit  string `yaml:"commit"`
		Region  string `yaml:"region"`
		Format  string `yaml:"format"`
		Level   string `yaml:"level"`
	} `yaml:"logging"`
}

// Load reads and validates config from disk.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		// Confirmations may wait on the ledger for the full submit timeout.
		c.Server.WriteTimeoutSeconds = 150
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 2 << 20
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorePostgres
	}
	if c.Storage.MaxConns <= 0 {
		c.Storage.MaxConns = 12
	}
	if c.Storage.MinConns < 0 {
		c.Storage.MinConns = 0
	}
	c.Ledger.Driver = strings.ToLower(c.Ledger.Driver)
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = LedgerNode
	}
	if c.Ledger.Node.TimeoutSeconds <= 0 {
		c.Ledger.Node.TimeoutSeconds = 10
	}
	if c.Ledger.EVM.ReceiptTimeoutSeconds <= 0 {
		c.Ledger.EVM.ReceiptTimeoutSeconds = 120
	}
	if c.Transfer.OTPTTLSeconds <= 0 {
		c.Transfer.OTPTTLSeconds = 300
	}
	if c.Transfer.MaxOTPAttempts <= 0 {
		c.Transfer.MaxOTPAttempts = 5
	}
	if c.Transfer.SubmitTimeoutSeconds <= 0 {
		c.Transfer.SubmitTimeoutSeconds = 120
	}
	if c.Transfer.MatchWindowSeconds <= 0 {
		c.Transfer.MatchWindowSeconds = 300
	}
	c.Transfer.BatchIDPrefix = strings.ToUpper(strings.TrimSpace(c.Transfer.BatchIDPrefix))
	if c.Transfer.BatchIDPrefix == "" {
		c.Transfer.BatchIDPrefix = protocol.DefaultBatchIDPrefix
	}
	c.Lock.Driver = strings.ToLower(c.Lock.Driver)
	if c.Lock.Driver == "" {
		c.Lock.Driver = LockLocal
	}
	if c.Lock.KeyPrefix == "" {
		c.Lock.KeyPrefix = "provenance:"
	}
	if c.Resync.Enabled == nil {
		c.Resync.Enabled = boolPtr(true)
	}
	if c.Resync.IntervalSeconds <= 0 {
		c.Resync.IntervalSeconds = 30
	}
	if c.Resync.BatchSize <= 0 {
		c.Resync.BatchSize = 50
	}
	if c.Resync.MaxBackoffSeconds <= 0 {
		c.Resync.MaxBackoffSeconds = 600
	}
	if c.Security.EnableBearerAuth == nil {
		c.Security.EnableBearerAuth = boolPtr(true)
	}
	if c.Security.EnableIPAllow == nil {
		c.Security.EnableIPAllow = boolPtr(false)
	}
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(true)
	}
	if c.Security.RateBurst <= 0 {
		c.Security.RateBurst = 20
	}
	if c.Telemetry.ExportIntervalSeconds <= 0 {
		c.Telemetry.ExportIntervalSeconds = 30
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "provenance-api"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "dev"
	}
	if c.Logging.Commit == "" {
		c.Logging.Commit = "unknown"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case StorePostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres driver")
		}
		if *c.Security.EnforceSecureTLS && dsnUsesInsecureSSL(c.Storage.PostgresDSN) && !isLoopbackHost(urlHost(c.Storage.PostgresDSN)) {
			return errors.New("storage.postgres_dsn must use sslmode=require|verify-ca|verify-full when enforce_secure_transport is enabled")
		}
	case StoreBadger:
		if c.Storage.BadgerDir == "" {
			return errors.New("storage.badger_dir is required for the badger driver")
		}
	case StoreMemory:
	default:
		return errors.New("storage.driver must be one of postgres|badger|memory")
	}

	switch c.Ledger.Driver {
	case LedgerNode:
		if c.Ledger.Node.URL == "" {
			return errors.New("ledger.node.url is required for the node driver")
		}
		if c.Ledger.Node.WriteToken == "" {
			return errors.New("ledger.node.write_token is required for the node driver")
		}
		if c.Ledger.Node.AckPublicKeyPath == "" {
			return errors.New("ledger.node.ack_public_key_path is required for the node driver")
		}
		if *c.Security.EnforceSecureTLS && !isHTTPSURL(c.Ledger.Node.URL) && !isLoopbackHost(urlHost(c.Ledger.Node.URL)) {
			return errors.New("ledger.node.url must use https when enforce_secure_transport is enabled")
		}
	case LedgerEVM:
		if c.Ledger.EVM.RPCURL == "" {
			return errors.New("ledger.evm.rpc_url is required for the evm driver")
		}
		if c.Ledger.EVM.ContractAddress == "" {
			return errors.New("ledger.evm.contract_address is required for the evm driver")
		}
	case LedgerMemory:
	default:
		return errors.New("ledger.driver must be one of node|evm|memory")
	}

	if c.Keys.KeyringPath == "" {
		return errors.New("keys.keyring_path is required")
	}
	if !protocol.ValidBatchIDPrefix(c.Transfer.BatchIDPrefix) {
		return fmt.Errorf("transfer.batch_id_prefix %q must be 2-4 uppercase letters", c.Transfer.BatchIDPrefix)
	}
	if c.Transfer.ConfirmPerSecond < 0 {
		return errors.New("transfer.confirm_per_second must not be negative")
	}

	switch c.Lock.Driver {
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			return errors.New("lock.redis_addr is required for the redis driver")
		}
	case LockPostgres:
		if c.Storage.Driver != StorePostgres {
			return errors.New("lock.driver postgres requires storage.driver postgres")
		}
	case LockLocal:
	default:
		return errors.New("lock.driver must be one of local|redis|postgres")
	}

	if *c.Security.EnableBearerAuth && strings.TrimSpace(c.Security.BearerToken) == "" {
		return errors.New("security.bearer_token is required when bearer auth is enabled")
	}
	if *c.Security.EnableIPAllow && len(c.Security.TrustedCIDRs) == 0 {
		return errors.New("security.trusted_cidrs is required when ip allow list is enabled")
	}
	for i, cidr := range c.Security.TrustedCIDRs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("security.trusted_cidrs[%d] is invalid: %w", i, err)
		}
	}
	if c.Security.RatePerSecond < 0 {
		return errors.New("security.rate_limit_per_second must not be negative")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Storage.PostgresDSN = os.ExpandEnv(strings.TrimSpace(c.Storage.PostgresDSN))
	c.Storage.BadgerDir = os.ExpandEnv(strings.TrimSpace(c.Storage.BadgerDir))
	c.Ledger.Node.URL = os.ExpandEnv(strings.TrimSpace(c.Ledger.Node.URL))
	c.Ledger.Node.WriteToken = os.ExpandEnv(strings.TrimSpace(c.Ledger.Node.WriteToken))
	c.Ledger.Node.AckPublicKeyPath = os.ExpandEnv(strings.TrimSpace(c.Ledger.Node.AckPublicKeyPath))
	c.Ledger.EVM.RPCURL = os.ExpandEnv(strings.TrimSpace(c.Ledger.EVM.RPCURL))
	c.Ledger.EVM.ContractAddress = os.ExpandEnv(strings.TrimSpace(c.Ledger.EVM.ContractAddress))
	c.Keys.KeyringPath = os.ExpandEnv(strings.TrimSpace(c.Keys.KeyringPath))
	c.Lock.RedisAddr = os.ExpandEnv(strings.TrimSpace(c.Lock.RedisAddr))
	c.Lock.RedisPassword = os.ExpandEnv(strings.TrimSpace(c.Lock.RedisPassword))
	c.Security.BearerToken = os.ExpandEnv(strings.TrimSpace(c.Security.BearerToken))
	c.Telemetry.OTLPEndpoint = os.ExpandEnv(strings.TrimSpace(c.Telemetry.OTLPEndpoint))
}
