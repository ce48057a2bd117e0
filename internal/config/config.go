// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration shared by both services.
type Config struct {
	DataDir   string // Base directory for all databases (always absolute)
	LogLevel  string
	LogPretty bool
	DevMode   bool

	StockPort  int // stockd listen port
	WalletPort int // walletd listen port

	// walletd → stockd base URL for quote lookups and candle syncs.
	StockServiceURL string

	// Anchor currency for FX cross-rate fallback.
	FxAnchorCurrency string

	// Keys for deposit-account number encryption and IBAN fingerprints.
	AccountCipherKey string
	AccountHMACKey   string

	// Path to the scheduler task file. Empty means built-in defaults.
	SchedulePath string

	Ingest IngestConfig
	Backup BackupConfig
}

// IngestConfig holds market-data ingestion settings.
type IngestConfig struct {
	// DevTools HTTP endpoint of a headless Chrome used by the
	// browser-rendered provider, e.g. http://127.0.0.1:9222.
	DevToolsURL string

	// Vendor page with the main-market quotes table.
	WSEQuotesURL string
	// Vendor page rendered client-side with the alt-segment quotes.
	NCQuotesURL string
	// Symbol → ISIN map endpoints per market.
	WSESymbolMapURL string
	NCSymbolMapURL  string
	// Daily-candle CSV endpoint template. %s is replaced by the symbol.
	CandleCSVURL string

	LockTTL  time.Duration
	CacheTTL time.Duration
}

// BackupConfig holds S3-compatible backup settings. Backups are disabled
// when Endpoint or Bucket is empty.
type BackupConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	Keep            int
}

// Enabled reports whether backup uploads are configured.
func (b BackupConfig) Enabled() bool {
	return b.Endpoint != "" && b.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("FINLEDGER_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:          absDataDir,
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogPretty:        getEnvAsBool("LOG_PRETTY", false),
		DevMode:          getEnvAsBool("DEV_MODE", false),
		StockPort:        getEnvAsInt("STOCK_PORT", 8010),
		WalletPort:       getEnvAsInt("WALLET_PORT", 8020),
		StockServiceURL:  getEnv("STOCK_SERVICE_URL", "http://localhost:8010"),
		FxAnchorCurrency: getEnv("FX_ANCHOR_CURRENCY", "PLN"),
		AccountCipherKey: getEnv("ACCOUNT_CIPHER_KEY", ""),
		AccountHMACKey:   getEnv("ACCOUNT_HMAC_KEY", ""),
		SchedulePath:     getEnv("SCHEDULE_PATH", ""),
		Ingest: IngestConfig{
			DevToolsURL:     getEnv("CHROME_DEVTOOLS_URL", "http://127.0.0.1:9222"),
			WSEQuotesURL:    getEnv("WSE_QUOTES_URL", ""),
			NCQuotesURL:     getEnv("NC_QUOTES_URL", ""),
			WSESymbolMapURL: getEnv("WSE_SYMBOL_MAP_URL", ""),
			NCSymbolMapURL:  getEnv("NC_SYMBOL_MAP_URL", ""),
			CandleCSVURL:    getEnv("CANDLE_CSV_URL", ""),
			LockTTL:         getEnvAsDuration("INGEST_LOCK_TTL", 13*time.Minute),
			CacheTTL:        getEnvAsDuration("QUOTE_CACHE_TTL", time.Hour),
		},
		Backup: BackupConfig{
			Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
			Region:          getEnv("BACKUP_S3_REGION", "auto"),
			Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
			AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
			Prefix:          getEnv("BACKUP_S3_PREFIX", "finledger"),
			Keep:            getEnvAsInt("BACKUP_KEEP", 14),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.StockPort == c.WalletPort {
		return fmt.Errorf("STOCK_PORT and WALLET_PORT must differ (both %d)", c.StockPort)
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

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
