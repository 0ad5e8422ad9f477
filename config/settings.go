package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Settings holds all configuration for the record lifecycle node
type Settings struct {
	// Core Identity
	NodeID string

	// Chain binding
	ChainID            int64
	RegistryContract   string         // Address handles are bound to
	DecryptionContract string         // verifyingContract of the decryption EIP-712 domain
	RegistryAddress    common.Address // Parsed RegistryContract
	DecryptionAddress  common.Address // Parsed DecryptionContract

	// Privileged identities
	AuthorityAddress common.Address // May revoke records of any competition
	IssuerAddress    common.Address // May issue certificates for any competition

	// Encryption Gateway
	GatewayTimeout            time.Duration
	AuthCacheSize             int
	AuthorizationValidityDays int64

	// Redis Configuration
	RedisHost     string
	RedisPort     string
	RedisDB       int
	RedisPassword string

	// Event Fan-out
	EventChannelPrefix string
	EventNetwork       string
	EventBufferSize    int
	EventLogLength     int64
	PublishEvents      bool
	MirrorEnabled      bool

	// Evidence store
	IPFSAPIURL string

	// Deduplication Configuration
	DedupEnabled        bool
	DedupLocalCacheSize int
	DedupTTL            time.Duration

	// API Configuration
	APIHost      string
	APIPort      int
	MaxBodyBytes int64

	// Request signing
	RequireSignedRequests bool
	SignatureMaxSkew      time.Duration
	BlockedCallers        []string

	// Monitoring & Debugging
	MetricsEnabled bool
	LogLevel       string
	LogFormat      string
	DebugMode      bool
}

var (
	// SettingsObj is the global settings instance
	SettingsObj *Settings
)

// LoadConfig loads configuration from the environment. A .env file in the
// working directory and a CONFIG_FILE readable by viper supply values for
// keys the environment leaves unset.
func LoadConfig() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	SettingsObj = &Settings{
		// Core Identity
		NodeID: getEnv("NODE_ID", "records-node-1"),

		// Chain binding
		ChainID:            int64(getEnvAsInt("CHAIN_ID", 31337)),
		RegistryContract:   getEnv("REGISTRY_CONTRACT", ""),
		DecryptionContract: getEnv("DECRYPTION_CONTRACT", ""),

		// Encryption Gateway
		GatewayTimeout:            time.Duration(getEnvAsInt("GATEWAY_TIMEOUT_SECONDS", 10)) * time.Second,
		AuthCacheSize:             getEnvAsInt("AUTH_CACHE_SIZE", 4096),
		AuthorizationValidityDays: int64(getEnvAsInt("AUTHORIZATION_VALIDITY_DAYS", 10)),

		// Redis Configuration
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		// Event Fan-out
		EventChannelPrefix: getEnv("EVENT_CHANNEL_PREFIX", "records:events"),
		EventNetwork:       getEnv("EVENT_NETWORK", ""),
		EventBufferSize:    getEnvAsInt("EVENT_BUFFER_SIZE", 1000),
		EventLogLength:     int64(getEnvAsInt("EVENT_LOG_LENGTH", 100000)),
		PublishEvents:      getBoolEnv("PUBLISH_EVENTS", true),
		MirrorEnabled:      getBoolEnv("MIRROR_ENABLED", true),

		// Evidence store
		IPFSAPIURL: getEnv("IPFS_API_URL", ""),

		// Deduplication Configuration
		DedupEnabled:        getBoolEnv("DEDUP_ENABLED", true),
		DedupLocalCacheSize: getEnvAsInt("DEDUP_LOCAL_CACHE_SIZE", 10000),
		DedupTTL:            time.Duration(getEnvAsInt("DEDUP_TTL_SECONDS", 86400)) * time.Second,

		// API Configuration
		APIHost:      getEnv("API_HOST", "0.0.0.0"),
		APIPort:      getEnvAsInt("API_PORT", 8080),
		MaxBodyBytes: int64(getEnvAsInt("API_MAX_BODY_BYTES", 1<<20)),

		// Request signing
		RequireSignedRequests: getBoolEnv("REQUIRE_SIGNED_REQUESTS", false),
		SignatureMaxSkew:      time.Duration(getEnvAsInt("SIGNATURE_MAX_SKEW_SECONDS", 300)) * time.Second,
		BlockedCallers:        getStringSliceEnv("BLOCKED_CALLERS"),

		// Monitoring & Debugging
		MetricsEnabled: getBoolEnv("METRICS_ENABLED", true),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
		DebugMode:      getBoolEnv("DEBUG_MODE", false),
	}

	if err := loadAddresses(); err != nil {
		return fmt.Errorf("failed to load addresses: %w", err)
	}

	// Configure logging
	configureLogging()

	// Validate configuration
	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// Log configuration summary
	logConfigSummary()

	return nil
}

// loadAddresses parses the configured contract and identity addresses
func loadAddresses() error {
	var err error
	if SettingsObj.RegistryAddress, err = parseAddress("REGISTRY_CONTRACT", SettingsObj.RegistryContract); err != nil {
		return err
	}
	// The decryption domain defaults to the registry itself
	if SettingsObj.DecryptionContract == "" {
		SettingsObj.DecryptionContract = SettingsObj.RegistryContract
	}
	if SettingsObj.DecryptionAddress, err = parseAddress("DECRYPTION_CONTRACT", SettingsObj.DecryptionContract); err != nil {
		return err
	}
	if SettingsObj.AuthorityAddress, err = parseAddress("AUTHORITY_ADDRESS", getEnv("AUTHORITY_ADDRESS", "")); err != nil {
		return err
	}
	if SettingsObj.IssuerAddress, err = parseAddress("ISSUER_ADDRESS", getEnv("ISSUER_ADDRESS", "")); err != nil {
		return err
	}
	return nil
}

func parseAddress(key, value string) (common.Address, error) {
	value = strings.TrimSpace(strings.Trim(value, "\""))
	if value == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s is not a valid address: %q", key, value)
	}
	return common.HexToAddress(value), nil
}

// configureLogging sets up the logger based on configuration
func configureLogging() {
	// Set log level
	switch strings.ToLower(SettingsObj.LogLevel) {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	// Override with debug mode
	if SettingsObj.DebugMode {
		log.SetLevel(log.DebugLevel)
	}

	// Set formatter
	if strings.EqualFold(SettingsObj.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		ForceColors:   true,
	})
}

// validateConfig validates the loaded configuration
func validateConfig() error {
	if SettingsObj.RegistryAddress == (common.Address{}) {
		return fmt.Errorf("REGISTRY_CONTRACT is required")
	}
	if SettingsObj.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive, got %d", SettingsObj.ChainID)
	}
	if SettingsObj.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT_SECONDS must be positive")
	}
	if SettingsObj.AuthCacheSize <= 0 {
		return fmt.Errorf("AUTH_CACHE_SIZE must be positive")
	}
	if SettingsObj.AuthorizationValidityDays < 1 {
		return fmt.Errorf("AUTHORIZATION_VALIDITY_DAYS must be at least 1")
	}
	if SettingsObj.PublishEvents || SettingsObj.MirrorEnabled || SettingsObj.DedupEnabled {
		if SettingsObj.RedisHost == "" {
			return fmt.Errorf("Redis configuration required when events, mirror or deduplication are enabled")
		}
	}
	if SettingsObj.RequireSignedRequests && SettingsObj.SignatureMaxSkew <= 0 {
		return fmt.Errorf("SIGNATURE_MAX_SKEW_SECONDS must be positive when signed requests are required")
	}
	if SettingsObj.AuthorityAddress == (common.Address{}) {
		log.Warn("No AUTHORITY_ADDRESS configured - only competition hosts can revoke records")
	}
	if SettingsObj.IPFSAPIURL == "" {
		log.Warn("No IPFS_API_URL configured - evidence is kept in memory")
	}
	return nil
}

// logConfigSummary logs a summary of the configuration
func logConfigSummary() {
	log.Info("=== Configuration Loaded ===")
	log.Infof("Node ID: %s", SettingsObj.NodeID)
	log.Infof("Chain: %d, Registry: %s, Decryption domain: %s",
		SettingsObj.ChainID, SettingsObj.RegistryAddress.Hex(), SettingsObj.DecryptionAddress.Hex())
	log.Infof("Gateway: timeout %v, auth cache %d", SettingsObj.GatewayTimeout, SettingsObj.AuthCacheSize)
	log.Infof("Redis: %s:%s (DB %d)", SettingsObj.RedisHost, SettingsObj.RedisPort, SettingsObj.RedisDB)
	log.Infof("Events: publish=%v, mirror=%v, prefix=%s", SettingsObj.PublishEvents, SettingsObj.MirrorEnabled, SettingsObj.EventChannelPrefix)
	if SettingsObj.DedupEnabled {
		log.Infof("Deduplication: Enabled (TTL: %v, Cache: %d)", SettingsObj.DedupTTL, SettingsObj.DedupLocalCacheSize)
	}
	log.Infof("API: %s:%d (signed requests: %v)", SettingsObj.APIHost, SettingsObj.APIPort, SettingsObj.RequireSignedRequests)
	log.Info("============================")
}

// RedisAddr returns host:port for the Redis client
func (s *Settings) RedisAddr() string {
	return fmt.Sprintf("%s:%s", s.RedisHost, s.RedisPort)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if viper.IsSet(key) {
		return viper.GetString(key)
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := getEnv(key, ""); value != "" {
		value = strings.ToLower(value)
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getStringSliceEnv(key string) []string {
	value := getEnv(key, "")
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
