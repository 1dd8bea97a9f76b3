// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/trustgate/internal/chains"
	"github.com/mbd888/trustgate/internal/trust"
	"github.com/mbd888/trustgate/internal/usdc"
	"github.com/mbd888/trustgate/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port          string
	Env           string // "development", "staging", "production"
	LogLevel      string
	LogFormat     string // "text" or "json"
	PublicBaseURL string // externally visible origin, e.g. https://trust.example
	RateLimitRPM  int

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chains
	DefaultChain string
	RPCURLs      map[string][]string // per-chain overrides from RPC_URLS_<CHAIN>
	IPFSGateways []string
	FetchTimeout time.Duration

	// Payments
	PaymentsDisabled bool   // operator bypass for trusted deployments
	PayToAddress     string // receives USDC
	PaymentNetwork   string // chain the payment is settled on
	USDCContract     string // overrides the payment chain's USDC address
	PriceProfile     string
	PriceScore       string
	PriceValidate    string
	PriceMessage     string

	// Validation probes. ProbeAllowPrivate also lets registration URIs
	// point at loopback or private addresses.
	ProbeTimeout      time.Duration
	ProbeAllowPrivate bool

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultChain         = "base-sepolia"
	DefaultPriceProfile  = "0.001"
	DefaultPriceScore    = "0.01"
	DefaultPriceValidate = "0.02"
	DefaultPriceMessage  = "0.01"
	DefaultProbeTimeout  = 5 * time.Second
	DefaultFetchTimeout  = 10 * time.Second
	DefaultRateLimitRPM  = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	defaultChain := getEnv("DEFAULT_CHAIN", DefaultChain)
	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		PublicBaseURL:     strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DefaultChain:      defaultChain,
		RPCURLs:           rpcOverrides(),
		IPFSGateways:      getEnvList("IPFS_GATEWAYS"),
		FetchTimeout:      getEnvDuration("FETCH_TIMEOUT", DefaultFetchTimeout),
		PaymentsDisabled:  getEnvBool("PAYMENTS_DISABLED"),
		PayToAddress:      os.Getenv("PAY_TO_ADDRESS"),
		PaymentNetwork:    getEnv("PAYMENT_NETWORK", defaultChain),
		USDCContract:      os.Getenv("USDC_CONTRACT"),
		PriceProfile:      getEnv("PRICE_PROFILE", DefaultPriceProfile),
		PriceScore:        getEnv("PRICE_SCORE", DefaultPriceScore),
		PriceValidate:     getEnv("PRICE_VALIDATE", DefaultPriceValidate),
		PriceMessage:      getEnv("PRICE_MESSAGE", DefaultPriceMessage),
		ProbeTimeout:      getEnvDuration("PROBE_TIMEOUT", DefaultProbeTimeout),
		ProbeAllowPrivate: getEnvBool("PROBE_ALLOW_PRIVATE"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}

	table, err := c.Chains()
	if err != nil {
		return fmt.Errorf("DEFAULT_CHAIN: %w", err)
	}
	if _, ok := table.Lookup(c.PaymentNetwork); !ok {
		return fmt.Errorf("PAYMENT_NETWORK %q is not a known chain (want one of %s)",
			c.PaymentNetwork, strings.Join(table.Names(), ", "))
	}

	if !c.PaymentsDisabled {
		if c.PayToAddress == "" {
			return fmt.Errorf("PAY_TO_ADDRESS is required unless PAYMENTS_DISABLED is set")
		}
		if !validation.IsValidEthAddress(c.PayToAddress) {
			return fmt.Errorf("PAY_TO_ADDRESS must be a 0x-prefixed 40 hex digit address")
		}
	}
	if c.USDCContract != "" && !validation.IsValidEthAddress(c.USDCContract) {
		return fmt.Errorf("USDC_CONTRACT must be a 0x-prefixed 40 hex digit address")
	}

	for key, price := range map[string]string{
		"PRICE_PROFILE":  c.PriceProfile,
		"PRICE_SCORE":    c.PriceScore,
		"PRICE_VALIDATE": c.PriceValidate,
		"PRICE_MESSAGE":  c.PriceMessage,
	} {
		if _, err := usdc.ParsePrice(price); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	if c.ProbeTimeout <= 0 || c.FetchTimeout <= 0 {
		return fmt.Errorf("PROBE_TIMEOUT and FETCH_TIMEOUT must be positive durations")
	}
	return nil
}

// Chains builds the chain table with RPC overrides applied.
func (c *Config) Chains() (*chains.Table, error) {
	builtin := chains.Builtin()
	for i := range builtin {
		if urls := c.RPCURLs[builtin[i].Name]; len(urls) > 0 {
			builtin[i].RPCURLs = urls
		}
	}
	return chains.NewTable(c.DefaultChain, builtin)
}

// Prices returns the configured operation prices.
func (c *Config) Prices() trust.Prices {
	return trust.Prices{
		Profile:  c.PriceProfile,
		Score:    c.PriceScore,
		Validate: c.PriceValidate,
		Message:  c.PriceMessage,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func rpcOverrides() map[string][]string {
	out := make(map[string][]string)
	for _, ch := range chains.Builtin() {
		if urls := getEnvList(chains.EnvKey(ch.Name)); len(urls) > 0 {
			out[ch.Name] = urls
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

// getEnvDuration accepts Go durations ("5s") or whole seconds ("5").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if s, err := strconv.Atoi(value); err == nil {
		return time.Duration(s) * time.Second
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
