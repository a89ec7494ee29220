// Package config loads the coordinator's environment-driven settings,
// following the teacher's godotenv + getEnv* idiom.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/maxxit-ai/coordinator/internal/fee"
)

// VenueFeeConfig is one venue's fee.Policy plus the on-chain/off-chain
// address its share is paid to.
type VenueFeeConfig struct {
	Policy fee.Policy
}

// TokenFeed pairs a token symbol with its PERP-A aggregator address.
type TokenFeed struct {
	Symbol      string
	FeedAddress string
}

// Config holds environment-driven settings for the coordinator.
type Config struct {
	Port string

	DBPath    string
	JWTSecret string

	MasterEncryptionKeyPresent bool // MASTER_ENCRYPTION_KEY / _V2.. read directly by crypto.NewKeyManager

	// Chain / on-chain wiring (SPOT and PERP_A are both vault-mediated).
	Chain             string
	RPCURL            string
	ModuleAddress     string
	CollateralAddress string

	// SPOT
	RouterAddress string
	QuoterAddress string
	SpotFeeTier   uint32

	// PERP_A
	PerpAOrderVaultAddress string
	PerpAFeeReceiver       string
	PerpATokenFeeds        []TokenFeed

	// PERP_B / PERP_C (off-chain, delegated-agent-key venues)
	PerpBBaseURL string
	PerpCBaseURL string

	// ExecutorPrivateKey is the module-signing key for SPOT/PERP_A,
	// provisioned into signerkey.KeyStore at boot under signerkey.ExecutorID.
	ExecutorPrivateKey string

	// Monitor
	MonitorLockPath string
	MonitorInterval time.Duration

	// Fees, one policy per venue.
	Fees map[string]fee.Policy

	// EnabledVenues is parsed from ENABLED_VENUES; main.go does not read
	// it and wires every venue whose required addresses are configured.
	EnabledVenues []string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/coordinator.db")
	}

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		DBPath:    dbPath,
		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),

		MasterEncryptionKeyPresent: os.Getenv("MASTER_ENCRYPTION_KEY") != "",

		Chain:             getEnv("CHAIN", "arbitrum"),
		RPCURL:            getEnv("RPC_URL", ""),
		ModuleAddress:     getEnv("MODULE_ADDRESS", ""),
		CollateralAddress: getEnv("COLLATERAL_ADDRESS", ""),

		RouterAddress: getEnv("SPOT_ROUTER_ADDRESS", ""),
		QuoterAddress: getEnv("SPOT_QUOTER_ADDRESS", ""),
		SpotFeeTier:   uint32(getEnvInt("SPOT_FEE_TIER", 3000)),

		PerpAOrderVaultAddress: getEnv("PERPA_ORDER_VAULT_ADDRESS", ""),
		PerpAFeeReceiver:       getEnv("PERPA_FEE_RECEIVER", ""),
		PerpATokenFeeds:        parseTokenFeeds(getEnv("PERPA_PRICE_FEEDS", "")),

		PerpBBaseURL: getEnv("PERPB_BASE_URL", ""),
		PerpCBaseURL: getEnv("PERPC_BASE_URL", ""),

		ExecutorPrivateKey: os.Getenv("EXECUTOR_PRIVATE_KEY"),

		MonitorLockPath: getEnv("MONITOR_LOCK_PATH", "./data/monitor.lock"),
		MonitorInterval: getEnvDuration("MONITOR_INTERVAL", 30*time.Second),

		EnabledVenues: splitAndTrim(getEnv("ENABLED_VENUES", "")),
	}

	cfg.Fees = map[string]fee.Policy{
		"SPOT":   loadFeePolicy("SPOT"),
		"PERP_A": loadFeePolicy("PERP_A"),
		"PERP_B": loadFeePolicy("PERP_B"),
		"PERP_C": loadFeePolicy("PERP_C"),
	}

	return cfg, nil
}

// loadFeePolicy reads the <VENUE>_FEE_* family of env vars into a
// fee.Policy. Model defaults to PROFIT_SHARE at fee.DefaultCreatorProfitShare,
// matching spec.md's default creator economics.
func loadFeePolicy(venue string) fee.Policy {
	prefix := venue + "_FEE_"
	model := fee.Model(strings.ToUpper(getEnv(prefix+"MODEL", string(fee.ModelProfitShare))))

	p := fee.Policy{
		Model:        model,
		FlatFee:      getEnvFloat(prefix+"FLAT", 0),
		FeePercent:   getEnvFloat(prefix+"PERCENT", 0),
		ProfitShare:  getEnvFloat(prefix+"PROFIT_SHARE", fee.DefaultCreatorProfitShare),
		ReceiverAddr: getEnv(prefix+"RECEIVER", ""),
	}

	if tiers := getEnv(prefix+"TIERS", ""); tiers != "" {
		p.Tiers = parseTiers(tiers)
	}

	return p
}

// parseTiers parses "minProfit:rate,minProfit:rate,..." into TierSteps.
func parseTiers(raw string) []fee.TierStep {
	var out []fee.TierStep
	for _, chunk := range strings.Split(raw, ",") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		parts := strings.SplitN(chunk, ":", 2)
		if len(parts) != 2 {
			continue
		}
		minProfit, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		rate, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, fee.TierStep{MinProfit: minProfit, Rate: rate})
	}
	return out
}

// parseTokenFeeds parses "SYMBOL:0xAddr,SYMBOL:0xAddr,..." into TokenFeeds.
func parseTokenFeeds(raw string) []TokenFeed {
	var out []TokenFeed
	for _, chunk := range strings.Split(raw, ",") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		parts := strings.SplitN(chunk, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, TokenFeed{Symbol: strings.TrimSpace(parts[0]), FeedAddress: strings.TrimSpace(parts[1])})
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}

// Validate reports a descriptive error for any vault-mediated venue
// wiring left incomplete. main.go does not call it; it disables the
// vault-mediated venues when these settings are missing.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ModuleAddress == "" {
		return fmt.Errorf("MODULE_ADDRESS is required")
	}
	if c.CollateralAddress == "" {
		return fmt.Errorf("COLLATERAL_ADDRESS is required")
	}
	return nil
}
