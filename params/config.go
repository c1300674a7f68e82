package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// TokenSpec describes a token minted at node start (NAME:SYMBOL:SUPPLY)
type TokenSpec struct {
	Name   string
	Symbol string
	Supply uint64 // whole tokens, scaled by 10^18 on mint
}

type Exchange struct {
	// FeeAccount receives the taker fee of every fill
	FeeAccount common.Address
	// FeePercent is charged on the amount the order creator wanted (10 = 10%)
	FeePercent uint64
	// Custody is the account that holds deposited tokens on behalf of users
	Custody common.Address
}

type Node struct {
	APIAddr     string
	DataDir     string
	LogFile     string
	LogLevel    string // debug, info, warn, error
	CORSOrigins []string
	Deployer    common.Address // mints the genesis tokens
	Tokens      []TokenSpec
	EnableSeed  bool
	SeedTrader  common.Address
}

type Kafka struct {
	Brokers []string // empty disables the Kafka sink
	Topic   string
}

type Config struct {
	Exchange Exchange
	Node     Node
	Kafka    Kafka
}

func Default() Config {
	return Config{
		Exchange: Exchange{
			FeeAccount: common.HexToAddress("0x00000000000000000000000000000000000000fe"),
			FeePercent: 10,
			Custody:    common.HexToAddress("0x00000000000000000000000000000000000e8c4a"),
		},
		Node: Node{
			APIAddr:     ":8080",
			DataDir:     "data",
			LogFile:     "data/node.log",
			LogLevel:    "info",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
			Deployer:    common.HexToAddress("0x0000000000000000000000000000000000000001"),
			Tokens: []TokenSpec{
				{Name: "Black Hills Digital Token", Symbol: "BHDT", Supply: 1_000_000},
				{Name: "mock Ether", Symbol: "mETH", Supply: 1_000_000},
				{Name: "mock Dai", Symbol: "mDAI", Supply: 1_000_000},
			},
			SeedTrader: common.HexToAddress("0x0000000000000000000000000000000000000002"),
		},
		Kafka: Kafka{
			Topic: "exchange-events",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("FEE_PERCENT"); v != "" {
		pct, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("FEE_PERCENT: %w", err)
		}
		cfg.Exchange.FeePercent = pct
	}

	addrs := []struct {
		key string
		dst *common.Address
	}{
		{"FEE_ACCOUNT", &cfg.Exchange.FeeAccount},
		{"CUSTODY_ACCOUNT", &cfg.Exchange.Custody},
		{"DEPLOYER", &cfg.Node.Deployer},
		{"SEED_TRADER", &cfg.Node.SeedTrader},
	}
	for _, a := range addrs {
		v := os.Getenv(a.key)
		if v == "" {
			continue
		}
		if !common.IsHexAddress(v) {
			return cfg, fmt.Errorf("%s: invalid address %q", a.key, v)
		}
		*a.dst = common.HexToAddress(v)
	}

	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	cfg.Node.EnableSeed = os.Getenv("ENABLE_SEED") == "true"

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Node.CORSOrigins = splitList(v)
	}

	// Example: "Black Hills Digital Token:BHDT:1000000,mock Ether:mETH:1000000"
	if v := os.Getenv("TOKENS"); v != "" {
		tokens, err := ParseTokens(v)
		if err != nil {
			return cfg, err
		}
		cfg.Node.Tokens = tokens
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	return cfg, cfg.Validate()
}

// ParseTokens parses a comma-separated list of NAME:SYMBOL:SUPPLY entries
func ParseTokens(s string) ([]TokenSpec, error) {
	var out []TokenSpec
	for _, item := range splitList(s) {
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid token spec %q: want NAME:SYMBOL:SUPPLY", item)
		}
		supply, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid supply in %q: %w", item, err)
		}
		out = append(out, TokenSpec{Name: parts[0], Symbol: parts[1], Supply: supply})
	}
	return out, nil
}

// Validate checks the exchange parameters before anything is constructed
func (c Config) Validate() error {
	if c.Exchange.FeePercent > 100 {
		return fmt.Errorf("fee percent must be <= 100, got %d", c.Exchange.FeePercent)
	}
	if c.Exchange.Custody == (common.Address{}) {
		return fmt.Errorf("custody account must not be the zero address")
	}
	if c.Exchange.FeeAccount == (common.Address{}) {
		return fmt.Errorf("fee account must not be the zero address")
	}
	if c.Exchange.Custody == c.Exchange.FeeAccount {
		return fmt.Errorf("custody and fee account must differ")
	}
	seen := make(map[string]bool)
	for _, t := range c.Node.Tokens {
		if seen[t.Symbol] {
			return fmt.Errorf("duplicate token symbol %s", t.Symbol)
		}
		seen[t.Symbol] = true
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
