// Package config loads server settings from flags, POOL_* environment
// variables and an optional config file.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/atmx/settlement-engine/internal/access"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/oracle"
)

// Price source names assets may reference as their oracle.
const (
	SourceStatic    = "static"
	SourceRedis     = "redis"
	SourceChainlink = "chainlink"
)

var ErrInvalid = errors.New("config: invalid value")

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	HTTPAddr    string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	NATSURL     string
	CacheTTL    time.Duration
	LogLevel    string

	ChainID           int64
	SignerKey         string // hex, empty = ephemeral
	PoolAddress       string
	ControllerAddress string
	WalletAddress     string
	ReserveAddress    string

	Admins    []string
	Reporters []string
	Keepers   []string

	// Assets registers assets at startup: SYMBOL:address:decimals:threshold[:oracle].
	Assets []string
	// Prices seeds the static source: address=price (8 decimals).
	Prices         []string
	ChainlinkRPC   string
	ChainlinkFeeds []string // asset=aggregator:decimals
	OracleMaxAge   time.Duration

	Faucet bool
}

// Flags registers every setting on fs with its default.
func Flags(fs *pflag.FlagSet) {
	fs.String("http-addr", ":8080", "HTTP listen address")
	fs.String("database-url", "", "PostgreSQL URL for the journal")
	fs.String("sqlite-path", "", "SQLite file for the journal when no database-url is set")
	fs.String("redis-url", "", "Redis URL for the period cache and price source")
	fs.String("nats-url", "", "NATS URL for settlement events")
	fs.Duration("cache-ttl", 30*time.Second, "period cache TTL")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")

	fs.Int64("chain-id", 31337, "chain id bound into release signatures")
	fs.String("signer-key", "", "hex private key of the release authority (empty = ephemeral)")
	fs.String("pool-address", "0x0000000000000000000000000000000000000b01", "pool holder address")
	fs.String("controller-address", "0x0000000000000000000000000000000000000c01", "controller holder address")
	fs.String("wallet-address", "0x0000000000000000000000000000000000000a01", "custody wallet address")
	fs.String("reserve-address", "0x0000000000000000000000000000000000000f01", "reserve fund address")

	fs.StringSlice("admins", nil, "admin accounts (comma-separated)")
	fs.StringSlice("reporters", nil, "result reporter accounts (comma-separated)")
	fs.StringSlice("keepers", nil, "custody keeper accounts (comma-separated)")

	fs.StringSlice("assets", nil, "assets registered at startup, SYMBOL:address:decimals:threshold[:oracle]")
	fs.StringSlice("prices", nil, "static prices, address=price with 8 decimals")
	fs.String("chainlink-rpc", "", "Ethereum RPC URL for Chainlink feeds")
	fs.StringSlice("chainlink-feeds", nil, "Chainlink feeds, asset=aggregator:decimals")
	fs.Duration("oracle-max-age", time.Hour, "reject Chainlink answers older than this (0 disables)")

	fs.Bool("faucet", false, "enable the development faucet and executor simulation")
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POOL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{
		HTTPAddr:    v.GetString("http-addr"),
		DatabaseURL: v.GetString("database-url"),
		SQLitePath:  v.GetString("sqlite-path"),
		RedisURL:    v.GetString("redis-url"),
		NATSURL:     v.GetString("nats-url"),
		CacheTTL:    v.GetDuration("cache-ttl"),
		LogLevel:    v.GetString("log-level"),

		ChainID:           v.GetInt64("chain-id"),
		SignerKey:         v.GetString("signer-key"),
		PoolAddress:       v.GetString("pool-address"),
		ControllerAddress: v.GetString("controller-address"),
		WalletAddress:     v.GetString("wallet-address"),
		ReserveAddress:    v.GetString("reserve-address"),

		Admins:    getStringSlice(v, "admins"),
		Reporters: getStringSlice(v, "reporters"),
		Keepers:   getStringSlice(v, "keepers"),

		Assets:         getStringSlice(v, "assets"),
		Prices:         getStringSlice(v, "prices"),
		ChainlinkRPC:   v.GetString("chainlink-rpc"),
		ChainlinkFeeds: getStringSlice(v, "chainlink-feeds"),
		OracleMaxAge:   v.GetDuration("oracle-max-age"),

		Faucet: v.GetBool("faucet"),
	}
	return cfg, nil
}

// --- Typed accessors ---

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: log-level %q", ErrInvalid, c.LogLevel)
	}
	return lvl, nil
}

// Chain returns the chain id as a big integer.
func (c Config) Chain() (*big.Int, error) {
	if c.ChainID <= 0 {
		return nil, fmt.Errorf("%w: chain-id must be positive", ErrInvalid)
	}
	return big.NewInt(c.ChainID), nil
}

// Key parses SignerKey. An empty key yields a fresh one and generated=true.
func (c Config) Key() (key *ecdsa.PrivateKey, generated bool, err error) {
	if c.SignerKey == "" {
		key, err = crypto.GenerateKey()
		return key, true, err
	}
	key, err = crypto.HexToECDSA(strings.TrimPrefix(c.SignerKey, "0x"))
	if err != nil {
		return nil, false, fmt.Errorf("%w: signer-key: %v", ErrInvalid, err)
	}
	return key, false, nil
}

// Holders returns the pool, controller, wallet and reserve addresses.
func (c Config) Holders() (pool, controller, wallet, reserve common.Address, err error) {
	out := make([]common.Address, 4)
	for i, raw := range []string{c.PoolAddress, c.ControllerAddress, c.WalletAddress, c.ReserveAddress} {
		if out[i], err = parseAddress(raw); err != nil {
			return
		}
	}
	return out[0], out[1], out[2], out[3], nil
}

// Authorizer builds the role table from the admin, reporter and keeper lists.
func (c Config) Authorizer() (*access.Static, error) {
	auth := access.NewStatic()
	for op, list := range map[access.Operation][]string{
		access.OpAdmin:    c.Admins,
		access.OpReporter: c.Reporters,
		access.OpKeeper:   c.Keepers,
	} {
		addrs, err := parseAddresses(list)
		if err != nil {
			return nil, err
		}
		auth.Grant(op, addrs...)
	}
	return auth, nil
}

// AssetConfigs parses the startup asset list.
func (c Config) AssetConfigs() ([]model.AssetConfig, error) {
	out := make([]model.AssetConfig, 0, len(c.Assets))
	for _, raw := range c.Assets {
		parts := strings.Split(raw, ":")
		if len(parts) < 4 || len(parts) > 5 {
			return nil, fmt.Errorf("%w: asset %q", ErrInvalid, raw)
		}
		addr, err := parseAddress(parts[1])
		if err != nil {
			return nil, err
		}
		decimals, err := strconv.ParseUint(parts[2], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: asset %q decimals", ErrInvalid, raw)
		}
		threshold, err := decimal.NewFromString(parts[3])
		if err != nil {
			return nil, fmt.Errorf("%w: asset %q threshold", ErrInvalid, raw)
		}
		cfg := model.AssetConfig{
			Asset:           addr,
			Symbol:          parts[0],
			Decimals:        uint8(decimals),
			PeriodThreshold: threshold,
		}
		if len(parts) == 5 {
			cfg.OracleRef = parts[4]
		}
		out = append(out, cfg)
	}
	return out, nil
}

// StaticPrices parses the static price list.
func (c Config) StaticPrices() (map[common.Address]decimal.Decimal, error) {
	out := make(map[common.Address]decimal.Decimal, len(c.Prices))
	for _, raw := range c.Prices {
		asset, value, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("%w: price %q", ErrInvalid, raw)
		}
		addr, err := parseAddress(asset)
		if err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(value)
		if err != nil || !price.IsPositive() {
			return nil, fmt.Errorf("%w: price %q", ErrInvalid, raw)
		}
		out[addr] = price
	}
	return out, nil
}

// Feeds parses the Chainlink feed list.
func (c Config) Feeds() (map[common.Address]oracle.Feed, error) {
	out := make(map[common.Address]oracle.Feed, len(c.ChainlinkFeeds))
	for _, raw := range c.ChainlinkFeeds {
		asset, rest, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("%w: feed %q", ErrInvalid, raw)
		}
		agg, dec, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("%w: feed %q", ErrInvalid, raw)
		}
		assetAddr, err := parseAddress(asset)
		if err != nil {
			return nil, err
		}
		aggAddr, err := parseAddress(agg)
		if err != nil {
			return nil, err
		}
		decimals, err := strconv.ParseUint(dec, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: feed %q decimals", ErrInvalid, raw)
		}
		out[assetAddr] = oracle.Feed{Aggregator: aggAddr, Decimals: uint8(decimals)}
	}
	return out, nil
}

// --- helpers ---

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: address %q", ErrInvalid, raw)
	}
	return common.HexToAddress(raw), nil
}

func parseAddresses(list []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(list))
	for _, raw := range list {
		addr, err := parseAddress(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	switch typed := v.Get(key).(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return cleanStrings(strings.Split(typed, ","))
	case []any:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
