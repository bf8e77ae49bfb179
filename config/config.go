// Package config binds the daemon's CLI flags to the environment
// variables named in §6, with an optional TOML file able to override all
// of them except etherscan-base-url, api-listen-addr and log-json, and
// fsnotify watching that file for changes (logged, not
// hot-applied — the rest of the system assumes config is immutable once
// a run starts).
package config

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v2"
)

const envPrefix = "WITHDRAWAL_FINALIZER"

// Flag names, one per §6 env var plus the config-file override path.
const (
	AccountPrivateKeyFlag       = "account-private-key"
	MnemonicFlag                = "mnemonic"
	HDPathFlag                  = "hd-path"
	L1WSURLFlag                 = "l1-ws-url"
	L2WSURLFlag                 = "l2-ws-url"
	L1TokensFlag                = "l1-tokens"
	MainContractFlag            = "main-contract"
	L1ERC20BridgeFlag           = "l1-erc20-bridge"
	L2ERC20BridgeFlag           = "l2-erc20-bridge"
	WithdrawalFinalizerContractFlag = "withdrawal-finalizer-contract"
	EtherscanTokenFlag          = "etherscan-token"
	EtherscanBaseURLFlag        = "etherscan-base-url"
	OneWithdrawalGasLimitFlag   = "one-withdrawal-gas-limit"
	BatchFinalizationGasLimitFlag = "batch-finalization-gas-limit"
	TxRetryTimeoutSecondsFlag   = "tx-retry-timeout-seconds"
	QueryDBPaginationLimitFlag  = "query-db-pagination-limit"
	DatabaseURLFlag             = "database-url"
	SentryURLFlag               = "sentry-url"
	APIListenAddrFlag           = "api-listen-addr"
	LogJSONFlag                 = "log-json"
	ConfigFileFlag              = "config-file"
)

// Config is the fully resolved configuration the daemon runs with (§6).
type Config struct {
	AccountPrivateKey string
	Mnemonic          string
	HDPath            string

	L1WSURL string
	L2WSURL string

	L1Tokens []common.Address

	MainContract                string
	L1ERC20Bridge               string
	L2ERC20Bridge               string
	WithdrawalFinalizerContract string

	EtherscanToken   string
	EtherscanBaseURL string

	OneWithdrawalGasLimit     uint64
	BatchFinalizationGasLimit uint64
	TxRetryTimeout            time.Duration
	QueryDBPaginationLimit    int

	DatabaseURL   string
	SentryURL     string
	APIListenAddr string
	LogJSON       bool
}

// Flags is the full urfave/cli/v2 flag set, each bound to its §6 env var,
// matching the flags-bound-to-env-vars shape lucadonnoh-kroma's txmgr
// CLIFlags uses. The key-material, API listen address, log-format and
// config-file env vars carry the WITHDRAWAL_FINALIZER_ prefix; all others
// use their bare names.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: AccountPrivateKeyFlag, EnvVars: []string{envVar("ACCOUNT_PRIVATE_KEY")}, Usage: "Private key of the finalizer account"},
		&cli.StringFlag{Name: MnemonicFlag, EnvVars: []string{envVar("MNEMONIC")}, Usage: "Mnemonic to derive the finalizer account from, alternative to account-private-key"},
		&cli.StringFlag{Name: HDPathFlag, EnvVars: []string{envVar("HD_PATH")}, Value: "m/44'/60'/0'/0/0", Usage: "HD derivation path used with mnemonic"},
		&cli.StringFlag{Name: L1WSURLFlag, EnvVars: []string{"L1_WS_URL"}, Usage: "L1 websocket RPC url"},
		&cli.StringFlag{Name: L2WSURLFlag, EnvVars: []string{"L2_WS_URL"}, Usage: "L2 websocket RPC url"},
		&cli.StringFlag{Name: L1TokensFlag, EnvVars: []string{"L1_TOKENS"}, Usage: "Comma-separated L1 token addresses, kept in Config.L1Tokens; withdrawals are not filtered by it"},
		&cli.StringFlag{Name: MainContractFlag, EnvVars: []string{"MAIN_CONTRACT"}, Usage: "Rollup contract address"},
		&cli.StringFlag{Name: L1ERC20BridgeFlag, EnvVars: []string{"L1_ERC20_BRIDGE"}, Usage: "L1Bridge contract address"},
		&cli.StringFlag{Name: L2ERC20BridgeFlag, EnvVars: []string{"L2_ERC20_BRIDGE"}, Usage: "L2ERC20Bridge contract address"},
		&cli.StringFlag{Name: WithdrawalFinalizerContractFlag, EnvVars: []string{"WITHDRAWAL_FINALIZER_CONTRACT"}, Usage: "WithdrawalFinalizer contract address"},
		&cli.StringFlag{Name: EtherscanTokenFlag, EnvVars: []string{"ETHERSCAN_TOKEN"}, Usage: "API key for historical L2-to-L1 backfill"},
		&cli.StringFlag{Name: EtherscanBaseURLFlag, EnvVars: []string{"ETHERSCAN_BASE_URL"}, Value: "https://api.etherscan.io/api", Usage: "Base URL of the Etherscan-compatible explorer API"},
		&cli.Uint64Flag{Name: OneWithdrawalGasLimitFlag, EnvVars: []string{"ONE_WITHDRAWAL_GAS_LIMIT"}, Usage: "Gas limit budgeted per withdrawal in a batch"},
		&cli.Uint64Flag{Name: BatchFinalizationGasLimitFlag, EnvVars: []string{"BATCH_FINALIZATION_GAS_LIMIT"}, Usage: "Gas limit budgeted for one finalize_withdrawals call"},
		&cli.Uint64Flag{Name: TxRetryTimeoutSecondsFlag, EnvVars: []string{"TX_RETRY_TIMEOUT_SECONDS"}, Usage: "Seconds to wait before bumping fees and resubmitting (§4.H)"},
		&cli.IntFlag{Name: QueryDBPaginationLimitFlag, EnvVars: []string{"QUERY_DB_PAGINATION_LIMIT"}, Value: 50, Usage: "Max withdrawals selected per finalizer iteration (§4.G)"},
		&cli.StringFlag{Name: DatabaseURLFlag, EnvVars: []string{"DATABASE_URL"}, Usage: "Postgres connection string"},
		&cli.StringFlag{Name: SentryURLFlag, EnvVars: []string{"SENTRY_URL"}, Usage: "Optional Sentry DSN"},
		&cli.StringFlag{Name: APIListenAddrFlag, EnvVars: []string{envVar("API_LISTEN_ADDR")}, Value: "0.0.0.0:8000", Usage: "Listen address for the health/metrics/status HTTP server"},
		&cli.BoolFlag{Name: LogJSONFlag, EnvVars: []string{envVar("LOG_JSON")}, Usage: "Emit structured JSON logs instead of the terminal format"},
		&cli.StringFlag{Name: ConfigFileFlag, EnvVars: []string{envVar("CONFIG_FILE")}, Usage: "Optional TOML file overriding the above, except etherscan-base-url, api-listen-addr and log-json"},
	}
}

func envVar(suffix string) string {
	return envPrefix + "_" + suffix
}

// FromCLIContext reads Config out of a parsed cli.Context, then applies a
// TOML override file if one was given — file values win over flags/env,
// mirroring the original Rust Config::from_file substitution (§6).
func FromCLIContext(c *cli.Context) (Config, error) {
	cfg := Config{
		AccountPrivateKey:           c.String(AccountPrivateKeyFlag),
		Mnemonic:                    c.String(MnemonicFlag),
		HDPath:                      c.String(HDPathFlag),
		L1WSURL:                     c.String(L1WSURLFlag),
		L2WSURL:                     c.String(L2WSURLFlag),
		L1Tokens:                    parseTokens(c.String(L1TokensFlag)),
		MainContract:                c.String(MainContractFlag),
		L1ERC20Bridge:               c.String(L1ERC20BridgeFlag),
		L2ERC20Bridge:               c.String(L2ERC20BridgeFlag),
		WithdrawalFinalizerContract: c.String(WithdrawalFinalizerContractFlag),
		EtherscanToken:              c.String(EtherscanTokenFlag),
		EtherscanBaseURL:            c.String(EtherscanBaseURLFlag),
		OneWithdrawalGasLimit:       c.Uint64(OneWithdrawalGasLimitFlag),
		BatchFinalizationGasLimit:   c.Uint64(BatchFinalizationGasLimitFlag),
		TxRetryTimeout:              time.Duration(c.Uint64(TxRetryTimeoutSecondsFlag)) * time.Second,
		QueryDBPaginationLimit:      c.Int(QueryDBPaginationLimitFlag),
		DatabaseURL:                 c.String(DatabaseURLFlag),
		SentryURL:                   c.String(SentryURLFlag),
		APIListenAddr:               c.String(APIListenAddrFlag),
		LogJSON:                     c.Bool(LogJSONFlag),
	}

	if path := c.String(ConfigFileFlag); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("config: apply %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fileOverrides is the subset of Config a TOML file may set; zero-value
// fields (the default for anything the file omits) are left alone so a
// partial file only overrides what it mentions.
type fileOverrides struct {
	AccountPrivateKey           string   `toml:"account_private_key"`
	Mnemonic                    string   `toml:"mnemonic"`
	HDPath                      string   `toml:"hd_path"`
	L1WSURL                     string   `toml:"l1_ws_url"`
	L2WSURL                     string   `toml:"l2_ws_url"`
	L1Tokens                    []string `toml:"l1_tokens"`
	MainContract                string   `toml:"main_contract"`
	L1ERC20Bridge               string   `toml:"l1_erc20_bridge"`
	L2ERC20Bridge               string   `toml:"l2_erc20_bridge"`
	WithdrawalFinalizerContract string   `toml:"withdrawal_finalizer_contract"`
	EtherscanToken              string   `toml:"etherscan_token"`
	OneWithdrawalGasLimit       uint64   `toml:"one_withdrawal_gas_limit"`
	BatchFinalizationGasLimit   uint64   `toml:"batch_finalization_gas_limit"`
	TxRetryTimeoutSeconds       uint64   `toml:"tx_retry_timeout_seconds"`
	QueryDBPaginationLimit      int      `toml:"query_db_pagination_limit"`
	DatabaseURL                 string   `toml:"database_url"`
	SentryURL                   string   `toml:"sentry_url"`
}

func applyFile(cfg *Config, path string) error {
	var f fileOverrides
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return err
	}
	if f.AccountPrivateKey != "" {
		cfg.AccountPrivateKey = f.AccountPrivateKey
	}
	if f.Mnemonic != "" {
		cfg.Mnemonic = f.Mnemonic
	}
	if f.HDPath != "" {
		cfg.HDPath = f.HDPath
	}
	if f.L1WSURL != "" {
		cfg.L1WSURL = f.L1WSURL
	}
	if f.L2WSURL != "" {
		cfg.L2WSURL = f.L2WSURL
	}
	if len(f.L1Tokens) > 0 {
		cfg.L1Tokens = make([]common.Address, len(f.L1Tokens))
		for i, t := range f.L1Tokens {
			cfg.L1Tokens[i] = common.HexToAddress(t)
		}
	}
	if f.MainContract != "" {
		cfg.MainContract = f.MainContract
	}
	if f.L1ERC20Bridge != "" {
		cfg.L1ERC20Bridge = f.L1ERC20Bridge
	}
	if f.L2ERC20Bridge != "" {
		cfg.L2ERC20Bridge = f.L2ERC20Bridge
	}
	if f.WithdrawalFinalizerContract != "" {
		cfg.WithdrawalFinalizerContract = f.WithdrawalFinalizerContract
	}
	if f.EtherscanToken != "" {
		cfg.EtherscanToken = f.EtherscanToken
	}
	if f.OneWithdrawalGasLimit != 0 {
		cfg.OneWithdrawalGasLimit = f.OneWithdrawalGasLimit
	}
	if f.BatchFinalizationGasLimit != 0 {
		cfg.BatchFinalizationGasLimit = f.BatchFinalizationGasLimit
	}
	if f.TxRetryTimeoutSeconds != 0 {
		cfg.TxRetryTimeout = time.Duration(f.TxRetryTimeoutSeconds) * time.Second
	}
	if f.QueryDBPaginationLimit != 0 {
		cfg.QueryDBPaginationLimit = f.QueryDBPaginationLimit
	}
	if f.DatabaseURL != "" {
		cfg.DatabaseURL = f.DatabaseURL
	}
	if f.SentryURL != "" {
		cfg.SentryURL = f.SentryURL
	}
	return nil
}

func parseTokens(s string) []common.Address {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]common.Address, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, common.HexToAddress(p))
	}
	return out
}

// Validate checks the invariants the daemon cannot start without.
func (c Config) Validate() error {
	if c.AccountPrivateKey == "" && c.Mnemonic == "" {
		return fmt.Errorf("config: one of %s or %s must be set", AccountPrivateKeyFlag, MnemonicFlag)
	}
	if c.AccountPrivateKey != "" && c.Mnemonic != "" {
		return fmt.Errorf("config: %s and %s are mutually exclusive", AccountPrivateKeyFlag, MnemonicFlag)
	}
	if c.L1WSURL == "" {
		return fmt.Errorf("config: %s must be set", L1WSURLFlag)
	}
	if c.L2WSURL == "" {
		return fmt.Errorf("config: %s must be set", L2WSURLFlag)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: %s must be set", DatabaseURLFlag)
	}
	if c.OneWithdrawalGasLimit == 0 {
		return fmt.Errorf("config: %s must be nonzero", OneWithdrawalGasLimitFlag)
	}
	if c.BatchFinalizationGasLimit == 0 {
		return fmt.Errorf("config: %s must be nonzero", BatchFinalizationGasLimitFlag)
	}
	if c.BatchFinalizationGasLimit < c.OneWithdrawalGasLimit {
		return fmt.Errorf("config: %s must be >= %s", BatchFinalizationGasLimitFlag, OneWithdrawalGasLimitFlag)
	}
	return nil
}

func (c Config) TxFeeLimit() *big.Int {
	return new(big.Int).SetUint64(c.BatchFinalizationGasLimit)
}

// WatchFile logs (does not hot-apply) changes to the TOML override file,
// matching §6's "watches that file and logs changes" framing: config is
// treated as fixed for the lifetime of a run, so an operator edit is a
// prompt to restart, not something the process reacts to on its own.
func WatchFile(ctx context.Context, path string, l log.Logger) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				l.Warn("config file changed on disk; restart to apply", "path", path, "op", ev.Op)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.Error("config file watch error", "path", path, "err", err)
		}
	}
}
