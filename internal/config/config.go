// Package config provides configuration loading and validation for the
// state runtime daemon.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stateruntime/staterund/internal/errs"
)

// Config is the complete daemon configuration: ledger connectivity, this
// node's position in the group roster, local storage, the key-vault backup
// side channel, and observability.
type Config struct {
	Ledger   LedgerConfig   `yaml:"ledger"`
	Roster   RosterConfig   `yaml:"roster"`
	Storage  StorageConfig  `yaml:"storage"`
	KeyVault KeyVaultConfig `yaml:"key_vault"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

// LedgerConfig configures the connection to the chain the group's
// ciphertext and handshake events are read from and written to.
type LedgerConfig struct {
	// EthURL is the ledger endpoint (ETH_URL).
	EthURL string `yaml:"eth_url"`
	// AccountIndex selects which signer slot on the node submits
	// transactions (ACCOUNT_INDEX).
	AccountIndex int `yaml:"account_index"`
	// Confirmations is the block depth required before an event is
	// considered final (CONFIRMATIONS).
	Confirmations int `yaml:"confirmations"`
	// FactoryContractAddress is the on-chain contract emitting the three
	// ledger event signatures (FACTORY_CONTRACT_ADDRESS).
	FactoryContractAddress string `yaml:"factory_contract_address"`
	// SyncInterval is how often the dispatcher polls for new events
	// (SYNC_BC_TIME, milliseconds on the wire).
	SyncInterval time.Duration `yaml:"sync_interval"`
	// RequestRetries bounds retryable ledger error retries.
	RequestRetries int `yaml:"request_retries"`
	// RetryDelay is the fixed delay between retries.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// RosterConfig identifies this node's position in the group.
type RosterConfig struct {
	// MyRosterIdx is this node's member index (MY_ROSTER_IDX).
	MyRosterIdx uint32 `yaml:"my_roster_idx"`
	// MaxRosterIdx is the group size (MAX_ROSTER_IDX).
	MaxRosterIdx uint32 `yaml:"max_roster_idx"`
}

// StorageConfig configures local, non-ledger persistence: the path-secret
// store and this node's own identity key.
type StorageConfig struct {
	// DataDir holds the path-secret store and the persisted identity key.
	DataDir string `yaml:"data_dir"`
	// IdentityKeyHex, if set, is the node's secp256k1 signing key
	// (overrides the persisted key file; intended for tests, not production).
	IdentityKeyHex string `yaml:"identity_key_hex"`
}

// KeyVaultConfig configures the attested backup/recovery side channel for
// path secrets. Empty Endpoint leaves the key vault disabled.
type KeyVaultConfig struct {
	// Endpoint is the key vault's base URL
	// (KEY_VAULT_ENDPOINT_FOR_STATE_RUNTIME). Empty disables the key vault.
	Endpoint string `yaml:"endpoint"`
	// IASURL is the attestation service URL used to verify the vault's
	// enclave quote out of band (IAS_URL).
	IASURL string `yaml:"ias_url"`
	// SubKey and SPID authenticate requests to the vault (SUB_KEY, SPID).
	SubKey string `yaml:"sub_key"`
	SPID   string `yaml:"spid"`
}

// HTTPConfig configures the node's external HTTP surface.
type HTTPConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Enabled reports whether the key vault has been configured.
func (k KeyVaultConfig) Enabled() bool {
	return k.Endpoint != ""
}

// Default returns the baseline configuration before environment and file
// overrides are applied.
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{
			AccountIndex:   0,
			Confirmations:  1,
			SyncInterval:   5 * time.Second,
			RequestRetries: 5,
			RetryDelay:     2 * time.Second,
		},
		Roster: RosterConfig{
			MyRosterIdx:  0,
			MaxRosterIdx: 1,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		HTTP: HTTPConfig{
			Enabled:      true,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config starting from Default, applying an optional YAML
// override file at path (skipped if path is empty or the file does not
// exist), then applying environment variables recognized per spec.md §6 —
// env vars take precedence over the file, mirroring the teacher's layered
// default/file/override approach. Validate is called before returning.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the environment variables named in spec.md §6 onto cfg.
// Unset variables leave the current value (default or file-provided) alone.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("ETH_URL"); ok {
		cfg.Ledger.EthURL = v
	}
	if v, ok := envInt("ACCOUNT_INDEX"); ok {
		cfg.Ledger.AccountIndex = v
	}
	if v, ok := envInt("CONFIRMATIONS"); ok {
		cfg.Ledger.Confirmations = v
	}
	if v, ok := os.LookupEnv("FACTORY_CONTRACT_ADDRESS"); ok {
		cfg.Ledger.FactoryContractAddress = v
	}
	if v, ok := envInt("SYNC_BC_TIME"); ok {
		cfg.Ledger.SyncInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := envUint32("MY_ROSTER_IDX"); ok {
		cfg.Roster.MyRosterIdx = v
	}
	if v, ok := envUint32("MAX_ROSTER_IDX"); ok {
		cfg.Roster.MaxRosterIdx = v
	}
	if v, ok := os.LookupEnv("IAS_URL"); ok {
		cfg.KeyVault.IASURL = v
	}
	if v, ok := os.LookupEnv("SUB_KEY"); ok {
		cfg.KeyVault.SubKey = v
	}
	if v, ok := os.LookupEnv("SPID"); ok {
		cfg.KeyVault.SPID = v
	}
	if v, ok := os.LookupEnv("KEY_VAULT_ENDPOINT_FOR_STATE_RUNTIME"); ok {
		cfg.KeyVault.Endpoint = v
	}
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envUint32(name string) (uint32, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// Validate rejects structurally invalid configuration as a *errs.PolicyError.
func (c *Config) Validate() error {
	var problems []string

	if c.Ledger.EthURL == "" {
		problems = append(problems, "ledger.eth_url (ETH_URL) is required")
	}
	if c.Ledger.Confirmations < 0 {
		problems = append(problems, "ledger.confirmations (CONFIRMATIONS) must not be negative")
	}
	if c.Ledger.SyncInterval <= 0 {
		problems = append(problems, "ledger.sync_interval (SYNC_BC_TIME) must be positive")
	}
	if c.Ledger.RequestRetries < 0 {
		problems = append(problems, "ledger.request_retries must not be negative")
	}

	if c.Roster.MaxRosterIdx == 0 {
		problems = append(problems, "roster.max_roster_idx (MAX_ROSTER_IDX) must be positive")
	}
	if c.Roster.MyRosterIdx >= c.Roster.MaxRosterIdx {
		problems = append(problems, "roster.my_roster_idx (MY_ROSTER_IDX) must be less than max_roster_idx")
	}

	if c.Storage.DataDir == "" {
		problems = append(problems, "storage.data_dir is required")
	}
	if c.Storage.IdentityKeyHex != "" {
		if _, err := hex.DecodeString(c.Storage.IdentityKeyHex); err != nil {
			problems = append(problems, "storage.identity_key_hex is not valid hex")
		}
	}

	if !isValidLogLevel(c.Log.Level) {
		problems = append(problems, fmt.Sprintf("log.level %q invalid (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		problems = append(problems, fmt.Sprintf("log.format %q invalid (must be text or json)", c.Log.Format))
	}

	if c.HTTP.Enabled && c.HTTP.Address == "" {
		problems = append(problems, "http.address is required when http.enabled")
	}

	if len(problems) > 0 {
		return errs.NewPolicy("invalid configuration:\n  - " + strings.Join(problems, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	default:
		return false
	}
}
