package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DatabaseSchemePostgres is the postgres database scheme identifier
	DatabaseSchemePostgres = "postgres"
)

// Consensus holds the parameters the engine is constructed with.
type Consensus struct {
	MinStake         uint64 // micro-token units
	MinStorage       uint64 // bytes
	MaxValidators    int
	MinBFTValidators int
	DevelopmentMode  bool // local/testing bootstrap only

	ProposeTimeout   time.Duration
	PrevoteTimeout   time.Duration
	PrecommitTimeout time.Duration
	CommitTimeout    time.Duration
	TimeoutDelta     time.Duration // added per round

	// Proposer selection: up to StorageWeightBps extra weight for storage up to StorageWeightCap bytes.
	StorageWeightBps uint64
	StorageWeightCap uint64
}

// DefaultConsensus returns production defaults.
func DefaultConsensus() Consensus {
	const minStorage = 100 << 30 // 100 GiB
	return Consensus{
		MinStake:         1000,
		MinStorage:       minStorage,
		MaxValidators:    100,
		MinBFTValidators: 4,
		ProposeTimeout:   3 * time.Second,
		PrevoteTimeout:   time.Second,
		PrecommitTimeout: time.Second,
		CommitTimeout:    time.Second,
		TimeoutDelta:     500 * time.Millisecond,
		StorageWeightBps: 1000,
		StorageWeightCap: 10 * minStorage,
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Consensus) Validate() error {
	if c.MaxValidators <= 0 {
		return errors.New("max validators must be positive")
	}
	if c.MinBFTValidators <= 0 {
		return errors.New("min BFT validators must be positive")
	}
	if c.ProposeTimeout <= 0 || c.PrevoteTimeout <= 0 || c.PrecommitTimeout <= 0 || c.CommitTimeout <= 0 {
		return errors.New("step timeouts must be positive")
	}
	if c.StorageWeightBps > 10000 {
		return fmt.Errorf("storage weight %d bps exceeds 10000", c.StorageWeightBps)
	}
	return nil
}

// Rewards parameterizes per-round reward emission.
type Rewards struct {
	BaseAllocation     uint64 // micro-tokens emitted per committed height
	HalvingInterval    uint64 // heights between halvings, 0 disables
	ReputationBonusBps uint64 // bonus at maximum reputation
	StorageBonusBps    uint64 // bonus for the largest storage provider
}

// DefaultRewards returns production reward parameters.
func DefaultRewards() Rewards {
	return Rewards{
		BaseAllocation:     50_000_000,
		HalvingInterval:    2_100_000,
		ReputationBonusBps: 2000,
		StorageBonusBps:    1000,
	}
}

// Validate rejects reward parameters that could overflow a round's total.
func (r Rewards) Validate() error {
	if r.ReputationBonusBps > 10000 || r.StorageBonusBps > 10000 {
		return fmt.Errorf("reward bonus exceeds 10000 bps (reputation=%d storage=%d)", r.ReputationBonusBps, r.StorageBonusBps)
	}
	return nil
}

type Config struct {
	ChainID      string
	KeyFile      string // optional: hex ed25519 private key, generated when empty
	DBDialect    string // postgres only
	DBDsn        string // DSN string passed to GORM driver
	MetricsAddr  string // optional: listen address for /metrics
	DiscoveryURL string // optional: peer endpoint serving validator announcements
	DiscoveryTTL time.Duration
	Debug        bool
	Consensus    Consensus
	Rewards      Rewards
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func getenvUint(key string, def uint64) uint64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %d\n", key, v, def)
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %s\n", key, v, def)
		return def
	}
	return d
}

// parseDatabaseURL interprets DATABASE_URL and returns (dialect, dsn).
// Supported schemes: postgres, postgresql.
func parseDatabaseURL(databaseURL string) (string, string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", "", err
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case DatabaseSchemePostgres, "postgresql":
		// GORM postgres driver accepts URL DSN as-is
		return DatabaseSchemePostgres, databaseURL, nil
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_URL scheme: %s", u.Scheme)
	}
}

func Load() Config {
	def := DefaultConsensus()
	rdef := DefaultRewards()
	cfg := Config{
		ChainID:      getenv("CHAIN_ID", "consensus-core"),
		KeyFile:      os.Getenv("KEY_FILE"),
		MetricsAddr:  os.Getenv("METRICS_ADDR"),
		DiscoveryURL: os.Getenv("DISCOVERY_URL"),
		DiscoveryTTL: getenvDuration("DISCOVERY_TTL", 5*time.Minute),
		Debug:        getenvBool("DEBUG", false),
		Consensus: Consensus{
			MinStake:         getenvUint("MIN_STAKE", def.MinStake),
			MinStorage:       getenvUint("MIN_STORAGE", def.MinStorage),
			MaxValidators:    int(getenvUint("MAX_VALIDATORS", uint64(def.MaxValidators))),
			MinBFTValidators: int(getenvUint("MIN_BFT_VALIDATORS", uint64(def.MinBFTValidators))),
			DevelopmentMode:  getenvBool("DEVELOPMENT_MODE", false),
			ProposeTimeout:   getenvDuration("PROPOSE_TIMEOUT", def.ProposeTimeout),
			PrevoteTimeout:   getenvDuration("PREVOTE_TIMEOUT", def.PrevoteTimeout),
			PrecommitTimeout: getenvDuration("PRECOMMIT_TIMEOUT", def.PrecommitTimeout),
			CommitTimeout:    getenvDuration("COMMIT_TIMEOUT", def.CommitTimeout),
			TimeoutDelta:     getenvDuration("TIMEOUT_DELTA", def.TimeoutDelta),
			StorageWeightBps: getenvUint("STORAGE_WEIGHT_BPS", def.StorageWeightBps),
			StorageWeightCap: getenvUint("STORAGE_WEIGHT_CAP", def.StorageWeightCap),
		},
		Rewards: Rewards{
			BaseAllocation:     getenvUint("REWARD_BASE", rdef.BaseAllocation),
			HalvingInterval:    getenvUint("REWARD_HALVING_INTERVAL", rdef.HalvingInterval),
			ReputationBonusBps: getenvUint("REWARD_REPUTATION_BPS", rdef.ReputationBonusBps),
			StorageBonusBps:    getenvUint("REWARD_STORAGE_BPS", rdef.StorageBonusBps),
		},
	}

	if dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL")); dbURL != "" {
		if dialect, dsn, err := parseDatabaseURL(dbURL); err == nil {
			cfg.DBDialect = dialect
			cfg.DBDsn = dsn
		} else {
			fmt.Fprintf(os.Stderr, "warning: invalid DATABASE_URL, disabling persistence: %v\n", err)
		}
	}

	return cfg
}

func (c Config) String() string {
	return fmt.Sprintf("chain=%s db=%s dev=%t", c.ChainID, c.DBDialect, c.Consensus.DevelopmentMode)
}

// DebugString returns a human-friendly configuration string with masked secrets.
func (c Config) DebugString() string {
	return fmt.Sprintf(
		"chain=%s db=%s dsn=%s metrics=%s discovery=%s min_stake=%d min_storage=%d max_validators=%d dev=%t",
		c.ChainID,
		c.DBDialect,
		maskDSN(c.DBDialect, c.DBDsn),
		c.MetricsAddr,
		c.DiscoveryURL,
		c.Consensus.MinStake,
		c.Consensus.MinStorage,
		c.Consensus.MaxValidators,
		c.Consensus.DevelopmentMode,
	)
}

func maskDSN(dialect, dsn string) string {
	switch strings.ToLower(dialect) {
	case DatabaseSchemePostgres:
		if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
			if u.User != nil {
				username := u.User.Username()
				u.User = url.User(username)
			}
			return u.String()
		}
		// Fallback for DSN as key-value list
		parts := strings.Fields(dsn)
		for i, p := range parts {
			lower := strings.ToLower(p)
			if strings.HasPrefix(lower, "password=") {
				parts[i] = "password=***"
			}
		}
		return strings.Join(parts, " ")
	default:
		return dsn
	}
}
