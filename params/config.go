package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Consensus struct {
	TimeoutBase   time.Duration // view timer at view 0
	TimeoutMax    time.Duration // cap on exponential view timeouts
	BlockInterval time.Duration // leader pause before drafting a proposal
	FutureWindow  uint64        // heights buffered ahead of the current one
}

type Node struct {
	DataDir     string
	GenesisPath string
	KeySeedHex  string // hex ed25519 seed of this validator
	ListenAddr  string // libp2p multiaddr
	Bootstrap   []string
	APIAddr     string
	LogFile     string
}

type Config struct {
	Consensus Consensus
	Node      Node
}

func Default() Config {
	return Config{
		Consensus: Consensus{
			TimeoutBase:   2 * time.Second,
			TimeoutMax:    2 * time.Minute,
			BlockInterval: 500 * time.Millisecond,
			FutureWindow:  8,
		},
		Node: Node{
			DataDir:     "data",
			GenesisPath: "genesis.json",
			APIAddr:     ":8080",
			LogFile:     "data/node.log",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and the
// environment. Priority: ENV > .env > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if ms := envInt("CONSENSUS_TIMEOUT_BASE_MS"); ms > 0 {
		cfg.Consensus.TimeoutBase = time.Duration(ms) * time.Millisecond
	}
	if ms := envInt("CONSENSUS_TIMEOUT_MAX_MS"); ms > 0 {
		cfg.Consensus.TimeoutMax = time.Duration(ms) * time.Millisecond
	}
	if ms := envInt("CONSENSUS_BLOCK_INTERVAL_MS"); ms > 0 {
		cfg.Consensus.BlockInterval = time.Duration(ms) * time.Millisecond
	}
	if w := envInt("CONSENSUS_FUTURE_WINDOW"); w > 0 {
		cfg.Consensus.FutureWindow = uint64(w)
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("GENESIS_FILE"); v != "" {
		cfg.Node.GenesisPath = v
	}
	if v := os.Getenv("VALIDATOR_KEY"); v != "" {
		cfg.Node.KeySeedHex = v
	}
	if v := os.Getenv("LISTEN"); v != "" {
		cfg.Node.ListenAddr = v
	}
	if v := os.Getenv("BOOTSTRAP"); v != "" {
		cfg.Node.Bootstrap = strings.Split(v, ",")
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}

	return cfg
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
