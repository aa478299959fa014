package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Transport struct {
	URL           string
	MaxFrameBytes int64 // inbound frames above this are rejected unparsed
	WriteTimeout  time.Duration
	DialTimeout   time.Duration
}

type RPC struct {
	RequestTimeout time.Duration // pending requests older than this are rejected by the sweep
	SweepInterval  time.Duration
}

type Heartbeat struct {
	Tick         time.Duration
	PingInterval time.Duration // send-side idle window before a liveness probe
	// ReceiveTimeoutMult multiplies PingInterval to get the receive-side silence limit.
	ReceiveTimeoutMult int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	MaxAttempts        int
}

// ReceiveTimeout is the receive-side silence after which the connection is treated as dead.
func (h Heartbeat) ReceiveTimeout() time.Duration {
	return h.PingInterval * time.Duration(h.ReceiveTimeoutMult)
}

type Batch struct {
	MaxSize    int
	FlushDelay time.Duration
}

type Settlement struct {
	// Token is the contract of the collected/paid asset; empty means the native coin.
	Token        string
	MinValue     decimal.Decimal
	ItemDelay    time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	PollInterval time.Duration

	// PayoutBatchSize caps how many payouts go into one batch transfer.
	PayoutBatchSize int
}

type Node struct {
	Chain       string
	ShardCount  int
	EVMRPCURL   string
	EVMChainID  int64
	Settler     string // settlement contract address
	SignerKey   string // hex private key; empty runs settlement read-only
	JournalPath string
	WALPath     string
	APIAddr     string
	LogFile     string
	LogLevel    string
}

type Config struct {
	Transport  Transport
	RPC        RPC
	Heartbeat  Heartbeat
	Batch      Batch
	Settlement Settlement
	Node       Node
}

func Default() Config {
	return Config{
		Transport: Transport{
			MaxFrameBytes: 1 << 20,
			WriteTimeout:  10 * time.Second,
			DialTimeout:   10 * time.Second,
		},
		RPC: RPC{
			RequestTimeout: 30 * time.Second,
			SweepInterval:  time.Second,
		},
		Heartbeat: Heartbeat{
			Tick:               time.Second,
			PingInterval:       10 * time.Second,
			ReceiveTimeoutMult: 3,
			BaseDelay:          time.Second,
			MaxDelay:           30 * time.Second,
			MaxAttempts:        5,
		},
		Batch: Batch{
			MaxSize:    100,
			FlushDelay: 100 * time.Millisecond,
		},
		Settlement: Settlement{
			MinValue:     decimal.NewFromInt(1_000_000), // 1 USDT in 6-decimal base units
			ItemDelay:    time.Second,
			MaxRetries:   3,
			RetryBackoff: 3 * time.Second,
			PollInterval: 2 * time.Second,

			PayoutBatchSize: 50,
		},
		Node: Node{
			Chain:       "tron",
			ShardCount:  16,
			JournalPath: "data/journal",
			WALPath:     "data/settlement.wal",
			APIAddr:     ":8080",
			LogFile:     "data/merchantd.log",
			LogLevel:    "info",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Transport.URL = getEnv("WS_URL", cfg.Transport.URL)
	cfg.Transport.MaxFrameBytes = int64(getInt("WS_MAX_FRAME_BYTES", int(cfg.Transport.MaxFrameBytes)))
	cfg.Transport.WriteTimeout = getMillis("WS_WRITE_TIMEOUT_MS", cfg.Transport.WriteTimeout)
	cfg.Transport.DialTimeout = getMillis("WS_DIAL_TIMEOUT_MS", cfg.Transport.DialTimeout)

	cfg.RPC.RequestTimeout = getMillis("RPC_REQUEST_TIMEOUT_MS", cfg.RPC.RequestTimeout)
	cfg.RPC.SweepInterval = getMillis("RPC_SWEEP_INTERVAL_MS", cfg.RPC.SweepInterval)

	cfg.Heartbeat.Tick = getMillis("HB_TICK_MS", cfg.Heartbeat.Tick)
	cfg.Heartbeat.PingInterval = getMillis("HB_PING_INTERVAL_MS", cfg.Heartbeat.PingInterval)
	cfg.Heartbeat.ReceiveTimeoutMult = getInt("HB_RECEIVE_TIMEOUT_MULT", cfg.Heartbeat.ReceiveTimeoutMult)
	cfg.Heartbeat.BaseDelay = getMillis("RECONNECT_BASE_DELAY_MS", cfg.Heartbeat.BaseDelay)
	cfg.Heartbeat.MaxDelay = getMillis("RECONNECT_MAX_DELAY_MS", cfg.Heartbeat.MaxDelay)
	cfg.Heartbeat.MaxAttempts = getInt("RECONNECT_MAX_ATTEMPTS", cfg.Heartbeat.MaxAttempts)

	cfg.Batch.MaxSize = getInt("BATCH_MAX_SIZE", cfg.Batch.MaxSize)
	cfg.Batch.FlushDelay = getMillis("BATCH_FLUSH_DELAY_MS", cfg.Batch.FlushDelay)

	cfg.Settlement.Token = getEnv("SETTLE_TOKEN", cfg.Settlement.Token)
	if v := os.Getenv("SETTLE_MIN_VALUE"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			cfg.Settlement.MinValue = d
		}
	}
	cfg.Settlement.ItemDelay = getMillis("SETTLE_ITEM_DELAY_MS", cfg.Settlement.ItemDelay)
	cfg.Settlement.MaxRetries = getInt("SETTLE_MAX_RETRIES", cfg.Settlement.MaxRetries)
	cfg.Settlement.RetryBackoff = getMillis("SETTLE_RETRY_BACKOFF_MS", cfg.Settlement.RetryBackoff)
	cfg.Settlement.PollInterval = getMillis("SETTLE_POLL_INTERVAL_MS", cfg.Settlement.PollInterval)
	cfg.Settlement.PayoutBatchSize = getInt("SETTLE_PAYOUT_BATCH_SIZE", cfg.Settlement.PayoutBatchSize)

	cfg.Node.Chain = getEnv("CHAIN", cfg.Node.Chain)
	cfg.Node.ShardCount = getInt("SHARD_COUNT", cfg.Node.ShardCount)
	cfg.Node.EVMRPCURL = getEnv("EVM_RPC_URL", cfg.Node.EVMRPCURL)
	cfg.Node.EVMChainID = int64(getInt("EVM_CHAIN_ID", int(cfg.Node.EVMChainID)))
	cfg.Node.Settler = getEnv("SETTLER_ADDRESS", cfg.Node.Settler)
	cfg.Node.SignerKey = getEnv("SIGNER_KEY", cfg.Node.SignerKey)
	cfg.Node.JournalPath = getEnv("JOURNAL_PATH", cfg.Node.JournalPath)
	cfg.Node.WALPath = getEnv("WAL_PATH", cfg.Node.WALPath)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
