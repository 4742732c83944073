package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
)

var cfg *Config
var loadErr error
var once sync.Once

// Config is the configuration for the application
type Config struct {
	Server
	PostgreSQL
	Process
	Logging
	Chain
	Wallet
	Swap
	Gas
	Settlement
	Payout
	Webhook
	Recovery
}

// Process holds the cadence of the background jobs.
type Process struct {
	PollInterval     time.Duration `env:"PROCESS_POLL_INTERVAL" envDefault:"15s"`
	AdvanceInterval  time.Duration `env:"PROCESS_ADVANCE_INTERVAL" envDefault:"30s"`
	RecoveryInterval time.Duration `env:"PROCESS_RECOVERY_INTERVAL" envDefault:"10m"`
	AdvanceTimeout   time.Duration `env:"PROCESS_ADVANCE_TIMEOUT" envDefault:"5m"`
	BatchSize        int           `env:"PROCESS_BATCH_SIZE" envDefault:"50"`
	WebhookWorkers   int           `env:"PROCESS_WEBHOOK_WORKERS" envDefault:"8"`
	SettleDelay      time.Duration `env:"PROCESS_SETTLE_DELAY" envDefault:"5s"`
}

// Server is the configuration for the server
type Server struct {
	Port       string `env:"PORT" envDefault:"8080"`
	AdminToken string `env:"ADMIN_TOKEN" envDefault:""`
}

// Addr returns the address for the server
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%s", "0.0.0.0", s.Port)
}

// PostgreSQL is the configuration for the database
type PostgreSQL struct {
	Driver          string `env:"DB_DRIVER" envDefault:"postgres"`
	Host            string `env:"DB_HOST" envDefault:"localhost"`
	Port            string `env:"DB_PORT" envDefault:"5432"`
	Database        string `env:"DB_DATABASE" envDefault:"offramp"`
	Username        string `env:"DB_USERNAME" envDefault:"offramp"`
	Password        string `env:"DB_PASSWORD" envDefault:"offramp"`
	SSLMode         string `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConnAttempts int    `env:"DB_MAX_CONN_ATTEMPTS" envDefault:"5"`
	AutoMigrate     bool   `env:"DB_AUTO_MIGRATE" envDefault:"true"`
}

// DSN returns the DSN for the database
func (c PostgreSQL) DSN() string {
	return fmt.Sprintf("%s://%s:%s@%s:%s/%s?sslmode=%s",
		c.Driver,
		c.Username,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
	)
}

// InMemory reports whether the ledger should live in process memory (dev only).
func (c PostgreSQL) InMemory() bool {
	return strings.EqualFold(c.Driver, "memory")
}

type Logging struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
	File  string `env:"LOG_FILE" envDefault:""`
}

// Chain describes the EVM network deposits arrive on.
type Chain struct {
	RPCURL             string        `env:"CHAIN_RPC_URL" envDefault:""`
	ChainID            int64         `env:"CHAIN_ID" envDefault:"8453"`
	StableToken        string        `env:"CHAIN_STABLE_TOKEN" envDefault:"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"`
	Tokens             []string      `env:"CHAIN_TOKENS" envDefault:""`
	Confirmations      int           `env:"CHAIN_CONFIRMATIONS" envDefault:"1"`
	ReceiptAttempts    int           `env:"CHAIN_RECEIPT_ATTEMPTS" envDefault:"40"`
	ReceiptInterval    time.Duration `env:"CHAIN_RECEIPT_INTERVAL" envDefault:"3s"`
	CallTimeout        time.Duration `env:"CHAIN_CALL_TIMEOUT" envDefault:"15s"`
	TokenCacheCapacity int           `env:"CHAIN_TOKEN_CACHE" envDefault:"256"`
}

// Wallet holds the process-wide secrets. They are read-only after startup.
type Wallet struct {
	MasterSeed      string `env:"WALLET_MASTER_SEED" envDefault:""`
	EncryptionKey   string `env:"WALLET_ENCRYPTION_KEY" envDefault:""`
	FundingKey      string `env:"WALLET_FUNDING_KEY" envDefault:""`
	TreasuryAddress string `env:"WALLET_TREASURY_ADDRESS" envDefault:""`
}

type Swap struct {
	AggregatorURL    string        `env:"SWAP_AGGREGATOR_URL" envDefault:"https://api.0x.org"`
	AggregatorAPIKey string        `env:"SWAP_AGGREGATOR_API_KEY" envDefault:""`
	AggregatorRPS    float64       `env:"SWAP_AGGREGATOR_RPS" envDefault:"5"`
	Timeout          time.Duration `env:"SWAP_TIMEOUT" envDefault:"20s"`
	SlippageBps      int           `env:"SWAP_SLIPPAGE_BPS" envDefault:"100"`
	MaxAttempts      int           `env:"SWAP_MAX_ATTEMPTS" envDefault:"3"`
	DiscrepancyBps   int           `env:"SWAP_DISCREPANCY_BPS" envDefault:"300"`
	DexRouter        string        `env:"SWAP_DEX_ROUTER" envDefault:""`
	WrappedNative    string        `env:"SWAP_WRAPPED_NATIVE" envDefault:"0x4200000000000000000000000000000000000006"`
	DexRoutes        []string      `env:"SWAP_DEX_ROUTES" envDefault:""`
	DustRaw          int64         `env:"SWAP_DUST_RAW" envDefault:"0"`
}

type Gas struct {
	MinBalanceWei  string  `env:"GAS_MIN_BALANCE_WEI" envDefault:"20000000000000"`
	GasPerOp       uint64  `env:"GAS_PER_OP" envDefault:"250000"`
	Margin         float64 `env:"GAS_MARGIN" envDefault:"0.2"`
	ReserveOps     int     `env:"GAS_RESERVE_OPS" envDefault:"2"`
	MaxTopUpWei    string  `env:"GAS_MAX_TOPUP_WEI" envDefault:"5000000000000000"`
	NativeDustWei  string  `env:"GAS_NATIVE_DUST_WEI" envDefault:"1000000000000000"`
	SweepOnSettled bool    `env:"GAS_SWEEP_ON_SETTLED" envDefault:"true"`
}

type Settlement struct {
	ExchangeRate    string `env:"SETTLEMENT_EXCHANGE_RATE" envDefault:"1500"`
	FeeSchedulePath string `env:"SETTLEMENT_FEE_SCHEDULE" envDefault:""`
	MaxPayoutTries  int    `env:"SETTLEMENT_MAX_PAYOUT_ATTEMPTS" envDefault:"3"`
	Currency        string `env:"SETTLEMENT_CURRENCY" envDefault:"NGN"`
}

type Payout struct {
	BaseURL   string        `env:"PAYOUT_BASE_URL" envDefault:"https://api.paystack.co"`
	SecretKey string        `env:"PAYOUT_SECRET_KEY" envDefault:""`
	Timeout   time.Duration `env:"PAYOUT_TIMEOUT" envDefault:"15s"`
	RPS       float64       `env:"PAYOUT_RPS" envDefault:"10"`
}

type Webhook struct {
	Secret          string        `env:"WEBHOOK_SECRET" envDefault:""`
	SignatureHeader string        `env:"WEBHOOK_SIGNATURE_HEADER" envDefault:"X-Webhook-Signature"`
	MaxAge          time.Duration `env:"WEBHOOK_MAX_AGE" envDefault:"5m"`
}

type Recovery struct {
	PendingExpiry   time.Duration `env:"RECOVERY_PENDING_EXPIRY" envDefault:"1h"`
	StallThreshold  time.Duration `env:"RECOVERY_STALL_THRESHOLD" envDefault:"30m"`
	DuplicateWindow time.Duration `env:"RECOVERY_DUPLICATE_WINDOW" envDefault:"10m"`
}

// Load loads the configuration from environment variables
func Load() (*Config, error) {
	once.Do(func() {
		cfg, loadErr = LoadFrom(os.LookupEnv)
	})

	return cfg, loadErr
}

// LoadFrom populates a Config using lookup instead of the process environment.
func LoadFrom(lookup func(string) (string, bool)) (*Config, error) {
	c := &Config{}
	cfgType := reflect.TypeOf(*c)
	cfgValue := reflect.ValueOf(c).Elem()

	for i := 0; i < cfgType.NumField(); i++ {
		field := cfgType.Field(i)
		fieldValue := cfgValue.Field(i)
		for j := 0; j < field.Type.NumField(); j++ {
			subField := field.Type.Field(j)
			envVar := subField.Tag.Get("env")
			if envVar == "" {
				continue
			}
			value := getEnv(lookup, envVar, subField.Tag.Get("envDefault"))
			if err := setField(fieldValue.Field(j), value); err != nil {
				return nil, apperrors.NewConfigurationError(fmt.Sprintf("%s: %v", envVar, err))
			}
		}
	}

	return c, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(v reflect.Value, raw string) error {
	if v.Type() == durationType {
		if raw == "" {
			v.SetInt(0)
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		v.SetInt(int64(d))
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Int, reflect.Int64:
		if raw == "" {
			v.SetInt(0)
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint64:
		if raw == "" {
			v.SetUint(0)
			return nil
		}
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float64:
		if raw == "" {
			v.SetFloat(0)
			return nil
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		v.SetFloat(f)
	case reflect.Bool:
		if raw == "" {
			v.SetBool(false)
			return nil
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Slice:
		items := make([]string, 0)
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		v.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported kind %s", v.Kind())
	}
	return nil
}

// getEnv retrieves the value of the environment variable named by the key or returns the defaultValue if not set
func getEnv(lookup func(string) (string, bool), key, defaultValue string) string {
	value, exists := lookup(key)
	if !exists {
		value = defaultValue
	}
	return value
}
