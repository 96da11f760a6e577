// Package config loads process configuration from the environment.
//
// A .env file in the working directory (or the path in AGENTBANK_ENV_FILE) is
// read first when present; real environment variables always win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of agentbankd.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	PGDSN    string
	LogLevel string
	Version  string

	// AuthSecret enables HS256 bearer verification when non-empty.
	AuthSecret string

	RedisAddr     string
	MappingTTL    time.Duration
	NATSURL       string
	KafkaBrokers  []string
	KafkaTopic    string
	AlertsSubject string

	// MinorUnits is the number of decimal places of the ledger currency.
	MinorUnits int32

	TrialBalanceInterval time.Duration
	// TrialBalanceEpsilon is the tolerated column difference in minor units.
	TrialBalanceEpsilon int64

	OutboxInterval    time.Duration
	OutboxBatch       int
	OutboxMaxAttempts int
	OutboxPerSecond   float64

	RateBurst  int
	RatePerSec int
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		HTTPAddr:             ":8080",
		GRPCAddr:             ":9091",
		LogLevel:             "info",
		Version:              "dev",
		MappingTTL:           time.Minute,
		KafkaTopic:           "agentbank.journal",
		AlertsSubject:        "agentbank.float",
		MinorUnits:           2,
		TrialBalanceInterval: 15 * time.Minute,
		OutboxInterval:       2 * time.Second,
		OutboxBatch:          50,
		OutboxMaxAttempts:    12,
		OutboxPerSecond:      20,
		RateBurst:            60,
		RatePerSec:           30,
	}
}

// Load reads the optional .env file and then the environment.
func Load() (Config, error) {
	envFile := os.Getenv("AGENTBANK_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary lookup function.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.str("AGENTBANK_HTTP_ADDR", &cfg.HTTPAddr)
	p.str("AGENTBANK_GRPC_ADDR", &cfg.GRPCAddr)
	p.str("AGENTBANK_PG_DSN", &cfg.PGDSN)
	p.str("AGENTBANK_LOG_LEVEL", &cfg.LogLevel)
	p.str("AGENTBANK_VERSION", &cfg.Version)
	p.str("AGENTBANK_AUTH_SECRET", &cfg.AuthSecret)
	p.str("AGENTBANK_REDIS_ADDR", &cfg.RedisAddr)
	p.duration("AGENTBANK_MAPPING_TTL", &cfg.MappingTTL)
	p.str("AGENTBANK_NATS_URL", &cfg.NATSURL)
	p.list("AGENTBANK_KAFKA_BROKERS", &cfg.KafkaBrokers)
	p.str("AGENTBANK_KAFKA_TOPIC", &cfg.KafkaTopic)
	p.str("AGENTBANK_ALERTS_SUBJECT", &cfg.AlertsSubject)
	p.int32("AGENTBANK_MINOR_UNITS", &cfg.MinorUnits)
	p.duration("AGENTBANK_TRIAL_BALANCE_INTERVAL", &cfg.TrialBalanceInterval)
	p.int64("AGENTBANK_TRIAL_BALANCE_EPSILON", &cfg.TrialBalanceEpsilon)
	p.duration("AGENTBANK_OUTBOX_INTERVAL", &cfg.OutboxInterval)
	p.int("AGENTBANK_OUTBOX_BATCH", &cfg.OutboxBatch)
	p.int("AGENTBANK_OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	p.float("AGENTBANK_OUTBOX_PER_SECOND", &cfg.OutboxPerSecond)
	p.int("AGENTBANK_RATE_BURST", &cfg.RateBurst)
	p.int("AGENTBANK_RATE_PER_SEC", &cfg.RatePerSec)

	if p.err != nil {
		return Config{}, p.err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.MinorUnits < 0 || c.MinorUnits > 6 {
		errs = append(errs, fmt.Errorf("AGENTBANK_MINOR_UNITS must be within 0..6, got %d", c.MinorUnits))
	}
	if c.TrialBalanceEpsilon < 0 {
		errs = append(errs, errors.New("AGENTBANK_TRIAL_BALANCE_EPSILON must be >= 0"))
	}
	if c.OutboxBatch <= 0 {
		errs = append(errs, errors.New("AGENTBANK_OUTBOX_BATCH must be > 0"))
	}
	if c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("AGENTBANK_OUTBOX_MAX_ATTEMPTS must be > 0"))
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		errs = append(errs, errors.New("rate limit settings must be > 0"))
	}
	return errors.Join(errs...)
}

type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) raw(key string) (string, bool) {
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.raw(key); ok {
		*dst = v
	}
}

func (p *parser) list(key string, dst *[]string) {
	v, ok := p.raw(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (p *parser) int(key string, dst *int) {
	if v, ok := p.raw(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = n
	}
}

func (p *parser) int32(key string, dst *int32) {
	if v, ok := p.raw(key); ok {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = int32(n)
	}
}

func (p *parser) int64(key string, dst *int64) {
	if v, ok := p.raw(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = n
	}
}

func (p *parser) float(key string, dst *float64) {
	if v, ok := p.raw(key); ok {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = n
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	if v, ok := p.raw(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = d
	}
}
