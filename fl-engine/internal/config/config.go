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

type Config struct {
	Addr        string
	DatabaseURL string
	Environment string
	LogLevel    string

	RoundDelayMin time.Duration
	RoundDelayMax time.Duration
	DefaultRounds int
	EpochPace     time.Duration
	MaxTrainDelay time.Duration

	JWTSecret       string
	AllowDebugToken bool
	DebugToken      string

	KafkaBrokers []string
	KafkaTopic   string

	ArchiveBucket string
	ArchivePrefix string

	SignerKeyB64 string
	SignerID     string
	KMSEndpoint  string
}

const (
	defaultAddr          = ":8071"
	defaultEnvironment   = "development"
	defaultLogLevel      = "info"
	defaultRoundDelayMin = time.Second
	defaultRoundDelayMax = 3 * time.Second
	defaultRounds        = 5
	defaultEpochPace     = 100 * time.Millisecond
	defaultMaxTrainDelay = 10 * time.Second
	defaultKafkaTopic    = "fl-engine.events"
	defaultArchivePrefix = "fl-engine"
	defaultSignerID      = "fl-engine-dev"
)

// Load reads configuration from the environment. A .env file in the working
// directory is applied first without overriding variables already set.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Config{
		Addr:            getEnv("FL_ENGINE_ADDR", defaultAddr),
		DatabaseURL:     firstNonEmpty(os.Getenv("FL_ENGINE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		Environment:     getEnv("NODE_ENV", defaultEnvironment),
		LogLevel:        getEnv("LOG_LEVEL", defaultLogLevel),
		RoundDelayMin:   getDuration("FL_ENGINE_ROUND_DELAY_MIN", defaultRoundDelayMin),
		RoundDelayMax:   getDuration("FL_ENGINE_ROUND_DELAY_MAX", defaultRoundDelayMax),
		DefaultRounds:   getInt("FL_ENGINE_DEFAULT_ROUNDS", defaultRounds),
		EpochPace:       getDuration("FL_ENGINE_EPOCH_PACE", defaultEpochPace),
		MaxTrainDelay:   getDuration("FL_ENGINE_MAX_TRAIN_DELAY", defaultMaxTrainDelay),
		JWTSecret:       os.Getenv("FL_ENGINE_JWT_SECRET"),
		AllowDebugToken: getBool("FL_ENGINE_ALLOW_DEBUG_TOKEN", false),
		DebugToken:      os.Getenv("FL_ENGINE_DEBUG_TOKEN"),
		KafkaBrokers:    getList("FL_ENGINE_KAFKA_BROKERS"),
		KafkaTopic:      getEnv("FL_ENGINE_KAFKA_TOPIC", defaultKafkaTopic),
		ArchiveBucket:   os.Getenv("FL_ENGINE_ARCHIVE_BUCKET"),
		ArchivePrefix:   getEnv("FL_ENGINE_ARCHIVE_PREFIX", defaultArchivePrefix),
		SignerKeyB64:    os.Getenv("FL_ENGINE_SIGNER_KEY_B64"),
		SignerID:        getEnv("FL_ENGINE_SIGNER_ID", defaultSignerID),
		KMSEndpoint:     firstNonEmpty(os.Getenv("FL_ENGINE_KMS_ENDPOINT"), os.Getenv("KMS_ENDPOINT")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

func (c Config) Validate() error {
	if c.RoundDelayMin < 0 || c.RoundDelayMax < c.RoundDelayMin {
		return fmt.Errorf("round delay range invalid: min %s max %s", c.RoundDelayMin, c.RoundDelayMax)
	}
	if c.DefaultRounds <= 0 {
		return fmt.Errorf("FL_ENGINE_DEFAULT_ROUNDS must be positive")
	}
	if c.AllowDebugToken && c.DebugToken == "" {
		return fmt.Errorf("FL_ENGINE_DEBUG_TOKEN required when FL_ENGINE_ALLOW_DEBUG_TOKEN is set")
	}
	if c.Production() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL or FL_ENGINE_DATABASE_URL required in production")
		}
		if c.JWTSecret == "" {
			return fmt.Errorf("FL_ENGINE_JWT_SECRET required in production")
		}
		if c.AllowDebugToken {
			return fmt.Errorf("FL_ENGINE_ALLOW_DEBUG_TOKEN is forbidden in production")
		}
		if c.KMSEndpoint == "" && c.SignerKeyB64 == "" {
			return fmt.Errorf("FL_ENGINE_SIGNER_KEY_B64 or FL_ENGINE_KMS_ENDPOINT required in production")
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getDuration accepts Go durations ("1500ms") or a bare number of milliseconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
