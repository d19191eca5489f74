// Package config loads process configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"consecutive/internal/domain/auth"
	"consecutive/internal/domain/sequence"
	"consecutive/internal/infrastructure/lease"
	"consecutive/internal/infrastructure/storage/postgres"
	"consecutive/pkg/logger"
)

// Storage backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Lease backends.
const (
	LeaseStore = "store"
	LeaseRedis = "redis"
)

// Logging configures pkg/logger.
type Logging struct {
	Level       string
	Development bool
	File        string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
}

// Logger returns the logger configuration.
func (l Logging) Logger() logger.Config {
	return logger.Config{
		Level:       l.Level,
		Development: l.Development,
		File:        l.File,
		MaxSizeMB:   l.MaxSizeMB,
		MaxBackups:  l.MaxBackups,
		MaxAgeDays:  l.MaxAgeDays,
	}
}

// Storage selects and configures the sequence store.
type Storage struct {
	Backend     string
	DatabaseURL string
	MaxConns    int
}

// Pool returns the connection pool configuration for the postgres backend.
func (s Storage) Pool() postgres.PoolConfig {
	cfg := postgres.DefaultPoolConfig(s.DatabaseURL)
	if s.MaxConns > 0 {
		cfg.MaxConns = int32(s.MaxConns)
	}
	return cfg
}

// Lease selects the lease backend and the acquisition policy.
type Lease struct {
	Backend string
	Redis   lease.RedisConfig
	Policy  sequence.LeasePolicy
}

// Engine holds the allocation engine settings shared by every process.
type Engine struct {
	Logging
	Storage Storage
	Lease   Lease

	ReservationTTL time.Duration
	SweepInterval  time.Duration
}

// Server is the configuration of cmd/server.
type Server struct {
	Engine

	Port           string
	Env            string
	SweeperEnabled bool
	MetricsEnabled bool
	JWT            auth.JWTConfig
	ShutdownGrace  time.Duration
}

// Worker is the configuration of cmd/worker.
type Worker struct {
	Engine
}

// LoadServer reads the server configuration.
func LoadServer() (Server, error) {
	env := getEnv("APP_ENV", "development")
	cfg := Server{
		Engine:         loadEngine(env),
		Port:           getEnv("APP_PORT", "8080"),
		Env:            env,
		SweeperEnabled: getEnvBool("SWEEPER_ENABLED", true),
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		ShutdownGrace:  getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),
	}

	cfg.JWT = auth.DefaultJWTConfig(os.Getenv("JWT_SECRET"))
	cfg.JWT.Issuer = getEnv("JWT_ISSUER", cfg.JWT.Issuer)
	cfg.JWT.AccessTokenTTL = getEnvDuration("JWT_TTL", cfg.JWT.AccessTokenTTL)

	var errs []error
	if cfg.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	errs = append(errs, cfg.Engine.validate()...)
	return cfg, errors.Join(errs...)
}

// LoadWorker reads the worker configuration. The worker shares state with servers,
// so only the postgres store is accepted.
func LoadWorker() (Worker, error) {
	cfg := Worker{Engine: loadEngine(getEnv("APP_ENV", "development"))}
	if cfg.Storage.Backend != StorePostgres {
		return cfg, fmt.Errorf("worker requires STORE=%s, got %q", StorePostgres, cfg.Storage.Backend)
	}
	return cfg, errors.Join(cfg.Engine.validate()...)
}

func loadEngine(env string) Engine {
	def := sequence.DefaultLeasePolicy()
	return Engine{
		Logging: Logging{
			Level:       getEnv("LOG_LEVEL", "info"),
			Development: env == "development",
			File:        os.Getenv("LOG_FILE"),
			MaxSizeMB:   getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups:  getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays:  getEnvInt("LOG_MAX_AGE_DAYS", 30),
		},
		Storage: Storage{
			Backend:     getEnv("STORE", StoreMemory),
			DatabaseURL: os.Getenv("DATABASE_URL"),
			MaxConns:    getEnvInt("DB_MAX_CONNS", 20),
		},
		Lease: Lease{
			Backend: getEnv("LEASE_BACKEND", LeaseStore),
			Redis: lease.RedisConfig{
				Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
				Password:  os.Getenv("REDIS_PASSWORD"),
				DB:        getEnvInt("REDIS_DB", 0),
				KeyPrefix: os.Getenv("REDIS_KEY_PREFIX"),
			},
			Policy: sequence.LeasePolicy{
				TTL:         getEnvDuration("LEASE_TTL", def.TTL),
				Attempts:    getEnvInt("LEASE_ATTEMPTS", def.Attempts),
				BaseBackoff: getEnvDuration("LEASE_BASE_BACKOFF", def.BaseBackoff),
				MaxBackoff:  getEnvDuration("LEASE_MAX_BACKOFF", def.MaxBackoff),
				Deadline:    getEnvDuration("LEASE_DEADLINE", def.Deadline),
			},
		},
		ReservationTTL: getEnvDuration("RESERVATION_TTL", sequence.DefaultReservationTTL),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", sequence.DefaultSweepInterval),
	}
}

func (e Engine) validate() []error {
	var errs []error
	switch e.Storage.Backend {
	case StoreMemory:
	case StorePostgres:
		if e.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for STORE=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE %q", e.Storage.Backend))
	}

	switch e.Lease.Backend {
	case LeaseStore, LeaseRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown LEASE_BACKEND %q", e.Lease.Backend))
	}
	if e.Lease.Backend == LeaseRedis && e.Storage.Backend == StoreMemory {
		errs = append(errs, errors.New("LEASE_BACKEND=redis needs a shared store"))
	}

	if e.Lease.Policy.Deadline > 0 && e.Lease.Policy.TTL > 0 && e.Lease.Policy.Deadline >= e.Lease.Policy.TTL {
		errs = append(errs, errors.New("LEASE_DEADLINE must be shorter than LEASE_TTL"))
	}
	return errs
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
