package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tourflow/internal/reliability"
)

// ServiceConfig names the process and selects the roles it runs.
type ServiceConfig struct {
	Name     string
	Roles    string
	LogLevel string
}

// HTTPConfig holds the order API listener settings.
type HTTPConfig struct {
	Addr              string
	ShutdownTimeout   time.Duration
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// GRPCConfig holds the health server address and its rate limiting.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string
}

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// ProductSeed is a product loaded into the ledger at startup.
type ProductSeed struct {
	ID    string
	Stock int
	Price float64
}

// StoreConfig selects the persistence driver.
type StoreConfig struct {
	Driver          string
	DatabaseURL     string
	MaxOpenConns    *int
	MaxIdleConns    *int
	ConnMaxLifetime *time.Duration
	SetupTimeout    time.Duration
	Seed            []ProductSeed
}

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	StreamMaxLen       int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

const (
	BusMemory = "memory"
	BusRedis  = "redis"
	BusKafka  = "kafka"
)

// BusConfig selects and tunes the message bus backend.
type BusConfig struct {
	Driver               string
	Group                string
	Consumer             string
	Workers              int
	QueueSize            int
	BatchSize            int
	BlockTime            time.Duration
	ClaimMinIdle         time.Duration
	PendingCheckInterval time.Duration
	MaxDeliveries        int
	RetryBackoff         time.Duration
	KafkaBrokers         []string
}

// InventoryConfig tunes reservation holds and the expiry sweep.
type InventoryConfig struct {
	HoldWindow    time.Duration
	SweepSchedule string
	SweepBatch    int
}

// PaymentConfig tunes the simulated payment gateway.
type PaymentConfig struct {
	SuccessRate   float64
	Seed          uint64
	Methods       []string
	PriceCacheTTL time.Duration
}

// AuthConfig holds the bearer token signing settings.
type AuthConfig struct {
	Secret   string
	TokenTTL time.Duration
}

// LoadService reads the service name, roles and log level from env.
func LoadService() (ServiceConfig, error) {
	return ServiceConfig{
		Name:     stringOr("SERVICE_NAME", "tourflow"),
		Roles:    strings.TrimSpace(os.Getenv("SERVICE_ROLES")),
		LogLevel: stringOr("LOG_LEVEL", "info"),
	}, nil
}

// LoadHTTP reads the API listener settings from env. A zero burst disables
// ingress rate limiting.
func LoadHTTP() (HTTPConfig, error) {
	cfg := HTTPConfig{Addr: stringOr("HTTP_ADDR", ":8080")}
	var err error
	if cfg.ShutdownTimeout, err = durationOr("HTTP_SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = durationOr("HTTP_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOr("HTTP_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadGRPC reads gRPC ingress rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	interval, err := requiredDuration("GRPC_RATE_LIMIT_INTERVAL")
	if err != nil {
		return GRPCConfig{}, err
	}
	burst, err := requiredInt("GRPC_RATE_LIMIT_BURST")
	if err != nil {
		return GRPCConfig{}, err
	}
	return GRPCConfig{
		Addr:              stringOr("GRPC_ADDR", ":50051"),
		RateLimitInterval: interval,
		RateLimitBurst:    burst,
	}, nil
}

// LoadObservability reads metrics HTTP server address from env.
func LoadObservability() (ObservabilityConfig, error) {
	addr, err := requiredString("OBS_ADDR")
	if err != nil {
		return ObservabilityConfig{}, err
	}
	return ObservabilityConfig{Addr: addr}, nil
}

// LoadStore reads the store driver from env. DATABASE_URL is required for the
// postgres driver, which is the default when it is set.
func LoadStore() (StoreConfig, error) {
	cfg := StoreConfig{DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL"))}
	def := StoreMemory
	if cfg.DatabaseURL != "" {
		def = StorePostgres
	}
	cfg.Driver = strings.ToLower(stringOr("STORE_DRIVER", def))

	var err error
	switch cfg.Driver {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return cfg, errors.New("DATABASE_URL is required")
		}
		if cfg.MaxOpenConns, err = optionalInt("DB_MAX_OPEN_CONNS"); err != nil {
			return cfg, err
		}
		if cfg.MaxIdleConns, err = optionalInt("DB_MAX_IDLE_CONNS"); err != nil {
			return cfg, err
		}
		if cfg.ConnMaxLifetime, err = optionalDuration("DB_CONN_MAX_LIFETIME"); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("STORE_DRIVER: unknown driver %q", cfg.Driver)
	}
	if cfg.SetupTimeout, err = durationOr("DB_SETUP_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.Seed, err = parseSeed("SEED_PRODUCTS"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	var cfg RedisConfig

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = requiredDuration("REDIS_HEALTHCHECK_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.StreamMaxLen, err = requiredInt64("REDIS_STREAM_MAXLEN"); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadBus reads the bus driver and consumer tuning from env.
func LoadBus() (BusConfig, error) {
	host, _ := os.Hostname()
	if host == "" {
		host = "tourflow"
	}
	cfg := BusConfig{
		Driver:   strings.ToLower(stringOr("BUS_DRIVER", BusMemory)),
		Group:    stringOr("BUS_GROUP", "tourflow"),
		Consumer: stringOr("BUS_CONSUMER", host),
	}

	var err error
	if cfg.Workers, err = intOr("BUS_WORKERS", 8); err != nil {
		return cfg, err
	}
	if cfg.QueueSize, err = intOr("BUS_QUEUE_SIZE", 256); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = intOr("BUS_BATCH_SIZE", 16); err != nil {
		return cfg, err
	}
	if cfg.BlockTime, err = durationOr("BUS_BLOCK_TIME", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ClaimMinIdle, err = durationOr("BUS_CLAIM_MIN_IDLE", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.PendingCheckInterval, err = durationOr("BUS_PENDING_CHECK_INTERVAL", 15*time.Second); err != nil {
		return cfg, err
	}
	if cfg.MaxDeliveries, err = intOr("BUS_MAX_DELIVERIES", 5); err != nil {
		return cfg, err
	}
	if cfg.RetryBackoff, err = durationOr("BUS_RETRY_BACKOFF", 500*time.Millisecond); err != nil {
		return cfg, err
	}

	switch cfg.Driver {
	case BusMemory, BusRedis:
	case BusKafka:
		cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
		if len(cfg.KafkaBrokers) == 0 {
			return cfg, errors.New("KAFKA_BROKERS is required")
		}
	default:
		return cfg, fmt.Errorf("BUS_DRIVER: unknown driver %q", cfg.Driver)
	}
	return cfg, nil
}

// LoadInventory reads reservation hold and sweep settings from env.
func LoadInventory() (InventoryConfig, error) {
	cfg := InventoryConfig{SweepSchedule: stringOr("INVENTORY_SWEEP_SCHEDULE", "@every 30s")}
	var err error
	if cfg.HoldWindow, err = durationOr("INVENTORY_HOLD_WINDOW", 10*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.HoldWindow == 0 {
		return cfg, errors.New("INVENTORY_HOLD_WINDOW must be > 0")
	}
	if cfg.SweepBatch, err = intOr("INVENTORY_SWEEP_BATCH", 100); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadPayment reads the simulated gateway settings from env.
func LoadPayment() (PaymentConfig, error) {
	cfg := PaymentConfig{
		SuccessRate: 0.8,
		Seed:        uint64(time.Now().UnixNano()),
		Methods:     splitList(os.Getenv("PAYMENT_METHODS")),
	}
	if raw := strings.TrimSpace(os.Getenv("PAYMENT_SUCCESS_RATE")); raw != "" {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return cfg, fmt.Errorf("PAYMENT_SUCCESS_RATE: %w", err)
		}
		if rate < 0 || rate > 1 {
			return cfg, errors.New("PAYMENT_SUCCESS_RATE must be between 0 and 1")
		}
		cfg.SuccessRate = rate
	}
	if raw := strings.TrimSpace(os.Getenv("PAYMENT_RANDOM_SEED")); raw != "" {
		seed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("PAYMENT_RANDOM_SEED: %w", err)
		}
		cfg.Seed = seed
	}
	var err error
	if cfg.PriceCacheTTL, err = durationOr("PAYMENT_PRICE_CACHE_TTL", 5*time.Minute); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadAuth reads the token secret from env.
func LoadAuth() (AuthConfig, error) {
	secret, err := requiredString("AUTH_TOKEN_SECRET")
	if err != nil {
		return AuthConfig{}, err
	}
	ttl, err := durationOr("AUTH_TOKEN_TTL", time.Hour)
	if err != nil {
		return AuthConfig{}, err
	}
	return AuthConfig{Secret: secret, TokenTTL: ttl}, nil
}

// LoadReliability reads the publish retry, breaker and limiter settings.
func LoadReliability() (reliability.Config, error) {
	return reliability.LoadConfigFromEnv("PUBLISH")
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// parseSeed reads "id:stock:price" entries separated by commas.
func parseSeed(name string) ([]ProductSeed, error) {
	var seeds []ProductSeed
	for _, entry := range splitList(os.Getenv(name)) {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("%s: entry %q must be id:stock:price", name, entry)
		}
		stock, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || stock < 0 {
			return nil, fmt.Errorf("%s: entry %q has a bad stock", name, entry)
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil || price < 0 {
			return nil, fmt.Errorf("%s: entry %q has a bad price", name, entry)
		}
		seeds = append(seeds, ProductSeed{ID: strings.TrimSpace(parts[0]), Stock: stock, Price: price})
	}
	return seeds, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func stringOr(name, def string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return def
}

func durationOr(name string, def time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func intOr(name string, def int) (int, error) {
	val, err := optionalInt(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func requiredInt(name string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func requiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func requiredInt64(name string) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
