package config

import (
	"testing"
	"time"
)

func TestLoadGRPC(t *testing.T) {
	t.Setenv("GRPC_RATE_LIMIT_INTERVAL", "5ms")
	t.Setenv("GRPC_RATE_LIMIT_BURST", "10")

	cfg, err := LoadGRPC()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RateLimitInterval != 5*time.Millisecond || cfg.RateLimitBurst != 10 {
		t.Fatalf("unexpected grpc cfg: %+v", cfg)
	}
	if cfg.Addr != ":50051" {
		t.Fatalf("unexpected default grpc addr: %s", cfg.Addr)
	}
}

func TestLoadGRPCMissingEnv(t *testing.T) {
	t.Setenv("GRPC_RATE_LIMIT_INTERVAL", "")
	if _, err := LoadGRPC(); err == nil {
		t.Fatalf("expected error for missing interval")
	}
}

func TestLoadObservability(t *testing.T) {
	t.Setenv("OBS_ADDR", ":9999")

	cfg, err := LoadObservability()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("unexpected observability addr: %+v", cfg)
	}
}

func TestLoadServiceDefaults(t *testing.T) {
	t.Setenv("SERVICE_NAME", "")
	t.Setenv("SERVICE_ROLES", " inventory ")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := LoadService()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Name != "tourflow" || cfg.Roles != "inventory" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected service cfg: %+v", cfg)
	}
}

func TestLoadHTTP(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("HTTP_RATE_LIMIT_INTERVAL", "10ms")
	t.Setenv("HTTP_RATE_LIMIT_BURST", "20")

	cfg, err := LoadHTTP()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.RateLimitInterval != 10*time.Millisecond || cfg.RateLimitBurst != 20 {
		t.Fatalf("unexpected http cfg: %+v", cfg)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Fatalf("unexpected shutdown timeout: %v", cfg.ShutdownTimeout)
	}
}

func TestLoadStoreDefaultsToMemory(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("SEED_PRODUCTS", "tour-1:10:25.5, tour-2:0:100")

	cfg, err := LoadStore()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Driver != StoreMemory {
		t.Fatalf("expected memory driver, got %s", cfg.Driver)
	}
	if len(cfg.Seed) != 2 {
		t.Fatalf("expected 2 seeds, got %+v", cfg.Seed)
	}
	if cfg.Seed[0] != (ProductSeed{ID: "tour-1", Stock: 10, Price: 25.5}) {
		t.Fatalf("unexpected first seed: %+v", cfg.Seed[0])
	}
}

func TestLoadStorePostgres(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/tourflow")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("DB_MAX_OPEN_CONNS", "12")
	t.Setenv("DB_CONN_MAX_LIFETIME", "1m")

	cfg, err := LoadStore()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Driver != StorePostgres {
		t.Fatalf("expected postgres driver, got %s", cfg.Driver)
	}
	if cfg.MaxOpenConns == nil || *cfg.MaxOpenConns != 12 {
		t.Fatalf("unexpected max open conns: %v", cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime == nil || *cfg.ConnMaxLifetime != time.Minute {
		t.Fatalf("unexpected conn max lifetime: %v", cfg.ConnMaxLifetime)
	}
	if cfg.MaxIdleConns != nil {
		t.Fatalf("expected unset max idle conns")
	}
}

func TestLoadStoreErrors(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_DRIVER", "postgres")
	if _, err := LoadStore(); err == nil {
		t.Fatalf("expected missing DATABASE_URL error")
	}

	t.Setenv("STORE_DRIVER", "mongo")
	if _, err := LoadStore(); err == nil {
		t.Fatalf("expected unknown driver error")
	}

	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("SEED_PRODUCTS", "tour-1:ten:1")
	if _, err := LoadStore(); err == nil {
		t.Fatalf("expected bad seed error")
	}
}

func TestLoadRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "2s")
	t.Setenv("REDIS_STREAM_MAXLEN", "1000")

	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url: %s", cfg.URL)
	}
	if cfg.HealthcheckTimeout != 2*time.Second {
		t.Fatalf("unexpected healthcheck timeout: %v", cfg.HealthcheckTimeout)
	}
	if cfg.StreamMaxLen != 1000 {
		t.Fatalf("unexpected stream maxlen: %d", cfg.StreamMaxLen)
	}
}

func TestLoadRedis_WithOptionalFields(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "1s")
	t.Setenv("REDIS_STREAM_MAXLEN", "10")
	t.Setenv("REDIS_DIAL_TIMEOUT", "3s")
	t.Setenv("REDIS_READ_TIMEOUT", "4s")
	t.Setenv("REDIS_WRITE_TIMEOUT", "5s")
	t.Setenv("REDIS_POOL_SIZE", "9")
	t.Setenv("REDIS_MIN_IDLE_CONNS", "2")
	t.Setenv("REDIS_MAX_RETRIES", "3")
	t.Setenv("REDIS_OTEL", "true")

	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DialTimeout == nil || *cfg.DialTimeout != 3*time.Second {
		t.Fatalf("unexpected dial timeout: %v", cfg.DialTimeout)
	}
	if cfg.ReadTimeout == nil || *cfg.ReadTimeout != 4*time.Second {
		t.Fatalf("unexpected read timeout: %v", cfg.ReadTimeout)
	}
	if cfg.WriteTimeout == nil || *cfg.WriteTimeout != 5*time.Second {
		t.Fatalf("unexpected write timeout: %v", cfg.WriteTimeout)
	}
	if cfg.PoolSize == nil || *cfg.PoolSize != 9 {
		t.Fatalf("unexpected pool size: %v", cfg.PoolSize)
	}
	if cfg.MinIdleConns == nil || *cfg.MinIdleConns != 2 {
		t.Fatalf("unexpected min idle: %v", cfg.MinIdleConns)
	}
	if cfg.MaxRetries == nil || *cfg.MaxRetries != 3 {
		t.Fatalf("unexpected max retries: %v", cfg.MaxRetries)
	}
	if !cfg.EnableOTel {
		t.Fatalf("expected otel enabled")
	}
}

func TestLoadRedis_MissingURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	if _, err := LoadRedis(); err == nil {
		t.Fatalf("expected missing url error")
	}
}

func TestLoadBusDefaults(t *testing.T) {
	t.Setenv("BUS_DRIVER", "")
	t.Setenv("BUS_CONSUMER", "node-1")

	cfg, err := LoadBus()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Driver != BusMemory || cfg.Group != "tourflow" || cfg.Consumer != "node-1" {
		t.Fatalf("unexpected bus cfg: %+v", cfg)
	}
	if cfg.MaxDeliveries != 5 || cfg.Workers != 8 {
		t.Fatalf("unexpected bus defaults: %+v", cfg)
	}
}

func TestLoadBusKafka(t *testing.T) {
	t.Setenv("BUS_DRIVER", "kafka")
	t.Setenv("KAFKA_BROKERS", "")
	if _, err := LoadBus(); err == nil {
		t.Fatalf("expected missing brokers error")
	}

	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	cfg, err := LoadBus()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
}

func TestLoadBusUnknownDriver(t *testing.T) {
	t.Setenv("BUS_DRIVER", "nats")
	if _, err := LoadBus(); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestLoadInventory(t *testing.T) {
	t.Setenv("INVENTORY_HOLD_WINDOW", "")
	t.Setenv("INVENTORY_SWEEP_BATCH", "50")

	cfg, err := LoadInventory()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HoldWindow != 10*time.Minute || cfg.SweepBatch != 50 || cfg.SweepSchedule != "@every 30s" {
		t.Fatalf("unexpected inventory cfg: %+v", cfg)
	}

	t.Setenv("INVENTORY_HOLD_WINDOW", "0s")
	if _, err := LoadInventory(); err == nil {
		t.Fatalf("expected zero hold window error")
	}
}

func TestLoadPayment(t *testing.T) {
	t.Setenv("PAYMENT_SUCCESS_RATE", "1")
	t.Setenv("PAYMENT_RANDOM_SEED", "42")
	t.Setenv("PAYMENT_METHODS", "PAYPAL,TARJETA_CREDITO")

	cfg, err := LoadPayment()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SuccessRate != 1 || cfg.Seed != 42 || len(cfg.Methods) != 2 {
		t.Fatalf("unexpected payment cfg: %+v", cfg)
	}

	t.Setenv("PAYMENT_SUCCESS_RATE", "1.5")
	if _, err := LoadPayment(); err == nil {
		t.Fatalf("expected out of range rate error")
	}
}

func TestLoadAuth(t *testing.T) {
	t.Setenv("AUTH_TOKEN_SECRET", "")
	if _, err := LoadAuth(); err == nil {
		t.Fatalf("expected missing secret error")
	}

	t.Setenv("AUTH_TOKEN_SECRET", "s3cret")
	t.Setenv("AUTH_TOKEN_TTL", "30m")
	cfg, err := LoadAuth()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Secret != "s3cret" || cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("unexpected auth cfg: %+v", cfg)
	}
}

func TestLoadReliability(t *testing.T) {
	t.Setenv("PUBLISH_RETRY_MAX_ATTEMPTS", "7")

	cfg, err := LoadReliability()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RetryMaxAttempts != 7 {
		t.Fatalf("unexpected retry attempts: %d", cfg.RetryMaxAttempts)
	}
}

func TestLoadRedisTLS_NoSettingsReturnsNil(t *testing.T) {
	if cfg, err := loadRedisTLSFromEnv(); err != nil || cfg != nil {
		t.Fatalf("expected nil tls config, got %#v err %v", cfg, err)
	}
}

func TestLoadRedisTLS_MismatchedKeyPair(t *testing.T) {
	t.Setenv("REDIS_TLS_CERT_FILE", "cert")
	if _, err := loadRedisTLSFromEnv(); err == nil {
		t.Fatalf("expected cert/key mismatch error")
	}
}

func TestLoadRedisTLS_InsecureTrue(t *testing.T) {
	t.Setenv("REDIS_TLS_INSECURE_SKIP_VERIFY", "true")
	cfg, err := loadRedisTLSFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil || !cfg.InsecureSkipVerify {
		t.Fatalf("expected insecure tls config, got %#v", cfg)
	}
}

func TestLoadRedisTLS_ReadCAError(t *testing.T) {
	t.Setenv("REDIS_TLS_CA_FILE", "/no/such/file")
	if _, err := loadRedisTLSFromEnv(); err == nil {
		t.Fatalf("expected read error for missing CA file")
	}
}

func TestOptionalAndRequiredHelpers(t *testing.T) {
	t.Setenv("X_OPT_DUR", "-1ms")
	if _, err := optionalDuration("X_OPT_DUR"); err == nil {
		t.Fatalf("expected negative duration error")
	}
	t.Setenv("X_OPT_INT", "-1")
	if _, err := optionalInt("X_OPT_INT"); err == nil {
		t.Fatalf("expected negative int error")
	}
	t.Setenv("X_OPT_BOOL", "notbool")
	if _, err := optionalBool("X_OPT_BOOL"); err == nil {
		t.Fatalf("expected bool parse error")
	}
	t.Setenv("X_REQ_INT64", "-1")
	if _, err := requiredInt64("X_REQ_INT64"); err == nil {
		t.Fatalf("expected negative int64 error")
	}
	t.Setenv("X_REQ_DUR", "bad")
	if _, err := requiredDuration("X_REQ_DUR"); err == nil {
		t.Fatalf("expected bad duration error")
	}
	t.Setenv("X_INT_OR", "")
	if v, err := intOr("X_INT_OR", 3); err != nil || v != 3 {
		t.Fatalf("expected default 3, got %d err %v", v, err)
	}
}
