package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	// Addr is the listen address of the station simulator.
	Addr string `validate:"required"`
	Env  string `validate:"required"`

	// StationURL and Transport select how clients reach a station.
	StationURL string `validate:"required,url"`
	Transport  string `validate:"oneof=http h2c ws connect"`
	ClientName string

	PollInterval   time.Duration `validate:"gte=0"`
	ReconnectEvery time.Duration `validate:"gt=0"`
	CacheSize      int           `validate:"gt=0"`

	Snapshot SnapshotConfig
}

type SnapshotConfig struct {
	Backend     string `validate:"oneof=memory file postgres s3"`
	Dir         string `validate:"required_if=Backend file"`
	DatabaseURL string `validate:"required_if=Backend postgres"`
	S3          S3Config
	CacheTTL    time.Duration `validate:"gte=0"`
}

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// CanUseS3 reports whether enough is set to build an S3 client.
func (c S3Config) CanUseS3() bool {
	return strings.TrimSpace(c.Endpoint) != "" &&
		strings.TrimSpace(c.AccessKey) != "" &&
		strings.TrimSpace(c.SecretKey) != "" &&
		strings.TrimSpace(c.Bucket) != ""
}

var validate = validator.New()

// Load reads .env when present, then ORDSYNC_* variables, and validates
// the result.
func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg := fromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() *Config {
	env := firstNonEmpty(strings.TrimSpace(os.Getenv("ORDSYNC_ENV")), "local")
	addr := firstNonEmpty(strings.TrimSpace(os.Getenv("ORDSYNC_ADDR")), strings.TrimSpace(os.Getenv("PORT")), ":8090")
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	return &Config{
		Addr:           addr,
		Env:            env,
		StationURL:     firstNonEmpty(strings.TrimSpace(os.Getenv("ORDSYNC_STATION_URL")), "http://localhost"+portOf(addr)),
		Transport:      strings.ToLower(firstNonEmpty(strings.TrimSpace(os.Getenv("ORDSYNC_TRANSPORT")), "http")),
		ClientName:     firstNonEmpty(strings.TrimSpace(os.Getenv("ORDSYNC_CLIENT_NAME")), "ordctl"),
		PollInterval:   durationEnv("ORDSYNC_POLL_INTERVAL", 2*time.Second),
		ReconnectEvery: durationEnv("ORDSYNC_RECONNECT_EVERY", 5*time.Second),
		CacheSize:      intEnv("ORDSYNC_CACHE_SIZE", 1024),
		Snapshot:       loadSnapshotConfig(env),
	}
}

func loadSnapshotConfig(env string) SnapshotConfig {
	cfg := SnapshotConfig{
		Backend:     strings.ToLower(strings.TrimSpace(os.Getenv("ORDSYNC_SNAPSHOT_BACKEND"))),
		Dir:         firstNonEmpty(strings.TrimSpace(os.Getenv("ORDSYNC_SNAPSHOT_DIR")), ".ordsync/snapshots"),
		DatabaseURL: firstNonEmpty(strings.TrimSpace(os.Getenv("ORDSYNC_DATABASE_URL")), strings.TrimSpace(os.Getenv("DATABASE_URL"))),
		S3: S3Config{
			Endpoint:  strings.TrimSpace(os.Getenv("ORDSYNC_S3_ENDPOINT")),
			Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ORDSYNC_S3_REGION")), "us-east-1"),
			AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ORDSYNC_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
			SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ORDSYNC_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
			Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("ORDSYNC_S3_BUCKET")), "ordsync-snapshots"),
			UseSSL:    resolveUseSSL(env),
		},
		CacheTTL: durationEnv("ORDSYNC_SNAPSHOT_CACHE_TTL", time.Minute),
	}
	if cfg.Backend == "" {
		switch {
		case cfg.S3.CanUseS3():
			cfg.Backend = "s3"
		case cfg.DatabaseURL != "":
			cfg.Backend = "postgres"
		default:
			cfg.Backend = "file"
		}
	}
	return cfg
}

func resolveUseSSL(env string) bool {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return false
	}
	raw := strings.TrimSpace(os.Getenv("ORDSYNC_S3_USE_SSL"))
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

// Validate checks field constraints and returns the first violations in
// one error.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func portOf(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i:]
	}
	return ""
}

func durationEnv(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func intEnv(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
