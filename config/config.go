package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ammoharvest/models"
)

type Config struct {
	Database    DatabaseConfig
	Redis       RedisConfig
	S3          S3Config
	Scheduler   SchedulerConfig
	Queue       models.QueueConfig
	Workers     WorkersConfig
	Fetch       FetchConfig
	LogLevel    string
	LogFile     string
	MetricsAddr string

	Retailers map[string]*RetailerConfig
}

type DatabaseConfig struct {
	URL string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type S3Config struct {
	Enabled         bool
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
}

type WorkersConfig struct {
	Concurrency int
}

type FetchConfig struct {
	TimeoutMS int
	MaxSizeMB int
}

// RetailerConfig is one retailer's YAML file under config/retailers/.
type RetailerConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	SourceID   string `yaml:"source_id"`
	Domain     string `yaml:"domain"`
	AdapterID  string `yaml:"adapter_id"`
	// Adapter selects the implementation: a named builtin, or "schemaorg"
	// for the generic JSON-LD adapter.
	Adapter        string `yaml:"adapter"`
	AdapterVersion string `yaml:"adapter_version"`

	RateLimit RetailerRateLimit `yaml:"rate_limit"`
}

type RetailerRateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MinDelayMS        int     `yaml:"min_delay_ms"`
	MaxConcurrent     int     `yaml:"max_concurrent"`
}

// ToModel converts the YAML rate limit into the pipeline policy, filling
// defaults for anything unset.
func (r RetailerRateLimit) ToModel() models.RateLimitConfig {
	cfg := models.DefaultRateLimit()
	if r.RequestsPerSecond > 0 {
		cfg.RequestsPerSecond = r.RequestsPerSecond
	}
	if r.MinDelayMS > 0 {
		cfg.MinDelay = time.Duration(r.MinDelayMS) * time.Millisecond
	}
	if r.MaxConcurrent > 0 {
		cfg.MaxConcurrent = r.MaxConcurrent
	}
	return cfg
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "ammoharvest"),
		},
		S3: S3Config{
			Enabled:         os.Getenv("S3_BUCKET") != "",
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Scheduler: SchedulerConfig{
			Cron: os.Getenv("SCRAPE_CRON"),
		},
		Queue: models.QueueConfig{
			PollInterval: time.Duration(getEnvInt("QUEUE_POLL_MS", 5000)) * time.Millisecond,
			BatchSize:    getEnvInt("QUEUE_BATCH_SIZE", 10),
		},
		Workers: WorkersConfig{
			Concurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		},
		Fetch: FetchConfig{
			TimeoutMS: getEnvInt("FETCH_TIMEOUT_MS", 30000),
			MaxSizeMB: getEnvInt("FETCH_MAX_SIZE_MB", 10),
		},
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     getEnv("LOG_FILE", "ammoharvest.log"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		Retailers:   make(map[string]*RetailerConfig),
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if interval := os.Getenv("SCRAPE_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err == nil {
			cfg.Scheduler.Interval = d
		}
	}

	if err := cfg.loadRetailerConfigs(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// RateLimits maps registrable domains to their configured budgets.
func (c *Config) RateLimits() map[string]models.RateLimitConfig {
	limits := make(map[string]models.RateLimitConfig, len(c.Retailers))
	for _, r := range c.Retailers {
		limits[r.Domain] = r.RateLimit.ToModel()
	}
	return limits
}

func (c *Config) loadRetailerConfigs() error {
	configDir := getEnv("RETAILERS_DIR", "config/retailers")
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(configDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var retailer RetailerConfig
		if err := yaml.Unmarshal(data, &retailer); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if retailer.ID == "" {
			return fmt.Errorf("%s: retailer id is required", path)
		}

		c.Retailers[retailer.ID] = &retailer
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
