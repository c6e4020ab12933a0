package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// envSettings lists every variable WithEnv understands. Unset variables leave
// the current value alone.
type envSettings struct {
	Port        string `env:"MEDIA_PORT" env-description:"HTTP listen port"`
	Environment string `env:"MEDIA_ENVIRONMENT" env-description:"development, production or testing"`
	LogLevel    string `env:"MEDIA_LOG_LEVEL" env-description:"debug, info, warn or error"`
	LogFormat   string `env:"MEDIA_LOG_FORMAT" env-description:"text or json"`

	DatabaseURL string `env:"MEDIA_DATABASE_URL" env-description:"'memory' or postgres://..."`
	AutoMigrate string `env:"MEDIA_AUTO_MIGRATE" env-description:"apply schema migrations at startup"`
	StorageURL  string `env:"MEDIA_STORAGE_URL" env-description:"memory://, file:///path or s3://bucket?region=..&endpoint=..&path_style=true"`

	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	AWSRegion          string `env:"AWS_REGION"`

	KeyLayout      string `env:"MEDIA_KEY_LAYOUT" env-description:"git-like, tenant-aware or flat"`
	DefaultVariant string `env:"MEDIA_DEFAULT_VARIANT"`

	QueueMaxConcurrency int           `env:"MEDIA_QUEUE_MAX_CONCURRENCY"`
	QueueMaxPending     int           `env:"MEDIA_QUEUE_MAX_PENDING"`
	QueueWaitTimeout    time.Duration `env:"MEDIA_QUEUE_WAIT_TIMEOUT"`
	QueueJobTimeout     time.Duration `env:"MEDIA_JOB_TIMEOUT"`

	FetchEnabled  string        `env:"MEDIA_FETCH_ENABLED"`
	FetchMaxBytes int64         `env:"MEDIA_FETCH_MAX_BYTES"`
	FetchTimeout  time.Duration `env:"MEDIA_FETCH_TIMEOUT"`

	CacheSize string        `env:"MEDIA_CACHE_SIZE"`
	CacheTTL  time.Duration `env:"MEDIA_CACHE_TTL"`

	ProblemScanInterval time.Duration `env:"MEDIA_PROBLEM_SCAN_INTERVAL"`
	ProblemScanLimit    int           `env:"MEDIA_PROBLEM_SCAN_LIMIT"`

	RecoverOnStart     string        `env:"MEDIA_RECOVER_ON_START"`
	EnableEventLogging string        `env:"MEDIA_EVENT_LOGGING"`
	ShutdownTimeout    time.Duration `env:"MEDIA_SHUTDOWN_TIMEOUT"`
}

// WithEnv applies environment variable overrides read through cleanenv.
//
//	MEDIA_DATABASE_URL - "memory" (default) or "postgres://..." / "postgresql://..."
//	MEDIA_STORAGE_URL  - "memory://" (default), "file:///path/to/data" or
//	                     "s3://bucket?region=us-east-1&endpoint=http://localhost:9000&path_style=true"
//
// S3 credentials come from AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_REGION
// or the default AWS credential chain.
func WithEnv() Option {
	return func(c *ServerConfig) error {
		var env envSettings
		if err := cleanenv.ReadEnv(&env); err != nil {
			return fmt.Errorf("read environment: %w", err)
		}
		return env.apply(c)
	}
}

// EnvUsage renders the description of every supported variable.
func EnvUsage() string {
	var env envSettings
	usage, err := cleanenv.GetDescription(&env, nil)
	if err != nil {
		return ""
	}
	return usage
}

func (e envSettings) apply(c *ServerConfig) error {
	setString(&c.Port, e.Port)
	setString(&c.Environment, e.Environment)
	setString(&c.LogLevel, e.LogLevel)
	setString(&c.LogFormat, e.LogFormat)
	setString(&c.KeyLayout, e.KeyLayout)
	setString(&c.DefaultVariant, e.DefaultVariant)

	if err := applyDatabaseURL(c, e.DatabaseURL); err != nil {
		return err
	}
	if err := applyStorageURL(c, e.StorageURL); err != nil {
		return err
	}
	if c.Storage.Type == "s3" {
		setString(&c.Storage.AccessKeyID, e.AWSAccessKeyID)
		setString(&c.Storage.SecretAccessKey, e.AWSSecretAccessKey)
		if c.Storage.Region == "" {
			setString(&c.Storage.Region, e.AWSRegion)
		}
	}

	setPositive(&c.Queue.MaxConcurrency, e.QueueMaxConcurrency)
	setPositive(&c.Queue.MaxPending, e.QueueMaxPending)
	setPositive(&c.Queue.WaitTimeout, e.QueueWaitTimeout)
	setPositive(&c.Queue.JobTimeout, e.QueueJobTimeout)
	setPositive(&c.FetchMaxBytes, e.FetchMaxBytes)
	setPositive(&c.FetchTimeout, e.FetchTimeout)
	setPositive(&c.CacheTTL, e.CacheTTL)
	setPositive(&c.ProblemScanInterval, e.ProblemScanInterval)
	setPositive(&c.ProblemScanLimit, e.ProblemScanLimit)
	setPositive(&c.ShutdownTimeout, e.ShutdownTimeout)

	if e.CacheSize != "" {
		n, err := strconv.Atoi(e.CacheSize)
		if err != nil {
			return fmt.Errorf("invalid integer for MEDIA_CACHE_SIZE: %w", err)
		}
		c.CacheSize = n
	}

	for _, b := range []struct {
		name string
		raw  string
		dst  *bool
	}{
		{"MEDIA_AUTO_MIGRATE", e.AutoMigrate, &c.AutoMigrate},
		{"MEDIA_FETCH_ENABLED", e.FetchEnabled, &c.FetchEnabled},
		{"MEDIA_RECOVER_ON_START", e.RecoverOnStart, &c.RecoverOnStart},
		{"MEDIA_EVENT_LOGGING", e.EnableEventLogging, &c.EnableEventLogging},
	} {
		if b.raw == "" {
			continue
		}
		v, err := strconv.ParseBool(b.raw)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %w", b.name, err)
		}
		*b.dst = v
	}
	return nil
}

// applyDatabaseURL auto-detects the database type from the URL scheme
func applyDatabaseURL(c *ServerConfig, dbURL string) error {
	switch {
	case dbURL == "":
		return nil
	case dbURL == "memory":
		c.DatabaseType = "memory"
		c.DatabaseURL = ""
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		c.DatabaseType = "postgres"
		c.DatabaseURL = dbURL
	default:
		return fmt.Errorf("unsupported MEDIA_DATABASE_URL format (use 'memory' or 'postgres://...')")
	}
	return nil
}

// applyStorageURL parses memory://, file:// and s3:// storage URLs
func applyStorageURL(c *ServerConfig, raw string) error {
	if raw == "" {
		return nil
	}
	if raw == "memory" || raw == "memory://" {
		c.Storage = StorageConfig{Type: "memory"}
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid MEDIA_STORAGE_URL: %w", err)
	}
	switch u.Scheme {
	case "file":
		path := u.Path
		if u.Host != "" {
			// file://relative/dir
			path = u.Host + u.Path
		}
		if path == "" {
			return fmt.Errorf("filesystem path cannot be empty in MEDIA_STORAGE_URL")
		}
		c.Storage = StorageConfig{Type: "fs", BaseDir: path}
	case "s3":
		if u.Host == "" {
			return fmt.Errorf("S3 bucket name cannot be empty in MEDIA_STORAGE_URL")
		}
		q := u.Query()
		storage := StorageConfig{
			Type:         "s3",
			Bucket:       u.Host,
			Region:       q.Get("region"),
			Endpoint:     q.Get("endpoint"),
			SSEAlgorithm: q.Get("sse"),
			SSEKMSKeyID:  q.Get("sse_kms_key_id"),
		}
		storage.EnableSSE = storage.SSEAlgorithm != ""
		for name, dst := range map[string]*bool{
			"path_style":    &storage.UsePathStyle,
			"create_bucket": &storage.CreateBucketIfNotExist,
		} {
			if v := q.Get(name); v != "" {
				b, err := strconv.ParseBool(v)
				if err != nil {
					return fmt.Errorf("invalid boolean for %s in MEDIA_STORAGE_URL: %w", name, err)
				}
				*dst = b
			}
		}
		c.Storage = storage
	default:
		return fmt.Errorf("unsupported MEDIA_STORAGE_URL format (use 'memory://', 'file://...', or 's3://...')")
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setPositive[T int | int64 | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}
