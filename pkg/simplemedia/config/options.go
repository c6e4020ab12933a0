package config

import (
	"fmt"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithEnvironment sets the environment (development, production, testing)
func WithEnvironment(env string) Option {
	return func(c *ServerConfig) error {
		if env == "" {
			return fmt.Errorf("environment cannot be empty")
		}
		c.Environment = env
		return nil
	}
}

// WithLogging sets the log level and format
func WithLogging(level, format string) Option {
	return func(c *ServerConfig) error {
		c.LogLevel = level
		c.LogFormat = format
		return nil
	}
}

// WithDatabase configures the database backend
func WithDatabase(dbType, url string) Option {
	return func(c *ServerConfig) error {
		if dbType != "memory" && dbType != "postgres" {
			return fmt.Errorf("database type must be 'memory' or 'postgres', got: %s", dbType)
		}
		if dbType == "postgres" && url == "" {
			return fmt.Errorf("database URL is required for postgres")
		}
		c.DatabaseType = dbType
		c.DatabaseURL = url
		return nil
	}
}

// WithMemoryStorage selects the in-memory blob store
func WithMemoryStorage() Option {
	return func(c *ServerConfig) error {
		c.Storage = StorageConfig{Type: "memory"}
		return nil
	}
}

// WithFilesystemStorage selects the filesystem blob store rooted at baseDir
func WithFilesystemStorage(baseDir string) Option {
	return func(c *ServerConfig) error {
		if baseDir == "" {
			return fmt.Errorf("filesystem base directory cannot be empty")
		}
		c.Storage = StorageConfig{Type: "fs", BaseDir: baseDir}
		return nil
	}
}

// WithS3Storage selects the S3 blob store
func WithS3Storage(bucket, region string) Option {
	return func(c *ServerConfig) error {
		if bucket == "" {
			return fmt.Errorf("S3 bucket cannot be empty")
		}
		if region == "" {
			region = "us-east-1"
		}
		c.Storage = StorageConfig{Type: "s3", Bucket: bucket, Region: region}
		return nil
	}
}

// WithKeyLayout selects the object key generator (git-like, tenant-aware, flat)
func WithKeyLayout(name string) Option {
	return func(c *ServerConfig) error {
		c.KeyLayout = name
		return nil
	}
}

// WithQueue replaces the optimization queue configuration
func WithQueue(q simplemedia.QueueConfig) Option {
	return func(c *ServerConfig) error {
		c.Queue = q
		return nil
	}
}

// WithProblemScan enables the periodic problem scan
func WithProblemScan(interval time.Duration, limit int) Option {
	return func(c *ServerConfig) error {
		if interval <= 0 {
			return fmt.Errorf("problem scan interval must be positive, got: %s", interval)
		}
		if limit <= 0 {
			return fmt.Errorf("problem scan limit must be positive, got: %d", limit)
		}
		c.ProblemScanInterval = interval
		c.ProblemScanLimit = limit
		return nil
	}
}

// WithFetch configures URL ingestion limits; maxBytes 0 disables URL ingestion
func WithFetch(maxBytes int64, timeout time.Duration) Option {
	return func(c *ServerConfig) error {
		c.FetchEnabled = maxBytes > 0
		c.FetchMaxBytes = maxBytes
		c.FetchTimeout = timeout
		return nil
	}
}

// WithRecordCache sizes the record cache; size 0 disables it
func WithRecordCache(size int, ttl time.Duration) Option {
	return func(c *ServerConfig) error {
		c.CacheSize = size
		c.CacheTTL = ttl
		return nil
	}
}
