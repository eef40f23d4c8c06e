// Package config loads timsd settings from defaults, an optional config file
// and TIMS_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"tims/internal/blob"
	s3store "tims/internal/infra/blob/s3"
	"tims/internal/infra/persistence/sqlstore"
	"tims/internal/logging"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "TIMS"

// Config is the full process configuration.
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Blob    BlobConfig    `mapstructure:"blob"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Log     LogConfig     `mapstructure:"log"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Summary SummaryConfig `mapstructure:"summary"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type BlobConfig struct {
	Driver      string `mapstructure:"driver"`
	FSRoot      string `mapstructure:"fs_root"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3Region    string `mapstructure:"s3_region"`
	S3Prefix    string `mapstructure:"s3_prefix"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3PathStyle bool   `mapstructure:"s3_path_style"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RunnerConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	GateTimeout   time.Duration `mapstructure:"gate_timeout"`
	GeneCacheSize int           `mapstructure:"gene_cache_size"`
	RunHistory    int           `mapstructure:"run_history"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type SummaryConfig struct {
	IDsPerLine int `mapstructure:"ids_per_line"`
}

// envKeys maps the flat TIMS_* names onto nested keys.
var envKeys = map[string]string{
	"storage.driver":       "STORAGE_DRIVER",
	"storage.sqlite_path":  "SQLITE_PATH",
	"storage.postgres_dsn": "POSTGRES_DSN",
	"blob.driver":          "BLOB_DRIVER",
	"blob.fs_root":         "BLOB_FS_ROOT",
	"blob.s3_bucket":       "BLOB_S3_BUCKET",
	"blob.s3_region":       "BLOB_S3_REGION",
	"blob.s3_prefix":       "BLOB_S3_PREFIX",
	"blob.s3_endpoint":     "BLOB_S3_ENDPOINT",
	"blob.s3_path_style":   "BLOB_S3_PATH_STYLE",
	"blob.s3_access_key":   "BLOB_S3_ACCESS_KEY",
	"blob.s3_secret_key":   "BLOB_S3_SECRET_KEY",
	"http.addr":            "HTTP_ADDR",
	"runner.workers":       "WORKERS",
	"runner.queue_size":    "QUEUE_SIZE",
	"runner.gate_timeout":  "GATE_TIMEOUT",
	"runner.run_history":   "RUN_HISTORY",
	"log.level":            "LOG_LEVEL",
	"log.format":           "LOG_FORMAT",
	"log.file":             "LOG_FILE",
	"kafka.brokers":        "KAFKA_BROKERS",
	"kafka.topic":          "KAFKA_TOPIC",
	"summary.ids_per_line": "SUMMARY_IDS_PER_LINE",
}

// flagKeys maps command line flags onto keys. Flags win over the
// environment and the config file when set explicitly.
var flagKeys = map[string]string{
	"storage-driver": "storage.driver",
	"sqlite-path":    "storage.sqlite_path",
	"postgres-dsn":   "storage.postgres_dsn",
	"blob-driver":    "blob.driver",
	"blob-fs-root":   "blob.fs_root",
	"http-addr":      "http.addr",
	"workers":        "runner.workers",
	"log-level":      "log.level",
	"log-format":     "log.format",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", string(sqlstore.DriverSQLite))
	v.SetDefault("storage.sqlite_path", "./tims.db")
	v.SetDefault("blob.driver", string(blob.DriverFilesystem))
	v.SetDefault("blob.fs_root", "./blobdata")
	v.SetDefault("blob.s3_region", "us-east-1")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("runner.workers", 2)
	v.SetDefault("runner.queue_size", 32)
	v.SetDefault("runner.gate_timeout", time.Duration(0))
	v.SetDefault("runner.gene_cache_size", 16)
	v.SetDefault("runner.run_history", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("kafka.topic", "tims.runs")
	v.SetDefault("summary.ids_per_line", 10)
}

// Load reads configuration. file and flags may be empty.
func Load(file string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envKeys {
		if err := v.BindEnv(key, EnvPrefix+"_"+env); err != nil {
			return Config{}, err
		}
	}
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, err
				}
			}
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	return cfg, cfg.Validate()
}

// splitList accepts both YAML lists and a comma separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate rejects unknown drivers and impossible sizes.
func (c Config) Validate() error {
	switch sqlstore.Driver(c.Storage.Driver) {
	case sqlstore.DriverMemory, sqlstore.DriverSQLite:
	case sqlstore.DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage: postgres driver requires postgres_dsn")
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}
	switch blob.Driver(c.Blob.Driver) {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3Bucket == "" {
			return fmt.Errorf("blob: s3 driver requires s3_bucket")
		}
	default:
		return fmt.Errorf("blob: unknown driver %q", c.Blob.Driver)
	}
	if c.Runner.Workers < 1 || c.Runner.QueueSize < 1 {
		return fmt.Errorf("runner: workers and queue_size must be positive")
	}
	if c.Runner.RunHistory < 1 {
		return fmt.Errorf("runner: run_history must be positive")
	}
	if c.Runner.GateTimeout < 0 {
		return fmt.Errorf("runner: gate_timeout must not be negative")
	}
	if c.Summary.IDsPerLine < 1 {
		return fmt.Errorf("summary: ids_per_line must be positive")
	}
	return nil
}

// StoreConfig converts the storage section for sqlstore.Open.
func (c Config) StoreConfig() sqlstore.Config {
	return sqlstore.Config{
		Driver:      sqlstore.Driver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
	}
}

// BlobStoreConfig converts the blob section for blob.Open.
func (c Config) BlobStoreConfig() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: s3store.Config{
			Bucket:          c.Blob.S3Bucket,
			Region:          c.Blob.S3Region,
			Prefix:          c.Blob.S3Prefix,
			Endpoint:        c.Blob.S3Endpoint,
			PathStyle:       c.Blob.S3PathStyle,
			AccessKeyID:     c.Blob.S3AccessKey,
			SecretAccessKey: c.Blob.S3SecretKey,
		},
	}
}

// LogOptions converts the log section for logging.New.
func (c Config) LogOptions() logging.Options {
	return logging.Options{Level: c.Log.Level, Format: c.Log.Format, File: c.Log.File}
}
