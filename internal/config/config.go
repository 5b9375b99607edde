package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/vfile/internal/adapters/raw"
	"github.com/objectfs/vfile/internal/adapters/s3"
	"github.com/objectfs/vfile/internal/metrics"
	"github.com/objectfs/vfile/pkg/errors"
	"github.com/objectfs/vfile/pkg/pipeline"
	"github.com/objectfs/vfile/pkg/utils"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VFILE_"

// Configuration represents the complete configuration of a vfile registry
// and its pipeline.
type Configuration struct {
	Logging  LoggingConfig   `yaml:"logging"`
	Pipeline pipeline.Config `yaml:"pipeline"`
	Local    LocalConfig     `yaml:"local"`
	Raw      RawConfig       `yaml:"raw"`
	S3       S3Config        `yaml:"s3"`
	Metrics  metrics.Config  `yaml:"metrics"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	File          string `yaml:"file"`
	IncludeCaller bool   `yaml:"include_caller"`
}

// LocalConfig represents the local filesystem adapter
type LocalConfig struct {
	Enabled bool `yaml:"enabled"`
	// Root confines the adapter to a directory. Empty means the whole filesystem.
	Root     string `yaml:"root"`
	FileMode uint32 `yaml:"file_mode"`
}

// RawConfig represents the raw:// adapter
type RawConfig struct {
	Enabled bool `yaml:"enabled"`
	// Compression applies to files created through the adapter.
	Compression string `yaml:"compression"`
}

// S3Config represents the s3:// adapter
type S3Config struct {
	Enabled bool      `yaml:"enabled"`
	Adapter s3.Config `yaml:",inline"`
}

// NewDefault returns a configuration with the local and raw adapters
// enabled and S3 disabled.
func NewDefault() *Configuration {
	return &Configuration{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Pipeline: pipeline.DefaultConfig(),
		Local: LocalConfig{
			Enabled:  true,
			FileMode: 0o644,
		},
		Raw: RawConfig{
			Enabled:     true,
			Compression: raw.None.String(),
		},
		S3: S3Config{
			Adapter: *s3.NewDefaultConfig(),
		},
		Metrics: *metrics.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	return c.LoadFromFs(afero.NewOsFs(), filename)
}

// LoadFromFs loads configuration from a YAML file on fs. Files ending in
// .json or .hujson may use JSON with comments and trailing commas. Fields
// missing from the file keep their current values.
func (c *Configuration) LoadFromFs(fs afero.Fs, filename string) error {
	data, err := afero.ReadFile(fs, filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json", ".hujson":
		// standard JSON is valid YAML
		if data, err = hujson.Standardize(data); err != nil {
			return errors.Wrap(err, errors.ErrCodeParseError, "failed to parse config file").
				WithComponent("config").WithContext("file", filename)
		}
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeParseError, "failed to parse config file").
			WithComponent("config").WithContext("file", filename)
	}
	return nil
}

// LoadFromEnv applies VFILE_* environment overrides. Malformed values are
// reported together; well-formed ones are applied regardless.
func (c *Configuration) LoadFromEnv() error {
	return c.loadEnv(os.LookupEnv)
}

func (c *Configuration) loadEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	// Logging
	e.str("LOG_LEVEL", &c.Logging.Level)
	e.str("LOG_FORMAT", &c.Logging.Format)
	e.str("LOG_FILE", &c.Logging.File)

	// Pipeline
	e.int("PIPELINE_WORKERS", &c.Pipeline.Workers)
	e.int("PIPELINE_MAX_PENDING", &c.Pipeline.MaxPending)

	// Adapters
	e.bool("LOCAL_ENABLED", &c.Local.Enabled)
	e.str("LOCAL_ROOT", &c.Local.Root)
	e.bool("RAW_ENABLED", &c.Raw.Enabled)
	e.str("RAW_COMPRESSION", &c.Raw.Compression)

	s := &c.S3.Adapter
	e.bool("S3_ENABLED", &c.S3.Enabled)
	e.str("S3_REGION", &s.Region)
	e.str("S3_ENDPOINT", &s.Endpoint)
	e.bool("S3_FORCE_PATH_STYLE", &s.ForcePathStyle)
	e.str("S3_ACCESS_KEY_ID", &s.AccessKeyID)
	e.str("S3_SECRET_ACCESS_KEY", &s.SecretAccessKey)
	e.str("S3_SESSION_TOKEN", &s.SessionToken)
	e.duration("S3_REQUEST_TIMEOUT", &s.RequestTimeout)
	e.bytes("S3_BLOCK_SIZE", &s.BlockSize)
	e.int("S3_READ_AHEAD_BLOCKS", &s.ReadAheadBlocks)
	e.bytes("S3_CACHE_SIZE", &s.Cache.MaxSize)
	e.duration("S3_CACHE_TTL", &s.Cache.TTL)
	e.bytes("S3_MAX_OBJECT_SIZE", &s.MaxObjectSize)
	e.str("S3_STORAGE_CLASS", &s.StorageClass)
	e.bool("S3_ENABLE_CARGOSHIP", &s.EnableCargoShip)

	// Metrics
	e.bool("METRICS_ENABLED", &c.Metrics.Enabled)
	e.str("METRICS_ADDRESS", &c.Metrics.Address)

	return e.err
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(name string) (string, bool) {
	val, ok := e.lookup(EnvPrefix + name)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (e *envReader) fail(name, val string, cause error) {
	e.err = multierr.Append(e.err, errors.Wrap(cause, errors.ErrCodeInvalidConfig, "malformed environment override").
		WithComponent("config").
		WithContext("variable", EnvPrefix+name).
		WithContext("value", val))
}

func (e *envReader) str(name string, dst *string) {
	if val, ok := e.get(name); ok {
		*dst = val
	}
}

func (e *envReader) bool(name string, dst *bool) {
	if val, ok := e.get(name); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) int(name string, dst *int) {
	if val, ok := e.get(name); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) bytes(name string, dst *int64) {
	if val, ok := e.get(name); ok {
		n, err := utils.ParseBytes(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if val, ok := e.get(name); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = d
	}
}

// SaveToFile saves the configuration to a YAML file. The file is replaced
// atomically, so readers never see a partial configuration.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := atomic.WriteFile(filename, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveToFs saves the configuration to a YAML file on fs.
func (c *Configuration) SaveToFs(fs afero.Fs, filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := fs.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := afero.WriteFile(fs, filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// RegisterFlags binds command-line overrides to the configuration. Apply
// them after LoadFromFile and LoadFromEnv so flags take precedence.
func (c *Configuration) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Logging.Level, "log-level", c.Logging.Level, "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	fs.StringVar(&c.Logging.Format, "log-format", c.Logging.Format, "log format (text or json)")
	fs.StringVar(&c.Logging.File, "log-file", c.Logging.File, "append logs to this file")

	fs.IntVar(&c.Pipeline.Workers, "pipeline-workers", c.Pipeline.Workers, "pipeline worker goroutines")
	fs.IntVar(&c.Pipeline.MaxPending, "pipeline-max-pending", c.Pipeline.MaxPending, "queued request limit, 0 for none")

	fs.BoolVar(&c.Local.Enabled, "local", c.Local.Enabled, "serve local paths")
	fs.StringVar(&c.Local.Root, "local-root", c.Local.Root, "confine local paths to this directory")
	fs.BoolVar(&c.Raw.Enabled, "raw", c.Raw.Enabled, "serve raw:// names")
	fs.StringVar(&c.Raw.Compression, "raw-compression", c.Raw.Compression, "compression of created raw files")

	s := &c.S3.Adapter
	fs.BoolVar(&c.S3.Enabled, "s3", c.S3.Enabled, "serve s3:// paths")
	fs.StringVar(&s.Region, "s3-region", s.Region, "S3 region")
	fs.StringVar(&s.Endpoint, "s3-endpoint", s.Endpoint, "S3-compatible endpoint URL")
	fs.BoolVar(&s.ForcePathStyle, "s3-path-style", s.ForcePathStyle, "use path-style S3 addressing")
	fs.Int64Var(&s.BlockSize, "s3-block-size", s.BlockSize, "read-ahead block size in bytes")
	fs.IntVar(&s.ReadAheadBlocks, "s3-read-ahead", s.ReadAheadBlocks, "blocks fetched ahead of a miss")
	fs.DurationVar(&s.RequestTimeout, "s3-request-timeout", s.RequestTimeout, "timeout of one S3 request")
	fs.StringVar(&s.StorageClass, "s3-storage-class", s.StorageClass, "storage class of uploaded objects")

	fs.BoolVar(&c.Metrics.Enabled, "metrics", c.Metrics.Enabled, "collect prometheus metrics")
	fs.StringVar(&c.Metrics.Address, "metrics-address", c.Metrics.Address, "serve metrics on this address")
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Newf(errors.ErrCodeInvalidConfig, format, args...).
			WithComponent("config").WithOperation("Validate")
	}

	if _, err := utils.ParseLogLevel(c.Logging.Level); err != nil {
		return invalid("invalid logging.level: %s (must be one of: TRACE, DEBUG, INFO, WARN, ERROR, FATAL)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return invalid("invalid logging.format: %s (must be text or json)", c.Logging.Format)
	}

	if c.Pipeline.Workers <= 0 {
		return invalid("pipeline.workers must be greater than 0")
	}
	if c.Pipeline.MaxPending < 0 {
		return invalid("pipeline.max_pending must not be negative")
	}

	if c.Raw.Enabled {
		if _, err := raw.ParseCompression(c.Raw.Compression); err != nil {
			return invalid("invalid raw.compression: %s", c.Raw.Compression)
		}
	}

	if c.S3.Enabled {
		if err := c.S3.Adapter.Validate(); err != nil {
			return err
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return invalid("metrics.path must start with /")
	}

	if !c.Local.Enabled && !c.Raw.Enabled && !c.S3.Enabled {
		return invalid("no adapter enabled")
	}
	return nil
}
