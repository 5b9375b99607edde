package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/objectfs/vfile/internal/adapters/local"
	"github.com/objectfs/vfile/internal/adapters/raw"
	"github.com/objectfs/vfile/internal/adapters/s3"
	"github.com/objectfs/vfile/internal/config"
	"github.com/objectfs/vfile/internal/metrics"
	"github.com/objectfs/vfile/pkg/errors"
	"github.com/objectfs/vfile/pkg/pipeline"
	"github.com/objectfs/vfile/pkg/utils"
	"github.com/objectfs/vfile/pkg/vfile"
)

// Adapter owns a configured vfile stack: the registry with its storage
// adapters, the pipelined request channel and the metrics collector.
type Adapter struct {
	config *config.Configuration
	logger *utils.StructuredLogger

	metrics  *metrics.Collector
	registry *vfile.Registry
	pipeline *pipeline.Channel
	s3       *s3.Adapter

	mu      sync.Mutex
	started bool
	stopped bool
}

type options struct {
	logger  *utils.StructuredLogger
	fs      afero.Fs
	rawSink raw.Sink
	s3API   s3.ObjectAPI
}

// Option customizes New.
type Option func(*options)

// WithLogger replaces the logger built from the logging section.
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(o *options) { o.logger = logger }
}

// WithFs serves local paths from fs instead of the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithRawSink enables writing raw:// files.
func WithRawSink(sink raw.Sink) Option {
	return func(o *options) { o.rawSink = sink }
}

// WithS3API uses api instead of an SDK client built from the s3 section.
func WithS3API(api s3.ObjectAPI) Option {
	return func(o *options) { o.s3API = api }
}

// New validates cfg and builds every enabled component. A nil cfg means
// config.NewDefault.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		if logger, err = newLogger(cfg.Logging); err != nil {
			return nil, err
		}
	}

	a := &Adapter{config: cfg, logger: logger.WithComponent("adapter")}

	collector, err := metrics.NewCollector(&cfg.Metrics, metrics.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	a.metrics = collector
	a.registry = vfile.NewRegistry(vfile.WithLogger(logger), vfile.WithMetrics(collector))

	if err := a.registerAdapters(ctx, &o, logger); err != nil {
		return nil, multierr.Append(err, a.registry.Close())
	}

	a.pipeline = pipeline.New(cfg.Pipeline, pipeline.WithLogger(logger), pipeline.WithObserver(collector))
	return a, nil
}

func (a *Adapter) registerAdapters(ctx context.Context, o *options, logger *utils.StructuredLogger) error {
	cfg := a.config

	if cfg.Local.Enabled {
		fs := o.fs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		if cfg.Local.Root != "" {
			fs = afero.NewBasePathFs(fs, cfg.Local.Root)
		}
		localOpts := []local.Option{local.WithLogger(logger)}
		if cfg.Local.FileMode != 0 {
			localOpts = append(localOpts, local.WithPerm(os.FileMode(cfg.Local.FileMode)))
		}
		if err := a.registry.RegisterAdapter(local.New(fs, localOpts...)); err != nil {
			return err
		}
	}

	if cfg.Raw.Enabled {
		compression, err := raw.ParseCompression(cfg.Raw.Compression)
		if err != nil {
			return err
		}
		rawOpts := []raw.Option{raw.WithCompression(compression), raw.WithLogger(logger)}
		if o.rawSink != nil {
			rawOpts = append(rawOpts, raw.WithSink(o.rawSink))
		}
		if err := a.registry.RegisterAdapter(raw.New(rawOpts...)); err != nil {
			return err
		}
	}

	if cfg.S3.Enabled {
		s3Opts := []s3.Option{
			s3.WithObserver(a.metrics),
			s3.WithLogger(newSlogLogger(cfg.Logging)),
		}
		s3cfg := cfg.S3.Adapter
		if o.s3API != nil {
			a.s3 = s3.New(o.s3API, &s3cfg, s3Opts...)
		} else {
			adapter, err := s3.NewFromConfig(ctx, &s3cfg, s3Opts...)
			if err != nil {
				return err
			}
			a.s3 = adapter
		}
		if err := a.registry.RegisterAdapter(a.s3); err != nil {
			return err
		}
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:         level,
		Output:        os.Stderr,
		Format:        utils.ParseLogFormat(cfg.Format),
		IncludeCaller: cfg.IncludeCaller,
		File:          cfg.File,
	})
}

// newSlogLogger builds the logger of the S3 adapter, which logs through slog.
func newSlogLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	if l, err := utils.ParseLogLevel(cfg.Level); err == nil {
		switch {
		case l <= utils.DEBUG:
			level = slog.LevelDebug
		case l == utils.WARN:
			level = slog.LevelWarn
		case l >= utils.ERROR:
			level = slog.LevelError
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if utils.ParseLogFormat(cfg.Format) == utils.FormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Start serves metrics and launches the pipeline workers.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return errors.NewError(errors.ErrCodeInvalidParameter, "adapter stopped").
			WithComponent("adapter").WithOperation("Start")
	}
	if a.started {
		return errors.NewError(errors.ErrCodeNothingToDo, "adapter already started").
			WithComponent("adapter").WithOperation("Start")
	}

	if err := a.metrics.Start(ctx); err != nil {
		return err
	}
	if err := a.pipeline.Start(); err != nil {
		return multierr.Append(err, a.metrics.Stop(ctx))
	}
	a.started = true

	names := make([]string, 0, len(a.registry.Adapters()))
	for _, ad := range a.registry.Adapters() {
		names = append(names, ad.Name())
	}
	a.logger.Info("vfile started", map[string]interface{}{
		"adapters":        names,
		"workers":         a.config.Pipeline.Workers,
		"metrics_address": a.metrics.Addr(),
	})
	return nil
}

// Stop drains the pipeline, closes the adapters and stops serving metrics.
// Every step runs; their errors are combined.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return nil
	}
	a.stopped = true

	err := multierr.Combine(
		a.pipeline.Stop(ctx),
		a.registry.Close(),
		a.metrics.Stop(ctx),
	)
	a.logger.Info("vfile stopped", map[string]interface{}{"clean": err == nil})
	return multierr.Append(err, a.logger.Close())
}

// Registry returns the registry holding the configured adapters.
func (a *Adapter) Registry() *vfile.Registry { return a.registry }

// Pipeline returns the request channel.
func (a *Adapter) Pipeline() *pipeline.Channel { return a.pipeline }

// Metrics returns the collector.
func (a *Adapter) Metrics() *metrics.Collector { return a.metrics }

// S3 returns the S3 adapter, or nil when it is disabled.
func (a *Adapter) S3() *s3.Adapter { return a.s3 }
