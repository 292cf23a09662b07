package recgo

import (
	"log/slog"
	"time"

	"github.com/hupe1980/recgo/blobstore"
	"github.com/hupe1980/recgo/codec"
	"github.com/hupe1980/recgo/profile"
	"github.com/hupe1980/recgo/scoring"
)

type options struct {
	codec            codec.Codec
	blobs            blobstore.Store
	snapshotDir      string
	scoringConfig    scoring.Config
	profileWeights   profile.Weights
	metricsCollector MetricsCollector
	logger           *Logger
	saveInterval     time.Duration
}

// Option configures Engine constructor behavior.
type Option func(*options)

// WithCodec configures the codec used for the mapping artifact of snapshots.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithBlobStore configures where snapshots are stored (local directory,
// memory, S3, MinIO). Takes precedence over WithSnapshotDir.
//
// If the store implements blobstore.BatchWriter, snapshot artifacts are
// published atomically.
func WithBlobStore(s blobstore.Store) Option {
	return func(o *options) {
		o.blobs = s
	}
}

// WithSnapshotDir configures a local directory for snapshots. Convenience
// wrapper around a blobstore.LocalStore.
//
// If neither this nor WithBlobStore is set, persistence is disabled and the
// engine is purely in-memory.
func WithSnapshotDir(dir string) Option {
	return func(o *options) {
		o.snapshotDir = dir
	}
}

// WithScoringConfig overrides the scoring weights, recency decay window and
// popularity normalization ceiling. See scoring.DefaultConfig for defaults.
func WithScoringConfig(cfg scoring.Config) Option {
	return func(o *options) {
		o.scoringConfig = cfg
	}
}

// WithProfileWeights overrides the watched/liked group weights used when
// synthesizing user preference vectors. Defaults to watched 0.3, liked 0.7.
func WithProfileWeights(w profile.Weights) Option {
	return func(o *options) {
		o.profileWeights = w
	}
}

// WithSaveInterval throttles automatic snapshots after mutating operations:
// at most one auto-save per interval. Zero or negative disables throttling
// (every mutation saves). Close always saves regardless of the throttle.
func WithSaveInterval(d time.Duration) Option {
	return func(o *options) {
		o.saveInterval = d
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &recgo.BasicMetricsCollector{}
//	eng, _ := recgo.New(768, embedder, recgo.WithMetricsCollector(metrics))
//	// ... use eng ...
//	stats := metrics.GetStats()
//	fmt.Printf("Searches: %d, Avg latency: %dns\n", stats.SearchCount, stats.SearchAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := recgo.NewJSONLogger(slog.LevelInfo)
//	eng, _ := recgo.New(768, embedder, recgo.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		codec:            nil,
		scoringConfig:    scoring.DefaultConfig(),
		profileWeights:   profile.DefaultWeights(),
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
