package commands

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/chunkstream/chunkstream/pkg/chunkproc"
	"github.com/chunkstream/chunkstream/pkg/config"
	"github.com/chunkstream/chunkstream/pkg/content"
	"github.com/chunkstream/chunkstream/pkg/content/localfs"
	"github.com/chunkstream/chunkstream/pkg/content/s3target"
	"github.com/chunkstream/chunkstream/pkg/metrics"
	"github.com/chunkstream/chunkstream/pkg/orchestrator"
	"github.com/chunkstream/chunkstream/pkg/ratelimit"
	"github.com/chunkstream/chunkstream/pkg/state"
	"github.com/chunkstream/chunkstream/pkg/state/badgerstore"
	"github.com/chunkstream/chunkstream/pkg/state/filestore"
	"github.com/chunkstream/chunkstream/pkg/state/pgstore"
	"github.com/chunkstream/chunkstream/pkg/uploadconfig"
)

// stack holds every collaborator wired from configuration, plus whatever
// needs to be closed or stopped on shutdown.
type stack struct {
	store        state.Store
	target       content.Target
	registry     *uploadconfig.Registry
	limiter      *ratelimit.Limiter
	processor    *chunkproc.Processor
	orchestrator *orchestrator.Orchestrator
	metrics      *metrics.UploadMetrics
	closers      []func() error
}

// close runs every registered closer, returning the first error.
func (s *stack) close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// buildStack wires a state store, content target, upload configuration
// registry, rate limiter, chunk processor, and orchestrator from cfg.
// The caller is responsible for calling registry.Start/limiter.Start and,
// eventually, stack.close.
func buildStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	s := &stack{}

	store, closer, err := openStateStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.store = store
	if closer != nil {
		s.closers = append(s.closers, closer)
	}

	target, err := openContentTarget(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.target = target

	if cfg.Metrics.Enabled {
		s.metrics = metrics.NewUploadMetrics(nil)
	}

	s.registry = uploadconfig.New(cfg.Registry.IdleTimeout)

	limiterCfg := ratelimit.Config{
		DefaultRatePerRequestKB: cfg.RateLimiter.DefaultRatePerRequestKB,
		MinimumRatePerRequestKB: cfg.RateLimiter.MinimumRatePerRequestKB,
		DefaultRatePerClientKB:  cfg.RateLimiter.DefaultRatePerClientKB,
		MaximumRatePerClientKB:  cfg.RateLimiter.MaximumRatePerClientKB,
		MaximumOverAllRateKB:    cfg.RateLimiter.MaximumOverAllRateKB,
		TickPeriod:              cfg.RateLimiter.TickPeriod,
	}
	s.limiter = ratelimit.New(s.registry, limiterCfg)
	s.limiter.SetMetrics(s.metrics)

	processorCfg := chunkproc.Config{
		BufferSize:        int(cfg.ChunkProcessor.BufferSize),
		PausePollInterval: cfg.ChunkProcessor.PausePollInterval,
		MaxPauseDuration:  cfg.ChunkProcessor.MaxPauseDuration,
		DeleteOnCancel:    cfg.ChunkProcessor.DeleteOnCancel,
	}
	s.processor = chunkproc.New(s.store, s.target, s.registry, s.limiter, processorCfg)
	s.processor.SetMetrics(s.metrics)

	s.orchestrator = orchestrator.New(s.store, s.target, s.registry, s.limiter, s.processor)

	return s, nil
}

// openStateStore selects and opens the configured state.Store backend,
// returning a closer for backends that hold an open handle.
func openStateStore(ctx context.Context, cfg *config.Config) (state.Store, func() error, error) {
	switch cfg.StateStore.Backend {
	case "filestore":
		st, err := filestore.Open(cfg.StateStore.FileStore.JournalPath, cfg.StateStore.ContentRoot)
		if err != nil {
			return nil, nil, fmt.Errorf("open filestore: %w", err)
		}
		return st, nil, nil

	case "badgerstore":
		st, err := badgerstore.Open(cfg.StateStore.BadgerStore.Dir, cfg.StateStore.ContentRoot)
		if err != nil {
			return nil, nil, fmt.Errorf("open badgerstore: %w", err)
		}
		return st, st.Close, nil

	case "pgstore":
		st, err := pgstore.Open(ctx, &cfg.StateStore.Postgres, cfg.StateStore.ContentRoot, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("open pgstore: %w", err)
		}
		return st, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown state store backend: %q", cfg.StateStore.Backend)
	}
}

// openContentTarget selects and opens the configured content.Target
// backend.
func openContentTarget(ctx context.Context, cfg *config.Config) (content.Target, error) {
	switch cfg.ContentStore.Backend {
	case "localfs":
		return localfs.New(), nil

	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ContentStore.S3.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return s3target.New(client, cfg.ContentStore.S3.Bucket, int64(cfg.ContentStore.S3.PartSize)), nil

	default:
		return nil, fmt.Errorf("unknown content store backend: %q", cfg.ContentStore.Backend)
	}
}
