package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/segment-cli/internal/archive"
	"github.com/sells-group/segment-cli/internal/cache"
	"github.com/sells-group/segment-cli/internal/catalog"
	"github.com/sells-group/segment-cli/internal/cost"
	"github.com/sells-group/segment-cli/internal/fetcher"
	"github.com/sells-group/segment-cli/internal/llm"
	"github.com/sells-group/segment-cli/internal/progress"
	"github.com/sells-group/segment-cli/internal/prompts"
	"github.com/sells-group/segment-cli/internal/resilience"
	"github.com/sells-group/segment-cli/internal/segment"
	"github.com/sells-group/segment-cli/internal/store"
)

// segmentEnv holds the initialized store, clients and orchestrator needed by
// the segment and serve commands.
type segmentEnv struct {
	Store        store.Store
	Catalog      catalog.Catalog
	Archive      *archive.Archive
	Prompts      *prompts.Registry
	Broker       *progress.Broker
	Orchestrator *segment.Orchestrator
}

// Close releases resources held by the environment.
func (se *segmentEnv) Close() {
	if se.Store != nil {
		_ = se.Store.Close()
	}
}

// initStore opens the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.SQLitePath
		if dsn == "" {
			dsn = "segment.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the store for read-side commands.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initArchive opens the filesystem archive.
func initArchive() (*archive.Archive, error) {
	blob, err := archive.NewFSBlob(cfg.Archive.Dir)
	if err != nil {
		return nil, eris.Wrap(err, "open archive")
	}
	return archive.New(blob), nil
}

// initCatalog builds the product catalog. path overrides catalog.path.
func initCatalog(ctx context.Context, st store.Store, path string) (catalog.Catalog, error) {
	switch cfg.Catalog.Driver {
	case "", "file":
		if path == "" {
			path = cfg.Catalog.Path
		}
		if path == "" {
			return nil, eris.Wrap(resilience.ErrConfiguration, "catalog.path is required for the file catalog")
		}
		return catalog.LoadFile(ctx, path, catalog.LoadOptions{
			Fetcher: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}),
			Sheet:   cfg.Catalog.Sheet,
		})
	case "postgres":
		ps, ok := st.(*store.PostgresStore)
		if !ok {
			return nil, eris.Wrap(resilience.ErrConfiguration, "catalog.driver postgres requires store.driver postgres")
		}
		return catalog.NewPostgres(ps.Pool(), cfg.Catalog.Table), nil
	default:
		return nil, eris.Wrapf(resilience.ErrConfiguration, "catalog.driver %q is not supported", cfg.Catalog.Driver)
	}
}

// initModel builds the guarded completer and the model client.
func initModel(ctx context.Context, st store.Store, arch *archive.Archive, reg *prompts.Registry) (*llm.Client, error) {
	completer, err := llm.NewCompleter(ctx, llm.ProviderOptions{
		Provider:         cfg.LLM.Provider,
		AnthropicKey:     cfg.Anthropic.Key,
		AnthropicBaseURL: cfg.Anthropic.BaseURL,
		PromptCacheTTL:   cfg.Anthropic.PromptCacheTTL,
		GenAIKey:         cfg.GenAI.Key,
	})
	if err != nil {
		return nil, err
	}

	var limiter *resilience.AdaptiveLimiter
	if cfg.LLM.RequestsPerSecond > 0 {
		limiter = resilience.NewAdaptiveLimiter(cfg.LLM.Provider, rate.Limit(cfg.LLM.RequestsPerSecond), max(cfg.LLM.Burst, 1))
	}
	guarded := llm.NewGuarded(completer, limiter, llm.NewProviderBreaker(cfg.LLM.Breaker()))

	return llm.NewClient(llm.Deps{
		Completer: guarded,
		Cache:     cache.New(st),
		Archive:   arch,
		Index:     st,
		Prompts:   reg,
		Costs:     cost.NewCalculator(cfg.Pricing),
	}, llm.Options{
		MaxAttempts: cfg.LLM.MaxAttempts,
		Retry:       cfg.LLM.Retry(),
		CallTimeout: cfg.LLM.CallTimeout(),
	}), nil
}

// initEnv validates config for mode and wires the store, catalog, archive,
// prompts, model client and orchestrator. Callers should defer env.Close().
func initEnv(ctx context.Context, mode, catalogPath string) (*segmentEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &segmentEnv{Store: st, Broker: progress.NewBroker()}

	if env.Archive, err = initArchive(); err != nil {
		env.Close()
		return nil, err
	}

	if env.Prompts, err = prompts.Load(prompts.Options{Dir: cfg.Prompts.Dir}); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "load prompts")
	}
	if cfg.Prompts.Watch {
		if err := env.Prompts.Watch(ctx); err != nil {
			zap.L().Warn("prompt hot reload disabled", zap.Error(err))
		}
	}

	if env.Catalog, err = initCatalog(ctx, st, catalogPath); err != nil {
		env.Close()
		return nil, err
	}

	client, err := initModel(ctx, st, env.Archive, env.Prompts)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Orchestrator = segment.New(segment.Deps{
		Store:   st,
		Catalog: env.Catalog,
		Model:   client,
		Prompts: env.Prompts,
		Archive: env.Archive,
		Broker:  env.Broker,
	})

	zap.L().Info("segmentation environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("catalog", cfg.Catalog.Driver),
		zap.String("provider", cfg.LLM.Provider),
		zap.String("model", cfg.LLM.Model),
		zap.Strings("templates", env.Prompts.Names()),
	)
	return env, nil
}
