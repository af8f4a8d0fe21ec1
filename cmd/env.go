package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/flood-exposure/internal/aoi"
	"github.com/sells-group/flood-exposure/internal/config"
	"github.com/sells-group/flood-exposure/internal/engine"
	"github.com/sells-group/flood-exposure/internal/engine/local"
	"github.com/sells-group/flood-exposure/internal/resilience"
	"github.com/sells-group/flood-exposure/internal/store"
)

// computeEngine evaluates expressions and runs exports. Both the remote
// client and the local catalog engine satisfy it.
type computeEngine interface {
	engine.Evaluator
	engine.Exporter
}

// initStore opens and migrates the configured run store. Callers should
// defer Close.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch c.Store.Driver {
	case "sqlite":
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = "flood-runs.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, c.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEngine builds the configured compute engine.
func initEngine(c *config.Config) (computeEngine, error) {
	switch c.Engine.Driver {
	case config.DriverLocal:
		e, err := local.LoadCatalog(c.Engine.CatalogDir)
		if err != nil {
			return nil, eris.Wrap(err, "load local catalog")
		}
		return e, nil
	case config.DriverRemote:
		if c.Engine.Token == "" {
			zap.L().Warn("engine: no access token configured (FLOOD_ENGINE_TOKEN)")
		}
		return engine.NewRemote(c.Engine.Project, c.Engine.Token,
			engine.WithBaseURL(c.Engine.BaseURL),
			engine.WithRequestTimeout(time.Duration(c.Engine.TimeoutSecs)*time.Second),
			engine.WithRateLimit(c.Engine.RequestsPerSecond),
			engine.WithRetryPolicy(c.RetryPolicy()),
			engine.WithBreaker(resilience.NewBreaker(c.BreakerConfig())),
		), nil
	default:
		return nil, eris.Errorf("unsupported engine driver: %s", c.Engine.Driver)
	}
}

// newResolver returns an AOI resolver that can download boundary URLs.
func newResolver(c *config.Config) *aoi.Resolver {
	timeout := time.Duration(c.AOI.FetchTimeoutSecs) * time.Second
	return aoi.NewResolver(aoi.NewHTTPFetcher(c.AOI.FetchRetries, timeout))
}
