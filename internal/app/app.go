// Package app construye todos los componentes de credgate a partir de la
// configuración y los conecta con el servidor HTTP y el scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/credgate/internal/apikey"
	"github.com/dropDatabas3/credgate/internal/cache"
	"github.com/dropDatabas3/credgate/internal/config"
	"github.com/dropDatabas3/credgate/internal/http/controllers"
	"github.com/dropDatabas3/credgate/internal/http/router"
	"github.com/dropDatabas3/credgate/internal/jwt"
	"github.com/dropDatabas3/credgate/internal/metrics"
	"github.com/dropDatabas3/credgate/internal/observability/logger"
	"github.com/dropDatabas3/credgate/internal/rate"
	"github.com/dropDatabas3/credgate/internal/refresh"
	"github.com/dropDatabas3/credgate/internal/scheduler"
	"github.com/dropDatabas3/credgate/internal/security/secretbox"
	"github.com/dropDatabas3/credgate/internal/validator"
)

// App es la aplicación cableada. Close libera lo que New abrió.
type App struct {
	cfg *config.Config

	Ring      *jwt.KeyRing
	Codec     *jwt.Codec
	Validator *validator.Validator
	Refresh   *refresh.Store
	Scheduler *scheduler.Scheduler
	Registry  *prometheus.Registry
	Handler   http.Handler

	closers []func() error
}

// New arma la aplicación completa. Ante un error cierra lo que alcanzó a abrir.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	log := logger.From(ctx).With(logger.Component("app"))

	var rdb redis.UniversalClient
	if cfg.Refresh.Driver == "redis" || cfg.Cache.Kind == "redis" || (cfg.Rate.Enabled && cfg.Redis.Addr != "") {
		rdb = NewRedisClient(cfg)
		a.closers = append(a.closers, rdb.Close)
	}

	if a.Ring, err = OpenKeyRing(ctx, cfg); err != nil {
		return nil, err
	}
	if cfg.Keys.RotateOnStart {
		if err := a.Ring.Rotate(ctx); err != nil {
			return nil, fmt.Errorf("app: rotate on start: %w", err)
		}
	}

	a.Codec = jwt.NewCodec(cfg.JWT.Issuer,
		jwt.WithAccessTTL(cfg.AccessTTL()),
		jwt.WithLeeway(cfg.Leeway()),
	)

	var keys jwt.KeySource = a.Ring
	checks := map[string]controllers.Pinger{}
	if cfg.RemoteJWKS.URL != "" {
		jwksCache, err := cache.New(cache.Config{
			Kind:       cfg.Cache.Kind,
			Prefix:     cfg.Cache.Prefix,
			DefaultTTL: cfg.CacheDefaultTTL(),
			Redis:      rdb,
		})
		if err != nil {
			return nil, fmt.Errorf("app: cache: %w", err)
		}
		a.closers = append(a.closers, jwksCache.Close)
		checks["cache"] = jwksCache

		remote := jwt.NewRemoteKeySet(cfg.RemoteJWKS.URL,
			jwt.WithRemoteTTL(cfg.RemoteJWKSTTL()),
			jwt.WithRemoteCache(jwksCache),
		)
		keys = jwt.KeySources{a.Ring, remote}
		log.Info("remote key material enabled", logger.String("url", cfg.RemoteJWKS.URL))
	}

	vopts := []validator.Option{validator.WithOpaquePrefix(cfg.APIKey.Prefix)}
	if cfg.APIKey.URL != "" {
		vopts = append(vopts, validator.WithAPIKeys(apikey.New(cfg.APIKey.URL, cfg.APIKeyTimeout())))
	}
	a.Validator = validator.New(a.Codec, keys, vopts...)

	backend, pool, err := OpenRefreshBackend(ctx, cfg, rdb)
	if err != nil {
		return nil, err
	}
	a.Refresh = refresh.NewStore(backend, refresh.WithDefaultTTL(cfg.RefreshTTL()))
	a.closers = append(a.closers, a.Refresh.Close)
	checks["refresh"] = a.Refresh

	var tasks []scheduler.Task
	if cfg.Keys.RotationIntervalDays > 0 {
		tasks = append(tasks, scheduler.KeyRotationTask(a.Ring, cfg.Keys.RotationIntervalDays))
	}
	if cfg.Refresh.SweepIntervalMinutes > 0 {
		tasks = append(tasks, scheduler.RefreshSweepTask(a.Refresh, cfg.Refresh.SweepIntervalMinutes))
	}
	a.Scheduler = scheduler.New(tasks)

	deps := router.Deps{
		Keys:        a.Ring,
		Rotator:     a.Ring,
		Validator:   a.Validator,
		Refresh:     a.Refresh,
		Access:      jwt.NewIssuer(a.Codec, a.Ring),
		AdminAPIKey: cfg.Admin.APIKey,
		Checks:      checks,
	}
	if cfg.Rate.Enabled {
		deps.RateLimiter = newRateLimiter(cfg, rdb)
	}
	if cfg.MetricsEnabled() {
		a.Registry = prometheus.NewRegistry()
		if err := registerMetrics(a.Registry, pool); err != nil {
			return nil, err
		}
		deps.Metrics = a.Registry
	}
	a.Handler = router.New(deps)

	log.Info("app wired",
		logger.String("refresh_driver", cfg.Refresh.Driver),
		logger.KID(a.Ring.Current().KID),
		logger.Count(len(tasks)),
	)
	return a, nil
}

// Run sirve HTTP y corre el scheduler hasta que ctx termine, y luego hace
// un shutdown ordenado: scheduler, servidor y backends.
func (a *App) Run(ctx context.Context) error {
	log := logger.From(ctx).With(logger.Component("app"))

	srv := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      a.Handler,
		ReadTimeout:  a.cfg.ReadTimeout(),
		WriteTimeout: a.cfg.WriteTimeout(),
		BaseContext:  func(net.Listener) context.Context { return logger.ToContext(context.Background(), log) },
	}

	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.Scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", logger.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", logger.String("timeout", a.cfg.Server.ShutdownTimeout))
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout())
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// Close cierra backends y clientes en orden inverso de apertura.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func registerMetrics(reg *prometheus.Registry, pool func() *pgxpool.Pool) error {
	if err := metrics.Register(reg); err != nil {
		return err
	}
	extra := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	if pool != nil {
		extra = append(extra, metrics.NewPoolCollector(pool))
	}
	for _, c := range extra {
		if err := metrics.RegisterCollector(reg, c); err != nil {
			return err
		}
	}
	return nil
}

// newRateLimiter comparte la ventana entre réplicas cuando hay Redis.
func newRateLimiter(cfg *config.Config, rdb redis.UniversalClient) rate.Limiter {
	if rdb != nil {
		return rate.NewRedisLimiter(rdb, cfg.Redis.Prefix+"rl:", cfg.Rate.Max, cfg.RateWindow())
	}
	return rate.NewMemoryLimiter(cfg.Rate.Max, cfg.RateWindow())
}

// NewRedisClient crea el cliente compartido por el backend de refresh y la
// caché.
func NewRedisClient(cfg *config.Config) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// OpenKeyRing restaura el ring desde keys.dir o lo genera en memoria.
func OpenKeyRing(ctx context.Context, cfg *config.Config) (*jwt.KeyRing, error) {
	opts := []jwt.RingOption{jwt.WithKeyBits(cfg.JWT.KeyBits)}
	if cfg.Keys.Dir != "" {
		box, err := secretbox.NewFromString(cfg.Keys.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("app: keys.master_key: %w", err)
		}
		fs, err := jwt.NewFileKeyStore(cfg.Keys.Dir, box)
		if err != nil {
			return nil, fmt.Errorf("app: key store: %w", err)
		}
		opts = append(opts, jwt.WithPersister(fs))
	} else {
		logger.From(ctx).Warn("keys.dir not set; signing keys live in memory only", logger.Component("app"))
	}
	ring, err := jwt.NewKeyRing(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: key ring: %w", err)
	}
	return ring, nil
}

// OpenRefreshBackend elige el backend según refresh.driver. El pool devuelto
// es nil salvo para postgres.
func OpenRefreshBackend(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient) (refresh.Backend, func() *pgxpool.Pool, error) {
	switch cfg.Refresh.Driver {
	case "redis":
		if rdb == nil {
			return nil, nil, errors.New("app: refresh.driver=redis requires a redis client")
		}
		return refresh.NewRedisBackend(rdb, cfg.Redis.Prefix), nil, nil
	case "postgres":
		pg, err := refresh.OpenPostgres(ctx, cfg.Postgres.DSN, int32(cfg.Postgres.MaxConns), cfg.Postgres.Migrate)
		if err != nil {
			return nil, nil, fmt.Errorf("app: postgres: %w", err)
		}
		return pg, pg.Pool, nil
	default:
		return refresh.NewMemoryBackend(), nil, nil
	}
}
