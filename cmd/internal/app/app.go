// Package app wires the relay server runtime: config, logging, storage,
// the upload and invite services, HTTP routes and the nonce janitor.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"relay/cmd/internal/forward"
	"relay/cmd/internal/invite"
	"relay/cmd/internal/metrics"
	"relay/cmd/internal/nonce"
	"relay/cmd/internal/relayapi"
	"relay/cmd/internal/upload"
	"relay/cmd/security/sealer"
)

// App is the relay server runtime: it owns the stores, the HTTP server and
// the janitor goroutine.
type App struct {
	cfg Config
	log Logger

	stores  *Stores
	metrics *metrics.Metrics
	janitor *nonce.Janitor
	api     *relayapi.Handler
	rdb     *redis.Client
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}
	sl, err := NewSealer(cfg)
	if err != nil {
		return nil, err
	}

	st, err := OpenStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, stores: st, metrics: metrics.New()}
	if err := a.wire(ctx, sl); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, sl sealer.Sealer) error {
	rc := a.cfg.Relay

	a.janitor = nonce.NewJanitor(a.stores.Nonces, a.log, rc.NonceTTL, nonce.WithObserver(a.metrics))

	fwd := forward.NewWebhook(forward.WithTimeout(rc.ForwardTimeout))
	uploads, err := upload.NewService(rc.Upload(), a.stores.Credentials, a.stores.Nonces, a.stores.Audits, fwd,
		upload.WithSealer(sl),
		upload.WithJanitor(a.janitor),
		upload.WithObserver(a.metrics),
		upload.WithLogger(a.log),
	)
	if err != nil {
		return err
	}

	invites, err := invite.NewService(a.stores.Invites, invite.WithSealer(sl))
	if err != nil {
		return err
	}

	uploadLimit, redeemLimit, err := a.limiters(ctx)
	if err != nil {
		return err
	}

	a.api, err = relayapi.NewHandler(a.log, rc, invites, uploads,
		relayapi.WithLimiters(uploadLimit, redeemLimit),
		relayapi.WithObserver(a.metrics),
	)
	return err
}

// limiters builds per-route rate limiters: shared in Redis when configured,
// otherwise per process. A non-positive max disables limiting for the route.
func (a *App) limiters(ctx context.Context) (relayapi.Limiter, relayapi.Limiter, error) {
	rc := a.cfg.Relay

	if a.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		a.rdb = redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := a.rdb.Ping(pingCtx).Err(); err != nil {
			return nil, nil, err
		}
		a.log.Info("ratelimit.redis.enabled", "addr", opts.Addr)

		var up, rd relayapi.Limiter
		if rc.UploadRateMax > 0 {
			up = relayapi.NewRedisLimiter(a.rdb, "relay:rl:upload", rc.UploadRateMax, rc.UploadRateWindow)
		}
		if rc.RedeemRateMax > 0 {
			rd = relayapi.NewRedisLimiter(a.rdb, "relay:rl:redeem", rc.RedeemRateMax, rc.RedeemRateWindow)
		}
		return up, rd, nil
	}

	var up, rd relayapi.Limiter
	if rc.UploadRateMax > 0 {
		up = relayapi.NewMemoryLimiter(rc.UploadRateMax, rc.UploadRateWindow)
	}
	if rc.RedeemRateMax > 0 {
		rd = relayapi.NewMemoryLimiter(rc.RedeemRateMax, rc.RedeemRateWindow)
	}
	return up, rd, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run starts the HTTP server and the nonce janitor and blocks until context
// cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 30*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	jctx, stopJanitor := context.WithCancel(ctx)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		a.janitor.Run(jctx)
	}()
	defer func() {
		stopJanitor()
		<-janitorDone
	}()

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.stores.Backend(),
		"shared_ratelimit", a.rdb != nil,
		"sweep_interval", a.janitor.Interval().String(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

func (a *App) close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if err := a.stores.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
