// Package app wires the sigma server runtime: config, logging, storage, the
// sync engine, push delivery and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"sigma/cmd/identity"
	"sigma/cmd/internal/api"
	"sigma/cmd/internal/auth"
	"sigma/cmd/internal/cryptosession"
	"sigma/cmd/internal/keys"
	"sigma/cmd/internal/realtime"
	"sigma/cmd/internal/rooms"
	"sigma/cmd/internal/sessions"
	"sigma/cmd/internal/syncengine"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// App owns every long-lived component and the HTTP server in front of them.
type App struct {
	cfg Config
	log Logger

	stores *stores

	registry   *prometheus.Registry
	maintainer *keys.Maintainer
	engine     *syncengine.Engine
	push       *realtime.Gateway

	handler http.Handler
}

// New constructs a fully wired App. Nothing runs until Run.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	authCfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("auth config: %w", err)
	}
	if err := ValidateSecurityConfig(cfg, authCfg); err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenManager(authCfg)
	if err != nil {
		return nil, err
	}
	if tokens.Ephemeral() {
		log.Warn("auth.ephemeral_key", "hint", "set SIGMA_PASETO_V4_SECRET_KEY_HEX to keep tokens valid across restarts")
	}

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	keySvc := keys.NewService(st.keys, log)
	policy := keys.DefaultPolicy()
	policy.Interval = cfg.KeysMaintenanceInterval
	maintainer := keys.NewMaintainer(keySvc, policy, keys.NewMetrics(reg), log)

	cipher := cryptosession.NewCipher(keySvc, st.sessions, log)
	dir := rooms.NewDirectory(st.rooms, log)

	push := realtime.NewGateway(log, realtime.NewMetrics(reg), realtime.WithQueueSize(cfg.PushSendQueue))

	engine, err := syncengine.New(syncengine.Deps{
		Remote:    syncengine.NewWSRemote(cfg.SyncRemoteURL, nil, log),
		Cipher:    cipher,
		Directory: dir,
		Push:      push,
		Metrics:   syncengine.NewMetrics(reg),
		Log:       log,
	}, syncengine.Config{
		InitialSyncLimit: cfg.SyncInitialLimit,
		MaxRetries:       cfg.SyncMaxRetries,
		BackfillRate:     rate.Limit(cfg.SyncBackfillRPS),
		DeviceID:         keys.DefaultDeviceID,
	})
	if err != nil {
		st.close()
		return nil, err
	}

	apiHandler, err := api.NewHandler(log, api.LoadConfigFromEnv(), api.Deps{
		Tokens: tokens,
		Keys:   keySvc,
		Cipher: cipher,
		Rooms:  dir,
		Sync:   engine,
		Users:  st.users,
	})
	if err != nil {
		st.close()
		return nil, err
	}

	ws := realtime.NewWSGateway(log, push, tokens, realtime.LoadWSConfigFromEnv())

	a := &App{
		cfg:        cfg,
		log:        log,
		stores:     st,
		registry:   reg,
		maintainer: maintainer,
		engine:     engine,
		push:       push,
	}

	mux := http.NewServeMux()
	registerHTTP(mux, httpDeps{
		log:      log,
		cfg:      cfg,
		pool:     st.pool,
		registry: reg,
		api:      apiHandler,
		ws:       ws,
	})
	a.handler = WithRequestLogging(WithSecurityHeaders(mux), log)
	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP and runs key maintenance until ctx is cancelled or a
// component fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(ln.Addr().String())
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"api", base+"/v1",
		"push", wsBaseURL(base)+"/ws",
		"db_enabled", a.stores.pool != nil,
		"sync_remote", a.cfg.SyncRemoteURL,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.maintainer.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))
		return a.shutdown(srv)
	})

	err := g.Wait()
	if err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// shutdown stops intake first, then the producers feeding push, then storage.
func (a *App) shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.engine.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sync close: %w", err))
	}
	a.push.Close()
	a.stores.close()
	return errors.Join(errs...)
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

// stores groups the per-component persistence chosen at startup.
type stores struct {
	pool *pgxpool.Pool // nil in memory mode

	keys     keys.Store
	sessions sessions.Store
	rooms    rooms.Store
	users    identity.Resolver
}

func (s *stores) close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
