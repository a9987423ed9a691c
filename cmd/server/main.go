// Command gr-server starts the presence-aware message relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/goph-relay/internal/config"
	"github.com/and161185/goph-relay/internal/limiter"
	"github.com/and161185/goph-relay/internal/metrics"
	"github.com/and161185/goph-relay/internal/migrate"
	"github.com/and161185/goph-relay/internal/registry"
	"github.com/and161185/goph-relay/internal/relay"
	"github.com/and161185/goph-relay/internal/repository"
	"github.com/and161185/goph-relay/internal/repository/memory"
	"github.com/and161185/goph-relay/internal/repository/postgres"
	"github.com/and161185/goph-relay/internal/repository/sqlite"
	grpcserver "github.com/and161185/goph-relay/internal/server/grpc"
	"github.com/and161185/goph-relay/internal/server/ws"
	"github.com/and161185/goph-relay/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const limiterCacheSize = 10000

// main loads configuration, opens the pending store and serves gRPC and HTTP until signalled.
func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:\n"+err.Error())
		os.Exit(2)
	}

	logger := newLogger(cfg.Dev)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.Stringer("config", cfg),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(dev bool) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if dev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// backend groups the store and limiter chosen at start-up.
type backend struct {
	store   repository.PendingRepository
	limiter limiter.Limiter
	close   func()
}

// openBackend picks the pending store. A durable store that cannot be reached
// degrades to live-only operation instead of refusing to start.
func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) backend {
	memLim := limiter.NewMemory(limiterCacheSize, cfg.LimiterWindow, cfg.LimiterMaxFails, cfg.LimiterBlock)
	liveOnly := backend{limiter: memLim, close: func() {}}

	switch cfg.Store {
	case config.StorePostgres:
		if err := migrate.Up(ctx, cfg.DSN); err != nil {
			log.Error("migrate up failed, running live-only", zap.Error(err))
			return liveOnly
		}
		db, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			log.Error("postgres unavailable, running live-only", zap.Error(err))
			return liveOnly
		}
		return backend{
			store:   postgres.NewPendingRepo(db, cfg.MaxPerRecipient),
			limiter: limiter.NewPG(db.Pool, cfg.LimiterWindow, cfg.LimiterMaxFails, cfg.LimiterBlock),
			close:   db.Close,
		}
	case config.StoreSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			log.Error("sqlite unavailable, running live-only", zap.Error(err))
			return liveOnly
		}
		return backend{
			store:   sqlite.NewPendingRepo(db, cfg.MaxPerRecipient),
			limiter: memLim,
			close:   func() { _ = db.Close() },
		}
	case config.StoreMemory:
		return backend{store: memory.NewPendingRepo(cfg.MaxPerRecipient), limiter: memLim, close: func() {}}
	default:
		return liveOnly
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	be := openBackend(ctx, cfg, logger)
	defer be.close()

	authSvc, err := service.NewAuthService([]byte(cfg.JWTKey), cfg.Leeway, be.limiter)
	if err != nil {
		return err
	}

	m := metrics.New()
	hub := relay.NewHub(relay.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		OutboundBuffer:   cfg.OutboundBuffer,
		DrainPushTimeout: cfg.DrainPushTimeout,
		SendRate:         rate.Limit(cfg.SendRate),
		SendBurst:        cfg.SendBurst,
	}, authSvc, registry.New(), be.store, m, logger)
	logger.Info("relay ready", zap.Bool("durable", hub.Dispatcher().Durable()))

	// gRPC server with interceptors
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
		),
		grpc.ChainStreamInterceptor(
			grpcserver.RecoverStream(logger),
			grpcserver.ClientIPStream(cfg.TrustedProxyHops),
			grpcserver.LoggingStream(logger),
		),
	}
	if cfg.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	gs := grpc.NewServer(opts...)
	grpcserver.RegisterRelayServer(gs, grpcserver.New(hub, logger))

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	if cfg.Dev {
		reflection.Register(gs)
	}

	mux := http.NewServeMux()
	wsOpts := ws.DefaultOptions()
	wsOpts.AllowedOrigin = cfg.AllowedOrigin
	wsOpts.TrustedProxyHops = cfg.TrustedProxyHops
	mux.Handle("/ws", ws.NewHandler(hub, wsOpts, logger))
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var lis net.Listener
	if cfg.GRPCAddr != "" {
		if lis, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if be.store != nil && cfg.PendingTTL > 0 {
		j := relay.NewJanitor(be.store, cfg.PendingTTL, cfg.JanitorInterval, m, logger)
		g.Go(func() error { return j.Run(gctx) })
	}

	if lis != nil {
		g.Go(func() error {
			logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr), zap.Bool("tls", cfg.TLSCert != ""))
			return gs.Serve(lis)
		})
	}

	if cfg.HTTPAddr != "" {
		g.Go(func() error {
			logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
			var err error
			if cfg.TLSCert != "" {
				err = httpSrv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
			} else {
				err = httpSrv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	// Wait for stop
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		shutdown(hub, gs, httpSrv, logger)
		return nil
	})

	return g.Wait()
}

// shutdown closes every session, then stops the listeners with a 5s grace period.
func shutdown(hub *relay.Hub, gs *grpc.Server, httpSrv *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := hub.Shutdown(ctx); err != nil {
		logger.Warn("sessions did not finish in time", zap.Error(err))
	}
	_ = httpSrv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		gs.Stop()
	}
}
