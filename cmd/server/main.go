package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"tourflow/cmd/server/config"
	sagagrpc "tourflow/internal/adapters/grpc"
	"tourflow/internal/app"
	"tourflow/internal/auth"
	"tourflow/internal/httpapi"
	"tourflow/internal/inventory"
	"tourflow/internal/logging"
	"tourflow/internal/observability"
	"tourflow/internal/payment"
	"tourflow/internal/realtime"
	"tourflow/internal/reliability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := config.LoadService()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(svc.Name, os.Stdout, svc.LogLevel)

	if err := run(ctx, svc, log); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func run(ctx context.Context, svc config.ServiceConfig, log zerolog.Logger) error {
	roles, err := app.ParseRoles(svc.Roles)
	if err != nil {
		return err
	}
	log.Info().Strs("roles", roles.Names()).Msg("starting")

	metrics := observability.NewMetrics()

	storeCfg, err := config.LoadStore()
	if err != nil {
		return err
	}
	stores, cleanupStores, err := buildStores(ctx, storeCfg, roles, log)
	if err != nil {
		return err
	}
	defer cleanupStores()

	busCfg, err := config.LoadBus()
	if err != nil {
		return err
	}
	messageBus, cleanupBus, err := buildBus(ctx, busCfg, log, metrics)
	if err != nil {
		return err
	}
	defer cleanupBus()

	relCfg, err := config.LoadReliability()
	if err != nil {
		return err
	}
	guard := relCfg.Guard()

	invCfg, err := config.LoadInventory()
	if err != nil {
		return err
	}
	payCfg, err := config.LoadPayment()
	if err != nil {
		return err
	}

	httpCfg, err := config.LoadHTTP()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}

	var hub *realtime.Hub
	opts := app.Options{
		Roles:      roles,
		Bus:        messageBus,
		Stores:     stores,
		Log:        log,
		Metrics:    metrics,
		Publish:    &guard,
		HoldWindow: invCfg.HoldWindow,
		Sweep:      inventory.SweeperConfig{Schedule: invCfg.SweepSchedule, Batch: invCfg.SweepBatch},
		Decision:   payment.NewRandomDecision(payCfg.SuccessRate, payCfg.Seed),
		Methods:    payCfg.Methods,
		PriceTTL:   payCfg.PriceCacheTTL,
	}
	if roles.Orchestrator {
		hub = realtime.NewHub(log.With().Str("component", "realtime").Logger(), 0)
		opts.Notifier = hub
	}
	node, err := app.Build(opts)
	if err != nil {
		return err
	}

	var (
		servers []*http.Server
		tokens  *auth.TokenManager
	)
	if node.Orchestrator != nil {
		authCfg, err := config.LoadAuth()
		if err != nil {
			return err
		}
		if tokens, err = auth.NewTokenManager(authCfg.Secret, authCfg.TokenTTL); err != nil {
			return err
		}
		servers = append(servers, buildAPIServer(httpCfg, node.Orchestrator, tokens, hub, metrics, log))
	}
	obsSrv, err := buildObservabilityServer(metrics)
	if err != nil {
		return err
	}
	servers = append(servers, obsSrv)

	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}
	limiter := newMeteredLimiter(reliability.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst), metrics)
	unary := []grpcpkg.UnaryServerInterceptor{rateLimitUnaryInterceptor(limiter, metrics, log)}
	if tokens != nil {
		unary = append(unary, sagagrpc.AuthUnaryInterceptor(tokens))
	}
	grpcSrv := grpcpkg.NewServer(
		grpcpkg.ChainUnaryInterceptor(unary...),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics, log)),
	)
	if node.Orchestrator != nil {
		sagagrpc.RegisterSagaServiceServer(grpcSrv, sagagrpc.NewSagaServer(node.Orchestrator))
	}
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthServer)
	setServing(healthServer, roles, healthpb.HealthCheckResponse_SERVING)
	if env := os.Getenv("APP_ENV"); env != "production" {
		reflection.Register(grpcSrv)
		log.Debug().Str("env", env).Msg("grpc reflection enabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(gctx) })
	if hub != nil {
		g.Go(func() error { return hub.Run(gctx) })
	}
	for _, srv := range servers {
		g.Go(func() error { return serveHTTP(srv) })
		log.Info().Str("addr", srv.Addr).Msg("http listening")
	}
	g.Go(func() error { return grpcSrv.Serve(lis) })
	log.Info().Str("addr", grpcCfg.Addr).Msg("grpc listening")

	g.Go(func() error {
		<-gctx.Done()
		if node.Orchestrator != nil {
			metrics.MarkShutdown(node.Orchestrator.Pending())
		}
		setServing(healthServer, roles, healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpCfg.ShutdownTimeout)
		defer cancel()
		var waitSagas func()
		if node.Orchestrator != nil {
			waitSagas = node.Orchestrator.Wait
		}
		drain(shutdownCtx, log, servers, grpcSrv.GracefulStop, waitSagas)
		return nil
	})

	err = g.Wait()
	log.Info().Msg("stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildAPIServer(httpCfg config.HTTPConfig, sagas httpapi.Sagas, tokens auth.Verifier, hub *realtime.Hub, metrics *observability.Metrics, log zerolog.Logger) *http.Server {
	var limiter *reliability.RateLimiter
	if httpCfg.RateLimitBurst > 0 {
		limiter = reliability.NewRateLimiter(httpCfg.RateLimitInterval, httpCfg.RateLimitBurst)
	}
	router := httpapi.NewRouter(sagas, httpapi.Config{
		Verifier: tokens,
		Limiter:  limiter,
		Feed:     hub,
		Metrics:  metrics,
		Log:      log.With().Str("component", "http").Logger(),
	})
	return &http.Server{
		Addr:              httpCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func buildObservabilityServer(metrics *observability.Metrics) (*http.Server, error) {
	cfg, err := config.LoadObservability()
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}

// drain stops intake before waiting on background work. Sagas accepted while
// the servers drain still publish their first command before the bus and
// stores are closed by the caller.
func drain(ctx context.Context, log zerolog.Logger, servers []*http.Server, stopGRPC func(), waitBackground func()) {
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Str("addr", srv.Addr).Msg("http shutdown")
		}
	}
	if stopGRPC != nil {
		stopGRPC()
	}
	if waitBackground != nil {
		waitBackground()
	}
}

func serveHTTP(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// healthServiceNames maps each enabled role to the service name it reports.
func healthServiceNames(roles app.Roles) []string {
	names := []string{""}
	for _, role := range roles.Names() {
		names = append(names, "tourflow."+role)
	}
	return names
}

func setServing(h *health.Server, roles app.Roles, status healthpb.HealthCheckResponse_ServingStatus) {
	for _, name := range healthServiceNames(roles) {
		h.SetServingStatus(name, status)
	}
}
