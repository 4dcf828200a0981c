// cmd/keeper/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	grpc_api "keeper/internal/api/grpc"
	http_api "keeper/internal/api/http"
	"keeper/internal/config"
	"keeper/internal/dispatch"
	"keeper/internal/domain"
	"keeper/internal/evaluator"
	"keeper/internal/infra/etcd"
	"keeper/internal/infra/ethereum"
	"keeper/internal/infra/memory"
	"keeper/internal/infra/nats"
	"keeper/internal/keeper"
	"keeper/internal/registry"
	"keeper/internal/scheduler"
	"keeper/internal/tracing"
	"keeper/internal/usecase"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("keeper exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration
	var configPath string
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// 2. Initialize logger and tracer
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("keeper", version, cfg.Tracing.Enabled, os.Stderr, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	nodeID := uuid.New().String()
	logger.Info("starting keeper", "node_id", nodeID, "version", version)

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, logger)

	// 4. Connect to the chain and resolve the deployment
	chain, err := ethereum.Dial(rootCtx, cfg.Chain.WSEndpoint, cfg.Chain.RPCEndpoint, cfg.Chain.PrivateKey, cfg.Chain.CallTimeout, logger)
	if err != nil {
		return err
	}
	defer chain.Close()

	network, err := cfg.Networks().Resolve(chain.ChainID())
	if err != nil {
		return err
	}
	logger.Info("resolved network", "network", network.Name, "registry", network.Registry.Hex(), "multicall", network.Multicall.Hex())

	// 5. History store and leader election
	self := domain.Member{
		NodeID:    nodeID,
		Account:   chain.Address().Hex(),
		Network:   network.Name,
		StartedAt: time.Now(),
	}
	var (
		execRepo      domain.ExecutionRepository
		leaderManager domain.LeaderElectionManager
		members       usecase.MemberLister
		watchMembers  func(context.Context) error
	)
	if len(cfg.Etcd.Endpoints) > 0 {
		etcdClient, err := etcd.NewClient(rootCtx, cfg.Etcd.Endpoints, cfg.Etcd.Timeout, logger)
		if err != nil {
			return err
		}
		defer etcdClient.Close()
		execRepo = etcd.NewEtcdExecutionRepository(etcdClient, logger)
		leaderManager = etcd.NewEtcdLeaderElectionManager(etcdClient, nodeID, cfg.Etcd.LeaderElectionTTL, logger)

		membership := etcd.NewMembership(etcdClient, logger)
		if err := membership.Register(rootCtx, self, cfg.Etcd.LeaderElectionTTL); err != nil {
			return err
		}
		defer func() {
			deregCtx, deregCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer deregCancel()
			if err := membership.Deregister(deregCtx); err != nil {
				logger.Error("failed to deregister member", "error", err)
			}
		}()
		members, watchMembers = membership, membership.Watch
	} else {
		logger.Info("etcd not configured, running standalone with in-memory history")
		execRepo = memory.NewExecutionRepository()
		leaderManager = memory.NewStandaloneElector(logger)
		members = memory.NewStaticMembership(self)
	}

	publisher, err := nats.NewPublisher(cfg.NATS.URL, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("failed to close event publisher", "error", err)
		}
	}()

	// 6. Instantiate components
	gateway := registry.NewGateway(chain, network.Registry, cfg.Registry.SlicePageSize, logger)
	jobEvaluator := evaluator.New(evaluator.NewAggregator(chain, network.Multicall), gateway, cfg.Evaluator.BatchSize, logger)
	tracker := dispatch.NewTracker(chain, gateway, execRepo, publisher, dispatch.Options{
		NodeID:                  nodeID,
		MaxSubmissionsPerSecond: cfg.Dispatch.MaxSubmissionsPerSecond,
		SettlementTimeout:       cfg.Dispatch.SettlementTimeout,
	}, logger)
	loop := keeper.NewLoop(chain, gateway, jobEvaluator, tracker, chain.Address(), logger)

	grpcServer := grpc_api.NewServer(cfg.GRPC.ListenAddr, cfg.GRPC.EnableReflection, logger)
	keeperService := usecase.NewKeeperService(leaderManager, loop, tracker, grpcServer, members, nodeID, logger)

	pruner, err := scheduler.NewPruneScheduler(execRepo, cfg.History.PruneSchedule, cfg.History.Retention, logger)
	if err != nil {
		return err
	}

	// 7. Register routes and metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	http_api.NewKeeperHandler(keeperService, tracker.InFlight(), execRepo, logger).RegisterRoutes(mux)
	server := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 8. Run everything until shutdown
	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error { return ignoreCanceled(tracker.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(keeperService.Start(ctx)) })
	g.Go(func() error { return ignoreCanceled(pruner.Start(ctx)) })
	if watchMembers != nil {
		g.Go(func() error { return ignoreCanceled(watchMembers(ctx)) })
	}
	g.Go(func() error {
		logger.Info("starting HTTP API server", "addr", cfg.HTTP.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(grpcServer.Start)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down keeper gracefully...")
		grpcServer.Stop()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("keeper shut down")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func setupGracefulShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
