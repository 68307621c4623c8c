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

	"github.com/MarkoPoloResearchLab/consult/internal/billing"
	"github.com/MarkoPoloResearchLab/consult/internal/config"
	"github.com/MarkoPoloResearchLab/consult/internal/consult"
	"github.com/MarkoPoloResearchLab/consult/internal/httpapi"
	"github.com/MarkoPoloResearchLab/consult/internal/moderation"
	"github.com/MarkoPoloResearchLab/consult/internal/oplog"
	"github.com/MarkoPoloResearchLab/consult/internal/presence"
	"github.com/MarkoPoloResearchLab/consult/internal/push"
	"github.com/MarkoPoloResearchLab/consult/internal/ratecard"
	"github.com/MarkoPoloResearchLab/consult/internal/realtime"
	"github.com/MarkoPoloResearchLab/consult/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/consult/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/consult/internal/store/redisstore"
	"github.com/MarkoPoloResearchLab/consult/internal/walletrpc"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, websocket and wallet gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	if err := gormstore.PrepareSchema(gormDB, driver); err != nil {
		return err
	}

	ledgerStore, closeLedgerStore, err := openLedgerStore(ctx, cfg, gormDB)
	if err != nil {
		return err
	}
	defer closeLedgerStore()
	clock := func() int64 { return time.Now().UTC().Unix() }
	wallet, err := ledger.NewService(ledgerStore, clock, ledger.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	defaults, err := ratecard.LoadDefaults(cfg.RateDefaultsPath)
	if err != nil {
		return err
	}
	rateCards := gormstore.NewRateCardStore(gormDB)
	providers := gormstore.NewProviderDirectory(gormDB)
	rates := ratecard.NewResolver(rateCards, defaults)
	deviceTokens := gormstore.NewDeviceTokenStore(gormDB)

	var (
		registryOptions []presence.Option
		waitlist        consult.Waitlist
	)
	if cfg.RedisEnabled() {
		redisClient, err := redisstore.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = redisClient.Close() }()
		nodeID, _ := os.Hostname()
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		registryOptions = append(registryOptions, presence.WithMirror(redisstore.NewPresenceMirror(redisClient, nodeID, cfg.PresenceTTL)))
		waitlist = redisstore.NewWaitlist(redisClient)
	}
	registry := presence.NewRegistry(logger, registryOptions...)

	var pusher consult.Pusher
	if cfg.PushEnabled() {
		var pushOptions []option.ClientOption
		if cfg.FCMCredentialsFile != "" {
			pushOptions = append(pushOptions, option.WithCredentialsFile(cfg.FCMCredentialsFile))
		}
		sender, err := push.NewSender(ctx, cfg.FCMProjectID, deviceTokens, logger, pushOptions...)
		if err != nil {
			return err
		}
		pusher = sender
	}

	coordinator, err := consult.NewCoordinator(consult.Dependencies{
		Sessions:  gormstore.NewSessionStore(gormDB),
		Providers: providers,
		Wallet:    wallet,
		Rates:     rates,
		Presence:  registry,
		Notifier:  realtime.NewDispatcher(registry, logger),
		Filter:    moderation.NewFilter(cfg.MediaPrefixes),
		Pusher:    pusher,
		Waitlist:  waitlist,
		Scheduler: billing.WallClock{},
		Logger:    logger,
		Timings:   cfg.Timings(),
	})
	if err != nil {
		return err
	}
	defer coordinator.Shutdown()
	if _, err := coordinator.Resume(ctx); err != nil {
		return fmt.Errorf("resume sessions: %w", err)
	}

	socketTokens, err := realtime.NewTokenService(cfg.SocketSigningKey, cfg.SocketTokenTTL, time.Now)
	if err != nil {
		return err
	}
	socketServer := realtime.NewServer(registry, realtime.NewRouter(coordinator, logger), socketTokens, cfg.AllowedOrigins, logger)
	socketServer.OnDisconnect(coordinator.HandleDisconnect)
	auth, err := httpapi.NewAuthMiddleware(cfg.SessionSigningKey, cfg.SessionIssuer, cfg.SessionCookieName)
	if err != nil {
		return err
	}
	router := httpapi.NewRouter(httpapi.RouterConfig{AllowedOrigins: cfg.AllowedOrigins}, httpapi.Dependencies{
		Coordinator:  coordinator,
		Wallet:       wallet,
		SocketTokens: socketTokens,
		DeviceTokens: deviceTokens,
		Providers:    providers,
		RateCards:    rateCards,
		RateDefaults: defaults,
		Logger:       logger,
	}, auth, http.HandlerFunc(socketServer.HandleWS))
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcOptions []grpc.ServerOption
	if cfg.WalletAPIKeyHash != "" {
		interceptor, err := walletrpc.APIKeyInterceptor(cfg.WalletAPIKeyHash)
		if err != nil {
			return err
		}
		grpcOptions = append(grpcOptions, grpc.UnaryInterceptor(interceptor))
	} else {
		logger.Warn("wallet gRPC API key hash not set, wallet API is unauthenticated")
	}
	grpcServer := grpc.NewServer(grpcOptions...)
	walletrpc.RegisterWalletService(grpcServer, walletrpc.NewServer(wallet, time.Now))
	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		if serveErr := grpcServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", serveErr)
		}
	}()
	go func() {
		logger.Info("HTTP server starting", zap.String("listen_addr", cfg.HTTPListenAddr))
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", serveErr)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	return runErr
}

func openLedgerStore(ctx context.Context, cfg *config.Config, gormDB *gorm.DB) (ledger.Store, func(), error) {
	if cfg.LedgerBackend != config.LedgerBackendPGX {
		return gormstore.NewLedgerStore(gormDB), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgx ping: %w", err)
	}
	return pgstore.New(pool), pool.Close, nil
}
