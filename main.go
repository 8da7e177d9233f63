package main

import (
	"context"
	"embed"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paylane/custodian/pkg/log"
	"github.com/paylane/custodian/pkg/rpc"
)

//go:embed config/migrations/*/*.sql
var embedMigrations embed.FS

func main() {
	logger := newRootLogger()
	if len(os.Args) > 1 {
		runCli(logger, os.Args[1])
		return
	}

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}
	logger = log.NewZapLogger(config.env.Log).WithName("custodian")

	db, err := ConnectToDB(config.dbConf, logger)
	if err != nil {
		logger.Fatal("failed to setup database", "error", err)
	}
	if err := SeedTrustedContracts(db, config.trusted); err != nil {
		logger.Fatal("failed to seed trusted contracts", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	heights, err := newHeightSource(ctx, config)
	if err != nil {
		logger.Fatal("failed to set up height source", "error", err)
	}
	logger.Info("node signer initialized", "address", config.signer.Address().Hex())

	metrics := NewMetrics()

	var router *RPCRouter
	rpcNode, err := rpc.NewWebsocketNode(rpc.WebsocketNodeConfig{
		Signer:                 config.signer,
		Logger:                 logger,
		OnConnectHandler:       func(send rpc.SendResponseFunc) { router.HandleConnect(send) },
		OnDisconnectHandler:    func(userID string) { router.HandleDisconnect(userID) },
		OnMessageSentHandler:   func(msg []byte) { router.HandleMessageSent(msg) },
		OnAuthenticatedHandler: func(userID string, send rpc.SendResponseFunc) { router.HandleAuthenticated(userID, send) },
	})
	if err != nil {
		logger.Fatal("failed to create RPC node", "error", err)
	}

	wsNotifier := NewWSNotifier(rpcNode.Notify, logger)
	channelService, err := NewChannelService(db, config.ChannelServiceConfig(), heights, NewEscrow(), wsNotifier, metrics, logger)
	if err != nil {
		logger.Fatal("failed to create channel service", "error", err)
	}
	router = NewRPCRouter(rpcNode, config, channelService, heights, db, metrics, logger)

	watcher := NewDisputeWatcher(channelService, wsNotifier, metrics, config.env.WatchInterval, logger)
	go watcher.Start(ctx)

	rpcListenEndpoint := "/ws"
	rpcMux := http.NewServeMux()
	rpcMux.Handle(rpcListenEndpoint, rpcNode)
	rpcServer := &http.Server{
		Addr:              config.env.RPCListenAddr,
		Handler:           rpcMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsEndpoint := "/metrics"
	metricsMux := http.NewServeMux()
	metricsMux.Handle(metricsEndpoint, promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              config.env.MetricsListenAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Prometheus metrics available", "listenAddr", config.env.MetricsListenAddr, "endpoint", metricsEndpoint)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failure", "error", err)
		}
	}()

	go func() {
		logger.Info("RPC server available", "listenAddr", config.env.RPCListenAddr, "endpoint", rpcListenEndpoint)
		if err := rpcServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("RPC server failure", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down metrics server", "error", err)
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down RPC server", "error", err)
	}

	logger.Info("shutdown complete")
}

// newRootLogger reads only the LOG_* variables; the full configuration is
// loaded later with this logger.
func newRootLogger() log.Logger {
	var conf log.Config
	if err := cleanenv.ReadEnv(&conf); err != nil {
		conf = log.Config{Format: "console", Level: log.LevelInfo}
	}
	return log.NewZapLogger(conf).WithName("custodian")
}

func newHeightSource(ctx context.Context, config *Config) (HeightSource, error) {
	if config.env.HeightSource == HeightSourceManual {
		return NewManualHeightSource(config.env.StartHeight), nil
	}
	return DialChainHeightSource(ctx, config.env.ChainRPC)
}

func runCli(logger log.Logger, name string) {
	switch name {
	case "export-transactions":
		runExportTransactionsCli(logger)
	case "export-events":
		runExportEventsCli(logger)
	case "channel-info":
		runChannelInfoCli(logger)
	case "credit":
		runCreditCli(logger)
	case "trusted":
		runTrustedCli(logger)
	default:
		logger.Fatal("unknown CLI command", "name", name)
	}
}
