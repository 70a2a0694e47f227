package cmd

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/prooflink/prooflink/config"
	"github.com/prooflink/prooflink/internal/api"
	"github.com/prooflink/prooflink/internal/chain"
	"github.com/prooflink/prooflink/internal/metrics"
	"github.com/prooflink/prooflink/internal/prover"
	"github.com/prooflink/prooflink/internal/relay"
	sig "github.com/prooflink/prooflink/internal/signal"
	"github.com/prooflink/prooflink/internal/storage"
	"github.com/prooflink/prooflink/pkg/logger"
)

// NewStartCmd creates the command that runs the relay daemon.
func NewStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the proof relay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	return cmd
}

func runDaemon(cfg *config.Config) error {
	log := logger.New("prooflink", cfg.Log.Level)
	log.Info("Starting proof relay", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics; the server is nil when disabled and every method no-ops.
	metricsServer := metrics.NewServer(cfg.Metrics)
	go func() {
		if err := metricsServer.Start(); err != nil {
			log.Error("Metrics server failed", "error", err)
		}
	}()

	// Request store
	var store storage.Storage
	switch cfg.Storage.Backend {
	case "postgres":
		log.Info("Connecting to database")
		pg, err := storage.NewPostgresStorage(storage.PostgresConfig{
			DSN:          cfg.Storage.DSN,
			MaxOpenConns: cfg.Storage.MaxOpenConns,
			MaxIdleConns: cfg.Storage.MaxIdleConns,
		})
		if err != nil {
			return fmt.Errorf("failed to open request store: %w", err)
		}
		defer pg.Close()
		store = pg
	default:
		log.Warn("Using in-memory request store, requests will not survive restarts")
		store = storage.NewInMemoryStorage()
	}

	// Proving service client
	client, err := prover.NewHTTPClient(prover.Config{
		Endpoint: cfg.Prover.Endpoint,
		APIKey:   cfg.Prover.APIKey,
		Timeout:  cfg.Prover.Timeout,
		PollRate: cfg.Prover.PollRate,
	})
	if err != nil {
		return fmt.Errorf("failed to build prover client: %w", err)
	}

	// Ethereum
	log.Info("Connecting to Ethereum node", "rpc_url", cfg.Chain.RPCURL)
	rpcClient, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to dial Ethereum node: %w", err)
	}
	defer rpcClient.Close()

	key, err := crypto.HexToECDSA(cfg.Chain.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse signing key: %w", err)
	}
	sender, err := chain.NewEthSender(rpcClient, chain.SenderConfig{
		ChainID:             big.NewInt(cfg.Chain.ChainID),
		PrivateKey:          key,
		Contract:            cfg.Chain.ContractAddress(),
		ConfirmPollInterval: cfg.Chain.ConfirmPollInterval,
		ConfirmTimeout:      cfg.Chain.ConfirmTimeout,
	}, log.With("sender"))
	if err != nil {
		return fmt.Errorf("failed to build sender: %w", err)
	}

	// Signals connecting the subscriber, the managers and the API.
	newWork := sig.NewNotifier()
	completed := sig.NewNotifier()
	flushNow := sig.NewNotifier()

	// Event subscription uses the websocket endpoint when one is
	// configured, the RPC endpoint otherwise.
	logSource := chain.LogSource(rpcClient)
	if cfg.Chain.WSURL != "" {
		log.Info("Connecting to Ethereum websocket", "ws_url", cfg.Chain.WSURL)
		wsClient, err := ethclient.DialContext(ctx, cfg.Chain.WSURL)
		if err != nil {
			return fmt.Errorf("failed to dial Ethereum websocket: %w", err)
		}
		defer wsClient.Close()
		logSource = wsClient
	}
	subscriber := chain.NewSubscriber(logSource, chain.SubscriberConfig{
		Contract:       cfg.Chain.ContractAddress(),
		StartBlock:     cfg.Chain.StartBlock,
		ReconnectDelay: cfg.Chain.ReconnectDelay,
	}, client, store, newWork, log.With("subscriber"))

	// Managers
	pending := relay.NewPendingProofManager(client, store, newWork, completed,
		relay.PendingManagerConfig{PollInterval: cfg.Prover.PollInterval},
		log.With("pending_manager"))
	completedMgr, err := relay.NewCompletedProofManager(client, store, sender,
		completed, flushNow, relay.CompletedManagerConfig{
			MaxBatchSize:       cfg.Relay.MaxBatchSize,
			FlushInterval:      cfg.Relay.FlushInterval,
			FetchRetryInterval: cfg.Relay.FetchRetryInterval,
		}, log.With("completed_manager"))
	if err != nil {
		return fmt.Errorf("failed to build completed manager: %w", err)
	}
	defer completedMgr.Stop()
	runner := relay.NewRunner(pending, completedMgr, log.With("runner"))

	// Requests left over from a previous run resume immediately.
	newWork.Notify()
	completed.Notify()

	go func() {
		if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Event subscriber failed", "error", err)
			cancel()
		}
	}()

	runnerDone := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(runnerDone)
	}()

	// API server
	var apiServer *api.Server
	if cfg.API.Enabled {
		log.Info("Starting API server", "port", cfg.API.Port)
		apiServer = api.NewServer(cfg.API, store, client, newWork, log.With("api"))
		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error("API server failed", "error", err)
				cancel()
			}
		}()
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("Received interrupt signal, shutting down gracefully")
	case <-ctx.Done():
		log.Info("Context cancelled, shutting down")
	}

	cancel()
	<-runnerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error("Failed to stop API server gracefully", "error", err)
		}
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop metrics server gracefully", "error", err)
	}

	log.Info("Proof relay stopped")
	return nil
}
