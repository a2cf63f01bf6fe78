package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"tokenguard/backend/internal/api"
	"tokenguard/backend/internal/blockchain/erc4337"
	"tokenguard/backend/internal/blockchain/evm"
	"tokenguard/backend/internal/config"
	"tokenguard/backend/internal/database"
	"tokenguard/backend/internal/service"
	"tokenguard/backend/internal/worker"
)

func main() {
	// Initialize logger
	logger, err := initLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting TokenGuard Backend")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("db_host", cfg.Database.Host),
		zap.String("chain", cfg.Chain.Name),
		zap.Bool("revoke_configured", cfg.RevokeConfigured()),
		zap.Bool("deploy_configured", cfg.DeployConfigured()))

	// Connect to database
	db, err := database.Connect(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("Database connected successfully")

	// Run migrations
	migrationPath := "internal/database/migrations/001_schema.sql"
	if err := database.RunMigrations(db, migrationPath); err != nil {
		logger.Warn("Failed to run migrations (may already be applied)", zap.Error(err))
	} else {
		logger.Info("Database migrations applied successfully")
	}

	if err := db.Ping(); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}

	// Chain client: read paths always work, transaction signing only when
	// the deployer key is configured
	client, err := evm.NewClient(&cfg.Chain, cfg.Operator.DeployerPrivateKey, logger)
	if err != nil {
		logger.Fatal("Failed to connect to chain", zap.Error(err))
	}
	defer client.Close()

	deriver, err := evm.NewAccountDeriver(cfg.Account.FactoryAddress, cfg.Account.AccountBytecode)
	if err != nil {
		logger.Fatal("Failed to initialize account derivation", zap.Error(err))
	}

	entryPoint := common.HexToAddress(cfg.Account.EntryPointAddress)

	// Core services
	audit := service.NewDBAuditSink(db, logger)
	accountService := service.NewAccountService(db, deriver, client, logger)

	// Account deployment is feature-gated on the deployer key
	var deployService *service.DeploymentService
	if cfg.DeployConfigured() {
		deployService, err = service.NewDeploymentService(
			client, deriver, audit,
			cfg.Deploy.MaxPerOwner, cfg.Deploy.Window,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize deployment service", zap.Error(err))
		}
		logger.Info("Account deployment enabled",
			zap.String("deployer", client.SignerAddress().Hex()))
	} else {
		logger.Warn("Account deployment disabled: no deployer key configured")
	}

	// The sponsored revoke pipeline is feature-gated on the bundler,
	// paymaster and session key configuration
	var revoker service.Revoker
	var riskService *service.RiskService
	var workerManager *worker.WorkerManager
	if cfg.RevokeConfigured() {
		signer, err := erc4337.NewSessionSigner(cfg.Operator.SessionPrivateKey)
		if err != nil {
			logger.Fatal("Failed to initialize session signer", zap.Error(err))
		}

		gateway, err := erc4337.NewGatewayClient(cfg.Bundler.RPCEndpoint, logger)
		if err != nil {
			logger.Fatal("Failed to connect to bundler", zap.Error(err))
		}
		defer gateway.Close()

		chainID, ok := new(big.Int).SetString(cfg.Chain.ChainID, 10)
		if !ok {
			logger.Fatal("Invalid chain ID", zap.String("chain_id", cfg.Chain.ChainID))
		}

		builder, err := erc4337.NewBuilder(
			deriver,
			entryPoint,
			common.HexToAddress(cfg.Bundler.PaymasterAddress),
			common.FromHex(cfg.Bundler.PaymasterContext),
			chainID,
			signer,
			client,
			client,
			gateway,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize operation builder", zap.Error(err))
		}

		revokeService := service.NewRevokeService(
			client, builder, gateway, audit,
			entryPoint, cfg.Bundler.InclusionTimeout,
			logger,
		)
		revoker = revokeService
		riskService = service.NewRiskService(revokeService, deriver, cfg.Risk, logger)

		workerManager, err = worker.NewWorkerManager(db, cfg, revokeService, riskService, deriver, logger)
		if err != nil {
			logger.Fatal("Failed to initialize worker manager", zap.Error(err))
		}

		logger.Info("Sponsored revoke pipeline enabled",
			zap.String("session_signer", signer.Address().Hex()),
			zap.String("paymaster", cfg.Bundler.PaymasterAddress))
	} else {
		logger.Warn("Sponsored revokes disabled: bundler, paymaster or session key not configured")
	}

	// Initialize API handlers
	apiHandler := api.NewHandler(db, accountService, deployService, revoker, riskService, deriver, logger)
	router := api.SetupRouter(apiHandler, logger)

	// Create HTTP server
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("addr", serverAddr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	// Start workers
	if workerManager != nil {
		workerManager.Start()
		logger.Info("Workers started")
	}

	logger.Info("Service initialized successfully",
		zap.String("status", "ready"),
		zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for interrupt signal or server error
	select {
	case err := <-serverErrors:
		logger.Fatal("HTTP server error", zap.Error(err))
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown workers first
	if workerManager != nil {
		if err := workerManager.Shutdown(10 * time.Second); err != nil {
			logger.Error("Worker shutdown error", zap.Error(err))
		}
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		httpServer.Close()
	} else {
		logger.Info("HTTP server stopped gracefully")
	}

	logger.Info("Service stopped successfully")
}

func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENV")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
