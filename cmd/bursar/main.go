package main

import (
	"context"

	"argumentum/bursar/internal/handlers"
	"argumentum/bursar/internal/storage"
	"argumentum/bursar/pkg/auth"
	"argumentum/bursar/pkg/config"
	"argumentum/bursar/pkg/database"
	"argumentum/bursar/pkg/logging"
	"argumentum/bursar/pkg/monitoring"
	"argumentum/bursar/pkg/server"
	"argumentum/bursar/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Token Ledger API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Create custom ledger metrics
	metrics := &handlers.BursarMetrics{
		LedgerMutations:   metricsCollector.NewCounter("ledger_mutations_total", "Ledger mutations applied", []string{"type", "outcome"}),
		RenewalOutcomes:   metricsCollector.NewCounter("renewal_outcomes_total", "Subscription renewal sweep outcomes", []string{"billing_cycle", "outcome"}),
		ReconcileSessions: metricsCollector.NewCounter("reconcile_sessions_total", "Checkout sessions seen by reconciliation", []string{"outcome"}),
		StorageRequests:   metricsCollector.NewCounter("storage_requests_total", "Object storage requests", []string{"operation", "outcome"}),
	}

	// Create database metrics
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// Object storage client for petition attachments. Optional: without
	// credentials the attachment endpoints report storage unavailable.
	var storageClient *storage.Client
	if config.GetEnv("STORAGE_ENDPOINT", "") != "" {
		var err error
		storageClient, err = storage.NewClient(storage.Config{
			Endpoint:        config.GetEnv("STORAGE_ENDPOINT", ""),
			Bucket:          config.GetEnv("STORAGE_BUCKET", "argumentum"),
			Region:          config.GetEnv("STORAGE_REGION", "auto"),
			AccessKeyID:     config.RequireEnv("STORAGE_ACCESS_KEY_ID"),
			SecretAccessKey: config.RequireEnv("STORAGE_SECRET_ACCESS_KEY"),
			PublicBaseURL:   config.GetEnv("STORAGE_PUBLIC_BASE_URL", ""),
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to configure object storage")
		}
	} else {
		logger.Warn("STORAGE_ENDPOINT not set, attachment endpoints disabled")
	}

	// Initialize handlers
	handlers.Init(db, logger, metrics, storageClient)

	// Start the background renewal sweep
	jobManager := handlers.NewJobManager(logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - renewal sweep active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/bursar/ prefix)
	{
		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.GET("/balance", handlers.GetBalance)
			protected.GET("/transactions", handlers.GetTransactions)
			protected.GET("/teams/:team_id/balance", handlers.GetTeamBalance)
			protected.POST("/charge", handlers.ChargePetition)
			protected.POST("/checkout/tokens", handlers.CreateTokenCheckout)
			protected.POST("/checkout/subscription", handlers.CreateSubscriptionCheckout)
			protected.POST("/attachments", handlers.UploadAttachment)
			protected.DELETE("/attachments/*key", handlers.DeleteAttachment)
		}

		// Webhook endpoints (no auth required, signature-verified)
		router.POST("/webhooks/stripe", handlers.HandleStripeWebhook)

		// Operator endpoints (service-to-service)
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/reconcile", handlers.ReconcilePayments)
			serviceAPI.POST("/renewals/process", handlers.ProcessRenewals)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
