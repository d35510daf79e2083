package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"github.com/presidentaxel/whatsapp-inbox-sub002/database"
	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/routes"
	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/services"
	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/storage"
)

func main() {
	// Load .env file for local development
	if os.Getenv("INSTANCE_CONNECTION_NAME") == "" {
		err := godotenv.Load(".env")
		if err != nil {
			err = godotenv.Load("environments/.env.development")
			if err != nil {
				log.Println("⚠️  No .env file found - checking environment variables")
			}
		}
	}

	apiBase := os.Getenv("WHATSAPP_API_BASE")
	if apiBase == "" {
		apiBase = "https://graph.facebook.com/v19.0"
	}
	if os.Getenv("WEBHOOK_VERIFY_TOKEN") == "" {
		log.Println("⚠️  WEBHOOK_VERIFY_TOKEN not set - webhook verification will fail")
	}

	// Initialize storage
	var store storage.Store

	// Check if we should use memory store (for testing)
	if os.Getenv("USE_MEMORY_STORE") == "true" {
		log.Println("⚠️  Using in-memory storage (not for production!)")
		store = storage.NewMemoryStore()
	} else {
		// Connect to database
		log.Println("📦 Connecting to PostgreSQL database...")
		database.Connect()

		// Run migrations
		log.Println("🔄 Running database migrations...")
		err := database.DB.AutoMigrate(
			&models.Account{},
			&models.Conversation{},
			&models.Message{},
			&models.PendingTemplate{},
			&models.BroadcastCampaign{},
			&models.RecipientStat{},
		)
		if err != nil {
			log.Fatal("Failed to migrate database:", err)
		}
		log.Println("✅ Database migrations completed!")

		// Use database store
		store = storage.NewDatabaseStore(database.DB)
		log.Println("✅ Using PostgreSQL database storage")
	}

	// Set global store instance
	storage.SetStore(store)

	// Initialize the provider client
	provider := services.NewWhatsAppClient(apiBase)
	log.Println("✅ WhatsApp provider client initialized")

	// Initialize the delivery engine
	window := services.NewWindowClassifier()
	grace := services.NewGraceTracker()
	deduper := services.NewTemplateDeduper(store)
	lifecycle := services.NewPendingTemplateLifecycle(store, provider, grace)
	router := services.NewDeliveryRouter(store, provider, window, deduper, lifecycle, grace)
	reconciler := services.NewIngestionReconciler(store, grace)
	fanout := services.NewBroadcastFanout(store, provider, router, deduper, lifecycle, grace)

	optimistic := services.NewOptimisticReconciler(
		func(localID string, message *models.Message) {
			log.Printf("✅ Placeholder %s resolved to message %d", localID, message.ID)
		},
		func(localID, reason string) {
			log.Printf("⚠️  Placeholder %s failed: %s", localID, reason)
		},
	)
	reconciler.OnMessage(optimistic.Observe)
	optimistic.Start()

	// Resume pollers for templates that were still pending at last shutdown
	if err := lifecycle.Resume(context.Background()); err != nil {
		log.Printf("⚠️  Failed to resume template pollers: %v", err)
	}

	log.Println("✅ All services initialized")

	// Create fiber app
	app := fiber.New(fiber.Config{
		AppName: "WhatsApp Inbox Backend v1.0.0",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	// Middleware
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	// Health check endpoint with database status
	app.Get("/", func(c *fiber.Ctx) error {
		response := fiber.Map{
			"service":     "WhatsApp Inbox Backend API",
			"version":     "1.0.0",
			"status":      "healthy",
			"environment": getEnvironment(),
			"storage":     getStorageType(),
		}

		// Add database status if using database
		if os.Getenv("USE_MEMORY_STORE") != "true" && database.DB != nil {
			sqlDB, err := database.DB.DB()
			dbStatus := "connected"
			if err != nil {
				dbStatus = "error: " + err.Error()
			} else if err := sqlDB.Ping(); err != nil {
				dbStatus = "error: " + err.Error()
			}

			// Get counts
			var accountCount, conversationCount, messageCount, templateCount, campaignCount int64
			database.DB.Model(&models.Account{}).Count(&accountCount)
			database.DB.Model(&models.Conversation{}).Count(&conversationCount)
			database.DB.Model(&models.Message{}).Count(&messageCount)
			database.DB.Model(&models.PendingTemplate{}).Count(&templateCount)
			database.DB.Model(&models.BroadcastCampaign{}).Count(&campaignCount)

			response["database"] = fiber.Map{
				"status":        dbStatus,
				"accounts":      accountCount,
				"conversations": conversationCount,
				"messages":      messageCount,
				"templates":     templateCount,
				"campaigns":     campaignCount,
			}
		}

		return c.JSON(response)
	})

	// Health check endpoint for monitoring
	app.Get("/health", func(c *fiber.Ctx) error {
		status := "healthy"
		statusCode := 200

		// Check database if using it
		if os.Getenv("USE_MEMORY_STORE") != "true" && database.DB != nil {
			sqlDB, err := database.DB.DB()
			if err != nil || sqlDB.Ping() != nil {
				status = "unhealthy"
				statusCode = 503
			}
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
		})
	})

	// Setup routes
	routes.SetupRoutes(app, store, reconciler, router, optimistic, fanout, window)

	// Get port from environment or use default
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Handle graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		log.Println("\n🛑 Gracefully shutting down...")
		log.Println("⏹️  Stopping template pollers...")
		lifecycle.Shutdown()
		log.Println("⏹️  Stopping optimistic reconciler...")
		optimistic.Stop()
		log.Println("⏹️  Shutting down server...")
		_ = app.Shutdown()
	}()

	// Start server
	log.Println("========================================")
	log.Printf("🚀 WhatsApp Inbox Backend starting on port %s", port)
	log.Printf("📊 Storage: %s", getStorageType())
	log.Printf("🌍 Environment: %s", getEnvironment())
	log.Printf("📡 Provider API: %s", apiBase)
	log.Println("========================================")

	log.Fatal(app.Listen(":" + port))
}

func getEnvironment() string {
	if os.Getenv("INSTANCE_CONNECTION_NAME") != "" {
		return "Production (Cloud Run)"
	}
	return "Development (Local)"
}

func getStorageType() string {
	if os.Getenv("USE_MEMORY_STORE") == "true" {
		return "In-Memory (Testing)"
	}
	return "PostgreSQL Database"
}
