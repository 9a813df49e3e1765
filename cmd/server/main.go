package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"portal-backend/internal/auth"
	"portal-backend/internal/config"
	"portal-backend/internal/grafana"
	"portal-backend/internal/proxy"
	"portal-backend/internal/store"
	"portal-backend/internal/tenantdb"
	"portal-backend/internal/user"
	"portal-backend/internal/web"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, db: %s:%d/%s, grafana: %s)",
		cfg.Server.Port, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name, cfg.Grafana.BaseURL())

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	// 3. Bootstrap system tables
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Println("System tables ready")

	// 4. Grafana provisioning service
	grafanaClient := grafana.NewClient(cfg.Grafana)
	provisioner := grafana.NewService(grafanaClient, tenantdb.NewProvisioner(db), cfg)

	// 5. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: web.ErrorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 6. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 7. Auth routes (before middleware — no auth required)
	authHandler := auth.NewHandler(db, cfg.JWTSecret, provisioner)
	auth.RegisterRoutes(app, authHandler)

	// 8. Protected routes
	authMW := auth.Middleware(cfg.JWTSecret)
	auth.RegisterProtectedRoutes(app, authHandler, authMW)

	// 9. Grafana proxy (auth required)
	proxyHandler := proxy.NewHandler(user.NewRepo(db.DB), cfg.Grafana)
	proxy.RegisterRoutes(app, proxyHandler, authMW)

	// 10. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}
