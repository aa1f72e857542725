package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"convotap/internal/capture"
	"convotap/internal/config"
	"convotap/internal/engine"
	"convotap/internal/handlers"
	"convotap/internal/logging"
	"convotap/internal/middleware"
	"convotap/internal/monitor"
	"convotap/internal/services"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting convotap...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Load configuration
	cfg := config.Load()
	if mf, err := config.LoadMonitorFile(cfg.MonitorConfigPath); err == nil {
		cfg.Apply(mf)
		log.Printf("✅ Monitor config loaded from %s", cfg.MonitorConfigPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Printf("⚠️  Could not load %s: %v", cfg.MonitorConfigPath, err)
	}
	log.Printf("📋 Configuration loaded (Port: %s, Host: %s)", cfg.Port, cfg.AdmissionHost)

	// Build the admission matcher
	matcher, err := monitor.NewMatcher(cfg.AdmissionHost, cfg.ExtraPatterns)
	if err != nil {
		log.Fatalf("❌ Failed to build admission matcher: %v", err)
	}

	// Correlation engine: the process-wide conversation view
	eng := engine.New(matcher)
	log.Println("✅ Correlation engine initialized")

	// Optional capture archive
	var captureStore *capture.Store
	if cfg.CaptureDBPath != "" {
		captureStore, err = capture.New(cfg.CaptureDBPath)
		if err != nil {
			log.Printf("⚠️  Failed to open capture archive: %v (capture disabled)", err)
		} else {
			defer captureStore.Close()
			eng.SetCapture(captureStore)
			log.Println("✅ Capture archive enabled")
		}
	} else {
		log.Println("⚠️  CAPTURE_DB_PATH not set - exchange capture disabled")
	}

	// Panel edge
	connManager := services.NewConnectionManager()
	scheduler := services.NewRenderScheduler(eng, connManager, cfg.RenderRetryMax, cfg.RenderRetryDelay)
	scheduler.Start()
	defer scheduler.Stop()
	eng.SetNotifier(scheduler)
	log.Printf("✅ Render scheduler started (max %d attempts, %s delay)", cfg.RenderRetryMax, cfg.RenderRetryDelay)

	// Initialize Prometheus metrics
	metrics := services.InitMetrics(eng, connManager, scheduler)
	log.Println("✅ Prometheus metrics initialized")

	// Keep boundary-event gauges current without touching the ingest path
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			metrics.UpdateBoundaryGauges(eng.CurrentStats())
		}
	}()

	// CDP tap: attach to a running Chrome when configured
	var tap *monitor.Tap
	var scroller monitor.PageScroller
	if cfg.DevToolsURL != "" {
		tap = monitor.NewTap(cfg.DevToolsURL, eng)
		if err := tap.Start(context.Background()); err != nil {
			log.Printf("⚠️  Failed to attach CDP tap: %v (tap disabled)", err)
			tap = nil
		} else {
			defer tap.Stop()
			scroller = tap
			log.Printf("✅ CDP tap attached to %s", cfg.DevToolsURL)
		}
	} else {
		log.Println("⚠️  DEVTOOLS_URL not set - CDP tap disabled")
	}

	// Observing reverse proxy when configured
	var proxy *monitor.Proxy
	if cfg.ProxyUpstream != "" {
		proxy, err = monitor.NewProxy(cfg.ProxyUpstream, monitor.NewObserverTransport(nil, eng))
		if err != nil {
			log.Fatalf("❌ Failed to build observing proxy: %v", err)
		}
		go func() {
			if err := proxy.Start(cfg.ProxyPort); err != nil {
				log.Printf("❌ Observing proxy failed: %v", err)
			}
		}()
	} else {
		log.Println("⚠️  PROXY_UPSTREAM not set - observing proxy disabled")
	}

	// Watch monitor.yaml for admission changes
	go startMonitorFileWatcher(cfg, eng)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "convotap v1.0",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("convotap")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	// Rate limiting
	rateLimitConfig := middleware.LoadRateLimitConfig()
	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))
	log.Printf("🛡️  [RATE-LIMIT] Global=%d/min, WS=%d/min", rateLimitConfig.GlobalAPIMax, rateLimitConfig.WebSocketMax)

	// CORS for the panel (usually injected into the monitored page's origin)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept",
		AllowCredentials: allowedOrigins != "*",
	}))

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(connManager)
	messagesHandler := handlers.NewMessagesHandler(eng)
	wsHandler := handlers.NewWebSocketHandler(connManager, scheduler, eng, scroller)

	// Routes
	app.Get("/health", healthHandler.Handle)
	app.Get("/api/messages", messagesHandler.List)
	app.Get("/api/state", messagesHandler.State)

	// WebSocket route
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			c.Locals("client_ip", c.IP())
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Use("/ws/panel", middleware.WebSocketRateLimiter(rateLimitConfig))
	app.Get("/ws/panel", websocket.New(wsHandler.Handle, websocket.Config{
		Origins: strings.Split(allowedOrigins, ","),
	}))

	log.Printf("🌐 Server starting on port %s", cfg.Port)
	log.Printf("💬 Panel endpoint: ws://localhost:%s/ws/panel", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		if proxy != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := proxy.Shutdown(ctx); err != nil {
				log.Printf("⚠️ Error shutting down proxy: %v", err)
			}
			cancel()
		}

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

// startMonitorFileWatcher watches the monitor config for changes and swaps
// the engine's admission matcher on the fly
func startMonitorFileWatcher(cfg *config.Config, eng *engine.Engine) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  Failed to create file watcher: %v", err)
		return
	}

	absPath, err := filepath.Abs(cfg.MonitorConfigPath)
	if err != nil {
		log.Printf("⚠️  Failed to get absolute path for %s: %v", cfg.MonitorConfigPath, err)
		watcher.Close()
		return
	}

	// Watch the directory containing the file (more reliable than watching
	// the file directly)
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)

	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️  Failed to watch directory %s: %v", dir, err)
		watcher.Close()
		return
	}

	log.Printf("👁️  Watching %s for changes (hot-reload enabled)", cfg.MonitorConfigPath)

	// Debounce to avoid multiple reloads for rapid file changes
	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					reloadMonitorConfig(cfg, eng)
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  File watcher error: %v", err)
		}
	}
}

func reloadMonitorConfig(cfg *config.Config, eng *engine.Engine) {
	log.Printf("🔄 Detected changes in %s, reloading admission config...", cfg.MonitorConfigPath)

	mf, err := config.LoadMonitorFile(cfg.MonitorConfigPath)
	if err != nil {
		log.Printf("❌ Failed to reload monitor config: %v", err)
		return
	}

	fresh := config.Load()
	fresh.Apply(mf)

	matcher, err := monitor.NewMatcher(fresh.AdmissionHost, fresh.ExtraPatterns)
	if err != nil {
		log.Printf("❌ Invalid admission config, keeping previous matcher: %v", err)
		return
	}

	eng.SetMatcher(matcher)
	log.Printf("✅ Admission matcher reloaded (host: %s, extra patterns: %d)", fresh.AdmissionHost, len(fresh.ExtraPatterns))
}
