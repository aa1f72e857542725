package middleware

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	// Global limits (per IP) for all API endpoints
	GlobalAPIMax        int
	GlobalAPIExpiration time.Duration

	// WebSocket connection limits (per IP)
	WebSocketMax        int
	WebSocketExpiration time.Duration
}

// DefaultRateLimitConfig returns production-safe defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		// Global: 200/min - very generous for a local monitoring panel
		GlobalAPIMax:        200,
		GlobalAPIExpiration: 1 * time.Minute,

		// WebSocket: panels reconnect on navigation, allow some churn
		WebSocketMax:        20,
		WebSocketExpiration: 1 * time.Minute,
	}
}

// LoadRateLimitConfig loads rate limit settings from environment with defaults
func LoadRateLimitConfig() *RateLimitConfig {
	cfg := DefaultRateLimitConfig()

	if v := os.Getenv("RATE_LIMIT_GLOBAL"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.GlobalAPIMax = parsed
		} else {
			log.Printf("⚠️ Invalid RATE_LIMIT_GLOBAL value %q, using default", v)
		}
	}
	if v := os.Getenv("RATE_LIMIT_WEBSOCKET"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.WebSocketMax = parsed
		} else {
			log.Printf("⚠️ Invalid RATE_LIMIT_WEBSOCKET value %q, using default", v)
		}
	}

	return cfg
}

// GlobalAPIRateLimiter limits all API requests per IP
func GlobalAPIRateLimiter(cfg *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        cfg.GlobalAPIMax,
		Expiration: cfg.GlobalAPIExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded, slow down",
			})
		},
	})
}

// WebSocketRateLimiter limits panel connection attempts per IP
func WebSocketRateLimiter(cfg *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        cfg.WebSocketMax,
		Expiration: cfg.WebSocketExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many connection attempts",
			})
		},
	})
}
