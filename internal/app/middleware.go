package app

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	memoryStorage "github.com/gofiber/storage/memory/v2"
	redisStorage "github.com/gofiber/storage/redis/v2"
	"github.com/rs/xid"

	u "mermaid2img/internal/utils"
)

const (
	apiKeyHeader  = "X-API-Key"
	apiKeyLocal   = "api_key"
	livenessPath  = "/healthz"
	readinessPath = "/readyz"
)

// tokenRater is the subset of the token store the limiter needs.
type tokenRater interface {
	RateLimit(token string) int
}

// limiterCache holds one limiter handler per distinct token limit.
type limiterCache struct {
	mu       sync.RWMutex
	handlers map[int]fiber.Handler
}

func newLimiterCache() *limiterCache {
	return &limiterCache{handlers: make(map[int]fiber.Handler)}
}

// get returns the limiter for limit, creating it with build on first use.
func (lc *limiterCache) get(limit int, build func(int) fiber.Handler) fiber.Handler {
	lc.mu.RLock()
	h, ok := lc.handlers[limit]
	lc.mu.RUnlock()
	if ok {
		return h
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()
	if h, ok := lc.handlers[limit]; ok {
		return h
	}
	h = build(limit)
	lc.handlers[limit] = h
	return h
}

func tooManyRequests(c *fiber.Ctx) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    fiber.StatusTooManyRequests,
			"message": "Too Many Requests",
		},
	})
}

func clientKey(c *fiber.Ctx) string {
	sum := sha256.Sum256([]byte(c.IP() + c.Get(fiber.HeaderUserAgent)))
	return hex.EncodeToString(sum[:])
}

// tokenRateLimit applies per-token limits. Unknown tokens and requests without
// a token pass through.
func tokenRateLimit(interval time.Duration, rater tokenRater, store fiber.Storage, cache *limiterCache) fiber.Handler {
	build := func(limit int) fiber.Handler {
		return limiter.New(limiter.Config{
			Max:               limit,
			Expiration:        interval,
			LimiterMiddleware: limiter.SlidingWindow{},
			Storage:           store,
			KeyGenerator: func(c *fiber.Ctx) string {
				token, _ := c.Locals(apiKeyLocal).(string)
				return "token:" + token
			},
			LimitReached: func(c *fiber.Ctx) error {
				token, _ := c.Locals(apiKeyLocal).(string)
				u.Warn("Rate limit exceeded", "token", token, "path", c.Path())
				return tooManyRequests(c)
			},
		})
	}

	return func(c *fiber.Ctx) error {
		token, ok := c.Locals(apiKeyLocal).(string)
		if !ok || token == "" {
			return c.Next()
		}
		limit := rater.RateLimit(token)
		if limit <= 0 {
			return c.Next()
		}
		return cache.get(limit, build)(c)
	}
}

// userRateLimit limits anonymous clients by IP and User-Agent. Requests that
// authenticated with an API key are left to the token limiter.
func userRateLimit(cfg u.Config, store fiber.Storage) fiber.Handler {
	if cfg.RateLimiter.UserLimit <= 0 {
		return func(c *fiber.Ctx) error {
			return c.Next()
		}
	}
	userLimiter := limiter.New(limiter.Config{
		Max:               cfg.RateLimiter.UserLimit,
		Expiration:        cfg.RateLimiter.Interval,
		LimiterMiddleware: limiter.SlidingWindow{},
		Storage:           store,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "user:" + clientKey(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			u.Warn("Rate limit exceeded", "user", clientKey(c), "path", c.Path())
			return tooManyRequests(c)
		},
	})
	return func(c *fiber.Ctx) error {
		if token, ok := c.Locals(apiKeyLocal).(string); ok && token != "" {
			return c.Next()
		}
		return userLimiter(c)
	}
}

// apiKeyAuth validates X-API-Key when present. Requests without the header
// continue anonymously.
func apiKeyAuth(tokens *u.TokenStore) fiber.Handler {
	return keyauth.New(keyauth.Config{
		KeyLookup:  "header:" + apiKeyHeader,
		ContextKey: apiKeyLocal,
		Validator: func(c *fiber.Ctx, key string) (bool, error) {
			if !tokens.Ready() {
				return false, u.ErrTokenStoreNotReady
			}
			if !tokens.Validate(key) {
				return false, u.ErrInvalidAPIKey
			}
			return true, nil
		},
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || c.Get(apiKeyHeader) == ""
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// keyauth may pass a nil error.
			status := fiber.StatusUnauthorized
			if err == nil {
				err = fiber.ErrUnauthorized
			}
			if errors.Is(err, u.ErrTokenStoreNotReady) {
				status = fiber.StatusServiceUnavailable
			}
			return c.Status(status).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    status,
					"message": err.Error(),
				},
			})
		},
	})
}

// newRateLimitStore prefers Redis and falls back to memory when the Redis
// storage cannot be created.
func newRateLimitStore(cfg u.Config) (store fiber.Storage) {
	store = memoryStorage.New()
	if cfg.Cache.RedisHost == "" {
		return store
	}

	defer func() {
		if r := recover(); r != nil {
			u.Error("Redis limiter store init panicked, falling back to memory", "panic", r)
		}
	}()
	store = redisStorage.New(redisStorage.Config{
		Addrs:    []string{cfg.Cache.RedisHost},
		Database: cfg.Cache.RateLimitDB,
	})
	u.Info("Using Redis for rate limiting", "addr", cfg.Cache.RedisHost, "db", cfg.Cache.RateLimitDB)
	return store
}

// RegisterMiddleware attaches global middleware to the app. tokens may be nil,
// which disables API key handling. ready backs the readiness probe.
func RegisterMiddleware(app *fiber.App, cfg u.Config, tokens *u.TokenStore, ready healthcheck.HealthChecker) {
	app.Use(cors.New())

	app.Use(requestid.New(requestid.Config{
		Generator: func() string {
			return xid.New().String()
		},
	}))

	app.Use(healthcheck.New(healthcheck.Config{
		LivenessEndpoint:  livenessPath,
		ReadinessEndpoint: readinessPath,
		ReadinessProbe:    ready,
	}))

	needStore := tokens != nil || cfg.RateLimiter.UserLimit > 0
	var store fiber.Storage
	if needStore {
		store = newRateLimitStore(cfg)
	}

	if tokens != nil {
		app.Use(apiKeyAuth(tokens))
		app.Use(tokenRateLimit(cfg.RateLimiter.Interval, tokens, store, newLimiterCache()))
	}

	if cfg.RateLimiter.EnableUserLimiter || cfg.RateLimiter.UserLimit > 0 {
		app.Use(userRateLimit(cfg, store))
	}

	app.Use(func(c *fiber.Ctx) error {
		u.Info("Incoming request", "method", c.Method(), "path", c.Path(), "request_id", c.GetRespHeader(fiber.HeaderXRequestID))
		return c.Next()
	})
}
