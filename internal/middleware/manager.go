package middleware

import (
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/traffic-tacos/profile-api/internal/config"
)

// Manager holds all middleware instances
type Manager struct {
	Auth        *AuthMiddleware
	Idempotency *IdempotencyMiddleware
	RateLimit   *RateLimitMiddleware
	ErrorLogger *ErrorLoggerMiddleware
}

// NewManager wires the middleware around an already connected Redis client
func NewManager(cfg *config.Config, redisClient redis.UniversalClient, validator TokenValidator, logger logrus.FieldLogger) *Manager {
	return &Manager{
		Auth:        NewAuthMiddleware(validator, logger),
		Idempotency: NewIdempotencyMiddleware(redisClient, logger),
		RateLimit:   NewRateLimitMiddleware(&cfg.RateLimit, redisClient, logger),
		ErrorLogger: NewErrorLoggerMiddleware(logger),
	}
}
