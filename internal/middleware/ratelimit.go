package middleware

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/traffic-tacos/profile-api/internal/config"
	"github.com/traffic-tacos/profile-api/internal/metrics"
	apperrors "github.com/traffic-tacos/profile-api/pkg/errors"
)

const msgRateLimited = "Too many requests. Please try again later."

// Token bucket refilled lazily from the Redis clock. last_refill only advances by
// whole tokens so partial progress toward the next token is kept. Returns
// {allowed, tokens_left, ms_until_next_token}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local per_interval = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])

local now = redis.call("TIME")
local now_ms = now[1] * 1000 + math.floor(now[2] / 1000)
local ms_per_token = interval_ms / per_interval

local bucket = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(bucket[1]) or capacity
local last_refill = tonumber(bucket[2]) or now_ms

local earned = math.floor((now_ms - last_refill) / ms_per_token)
if earned > 0 then
    tokens = math.min(capacity, tokens + earned)
    last_refill = last_refill + earned * ms_per_token
end
if tokens >= capacity then
    last_refill = now_ms
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("PEXPIRE", key, math.ceil((capacity - tokens) * ms_per_token) + interval_ms)

local wait_ms = 0
if tokens < 1 then
    wait_ms = math.max(1, math.ceil(last_refill + ms_per_token - now_ms))
end

return {allowed, tokens, wait_ms}`)

// bucketState is one evaluation of a client's bucket
type bucketState struct {
	allowed   bool
	remaining int
	retryIn   time.Duration
}

// RateLimitMiddleware throttles credential endpoints per client IP
type RateLimitMiddleware struct {
	config      *config.RateLimitConfig
	redisClient redis.UniversalClient
	logger      logrus.FieldLogger
	proxies     []*net.IPNet
}

func NewRateLimitMiddleware(cfg *config.RateLimitConfig, redisClient redis.UniversalClient, logger logrus.FieldLogger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
		proxies:     parseTrustedProxies(cfg.TrustedProxies, logger),
	}
}

func parseTrustedProxies(entries []string, logger logrus.FieldLogger) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		if _, ipNet, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, ipNet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			logger.WithField("proxy", entry).Warn("Ignoring invalid trusted proxy")
			continue
		}
		bits := 8 * net.IPv6len
		if ip4 := ip.To4(); ip4 != nil {
			ip, bits = ip4, 8*net.IPv4len
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// Handle rate limiting middleware
func (r *RateLimitMiddleware) Handle() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !r.config.Enabled || !r.isLimited(c.Path()) {
			return c.Next()
		}

		key := r.generateKey(c)

		state, err := r.take(c.UserContext(), key)
		if err != nil {
			// Fail open: a Redis outage must not lock users out of login
			r.logger.WithError(err).Error("Rate limit check failed")
			return c.Next()
		}

		r.setRateLimitHeaders(c, state)

		if !state.allowed {
			r.logger.WithFields(logrus.Fields{
				"key":      key,
				"path":     c.Path(),
				"retry_ms": state.retryIn.Milliseconds(),
			}).Warn("Rate limit exceeded")
			metrics.RecordRateLimitDrop(c.Path())

			return Respond(c, r.logger, apperrors.NewAppError(apperrors.CodeRateLimited, msgRateLimited, nil))
		}

		return c.Next()
	}
}

func (r *RateLimitMiddleware) isLimited(path string) bool {
	for _, limited := range r.config.LimitedPaths {
		if limited != "" && strings.HasPrefix(path, limited) {
			return true
		}
	}
	return false
}

// generateKey scopes the bucket to the client and the endpoint
func (r *RateLimitMiddleware) generateKey(c *fiber.Ctx) string {
	return fmt.Sprintf("ratelimit:ip:%s:%s", r.clientIP(c), c.Path())
}

// clientIP is the TCP peer unless the peer is a trusted proxy. Then
// X-Forwarded-For is walked from the right and the first hop not added by a
// trusted proxy wins; everything left of it is client-controlled.
func (r *RateLimitMiddleware) clientIP(c *fiber.Ctx) string {
	peer := c.Context().RemoteIP()
	if !r.trusted(peer) {
		return peer.String()
	}

	hops := strings.Split(c.Get(fiber.HeaderXForwardedFor), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := net.ParseIP(strings.TrimSpace(hops[i]))
		if hop == nil {
			break
		}
		if !r.trusted(hop) {
			return hop.String()
		}
	}
	return peer.String()
}

func (r *RateLimitMiddleware) trusted(ip net.IP) bool {
	for _, proxy := range r.proxies {
		if proxy.Contains(ip) {
			return true
		}
	}
	return false
}

// take removes one token from the bucket at key
func (r *RateLimitMiddleware) take(ctx context.Context, key string) (bucketState, error) {
	reply, err := tokenBucketScript.Run(ctx, r.redisClient, []string{key},
		r.config.Burst, r.config.RPS, r.config.WindowSize.Milliseconds()).Int64Slice()
	if err != nil {
		return bucketState{}, fmt.Errorf("token bucket script: %w", err)
	}
	if len(reply) != 3 {
		return bucketState{}, fmt.Errorf("token bucket script: unexpected reply %v", reply)
	}

	return bucketState{
		allowed:   reply[0] == 1,
		remaining: int(reply[1]),
		retryIn:   time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

func (r *RateLimitMiddleware) setRateLimitHeaders(c *fiber.Ctx, state bucketState) {
	c.Set("X-RateLimit-Limit", strconv.Itoa(r.config.Burst))
	c.Set("X-RateLimit-Remaining", strconv.Itoa(state.remaining))

	if state.retryIn > 0 {
		c.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(state.retryIn).Unix(), 10))
		retryAfter := int((state.retryIn + time.Second - 1) / time.Second)
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
	}
}
