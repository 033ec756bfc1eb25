package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/traffic-tacos/profile-api/internal/metrics"
	apperrors "github.com/traffic-tacos/profile-api/pkg/errors"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	idempotencyTTL       = 5 * time.Minute

	msgInvalidIdempotencyKey = "Idempotency-Key must be a valid UUID."
	msgIdempotencyConflict   = "Request body differs from the original request with the same Idempotency-Key."
	msgIdempotencyInFlight   = "A request with this Idempotency-Key is still being processed."
)

// Deletes KEYS[1] only while it still holds ARGV[1]
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

// IdempotencyMiddleware replays the first successful response for a repeated Idempotency-Key.
// Requests without the header pass through untouched.
type IdempotencyMiddleware struct {
	redisClient redis.UniversalClient
	logger      logrus.FieldLogger
	ttl         time.Duration
}

type IdempotencyRecord struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	CreatedAt  time.Time         `json:"created_at"`
}

func NewIdempotencyMiddleware(redisClient redis.UniversalClient, logger logrus.FieldLogger) *IdempotencyMiddleware {
	return &IdempotencyMiddleware{
		redisClient: redisClient,
		logger:      logger,
		ttl:         idempotencyTTL,
	}
}

func (i *IdempotencyMiddleware) Handle() fiber.Handler {
	return func(c *fiber.Ctx) error {
		idempotencyKey := strings.TrimSpace(c.Get(IdempotencyKeyHeader))
		if idempotencyKey == "" || c.Method() != fiber.MethodPost {
			return c.Next()
		}

		if _, err := uuid.Parse(idempotencyKey); err != nil {
			return Respond(c, i.logger, apperrors.Validation(msgInvalidIdempotencyKey))
		}

		ctx := c.UserContext()
		redisKey := fmt.Sprintf("idempotency:%s:%s", c.Path(), idempotencyKey)
		fingerprint := i.generateFingerprint(c)

		// First writer wins the fingerprint; later requests must match it
		stored, err := i.claimFingerprint(ctx, redisKey+":fingerprint", fingerprint)
		if err != nil {
			i.logger.WithError(err).Error("Failed to store fingerprint")
			return c.Next()
		}
		if stored != fingerprint {
			metrics.RecordIdempotencyHit("conflict")
			return Respond(c, i.logger, apperrors.NewAppError(apperrors.CodeIdempotencyConflict, msgIdempotencyConflict, nil))
		}

		if record := i.cachedRecord(ctx, redisKey); record != nil {
			metrics.RecordIdempotencyHit("hit")
			return i.returnCachedResponse(c, record)
		}

		// One request per key runs the handler at a time
		owner := uuid.NewString()
		locked, err := i.redisClient.SetNX(ctx, redisKey+":lock", owner, i.ttl).Result()
		if err != nil {
			i.logger.WithError(err).Error("Failed to lock idempotency key")
			return c.Next()
		}
		if !locked {
			metrics.RecordIdempotencyHit("in_flight")
			return Respond(c, i.logger, apperrors.NewAppError(apperrors.CodeIdempotencyConflict, msgIdempotencyInFlight, nil))
		}
		defer i.release(ctx, redisKey+":lock", owner)

		// The previous holder may have finished between the lookup and the lock
		if record := i.cachedRecord(ctx, redisKey); record != nil {
			metrics.RecordIdempotencyHit("hit")
			return i.returnCachedResponse(c, record)
		}
		metrics.RecordIdempotencyHit("miss")

		err = c.Next()

		// Only successful responses are replayed
		statusCode := c.Response().StatusCode()
		if err == nil && statusCode >= 200 && statusCode < 300 {
			record := IdempotencyRecord{
				StatusCode: statusCode,
				Headers:    make(map[string]string),
				Body:       string(c.Response().Body()),
				CreatedAt:  time.Now().UTC(),
			}
			c.Response().Header.VisitAll(func(key, value []byte) {
				if shouldCacheHeader(string(key)) {
					record.Headers[string(key)] = string(value)
				}
			})

			if storeErr := i.storeIdempotencyRecord(ctx, redisKey, &record); storeErr != nil {
				i.logger.WithError(storeErr).WithField("idempotency_key", idempotencyKey).Error("Failed to store idempotency record")
			}
		} else {
			// Let the client retry the same key after a failure
			i.release(ctx, redisKey+":fingerprint", fingerprint)
		}

		return err
	}
}

// generateFingerprint hashes method, path and body
func (i *IdempotencyMiddleware) generateFingerprint(c *fiber.Ctx) string {
	h := sha256.New()
	h.Write([]byte(c.Method()))
	h.Write([]byte(":"))
	h.Write([]byte(c.Path()))
	h.Write([]byte(":"))
	h.Write(c.Body())
	return hex.EncodeToString(h.Sum(nil))
}

// claimFingerprint stores fingerprint unless one exists and returns the stored value
func (i *IdempotencyMiddleware) claimFingerprint(ctx context.Context, key, fingerprint string) (string, error) {
	ok, err := i.redisClient.SetNX(ctx, key, fingerprint, i.ttl).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return fingerprint, nil
	}
	return i.redisClient.Get(ctx, key).Result()
}

func (i *IdempotencyMiddleware) cachedRecord(ctx context.Context, key string) *IdempotencyRecord {
	record, err := i.getIdempotencyRecord(ctx, key)
	if err != nil && !errors.Is(err, redis.Nil) {
		i.logger.WithError(err).Error("Failed to get idempotency record")
	}
	return record
}

// release deletes key if it still holds value
func (i *IdempotencyMiddleware) release(ctx context.Context, key, value string) {
	if err := compareAndDeleteScript.Run(ctx, i.redisClient, []string{key}, value).Err(); err != nil {
		i.logger.WithError(err).WithField("key", key).Warn("Failed to release idempotency key")
	}
}

func (i *IdempotencyMiddleware) getIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	data, err := i.redisClient.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}

	var record IdempotencyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal idempotency record: %w", err)
	}

	return &record, nil
}

func (i *IdempotencyMiddleware) storeIdempotencyRecord(ctx context.Context, key string, record *IdempotencyRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency record: %w", err)
	}

	return i.redisClient.Set(ctx, key, data, i.ttl).Err()
}

func (i *IdempotencyMiddleware) returnCachedResponse(c *fiber.Ctx, record *IdempotencyRecord) error {
	for key, value := range record.Headers {
		c.Set(key, value)
	}
	c.Set("X-Idempotency-Cached", "true")

	return c.Status(record.StatusCode).SendString(record.Body)
}

func shouldCacheHeader(header string) bool {
	switch strings.ToLower(header) {
	case "content-type", "location":
		return true
	}
	return false
}
