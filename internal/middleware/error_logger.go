package middleware

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/traffic-tacos/profile-api/internal/logging"
)

const (
	maxLoggedBody = 500
	redacted      = "[REDACTED]"
)

// Fields that never reach the logs
var sensitiveFields = []string{"password", "token"}

type ErrorLoggerMiddleware struct {
	logger logrus.FieldLogger
}

func NewErrorLoggerMiddleware(logger logrus.FieldLogger) *ErrorLoggerMiddleware {
	return &ErrorLoggerMiddleware{
		logger: logger,
	}
}

// Handle logs 4xx and 5xx responses with detailed context
func (e *ErrorLoggerMiddleware) Handle() fiber.Handler {
	return func(c *fiber.Ctx) error {
		startTime := time.Now()

		err := c.Next()

		statusCode := c.Response().StatusCode()
		if statusCode < 400 {
			return err
		}

		latencyMs := float64(time.Since(startTime).Microseconds()) / 1000
		logFields := logrus.Fields{
			"ip":            c.IP(),
			"user_agent":    c.Get(fiber.HeaderUserAgent),
			"request_id":    requestID(c),
			"response_size": len(c.Response().Body()),
		}

		if userID := GetUserID(c); userID != 0 {
			logFields["user_id"] = userID
		}

		if idempotencyKey := c.Get(IdempotencyKeyHeader); idempotencyKey != "" {
			logFields["idempotency_key"] = idempotencyKey
		}

		if c.Method() == fiber.MethodPost {
			if body := redactBody(string(c.Request().Header.ContentType()), c.Body()); body != "" {
				logFields["request_body"] = truncate(body)
			}
		}

		if responseBody := string(c.Response().Body()); responseBody != "" {
			logFields["response_body"] = truncate(responseBody)
		}

		logEntry := logging.WithRequest(e.logger, c.Method(), c.Path(), statusCode, latencyMs).WithFields(logFields)
		if statusCode >= 500 {
			if err != nil {
				logEntry = logEntry.WithError(err)
			}
			logEntry.Error("Server error response")
		} else {
			logEntry.Warn("Client error response")
		}

		return err
	}
}

// redactBody masks sensitive fields. Bodies that cannot be parsed are dropped.
func redactBody(contentType string, body []byte) string {
	if len(body) == 0 {
		return ""
	}

	switch {
	case strings.HasPrefix(contentType, fiber.MIMEApplicationJSON):
		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			return ""
		}
		for _, field := range sensitiveFields {
			if _, ok := payload[field]; ok {
				payload[field] = redacted
			}
		}
		out, err := json.Marshal(payload)
		if err != nil {
			return ""
		}
		return string(out)

	case strings.HasPrefix(contentType, fiber.MIMEApplicationForm):
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return ""
		}
		for _, field := range sensitiveFields {
			if values.Has(field) {
				values.Set(field, redacted)
			}
		}
		return values.Encode()
	}

	return ""
}

func truncate(s string) string {
	if len(s) > maxLoggedBody {
		return s[:maxLoggedBody] + "...(truncated)"
	}
	return s
}
