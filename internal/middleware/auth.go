package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/traffic-tacos/profile-api/internal/models"
)

const (
	// SessionTokenHeader carries the opaque token issued by /login
	SessionTokenHeader = "X-Session-Token"

	localsIdentity = "identity"
	localsUserID   = "user_id"
)

// TokenValidator resolves a session token to the identity it was issued for
type TokenValidator interface {
	ValidateAndRefresh(ctx context.Context, token string) (models.Identity, error)
}

type AuthMiddleware struct {
	validator TokenValidator
	logger    logrus.FieldLogger
}

func NewAuthMiddleware(validator TokenValidator, logger logrus.FieldLogger) *AuthMiddleware {
	return &AuthMiddleware{
		validator: validator,
		logger:    logger,
	}
}

// Authenticate resolves the session token and stores the identity in Locals.
// Every validation slides the session TTL.
func (a *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := ExtractToken(c)

		identity, err := a.validator.ValidateAndRefresh(c.UserContext(), token)
		if err != nil {
			a.logger.WithError(err).WithField("path", c.Path()).Debug("Session validation failed")
			return Respond(c, a.logger, err)
		}

		c.Locals(localsIdentity, identity)
		c.Locals(localsUserID, identity.ID)

		return c.Next()
	}
}

// ExtractToken reads the token from the header, then the query string, then a form field.
func ExtractToken(c *fiber.Ctx) string {
	if token := strings.TrimSpace(c.Get(SessionTokenHeader)); token != "" {
		return token
	}
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		return token
	}
	if strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEApplicationForm) ||
		strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEMultipartForm) {
		return strings.TrimSpace(c.FormValue("token"))
	}
	return ""
}

// GetIdentity returns the authenticated identity, if any
func GetIdentity(c *fiber.Ctx) (models.Identity, bool) {
	identity, ok := c.Locals(localsIdentity).(models.Identity)
	return identity, ok
}

// GetUserID extracts the authenticated user id, or 0
func GetUserID(c *fiber.Ctx) int64 {
	if userID, ok := c.Locals(localsUserID).(int64); ok {
		return userID
	}
	return 0
}
