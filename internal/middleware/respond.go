package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/traffic-tacos/profile-api/internal/logging"
	apperrors "github.com/traffic-tacos/profile-api/pkg/errors"
)

// Respond renders err as {success:false, error} with the mapped status.
// Causes of server-side failures are logged, never sent.
func Respond(c *fiber.Ctx, logger logrus.FieldLogger, err error) error {
	appErr := apperrors.As(err)

	if appErr.IsServerSide() {
		entry := logging.WithRequestID(logger, requestID(c)).WithFields(logrus.Fields{
			"code":   appErr.Code,
			"method": c.Method(),
			"path":   c.Path(),
		})
		if appErr.Cause != nil {
			entry = entry.WithError(appErr.Cause)
		}
		entry.Error("Request failed")
	}

	return c.Status(appErr.HTTPStatus()).JSON(appErr.ToErrorResponse())
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok && id != "" {
		return id
	}
	return c.Get(fiber.HeaderXRequestID)
}
