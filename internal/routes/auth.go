package routes

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/traffic-tacos/profile-api/internal/middleware"
	"github.com/traffic-tacos/profile-api/internal/models"
	apperrors "github.com/traffic-tacos/profile-api/pkg/errors"
)

const msgInvalidBody = "Invalid request body."

// AuthService is the part of service.AuthService the handlers need
type AuthService interface {
	Register(ctx context.Context, req models.RegisterRequest) error
	Login(ctx context.Context, req models.LoginRequest) (*models.LoginResult, error)
}

// AuthHandler handles registration and login
type AuthHandler struct {
	service AuthService
	logger  logrus.FieldLogger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(service AuthService, logger logrus.FieldLogger) *AuthHandler {
	return &AuthHandler{
		service: service,
		logger:  logger,
	}
}

// Register handles user registration
// @Summary User registration
// @Accept json,x-www-form-urlencoded
// @Produce json
// @Success 200 {object} models.RegisterResponse
// @Failure 400,409,500 {object} errors.ErrorResponse
// @Router /register [post]
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req models.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return middleware.Respond(c, h.logger, apperrors.Validation(msgInvalidBody))
	}

	if err := h.service.Register(c.UserContext(), req); err != nil {
		return middleware.Respond(c, h.logger, err)
	}

	return c.JSON(models.RegisterResponse{
		Success: true,
		Message: "Registered",
	})
}

// Login handles user login
// @Summary User login
// @Description Verify credentials and issue a session token
// @Accept json,x-www-form-urlencoded
// @Produce json
// @Success 200 {object} models.LoginResponse
// @Failure 400,401,500 {object} errors.ErrorResponse
// @Router /login [post]
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req models.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return middleware.Respond(c, h.logger, apperrors.Validation(msgInvalidBody))
	}

	result, err := h.service.Login(c.UserContext(), req)
	if err != nil {
		return middleware.Respond(c, h.logger, err)
	}

	return c.JSON(models.LoginResponse{
		Success: true,
		Token:   result.Token,
		User:    result.User.Public(),
	})
}
