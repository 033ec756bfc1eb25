package routes

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/traffic-tacos/profile-api/internal/middleware"
	"github.com/traffic-tacos/profile-api/internal/models"
	apperrors "github.com/traffic-tacos/profile-api/pkg/errors"
)

const (
	actionUpdate         = "update"
	msgUnsupportedAction = "Unsupported action."
)

// ProfileService is the part of service.ProfileService the handlers need
type ProfileService interface {
	GetProfile(ctx context.Context, user models.Identity) (models.ProfileView, error)
	UpdateProfile(ctx context.Context, user models.Identity, fields models.ProfileFields) error
}

type ProfileHandler struct {
	service ProfileService
	logger  logrus.FieldLogger
}

func NewProfileHandler(service ProfileService, logger logrus.FieldLogger) *ProfileHandler {
	return &ProfileHandler{
		service: service,
		logger:  logger,
	}
}

// Get returns the caller's identity and profile
// @Summary Get profile
// @Param X-Session-Token header string true "Session token"
// @Success 200 {object} models.ProfileResponse
// @Router /profile [get]
func (h *ProfileHandler) Get(c *fiber.Ctx) error {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		return middleware.Respond(c, h.logger, apperrors.Auth("Missing token."))
	}

	view, err := h.service.GetProfile(c.UserContext(), identity)
	if err != nil {
		return middleware.Respond(c, h.logger, err)
	}

	return c.JSON(models.ProfileResponse{
		Success: true,
		User:    identity.Public(),
		Profile: view,
	})
}

// Update replaces the caller's profile
// @Summary Update profile
// @Accept json
// @Param X-Session-Token header string true "Session token"
// @Success 200 {object} models.MessageResponse
// @Router /profile [post]
func (h *ProfileHandler) Update(c *fiber.Ctx) error {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		return middleware.Respond(c, h.logger, apperrors.Auth("Missing token."))
	}

	var req models.ProfileUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return middleware.Respond(c, h.logger, apperrors.Validation(msgInvalidBody))
	}

	if req.Action != "" && req.Action != actionUpdate {
		return middleware.Respond(c, h.logger, apperrors.Validation(msgUnsupportedAction))
	}

	if err := h.service.UpdateProfile(c.UserContext(), identity, req.Profile); err != nil {
		return middleware.Respond(c, h.logger, err)
	}

	return c.JSON(models.MessageResponse{
		Success: true,
		Message: "Updated",
	})
}
