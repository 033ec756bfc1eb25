package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/traffic-tacos/profile-api/internal/logging"
	"github.com/traffic-tacos/profile-api/internal/models"
	"github.com/traffic-tacos/profile-api/internal/store/profile"
	"github.com/traffic-tacos/profile-api/internal/tracing"
	apperrors "github.com/traffic-tacos/profile-api/pkg/errors"
)

const msgInvalidAge = "Age must be a whole number."

// ProfileService reads and replaces the profile document of an authenticated user
type ProfileService struct {
	store        profile.Store
	storeTimeout time.Duration
	logger       logrus.FieldLogger
	now          func() time.Time
}

func NewProfileService(store profile.Store, storeTimeout time.Duration, logger logrus.FieldLogger) *ProfileService {
	return &ProfileService{
		store:        store,
		storeTimeout: storeTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

// GetProfile returns the user's profile. A user without a document gets an empty view.
func (s *ProfileService) GetProfile(ctx context.Context, user models.Identity) (view models.ProfileView, err error) {
	ctx, span := tracing.Start(ctx, "profile.Get", tracing.UserID(user.ID))
	defer func() {
		tracing.End(span, err)
	}()

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	doc, err := s.store.Get(ctx, user.ID)
	if err != nil {
		return models.ProfileView{}, apperrors.Store(err)
	}
	return doc.View(), nil
}

// UpdateProfile replaces the whole document: omitted or empty fields become null.
func (s *ProfileService) UpdateProfile(ctx context.Context, user models.Identity, fields models.ProfileFields) (err error) {
	ctx, span := tracing.Start(ctx, "profile.Update", tracing.UserID(user.ID))
	defer func() {
		tracing.End(span, err)
	}()

	if fields.Age.Invalid {
		logging.WithUserID(s.logger, user.ID).WithField("age", fields.Age.Raw).Debug("Rejected profile update")
		return apperrors.Validation(msgInvalidAge)
	}

	doc := &models.Profile{
		UserID:    user.ID,
		Age:       fields.Age.IntPtr(),
		DOB:       models.NullableString(fields.DOB),
		Contact:   models.NullableString(fields.Contact),
		Address:   models.NullableString(fields.Address),
		UpdatedAt: s.now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.store.Upsert(ctx, doc); err != nil {
		return apperrors.Store(err)
	}

	logging.WithUserID(s.logger, user.ID).Info("Profile updated")
	return nil
}
