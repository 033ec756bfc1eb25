// Package service holds the auth and profile use cases. Services talk to
// stores through interfaces and report failures as *errors.AppError.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/traffic-tacos/profile-api/internal/metrics"
	"github.com/traffic-tacos/profile-api/internal/models"
	"github.com/traffic-tacos/profile-api/internal/store/credential"
	"github.com/traffic-tacos/profile-api/internal/store/session"
	"github.com/traffic-tacos/profile-api/internal/tracing"
	apperrors "github.com/traffic-tacos/profile-api/pkg/errors"
)

// tokenBytes is the entropy of a session token before hex encoding
const tokenBytes = 32

const (
	msgMissingCredentials = "Missing credentials."
	msgInvalidCredentials = "Invalid username or password."
	msgDuplicateUser      = "Username or email already exists."
	msgMissingToken       = "Missing token."
	msgExpiredToken       = "Invalid or expired token."
	msgInvalidSession     = "Invalid session."
)

// AuthOptions configures the auth service
type AuthOptions struct {
	SessionTTL   time.Duration
	BcryptCost   int
	StoreTimeout time.Duration
}

// AuthService registers users, issues session tokens and validates them
type AuthService struct {
	credentials credential.Store
	sessions    session.Store
	opts        AuthOptions
	logger      logrus.FieldLogger
	validate    *validator.Validate
	random      io.Reader
	now         func() time.Time
	dummyHash   []byte
}

// NewAuthService wires the stores into the auth use cases
func NewAuthService(credentials credential.Store, sessions session.Store, opts AuthOptions, logger logrus.FieldLogger) (*AuthService, error) {
	// Compared against when the username is unknown so both failures cost one bcrypt check
	dummy, err := bcrypt.GenerateFromPassword([]byte("profile-api-dummy-password"), opts.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}

	return &AuthService{
		credentials: credentials,
		sessions:    sessions,
		opts:        opts,
		logger:      logger,
		validate:    newValidator(),
		random:      rand.Reader,
		now:         time.Now,
		dummyHash:   dummy,
	}, nil
}

// Register creates a new user after validating input and checking uniqueness.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (err error) {
	ctx, span := tracing.Start(ctx, "auth.Register")
	defer func() {
		tracing.End(span, err)
		metrics.RecordAuthEvent("register", outcome(err))
	}()

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if err := validateRegistration(s.validate, req); err != nil {
		return err
	}

	exists, err := s.existsByUsernameOrEmail(ctx, req.Username, req.Email)
	if err != nil {
		return apperrors.Store(err)
	}
	if exists {
		return apperrors.Conflict(msgDuplicateUser, nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.opts.BcryptCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return apperrors.Validation(msgLongPassword)
		}
		return apperrors.NewAppError(apperrors.CodeInternalError, apperrors.GenericServerMessage, err)
	}

	user := &models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if _, err := s.createUser(ctx, user); err != nil {
		// Lost the check-then-insert race; the unique index caught it
		if errors.Is(err, credential.ErrDuplicate) {
			return apperrors.Conflict(msgDuplicateUser, err)
		}
		return apperrors.Store(err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
	}).Info("User registered successfully")

	return nil
}

// Login verifies credentials and issues a new session token.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (result *models.LoginResult, err error) {
	ctx, span := tracing.Start(ctx, "auth.Login")
	defer func() {
		tracing.End(span, err)
		metrics.RecordAuthEvent("login", outcome(err))
	}()

	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, apperrors.Validation(msgMissingCredentials)
	}

	user, err := s.getByUsername(ctx, username)
	switch {
	case errors.Is(err, credential.ErrNotFound):
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(req.Password))
		s.logger.WithField("username", username).Warn("Login for unknown user")
		return nil, apperrors.Auth(msgInvalidCredentials)
	case err != nil:
		return nil, apperrors.Store(err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.logger.WithField("username", username).Warn("Invalid password")
		return nil, apperrors.Auth(msgInvalidCredentials)
	}
	span.SetAttributes(tracing.UserID(user.ID))

	token, err := s.newToken()
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.CodeInternalError, apperrors.GenericServerMessage, err)
	}

	identity := models.Identity{ID: user.ID, Username: user.Username, Email: user.Email}
	value, err := json.Marshal(identity)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.CodeInternalError, apperrors.GenericServerMessage, err)
	}

	if err := s.saveSession(ctx, token, value); err != nil {
		return nil, apperrors.Store(err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
	}).Info("User logged in successfully")

	return &models.LoginResult{Token: token, User: identity}, nil
}

// ValidateAndRefresh resolves a token to its identity snapshot and slides its TTL.
// The snapshot is not re-read from the credential store.
func (s *AuthService) ValidateAndRefresh(ctx context.Context, token string) (identity models.Identity, err error) {
	ctx, span := tracing.Start(ctx, "auth.ValidateAndRefresh")
	defer func() {
		tracing.End(span, err)
		metrics.RecordAuthEvent("validate", outcome(err))
	}()

	token = strings.TrimSpace(token)
	if token == "" {
		return models.Identity{}, apperrors.Auth(msgMissingToken)
	}

	raw, err := s.loadSession(ctx, token)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return models.Identity{}, apperrors.Auth(msgExpiredToken)
	case err != nil:
		return models.Identity{}, apperrors.Store(err)
	}

	if err := json.Unmarshal(raw, &identity); err != nil || identity.ID == 0 {
		s.logger.WithError(err).Warn("Malformed session value")
		return models.Identity{}, apperrors.Auth(msgInvalidSession)
	}
	span.SetAttributes(tracing.UserID(identity.ID))

	// Best-effort: a lost TTL update only shortens the session
	if err := s.refreshSession(ctx, token); err != nil {
		s.logger.WithError(err).WithField("user_id", identity.ID).Warn("Failed to refresh session TTL")
	}

	return identity, nil
}

func (s *AuthService) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *AuthService) existsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.credentials.ExistsByUsernameOrEmail(ctx, username, email)
}

func (s *AuthService) createUser(ctx context.Context, user *models.User) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.credentials.Create(ctx, user)
}

func (s *AuthService) getByUsername(ctx context.Context, username string) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.credentials.GetByUsername(ctx, username)
}

func (s *AuthService) saveSession(ctx context.Context, token string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.sessions.Save(ctx, token, value, s.opts.SessionTTL)
}

func (s *AuthService) loadSession(ctx context.Context, token string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.sessions.Load(ctx, token)
}

func (s *AuthService) refreshSession(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.sessions.Refresh(ctx, token, s.opts.SessionTTL)
}

// outcome labels an auth event for metrics
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return strings.ToLower(string(apperrors.As(err).Code))
}
