package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/traffic-tacos/profile-api/internal/config"
	"github.com/traffic-tacos/profile-api/internal/logging"
	"github.com/traffic-tacos/profile-api/internal/metrics"
	"github.com/traffic-tacos/profile-api/internal/middleware"
	"github.com/traffic-tacos/profile-api/internal/routes"
	"github.com/traffic-tacos/profile-api/internal/service"
	"github.com/traffic-tacos/profile-api/internal/store/credential"
	"github.com/traffic-tacos/profile-api/internal/store/profile"
	"github.com/traffic-tacos/profile-api/internal/store/session"
	"github.com/traffic-tacos/profile-api/internal/tracing"
	apperrors "github.com/traffic-tacos/profile-api/pkg/errors"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg)

	if err := metrics.Init(); err != nil {
		logger.WithError(err).Fatal("Failed to initialize metrics")
	}

	tracingShutdown, err := tracing.InitTracing(cfg, logging.Version(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to setup tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Failed to shutdown tracing")
		}
	}()

	ctx := context.Background()

	// Passwords from Secrets Manager take precedence over the environment
	err = middleware.ResolveSecrets(cfg, func() (secretsmanageriface.SecretsManagerAPI, error) {
		return middleware.NewSecretsClient(&cfg.AWS)
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to resolve secrets")
	}

	// Credential store
	db, err := credential.Open(ctx, cfg.MySQL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to MySQL")
	}
	defer db.Close()

	if cfg.MySQL.Migrate {
		if err := credential.Migrate(ctx, db); err != nil {
			logger.WithError(err).Fatal("Failed to run MySQL migrations")
		}
		logger.Info("MySQL migrations applied")
	}
	credentials := credential.NewMySQLStore(db)

	// Session store
	redisClient, err := middleware.NewRedisClient(&cfg.Redis, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()

	breaker := session.NewCircuitBreaker("session-redis", session.DefaultBreakerConfig, logger)
	sessions := session.NewRedisStore(redisClient, cfg.Session.KeyPrefix, breaker)

	// Profile store
	profiles, closeProfiles, err := initProfileStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize profile store")
	}
	defer closeProfiles()

	authService, err := service.NewAuthService(credentials, sessions, service.AuthOptions{
		SessionTTL:   cfg.Session.TTL,
		BcryptCost:   cfg.Auth.BcryptCost,
		StoreTimeout: cfg.Server.StoreTimeout,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize auth service")
	}
	profileService := service.NewProfileService(profiles, cfg.Server.StoreTimeout, logger)

	app := fiber.New(fiber.Config{
		AppName:      "Profile API",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorHandler: errorHandler(logger),
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{
		Generator: uuid.NewString,
	}))
	app.Use(helmet.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORS.AllowOrigins,
		AllowMethods: "GET,POST,HEAD,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-Requested-With,X-Session-Token,Idempotency-Key",
		MaxAge:       86400,
	}))
	app.Use(otelfiber.Middleware())

	middlewareManager := middleware.NewManager(cfg, redisClient, authService, logger)

	routes.Setup(app, cfg, logger, middlewareManager, routes.Dependencies{
		Auth:    authService,
		Profile: profileService,
		Readiness: []routes.ReadinessCheck{
			{Name: "mysql", Ping: credentials.Ping},
			{Name: "redis", Ping: sessions.Ping},
			{Name: "profile_store", Ping: profiles.Ping},
		},
	})

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		logger.Info("Gracefully shutting down...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.WithError(err).Error("Server shutdown failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"port":            cfg.Server.Port,
		"profile_backend": cfg.Profile.Backend,
	}).Info("Starting Profile API server")
	if err := app.Listen(":" + cfg.Server.Port); err != nil {
		logger.WithError(err).Error("Server stopped with error")
	}
}

// initProfileStore builds the configured document store backend
func initProfileStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (profile.Store, func(), error) {
	switch cfg.Profile.Backend {
	case config.ProfileBackendDynamoDB:
		client, err := profile.NewDynamoClient(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return profile.NewDynamoStore(client, cfg.DynamoDB.ProfilesTableName), func() {}, nil

	default:
		client, err := profile.ConnectMongo(ctx, cfg.Mongo, cfg.Server.StoreTimeout)
		if err != nil {
			return nil, nil, err
		}
		store := profile.NewMongoStore(client, cfg.Mongo.Database, cfg.Mongo.Collection)

		indexCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := store.EnsureIndexes(indexCtx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, err
		}

		logger.WithFields(logrus.Fields{
			"database":   cfg.Mongo.Database,
			"collection": cfg.Mongo.Collection,
		}).Info("Connected to MongoDB")

		return store, func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(disconnectCtx); err != nil {
				logger.WithError(err).Error("Failed to disconnect from MongoDB")
			}
		}, nil
	}
}

// errorHandler renders errors that escaped the handlers in the same
// {success:false, error} shape as every other failure.
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) && fiberErr.Code < fiber.StatusInternalServerError {
			return c.Status(fiberErr.Code).JSON(apperrors.ErrorResponse{
				Success: false,
				Error:   fiberErr.Message,
			})
		}

		return middleware.Respond(c, logger, apperrors.As(err))
	}
}
