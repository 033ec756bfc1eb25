package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic-tacos/profile-api/internal/config"
	"github.com/traffic-tacos/profile-api/internal/models"
	"github.com/traffic-tacos/profile-api/internal/testutil"
	apperrors "github.com/traffic-tacos/profile-api/pkg/errors"
)

type fakeValidator struct {
	tokens map[string]models.Identity
	seen   []string
}

func (f *fakeValidator) ValidateAndRefresh(_ context.Context, token string) (models.Identity, error) {
	f.seen = append(f.seen, token)
	if token == "" {
		return models.Identity{}, apperrors.Auth("Missing token.")
	}
	identity, ok := f.tokens[token]
	if !ok {
		return models.Identity{}, apperrors.Auth("Invalid or expired token.")
	}
	return identity, nil
}

func decodeError(t *testing.T, resp *http.Response) apperrors.ErrorResponse {
	t.Helper()
	var body apperrors.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func newAuthApp(validator TokenValidator) *fiber.App {
	app := fiber.New()
	auth := NewAuthMiddleware(validator, testutil.QuietLogger())
	app.All("/me", auth.Authenticate(), func(c *fiber.Ctx) error {
		identity, ok := GetIdentity(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.JSON(fiber.Map{"username": identity.Username, "user_id": GetUserID(c)})
	})
	return app
}

func TestAuthenticate_TokenSources(t *testing.T) {
	validator := &fakeValidator{tokens: map[string]models.Identity{
		"abc": {ID: 7, Username: "alice", Email: "alice@x.com"},
	}}
	app := newAuthApp(validator)

	header := httptest.NewRequest(http.MethodGet, "/me", nil)
	header.Header.Set(SessionTokenHeader, "abc")

	query := httptest.NewRequest(http.MethodGet, "/me?token=abc", nil)

	form := httptest.NewRequest(http.MethodPost, "/me", strings.NewReader("token=abc"))
	form.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)

	for name, req := range map[string]*http.Request{"header": header, "query": query, "form": form} {
		t.Run(name, func(t *testing.T) {
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, fiber.StatusOK, resp.StatusCode)

			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, "alice", body["username"])
			assert.EqualValues(t, 7, body["user_id"])
		})
	}
}

func TestAuthenticate_HeaderWinsOverQuery(t *testing.T) {
	validator := &fakeValidator{tokens: map[string]models.Identity{"abc": {ID: 1, Username: "alice"}}}
	app := newAuthApp(validator)

	req := httptest.NewRequest(http.MethodGet, "/me?token=other", nil)
	req.Header.Set(SessionTokenHeader, "abc")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"abc"}, validator.seen)
}

func TestAuthenticate_Rejects(t *testing.T) {
	app := newAuthApp(&fakeValidator{tokens: map[string]models.Identity{}})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	body := decodeError(t, resp)
	assert.False(t, body.Success)
	assert.Equal(t, "Missing token.", body.Error)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(SessionTokenHeader, "nope")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid or expired token.", decodeError(t, resp).Error)
}

func TestRespond_HidesServerCause(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return Respond(c, testutil.QuietLogger(), apperrors.Store(errors.New("dial tcp: connection refused")))
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Equal(t, apperrors.GenericServerMessage, body.Error)
}

func newRateLimitApp(t *testing.T, cfg *config.RateLimitConfig) (*fiber.App, func()) {
	t.Helper()
	mr, client, err := testutil.NewRedis()
	require.NoError(t, err)

	app := fiber.New()
	app.Use(NewRateLimitMiddleware(cfg, client, testutil.QuietLogger()).Handle())
	app.Post("/login", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	app.Get("/profile", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	return app, func() {
		client.Close()
		mr.Close()
	}
}

func loginFrom(app *fiber.App, ip string) (*http.Response, error) {
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.Header.Set(fiber.HeaderXForwardedFor, ip)
	return app.Test(req)
}

// fiber's app.Test connections come from 0.0.0.0
const testPeer = "0.0.0.0"

func TestRateLimit_BurstThenReject(t *testing.T) {
	app, cleanup := newRateLimitApp(t, &config.RateLimitConfig{
		RPS: 1, Burst: 2, WindowSize: time.Hour, Enabled: true, LimitedPaths: []string{"/login"},
		TrustedProxies: []string{testPeer},
	})
	defer cleanup()

	for i := 0; i < 2; i++ {
		resp, err := loginFrom(app, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	resp, err := loginFrom(app, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "3600", resp.Header.Get(fiber.HeaderRetryAfter))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Equal(t, msgRateLimited, decodeError(t, resp).Error)

	// Buckets are per client
	resp, err = loginFrom(app, "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRateLimit_ForwardedForCannotMintBuckets(t *testing.T) {
	tests := []struct {
		name    string
		proxies []string
		xff     func(i int) string
	}{
		{
			name: "untrusted peer",
			xff:  func(i int) string { return fmt.Sprintf("203.0.113.%d", i) },
		},
		{
			name:    "client-prepended hops behind a trusted proxy",
			proxies: []string{testPeer + "/32", "10.1.0.0/16"},
			xff:     func(i int) string { return fmt.Sprintf("203.0.113.%d, 198.51.100.7, 10.1.2.3", i) },
		},
		{
			name:    "garbage hop",
			proxies: []string{testPeer},
			xff:     func(i int) string { return fmt.Sprintf("spoof-%d", i) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, cleanup := newRateLimitApp(t, &config.RateLimitConfig{
				RPS: 1, Burst: 2, WindowSize: time.Hour, Enabled: true, LimitedPaths: []string{"/login"},
				TrustedProxies: tt.proxies,
			})
			defer cleanup()

			limited := 0
			for i := 0; i < 10; i++ {
				resp, err := loginFrom(app, tt.xff(i))
				require.NoError(t, err)
				if resp.StatusCode == fiber.StatusTooManyRequests {
					limited++
				}
			}
			assert.Equal(t, 8, limited)
		})
	}
}

func TestRateLimit_ClientIP(t *testing.T) {
	limiter := NewRateLimitMiddleware(&config.RateLimitConfig{
		TrustedProxies: []string{testPeer, "10.1.0.0/16", "not-an-ip"},
	}, nil, testutil.QuietLogger())

	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(limiter.clientIP(c)) })

	tests := map[string]string{
		"":                                 testPeer,
		"198.51.100.7":                     "198.51.100.7",
		"203.0.113.1, 198.51.100.7":        "198.51.100.7",
		"198.51.100.7, 10.1.9.9, 10.1.2.3": "198.51.100.7",
		"10.1.9.9":                         testPeer,
	}
	for xff, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if xff != "" {
			req.Header.Set(fiber.HeaderXForwardedFor, xff)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, want, string(body), xff)
	}
}

func TestRateLimit_RefillsOverTime(t *testing.T) {
	mr, client, err := testutil.NewRedis()
	require.NoError(t, err)
	defer mr.Close()
	defer client.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mr.SetTime(now)

	app := fiber.New()
	app.Use(NewRateLimitMiddleware(&config.RateLimitConfig{
		RPS: 2, Burst: 1, WindowSize: time.Second, Enabled: true, LimitedPaths: []string{"/login"},
	}, client, testutil.QuietLogger()).Handle())
	app.Post("/login", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	resp, err := loginFrom(app, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	mr.SetTime(now.Add(200 * time.Millisecond))
	resp, err = loginFrom(app, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)

	// Two tokens per second: one is back after 500ms
	mr.SetTime(now.Add(500 * time.Millisecond))
	resp, err = loginFrom(app, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRateLimit_OnlyLimitedPaths(t *testing.T) {
	app, cleanup := newRateLimitApp(t, &config.RateLimitConfig{
		RPS: 1, Burst: 1, WindowSize: time.Hour, Enabled: true, LimitedPaths: []string{"/login"},
	})
	defer cleanup()

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/profile", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
}

func TestRateLimit_FailsOpen(t *testing.T) {
	mr, client, err := testutil.NewRedis()
	require.NoError(t, err)
	defer client.Close()
	mr.Close()

	app := fiber.New()
	app.Use(NewRateLimitMiddleware(&config.RateLimitConfig{
		RPS: 1, Burst: 1, WindowSize: time.Hour, Enabled: true, LimitedPaths: []string{"/login"},
	}, client, testutil.QuietLogger()).Handle())
	app.Post("/login", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	for i := 0; i < 3; i++ {
		resp, err := loginFrom(app, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
}

func TestNewRedisClient_NoRetries(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	for _, configured := range []int{0, -1} {
		client, err := NewRedisClient(&config.RedisConfig{Address: mr.Addr(), MaxRetries: configured}, testutil.QuietLogger())
		require.NoError(t, err)
		assert.Equal(t, 0, client.(*redis.Client).Options().MaxRetries, "configured %d", configured)
		client.Close()
	}

	client, err := NewRedisClient(&config.RedisConfig{Address: mr.Addr(), MaxRetries: 2}, testutil.QuietLogger())
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, 2, client.(*redis.Client).Options().MaxRetries)
}

func newIdempotencyApp(t *testing.T) (*fiber.App, *int) {
	t.Helper()
	mr, client, err := testutil.NewRedis()
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	calls := 0
	app := fiber.New()
	app.Post("/register", NewIdempotencyMiddleware(client, testutil.QuietLogger()).Handle(), func(c *fiber.Ctx) error {
		calls++
		if strings.Contains(string(c.Body()), "fail") {
			return c.Status(fiber.StatusConflict).JSON(apperrors.ErrorResponse{Error: "taken"})
		}
		return c.JSON(models.RegisterResponse{Success: true, Message: "Registered"})
	})
	return app, &calls
}

func postRegister(app *fiber.App, key, body string) (*http.Response, error) {
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	return app.Test(req)
}

func TestIdempotency_ReplaysResponse(t *testing.T) {
	app, calls := newIdempotencyApp(t)
	key := "6f1c1f2e-3c4b-4f7a-9a5e-0a1b2c3d4e5f"

	first, err := postRegister(app, key, `{"username":"alice"}`)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, first.StatusCode)
	firstBody, _ := io.ReadAll(first.Body)

	second, err := postRegister(app, key, `{"username":"alice"}`)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("X-Idempotency-Cached"))
	secondBody, _ := io.ReadAll(second.Body)
	assert.Equal(t, firstBody, secondBody)

	assert.Equal(t, 1, *calls)
}

func TestIdempotency_ConcurrentDuplicateIsRejectedWhileInFlight(t *testing.T) {
	mr, client, err := testutil.NewRedis()
	require.NoError(t, err)
	defer mr.Close()
	defer client.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	app := fiber.New()
	app.Post("/register", NewIdempotencyMiddleware(client, testutil.QuietLogger()).Handle(), func(c *fiber.Ctx) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return c.Status(fiber.StatusConflict).JSON(apperrors.ErrorResponse{Error: "taken"})
		}
		return c.JSON(models.RegisterResponse{Success: true, Message: "Registered"})
	})

	key := "6f1c1f2e-3c4b-4f7a-9a5e-0a1b2c3d4e5f"
	body := `{"username":"alice"}`

	firstDone := make(chan *http.Response, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		req.Header.Set(IdempotencyKeyHeader, key)
		resp, err := app.Test(req, -1)
		if err != nil {
			resp = nil
		}
		firstDone <- resp
	}()
	<-started

	second, err := postRegister(app, key, body)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, second.StatusCode)
	assert.Equal(t, msgIdempotencyInFlight, decodeError(t, second).Error)
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	first := <-firstDone
	require.NotNil(t, first)
	assert.Equal(t, fiber.StatusConflict, first.StatusCode)

	// The failed holder released both keys, so the client may retry
	assert.False(t, mr.Exists("idempotency:/register:"+key+":lock"))
	assert.False(t, mr.Exists("idempotency:/register:"+key+":fingerprint"))

	third, err := postRegister(app, key, body)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, third.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotency_ReleaseOnlyDeletesOwnValue(t *testing.T) {
	mr, client, err := testutil.NewRedis()
	require.NoError(t, err)
	defer mr.Close()
	defer client.Close()

	mw := NewIdempotencyMiddleware(client, testutil.QuietLogger())
	require.NoError(t, mr.Set("idempotency:/register:k:fingerprint", "winner"))

	mw.release(context.Background(), "idempotency:/register:k:fingerprint", "loser")
	value, err := mr.Get("idempotency:/register:k:fingerprint")
	require.NoError(t, err)
	assert.Equal(t, "winner", value)

	mw.release(context.Background(), "idempotency:/register:k:fingerprint", "winner")
	assert.False(t, mr.Exists("idempotency:/register:k:fingerprint"))
}

func TestIdempotency_BodyMismatch(t *testing.T) {
	app, calls := newIdempotencyApp(t)
	key := "6f1c1f2e-3c4b-4f7a-9a5e-0a1b2c3d4e5f"

	_, err := postRegister(app, key, `{"username":"alice"}`)
	require.NoError(t, err)

	resp, err := postRegister(app, key, `{"username":"bob"}`)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, msgIdempotencyConflict, decodeError(t, resp).Error)
	assert.Equal(t, 1, *calls)
}

func TestIdempotency_FailureIsNotCached(t *testing.T) {
	app, calls := newIdempotencyApp(t)
	key := "6f1c1f2e-3c4b-4f7a-9a5e-0a1b2c3d4e5f"

	for i := 0; i < 2; i++ {
		resp, err := postRegister(app, key, `{"username":"fail"}`)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
		assert.Empty(t, resp.Header.Get("X-Idempotency-Cached"))
	}
	assert.Equal(t, 2, *calls)
}

func TestIdempotency_OptionalAndValidated(t *testing.T) {
	app, calls := newIdempotencyApp(t)

	for i := 0; i < 2; i++ {
		resp, err := postRegister(app, "", `{"username":"alice"}`)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, 2, *calls)

	resp, err := postRegister(app, "not-a-uuid", `{"username":"alice"}`)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, msgInvalidIdempotencyKey, decodeError(t, resp).Error)
}

func TestErrorLogger_RedactsPassword(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	app := fiber.New()
	app.Use(NewErrorLoggerMiddleware(logger).Handle())
	app.Post("/login", func(c *fiber.Ctx) error {
		return Respond(c, logger, apperrors.Auth("Invalid username or password."))
	})

	jsonReq := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"alice","password":"hunter2hunter2"}`))
	jsonReq.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	_, err := app.Test(jsonReq)
	require.NoError(t, err)

	formReq := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("username=alice&password=hunter2hunter2"))
	formReq.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)
	_, err = app.Test(formReq)
	require.NoError(t, err)

	logs := buf.String()
	assert.Contains(t, logs, "Client error response")
	assert.Contains(t, logs, "alice")
	assert.NotContains(t, logs, "hunter2")
}

func TestRedactBody_DropsUnknownFormats(t *testing.T) {
	assert.Empty(t, redactBody("text/plain", []byte("password=secret")))
	assert.Empty(t, redactBody(fiber.MIMEApplicationJSON, []byte("{broken")))
	assert.Empty(t, redactBody(fiber.MIMEApplicationJSON, nil))
}

type fakeSecrets struct {
	secretsmanageriface.SecretsManagerAPI
	values map[string]string
}

func (f *fakeSecrets) GetSecretValue(in *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
	value, ok := f.values[aws.StringValue(in.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(value)}, nil
}

func TestResolveSecrets(t *testing.T) {
	cfg := &config.Config{}
	cfg.MySQL.SecretName = "prod/mysql"
	cfg.MySQL.Password = "from-env"
	cfg.Redis.SecretName = "prod/redis"

	client := &fakeSecrets{values: map[string]string{
		"prod/mysql": `{"username":"profile","password":"db-secret"}`,
		"prod/redis": "redis-secret",
	}}
	err := ResolveSecrets(cfg, func() (secretsmanageriface.SecretsManagerAPI, error) { return client, nil }, testutil.QuietLogger())
	require.NoError(t, err)
	assert.Equal(t, "db-secret", cfg.MySQL.Password)
	assert.Equal(t, "redis-secret", cfg.Redis.Password)
}

func TestResolveSecrets_SkipsWithoutNames(t *testing.T) {
	cfg := &config.Config{}
	cfg.Redis.Password = "plain"

	err := ResolveSecrets(cfg, func() (secretsmanageriface.SecretsManagerAPI, error) {
		t.Fatal("client must not be created")
		return nil, nil
	}, testutil.QuietLogger())
	require.NoError(t, err)
	assert.Equal(t, "plain", cfg.Redis.Password)
}

func TestResolveSecrets_MissingSecret(t *testing.T) {
	cfg := &config.Config{}
	cfg.Redis.SecretName = "missing"

	err := ResolveSecrets(cfg, func() (secretsmanageriface.SecretsManagerAPI, error) {
		return &fakeSecrets{values: map[string]string{}}, nil
	}, testutil.QuietLogger())
	assert.ErrorContains(t, err, "Redis password")
}
