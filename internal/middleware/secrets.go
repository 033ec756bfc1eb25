package middleware

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/sirupsen/logrus"

	"github.com/traffic-tacos/profile-api/internal/config"
)

// NewSecretsClient creates a Secrets Manager client for the configured region
func NewSecretsClient(awsCfg *config.AWSConfig) (secretsmanageriface.SecretsManagerAPI, error) {
	opts := session.Options{
		Config: aws.Config{Region: aws.String(awsCfg.Region)},
	}
	if awsCfg.Profile != "" {
		opts.Profile = awsCfg.Profile
		opts.SharedConfigState = session.SharedConfigEnable
	}

	sess, err := session.NewSessionWithOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return secretsmanager.New(sess), nil
}

// ResolveSecrets replaces the MySQL and Redis passwords with Secrets Manager values
// when a secret name is configured. newClient is only called if needed.
func ResolveSecrets(cfg *config.Config, newClient func() (secretsmanageriface.SecretsManagerAPI, error), logger logrus.FieldLogger) error {
	if cfg.MySQL.SecretName == "" && cfg.Redis.SecretName == "" {
		return nil
	}

	client, err := newClient()
	if err != nil {
		return err
	}

	if cfg.MySQL.SecretName != "" {
		password, err := getSecretValue(client, cfg.MySQL.SecretName, logger)
		if err != nil {
			return fmt.Errorf("failed to get MySQL password from secrets: %w", err)
		}
		cfg.MySQL.Password = password
	}

	if cfg.Redis.SecretName != "" {
		password, err := getSecretValue(client, cfg.Redis.SecretName, logger)
		if err != nil {
			return fmt.Errorf("failed to get Redis password from secrets: %w", err)
		}
		cfg.Redis.Password = password
	}

	return nil
}

// getSecretValue returns the secret string. JSON secrets ({"password": ...},
// the RDS rotation format) yield their password field.
func getSecretValue(client secretsmanageriface.SecretsManagerAPI, secretName string, logger logrus.FieldLogger) (string, error) {
	result, err := client.GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to retrieve secret '%s': %w", secretName, err)
	}

	if result.SecretString == nil {
		return "", fmt.Errorf("secret '%s' has no string value", secretName)
	}

	value := *result.SecretString
	if strings.HasPrefix(strings.TrimSpace(value), "{") {
		var structured struct {
			Password string `json:"password"`
		}
		if err := json.Unmarshal([]byte(value), &structured); err != nil {
			return "", fmt.Errorf("secret '%s' is not valid JSON: %w", secretName, err)
		}
		if structured.Password == "" {
			return "", fmt.Errorf("secret '%s' has no password field", secretName)
		}
		value = structured.Password
	}

	logger.WithField("secret_name", secretName).Info("Successfully retrieved password from Secrets Manager")
	return value, nil
}
