package secrets

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Environment variables consulted by LoadKey, in priority order.
const (
	EnvKey         = "TOOLGATE_ENCRYPTION_KEY"           // base64-encoded 32-byte key
	EnvKeySecretID = "TOOLGATE_ENCRYPTION_KEY_SECRET_ID" // AWS Secrets Manager secret id
	EnvKeyRegion   = "TOOLGATE_ENCRYPTION_KEY_REGION"
)

// LoadKey resolves the encryption key for the process. A base64 key in the
// environment wins; otherwise the key is fetched from AWS Secrets Manager.
// This lets containers source the key securely while still supporting local
// development.
func LoadKey(ctx context.Context) ([]byte, error) {
	if v := os.Getenv(EnvKey); v != "" {
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("secrets.LoadKey: %s is not valid base64", EnvKey)
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("secrets.LoadKey: decoded key must be %d bytes, got %d", KeySize, len(key))
		}
		return key, nil
	}

	secretID := os.Getenv(EnvKeySecretID)
	if secretID == "" {
		return nil, fmt.Errorf("secrets.LoadKey: neither %s nor %s is set", EnvKey, EnvKeySecretID)
	}
	return fetchManagedKey(ctx, secretID)
}

func fetchManagedKey(ctx context.Context, secretID string) ([]byte, error) {
	cfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("secrets.fetchManagedKey: %w", err)
	}

	client := secretsmanager.NewFromConfig(cfg)
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("secrets.fetchManagedKey: fetching %s: %w", secretID, err)
	}

	var payload []byte
	switch {
	case out.SecretString != nil:
		payload, err = base64.StdEncoding.DecodeString(*out.SecretString)
		if err != nil {
			return nil, fmt.Errorf("secrets.fetchManagedKey: secret %s is not valid base64", secretID)
		}
	case len(out.SecretBinary) > 0:
		payload = out.SecretBinary
	default:
		return nil, fmt.Errorf("secrets.fetchManagedKey: secret %s has no payload", secretID)
	}

	if len(payload) != KeySize {
		return nil, fmt.Errorf("secrets.fetchManagedKey: secret %s must decode to %d bytes, got %d", secretID, KeySize, len(payload))
	}
	return payload, nil
}

func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	if region := os.Getenv(EnvKeyRegion); region != "" {
		return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	return awsconfig.LoadDefaultConfig(ctx)
}
