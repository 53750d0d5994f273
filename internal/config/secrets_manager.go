package config

import (
	"context"
	"fmt"

	"github.com/ComUnity/insight-service/internal/secrets"
	"github.com/ComUnity/insight-service/internal/util/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// AWSSecretsLoader resolves "secretsmanager:<id>" references.
type AWSSecretsLoader struct {
	client secrets.SecretsManagerClient
}

func NewAWSSecretsLoader(cfg aws.Config) *AWSSecretsLoader {
	return &AWSSecretsLoader{client: secretsmanager.NewFromConfig(cfg)}
}

func NewAWSSecretsLoaderWithClient(client secrets.SecretsManagerClient) *AWSSecretsLoader {
	return &AWSSecretsLoader{client: client}
}

// GetSecret retrieves a secret string by id or ARN.
func (l *AWSSecretsLoader) GetSecret(ctx context.Context, secretName string) (string, error) {
	logger.Debugf("[SecretsLoader] Retrieving secret: %s", secretName)

	result, err := l.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		logger.Errorf("[SecretsLoader] Failed to get secret %s: %v", secretName, err)
		return "", fmt.Errorf("failed to get secret %s: %w", secretName, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretName)
	}
	return *result.SecretString, nil
}
