package config

import (
	"context"
	"fmt"

	"github.com/ComUnity/insight-service/internal/secrets"
	"github.com/ComUnity/insight-service/internal/util/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMLoader resolves "ssm:<name>" references from Parameter Store.
type SSMLoader struct {
	client secrets.SSMParameterStoreClient
}

func NewSSMLoader(cfg aws.Config) *SSMLoader {
	return &SSMLoader{client: ssm.NewFromConfig(cfg)}
}

func NewSSMLoaderWithClient(client secrets.SSMParameterStoreClient) *SSMLoader {
	return &SSMLoader{client: client}
}

// GetParameter retrieves a decrypted parameter value.
func (l *SSMLoader) GetParameter(ctx context.Context, paramName string) (string, error) {
	logger.Debugf("[SSMLoader] Retrieving parameter: %s", paramName)

	result, err := l.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(paramName),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		logger.Errorf("[SSMLoader] Failed to get parameter %s: %v", paramName, err)
		return "", fmt.Errorf("failed to get parameter %s: %w", paramName, err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", paramName)
	}
	return *result.Parameter.Value, nil
}
