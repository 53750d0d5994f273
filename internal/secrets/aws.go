package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ComUnity/insight-service/internal/util/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// SecretsManagerClient defines a minimal interface for AWS Secrets Manager
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SSMParameterStoreClient defines an interface for AWS SSM client
type SSMParameterStoreClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadAWSConfig loads the default AWS config, pinning the region when set.
func LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awscfg.LoadOptions) error
	if region != "" {
		opts = append(opts, awscfg.WithRegion(region))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// SecretsManagerStore reads "<prefix><orgID>" from Secrets Manager.
type SecretsManagerStore struct {
	client  SecretsManagerClient
	prefix  string
	timeout time.Duration
}

func NewSecretsManagerStore(cfg aws.Config, prefix string, timeout time.Duration) *SecretsManagerStore {
	return NewSecretsManagerStoreWithClient(secretsmanager.NewFromConfig(cfg), prefix, timeout)
}

func NewSecretsManagerStoreWithClient(client SecretsManagerClient, prefix string, timeout time.Duration) *SecretsManagerStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SecretsManagerStore{client: client, prefix: prefix, timeout: timeout}
}

func (s *SecretsManagerStore) SigningSecret(ctx context.Context, orgID string) ([]byte, error) {
	id := s.prefix + orgID
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetSecretValue(cctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		var nf *smtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return nil, ErrNotFound
		}
		logger.Errorf("[SecretsManagerStore] Failed to get secret for org %s: %v", orgID, err)
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}
	switch {
	case out.SecretString != nil && *out.SecretString != "":
		return []byte(strings.TrimSpace(*out.SecretString)), nil
	case len(out.SecretBinary) > 0:
		return out.SecretBinary, nil
	default:
		logger.Warnf("[SecretsManagerStore] Secret value is empty for org %s", orgID)
		return nil, ErrNotFound
	}
}

// SSMStore reads "<prefix><orgID>" as a SecureString parameter.
type SSMStore struct {
	client  SSMParameterStoreClient
	prefix  string
	timeout time.Duration
}

func NewSSMStore(cfg aws.Config, prefix string, timeout time.Duration) *SSMStore {
	return NewSSMStoreWithClient(ssm.NewFromConfig(cfg), prefix, timeout)
}

func NewSSMStoreWithClient(client SSMParameterStoreClient, prefix string, timeout time.Duration) *SSMStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SSMStore{client: client, prefix: prefix, timeout: timeout}
}

func (s *SSMStore) SigningSecret(ctx context.Context, orgID string) ([]byte, error) {
	name := s.prefix + orgID
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetParameter(cctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *ssmtypes.ParameterNotFound
		if errors.As(err, &nf) {
			return nil, ErrNotFound
		}
		logger.Errorf("[SSMStore] Failed to get parameter for org %s: %v", orgID, err)
		return nil, fmt.Errorf("failed to get parameter: %w", err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil || *out.Parameter.Value == "" {
		return nil, ErrNotFound
	}
	return []byte(strings.TrimSpace(*out.Parameter.Value)), nil
}
