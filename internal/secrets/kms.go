package secrets

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// KMSClient is the subset of the KMS API used to open enveloped secrets.
type KMSClient interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSStore decrypts base64 ciphertext returned by an inner store. Ciphertext is
// bound to the org through the encryption context.
type KMSStore struct {
	inner   Store
	client  KMSClient
	keyID   string
	timeout time.Duration
}

func NewKMSStore(cfg aws.Config, inner Store, keyID string, timeout time.Duration) *KMSStore {
	return NewKMSStoreWithClient(kms.NewFromConfig(cfg), inner, keyID, timeout)
}

func NewKMSStoreWithClient(client KMSClient, inner Store, keyID string, timeout time.Duration) *KMSStore {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KMSStore{inner: inner, client: client, keyID: keyID, timeout: timeout}
}

func (s *KMSStore) SigningSecret(ctx context.Context, orgID string) ([]byte, error) {
	enveloped, err := s.inner.SigningSecret(ctx, orgID)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(enveloped)))
	Wipe(enveloped)
	if err != nil {
		return nil, fmt.Errorf("kms decrypt secret: base64: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	in := &kms.DecryptInput{
		CiphertextBlob:    raw,
		EncryptionContext: map[string]string{"org_id": orgID},
	}
	if s.keyID != "" {
		in.KeyId = aws.String(s.keyID)
	}
	out, err := s.client.Decrypt(cctx, in)
	if err != nil {
		return nil, fmt.Errorf("kms Decrypt: %w", err)
	}
	if len(out.Plaintext) == 0 {
		return nil, ErrNotFound
	}
	return out.Plaintext, nil
}
