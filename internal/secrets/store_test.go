package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecretsManager struct {
	values map[string]string
	calls  int
	err    error
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[aws.ToString(in.SecretId)]
	if !ok {
		return nil, &smtypes.ResourceNotFoundException{Message: aws.String("missing")}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

type fakeSSM struct {
	values  map[string]string
	decrypt bool
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.decrypt = aws.ToBool(in.WithDecryption)
	v, ok := f.values[aws.ToString(in.Name)]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{Message: aws.String("missing")}
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(v)}}, nil
}

type fakeKMS struct {
	context map[string]string
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.context = in.EncryptionContext
	// "ciphertext" is the reversed plaintext
	b := append([]byte(nil), in.CiphertextBlob...)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return &kms.DecryptOutput{Plaintext: b}, nil
}

func TestStaticStore(t *testing.T) {
	s := NewStaticStore(map[string]string{"acme": "s3cret", "empty": ""})

	got, err := s.SigningSecret(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), got)

	_, err = s.SigningSecret(context.Background(), "empty")
	assert.ErrorIs(t, err, ErrNotFound)

	s.Put("globex", "other")
	got, err = s.SigningSecret(context.Background(), "globex")
	require.NoError(t, err)
	assert.Equal(t, "other", string(got))
}

func TestSecretsManagerStore(t *testing.T) {
	fake := &fakeSecretsManager{values: map[string]string{"insight/orgs/acme": " key-1\n"}}
	s := NewSecretsManagerStoreWithClient(fake, "insight/orgs/", time.Second)

	got, err := s.SigningSecret(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "key-1", string(got))

	_, err = s.SigningSecret(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	fake.err = errors.New("throttled")
	_, err = s.SigningSecret(context.Background(), "acme")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestSSMStore(t *testing.T) {
	fake := &fakeSSM{values: map[string]string{"/insight/orgs/acme": "key-2"}}
	s := NewSSMStoreWithClient(fake, "/insight/orgs/", 0)

	got, err := s.SigningSecret(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "key-2", string(got))
	assert.True(t, fake.decrypt)

	_, err = s.SigningSecret(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKMSStore_DecryptsWithOrgContext(t *testing.T) {
	inner := NewStaticStore(map[string]string{
		"acme": base64.StdEncoding.EncodeToString([]byte("terces")),
		"bad":  "%%%",
	})
	fake := &fakeKMS{}
	s := NewKMSStoreWithClient(fake, inner, "alias/insight", 0)

	got, err := s.SigningSecret(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "secret", string(got))
	assert.Equal(t, map[string]string{"org_id": "acme"}, fake.context)

	_, err = s.SigningSecret(context.Background(), "bad")
	assert.Error(t, err)

	_, err = s.SigningSecret(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedStore(t *testing.T) {
	fake := &fakeSecretsManager{values: map[string]string{"acme": "key"}}
	c := NewCachedStore(NewSecretsManagerStoreWithClient(fake, "", time.Second), 8, time.Minute)

	for i := 0; i < 3; i++ {
		got, err := c.SigningSecret(context.Background(), "acme")
		require.NoError(t, err)
		assert.Equal(t, "key", string(got))
		// callers may wipe what they receive
		Wipe(got)
	}
	assert.Equal(t, 1, fake.calls)
	assert.Equal(t, 1, c.Len())

	c.Invalidate("acme")
	_, err := c.SigningSecret(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, fake.calls)

	_, err = c.SigningSecret(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHash(t *testing.T) {
	assert.Equal(t, "2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b", Hash([]byte("secret")))
}
