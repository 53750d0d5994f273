// Package signing implements the canonical HMAC-SHA256 scheme shared by agents
// and the ingest boundary.
package signing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ComUnity/insight-service/internal/apperr"
	"github.com/ComUnity/insight-service/internal/secrets"
	"github.com/ComUnity/insight-service/internal/util/logger"
)

// Sign returns the lowercase hex HMAC-SHA256 of canonical under secret.
func Sign(secret, canonical []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the HMAC of canonical. The comparison
// is constant time and a signature that is not valid hex never matches.
func Verify(secret, canonical []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignValue canonicalizes v and signs it.
func SignValue(secret []byte, v any) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return Sign(secret, canonical), nil
}

// SignBody signs a raw JSON body the same way the server will verify it.
func SignBody(secret, body []byte) (string, error) {
	canonical, err := CanonicalizeBody(body)
	if err != nil {
		return "", err
	}
	return Sign(secret, canonical), nil
}

// Verifier checks batch signatures against per-org secrets.
type Verifier struct {
	secrets secrets.Store
}

func NewVerifier(store secrets.Store) *Verifier {
	return &Verifier{secrets: store}
}

// Verify canonicalizes value and checks signature. Secret lookup failures
// other than a missing secret are internal errors.
func (v *Verifier) Verify(ctx context.Context, orgID, deviceID string, value any, signature string) error {
	if signature == "" {
		return &apperr.AuthenticationError{Reason: "missing_signature"}
	}
	secret, err := v.secrets.SigningSecret(ctx, orgID)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return &apperr.AuthenticationError{Reason: "unknown_identity", Detail: "org " + orgID}
		}
		return apperr.Internal("secret_lookup", err)
	}
	defer secrets.Wipe(secret)

	canonical, err := Canonicalize(value)
	if err != nil {
		return &apperr.ValidationError{Reason: "malformed_body", Detail: err.Error()}
	}
	if !Verify(secret, canonical, signature) {
		logger.Debugf("[Verifier] Signature mismatch org=%s device=%s", orgID, deviceID)
		return &apperr.AuthenticationError{Reason: "invalid_signature"}
	}
	return nil
}

// SecretHash resolves the org secret and returns its sha256 hex digest, used
// to check the secret against the pinned hash in the org registry.
func (v *Verifier) SecretHash(ctx context.Context, orgID string) (string, error) {
	secret, err := v.secrets.SigningSecret(ctx, orgID)
	if err != nil {
		return "", err
	}
	defer secrets.Wipe(secret)
	return secrets.Hash(secret), nil
}
