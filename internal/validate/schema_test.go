package validate

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ComUnity/insight-service/internal/apperr"
	"github.com/ComUnity/insight-service/internal/models"
	"github.com/ComUnity/insight-service/internal/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBatch() map[string]any {
	return map[string]any{
		"org_id":        "acme",
		"device_id":     "d1",
		"agent_version": "1.4.0",
		"sent_at":       "2026-03-02T12:00:00Z",
		"nonce":         "0123456789abcdef0123",
		"observations": []any{
			map[string]any{
				"kind":        "auth_attempt",
				"attributes":  map[string]any{"outcome": "failure", "username": "root"},
				"observed_at": "2026-03-02T11:59:00Z",
			},
		},
	}
}

func encode(t *testing.T, v map[string]any) ([]byte, any) {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	decoded, err := signing.Decode(body)
	require.NoError(t, err)
	return body, decoded
}

func TestSchemaValidator_Batch(t *testing.T) {
	v, err := NewSchemaValidator()
	require.NoError(t, err)

	body, decoded := encode(t, validBatch())
	b, err := v.Batch(body, decoded)
	require.NoError(t, err)
	assert.Equal(t, "acme", b.OrgID)
	assert.Equal(t, time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), b.SentAt.UTC())
	require.Len(t, b.Observations, 1)
	assert.Equal(t, models.KindAuthAttempt, b.Observations[0].Kind)
	assert.Equal(t, "failure", b.Observations[0].Attr("outcome"))
}

func TestSchemaValidator_Rejects(t *testing.T) {
	v, err := NewSchemaValidator()
	require.NoError(t, err)

	obs := func(kind string, attrs map[string]any) []any {
		return []any{map[string]any{"kind": kind, "attributes": attrs, "observed_at": "2026-03-02T11:59:00Z"}}
	}

	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"missing nonce", func(m map[string]any) { delete(m, "nonce") }},
		{"short nonce", func(m map[string]any) { m["nonce"] = "abc" }},
		{"bad org id", func(m map[string]any) { m["org_id"] = "acme corp" }},
		{"unknown field", func(m map[string]any) { m["extra"] = true }},
		{"bad sent_at", func(m map[string]any) { m["sent_at"] = "yesterday" }},
		{"empty observations", func(m map[string]any) { m["observations"] = []any{} }},
		{"unknown kind", func(m map[string]any) { m["observations"] = obs("kernel_module", map[string]any{}) }},
		{"auth without outcome", func(m map[string]any) { m["observations"] = obs("auth_attempt", map[string]any{"username": "x"}) }},
		{"auth bad outcome", func(m map[string]any) { m["observations"] = obs("auth_attempt", map[string]any{"outcome": "maybe"}) }},
		{"listener bad port", func(m map[string]any) { m["observations"] = obs("listener_open", map[string]any{"port": "http"}) }},
		{"process without name", func(m map[string]any) { m["observations"] = obs("process_start", map[string]any{"exe": "/bin/sh"}) }},
		{"file change bad change", func(m map[string]any) {
			m["observations"] = obs("file_change", map[string]any{"path": "/etc/hosts", "change": "renamed"})
		}},
		{"non-string attribute", func(m map[string]any) { m["observations"] = obs("listener_open", map[string]any{"port": 22}) }},
		{"too many observations", func(m map[string]any) {
			many := make([]any, 1001)
			for i := range many {
				many[i] = obs("auth_attempt", map[string]any{"outcome": "success"})[0]
			}
			m["observations"] = many
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validBatch()
			tt.mutate(m)
			body, decoded := encode(t, m)
			_, err := v.Batch(body, decoded)
			var ve *apperr.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "schema", ve.Reason)
		})
	}
}

func TestSchemaValidator_AllKinds(t *testing.T) {
	v, err := NewSchemaValidator()
	require.NoError(t, err)

	m := validBatch()
	m["observations"] = []any{
		map[string]any{"kind": "process_start", "attributes": map[string]any{"process_name": "nc", "exe": "/tmp/nc"}, "observed_at": "2026-03-02T11:59:00Z"},
		map[string]any{"kind": "listener_open", "attributes": map[string]any{"port": "4444", "ip": "0.0.0.0"}, "observed_at": "2026-03-02T11:59:00Z"},
		map[string]any{"kind": "persistence_registration", "attributes": map[string]any{"mechanism": "launchd"}, "observed_at": "2026-03-02T11:59:00Z"},
		map[string]any{"kind": "file_change", "attributes": map[string]any{"path": "/etc/hosts", "change": "modified"}, "observed_at": "2026-03-02T11:59:00Z"},
	}
	body, decoded := encode(t, m)
	b, err := v.Batch(body, decoded)
	require.NoError(t, err)
	assert.Len(t, b.Observations, 4)
}

func TestSchemaValidator_FieldLocation(t *testing.T) {
	v, err := NewSchemaValidator()
	require.NoError(t, err)
	m := validBatch()
	m["nonce"] = strings.Repeat("!", 20)
	_, decoded := encode(t, m)
	err = v.Validate(decoded)
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Field, "nonce")
}
