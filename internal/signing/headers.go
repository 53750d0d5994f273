package signing

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderOrg       = "X-EM-Org"
	HeaderDevice    = "X-EM-Device"
	HeaderTimestamp = "X-EM-Timestamp"
	HeaderNonce     = "X-EM-Nonce"
	HeaderSignature = "X-EM-Signature"
)

// RequestHeaders are the signed-request headers after presence checks.
type RequestHeaders struct {
	OrgID     string
	DeviceID  string
	Timestamp time.Time
	Nonce     string
	Signature string
}

// SignedHeaders builds the header set an agent attaches to a batch.
func SignedHeaders(orgID, deviceID string, ts time.Time, nonce, signature string) http.Header {
	h := make(http.Header, 6)
	h.Set(HeaderOrg, orgID)
	h.Set(HeaderDevice, deviceID)
	h.Set(HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
	h.Set(HeaderNonce, nonce)
	h.Set(HeaderSignature, signature)
	h.Set("Content-Type", "application/json")
	return h
}

// ParseHeaders extracts the signed-request headers. It returns the name of the
// first missing or malformed header.
func ParseHeaders(h http.Header) (RequestHeaders, string, bool) {
	var out RequestHeaders
	out.OrgID = strings.TrimSpace(h.Get(HeaderOrg))
	if out.OrgID == "" {
		return out, HeaderOrg, false
	}
	out.DeviceID = strings.TrimSpace(h.Get(HeaderDevice))
	if out.DeviceID == "" {
		return out, HeaderDevice, false
	}
	raw := strings.TrimSpace(h.Get(HeaderTimestamp))
	secs, err := strconv.ParseInt(raw, 10, 64)
	if raw == "" || err != nil {
		return out, HeaderTimestamp, false
	}
	out.Timestamp = time.Unix(secs, 0).UTC()
	out.Nonce = strings.TrimSpace(h.Get(HeaderNonce))
	if out.Nonce == "" {
		return out, HeaderNonce, false
	}
	out.Signature = strings.TrimSpace(h.Get(HeaderSignature))
	if out.Signature == "" {
		return out, HeaderSignature, false
	}
	return out, "", true
}
