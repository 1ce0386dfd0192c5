// auth.go implements request signing for the venue's private REST API.
//
// Every private request carries four headers: the API key, a millisecond
// timestamp, a receive window, and an HMAC-SHA256 signature over
// timestamp + key + window + payload. The payload is the raw query string
// for GETs and the JSON body for POSTs. Public market-data endpoints are
// unsigned.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Credentials holds the API key pair for private endpoints. Both fields
// empty means public-only access, which is all paper mode needs.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Configured reports whether private endpoints can be signed.
func (c Credentials) Configured() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// Auth signs private requests. The zero value is unusable; construct with
// NewAuth.
type Auth struct {
	creds      Credentials
	recvWindow int64
	now        func() time.Time
}

// NewAuth creates a signer. recvWindowMs bounds how stale a request may be
// when the venue receives it; zero falls back to 5000ms.
func NewAuth(creds Credentials, recvWindowMs int64) *Auth {
	if recvWindowMs <= 0 {
		recvWindowMs = 5000
	}
	return &Auth{creds: creds, recvWindow: recvWindowMs, now: time.Now}
}

// Headers returns the signed header set for one request. payload is the
// encoded query string for GET requests or the JSON body for POSTs; pass
// the empty string when there is neither.
func (a *Auth) Headers(payload string) (map[string]string, error) {
	if !a.creds.Configured() {
		return nil, &VenueError{Kind: KindAuth, Msg: "api credentials not configured"}
	}
	ts := strconv.FormatInt(a.now().UnixMilli(), 10)
	window := strconv.FormatInt(a.recvWindow, 10)
	return map[string]string{
		"X-API-KEY":         a.creds.APIKey,
		"X-API-TIMESTAMP":   ts,
		"X-API-RECV-WINDOW": window,
		"X-API-SIGN":        a.sign(ts, window, payload),
	}, nil
}

// sign computes hex(HMAC-SHA256(secret, timestamp + key + window + payload)).
func (a *Auth) sign(ts, window, payload string) string {
	mac := hmac.New(sha256.New, []byte(a.creds.APISecret))
	fmt.Fprintf(mac, "%s%s%s%s", ts, a.creds.APIKey, window, payload)
	return hex.EncodeToString(mac.Sum(nil))
}
