// Package webhook verifies the HMAC signature the rendering service attaches
// to status pushes.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"
)

const (
	SignatureHeader = "X-Render-Signature"
	TimestampHeader = "X-Render-Timestamp"
)

var (
	ErrMissingSignature = errors.New("webhook signature missing")
	ErrBadSignature     = errors.New("webhook signature invalid")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside tolerance")
)

// Verifier checks X-Render-Signature, the hex HMAC-SHA256 of
// "<timestamp>.<body>", against a shared secret.
type Verifier struct {
	secret    []byte
	require   bool
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, require bool, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Verifier{
		secret:    []byte(secret),
		require:   require,
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool { return v != nil && len(v.secret) > 0 }

// Verify returns nil when the request may proceed. With no secret every
// request passes. With a secret, a request without headers passes unless
// signatures are required; a present but wrong or stale signature fails.
func (v *Verifier) Verify(h http.Header, body []byte) error {
	if !v.Enabled() {
		return nil
	}

	sig := h.Get(SignatureHeader)
	ts := h.Get(TimestampHeader)
	if sig == "" && ts == "" {
		if v.require {
			return ErrMissingSignature
		}
		return nil
	}
	if sig == "" || ts == "" {
		return ErrBadSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	age := v.now().Sub(time.Unix(unix, 0))
	if age < -v.tolerance || age > v.tolerance {
		return ErrStaleTimestamp
	}

	want, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(want, mac(v.secret, ts, body)) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces the header pair for body at time t. Tests and the CLI's
// replay command use it to build valid pushes.
func Sign(secret string, t time.Time, body []byte) (signature, timestamp string) {
	timestamp = strconv.FormatInt(t.Unix(), 10)
	return hex.EncodeToString(mac([]byte(secret), timestamp, body)), timestamp
}

func mac(secret []byte, ts string, body []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(ts))
	m.Write([]byte{'.'})
	m.Write(body)
	return m.Sum(nil)
}
