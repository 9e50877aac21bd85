// Package signing computes and checks webhook signatures.
//
// A signature is the lowercase hex HMAC-SHA256 of "{timestamp}.{body}" keyed
// by the destination secret. It travels in a single header:
//
//	X-Webhook-Signature: t=<unix-seconds>,v1=<hex-digest>
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// HeaderName is the HTTP header carrying the signature.
	HeaderName = "X-Webhook-Signature"
	// Version is the scheme tag of the digest inside the header.
	Version = "v1"
)

var (
	ErrMalformedHeader = errors.New("malformed signature header")
	ErrOutsideWindow   = errors.New("signature timestamp outside tolerance")
)

// Sign returns the hex digest for the given secret, unix timestamp and raw body.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header formats the header value for a timestamp and digest.
func Header(timestamp int64, signature string) string {
	return fmt.Sprintf("t=%d,%s=%s", timestamp, Version, signature)
}

// SignHeader signs body and returns the complete header value.
func SignHeader(secret string, timestamp int64, body []byte) string {
	return Header(timestamp, Sign(secret, timestamp, body))
}

// ParseHeader extracts the timestamp and v1 digest from a header value.
// Unknown keys are ignored so the scheme can grow new versions.
func ParseHeader(header string) (int64, string, error) {
	var (
		ts     int64
		sig    string
		haveTS bool
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("%w: invalid timestamp %q", ErrMalformedHeader, value)
			}
			ts, haveTS = n, true
		case Version:
			sig = value
		}
	}
	if !haveTS || sig == "" {
		return 0, "", ErrMalformedHeader
	}
	return ts, sig, nil
}

// Verify reports whether header is a valid signature of body under secret.
func Verify(secret, header string, body []byte) bool {
	ts, got, err := ParseHeader(header)
	if err != nil {
		return false
	}
	want := Sign(secret, ts, body)
	return hmac.Equal([]byte(got), []byte(want))
}

// VerifyWithTolerance is Verify plus a replay window check against now.
// Receivers pick the tolerance; the sender never enforces one.
func VerifyWithTolerance(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	ts, got, err := ParseHeader(header)
	if err != nil {
		return err
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if tolerance > 0 && skew > int64(tolerance.Seconds()) {
		return ErrOutsideWindow
	}
	if !hmac.Equal([]byte(got), []byte(Sign(secret, ts, body))) {
		return errors.New("signature mismatch")
	}
	return nil
}
