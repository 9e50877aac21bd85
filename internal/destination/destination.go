package destination

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// SecretBytes is the entropy of generated signing secrets (256-bit).
const SecretBytes = 32

var ErrInvalidURL = errors.New("invalid webhook url")

// Destination is a configured notification target. An empty URL disables
// notifications for its owner.
type Destination struct {
	URL    string `json:"webhook_url"`
	Secret string `json:"webhook_secret"`
}

// Enabled reports whether notifications should be produced for d.
func (d Destination) Enabled() bool {
	return strings.TrimSpace(d.URL) != ""
}

// GenerateSecret returns a random base64url-encoded secret of n bytes.
func GenerateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidateURL checks that raw is an absolute http(s) URL.
func ValidateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// Prepare normalizes d for storage. When a URL is set and no secret was
// supplied a new one is generated; an existing secret is never replaced.
func Prepare(d Destination) (Destination, error) {
	d.URL = strings.TrimSpace(d.URL)
	d.Secret = strings.TrimSpace(d.Secret)
	if d.URL == "" {
		return d, nil
	}
	if err := ValidateURL(d.URL); err != nil {
		return Destination{}, err
	}
	if d.Secret == "" {
		secret, err := GenerateSecret(SecretBytes)
		if err != nil {
			return Destination{}, fmt.Errorf("generate secret: %w", err)
		}
		d.Secret = secret
	}
	return d, nil
}

// Merge applies an update on top of the current destination. A blank secret
// in the update keeps the current one, so editing the URL alone does not
// rotate the secret.
func Merge(current, update Destination) Destination {
	out := update
	if strings.TrimSpace(out.Secret) == "" {
		out.Secret = current.Secret
	}
	return out
}
