package delivery

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Class is the retry classification of one attempt.
type Class string

const (
	ClassSuccess   Class = "success"
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
	ClassProducer  Class = "producer" // payload could not be built; never retried
)

// Retryable reports whether the policy may schedule another attempt.
func (c Class) Retryable() bool {
	return c == ClassTransient
}

// Classify maps a transport error or HTTP status to a class and a short
// reason used for metrics and logs.
func Classify(doErr error, status int) (Class, string) {
	if doErr != nil {
		return ClassTransient, classifyError(doErr)
	}
	switch {
	case status >= 200 && status < 300:
		return ClassSuccess, "ok"
	case status == 429:
		return ClassTransient, "http_429"
	case status >= 500:
		return ClassTransient, "http_5xx"
	case status >= 400:
		return ClassPermanent, "http_4xx"
	}
	// 1xx and unfollowed 3xx: treat as a receiver hiccup.
	return ClassTransient, "other"
}

func classifyError(doErr error) string {
	var netErr net.Error
	if errors.Is(doErr, context.DeadlineExceeded) || (errors.As(doErr, &netErr) && netErr.Timeout()) {
		return "timeout"
	}
	if errors.Is(doErr, syscall.ECONNREFUSED) {
		return "connection_refused"
	}
	var dnsErr *net.DNSError
	if errors.As(doErr, &dnsErr) {
		return "dns_error"
	}
	errLower := strings.ToLower(doErr.Error())
	if strings.Contains(errLower, "timeout") {
		return "timeout"
	}
	if strings.Contains(errLower, "connection refused") {
		return "connection_refused"
	}
	if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
		return "dns_error"
	}
	return "network"
}
