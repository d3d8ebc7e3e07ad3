package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// OutageKind classifies why a provider call failed. The enumeration is
// stable; event payloads and typed route errors carry these values.
type OutageKind string

const (
	OutageDNS         OutageKind = "dns_resolution"
	OutageTimeout     OutageKind = "timeout"
	OutageNetwork     OutageKind = "network_unreachable"
	OutageUnavailable OutageKind = "provider_unavailable"
	OutageQuota       OutageKind = "quota_exhausted"
)

// statusError is implemented by adapter errors that carry an HTTP
// status.
type statusError interface {
	HTTPStatus() int
}

// retryAfterError is implemented by adapter errors that carry a
// server-provided cooldown hint.
type retryAfterError interface {
	RetryAfter() time.Duration
}

// ClassifyOutage maps an error onto an outage kind. Empty means the
// failure is not an outage (a malformed request, for example) and must
// not trigger failover.
func ClassifyOutage(err error) OutageKind {
	if err == nil {
		return ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return OutageDNS
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutageTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return OutageTimeout
		}
		return OutageNetwork
	}

	var se statusError
	if errors.As(err, &se) {
		switch status := se.HTTPStatus(); {
		case status == 429:
			return OutageQuota
		case status >= 500:
			return OutageUnavailable
		default:
			return ""
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"):
		return OutageDNS
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return OutageTimeout
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "network is unreachable"):
		return OutageNetwork
	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "429"):
		return OutageQuota
	case strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "service unavailable"):
		return OutageUnavailable
	}
	return ""
}

// retryAfterHint extracts a server-provided cooldown from the error
// chain, zero when absent.
func retryAfterHint(err error) time.Duration {
	var ra retryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}

// RouteError is returned when every provider failed. Kind carries the
// best available classification.
type RouteError struct {
	Kind        OutageKind
	PrimaryErr  error
	FallbackErr error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("all providers failed (%s): primary: %v; fallback: %v",
		e.Kind, e.PrimaryErr, e.FallbackErr)
}

func (e *RouteError) Unwrap() error {
	if e.FallbackErr != nil {
		return e.FallbackErr
	}
	return e.PrimaryErr
}
