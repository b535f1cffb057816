package retry

import (
	"context"
	"regexp"
	"strings"

	"nightpilot/internal/errors"
)

type Class string

const (
	ClassCooldown  Class = "cooldown"
	ClassRateLimit Class = "rate_limit"
	ClassNetwork   Class = "network"
	ClassAuth      Class = "auth"
	ClassTimeout   Class = "timeout"
	ClassSystem    Class = "system"
	ClassUnknown   Class = "unknown"
)

// Message markers are consulted only for errors the detector already judged
// not cooling, so no cooldown needles appear here.
var classMarkers = []struct {
	class   Class
	needles []string
	codes   *regexp.Regexp
}{
	{ClassRateLimit, []string{"rate limit", "too many requests"}, regexp.MustCompile(`\b429\b`)},
	{ClassAuth, []string{"unauthorized", "authentication", "invalid api key", "not logged in", "forbidden"}, regexp.MustCompile(`\b40[13]\b`)},
	{ClassTimeout, []string{"timed out", "timeout", "deadline exceeded"}, nil},
	{ClassNetwork, []string{"network", "connection", "no such host", "dns", "econnreset", "unexpected eof"}, nil},
	{ClassSystem, []string{"executable file not found", "permission denied", "no such file", "out of memory", "internal error", "signal: killed"}, nil},
}

// Classify buckets an attempt error. Typed markers win over message text.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	switch {
	case errors.Is(err, errors.ErrCooldownDeferred):
		return ClassCooldown
	case errors.Is(err, errors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, m := range classMarkers {
		if m.codes != nil && m.codes.MatchString(msg) {
			return m.class
		}
		for _, n := range m.needles {
			if strings.Contains(msg, n) {
				return m.class
			}
		}
	}
	return ClassUnknown
}
