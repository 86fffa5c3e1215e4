package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields are Go duration strings ("30s", "5m"). An empty field is
// not an error; callers that want a default go through ParseDurationOrDefault.

func ParseDurationField(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration: %w", field, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

func ParseDurationOrDefault(field, raw string, fallback time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return fallback, nil
}
