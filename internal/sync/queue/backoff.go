package queue

import (
	"fmt"
	"strings"
	"time"
)

// DefaultMaxRetries is the number of failed attempts after which an
// operation is dropped. It is never attempted again.
const DefaultMaxRetries = 3

// DefaultBackoff is the delay after the 1st, 2nd and 3rd failed attempt.
// With DefaultMaxRetries only the first two steps are used.
var DefaultBackoff = Backoff{time.Second, 5 * time.Second, 15 * time.Second}

// Backoff is a fixed retry schedule indexed by retry count.
type Backoff []time.Duration

// Delay returns the wait before retry number retryCount (1-based). Counts
// past the end of the schedule reuse the last step.
func (b Backoff) Delay(retryCount int) time.Duration {
	if len(b) == 0 {
		return 0
	}
	if retryCount < 1 {
		retryCount = 1
	}
	if retryCount > len(b) {
		retryCount = len(b)
	}
	return b[retryCount-1]
}

// ParseBackoff parses a comma-separated list of durations such as "1s,5s,15s".
func ParseBackoff(s string) (Backoff, error) {
	var b Backoff
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("backoff step %q: %w", part, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("backoff step %q must be positive", part)
		}
		b = append(b, d)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty backoff schedule")
	}
	return b, nil
}

func (b Backoff) String() string {
	parts := make([]string, len(b))
	for i, d := range b {
		parts[i] = d.String()
	}
	return strings.Join(parts, ",")
}
