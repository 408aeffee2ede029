package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IntervalDuration parses an exchange-style interval string ("1m",
// "15m", "1h", "4h", "1d") into a time.Duration.
func IntervalDuration(interval string) (time.Duration, error) {
	if interval == "" {
		return 0, fmt.Errorf("empty interval")
	}
	unit := interval[len(interval)-1]
	n, err := strconv.Atoi(strings.TrimSuffix(interval, string(unit)))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("malformed interval %q", interval)
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported interval unit %q", string(unit))
	}
}
