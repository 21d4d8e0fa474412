package market

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

// ParseDuration parses a "days,hours,minutes" string. Empty components count
// as zero, so ",,30" is thirty minutes and "1,," is one day.
func ParseDuration(s string) (time.Duration, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q must be days,hours,minutes", domain.ErrInvalidDuration, s)
	}

	units := [3]time.Duration{24 * time.Hour, time.Hour, time.Minute}
	var total time.Duration
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %v", domain.ErrInvalidDuration, p, err)
		}
		if n < 0 {
			return 0, fmt.Errorf("%w: negative component %d", domain.ErrInvalidDuration, n)
		}
		if n > math.MaxInt64/int64(units[i]) {
			return 0, fmt.Errorf("%w: component %d is too large", domain.ErrInvalidDuration, n)
		}
		d := time.Duration(n) * units[i]
		if total > math.MaxInt64-d {
			return 0, fmt.Errorf("%w: %q is too long", domain.ErrInvalidDuration, s)
		}
		total += d
	}
	if total <= 0 {
		return 0, fmt.Errorf("%w: duration must be greater than zero", domain.ErrInvalidDuration)
	}
	return total, nil
}

// FormatDuration renders d as "1 day, 2 hours, 30 minutes", skipping zero
// components.
func FormatDuration(d time.Duration) string {
	minutes := int64(d / time.Minute)
	days := minutes / (24 * 60)
	hours := (minutes / 60) % 24
	minutes %= 60

	var parts []string
	add := func(n int64, unit string) {
		if n <= 0 {
			return
		}
		if n != 1 {
			unit += "s"
		}
		parts = append(parts, fmt.Sprintf("%d %s", n, unit))
	}
	add(days, "day")
	add(hours, "hour")
	add(minutes, "minute")
	if len(parts) == 0 {
		return "0 minutes"
	}
	return strings.Join(parts, ", ")
}
