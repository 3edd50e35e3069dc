package auction

import (
	"fmt"
	"time"
)

// Remaining returns the time left until endsAt, never negative.
// It is a pure derivation for display; the authoritative active→ended
// transition is decided by the store, not by a client clock.
func Remaining(endsAt, now time.Time) time.Duration {
	d := endsAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// EndingSoon reports whether the time left is under threshold but not yet up.
func EndingSoon(endsAt, now time.Time, threshold time.Duration) bool {
	d := Remaining(endsAt, now)
	return d > 0 && d <= threshold
}

// FormatRemaining renders a remaining duration for display:
// "2h 5m", "1m 5s", "47s", or exactly "Ended" once nothing remains.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "Ended"
	}
	hours := int(d / time.Hour)
	minutes := int(d % time.Hour / time.Minute)
	seconds := int(d % time.Minute / time.Second)
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// CountdownLabel is shorthand for FormatRemaining(Remaining(endsAt, now)).
func CountdownLabel(endsAt, now time.Time) string {
	return FormatRemaining(Remaining(endsAt, now))
}
