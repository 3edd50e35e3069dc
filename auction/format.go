package auction

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatPrice renders an amount in won with thousands separators,
// e.g. 1550000 -> "1,550,000원".
func FormatPrice(amount int64) string {
	return humanize.Comma(amount) + "원"
}

// FormatRelativeTime renders how long ago t was relative to now,
// e.g. "2 minutes ago", "just now".
func FormatRelativeTime(t, now time.Time) string {
	diff := now.Sub(t)
	seconds := int(diff / time.Second)
	minutes := int(diff / time.Minute)
	hours := int(diff / time.Hour)
	days := hours / 24
	switch {
	case days > 0:
		return fmt.Sprintf("%d day%s ago", days, plural(days))
	case hours > 0:
		return fmt.Sprintf("%d hour%s ago", hours, plural(hours))
	case minutes > 0:
		return fmt.Sprintf("%d minute%s ago", minutes, plural(minutes))
	case seconds > 10:
		return fmt.Sprintf("%d seconds ago", seconds)
	default:
		return "just now"
	}
}

func plural(n int) string {
	if n > 1 {
		return "s"
	}
	return ""
}
