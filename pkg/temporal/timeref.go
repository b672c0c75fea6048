package temporal

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// relativeRe matches relative time references: -Nh, -Nd, -Nm, -Nw.
var relativeRe = regexp.MustCompile(`^-(\d+)([hdmw])$`)

// ResolveTimeRef parses a time reference relative to base. Accepted forms:
// RFC 3339 timestamps, and relative offsets "-Nh" (hours), "-Nd" (days),
// "-Nm" (minutes), "-Nw" (weeks). "-0h" resolves to base itself.
func ResolveTimeRef(ref string, base time.Time) (time.Time, error) {
	if m := relativeRe.FindStringSubmatch(ref); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid time reference %q: %w", ref, err)
		}
		var unit time.Duration
		switch m[2] {
		case "h":
			unit = time.Hour
		case "d":
			unit = 24 * time.Hour
		case "m":
			unit = time.Minute
		case "w":
			unit = 7 * 24 * time.Hour
		}
		return base.Add(-time.Duration(n) * unit), nil
	}

	if t, err := time.Parse(time.RFC3339Nano, ref); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, ref); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time reference %q: want RFC 3339 or -N[hdmw]", ref)
}
