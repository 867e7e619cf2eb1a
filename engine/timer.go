package engine

import (
	"strconv"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
)

// NextDue resolves a timer expression to its next firing time after now.
//
// Three syntaxes are tried in order: an RFC 3339 timestamp (absolute), an
// ISO 8601 duration like "PT5M" (relative to now), and a cron expression
// (next occurrence).  The first parse that succeeds wins.
func NextDue(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	if d, ok := parseISODuration(s); ok {
		return now.Add(d), nil
	}

	if e, err := cronexpr.Parse(s); err == nil {
		next := e.Next(now)
		if !next.IsZero() {
			return next, nil
		}
	}

	return time.Time{}, &BadTimerExpression{Expr: s}
}

// parseISODuration handles the PnDTnHnMnS subset: days, hours, minutes,
// and (possibly fractional) seconds.  Years and months would need
// calendar arithmetic, and no model has asked for them yet.
func parseISODuration(s string) (time.Duration, bool) {
	if len(s) < 2 || s[0] != 'P' {
		return 0, false
	}
	s = s[1:]

	var d time.Duration
	inTime := false
	num := ""
	got := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == 'T':
			if inTime || num != "" {
				return 0, false
			}
			inTime = true
		case c >= '0' && c <= '9' || c == '.':
			num += string(c)
		default:
			if num == "" {
				return 0, false
			}
			n, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, false
			}
			num = ""
			var unit time.Duration
			switch {
			case !inTime && c == 'D':
				unit = 24 * time.Hour
			case !inTime && c == 'W':
				unit = 7 * 24 * time.Hour
			case inTime && c == 'H':
				unit = time.Hour
			case inTime && c == 'M':
				unit = time.Minute
			case inTime && c == 'S':
				unit = time.Second
			default:
				return 0, false
			}
			d += time.Duration(n * float64(unit))
			got = true
		}
	}

	if num != "" || !got {
		return 0, false
	}
	return d, true
}
