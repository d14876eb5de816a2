package credential

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Cookies frequently embed their own expiry as a unix timestamp (CSRF token
// suffixes, __ckGuid-style fields, explicit expires values). A 10-digit
// number starting with 1 covers 2001..2033; the \b anchors keep longer
// digit runs and hex blobs from matching.
var unixTimestampRe = regexp.MustCompile(`\b1\d{9}\b`)

// EstimateValidity scans a "name=value; ..." cookie string for unix
// timestamps embedded in the values and returns the latest one that lies
// in the future. Reported as a best effort estimate only; ok is false when
// nothing usable is found.
func EstimateValidity(cookie string, now time.Time) (until time.Time, ok bool) {
	for _, part := range strings.Split(cookie, ";") {
		_, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		for _, m := range unixTimestampRe.FindAllString(value, -1) {
			secs, err := strconv.ParseInt(m, 10, 64)
			if err != nil {
				continue
			}
			t := time.Unix(secs, 0)
			if t.Before(now) {
				continue
			}
			if t.After(until) {
				until = t
			}
		}
	}
	return until, !until.IsZero()
}

func parseMetaTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatMetaTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
