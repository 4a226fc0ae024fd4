package research

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/backlogai/backlogd/internal/types"
)

// Fingerprint returns the deterministic cache key for a request: a hash
// of (objective, market segment, competitors, target user) after
// normalization (trim, lowercase, sorted competitor list).
func Fingerprint(req types.BacklogRequest) string {
	competitors := make([]string, 0, len(req.Competitors))
	for _, c := range req.Competitors {
		competitors = append(competitors, strings.ToLower(strings.TrimSpace(c)))
	}
	sort.Strings(competitors)

	payload := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(req.Objective)),
		strings.ToLower(strings.TrimSpace(req.MarketSegment)),
		strings.Join(competitors, ","),
		strings.ToLower(strings.TrimSpace(req.TargetUser)),
	}, "|")

	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// BuildQueries derives the search queries for a request. With known
// competitors the queries pivot to feature and pricing comparisons;
// otherwise they survey the competitive landscape.
func BuildQueries(req types.BacklogRequest) []string {
	base := strings.TrimSpace(req.Objective)
	segment := strings.TrimSpace(req.MarketSegment)

	join := func(parts ...string) string {
		var kept []string
		for _, p := range parts {
			if p != "" {
				kept = append(kept, p)
			}
		}
		return strings.Join(kept, " ")
	}

	var queries []string
	queries = append(queries, join(base, segment, "market trends"))
	queries = append(queries, join(base, segment, "user pain points complaints"))
	if len(req.Competitors) > 0 {
		competitors := req.Competitors
		if len(competitors) > 2 {
			competitors = competitors[:2]
		}
		vs := strings.Join(competitors, " vs ")
		queries = append(queries, join(base, vs, "features"))
		queries = append(queries, join(base, vs, "pricing packaging comparison"))
	} else {
		queries = append(queries, join(base, segment, "competitors alternatives"))
		queries = append(queries, join(base, segment, "best practices implementation benchmark"))
	}

	var nonEmpty []string
	for _, q := range queries {
		if q != "" {
			nonEmpty = append(nonEmpty, q)
		}
	}
	return nonEmpty
}

var digitsRe = regexp.MustCompile(`\d+`)

// parseFreshnessDays interprets a search-result date like "3 days ago",
// "2 weeks ago" or an absolute date, returning its age in days.
func parseFreshnessDays(value string) *int {
	raw := strings.ToLower(strings.TrimSpace(value))
	if raw == "" {
		return nil
	}

	units := []struct {
		word string
		mult int
	}{
		{"day", 1},
		{"week", 7},
		{"month", 30},
		{"year", 365},
	}
	for _, u := range units {
		if strings.Contains(raw, u.word) {
			n := 1
			if m := digitsRe.FindString(raw); m != "" {
				n = atoiSafe(m)
			}
			days := n * u.mult
			return &days
		}
	}

	for _, layout := range []string{"Jan 2, 2006", "January 2, 2006", "2006-01-02"} {
		if parsed, err := time.Parse(layout, strings.TrimSpace(value)); err == nil {
			days := int(time.Since(parsed).Hours() / 24)
			if days < 0 {
				days = 0
			}
			return &days
		}
	}
	return nil
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}
