package crawler

import (
	"net/url"
	"strings"
)

// CleanURLs trims, drops fragments and empties, and de-duplicates urls while
// keeping first-seen order.
func CleanURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		u := stripFragment(strings.TrimSpace(raw))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func stripFragment(raw string) string {
	if !strings.Contains(raw, "#") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw[:strings.Index(raw, "#")]
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
