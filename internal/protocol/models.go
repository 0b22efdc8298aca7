package protocol

import "strings"

// MatchModel picks the best entry in available for a requested model id.
// Matching is tolerant of case, separators, and version-suffix prefixes,
// so "sonnet-4" matches "claude-sonnet-4-20250514". Returns "" when
// nothing plausible matches.
func MatchModel(requested string, available []string) string {
	if requested == "" {
		return ""
	}

	for _, m := range available {
		if m == requested {
			return m
		}
	}

	want := normalizeModelID(requested)
	if want == "" {
		return ""
	}

	for _, m := range available {
		if normalizeModelID(m) == want {
			return m
		}
	}
	for _, m := range available {
		have := normalizeModelID(m)
		if strings.HasPrefix(have, want) || strings.HasPrefix(want, have) {
			return m
		}
	}
	for _, m := range available {
		if strings.Contains(normalizeModelID(m), want) {
			return m
		}
	}
	return ""
}

// normalizeModelID lowercases an id and strips separator characters.
func normalizeModelID(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		switch r {
		case '-', '_', '.', ' ', '/':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
