package agent

import (
	"regexp"
	"slices"
	"strings"
)

// criticalTags mark intents whose absence of evidence blocks a decision.
var criticalTags = map[string]bool{
	"child_safety":    true,
	"age_gating":      true,
	"personalization": true,
	"jurisdiction_ut": true,
}

// lawTags buckets named laws found in text.
var lawTags = map[string][]string{
	"utah social media regulation act":         {"jurisdiction_ut", "state_law", "minor_protection"},
	"digital services act":                     {"jurisdiction_eu", "minor_protection"},
	"general data protection regulation":       {"jurisdiction_eu", "privacy"},
	"children's online privacy protection act": {"child_safety", "federal_law", "privacy"},
}

var textPatterns = []struct {
	re   *regexp.Regexp
	tags []string
}{
	{regexp.MustCompile(`\butah\b`), []string{"jurisdiction_ut", "state_law"}},
	{regexp.MustCompile(`\bcalifornia\b`), []string{"jurisdiction_ca", "state_law"}},
	{regexp.MustCompile(`\bflorida\b`), []string{"jurisdiction_fl", "state_law"}},
	{regexp.MustCompile(`\btexas\b`), []string{"jurisdiction_tx", "state_law"}},
	{regexp.MustCompile(`\beu\b|\beuropean union\b|\beea\b|\beurope\b`), []string{"jurisdiction_eu"}},
	{regexp.MustCompile(`\bcurfew\b`), []string{"curfew"}},
	{regexp.MustCompile(`\bunder[-\s]?1[368]\b|\bminors?\b|\bteens?\b|\bunderage\b`), []string{"minor_protection"}},
	{regexp.MustCompile(`\blogin restriction\b|\blogin\b`), []string{"login_restriction"}},
	{regexp.MustCompile(`\bage[-\s](verification|gate|gating|check)`), []string{"age_gating"}},
	{regexp.MustCompile(`\bpersonali[sz]ed?\b|\bpersonali[sz]ation\b`), []string{"personalization"}},
	{regexp.MustCompile(`\brecommend(ation|er)?s?\b`), []string{"recommendation"}},
	{regexp.MustCompile(`\bparental\b|\bparents?\b`), []string{"parental_consent"}},
	{regexp.MustCompile(`\bnotifications?\b`), []string{"notifications"}},
	{regexp.MustCompile(`\bretention\b`), []string{"data_retention"}},
	{regexp.MustCompile(`\bgeo[-\s]?(fenc|locat|target)\w*|\bregion(al)?\b`), []string{"geo_enforcement"}},
	{regexp.MustCompile(`\baudit\b|\blogging\b`), []string{"audit_logging"}},
}

var tagPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{1,48}$`)

// DeriveTextTags extracts semantic tags from free text. The result is sorted
// so prompts stay stable across runs.
func DeriveTextTags(text string) []string {
	t := strings.ToLower(text)
	var tags []string
	for law, add := range lawTags {
		if strings.Contains(t, law) {
			tags = append(tags, add...)
		}
	}
	for _, p := range textPatterns {
		if p.re.MatchString(t) {
			tags = append(tags, p.tags...)
		}
	}
	return MergeTags(tags)
}

// MergeTags unions tag sets, dropping malformed tags, and returns them sorted.
func MergeTags(sets ...[]string) []string {
	var out []string
	for _, set := range sets {
		for _, tag := range set {
			tag = strings.ToLower(strings.TrimSpace(tag))
			if !tagPattern.MatchString(tag) || slices.Contains(out, tag) {
				continue
			}
			out = append(out, tag)
		}
	}
	slices.Sort(out)
	return out
}

// hasCriticalTag reports whether any tag marks a critical concern.
func hasCriticalTag(tags []string) bool {
	for _, t := range tags {
		if criticalTags[t] {
			return true
		}
	}
	return false
}

// jurisdictionTags returns the jurisdiction_* tags in tags.
func jurisdictionTags(tags []string) []string {
	var out []string
	for _, t := range tags {
		if strings.HasPrefix(t, "jurisdiction_") {
			out = append(out, t)
		}
	}
	return out
}

var jurisdictionNames = map[string]string{
	"jurisdiction_ut": "Utah",
	"jurisdiction_ca": "California",
	"jurisdiction_fl": "Florida",
	"jurisdiction_tx": "Texas",
	"jurisdiction_eu": "European Union",
	"jurisdiction_us": "United States",
	"jurisdiction_uk": "United Kingdom",
	"jurisdiction_kr": "South Korea",
}
