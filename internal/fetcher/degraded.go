package fetcher

import (
	"net/url"
	"strings"
)

// knownPlatforms labels domains whose pages are usually unreachable for bots
var knownPlatforms = []struct {
	domain string
	label  string
}{
	{"tickettailor.com", "TicketTailor (ticket sales platform)"},
	{"eventbrite.com", "Eventbrite (event platform)"},
	{"facebook.com", "Facebook"},
	{"instagram.com", "Instagram"},
	{"piletilevi.ee", "Piletilevi (Estonian ticket platform)"},
	{"fienta.com", "Fienta (Baltic ticket platform)"},
	{"piletimaailm.com", "Piletimaailm (Estonian ticket platform)"},
}

const notAccessibleMarker = "[PAGE NOT ACCESSIBLE - content could not be loaded]"

// DegradedPayload describes a page that could not be loaded. It never
// interprets the URL path, only the domain.
func DegradedPayload(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	domain := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")

	site := domain
	for _, p := range knownPlatforms {
		if domain == p.domain || strings.HasSuffix(domain, "."+p.domain) {
			site = p.label
			break
		}
	}

	lines := []string{
		notAccessibleMarker,
		"Site: " + site,
		"URL: " + rawURL,
		"",
		"CRITICAL: The page content is NOT available. URL path segments are NOT reliable.",
		"You MUST search the web for this URL or event to find actual details.",
		"DO NOT interpret or guess based on URL slugs, organizer IDs, or path fragments.",
	}
	return strings.Join(lines, "\n")
}

// IsDegraded reports whether a payload is the unreachable-page notice
func IsDegraded(payload string) bool {
	return strings.HasPrefix(payload, notAccessibleMarker)
}
