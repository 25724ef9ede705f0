package fetcher

import (
	"net/url"
	"strings"
)

// trackingParams are dropped from every URL before it is fetched or cached
var trackingParams = map[string]struct{}{
	"fbclid": {}, "gclid": {}, "utm_source": {}, "utm_medium": {},
	"utm_campaign": {}, "utm_term": {}, "utm_content": {}, "ref": {},
	"source": {}, "mc_cid": {}, "mc_eid": {}, "_ga": {}, "yclid": {},
	"wickedid": {}, "twclid": {}, "ttclid": {},
}

var trackingPrefixes = []string{"utm_", "aem_"}

func isTrackingParam(name string) bool {
	name = strings.ToLower(name)
	if _, ok := trackingParams[name]; ok {
		return true
	}
	for _, prefix := range trackingPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Normalize strips tracking parameters and the fragment. Other parameters
// keep their order and encoding, so Normalize is idempotent. Unparseable
// input is returned unchanged.
func Normalize(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		pairs := strings.Split(u.RawQuery, "&")
		kept := pairs[:0]
		for _, pair := range pairs {
			if pair == "" {
				continue
			}
			name, _, _ := strings.Cut(pair, "=")
			if decoded, err := url.QueryUnescape(name); err == nil {
				name = decoded
			}
			if isTrackingParam(name) {
				continue
			}
			kept = append(kept, pair)
		}
		u.RawQuery = strings.Join(kept, "&")
	}
	u.ForceQuery = false
	return u.String()
}
