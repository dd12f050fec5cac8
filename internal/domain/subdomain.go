package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// SubdomainPattern constrains routable subdomains to DNS-label-safe form.
var SubdomainPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

const slugLimit = 50

// Slugify lowers a display name into subdomain-safe form. Runs of characters
// outside [a-z0-9] collapse into single hyphens and the result is trimmed to
// slugLimit bytes. An unusable name yields "app".
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > slugLimit {
		slug = strings.Trim(slug[:slugLimit], "-")
	}
	if slug == "" {
		return "app"
	}
	return slug
}

// SubdomainFor derives the globally unique subdomain for an app. The numeric
// id suffix keeps equally named apps apart.
func SubdomainFor(name string, id int64) string {
	return fmt.Sprintf("%s-%d", Slugify(name), id)
}

// ValidSubdomain reports whether s is routable.
func ValidSubdomain(s string) bool {
	return SubdomainPattern.MatchString(s)
}
