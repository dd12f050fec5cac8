// Package ingress manages nginx fragment files that route subdomain paths to
// app containers, and drives proxy config reloads.
package ingress

import (
	"fmt"
	"strings"
)

// RenderFragment produces the nginx location fragment for a subdomain. The
// output is deterministic: it depends on nothing but the subdomain.
func RenderFragment(subdomain string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Managed by openstream-gallery. Do not edit; changes are overwritten.\n")
	fmt.Fprintf(&b, "# App subdomain: %s\n\n", subdomain)

	fmt.Fprintf(&b, "location /%s/ {\n", subdomain)
	fmt.Fprintf(&b, "    proxy_pass http://app-%s:8501/;\n", subdomain)
	b.WriteString(`    proxy_http_version 1.1;
    proxy_set_header Upgrade $http_upgrade;
    proxy_set_header Connection "upgrade";
    proxy_set_header Host $host;
    proxy_set_header X-Real-IP $remote_addr;
    proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    proxy_set_header X-Forwarded-Proto $scheme;
    proxy_connect_timeout 60s;
    proxy_read_timeout 86400s;
    proxy_send_timeout 86400s;
    proxy_buffering off;
}
`)

	// Streamlit keeps a websocket open on _stcore/stream; it gets its own
	// location so the upgrade headers always apply.
	fmt.Fprintf(&b, "\nlocation /%s/_stcore/stream {\n", subdomain)
	fmt.Fprintf(&b, "    proxy_pass http://app-%s:8501/_stcore/stream;\n", subdomain)
	b.WriteString(`    proxy_http_version 1.1;
    proxy_set_header Upgrade $http_upgrade;
    proxy_set_header Connection "upgrade";
    proxy_set_header Host $host;
    proxy_read_timeout 86400s;
    proxy_buffering off;
}
`)
	return b.String()
}

// FragmentFile returns the file name carrying a subdomain's fragment.
func FragmentFile(subdomain string) string {
	return subdomain + ".conf"
}

// SubdomainFromFile extracts the subdomain from a fragment file name.
func SubdomainFromFile(name string) (string, bool) {
	if !strings.HasSuffix(name, ".conf") {
		return "", false
	}
	return strings.TrimSuffix(name, ".conf"), true
}
