package catalog

import (
	"fmt"
	"net/url"
	"strings"
)

// LinkPolicy maps a scraped link to the value used as the uniqueness key.
type LinkPolicy func(link string) string

// Link policy names accepted by ParseLinkPolicy.
const (
	LinkPolicyExact     = "exact"
	LinkPolicyCanonical = "canonical"
)

// ParseLinkPolicy resolves a policy by name. An empty name selects exact.
func ParseLinkPolicy(name string) (LinkPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", LinkPolicyExact:
		return ExactLink, nil
	case LinkPolicyCanonical:
		return CanonicalLink, nil
	default:
		return nil, fmt.Errorf("unknown link policy %q", name)
	}
}

// ExactLink keeps the link as scraped, minus surrounding whitespace.
func ExactLink(link string) string {
	return strings.TrimSpace(link)
}

// CanonicalLink drops the query string and fragment, lowercases the host and
// trims a trailing slash. Unparsable links fall back to ExactLink.
func CanonicalLink(link string) string {
	trimmed := strings.TrimSpace(link)
	if trimmed == "" {
		return ""
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	u.Host = strings.ToLower(u.Host)
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	} else if u.Path == "/" {
		u.Path = ""
	}
	return u.String()
}
