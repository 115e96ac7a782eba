package crawler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// MaxPageIndex returns the highest page number referenced by the pagination
// entries. Each entry is either the bare page number (link text) or a URL
// whose pageParam query value is the page number. The result is never below 1.
func MaxPageIndex(entries []string, pageParam string) int {
	maxPage := 1
	for _, entry := range entries {
		if n := pageNumber(strings.TrimSpace(entry), pageParam); n > maxPage {
			maxPage = n
		}
	}
	return maxPage
}

func pageNumber(entry, pageParam string) int {
	if entry == "" {
		return 0
	}
	if n, err := strconv.Atoi(entry); err == nil {
		return n
	}
	u, err := url.Parse(entry)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(u.Query().Get(pageParam))
	if err != nil {
		return 0
	}
	return n
}

// PageURL sets pageParam=n on the catalog URL, keeping any other query values.
func PageURL(catalogURL, pageParam string, n int) (string, error) {
	u, err := url.Parse(catalogURL)
	if err != nil {
		return "", fmt.Errorf("parse catalog url %q: %w", catalogURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("catalog url %q must be absolute", catalogURL)
	}
	q := u.Query()
	q.Set(pageParam, strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
