// internal/discovery/robots.go
package discovery

import (
	"bufio"
	"bytes"
	"net/url"
	"strings"

	"github.com/beevik/etree"
)

// Robots holds what a robots.txt file reveals about a site.
type Robots struct {
	// Paths are the absolute URLs of Allow/Disallow entries, wildcards and
	// query strings cut off.
	Paths []string
	// Sitemaps are the Sitemap: directives, in file order.
	Sitemaps []string
}

// ParseRobots reads a robots.txt body served from base.
func ParseRobots(base *url.URL, body []byte) Robots {
	var r Robots
	root := base.Scheme + "://" + base.Host
	seen := make(map[string]struct{})

	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "sitemap":
			if value != "" {
				r.Sitemaps = append(r.Sitemaps, value)
			}
		case "allow", "disallow":
			if !strings.HasPrefix(value, "/") {
				continue
			}
			path := strings.Split(value, "*")[0]
			path = strings.Split(path, "?")[0]
			path = strings.TrimSuffix(path, "$")
			if len(path) <= 1 {
				continue
			}
			if _, dup := seen[path]; dup {
				continue
			}
			seen[path] = struct{}{}
			r.Paths = append(r.Paths, root+path)
		}
	}
	return r
}

// Sitemap is the parsed content of a sitemap document.
type Sitemap struct {
	// URLs are the <loc> entries of a <urlset>.
	URLs []string
	// Nested are the <loc> entries of a <sitemapindex>.
	Nested []string
}

// ParseSitemap handles both sitemap indexes and standard URL sets. ok is false
// when the body is neither.
func ParseSitemap(body []byte) (s Sitemap, ok bool) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return Sitemap{}, false
	}
	root := doc.Root()
	if root == nil {
		return Sitemap{}, false
	}

	switch root.Tag {
	case "sitemapindex":
		s.Nested = locs(root, "sitemap")
	case "urlset":
		s.URLs = locs(root, "url")
	default:
		return Sitemap{}, false
	}
	return s, true
}

func locs(root *etree.Element, child string) []string {
	var out []string
	for _, e := range root.SelectElements(child) {
		if loc := e.SelectElement("loc"); loc != nil {
			if v := strings.TrimSpace(loc.Text()); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}
