// internal/discovery/request.go
package discovery

import (
	"bytes"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
)

const formURLEncoded = "application/x-www-form-urlencoded"

// FromHTTPRequest builds the fuzzable request for a request seen on the wire.
// body is the already-consumed request body.
func FromHTTPRequest(req *http.Request, body []byte) schemas.FuzzableRequest {
	u := *req.URL
	// Proxied requests carry an absolute URL; server-side ones may not.
	if u.Host == "" {
		u.Host = req.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if req.TLS != nil {
			u.Scheme = "https"
		}
	}

	fr := schemas.NewFuzzableRequest(req.Method, &u)
	fr.Header = req.Header.Clone()
	fr.Cookies = req.Cookies()
	if len(body) > 0 {
		fr.Body = append([]byte(nil), body...)
		if isFormEncoded(req.Header.Get("Content-Type")) {
			if form, err := url.ParseQuery(string(body)); err == nil {
				fr.Form = form
			}
		}
	}
	return fr
}

func isFormEncoded(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == formURLEncoded
}

// linkAttrs maps the tags that reference other resources to the attribute holding the reference.
var linkAttrs = map[string]string{
	"a":      "href",
	"link":   "href",
	"area":   "href",
	"script": "src",
	"img":    "src",
	"iframe": "src",
	"frame":  "src",
}

// Extract returns the fuzzable requests referenced by resp: redirect headers,
// links and forms in HTML bodies. Relative references resolve against the
// response URL (or a <base href>). Results are deduplicated by Key and keep
// document order.
func Extract(resp schemas.Response) []schemas.FuzzableRequest {
	if resp.URL == nil {
		return nil
	}
	c := &collector{base: resp.URL, seen: make(map[string]struct{})}

	for _, h := range []string{"Location", "Content-Location"} {
		if v := resp.Header.Get(h); v != "" {
			c.addLink(v)
		}
	}
	if resp.IsHTML() {
		c.walkHTML(resp.Body)
	}
	return c.out
}

type collector struct {
	base *url.URL
	seen map[string]struct{}
	out  []schemas.FuzzableRequest

	form   *schemas.FuzzableRequest
	inForm bool
}

func (c *collector) resolve(ref string) *url.URL {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return nil
	}
	r, err := url.Parse(ref)
	if err != nil {
		return nil
	}
	u := c.base.ResolveReference(r)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil
	}
	u.Fragment = ""
	return u
}

func (c *collector) addLink(ref string) {
	if u := c.resolve(ref); u != nil {
		c.add(schemas.NewFuzzableRequest(http.MethodGet, u))
	}
}

func (c *collector) add(fr schemas.FuzzableRequest) {
	k := fr.Key()
	if _, ok := c.seen[k]; ok {
		return
	}
	c.seen[k] = struct{}{}
	c.out = append(c.out, fr)
}

func (c *collector) walkHTML(body []byte) {
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			c.closeForm()
			return
		case html.StartTagToken, html.SelfClosingTagToken:
			c.startTag(z.Token())
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "form" {
				c.closeForm()
			}
		}
	}
}

func (c *collector) startTag(tok html.Token) {
	switch tok.Data {
	case "base":
		if u := c.resolve(attr(tok, "href")); u != nil {
			c.base = u
		}
	case "form":
		c.closeForm()
		method := strings.ToUpper(attr(tok, "method"))
		if method != http.MethodPost {
			method = http.MethodGet
		}
		action := attr(tok, "action")
		u := c.base
		if action != "" {
			if u = c.resolve(action); u == nil {
				return
			}
		}
		fr := schemas.NewFuzzableRequest(method, u)
		c.form, c.inForm = &fr, true
	case "input", "select", "textarea", "button":
		if !c.inForm {
			return
		}
		name := attr(tok, "name")
		if name == "" {
			return
		}
		if c.form.Method == http.MethodPost {
			c.form.Form.Add(name, attr(tok, "value"))
		} else {
			c.form.Params.Add(name, attr(tok, "value"))
		}
	default:
		if a, ok := linkAttrs[tok.Data]; ok {
			c.addLink(attr(tok, a))
		}
	}
}

func (c *collector) closeForm() {
	if !c.inForm {
		return
	}
	fr := *c.form
	if fr.Method == http.MethodPost && len(fr.Form) > 0 {
		fr.Header.Set("Content-Type", formURLEncoded)
		fr.Body = []byte(fr.Form.Encode())
	}
	if fr.Method == http.MethodGet && len(fr.Params) > 0 {
		u := *fr.URL
		u.RawQuery = fr.Params.Encode()
		fr.URL = &u
	}
	c.add(fr)
	c.form, c.inForm = nil, false
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
