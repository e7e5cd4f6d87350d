package schemas

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// -- Transaction Schemas --

// Request is an immutable snapshot of an HTTP request as it was sent upstream.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Response is an immutable snapshot of an HTTP response. Body is already decoded
// (content-encoding removed). ID is unique within a scan.
type Response struct {
	ID         uint64
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        *url.URL
}

// Transaction pairs a request with the response it produced. It is passed by value
// and is never mutated once constructed.
type Transaction struct {
	Request  Request
	Response Response
}

// NewTransaction copies the mutable parts of req and resp so later changes by the
// producer cannot leak into analyzers.
func NewTransaction(req Request, resp Response) Transaction {
	return Transaction{
		Request: Request{
			Method: req.Method,
			URL:    cloneURL(req.URL),
			Header: req.Header.Clone(),
			Body:   cloneBytes(req.Body),
		},
		Response: Response{
			ID:         resp.ID,
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       cloneBytes(resp.Body),
			URL:        cloneURL(resp.URL),
		},
	}
}

// URI returns the canonical identity of the response location, including the query.
func (r Response) URI() string {
	return NormalizeURL(r.URL)
}

// ContentType returns the media type of the response without parameters, lowercased.
func (r Response) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		// Malformed parameters; fall back to the raw prefix.
		mediaType = strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	}
	return strings.ToLower(mediaType)
}

// IsTextOrHTML reports whether the body is textual content worth grepping.
// When no Content-Type is present the body is sniffed.
func (r Response) IsTextOrHTML() bool {
	ct := r.ContentType()
	if ct == "" {
		if len(r.Body) == 0 {
			return false
		}
		ct, _, _ = strings.Cut(http.DetectContentType(r.Body), ";")
	}
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	switch ct {
	case "application/xhtml+xml", "application/xml", "application/json",
		"application/javascript", "application/x-javascript", "application/soap+xml",
		"application/wsdl+xml":
		return true
	}
	return strings.HasSuffix(ct, "+xml") || strings.HasSuffix(ct, "+json")
}

// IsHTML reports whether the response declares (or sniffs as) HTML.
func (r Response) IsHTML() bool {
	ct := r.ContentType()
	if ct == "" && len(r.Body) > 0 {
		ct, _, _ = strings.Cut(http.DetectContentType(r.Body), ";")
	}
	return ct == "text/html" || ct == "application/xhtml+xml"
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	c := *u
	if u.User != nil {
		user := *u.User
		c.User = &user
	}
	return &c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
