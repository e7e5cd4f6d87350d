package schemas

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// -- Fuzzable Request Schemas --

// FuzzableRequest identifies an injection surface: a URL plus the parameters an
// audit can tamper with. Analyzers treat it as read-only; the orchestrator owns it.
type FuzzableRequest struct {
	Method  string
	URL     *url.URL
	Params  url.Values // query string parameters
	Form    url.Values // application/x-www-form-urlencoded body parameters
	Header  http.Header
	Cookies []*http.Cookie
	Body    []byte
}

// NewFuzzableRequest builds a request for method and u, splitting the query into Params.
func NewFuzzableRequest(method string, u *url.URL) FuzzableRequest {
	if method == "" {
		method = http.MethodGet
	}
	fr := FuzzableRequest{
		Method: strings.ToUpper(method),
		URL:    cloneURL(u),
		Params: url.Values{},
		Form:   url.Values{},
		Header: http.Header{},
	}
	if u != nil {
		fr.Params = u.Query()
	}
	return fr
}

// Key returns a stable identity used to deduplicate discovery. Two requests that
// differ only in parameter values share a key.
func (f FuzzableRequest) Key() string {
	base := ""
	if f.URL != nil {
		u := *f.URL
		u.RawQuery = ""
		base = NormalizeURL(&u)
	}
	var b strings.Builder
	b.WriteString(f.Method)
	b.WriteByte(' ')
	b.WriteString(base)
	if names := sortedKeys(f.Params); len(names) > 0 {
		b.WriteString("?")
		b.WriteString(strings.Join(names, "&"))
	}
	if names := sortedKeys(f.Form); len(names) > 0 {
		b.WriteString(" form:")
		b.WriteString(strings.Join(names, "&"))
	}
	return b.String()
}

// ParamNames returns every injectable parameter name, query first, then form.
func (f FuzzableRequest) ParamNames() []string {
	return append(sortedKeys(f.Params), sortedKeys(f.Form)...)
}

// String renders the request the way it is shown to the user when captured.
func (f FuzzableRequest) String() string {
	u := ""
	if f.URL != nil {
		u = NormalizeURL(f.URL)
	}
	names := f.ParamNames()
	if len(names) == 0 {
		return fmt.Sprintf("%s %s", f.Method, u)
	}
	return fmt.Sprintf("%s %s | Parameters: [%s]", f.Method, u, strings.Join(names, ", "))
}

func sortedKeys(v url.Values) []string {
	if len(v) == 0 {
		return nil
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
