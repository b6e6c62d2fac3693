package aur

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Version of the RPC interface spoken by this client.
const Version = 5

// Kind is the RPC request type.
type Kind string

const (
	KindInfo   Kind = "info"
	KindSearch Kind = "search"
)

// Field selects what a search matches against.
type Field string

const (
	ByName       Field = "name"
	ByNameDesc   Field = "name-desc"
	ByMaintainer Field = "maintainer"
)

// DefaultField is used when a search does not name one.
const DefaultField = ByNameDesc

// Fields lists the search fields accepted by the endpoint.
var Fields = []Field{ByName, ByNameDesc, ByMaintainer}

// ParseField validates a field name. An empty string yields DefaultField.
func ParseField(s string) (Field, error) {
	if s == "" {
		return DefaultField, nil
	}
	for _, f := range Fields {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unrecognized search field %q", s)
}

// Request is a single physical RPC call.
type Request struct {
	Kind Kind
	By   Field    // search only
	Args []string // info: package names; search: exactly one term
}

// Info builds a multiinfo request for names.
func Info(names ...string) Request {
	return Request{Kind: KindInfo, Args: names}
}

// Search builds a search request for a single term.
func Search(by Field, term string) Request {
	return Request{Kind: KindSearch, By: by, Args: []string{term}}
}

// Query encodes the request as a URL query string.
func (r Request) Query() string {
	var b strings.Builder
	b.WriteString("v=")
	b.WriteString(strconv.Itoa(Version))
	b.WriteString("&type=")
	b.WriteString(url.QueryEscape(string(r.Kind)))

	param := "arg"
	if r.Kind == KindInfo {
		param = url.QueryEscape("arg[]")
	} else {
		by := r.By
		if by == "" {
			by = DefaultField
		}
		b.WriteString("&by=")
		b.WriteString(url.QueryEscape(string(by)))
	}

	args := r.Args
	if r.Kind == KindSearch && len(args) == 0 {
		args = []string{""}
	}
	for _, a := range args {
		b.WriteByte('&')
		b.WriteString(param)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(a))
	}
	return b.String()
}

// String renders a short description for logs.
func (r Request) String() string {
	if r.Kind == KindInfo {
		return fmt.Sprintf("info(%d names)", len(r.Args))
	}
	return fmt.Sprintf("search(by=%s, %q)", r.By, strings.Join(r.Args, " "))
}
