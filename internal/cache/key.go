package cache

import (
	"net/http"
	"net/url"
	"strings"
)

func BuildKey(req *Request) string {
	if req == nil || req.URL == nil {
		return ""
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	target := normalizeURL(req.URL)

	var builder strings.Builder
	baseLen := len(method) + len(target) + 6
	if baseLen < 64 {
		baseLen = 64
	}
	builder.Grow(baseLen)
	builder.WriteString("m=")
	builder.WriteString(method)
	builder.WriteString("|u=")
	builder.WriteString(target)
	return builder.String()
}

// Key is shorthand for BuildKey(r).
func (r *Request) Key() string {
	return BuildKey(r)
}

// IsRead reports whether the request is eligible for interception.
func (r *Request) IsRead() bool {
	return r != nil && strings.EqualFold(r.Method, http.MethodGet)
}

// Storable reports whether responses for u may be written into a store. Only
// schemes fetchable over the network qualify.
func Storable(u *url.URL) bool {
	if u == nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return true
	default:
		return false
	}
}

func normalizeURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	path := u.EscapedPath()
	if path == "" && host != "" {
		path = "/"
	}
	var builder strings.Builder
	if scheme != "" {
		builder.WriteString(scheme)
		builder.WriteString("://")
	}
	builder.WriteString(host)
	if u.Opaque != "" {
		builder.WriteString(u.Opaque)
	}
	builder.WriteString(path)
	if u.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(u.RawQuery)
	}
	return builder.String()
}
