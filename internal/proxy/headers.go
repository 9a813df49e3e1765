package proxy

import "strings"

// hopHeaders are hop-by-hop headers that must never cross the proxy boundary,
// in either direction.
var hopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// inboundAllowed are the only caller-supplied headers the proxy forwards.
// Everything else, including any caller-set Authorization, is dropped: the
// proxy is the sole authority injecting credentials.
var inboundAllowed = map[string]struct{}{
	"content-type": {},
}

// StripHopHeaders flattens each header to its first value and removes
// hop-by-hop headers. Name comparison is case-insensitive; the original
// casing of kept names is preserved. The input is not modified.
func StripHopHeaders(headers map[string][]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if _, hop := hopHeaders[strings.ToLower(name)]; hop {
			continue
		}
		if len(values) == 0 {
			continue
		}
		out[name] = values[0]
	}
	return out
}

// AllowInbound restricts an already-flattened header set to the inbound
// allow-list.
func AllowInbound(headers map[string]string) map[string]string {
	out := make(map[string]string, len(inboundAllowed))
	for name, value := range headers {
		if _, ok := inboundAllowed[strings.ToLower(name)]; ok {
			out[name] = value
		}
	}
	return out
}
