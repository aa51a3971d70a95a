// Package pathutil implements the segment-aware path prefix matching used
// by route resolution: "/api" matches "/api" and "/api/foo" but not "/apiv2".
package pathutil

import "strings"

// SegmentPrefixMatch reports whether prefix is a segment-boundary prefix of
// path. The root prefix "/" matches every path.
func SegmentPrefixMatch(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return path[len(prefix)] == '/'
}

// RewritePath computes the forwarded upstream path for a request matched
// against routePrefix, given the upstream's optional basePath.
//
//   - basePath set: routePrefix is replaced by basePath in the request path.
//   - basePath unset, routePrefix != "/": routePrefix is stripped.
//   - basePath unset, routePrefix == "/": the request path is forwarded as-is
//     (stripping then re-prefixing the root is an identity operation).
func RewritePath(routePrefix, basePath, requestPath string) string {
	stripLen := 0
	if routePrefix != "/" {
		stripLen = len(routePrefix)
	}
	rest := requestPath[stripLen:]
	if rest == "" {
		rest = "/"
	}
	if basePath != "" {
		return strings.TrimSuffix(basePath, "/") + rest
	}
	if routePrefix == "/" {
		return requestPath
	}
	return rest
}
