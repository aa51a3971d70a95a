// Package route builds the domain/path match structure described in spec
// §4.B from a validated configuration snapshot, and resolves an inbound
// (host:port, path) pair to a RouteEntry under the documented priority
// bands. Grounded on the teacher's rl.NormalizeRoute longest-prefix scan
// and httpserver.NewRouter's longest-first sort of sub-routes.
package route

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/sidcorp-team/pingwall/internal/pathutil"
	"github.com/sidcorp-team/pingwall/internal/policy"
)

// UpstreamTarget is the resolved forwarding destination for a RouteEntry.
type UpstreamTarget struct {
	Host     string
	Port     string
	Scheme   string // "http" or "https"
	BasePath string // "" if unset
}

func (u UpstreamTarget) URLPrefix() string {
	return fmt.Sprintf("%s://%s:%s", u.Scheme, u.Host, u.Port)
}

// RouteEntry is a fully-resolved route: domain (nil = path-only), path
// prefix, upstream, and effective policy. Immutable once built.
type RouteEntry struct {
	ID       string
	Domain   *string // normalized DomainKey, nil => domain = none
	Path     string
	Upstream UpstreamTarget
	Policy   policy.Policy

	// HasUpstream distinguishes a real route from the synthetic Band 4
	// global default, which carries policy but no upstream and always
	// produces a 404.
	HasUpstream bool
}

// NormalizeDomainKey lowercases host and appends an explicit port: the
// Host header's own port if present, else the listener's port.
func NormalizeDomainKey(hostHeader, listenerPort string) string {
	host := hostHeader
	port := listenerPort
	if h, p, err := net.SplitHostPort(hostHeader); err == nil {
		host = h
		port = p
	}
	return strings.ToLower(host) + ":" + port
}

// Index is the built-once, read-only route match structure.
type Index struct {
	// domained holds, per DomainKey, all entries whose domain matches
	// (Band 1 candidates), sorted longest-path-first.
	domained map[string][]*RouteEntry
	// pathOnly holds Band 2 candidates (domain = none), sorted
	// longest-path-first.
	pathOnly []*RouteEntry
	// domainRoot holds, per DomainKey, the Band 3 fallback ("/" route for
	// that domain), kept distinct from domained for a defensive second
	// lookup pass (see spec §4.B discussion of Band 1 vs Band 3).
	domainRoot map[string]*RouteEntry
	// global is the synthetic Band 4 default; nil only if the caller
	// built an Index without one, which Resolve treats as "no route".
	global *RouteEntry
}

// Build constructs an Index from the full set of routes plus the synthetic
// global default policy. It returns a configuration error if two entries in
// the same band tie on domain+path (spec: "ties... are a configuration
// error detected at load time").
func Build(entries []*RouteEntry, global *RouteEntry) (*Index, error) {
	idx := &Index{
		domained:   make(map[string][]*RouteEntry),
		domainRoot: make(map[string]*RouteEntry),
		global:     global,
	}

	seenDomained := make(map[string]map[string]bool)
	seenPathOnly := make(map[string]bool)

	for _, e := range entries {
		if e.Domain == nil {
			if seenPathOnly[e.Path] {
				return nil, fmt.Errorf("route: duplicate path-only route %q", e.Path)
			}
			seenPathOnly[e.Path] = true
			idx.pathOnly = append(idx.pathOnly, e)
			continue
		}

		dk := *e.Domain
		if seenDomained[dk] == nil {
			seenDomained[dk] = make(map[string]bool)
		}
		if seenDomained[dk][e.Path] {
			return nil, fmt.Errorf("route: duplicate route %q for domain %q", e.Path, dk)
		}
		seenDomained[dk][e.Path] = true

		idx.domained[dk] = append(idx.domained[dk], e)
		if e.Path == "/" {
			idx.domainRoot[dk] = e
		}
	}

	for dk := range idx.domained {
		sortLongestFirst(idx.domained[dk])
	}
	sortLongestFirst(idx.pathOnly)

	return idx, nil
}

func sortLongestFirst(entries []*RouteEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return len(entries[i].Path) > len(entries[j].Path)
	})
}

// Resolve implements the four-band lookup of spec §4.B. ok is false only
// when no band produced a candidate and no global default was configured.
func (idx *Index) Resolve(hostPort, requestPath string) (*RouteEntry, bool) {
	dk := normalizeHostPort(hostPort)

	// Band 1: domain match, any segment-prefix (root included).
	if best := longestMatch(idx.domained[dk], requestPath); best != nil {
		return best, true
	}

	// Band 2: path-only routes.
	if best := longestMatch(idx.pathOnly, requestPath); best != nil {
		return best, true
	}

	// Band 3: the domain's own root fallback (reached only if, for some
	// reason, Band 1's scan above didn't already surface it).
	if e, ok := idx.domainRoot[dk]; ok {
		return e, true
	}

	// Band 4: synthetic global default.
	if idx.global != nil {
		return idx.global, true
	}
	return nil, false
}

func longestMatch(candidates []*RouteEntry, requestPath string) *RouteEntry {
	// candidates is sorted longest-path-first, so the first segment match
	// found is the longest-prefix winner for this band.
	for _, e := range candidates {
		if pathutil.SegmentPrefixMatch(e.Path, requestPath) {
			return e
		}
	}
	return nil
}

// normalizeHostPort lowercases a host:port lookup key. Callers are expected
// to have already resolved the definitive host:port (see NormalizeDomainKey)
// before calling Resolve; this only guards against case drift.
func normalizeHostPort(hostPort string) string {
	return strings.ToLower(hostPort)
}
