// Package gateway wires clientip, route, limiter, notify, and the upstream
// reverse proxy into the single request-handling path from spec §4.F.
// Grounded on the teacher's MakeReverseProxy (Director/ErrorHandler shape,
// originally in cmd/protector/main.go) and its router's per-route
// middleware composition.
package gateway

import (
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sidcorp-team/pingwall/internal/clientip"
	"github.com/sidcorp-team/pingwall/internal/limiter"
	"github.com/sidcorp-team/pingwall/internal/notify"
	"github.com/sidcorp-team/pingwall/internal/pathutil"
	"github.com/sidcorp-team/pingwall/internal/policy"
	"github.com/sidcorp-team/pingwall/internal/route"
)

// MetricsSink is the narrow metrics interface the gateway depends on, so
// core request handling never imports the Prometheus client directly.
type MetricsSink interface {
	IncRequest(routeID, outcome string)
	IncRateLimited(routeID, dimension, verdict string)
	IncUpstreamError(routeID string)
}

type noopSink struct{}

func (noopSink) IncRequest(string, string)          {}
func (noopSink) IncRateLimited(string, string, string) {}
func (noopSink) IncUpstreamError(string)            {}

// Gateway is the single entry point mounted behind the listener's chi
// router: it performs route resolution, rate limiting, and upstream
// forwarding for every request.
type Gateway struct {
	index         *route.Index
	limiter       *limiter.Limiter
	notifier      *notify.Notifier
	sink          MetricsSink
	useCloudflare bool
	listenerPort  string

	workerSem chan struct{}

	proxiesMu sync.RWMutex
	proxies   map[string]*httputil.ReverseProxy // keyed by upstream URLPrefix
}

// Config controls resource caps that are not owned by the route/limiter/
// notify packages themselves.
type Config struct {
	UseCloudflare bool
	ListenerPort  string
	MaxConcurrent int // default 1000, per spec §5
}

func New(idx *route.Index, lim *limiter.Limiter, n *notify.Notifier, sink MetricsSink, cfg Config) *Gateway {
	if sink == nil {
		sink = noopSink{}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1000
	}
	return &Gateway{
		index:         idx,
		limiter:       lim,
		notifier:      n,
		sink:          sink,
		useCloudflare: cfg.UseCloudflare,
		listenerPort:  cfg.ListenerPort,
		workerSem:     make(chan struct{}, cfg.MaxConcurrent),
		proxies:       make(map[string]*httputil.ReverseProxy),
	}
}

// ServeHTTP implements spec §4.F end to end.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case g.workerSem <- struct{}{}:
		defer func() { <-g.workerSem }()
	case <-r.Context().Done():
		return
	}

	hostPort := route.NormalizeDomainKey(r.Host, g.listenerPort)
	entry, ok := g.index.Resolve(hostPort, r.URL.Path)
	if !ok || !entry.HasUpstream {
		g.sink.IncRequest("none", "not_found")
		http.NotFound(w, r)
		return
	}

	clientIP := clientip.Extract(r, g.useCloudflare)
	attrs := requestAttrsFromHeaders(r)
	rules := policy.ApplicableRules(entry.Policy, attrs)

	verdict, match := g.limiter.Admit(entry.ID, clientIP, rules)
	if !verdict.Accepted {
		g.writeRejection(w, r, entry, clientIP, verdict, match)
		return
	}
	g.sink.IncRequest(entry.ID, "accepted")

	g.forward(w, r, entry)
}

func requestAttrsFromHeaders(r *http.Request) policy.RequestAttrs {
	attrs := policy.RequestAttrs{
		ASN:       r.Header.Get("CF-Connecting-ASN"),
		Country:   r.Header.Get("CF-IPCountry"),
		UserAgent: r.Header.Get("User-Agent"),
	}
	if v := r.Header.Get("CF-Threat-Score"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			attrs.ThreatScore = &n
		}
	}
	return attrs
}

func (g *Gateway) writeRejection(w http.ResponseWriter, r *http.Request, entry *route.RouteEntry, clientIP string, v limiter.Verdict, match policy.RuleMatch) {
	verdictLabel := "soft_reject"
	if v.Blocked {
		verdictLabel = "blocked"
	}
	g.sink.IncRateLimited(entry.ID, match.Dimension.String(), verdictLabel)
	g.sink.IncRequest(entry.ID, verdictLabel)

	w.Header().Set("X-Rate-Limit-Limit", strconv.Itoa(v.Limit))
	w.Header().Set("X-Rate-Limit-Remaining", "0")
	if v.Blocked {
		w.Header().Set("X-Rate-Limit-Reset", strconv.Itoa(v.ResetSecs))
	}
	w.Header().Set("X-Rate-Limit-Path", entry.Path)
	w.Header().Set("X-RateLimit-Window", strconv.Itoa(v.WindowSecs))
	w.Header().Set("Retry-After", strconv.Itoa(v.RetryAfterSecs))
	w.WriteHeader(http.StatusTooManyRequests)

	if v.Blocked && g.notifier != nil {
		domain := ""
		if entry.Domain != nil {
			domain = *entry.Domain
		}
		g.notifier.Enqueue(notify.BlockNotice{
			IP:                clientIP,
			Domain:            domain,
			Path:              r.URL.Path,
			RequestURL:        r.URL.String(),
			UserAgent:         r.Header.Get("User-Agent"),
			CurrentCount:      v.Limit,
			MaxRequests:       v.Limit,
			BlockDurationSecs: v.BlockDurationSecs,
			TimestampUTC:      time.Now().UTC(),
		})
	}
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, entry *route.RouteEntry) {
	proxy, err := g.proxyFor(entry)
	if err != nil {
		log.Error().Err(err).Str("route", entry.ID).Msg("invalid upstream target")
		g.sink.IncUpstreamError(entry.ID)
		http.Error(w, "", http.StatusBadGateway)
		return
	}

	rewritten := r.Clone(r.Context())
	rewritten.URL.Path = pathutil.RewritePath(entry.Path, entry.Upstream.BasePath, r.URL.Path)
	if entry.Policy.FollowDomain && entry.Domain != nil {
		rewritten.Host = *entry.Domain
	}

	timeout := time.Duration(entry.Policy.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	rewritten = rewritten.WithContext(ctx)

	proxy.ServeHTTP(w, rewritten)
}

func (g *Gateway) proxyFor(entry *route.RouteEntry) (*httputil.ReverseProxy, error) {
	key := entry.Upstream.URLPrefix()

	g.proxiesMu.RLock()
	p, ok := g.proxies[key]
	g.proxiesMu.RUnlock()
	if ok {
		return p, nil
	}

	target, err := url.Parse(key)
	if err != nil {
		return nil, err
	}

	g.proxiesMu.Lock()
	defer g.proxiesMu.Unlock()
	if p, ok := g.proxies[key]; ok {
		return p, nil
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	routeID := entry.ID
	sink := g.sink
	origDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		origHost := req.Host
		client := req.RemoteAddr
		if host, _, err := net.SplitHostPort(client); err == nil && host != "" {
			client = host
		}
		xff := req.Header.Get("X-Forwarded-For")

		origDirector(req)

		if xff == "" {
			req.Header.Set("X-Forwarded-For", client)
		} else {
			req.Header.Set("X-Forwarded-For", xff+", "+client)
		}
		req.Header.Set("X-Forwarded-Host", origHost)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error) {
		log.Warn().Err(err).Str("route", routeID).Msg("upstream error")
		sink.IncUpstreamError(routeID)
		w.WriteHeader(http.StatusBadGateway)
	}

	g.proxies[key] = proxy
	return proxy, nil
}
