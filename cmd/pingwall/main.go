package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sidcorp-team/pingwall/internal/gateway"
	"github.com/sidcorp-team/pingwall/internal/limiter"
	"github.com/sidcorp-team/pingwall/internal/notify"
	"github.com/sidcorp-team/pingwall/internal/policy"
	"github.com/sidcorp-team/pingwall/internal/route"
	"github.com/sidcorp-team/pingwall/internal/server"
	"github.com/sidcorp-team/pingwall/internal/tlsterm"
	"github.com/sidcorp-team/pingwall/pkg/config"
	"github.com/sidcorp-team/pingwall/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// listenerPlan is one distinct listener port found across domain entries
// (443 for domains with an ssl block, 80 otherwise), carrying whether it
// must terminate TLS and which domains live on it.
type listenerPlan struct {
	port    string
	tls     bool
	domains []config.DomainCfg
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	switch strings.ToLower(getenv("LOG_LEVEL", "info")) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to pingwall YAML configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Error().Err(err).Msg("configuration invalid")
		os.Exit(1)
	}

	idx, err := buildIndex(cfg)
	if err != nil {
		log.Error().Err(err).Msg("configuration invalid")
		os.Exit(1)
	}

	plans, err := buildListenerPlans(cfg)
	if err != nil {
		log.Error().Err(err).Msg("configuration invalid")
		os.Exit(1)
	}

	metrics.Register(prometheus.DefaultRegisterer)
	sink := metrics.PrometheusSink{}

	lim := limiter.New(limiter.Config{})
	lim.Run()
	defer lim.Close()

	notifier := notify.New(notify.Config{BlockURL: cfg.BlockURL, APIKey: cfg.APIKey}, sink)
	notifier.Run()
	defer notifier.Close()

	gaugeStop := make(chan struct{})
	defer close(gaugeStop)
	go reportLimiterSize(lim, sink, gaugeStop)

	var servers []*http.Server
	for _, plan := range plans {
		gw := gateway.New(idx, lim, notifier, sink, gateway.Config{
			UseCloudflare: cfg.UseCloudflare,
			ListenerPort:  plan.port,
		})
		router := server.NewRouter(gw)

		addr := ":" + plan.port
		srv := &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		if plan.tls {
			resolver, err := buildTLSResolver(plan.domains)
			if err != nil {
				log.Error().Err(err).Str("port", plan.port).Msg("tls configuration invalid")
				os.Exit(1)
			}
			srv.TLSConfig = resolver.TLSConfig()
		}
		servers = append(servers, srv)
	}

	metricsRouter := server.NewMetricsRouter()
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}
	servers = append(servers, metricsSrv)

	for _, srv := range servers {
		srv := srv
		go func() {
			log.Info().Str("addr", srv.Addr).Bool("tls", srv.TLSConfig != nil).Msg("listening")
			var serveErr error
			if srv.TLSConfig != nil {
				serveErr = srv.ListenAndServeTLS("", "")
			} else {
				serveErr = srv.ListenAndServe()
			}
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				log.Error().Err(serveErr).Str("addr", srv.Addr).Msg("listener bind failure")
				os.Exit(2)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown requested; draining")
	server.SetDraining(true)

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shCtx); err != nil {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("server shutdown did not complete in time; forcing close")
			_ = srv.Close()
		}
	}
	log.Info().Msg("pingwall exited")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// reportLimiterSize periodically publishes the limiter's tracked-key count
// so the soft-cap in spec §5 is observable at GET /metrics.
func reportLimiterSize(lim *limiter.Limiter, sink metrics.PrometheusSink, stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sink.SetLimiterActiveKeys(float64(lim.EntryCount()))
		}
	}
}

// buildIndex turns the validated config into the route.Index used by every
// listener's gateway.
func buildIndex(cfg *config.Config) (*route.Index, error) {
	var entries []*route.RouteEntry
	for _, d := range cfg.Domains {
		port := domainPort(d)
		domainKey := route.NormalizeDomainKey(d.Domain, port)

		for _, r := range d.Routers {
			upstream, err := parseUpstream(r.Upstream)
			if err != nil {
				return nil, fmt.Errorf("domain %s path %s: %w", d.Domain, r.Path, err)
			}
			dk := domainKey
			entries = append(entries, &route.RouteEntry{
				ID:          d.Domain + r.Path,
				Domain:      &dk,
				Path:        r.Path,
				Upstream:    upstream,
				Policy:      config.ResolvedPolicy(cfg, d, r),
				HasUpstream: true,
			})
		}
	}

	global := &route.RouteEntry{
		ID:     "global-default",
		Policy: policy.Policy{MaxReq: cfg.MaxReqPerWindow, WindowSecs: cfg.RateLimitWindowSecs, BlockDurationSecs: cfg.BlockDurationSecs},
	}
	return route.Build(entries, global)
}

func parseUpstream(raw string) (route.UpstreamTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return route.UpstreamTarget{}, fmt.Errorf("invalid upstream %q: %w", raw, err)
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return route.UpstreamTarget{
		Host:     u.Hostname(),
		Port:     port,
		Scheme:   u.Scheme,
		BasePath: strings.TrimSuffix(u.Path, "/"),
	}, nil
}

func domainPort(d config.DomainCfg) string {
	if d.SSL != nil {
		return "443"
	}
	return "80"
}

func buildListenerPlans(cfg *config.Config) ([]listenerPlan, error) {
	byPort := make(map[string]*listenerPlan)
	var order []string
	for _, d := range cfg.Domains {
		port := domainPort(d)
		plan, ok := byPort[port]
		if !ok {
			plan = &listenerPlan{port: port, tls: d.SSL != nil}
			byPort[port] = plan
			order = append(order, port)
		}
		plan.domains = append(plan.domains, d)
	}
	plans := make([]listenerPlan, 0, len(order))
	for _, port := range order {
		plans = append(plans, *byPort[port])
	}
	return plans, nil
}

func buildTLSResolver(domains []config.DomainCfg) (*tlsterm.Resolver, error) {
	var certs []tlsterm.DomainCert
	for _, d := range domains {
		if d.SSL == nil {
			continue
		}
		certs = append(certs, tlsterm.DomainCert{
			SNIName:  d.Domain,
			CertPath: d.SSL.CertPath,
			KeyPath:  d.SSL.KeyPath,
			CAPath:   d.SSL.CAPath,
		})
	}
	return tlsterm.NewResolver(certs)
}
