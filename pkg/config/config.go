// Package config loads and validates pingwall's YAML configuration file,
// following the teacher's koanf-based Load pattern in pkg/config.
package config

import (
	"fmt"
	"os"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/sidcorp-team/pingwall/internal/policy"
)

// DimRuleCfg mirrors policy.DimRule for YAML decoding; WindowSecs of 0
// means "inherit the owning policy's window_secs", per the scalar desugar
// rule below.
type DimRuleCfg struct {
	MaxReq            int `yaml:"max_req"`
	WindowSecs        int `yaml:"window_secs"`
	BlockDurationSecs int `yaml:"block_duration_secs"`
}

type AdvancedLimitsCfg struct {
	ASNLimits            map[string]DimRuleCfg `yaml:"asn_limits"`
	CountryLimits        map[string]DimRuleCfg `yaml:"country_limits"`
	UserAgentLimits      map[string]DimRuleCfg `yaml:"user_agent_limits"`
	BlockCountries       []string              `yaml:"block_countries"`
	ThreatScoreThreshold *int                  `yaml:"threat_score_threshold"`
}

type SSLCfg struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	CAPath   string `yaml:"ca_path"`
}

type RouterCfg struct {
	Path              string             `yaml:"path"`
	Upstream          string             `yaml:"upstream"`
	MaxReqPerWindow   *int               `yaml:"max_req_per_window"`
	BlockDurationSecs *int               `yaml:"block_duration_secs"`
	TimeoutSecs       *int               `yaml:"timeout_secs"`
	FollowDomain      *bool              `yaml:"follow_domain"`
	AdvancedLimits    *AdvancedLimitsCfg `yaml:"advanced_limits"`
}

type DomainCfg struct {
	Domain      string      `yaml:"domain"`
	TimeoutSecs *int        `yaml:"timeout_secs"`
	SSL         *SSLCfg     `yaml:"ssl"`
	Routers     []RouterCfg `yaml:"routers"`
}

// Config is the top-level configuration file shape.
type Config struct {
	MaxReqPerWindow     int         `yaml:"max_req_per_window"`
	RateLimitWindowSecs int         `yaml:"rate_limit_window_secs"`
	BlockDurationSecs   int         `yaml:"block_duration_secs"`
	TimeoutSecs         int         `yaml:"timeout_secs"`
	UseCloudflare       bool        `yaml:"use_cloudflare"`
	BlockURL            string      `yaml:"block_url"`
	APIKey              string      `yaml:"api_key"`
	MetricsPort         int         `yaml:"metrics_port"`
	Domains             []DomainCfg `yaml:"domains"`
}

// Load reads path (or, if empty, the CONFIG_FILE env var, falling back to
// configs/pingwall.yaml) and validates it. Any error here is a config
// error: main must exit(1) without starting listeners.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		path = "configs/pingwall.yaml"
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	cfg := &Config{
		RateLimitWindowSecs: 60,
		MetricsPort:         9090,
	}
	err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "yaml",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       scalarDimRuleHook,
			Result:           cfg,
			WeaklyTypedInput: true,
			TagName:          "yaml",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// scalarDimRuleHook desugars a bare scalar (e.g. `"US": 200`) into
// {max_req: 200}, per spec's DimRule shorthand; window_secs/
// block_duration_secs stay at their zero value and are resolved by
// ResolvedPolicy/convertDimRules at load time.
func scalarDimRuleHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(DimRuleCfg{}) {
		return data, nil
	}
	switch from.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		v := reflect.ValueOf(data)
		var maxReq int
		if v.CanFloat() {
			maxReq = int(v.Float())
		} else {
			maxReq = int(v.Int())
		}
		return DimRuleCfg{MaxReq: maxReq}, nil
	default:
		return data, nil
	}
}

func (c *Config) validate() error {
	type portState struct {
		tls      bool
		plain    bool
		anyTLS   string
		anyPlain string
	}
	ports := make(map[string]*portState)
	seenRoutes := make(map[string]struct{})

	for _, d := range c.Domains {
		port := "443"
		if d.SSL == nil {
			port = "80"
		}
		ps, ok := ports[port]
		if !ok {
			ps = &portState{}
			ports[port] = ps
		}
		if d.SSL != nil {
			ps.tls = true
			ps.anyTLS = d.Domain
			if d.SSL.CertPath == "" || d.SSL.KeyPath == "" {
				return fmt.Errorf("domain %s: ssl block requires cert_path and key_path", d.Domain)
			}
		} else {
			ps.plain = true
			ps.anyPlain = d.Domain
		}
		if ps.tls && ps.plain {
			return fmt.Errorf("port %s: mixed TLS (%s) and plaintext (%s) domains on the same listener", port, ps.anyTLS, ps.anyPlain)
		}

		for _, r := range d.Routers {
			key := d.Domain + "|" + r.Path
			if _, dup := seenRoutes[key]; dup {
				return fmt.Errorf("duplicate route: domain=%s path=%s", d.Domain, r.Path)
			}
			seenRoutes[key] = struct{}{}
			if r.Upstream == "" {
				return fmt.Errorf("domain %s path %s: upstream is required", d.Domain, r.Path)
			}
		}
	}
	return nil
}

// ResolvedPolicy merges a router's overrides onto the domain-level and
// global defaults, per spec §3's inheritance rule, mirroring the
// teacher's rl.EffectiveLimit override-merge shape.
func ResolvedPolicy(global *Config, domain DomainCfg, router RouterCfg) policy.Policy {
	p := policy.Policy{
		MaxReq:            global.MaxReqPerWindow,
		WindowSecs:        global.RateLimitWindowSecs,
		BlockDurationSecs: global.BlockDurationSecs,
		TimeoutSecs:       global.TimeoutSecs,
	}
	if domain.TimeoutSecs != nil {
		p.TimeoutSecs = *domain.TimeoutSecs
	}
	if router.MaxReqPerWindow != nil {
		p.MaxReq = *router.MaxReqPerWindow
	}
	if router.BlockDurationSecs != nil {
		p.BlockDurationSecs = *router.BlockDurationSecs
	}
	if router.TimeoutSecs != nil {
		p.TimeoutSecs = *router.TimeoutSecs
	}
	if router.FollowDomain != nil {
		p.FollowDomain = *router.FollowDomain
	}
	if router.AdvancedLimits != nil {
		p.Advanced = toAdvancedLimits(*router.AdvancedLimits, p.WindowSecs)
	}
	return p
}

func toAdvancedLimits(a AdvancedLimitsCfg, inheritedWindow int) *policy.AdvancedLimits {
	out := &policy.AdvancedLimits{
		ASNLimits:            convertDimRules(a.ASNLimits, inheritedWindow),
		CountryLimits:        convertDimRules(a.CountryLimits, inheritedWindow),
		UserAgentLimits:      convertDimRules(a.UserAgentLimits, inheritedWindow),
		ThreatScoreThreshold: a.ThreatScoreThreshold,
	}
	if len(a.BlockCountries) > 0 {
		out.BlockCountries = make(map[string]struct{}, len(a.BlockCountries))
		for _, c := range a.BlockCountries {
			out.BlockCountries[c] = struct{}{}
		}
	}
	return out
}

func convertDimRules(in map[string]DimRuleCfg, inheritedWindow int) map[string]policy.DimRule {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]policy.DimRule, len(in))
	for k, v := range in {
		windowSecs := v.WindowSecs
		if windowSecs == 0 {
			windowSecs = inheritedWindow
		}
		out[k] = policy.DimRule{
			MaxReq:            v.MaxReq,
			WindowSecs:        windowSecs,
			BlockDurationSecs: v.BlockDurationSecs,
		}
	}
	return out
}

func MustEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
