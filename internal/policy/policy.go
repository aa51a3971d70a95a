// Package policy holds the data shapes shared by route resolution and the
// limiter: the effective per-route policy, its advanced per-dimension
// overrides, and the pure function that expands a policy plus request
// attributes into the ordered list of rate-limit rules to evaluate.
package policy

import "strings"

// Dimension identifies which attribute of the request a DimRule is scoped to.
type Dimension int

const (
	DimBase Dimension = iota
	DimASN
	DimCountry
	DimUserAgent
	DimThreat
)

func (d Dimension) String() string {
	switch d {
	case DimBase:
		return "base"
	case DimASN:
		return "asn"
	case DimCountry:
		return "country"
	case DimUserAgent:
		return "user_agent"
	case DimThreat:
		return "threat"
	default:
		return "unknown"
	}
}

// DimRule is the (max_req, window_secs, block_duration_secs) triple applied
// along one dimension.
type DimRule struct {
	MaxReq            int
	WindowSecs        int
	BlockDurationSecs int
}

// AdvancedLimits is the resolved form of a router's advanced_limits block.
type AdvancedLimits struct {
	ASNLimits             map[string]DimRule
	CountryLimits         map[string]DimRule
	UserAgentLimits       map[string]DimRule
	BlockCountries        map[string]struct{}
	ThreatScoreThreshold  *int
	ThreatBlockDurationSecs int
}

// Policy is the fully-resolved, inheritance-free policy for one route.
type Policy struct {
	MaxReq            int
	WindowSecs        int
	BlockDurationSecs int
	TimeoutSecs       int
	FollowDomain      bool
	Advanced          *AdvancedLimits
}

// RequestAttrs carries the header-derived values the advanced dimensions
// key off of. Empty string / nil means "not present on this request".
type RequestAttrs struct {
	ASN         string
	Country     string
	UserAgent   string
	ThreatScore *int
}

// RuleMatch pairs a DimRule with the dimension and concrete attribute value
// (LimiterKey's DimValue) it was matched under.
type RuleMatch struct {
	Dimension Dimension
	DimValue  string
	Rule      DimRule
}

// uaClassOrder is the fixed classification priority from the spec: the
// first configured class whose substring appears in the User-Agent wins,
// regardless of the order keys appear in configuration.
var uaClassOrder = []string{"bot", "crawler", "spider", "mobile", "chrome", "firefox", "safari", "edge"}

// ClassifyUserAgent returns the configured UA class that matches ua, if any.
func ClassifyUserAgent(ua string, configured map[string]DimRule) (string, bool) {
	if len(configured) == 0 {
		return "", false
	}
	lower := strings.ToLower(ua)
	for _, class := range uaClassOrder {
		if _, ok := configured[class]; !ok {
			continue
		}
		if strings.Contains(lower, class) {
			return class, true
		}
	}
	return "", false
}

// ApplicableRules expands p against the given request attributes into the
// ordered list of DimRules to evaluate, per spec §4.C step 1-2. The base
// rule is always first; evaluation elsewhere short-circuits on first reject.
func ApplicableRules(p Policy, attrs RequestAttrs) []RuleMatch {
	rules := make([]RuleMatch, 0, 4)
	rules = append(rules, RuleMatch{
		Dimension: DimBase,
		DimValue:  "",
		Rule: DimRule{
			MaxReq:            p.MaxReq,
			WindowSecs:        p.WindowSecs,
			BlockDurationSecs: p.BlockDurationSecs,
		},
	})

	adv := p.Advanced
	if adv == nil {
		return rules
	}

	if attrs.ASN != "" {
		if r, ok := adv.ASNLimits[attrs.ASN]; ok {
			rules = append(rules, RuleMatch{Dimension: DimASN, DimValue: attrs.ASN, Rule: r})
		}
	}
	if attrs.Country != "" {
		if r, ok := adv.CountryLimits[attrs.Country]; ok {
			rules = append(rules, RuleMatch{Dimension: DimCountry, DimValue: attrs.Country, Rule: r})
		}
	}
	if class, ok := ClassifyUserAgent(attrs.UserAgent, adv.UserAgentLimits); ok {
		rules = append(rules, RuleMatch{Dimension: DimUserAgent, DimValue: class, Rule: adv.UserAgentLimits[class]})
	}
	if attrs.Country != "" {
		if _, blocked := adv.BlockCountries[attrs.Country]; blocked {
			rules = append(rules, RuleMatch{
				Dimension: DimCountry,
				DimValue:  attrs.Country,
				Rule:      DimRule{MaxReq: 0, WindowSecs: 1, BlockDurationSecs: 86400},
			})
		}
	}
	if adv.ThreatScoreThreshold != nil && attrs.ThreatScore != nil && *attrs.ThreatScore >= *adv.ThreatScoreThreshold {
		dur := adv.ThreatBlockDurationSecs
		if dur <= 0 {
			dur = p.BlockDurationSecs
		}
		rules = append(rules, RuleMatch{
			Dimension: DimThreat,
			DimValue:  "",
			Rule:      DimRule{MaxReq: 0, WindowSecs: 1, BlockDurationSecs: dur},
		})
	}
	return rules
}
