package retry

import (
	"fmt"
	"regexp"
)

// Tier says whether an error is worth retrying.
type Tier int

const (
	Unknown Tier = iota
	Transient
	Permanent
)

func (t Tier) String() string {
	switch t {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Retryable reports whether a retry can be expected to succeed.
func (t Tier) Retryable() bool {
	return t == Transient
}

// Rules lists the regular expressions (matched case-insensitively) that
// put a message into each tier.
type Rules struct {
	Transient []string `yaml:"transient"`
	Permanent []string `yaml:"permanent"`
}

// DefaultRules returns the built-in indicators. They are tuned examples,
// not an exhaustive list; catalogs may replace them.
func DefaultRules() Rules {
	return Rules{
		Transient: []string{
			`time[d]?\s*out`,
			`deadline exceeded`,
			`connection (?:reset|refused|closed|aborted)`,
			`\b(?:econnreset|econnrefused|etimedout|epipe)\b`,
			`broken pipe`,
			`socket hang up`,
			`rate[ _-]?limit`,
			`\b429\b`,
			`too many requests`,
			`overloaded`,
			`\b50[234]\b`,
			`service unavailable`,
			`bad gateway`,
			`temporarily unavailable`,
		},
		Permanent: []string{
			`\b401\b`,
			`unauthori[sz]ed`,
			`authentication (?:failed|failure|error|required)`,
			`invalid (?:api[ _-]?key|token|credentials)`,
			`\b403\b`,
			`forbidden`,
			`permission denied`,
			`\b404\b`,
			`not found`,
			`\b400\b`,
			`bad request`,
			`invalid (?:input|request|argument|parameter)`,
			`\b422\b`,
		},
	}
}

// Matcher is a compiled Rules set.
type Matcher struct {
	transient []*regexp.Regexp
	permanent []*regexp.Regexp
}

// Compile compiles every rule. The first invalid expression is reported.
func (r Rules) Compile() (*Matcher, error) {
	transient, err := compileAll(r.Transient)
	if err != nil {
		return nil, fmt.Errorf("transient rules: %w", err)
	}
	permanent, err := compileAll(r.Permanent)
	if err != nil {
		return nil, fmt.Errorf("permanent rules: %w", err)
	}
	return &Matcher{transient: transient, permanent: permanent}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Classify assigns a tier to msg. Permanent indicators win over transient
// ones: an authentication failure stays fatal even when it mentions a retry.
func (m *Matcher) Classify(msg string) Tier {
	if m == nil {
		return Unknown
	}
	for _, re := range m.permanent {
		if re.MatchString(msg) {
			return Permanent
		}
	}
	for _, re := range m.transient {
		if re.MatchString(msg) {
			return Transient
		}
	}
	return Unknown
}

var defaultMatcher = mustCompile(DefaultRules())

func mustCompile(r Rules) *Matcher {
	m, err := r.Compile()
	if err != nil {
		panic("retry: default rules: " + err.Error())
	}
	return m
}

// Classify assigns a tier to msg using DefaultRules.
func Classify(msg string) Tier {
	return defaultMatcher.Classify(msg)
}
