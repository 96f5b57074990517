package classify

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ptyhive/internal/retry"
)

// Rule is one named regular expression.
//
// For rate-limit rules an optional named group "after" captures the
// suggested wait ("30s", "2 minutes"). For API-error rules Severity grades
// the match and defaults to "error".
type Rule struct {
	Name     string   `yaml:"name"`
	Pattern  string   `yaml:"pattern"`
	Severity Severity `yaml:"severity,omitempty"`
}

// QuestionFilter tunes the generic "line ends with ?" detector.
type QuestionFilter struct {
	MaxProseLength  int      `yaml:"max_prose_length"`
	CommentPrefixes []string `yaml:"comment_prefixes"`
}

// Catalog is the detector table as data. Rules within a family are tried
// in order; the families themselves run in fixed precedence.
type Catalog struct {
	APIErrors  []Rule         `yaml:"api_errors"`
	RateLimits []Rule         `yaml:"rate_limits"`
	Prompts    []Rule         `yaml:"prompts"`
	StatusLine string         `yaml:"status_line"`
	Question   QuestionFilter `yaml:"question"`
	Tiers      retry.Rules    `yaml:"tiers"`

	// IntentTitle selects the window titles that announce a task. A
	// "text" group, when present, is the announced text.
	IntentTitle string `yaml:"intent_title"`
}

// DefaultCatalog returns the built-in detectors.
func DefaultCatalog() Catalog {
	return Catalog{
		APIErrors: []Rule{
			{Name: "auth_error", Pattern: `(?i)authentication_error|invalid x-api-key|oauth token has expired|invalid api key`, Severity: SeverityFatal},
			{Name: "context_overflow", Pattern: `(?i)prompt is too long|context (?:length|window) exceeded|maximum context length`, Severity: SeverityFatal},
			{Name: "overloaded", Pattern: `(?i)overloaded_error|API Error: 529\b`, Severity: SeverityWarning},
			{Name: "api_status", Pattern: `API Error: [45]\d\d\b`, Severity: SeverityError},
			{Name: "invalid_request", Pattern: `(?i)invalid_request_error|request_too_large`, Severity: SeverityError},
			{Name: "openai_status", Pattern: `(?i)\bError code: [45]\d\d\b`, Severity: SeverityError},
			{Name: "openai_exception", Pattern: `\b(?:APIConnectionError|InternalServerError|APITimeoutError)\b`, Severity: SeverityError},
			{Name: "gemini_error", Pattern: `\[GoogleGenerativeAI Error\]|GEMINI_API_ERROR`, Severity: SeverityError},
			{Name: "stream_error", Pattern: `(?i)\bstream (?:error|disconnected|closed unexpectedly)\b`, Severity: SeverityWarning},
		},
		RateLimits: []Rule{
			{Name: "rate_limit_retry", Pattern: `(?i)rate[ _-]?limit\w*.*?(?:retry|try again)(?: after| in)? (?P<after>\d+(?:\.\d+)?\s*(?:ms|milliseconds?|s|secs?|seconds?|m|mins?|minutes?|h|hrs?|hours?))\b`},
			{Name: "usage_limit", Pattern: `(?i)usage limit (?:reached|exceeded)`},
			{Name: "rate_limit", Pattern: `(?i)\brate[ _-]?limit(?:ed|s)?\b`},
			{Name: "too_many_requests", Pattern: `(?i)\b429\b|too many requests`},
			{Name: "quota_exceeded", Pattern: `(?i)quota exceeded|resource[_ ]exhausted`},
		},
		Prompts: []Rule{
			{Name: "yes_no", Pattern: `(?i)[(\[]\s*y(?:es)?\s*/\s*n(?:o)?\s*[)\]]`},
			{Name: "menu_selection", Pattern: `^\s*[❯›>]\s*\d+[.)]\s+\S`},
			{Name: "menu_yes_no", Pattern: `^\s*\d+[.)]\s+(?:Yes|No)\b`},
			{Name: "inquirer", Pattern: `^\?\s+\S`},
			{Name: "confirmation", Pattern: `(?i)\b(?:do you want to (?:proceed|continue|make this edit|create|run|allow)|would you like to (?:proceed|continue)|are you sure)\b`},
			{Name: "press_key", Pattern: `(?i)\bpress (?:enter|return|any key) to continue\b`},
			{Name: "allow_deny", Pattern: `(?i)\ballow\b.*\bdeny\b|\bdeny\b.*\ballow\b`},
		},
		StatusLine:  `^\s*(?:[·✢✳✶✻✽*•∗⏺]\s*)?(?P<task>[^()]{1,80}?)\s*\((?P<time>\d+(?:\.\d+)?\s*[smh](?:\s*\d+\s*[smh])*)(?:\s*·\s*(?P<tokens>[↑↓]?\s*[\d.,]+\s*[kKmM]?\s*tokens?))?[^)]*\)`,
		IntentTitle: `^[\x{2800}-\x{28FF}·✢✳✶✻✽*•∗⏺]\s*(?P<text>\S.*)$`,
		Question: QuestionFilter{
			MaxProseLength:  200,
			CommentPrefixes: []string{"//", "#", "/*", "*", "--", ";", "<!--", "%"},
		},
		Tiers: retry.DefaultRules(),
	}
}

// ParseCatalog decodes YAML on top of DefaultCatalog: sections present in
// data replace the defaults, absent sections keep them.
func ParseCatalog(data []byte) (Catalog, error) {
	cat := DefaultCatalog()
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	return cat, nil
}

// LoadCatalog reads and decodes a catalog file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied catalog path
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

type compiledRule struct {
	name     string
	re       *regexp.Regexp
	severity Severity
	after    int // submatch index of the "after" group, or -1
}

// Patterns is a compiled Catalog. It is immutable and safe to share.
type Patterns struct {
	apiErrors  []compiledRule
	rateLimits []compiledRule
	prompts    []compiledRule
	statusLine *regexp.Regexp
	intent     *regexp.Regexp
	question   QuestionFilter
	tiers      *retry.Matcher
}

// Compile compiles every expression in the catalog.
func (c Catalog) Compile() (*Patterns, error) {
	p := &Patterns{question: c.Question}
	if p.question.MaxProseLength <= 0 {
		p.question.MaxProseLength = DefaultCatalog().Question.MaxProseLength
	}

	var err error
	if p.apiErrors, err = compileRules("api_errors", c.APIErrors); err != nil {
		return nil, err
	}
	for i := range p.apiErrors {
		if p.apiErrors[i].severity == "" {
			p.apiErrors[i].severity = SeverityError
		}
		if !p.apiErrors[i].severity.valid() {
			return nil, fmt.Errorf("api_errors: rule %q: unknown severity %q", p.apiErrors[i].name, p.apiErrors[i].severity)
		}
	}
	if p.rateLimits, err = compileRules("rate_limits", c.RateLimits); err != nil {
		return nil, err
	}
	if p.prompts, err = compileRules("prompts", c.Prompts); err != nil {
		return nil, err
	}
	if c.StatusLine != "" {
		if p.statusLine, err = regexp.Compile(c.StatusLine); err != nil {
			return nil, fmt.Errorf("status_line: %w", err)
		}
	}
	if c.IntentTitle != "" {
		if p.intent, err = regexp.Compile(c.IntentTitle); err != nil {
			return nil, fmt.Errorf("intent_title: %w", err)
		}
	}
	if p.tiers, err = c.Tiers.Compile(); err != nil {
		return nil, fmt.Errorf("tiers: %w", err)
	}
	return p, nil
}

func compileRules(section string, rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("%s: rule without name", section)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%s: rule %q: %w", section, r.Name, err)
		}
		out = append(out, compiledRule{
			name:     r.Name,
			re:       re,
			severity: r.Severity,
			after:    re.SubexpIndex("after"),
		})
	}
	return out, nil
}

// MustCompileDefault compiles DefaultCatalog and panics on failure.
func MustCompileDefault() *Patterns {
	p, err := DefaultCatalog().Compile()
	if err != nil {
		panic("classify: default catalog: " + err.Error())
	}
	return p
}

// Tier classifies an error message with the catalog's tier rules.
func (p *Patterns) Tier(msg string) retry.Tier {
	return p.tiers.Classify(msg)
}

var unitPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([a-z]+)$`)

// parseRetryAfter converts "30s", "2 minutes", "1.5 h" to a duration.
// Anything it cannot read exactly is reported as malformed.
func parseRetryAfter(text string) (time.Duration, bool) {
	m := unitPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(text)))
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil || n < 0 {
		return 0, false
	}

	var unit time.Duration
	switch m[2] {
	case "ms", "millisecond", "milliseconds":
		unit = time.Millisecond
	case "s", "sec", "secs", "second", "seconds":
		unit = time.Second
	case "m", "min", "mins", "minute", "minutes":
		unit = time.Minute
	case "h", "hr", "hrs", "hour", "hours":
		unit = time.Hour
	default:
		return 0, false
	}

	d := n * float64(unit)
	if d > float64(maxRetryAfter) {
		return 0, false
	}
	return time.Duration(d), true
}

// maxRetryAfter bounds parsed waits; larger captures are treated as garbage.
const maxRetryAfter = 7 * 24 * time.Hour
