package aliasing

import (
	"log/slog"
	"regexp"
	"strings"
)

type (
	// compiledRule holds a pre-compiled alias pattern and its canonical template.
	compiledRule struct {
		regex     *regexp.Regexp
		canonical string
		variables []string
	}

	// Resolver canonicalizes table names using pattern-based alias rules.
	// Thread-safe for concurrent use (immutable after construction).
	//
	// Pattern syntax:
	//   - {variable} captures one name segment (no ".")
	//   - {variable*} captures across segments (including ".")
	//   - Literal characters match exactly
	//   - First matching rule wins (order matters)
	Resolver struct {
		rules []compiledRule
	}
)

// variableRegex matches {name} or {name*} placeholders in a pattern string.
var variableRegex = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\*?\}`)

// compilePattern converts a pattern string to an anchored regex.
//
// Pattern: "analytics_{env}.{table}" → Regex: ^analytics_(?P<env>[^.]+)\.(?P<table>[^.]+)$.
// Pattern: "prod.{rest*}" → Regex: ^prod\.(?P<rest>.+)$.
func compilePattern(pattern string) (*regexp.Regexp, []string, error) {
	var variables []string

	// QuoteMeta escapes literal segments, including the braces around
	// placeholders; each escaped placeholder is then swapped for its
	// capture group.
	result := regexp.QuoteMeta(pattern)

	for _, match := range variableRegex.FindAllStringSubmatch(pattern, -1) {
		placeholder := match[0] // e.g., "{table}" or "{rest*}"
		varName := match[1]
		greedy := strings.HasSuffix(placeholder, "*}")

		variables = append(variables, varName)

		captureGroup := "(?P<" + varName + ">[^.]+)"
		if greedy {
			captureGroup = "(?P<" + varName + ">.+)"
		}

		result = strings.Replace(result, regexp.QuoteMeta(placeholder), captureGroup, 1)
	}

	regex, err := regexp.Compile("^" + result + "$")
	if err != nil {
		return nil, nil, err
	}

	return regex, variables, nil
}

// substituteVariables replaces {var} placeholders in canonical with captured values.
func substituteVariables(canonical string, captures map[string]string) string {
	result := canonical

	for varName, value := range captures {
		result = strings.ReplaceAll(result, "{"+varName+"}", value)
		result = strings.ReplaceAll(result, "{"+varName+"*}", value)
	}

	return result
}

// NewResolver creates a resolver from config with validation. Rules with an
// empty side or an uncompilable pattern are skipped with a warning, so a
// partially broken config still resolves what it can. A nil or empty config
// yields a passthrough resolver.
func NewResolver(cfg *Config) *Resolver {
	if cfg == nil || len(cfg.TableAliases) == 0 {
		return &Resolver{rules: []compiledRule{}}
	}

	rules := make([]compiledRule, 0, len(cfg.TableAliases))

	for _, alias := range cfg.TableAliases {
		pattern := strings.TrimSpace(alias.Pattern)
		canonical := strings.TrimSpace(alias.Canonical)

		if pattern == "" {
			slog.Warn("Skipping alias rule with empty pattern")

			continue
		}

		if canonical == "" {
			slog.Warn("Skipping alias rule with empty canonical",
				slog.String("pattern", pattern))

			continue
		}

		regex, variables, err := compilePattern(pattern)
		if err != nil {
			slog.Warn("Skipping alias rule with invalid pattern",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()))

			continue
		}

		rules = append(rules, compiledRule{
			regex:     regex,
			canonical: canonical,
			variables: variables,
		})
	}

	return &Resolver{rules: rules}
}

// RuleCount returns the number of compiled alias rules.
func (r *Resolver) RuleCount() int {
	if r == nil {
		return 0
	}

	return len(r.rules)
}

// Resolve rewrites a table name to its canonical form. Names matching no
// rule pass through unchanged. Rules are evaluated in order; first match wins.
func (r *Resolver) Resolve(fqn string) string {
	if canonical, ok := r.Match(fqn); ok {
		return canonical
	}

	return fqn
}

// Match checks whether a table name matches any alias rule.
// Returns (canonical, true) if matched, ("", false) otherwise.
func (r *Resolver) Match(fqn string) (string, bool) {
	if r == nil || len(r.rules) == 0 || fqn == "" {
		return "", false
	}

	for _, rule := range r.rules {
		match := rule.regex.FindStringSubmatch(fqn)
		if match == nil {
			continue
		}

		captures := make(map[string]string)

		for i, name := range rule.regex.SubexpNames() {
			if i > 0 && name != "" && i < len(match) {
				captures[name] = match[i]
			}
		}

		return substituteVariables(rule.canonical, captures), true
	}

	return "", false
}
