package text

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule is one ordered replacement applied to a completed sentence. Rules are
// data, not code, so speech cleanup can be tuned without a rebuild.
type Rule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// DefaultRules mirror the cleanup the companion shipped with: stage
// directions, filler noises, doubled whitespace.
var DefaultRules = []Rule{
	{Pattern: `\*[^*]*\*`, Replacement: ""},
	{Pattern: `\((?:웃음|giggle|laughs?)\)`, Replacement: ""},
	{Pattern: `\b(?:음|uh|um)+[\.\x{2026}]*`, Replacement: ""},
	{Pattern: `\s{2,}`, Replacement: " "},
}

var emotionMarker = regexp.MustCompile(`\[([A-Za-z][A-Za-z _-]*)\]`)

var whitespaceRun = regexp.MustCompile(`\s+`)

// Result is the normalized form of one sentence.
type Result struct {
	Text    string
	Emotion string
}

// Normalizer applies an ordered rule set to completed sentences and extracts
// emotion markers. It is stateless and safe for concurrent use.
type Normalizer struct {
	rules []compiledRule
}

type compiledRule struct {
	pattern     *regexp.Regexp
	replacement string
}

func NewNormalizer(rules []Rule) (*Normalizer, error) {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		if strings.TrimSpace(rule.Pattern) == "" {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: invalid pattern %q: %w", i, rule.Pattern, err)
		}
		compiled = append(compiled, compiledRule{pattern: re, replacement: rule.Replacement})
	}
	return &Normalizer{rules: compiled}, nil
}

// LoadRules reads a YAML rule file of the form:
//
//	rules:
//	  - pattern: '\*[^*]*\*'
//	    replacement: ""
//
// A missing file yields the default rule set.
func LoadRules(path string) ([]Rule, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return doc.Rules, nil
}

// Process applies the rule set, extracts the first emotion marker, collapses
// whitespace, and trims. An empty Text means the caller must skip emission.
func (n *Normalizer) Process(sentence string) Result {
	if sentence == "" {
		return Result{}
	}

	out := sentence
	for _, rule := range n.rules {
		out = rule.pattern.ReplaceAllString(out, rule.replacement)
	}

	var emotion string
	if m := emotionMarker.FindStringSubmatchIndex(out); m != nil {
		emotion = out[m[2]:m[3]]
		out = out[:m[0]] + out[m[1]:]
	}

	out = strings.TrimSpace(whitespaceRun.ReplaceAllString(out, " "))
	return Result{Text: out, Emotion: emotion}
}
