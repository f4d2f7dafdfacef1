package classify

import (
	_ "embed"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/normalize"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// PatternRule is a regular expression rule evaluated against the cleaned name.
type PatternRule struct {
	Pattern    string         `yaml:"pattern"`
	Category   model.Category `yaml:"category"`
	Confidence float64        `yaml:"confidence"`
	Reason     string         `yaml:"reason"`

	re *regexp.Regexp
}

// Rules holds the keyword vocabularies and regex rules for the pattern and
// intelligence stages.
type Rules struct {
	KnownBusinesses  []string      `yaml:"known_businesses"`
	Government       []string      `yaml:"government"`
	Insurance        []string      `yaml:"insurance"`
	Banking          []string      `yaml:"banking"`
	InternalTransfer []string      `yaml:"internal_transfer"`
	BusinessSuffixes []string      `yaml:"business_suffixes"`
	BusinessWords    []string      `yaml:"business_words"`
	GovernmentHints  []string      `yaml:"government_hints"`
	PersonalTitles   []string      `yaml:"personal_titles"`
	FirstNames       []string      `yaml:"first_names"`
	Exclusions       []string      `yaml:"exclusions"`
	Patterns         []PatternRule `yaml:"patterns"`

	firstNames map[string]bool
	suffixes   map[string]bool
	titles     map[string]bool
}

// DefaultRules parses the embedded rule set.
func DefaultRules() (*Rules, error) {
	return parseRules(defaultRulesYAML)
}

// LoadRules reads a rule set from a YAML file. An empty path returns the
// embedded defaults.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "classify: read rules %s", path)
	}
	return parseRules(data)
}

func parseRules(data []byte) (*Rules, error) {
	var wrapper struct {
		Rules Rules `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "classify: parse rules")
	}
	r := &wrapper.Rules
	if err := r.compile(); err != nil {
		return nil, err
	}
	return r, nil
}

// compile canonicalizes every vocabulary and compiles the regex rules,
// highest confidence first.
func (r *Rules) compile() error {
	r.KnownBusinesses = canon(r.KnownBusinesses, normalize.Name)
	for _, list := range []*[]string{
		&r.Government, &r.Insurance, &r.Banking, &r.InternalTransfer, &r.BusinessSuffixes,
		&r.BusinessWords, &r.GovernmentHints, &r.PersonalTitles, &r.FirstNames, &r.Exclusions,
	} {
		*list = canon(*list, normalize.Clean)
	}
	r.firstNames = toSet(r.FirstNames)
	r.suffixes = toSet(r.BusinessSuffixes)
	r.titles = toSet(r.PersonalTitles)

	for i := range r.Patterns {
		p := &r.Patterns[i]
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return eris.Wrapf(err, "classify: compile pattern %q", p.Pattern)
		}
		if _, ok := model.ParseCategory(string(p.Category)); !ok {
			return eris.Errorf("classify: pattern %q has unknown category %q", p.Pattern, p.Category)
		}
		p.re = re
	}
	sort.SliceStable(r.Patterns, func(i, j int) bool {
		return r.Patterns[i].Confidence > r.Patterns[j].Confidence
	})
	return nil
}

func canon(list []string, fn func(string) string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = fn(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func toSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, s := range list {
		m[s] = true
	}
	return m
}

// firstKeyword returns the first keyword occurring as a whole-word phrase in
// cleaned, or "".
func firstKeyword(cleaned string, keywords []string) string {
	padded := " " + cleaned + " "
	for _, kw := range keywords {
		if strings.Contains(padded, " "+kw+" ") {
			return kw
		}
	}
	return ""
}
