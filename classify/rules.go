package classify

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// Rules is the data-only description of the classifier tables.
type Rules struct {
	Greetings    []string         `yaml:"greetings"`
	HumanRequest []string         `yaml:"human_request"`
	Intents      []IntentRule     `yaml:"intents"`
	Urgency      UrgencyRules     `yaml:"urgency"`
	DeEscalation []string         `yaml:"de_escalation"`
	CompanySize  CompanySizeRules `yaml:"company_size"`
	Budget       BudgetRules      `yaml:"budget"`
	Returning    []string         `yaml:"returning"`
	Geography    GeographyRules   `yaml:"geography"`
}

type IntentRule struct {
	Name     string   `yaml:"name"`
	Priority int      `yaml:"priority"`
	Service  bool     `yaml:"service"` // counts toward service-interest specificity
	Keywords []string `yaml:"keywords"`
}

type UrgencyRules struct {
	Critical []string `yaml:"critical"`
	High     []string `yaml:"high"`
	Medium   []string `yaml:"medium"`
}

type CompanySizeRules struct {
	Phrases         map[string][]string `yaml:"phrases"`
	EmployeePattern string              `yaml:"employee_pattern"`
	Bands           SizeBands           `yaml:"bands"`
}

// SizeBands are inclusive upper bounds on headcount; above Medium is large.
type SizeBands struct {
	Micro  int `yaml:"micro"`
	Small  int `yaml:"small"`
	Medium int `yaml:"medium"`
}

type BudgetRules struct {
	Explicit []string `yaml:"explicit"`
	Inquiry  []string `yaml:"inquiry"`
}

type GeographyRules struct {
	HomeRegion string       `yaml:"home_region"`
	Regions    []RegionRule `yaml:"regions"`
}

type RegionRule struct {
	Name      string         `yaml:"name"`
	Provinces []ProvinceRule `yaml:"provinces"`
}

type ProvinceRule struct {
	Name    string   `yaml:"name"`
	Covered bool     `yaml:"covered"` // served although outside the home region
	Places  []string `yaml:"places"`
}

// Company sizes stored in the companySize slot.
const (
	SizeMicro  = "micro"
	SizeSmall  = "small"
	SizeMedium = "medium"
	SizeLarge  = "large"
)

// Budget signals stored in the budget slot.
const (
	BudgetExplicit = "explicit"
	BudgetInquiry  = "inquiry"
)

// DefaultRules returns the embedded rule tables.
func DefaultRules() (*Rules, error) {
	return ParseRules(defaultRules)
}

// LoadRules reads rule tables from a YAML file. An empty path yields the
// embedded defaults.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes YAML rule tables.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return &r, nil
}

// phraseSet is a list of normalized phrases matched on word boundaries.
type phraseSet []string

func newPhraseSet(phrases []string) phraseSet {
	out := make(phraseSet, 0, len(phrases))
	for _, p := range phrases {
		if n := normalize(p); n != "" {
			out = append(out, n)
		}
	}
	// Longest first so the most specific phrase is tried first.
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// match reports whether any phrase occurs in padded text.
func (ps phraseSet) match(padded string) bool {
	for _, p := range ps {
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}

type compiledIntent struct {
	name     string
	priority int
	service  bool
	keywords phraseSet
}

type place struct {
	name     string
	region   string
	province string
	covered  bool
}

type compiledRules struct {
	greetings    phraseSet
	human        phraseSet
	intents      []compiledIntent
	critical     phraseSet
	high         phraseSet
	medium       phraseSet
	deEscalation phraseSet
	sizes        map[string]phraseSet
	employees    *regexp.Regexp
	bands        SizeBands
	explicit     phraseSet
	inquiry      phraseSet
	returning    phraseSet
	homeRegion   string
	places       []place // longest name first
	priority     map[string]int
	services     map[string]bool
}

func (r *Rules) compile() (*compiledRules, error) {
	var errs []error

	c := &compiledRules{
		greetings:    newPhraseSet(r.Greetings),
		human:        newPhraseSet(r.HumanRequest),
		critical:     newPhraseSet(r.Urgency.Critical),
		high:         newPhraseSet(r.Urgency.High),
		medium:       newPhraseSet(r.Urgency.Medium),
		deEscalation: newPhraseSet(r.DeEscalation),
		sizes:        make(map[string]phraseSet),
		bands:        r.CompanySize.Bands,
		explicit:     newPhraseSet(r.Budget.Explicit),
		inquiry:      newPhraseSet(r.Budget.Inquiry),
		returning:    newPhraseSet(r.Returning),
		homeRegion:   normalize(r.Geography.HomeRegion),
		priority: map[string]int{
			IntentHumanRequest: 100,
			IntentGreeting:     10,
		},
		services: make(map[string]bool),
	}

	if len(c.critical) == 0 {
		errs = append(errs, errors.New("urgency.critical must list at least one marker"))
	}

	seen := make(map[string]bool)
	for _, ir := range r.Intents {
		if ir.Name == "" {
			errs = append(errs, errors.New("intent without a name"))
			continue
		}
		if seen[ir.Name] {
			errs = append(errs, fmt.Errorf("intent %q declared twice", ir.Name))
			continue
		}
		seen[ir.Name] = true
		c.intents = append(c.intents, compiledIntent{
			name:     ir.Name,
			priority: ir.Priority,
			service:  ir.Service,
			keywords: newPhraseSet(ir.Keywords),
		})
		c.priority[ir.Name] = ir.Priority
		c.services[ir.Name] = ir.Service
	}

	for size, phrases := range r.CompanySize.Phrases {
		switch size {
		case SizeMicro, SizeSmall, SizeMedium, SizeLarge:
			c.sizes[size] = newPhraseSet(phrases)
		default:
			errs = append(errs, fmt.Errorf("unknown company size %q", size))
		}
	}
	if p := r.CompanySize.EmployeePattern; p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("employee_pattern: %w", err))
		} else if re.NumSubexp() < 1 {
			errs = append(errs, errors.New("employee_pattern needs a capture group for the count"))
		} else {
			c.employees = re
		}
	}
	b := c.bands
	if c.employees != nil && !(0 < b.Micro && b.Micro < b.Small && b.Small < b.Medium) {
		errs = append(errs, errors.New("company size bands must satisfy 0 < micro < small < medium"))
	}

	for _, region := range r.Geography.Regions {
		rn := normalize(region.Name)
		for _, prov := range region.Provinces {
			pn := normalize(prov.Name)
			for _, name := range prov.Places {
				if n := normalize(name); n != "" {
					c.places = append(c.places, place{name: n, region: rn, province: pn, covered: prov.Covered})
				}
			}
		}
	}
	sort.SliceStable(c.places, func(i, j int) bool { return len(c.places[i].name) > len(c.places[j].name) })

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid rules: %w", errors.Join(errs...))
	}
	return c, nil
}

// normalize lowercases text, strips accents and folds everything that is not
// a letter or digit to single spaces.
func normalize(s string) string {
	// Chained transformers keep state, so build one per call.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, strings.ToLower(s))
	if err != nil {
		folded = strings.ToLower(s)
	}

	var b strings.Builder
	b.Grow(len(folded))
	space := true
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// pad surrounds normalized text with spaces for whole-word matching.
func pad(normalized string) string {
	return " " + normalized + " "
}
