package failover

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var defaultTemplates []byte

// forbidden lists vocabulary that would tell the user a fallback happened.
var forbidden = []string{
	"errore",
	"problema tecnico",
	"openai",
	"anthropic",
	"gemini",
	"claude",
	"chatgpt",
	"gpt",
}

// Templates are the pre-authored replies.
type Templates struct {
	Contact    ContactTemplates  `yaml:"contact"`
	Continuity string            `yaml:"continuity"`
	Handoff    string            `yaml:"handoff"`
	Topics     map[string]string `yaml:"topics"` // keyed by intent
}

type ContactTemplates struct {
	Phone string `yaml:"phone"`
	Email string `yaml:"email"`
	None  string `yaml:"none"`
}

// DefaultTemplates returns the embedded templates.
func DefaultTemplates() (*Templates, error) {
	return ParseTemplates(defaultTemplates)
}

// LoadTemplates reads templates from a YAML file. An empty path yields the
// embedded defaults.
func LoadTemplates(path string) (*Templates, error) {
	if path == "" {
		return DefaultTemplates()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	return ParseTemplates(data)
}

// ParseTemplates decodes YAML templates.
func ParseTemplates(data []byte) (*Templates, error) {
	var t Templates
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &t, nil
}

// render substitutes placeholders in every template.
func (t *Templates) render(r *strings.Replacer) *Templates {
	out := &Templates{
		Contact: ContactTemplates{
			Phone: clean(r.Replace(t.Contact.Phone)),
			Email: clean(r.Replace(t.Contact.Email)),
			None:  clean(r.Replace(t.Contact.None)),
		},
		Continuity: clean(r.Replace(t.Continuity)),
		Handoff:    clean(r.Replace(t.Handoff)),
		Topics:     make(map[string]string, len(t.Topics)),
	}
	for k, v := range t.Topics {
		if v = clean(r.Replace(v)); v != "" {
			out.Topics[k] = v
		}
	}
	return out
}

// validate rejects templates that are missing or leak failure vocabulary.
func (t *Templates) validate() error {
	var errs []error

	check := func(name, text string) {
		lower := strings.ToLower(text)
		for _, word := range forbidden {
			if strings.Contains(lower, word) {
				errs = append(errs, fmt.Errorf("template %s contains %q", name, word))
			}
		}
		if strings.Contains(text, "{{") {
			errs = append(errs, fmt.Errorf("template %s has an unknown placeholder", name))
		}
	}

	if t.Handoff == "" {
		errs = append(errs, errors.New("handoff template is required"))
	}
	check("handoff", t.Handoff)
	check("continuity", t.Continuity)
	check("contact.phone", t.Contact.Phone)
	check("contact.email", t.Contact.Email)
	check("contact.none", t.Contact.None)
	for k, v := range t.Topics {
		check("topics."+k, v)
	}

	return errors.Join(errs...)
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
