package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

//go:embed routing.yaml
var defaultRoutingYAML []byte

// IntentRule declares the keywords that select one canned-reply intent.
type IntentRule struct {
	Name     domain.Intent `yaml:"name"`
	Priority int           `yaml:"priority"`
	Keywords []string      `yaml:"keywords"`
}

// Routing is the declarative language -> provider order and intent keyword table.
type Routing struct {
	Languages map[domain.Language][]string `yaml:"languages"`
	Intents   []IntentRule                 `yaml:"intents"`
}

var knownProviders = map[string]bool{
	domain.ProviderMistral:    true,
	domain.ProviderOpenAI:     true,
	domain.ProviderOpenRouter: true,
}

// DefaultRouting returns the embedded routing table.
func DefaultRouting() Routing {
	r, err := ParseRouting(defaultRoutingYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded routing.yaml is invalid: %v", err))
	}
	return r
}

// LoadRouting reads a routing table from path, or returns the embedded one when path is empty.
func LoadRouting(path string) (Routing, error) {
	if path == "" {
		return DefaultRouting(), nil
	}
	b, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return Routing{}, fmt.Errorf("op=config.LoadRouting: %w", err)
	}
	r, err := ParseRouting(b)
	if err != nil {
		return Routing{}, fmt.Errorf("op=config.LoadRouting: %w", err)
	}
	return r, nil
}

// ParseRouting decodes and validates a routing table.
func ParseRouting(b []byte) (Routing, error) {
	var r Routing
	if err := yaml.Unmarshal(b, &r); err != nil {
		return Routing{}, fmt.Errorf("decode routing: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Routing{}, err
	}
	sort.SliceStable(r.Intents, func(i, j int) bool { return r.Intents[i].Priority < r.Intents[j].Priority })
	return r, nil
}

// Validate enforces a plan for every supported language and a closed intent set.
func (r Routing) Validate() error {
	for _, lang := range domain.SupportedLanguages {
		if _, ok := r.Languages[lang]; !ok {
			return fmt.Errorf("%w: no provider order for language %q", domain.ErrInvalidArgument, lang)
		}
	}
	for lang, plan := range r.Languages {
		if !lang.Valid() {
			return fmt.Errorf("%w: unsupported language %q", domain.ErrInvalidArgument, lang)
		}
		seen := map[string]bool{}
		for _, p := range plan {
			if !knownProviders[p] {
				return fmt.Errorf("%w: unknown provider %q for language %q", domain.ErrInvalidArgument, p, lang)
			}
			if seen[p] {
				return fmt.Errorf("%w: provider %q listed twice for language %q", domain.ErrInvalidArgument, p, lang)
			}
			seen[p] = true
		}
	}
	priorities := map[int]domain.Intent{}
	names := map[domain.Intent]bool{}
	for _, rule := range r.Intents {
		if !rule.Name.Valid() || rule.Name == domain.IntentDefault {
			return fmt.Errorf("%w: intent %q is not classifiable", domain.ErrInvalidArgument, rule.Name)
		}
		if names[rule.Name] {
			return fmt.Errorf("%w: intent %q declared twice", domain.ErrInvalidArgument, rule.Name)
		}
		if other, dup := priorities[rule.Priority]; dup {
			return fmt.Errorf("%w: intents %q and %q share priority %d", domain.ErrInvalidArgument, other, rule.Name, rule.Priority)
		}
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("%w: intent %q has no keywords", domain.ErrInvalidArgument, rule.Name)
		}
		names[rule.Name] = true
		priorities[rule.Priority] = rule.Name
	}
	return nil
}

// Plan returns the provider order for lang; unknown languages use the default language's order.
func (r Routing) Plan(lang domain.Language) []string {
	plan, ok := r.Languages[lang]
	if !ok {
		plan = r.Languages[domain.DefaultLanguage]
	}
	out := make([]string, len(plan))
	copy(out, plan)
	return out
}
