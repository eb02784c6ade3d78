package ratelimit

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/benvon/liftlog/internal/models"
	"github.com/benvon/liftlog/internal/validation"
	"gopkg.in/yaml.v3"
)

// Policy is a resolved endpoint policy.
type Policy struct {
	Name                 string
	Kind                 models.PolicyKind
	Limit                int
	AuthLimit            int
	Window               time.Duration
	EnforceInDevelopment bool
}

// DefaultPolicies returns the built-in policies for the API's endpoint classes.
func DefaultPolicies() []models.RateLimitPolicy {
	return []models.RateLimitPolicy{
		{Name: "auth:login", Kind: models.PolicyKindAnonymous, Limit: 10, WindowMs: time.Hour.Milliseconds()},
		{Name: "auth:register", Kind: models.PolicyKindAnonymous, Limit: 5, WindowMs: time.Hour.Milliseconds()},
		{Name: "auth:reset-password", Kind: models.PolicyKindAnonymous, Limit: 3, WindowMs: time.Hour.Milliseconds()},
		{Name: "auth:check", Kind: models.PolicyKindDual, Limit: 10, AuthLimit: 300, WindowMs: time.Minute.Milliseconds()},
		{Name: "auth:edit-user", Kind: models.PolicyKindDual, Limit: 5, AuthLimit: 30, WindowMs: time.Minute.Milliseconds()},
		{Name: "auth:delete", Kind: models.PolicyKindDual, Limit: 3, AuthLimit: 5, WindowMs: time.Hour.Milliseconds()},
		{Name: "workouts:write", Kind: models.PolicyKindDual, Limit: 5, AuthLimit: 60, WindowMs: time.Minute.Milliseconds()},
		{Name: "exercise:create", Kind: models.PolicyKindDual, Limit: 5, AuthLimit: 30, WindowMs: time.Minute.Milliseconds()},
	}
}

// Catalog holds named policies.
type Catalog struct {
	policies map[string]Policy
}

type policyFile struct {
	Policies []models.RateLimitPolicy `yaml:"policies"`
}

// NewCatalog validates defs and resolves them into a catalog. Names must be unique.
func NewCatalog(defs []models.RateLimitPolicy) (*Catalog, error) {
	c := &Catalog{policies: make(map[string]Policy, len(defs))}
	for _, def := range defs {
		p, err := resolvePolicy(def)
		if err != nil {
			return nil, err
		}
		if _, dup := c.policies[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidPolicy, p.Name)
		}
		c.policies[p.Name] = p
	}
	return c, nil
}

// LoadCatalog reads a YAML policy file and layers it over DefaultPolicies.
// An empty path yields the defaults.
func LoadCatalog(path string) (*Catalog, error) {
	defs := DefaultPolicies()
	path = strings.TrimSpace(path)
	if path == "" {
		return NewCatalog(defs)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	overrides, err := ParsePolicies(data)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(defs))
	for i, d := range defs {
		index[d.Name] = i
	}
	seen := make(map[string]bool, len(overrides))
	for _, o := range overrides {
		if seen[o.Name] {
			return nil, fmt.Errorf("%w: duplicate name %q in %s", ErrInvalidPolicy, o.Name, path)
		}
		seen[o.Name] = true
		if i, ok := index[o.Name]; ok {
			defs[i] = o
			continue
		}
		defs = append(defs, o)
	}
	return NewCatalog(defs)
}

// ParsePolicies decodes the YAML policy document.
func ParsePolicies(data []byte) ([]models.RateLimitPolicy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	for i := range f.Policies {
		f.Policies[i].Name = strings.TrimSpace(f.Policies[i].Name)
	}
	return f.Policies, nil
}

// Get returns the policy called name.
func (c *Catalog) Get(name string) (Policy, error) {
	p, ok := c.policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return p, nil
}

// MustGet is Get for bootstrap code; it panics on unknown names.
func (c *Catalog) MustGet(name string) Policy {
	p, err := c.Get(name)
	if err != nil {
		panic(err)
	}
	return p
}

// Policies returns every policy sorted by name.
func (c *Catalog) Policies() []Policy {
	out := make([]Policy, 0, len(c.policies))
	for _, p := range c.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func resolvePolicy(def models.RateLimitPolicy) (Policy, error) {
	if err := validation.Validate.Struct(def); err != nil {
		return Policy{}, fmt.Errorf("%w: %s: %v", ErrInvalidPolicy, def.Name, err)
	}

	p := Policy{
		Name:                 def.Name,
		Kind:                 def.Kind,
		Limit:                def.Limit,
		AuthLimit:            def.AuthLimit,
		Window:               time.Duration(def.WindowMs) * time.Millisecond,
		EnforceInDevelopment: def.EnforceInDevelopment,
	}

	if def.Rate != "" {
		if def.Limit != 0 || def.WindowMs != 0 {
			return Policy{}, fmt.Errorf("%w: %s: rate and limit/windowMs are mutually exclusive", ErrInvalidPolicy, def.Name)
		}
		rate, err := validation.ParseRate(def.Rate)
		if err != nil {
			return Policy{}, fmt.Errorf("%w: %s: %v", ErrInvalidPolicy, def.Name, err)
		}
		p.Limit = int(rate.Limit)
		p.Window = rate.Period
	}

	if p.Kind == models.PolicyKindAnonymous && p.AuthLimit != 0 {
		return Policy{}, fmt.Errorf("%w: %s: authLimit applies to dual policies only", ErrInvalidPolicy, def.Name)
	}
	if p.Kind == models.PolicyKindDual && p.EnforceInDevelopment {
		return Policy{}, fmt.Errorf("%w: %s: dual policies are always enforced", ErrInvalidPolicy, def.Name)
	}

	p.Limit, p.Window = normalize(p.Limit, p.Window)
	if p.Kind == models.PolicyKindDual && p.AuthLimit <= 0 {
		p.AuthLimit = DefaultAuthLimit
	}
	return p, nil
}
