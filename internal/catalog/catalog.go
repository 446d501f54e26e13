// Package catalog implements the Model Catalog: canonical model ids,
// declared and generic aliases, and the provider index used to turn a
// resolved model token into a list of candidate (provider, model) bindings.
package catalog

import (
	"fmt"
	"strings"

	llmerrors "github.com/blueberrycongee/modelrouter/pkg/errors"
)

// builtinGenericAliases are the tier tokens recognized regardless of what
// the models YAML declares. A user-supplied generic_aliases entry with the
// same name overrides the built-in.
var builtinGenericAliases = map[string]GenericAliasSpec{
	"best":       {MinTier: intPtr(1)},
	"best-large": {Tier: intPtr(3)},
	"best-small": {Tier: intPtr(1)},
	"fast":       {Tier: intPtr(1)},
	"70b":        {Tier: intPtr(3)},
	"32b":        {Tier: intPtr(2)},
	"8b":         {Tier: intPtr(1)},
}

func intPtr(v int) *int { return &v }

// Catalog is the immutable, load-once index over configured models and
// providers. All lookups are read-only after New returns successfully.
type Catalog struct {
	models         map[string]ModelDescriptor    // canonical id -> descriptor
	declaredAlias  map[string]string             // lowercase alias -> canonical id
	genericAliases map[string]GenericAliasSpec   // lowercase name -> spec
	userAliases    map[string]string             // lowercase alias -> canonical id, highest precedence
	providers      []*ProviderDescriptor
	byCanonical    map[string][]Match // canonical id -> matches, precomputed at load
}

// New builds a Catalog from parsed models and providers, validating that
// every provider model record references a known canonical id. userAliases
// are the router construction option's model_aliases, taking precedence
// over both declared and generic aliases; each must name a known canonical
// id or a generic alias token.
func New(models []ModelDescriptor, generic map[string]GenericAliasSpec, providers []ProviderDescriptor, userAliases map[string]string) (*Catalog, error) {
	c := &Catalog{
		models:         make(map[string]ModelDescriptor, len(models)),
		declaredAlias:  make(map[string]string),
		genericAliases: make(map[string]GenericAliasSpec, len(builtinGenericAliases)+len(generic)),
		userAliases:    make(map[string]string, len(userAliases)),
		byCanonical:    make(map[string][]Match),
	}

	for name, spec := range builtinGenericAliases {
		c.genericAliases[strings.ToLower(name)] = spec
	}
	for name, spec := range generic {
		c.genericAliases[strings.ToLower(name)] = spec
	}

	for _, m := range models {
		if m.CanonicalID == "" {
			return nil, &llmerrors.ConfigurationError{Reason: "model descriptor missing canonical id"}
		}
		c.models[m.CanonicalID] = m
		for _, alias := range m.Aliases {
			c.declaredAlias[strings.ToLower(alias)] = m.CanonicalID
		}
	}

	for alias, canonical := range userAliases {
		if _, ok := c.models[canonical]; !ok {
			if _, generic := c.genericAliases[strings.ToLower(canonical)]; !generic {
				return nil, &llmerrors.ConfigurationError{
					Reason: fmt.Sprintf("model alias %q references unknown canonical id %q", alias, canonical),
				}
			}
		}
		c.userAliases[strings.ToLower(alias)] = canonical
	}

	c.providers = make([]*ProviderDescriptor, len(providers))
	for i := range providers {
		p := providers[i]
		c.providers[i] = &p
		for _, rec := range p.Models {
			if _, ok := c.models[rec.CanonicalID]; !ok {
				return nil, &llmerrors.ConfigurationError{
					Reason: fmt.Sprintf("provider %q model record references unknown canonical id %q", p.Name, rec.CanonicalID),
				}
			}
			c.byCanonical[rec.CanonicalID] = append(c.byCanonical[rec.CanonicalID], Match{Provider: c.providers[i], Record: rec})
		}
	}

	return c, nil
}

// Resolve maps a caller-supplied name to either a canonical id or a generic
// alias token, unchanged. Lookup order: user-supplied alias table, then the
// built-in/declared alias map, then a literal canonical id or generic token
// match. Returns the input unchanged if nothing matches.
func (c *Catalog) Resolve(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))

	if canonical, ok := c.userAliases[lower]; ok {
		return canonical
	}
	if canonical, ok := c.declaredAlias[lower]; ok {
		return canonical
	}
	if _, ok := c.models[name]; ok {
		return name
	}
	if _, ok := c.genericAliases[lower]; ok {
		return name
	}
	return name
}

// IsGeneric reports whether name (after case-insensitive normalization) is a
// recognized generic tier token.
func (c *Catalog) IsGeneric(name string) bool {
	_, ok := c.genericAliases[strings.ToLower(name)]
	return ok
}

// GenericConfig returns the tier predicate for a generic alias token.
// Exactly one of tier/minTier is non-nil when ok is true.
func (c *Catalog) GenericConfig(name string) (tier *int, minTier *int, ok bool) {
	spec, found := c.genericAliases[strings.ToLower(name)]
	if !found {
		return nil, nil, false
	}
	return spec.Tier, spec.MinTier, true
}

// ProvidersSupporting returns every (provider, provider-model-record) match
// for a canonical id, in provider declaration order.
func (c *Catalog) ProvidersSupporting(canonicalID string) []Match {
	matches := c.byCanonical[canonicalID]
	out := make([]Match, len(matches))
	copy(out, matches)
	return out
}

// ProvidersMatchingGeneric returns every match whose model tier satisfies
// tier === t (exact) or tier >= t (minimum), depending on which is set.
func (c *Catalog) ProvidersMatchingGeneric(tier, minTier *int) []Match {
	var out []Match
	for canonicalID, matches := range c.byCanonical {
		desc, ok := c.models[canonicalID]
		if !ok {
			continue
		}
		if tier != nil && desc.Tier != *tier {
			continue
		}
		if minTier != nil && desc.Tier < *minTier {
			continue
		}
		out = append(out, matches...)
	}
	return out
}

// ModelTier returns the quality tier for a canonical id, or 0 if unknown.
func (c *Catalog) ModelTier(canonicalID string) int {
	return c.models[canonicalID].Tier
}

// KnowsCanonical reports whether canonicalID is a model this catalog was
// loaded with. Used by config.Manager to reject a provider-config reload
// that references a canonical id outside the immutable catalog.
func (c *Catalog) KnowsCanonical(canonicalID string) bool {
	_, ok := c.models[canonicalID]
	return ok
}

// Provider returns the descriptor for a configured provider by name.
func (c *Catalog) Provider(name string) (*ProviderDescriptor, bool) {
	for _, p := range c.providers {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Providers returns every configured provider descriptor.
func (c *Catalog) Providers() []*ProviderDescriptor {
	out := make([]*ProviderDescriptor, len(c.providers))
	copy(out, c.providers)
	return out
}
