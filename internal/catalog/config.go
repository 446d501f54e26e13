package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	llmerrors "github.com/blueberrycongee/modelrouter/pkg/errors"
)

// modelsFile is the raw YAML shape of the models source.
type modelsFile struct {
	Models         []ModelDescriptor            `yaml:"models"`
	GenericAliases map[string]GenericAliasSpec `yaml:"generic_aliases"`
}

// providersFile is the raw YAML shape of the providers source.
type providersFile struct {
	Providers []providerConfig `yaml:"providers"`
}

type providerConfig struct {
	Name          string              `yaml:"name"`
	DisplayName   string              `yaml:"display_name"`
	BaseURL       string              `yaml:"base_url"`
	APIKey        string              `yaml:"api_key"`
	Priority      int                 `yaml:"priority"`
	Enabled       *bool               `yaml:"enabled,omitempty"`
	IsFreeCredits bool                `yaml:"is_free_credits"`
	Defaults      RateLimits          `yaml:"defaults"`
	Models        []providerModelSpec `yaml:"models"`
}

type providerModelSpec struct {
	Canonical string      `yaml:"canonical"`
	ID        string      `yaml:"id"`
	Limits    *RateLimits `yaml:"limits,omitempty"`
}

// LoadModelsFile reads and parses the models YAML source. Environment
// variables of the form ${VAR_NAME} are expanded, matching the config
// loading convention used elsewhere in the router.
func LoadModelsFile(path string) ([]ModelDescriptor, map[string]GenericAliasSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read models file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var mf modelsFile
	if err := yaml.Unmarshal([]byte(expanded), &mf); err != nil {
		return nil, nil, fmt.Errorf("parse models file: %w", err)
	}

	for name, spec := range mf.GenericAliases {
		if (spec.Tier == nil) == (spec.MinTier == nil) {
			return nil, nil, &llmerrors.ConfigurationError{
				Reason: fmt.Sprintf("generic alias %q must set exactly one of tier or min_tier", name),
			}
		}
	}

	return mf.Models, mf.GenericAliases, nil
}

// LoadProvidersFile reads and parses the providers YAML source, merging
// per-model limits over provider defaults field-wise.
func LoadProvidersFile(path string) ([]ProviderDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var pf providersFile
	if err := yaml.Unmarshal([]byte(expanded), &pf); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}

	descriptors := make([]ProviderDescriptor, 0, len(pf.Providers))
	for _, p := range pf.Providers {
		if p.Name == "" {
			return nil, &llmerrors.ConfigurationError{Reason: "provider entry missing name"}
		}

		records := make([]ProviderModelRecord, 0, len(p.Models))
		for _, m := range p.Models {
			if m.Canonical == "" || m.ID == "" {
				return nil, &llmerrors.ConfigurationError{
					Reason: fmt.Sprintf("provider %q: model entry missing canonical or id", p.Name),
				}
			}
			limits := RateLimits{}
			if m.Limits != nil {
				limits = *m.Limits
			}
			records = append(records, ProviderModelRecord{
				CanonicalID: m.Canonical,
				ProviderID:  m.ID,
				Limits:      limits.Merge(p.Defaults),
			})
		}

		enabled := true
		if p.Enabled != nil {
			enabled = *p.Enabled
		}

		descriptors = append(descriptors, ProviderDescriptor{
			Name:          p.Name,
			DisplayName:   p.DisplayName,
			BaseURL:       p.BaseURL,
			APIKey:        p.APIKey,
			Priority:      p.Priority,
			Enabled:       enabled,
			IsFreeCredits: p.IsFreeCredits,
			Defaults:      p.Defaults,
			Models:        records,
		})
	}

	return descriptors, nil
}
