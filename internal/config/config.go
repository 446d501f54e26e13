// Package config loads the router's two YAML sources — the model catalog
// and the provider set — and, via Manager, hot-reloads the provider set's
// operational fields without touching the immutable model catalog.
package config

import (
	"github.com/blueberrycongee/modelrouter/internal/catalog"
)

// Bundle is everything internal/catalog.New needs, loaded from disk.
type Bundle struct {
	Models         []catalog.ModelDescriptor
	GenericAliases map[string]catalog.GenericAliasSpec
	Providers      []catalog.ProviderDescriptor
}

// Load reads models.yaml and providers.yaml and returns the bundle they
// describe. It performs no cross-validation between the two files;
// catalog.New does that when the bundle is handed to it.
func Load(modelsPath, providersPath string) (*Bundle, error) {
	models, generic, err := catalog.LoadModelsFile(modelsPath)
	if err != nil {
		return nil, err
	}

	providers, err := catalog.LoadProvidersFile(providersPath)
	if err != nil {
		return nil, err
	}

	return &Bundle{Models: models, GenericAliases: generic, Providers: providers}, nil
}
