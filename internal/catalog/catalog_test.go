package catalog

import "testing"

func testModels() []ModelDescriptor {
	return []ModelDescriptor{
		{CanonicalID: "llama-3.3-70b", Tier: 3, Family: "llama", Aliases: []string{"llama-70b"}},
		{CanonicalID: "qwen-3-32b", Tier: 2, Family: "qwen"},
		{CanonicalID: "llama-3.1-8b", Tier: 1, Family: "llama"},
	}
}

func testProviders() []ProviderDescriptor {
	return []ProviderDescriptor{
		{
			Name: "A", Enabled: true, Priority: 0,
			Models: []ProviderModelRecord{
				{CanonicalID: "qwen-3-32b", ProviderID: "qwen3-32b-instruct"},
			},
		},
		{
			Name: "B", Enabled: true, Priority: 1,
			Models: []ProviderModelRecord{
				{CanonicalID: "llama-3.3-70b", ProviderID: "llama3.3-70b"},
				{CanonicalID: "llama-3.1-8b", ProviderID: "llama3.1-8b"},
			},
		},
	}
}

func mustCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(testModels(), nil, testProviders(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestResolveDeclaredAlias(t *testing.T) {
	c := mustCatalog(t)
	if got := c.Resolve("llama-70b"); got != "llama-3.3-70b" {
		t.Errorf("Resolve(llama-70b) = %q, want llama-3.3-70b", got)
	}
}

func TestResolveUnknownReturnsUnchanged(t *testing.T) {
	c := mustCatalog(t)
	if got := c.Resolve("mystery-model"); got != "mystery-model" {
		t.Errorf("Resolve(mystery-model) = %q, want unchanged input", got)
	}
}

func TestResolveUserAliasTakesPrecedence(t *testing.T) {
	c, err := New(testModels(), nil, testProviders(), map[string]string{"llama-70b": "llama-3.1-8b"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := c.Resolve("llama-70b"); got != "llama-3.1-8b" {
		t.Errorf("Resolve(llama-70b) = %q, want user override llama-3.1-8b", got)
	}
}

// TestGenericAliasResolution: best-large selects only tier===3 candidates;
// best selects any candidate with tier>=1.
func TestGenericAliasResolution(t *testing.T) {
	c := mustCatalog(t)

	tier, minTier, ok := c.GenericConfig("best-large")
	if !ok || tier == nil || *tier != 3 || minTier != nil {
		t.Fatalf("GenericConfig(best-large) = tier=%v minTier=%v ok=%v, want tier=3", tier, minTier, ok)
	}
	matches := c.ProvidersMatchingGeneric(tier, minTier)
	for _, m := range matches {
		if c.ModelTier(m.Record.CanonicalID) != 3 {
			t.Errorf("best-large matched non-tier-3 model %q", m.Record.CanonicalID)
		}
	}
	if len(matches) != 1 || matches[0].Provider.Name != "B" {
		t.Fatalf("expected exactly provider B for best-large, got %+v", matches)
	}

	_, minTier, ok = c.GenericConfig("best")
	if !ok || minTier == nil || *minTier != 1 {
		t.Fatalf("GenericConfig(best) = minTier=%v ok=%v, want minTier=1", minTier, ok)
	}
	all := c.ProvidersMatchingGeneric(nil, minTier)
	if len(all) != 3 {
		t.Fatalf("expected 3 matches for best (all tiers >= 1), got %d", len(all))
	}
}

func TestValidationFailsOnUnknownCanonicalID(t *testing.T) {
	providers := []ProviderDescriptor{
		{Name: "A", Models: []ProviderModelRecord{{CanonicalID: "does-not-exist", ProviderID: "x"}}},
	}
	if _, err := New(testModels(), nil, providers, nil); err == nil {
		t.Fatal("expected ConfigurationError for unknown canonical id reference")
	}
}

func TestProvidersSupportingReturnsCopy(t *testing.T) {
	c := mustCatalog(t)
	matches := c.ProvidersSupporting("llama-3.3-70b")
	if len(matches) != 1 || matches[0].Provider.Name != "B" {
		t.Fatalf("ProvidersSupporting(llama-3.3-70b) = %+v, want provider B", matches)
	}
}
