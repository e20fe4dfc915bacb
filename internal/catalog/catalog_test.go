package catalog

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/rawblock/inference-gateway/pkg/models"
)

type fakeRates struct{ usdPerSat float64 }

func (f fakeRates) UsdPerSat() float64 { return f.usdPerSat }

type fakeSource struct {
	up     models.Upstream
	models []models.Model
	err    error
}

func (f *fakeSource) Upstream() models.Upstream { return f.up }
func (f *fakeSource) FetchModels(ctx context.Context) ([]models.Model, error) {
	return f.models, f.err
}

func TestRefresh_AppliesFeeAndSatsPricing(t *testing.T) {
	c := New(fakeRates{usdPerSat: 0.001}, nil)
	src := &fakeSource{
		up: models.Upstream{ID: "oai", Provider: models.ProviderOpenAI, Enabled: true, ProviderFee: 1.01},
		models: []models.Model{
			{ID: "openai/gpt-test", Pricing: models.Pricing{Prompt: 1, Completion: 2}, ContextLength: 100},
		},
	}

	if err := c.Refresh(context.Background(), src); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	got := c.Models("oai")
	if len(got) != 1 {
		t.Fatalf("Expected 1 model, got %d", len(got))
	}
	m := got[0]
	if math.Abs(m.Pricing.Prompt-1.01) > 1e-9 {
		t.Errorf("Fee-adjusted prompt = %v, want 1.01", m.Pricing.Prompt)
	}
	// sats = usd / usdPerSat
	if math.Abs(m.SatsPricing.Prompt-1010) > 1e-6 {
		t.Errorf("SatsPricing.Prompt = %v, want 1010", m.SatsPricing.Prompt)
	}
	if m.MaxCost == 0 {
		t.Errorf("Expected derived MaxCost on cached model")
	}
	if m.UpstreamID != "oai" {
		t.Errorf("UpstreamID = %q, want oai", m.UpstreamID)
	}
}

type settableRates struct{ usdPerSat float64 }

func (s *settableRates) UsdPerSat() float64 { return s.usdPerSat }

func TestRefresh_DeferredUntilRateKnown(t *testing.T) {
	rates := &settableRates{}
	c := New(rates, nil)
	src := &fakeSource{
		up:     models.Upstream{ID: "oai", Provider: models.ProviderOpenAI, ProviderFee: 1.0},
		models: []models.Model{{ID: "openai/gpt-test", Pricing: models.Pricing{Prompt: 1}}},
	}

	if err := c.Refresh(context.Background(), src); err == nil {
		t.Fatalf("Refresh without an exchange rate must fail")
	}
	if len(c.Models("oai")) != 0 {
		t.Fatalf("No snapshot may be cached before a rate exists")
	}

	rates.usdPerSat = 0.001
	if err := c.Refresh(context.Background(), src); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	got := c.Models("oai")
	if len(got) != 1 {
		t.Fatalf("Expected 1 model, got %d", len(got))
	}
	if got[0].SatsPricing.Prompt <= 0 {
		t.Errorf("Cached model must carry sats pricing, got %v", got[0].SatsPricing.Prompt)
	}
}

func TestRefresh_FailurePreservesSnapshot(t *testing.T) {
	c := New(fakeRates{usdPerSat: 0.001}, nil)
	src := &fakeSource{
		up:     models.Upstream{ID: "oai", Provider: models.ProviderOpenAI},
		models: []models.Model{{ID: "openai/gpt-test", Pricing: models.Pricing{Prompt: 1}}},
	}
	if err := c.Refresh(context.Background(), src); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	src.err = errors.New("upstream down")
	if err := c.Refresh(context.Background(), src); err == nil {
		t.Fatalf("Expected refresh error")
	}
	if len(c.Models("oai")) != 1 {
		t.Errorf("Failed refresh must keep the previous snapshot")
	}
}

func TestRefresh_OverridesReplaceAndSuppress(t *testing.T) {
	overrides := func(ctx context.Context, upstreamID string) (map[string]Override, error) {
		return map[string]Override{
			"openai/gpt-cheap": {
				Enabled: true,
				Model:   models.Model{ID: "openai/gpt-cheap", Pricing: models.Pricing{Prompt: 0.5}},
			},
			"openai/gpt-gone": {Enabled: false},
		}, nil
	}
	c := New(fakeRates{usdPerSat: 0.001}, overrides)
	src := &fakeSource{
		up: models.Upstream{ID: "oai", Provider: models.ProviderOpenAI, ProviderFee: 1.0},
		models: []models.Model{
			{ID: "openai/gpt-cheap", Pricing: models.Pricing{Prompt: 99}},
			{ID: "openai/gpt-gone", Pricing: models.Pricing{Prompt: 1}},
			{ID: "openai/gpt-plain", Pricing: models.Pricing{Prompt: 1}},
		},
	}

	if err := c.Refresh(context.Background(), src); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	got := c.Models("oai")
	if len(got) != 2 {
		t.Fatalf("Expected override suppression to leave 2 models, got %d", len(got))
	}
	for _, m := range got {
		if m.ID == "openai/gpt-cheap" && math.Abs(m.Pricing.Prompt-0.5) > 1e-9 {
			t.Errorf("Override must replace pricing, got prompt %v", m.Pricing.Prompt)
		}
		if m.ID == "openai/gpt-gone" {
			t.Errorf("Disabled override must suppress the model")
		}
	}
}

func TestRefresh_FiltersBlockedModels(t *testing.T) {
	c := New(fakeRates{usdPerSat: 0.001}, nil)
	src := &fakeSource{
		up: models.Upstream{ID: "or", Provider: models.ProviderOpenRouter},
		models: []models.Model{
			{ID: "openrouter/auto"},
			{ID: "meta/llama-3", Pricing: models.Pricing{Prompt: 1}},
		},
	}
	if err := c.Refresh(context.Background(), src); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	got := c.Models("or")
	if len(got) != 1 || got[0].ID != "meta/llama-3" {
		t.Errorf("Blocklisted id must be filtered, got %+v", got)
	}
}

// --- Multiplexer ---

func seedCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := New(fakeRates{usdPerSat: 0.001}, nil)
	sources := []*fakeSource{
		{
			up: models.Upstream{ID: "oai", Provider: models.ProviderOpenAI, ProviderFee: 1.0},
			models: []models.Model{
				{ID: "openai/gpt-5", Pricing: models.Pricing{Prompt: 0.002, Completion: 0.004}},
				{
					ID:      "openai/gpt-4o-mini",
					Slug:    "openai/gpt-4o-mini-slug",
					Aliases: []string{"mini"},
					Pricing: models.Pricing{Prompt: 0.001, Completion: 0.002},
				},
			},
		},
		{
			up: models.Upstream{ID: "or", Provider: models.ProviderOpenRouter, ProviderFee: 1.0},
			models: []models.Model{
				{ID: "openai/gpt-4o-mini", Pricing: models.Pricing{Prompt: 0.001, Completion: 0.002}},
				{ID: "meta/llama-3", Pricing: models.Pricing{Prompt: 0.0001, Completion: 0.0001}},
			},
		},
	}
	for _, src := range sources {
		if err := c.Refresh(context.Background(), src); err != nil {
			t.Fatalf("Refresh(%s) error: %v", src.up.ID, err)
		}
	}
	return c
}

func TestResolve_ExactAndPrefixStripped(t *testing.T) {
	c := seedCatalog(t)

	for _, id := range []string{"openai/gpt-4o-mini", "gpt-4o-mini"} {
		res, err := c.Resolve(id)
		if err != nil {
			t.Fatalf("Resolve(%q) error: %v", id, err)
		}
		if res.Model.ID != "openai/gpt-4o-mini" {
			t.Errorf("Resolve(%q) model = %s", id, res.Model.ID)
		}
	}
}

func TestResolve_OpenRouterPenaltyPrefersDirectProvider(t *testing.T) {
	c := seedCatalog(t)
	res, err := c.Resolve("gpt-4o-mini")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.Upstream.ID != "oai" {
		t.Errorf("Equal pricing must prefer the direct provider, got %s", res.Upstream.ID)
	}
}

func TestResolve_PinnedUpstream(t *testing.T) {
	c := seedCatalog(t)
	res, err := c.Resolve("or/gpt-4o-mini")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.Upstream.ID != "or" {
		t.Errorf("Pinned form must select the named upstream, got %s", res.Upstream.ID)
	}
}

func TestResolve_DatedSuffixAlias(t *testing.T) {
	c := seedCatalog(t)
	res, err := c.Resolve("gpt-5-2030-05-01")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.Model.ID != "openai/gpt-5" {
		t.Errorf("Dated alias resolved to %s, want openai/gpt-5", res.Model.ID)
	}
}

func TestResolve_SlugAndAliasList(t *testing.T) {
	c := seedCatalog(t)

	res, err := c.Resolve("gpt-4o-mini-slug")
	if err != nil {
		t.Fatalf("Resolve(slug) error: %v", err)
	}
	if res.Model.ID != "openai/gpt-4o-mini" {
		t.Errorf("Slug resolved to %s", res.Model.ID)
	}

	res, err = c.Resolve("mini")
	if err != nil {
		t.Fatalf("Resolve(alias) error: %v", err)
	}
	if res.Model.ID != "openai/gpt-4o-mini" {
		t.Errorf("Alias resolved to %s", res.Model.ID)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	c := seedCatalog(t)
	first, err := c.Resolve("gpt-4o-mini")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	second, err := c.Resolve(first.Model.ID)
	if err != nil {
		t.Fatalf("Resolve(canonical) error: %v", err)
	}
	if second.Upstream.ID != first.Upstream.ID || second.Model.ID != first.Model.ID {
		t.Errorf("Resolving the canonical id must be stable: %v vs %v", first, second)
	}
}

func TestResolve_UnknownModel(t *testing.T) {
	c := seedCatalog(t)
	_, err := c.Resolve("not-a-model")
	pe, ok := err.(*models.ProxyError)
	if !ok || pe.Type != models.ErrTypeInvalidModel {
		t.Errorf("Expected invalid_model error, got %v", err)
	}
}

func TestResolve_CheapestWinsWithinPriority(t *testing.T) {
	c := New(fakeRates{usdPerSat: 0.001}, nil)
	sources := []*fakeSource{
		{
			up:     models.Upstream{ID: "a", Provider: models.ProviderGroq, ProviderFee: 1.0},
			models: []models.Model{{ID: "meta/llama-3", Pricing: models.Pricing{Prompt: 0.002}}},
		},
		{
			up:     models.Upstream{ID: "b", Provider: models.ProviderFireworks, ProviderFee: 1.0},
			models: []models.Model{{ID: "meta/llama-3", Pricing: models.Pricing{Prompt: 0.001}}},
		},
	}
	for _, src := range sources {
		if err := c.Refresh(context.Background(), src); err != nil {
			t.Fatalf("Refresh() error: %v", err)
		}
	}

	res, err := c.Resolve("llama-3")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.Upstream.ID != "b" {
		t.Errorf("Expected the cheaper upstream b, got %s", res.Upstream.ID)
	}
}
