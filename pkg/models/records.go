package models

// Credential is a payer's ledger row, addressed by a stable hash of the
// bearer secret. All monetary fields are millisatoshis.
type Credential struct {
	Hash           string `json:"hash"`
	BalanceMsat    int64  `json:"balanceMsat"`
	ReservedMsat   int64  `json:"reservedMsat"`
	TotalSpentMsat int64  `json:"totalSpentMsat"`
	TotalRequests  int64  `json:"totalRequests"`
	RefundAddress  string `json:"refundAddress,omitempty"`
	RefundMint     string `json:"refundMint,omitempty"`
	RefundCurrency string `json:"refundCurrency,omitempty"`
	ExpiryTime     int64  `json:"expiryTime,omitempty"` // unix seconds, 0 = never
	ParentHash     string `json:"parentHash,omitempty"` // set on sub-credentials
}

// AvailableMsat is the only quantity a new reservation may draw from.
func (c *Credential) AvailableMsat() int64 {
	return c.BalanceMsat - c.ReservedMsat
}

// IsSubCredential reports whether ledger operations must be mirrored on a parent row.
func (c *Credential) IsSubCredential() bool {
	return c.ParentHash != ""
}

// ShortHash truncates a credential hash for log lines and event payloads.
// Hashes shorter than the prefix pass through unchanged.
func ShortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

// Provider type tags. Closed set; anything else is rejected on upstream creation.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
	ProviderAzure      = "azure"
	ProviderOllama     = "ollama"
	ProviderGroq       = "groq"
	ProviderFireworks  = "fireworks"
	ProviderPerplexity = "perplexity"
	ProviderXAI        = "xai"
	ProviderGemini     = "gemini"
	ProviderPPQ        = "ppqai"
	ProviderGeneric    = "generic"
	ProviderCustom     = "custom"
)

// Upstream is one concrete AI provider endpoint the gateway forwards to.
type Upstream struct {
	ID          string  `json:"id"`
	Provider    string  `json:"provider"`
	BaseURL     string  `json:"baseUrl"`
	APIKey      string  `json:"-"`
	APIVersion  string  `json:"apiVersion,omitempty"`
	Enabled     bool    `json:"enabled"`
	ProviderFee float64 `json:"providerFee"` // multiplicative markup on USD pricing
}

// DefaultProviderFee returns the markup applied when none is configured.
// OpenRouter already charges its own platform fee, so it carries a higher default.
func DefaultProviderFee(provider string) float64 {
	if provider == ProviderOpenRouter {
		return 1.06
	}
	return 1.01
}

// Pricing holds per-token (or per-unit) USD or sats prices for one model.
type Pricing struct {
	Prompt            float64 `json:"prompt"`
	Completion        float64 `json:"completion"`
	Request           float64 `json:"request"`
	Image             float64 `json:"image"`
	WebSearch         float64 `json:"web_search"`
	InternalReasoning float64 `json:"internal_reasoning"`
}

// Scale returns the pricing with every field multiplied by f.
func (p Pricing) Scale(f float64) Pricing {
	return Pricing{
		Prompt:            p.Prompt * f,
		Completion:        p.Completion * f,
		Request:           p.Request * f,
		Image:             p.Image * f,
		WebSearch:         p.WebSearch * f,
		InternalReasoning: p.InternalReasoning * f,
	}
}

// TopProvider carries the per-top-provider limits some catalogs expose.
type TopProvider struct {
	ContextLength       int64 `json:"context_length,omitempty"`
	MaxCompletionTokens int64 `json:"max_completion_tokens,omitempty"`
}

// Model is one cached catalog entry. Pricing is fee-adjusted USD;
// SatsPricing is the same shape converted through the exchange oracle.
type Model struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	ContextLength int64        `json:"context_length,omitempty"`
	TopProvider   *TopProvider `json:"top_provider,omitempty"`
	Pricing       Pricing      `json:"pricing"`
	SatsPricing   Pricing      `json:"sats_pricing"`

	// Derived USD ceilings, see the cost engine.
	MaxPromptCost     float64 `json:"max_prompt_cost"`
	MaxCompletionCost float64 `json:"max_completion_cost"`
	MaxCost           float64 `json:"max_cost"`

	Enabled    bool     `json:"enabled"`
	UpstreamID string   `json:"upstream_id"`
	Slug       string   `json:"canonical_slug,omitempty"`
	Aliases    []string `json:"alias_ids,omitempty"`
}

// TokenCost is the settled charge for one request, in millisatoshis.
type TokenCost struct {
	BaseMsat   int64 `json:"base_msats"`
	InputMsat  int64 `json:"input_msats"`
	OutputMsat int64 `json:"output_msats"`
	TotalMsat  int64 `json:"total_msats"`
}

// Usage is the narrow slice of an upstream response the gateway actually
// reads. The rest of the body is forwarded verbatim.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens,omitempty"`

	// Some upstreams bill reasoning and image tokens out-of-band.
	ReasoningTokens int64 `json:"reasoning_tokens,omitempty"`
	ImageTokens     int64 `json:"image_tokens,omitempty"`

	CompletionDetails *UsageDetails `json:"completion_tokens_details,omitempty"`
	PromptDetails     *UsageDetails `json:"prompt_tokens_details,omitempty"`
}

// UsageDetails mirrors the OpenAI-style nested token breakdown.
type UsageDetails struct {
	ReasoningTokens int64 `json:"reasoning_tokens,omitempty"`
	ImageTokens     int64 `json:"image_tokens,omitempty"`
	CachedTokens    int64 `json:"cached_tokens,omitempty"`
}

// Folded returns usage with out-of-band reasoning tokens folded into the
// completion count and image tokens into the prompt count. Top-level
// sub-counts are only added when the reported total shows the upstream
// billed them separately; nested OpenAI-style details are informational
// and already included in the parent counts.
func (u Usage) Folded() Usage {
	out := u
	unaccounted := u.TotalTokens - u.PromptTokens - u.CompletionTokens
	if unaccounted > 0 {
		if u.ReasoningTokens > 0 {
			take := min64(u.ReasoningTokens, unaccounted)
			out.CompletionTokens += take
			unaccounted -= take
		}
		if u.ImageTokens > 0 && unaccounted > 0 {
			out.PromptTokens += min64(u.ImageTokens, unaccounted)
		}
	}
	return out
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
