// Package cost converts model metadata and token usage into msat-denominated
// charges. It owns the max-cost derivation for catalog entries, the
// reservation discount heuristic, and the final usage settlement math.
package cost

import (
	"math"

	"github.com/rawblock/inference-gateway/pkg/models"
)

// RateSource yields the effective USD price of one satoshi.
type RateSource interface {
	UsdPerSat() float64
}

// Config selects between fixed and model-based pricing and carries the
// tuning knobs for both.
type Config struct {
	// FixedPricing charges a constant per request instead of per-model rates.
	FixedPricing      bool
	FixedCostMsat     int64   // default 1 sat
	FixedPer1kInSats  float64 // optional flat surcharge per 1k input tokens
	FixedPer1kOutSats float64 // optional flat surcharge per 1k output tokens

	MinRequestMsat   int64   // floor for every reservation and charge
	TolerancePercent float64 // headroom shaved off upper bounds to absorb model-side rounding
}

func DefaultConfig() Config {
	return Config{
		FixedCostMsat:  1000,
		MinRequestMsat: 1,
	}
}

type Engine struct {
	cfg   Config
	rates RateSource
}

func NewEngine(cfg Config, rates RateSource) *Engine {
	if cfg.FixedCostMsat <= 0 {
		cfg.FixedCostMsat = 1000
	}
	if cfg.MinRequestMsat <= 0 {
		cfg.MinRequestMsat = 1
	}
	return &Engine{cfg: cfg, rates: rates}
}

func (e *Engine) Config() Config { return e.cfg }

// DeriveMaxCosts fills the USD ceilings on a model from its pricing and
// token limits. Preference order: top-provider limits, the model's own
// context length, then a heuristic envelope.
func DeriveMaxCosts(m *models.Model) {
	p := m.Pricing
	var cl, mct int64
	if m.TopProvider != nil {
		cl = m.TopProvider.ContextLength
		mct = m.TopProvider.MaxCompletionTokens
	}
	if cl == 0 && mct == 0 {
		cl = m.ContextLength
	}

	switch {
	case cl > 0 && mct > 0 && cl <= mct:
		m.MaxPromptCost = float64(cl) * p.Prompt
		m.MaxCompletionCost = float64(cl) * p.Completion
		m.MaxCost = float64(cl) * math.Max(p.Prompt, p.Completion)
	case cl > 0 && mct > 0:
		m.MaxPromptCost = float64(cl) * p.Prompt
		m.MaxCompletionCost = float64(mct) * p.Completion
		m.MaxCost = float64(cl-mct)*p.Prompt + float64(mct)*p.Completion
	case cl > 0:
		m.MaxPromptCost = float64(cl) * p.Prompt
		m.MaxCompletionCost = float64(cl) * p.Completion
		m.MaxCost = float64(cl) * math.Max(p.Prompt, p.Completion)
	case mct > 0:
		m.MaxPromptCost = float64(mct) * p.Prompt
		m.MaxCompletionCost = float64(mct) * p.Completion
		m.MaxCost = float64(mct) * p.Completion
	default:
		// Envelope for models that publish no limits at all.
		m.MaxCost = p.Prompt*1_000_000 + p.Completion*32_000 + p.Request*100_000 +
			p.Image*100 + p.WebSearch*1_000 + p.InternalReasoning*100
		m.MaxPromptCost = p.Prompt * 1_000_000
		m.MaxCompletionCost = p.Completion * 32_000
	}
}

// MaxCostMsat is the un-discounted reservation ceiling for one request
// against the model, in msat.
func (e *Engine) MaxCostMsat(m *models.Model) int64 {
	if e.cfg.FixedPricing {
		return e.fixedCost(0, 0).TotalMsat
	}
	msat := int64(math.Ceil(m.MaxCost * satsScale(m) * 1000))
	if msat < e.cfg.MinRequestMsat {
		msat = e.cfg.MinRequestMsat
	}
	return msat
}

// Reservation computes the discounted amount to hold for a request:
// the model ceiling minus whatever headroom the declared max_tokens and the
// estimated prompt size guarantee will go unused.
func (e *Engine) Reservation(m *models.Model, req *models.ChatRequest, promptTokens int64) int64 {
	if e.cfg.FixedPricing {
		return e.fixedCost(promptTokens, req.DeclaredMaxTokens()).TotalMsat
	}

	scale := satsScale(m)
	reserved := float64(m.MaxCost) * scale * 1000 // msat

	shave := 1 - e.cfg.TolerancePercent/100

	// Prompt headroom: the prompt can never cost more than its estimated
	// token count, so the gap below the prompt ceiling is guaranteed unspent.
	promptCapSats := m.MaxPromptCost * scale * shave
	promptEstSats := float64(promptTokens) * m.SatsPricing.Prompt
	if promptCapSats > promptEstSats {
		reserved -= (promptCapSats - promptEstSats) * 1000
	}

	// Completion headroom from the declared max_tokens.
	if n := req.DeclaredMaxTokens(); n > 0 {
		completionCapSats := m.MaxCompletionCost * scale * shave
		completionEstSats := float64(n) * m.SatsPricing.Completion
		if completionCapSats > completionEstSats {
			reserved -= (completionCapSats - completionEstSats) * 1000
		}
	}

	msat := int64(math.Ceil(reserved))
	if msat < e.cfg.MinRequestMsat {
		msat = e.cfg.MinRequestMsat
	}
	return msat
}

// FromUsage settles the final charge. A nil usage means the upstream never
// produced a usage block: the conservative fallback charges the full
// reservation.
func (e *Engine) FromUsage(m *models.Model, usage *models.Usage, reservedMsat int64) models.TokenCost {
	if usage == nil {
		return models.TokenCost{TotalMsat: reservedMsat}
	}
	folded := usage.Folded()

	if e.cfg.FixedPricing {
		return e.fixedCost(folded.PromptTokens, folded.CompletionTokens)
	}

	inputMsat := round3(float64(folded.PromptTokens) / 1000 * m.SatsPricing.Prompt * 1_000_000)
	outputMsat := round3(float64(folded.CompletionTokens) / 1000 * m.SatsPricing.Completion * 1_000_000)
	baseMsat := round3(m.SatsPricing.Request * 1000)

	total := int64(math.Ceil(baseMsat + inputMsat + outputMsat))
	if total < e.cfg.MinRequestMsat {
		total = e.cfg.MinRequestMsat
	}
	return models.TokenCost{
		BaseMsat:   int64(math.Round(baseMsat)),
		InputMsat:  int64(math.Round(inputMsat)),
		OutputMsat: int64(math.Round(outputMsat)),
		TotalMsat:  total,
	}
}

func (e *Engine) fixedCost(inTokens, outTokens int64) models.TokenCost {
	inputMsat := float64(inTokens) / 1000 * e.cfg.FixedPer1kInSats * 1000
	outputMsat := float64(outTokens) / 1000 * e.cfg.FixedPer1kOutSats * 1000
	total := int64(math.Ceil(float64(e.cfg.FixedCostMsat) + inputMsat + outputMsat))
	if total < e.cfg.MinRequestMsat {
		total = e.cfg.MinRequestMsat
	}
	return models.TokenCost{
		BaseMsat:   e.cfg.FixedCostMsat,
		InputMsat:  int64(math.Round(inputMsat)),
		OutputMsat: int64(math.Round(outputMsat)),
		TotalMsat:  total,
	}
}

// satsScale recovers the USD→sats conversion the catalog applied, so the
// derived USD ceilings can be expressed in sats without re-querying the
// oracle (the cached model must stay internally consistent even when the
// rate has moved since the refresh).
func satsScale(m *models.Model) float64 {
	switch {
	case m.Pricing.Prompt > 0:
		return m.SatsPricing.Prompt / m.Pricing.Prompt
	case m.Pricing.Completion > 0:
		return m.SatsPricing.Completion / m.Pricing.Completion
	case m.Pricing.Request > 0:
		return m.SatsPricing.Request / m.Pricing.Request
	default:
		return 0
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
