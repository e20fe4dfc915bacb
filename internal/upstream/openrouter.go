package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rawblock/inference-gateway/pkg/models"
)

// orCatalog is the OpenRouter /models response shape. Pricing comes as
// decimal strings.
type orCatalog struct {
	Data []orModel `json:"data"`
}

type orModel struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	ContextLength int64               `json:"context_length"`
	CanonicalSlug string              `json:"canonical_slug"`
	Pricing       map[string]string   `json:"pricing"`
	TopProvider   *models.TopProvider `json:"top_provider"`
}

func (m orModel) toModel() models.Model {
	return models.Model{
		ID:            m.ID,
		Name:          m.Name,
		ContextLength: m.ContextLength,
		Slug:          m.CanonicalSlug,
		TopProvider:   m.TopProvider,
		Pricing: models.Pricing{
			Prompt:            parsePrice(m.Pricing["prompt"]),
			Completion:        parsePrice(m.Pricing["completion"]),
			Request:           parsePrice(m.Pricing["request"]),
			Image:             parsePrice(m.Pricing["image"]),
			WebSearch:         parsePrice(m.Pricing["web_search"]),
			InternalReasoning: parsePrice(m.Pricing["internal_reasoning"]),
		},
	}
}

func parsePrice(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}

func fetchOpenRouterCatalog(ctx context.Context, baseURL string) ([]orModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(baseURL, "/")+"/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	var cat orCatalog
	if err := json.Unmarshal(body, &cat); err != nil {
		return nil, err
	}
	return cat.Data, nil
}

// Metadata is a pricing index built from the OpenRouter public catalog.
// Vendors that list model ids but publish no pricing (OpenAI, Groq, ...) are
// enriched through it: their bare ids are joined against the "vendor/id"
// entries here.
type Metadata struct {
	baseURL string
	ttl     time.Duration

	mu      sync.RWMutex
	byID    map[string]models.Model
	fetched time.Time
}

func NewMetadata(baseURL string) *Metadata {
	return &Metadata{baseURL: baseURL, ttl: time.Hour, byID: make(map[string]models.Model)}
}

func (m *Metadata) refresh(ctx context.Context) error {
	raw, err := fetchOpenRouterCatalog(ctx, m.baseURL)
	if err != nil {
		return err
	}
	byID := make(map[string]models.Model, len(raw))
	for _, rm := range raw {
		byID[rm.ID] = rm.toModel()
	}
	m.mu.Lock()
	m.byID = byID
	m.fetched = time.Now()
	m.mu.Unlock()
	return nil
}

// Lookup returns the catalog entry for a canonical "vendor/id", refreshing
// lazily. A stale index is served when the refresh fails.
func (m *Metadata) Lookup(ctx context.Context, id string) (models.Model, bool) {
	m.mu.RLock()
	stale := time.Since(m.fetched) > m.ttl
	entry, ok := m.byID[id]
	m.mu.RUnlock()

	if stale {
		if err := m.refresh(ctx); err == nil {
			m.mu.RLock()
			entry, ok = m.byID[id]
			m.mu.RUnlock()
		}
	}
	return entry, ok
}

// Vendor returns every catalog entry under a "vendor/" namespace.
func (m *Metadata) Vendor(ctx context.Context, vendor string) []models.Model {
	m.mu.RLock()
	stale := time.Since(m.fetched) > m.ttl
	m.mu.RUnlock()
	if stale {
		_ = m.refresh(ctx)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Model
	for id, entry := range m.byID {
		if strings.HasPrefix(id, vendor+"/") {
			out = append(out, entry)
		}
	}
	return out
}

// openRouter forwards to OpenRouter's own OpenAI-compatible API and serves
// its full catalog.
type openRouter struct {
	up models.Upstream
}

func newOpenRouter(up models.Upstream) *openRouter {
	return &openRouter{up: up}
}

func (a *openRouter) Upstream() models.Upstream { return a.up }

func (a *openRouter) FetchModels(ctx context.Context) ([]models.Model, error) {
	raw, err := fetchOpenRouterCatalog(ctx, a.up.BaseURL)
	if err != nil {
		return nil, err
	}
	out := make([]models.Model, 0, len(raw))
	for _, rm := range raw {
		out = append(out, rm.toModel())
	}
	return out, nil
}

func (a *openRouter) Endpoint(inboundPath, model string) (string, url.Values) {
	return strings.TrimPrefix(inboundPath, "/v1"), nil
}

func (a *openRouter) PrepareHeaders(out, in http.Header) {
	copyForwardable(out, in)
	out.Set("Authorization", "Bearer "+a.up.APIKey)
}

// RewriteModel keeps the full "vendor/id" form; that is OpenRouter's wire name.
func (a *openRouter) RewriteModel(id string) string { return id }

func (a *openRouter) MapError(status int, body []byte, inboundPath string) error {
	return mapErrorResponse(a.up.Provider, status, body, inboundPath)
}
