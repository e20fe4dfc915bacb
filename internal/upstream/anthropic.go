package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rawblock/inference-gateway/pkg/models"
)

const anthropicVersion = "2023-06-01"

// dottedVersions expands the dotted marketing names Anthropic's catalog
// metadata uses into the dated ids the API accepts.
var dottedVersions = map[string]string{
	"claude-sonnet-4.5": "claude-sonnet-4-5-20250929",
	"claude-haiku-4.5":  "claude-haiku-4-5-20251001",
	"claude-opus-4.1":   "claude-opus-4-1-20250805",
	"claude-3.7-sonnet": "claude-3-7-sonnet-20250219",
	"claude-3.5-haiku":  "claude-3-5-haiku-20241022",
	"claude-3.5-sonnet": "claude-3-5-sonnet-20241022",
}

// anthropic uses x-api-key auth and version pinning; the request surface is
// the vendor's OpenAI-compatible layer, so bodies forward unchanged.
type anthropic struct {
	up   models.Upstream
	meta *Metadata
}

func newAnthropic(up models.Upstream, meta *Metadata) *anthropic {
	return &anthropic{up: up, meta: meta}
}

func (a *anthropic) Upstream() models.Upstream { return a.up }

func (a *anthropic) FetchModels(ctx context.Context) ([]models.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(a.up.BaseURL, "/")+"/models", nil)
	if err != nil {
		return nil, err
	}
	a.PrepareHeaders(req.Header, nil)
	resp, err := Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model listing returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	var list struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, err
	}

	out := make([]models.Model, 0, len(list.Data))
	for _, d := range list.Data {
		canonical := "anthropic/" + undate(d.ID)
		m := models.Model{ID: canonical, Name: d.DisplayName, Aliases: []string{d.ID}}
		if a.meta != nil {
			if entry, ok := a.meta.Lookup(ctx, canonical); ok {
				aliases := append(entry.Aliases, d.ID)
				m = entry
				m.ID = canonical
				m.Aliases = aliases
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// undate strips a trailing -YYYYMMDD release stamp from an Anthropic id so
// "claude-sonnet-4-5-20250929" canonicalizes to "claude-sonnet-4-5".
func undate(id string) string {
	i := strings.LastIndex(id, "-")
	if i < 0 || len(id)-i-1 != 8 {
		return id
	}
	for _, r := range id[i+1:] {
		if r < '0' || r > '9' {
			return id
		}
	}
	return id[:i]
}

func (a *anthropic) Endpoint(inboundPath, model string) (string, url.Values) {
	return strings.TrimPrefix(inboundPath, "/v1"), nil
}

func (a *anthropic) PrepareHeaders(out, in http.Header) {
	copyForwardable(out, in)
	out.Set("x-api-key", a.up.APIKey)
	out.Set("anthropic-version", anthropicVersion)
}

// RewriteModel maps canonical and dotted names onto the vendor's wire ids.
// Dated ids pass through untouched.
func (a *anthropic) RewriteModel(id string) string {
	bare := stripProviderPrefix(id)
	if dated, ok := dottedVersions[bare]; ok {
		return dated
	}
	return bare
}

func (a *anthropic) MapError(status int, body []byte, inboundPath string) error {
	return mapErrorResponse(a.up.Provider, status, body, inboundPath)
}
