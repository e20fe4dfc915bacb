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

// metadataVendor maps a provider tag to the namespace its models live under
// in the pricing index. Providers that host other vendors' models (Groq,
// Fireworks) list under the original author's namespace, so their ids are
// joined as-is instead.
var metadataVendor = map[string]string{
	models.ProviderOpenAI:     "openai",
	models.ProviderAzure:      "openai",
	models.ProviderPerplexity: "perplexity",
	models.ProviderXAI:        "x-ai",
}

// compatible speaks the plain OpenAI dialect: Bearer auth, /models listing,
// /chat/completions forwarding. It covers OpenAI itself and every vendor
// that clones the API surface. Vendors with a different auth scheme set the
// auth hook.
type compatible struct {
	up        models.Upstream
	meta      *Metadata
	auth      func(h http.Header)
	listQuery url.Values
}

func newCompatible(up models.Upstream, meta *Metadata) *compatible {
	return &compatible{up: up, meta: meta}
}

func (a *compatible) Upstream() models.Upstream { return a.up }

// modelList is the OpenAI /models response shape; ids only, no pricing.
type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (a *compatible) listModelIDs(ctx context.Context) ([]string, error) {
	target := strings.TrimRight(a.up.BaseURL, "/") + "/models"
	if len(a.listQuery) > 0 {
		target += "?" + a.listQuery.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
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
	var list modelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list.Data))
	for _, d := range list.Data {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// FetchModels lists the vendor's ids and joins pricing and context limits
// from the metadata index. Ids absent from the index are kept with zero
// pricing; the cost engine falls back to its heuristic ceiling for them.
func (a *compatible) FetchModels(ctx context.Context) ([]models.Model, error) {
	ids, err := a.listModelIDs(ctx)
	if err != nil {
		return nil, err
	}
	ns := metadataVendor[a.up.Provider]
	out := make([]models.Model, 0, len(ids))
	for _, id := range ids {
		canonical := id
		if ns != "" && !strings.Contains(id, "/") {
			canonical = ns + "/" + id
		}
		m := models.Model{ID: canonical, Name: id}
		if a.meta != nil {
			if entry, ok := a.meta.Lookup(ctx, canonical); ok {
				m = entry
				m.ID = canonical
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// Endpoint drops the gateway's /v1 prefix; vendor base URLs carry their own
// version segment.
func (a *compatible) Endpoint(inboundPath, model string) (string, url.Values) {
	return strings.TrimPrefix(inboundPath, "/v1"), nil
}

func (a *compatible) PrepareHeaders(out, in http.Header) {
	copyForwardable(out, in)
	if a.auth != nil {
		a.auth(out)
		return
	}
	out.Set("Authorization", "Bearer "+a.up.APIKey)
}

func (a *compatible) RewriteModel(id string) string {
	return stripProviderPrefix(id)
}

func (a *compatible) MapError(status int, body []byte, inboundPath string) error {
	return mapErrorResponse(a.up.Provider, status, body, inboundPath)
}
