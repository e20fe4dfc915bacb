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

// ollama serves local models. No auth, no published pricing; requests go
// through its OpenAI-compatible /v1 surface while the catalog comes from the
// native /api/tags listing.
type ollama struct {
	up models.Upstream
}

func newOllama(up models.Upstream) *ollama {
	return &ollama{up: up}
}

func (a *ollama) Upstream() models.Upstream { return a.up }

func (a *ollama) FetchModels(ctx context.Context) ([]models.Model, error) {
	base := strings.TrimSuffix(strings.TrimRight(a.up.BaseURL, "/"), "/v1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tag listing returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, err
	}

	out := make([]models.Model, 0, len(tags.Models))
	for _, t := range tags.Models {
		// "llama3:8b" -> canonical "ollama/llama3:8b", alias without the tag.
		m := models.Model{ID: "ollama/" + t.Name, Name: t.Name}
		if bare, _, ok := strings.Cut(t.Name, ":"); ok {
			m.Aliases = []string{bare}
		}
		out = append(out, m)
	}
	return out, nil
}

func (a *ollama) Endpoint(inboundPath, model string) (string, url.Values) {
	return strings.TrimPrefix(inboundPath, "/v1"), nil
}

func (a *ollama) PrepareHeaders(out, in http.Header) {
	copyForwardable(out, in)
	if a.up.APIKey != "" {
		out.Set("Authorization", "Bearer "+a.up.APIKey)
	}
}

func (a *ollama) RewriteModel(id string) string {
	return strings.TrimPrefix(id, "ollama/")
}

func (a *ollama) MapError(status int, body []byte, inboundPath string) error {
	return mapErrorResponse(a.up.Provider, status, body, inboundPath)
}
