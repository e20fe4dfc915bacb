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

// gemini speaks Google's native generateContent dialect. The OpenAI-shaped
// inbound body is rewritten wholesale, auth rides the x-goog-api-key header
// and the wire model is addressed in the URL path rather than the body.
type gemini struct {
	up   models.Upstream
	meta *Metadata
}

func newGemini(up models.Upstream, meta *Metadata) *gemini {
	return &gemini{up: up, meta: meta}
}

func (a *gemini) Upstream() models.Upstream { return a.up }

// FetchModels lists Google's native /models catalog and joins pricing from
// the metadata index under the google namespace.
func (a *gemini) FetchModels(ctx context.Context) ([]models.Model, error) {
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
		Models []struct {
			Name             string `json:"name"`
			DisplayName      string `json:"displayName"`
			InputTokenLimit  int64  `json:"inputTokenLimit"`
			OutputTokenLimit int64  `json:"outputTokenLimit"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, err
	}

	out := make([]models.Model, 0, len(list.Models))
	for _, d := range list.Models {
		wire := strings.TrimPrefix(d.Name, "models/")
		canonical := "google/" + wire
		m := models.Model{
			ID:            canonical,
			Name:          d.DisplayName,
			ContextLength: d.InputTokenLimit,
			TopProvider: &models.TopProvider{
				ContextLength:       d.InputTokenLimit,
				MaxCompletionTokens: d.OutputTokenLimit,
			},
		}
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

// Endpoint addresses the model in the path; the inbound path is irrelevant
// because the dialect has a single generation endpoint.
func (a *gemini) Endpoint(inboundPath, model string) (string, url.Values) {
	if model == "" {
		return strings.TrimPrefix(inboundPath, "/v1"), nil
	}
	return "/models/" + model + ":generateContent", nil
}

func (a *gemini) PrepareHeaders(out, in http.Header) {
	copyForwardable(out, in)
	out.Set("x-goog-api-key", a.up.APIKey)
}

func (a *gemini) RewriteModel(id string) string {
	return stripProviderPrefix(id)
}

// RewriteBody translates an OpenAI-shaped chat body into the generateContent
// request: system messages become systemInstruction, assistant turns map to
// the "model" role and the sampling knobs move under generationConfig.
func (a *gemini) RewriteBody(body []byte, wireModel string) ([]byte, error) {
	var req struct {
		Messages    []models.ChatMessage `json:"messages"`
		MaxTokens   int64                `json:"max_tokens"`
		Temperature *float64             `json:"temperature"`
		TopP        *float64             `json:"top_p"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	type part map[string]any
	type content struct {
		Role  string `json:"role,omitempty"`
		Parts []part `json:"parts"`
	}

	var system []part
	var contents []content
	for _, msg := range req.Messages {
		var parts []part
		for _, p := range msg.Parts() {
			if p.Text != "" {
				parts = append(parts, part{"text": p.Text})
			}
		}
		if len(parts) == 0 {
			continue
		}
		switch msg.Role {
		case "system":
			system = append(system, parts...)
		case "assistant":
			contents = append(contents, content{Role: "model", Parts: parts})
		default:
			contents = append(contents, content{Role: "user", Parts: parts})
		}
	}

	out := map[string]any{"contents": contents}
	if len(system) > 0 {
		out["systemInstruction"] = content{Parts: system}
	}
	cfg := map[string]any{}
	if req.MaxTokens > 0 {
		cfg["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		cfg["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		cfg["topP"] = *req.TopP
	}
	if len(cfg) > 0 {
		out["generationConfig"] = cfg
	}
	return json.Marshal(out)
}

func (a *gemini) MapError(status int, body []byte, inboundPath string) error {
	return mapErrorResponse(a.up.Provider, status, body, inboundPath)
}
