// Package upstream holds the provider adapters: one per AI vendor dialect.
// An adapter knows how to authenticate, how to name models on the wire, how
// to list the vendor's catalog and how to translate vendor failures into the
// gateway's closed error set. The proxy composes adapters; it never speaks a
// vendor dialect itself.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rawblock/inference-gateway/pkg/models"
)

// Adapter is one configured upstream endpoint.
type Adapter interface {
	Upstream() models.Upstream

	// FetchModels lists the upstream's catalog with pricing attached where
	// the vendor publishes it.
	FetchModels(ctx context.Context) ([]models.Model, error)

	// Endpoint maps an inbound gateway path to the upstream path and query.
	Endpoint(inboundPath, model string) (string, url.Values)

	// PrepareHeaders copies forwardable inbound headers onto the outbound
	// request and applies the vendor's authentication scheme.
	PrepareHeaders(out, in http.Header)

	// RewriteModel converts a canonical cached id into the vendor's wire name.
	RewriteModel(id string) string

	// MapError translates a non-2xx upstream response into a ProxyError.
	MapError(status int, body []byte, inboundPath string) error
}

// Client is the shared outbound HTTP client. Per-request deadlines come from
// the request context; streaming responses must not be cut by a client
// timeout, so none is set here.
var Client = &http.Client{
	Transport: &http.Transport{
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
	},
}

// strippedHeaders never cross the gateway boundary: connection plumbing,
// payment material and the client's own authorization.
var strippedHeaders = map[string]bool{
	"Host":              true,
	"Content-Length":    true,
	"Connection":        true,
	"Authorization":     true,
	"Accept-Encoding":   true,
	"X-Cashu":           true,
	"Refund-Lnurl":      true,
	"Key-Expiry-Time":   true,
	"X-Forwarded-For":   true,
	"X-Forwarded-Host":  true,
	"X-Forwarded-Proto": true,
}

// copyForwardable copies inbound headers except the stripped set. Outbound
// bodies are always identity-encoded so the proxy can read usage from them.
func copyForwardable(out, in http.Header) {
	for name, values := range in {
		if strippedHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	out.Set("Accept-Encoding", "identity")
}

// bodyRewriter is implemented by adapters whose vendor does not accept the
// OpenAI request shape and needs the whole body translated, not just the
// model field.
type bodyRewriter interface {
	RewriteBody(body []byte, wireModel string) ([]byte, error)
}

// Funder is implemented by adapters whose upstream account is prepaid and
// topped up out-of-band over Lightning.
type Funder interface {
	AccountBalance(ctx context.Context) (int64, error)
	TopUpInvoice(ctx context.Context, amountSats int64) (string, error)
}

// BuildRequest assembles the outbound request: the body's model field is
// rewritten to the vendor wire name (or the whole body translated for
// native-dialect vendors), headers are scrubbed and authenticated.
func BuildRequest(ctx context.Context, a Adapter, inboundPath string, in http.Header, body []byte, model string) (*http.Request, error) {
	wireModel := a.RewriteModel(model)
	var rewritten []byte
	var err error
	if br, ok := a.(bodyRewriter); ok {
		rewritten, err = br.RewriteBody(body, wireModel)
	} else {
		rewritten, err = rewriteModelField(body, wireModel)
	}
	if err != nil {
		return nil, models.NewInvalidRequest("request body is not valid JSON")
	}

	path, query := a.Endpoint(inboundPath, wireModel)
	target := strings.TrimRight(a.Upstream().BaseURL, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(rewritten))
	if err != nil {
		return nil, err
	}
	a.PrepareHeaders(req.Header, in)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// rewriteModelField replaces the "model" value in a JSON body, preserving
// every other field byte-for-byte as re-encoded JSON.
func rewriteModelField(body []byte, model string) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	enc, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	m["model"] = enc
	return json.Marshal(m)
}

// stripProviderPrefix drops the "vendor/" namespace from a canonical id.
func stripProviderPrefix(id string) string {
	if _, rest, ok := strings.Cut(id, "/"); ok {
		return rest
	}
	return id
}

// mapErrorResponse is the shared translation ladder from vendor HTTP
// failures to the gateway's error set. Vendor bodies are summarized, never
// forwarded verbatim.
func mapErrorResponse(provider string, status int, body []byte, inboundPath string) error {
	detail := errorDetail(body)
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return models.NewInvalidRequest(detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.NewUpstreamAuthError(fmt.Sprintf("%s rejected the gateway's credentials", provider))
	case status == http.StatusNotFound:
		// A 404 on a completion path means the wire model name does not
		// exist there; anything else is the vendor's routing problem.
		if strings.Contains(inboundPath, "/chat/completions") ||
			strings.Contains(inboundPath, "/completions") ||
			strings.Contains(inboundPath, "/responses") {
			return models.NewInvalidModel(detail)
		}
		return models.NewUpstreamError(fmt.Sprintf("%s returned 404: %s", provider, detail))
	case status == http.StatusTooManyRequests:
		return models.NewRateLimited(fmt.Sprintf("%s is rate limiting the gateway", provider))
	case status >= 500:
		return models.NewUpstreamError(fmt.Sprintf("%s returned %d", provider, status))
	default:
		return models.NewUpstreamError(fmt.Sprintf("%s returned unexpected status %d", provider, status))
	}
}

// errorDetail pulls the human-readable message out of a vendor error body.
func errorDetail(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error.Message != "" {
			return truncate(envelope.Error.Message, 200)
		}
		if envelope.Message != "" {
			return truncate(envelope.Message, 200)
		}
	}
	return truncate(strings.TrimSpace(string(body)), 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// New builds the adapter for an upstream record. Unknown providers fall back
// to the generic OpenAI-compatible dialect.
func New(up models.Upstream, meta *Metadata) Adapter {
	switch up.Provider {
	case models.ProviderAnthropic:
		return newAnthropic(up, meta)
	case models.ProviderOpenRouter:
		return newOpenRouter(up)
	case models.ProviderAzure:
		return newAzure(up, meta)
	case models.ProviderOllama:
		return newOllama(up)
	case models.ProviderGemini:
		return newGemini(up, meta)
	case models.ProviderPPQ:
		return newPPQ(up, meta)
	case models.ProviderOpenAI, models.ProviderGroq, models.ProviderFireworks,
		models.ProviderPerplexity, models.ProviderXAI,
		models.ProviderGeneric, models.ProviderCustom:
		return newCompatible(up, meta)
	default:
		return newCompatible(up, meta)
	}
}
