// Package proxy drives a paid request end to end: credential resolution,
// model multiplexing, balance reservation, upstream dispatch and usage-based
// settlement. Exactly one terminal ledger transition happens per request,
// whether the upstream succeeds, fails or the client walks away mid-stream.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/inference-gateway/internal/catalog"
	"github.com/rawblock/inference-gateway/internal/cost"
	"github.com/rawblock/inference-gateway/internal/ledger"
	"github.com/rawblock/inference-gateway/internal/payment"
	"github.com/rawblock/inference-gateway/internal/upstream"
	"github.com/rawblock/inference-gateway/pkg/models"
)

const maxBodyBytes = 10 << 20

// Adapters resolves an upstream id to its adapter.
type Adapters func(upstreamID string) (upstream.Adapter, bool)

// Settlement is the record broadcast after a request finishes, for the
// event stream and logs.
type Settlement struct {
	CredentialHash string           `json:"credential_hash"`
	Model          string           `json:"model"`
	UpstreamID     string           `json:"upstream_id"`
	Cost           models.TokenCost `json:"cost"`
	ReservedMsat   int64            `json:"reserved_msats"`
	Streamed       bool             `json:"streamed"`
	Timestamp      time.Time        `json:"timestamp"`
}

type Proxy struct {
	catalog  *catalog.Catalog
	store    ledger.Store
	payments *payment.Resolver
	engine   *cost.Engine
	est      *cost.Estimator
	adapters Adapters
	notify   func(Settlement)
}

func New(cat *catalog.Catalog, store ledger.Store, payments *payment.Resolver,
	engine *cost.Engine, adapters Adapters, notify func(Settlement)) *Proxy {
	if notify == nil {
		notify = func(Settlement) {}
	}
	return &Proxy{
		catalog:  cat,
		store:    store,
		payments: payments,
		engine:   engine,
		est:      cost.NewEstimator(),
		adapters: adapters,
		notify:   notify,
	}
}

// bearerToken extracts the payment credential: the Authorization bearer
// value, or the X-Cashu header for clients that keep the two separate.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-Cashu"))
}

// Forward handles one inference request on any of the completion-style paths.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	// Ledger finality and change minting must survive a client disconnect:
	// they run on a context detached from the request's cancellation.
	opCtx := context.WithoutCancel(ctx)

	res, err := p.payments.Resolve(ctx, bearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	cred := res.Credential
	p.recordRefundHeaders(r, cred)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, models.NewInvalidRequest("failed to read request body"))
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		// GET-style endpoints carry no model to price; forward unmetered.
		p.forwardUnmetered(w, r)
		return
	}
	var req models.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, models.NewInvalidRequest("request body is not valid JSON"))
		return
	}
	if req.Model == "" {
		writeError(w, models.NewInvalidRequest("missing required field: model"))
		return
	}

	resolution, err := p.catalog.Resolve(req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	model := resolution.Model

	promptTokens := p.est.PromptTokens(ctx, &req)
	hold := p.engine.Reservation(&model, &req, promptTokens)
	if err := p.store.Reserve(ctx, cred.Hash, hold); err != nil {
		if err == ledger.ErrInsufficientBalance {
			if res.OneShot {
				writeError(w, models.NewMinimumBalanceRequired(hold))
			} else {
				writeError(w, models.NewInsufficientBalance(hold))
			}
			return
		}
		writeError(w, err)
		return
	}

	// The reservation is live from here on. Every exit path below must go
	// through exactly one of settle() or revert().
	settled := false
	revert := func() {
		if settled {
			return
		}
		settled = true
		if err := p.store.Revert(opCtx, cred.Hash, hold); err != nil {
			log.Printf("[Proxy] Revert failed for %s: %v", models.ShortHash(cred.Hash), err)
		}
	}
	// settle charges from usage against the model that actually served, when
	// the response names one the catalog knows. Muxed upstreams may serve a
	// different model than the one requested.
	settle := func(usage *models.Usage, servedModel string, streamed bool) models.TokenCost {
		if settled {
			return models.TokenCost{}
		}
		settled = true
		priced := model
		if servedModel != "" && servedModel != priced.ID {
			if served, err := p.catalog.Resolve(servedModel); err == nil {
				priced = served.Model
			}
		}
		charge := p.engine.FromUsage(&priced, usage, hold)
		if err := p.store.Finalize(opCtx, cred.Hash, hold, charge.TotalMsat); err != nil {
			log.Printf("[Proxy] Finalize failed for %s: %v", models.ShortHash(cred.Hash), err)
		}
		p.notify(Settlement{
			CredentialHash: cred.Hash,
			Model:          priced.ID,
			UpstreamID:     resolution.Upstream.ID,
			Cost:           charge,
			ReservedMsat:   hold,
			Streamed:       streamed,
			Timestamp:      time.Now(),
		})
		return charge
	}

	adapter, ok := p.adapters(resolution.Upstream.ID)
	if !ok {
		revert()
		writeError(w, models.NewUpstreamError("upstream is not configured"))
		return
	}

	upReq, err := upstream.BuildRequest(ctx, adapter, r.URL.Path, r.Header, body, model.ID)
	if err != nil {
		revert()
		writeError(w, err)
		return
	}
	resp, err := upstream.Client.Do(upReq)
	if err != nil {
		revert()
		writeError(w, models.NewUpstreamError("upstream request failed"))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		revert()
		writeError(w, adapter.MapError(resp.StatusCode, errBody, r.URL.Path))
		return
	}

	// Stream only when the client asked for a stream and the upstream sent
	// one; an unsolicited SSE body is buffered like any other response.
	if req.Stream && isEventStream(resp) {
		p.streamResponse(opCtx, w, resp, res, settle)
		return
	}
	p.bufferResponse(opCtx, w, resp, res, settle, revert)
}

// forwardUnmetered proxies a body-less request to the primary upstream with
// no reservation. These are catalog listings and similar read-only endpoints
// the vendors serve for free.
func (p *Proxy) forwardUnmetered(w http.ResponseWriter, r *http.Request) {
	up, ok := p.catalog.PrimaryUpstream()
	if !ok {
		writeError(w, models.NewUpstreamError("no upstream is configured"))
		return
	}
	adapter, ok := p.adapters(up.ID)
	if !ok {
		writeError(w, models.NewUpstreamError("upstream is not configured"))
		return
	}

	path, query := adapter.Endpoint(r.URL.Path, "")
	target := strings.TrimRight(up.BaseURL, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, nil)
	if err != nil {
		writeError(w, models.NewUpstreamError("failed to build upstream request"))
		return
	}
	adapter.PrepareHeaders(upReq.Header, r.Header)

	resp, err := upstream.Client.Do(upReq)
	if err != nil {
		writeError(w, models.NewUpstreamError("upstream request failed"))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		writeError(w, adapter.MapError(resp.StatusCode, errBody, r.URL.Path))
		return
	}
	copySafeHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// recordRefundHeaders stores refund routing hints carried on the request.
// An expiry without a refund address is ignored: the sweeper would have
// nowhere to send the remainder.
func (p *Proxy) recordRefundHeaders(r *http.Request, cred *models.Credential) {
	addr := r.Header.Get("Refund-Lnurl")
	if addr == "" {
		return
	}
	var expiry int64
	if raw := r.Header.Get("Key-Expiry-Time"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > time.Now().Unix() {
			expiry = v
		}
	}
	if err := p.store.SetRefundInfo(r.Context(), cred.Hash, addr, expiry); err != nil {
		log.Printf("[Proxy] Failed to record refund info for %s: %v", models.ShortHash(cred.Hash), err)
	}
}

// bufferResponse settles a non-streaming completion: the whole body is read,
// usage extracted, the charge attached to the JSON before it goes out.
func (p *Proxy) bufferResponse(opCtx context.Context, w http.ResponseWriter, resp *http.Response,
	res *payment.Resolution, settle func(*models.Usage, string, bool) models.TokenCost, revert func()) {

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		revert()
		writeError(w, models.NewUpstreamError("upstream response was cut short"))
		return
	}

	usage, servedModel := extractUsage(respBody)
	charge := settle(usage, servedModel, false)

	out := attachCost(respBody, charge)
	copySafeHeaders(w.Header(), resp.Header)
	p.attachChange(opCtx, w, res)
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(out)
}

// attachChange mints the remaining balance of a one-shot credential into the
// X-Cashu response header.
func (p *Proxy) attachChange(ctx context.Context, w http.ResponseWriter, res *payment.Resolution) {
	if !res.OneShot {
		return
	}
	token, err := p.payments.ChangeToken(ctx, res.Credential)
	if err != nil {
		log.Printf("[Proxy] Change token failed for %s: %v", models.ShortHash(res.Credential.Hash), err)
		return
	}
	if token != "" {
		w.Header().Set("X-Cashu", token)
	}
}

// streamResponse forwards SSE chunks verbatim while keeping a rolling tail,
// then harvests usage from the tail and appends the terminal cost event. A
// client disconnect drains the upstream first so the settlement still uses
// real usage.
func (p *Proxy) streamResponse(opCtx context.Context, w http.ResponseWriter, resp *http.Response,
	res *payment.Resolution, settle func(*models.Usage, string, bool) models.TokenCost) {

	copySafeHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	tail := newTailBuffer(sseTailBytes)
	clientGone := false
	buf := make([]byte, 32<<10)

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			tail.Write(buf[:n])
			if !clientGone {
				if _, werr := w.Write(buf[:n]); werr != nil {
					// Keep draining; the ledger still needs the usage tail.
					clientGone = true
				} else if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			// Upstream died mid-stream. Whatever usage reached the tail is
			// still the best settlement basis; without one the full
			// reservation stands.
			break
		}
	}

	usage, servedModel := harvestStream(tail.Bytes())
	charge := settle(usage, servedModel, true)

	if !clientGone {
		event := map[string]any{"cost": charge}
		if res.OneShot {
			if token, err := p.payments.ChangeToken(opCtx, res.Credential); err == nil && token != "" {
				event["change_token"] = token
			}
		}
		payload, _ := json.Marshal(event)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// extractUsage pulls the usage block and served model out of a buffered
// completion body. Google's native dialect reports usageMetadata and
// modelVersion instead; both shapes are read.
func extractUsage(body []byte) (*models.Usage, string) {
	var envelope struct {
		Usage         *models.Usage `json:"usage"`
		Model         string        `json:"model"`
		ModelVersion  string        `json:"modelVersion"`
		UsageMetadata *struct {
			PromptTokenCount     int64 `json:"promptTokenCount"`
			CandidatesTokenCount int64 `json:"candidatesTokenCount"`
			TotalTokenCount      int64 `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, ""
	}
	usage := envelope.Usage
	if usage == nil && envelope.UsageMetadata != nil {
		usage = &models.Usage{
			PromptTokens:     envelope.UsageMetadata.PromptTokenCount,
			CompletionTokens: envelope.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      envelope.UsageMetadata.TotalTokenCount,
		}
	}
	served := envelope.Model
	if served == "" {
		served = envelope.ModelVersion
	}
	return usage, served
}

// attachCost injects the settled charge into the response JSON. A body that
// does not parse goes out untouched; the charge already landed on the ledger.
func attachCost(body []byte, charge models.TokenCost) []byte {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return body
	}
	enc, err := json.Marshal(charge)
	if err != nil {
		return body
	}
	m["cost"] = enc
	out, err := json.Marshal(m)
	if err != nil {
		return body
	}
	return out
}

// safeHeaders is the response header safelist. Everything else, notably
// upstream rate-limit and billing headers, stays behind the gateway.
var safeHeaders = []string{
	"Content-Type",
	"Cache-Control",
	"Date",
	"Vary",
}

func copySafeHeaders(out, in http.Header) {
	for _, name := range safeHeaders {
		if v := in.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	for name, values := range in {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), "Access-Control-") {
			for _, v := range values {
				out.Add(name, v)
			}
		}
	}
}

// writeError renders the closed error envelope. Unclassified failures are
// logged with a correlation id and surface as opaque 500s.
func writeError(w http.ResponseWriter, err error) {
	pe, ok := err.(*models.ProxyError)
	if !ok {
		pe = models.AsProxyError(err, uuid.NewString)
		log.Printf("[Proxy] Internal error %s: %v", pe.CorrelationID, err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(pe.Status)
	_ = json.NewEncoder(w).Encode(pe.Envelope())
}
