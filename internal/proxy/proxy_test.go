package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rawblock/inference-gateway/internal/catalog"
	"github.com/rawblock/inference-gateway/internal/cost"
	"github.com/rawblock/inference-gateway/internal/ledger"
	"github.com/rawblock/inference-gateway/internal/payment"
	"github.com/rawblock/inference-gateway/internal/upstream"
	"github.com/rawblock/inference-gateway/pkg/models"
)

type fakeRates struct{ usdPerSat float64 }

func (f fakeRates) UsdPerSat() float64 { return f.usdPerSat }

type fakeSource struct {
	up  models.Upstream
	out []models.Model
}

func (f *fakeSource) Upstream() models.Upstream { return f.up }
func (f *fakeSource) FetchModels(ctx context.Context) ([]models.Model, error) {
	return f.out, nil
}

type stubWallet struct {
	redeemAmt  int64
	redeemUnit string
	changeTok  string
}

func (w *stubWallet) Redeem(ctx context.Context, token string) (int64, string, string, error) {
	return w.redeemAmt, w.redeemUnit, "https://mint.test", nil
}
func (w *stubWallet) SendToken(ctx context.Context, amount int64, unit, mint string) (string, error) {
	return w.changeTok, nil
}
func (w *stubWallet) SendToLnurl(ctx context.Context, address string, amountSats int64) (string, error) {
	return "", nil
}
func (w *stubWallet) Deserialize(token string) (*payment.TokenInfo, error) { return nil, nil }
func (w *stubWallet) Balance(ctx context.Context, mint, unit string) (int64, error) {
	return 0, nil
}
func (w *stubWallet) Swap(ctx context.Context, sourceMint, unit string, amount int64) (int64, error) {
	return amount, nil
}

type harness struct {
	proxy       *Proxy
	store       *ledger.MemoryStore
	settlements []Settlement
}

// newHarness wires the proxy against a catalog holding two models, test-model
// priced at 0.008 sats per token (10 prompt + 30 completion tokens settle at
// 320 msat) and alt-model at twice that, and the given upstream base URL.
func newHarness(t *testing.T, upstreamURL string, wallet payment.Wallet) *harness {
	t.Helper()
	mem := ledger.NewMemoryStore()
	return newHarnessWith(t, upstreamURL, wallet, mem, mem)
}

// newHarnessWith lets a test interpose its own ledger.Store while keeping the
// memory store for assertions.
func newHarnessWith(t *testing.T, upstreamURL string, wallet payment.Wallet,
	store ledger.Store, mem *ledger.MemoryStore) *harness {
	t.Helper()
	rates := fakeRates{usdPerSat: 0.0001}
	cat := catalog.New(rates, nil)
	src := &fakeSource{
		up: models.Upstream{ID: "oai", Provider: models.ProviderOpenAI, BaseURL: upstreamURL, ProviderFee: 1.0},
		out: []models.Model{
			{
				ID:            "openai/test-model",
				ContextLength: 1000,
				Pricing:       models.Pricing{Prompt: 8e-7, Completion: 8e-7},
			},
			{
				ID:            "openai/alt-model",
				ContextLength: 1000,
				Pricing:       models.Pricing{Prompt: 16e-7, Completion: 16e-7},
			},
		},
	}
	if err := cat.Refresh(context.Background(), src); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	payments := payment.NewResolver(wallet, store, payment.Config{
		TrustedMints: []string{"https://mint.test"},
		PrimaryMint:  "https://mint.test",
	})
	engine := cost.NewEngine(cost.DefaultConfig(), rates)

	h := &harness{store: mem}
	adapters := func(id string) (upstream.Adapter, bool) {
		if id != "oai" {
			return nil, false
		}
		return upstream.New(src.up, nil), true
	}
	h.proxy = New(cat, store, payments, engine, adapters, func(s Settlement) {
		h.settlements = append(h.settlements, s)
	})
	return h
}

func chatBody(stream bool) string {
	payload := map[string]any{
		"model": "test-model",
		"messages": []map[string]any{
			{"role": "user", "content": "hi there"},
		},
	}
	if stream {
		payload["stream"] = true
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

func doRequest(h *harness, bearer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.proxy.Forward(w, req)
	return w
}

func TestForward_SettlesFromUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sent map[string]any
		_ = json.NewDecoder(r.Body).Decode(&sent)
		if sent["model"] != "test-model" {
			t.Errorf("Wire model = %v", sent["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","model":"test-model",
			"usage":{"prompt_tokens":10,"completion_tokens":30,"total_tokens":40}}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, &stubWallet{})
	_ = h.store.Create(context.Background(), &models.Credential{Hash: "payer", BalanceMsat: 10_000})

	w := doRequest(h, "sk-payer", chatBody(false))
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body %s", w.Code, w.Body)
	}

	var out struct {
		Cost models.TokenCost `json:"cost"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Decode response: %v", err)
	}
	if out.Cost.TotalMsat != 320 {
		t.Errorf("Cost.TotalMsat = %d, want 320", out.Cost.TotalMsat)
	}

	cred, _ := h.store.Get(context.Background(), "payer")
	if cred.BalanceMsat != 9680 {
		t.Errorf("BalanceMsat = %d, want 9680", cred.BalanceMsat)
	}
	if cred.ReservedMsat != 0 {
		t.Errorf("Reservation must be fully released, still %d", cred.ReservedMsat)
	}
	if len(h.settlements) != 1 || h.settlements[0].Cost.TotalMsat != 320 {
		t.Errorf("Settlements = %+v", h.settlements)
	}
}

func TestForward_MissingUsageChargesReservation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","model":"test-model"}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, &stubWallet{})
	_ = h.store.Create(context.Background(), &models.Credential{Hash: "payer", BalanceMsat: 10_000})

	w := doRequest(h, "sk-payer", chatBody(false))
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	cred, _ := h.store.Get(context.Background(), "payer")
	if cred.BalanceMsat >= 10_000 {
		t.Errorf("Missing usage must still charge the reservation, balance %d", cred.BalanceMsat)
	}
	if cred.ReservedMsat != 0 {
		t.Errorf("Reservation must be released, still %d", cred.ReservedMsat)
	}
}

func TestForward_UpstreamFailureReverts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, &stubWallet{})
	_ = h.store.Create(context.Background(), &models.Credential{Hash: "payer", BalanceMsat: 10_000})

	w := doRequest(h, "sk-payer", chatBody(false))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("Status = %d, want 502", w.Code)
	}
	cred, _ := h.store.Get(context.Background(), "payer")
	if cred.BalanceMsat != 10_000 || cred.ReservedMsat != 0 {
		t.Errorf("Failed upstream must revert, balance %d reserved %d",
			cred.BalanceMsat, cred.ReservedMsat)
	}
	if cred.TotalRequests != 0 {
		t.Errorf("Revert must undo the request counter, got %d", cred.TotalRequests)
	}
}

func TestForward_InsufficientBalance(t *testing.T) {
	h := newHarness(t, "http://unreachable.test", &stubWallet{})
	_ = h.store.Create(context.Background(), &models.Credential{Hash: "payer", BalanceMsat: 2})

	w := doRequest(h, "sk-payer", chatBody(false))
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Status = %d, want 402", w.Code)
	}
	var envelope struct {
		Error struct {
			AmountRequiredMsat int64 `json:"amount_required_msat"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("Decode error body: %v", err)
	}
	if envelope.Error.AmountRequiredMsat <= 0 {
		t.Errorf("402 must carry amount_required_msat, got %+v", envelope)
	}
}

func TestForward_OneShotUnderfundedGets413(t *testing.T) {
	h := newHarness(t, "http://unreachable.test", &stubWallet{redeemAmt: 2, redeemUnit: "msat"})

	w := doRequest(h, "cashuBsmalltoken", chatBody(false))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("Status = %d, want 413", w.Code)
	}
}

func TestForward_OneShotChangeHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"test-model","usage":{"prompt_tokens":10,"completion_tokens":30,"total_tokens":40}}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, &stubWallet{redeemAmt: 10, redeemUnit: "sat", changeTok: "cashuBchange"})

	w := doRequest(h, "cashuBfreshtoken", chatBody(false))
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body %s", w.Code, w.Body)
	}
	if got := w.Header().Get("X-Cashu"); got != "cashuBchange" {
		t.Errorf("X-Cashu = %q, want the change token", got)
	}
}

func TestForward_UnknownModel(t *testing.T) {
	h := newHarness(t, "http://unreachable.test", &stubWallet{})
	_ = h.store.Create(context.Background(), &models.Credential{Hash: "payer", BalanceMsat: 10_000})

	body := `{"model":"no-such-model","messages":[]}`
	w := doRequest(h, "sk-payer", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Status = %d, want 400", w.Code)
	}
	cred, _ := h.store.Get(context.Background(), "payer")
	if cred.ReservedMsat != 0 {
		t.Errorf("No reservation may survive a rejected request")
	}
}

func TestForward_MissingModelField(t *testing.T) {
	h := newHarness(t, "http://unreachable.test", &stubWallet{})
	_ = h.store.Create(context.Background(), &models.Credential{Hash: "payer", BalanceMsat: 10_000})

	w := doRequest(h, "sk-payer", `{"messages":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Status = %d, want 400", w.Code)
	}
}

func TestForward_BadCredential(t *testing.T) {
	h := newHarness(t, "http://unreachable.test", &stubWallet{})
	w := doRequest(h, "sk-ghost", chatBody(false))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Status = %d, want 401", w.Code)
	}
}

func TestForward_StreamingSettlesFromTail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"id":"c1","model":"test-model","choices":[{"delta":{"content":"hel"}}]}` + "\n\n"))
		w.Write([]byte(`data: {"id":"c1","model":"test-model","choices":[{"delta":{"content":"lo"}}]}` + "\n\n"))
		w.Write([]byte(`data: {"id":"c1","model":"test-model","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":30,"total_tokens":40}}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, &stubWallet{})
	_ = h.store.Create(context.Background(), &models.Credential{Hash: "payer", BalanceMsat: 10_000})

	w := doRequest(h, "sk-payer", chatBody(true))
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"delta":{"content":"hel"}`) {
		t.Errorf("Upstream chunks must be forwarded verbatim")
	}
	if !strings.Contains(body, `"total_msats":320`) {
		t.Errorf("Terminal cost event missing, body:\n%s", body)
	}
	if strings.Index(body, "[DONE]") > strings.Index(body, "total_msats") {
		t.Errorf("Cost event must come after the upstream stream")
	}

	cred, _ := h.store.Get(context.Background(), "payer")
	if cred.BalanceMsat != 9680 || cred.ReservedMsat != 0 {
		t.Errorf("Stream settlement wrong: balance %d reserved %d", cred.BalanceMsat, cred.ReservedMsat)
	}
	if len(h.settlements) != 1 || !h.settlements[0].Streamed {
		t.Errorf("Settlements = %+v", h.settlements)
	}
}

func TestForward_StreamWithoutUsageChargesReservation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"id":"c1","model":"test-model","choices":[{"delta":{"content":"x"}}]}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, &stubWallet{})
	_ = h.store.Create(context.Background(), &models.Credential{Hash: "payer", BalanceMsat: 10_000})

	w := doRequest(h, "sk-payer", chatBody(true))
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	cred, _ := h.store.Get(context.Background(), "payer")
	if cred.BalanceMsat >= 10_000 {
		t.Errorf("A usage-less stream must still charge the reservation")
	}
	if cred.ReservedMsat != 0 {
		t.Errorf("Reservation must be released, still %d", cred.ReservedMsat)
	}
}

// strictStore rejects ledger writes once the context is canceled, the way a
// SQL-backed store does.
type strictStore struct {
	ledger.Store
}

func (s strictStore) Finalize(ctx context.Context, hash string, reservedMsat, actualMsat int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Finalize(ctx, hash, reservedMsat, actualMsat)
}

func (s strictStore) Revert(ctx context.Context, hash string, reservedMsat int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Revert(ctx, hash, reservedMsat)
}

// firstWriteRecorder signals once the proxy has relayed its first body
// write, so the test can cancel only after the stream is truly underway.
type firstWriteRecorder struct {
	*httptest.ResponseRecorder
	got      chan struct{}
	signaled bool
}

func (r *firstWriteRecorder) Write(b []byte) (int, error) {
	if !r.signaled {
		r.signaled = true
		close(r.got)
	}
	return r.ResponseRecorder.Write(b)
}

func TestForward_ClientDisconnectStillSettles(t *testing.T) {
	firstChunk := make(chan struct{})
	canceled := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		w.Write([]byte(`data: {"id":"c1","model":"test-model","choices":[{"delta":{"content":"x"}}]}` + "\n\n"))
		w.(http.Flusher).Flush()
		close(firstChunk)
		<-canceled
	}))
	defer srv.Close()

	mem := ledger.NewMemoryStore()
	h := newHarnessWith(t, srv.URL, &stubWallet{}, strictStore{mem}, mem)
	_ = mem.Create(context.Background(), &models.Credential{Hash: "payer", BalanceMsat: 10_000})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody(true)))
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", "Bearer sk-payer")
	w := &firstWriteRecorder{ResponseRecorder: httptest.NewRecorder(), got: make(chan struct{})}

	done := make(chan struct{})
	go func() {
		h.proxy.Forward(w, req)
		close(done)
	}()

	<-firstChunk
	<-w.got
	cancel()
	close(canceled)
	<-done

	cred, _ := mem.Get(context.Background(), "payer")
	if cred.ReservedMsat != 0 {
		t.Errorf("Disconnect must not strand the reservation, still %d msat", cred.ReservedMsat)
	}
	if cred.BalanceMsat >= 10_000 {
		t.Errorf("Disconnected stream must still charge, balance %d", cred.BalanceMsat)
	}
	if len(h.settlements) != 1 {
		t.Errorf("Settlements = %+v", h.settlements)
	}
}

func TestForward_UnsolicitedSSEBuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"id":"c1","model":"test-model","choices":[]}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, &stubWallet{})
	_ = h.store.Create(context.Background(), &models.Credential{Hash: "payer", BalanceMsat: 10_000})

	// The client did not ask for a stream; an SSE body from the upstream must
	// not flip the response into streaming mode.
	w := doRequest(h, "sk-payer", chatBody(false))
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	if len(h.settlements) != 1 || h.settlements[0].Streamed {
		t.Errorf("Settlements = %+v, want one non-streamed settlement", h.settlements)
	}
	if w.Header().Get("Content-Length") == "" {
		t.Errorf("Buffered responses carry a Content-Length")
	}
	cred, _ := h.store.Get(context.Background(), "payer")
	if cred.ReservedMsat != 0 {
		t.Errorf("Reservation must be released, still %d", cred.ReservedMsat)
	}
}

func TestForward_SettlementUsesServedModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","model":"alt-model",
			"usage":{"prompt_tokens":10,"completion_tokens":30,"total_tokens":40}}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, &stubWallet{})
	_ = h.store.Create(context.Background(), &models.Credential{Hash: "payer", BalanceMsat: 10_000})

	// The request names test-model but the upstream serves alt-model, which
	// costs twice as much; the charge follows what was actually served.
	w := doRequest(h, "sk-payer", chatBody(false))
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body %s", w.Code, w.Body)
	}
	if len(h.settlements) != 1 {
		t.Fatalf("Settlements = %+v", h.settlements)
	}
	if h.settlements[0].Model != "openai/alt-model" {
		t.Errorf("Settlement model = %q, want openai/alt-model", h.settlements[0].Model)
	}
	if h.settlements[0].Cost.TotalMsat != 640 {
		t.Errorf("Cost.TotalMsat = %d, want 640 at alt-model pricing", h.settlements[0].Cost.TotalMsat)
	}
	cred, _ := h.store.Get(context.Background(), "payer")
	if cred.BalanceMsat != 9360 {
		t.Errorf("BalanceMsat = %d, want 9360", cred.BalanceMsat)
	}
}

func TestExtractUsage_GeminiMetadata(t *testing.T) {
	usage, model := extractUsage([]byte(`{
		"modelVersion":"gemini-2.0-flash",
		"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":34,"totalTokenCount":46}
	}`))
	if usage == nil || usage.PromptTokens != 12 || usage.CompletionTokens != 34 {
		t.Fatalf("usage = %+v", usage)
	}
	if model != "gemini-2.0-flash" {
		t.Errorf("model = %q", model)
	}
}

func TestForward_BodylessRequestPassesThroughUnmetered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("Method = %s, want GET", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, &stubWallet{})
	_ = h.store.Create(context.Background(), &models.Credential{Hash: "payer", BalanceMsat: 10_000})

	req := httptest.NewRequest(http.MethodGet, "/v1/files", nil)
	req.Header.Set("Authorization", "Bearer sk-payer")
	w := httptest.NewRecorder()
	h.proxy.Forward(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body %s", w.Code, w.Body)
	}
	cred, _ := h.store.Get(context.Background(), "payer")
	if cred.BalanceMsat != 10_000 || cred.TotalRequests != 0 {
		t.Errorf("Body-less passthrough must not charge: balance %d requests %d",
			cred.BalanceMsat, cred.TotalRequests)
	}
}

func TestHarvestStream(t *testing.T) {
	tail := []byte(`runcated-garbage"}` + "\n\n" +
		`data: {"model":"actual-model","choices":[]}` + "\n\n" +
		`data: {"model":"actual-model","usage":{"prompt_tokens":5,"completion_tokens":7}}` + "\n\n" +
		"data: [DONE]\n\n")
	usage, model := harvestStream(tail)
	if usage == nil || usage.PromptTokens != 5 || usage.CompletionTokens != 7 {
		t.Fatalf("usage = %+v", usage)
	}
	if model != "actual-model" {
		t.Errorf("model = %q", model)
	}
}

func TestHarvestStream_NoUsage(t *testing.T) {
	usage, _ := harvestStream([]byte("data: {\"model\":\"m\"}\n\ndata: [DONE]\n\n"))
	if usage != nil {
		t.Errorf("Expected nil usage, got %+v", usage)
	}
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(8)
	tb.Write([]byte("abcd"))
	tb.Write([]byte("efgh"))
	if string(tb.Bytes()) != "abcdefgh" {
		t.Fatalf("Bytes = %q", tb.Bytes())
	}
	tb.Write([]byte("ij"))
	if string(tb.Bytes()) != "cdefghij" {
		t.Errorf("Overflow must drop the head, got %q", tb.Bytes())
	}
	tb.Write([]byte("0123456789abcdef"))
	if string(tb.Bytes()) != "89abcdef" {
		t.Errorf("Oversized write must keep the tail, got %q", tb.Bytes())
	}
}
