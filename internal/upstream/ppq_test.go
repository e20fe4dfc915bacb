package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rawblock/inference-gateway/pkg/models"
)

func TestPPQ_AccountBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wallet/balance" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer ppq-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"balance_sats":21000}`))
	}))
	defer srv.Close()

	a := newPPQ(models.Upstream{
		Provider: models.ProviderPPQ, BaseURL: srv.URL, APIKey: "ppq-key",
	}, nil)
	got, err := a.AccountBalance(context.Background())
	if err != nil {
		t.Fatalf("AccountBalance() error: %v", err)
	}
	if got != 21000 {
		t.Errorf("AccountBalance = %d, want 21000", got)
	}
}

func TestPPQ_TopUpInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wallet/topup" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req map[string]int64
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req["amount_sats"] != 5000 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"invoice":"lnbc50u1fake"}`))
	}))
	defer srv.Close()

	a := newPPQ(models.Upstream{
		Provider: models.ProviderPPQ, BaseURL: srv.URL, APIKey: "ppq-key",
	}, nil)
	invoice, err := a.TopUpInvoice(context.Background(), 5000)
	if err != nil {
		t.Fatalf("TopUpInvoice() error: %v", err)
	}
	if invoice != "lnbc50u1fake" {
		t.Errorf("Invoice = %q", invoice)
	}
}

func TestPPQ_ForwardsAsCompatible(t *testing.T) {
	a := newPPQ(models.Upstream{
		Provider: models.ProviderPPQ, BaseURL: "https://api.ppq.example", APIKey: "ppq-key",
	}, nil)

	var _ Funder = a

	body := []byte(`{"model":"openai/gpt-4o-mini","messages":[]}`)
	req, err := BuildRequest(context.Background(), a, "/v1/chat/completions", nil, body, "openai/gpt-4o-mini")
	if err != nil {
		t.Fatalf("BuildRequest() error: %v", err)
	}
	if req.URL.String() != "https://api.ppq.example/chat/completions" {
		t.Errorf("URL = %s", req.URL)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer ppq-key" {
		t.Errorf("Authorization = %q", got)
	}
}
