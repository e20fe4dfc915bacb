package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemoteWallet talks to a wallet daemon over its REST API. The daemon owns
// the mint connections and the proof storage; the gateway only moves value
// in and out through it.
type RemoteWallet struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type WalletConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func NewRemoteWallet(cfg WalletConfig) *RemoteWallet {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RemoteWallet{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (w *RemoteWallet) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		enc, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(enc)
	}
	req, err := http.NewRequestWithContext(ctx, method, w.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var fail struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &fail) == nil && fail.Detail != "" {
			return fmt.Errorf("wallet %s: %s", path, fail.Detail)
		}
		return fmt.Errorf("wallet %s returned %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (w *RemoteWallet) Redeem(ctx context.Context, token string) (int64, string, string, error) {
	var out struct {
		Amount int64  `json:"amount"`
		Unit   string `json:"unit"`
		Mint   string `json:"mint"`
	}
	err := w.call(ctx, http.MethodPost, "/v1/receive", map[string]string{"token": token}, &out)
	if err != nil {
		return 0, "", "", err
	}
	return out.Amount, out.Unit, out.Mint, nil
}

func (w *RemoteWallet) SendToken(ctx context.Context, amount int64, unit, mint string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := w.call(ctx, http.MethodPost, "/v1/send", map[string]any{
		"amount": amount, "unit": unit, "mint": mint,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Token, nil
}

func (w *RemoteWallet) SendToLnurl(ctx context.Context, address string, amountSats int64) (string, error) {
	var out struct {
		Receipt string `json:"receipt"`
	}
	err := w.call(ctx, http.MethodPost, "/v1/pay", map[string]any{
		"address": address, "amount": amountSats,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Receipt, nil
}

func (w *RemoteWallet) Deserialize(token string) (*TokenInfo, error) {
	var out TokenInfo
	err := w.call(context.Background(), http.MethodPost, "/v1/decode", map[string]string{"token": token}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (w *RemoteWallet) Balance(ctx context.Context, mint, unit string) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	err := w.call(ctx, http.MethodGet, "/v1/balance?mint="+mint+"&unit="+unit, nil, &out)
	if err != nil {
		return 0, err
	}
	return out.Balance, nil
}

func (w *RemoteWallet) Swap(ctx context.Context, sourceMint, unit string, amount int64) (int64, error) {
	var out struct {
		Received int64 `json:"received"`
	}
	err := w.call(ctx, http.MethodPost, "/v1/swap", map[string]any{
		"source_mint": sourceMint, "unit": unit, "amount": amount,
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.Received, nil
}
