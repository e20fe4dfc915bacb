package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rawblock/inference-gateway/pkg/models"
)

// ppq fronts PPQ.AI, an OpenAI-compatible aggregator whose gateway account is
// prepaid and topped up out-of-band over Lightning. Request forwarding is the
// plain compatible dialect; the wallet surface below implements Funder.
type ppq struct {
	compatible
}

func newPPQ(up models.Upstream, meta *Metadata) *ppq {
	return &ppq{compatible: compatible{up: up, meta: meta}}
}

// AccountBalance reports the prepaid sats remaining on the gateway's account.
func (a *ppq) AccountBalance(ctx context.Context) (int64, error) {
	var out struct {
		BalanceSats int64 `json:"balance_sats"`
	}
	if err := a.walletCall(ctx, http.MethodGet, "/wallet/balance", nil, &out); err != nil {
		return 0, err
	}
	return out.BalanceSats, nil
}

// TopUpInvoice asks the aggregator for a Lightning invoice that credits the
// gateway's account once paid.
func (a *ppq) TopUpInvoice(ctx context.Context, amountSats int64) (string, error) {
	payload := map[string]int64{"amount_sats": amountSats}
	var out struct {
		Invoice string `json:"invoice"`
	}
	if err := a.walletCall(ctx, http.MethodPost, "/wallet/topup", payload, &out); err != nil {
		return "", err
	}
	if out.Invoice == "" {
		return "", fmt.Errorf("top-up response carried no invoice")
	}
	return out.Invoice, nil
}

func (a *ppq) walletCall(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		enc, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(enc)
	}
	req, err := http.NewRequestWithContext(ctx, method,
		strings.TrimRight(a.up.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	a.PrepareHeaders(req.Header, nil)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet call %s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}
