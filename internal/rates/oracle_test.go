package rates

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseKraken(t *testing.T) {
	body := []byte(`{"error":[],"result":{"XXBTZUSD":{"a":["97000.10000","1","1.000"],"b":["96999.90000","2","2.000"]}}}`)
	price, err := parseKraken(body)
	if err != nil {
		t.Fatalf("parseKraken() error: %v", err)
	}
	if math.Abs(price-96999.9) > 0.001 {
		t.Errorf("parseKraken() = %v, want 96999.9", price)
	}
}

func TestParseKraken_APIError(t *testing.T) {
	body := []byte(`{"error":["EQuery:Unknown asset pair"],"result":{}}`)
	if _, err := parseKraken(body); err == nil {
		t.Errorf("Expected error for kraken error payload")
	}
}

func TestParseCoinbase(t *testing.T) {
	body := []byte(`{"data":{"base":"BTC","currency":"USD","amount":"97123.45"}}`)
	price, err := parseCoinbase(body)
	if err != nil {
		t.Fatalf("parseCoinbase() error: %v", err)
	}
	if math.Abs(price-97123.45) > 0.001 {
		t.Errorf("parseCoinbase() = %v, want 97123.45", price)
	}
}

func TestParseBinance(t *testing.T) {
	body := []byte(`{"symbol":"BTCUSDT","price":"97200.00000000"}`)
	price, err := parseBinance(body)
	if err != nil {
		t.Fatalf("parseBinance() error: %v", err)
	}
	if math.Abs(price-97200.0) > 0.001 {
		t.Errorf("parseBinance() = %v, want 97200", price)
	}
}

func TestRefresh_TakesMaximum(t *testing.T) {
	servers := []*httptest.Server{
		httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":{"b":["95000.0"]}}}`))
		})),
		httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"data":{"amount":"97000.0"}}`))
		})),
		httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"price":"96000.0"}`))
		})),
	}
	defer func() {
		for _, s := range servers {
			s.Close()
		}
	}()

	o := NewOracle(1.0)
	o.venues = []venue{
		{"kraken", servers[0].URL, parseKraken},
		{"coinbase", servers[1].URL, parseCoinbase},
		{"binance", servers[2].URL, parseBinance},
	}

	o.refresh(context.Background())

	if got := o.UsdPerBTC(); math.Abs(got-97000.0) > 0.001 {
		t.Errorf("UsdPerBTC() = %v, want the maximum 97000", got)
	}
}

func TestRefresh_RetainsLastValueOnTotalFailure(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	o := NewOracle(1.0)
	o.venues = []venue{{"kraken", failing.URL, parseKraken}}
	o.SetPrice(90000.0)

	o.refresh(context.Background())

	if got := o.UsdPerBTC(); math.Abs(got-90000.0) > 0.001 {
		t.Errorf("UsdPerBTC() = %v, want retained 90000", got)
	}
}

func TestExchangeFeeApplied(t *testing.T) {
	o := NewOracle(1.005)
	o.SetPrice(100000.0)

	if got := o.UsdPerBTC(); math.Abs(got-100500.0) > 0.001 {
		t.Errorf("UsdPerBTC() = %v, want 100500 after 1.005 fee", got)
	}
	wantPerSat := 100500.0 / 100_000_000
	if got := o.UsdPerSat(); math.Abs(got-wantPerSat) > 1e-12 {
		t.Errorf("UsdPerSat() = %v, want %v", got, wantPerSat)
	}
}
