package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Oracle aggregates BTC/USD bid prices across public venues and caches the
// maximum successful reading. The maximum is the conservative choice for the
// payer: charging against the highest observed price means the node never
// undervalues the sats it is spending upstream.
type Oracle struct {
	client      *http.Client
	interval    time.Duration
	exchangeFee float64 // multiplicative, applied before exposure
	venues      []venue

	mu        sync.RWMutex
	usdPerBTC float64
	fetchedAt time.Time
}

type venue struct {
	name  string
	url   string
	parse func([]byte) (float64, error)
}

const (
	DefaultInterval    = 60 * time.Second
	DefaultExchangeFee = 1.005
	fetchTimeout       = 10 * time.Second
)

func NewOracle(exchangeFee float64) *Oracle {
	if exchangeFee <= 0 {
		exchangeFee = DefaultExchangeFee
	}
	return &Oracle{
		client:      &http.Client{Timeout: fetchTimeout},
		interval:    DefaultInterval,
		exchangeFee: exchangeFee,
		venues: []venue{
			{"kraken", "https://api.kraken.com/0/public/Ticker?pair=XBTUSD", parseKraken},
			{"coinbase", "https://api.coinbase.com/v2/prices/BTC-USD/spot", parseCoinbase},
			{"binance", "https://api.binance.com/api/v3/ticker/price?symbol=BTCUSDT", parseBinance},
		},
	}
}

// Run refreshes the cached price until ctx is cancelled. It fetches once
// immediately so dependents do not start against a zero price.
func (o *Oracle) Run(ctx context.Context) {
	log.Println("[Oracle] Starting exchange rate updater...")
	o.refresh(ctx)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Oracle] Stopping exchange rate updater...")
			return
		case <-ticker.C:
			o.refresh(ctx)
		}
	}
}

func (o *Oracle) refresh(ctx context.Context) {
	best := 0.0
	succeeded := 0
	for _, v := range o.venues {
		price, err := o.fetchVenue(ctx, v)
		if err != nil {
			log.Printf("[Oracle] %s fetch failed: %v", v.name, err)
			continue
		}
		succeeded++
		if price > best {
			best = price
		}
	}

	if succeeded == 0 {
		// Retain the last known value so pricing keeps working through outages.
		log.Println("[Oracle] Warning: all venues failed, retaining last known price")
		return
	}

	o.mu.Lock()
	o.usdPerBTC = best
	o.fetchedAt = time.Now()
	o.mu.Unlock()
}

func (o *Oracle) fetchVenue(ctx context.Context, v venue) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, err
	}
	price, err := v.parse(body)
	if err != nil {
		return 0, fmt.Errorf("parse: %v", err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("non-positive price %f", price)
	}
	return price, nil
}

// UsdPerBTC returns the fee-adjusted cached price, or 0 if no fetch has
// ever succeeded.
func (o *Oracle) UsdPerBTC() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.usdPerBTC * o.exchangeFee
}

// UsdPerSat is the effective price of one satoshi in USD.
func (o *Oracle) UsdPerSat() float64 {
	return o.UsdPerBTC() / 100_000_000
}

// Age reports how stale the cached reading is. Zero time means never fetched.
func (o *Oracle) Age() time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.fetchedAt.IsZero() {
		return 0
	}
	return time.Since(o.fetchedAt)
}

// SetPrice overrides the cached raw price. Used by tests and by the admin
// settings path when an operator pins a manual rate.
func (o *Oracle) SetPrice(usdPerBTC float64) {
	o.mu.Lock()
	o.usdPerBTC = usdPerBTC
	o.fetchedAt = time.Now()
	o.mu.Unlock()
}

// --- Venue response parsers ---

func parseKraken(body []byte) (float64, error) {
	var resp struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			Bid []string `json:"b"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	if len(resp.Error) > 0 {
		return 0, fmt.Errorf("kraken error: %v", resp.Error)
	}
	for _, pair := range resp.Result {
		if len(pair.Bid) == 0 {
			continue
		}
		return strconv.ParseFloat(pair.Bid[0], 64)
	}
	return 0, fmt.Errorf("no ticker pair in response")
}

func parseCoinbase(body []byte) (float64, error) {
	var resp struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	if resp.Data.Amount == "" {
		return 0, fmt.Errorf("empty amount")
	}
	return strconv.ParseFloat(resp.Data.Amount, 64)
}

func parseBinance(body []byte) (float64, error) {
	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	if resp.Price == "" {
		return 0, fmt.Errorf("empty price")
	}
	return strconv.ParseFloat(resp.Price, 64)
}
