package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rawblock/inference-gateway/internal/api"
	"github.com/rawblock/inference-gateway/internal/catalog"
	"github.com/rawblock/inference-gateway/internal/cost"
	"github.com/rawblock/inference-gateway/internal/db"
	"github.com/rawblock/inference-gateway/internal/ledger"
	"github.com/rawblock/inference-gateway/internal/payment"
	"github.com/rawblock/inference-gateway/internal/proxy"
	"github.com/rawblock/inference-gateway/internal/rates"
	"github.com/rawblock/inference-gateway/internal/upstream"
	"github.com/rawblock/inference-gateway/pkg/models"
)

const openRouterMetadataURL = "https://openrouter.ai/api/v1"

func main() {
	log.Println("Starting Inference Gateway (pay-per-request AI reverse proxy)...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	dbUrl := requireEnv("DATABASE_URL")

	dbConn, err := db.Connect(dbUrl)
	if err != nil {
		log.Printf("Warning: Failed to connect to PostgreSQL, continuing with in-memory ledger. Balances will not survive a restart. Error: %v", err)
		dbConn = nil
	} else {
		defer dbConn.Close()
		if err := dbConn.InitSchema(); err != nil {
			log.Printf("Warning: DB schema init failed: %v", err)
		}
	}

	var store ledger.Store
	if dbConn != nil {
		store = ledger.NewPostgresStore(dbConn.GetPool())
	} else {
		store = ledger.NewMemoryStore()
	}

	wallet := payment.NewRemoteWallet(payment.WalletConfig{
		BaseURL: requireEnv("WALLET_URL"),
		APIKey:  os.Getenv("WALLET_API_KEY"),
	})
	payments := payment.NewResolver(wallet, store, payment.Config{
		PrimaryMint:      requireEnv("PRIMARY_MINT"),
		TrustedMints:     splitCSV(os.Getenv("TRUSTED_MINTS")),
		ChildKeyCostMsat: envInt64("CHILD_KEY_COST_MSAT", 1000),
	})

	oracle := rates.NewOracle(envFloat("EXCHANGE_FEE", 1.005))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go oracle.Run(ctx)

	engine := cost.NewEngine(cost.Config{
		FixedPricing:      os.Getenv("FIXED_PRICING") == "true",
		FixedCostMsat:     envInt64("FIXED_COST_MSAT", 1000),
		FixedPer1kInSats:  envFloat("FIXED_PER_1K_INPUT_SATS", 0),
		FixedPer1kOutSats: envFloat("FIXED_PER_1K_OUTPUT_SATS", 0),
		MinRequestMsat:    envInt64("MIN_REQUEST_MSAT", 1),
		TolerancePercent:  envFloat("TOLERANCE_PERCENT", 1),
	}, oracle)

	var overrides catalog.OverrideFunc
	if dbConn != nil {
		overrides = func(ctx context.Context, upstreamID string) (map[string]catalog.Override, error) {
			rows, err := dbConn.ListModelOverrides(ctx, upstreamID)
			if err != nil {
				return nil, err
			}
			out := make(map[string]catalog.Override, len(rows))
			for id, row := range rows {
				out[id] = catalog.Override{Model: row.Model, Enabled: row.Enabled}
			}
			return out, nil
		}
	}
	cat := catalog.New(oracle, overrides)

	meta := upstream.NewMetadata(getEnvOrDefault("METADATA_URL", openRouterMetadataURL))
	registry := newRegistry(dbConn, meta)
	registry.reload(ctx)

	refreshEvery := time.Duration(envInt64("MODEL_REFRESH_SECONDS", 300)) * time.Second
	go cat.RunRefresher(ctx, registry.sources(), refreshEvery)

	wsHub := api.NewHub()
	go wsHub.Run()

	px := proxy.New(cat, store, payments, engine, registry.adapter, api.BroadcastSettlement(wsHub))

	sweeper := payment.NewSweeper(wallet, store)
	go sweeper.Run(ctx, time.Duration(envInt64("SWEEP_INTERVAL_SECONDS", 600))*time.Second)

	r := api.SetupRouter(dbConn, store, payments, cat, oracle, px, registry.adapter, wsHub, func() {
		registry.reload(ctx)
	})

	port := getEnvOrDefault("PORT", "8080")
	log.Printf("Gateway running on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// registry holds the live adapter set. Upstreams come from the database,
// supplemented by well-known environment keys so a fresh install can route
// without touching the admin API first.
type registry struct {
	dbConn *db.PostgresStore
	meta   *upstream.Metadata

	mu       sync.RWMutex
	adapters map[string]upstream.Adapter
}

func newRegistry(dbConn *db.PostgresStore, meta *upstream.Metadata) *registry {
	return &registry{dbConn: dbConn, meta: meta, adapters: make(map[string]upstream.Adapter)}
}

func (r *registry) reload(ctx context.Context) {
	ups := envUpstreams()
	if r.dbConn != nil {
		rows, err := r.dbConn.ListUpstreams(ctx)
		if err != nil {
			log.Printf("Warning: Failed to load upstreams from DB: %v", err)
		}
		for _, up := range rows {
			ups[up.ID] = up
		}
	}

	adapters := make(map[string]upstream.Adapter, len(ups))
	for id, up := range ups {
		if !up.Enabled {
			continue
		}
		adapters[id] = upstream.New(up, r.meta)
	}

	r.mu.Lock()
	r.adapters = adapters
	r.mu.Unlock()
	log.Printf("Loaded %d upstream adapters", len(adapters))
}

func (r *registry) adapter(id string) (upstream.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

func (r *registry) sources() []catalog.ModelSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]catalog.ModelSource, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// envUpstreams builds upstream records from well-known environment keys.
func envUpstreams() map[string]models.Upstream {
	out := make(map[string]models.Upstream)
	add := func(id, provider, baseURL, key string) {
		if key == "" && provider != models.ProviderOllama {
			return
		}
		out[id] = models.Upstream{
			ID: id, Provider: provider, BaseURL: baseURL, APIKey: key,
			Enabled: true, ProviderFee: models.DefaultProviderFee(provider),
		}
	}
	add("openrouter", models.ProviderOpenRouter, getEnvOrDefault("OPENROUTER_URL", "https://openrouter.ai/api/v1"), os.Getenv("OPENROUTER_API_KEY"))
	add("openai", models.ProviderOpenAI, getEnvOrDefault("OPENAI_URL", "https://api.openai.com/v1"), os.Getenv("OPENAI_API_KEY"))
	add("anthropic", models.ProviderAnthropic, getEnvOrDefault("ANTHROPIC_URL", "https://api.anthropic.com/v1"), os.Getenv("ANTHROPIC_API_KEY"))
	add("groq", models.ProviderGroq, getEnvOrDefault("GROQ_URL", "https://api.groq.com/openai/v1"), os.Getenv("GROQ_API_KEY"))
	add("gemini", models.ProviderGemini, getEnvOrDefault("GEMINI_URL", "https://generativelanguage.googleapis.com/v1beta"), os.Getenv("GEMINI_API_KEY"))
	add("ppq", models.ProviderPPQ, getEnvOrDefault("PPQ_URL", "https://api.ppq.ai"), os.Getenv("PPQ_API_KEY"))
	if base := os.Getenv("OLLAMA_URL"); base != "" {
		add("ollama", models.ProviderOllama, base, os.Getenv("OLLAMA_API_KEY"))
	}
	return out
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
		log.Printf("Warning: Invalid value for %s, using default %d", key, fallback)
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
		log.Printf("Warning: Invalid value for %s, using default %v", key, fallback)
	}
	return fallback
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
