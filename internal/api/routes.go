package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/inference-gateway/internal/catalog"
	"github.com/rawblock/inference-gateway/internal/db"
	"github.com/rawblock/inference-gateway/internal/ledger"
	"github.com/rawblock/inference-gateway/internal/payment"
	"github.com/rawblock/inference-gateway/internal/proxy"
	"github.com/rawblock/inference-gateway/internal/rates"
)

type APIHandler struct {
	dbStore  *db.PostgresStore
	store    ledger.Store
	payments *payment.Resolver
	catalog  *catalog.Catalog
	oracle   *rates.Oracle
	px       *proxy.Proxy
	adapters proxy.Adapters
	wsHub    *Hub

	// reload is invoked after admin upstream mutations so the adapter set
	// and refresher pick up the change without a restart.
	reload func()
}

func SetupRouter(dbStore *db.PostgresStore, store ledger.Store, payments *payment.Resolver,
	cat *catalog.Catalog, oracle *rates.Oracle, px *proxy.Proxy, adapters proxy.Adapters,
	wsHub *Hub, reload func()) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://gateway.example.com
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Cashu, Refund-Lnurl, Key-Expiry-Time")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Cashu")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	if reload == nil {
		reload = func() {}
	}
	handler := &APIHandler{
		dbStore:  dbStore,
		store:    store,
		payments: payments,
		catalog:  cat,
		oracle:   oracle,
		px:       px,
		adapters: adapters,
		wsHub:    wsHub,
		reload:   reload,
	}

	forward := func(c *gin.Context) {
		px.Forward(c.Writer, c.Request)
	}

	v1 := r.Group("/v1")
	{
		v1.POST("/chat/completions", forward)
		v1.POST("/completions", forward)
		v1.POST("/embeddings", forward)
		v1.POST("/responses", forward)

		v1.GET("/models", handler.handleListModels)
		v1.GET("/balance", handler.handleBalance)
		v1.POST("/keys", handler.handleCreateKey)
		v1.POST("/refund", handler.handleRefund)
		v1.GET("/stream", wsHub.Subscribe)
	}

	r.GET("/health", handler.handleHealth)

	// Anything else under /v1 forwards transparently through the same paid
	// pipeline (audio, moderations and whatever the vendors add next).
	r.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/v1/") {
			forward(c)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	admin := r.Group("/admin/v1")
	admin.Use(AuthMiddleware())
	{
		admin.GET("/upstreams", handler.handleListUpstreams)
		admin.POST("/upstreams", handler.handleSaveUpstream)
		admin.DELETE("/upstreams/:id", handler.handleDeleteUpstream)
		admin.GET("/upstreams/:id/funding", handler.handleUpstreamFunding)
		admin.POST("/upstreams/:id/funding", handler.handleUpstreamTopUp)

		admin.GET("/overrides/:upstream", handler.handleListOverrides)
		admin.POST("/overrides/:upstream", handler.handleSaveOverride)
		admin.DELETE("/overrides/:upstream/*model", handler.handleDeleteOverride)

		admin.GET("/credentials/:hash", handler.handleGetCredential)
		admin.DELETE("/credentials/:hash", handler.handleDeleteCredential)

		admin.GET("/settings", handler.handleListSettings)
		admin.PUT("/settings/:key", handler.handleSetSetting)

		admin.POST("/price", handler.handleSetPrice)
	}

	return r
}

// handleHealth returns gateway status for service discovery and monitoring.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "operational",
		"models":       h.catalog.Size(),
		"usdPerBtc":    h.oracle.UsdPerBTC(),
		"rateAgeSecs":  int64(h.oracle.Age().Seconds()),
		"dbConnected":  h.dbStore != nil,
		"capabilities": gin.H{"streaming": true, "ecash": true, "sub_keys": true},
	})
}
