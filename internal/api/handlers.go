package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/inference-gateway/internal/upstream"
	"github.com/rawblock/inference-gateway/pkg/models"
)

// credential resolves the caller's payment credential from the request,
// writing the error envelope itself on failure.
func (h *APIHandler) credential(c *gin.Context) (*models.Credential, bool) {
	bearer := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	if bearer == "" {
		bearer = strings.TrimSpace(c.GetHeader("X-Cashu"))
	}
	res, err := h.payments.Resolve(c.Request.Context(), bearer)
	if err != nil {
		pe := models.AsProxyError(err, func() string { return "" })
		c.JSON(pe.Status, pe.Envelope())
		return nil, false
	}
	return res.Credential, true
}

// handleListModels serves the OpenAI-shaped model listing from the cache.
func (h *APIHandler) handleListModels(c *gin.Context) {
	all := h.catalog.AllModels()
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   all,
	})
}

// handleBalance reports the caller's ledger state. Presenting a fresh ecash
// token here redeems it, so the endpoint doubles as a top-up.
func (h *APIHandler) handleBalance(c *gin.Context) {
	cred, ok := h.credential(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance_msats":     cred.BalanceMsat,
		"reserved_msats":    cred.ReservedMsat,
		"available_msats":   cred.AvailableMsat(),
		"total_spent_msats": cred.TotalSpentMsat,
		"total_requests":    cred.TotalRequests,
		"expiry_time":       cred.ExpiryTime,
		"api_key":           "sk-" + cred.Hash,
	})
}

// handleCreateKey mints a sub-credential that spends from the caller's balance.
func (h *APIHandler) handleCreateKey(c *gin.Context) {
	cred, ok := h.credential(c)
	if !ok {
		return
	}
	parent := cred.Hash
	if cred.IsSubCredential() {
		parent = cred.ParentHash
	}
	key, err := h.payments.CreateSubCredential(c.Request.Context(), parent)
	if err != nil {
		pe := models.AsProxyError(err, func() string { return "" })
		c.JSON(pe.Status, pe.Envelope())
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_key": key, "parent": "sk-" + parent})
}

// handleRefund drains the caller's available balance into a fresh ecash token.
func (h *APIHandler) handleRefund(c *gin.Context) {
	cred, ok := h.credential(c)
	if !ok {
		return
	}
	token, err := h.payments.ChangeToken(c.Request.Context(), cred)
	if err != nil {
		pe := models.AsProxyError(err, func() string { return "" })
		c.JSON(pe.Status, pe.Envelope())
		return
	}
	if token == "" {
		c.JSON(http.StatusOK, gin.H{"token": "", "detail": "no refundable balance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// --- Admin: upstreams ---

func (h *APIHandler) handleListUpstreams(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	ups, err := h.dbStore.ListUpstreams(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list upstreams", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ups})
}

func (h *APIHandler) handleSaveUpstream(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	var up models.Upstream
	if err := c.ShouldBindJSON(&up); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if up.ID == "" || up.BaseURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id and baseUrl are required"})
		return
	}
	if err := h.dbStore.SaveUpstream(c.Request.Context(), up); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save upstream", "details": err.Error()})
		return
	}
	h.reload()
	c.JSON(http.StatusOK, gin.H{"status": "saved", "id": up.ID})
}

func (h *APIHandler) handleDeleteUpstream(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	if err := h.dbStore.DeleteUpstream(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete upstream", "details": err.Error()})
		return
	}
	h.reload()
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// funder resolves an upstream id to its prepaid-account surface, writing the
// error response itself when the upstream is unknown or card-billed.
func (h *APIHandler) funder(c *gin.Context) (upstream.Funder, bool) {
	adapter, ok := h.adapters(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Upstream not found"})
		return nil, false
	}
	f, ok := adapter.(upstream.Funder)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Upstream has no prepaid account"})
		return nil, false
	}
	return f, true
}

func (h *APIHandler) handleUpstreamFunding(c *gin.Context) {
	f, ok := h.funder(c)
	if !ok {
		return
	}
	balance, err := f.AccountBalance(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch account balance", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance_sats": balance})
}

func (h *APIHandler) handleUpstreamTopUp(c *gin.Context) {
	f, ok := h.funder(c)
	if !ok {
		return
	}
	var req struct {
		AmountSats int64 `json:"amount_sats"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AmountSats <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {amount_sats > 0}"})
		return
	}
	invoice, err := f.TopUpInvoice(c.Request.Context(), req.AmountSats)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to create top-up invoice", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": invoice, "amount_sats": req.AmountSats})
}

// --- Admin: model overrides ---

func (h *APIHandler) handleListOverrides(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	overrides, err := h.dbStore.ListModelOverrides(c.Request.Context(), c.Param("upstream"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list overrides", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": overrides})
}

func (h *APIHandler) handleSaveOverride(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	var req struct {
		Model   models.Model `json:"model"`
		Enabled *bool        `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Model.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {model, enabled}"})
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	if err := h.dbStore.SaveModelOverride(c.Request.Context(), c.Param("upstream"), req.Model, enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save override", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved", "model": req.Model.ID})
}

func (h *APIHandler) handleDeleteOverride(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	modelID := strings.TrimPrefix(c.Param("model"), "/")
	if err := h.dbStore.DeleteModelOverride(c.Request.Context(), modelID, c.Param("upstream")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete override", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// --- Admin: credentials ---

func (h *APIHandler) handleGetCredential(c *gin.Context) {
	cred, err := h.store.Get(c.Request.Context(), c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Credential not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cred})
}

func (h *APIHandler) handleDeleteCredential(c *gin.Context) {
	cred, err := h.store.Get(c.Request.Context(), c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Credential not found"})
		return
	}
	if cred.ReservedMsat > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "Credential has a reservation in flight"})
		return
	}
	if err := h.store.Delete(c.Request.Context(), cred.Hash); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete credential", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "forfeited_msats": cred.BalanceMsat})
}

// --- Admin: settings and rate override ---

func (h *APIHandler) handleListSettings(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	settings, err := h.dbStore.ListSettings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list settings", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": settings})
}

func (h *APIHandler) handleSetSetting(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	var req struct {
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {value}"})
		return
	}
	if err := h.dbStore.SetSetting(c.Request.Context(), c.Param("key"), req.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save setting", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

// handleSetPrice pins the exchange rate, for maintenance and tests.
// POST /admin/v1/price { "usdPerBtc": 65000 }
func (h *APIHandler) handleSetPrice(c *gin.Context) {
	var req struct {
		UsdPerBtc float64 `json:"usdPerBtc"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UsdPerBtc <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {usdPerBtc > 0}"})
		return
	}
	h.oracle.SetPrice(req.UsdPerBtc)
	c.JSON(http.StatusOK, gin.H{"status": "pinned", "usdPerBtc": req.UsdPerBtc})
}
