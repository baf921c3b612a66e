package siteconfig

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentpay/internal/agents"
	"github.com/mbd888/agentpay/internal/paymenttarget"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, *agents.MemoryStore) {
	t.Helper()
	store := seedStore(t)
	resolver := NewResolver(store).WithCache(NewMemoryCache(), time.Minute)
	mgr := agents.NewManager(store, plainHasher{}).WithInvalidator(resolver)
	h := NewHandler(resolver, mgr, paymenttarget.NewStaticProvider())

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	protected := v1.Group("")
	protected.Use(func(c *gin.Context) {
		c.Set("authAgentID", c.GetHeader("X-Test-Agent"))
		c.Next()
	})
	h.RegisterProtectedRoutes(protected)
	h.RegisterAdminRoutes(protected.Group("/admin"))
	return r, store
}

func do(r http.Handler, method, path, agentID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if agentID != "" {
		req.Header.Set("X-Test-Agent", agentID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetPaymentPage(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodGet, "/v1/pay/inv_l3", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var page PaymentPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, "inv_l3", page.InviteCode)
	require.Len(t, page.Targets, 1)
	assert.Equal(t, paymenttarget.TypeUSDT, page.Targets[0].Type)
	assert.Equal(t, l1Addr, page.Targets[0].Address)
	assert.Equal(t, "https://t.me/help", page.CustomerService.URL)
}

func TestGetPaymentPage_NotShown(t *testing.T) {
	r, store := newTestRouter(t)
	_, err := store.Update(context.Background(), "l2", func(a *agents.Agent) error {
		a.Status = agents.StatusDisabled
		return nil
	})
	require.NoError(t, err)

	tests := []struct {
		code  string
		error string
	}{
		{"inv_l2", "not_found"},
		{"nope", "not_found"},
		{"inv_bare2", "config_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			w := do(r, http.MethodGet, "/v1/pay/"+tt.code, "", nil)
			assert.Equal(t, http.StatusNotFound, w.Code)
			assert.Contains(t, w.Body.String(), `"error":"`+tt.error+`"`)
		})
	}
}

func TestGetAgentConfig(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodGet, "/v1/agent/config", "l2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		OwnerID   string             `json:"ownerId"`
		Inherited bool               `json:"inherited"`
		Config    *agents.SiteConfig `json:"config"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "l1", body.OwnerID)
	assert.True(t, body.Inherited)
	assert.Equal(t, l1Addr, body.Config.USDT.Address)
}

func TestUpdateAgentConfig(t *testing.T) {
	r, _ := newTestRouter(t)
	update := map[string]any{
		"alipay": map[string]any{"account": "l1@example.com", "name": "Li"},
		"gateway": map[string]any{
			"apiEndpoint": "https://gw.example.com",
			"merchantId":  "m-1",
			"secretKey":   "hidden-key",
		},
	}

	w := do(r, http.MethodPut, "/v1/agent/config", "l1", update)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "hidden-key")

	// Descendants see the new config immediately.
	w = do(r, http.MethodGet, "/v1/pay/inv_l3", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "l1@example.com")

	w = do(r, http.MethodPut, "/v1/agent/config", "l2", update)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"forbidden"`)

	w = do(r, http.MethodPut, "/v1/agent/config", "l1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMainSiteConfig(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPut, "/v1/admin/site-config", agents.RootID, map[string]any{
		"usdt":     map[string]any{"address": "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf"},
		"usdtRate": "7.3",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodGet, "/v1/admin/site-config", agents.RootID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"usdtRate":"7.3"`)

	// Agents without a level-1 ancestor follow the new default.
	w = do(r, http.MethodGet, "/v1/pay/inv_d3", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf")

	w = do(r, http.MethodPut, "/v1/admin/site-config", "l1", map[string]any{
		"usdt": map[string]any{"address": "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf"},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
