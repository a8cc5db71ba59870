package gateway_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/treasury/internal/gateway"
	"github.com/terminal-bench/treasury/internal/treasury"
)

const (
	secret     = "test-secret"
	recipientA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	tr, err := treasury.New(treasury.Config{
		Authority: "authority",
		Signers:   []string{"alice", "bob"},
		Threshold: 2,
		Approvers: []string{"auditor"},
	})
	require.NoError(t, err)
	return gateway.NewGateway(tr, nil, gateway.Config{JWTSecret: secret})
}

func token(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &gateway.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func do(t *testing.T, g *gateway.Gateway, method, path, subject string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, subject))
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestAuth(t *testing.T) {
	t.Run("should reject missing and invalid tokens", func(t *testing.T) {
		g := newGateway(t)

		w := do(t, g, http.MethodGet, "/api/v1/balance", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/balance", nil)
		req.Header.Set("Authorization", "Bearer not.a.token")
		w = httptest.NewRecorder()
		g.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should leave health unauthenticated", func(t *testing.T) {
		g := newGateway(t)
		w := do(t, g, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestDepositAndBalance(t *testing.T) {
	t.Run("should fund and report the balance", func(t *testing.T) {
		g := newGateway(t)

		w := do(t, g, http.MethodPost, "/api/v1/deposits", "alice", gin.H{"amount": "1000"})
		require.Equal(t, http.StatusOK, w.Code)

		w = do(t, g, http.MethodGet, "/api/v1/balance", "alice", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "1000", decode(t, w)["balance"])
	})

	t.Run("should reject malformed amounts", func(t *testing.T) {
		g := newGateway(t)
		w := do(t, g, http.MethodPost, "/api/v1/deposits", "alice", gin.H{"amount": "abc"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestMultisigRoutes(t *testing.T) {
	t.Run("should drive propose and confirm to execution", func(t *testing.T) {
		g := newGateway(t)
		require.Equal(t, http.StatusOK,
			do(t, g, http.MethodPost, "/api/v1/deposits", "alice", gin.H{"amount": "1000"}).Code)

		w := do(t, g, http.MethodPost, "/api/v1/multisig/transactions", "alice",
			gin.H{"recipient": recipientA, "amount": "250"})
		require.Equal(t, http.StatusCreated, w.Code)
		txID := decode(t, w)["tx_id"].(float64)

		w = do(t, g, http.MethodPost, fmt.Sprintf("/api/v1/multisig/transactions/%.0f/confirm", txID), "alice", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, decode(t, w)["executed"])

		w = do(t, g, http.MethodPost, fmt.Sprintf("/api/v1/multisig/transactions/%.0f/confirm", txID), "bob", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decode(t, w)["executed"])

		w = do(t, g, http.MethodGet, "/api/v1/balance", "alice", nil)
		assert.Equal(t, "750", decode(t, w)["balance"])
	})

	t.Run("should map engine errors onto statuses", func(t *testing.T) {
		g := newGateway(t)
		require.Equal(t, http.StatusOK,
			do(t, g, http.MethodPost, "/api/v1/deposits", "alice", gin.H{"amount": "1000"}).Code)

		// Non-signer proposing: forbidden.
		w := do(t, g, http.MethodPost, "/api/v1/multisig/transactions", "mallory",
			gin.H{"recipient": recipientA, "amount": "100"})
		assert.Equal(t, http.StatusForbidden, w.Code)

		// Unknown transaction: not found.
		w = do(t, g, http.MethodPost, "/api/v1/multisig/transactions/999/confirm", "alice", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		// Malformed recipient: bad request.
		w = do(t, g, http.MethodPost, "/api/v1/multisig/transactions", "alice",
			gin.H{"recipient": "bogus", "amount": "100"})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		// Threshold not met on explicit execute: conflict.
		w = do(t, g, http.MethodPost, "/api/v1/multisig/transactions", "alice",
			gin.H{"recipient": recipientA, "amount": "100"})
		require.Equal(t, http.StatusCreated, w.Code)
		txID := decode(t, w)["tx_id"].(float64)
		w = do(t, g, http.MethodPost, fmt.Sprintf("/api/v1/multisig/transactions/%.0f/execute", txID), "alice", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestRuleRoutes(t *testing.T) {
	t.Run("should create and execute an allocation rule", func(t *testing.T) {
		g := newGateway(t)
		require.Equal(t, http.StatusOK,
			do(t, g, http.MethodPost, "/api/v1/deposits", "alice", gin.H{"amount": "1000"}).Code)

		w := do(t, g, http.MethodPost, "/api/v1/rules/allocations", "alice", gin.H{
			"recipient": recipientA,
			"kind":      "PERCENTAGE",
			"value":     "1000",
		})
		require.Equal(t, http.StatusCreated, w.Code)
		ruleID := decode(t, w)["rule_id"].(float64)

		w = do(t, g, http.MethodGet, "/api/v1/rules/allocations/eligible", "alice", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode(t, w)["rule_ids"], 1)

		w = do(t, g, http.MethodPost, "/api/v1/rules/allocations/execute", "alice",
			gin.H{"rule_ids": []float64{ruleID}})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(1), decode(t, w)["executed"])

		w = do(t, g, http.MethodGet, "/api/v1/balance", "alice", nil)
		assert.Equal(t, "900", decode(t, w)["balance"])
	})

	t.Run("should create a batch distribution rule", func(t *testing.T) {
		g := newGateway(t)
		require.Equal(t, http.StatusOK,
			do(t, g, http.MethodPost, "/api/v1/deposits", "alice", gin.H{"amount": "1000"}).Code)

		w := do(t, g, http.MethodPost, "/api/v1/rules/distributions/batch", "alice", gin.H{
			"recipients": []string{recipientA},
			"shares":     []string{"5000"},
		})
		require.Equal(t, http.StatusCreated, w.Code)

		w = do(t, g, http.MethodPost, "/api/v1/rules/distributions/execute-eligible", "alice", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(1), decode(t, w)["executed"])
	})

	t.Run("should surface validation failures as bad requests", func(t *testing.T) {
		g := newGateway(t)

		w := do(t, g, http.MethodPost, "/api/v1/rules/distributions/batch", "alice", gin.H{
			"recipients": []string{recipientA},
			"amounts":    []string{"10"},
			"shares":     []string{"5000"},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestScheduleRoutes(t *testing.T) {
	t.Run("should create a schedule and read it back", func(t *testing.T) {
		g := newGateway(t)

		w := do(t, g, http.MethodPost, "/api/v1/schedules", "alice", gin.H{
			"recipient":        recipientA,
			"amount":           "100",
			"interval_seconds": 3600,
		})
		require.Equal(t, http.StatusCreated, w.Code)
		id := decode(t, w)["schedule_id"].(float64)

		w = do(t, g, http.MethodGet, fmt.Sprintf("/api/v1/schedules/%.0f", id), "alice", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, recipientA, body["recipient"])
		assert.Equal(t, true, body["active"])

		w = do(t, g, http.MethodPut, fmt.Sprintf("/api/v1/schedules/%.0f", id), "alice", gin.H{"active": false})
		require.Equal(t, http.StatusOK, w.Code)

		w = do(t, g, http.MethodGet, "/api/v1/schedules/due", "alice", nil)
		require.Equal(t, http.StatusOK, w.Code)
	})
}

func TestComplianceRoutes(t *testing.T) {
	t.Run("should gate status updates on the approver role", func(t *testing.T) {
		g := newGateway(t)
		require.Equal(t, http.StatusOK,
			do(t, g, http.MethodPost, "/api/v1/deposits", "alice", gin.H{"amount": "1000"}).Code)

		w := do(t, g, http.MethodPost, "/api/v1/multisig/transactions", "alice",
			gin.H{"recipient": recipientA, "amount": "100"})
		require.Equal(t, http.StatusCreated, w.Code)
		txID := decode(t, w)["tx_id"].(float64)
		do(t, g, http.MethodPost, fmt.Sprintf("/api/v1/multisig/transactions/%.0f/confirm", txID), "alice", nil)
		do(t, g, http.MethodPost, fmt.Sprintf("/api/v1/multisig/transactions/%.0f/confirm", txID), "bob", nil)

		w = do(t, g, http.MethodGet, fmt.Sprintf("/api/v1/multisig/transactions/%.0f", txID), "alice", nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = do(t, g, http.MethodGet, "/api/v1/compliance/recipients/"+recipientA+"/records", "alice", nil)
		require.Equal(t, http.StatusOK, w.Code)
		records := decode(t, w)["records"].([]interface{})
		require.Len(t, records, 1)
		recordID := records[0].(map[string]interface{})["record_id"].(string)

		w = do(t, g, http.MethodPut, "/api/v1/compliance/records/"+recordID+"/status", "alice", gin.H{
			"kyc_status": "VERIFIED",
			"aml_status": "VERIFIED",
		})
		assert.Equal(t, http.StatusForbidden, w.Code, "signers are not approvers")

		w = do(t, g, http.MethodPut, "/api/v1/compliance/records/"+recordID+"/status", "auditor", gin.H{
			"kyc_status": "VERIFIED",
			"aml_status": "VERIFIED",
		})
		assert.Equal(t, http.StatusOK, w.Code)

		w = do(t, g, http.MethodPost, "/api/v1/compliance/records/"+recordID+"/reconcile", "auditor", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		w = do(t, g, http.MethodPost, "/api/v1/compliance/records/"+recordID+"/reconcile", "auditor", nil)
		assert.Equal(t, http.StatusConflict, w.Code, "double reconciliation")
	})

	t.Run("should return 404 for unknown records", func(t *testing.T) {
		g := newGateway(t)
		w := do(t, g, http.MethodGet, "/api/v1/compliance/records/0xdeadbeef", "alice", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("should filter records by reconciliation state", func(t *testing.T) {
		g := newGateway(t)
		w := do(t, g, http.MethodGet, "/api/v1/compliance/records?reconciled=false", "alice", nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = do(t, g, http.MethodGet, "/api/v1/compliance/records?reconciled=banana", "alice", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
