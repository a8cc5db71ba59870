package verify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/treasury/internal/compliance"
	"github.com/terminal-bench/treasury/internal/verify"
	"github.com/terminal-bench/treasury/pkg/circuit"
)

const recipientA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestScreen(t *testing.T) {
	t.Run("should post the triple and decode the verdict", func(t *testing.T) {
		var got map[string]string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/screenings", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

			json.NewEncoder(w).Encode(verify.Result{
				KYCStatus:             compliance.StatusVerified,
				AMLStatus:             compliance.StatusPending,
				RiskScore:             12,
				ExternalTransactionID: "ext-42",
			})
		}))
		defer srv.Close()

		client := verify.NewClient(verify.Config{BaseURL: srv.URL})
		res, err := client.Screen(context.Background(), recipientA, decimal.NewFromInt(100), compliance.SourceScheduled)
		require.NoError(t, err)

		assert.Equal(t, recipientA, got["recipient"])
		assert.Equal(t, "100", got["amount"])
		assert.Equal(t, string(compliance.SourceScheduled), got["source"])

		assert.Equal(t, compliance.StatusVerified, res.KYCStatus)
		assert.Equal(t, compliance.StatusPending, res.AMLStatus)
		assert.Equal(t, 12, res.RiskScore)
		assert.Equal(t, "ext-42", res.ExternalTransactionID)
		assert.True(t, res.Cleared())
	})

	t.Run("should fail on non-200 responses", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		client := verify.NewClient(verify.Config{BaseURL: srv.URL})
		_, err := client.Screen(context.Background(), recipientA, decimal.NewFromInt(100), compliance.SourceMultisig)
		assert.Error(t, err)
	})

	t.Run("should open the breaker after repeated failures", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := verify.NewClient(verify.Config{BaseURL: srv.URL, MaxFailures: 2})

		for i := 0; i < 2; i++ {
			_, err := client.Screen(context.Background(), recipientA, decimal.NewFromInt(100), compliance.SourceMultisig)
			require.Error(t, err)
		}

		_, err := client.Screen(context.Background(), recipientA, decimal.NewFromInt(100), compliance.SourceMultisig)
		assert.ErrorIs(t, err, circuit.ErrCircuitOpen)
	})
}

func TestCleared(t *testing.T) {
	t.Run("should block on rejection of either axis", func(t *testing.T) {
		cases := []struct {
			kyc, aml compliance.Status
			want     bool
		}{
			{compliance.StatusVerified, compliance.StatusVerified, true},
			{compliance.StatusPending, compliance.StatusUnknown, true},
			{compliance.StatusExempt, compliance.StatusExempt, true},
			{compliance.StatusRejected, compliance.StatusVerified, false},
			{compliance.StatusVerified, compliance.StatusRejected, false},
			{compliance.StatusRejected, compliance.StatusRejected, false},
		}
		for _, tc := range cases {
			res := verify.Result{KYCStatus: tc.kyc, AMLStatus: tc.aml}
			assert.Equal(t, tc.want, res.Cleared(), "kyc=%s aml=%s", tc.kyc, tc.aml)
		}
	})
}
