package iternio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/oauth/token", r.URL.Path)
		w.Write([]byte(`{"status":"ok","access_token":"tok-123","expires_in":3600,"vehicle_name":"My Ioniq"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	cred, vehicleName, err := client.Authenticate(context.Background(), "key", "token")
	require.NoError(t, err)

	assert.Equal(t, "tok-123", cred.AccessToken)
	assert.Equal(t, "My Ioniq", vehicleName)
	assert.True(t, cred.ExpiresAt.After(time.Now()), "expiry must be strictly in the future")
}

func TestAuthenticateEmptyInputs(t *testing.T) {
	client := NewClient("http://localhost:0", time.Second)

	_, _, err := client.Authenticate(context.Background(), "", "token")
	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ReasonInvalidKey, ae.Reason)

	_, _, err = client.Authenticate(context.Background(), "key", "")
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ReasonInvalidToken, ae.Reason)
}

func TestAuthenticateRejections(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		reason AuthReason
	}{
		{"401 means bad token", http.StatusUnauthorized, `{}`, ReasonInvalidToken},
		{"403 means bad key", http.StatusForbidden, `{}`, ReasonInvalidKey},
		{"5xx means unreachable", http.StatusBadGateway, `{}`, ReasonServiceUnreachable},
		{"non-ok status field", http.StatusOK, `{"status":"error"}`, ReasonInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(server.URL, time.Second)
			_, _, err := client.Authenticate(context.Background(), "key", "token")

			var ae *AuthError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.reason, ae.Reason)
		})
	}
}

func TestAuthenticateNetworkError(t *testing.T) {
	// 端口未监听
	client := NewClient("http://127.0.0.1:1", time.Second)
	_, _, err := client.Authenticate(context.Background(), "key", "token")

	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ReasonServiceUnreachable, ae.Reason)
}

func TestGetTelemetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tlm/get_telemetry", r.URL.Path)
		require.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		w.Write([]byte(`{
			"status": "ok",
			"result": {
				"telemetry": {"soc": 72.5, "power": 45, "is_charging": true},
				"timestamp": 1700000000,
				"telemetry_type": "live"
			}
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	raw, err := client.GetTelemetry(context.Background(), &Credential{AccessToken: "tok-123"})
	require.NoError(t, err)

	assert.Equal(t, 72.5, raw["soc"])
	assert.Equal(t, true, raw["is_charging"])
	// result 层字段并入映射
	assert.Equal(t, int64(1700000000), raw["timestamp"])
	assert.Equal(t, "live", raw["telemetry_type"])
}

func TestGetTelemetryErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			"401 is an auth error", http.StatusUnauthorized, `{}`,
			func(t *testing.T, err error) { assert.True(t, IsAuthError(err)) },
		},
		{
			"5xx is transient", http.StatusInternalServerError, `{}`,
			func(t *testing.T, err error) { assert.True(t, IsTransient(err)) },
		},
		{
			"non-auth 4xx is permanent", http.StatusNotFound, `{}`,
			func(t *testing.T, err error) {
				var fe *FetchError
				require.ErrorAs(t, err, &fe)
				assert.False(t, fe.Transient)
			},
		},
		{
			"malformed body is a parse error", http.StatusOK, `{"status":"ok","result":`,
			func(t *testing.T, err error) { assert.True(t, IsParseError(err)) },
		},
		{
			"missing telemetry shape is a parse error", http.StatusOK, `{"status":"ok","result":{}}`,
			func(t *testing.T, err error) { assert.True(t, IsParseError(err)) },
		},
		{
			"non-ok status is a parse error", http.StatusOK, `{"status":"denied"}`,
			func(t *testing.T, err error) { assert.True(t, IsParseError(err)) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(server.URL, time.Second)
			_, err := client.GetTelemetry(context.Background(), &Credential{AccessToken: "tok"})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestGetTelemetryTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(server.URL, 20*time.Millisecond)
	_, err := client.GetTelemetry(context.Background(), &Credential{AccessToken: "tok"})
	assert.True(t, IsTransient(err), "timeout must resolve to a transient failure")
}

func TestSendTelemetry(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tlm/send", r.URL.Path)
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	err := client.SendTelemetry(context.Background(), &Credential{AccessToken: "tok"}, map[string]any{"soc": 55.0})
	require.NoError(t, err)
	assert.Contains(t, gotBody, `"tlm"`)
	assert.Contains(t, gotBody, `"soc":55`)
}

func TestCredentialExpiresWithin(t *testing.T) {
	cred := &Credential{ExpiresAt: time.Now().Add(10 * time.Minute)}
	assert.False(t, cred.ExpiresWithin(5*time.Minute))
	assert.True(t, cred.ExpiresWithin(15*time.Minute))

	expired := &Credential{ExpiresAt: time.Now().Add(-time.Minute)}
	assert.True(t, expired.ExpiresWithin(0))
}
