package iternio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client Iternio API 客户端
type Client struct {
	httpClient *http.Client
	apiHost    string
}

// NewClient 创建 Iternio API 客户端
func NewClient(apiHost string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		apiHost: apiHost,
	}
}

// Authenticate 用 API Key + 用户 Token 换取短期访问凭证。
// 成功时返回凭证和上游记录的车辆名称。
func (c *Client) Authenticate(ctx context.Context, apiKey, userToken string) (*Credential, string, error) {
	if apiKey == "" {
		return nil, "", &AuthError{Reason: ReasonInvalidKey, Err: errors.New("empty api key")}
	}
	if userToken == "" {
		return nil, "", &AuthError{Reason: ReasonInvalidToken, Err: errors.New("empty user token")}
	}

	payload, err := json.Marshal(map[string]string{
		"api_key":    apiKey,
		"user_token": userToken,
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiHost+"/oauth/token", bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", &AuthError{Reason: ReasonServiceUnreachable, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, "", &AuthError{Reason: ReasonInvalidToken, Err: fmt.Errorf("status=%d", resp.StatusCode)}
	case resp.StatusCode == http.StatusForbidden:
		return nil, "", &AuthError{Reason: ReasonInvalidKey, Err: fmt.Errorf("status=%d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return nil, "", &AuthError{Reason: ReasonServiceUnreachable, Err: fmt.Errorf("status=%d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return nil, "", &AuthError{Reason: ReasonInvalidToken, Err: fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body))}
	}

	var tokenResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, "", &AuthError{Reason: ReasonServiceUnreachable, Err: fmt.Errorf("decode token response: %w", err)}
	}

	if tokenResp.Status != "ok" || tokenResp.AccessToken == "" {
		return nil, "", &AuthError{Reason: ReasonInvalidToken, Err: fmt.Errorf("status=%q", tokenResp.Status)}
	}

	cred := &Credential{
		AccessToken: tokenResp.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}
	return cred, tokenResp.VehicleName, nil
}

// GetTelemetry 拉取当前遥测数据。返回指标键到原始值的映射，
// result 层的 timestamp 和 telemetry_type 会并入映射（与上游行为一致）。
func (c *Client) GetTelemetry(ctx context.Context, cred *Credential) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiHost+"/tlm/get_telemetry", nil)
	if err != nil {
		return nil, fmt.Errorf("create telemetry request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Transient: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// 正常
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &AuthError{Reason: ReasonInvalidToken, Err: fmt.Errorf("status=%d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return nil, &FetchError{Transient: true, Status: resp.StatusCode, Err: errors.New("server error")}
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, &FetchError{Status: resp.StatusCode, Err: fmt.Errorf("body=%s", string(body))}
	}

	var telResp telemetryResponse
	if err := json.NewDecoder(resp.Body).Decode(&telResp); err != nil {
		return nil, &ParseError{Err: err}
	}

	if telResp.Status != "ok" {
		return nil, &ParseError{Field: "status", Err: fmt.Errorf("status=%q", telResp.Status)}
	}
	if telResp.Result == nil || telResp.Result.Telemetry == nil {
		return nil, &ParseError{Field: "result.telemetry", Err: errors.New("missing")}
	}

	telemetry := telResp.Result.Telemetry
	if telResp.Result.Timestamp != nil {
		telemetry["timestamp"] = *telResp.Result.Timestamp
	}
	if telResp.Result.TelemetryType != "" {
		telemetry["telemetry_type"] = telResp.Result.TelemetryType
	}

	return telemetry, nil
}

// SendTelemetry 向上游推送一条遥测数据
func (c *Client) SendTelemetry(ctx context.Context, cred *Credential, tlm map[string]any) error {
	payload, err := json.Marshal(map[string]any{"tlm": tlm})
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiHost+"/tlm/send", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &FetchError{Transient: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// 正常
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{Reason: ReasonInvalidToken, Err: fmt.Errorf("status=%d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return &FetchError{Transient: true, Status: resp.StatusCode, Err: errors.New("server error")}
	default:
		body, _ := io.ReadAll(resp.Body)
		return &FetchError{Status: resp.StatusCode, Err: fmt.Errorf("body=%s", string(body))}
	}

	var result struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return &ParseError{Err: err}
	}
	if result.Status != "ok" {
		return &ParseError{Field: "status", Err: fmt.Errorf("status=%q", result.Status)}
	}

	return nil
}
