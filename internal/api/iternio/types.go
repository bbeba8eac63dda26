package iternio

import "time"

// Credential 短期访问凭证，由 API Key + 用户 Token 换取
type Credential struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ExpiresWithin 判断凭证是否在 margin 时间内过期
func (c *Credential) ExpiresWithin(margin time.Duration) bool {
	return !time.Now().Add(margin).Before(c.ExpiresAt)
}

// tokenResponse 凭证交换响应
type tokenResponse struct {
	Status      string `json:"status"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	VehicleName string `json:"vehicle_name"`
}

// telemetryResponse 遥测响应外层结构
type telemetryResponse struct {
	Status string           `json:"status"`
	Result *telemetryResult `json:"result"`
}

// telemetryResult result 层，timestamp/telemetry_type 与 telemetry 平级
type telemetryResult struct {
	Telemetry     map[string]any `json:"telemetry"`
	Timestamp     *int64         `json:"timestamp"`
	TelemetryType string         `json:"telemetry_type"`
}
