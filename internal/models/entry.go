package models

import "time"

// Entry 配置条目。一个条目对应一辆车：一个 API Key 加一个用户 Token。
// 两者配置后不可变，轮换 Token 需要走重新认证接口。
type Entry struct {
	ID          int64     `json:"id" db:"id"`
	APIKey      string    `json:"-" db:"api_key"`
	UserToken   string    `json:"-" db:"user_token"`
	VehicleName string    `json:"vehicle_name" db:"vehicle_name"`
	NeedsReauth bool      `json:"needs_reauth" db:"needs_reauth"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
