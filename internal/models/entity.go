package models

import "time"

// 实体可用性
const (
	AvailabilityAvailable = "available"
	AvailabilityUnknown   = "unknown"
)

// Entity 暴露给平台的传感器实体。每个配置条目下，每个出现过的
// 指标键对应一个实体；实体只增不删，指标从响应中消失时保留最后值。
type Entity struct {
	ID           int64     `json:"id" db:"id"`
	EntryID      int64     `json:"entry_id" db:"entry_id"`
	MetricKey    string    `json:"metric_key" db:"metric_key"`
	Name         string    `json:"name" db:"name"`
	Unit         string    `json:"unit,omitempty" db:"unit"`
	DeviceClass  string    `json:"device_class,omitempty" db:"device_class"`
	Icon         string    `json:"icon,omitempty" db:"icon"`
	State        string    `json:"state" db:"state"`
	Availability string    `json:"availability" db:"availability"`
	LastUpdated  time.Time `json:"last_updated" db:"last_updated"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
