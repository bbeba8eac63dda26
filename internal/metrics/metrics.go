package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 轮询周期结果标签值
const (
	OutcomeSucceeded       = "succeeded"
	OutcomeTransientFailed = "transient_failed"
	OutcomePermanentFailed = "permanent_failed"
	OutcomeSkipped         = "skipped"
)

var (
	// PollCycles 按结果统计的轮询周期数
	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "abrphome",
		Name:      "poll_cycles_total",
		Help:      "Polling cycles by outcome.",
	}, []string{"outcome"})

	// AuthRetries 周期内的凭证刷新重试次数
	AuthRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "abrphome",
		Name:      "auth_retries_total",
		Help:      "In-cycle refresh-and-retry attempts after a credential rejection.",
	})

	// CredentialExchanges 凭证交换次数（含初始换取和刷新）
	CredentialExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "abrphome",
		Name:      "credential_exchanges_total",
		Help:      "Credential exchange attempts by result.",
	}, []string{"result"})

	// EntitiesCreated 创建的实体数
	EntitiesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "abrphome",
		Name:      "entities_created_total",
		Help:      "Exposed entities created.",
	})

	// EntityUpdates 实体状态更新数
	EntityUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "abrphome",
		Name:      "entity_updates_total",
		Help:      "Entity state updates emitted.",
	})
)
