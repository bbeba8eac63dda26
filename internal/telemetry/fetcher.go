package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/langchou/abrphome/internal/api/iternio"
	"github.com/langchou/abrphome/internal/metrics"
)

// 轮询周期状态常量
const (
	StateIdle            = "idle"
	StateFetching        = "fetching"
	StateAuthRetry       = "auth_retry"
	StateSucceeded       = "succeeded"
	StateTransientFailed = "transient_failed"
	StatePermanentFailed = "permanent_failed"
)

// 周期事件常量
const (
	EventBegin         = "begin"
	EventAuthReject    = "auth_reject"
	EventRetry         = "retry"
	EventSucceed       = "succeed"
	EventFailTransient = "fail_transient"
	EventFailPermanent = "fail_permanent"
	EventReset         = "reset"
)

// Source 遥测数据来源，由 iternio.Client 实现
type Source interface {
	GetTelemetry(ctx context.Context, cred *iternio.Credential) (map[string]any, error)
}

// CredentialProvider 凭证提供者，由 credential.Manager 实现
type CredentialProvider interface {
	EnsureValid(ctx context.Context) (*iternio.Credential, error)
	ForceRefresh(ctx context.Context) (*iternio.Credential, error)
}

// Fetcher 遥测拉取器。每个轮询周期是一次状态机运转：
// idle → fetching → {succeeded, auth_retry, transient_failed, permanent_failed}。
// 认证失败时强制刷新凭证并重试恰好一次，第二次认证失败即为本周期永久失败。
type Fetcher struct {
	source Source
	creds  CredentialProvider
	logger *zap.Logger

	mu  sync.Mutex
	fsm *fsm.FSM
}

// NewFetcher 创建遥测拉取器
func NewFetcher(source Source, creds CredentialProvider, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		source: source,
		creds:  creds,
		logger: logger,
		fsm: fsm.NewFSM(
			StateIdle,
			fsm.Events{
				{Name: EventBegin, Src: []string{StateIdle}, Dst: StateFetching},
				{Name: EventAuthReject, Src: []string{StateFetching}, Dst: StateAuthRetry},
				{Name: EventRetry, Src: []string{StateAuthRetry}, Dst: StateFetching},
				{Name: EventSucceed, Src: []string{StateFetching}, Dst: StateSucceeded},
				{Name: EventFailTransient, Src: []string{StateFetching, StateAuthRetry}, Dst: StateTransientFailed},
				{Name: EventFailPermanent, Src: []string{StateFetching, StateAuthRetry}, Dst: StatePermanentFailed},
				{Name: EventReset, Src: []string{StateSucceeded, StateTransientFailed, StatePermanentFailed}, Dst: StateIdle},
			},
			fsm.Callbacks{},
		),
	}
}

// State 当前周期状态
func (f *Fetcher) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fsm.Current()
}

// failTransition 按错误类别选择失败事件
func (f *Fetcher) failTransition(ctx context.Context, err error) {
	if iternio.IsTransient(err) {
		f.transition(ctx, EventFailTransient)
	} else {
		f.transition(ctx, EventFailPermanent)
	}
}

func (f *Fetcher) transition(ctx context.Context, event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fsm.Event(ctx, event); err != nil {
		// 事件表覆盖了所有合法路径，走到这里说明周期被并发驱动
		f.logger.Warn("Unexpected cycle transition", zap.String("event", event), zap.Error(err))
	}
}

// Poll 执行一个完整的轮询周期，成功时返回规范化快照。
// 失败原因通过 iternio 包的错误类型区分；调用方按 IsTransient /
// IsAuthError 决定周期结果的上报方式。周期结束后状态机回到 idle。
func (f *Fetcher) Poll(ctx context.Context) (*Snapshot, error) {
	f.transition(ctx, EventBegin)
	defer f.transition(ctx, EventReset)

	cred, err := f.creds.EnsureValid(ctx)
	if err != nil {
		// 换取凭证时的网络故障是瞬时失败，不是凭证被拒绝
		f.failTransition(ctx, err)
		return nil, fmt.Errorf("ensure credential: %w", err)
	}

	raw, err := f.source.GetTelemetry(ctx, cred)
	if err != nil && iternio.IsAuthError(err) && !iternio.IsTransient(err) {
		// 凭证被上游拒绝：强制刷新一次，再重试一次
		f.transition(ctx, EventAuthReject)
		f.logger.Info("Credential rejected, refreshing and retrying once")
		metrics.AuthRetries.Inc()

		cred, err = f.creds.ForceRefresh(ctx)
		if err != nil {
			f.failTransition(ctx, err)
			return nil, fmt.Errorf("refresh credential: %w", err)
		}

		f.transition(ctx, EventRetry)
		raw, err = f.source.GetTelemetry(ctx, cred)
		if err != nil && iternio.IsAuthError(err) {
			// 第二次认证失败：本周期到此为止，不再重试
			f.transition(ctx, EventFailPermanent)
			return nil, fmt.Errorf("credential rejected after refresh: %w", err)
		}
	}

	if err != nil {
		f.failTransition(ctx, err)
		return nil, err
	}

	snap := Normalize(raw, time.Now().UTC())
	f.transition(ctx, EventSucceed)

	return snap, nil
}
