package service

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/langchou/abrphome/internal/api/iternio"
	"github.com/langchou/abrphome/internal/credential"
	"github.com/langchou/abrphome/internal/entity"
	"github.com/langchou/abrphome/internal/metrics"
	"github.com/langchou/abrphome/internal/telemetry"
	"github.com/langchou/abrphome/pkg/ws"
)

// ReauthStore 标记条目需要重新认证的能力接口，
// 由 repository.EntryRepository 实现
type ReauthStore interface {
	SetNeedsReauth(ctx context.Context, id int64, needsReauth bool) error
}

// Status 单个条目的轮询状态，供 API 查询
type Status struct {
	EntryID     int64     `json:"entry_id"`
	CycleState  string    `json:"cycle_state"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastPollAt  time.Time `json:"last_poll_at,omitempty"`
	EntityCount int       `json:"entity_count"`
}

// Poller 单个配置条目的轮询工作者。
// 每个条目恰有一个逻辑工作者：周期由定时器串行触发，上个周期
// 未结束时新触发被跳过，绝不并发运行。条目之间完全独立。
type Poller struct {
	entryID     int64
	interval    time.Duration
	markUnknown bool
	logger      *zap.Logger
	clock       clock.Clock

	creds     *credential.Manager
	fetcher   *telemetry.Fetcher
	registry  *entity.Registry
	sink      entity.Sink
	entryRepo ReauthStore
	hub       *ws.Hub

	mu          sync.Mutex
	inFlight    bool
	lastOutcome string
	lastError   string
	lastPollAt  time.Time

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PollerConfig 轮询工作者依赖
type PollerConfig struct {
	EntryID     int64
	Interval    time.Duration
	MarkUnknown bool
	Logger      *zap.Logger
	Clock       clock.Clock
	Credentials *credential.Manager
	Fetcher     *telemetry.Fetcher
	Registry    *entity.Registry
	Sink        entity.Sink
	EntryRepo   ReauthStore
	Hub         *ws.Hub
}

// NewPoller 创建轮询工作者
func NewPoller(cfg PollerConfig) *Poller {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Poller{
		entryID:     cfg.EntryID,
		interval:    cfg.Interval,
		markUnknown: cfg.MarkUnknown,
		logger:      cfg.Logger.With(zap.Int64("entry_id", cfg.EntryID)),
		clock:       c,
		creds:       cfg.Credentials,
		fetcher:     cfg.Fetcher,
		registry:    cfg.Registry,
		sink:        cfg.Sink,
		entryRepo:   cfg.EntryRepo,
		hub:         cfg.Hub,
	}
}

// Start 启动轮询循环。启动时立即执行一次周期，之后按固定间隔触发。
func (p *Poller) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.mu.Lock()
	p.runCtx = ctx
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)
}

// TriggerNow 异步触发一次额外的轮询周期（手动触发入口）。
// 有周期在途时该触发会被 RunCycle 跳过。
func (p *Poller) TriggerNow() {
	p.mu.Lock()
	ctx := p.runCtx
	p.mu.Unlock()
	if ctx == nil {
		return
	}
	go p.RunCycle(ctx)
}

// Stop 停止轮询并放弃进行中的周期。
// 取消后进行中的周期不再产生任何实体变更。
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.creds.Clear()
}

// Registry 该条目的实体注册表
func (p *Poller) Registry() *entity.Registry {
	return p.registry
}

// Status 当前轮询状态
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		EntryID:     p.entryID,
		CycleState:  p.fetcher.State(),
		LastOutcome: p.lastOutcome,
		LastError:   p.lastError,
		LastPollAt:  p.lastPollAt,
		EntityCount: p.registry.Len(),
	}
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	p.RunCycle(ctx)

	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunCycle(ctx)
		}
	}
}

// RunCycle 执行一个轮询周期。上个周期未结束时直接跳过，保证同一
// 条目的周期绝不交叠。任何一次周期失败都不影响后续周期的执行。
func (p *Poller) RunCycle(ctx context.Context) {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		p.logger.Warn("Previous cycle still in flight, skipping trigger")
		metrics.PollCycles.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return
	}
	p.inFlight = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight = false
		p.lastPollAt = time.Now()
		p.mu.Unlock()
	}()

	snap, err := p.fetcher.Poll(ctx)

	// 条目被移除时放弃本周期，不发出任何实体变更
	if ctx.Err() != nil {
		p.logger.Info("Cycle abandoned, entry removed")
		return
	}

	if err != nil {
		p.recordFailure(ctx, err)
		return
	}

	p.applySnapshot(ctx, snap)
}

// applySnapshot 将成功的快照调和进实体注册表
func (p *Poller) applySnapshot(ctx context.Context, snap *telemetry.Snapshot) {
	plan := entity.Reconcile(p.entryID, snap, p.registry.Snapshot(), p.markUnknown)

	if _, err := plan.Apply(ctx, p.sink); err != nil {
		p.logger.Error("Failed to apply reconcile plan", zap.Error(err))
		p.setOutcome(metrics.OutcomePermanentFailed, err)
		return
	}

	p.setOutcome(metrics.OutcomeSucceeded, nil)
	p.logger.Debug("Cycle succeeded",
		zap.Int("metrics", len(snap.Keys)),
		zap.Int("created", len(plan.Creates)),
		zap.Int("updated", len(plan.Updates)))
}

// recordFailure 上报失败周期。瞬时失败留待下个周期自行重试；
// 认证失败把条目标记为需要重新认证，但不中断后续调度。
func (p *Poller) recordFailure(ctx context.Context, err error) {
	switch {
	case iternio.IsTransient(err):
		p.setOutcome(metrics.OutcomeTransientFailed, err)
		p.logger.Warn("Cycle failed (transient), entities keep last values", zap.Error(err))

	case iternio.IsAuthError(err):
		p.setOutcome(metrics.OutcomePermanentFailed, err)
		p.logger.Error("Cycle failed (auth), entry needs reauthentication", zap.Error(err))
		if repoErr := p.entryRepo.SetNeedsReauth(ctx, p.entryID, true); repoErr != nil {
			p.logger.Error("Failed to flag entry for reauth", zap.Error(repoErr))
		}
		if p.hub != nil {
			p.hub.BroadcastMessage(ws.MsgTypeEntryStatus, p.entryID, map[string]any{
				"entry_id":     p.entryID,
				"needs_reauth": true,
			})
		}

	default:
		p.setOutcome(metrics.OutcomePermanentFailed, err)
		p.logger.Error("Cycle failed (permanent)", zap.Error(err))
	}
}

func (p *Poller) setOutcome(outcome string, err error) {
	metrics.PollCycles.WithLabelValues(outcome).Inc()

	p.mu.Lock()
	p.lastOutcome = outcome
	if err != nil {
		p.lastError = err.Error()
	} else {
		p.lastError = ""
	}
	p.mu.Unlock()
}
