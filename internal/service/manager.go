package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/langchou/abrphome/internal/api/iternio"
	"github.com/langchou/abrphome/internal/config"
	"github.com/langchou/abrphome/internal/credential"
	"github.com/langchou/abrphome/internal/entity"
	"github.com/langchou/abrphome/internal/metrics"
	"github.com/langchou/abrphome/internal/models"
	"github.com/langchou/abrphome/internal/repository"
	"github.com/langchou/abrphome/internal/telemetry"
	"github.com/langchou/abrphome/pkg/ws"
)

// ErrEntryNotRunning 条目没有在运行的轮询工作者
var ErrEntryNotRunning = fmt.Errorf("entry not running")

// entryRuntime 单个条目的运行时
type entryRuntime struct {
	poller *Poller
	creds  *credential.Manager
}

// Manager 配置条目管理器。每个条目独立拥有自己的凭证管理器、
// 拉取器和实体注册表，条目之间不共享任何可变状态。
type Manager struct {
	cfg        *config.Config
	logger     *zap.Logger
	clock      clock.Clock
	client     *iternio.Client
	entryRepo  *repository.EntryRepository
	entityRepo *repository.EntityRepository
	hub        *ws.Hub

	mu      sync.RWMutex
	baseCtx context.Context
	entries map[int64]*entryRuntime
}

// NewManager 创建条目管理器
func NewManager(
	cfg *config.Config,
	logger *zap.Logger,
	client *iternio.Client,
	entryRepo *repository.EntryRepository,
	entityRepo *repository.EntityRepository,
	hub *ws.Hub,
) *Manager {
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		clock:      clock.New(),
		client:     client,
		entryRepo:  entryRepo,
		entityRepo: entityRepo,
		hub:        hub,
		entries:    make(map[int64]*entryRuntime),
	}
}

// SetClock 替换时钟（测试用）
func (m *Manager) SetClock(c clock.Clock) {
	m.clock = c
}

// Resume 启动管理器并恢复所有已持久化的条目。
// 凭证不落盘，重启后首个周期会用存储的 API Key/Token 重新换取。
func (m *Manager) Resume(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	entries, err := m.entryRepo.List(ctx)
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}

	for _, entry := range entries {
		if err := m.startEntry(ctx, entry, nil); err != nil {
			m.logger.Error("Failed to resume entry", zap.Int64("entry_id", entry.ID), zap.Error(err))
			continue
		}
		m.logger.Info("Resumed entry",
			zap.Int64("entry_id", entry.ID),
			zap.String("vehicle", entry.VehicleName))
	}

	return nil
}

// Setup 创建新的配置条目。先用给定凭证对完成一次交换验证，
// 验证失败时直接返回错误、不创建条目（配置期错误对用户可见）。
func (m *Manager) Setup(ctx context.Context, apiKey, userToken string) (*models.Entry, error) {
	creds := credential.NewManager(m.client, apiKey, userToken, m.cfg.CredentialMargin)

	_, vehicleName, err := creds.Obtain(ctx)
	if err != nil {
		metrics.CredentialExchanges.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.CredentialExchanges.WithLabelValues("ok").Inc()

	entry := &models.Entry{
		APIKey:      apiKey,
		UserToken:   userToken,
		VehicleName: vehicleName,
	}
	if err := m.entryRepo.Create(ctx, entry); err != nil {
		return nil, err
	}

	m.mu.RLock()
	baseCtx := m.baseCtx
	m.mu.RUnlock()
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	if err := m.startEntry(baseCtx, entry, creds); err != nil {
		return nil, err
	}

	m.logger.Info("Entry created",
		zap.Int64("entry_id", entry.ID),
		zap.String("vehicle", entry.VehicleName))
	return entry, nil
}

// startEntry 为条目构建运行时并启动轮询。creds 为 nil 时新建
// 凭证管理器（恢复路径，首次 EnsureValid 会重新换取凭证）。
func (m *Manager) startEntry(ctx context.Context, entry *models.Entry, creds *credential.Manager) error {
	if creds == nil {
		creds = credential.NewManager(m.client, entry.APIKey, entry.UserToken, m.cfg.CredentialMargin)
	}

	registry := entity.NewRegistry()
	persisted, err := m.entityRepo.ListByEntry(ctx, entry.ID)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	registry.Load(persisted)

	poller := NewPoller(PollerConfig{
		EntryID:     entry.ID,
		Interval:    m.cfg.PollInterval,
		MarkUnknown: m.cfg.MarkUnknown,
		Logger:      m.logger,
		Clock:       m.clock,
		Credentials: creds,
		Fetcher:     telemetry.NewFetcher(m.client, creds, m.logger.With(zap.Int64("entry_id", entry.ID))),
		Registry:    registry,
		Sink:        newEntitySink(m.entityRepo, registry, m.hub),
		EntryRepo:   m.entryRepo,
		Hub:         m.hub,
	})

	m.mu.Lock()
	m.entries[entry.ID] = &entryRuntime{poller: poller, creds: creds}
	m.mu.Unlock()

	poller.Start(ctx)
	return nil
}

// Remove 卸载条目：放弃在途周期、释放凭证、删除持久化记录
func (m *Manager) Remove(ctx context.Context, id int64) error {
	m.mu.Lock()
	rt, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()

	if ok {
		rt.poller.Stop()
	}

	if err := m.entryRepo.Delete(ctx, id); err != nil {
		return err
	}

	m.logger.Info("Entry removed", zap.Int64("entry_id", id))
	return nil
}

// TriggerPoll 手动触发一次轮询周期
func (m *Manager) TriggerPoll(id int64) error {
	rt, ok := m.runtime(id)
	if !ok {
		return ErrEntryNotRunning
	}
	rt.poller.TriggerNow()
	return nil
}

// Status 查询条目轮询状态
func (m *Manager) Status(id int64) (Status, error) {
	rt, ok := m.runtime(id)
	if !ok {
		return Status{}, ErrEntryNotRunning
	}
	return rt.poller.Status(), nil
}

// Reauth 用新的用户 Token 重新认证条目。新 Token 验证通过后
// 才落库并清除 needs_reauth 标记。
func (m *Manager) Reauth(ctx context.Context, id int64, userToken string) (*models.Entry, error) {
	entry, err := m.entryRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	_, vehicleName, err := m.client.Authenticate(ctx, entry.APIKey, userToken)
	if err != nil {
		metrics.CredentialExchanges.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.CredentialExchanges.WithLabelValues("ok").Inc()

	if err := m.entryRepo.RotateToken(ctx, id, userToken, vehicleName); err != nil {
		return nil, err
	}

	if rt, ok := m.runtime(id); ok {
		rt.creds.RotateToken(userToken)
	}

	entry.UserToken = userToken
	entry.VehicleName = vehicleName
	entry.NeedsReauth = false
	entry.UpdatedAt = time.Now()

	if m.hub != nil {
		m.hub.BroadcastMessage(ws.MsgTypeEntryStatus, id, map[string]any{
			"entry_id":     id,
			"needs_reauth": false,
		})
	}

	m.logger.Info("Entry reauthenticated", zap.Int64("entry_id", id))
	return entry, nil
}

// SendTelemetry 向上游推送一条遥测数据
func (m *Manager) SendTelemetry(ctx context.Context, id int64, tlm map[string]any) error {
	rt, ok := m.runtime(id)
	if !ok {
		return ErrEntryNotRunning
	}

	cred, err := rt.creds.EnsureValid(ctx)
	if err != nil {
		return err
	}

	return m.client.SendTelemetry(ctx, cred, tlm)
}

// Entities 按创建顺序返回条目的实体
func (m *Manager) Entities(ctx context.Context, id int64) ([]*models.Entity, error) {
	if rt, ok := m.runtime(id); ok {
		return rt.poller.Registry().List(), nil
	}
	// 没有运行时（启动失败的条目），退回数据库
	return m.entityRepo.ListByEntry(ctx, id)
}

// Stop 停止所有条目的轮询
func (m *Manager) Stop() {
	m.mu.Lock()
	runtimes := make([]*entryRuntime, 0, len(m.entries))
	for _, rt := range m.entries {
		runtimes = append(runtimes, rt)
	}
	m.entries = make(map[int64]*entryRuntime)
	m.mu.Unlock()

	for _, rt := range runtimes {
		rt.poller.Stop()
	}

	m.logger.Info("All pollers stopped")
}

func (m *Manager) runtime(id int64) (*entryRuntime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.entries[id]
	return rt, ok
}
