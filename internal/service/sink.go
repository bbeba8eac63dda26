package service

import (
	"context"

	"github.com/langchou/abrphome/internal/entity"
	"github.com/langchou/abrphome/internal/metrics"
	"github.com/langchou/abrphome/internal/models"
	"github.com/langchou/abrphome/internal/repository"
	"github.com/langchou/abrphome/pkg/ws"
)

// entitySink 实体落地的组合实现：持久化到仓库、同步内存注册表、
// 广播到 WebSocket。实现 entity.Sink。
type entitySink struct {
	repo     *repository.EntityRepository
	registry *entity.Registry
	hub      *ws.Hub
}

func newEntitySink(repo *repository.EntityRepository, registry *entity.Registry, hub *ws.Hub) *entitySink {
	return &entitySink{repo: repo, registry: registry, hub: hub}
}

// Create 创建实体
func (s *entitySink) Create(ctx context.Context, e *models.Entity) error {
	if err := s.repo.Create(ctx, e); err != nil {
		return err
	}
	s.registry.Put(e)
	metrics.EntitiesCreated.Inc()
	if s.hub != nil {
		s.hub.BroadcastMessage(ws.MsgTypeEntityCreated, e.EntryID, e)
	}
	return nil
}

// Update 更新实体状态
func (s *entitySink) Update(ctx context.Context, e *models.Entity) error {
	if err := s.repo.Update(ctx, e); err != nil {
		return err
	}
	s.registry.Put(e)
	metrics.EntityUpdates.Inc()
	if s.hub != nil {
		s.hub.BroadcastMessage(ws.MsgTypeEntityUpdated, e.EntryID, e)
	}
	return nil
}
