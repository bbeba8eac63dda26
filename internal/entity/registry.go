package entity

import (
	"sync"

	"github.com/langchou/abrphome/internal/models"
)

// Registry 单个配置条目的内存实体注册表。
// 键集合单调不减：只有 Put，没有删除。
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*models.Entity
	order    []string // 创建顺序
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		entities: make(map[string]*models.Entity),
	}
}

// Load 用已持久化的实体初始化注册表（进程重启后恢复）
func (r *Registry) Load(entities []*models.Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entities {
		if _, ok := r.entities[e.MetricKey]; !ok {
			r.order = append(r.order, e.MetricKey)
		}
		r.entities[e.MetricKey] = e
	}
}

// Put 新增或更新实体
func (r *Registry) Put(e *models.Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entities[e.MetricKey]; !ok {
		r.order = append(r.order, e.MetricKey)
	}
	r.entities[e.MetricKey] = e
}

// Get 按指标键取实体
func (r *Registry) Get(key string) (*models.Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[key]
	if !ok {
		return nil, false
	}
	entityCopy := *e
	return &entityCopy, true
}

// Snapshot 返回当前实体集合的副本，用于调和对比
func (r *Registry) Snapshot() map[string]*models.Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make(map[string]*models.Entity, len(r.entities))
	for key, e := range r.entities {
		entityCopy := *e
		snapshot[key] = &entityCopy
	}
	return snapshot
}

// List 按创建顺序返回全部实体
func (r *Registry) List() []*models.Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*models.Entity, 0, len(r.order))
	for _, key := range r.order {
		entityCopy := *r.entities[key]
		list = append(list, &entityCopy)
	}
	return list
}

// Len 实体数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}
