package entity

import (
	"context"
	"time"

	"github.com/langchou/abrphome/internal/models"
	"github.com/langchou/abrphome/internal/telemetry"
)

// Sink 实体落地能力接口。实体的生命周期归宿主平台所有，
// 调和器只发出创建/更新请求，自己不持有实体。
type Sink interface {
	Create(ctx context.Context, e *models.Entity) error
	Update(ctx context.Context, e *models.Entity) error
}

// Plan 一次调和的产出：待创建与待更新的实体，顺序跟随快照键序。
// Stales 为本次快照中缺失、按配置要标记为 unknown 的已有实体。
type Plan struct {
	Creates []*models.Entity
	Updates []*models.Entity
	Stales  []*models.Entity
}

// Reconcile 将快照与当前实体集合对比。
// 快照中新出现的指标键产生创建请求（带目录中的静态展示元数据），
// 已存在的键产生更新请求；注册表中有而快照中没有的键不做处理
// （保留最后已知值），除非 markUnknown 开启才降级可用性。
// 实体键集合只增不减。
func Reconcile(entryID int64, snap *telemetry.Snapshot, existing map[string]*models.Entity, markUnknown bool) Plan {
	var plan Plan

	for _, key := range snap.Keys {
		value := snap.Values[key]
		state := telemetry.FormatValue(value)

		current, ok := existing[key]
		if !ok {
			metric := telemetry.Lookup(key)
			plan.Creates = append(plan.Creates, &models.Entity{
				EntryID:      entryID,
				MetricKey:    key,
				Name:         metric.Name,
				Unit:         metric.Unit,
				DeviceClass:  metric.DeviceClass,
				Icon:         metric.Icon,
				State:        state,
				Availability: models.AvailabilityAvailable,
				LastUpdated:  snap.CapturedAt,
			})
			continue
		}

		updated := *current
		updated.State = state
		updated.Availability = models.AvailabilityAvailable
		updated.LastUpdated = snap.CapturedAt
		plan.Updates = append(plan.Updates, &updated)
	}

	if markUnknown {
		for key, current := range existing {
			if _, ok := snap.Values[key]; ok {
				continue
			}
			if current.Availability == models.AvailabilityUnknown {
				continue
			}
			stale := *current
			stale.Availability = models.AvailabilityUnknown
			plan.Stales = append(plan.Stales, &stale)
		}
	}

	return plan
}

// Apply 将调和计划写入 Sink，返回实际落地的实体。
// 创建在前、更新在后，各自保持快照键序。
func (p Plan) Apply(ctx context.Context, sink Sink) ([]*models.Entity, error) {
	applied := make([]*models.Entity, 0, len(p.Creates)+len(p.Updates)+len(p.Stales))

	for _, e := range p.Creates {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		if err := sink.Create(ctx, e); err != nil {
			return applied, err
		}
		applied = append(applied, e)
	}

	for _, e := range p.Updates {
		if err := sink.Update(ctx, e); err != nil {
			return applied, err
		}
		applied = append(applied, e)
	}

	for _, e := range p.Stales {
		if err := sink.Update(ctx, e); err != nil {
			return applied, err
		}
		applied = append(applied, e)
	}

	return applied, nil
}
