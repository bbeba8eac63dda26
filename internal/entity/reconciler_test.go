package entity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/abrphome/internal/models"
	"github.com/langchou/abrphome/internal/telemetry"
)

// recordingSink 记录创建/更新调用
type recordingSink struct {
	created []*models.Entity
	updated []*models.Entity
}

func (s *recordingSink) Create(ctx context.Context, e *models.Entity) error {
	s.created = append(s.created, e)
	return nil
}

func (s *recordingSink) Update(ctx context.Context, e *models.Entity) error {
	s.updated = append(s.updated, e)
	return nil
}

func snapshotOf(t *testing.T, raw map[string]any) *telemetry.Snapshot {
	t.Helper()
	return telemetry.Normalize(raw, time.Now().UTC())
}

func TestReconcileCreatesAndUpdates(t *testing.T) {
	registry := NewRegistry()
	sink := &recordingSink{}

	// 空注册表 + {soc, range} → 两个创建
	snap1 := snapshotOf(t, map[string]any{"soc": 72.5, "range": 310.0})
	plan := Reconcile(1, snap1, registry.Snapshot(), false)

	require.Len(t, plan.Creates, 2)
	assert.Empty(t, plan.Updates)
	assert.Equal(t, "soc", plan.Creates[0].MetricKey)
	assert.Equal(t, "72.5", plan.Creates[0].State)
	assert.Equal(t, "range", plan.Creates[1].MetricKey)
	assert.Equal(t, "310", plan.Creates[1].State)

	// 创建携带目录中的静态展示元数据
	assert.Equal(t, "%", plan.Creates[0].Unit)
	assert.Equal(t, "battery", plan.Creates[0].DeviceClass)

	_, err := plan.Apply(context.Background(), sink)
	require.NoError(t, err)
	for _, e := range sink.created {
		registry.Put(e)
	}

	// 下一个快照 {soc, power}：soc 更新，power 创建，range 不动
	snap2 := snapshotOf(t, map[string]any{"soc": 70.1, "power": 45.0})
	plan = Reconcile(1, snap2, registry.Snapshot(), false)

	require.Len(t, plan.Creates, 1)
	require.Len(t, plan.Updates, 1)
	assert.Equal(t, "power", plan.Creates[0].MetricKey)
	assert.Equal(t, "45", plan.Creates[0].State)
	assert.Equal(t, "soc", plan.Updates[0].MetricKey)
	assert.Equal(t, "70.1", plan.Updates[0].State)

	// range 保留最后已知值，绝不删除
	kept, ok := registry.Get("range")
	require.True(t, ok)
	assert.Equal(t, "310", kept.State)
}

func TestReconcileMonotonicGrowth(t *testing.T) {
	registry := NewRegistry()
	apply := func(raw map[string]any) {
		plan := Reconcile(1, snapshotOf(t, raw), registry.Snapshot(), false)
		for _, e := range plan.Creates {
			registry.Put(e)
		}
		for _, e := range plan.Updates {
			registry.Put(e)
		}
	}

	apply(map[string]any{"soc": 50.0})
	apply(map[string]any{"soc": 51.0, "power": 10.0, "speed": 30.0})
	apply(map[string]any{"power": 11.0}) // 键消失不会缩小注册表

	assert.Equal(t, 3, registry.Len())
	for _, key := range []string{"soc", "power", "speed"} {
		_, ok := registry.Get(key)
		assert.True(t, ok, key)
	}
}

func TestReconcileAbsentKeysUntouched(t *testing.T) {
	registry := NewRegistry()
	registry.Put(&models.Entity{
		EntryID: 1, MetricKey: "soc", State: "50",
		Availability: models.AvailabilityAvailable,
	})

	plan := Reconcile(1, snapshotOf(t, map[string]any{"power": 5.0}), registry.Snapshot(), false)

	assert.Len(t, plan.Creates, 1)
	assert.Empty(t, plan.Updates)
	assert.Empty(t, plan.Stales)
}

func TestReconcileMarkUnknown(t *testing.T) {
	registry := NewRegistry()
	registry.Put(&models.Entity{
		EntryID: 1, MetricKey: "soc", State: "50",
		Availability: models.AvailabilityAvailable,
	})

	plan := Reconcile(1, snapshotOf(t, map[string]any{"power": 5.0}), registry.Snapshot(), true)

	require.Len(t, plan.Stales, 1)
	assert.Equal(t, "soc", plan.Stales[0].MetricKey)
	assert.Equal(t, models.AvailabilityUnknown, plan.Stales[0].Availability)
	// 保留最后值
	assert.Equal(t, "50", plan.Stales[0].State)
}

func TestReconcileOrderFollowsSnapshot(t *testing.T) {
	registry := NewRegistry()
	snap := snapshotOf(t, map[string]any{"elevation": 100.0, "soc": 42.0, "speed": 88.0})

	plan := Reconcile(1, snap, registry.Snapshot(), false)

	keys := make([]string, len(plan.Creates))
	for i, e := range plan.Creates {
		keys[i] = e.MetricKey
	}
	assert.Equal(t, snap.Keys, keys)
}

func TestRegistryListKeepsCreationOrder(t *testing.T) {
	registry := NewRegistry()
	registry.Put(&models.Entity{MetricKey: "soc"})
	registry.Put(&models.Entity{MetricKey: "power"})
	registry.Put(&models.Entity{MetricKey: "soc", State: "99"}) // 更新不改变顺序

	list := registry.List()
	require.Len(t, list, 2)
	assert.Equal(t, "soc", list[0].MetricKey)
	assert.Equal(t, "99", list[0].State)
	assert.Equal(t, "power", list[1].MetricKey)
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	registry := NewRegistry()
	registry.Put(&models.Entity{MetricKey: "soc", State: "50"})

	snap := registry.Snapshot()
	snap["soc"].State = "mutated"

	kept, _ := registry.Get("soc")
	assert.Equal(t, "50", kept.State)
}
