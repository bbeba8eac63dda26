package telemetry

import (
	"sort"
	"strconv"
	"time"
)

// Snapshot 一个轮询周期产出的遥测快照。每个快照独立成立，
// 不与历史快照合并。Keys 固定遍历顺序：已知指标按目录声明顺序，
// 未知指标按字典序排在其后。
type Snapshot struct {
	Keys       []string
	Values     map[string]any
	CapturedAt time.Time
}

// Get 按键取值
func (s *Snapshot) Get(key string) (any, bool) {
	v, ok := s.Values[key]
	return v, ok
}

// Normalize 将原始遥测映射规范化为快照。
// 按指标目录声明的语义类型做逐键转换，单个键转换失败只丢弃该键，
// 不影响整个快照。now 用作缺省捕获时间，响应携带 timestamp 时优先。
func Normalize(raw map[string]any, now time.Time) *Snapshot {
	snap := &Snapshot{
		Values:     make(map[string]any, len(raw)),
		CapturedAt: now,
	}

	if ts, ok := raw["timestamp"]; ok {
		if sec, ok := coerceNumber(ts); ok && sec > 0 {
			snap.CapturedAt = time.Unix(int64(sec), 0).UTC()
		}
	}

	var unknown []string
	for _, key := range catalogOrder {
		rawValue, ok := raw[key]
		if !ok {
			continue
		}
		if value, ok := coerce(Lookup(key).Kind, rawValue); ok {
			snap.Keys = append(snap.Keys, key)
			snap.Values[key] = value
		}
	}

	for key, rawValue := range raw {
		if _, known := catalog[key]; known {
			continue
		}
		if value, ok := coerce(KindDynamic, rawValue); ok {
			unknown = append(unknown, key)
			snap.Values[key] = value
		}
	}
	sort.Strings(unknown)
	snap.Keys = append(snap.Keys, unknown...)

	return snap
}

// coerce 按声明类型转换单个值，失败时返回 false（该键被丢弃）
func coerce(kind ValueKind, raw any) (any, bool) {
	switch kind {
	case KindNumber:
		return coerceNumberAny(raw)
	case KindBool:
		switch v := raw.(type) {
		case bool:
			return v, true
		case float64:
			return v != 0, true
		}
		return nil, false
	case KindString:
		if v, ok := raw.(string); ok {
			return v, true
		}
		return nil, false
	default:
		// 未知指标：接受 JSON 的原生标量类型
		switch raw.(type) {
		case float64, bool, string:
			return raw, true
		}
		return nil, false
	}
}

func coerceNumberAny(raw any) (any, bool) {
	n, ok := coerceNumber(raw)
	if !ok {
		return nil, false
	}
	return n, true
}

func coerceNumber(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// FormatValue 将快照值格式化为实体状态文本
func FormatValue(value any) string {
	switch v := value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	default:
		return ""
	}
}
