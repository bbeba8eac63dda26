package credential

import (
	"context"
	"sync"
	"time"

	"github.com/langchou/abrphome/internal/api/iternio"
)

// Exchanger 执行凭证交换的能力接口，由 iternio.Client 实现
type Exchanger interface {
	Authenticate(ctx context.Context, apiKey, userToken string) (*iternio.Credential, string, error)
}

// Manager 凭证管理器。持有某个配置条目的 API Key 和用户 Token，
// 负责换取和刷新短期访问凭证。凭证只存在于进程内存，重启后重新换取。
type Manager struct {
	exchanger Exchanger
	margin    time.Duration

	mu        sync.Mutex
	apiKey    string
	userToken string
	current   *iternio.Credential
}

// NewManager 创建凭证管理器。margin 为刷新提前量：
// 凭证距过期不足 margin 时即视为需要刷新。
func NewManager(exchanger Exchanger, apiKey, userToken string, margin time.Duration) *Manager {
	return &Manager{
		exchanger: exchanger,
		margin:    margin,
		apiKey:    apiKey,
		userToken: userToken,
	}
}

// Obtain 执行初始凭证交换并缓存结果，返回凭证和车辆名称。
// 只做单次交换，不在内部重试。
func (m *Manager) Obtain(ctx context.Context) (*iternio.Credential, string, error) {
	m.mu.Lock()
	apiKey, userToken := m.apiKey, m.userToken
	m.mu.Unlock()

	cred, vehicleName, err := m.exchanger.Authenticate(ctx, apiKey, userToken)
	if err != nil {
		return nil, "", err
	}

	m.mu.Lock()
	m.current = cred
	m.mu.Unlock()

	return cred, vehicleName, nil
}

// EnsureValid 返回一个在 margin 之外仍然有效的凭证。
// 当前凭证足够新时原样返回，不发起网络请求；否则执行一次刷新交换。
func (m *Manager) EnsureValid(ctx context.Context) (*iternio.Credential, error) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()

	if current != nil && !current.ExpiresWithin(m.margin) {
		return current, nil
	}

	cred, _, err := m.Obtain(ctx)
	return cred, err
}

// ForceRefresh 无条件执行一次刷新交换。
// 用于上游报告凭证失效（401）后的单次重试路径。
func (m *Manager) ForceRefresh(ctx context.Context) (*iternio.Credential, error) {
	cred, _, err := m.Obtain(ctx)
	return cred, err
}

// RotateToken 替换用户 Token（重新认证），并丢弃已缓存的凭证
func (m *Manager) RotateToken(userToken string) {
	m.mu.Lock()
	m.userToken = userToken
	m.current = nil
	m.mu.Unlock()
}

// Clear 释放持有的凭证（配置条目卸载时调用）
func (m *Manager) Clear() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}
