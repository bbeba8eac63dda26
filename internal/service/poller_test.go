package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/abrphome/internal/api/iternio"
	"github.com/langchou/abrphome/internal/credential"
	"github.com/langchou/abrphome/internal/entity"
	"github.com/langchou/abrphome/internal/metrics"
	"github.com/langchou/abrphome/internal/models"
	"github.com/langchou/abrphome/internal/telemetry"
)

// scriptedSource 按脚本返回遥测结果，可选阻塞
type scriptedSource struct {
	mu      sync.Mutex
	calls   int
	results []func(ctx context.Context) (map[string]any, error)
	started chan struct{}
}

func (s *scriptedSource) GetTelemetry(ctx context.Context, cred *iternio.Credential) (map[string]any, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()

	if s.started != nil {
		s.started <- struct{}{}
	}
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i](ctx)
}

func (s *scriptedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// okExchanger 总是成功的凭证交换
type okExchanger struct {
	mu    sync.Mutex
	calls int
}

func (f *okExchanger) Authenticate(ctx context.Context, apiKey, userToken string) (*iternio.Credential, string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return &iternio.Credential{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, "car", nil
}

func (f *okExchanger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// memorySink 只写内存注册表的 Sink
type memorySink struct {
	registry *entity.Registry
	mu       sync.Mutex
	creates  int
	updates  int
}

func (s *memorySink) Create(ctx context.Context, e *models.Entity) error {
	s.mu.Lock()
	s.creates++
	s.mu.Unlock()
	s.registry.Put(e)
	return nil
}

func (s *memorySink) Update(ctx context.Context, e *models.Entity) error {
	s.mu.Lock()
	s.updates++
	s.mu.Unlock()
	s.registry.Put(e)
	return nil
}

// fakeReauthStore 记录重新认证标记
type fakeReauthStore struct {
	mu      sync.Mutex
	flagged bool
}

func (f *fakeReauthStore) SetNeedsReauth(ctx context.Context, id int64, needsReauth bool) error {
	f.mu.Lock()
	f.flagged = needsReauth
	f.mu.Unlock()
	return nil
}

func (f *fakeReauthStore) isFlagged() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flagged
}

func newTestPoller(source telemetry.Source, c clock.Clock) (*Poller, *memorySink, *fakeReauthStore) {
	logger := zap.NewNop()
	creds := credential.NewManager(&okExchanger{}, "key", "token", 5*time.Minute)
	registry := entity.NewRegistry()
	sink := &memorySink{registry: registry}
	reauth := &fakeReauthStore{}

	p := NewPoller(PollerConfig{
		EntryID:     1,
		Interval:    5 * time.Minute,
		Logger:      logger,
		Clock:       c,
		Credentials: creds,
		Fetcher:     telemetry.NewFetcher(source, creds, logger),
		Registry:    registry,
		Sink:        sink,
		EntryRepo:   reauth,
	})
	return p, sink, reauth
}

func tlmOK(data map[string]any) func(ctx context.Context) (map[string]any, error) {
	return func(ctx context.Context) (map[string]any, error) { return data, nil }
}

func tlmErr(err error) func(ctx context.Context) (map[string]any, error) {
	return func(ctx context.Context) (map[string]any, error) { return nil, err }
}

func TestRunCycleCreatesAndUpdates(t *testing.T) {
	source := &scriptedSource{results: []func(ctx context.Context) (map[string]any, error){
		tlmOK(map[string]any{"soc": 72.5, "range": 310.0}),
		tlmOK(map[string]any{"soc": 70.1, "power": 45.0}),
	}}
	p, sink, _ := newTestPoller(source, clock.New())
	ctx := context.Background()

	p.RunCycle(ctx)
	p.RunCycle(ctx)

	// 第二轮缺失 range 时保留上次的值，soc 更新一次，power 新建
	assert.Equal(t, 3, p.Registry().Len())
	kept, ok := p.Registry().Get("range")
	require.True(t, ok)
	assert.Equal(t, "310", kept.State, "range keeps its last value when absent")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 3, sink.creates)
	assert.Equal(t, 1, sink.updates)
}

func TestRunCycleTransientLeavesEntitiesUntouched(t *testing.T) {
	source := &scriptedSource{results: []func(ctx context.Context) (map[string]any, error){
		tlmOK(map[string]any{"soc": 72.5}),
		tlmErr(&iternio.FetchError{Transient: true, Err: errors.New("timeout")}),
	}}
	p, sink, _ := newTestPoller(source, clock.New())
	ctx := context.Background()

	p.RunCycle(ctx)
	before, _ := p.Registry().Get("soc")

	p.RunCycle(ctx)
	after, _ := p.Registry().Get("soc")

	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.LastUpdated, after.LastUpdated)
	assert.Equal(t, metrics.OutcomeTransientFailed, p.Status().LastOutcome)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 1, sink.creates)
	assert.Equal(t, 0, sink.updates)
}

func TestRunCycleDoubleAuthFailureFlagsReauth(t *testing.T) {
	authErr := &iternio.AuthError{Reason: iternio.ReasonInvalidToken}
	source := &scriptedSource{results: []func(ctx context.Context) (map[string]any, error){
		tlmErr(authErr),
	}}

	logger := zap.NewNop()
	exchanger := &okExchanger{}
	creds := credential.NewManager(exchanger, "key", "token", 5*time.Minute)
	registry := entity.NewRegistry()
	sink := &memorySink{registry: registry}
	reauth := &fakeReauthStore{}
	p := NewPoller(PollerConfig{
		EntryID:     1,
		Interval:    5 * time.Minute,
		Logger:      logger,
		Credentials: creds,
		Fetcher:     telemetry.NewFetcher(source, creds, logger),
		Registry:    registry,
		Sink:        sink,
		EntryRepo:   reauth,
	})

	p.RunCycle(context.Background())

	// 一次换取 + 一次强制刷新，两次拉取，之后放弃
	assert.Equal(t, 2, exchanger.callCount())
	assert.Equal(t, 2, source.callCount())
	assert.True(t, reauth.isFlagged())
	assert.Equal(t, 0, registry.Len(), "no entity mutations on a failed cycle")
	assert.Equal(t, metrics.OutcomePermanentFailed, p.Status().LastOutcome)
}

// downExchanger 模拟令牌端点不可达
type downExchanger struct {
	mu    sync.Mutex
	calls int
}

func (f *downExchanger) Authenticate(ctx context.Context, apiKey, userToken string) (*iternio.Credential, string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil, "", &iternio.AuthError{Reason: iternio.ReasonServiceUnreachable, Err: errors.New("dial timeout")}
}

func TestRunCycleUnreachableExchangeIsTransient(t *testing.T) {
	source := &scriptedSource{results: []func(ctx context.Context) (map[string]any, error){
		tlmOK(map[string]any{"soc": 50.0}),
	}}

	logger := zap.NewNop()
	exchanger := &downExchanger{}
	creds := credential.NewManager(exchanger, "key", "token", 5*time.Minute)
	registry := entity.NewRegistry()
	sink := &memorySink{registry: registry}
	reauth := &fakeReauthStore{}
	p := NewPoller(PollerConfig{
		EntryID:     1,
		Interval:    5 * time.Minute,
		Logger:      logger,
		Credentials: creds,
		Fetcher:     telemetry.NewFetcher(source, creds, logger),
		Registry:    registry,
		Sink:        sink,
		EntryRepo:   reauth,
	})

	p.RunCycle(context.Background())

	// 换取凭证时的网络故障不触发重新认证标记，留待下个周期自愈
	assert.False(t, reauth.isFlagged(), "a transient network failure during token exchange must not flag needs_reauth")
	assert.Equal(t, metrics.OutcomeTransientFailed, p.Status().LastOutcome)
	assert.Equal(t, 0, source.callCount(), "no fetch without a credential")
	assert.Equal(t, 0, registry.Len())
}

func TestRunCycleSkipsWhenInFlight(t *testing.T) {
	release := make(chan struct{})
	source := &scriptedSource{
		started: make(chan struct{}, 1),
		results: []func(ctx context.Context) (map[string]any, error){
			func(ctx context.Context) (map[string]any, error) {
				<-release
				return map[string]any{"soc": 50.0}, nil
			},
		},
	}
	p, _, _ := newTestPoller(source, clock.New())
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		p.RunCycle(ctx)
		close(done)
	}()
	<-source.started

	// 周期在途：新触发被跳过，不并发运行
	p.RunCycle(ctx)
	assert.Equal(t, 1, source.callCount())

	close(release)
	<-done
	assert.Equal(t, metrics.OutcomeSucceeded, p.Status().LastOutcome)
}

func TestRunCycleAbandonedOnCancel(t *testing.T) {
	source := &scriptedSource{results: []func(ctx context.Context) (map[string]any, error){
		func(ctx context.Context) (map[string]any, error) {
			<-ctx.Done()
			return nil, &iternio.FetchError{Transient: true, Err: ctx.Err()}
		},
	}}
	p, sink, _ := newTestPoller(source, clock.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.RunCycle(ctx)
		close(done)
	}()

	cancel()
	<-done

	// 取消后放弃周期：不发出实体变更，也不记失败
	sink.mu.Lock()
	assert.Equal(t, 0, sink.creates)
	assert.Equal(t, 0, sink.updates)
	sink.mu.Unlock()
	assert.Empty(t, p.Status().LastOutcome)
}

func TestPollerTicksOnSchedule(t *testing.T) {
	mockClock := clock.NewMock()
	source := &scriptedSource{
		started: make(chan struct{}, 8),
		results: []func(ctx context.Context) (map[string]any, error){
			tlmOK(map[string]any{"soc": 50.0}),
		},
	}
	p, _, _ := newTestPoller(source, mockClock)

	p.Start(context.Background())
	defer p.Stop()

	// 启动即有一次立即轮询
	select {
	case <-source.started:
	case <-time.After(2 * time.Second):
		t.Fatal("initial cycle did not run")
	}

	// 让轮询协程建好 ticker 再推进时钟
	time.Sleep(20 * time.Millisecond)
	mockClock.Add(5 * time.Minute)

	select {
	case <-source.started:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled cycle did not run")
	}
}
