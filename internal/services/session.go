package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"defi-aggregator/stable-router/internal/chain"
	"defi-aggregator/stable-router/internal/types"
	"defi-aggregator/stable-router/pkg/cache"
	"defi-aggregator/stable-router/pkg/metrics"

	"github.com/dustin/go-broadcast"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultDebounce   = 300 * time.Millisecond
	defaultSessionTTL = 30 * time.Minute
	eventBuffer       = 16
)

// 会话事件类型
const (
	EventRoutes    = "routes"
	EventSelection = "selection"
	EventExecution = "execution"
)

// SessionEvent 推送给订阅者的事件
type SessionEvent struct {
	Type      string                  `json:"type"`
	SessionID string                  `json:"session_id"`
	Snapshot  *Snapshot               `json:"snapshot,omitempty"`
	Selection *SelectionUpdate        `json:"selection,omitempty"`
	Execution *types.ExecutionOutcome `json:"execution,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// SelectionUpdate 选择状态变化
type SelectionUpdate struct {
	Event SelectionEvent       `json:"event"`
	State types.SelectionState `json:"state"`
	Route *types.RankedRoute   `json:"route,omitempty"`
}

// RouteRow 分组后的一行，附带相对参考路由的价格影响
type RouteRow struct {
	types.RankedRoute
	PriceImpact types.Estimate `json:"price_impact"`
	IsReference bool           `json:"is_reference"`
	IsSelected  bool           `json:"is_selected"`
}

// Snapshot 会话当前视图
type Snapshot struct {
	SessionID      string                 `json:"session_id"`
	Params         types.RoutesRequest    `json:"params"`
	Ranked         *types.RankedRouteList `json:"ranked"`
	Rows           []RouteRow             `json:"rows"`
	Selection      types.SelectionState   `json:"selection"`
	Selected       *types.RankedRoute     `json:"selected,omitempty"`
	IsFiat         bool                   `json:"is_fiat"`
	IsLoading      bool                   `json:"is_loading"`
	LoadingRoutes  []string               `json:"loading_routes"`
	LastFetched    time.Time              `json:"last_fetched"`
	HiddenAdapters []string               `json:"hidden_adapters"`
	Simulated      bool                   `json:"simulated"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// ========================================
// 会话管理器
// ========================================

// SessionManager 管理所有报价会话
type SessionManager struct {
	service  *RouterService
	cache    cache.CacheManager
	logger   *logrus.Logger
	prom     *metrics.RouterMetrics
	ttl      time.Duration
	debounce time.Duration
	refresh  time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSessionManager 创建会话管理器
func NewSessionManager(service *RouterService, cacheManager cache.CacheManager, logger *logrus.Logger) *SessionManager {
	routing := service.Config().Routing
	ctx, cancel := context.WithCancel(context.Background())
	m := &SessionManager{
		service:  service,
		cache:    cacheManager,
		logger:   logger,
		prom:     metrics.Default(),
		ttl:      routing.SessionTTL,
		debounce: routing.DebounceInterval,
		refresh:  routing.RefreshInterval,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
	if m.ttl <= 0 {
		m.ttl = defaultSessionTTL
	}
	if m.debounce <= 0 {
		m.debounce = defaultDebounce
	}
	if m.refresh <= 0 {
		m.refresh = defaultRefreshInterval
	}
	return m
}

// Start 启动过期会话清理
func (m *SessionManager) Start() {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.expire(time.Now())
			}
		}
	}()
}

// Create 创建会话并立即开始第一轮扇出
func (m *SessionManager) Create(req types.RoutesRequest) (*Session, error) {
	if _, ok := chain.ByName(req.Chain); !ok {
		return nil, types.NewRouterError(types.ErrCodeUnsupportedChain, "不支持的链: "+req.Chain)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	sess := &Session{
		ID:         uuid.NewString(),
		manager:    m,
		service:    m.service,
		logger:     m.logger,
		params:     req,
		paramsKey:  req.ParamsKey(),
		pending:    true,
		selector:   NewSelector(m.service.Config().Routing.DriftThreshold),
		events:     broadcast.NewBroadcaster(eventBuffer),
		lastActive: time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	count := len(m.sessions)
	m.mu.Unlock()
	m.prom.ActiveSessions.Set(float64(count))

	m.logger.Infof("[%s] 🆕 创建报价会话: chain=%s, %s->%s", sess.ID, req.Chain, req.From, req.To)
	sess.startRound(false)
	go sess.poll(m.refresh)
	return sess, nil
}

// Get 查找会话
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, types.NewRouterError(types.ErrCodeSessionNotFound, "会话不存在: "+id)
	}
	sess.touch()
	return sess, nil
}

// Close 关闭并移除会话
func (m *SessionManager) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return types.NewRouterError(types.ErrCodeSessionNotFound, "会话不存在: "+id)
	}
	m.prom.ActiveSessions.Set(float64(count))
	sess.close()
	m.logger.Infof("[%s] 👋 会话已关闭", id)
	return nil
}

// Count 活跃会话数量
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// LoadSnapshot 从缓存读取会话最后一次快照（会话可能已在其他实例或已过期）
func (m *SessionManager) LoadSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	var snap Snapshot
	if err := m.cache.Get(ctx, types.CacheKeySession+id, &snap); err != nil {
		return nil, types.NewRouterError(types.ErrCodeSessionNotFound, "会话不存在: "+id)
	}
	return &snap, nil
}

// Shutdown 关闭所有会话
func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
	m.cancel()
	m.prom.ActiveSessions.Set(0)
}

// expire 清理空闲超过TTL的会话
func (m *SessionManager) expire(now time.Time) int {
	var expired []string
	m.mu.RLock()
	for id, sess := range m.sessions {
		if now.Sub(sess.idleSince()) > m.ttl {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		_ = m.Close(id)
	}
	if len(expired) > 0 {
		m.logger.Infof("🧹 清理过期会话: %d 个", len(expired))
	}
	return len(expired)
}

// ========================================
// 会话
// ========================================

// Session 一个用户的报价会话
// 持有选择状态、最近观测输出与当前参数；每轮结果以参数键标记，键不一致的结果被丢弃
type Session struct {
	ID      string
	manager *SessionManager
	service *RouterService
	logger  *logrus.Logger

	mu          sync.Mutex
	params      types.RoutesRequest
	paramsKey   string
	pending     bool // 参数已变化但新一轮结果尚未到达
	round       uint64
	generation  uint64 // 每次接纳结果递增
	selector    *Selector
	result      types.RoutesResult
	eval        *Evaluation
	cancelRound context.CancelFunc
	debounce    *time.Timer
	lastActive  time.Time
	closed      bool

	events broadcast.Broadcaster
	ctx    context.Context
	cancel context.CancelFunc
}

type sessionView struct {
	params    types.RoutesRequest
	ranked    *types.RankedRouteList
	selection types.SelectionState
}

// Params 当前参数
func (s *Session) Params() types.RoutesRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// UpdateParams 更新请求参数
// 立即取消进行中的轮次，防抖后再发起新一轮
func (s *Session) UpdateParams(req types.RoutesRequest) error {
	if _, ok := chain.ByName(req.Chain); !ok {
		return types.NewRouterError(types.ErrCodeUnsupportedChain, "不支持的链: "+req.Chain)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.NewRouterError(types.ErrCodeSessionNotFound, "会话已关闭: "+s.ID)
	}
	s.lastActive = time.Now()

	key := req.ParamsKey()
	if key == s.paramsKey {
		return nil
	}
	if s.cancelRound != nil {
		s.cancelRound()
		s.cancelRound = nil
	}
	s.params = req
	s.paramsKey = key
	s.pending = true
	s.result = types.RoutesResult{ParamsKey: key}
	s.eval = nil
	s.selector.Reset()

	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.manager.debounce, func() { s.startRound(false) })
	s.logger.Debugf("[%s] 参数已更新，%v 后开始新一轮", s.ID, s.manager.debounce)
	return nil
}

// Refresh 手动刷新，绕过报价缓存
func (s *Session) Refresh() {
	s.touch()
	s.startRound(true)
}

// Select 用户选择路由，token 非空时选中该适配器在这个稳定币上的那一行
func (s *Session) Select(name, token string) (*types.RankedRoute, error) {
	s.mu.Lock()
	s.lastActive = time.Now()
	var list *types.RankedRouteList
	if s.eval != nil {
		list = s.eval.Ranked
	}
	route, err := s.selector.Select(list, name, token)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.publishSelection(SelectionUserPicked, route)
	return route, nil
}

// Deselect 用户取消选择
func (s *Session) Deselect() {
	s.touch()
	s.selector.Deselect()
	s.publishSelection(SelectionUserCleared, nil)
}

// SetStablecoinOverride 在法币视图中指定目标稳定币，nil 表示清除
// 设置后参考路由随之切换，并只针对该稳定币与适配器发起一次刷新
// 未指定适配器或指定的适配器没有该稳定币的路由时，取该稳定币排名最高的适配器
func (s *Session) SetStablecoinOverride(override *types.StablecoinOverride) error {
	s.mu.Lock()
	s.lastActive = time.Now()
	if override == nil {
		s.selector.SetOverride(nil)
		s.mu.Unlock()
		s.publishSelection(SelectionUserCleared, nil)
		return nil
	}
	if !s.result.IsFiat {
		s.mu.Unlock()
		return types.NewRouterError(types.ErrCodeInvalidRequest, "只有法币目标支持指定稳定币")
	}
	if !containsFold(s.result.Targets, override.Address) {
		s.mu.Unlock()
		return types.NewRouterError(types.ErrCodeInvalidRequest, "稳定币不在当前法币映射中: "+override.Address)
	}
	var list *types.RankedRouteList
	if s.eval != nil {
		list = s.eval.Ranked
	}
	o := *override
	if _, ok := list.Find(o.AdapterName, o.Address); o.AdapterName == "" || !ok {
		best, found := BestForToken(list, o.Address)
		if !found {
			s.mu.Unlock()
			return types.NewRouterError(types.ErrCodeInvalidRequest, "当前排序结果中没有该稳定币的路由: "+o.Address)
		}
		o.AdapterName = best.Name
	}
	s.selector.SetOverride(&o)

	req := s.params
	req.RequestID = fmt.Sprintf("%s-override", shortID(s.ID))
	req.To = o.Address
	req.Extra.ToToken = nil
	req.ForceRefresh = true
	for _, a := range s.service.Adapters() {
		if a.GetName() != o.AdapterName {
			req.DisabledAdapters = appendUnique(req.DisabledAdapters, a.GetName())
		}
	}
	key := s.paramsKey
	generation := s.generation
	ctx := s.ctx
	s.mu.Unlock()

	s.publishSelection(SelectionUserPicked, nil)
	go s.fetchOverride(ctx, req, key, generation)
	return nil
}

// Snapshot 当前视图
func (s *Session) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
	return s.snapshotLocked()
}

// Subscribe 订阅会话事件，返回的函数用于取消订阅
func (s *Session) Subscribe() (<-chan interface{}, func()) {
	ch := make(chan interface{}, eventBuffer)
	s.events.Register(ch)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.closed {
				return
			}
			// 注销期间持续读取，避免广播协程阻塞在该订阅者上
			done := make(chan struct{})
			go func() {
				for {
					select {
					case <-ch:
					case <-done:
						return
					}
				}
			}()
			s.events.Unregister(ch)
			close(done)
		})
	}
}

// Done 会话关闭时关闭
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// ========================================
// 轮次
// ========================================

// startRound 取消上一轮并以当前参数发起新一轮扇出
func (s *Session) startRound(force bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.cancelRound != nil {
		s.cancelRound()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelRound = cancel
	s.round++
	req := s.params
	req.ForceRefresh = force
	req.RequestID = fmt.Sprintf("%s-%d", shortID(s.ID), s.round)
	key := s.paramsKey
	s.mu.Unlock()

	go s.runRound(ctx, req, key)
}

func (s *Session) runRound(ctx context.Context, req types.RoutesRequest, key string) {
	final := s.service.FetchAllRoutes(ctx, &req, func(partial types.RoutesResult) {
		if len(partial.LoadingRoutes) > 0 {
			s.incorporate(ctx, &req, key, partial, false)
		}
	})
	s.incorporate(ctx, &req, key, final, true)
}

// incorporate 接纳一轮的（部分）结果
// 参数键不一致或轮次已取消时丢弃；选择状态只在整轮结束时重算
func (s *Session) incorporate(ctx context.Context, req *types.RoutesRequest, key string, result types.RoutesResult, final bool) {
	if ctx.Err() != nil {
		return
	}
	eval := s.service.Evaluate(ctx, req, result, final)

	s.mu.Lock()
	if s.closed || key != s.paramsKey || ctx.Err() != nil {
		s.mu.Unlock()
		s.logger.Debugf("[%s] 丢弃过期轮次结果: %s", s.ID, req.RequestID)
		return
	}
	s.result = result
	s.eval = eval
	s.generation++
	if final {
		s.pending = false
	}
	var event SelectionEvent = SelectionNone
	var selected *types.RankedRoute
	if final {
		selected, event = s.selector.Recompute(eval.Ranked)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.afterUpdate(snap, event, selected)
}

// fetchOverride 只刷新被指定的稳定币，结果合并进当前法币结果
func (s *Session) fetchOverride(ctx context.Context, req types.RoutesRequest, key string, generation uint64) {
	fresh := s.service.FetchAllRoutes(ctx, &req, nil)
	if ctx.Err() != nil || len(fresh.Routes) == 0 {
		return
	}

	s.mu.Lock()
	if key != s.paramsKey || generation != s.generation {
		s.mu.Unlock()
		return
	}
	params := s.params
	merged := mergeRoutes(s.result, fresh.Routes, params.To)
	s.mu.Unlock()

	eval := s.service.Evaluate(ctx, &params, merged, true)

	s.mu.Lock()
	if s.closed || key != s.paramsKey || generation != s.generation {
		s.mu.Unlock()
		return
	}
	s.result = merged
	s.eval = eval
	s.generation++
	selected, event := s.selector.Recompute(eval.Ranked)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.afterUpdate(snap, event, selected)
}

// mergeRoutes 以新报价替换相同（适配器, 目标）的路由
func mergeRoutes(current types.RoutesResult, fresh []types.AdapterRoute, fiatCode string) types.RoutesResult {
	merged := current
	merged.Routes = append([]types.AdapterRoute(nil), current.Routes...)
	for _, r := range fresh {
		r.OriginalToToken = fiatCode
		r.IsFiatRoute = true
		replaced := false
		for i, existing := range merged.Routes {
			if existing.Name == r.Name && strings.EqualFold(existing.TargetToken, r.TargetToken) {
				merged.Routes[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			merged.Routes = append(merged.Routes, r)
		}
	}
	return merged
}

func (s *Session) afterUpdate(snap *Snapshot, event SelectionEvent, selected *types.RankedRoute) {
	if event == SelectionDrifted {
		s.manager.prom.DriftGuardTrips.Inc()
		s.logger.Warnf("[%s] ⚠️ 选中路由输出下跌超过阈值，已清除选择", s.ID)
	}
	s.persist(snap)
	s.publish(SessionEvent{Type: EventRoutes, Snapshot: snap})
	switch event {
	case SelectionVanished, SelectionDrifted, SelectionAutoPicked:
		s.publishSelection(event, selected)
	}
}

// poll 按刷新周期重新报价
// 定时轮次绕过报价缓存
func (s *Session) poll(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.startRound(true)
		}
	}
}

// ========================================
// 快照与事件
// ========================================

func (s *Session) snapshotLocked() *Snapshot {
	sel := s.selector.State()
	snap := &Snapshot{
		SessionID:     s.ID,
		Params:        s.params,
		Ranked:        &types.RankedRouteList{ExactOutput: s.params.Extra.IsExactOutput()},
		Selection:     sel,
		IsFiat:        s.result.IsFiat,
		IsLoading:     s.result.IsLoading || s.pending,
		LoadingRoutes: s.result.LoadingRoutes,
		LastFetched:   s.result.LastFetched,
		UpdatedAt:     time.Now(),
	}
	if s.eval == nil {
		return snap
	}
	snap.Ranked = s.eval.Ranked
	snap.HiddenAdapters = s.eval.HiddenAdapters
	snap.Simulated = s.eval.Simulated
	snap.Rows, snap.Selected = BuildRows(s.eval.Ranked, s.result.IsFiat, sel)
	return snap
}

// BuildRows 按目标代币分组，并计算每行相对参考路由的价格影响
func BuildRows(list *types.RankedRouteList, isFiat bool, sel types.SelectionState) ([]RouteRow, *types.RankedRoute) {
	selected := ResolveSelection(list, sel)
	ref := ReferenceRoute(list, sel.StablecoinOverride)

	var rows []RouteRow
	for _, r := range GroupRoutesByTarget(list, isFiat) {
		row := r
		isRef := ref != nil && row.Name == ref.Name && strings.EqualFold(row.ActualToToken.Address, ref.ActualToToken.Address)
		rows = append(rows, RouteRow{
			RankedRoute: row,
			PriceImpact: RelativeImpact(&row, ref),
			IsReference: isRef,
			IsSelected: selected != nil && selected.Name == row.Name &&
				strings.EqualFold(selected.ActualToToken.Address, row.ActualToToken.Address),
		})
	}
	return rows, selected
}

func (s *Session) view() sessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
	v := sessionView{params: s.params, selection: s.selector.State()}
	if s.eval != nil {
		v.ranked = s.eval.Ranked
	}
	return v
}

func (s *Session) persist(snap *Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.manager.cache.Set(ctx, types.CacheKeySession+s.ID, snap, s.manager.ttl); err != nil {
		s.logger.Warnf("[%s] ⚠️ 保存会话快照失败: %v", s.ID, err)
	}
}

func (s *Session) publish(event SessionEvent) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	event.SessionID = s.ID
	event.Timestamp = time.Now()
	s.events.Submit(event)
}

func (s *Session) publishSelection(event SelectionEvent, route *types.RankedRoute) {
	s.publish(SessionEvent{
		Type:      EventSelection,
		Selection: &SelectionUpdate{Event: event, State: s.selector.State(), Route: route},
	})
}

func (s *Session) publishExecution(outcome *types.ExecutionOutcome) {
	s.publish(SessionEvent{Type: EventExecution, Execution: outcome})
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.debounce != nil {
		s.debounce.Stop()
	}
	if s.cancelRound != nil {
		s.cancelRound()
	}
	_ = s.events.Close()
	s.mu.Unlock()

	s.cancel()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}
