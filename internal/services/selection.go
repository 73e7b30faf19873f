package services

import (
	"strings"
	"sync"

	"defi-aggregator/stable-router/internal/types"

	"github.com/shopspring/decimal"
)

// DefaultDriftThreshold 输出比率不高于该值时清除选择（下跌至少6%）
var DefaultDriftThreshold = decimal.NewFromFloat(0.94)

// SelectionEvent 一次选择重算的结果
type SelectionEvent string

const (
	SelectionKept        SelectionEvent = "kept"
	SelectionNone        SelectionEvent = "none"
	SelectionVanished    SelectionEvent = "vanished"     // 选中的适配器不在最新列表中
	SelectionDrifted     SelectionEvent = "drifted"      // 输出跌破阈值
	SelectionAutoPicked  SelectionEvent = "auto_picked"  // 列表从空变为非空时自动选择第一名
	SelectionUserPicked  SelectionEvent = "user_picked"  // 用户指定
	SelectionUserCleared SelectionEvent = "user_cleared" // 用户取消
)

// Selector 会话的选择状态机与漂移保护
// NONE -> SELECTED(name) -> NONE -> SELECTED(new)
type Selector struct {
	mu           sync.Mutex
	state        types.SelectionState
	lastObserved map[string]decimal.Decimal // 适配器|锁定代币 -> 上次观测的净输出
	threshold    decimal.Decimal
	hadRoutes    bool
}

// NewSelector 创建选择器，threshold 为零时使用默认阈值
func NewSelector(threshold decimal.Decimal) *Selector {
	if !threshold.IsPositive() {
		threshold = DefaultDriftThreshold
	}
	return &Selector{
		lastObserved: make(map[string]decimal.Decimal),
		threshold:    threshold,
	}
}

// State 当前选择状态副本
func (s *Selector) State() types.SelectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	if st.StablecoinOverride != nil {
		o := *st.StablecoinOverride
		st.StablecoinOverride = &o
	}
	return st
}

// Select 用户选择路由，名称必须存在于当前列表
// token 非空时锁定该目标代币的那一行，漂移保护随之跟踪同一行
func (s *Selector) Select(list *types.RankedRouteList, name, token string) (*types.RankedRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := list.Find(name, token)
	if !ok {
		return nil, types.NewRouterError(types.ErrCodeRouteNotAvailable, "路由不在当前排序结果中: "+name)
	}
	s.state.SelectedAdapter = name
	s.state.SelectedToken = ""
	if token != "" {
		s.state.SelectedToken = r.ActualToToken.Address
	}
	s.lastObserved[observedKey(s.state)] = r.NetOut
	return r, nil
}

// Deselect 用户取消选择
func (s *Selector) Deselect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Selector) clearLocked() {
	s.state.SelectedAdapter = ""
	s.state.SelectedToken = ""
}

// observedKey 漂移观测按（适配器, 锁定代币）记录
func observedKey(sel types.SelectionState) string {
	return sel.SelectedAdapter + "|" + strings.ToLower(selectionToken(sel))
}

// SetOverride 设置或清除稳定币覆盖
func (s *Selector) SetOverride(override *types.StablecoinOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.StablecoinOverride = override
}

// Reset 参数变化后清空选择与观测记录
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = types.SelectionState{}
	s.lastObserved = make(map[string]decimal.Decimal)
	s.hadRoutes = false
}

// Recompute 每次排序结果更新后调用
// 依次检查：名称是否仍存在、净输出是否漂移、是否需要自动选择第一名
func (s *Selector) Recompute(list *types.RankedRouteList) (*types.RankedRoute, SelectionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasEmpty := !s.hadRoutes
	s.hadRoutes = list.Len() > 0

	if s.state.HasSelection() {
		selected := ResolveSelection(list, s.state)
		if selected == nil {
			s.clearLocked()
			return nil, SelectionVanished
		}
		key := observedKey(s.state)
		last, seen := s.lastObserved[key]
		current := selected.NetOut
		if seen && Drifted(current, last, s.threshold) {
			s.clearLocked()
			delete(s.lastObserved, key)
			return nil, SelectionDrifted
		}
		s.lastObserved[key] = current
		return selected, SelectionKept
	}

	if wasEmpty && list.Len() > 0 {
		best := &list.Routes[0]
		s.state.SelectedAdapter = best.Name
		s.state.SelectedToken = ""
		s.lastObserved[observedKey(s.state)] = best.NetOut
		return best, SelectionAutoPicked
	}
	return nil, SelectionNone
}

// Drifted current/last 不高于阈值即视为漂移；last 不为正时无法判断
func Drifted(current, last, threshold decimal.Decimal) bool {
	if !last.IsPositive() {
		return false
	}
	return current.Div(last).LessThanOrEqual(threshold)
}
