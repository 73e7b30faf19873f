package handlers

import (
	"io"
	"time"

	"defi-aggregator/stable-router/internal/middleware"
	"defi-aggregator/stable-router/internal/services"
	"defi-aggregator/stable-router/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// streamHeartbeat SSE保活间隔
const streamHeartbeat = 15 * time.Second

// SessionHandler 报价会话处理器
type SessionHandler struct {
	sessions *services.SessionManager
	service  *services.RouterService
	logger   *logrus.Logger
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(sessions *services.SessionManager, service *services.RouterService, logger *logrus.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, service: service, logger: logger}
}

type selectBody struct {
	AdapterName  string `json:"adapter_name" binding:"required"`
	TokenAddress string `json:"token_address"` // 法币视图中选中的稳定币行
}

type overrideBody struct {
	Override *types.StablecoinOverride `json:"override"`
}

// Create 创建会话并立即发起第一轮扇出
// POST /api/v1/sessions
func (h *SessionHandler) Create(c *gin.Context) {
	var req types.RoutesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, h.logger, "请求参数无效", err)
		return
	}
	if err := validateRequest(&req); err != nil {
		handleRouterError(c, h.logger, err)
		return
	}

	sess, err := h.sessions.Create(req)
	if err != nil {
		handleRouterError(c, h.logger, err)
		return
	}
	h.logger.Infof("[%s] 🆕 会话已创建: %s", middleware.GetRequestID(c), sess.ID)
	c.Header("Location", "/api/v1/sessions/"+sess.ID)
	respondOK(c, sess.Snapshot(), nil)
}

// Get 返回会话快照，已过期的会话回退到缓存中的最后快照
// GET /api/v1/sessions/:id
func (h *SessionHandler) Get(c *gin.Context) {
	id := c.Param("id")
	sess, err := h.sessions.Get(id)
	if err == nil {
		respondOK(c, sess.Snapshot(), nil)
		return
	}
	if snap, cacheErr := h.sessions.LoadSnapshot(c.Request.Context(), id); cacheErr == nil {
		respondOK(c, snap, map[string]interface{}{"stale": true})
		return
	}
	handleRouterError(c, h.logger, err)
}

// UpdateParams 更新会话参数，防抖后重新扇出
// PUT /api/v1/sessions/:id/params
func (h *SessionHandler) UpdateParams(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var req types.RoutesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, h.logger, "请求参数无效", err)
		return
	}
	if err := validateRequest(&req); err != nil {
		handleRouterError(c, h.logger, err)
		return
	}
	if err := sess.UpdateParams(req); err != nil {
		handleRouterError(c, h.logger, err)
		return
	}
	respondOK(c, sess.Snapshot(), nil)
}

// Refresh 手动刷新，跳过报价缓存
// POST /api/v1/sessions/:id/refresh
func (h *SessionHandler) Refresh(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	sess.Refresh()
	respondOK(c, sess.Snapshot(), nil)
}

// Select 选择路由
// POST /api/v1/sessions/:id/select
func (h *SessionHandler) Select(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var body selectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondInvalid(c, h.logger, "缺少适配器名称", err)
		return
	}
	if _, err := sess.Select(body.AdapterName, body.TokenAddress); err != nil {
		handleRouterError(c, h.logger, err)
		return
	}
	respondOK(c, sess.Snapshot(), nil)
}

// Deselect 清除选择
// DELETE /api/v1/sessions/:id/select
func (h *SessionHandler) Deselect(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	sess.Deselect()
	respondOK(c, sess.Snapshot(), nil)
}

// SetOverride 指定法币分组中的稳定币，override 为 null 时清除
// PUT /api/v1/sessions/:id/override
func (h *SessionHandler) SetOverride(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var body overrideBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondInvalid(c, h.logger, "请求参数无效", err)
		return
	}
	if err := sess.SetStablecoinOverride(body.Override); err != nil {
		handleRouterError(c, h.logger, err)
		return
	}
	respondOK(c, sess.Snapshot(), nil)
}

// Execute 执行选中的路由
// POST /api/v1/sessions/:id/execute
func (h *SessionHandler) Execute(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var req services.ExecuteRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalid(c, h.logger, "请求参数无效", err)
			return
		}
	}

	outcome, err := h.service.Execute(c.Request.Context(), sess, req)
	if err != nil {
		handleRouterError(c, h.logger, err)
		return
	}
	respondOK(c, outcome, nil)
}

// Close 关闭会话
// DELETE /api/v1/sessions/:id
func (h *SessionHandler) Close(c *gin.Context) {
	if err := h.sessions.Close(c.Param("id")); err != nil {
		handleRouterError(c, h.logger, err)
		return
	}
	respondOK(c, gin.H{"closed": true}, nil)
}

// Stream 以SSE推送会话事件，首条事件为当前快照
// GET /api/v1/sessions/:id/stream
func (h *SessionHandler) Stream(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	requestID := middleware.GetRequestID(c)
	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	h.logger.Infof("[%s] 📡 订阅会话事件: %s", requestID, sess.ID)
	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(services.EventRoutes, services.SessionEvent{
		Type:      services.EventRoutes,
		SessionID: sess.ID,
		Snapshot:  sess.Snapshot(),
		Timestamp: time.Now(),
	})

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-sess.Done():
			c.SSEvent("closed", gin.H{"session_id": sess.ID})
			return false
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		case msg, ok := <-events:
			if !ok {
				return false
			}
			event, ok := msg.(services.SessionEvent)
			if !ok {
				return true
			}
			c.SSEvent(event.Type, event)
			return true
		}
	})
	h.logger.Debugf("[%s] 会话事件流结束: %s", requestID, sess.ID)
}

// session 查找会话，不存在时写入错误响应
func (h *SessionHandler) session(c *gin.Context) (*services.Session, bool) {
	sess, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		handleRouterError(c, h.logger, err)
		return nil, false
	}
	return sess, true
}
