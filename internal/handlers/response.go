package handlers

import (
	"errors"
	"net/http"
	"time"

	"defi-aggregator/stable-router/internal/middleware"
	"defi-aggregator/stable-router/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// respondOK 返回成功响应
func respondOK(c *gin.Context, data interface{}, meta interface{}) {
	c.JSON(http.StatusOK, types.APIResponse{
		Success:   true,
		Data:      data,
		Meta:      meta,
		Timestamp: time.Now().Unix(),
		RequestID: middleware.GetRequestID(c),
	})
}

// respondInvalid 请求参数错误
func respondInvalid(c *gin.Context, logger *logrus.Logger, message string, err error) {
	requestID := middleware.GetRequestID(c)
	apiErr := &types.APIError{Code: types.ErrCodeInvalidRequest, Message: message}
	if err != nil {
		apiErr.Details = map[string]interface{}{"error": err.Error()}
		logger.Warnf("[%s] %s: %v", requestID, message, err)
	}
	c.JSON(http.StatusBadRequest, types.APIResponse{
		Success:   false,
		Error:     apiErr,
		Timestamp: time.Now().Unix(),
		RequestID: requestID,
	})
}

// statusForCode 错误代码到HTTP状态码
func statusForCode(code string) int {
	switch code {
	case types.ErrCodeInvalidRequest, types.ErrCodeUnsupportedChain:
		return http.StatusBadRequest
	case types.ErrCodeSessionNotFound:
		return http.StatusNotFound
	case types.ErrCodeRouteNotAvailable, types.ErrCodeSwapNotSupported:
		return http.StatusConflict
	case types.ErrCodePriceImpactTooHigh:
		return http.StatusUnprocessableEntity
	case types.ErrCodeActionRejected:
		return http.StatusConflict
	case types.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case types.ErrCodeNoValidQuotes, types.ErrCodeMarketDataUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrCodeProviderTimeout:
		return http.StatusGatewayTimeout
	case types.ErrCodeProviderError, types.ErrCodeExecutionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleRouterError 处理路由服务错误
func handleRouterError(c *gin.Context, logger *logrus.Logger, err error) {
	requestID := middleware.GetRequestID(c)

	var routerErr *types.RouterError
	if !errors.As(err, &routerErr) {
		c.JSON(http.StatusInternalServerError, types.APIResponse{
			Success: false,
			Error: &types.APIError{
				Code:    types.ErrCodeInternalError,
				Message: "内部服务错误",
			},
			Timestamp: time.Now().Unix(),
			RequestID: requestID,
		})
		logger.Errorf("[%s] 未知错误: %v", requestID, err)
		return
	}

	statusCode := statusForCode(routerErr.Code)
	c.JSON(statusCode, types.APIResponse{
		Success: false,
		Error: &types.APIError{
			Code:    routerErr.Code,
			Message: routerErr.Message,
			Details: routerErr.Details,
		},
		Timestamp: time.Now().Unix(),
		RequestID: requestID,
	})

	switch {
	case routerErr.Code == types.ErrCodeActionRejected:
		logger.Infof("[%s] 用户取消操作", requestID)
	case statusCode >= 500:
		logger.Errorf("[%s] 路由服务错误: %v", requestID, err)
	default:
		logger.Warnf("[%s] 路由服务错误: %v", requestID, err)
	}
}
