package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"defi-aggregator/stable-router/internal/types"
)

// apiClient 服务端HTTP客户端，解析统一响应信封
type apiClient struct {
	baseURL string
	http    *http.Client
}

// envelope 统一响应信封，data 延迟解析
type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *types.APIError `json:"error"`
	Meta      map[string]any  `json:"meta"`
	RequestID string          `json:"request_id"`
}

// apiError 服务端返回的业务错误
type apiError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s [request_id=%s]", e.Code, e.Status, e.Message, e.RequestID)
}

func newAPIClient(opts *options) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(opts.server, "/"),
		http:    &http.Client{Timeout: opts.timeout},
	}
}

// do 发送请求，成功时把 data 解析到 out，返回 meta
func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求失败: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求 %s 失败: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("解析响应失败 (HTTP %d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		apiErr := &apiError{Status: resp.StatusCode, RequestID: env.RequestID, Code: types.ErrCodeInternalError}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return env.Meta, apiErr
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return env.Meta, fmt.Errorf("解析响应数据失败: %w", err)
		}
	}
	return env.Meta, nil
}

// getRaw 不经过信封解析（健康检查直接返回结构体）
func (c *apiClient) getRaw(ctx context.Context, path string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("请求 %s 失败: %w", path, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}

// sseEvent 一条服务端事件
type sseEvent struct {
	Name string
	Data []byte
}

// stream 订阅SSE，每条事件回调一次，回调返回 false 时停止
// 流式连接不使用客户端整体超时
func (c *apiClient) stream(ctx context.Context, path string, onEvent func(sseEvent) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	client := &http.Client{Transport: c.http.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("订阅 %s 失败: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var env envelope
		_ = json.NewDecoder(resp.Body).Decode(&env)
		apiErr := &apiError{Status: resp.StatusCode, RequestID: env.RequestID, Code: types.ErrCodeInternalError}
		if env.Error != nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	return readSSE(resp.Body, onEvent)
}

// readSSE 按行解析 event/data 字段，空行分隔事件
func readSSE(r io.Reader, onEvent func(sseEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var cur sseEvent
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Name != "" || data.Len() > 0 {
				cur.Data = append([]byte(nil), data.Bytes()...)
				if !onEvent(cur) {
					return nil
				}
			}
			cur = sseEvent{}
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			cur.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && !isClosedErr(err) {
		return fmt.Errorf("读取事件流失败: %w", err)
	}
	return nil
}

func isClosedErr(err error) bool {
	return errors.Is(err, context.Canceled) || strings.Contains(err.Error(), "use of closed network connection")
}
