package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"mailpilot/internal/model"
	"mailpilot/pkg/circuitbreaker"
	"mailpilot/pkg/metrics"
	"mailpilot/pkg/trace"
)

// 向量空间
const (
	SpaceSemantic = "semantic"
	SpaceStyle    = "style"
)

const (
	endpointRecommend = "/v1/recommend-action"
	endpointReply     = "/v1/generate-reply"
	endpointSpam      = "/v1/classify-spam"
	endpointEmbed     = "/v1/embed"
)

// HTTPError 推理服务返回的非 2xx 响应
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("inference %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Temporary 5xx 和 429 可重试
func (e *HTTPError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Config 单个 provider 的连接配置
type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
}

// Client 推理/嵌入/垃圾分类服务的 HTTP 客户端，带熔断器。
// 每次调用的超时由 ctx 和 Timeout 共同决定，超时只影响当前邮件。
type Client struct {
	cfg        Config
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cbConfig := circuitbreaker.Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 2,
		IsFailure:           countsAsFailure,
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		cb:         circuitbreaker.NewCircuitBreaker(cbConfig),
	}
}

// 4xx 是请求本身的问题，不计入熔断
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}
	return true
}

func (c *Client) Provider() string { return c.cfg.Provider }

// Close 释放空闲连接
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// RecommendAction 请求推荐动作
func (c *Client) RecommendAction(ctx context.Context, in model.ActionContext) (model.Recommendation, error) {
	var out model.Recommendation
	err := c.post(ctx, endpointRecommend, in, &out)
	return out, err
}

type replyResponse struct {
	Body string `json:"body"`
}

// GenerateReply 生成回复正文；相同输入不保证相同输出
func (c *Client) GenerateReply(ctx context.Context, in model.ReplyContext) (string, error) {
	var out replyResponse
	if err := c.post(ctx, endpointReply, in, &out); err != nil {
		return "", err
	}
	return out.Body, nil
}

// ClassifySpam 外部垃圾邮件分类
func (c *Client) ClassifySpam(ctx context.Context, in model.SpamCheckInput) (model.SpamResult, error) {
	var out model.SpamResult
	err := c.post(ctx, endpointSpam, in, &out)
	out.SenderResponseCount = in.SenderResponseCount
	if out.Source == "" {
		out.Source = "classifier"
	}
	return out, err
}

type embedRequest struct {
	Space string `json:"space"`
	Text  string `json:"text"`
}

type embedResponse struct {
	Vector []float32 `json:"vector"`
}

// Embed 计算指定向量空间的嵌入
func (c *Client) Embed(ctx context.Context, space, text string) ([]float32, error) {
	var out embedResponse
	if err := c.post(ctx, endpointEmbed, embedRequest{Space: space, Text: text}, &out); err != nil {
		return nil, err
	}
	return out.Vector, nil
}

func (c *Client) post(ctx context.Context, endpoint string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	return c.cb.Execute(func() error {
		start := time.Now()
		err := c.do(ctx, endpoint, in, out)

		status := "success"
		var httpErr *HTTPError
		switch {
		case errors.As(err, &httpErr):
			status = strconv.Itoa(httpErr.StatusCode)
		case err != nil:
			status = "error"
		}
		metrics.RecordInferenceCallLatency(endpoint, status, time.Since(start))
		return err
	})
}

func (c *Client) do(ctx context.Context, endpoint string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Provider != "" {
		req.Header.Set("X-Inference-Provider", c.cfg.Provider)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName, traceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", endpoint, err)
	}
	return nil
}
