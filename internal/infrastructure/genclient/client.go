// Package genclient 提供章节生成流的 HTTP 客户端
package genclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"z-novel-studio/internal/config"
	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/pkg/errors"
	"z-novel-studio/pkg/logger"
	"z-novel-studio/pkg/tracer"
)

const errorBodyLimit = 512

// Client 生成流客户端
type Client struct {
	baseURL string
	path    string
	http    *http.Client
}

// New 创建客户端
// 不设置整体超时：生成可能持续数分钟，只限制建连
func New(cfg config.GenerationClientConfig) *Client {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout

	return NewWithHTTPClient(cfg, &http.Client{Transport: transport})
}

// NewWithHTTPClient 使用自定义 http.Client 创建客户端
func NewWithHTTPClient(cfg config.GenerationClientConfig, hc *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		path:    cfg.GeneratePath,
		http:    hc,
	}
}

// OpenStream 发起生成请求并返回流式响应体，调用方负责关闭
func (c *Client) OpenStream(ctx context.Context, req entity.GenerateRequest) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "genclient.OpenStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("project_id", req.ProjectID),
		attribute.Int("unit_number", req.UnitNumber),
	)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidParam, "failed to encode generate request")
	}

	endpoint := c.baseURL + strings.ReplaceAll(c.path, "{project_id}", url.PathEscape(req.ProjectID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeTransportError, "failed to build generate request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if rid, ok := ctx.Value(logger.RequestIDKey).(string); ok && rid != "" {
		httpReq.Header.Set("X-Request-ID", rid)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, errors.Wrap(err, errors.CodeTransportError, "failed to open generation stream")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		err := errors.ErrTransport.WithDetail(fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt))))
		tracer.RecordError(span, err)
		return nil, err
	}

	logger.Debug(ctx, "generation stream opened", "endpoint", endpoint, "status", resp.StatusCode)
	return resp.Body, nil
}
