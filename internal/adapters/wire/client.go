package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketrun/internal/market"
	"marketrun/internal/metrics"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBytes  = 4 << 10
	maxJSONBytes   = 16 << 20
)

// Client 是三个远端服务共用的 HTTP/JSON 调用封装。传输失败、非 2xx 状态与无法解码的报文
// 都以 *market.RegistryError 返回，不做自动重试。
type Client struct {
	service string
	baseURL string
	http    *http.Client
}

// NewClient 构造面向 baseURL 的客户端；hc 为空时使用带超时的默认客户端。
func NewClient(service, baseURL string, hc *http.Client) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("%s base url is empty", service)
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("%s base url: %w", service, err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{service: service, baseURL: strings.TrimRight(trimmed, "/"), http: hc}, nil
}

// Service 返回服务名，用于日志与指标。
func (c *Client) Service() string { return c.service }

// Call 描述一次调用。Body 非空时以 JSON 发送。
type Call struct {
	Op     string
	Method string
	Path   string
	Query  url.Values
	Body   any
}

func (c *Client) target(call Call) string {
	u := c.baseURL + call.Path
	if len(call.Query) > 0 {
		u += "?" + call.Query.Encode()
	}
	return u
}

// Do 执行调用并返回响应。状态码非 2xx 时返回 *HTTPError 包装的 RegistryError，
// 调用方可据此读取 ErrorResponse。成功时调用方负责关闭 Body。
func (c *Client) Do(ctx context.Context, call Call) (*http.Response, error) {
	target := c.target(call)
	var body io.Reader
	if call.Body != nil {
		payload, err := json.Marshal(call.Body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", c.service, call.Op, err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, call.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if call.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordRPC(c.service, call.Op, 0, time.Since(start))
		return nil, &market.RegistryError{Service: c.service, Op: call.Op, URL: target, Err: err}
	}
	metrics.RecordRPC(c.service, call.Op, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		herr := &HTTPError{Status: resp.StatusCode}
		if json.Unmarshal(payload, &herr.Body) != nil || herr.Body.Error == "" {
			herr.Body = ErrorResponse{Error: strings.TrimSpace(string(payload))}
		}
		return nil, &market.RegistryError{Service: c.service, Op: call.Op, URL: target, Status: resp.StatusCode, Err: herr}
	}
	return resp, nil
}

// JSON 执行调用并将 2xx 响应体解码到 out。
func (c *Client) JSON(ctx context.Context, call Call, out any) error {
	resp, err := c.Do(ctx, call)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONBytes)).Decode(out); err != nil {
		return &market.RegistryError{Service: c.service, Op: call.Op, URL: c.target(call), Status: resp.StatusCode,
			Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// HTTPError 是非 2xx 应答的状态与报文。
type HTTPError struct {
	Status int
	Body   ErrorResponse
}

func (e *HTTPError) Error() string {
	if e.Body.Error == "" {
		return http.StatusText(e.Status)
	}
	return e.Body.Error
}

// AsHTTPError 从调用错误中取出服务端应答。
func AsHTTPError(err error) (*HTTPError, bool) {
	var herr *HTTPError
	ok := errors.As(err, &herr)
	return herr, ok
}
