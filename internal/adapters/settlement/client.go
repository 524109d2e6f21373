// Package settlement 通过 HTTP 访问结算服务：提交撮合、按请求单回读交易、查询任务状态。
package settlement

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"k8s.io/client-go/util/flowcontrol"

	"marketrun/internal/adapters/wire"
	"marketrun/internal/logging"
	"marketrun/internal/market"
)

const service = "settlement"

// Config 描述结算服务地址与限流参数。QPS<=0 时不限流。
type Config struct {
	BaseURL string
	QPS     float32
	Burst   int
	HTTP    *http.Client
	Log     logging.Logger
}

func (c *Config) applyDefaults() {
	if c.QPS > 0 && c.Burst <= 0 {
		c.Burst = 1
	}
	c.Log = logging.Default(c.Log)
}

// Client 的限流器在所有并发工作流之间共享。
type Client struct {
	rpc     *wire.Client
	limiter flowcontrol.RateLimiter
	log     logging.Logger
}

// New 构造结算客户端。
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	rpc, err := wire.NewClient(service, cfg.BaseURL, cfg.HTTP)
	if err != nil {
		return nil, err
	}
	limiter := flowcontrol.NewFakeAlwaysRateLimiter()
	if cfg.QPS > 0 {
		limiter = flowcontrol.NewTokenBucketRateLimiter(cfg.QPS, cfg.Burst)
	}
	return &Client{rpc: rpc, limiter: limiter, log: cfg.Log}, nil
}

func (c *Client) call(ctx context.Context, call wire.Call, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s %s: rate limiter: %w", service, call.Op, err)
	}
	return c.rpc.JSON(ctx, call, out)
}

// SubmitMatch 提交四元组。409 表示某个订单的余量已被并发撮合耗尽，返回 *market.RaceError；
// 422 表示服务端判定不兼容，返回 *market.IncompatibleError。
func (c *Client) SubmitMatch(ctx context.Context, t market.Tuple) (market.Deal, error) {
	var deal market.Deal
	err := c.call(ctx, wire.Call{Op: "submit", Method: http.MethodPost, Path: wire.DealsPath, Body: wire.NewMatchRequest(t)}, &deal)
	if err == nil {
		c.log.Infof("deal %s settled in tx %s", deal.ID, deal.TxHash)
		return deal, nil
	}
	herr, ok := wire.AsHTTPError(err)
	if !ok {
		return market.Deal{}, err
	}
	switch herr.Status {
	case http.StatusConflict:
		race := &market.RaceError{Kind: herr.Body.Kind, Detail: herr.Body.Error}
		if herr.Body.OrderHash != nil {
			race.OrderHash = *herr.Body.OrderHash
		}
		return market.Deal{}, race
	case http.StatusUnprocessableEntity:
		if len(herr.Body.Violations) > 0 {
			return market.Deal{}, &market.IncompatibleError{Violations: herr.Body.Violations}
		}
	}
	return market.Deal{}, err
}

// DealsByRequest 返回某个请求单已产生的交易。
func (c *Client) DealsByRequest(ctx context.Context, requestHash market.Hash) ([]market.Deal, error) {
	var resp wire.DealsResponse
	q := url.Values{"request": {requestHash.String()}}
	if err := c.call(ctx, wire.Call{Op: "deals", Method: http.MethodGet, Path: wire.DealsPath, Query: q}, &resp); err != nil {
		return nil, err
	}
	return resp.Deals, nil
}

// TaskStatus 读取任务当前状态。只读，可安全重复调用。
func (c *Client) TaskStatus(ctx context.Context, taskID market.Hash) (market.TaskStatus, error) {
	var st market.TaskStatus
	if err := c.call(ctx, wire.Call{Op: "task", Method: http.MethodGet, Path: wire.TasksPath + taskID.String()}, &st); err != nil {
		return market.TaskStatus{}, err
	}
	if st.TaskID.IsZero() {
		st.TaskID = taskID
	}
	return st, nil
}
