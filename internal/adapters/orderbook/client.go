// Package orderbook 通过 HTTP 访问订单注册表：发布已签名订单、按条件查询并挑选最优订单。
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"marketrun/internal/adapters/wire"
	"marketrun/internal/logging"
	"marketrun/internal/market"
)

const service = "orderbook"

// Client 是注册表客户端。它只做单次调用，失败不会自动重试。
type Client struct {
	rpc *wire.Client
	log logging.Logger
}

// New 构造注册表客户端；hc 为空时使用默认 HTTP 客户端。
func New(baseURL string, hc *http.Client, log logging.Logger) (*Client, error) {
	rpc, err := wire.NewClient(service, baseURL, hc)
	if err != nil {
		return nil, err
	}
	return &Client{rpc: rpc, log: logging.Default(log)}, nil
}

// Publish 发布已签名订单，返回注册表确认的订单哈希。
func (c *Client) Publish(ctx context.Context, o market.Order) (market.Hash, error) {
	if !o.Signed() {
		return market.ZeroHash, &market.ParamError{Kind: o.Kind, Err: errors.New("order must be signed before publishing")}
	}
	var resp wire.PublishResponse
	err := c.rpc.JSON(ctx, wire.Call{Op: "publish", Method: http.MethodPost, Path: wire.OrdersPath, Body: o}, &resp)
	if err != nil {
		return market.ZeroHash, err
	}
	if want := o.Hash(); resp.OrderHash != want {
		return market.ZeroHash, &market.RegistryError{Service: service, Op: "publish",
			Err: fmt.Errorf("registry acknowledged %s, expected %s", resp.OrderHash, want)}
	}
	c.log.Infof("published %s as %s", o.Short(), resp.OrderHash)
	return resp.OrderHash, nil
}

// Query 返回注册表顺序（价格升序，其次发布时间）的候选订单，不做本地筛选。
func (c *Client) Query(ctx context.Context, f market.Filter) ([]market.Order, error) {
	var resp wire.OrdersResponse
	err := c.rpc.JSON(ctx, wire.Call{Op: "query", Method: http.MethodGet, Path: wire.OrdersPath, Query: wire.FilterValues(f)}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// FetchBest 返回第一个通过 Filter.Check 的订单。没有匹配时返回 (nil, nil)，
// 由调用方决定如何处理；只有通信失败才返回错误。
func (c *Client) FetchBest(ctx context.Context, f market.Filter) (*market.Order, error) {
	orders, err := c.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if err := f.Check(orders[i]); err != nil {
			c.log.Infof("skip %s: %v", orders[i].Short(), err)
			continue
		}
		best := orders[i]
		return &best, nil
	}
	c.log.Warnf("no %s order among %d candidates", f.Kind, len(orders))
	return nil, nil
}
