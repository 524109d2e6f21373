// Package wire 定义注册表、结算与结果存储三个 HTTP 接口共享的 JSON 报文与查询参数编码。
package wire

import (
	"fmt"
	"net/url"
	"strconv"

	"marketrun/internal/market"
)

// 路由前缀。
const (
	OrdersPath  = "/v1/orders"
	DealsPath   = "/v1/deals"
	TasksPath   = "/v1/tasks/"
	ResultsPath = "/v1/results/"
)

// PublishResponse 是发布订单的应答。
type PublishResponse struct {
	OrderHash market.Hash `json:"orderHash"`
}

// OrdersResponse 按注册表顺序（价格升序，其次发布时间）返回订单。
type OrdersResponse struct {
	Orders []market.Order `json:"orders"`
}

// MatchRequest 是提交撮合的四元组，Dataset 可为空。
type MatchRequest struct {
	App        market.Order  `json:"app"`
	Dataset    *market.Order `json:"dataset,omitempty"`
	Workerpool market.Order  `json:"workerpool"`
	Request    market.Order  `json:"request"`
}

// Tuple 转换为领域四元组。
func (m MatchRequest) Tuple() market.Tuple {
	return market.Tuple{App: m.App, Dataset: m.Dataset, Workerpool: m.Workerpool, Request: m.Request}
}

// NewMatchRequest 由领域四元组构造报文。
func NewMatchRequest(t market.Tuple) MatchRequest {
	return MatchRequest{App: t.App, Dataset: t.Dataset, Workerpool: t.Workerpool, Request: t.Request}
}

// DealsResponse 列出某个请求单产生的交易。
type DealsResponse struct {
	Deals []market.Deal `json:"deals"`
}

// ErrorResponse 是所有非 2xx 应答的报文体。Kind/OrderHash 仅在撮合竞争失败（409）时出现。
type ErrorResponse struct {
	Error      string             `json:"error"`
	Kind       market.OrderKind   `json:"kind,omitempty"`
	OrderHash  *market.Hash       `json:"orderHash,omitempty"`
	Violations []market.Violation `json:"violations,omitempty"`
}

// FilterValues 将查询条件编码为 URL 参数，零值字段省略。
func FilterValues(f market.Filter) url.Values {
	v := url.Values{}
	v.Set("kind", string(f.Kind))
	setAddr := func(key string, a market.Address) {
		if !a.IsZero() {
			v.Set(key, a.String())
		}
	}
	setAddr("subject", f.Subject)
	if !f.MinTag.IsZero() {
		v.Set("minTag", f.MinTag.String())
	}
	v.Set("maxTag", f.MaxTag.String())
	v.Set("maxPrice", strconv.FormatUint(f.MaxPrice, 10))
	v.Set("category", strconv.FormatUint(f.Category, 10))
	setAddr("app", f.Counterparts.App)
	setAddr("dataset", f.Counterparts.Dataset)
	setAddr("workerpool", f.Counterparts.Workerpool)
	setAddr("requester", f.Counterparts.Requester)
	return v
}

// ParseFilter 是 FilterValues 的逆操作。缺省 maxTag 视为不设上限，缺省地址为零地址。
func ParseFilter(v url.Values) (market.Filter, error) {
	var f market.Filter
	kind, err := market.ParseOrderKind(v.Get("kind"))
	if err != nil {
		return f, err
	}
	f.Kind = kind
	f.MaxTag = market.AllTags

	for key, dst := range map[string]*market.Address{
		"subject":    &f.Subject,
		"app":        &f.Counterparts.App,
		"dataset":    &f.Counterparts.Dataset,
		"workerpool": &f.Counterparts.Workerpool,
		"requester":  &f.Counterparts.Requester,
	} {
		if *dst, err = market.ParseAddress(v.Get(key)); err != nil {
			return f, fmt.Errorf("%s: %w", key, err)
		}
	}
	if s := v.Get("minTag"); s != "" {
		if f.MinTag, err = market.ParseTag(s); err != nil {
			return f, fmt.Errorf("minTag: %w", err)
		}
	}
	if s := v.Get("maxTag"); s != "" {
		if f.MaxTag, err = market.ParseTag(s); err != nil {
			return f, fmt.Errorf("maxTag: %w", err)
		}
	}
	if f.MaxPrice, err = parseUint(v, "maxPrice"); err != nil {
		return f, err
	}
	if f.Category, err = parseUint(v, "category"); err != nil {
		return f, err
	}
	return f, nil
}

func parseUint(v url.Values, key string) (uint64, error) {
	s := v.Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
