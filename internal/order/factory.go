// Package order 负责依据用户参数构建四类订单并完成签名。
package order

import (
	"crypto/rand"
	"fmt"
	"os"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation/field"
	"sigs.k8s.io/yaml"

	"marketrun/internal/market"
)

// Params 是创建订单的原始参数。App/Dataset/Workerpool/Requester 在报价单
// 上表示白名单限制，在请求单上表示请求方希望使用的资源。
type Params struct {
	Subject    string `json:"subject,omitempty"`
	Owner      string `json:"owner,omitempty"`
	Price      int64  `json:"price"`
	Volume     int64  `json:"volume"`
	Tag        string `json:"tag,omitempty"`
	MaxTag     string `json:"maxTag,omitempty"`
	Category   int64  `json:"category,omitempty"`
	App        string `json:"app,omitempty"`
	Dataset    string `json:"dataset,omitempty"`
	Workerpool string `json:"workerpool,omitempty"`
	Requester  string `json:"requester,omitempty"`

	AppMaxPrice        int64 `json:"appMaxPrice,omitempty"`
	DatasetMaxPrice    int64 `json:"datasetMaxPrice,omitempty"`
	WorkerpoolMaxPrice int64 `json:"workerpoolMaxPrice,omitempty"`

	Params string `json:"params,omitempty"`
	Salt   string `json:"salt,omitempty"`
}

// File 是订单参数文件的结构，kind 与参数平铺在同一层。
type File struct {
	Kind string `json:"kind"`
	Params
}

// LoadParams 读取 YAML/JSON 订单参数文件。
func LoadParams(path string) (market.OrderKind, Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", Params{}, fmt.Errorf("read order params: %w", err)
	}
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return "", Params{}, fmt.Errorf("unmarshal order params %s: %w", path, err)
	}
	kind, err := market.ParseOrderKind(f.Kind)
	if err != nil {
		return "", Params{}, fmt.Errorf("order params %s: %w", path, err)
	}
	return kind, f.Params, nil
}

// Create 校验参数并构建未签名订单；所有非法字段一次性以 ParamError 返回。
func Create(kind market.OrderKind, p Params) (market.Order, error) {
	var errs field.ErrorList
	o := market.Order{Kind: kind, Params: p.Params}

	switch kind {
	case market.KindApp, market.KindDataset, market.KindWorkerpool, market.KindRequest:
	default:
		errs = append(errs, field.NotSupported(field.NewPath("kind"), kind,
			[]string{string(market.KindApp), string(market.KindDataset), string(market.KindWorkerpool), string(market.KindRequest)}))
		return market.Order{}, &market.ParamError{Kind: kind, Err: errs.ToAggregate()}
	}
	isRequest := kind == market.KindRequest

	addr := func(name, raw string) market.Address {
		a, err := market.ParseAddress(raw)
		if err != nil {
			errs = append(errs, field.Invalid(field.NewPath(name), raw, err.Error()))
			return market.ZeroAddress
		}
		return a
	}
	tag := func(name, raw string) market.Tag {
		t, err := market.ParseTag(raw)
		if err != nil {
			errs = append(errs, field.Invalid(field.NewPath(name), raw, err.Error()))
		}
		return t
	}
	nonNegative := func(name string, v int64) uint64 {
		if v < 0 {
			errs = append(errs, field.Invalid(field.NewPath(name), v, "must be non-negative"))
			return 0
		}
		return uint64(v)
	}

	o.Subject = addr("subject", p.Subject)
	switch {
	case isRequest && !o.Subject.IsZero():
		errs = append(errs, field.Forbidden(field.NewPath("subject"), "request orders have no subject"))
	case !isRequest && o.Subject.IsZero() && strings.TrimSpace(p.Subject) == "":
		errs = append(errs, field.Required(field.NewPath("subject"), fmt.Sprintf("%s address", kind)))
	case !isRequest && o.Subject.IsZero():
		errs = append(errs, field.Invalid(field.NewPath("subject"), p.Subject, "must not be the zero address"))
	}
	o.Owner = addr("owner", p.Owner)
	o.Price = nonNegative("price", p.Price)
	if p.Volume <= 0 {
		errs = append(errs, field.Invalid(field.NewPath("volume"), p.Volume, "must be positive"))
	} else {
		o.Volume = uint64(p.Volume)
	}
	o.Category = nonNegative("category", p.Category)
	o.Tag = tag("tag", p.Tag)

	o.Restrictions = market.Restrictions{
		App:        addr("app", p.App),
		Dataset:    addr("dataset", p.Dataset),
		Workerpool: addr("workerpool", p.Workerpool),
		Requester:  addr("requester", p.Requester),
	}

	if isRequest {
		o.MaxTag = market.AllTags
		if strings.TrimSpace(p.MaxTag) != "" {
			o.MaxTag = tag("maxTag", p.MaxTag)
		}
		if !o.Tag.SubsetOf(o.MaxTag) {
			errs = append(errs, field.Invalid(field.NewPath("maxTag"), p.MaxTag, "must contain every flag of tag"))
		}
		if o.Restrictions.App.IsZero() {
			errs = append(errs, field.Required(field.NewPath("app"), "request orders must name an app"))
		}
		if !o.Restrictions.Requester.IsZero() {
			errs = append(errs, field.Forbidden(field.NewPath("requester"), "the requester is the order owner"))
		}
		if o.Price != 0 {
			errs = append(errs, field.Forbidden(field.NewPath("price"), "use appMaxPrice/datasetMaxPrice/workerpoolMaxPrice"))
		}
		o.MaxPrice = market.MaxPrices{
			App:        nonNegative("appMaxPrice", p.AppMaxPrice),
			Dataset:    nonNegative("datasetMaxPrice", p.DatasetMaxPrice),
			Workerpool: nonNegative("workerpoolMaxPrice", p.WorkerpoolMaxPrice),
		}
	} else {
		if strings.TrimSpace(p.MaxTag) != "" {
			errs = append(errs, field.Forbidden(field.NewPath("maxTag"), "only request orders carry a tag range"))
		}
		switch kind {
		case market.KindApp:
			if !o.Restrictions.App.IsZero() {
				errs = append(errs, field.Forbidden(field.NewPath("app"), "an app order cannot restrict apps"))
			}
		case market.KindDataset:
			if !o.Restrictions.Dataset.IsZero() {
				errs = append(errs, field.Forbidden(field.NewPath("dataset"), "a dataset order cannot restrict datasets"))
			}
		case market.KindWorkerpool:
			if !o.Restrictions.Workerpool.IsZero() {
				errs = append(errs, field.Forbidden(field.NewPath("workerpool"), "a workerpool order cannot restrict workerpools"))
			}
		}
		if p.AppMaxPrice != 0 || p.DatasetMaxPrice != 0 || p.WorkerpoolMaxPrice != 0 {
			errs = append(errs, field.Forbidden(field.NewPath("maxPrice"), "only request orders carry max prices"))
		}
	}

	if strings.TrimSpace(p.Salt) != "" {
		salt, err := market.ParseHash(p.Salt)
		if err != nil {
			errs = append(errs, field.Invalid(field.NewPath("salt"), p.Salt, err.Error()))
		}
		o.Salt = salt
	} else if _, err := rand.Read(o.Salt[:]); err != nil {
		return market.Order{}, fmt.Errorf("generate salt: %w", err)
	}

	if len(errs) > 0 {
		return market.Order{}, &market.ParamError{Kind: kind, Err: errs.ToAggregate()}
	}
	return o, nil
}
