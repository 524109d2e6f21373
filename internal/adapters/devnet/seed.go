package devnet

import (
	"fmt"

	"marketrun/internal/market"
	"marketrun/internal/order"
)

// Catalog 描述演示市场中的一组报价单。Dataset 为空时不发布数据集订单。
type Catalog struct {
	App             market.Address
	Dataset         market.Address
	Workerpool      market.Address
	AppPrice        uint64
	DatasetPrice    uint64
	WorkerpoolPrice uint64
	AppTag          market.Tag
	WorkerpoolTag   market.Tag
	Category        uint64
	Volume          uint64
	DatasetVolume   uint64
}

// DemoCatalog 是 devnet 默认发布的一组 TEE 资源。
var DemoCatalog = Catalog{
	App:             "0xa000000000000000000000000000000000000001",
	Dataset:         "0xd000000000000000000000000000000000000002",
	Workerpool:      "0xe000000000000000000000000000000000000003",
	AppPrice:        1,
	DatasetPrice:    1,
	WorkerpoolPrice: 2,
	AppTag:          market.TagOf(market.FlagTEE, market.FlagScone),
	WorkerpoolTag:   market.TagOf(market.FlagTEE, market.FlagScone),
	Volume:          100,
	DatasetVolume:   100,
}

// Seeded 是已发布的报价单。
type Seeded struct {
	App        market.Order
	Dataset    *market.Order
	Workerpool market.Order
}

// Seed 以 signer 的身份创建、签名并发布目录中的报价单。
func Seed(l *Ledger, s order.Signer, c Catalog) (Seeded, error) {
	var out Seeded
	datasetVolume := c.DatasetVolume
	if datasetVolume == 0 {
		datasetVolume = c.Volume
	}

	publish := func(kind market.OrderKind, p order.Params) (market.Order, error) {
		o, err := order.Create(kind, p)
		if err != nil {
			return market.Order{}, err
		}
		if o, err = order.Sign(o, s); err != nil {
			return market.Order{}, err
		}
		if _, err := l.Publish(o); err != nil {
			return market.Order{}, fmt.Errorf("publish %s order: %w", kind, err)
		}
		return o, nil
	}

	var err error
	out.App, err = publish(market.KindApp, order.Params{
		Subject: c.App.String(),
		Price:   int64(c.AppPrice),
		Volume:  int64(c.Volume),
		Tag:     c.AppTag.String(),
	})
	if err != nil {
		return Seeded{}, err
	}
	if !c.Dataset.IsZero() {
		ds, err := publish(market.KindDataset, order.Params{
			Subject: c.Dataset.String(),
			Price:   int64(c.DatasetPrice),
			Volume:  int64(datasetVolume),
		})
		if err != nil {
			return Seeded{}, err
		}
		out.Dataset = &ds
	}
	out.Workerpool, err = publish(market.KindWorkerpool, order.Params{
		Subject:  c.Workerpool.String(),
		Price:    int64(c.WorkerpoolPrice),
		Volume:   int64(c.Volume),
		Tag:      c.WorkerpoolTag.String(),
		Category: int64(c.Category),
	})
	if err != nil {
		return Seeded{}, err
	}
	return out, nil
}

// RequestParams 返回能与目录撮合成功的请求单参数。请求单本身不带标签，
// 工作池所需的标签由应用订单决定。
func (c Catalog) RequestParams() order.Params {
	p := order.Params{
		Volume:             1,
		Category:           int64(c.Category),
		App:                c.App.String(),
		AppMaxPrice:        int64(c.AppPrice),
		WorkerpoolMaxPrice: int64(c.WorkerpoolPrice),
		Params:             `{"iexec_args":"demo"}`,
	}
	if !c.Dataset.IsZero() {
		p.Dataset = c.Dataset.String()
		p.DatasetMaxPrice = int64(c.DatasetPrice)
	}
	return p
}
