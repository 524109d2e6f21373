package coordinator

import (
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"marketrun/internal/logging"
	"marketrun/internal/notify"
	"marketrun/internal/order"
)

// Config 描述协调器运行所需的配置与可选组件。
type Config struct {
	Signer         order.Signer
	PublishRequest bool
	OutputDir      string
	ObserveTimeout time.Duration
	// Backoff 作用于撮合竞争失败与暂无可用订单两种情况，Steps<=1 表示不重试。
	Backoff  wait.Backoff
	Notifier notify.Notifier
	Journal  Journal
	Log      logging.Logger
}

// applyDefaults 为缺失的配置填充默认值。
func (c *Config) applyDefaults() {
	if c.OutputDir == "" {
		c.OutputDir = "results"
	}
	if c.Backoff.Steps < 1 {
		c.Backoff.Steps = 1
	}
	if c.Backoff.Duration <= 0 {
		c.Backoff.Duration = 2 * time.Second
	}
	if c.Notifier == nil {
		c.Notifier = notify.Nop{}
	}
	c.Log = logging.Default(c.Log)
}
