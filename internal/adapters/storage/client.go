// Package storage 从结果存储网关下载任务结果归档。
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"marketrun/internal/adapters/wire"
	"marketrun/internal/logging"
	"marketrun/internal/market"
)

const (
	service        = "storage"
	maxResultBytes = 256 << 20 // 256MiB safety limit
)

// Client 通过 HTTP 网关拉取结果归档。
type Client struct {
	rpc      *wire.Client
	maxBytes int64
	log      logging.Logger
}

// New 构造存储网关客户端。maxBytes<=0 时使用默认上限。
func New(baseURL string, maxBytes int64, hc *http.Client, log logging.Logger) (*Client, error) {
	rpc, err := wire.NewClient(service, baseURL, hc)
	if err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = maxResultBytes
	}
	return &Client{rpc: rpc, maxBytes: maxBytes, log: logging.Default(log)}, nil
}

// FetchArchive 下载任务的结果归档字节流。
func (c *Client) FetchArchive(ctx context.Context, taskID market.Hash) ([]byte, error) {
	resp, err := c.rpc.Do(ctx, wire.Call{Op: "result", Method: http.MethodGet, Path: wire.ResultsPath + taskID.String()})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, &market.RegistryError{Service: service, Op: "result", Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("result of task %s larger than %d bytes", taskID, c.maxBytes)
	}
	c.log.Infof("downloaded result of task %s (%d bytes)", taskID, len(data))
	return data, nil
}
