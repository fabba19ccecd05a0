package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config 批次回放配置
type Config struct {
	BaseURL    string        // 采集服务地址
	SessionID  string        // 回放使用的会话id，空则由采集端回退推导
	BatchSize  int           // 每批条目数
	BatchDelay time.Duration // 批次间隔，模拟客户端的上报节奏
	Timeout    time.Duration // 单次请求超时

	// 重试配置
	RetryInitialInterval time.Duration
	RetryMaxElapsed      time.Duration
}

// DefaultConfig 默认回放配置
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:              baseURL,
		BatchSize:            20,
		BatchDelay:           time.Second,
		Timeout:              10 * time.Second,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxElapsed:      30 * time.Second,
	}
}

// Client 把录制好的合并日志文件按批回放给采集服务，
// 用于联调和压测。每批失败时做指数退避重试。
type Client struct {
	config *Config
	client *http.Client
}

// New 创建回放客户端
func New(config *Config) *Client {
	return &Client{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Run 读取合并日志文件并按批回放，返回成功提交的批次数
func (c *Client) Run(ctx context.Context, logFile string) (int, error) {
	data, err := os.ReadFile(logFile)
	if err != nil {
		return 0, fmt.Errorf("读取回放文件失败: %w", err)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("回放文件不是JSON数组: %w", err)
	}
	if len(entries) == 0 {
		return 0, fmt.Errorf("回放文件为空")
	}

	log.Printf("[replay] 共 %d 条日志, 每批 %d 条", len(entries), c.config.BatchSize)

	sent := 0
	for start := 0; start < len(entries); start += c.config.BatchSize {
		end := start + c.config.BatchSize
		if end > len(entries) {
			end = len(entries)
		}

		if err := c.postBatch(ctx, entries[start:end]); err != nil {
			return sent, fmt.Errorf("第 %d 批提交失败: %w", sent+1, err)
		}
		sent++

		if c.config.BatchDelay > 0 && end < len(entries) {
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-time.After(c.config.BatchDelay):
			}
		}
	}

	log.Printf("[replay] 回放完成: %d 批", sent)
	return sent, nil
}

// postBatch 提交一批日志，指数退避重试直到成功或超出重试窗口
func (c *Client) postBatch(ctx context.Context, batch []json.RawMessage) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("批次编码失败: %w", err)
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = c.config.RetryInitialInterval
	backOff.MaxElapsedTime = c.config.RetryMaxElapsed

	return backoff.Retry(func() error {
		return c.doPost(ctx, payload)
	}, backoff.WithContext(backOff, ctx))
}

// doPost 单次提交
func (c *Client) doPost(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/api/v1/logs", bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.SessionID != "" {
		req.Header.Set("X-Session-Id", c.config.SessionID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// 客户端错误重试也不会变好
		return backoff.Permanent(fmt.Errorf("采集端拒绝: %s", resp.Status))
	default:
		return fmt.Errorf("采集端返回 %s", resp.Status)
	}
}
