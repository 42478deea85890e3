// Package relay はエッジプロキシからPDSへのリレーを提供する。
package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/prefsync/internal/metrics"
)

// maxResponseSize はPDSレスポンスボディの上限（1MB）。
const maxResponseSize = 1 << 20

// Response はPDSのレスポンス。プロキシはこれをそのままクライアントに返す。
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// OK はステータスが2xxかを返す。
func (r *Response) OK() bool {
	return ClassifyStatus(r.StatusCode) == OutcomeOK
}

// Config はClientの設定。
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	MaxReadRetries int
}

// Client はPDSへのHTTPクライアント。
// すべての呼び出しにAuthorization: Bearerを付与する。
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxReadRetries int
	metrics        metrics.MetricsCollector
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewClient はClientを生成する。
func NewClient(config Config, mc metrics.MetricsCollector) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Client{
		baseURL:        config.BaseURL,
		httpClient:     &http.Client{Timeout: config.Timeout},
		maxReadRetries: config.MaxReadRetries,
		metrics:        mc,
		sleep:          sleepContext,
	}
}

// GetPrefs はPDSからプリファレンスを取得する。
// 冪等なため、通信エラーと429/5xxは指数バックオフで再試行する。
func (c *Client) GetPrefs(ctx context.Context, token string) (*Response, error) {
	var (
		resp *Response
		err  error
	)
	for attempt := 0; ; attempt++ {
		resp, err = c.do(ctx, "get_prefs", http.MethodGet, "/get_prefs", token, nil)
		retryable := err != nil || ClassifyStatus(resp.StatusCode) == OutcomeRetry
		if !retryable || attempt >= c.maxReadRetries || ctx.Err() != nil {
			break
		}

		delay := CalculateBackoff(attempt)
		slog.Warn("retrying get_prefs relay",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			break
		}
	}
	return resp, err
}

// SavePrefs はPDSにプリファレンスを保存する。再試行しない。
func (c *Client) SavePrefs(ctx context.Context, token string, body []byte) (*Response, error) {
	return c.do(ctx, "save_prefs", http.MethodPost, "/save_prefs", token, body)
}

// Logout はPDSのログイントークンを失効させる。再試行しない。
func (c *Client) Logout(ctx context.Context, token string) (*Response, error) {
	return c.do(ctx, "logout", http.MethodPost, "/logout", token, nil)
}

func (c *Client) do(ctx context.Context, op, method, path, token string, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordRelayRequest(op, 0, time.Since(start))
		return nil, fmt.Errorf("%s relay failed: %w", op, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	c.metrics.RecordRelayRequest(op, httpResp.StatusCode, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	return &Response{
		StatusCode:  httpResp.StatusCode,
		ContentType: httpResp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
