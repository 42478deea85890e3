package relay

import (
	"net/http"
	"time"
)

// Outcome はPDSのステータスコードに基づくリレー結果の分類。
type Outcome int

const (
	// OutcomeOK は2xx。
	OutcomeOK Outcome = iota
	// OutcomePassThrough は再試行しても変わらないステータス（4xx）。
	OutcomePassThrough
	// OutcomeRetry は再試行してよいステータス（429/5xx）。
	OutcomeRetry
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 100 * time.Millisecond
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 2 * time.Second
)

// ClassifyStatus はHTTPステータスコードをリレー結果に分類する。
func ClassifyStatus(statusCode int) Outcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return OutcomeOK
	case statusCode == http.StatusTooManyRequests:
		return OutcomeRetry
	case statusCode >= 500:
		return OutcomeRetry
	default:
		return OutcomePassThrough
	}
}

// CalculateBackoff は再試行回数に基づいて指数バックオフ遅延を計算する。
// 初回100ms、2倍ずつ増加、最大2秒。
func CalculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
