package provider

import "time"

// Usage is the mutable per-provider accounting kept by the dispatcher.
type Usage struct {
	Provider           string    `json:"provider"`
	Model              string    `json:"model"`
	Priority           int       `json:"priority"`
	TotalRequests      int64     `json:"totalRequests"`
	SuccessfulRequests int64     `json:"successfulRequests"`
	FailedRequests     int64     `json:"failedRequests"`
	RateLimitHits      int64     `json:"rateLimitHits"`
	TokensUsed         int64     `json:"tokensUsed"`
	Cost               float64   `json:"cost"`
	DailyTokens        int64     `json:"dailyTokens"`
	IsRateLimited      bool      `json:"isRateLimited"`
	RateLimitResetAt   time.Time `json:"rateLimitResetAt,omitempty"`
	Healthy            bool      `json:"healthy"`
	LastHealthCheck    time.Time `json:"lastHealthCheck,omitempty"`
	LastUsed           time.Time `json:"lastUsed,omitempty"`
	LastError          string    `json:"lastError,omitempty"`
}

// SuccessRate returns the fraction of successful requests, or 1 when no
// request has been made.
func (u Usage) SuccessRate() float64 {
	if u.TotalRequests == 0 {
		return 1
	}
	return float64(u.SuccessfulRequests) / float64(u.TotalRequests)
}

func (u Usage) quotaExhausted(limit int64) bool {
	return limit > 0 && u.DailyTokens >= limit
}
