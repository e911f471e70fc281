package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/msageha/tempvoice/internal/logging"
	"github.com/msageha/tempvoice/internal/model"
)

// RateLimitReporter receives upstream 429s.
type RateLimitReporter interface {
	ReportRateLimited(retryAfter time.Duration, global bool)
}

// WebhookExecutor POSTs each intent as JSON to the bot process, which
// performs the actual API call and relays its status code.
type WebhookExecutor struct {
	url      string
	token    string
	client   *http.Client
	reporter RateLimitReporter
	logger   *logging.Logger
}

func NewWebhookExecutor(url, token string, client *http.Client, reporter RateLimitReporter, logger *logging.Logger) *WebhookExecutor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookExecutor{
		url:      url,
		token:    token,
		client:   client,
		reporter: reporter,
		logger:   logger.With("webhook"),
	}
}

// rateLimitBody is the JSON body the bot relays with a 429.
type rateLimitBody struct {
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

func (e *WebhookExecutor) Execute(ctx context.Context, in *model.Intent) error {
	if _, err := model.DecodePayload(in.Action, in.Payload); err != nil {
		return Permanent(err)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return Permanent(fmt.Errorf("marshal intent: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Intent-Id", in.ID)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post intent %s: %w", in.ID, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter, global := parseRateLimit(resp.Header, respBody)
		e.logger.Warnf("rate_limited id=%s retry_after=%s global=%t", in.ID, retryAfter, global)
		if e.reporter != nil {
			e.reporter.ReportRateLimited(retryAfter, global)
		}
		return &RateLimitedError{IntentID: in.ID, RetryAfter: retryAfter, Global: global}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(fmt.Errorf("intent %s rejected: %s: %s", in.ID, resp.Status, bytes.TrimSpace(respBody)))
	default:
		return fmt.Errorf("intent %s: upstream %s", in.ID, resp.Status)
	}
}

// parseRateLimit prefers the JSON body and falls back to the Retry-After
// and X-RateLimit-Global headers.
func parseRateLimit(h http.Header, body []byte) (time.Duration, bool) {
	var rl rateLimitBody
	if json.Unmarshal(body, &rl) == nil && rl.RetryAfter > 0 {
		return secondsToDuration(rl.RetryAfter), rl.Global
	}
	global := h.Get("X-RateLimit-Global") == "true"
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return secondsToDuration(secs), global
		}
	}
	return time.Second, global
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
