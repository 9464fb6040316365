package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"eva-checkin/internal/domain"
)

// ProviderConfig 呼叫服务商配置
type ProviderConfig struct {
	BaseURL       string
	APIKey        string
	CallbackURL   string // 服务商回调本服务的地址
	Timeout       time.Duration
	RetryCount    int
	RetryWaitTime time.Duration
}

// placeCallRequest POST /v1/calls 请求体
type placeCallRequest struct {
	To          string            `json:"to"`
	Purpose     string            `json:"purpose"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata"`
	Topics      []string          `json:"topics,omitempty"`
	Guidance    string            `json:"guidance,omitempty"`
}

// placeCallResponse POST /v1/calls 响应
type placeCallResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

type providerError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ProviderClient 语音呼叫服务商 API 客户端
type ProviderClient struct {
	httpClient *resty.Client
	cfg        ProviderConfig
	logger     *zap.Logger
}

// NewProviderClient 创建服务商客户端；5xx 与网络错误自动重试
func NewProviderClient(cfg ProviderConfig, logger *zap.Logger) *ProviderClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryWaitTime <= 0 {
		cfg.RetryWaitTime = 500 * time.Millisecond
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWaitTime).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	return &ProviderClient{httpClient: client, cfg: cfg, logger: logger}
}

var _ Dispatcher = (*ProviderClient)(nil)

// PlaceCall 发起呼叫。执行 ID 作为幂等键，重试不会重复拨号。
func (c *ProviderClient) PlaceCall(ctx context.Context, req CallRequest) (string, error) {
	body := placeCallRequest{
		To:          req.PhoneNumber,
		Purpose:     req.Purpose,
		CallbackURL: c.cfg.CallbackURL,
		Metadata: map[string]string{
			"execution_id": req.ExecutionID,
			"person_id":    req.PersonID,
		},
		Topics:   req.Topics,
		Guidance: req.Guidance,
	}
	if req.IncidentID != "" {
		body.Metadata["incident_id"] = req.IncidentID
	}

	c.logger.Info("Placing call",
		zap.String("execution_id", req.ExecutionID),
		zap.String("purpose", req.Purpose),
	)

	var (
		result  placeCallResponse
		failure providerError
	)
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.ExecutionID).
		SetBody(body).
		SetResult(&result).
		SetError(&failure).
		Post("/v1/calls")
	if err != nil {
		c.logger.Error("Call provider request failed",
			zap.String("execution_id", req.ExecutionID),
			zap.Error(err),
		)
		return "", fmt.Errorf("place call: %v: %w", err, domain.ErrProvider)
	}
	if resp.IsError() {
		c.logger.Error("Call provider returned error",
			zap.String("execution_id", req.ExecutionID),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("error", failure.Error),
			zap.String("message", failure.Message),
		)
		return "", fmt.Errorf("place call: status %d %s: %w", resp.StatusCode(), failure.Message, domain.ErrProvider)
	}
	if result.CallID == "" {
		return "", fmt.Errorf("place call: empty call id: %w", domain.ErrProvider)
	}
	return result.CallID, nil
}
