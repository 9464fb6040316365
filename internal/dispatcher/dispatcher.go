// Package dispatcher 外部语音呼叫服务的薄封装：发起呼叫，结果通过回调/事件流异步返回。
package dispatcher

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CallRequest 发起呼叫请求
type CallRequest struct {
	ExecutionID string   `json:"execution_id"`
	PersonID    string   `json:"person_id"`
	PhoneNumber string   `json:"phone_number"` // E.164
	Purpose     string   `json:"purpose"`      // check_in / emergency_contact / help_arrival_check
	IncidentID  string   `json:"incident_id,omitempty"`
	Topics      []string `json:"topics,omitempty"`
	Guidance    string   `json:"guidance,omitempty"`
}

// Dispatcher 呼叫发起接口；返回服务商关联 ID，不等待通话结束
type Dispatcher interface {
	PlaceCall(ctx context.Context, req CallRequest) (string, error)
}

// LogDispatcher 未配置服务商时使用：只记录日志并返回本地生成的关联 ID
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher 创建 LogDispatcher
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) PlaceCall(_ context.Context, req CallRequest) (string, error) {
	callID := "local-" + uuid.NewString()
	d.logger.Warn("No call provider configured, call not placed",
		zap.String("execution_id", req.ExecutionID),
		zap.String("person_id", req.PersonID),
		zap.String("purpose", req.Purpose),
		zap.String("provider_call_id", callID),
	)
	return callID, nil
}
