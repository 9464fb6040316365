package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	commonredis "eva-checkin/internal/common/redis"
)

// AlertKind 运营告警类型
type AlertKind string

const (
	AlertEscalationExhausted AlertKind = "escalation_exhausted"
	AlertNoContacts          AlertKind = "no_contacts"
	AlertConsentRequired     AlertKind = "consent_required"
	AlertIntegrity           AlertKind = "integrity_error"
	AlertCheckInMissed       AlertKind = "checkin_missed"
)

// OperatorAlert 需要人工处理的情况
type OperatorAlert struct {
	Kind        AlertKind `json:"kind"`
	PersonID    string    `json:"person_id"`
	IncidentID  string    `json:"incident_id,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// Alerter 告警出口
type Alerter interface {
	Alert(ctx context.Context, alert OperatorAlert) error
}

// LogAlerter 只写日志
type LogAlerter struct {
	logger *zap.Logger
}

func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Alert(_ context.Context, alert OperatorAlert) error {
	logAlert(a.logger, alert)
	return nil
}

// StreamAlerter 写入 Redis Stream，供运营控制台消费
type StreamAlerter struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

func NewStreamAlerter(client *redis.Client, stream string, logger *zap.Logger) *StreamAlerter {
	return &StreamAlerter{client: client, stream: stream, logger: logger}
}

func (a *StreamAlerter) Alert(ctx context.Context, alert OperatorAlert) error {
	logAlert(a.logger, alert)
	if _, err := commonredis.PublishJSONToStream(ctx, a.client, a.stream, alert); err != nil {
		return fmt.Errorf("failed to publish operator alert: %w", err)
	}
	return nil
}

func logAlert(logger *zap.Logger, alert OperatorAlert) {
	fields := []zap.Field{
		zap.String("kind", string(alert.Kind)),
		zap.String("person_id", alert.PersonID),
		zap.String("message", alert.Message),
	}
	if alert.IncidentID != "" {
		fields = append(fields, zap.String("incident_id", alert.IncidentID))
	}
	if alert.ExecutionID != "" {
		fields = append(fields, zap.String("execution_id", alert.ExecutionID))
	}
	if alert.Kind == AlertIntegrity {
		logger.Error("Operator alert", fields...)
		return
	}
	logger.Warn("Operator alert", fields...)
}
