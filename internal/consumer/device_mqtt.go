package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	mqttcommon "eva-checkin/internal/common/mqtt"
	"eva-checkin/internal/config"
	"eva-checkin/internal/domain"
	"eva-checkin/internal/service"
)

// Subscriber MQTT 订阅能力（由 common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// DeviceEventConsumer 订阅设备事件主题，将事件交给升级编排
type DeviceEventConsumer struct {
	config       *config.Config
	subscriber   Subscriber
	orchestrator *service.Orchestrator
	logger       *zap.Logger
}

var _ Subscriber = (*mqttcommon.Client)(nil)

// NewDeviceEventConsumer 创建设备事件消费者
func NewDeviceEventConsumer(
	cfg *config.Config,
	subscriber Subscriber,
	orchestrator *service.Orchestrator,
	logger *zap.Logger,
) *DeviceEventConsumer {
	return &DeviceEventConsumer{
		config:       cfg,
		subscriber:   subscriber,
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// Start 订阅主题并阻塞到 ctx 取消
func (c *DeviceEventConsumer) Start(ctx context.Context) error {
	topic := c.config.MQTT.DeviceTopic
	handler := func(topic string, payload []byte) error {
		return c.HandleMessage(ctx, topic, payload)
	}
	if err := c.subscriber.Subscribe(topic, c.config.MQTT.QoS, handler); err != nil {
		return fmt.Errorf("failed to subscribe to device topic: %w", err)
	}
	c.logger.Info("Device event consumer started", zap.String("topic", topic))

	<-ctx.Done()
	return nil
}

// Stop 取消订阅
func (c *DeviceEventConsumer) Stop() error {
	if err := c.subscriber.Unsubscribe(c.config.MQTT.DeviceTopic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
		return err
	}
	c.logger.Info("Device event consumer stopped")
	return nil
}

// HandleMessage 处理一条设备事件。
// 主题格式: eva/devices/{device_id}/events；payload 未带 device_id 时取主题中的值。
func (c *DeviceEventConsumer) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	var ev service.DeviceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("failed to unmarshal device event: %w", err)
	}
	if ev.DeviceID == "" {
		if parts := strings.Split(topic, "/"); len(parts) >= 3 {
			ev.DeviceID = parts[len(parts)-2]
		}
	}
	if err := service.Validate(ev); err != nil {
		return err
	}

	inc, err := c.orchestrator.HandleDeviceEvent(ctx, ev)
	if errors.Is(err, domain.ErrConsentRequired) {
		c.logger.Warn("Device event not escalated, consent required",
			zap.String("event_id", ev.EventID),
			zap.String("person_id", ev.PersonID),
		)
		return nil
	}
	if err != nil {
		return err
	}
	if inc == nil {
		return nil
	}
	c.logger.Info("Device event escalated",
		zap.String("event_id", ev.EventID),
		zap.String("device_id", ev.DeviceID),
		zap.String("incident_id", inc.IncidentID),
	)
	return nil
}
